package executor

import (
	"bufio"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// DefaultTailSize is how much child stderr is kept for error reports.
const DefaultTailSize = 64 * 1024

// TailBuffer keeps the last Max bytes written to it. It is safe for
// concurrent use.
type TailBuffer struct {
	Max int

	mu  sync.Mutex
	buf []byte
}

// Write appends p, discarding the oldest bytes beyond Max.
func (t *TailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	limit := t.Max
	if limit <= 0 {
		limit = DefaultTailSize
	}
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

// String returns the retained bytes.
func (t *TailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

// DrainStderr copies r into tail line by line, logging each line at debug
// level, and closes the returned channel once r is exhausted. Draining keeps
// a chatty child from blocking on a full stderr pipe.
func DrainStderr(r io.Reader, tail *TailBuffer, logger *slog.Logger) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		br := bufio.NewReader(r)
		for {
			line, err := br.ReadString('\n')
			if line != "" {
				tail.Write([]byte(line))
				logger.Debug("child stderr", slog.String("line", strings.TrimRight(line, "\r\n")))
			}
			if err != nil {
				return
			}
		}
	}()
	return done
}
