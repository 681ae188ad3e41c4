package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/sakif/mojo-kernel/internal/executor"
)

// Message statuses used by the REPL server.
const (
	StatusReady = "ready"
	StatusOK    = "ok"
	StatusError = "error"
)

// Request asks the server to evaluate code. Code travels as a JSON string,
// so embedded newlines never break line framing.
type Request struct {
	Type string `json:"type"`
	Code string `json:"code"`
	ID   int64  `json:"id"`
}

// ReadyMessage is the first line the server prints after initialising.
type ReadyMessage struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response answers one Request. Every field but Status is optional.
type Response struct {
	ID        int64    `json:"id,omitempty"`
	Status    string   `json:"status"`
	Stdout    string   `json:"stdout,omitempty"`
	Stderr    string   `json:"stderr,omitempty"`
	Ename     string   `json:"ename,omitempty"`
	Evalue    string   `json:"evalue,omitempty"`
	Traceback []string `json:"traceback,omitempty"`
}

// Result converts the response into an execution result. Only error
// responses carry error details; everything else is a success.
func (r Response) Result() executor.Result {
	if r.Status != StatusError {
		return executor.Result{
			Stdout:  r.Stdout,
			Stderr:  r.Stderr,
			Success: true,
		}
	}

	name := r.Ename
	if name == "" {
		name = executor.DefaultErrorName
	}
	traceback := r.Traceback
	if traceback == nil {
		traceback = []string{}
	}
	return executor.Result{
		Stdout:     r.Stdout,
		Stderr:     r.Stderr,
		Success:    false,
		ErrorName:  name,
		ErrorValue: r.Evalue,
		Traceback:  traceback,
	}
}

// Encoder writes one JSON value per line.
type Encoder struct {
	w *bufio.Writer
}

// NewEncoder creates an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// Encode writes v as a single line and flushes it.
func (e *Encoder) Encode(v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// json.Encoder terminates each value with '\n' and escapes every newline
	// inside strings, so buf holds exactly one line.
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}
	if _, err := e.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("flushing message: %w", err)
	}
	return nil
}

// Decoder reads newline-delimited messages. Lines have no length limit.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder creates a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns exactly one line without its terminator. A blank line comes
// back empty and fails to parse as a message. It returns io.EOF once the
// stream closes with nothing left to read; a final unterminated line is
// still returned.
func (d *Decoder) Next() ([]byte, error) {
	line, err := d.r.ReadBytes('\n')
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("reading message: %w", err)
	}
	if err == io.EOF && len(line) == 0 {
		return nil, io.EOF
	}
	return bytes.TrimSpace(line), nil
}
