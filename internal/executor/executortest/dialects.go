package executortest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// errInterrupted is what hang() yields when the child is interrupted.
var errInterrupted = &EvalError{Name: "KeyboardInterrupt", Message: "error: execution interrupted"}

// hangUntil blocks until c is interrupted or killed.
func hangUntil(c *Child) func() error {
	return func() error {
		select {
		case <-c.Interrupted():
			return errInterrupted
		case <-c.Killed():
			return errors.New("killed")
		}
	}
}

// JSONServer is a fake REPL server speaking the JSON-lines protocol: it
// prints a ready message, then answers each execute request with the
// request's id.
func JSONServer() ChildFunc {
	return func(c *Child) {
		interp := NewInterpreter()
		interp.Hang = hangUntil(c)

		fmt.Fprintln(c.Err, "repl server: loaded runtime plugin")
		if err := c.Send(map[string]any{"status": "ready"}); err != nil {
			return
		}

		for {
			line, err := c.In.ReadString('\n')
			if err != nil {
				return
			}
			var req struct {
				Type string `json:"type"`
				Code string `json:"code"`
				ID   int64  `json:"id"`
			}
			if err := json.Unmarshal([]byte(line), &req); err != nil {
				c.Send(map[string]any{"id": 0, "status": "error", "ename": "ProtocolError", "evalue": err.Error()})
				continue
			}
			if req.Type != "execute" {
				c.Send(map[string]any{"id": req.ID, "status": "error", "ename": "ProtocolError",
					"evalue": "unknown request type: " + req.Type})
				continue
			}
			c.Record(req.Code)

			out, evalErr := interp.Eval(req.Code)
			if evalErr == ErrCrash {
				fmt.Fprintln(c.Err, ErrCrash.Message)
				return
			}
			if evalErr != nil {
				name := "MojoError"
				var ee *EvalError
				if errors.As(evalErr, &ee) {
					name = ee.Name
				}
				c.Send(map[string]any{
					"id": req.ID, "status": "error", "stdout": out, "stderr": "",
					"ename": name, "evalue": evalErr.Error(), "traceback": []string{evalErr.Error()},
				})
				continue
			}
			c.Send(map[string]any{"id": req.ID, "status": "ok", "stdout": out, "stderr": ""})
		}
	}
}

// Send writes v to stdout as one JSON line.
func (c *Child) Send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = c.Out.Write(append(b, '\n'))
	return err
}

// TerminalRepl is a fake interactive REPL as seen through a terminal:
// numbered prompts, echoed input, continuation prompts for multi-line
// blocks, and "[User] error:" banners. A blank line submits the block.
func TerminalRepl() ChildFunc {
	return func(c *Child) {
		interp := NewInterpreter()
		interp.Hang = hangUntil(c)

		lineNo := 1
		if c.Printf("Welcome to Mojo!\r\n\r\n%3d> ", lineNo) != nil {
			return
		}

		var block []string
		for {
			line, err := c.In.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			lineNo++

			if strings.TrimSpace(line) != "" {
				block = append(block, line)
				if c.Printf("%s\r\n%3d. ", line, lineNo) != nil {
					return
				}
				continue
			}

			code := strings.Join(block, "\n")
			block = nil
			c.Record(code)
			out, evalErr := interp.Eval(code)
			if evalErr == ErrCrash {
				c.Printf("\r\n%s\r\n", ErrCrash.Message)
				return
			}

			var b strings.Builder
			b.WriteString("\r\n")
			for _, l := range strings.Split(strings.TrimSuffix(out, "\n"), "\n") {
				if l != "" {
					b.WriteString(l + "\r\n")
				}
			}
			if evalErr != nil {
				b.WriteString("[User] " + evalErr.Error() + "\r\n")
			}
			fmt.Fprintf(&b, "%3d> ", lineNo)
			if c.Printf("%s", b.String()) != nil {
				return
			}
		}
	}
}
