package executortest

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// EvalError is an evaluated-code failure reported by the Interpreter.
type EvalError struct {
	Name    string
	Message string
}

func (e *EvalError) Error() string { return e.Message }

// Interpreter is a toy REPL language, just rich enough to observe state
// across executions:
//
//	var x = 77          set x = 77          x = 77
//	print(x)            print("text")       print(sq(5))
//	fn sq(n: Int) -> Int:
//	    return n * n
//	hang()              blocks until Hang returns
//	crash()             makes the child exit
type Interpreter struct {
	vars map[string]string
	fns  map[string]function

	// Hang is called by hang(); its error, if any, becomes the result.
	Hang func() error
}

type function struct {
	param string
	body  string
}

// ErrCrash is returned by Eval when the code asked the child to exit.
var ErrCrash = &EvalError{Name: "Crash", Message: "fatal: repl crashed"}

var (
	assignPattern = regexp.MustCompile(`^(?:(?:var|set|let)\s+)?([A-Za-z_]\w*)\s*=\s*(.+)$`)
	fnPattern     = regexp.MustCompile(`^fn\s+([A-Za-z_]\w*)\(\s*([A-Za-z_]\w*)\s*:\s*\w+\s*\)\s*(?:->\s*\w+\s*)?:$`)
	callPattern   = regexp.MustCompile(`^([A-Za-z_]\w*)\((.*)\)$`)
	identPattern  = regexp.MustCompile(`^[A-Za-z_]\w*$`)
)

// NewInterpreter creates an interpreter with empty state.
func NewInterpreter() *Interpreter {
	return &Interpreter{
		vars: make(map[string]string),
		fns:  make(map[string]function),
	}
}

// Eval runs code and returns what it printed. A failing statement stops
// evaluation; output printed before it is still returned.
func (in *Interpreter) Eval(code string) (string, error) {
	var out strings.Builder
	lines := strings.Split(code, "\n")

	for i := 0; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if m := fnPattern.FindStringSubmatch(line); m != nil {
			if i+1 >= len(lines) {
				return out.String(), &EvalError{Name: "MojoError", Message: "error: expected function body"}
			}
			i++
			body := strings.TrimSpace(lines[i])
			if !strings.HasPrefix(body, "return ") {
				return out.String(), &EvalError{Name: "MojoError", Message: "error: expected return statement"}
			}
			in.fns[m[1]] = function{param: m[2], body: strings.TrimPrefix(body, "return ")}
			continue
		}

		switch {
		case line == "hang()":
			if in.Hang != nil {
				if err := in.Hang(); err != nil {
					return out.String(), err
				}
			}
			continue
		case line == "crash()":
			return out.String(), ErrCrash
		}

		if m := callPattern.FindStringSubmatch(line); m != nil && m[1] == "print" {
			v, err := in.eval(m[2], nil)
			if err != nil {
				return out.String(), err
			}
			out.WriteString(v + "\n")
			continue
		}

		if m := assignPattern.FindStringSubmatch(line); m != nil {
			v, err := in.eval(m[2], nil)
			if err != nil {
				return out.String(), err
			}
			in.vars[m[1]] = v
			continue
		}

		if _, err := in.eval(line, nil); err != nil {
			return out.String(), err
		}
	}
	return out.String(), nil
}

func (in *Interpreter) eval(expr string, locals map[string]string) (string, error) {
	expr = strings.TrimSpace(expr)

	if len(expr) >= 2 && strings.HasPrefix(expr, `"`) && strings.HasSuffix(expr, `"`) {
		return expr[1 : len(expr)-1], nil
	}
	if _, err := strconv.Atoi(expr); err == nil {
		return expr, nil
	}
	for _, op := range []string{" + ", " * "} {
		if l, r, ok := strings.Cut(expr, op); ok {
			return in.arith(op, l, r, locals)
		}
	}
	if m := callPattern.FindStringSubmatch(expr); m != nil {
		fn, ok := in.fns[m[1]]
		if !ok {
			return "", unknown(m[1])
		}
		arg, err := in.eval(m[2], locals)
		if err != nil {
			return "", err
		}
		return in.eval(fn.body, map[string]string{fn.param: arg})
	}
	if identPattern.MatchString(expr) {
		if v, ok := locals[expr]; ok {
			return v, nil
		}
		if v, ok := in.vars[expr]; ok {
			return v, nil
		}
		return "", unknown(expr)
	}
	return "", &EvalError{Name: "MojoError", Message: fmt.Sprintf("error: invalid syntax: %s", expr)}
}

func (in *Interpreter) arith(op, l, r string, locals map[string]string) (string, error) {
	lv, err := in.eval(l, locals)
	if err != nil {
		return "", err
	}
	rv, err := in.eval(r, locals)
	if err != nil {
		return "", err
	}
	a, errA := strconv.Atoi(lv)
	b, errB := strconv.Atoi(rv)
	if errA != nil || errB != nil {
		if op == " + " {
			return lv + rv, nil
		}
		return "", &EvalError{Name: "MojoError", Message: "error: invalid operands to '*'"}
	}
	if op == " + " {
		return strconv.Itoa(a + b), nil
	}
	return strconv.Itoa(a * b), nil
}

func unknown(name string) *EvalError {
	return &EvalError{Name: "MojoError", Message: fmt.Sprintf("error: use of unknown declaration '%s'", name)}
}
