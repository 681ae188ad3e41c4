package pty

import (
	"regexp"
	"strings"

	"github.com/sakif/mojo-kernel/internal/executor"
)

var (
	ansiPattern = regexp.MustCompile(`\x1b\[\??[0-9;]*[A-Za-z]`)
	// promptPattern marks the REPL waiting for input: "  3> " on a fresh line.
	promptPattern     = regexp.MustCompile(`\n\s*\d+>\s`)
	promptLinePattern = regexp.MustCompile(`^\s*\d+[>.](\s|$)`)
	promptPrefix      = regexp.MustCompile(`^\s*\d+[>.]\s*`)
	echoPattern       = regexp.MustCompile(`\s+\d+>\s`)
	errorPattern      = regexp.MustCompile(`(?i)error:`)
)

// userErrorPrefix is how the REPL tags errors in user code.
const userErrorPrefix = "[User] "

func stripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

// hasPrompt reports whether terminal output ends a command, i.e. contains
// a fresh primary prompt.
func hasPrompt(raw string) bool {
	return promptPattern.MatchString(stripANSI(raw))
}

func isPromptLine(line string) bool {
	return promptLinePattern.MatchString(line) || echoPattern.MatchString(line)
}

// ParseOutput classifies the terminal transcript of one execution. submitted
// holds the source lines that were typed; their echoes are dropped. Once a
// line containing "error:" appears, it and every following non-empty line
// form the error report.
func ParseOutput(raw string, submitted []string) executor.Result {
	clean := strings.ReplaceAll(stripANSI(raw), "\r", "")

	var output, errs []string
	inError := false
	echo := 0

	for _, line := range strings.Split(clean, "\n") {
		if line == "" {
			continue
		}
		stripped := line
		if promptLinePattern.MatchString(line) {
			stripped = promptPrefix.ReplaceAllString(line, "")
		}

		if !inError && echo < len(submitted) && stripped != "" &&
			strings.TrimSpace(stripped) == strings.TrimSpace(submitted[echo]) {
			echo++
			continue
		}

		if errorPattern.MatchString(stripped) {
			inError = true
		}
		if inError {
			s := strings.TrimSpace(stripped)
			if s != "" && s != "(null)" {
				errs = append(errs, s)
			}
			continue
		}
		if isPromptLine(line) {
			continue
		}
		output = append(output, line)
	}

	var stdout strings.Builder
	for _, l := range output {
		stdout.WriteString(l + "\n")
	}

	if len(errs) == 0 {
		return executor.Result{Stdout: stdout.String(), Success: true}
	}
	return executor.Result{
		Stdout:     stdout.String(),
		Success:    false,
		ErrorName:  executor.DefaultErrorName,
		ErrorValue: strings.TrimPrefix(errs[0], userErrorPrefix),
		Traceback:  errs,
	}
}
