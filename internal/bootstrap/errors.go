package bootstrap

import (
	"fmt"
	"strings"
)

// ParseError represents a state resource that could not be decoded.
type ParseError struct {
	File    string // resource reference
	Line    int    // Line number (1-indexed, 0 when unknown)
	Column  int    // Column number (1-indexed, optional)
	Message string
	Hint    string

	source []byte
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return e.Format()
}

// Format returns the message with the surrounding lines of the resource.
func (e *ParseError) Format() string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("Error in %s\n\n", e.File))
	if e.Line > 0 {
		b.WriteString(fmt.Sprintf("Line %d: %s\n", e.Line, e.Message))
	} else {
		b.WriteString(e.Message + "\n")
	}

	b.WriteString(e.codeContext())

	if e.Hint != "" {
		b.WriteString(fmt.Sprintf("\nTip: %s\n", e.Hint))
	}

	return b.String()
}

// codeContext shows 2 lines before, the error line, and 2 lines after.
func (e *ParseError) codeContext() string {
	if len(e.source) == 0 || e.Line < 1 {
		return ""
	}

	lines := strings.Split(string(e.source), "\n")
	if e.Line > len(lines) {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n")

	start := max(1, e.Line-2)
	end := min(len(lines), e.Line+2)

	for i := start; i <= end; i++ {
		prefix := fmt.Sprintf("  %2d | ", i)
		b.WriteString(prefix + lines[i-1] + "\n")

		if i == e.Line && e.Column > 0 {
			b.WriteString(strings.Repeat(" ", len(prefix)+e.Column-1) + "^\n")
		}
	}

	return b.String()
}

// NewParseError creates a new ParseError.
func NewParseError(file string, line int, message string) *ParseError {
	return &ParseError{
		File:    file,
		Line:    line,
		Message: message,
	}
}

// WithColumn adds column information to the error.
func (e *ParseError) WithColumn(col int) *ParseError {
	e.Column = col
	return e
}

// WithHint adds a helpful hint to the error.
func (e *ParseError) WithHint(hint string) *ParseError {
	e.Hint = hint
	return e
}

func (e *ParseError) withSource(data []byte) *ParseError {
	e.source = data
	return e
}
