package config

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

// ValidationError is one problem found in a configuration or pipeline file.
// File, Line and Column are set when the source position is known.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors collects every problem found in one pass.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	switch len(errs) {
	case 0:
		return "no validation errors"
	case 1:
		return errs[0].Error()
	}
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return fmt.Sprintf("%d errors:\n  %s", len(errs), strings.Join(msgs, "\n  "))
}

func positioned(pos token.Pos, path, msg string) ValidationError {
	ve := ValidationError{Path: path, Message: msg}
	if pos.IsValid() {
		ve.File = pos.Filename()
		ve.Line = pos.Line()
		ve.Column = pos.Column()
	}
	return ve
}

// convertCUEErrors flattens a CUE error into positioned validation errors.
func convertCUEErrors(err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range errors.Errors(err) {
		pos := userPosition(errors.Positions(e))
		format, args := e.Msg()
		path := strings.Join(e.Path(), ".")
		out = append(out, positioned(pos, path, fmt.Sprintf(format, args...)))
	}
	return out
}

// userPosition prefers a position in a loaded file over one in a built-in
// or registered schema.
func userPosition(ps []token.Pos) token.Pos {
	for _, p := range ps {
		if !isSchemaFile(p.Filename()) {
			return p
		}
	}
	if len(ps) > 0 {
		return ps[0]
	}
	return token.NoPos
}

func isSchemaFile(name string) bool {
	return name == schemaFilename || strings.HasSuffix(name, paramsSchemaSuffix)
}
