package cli

import (
	"fmt"
	"io"
)

// Result is a single message with optional ordered details.
// Created via Output.Result().
type Result struct {
	out     *Output
	meta    Meta
	message string
	details []kvPair
}

// With adds a detail key-value pair.
func (r *Result) With(key string, value any) *Result {
	r.details = append(r.details, kvPair{key: key, value: value})
	return r
}

// Render outputs the result in the configured format.
func (r *Result) Render() error {
	return r.out.Render(r)
}

// Meta returns the metadata.
func (r *Result) Meta() Meta {
	return r.meta
}

// RenderText writes the message and details.
func (r *Result) RenderText(w io.Writer, st Styles) error {
	if err := writeLine(w, st.Good.Render(r.message)); err != nil {
		return err
	}
	for _, d := range r.details {
		if _, err := fmt.Fprintf(w, "  %s %v\n", st.Key.Render(d.key+":"), d.value); err != nil {
			return err
		}
	}
	return nil
}

// RenderData returns message and details as an object.
func (r *Result) RenderData() any {
	result := make(map[string]any, len(r.details)+1)
	result["message"] = r.message
	for _, d := range r.details {
		result[toKey(d.key)] = d.value
	}
	return result
}

// Error is a structured error result.
// Created via Output.Error().
type Error struct {
	out  *Output
	meta Meta
	err  error
	code string
}

// WithCode sets an error code.
func (e *Error) WithCode(code string) *Error {
	e.code = code
	return e
}

// Render outputs the error in the configured format.
func (e *Error) Render() error {
	return e.out.Render(e)
}

// Meta returns the metadata.
func (e *Error) Meta() Meta {
	return e.meta
}

// RenderText writes the error.
func (e *Error) RenderText(w io.Writer, st Styles) error {
	label := "Error:"
	if e.code != "" {
		label = fmt.Sprintf("Error [%s]:", e.code)
	}
	return writeLine(w, st.Error.Render(label)+" "+e.err.Error())
}

// RenderData returns the error as an object.
func (e *Error) RenderData() any {
	result := map[string]any{"error": e.err.Error()}
	if e.code != "" {
		result["code"] = e.code
	}
	return result
}
