// Package cli renders command results as text, JSON or YAML.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"gopkg.in/yaml.v3"
)

// Format represents an output format.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat parses a format string, defaulting to text.
func ParseFormat(s string) Format {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON
	case "yaml", "yml":
		return FormatYAML
	default:
		return FormatText
	}
}

// Meta describes a rendered result in structured formats.
type Meta struct {
	Type      string    `json:"type" yaml:"type"`
	Version   string    `json:"version,omitempty" yaml:"version,omitempty"`
	Generated time.Time `json:"generated" yaml:"generated"`
}

// NewMeta creates metadata with the given type and current timestamp.
func NewMeta(resultType string) Meta {
	return Meta{
		Type:      resultType,
		Version:   "v1",
		Generated: time.Now().UTC(),
	}
}

// Renderable can render itself as text or as structured data.
type Renderable interface {
	Meta() Meta
	RenderText(w io.Writer, st Styles) error
	RenderData() any
}

// Output handles formatted rendering.
type Output struct {
	format Format
	w      io.Writer
	styles Styles
	tty    bool
}

// NewOutput creates an output renderer for the given format. Colors are
// used only when w is a terminal.
func NewOutput(format Format, w io.Writer) *Output {
	tty := false
	if f, ok := w.(*os.File); ok {
		tty = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &Output{
		format: format,
		w:      w,
		styles: NewStyles(lipgloss.NewRenderer(w)),
		tty:    tty,
	}
}

// NewOutputFromViper creates a stdout renderer from the "output" key.
func NewOutputFromViper(v ViperGetter) *Output {
	return NewOutput(ParseFormat(v.GetString("output")), os.Stdout)
}

// ViperGetter is the subset of viper.Viper we need.
type ViperGetter interface {
	GetString(key string) string
}

// Format returns the configured output format.
func (o *Output) Format() Format { return o.format }

// Interactive reports whether output goes to a terminal.
func (o *Output) Interactive() bool { return o.tty }

// Table creates a table renderer attached to this output.
func (o *Output) Table(resultType string, headers ...string) *Table {
	return &Table{out: o, meta: NewMeta(resultType), headers: headers}
}

// KV creates a key-value renderer attached to this output.
func (o *Output) KV(resultType string) *KV {
	return &KV{out: o, meta: NewMeta(resultType)}
}

// StringList creates a string list renderer attached to this output.
func (o *Output) StringList(resultType string) *StringList {
	return &StringList{out: o, meta: NewMeta(resultType)}
}

// Result creates a message renderer attached to this output.
func (o *Output) Result(resultType, message string) *Result {
	return &Result{out: o, meta: NewMeta(resultType), message: message}
}

// Error creates an error renderer attached to this output.
func (o *Output) Error(resultType string, err error) *Error {
	return &Error{out: o, meta: NewMeta(resultType + "-error"), err: err}
}

// Render outputs r in the configured format.
func (o *Output) Render(r Renderable) error {
	switch o.format {
	case FormatJSON:
		enc := json.NewEncoder(o.w)
		enc.SetIndent("", "  ")
		return enc.Encode(o.envelope(r))
	case FormatYAML:
		enc := yaml.NewEncoder(o.w)
		enc.SetIndent(2)
		if err := enc.Encode(o.envelope(r)); err != nil {
			return err
		}
		return enc.Close()
	default:
		return r.RenderText(o.w, o.styles)
	}
}

type envelope struct {
	Meta Meta `json:"meta" yaml:"meta"`
	Data any  `json:"data" yaml:"data"`
}

func (o *Output) envelope(r Renderable) envelope {
	return envelope{Meta: r.Meta(), Data: r.RenderData()}
}

// toKey converts a header to a structured key (lowercase, underscores).
func toKey(s string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), " ", "_"))
}

func writeLine(w io.Writer, s string) error {
	_, err := fmt.Fprintln(w, s)
	return err
}
