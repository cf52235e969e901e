package cli

import (
	"fmt"
	"io"
	"strings"
)

// KV renders ordered key-value pairs.
// Created via Output.KV().
type KV struct {
	out   *Output
	meta  Meta
	pairs []kvPair
}

type kvPair struct {
	key   string
	value any
}

// Set adds a key-value pair. Value can be any type.
func (k *KV) Set(key string, value any) *KV {
	k.pairs = append(k.pairs, kvPair{key: key, value: value})
	return k
}

// Render outputs the key-value pairs in the configured format.
func (k *KV) Render() error {
	return k.out.Render(k)
}

// Meta returns the metadata.
func (k *KV) Meta() Meta {
	return k.meta
}

// RenderText writes aligned "key: value" lines.
func (k *KV) RenderText(w io.Writer, st Styles) error {
	width := 0
	for _, p := range k.pairs {
		width = max(width, len(p.key)+1)
	}
	for _, p := range k.pairs {
		key := p.key + ":" + strings.Repeat(" ", width-len(p.key)-1)
		if err := writeLine(w, st.Key.Render(key)+"  "+fmt.Sprint(p.value)); err != nil {
			return err
		}
	}
	return nil
}

// RenderData returns the pairs as an object.
func (k *KV) RenderData() any {
	result := make(map[string]any, len(k.pairs))
	for _, p := range k.pairs {
		result[toKey(p.key)] = p.value
	}
	return result
}

// StringList is a simple list of strings.
// Created via Output.StringList().
type StringList struct {
	out   *Output
	meta  Meta
	items []string
}

// Add appends strings to the list.
func (l *StringList) Add(items ...string) *StringList {
	l.items = append(l.items, items...)
	return l
}

// Render outputs the list in the configured format.
func (l *StringList) Render() error {
	return l.out.Render(l)
}

// Meta returns the list metadata.
func (l *StringList) Meta() Meta {
	return l.meta
}

// RenderText writes one item per line, or a dim placeholder when empty.
func (l *StringList) RenderText(w io.Writer, st Styles) error {
	if len(l.items) == 0 {
		return writeLine(w, st.Dim.Render("(none)"))
	}
	for _, item := range l.items {
		if err := writeLine(w, item); err != nil {
			return err
		}
	}
	return nil
}

// RenderData returns the items.
func (l *StringList) RenderData() any {
	if l.items == nil {
		return []string{}
	}
	return l.items
}
