// Package render turns output events into display lines.
package render

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/sakif/script-playground/internal/protocol"
)

// Line is one rendered display line.
type Line struct {
	Seq  int           `json:"seq"`
	Kind protocol.Kind `json:"kind"`
	Text string        `json:"text"`
	At   time.Time     `json:"at"`
}

// Format renders a single argument. Strings render verbatim, other data as
// compact JSON in the member order the script produced, and anything that
// cannot be read as JSON as its raw text. It never panics.
func Format(v protocol.Value) (s string) {
	if v.Text != nil {
		return *v.Text
	}

	defer func() {
		if r := recover(); r != nil {
			s = string(v.JSON)
		}
	}()

	raw := bytes.TrimSpace(v.JSON)
	if len(raw) > 0 && raw[0] == '"' {
		var str string
		if err := json.Unmarshal(raw, &str); err == nil {
			return str
		}
		return string(raw)
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// Text joins the formatted arguments of an event with single spaces.
func Text(ev protocol.LogEvent) string {
	parts := make([]string, len(ev.Args))
	for i, a := range ev.Args {
		parts[i] = Format(a)
	}
	return strings.Join(parts, " ")
}

// Buffer is an ordered display. It is not safe for concurrent use; its owner
// mutates it from a single goroutine.
type Buffer struct {
	lines []Line
	seq   int
	now   func() time.Time
}

// NewBuffer creates an empty display.
func NewBuffer() *Buffer {
	return &Buffer{now: time.Now}
}

// Clear empties the display. Sequence numbers restart at 1.
func (b *Buffer) Clear() {
	b.lines = nil
	b.seq = 0
}

// Append renders ev as one new line at the end of the display.
func (b *Buffer) Append(ev protocol.LogEvent) Line {
	b.seq++
	l := Line{
		Seq:  b.seq,
		Kind: ev.Kind,
		Text: Text(ev),
		At:   b.now(),
	}
	b.lines = append(b.lines, l)
	return l
}

// Lines returns a copy of the display.
func (b *Buffer) Lines() []Line {
	out := make([]Line, len(b.lines))
	copy(out, b.lines)
	return out
}

// Len reports the number of lines.
func (b *Buffer) Len() int {
	return len(b.lines)
}
