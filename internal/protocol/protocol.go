// Package protocol defines the frames that cross the isolation boundary
// between the host and an execution context.
//
// Every frame is a JSON object carrying a "type" discriminator:
//
//	{"type":"run","code":"console.log(1)"}                     host → context
//	{"type":"ready"}                                           context → host
//	{"type":"output","kind":"log","args":[{"json":1}]}         context → host
//
// Neither side trusts the other. Decoders return ok=false for anything that
// is not exactly one of these shapes, and callers drop such frames silently.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Kind is the output channel a LogEvent was written to.
type Kind string

const (
	KindLog   Kind = "log"
	KindInfo  Kind = "info"
	KindWarn  Kind = "warn"
	KindError Kind = "error"
)

// Kinds lists the output channels in the order they are installed.
var Kinds = []Kind{KindLog, KindInfo, KindWarn, KindError}

// Valid reports whether k is one of the four output channels.
func (k Kind) Valid() bool {
	switch k {
	case KindLog, KindInfo, KindWarn, KindError:
		return true
	}
	return false
}

// Type is the frame discriminator.
type Type string

const (
	TypeRun    Type = "run"
	TypeReady  Type = "ready"
	TypeOutput Type = "output"
)

// Value is the wire form of one argument passed to an output call.
//
// Exactly one field is set. JSON carries a structured copy of a serializable
// datum; Text carries a best-effort string coercion of a datum that could not
// be serialized (cyclic structures, functions, ...). A Value never refers
// back into the context that produced it.
type Value struct {
	JSON json.RawMessage `json:"json,omitempty"`
	Text *string         `json:"text,omitempty"`
}

// TextValue wraps an already coerced string.
func TextValue(s string) Value {
	return Value{Text: &s}
}

// RawValue wraps an already serialized JSON datum.
func RawValue(raw []byte) Value {
	return Value{JSON: json.RawMessage(raw)}
}

// NewValue copies a Go datum into its wire form. It never panics: values
// encoding/json rejects fall back to fmt coercion.
func NewValue(v any) (val Value) {
	if s, ok := v.(string); ok {
		b, _ := marshal(s)
		return Value{JSON: b}
	}

	defer func() {
		if r := recover(); r != nil {
			val = TextValue(coerce(v))
		}
	}()

	b, err := marshal(v)
	if err != nil {
		return TextValue(coerce(v))
	}
	return Value{JSON: b}
}

// marshal is json.Marshal without HTML escaping, so that "<" inside a datum
// is displayed the way the script wrote it.
func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func coerce(v any) (s string) {
	defer func() {
		if r := recover(); r != nil {
			s = fmt.Sprintf("%T", v)
		}
	}()
	return fmt.Sprint(v)
}

func (v Value) valid() bool {
	return (len(v.JSON) > 0) != (v.Text != nil)
}

// LogEvent is one structured unit of output.
type LogEvent struct {
	Kind Kind
	Args []Value
}

// Message is a decoded context → host frame: either Ready or Output.
type Message interface {
	frameType() Type
}

// Ready is posted by a context once its interceptors are installed.
type Ready struct{}

// Output carries one LogEvent.
type Output struct {
	Event LogEvent
}

func (Ready) frameType() Type  { return TypeReady }
func (Output) frameType() Type { return TypeOutput }

type runFrame struct {
	Type Type   `json:"type"`
	Code string `json:"code"`
}

type readyFrame struct {
	Type Type `json:"type"`
}

type outputFrame struct {
	Type Type    `json:"type"`
	Kind Kind    `json:"kind"`
	Args []Value `json:"args"`
}

// envelope is the permissive decode target; every field is optional so that
// shape checks happen in code rather than as decode errors.
type envelope struct {
	Type *Type   `json:"type"`
	Code *string `json:"code"`
	Kind *Kind   `json:"kind"`
	Args []Value `json:"args"`
}

// EncodeRun builds the single host → context request of a run.
func EncodeRun(code string) []byte {
	b, _ := marshal(runFrame{Type: TypeRun, Code: code})
	return b
}

// EncodeReady builds the context's boot-complete signal.
func EncodeReady() []byte {
	b, _ := marshal(readyFrame{Type: TypeReady})
	return b
}

// EncodeOutput builds an output frame. Invalid values in args are replaced
// by their text coercion so the frame always decodes on the other side.
func EncodeOutput(ev LogEvent) []byte {
	args := make([]Value, len(ev.Args))
	for i, a := range ev.Args {
		if !a.valid() {
			a = TextValue(string(a.JSON))
		}
		args[i] = a
	}
	b, err := marshal(outputFrame{Type: TypeOutput, Kind: ev.Kind, Args: args})
	if err != nil {
		// Only reachable when a JSON field holds bytes that are not JSON.
		for i, a := range args {
			if a.Text == nil && !json.Valid(a.JSON) {
				args[i] = TextValue(string(a.JSON))
			}
		}
		b, _ = marshal(outputFrame{Type: TypeOutput, Kind: ev.Kind, Args: args})
	}
	return b
}

func decode(frame []byte) (envelope, bool) {
	var env envelope
	if len(frame) == 0 || json.Unmarshal(frame, &env) != nil || env.Type == nil {
		return envelope{}, false
	}
	return env, true
}

// DecodeRun accepts exactly a well-formed run frame.
func DecodeRun(frame []byte) (string, bool) {
	env, ok := decode(frame)
	if !ok || *env.Type != TypeRun || env.Code == nil {
		return "", false
	}
	return *env.Code, true
}

// DecodeHost accepts a ready or output frame posted by a context.
func DecodeHost(frame []byte) (Message, bool) {
	env, ok := decode(frame)
	if !ok {
		return nil, false
	}

	switch *env.Type {
	case TypeReady:
		return Ready{}, true
	case TypeOutput:
		if env.Kind == nil || !env.Kind.Valid() || env.Args == nil {
			return nil, false
		}
		for _, a := range env.Args {
			if !a.valid() {
				return nil, false
			}
		}
		return Output{Event: LogEvent{Kind: *env.Kind, Args: env.Args}}, true
	}
	return nil, false
}
