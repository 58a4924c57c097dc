// Package dagflow implements the data-flow task scheduler: a dependency
// queue and ref-counted object store, a spec preprocessor, a task
// generator, the worker-visible task variants, and the worker pool that
// drives them.
package dagflow

import (
	"encoding/json"
	"fmt"
)

// Value is either a concrete datum or a reference to a name in the current
// data environment. It mirrors the original AbsValue/DataValue/NameValue
// split from the source spec language.
type Value struct {
	name    string
	data    any
	isName  bool
	isValid bool
}

// Data constructs a concrete-valued Value.
func Data(v any) Value { return Value{data: v, isValid: true} }

// Name constructs a name-reference Value.
func Name(s string) Value { return Value{name: s, isName: true, isValid: true} }

// IsName reports whether v is a name reference.
func (v Value) IsName() bool { return v.isValid && v.isName }

// NameOf returns the referenced name; only meaningful when IsName is true.
func (v Value) NameOf() string { return v.name }

// DataOf returns the concrete payload; only meaningful when IsName is false.
func (v Value) DataOf() any { return v.data }

// ErrUndefinedName is returned when a Name value cannot be resolved.
type ErrUndefinedName struct{ Name string }

func (e ErrUndefinedName) Error() string { return fmt.Sprintf("undefined name: %s", e.Name) }

// Env is the data environment: name -> Result. It backs both the initial
// input data and, during Seq/task evaluation, intermediate bindings.
type Env map[string]Result

// EnvFromData wraps a plain name -> JSON-decoded-value map (the shape an
// HTTP request body or a NATS event payload arrives in) into an Env by
// marking every value Ok, the entry point for caller-supplied data.
func EnvFromData(data map[string]any) Env {
	env := make(Env, len(data))
	for k, v := range data {
		env[k] = Ok(v)
	}
	return env
}

// Resolve looks up a Name in data, first consulting the initial data
// environment and falling back to nothing else here — producing-task
// lookups go through the generator's separate env (task id map), per the
// "data wins when present" precedence rule.
func (v Value) Resolve(data Env) (Result, error) {
	if !v.IsName() {
		return Ok(v.DataOf()), nil
	}
	r, ok := data[v.NameOf()]
	if !ok {
		return Result{}, ErrUndefinedName{Name: v.NameOf()}
	}
	return r, nil
}

// Result is a tagged success/failure, the Go rendering of the original
// Either[Any, Any] (Left = error, Right = success).
type Result struct {
	ok      bool
	isSet   bool
	value   any
	message string
	trace   string
}

// Ok constructs a successful Result.
func Ok(v any) Result { return Result{ok: true, isSet: true, value: v} }

// Err constructs a failed Result carrying a message and an optional trace.
func Err(message, trace string) Result { return Result{ok: false, isSet: true, message: message, trace: trace} }

// ErrFromError wraps a Go error (and an optional stack trace string) into
// a failed Result, the analogue of wrapping a user exception.
func ErrFromError(err error, trace string) Result { return Err(err.Error(), trace) }

// IsOk reports whether the Result is a success.
func (r Result) IsOk() bool { return r.ok }

// Value returns the success payload (valid only when IsOk).
func (r Result) Value() any { return r.value }

// Message returns the failure message (valid only when !IsOk).
func (r Result) Message() string { return r.message }

// Trace returns the failure trace (valid only when !IsOk).
func (r Result) Trace() string { return r.trace }

func (r Result) String() string {
	if r.ok {
		return fmt.Sprintf("Ok(%v)", r.value)
	}
	return fmt.Sprintf("Err(%s)", r.message)
}

// MarshalJSON renders a Result the way the output sink expects records to
// look on disk: {"ok": true, "value": ...} or {"ok": false, "error": ..., "trace": ...}.
func (r Result) MarshalJSON() ([]byte, error) {
	if r.ok {
		return json.Marshal(map[string]any{"ok": true, "value": r.value})
	}
	return json.Marshal(map[string]any{"ok": false, "error": r.message, "trace": r.trace})
}
