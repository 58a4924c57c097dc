package dagflow

import (
	"encoding/json"
	"testing"
)

func TestValueResolveData(t *testing.T) {
	v := Data(42.0)
	r, err := v.Resolve(Env{})
	if err != nil {
		t.Fatalf("resolve data value: %v", err)
	}
	if !r.IsOk() || r.Value() != 42.0 {
		t.Fatalf("got %v, want Ok(42)", r)
	}
}

func TestValueResolveNameFound(t *testing.T) {
	env := Env{"x": Ok("hello")}
	r, err := Name("x").Resolve(env)
	if err != nil {
		t.Fatalf("resolve name: %v", err)
	}
	if !r.IsOk() || r.Value() != "hello" {
		t.Fatalf("got %v, want Ok(hello)", r)
	}
}

func TestValueResolveNameMissing(t *testing.T) {
	_, err := Name("missing").Resolve(Env{})
	if err == nil {
		t.Fatalf("expected ErrUndefinedName, got nil")
	}
	if _, ok := err.(ErrUndefinedName); !ok {
		t.Fatalf("expected ErrUndefinedName, got %T", err)
	}
}

func TestEnvFromData(t *testing.T) {
	env := EnvFromData(map[string]any{"a": 1.0, "b": "two"})
	if len(env) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(env))
	}
	if !env["a"].IsOk() || env["a"].Value() != 1.0 {
		t.Fatalf("a: got %v", env["a"])
	}
	if !env["b"].IsOk() || env["b"].Value() != "two" {
		t.Fatalf("b: got %v", env["b"])
	}
}

func TestResultMarshalOk(t *testing.T) {
	raw, err := json.Marshal(Ok(3.0))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["ok"] != true || decoded["value"] != 3.0 {
		t.Fatalf("got %v", decoded)
	}
}

func TestResultMarshalErr(t *testing.T) {
	raw, err := json.Marshal(Err("boom", "trace here"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["ok"] != false || decoded["error"] != "boom" || decoded["trace"] != "trace here" {
		t.Fatalf("got %v", decoded)
	}
}

func TestErrFromError(t *testing.T) {
	r := ErrFromError(ErrUndefinedName{Name: "y"}, "")
	if r.IsOk() {
		t.Fatalf("expected failed Result")
	}
	if r.Message() != "undefined name: y" {
		t.Fatalf("got message %q", r.Message())
	}
}
