package dagflow

import (
	"context"
	"testing"
	"time"
)

func testRegistry() *FunctionRegistry {
	r := NewFunctionRegistry()
	r.Register("test", "double", func(_ context.Context, args map[string]any) (any, error) {
		v, _ := args["value"].(float64)
		return v * 2, nil
	})
	r.Register("test", "istrue", func(_ context.Context, args map[string]any) (any, error) {
		return true, nil
	})
	return r
}

func runProgram(t *testing.T, spec Spec, inputs map[string]struct{}, data Env) map[string]Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	prog := &Program{Spec: spec, Inputs: inputs}
	out, err := Run(ctx, prog, data, RunOptions{Workers: 2, Registry: testRegistry()})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	return out
}

func TestRunLinearChain(t *testing.T) {
	spec := &TopSpec{Sub: []Spec{
		&LetSpec{Name: "a", Obj: Data(5.0)},
		&CallSpec{Name: "sum", Mod: "builtins", Func: "add", Params: map[string]Value{
			"a": Name("a"), "b": Data(3.0),
		}},
		&RetSpec{Obj: Name("sum")},
	}}
	out := runProgram(t, spec, nil, Env{})
	r, ok := out["@top.@ret"]
	if !ok {
		t.Fatalf("expected a root output record, got %v", out)
	}
	if !r.IsOk() || r.Value() != 8.0 {
		t.Fatalf("got %v, want Ok(8)", r)
	}
}

func TestRunParallelMap(t *testing.T) {
	sub := &TopSpec{Sub: []Spec{
		&CallSpec{Name: "doubled", Mod: "test", Func: "double", Params: map[string]Value{
			"value": Name("item"),
		}},
		&RetSpec{Obj: Name("doubled")},
	}}
	spec := &MapSpec{Coll: Data([]any{1.0, 2.0, 3.0}), Var: "item", Sub: sub}
	out := runProgram(t, spec, nil, Env{})

	if len(out) != 3 {
		t.Fatalf("expected 3 output records, got %d: %v", len(out), out)
	}
	want := map[string]float64{"@map.0.@ret": 2.0, "@map.1.@ret": 4.0, "@map.2.@ret": 6.0}
	for key, wantVal := range want {
		r, ok := out[key]
		if !ok || !r.IsOk() || r.Value() != wantVal {
			t.Fatalf("key %q: got %v, want Ok(%v)", key, r, wantVal)
		}
	}
}

func TestRunStaticCondTrue(t *testing.T) {
	spec := &CondSpec{
		On:   Data(true),
		Then: &RetSpec{Obj: Data("branch-then")},
		Else: &RetSpec{Obj: Data("branch-else")},
	}
	out := runProgram(t, spec, nil, Env{})
	r := out["@cond.@then.@ret"]
	if !r.IsOk() || r.Value() != "branch-then" {
		t.Fatalf("got %v, want Ok(branch-then)", r)
	}
}

func TestRunStaticCondFalse(t *testing.T) {
	spec := &CondSpec{
		On:   Data(false),
		Then: &RetSpec{Obj: Data("branch-then")},
		Else: &RetSpec{Obj: Data("branch-else")},
	}
	out := runProgram(t, spec, nil, Env{})
	r := out["@cond.@else.@ret"]
	if !r.IsOk() || r.Value() != "branch-else" {
		t.Fatalf("got %v, want Ok(branch-else)", r)
	}
}

func TestRunDynamicCond(t *testing.T) {
	spec := &TopSpec{Sub: []Spec{
		&CallSpec{Name: "flag", Mod: "test", Func: "istrue", Params: map[string]Value{}},
		&CondSpec{
			On:   Name("flag"),
			Then: &RetSpec{Obj: Data("branch-then")},
			Else: &RetSpec{Obj: Data("branch-else")},
		},
	}}
	out := runProgram(t, spec, nil, Env{})
	r := out["@top.@cond.@then.@ret"]
	if !r.IsOk() || r.Value() != "branch-then" {
		t.Fatalf("got %v, want Ok(branch-then) from a cond whose test is only known once its producer call completes", r)
	}
}

func TestRunEmptyMapProducesNoOutput(t *testing.T) {
	sub := &RetSpec{Obj: Name("item")}
	spec := &MapSpec{Coll: Data([]any{}), Var: "item", Sub: sub}
	out := runProgram(t, spec, nil, Env{})
	if len(out) != 0 {
		t.Fatalf("expected no output records for an empty collection, got %v", out)
	}
}

func TestRunCondOnErrShortCircuits(t *testing.T) {
	spec := &TopSpec{Sub: []Spec{
		&CallSpec{Name: "flag", Mod: "missing", Func: "nope", Params: map[string]Value{}},
		&CondSpec{
			On:   Name("flag"),
			Then: &RetSpec{Obj: Data("branch-then")},
			Else: &RetSpec{Obj: Data("branch-else")},
		},
	}}
	out := runProgram(t, spec, nil, Env{})
	r := out["@top.@cond.@ret"]
	if r.IsOk() {
		t.Fatalf("expected the cond's test failure to propagate as a failed record, got %v", r)
	}
	errRec, ok := out[":error:"]
	if !ok || errRec.IsOk() {
		t.Fatalf("expected a reserved :error: sink record for the failed call, got %v", out)
	}
}

func TestRunUserExceptionYieldsErrRet(t *testing.T) {
	spec := &TopSpec{Sub: []Spec{
		&CallSpec{Name: "boom", Mod: "missing", Func: "nope", Params: map[string]Value{}},
		&RetSpec{Obj: Name("boom")},
	}}
	out := runProgram(t, spec, nil, Env{})
	r, ok := out["@top.@ret"]
	if !ok {
		t.Fatalf("expected a root output record, got %v", out)
	}
	if r.IsOk() {
		t.Fatalf("expected a failed record, got %v", r)
	}
	want := ErrFunctionNotFound{Mod: "missing", Func: "nope"}.Error()
	if r.Message() != want {
		t.Fatalf("got message %q, want %q", r.Message(), want)
	}

	errRec, ok := out[":error:"]
	if !ok {
		t.Fatalf("expected a reserved :error: sink record alongside the Ret-path failure, got %v", out)
	}
	if errRec.IsOk() || errRec.Message() != want {
		t.Fatalf("got :error: record %v, want a failure with message %q", errRec, want)
	}
}

func TestRunIdempotentAcrossRepeatedRuns(t *testing.T) {
	spec := &TopSpec{Sub: []Spec{
		&LetSpec{Name: "a", Obj: Data(5.0)},
		&CallSpec{Name: "sum", Mod: "builtins", Func: "add", Params: map[string]Value{
			"a": Name("a"), "b": Data(3.0),
		}},
		&RetSpec{Obj: Name("sum")},
	}}
	first := runProgram(t, spec, nil, Env{})
	second := runProgram(t, spec, nil, Env{})
	if first["@top.@ret"].Value() != second["@top.@ret"].Value() {
		t.Fatalf("re-running the same program produced different output: %v vs %v", first["@top.@ret"], second["@top.@ret"])
	}
}

func TestRunInputFromCallerData(t *testing.T) {
	spec := &RetSpec{Obj: Name("greeting")}
	out := runProgram(t, spec, set("greeting"), EnvFromData(map[string]any{"greeting": "hello"}))
	r := out["@ret"]
	if !r.IsOk() || r.Value() != "hello" {
		t.Fatalf("got %v, want Ok(hello)", r)
	}
}
