package dagflow

import "testing"

func TestDecodeSpecLet(t *testing.T) {
	raw := []byte(`{"type":"let","name":"x","obj":{"data":5}}`)
	spec, err := DecodeSpec(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	let, ok := spec.(*LetSpec)
	if !ok {
		t.Fatalf("got %T, want *LetSpec", spec)
	}
	if let.Name != "x" || let.Obj.IsName() || let.Obj.DataOf() != 5.0 {
		t.Fatalf("got %+v", let)
	}
}

func TestDecodeSpecCall(t *testing.T) {
	raw := []byte(`{"type":"call","name":"y","mod":"builtins","func":"add","params":{"a":{"data":1},"b":{"name":"x"}}}`)
	spec, err := DecodeSpec(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	call, ok := spec.(*CallSpec)
	if !ok {
		t.Fatalf("got %T, want *CallSpec", spec)
	}
	if call.Mod != "builtins" || call.Func != "add" {
		t.Fatalf("got %+v", call)
	}
	free := call.freeNames()
	if _, ok := free["x"]; !ok {
		t.Fatalf("expected free name x in %v", free)
	}
}

func TestDecodeSpecPythonAliasForCall(t *testing.T) {
	raw := []byte(`{"type":"python","name":"z","mod":"m","func":"f","params":{}}`)
	spec, err := DecodeSpec(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := spec.(*CallSpec); !ok {
		t.Fatalf("got %T, want *CallSpec", spec)
	}
}

func TestDecodeSpecRet(t *testing.T) {
	raw := []byte(`{"type":"ret","obj":{"name":"x"}}`)
	spec, err := DecodeSpec(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	ret, ok := spec.(*RetSpec)
	if !ok {
		t.Fatalf("got %T, want *RetSpec", spec)
	}
	if !ret.Obj.IsName() || ret.Obj.NameOf() != "x" {
		t.Fatalf("got %+v", ret)
	}
}

func TestDecodeSpecMap(t *testing.T) {
	raw := []byte(`{"type":"map","coll":{"name":"items"},"var":"item","sub":{"type":"ret","obj":{"name":"item"}}}`)
	spec, err := DecodeSpec(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	m, ok := spec.(*MapSpec)
	if !ok {
		t.Fatalf("got %T, want *MapSpec", spec)
	}
	if m.Var != "item" || !m.Coll.IsName() || m.Coll.NameOf() != "items" {
		t.Fatalf("got %+v", m)
	}
	free := m.freeNames()
	if _, ok := free["item"]; ok {
		t.Fatalf("loop var should not be free, got %v", free)
	}
	if _, ok := free["items"]; !ok {
		t.Fatalf("expected items free, got %v", free)
	}
}

func TestDecodeSpecCond(t *testing.T) {
	raw := []byte(`{"type":"cond","on":{"name":"flag"},
		"then":{"type":"ret","obj":{"data":"yes"}},
		"else":{"type":"ret","obj":{"data":"no"}}}`)
	spec, err := DecodeSpec(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	cond, ok := spec.(*CondSpec)
	if !ok {
		t.Fatalf("got %T, want *CondSpec", spec)
	}
	if !cond.On.IsName() || cond.On.NameOf() != "flag" {
		t.Fatalf("got %+v", cond)
	}
}

func TestDecodeSpecTopAndSeq(t *testing.T) {
	raw := []byte(`{"type":"top","sub":[
		{"type":"let","name":"a","obj":{"data":1}},
		{"type":"ret","obj":{"name":"a"}}
	]}`)
	spec, err := DecodeSpec(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	top, ok := spec.(*TopSpec)
	if !ok {
		t.Fatalf("got %T, want *TopSpec", spec)
	}
	if len(top.Sub) != 2 {
		t.Fatalf("expected 2 children, got %d", len(top.Sub))
	}

	raw2 := []byte(`{"type":"seq","sub":[
		{"type":"let","name":"a","obj":{"data":1}},
		{"type":"ret","obj":{"name":"a"}}
	]}`)
	spec2, err := DecodeSpec(raw2)
	if err != nil {
		t.Fatalf("decode seq: %v", err)
	}
	if _, ok := spec2.(*SeqSpec); !ok {
		t.Fatalf("got %T, want *SeqSpec", spec2)
	}
}

func TestDecodeSpecUnknownType(t *testing.T) {
	_, err := DecodeSpec([]byte(`{"type":"bogus"}`))
	if err == nil {
		t.Fatalf("expected error for unsupported type")
	}
}

func TestDecodeSpecMissingFields(t *testing.T) {
	if _, err := DecodeSpec([]byte(`{"type":"let","name":"x"}`)); err == nil {
		t.Fatalf("expected error for let missing obj")
	}
	if _, err := DecodeSpec([]byte(`{"type":"ret"}`)); err == nil {
		t.Fatalf("expected error for ret missing obj")
	}
	if _, err := DecodeSpec([]byte(`{"type":"map","var":"x","sub":{"type":"ret","obj":{"data":1}}}`)); err == nil {
		t.Fatalf("expected error for map missing coll")
	}
}

func TestHasRet(t *testing.T) {
	call := &CallSpec{Name: "a"}
	if HasRet(call) {
		t.Fatalf("a bare call has no ret")
	}
	top := &TopSpec{Sub: []Spec{call, &RetSpec{}}}
	if !HasRet(top) {
		t.Fatalf("top wrapping a ret should have ret")
	}
}
