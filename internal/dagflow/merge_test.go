package dagflow

import "testing"

func TestMergeRecordsLists(t *testing.T) {
	a := Ok([]any{1.0, 2.0})
	b := Ok([]any{3.0})
	merged := MergeRecords(a, b)
	if !merged.IsOk() {
		t.Fatalf("expected Ok, got %v", merged)
	}
	got := merged.Value().([]any)
	want := []any{1.0, 2.0, 3.0}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestMergeRecordsDictsRightWins(t *testing.T) {
	a := Ok(map[string]any{"x": 1.0, "y": 2.0})
	b := Ok(map[string]any{"y": 99.0, "z": 3.0})
	merged := MergeRecords(a, b)
	if !merged.IsOk() {
		t.Fatalf("expected Ok, got %v", merged)
	}
	got := merged.Value().(map[string]any)
	if got["x"] != 1.0 || got["y"] != 99.0 || got["z"] != 3.0 {
		t.Fatalf("got %v", got)
	}
}

func TestMergeRecordsErrDominatesLeft(t *testing.T) {
	a := Err("boom", "")
	b := Ok([]any{1.0})
	merged := MergeRecords(a, b)
	if merged.IsOk() {
		t.Fatalf("expected failure to dominate, got %v", merged)
	}
	if merged.Message() != "boom" {
		t.Fatalf("got %q", merged.Message())
	}
}

func TestMergeRecordsErrDominatesRight(t *testing.T) {
	a := Ok([]any{1.0})
	b := Err("boom", "")
	merged := MergeRecords(a, b)
	if merged.IsOk() {
		t.Fatalf("expected failure to dominate, got %v", merged)
	}
}

func TestMergeOutputMapsFoldsRepeatedKeys(t *testing.T) {
	dst := map[string]Result{"out": Ok([]any{1.0})}
	src := map[string]Result{"out": Ok([]any{2.0}), "other": Ok("fresh")}
	MergeOutputMaps(dst, src)
	merged := dst["out"].Value().([]any)
	if len(merged) != 2 {
		t.Fatalf("expected merged list of length 2, got %v", merged)
	}
	if dst["other"].Value() != "fresh" {
		t.Fatalf("expected untouched key to carry through, got %v", dst["other"])
	}
}
