package hook

import (
	"encoding/json"
	"testing"
)

func TestMerge(t *testing.T) {
	t.Run("last writer wins per key", func(t *testing.T) {
		dyn := map[string]any{"x": 1, "y": "keep"}
		dyn = Merge(dyn, &Mutation{DynamicValues: map[string]any{"x": 2}})
		if dyn["x"] != 2 {
			t.Errorf("x = %v, want 2", dyn["x"])
		}
		if dyn["y"] != "keep" {
			t.Errorf("unnamed key y was touched: %v", dyn["y"])
		}
	})

	t.Run("nil mutation changes nothing", func(t *testing.T) {
		dyn := map[string]any{"x": 1}
		dyn = Merge(dyn, nil)
		if len(dyn) != 1 || dyn["x"] != 1 {
			t.Errorf("dyn = %v", dyn)
		}
	})

	t.Run("nil destination allocates", func(t *testing.T) {
		dyn := Merge(nil, &Mutation{DynamicValues: map[string]any{"a": "b"}})
		if dyn["a"] != "b" {
			t.Errorf("dyn = %v", dyn)
		}
	})

	t.Run("sequential merges compose", func(t *testing.T) {
		dyn := map[string]any{}
		dyn = Merge(dyn, &Mutation{DynamicValues: map[string]any{"x": 1, "y": 1}})
		dyn = Merge(dyn, &Mutation{DynamicValues: map[string]any{"y": 2}})
		if dyn["x"] != 1 || dyn["y"] != 2 {
			t.Errorf("dyn = %v", dyn)
		}
	})
}

func TestDecodeValue(t *testing.T) {
	t.Run("typed in-process value", func(t *testing.T) {
		dyn := map[string]any{"final_text": "hello"}
		got, ok := DecodeValue[string](dyn, "final_text")
		if !ok || got != "hello" {
			t.Errorf("DecodeValue = %q, %v", got, ok)
		}
	})

	t.Run("json round-trip from remote hook", func(t *testing.T) {
		var dyn map[string]any
		raw := `{"tool_calls":[{"tool_id":"call_0","tool_name":"search"}]}`
		if err := json.Unmarshal([]byte(raw), &dyn); err != nil {
			t.Fatal(err)
		}
		type call struct {
			ID   string `json:"tool_id"`
			Name string `json:"tool_name"`
		}
		got, ok := DecodeValue[[]call](dyn, "tool_calls")
		if !ok || len(got) != 1 || got[0].Name != "search" {
			t.Errorf("DecodeValue = %+v, %v", got, ok)
		}
	})

	t.Run("missing key", func(t *testing.T) {
		if _, ok := DecodeValue[string](map[string]any{}, "nope"); ok {
			t.Error("missing key decoded")
		}
	})

	t.Run("incompatible shape", func(t *testing.T) {
		dyn := map[string]any{"n": "not a number"}
		if _, ok := DecodeValue[int](dyn, "n"); ok {
			t.Error("incompatible value decoded")
		}
	})
}

func TestKindValid(t *testing.T) {
	for _, k := range []Kind{KindPlanStart, KindBeforeLLMStep, KindBeforeToolCalls, KindAfterToolCalls, KindAfterFinish, KindPlanEnd} {
		if !k.Valid() {
			t.Errorf("Kind %q not valid", k)
		}
	}
	if Kind("made_up").Valid() {
		t.Error("unknown kind reported valid")
	}
}
