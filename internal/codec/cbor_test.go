package codec

import (
	"bytes"
	"strings"
	"testing"

	"rdpbridge/internal/types"
)

func TestMarshalDeterministic(t *testing.T) {
	msg := map[string]any{"action": "status", "b": 2, "a": 1}

	first, err := Marshal(msg)
	if err != nil {
		t.Fatalf("first Marshal: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := Marshal(msg)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("deterministic encoding violated: %x != %x", first, again)
		}
	}
}

func TestUntypedMapsDecodeWithStringKeys(t *testing.T) {
	data, err := Marshal(map[string]any{"outer": map[string]any{"inner": "value"}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded map[string]any
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	inner, ok := decoded["outer"].(map[string]any)
	if !ok {
		t.Fatalf("expected map[string]any, got %T", decoded["outer"])
	}
	if inner["inner"] != "value" {
		t.Fatalf("expected inner=value, got %v", inner["inner"])
	}
}

func TestTileRectFlattensEmbeddedRect(t *testing.T) {
	data, err := Marshal(types.TileRect{Rect: types.Rect{X: 1, Y: 2, Width: 3, Height: 4}, Data: []byte{9}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	diag, err := Diagnose(data)
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	for _, key := range []string{`"x": 1`, `"y": 2`, `"w": 3`, `"h": 4`} {
		if !strings.Contains(diag, key) {
			t.Errorf("expected %s at top level, got %s", key, diag)
		}
	}
}

func TestStreamDecodesSequence(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	for i := 0; i < 3; i++ {
		if err := enc.Encode(types.Rect{X: i}); err != nil {
			t.Fatalf("Encode: %v", err)
		}
	}
	dec := NewDecoder(&buf)
	for i := 0; i < 3; i++ {
		var r types.Rect
		if err := dec.Decode(&r); err != nil {
			t.Fatalf("Decode %d: %v", i, err)
		}
		if r.X != i {
			t.Fatalf("expected X=%d, got %d", i, r.X)
		}
	}
}
