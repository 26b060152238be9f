package securerandom

import (
	"encoding/hex"
	"testing"
)

func TestID(t *testing.T) {
	id, err := ID(16)
	if err != nil {
		t.Fatalf("ID() returned error: %v", err)
	}
	if len(id) != 32 {
		t.Errorf("ID(16) returned wrong length: got %d, want 32", len(id))
	}
	if _, err := hex.DecodeString(id); err != nil {
		t.Errorf("ID() returned invalid hex: %v", err)
	}
}

func TestIDUniqueness(t *testing.T) {
	ids := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := MustID(16)
		if ids[id] {
			t.Errorf("Duplicate ID generated: %s", id)
		}
		ids[id] = true
	}
}

func TestFloat64Range(t *testing.T) {
	for i := 0; i < 10000; i++ {
		v := Float64()
		if v < 0 || v >= 1 {
			t.Fatalf("Float64() = %v, want value in [0, 1)", v)
		}
	}
}

func TestSourceFunc(t *testing.T) {
	var src Source = SourceFunc(func() float64 { return 0.25 })
	if src.Float64() != 0.25 {
		t.Errorf("SourceFunc did not forward value")
	}
	if Crypto == nil {
		t.Fatal("Crypto source is nil")
	}
}
