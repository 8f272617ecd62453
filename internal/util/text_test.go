package util

import (
	"math"
	"testing"
)

func TestJoinNonNil(t *testing.T) {
	a, b, empty := "hello", "world", ""
	got := JoinNonNil([]*string{&a, nil, &empty, &b}, " ")
	if got != "hello  world" {
		t.Fatalf("got %q", got)
	}
}

func TestNormalizeVector(t *testing.T) {
	out := NormalizeVector([]float32{3, 4})
	if math.Abs(float64(out[0])-0.6) > 1e-6 || math.Abs(float64(out[1])-0.8) > 1e-6 {
		t.Fatalf("got %v", out)
	}
	zero := NormalizeVector([]float32{0, 0})
	if zero[0] != 0 || zero[1] != 0 {
		t.Fatalf("got %v", zero)
	}
}

func TestVectorLiteral(t *testing.T) {
	if got := VectorLiteral([]float32{0.5, -1, 2}); got != "[0.5,-1,2]" {
		t.Fatalf("got %q", got)
	}
	if got := VectorLiteral(nil); got != "[]" {
		t.Fatalf("got %q", got)
	}
}

func TestFormatNumber(t *testing.T) {
	if got := FormatNumber(98); got != "98" {
		t.Fatalf("got %q", got)
	}
	if got := FormatNumber(98.6); got != "98.6" {
		t.Fatalf("got %q", got)
	}
}
