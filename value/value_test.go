package value

import (
	"math"
	"testing"
)

func TestFloatRoundTrip(t *testing.T) {
	cases := []float64{0, 1, -1, 3.14159, math.MaxFloat64, -math.MaxFloat64, math.Inf(1), math.Inf(-1)}
	for _, f := range cases {
		v := FromFloat(f)
		if v.Tag() != TagFloat {
			t.Fatalf("FromFloat(%v).Tag() = %v, want TagFloat", f, v.Tag())
		}
		if got := v.AsFloat(); got != f {
			t.Errorf("FromFloat(%v).AsFloat() = %v", f, got)
		}
	}
}

func TestNaNCanonicalization(t *testing.T) {
	// A quiet NaN with an arbitrary payload must not alias a tagged
	// value: it canonicalizes to the same bits as math.NaN().
	weird := math.Float64frombits(0x7FF8_0000_DEAD_BEEF)
	v := FromFloat(weird)
	if v.Tag() != TagFloat {
		t.Fatalf("canonicalized NaN has Tag() = %v, want TagFloat", v.Tag())
	}
	if !math.IsNaN(v.AsFloat()) {
		t.Fatalf("canonicalized NaN does not decode as NaN")
	}
}

func TestIntRoundTrip(t *testing.T) {
	cases := []int32{0, 1, -1, math.MaxInt32, math.MinInt32}
	for _, i := range cases {
		v := FromInt(i)
		if v.Tag() != TagInt {
			t.Fatalf("FromInt(%d).Tag() = %v, want TagInt", i, v.Tag())
		}
		if got := v.AsInt(); got != i {
			t.Errorf("FromInt(%d).AsInt() = %d", i, got)
		}
	}
}

func TestBoolRoundTrip(t *testing.T) {
	if !FromBool(true).AsBool() {
		t.Error("FromBool(true).AsBool() = false")
	}
	if FromBool(false).AsBool() {
		t.Error("FromBool(false).AsBool() = true")
	}
	if FromBool(true).Tag() != TagBool || FromBool(false).Tag() != TagBool {
		t.Error("FromBool(...).Tag() != TagBool")
	}
}

func TestPointerRoundTrip(t *testing.T) {
	p := Pointer(0x1234_5678_9ABC)
	v := FromPointer(p)
	if v.Tag() != TagPointer {
		t.Fatalf("FromPointer(...).Tag() = %v, want TagPointer", v.Tag())
	}
	if got := v.AsPointer(); got != p {
		t.Errorf("FromPointer(%v).AsPointer() = %v", p, got)
	}
}

func TestNullIsDistinctFromZero(t *testing.T) {
	if !Null.IsNull() {
		t.Fatal("Null.IsNull() = false")
	}
	if FromInt(0).IsNull() {
		t.Error("FromInt(0).IsNull() = true")
	}
	if FromBool(false).IsNull() {
		t.Error("FromBool(false).IsNull() = true")
	}
	if FromFloat(0).IsNull() {
		t.Error("FromFloat(0).IsNull() = true")
	}
}

func TestIdenticalMatchesEqualityExceptNaN(t *testing.T) {
	a := FromInt(42)
	b := FromInt(42)
	if !a.Identical(b) {
		t.Error("FromInt(42).Identical(FromInt(42)) = false")
	}

	nan := FromFloat(math.NaN())
	if nan.Identical(nan) {
		t.Error("NaN value is Identical to itself")
	}

	zero := FromFloat(0)
	if !zero.Identical(zero) {
		t.Error("FromFloat(0) is not Identical to itself")
	}

	p1 := FromPointer(Pointer(7))
	p2 := FromPointer(Pointer(7))
	if !p1.Identical(p2) {
		t.Error("equal pointers are not Identical")
	}
	p3 := FromPointer(Pointer(8))
	if p1.Identical(p3) {
		t.Error("distinct pointers report Identical")
	}
}

func TestTagsDoNotCollideWithFiniteFloats(t *testing.T) {
	// Every tagged encoding must report its own tag, never TagFloat, and
	// must never equal a directly-encoded finite float's bit pattern.
	tagged := []Value{
		Encode(TagInt, 5),
		Encode(TagBool, 1),
		Encode(TagNull, 0),
		Encode(TagPointer, 99),
	}
	for _, v := range tagged {
		if v.Tag() == TagFloat {
			t.Errorf("tagged value %#x reports TagFloat", uint64(v))
		}
	}
	if FromFloat(1.5) == Encode(TagInt, 5) {
		t.Error("finite float collided with a tagged int encoding")
	}
}
