package byterange

import (
	"errors"
	"math"
	"testing"
)

const gib = uint64(1) << 30

func TestNewRejectsOverflow(t *testing.T) {
	if _, err := New(math.MaxUint64, 1); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
	r, err := New(math.MaxUint64-10, 10)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if Max(r) != math.MaxUint64 {
		t.Fatalf("unexpected max: %d", Max(r))
	}
}

func TestUnionIsCommutative(t *testing.T) {
	cases := []struct {
		a, b Range
		want Range
	}{
		{Range{0, 10}, Range{5, 10}, Range{0, 15}},
		{Range{0, 10}, Range{10, 5}, Range{0, 15}},
		{Range{20, 5}, Range{0, 30}, Range{0, 30}},
		{Range{5 * gib, gib}, Range{6 * gib, 2 * gib}, Range{5 * gib, 3 * gib}},
	}
	for _, tc := range cases {
		if got := Union(tc.a, tc.b); !Equal(got, tc.want) {
			t.Fatalf("Union(%v, %v) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
		if got := Union(tc.b, tc.a); !Equal(got, tc.want) {
			t.Fatalf("Union(%v, %v) = %v, want %v", tc.b, tc.a, got, tc.want)
		}
	}
}

func TestIntersection(t *testing.T) {
	cases := []struct {
		a, b    Range
		want    Range
		touches bool
	}{
		{Range{0, 10}, Range{5, 10}, Range{5, 5}, true},
		{Range{0, 10}, Range{10, 5}, Range{10, 0}, true},
		{Range{0, 10}, Range{11, 5}, Range{}, false},
		{Range{4 * gib, 2 * gib}, Range{5 * gib, 4 * gib}, Range{5 * gib, gib}, true},
		{Range{0, gib}, Range{8 * gib, 1}, Range{}, false},
	}
	for _, tc := range cases {
		if Touches(tc.a, tc.b) != tc.touches {
			t.Fatalf("Touches(%v, %v) != %v", tc.a, tc.b, tc.touches)
		}
		if got := Intersection(tc.a, tc.b); !Equal(got, tc.want) {
			t.Fatalf("Intersection(%v, %v) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
		if got := Intersection(tc.b, tc.a); !Equal(got, tc.want) {
			t.Fatalf("Intersection(%v, %v) = %v, want %v", tc.b, tc.a, got, tc.want)
		}
	}
}

func TestContains(t *testing.T) {
	r := Range{Location: 10, Length: 5}
	for loc, want := range map[uint64]bool{9: false, 10: true, 14: true, 15: false, 0: false} {
		if Contains(loc, r) != want {
			t.Fatalf("Contains(%d, %v) != %v", loc, r, want)
		}
	}
	if Contains(10, Range{Location: 10}) {
		t.Fatal("empty range should contain nothing")
	}
	big := Range{Location: 5 * gib, Length: gib}
	if !Contains(5*gib+1, big) || Contains(6*gib, big) {
		t.Fatal("64-bit containment is wrong")
	}
}

func TestStringRoundTrip(t *testing.T) {
	for _, r := range []Range{{0, 0}, {12, 34}, {5 * gib, 7 * gib}, {math.MaxUint64 - 1, 1}} {
		s := r.String()
		if got := Parse(s); !Equal(got, r) {
			t.Fatalf("Parse(%q) = %v, want %v", s, got, r)
		}
	}
	if got := Parse("{5, 10}"); got.String() != "{5, 10}" {
		t.Fatalf("unexpected canonical form %q", got.String())
	}
	if got := Parse("{7"); !Equal(got, Range{7, 0}) {
		t.Fatalf("Parse partial = %v", got)
	}
	if got := Parse("garbage"); !Equal(got, Range{}) {
		t.Fatalf("Parse garbage = %v", got)
	}
}
