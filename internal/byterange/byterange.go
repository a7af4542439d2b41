// Package byterange implements 64-bit byte ranges with the same semantics as
// Foundation's NSRange, so range arithmetic stays exact past 4 GiB.
package byterange

import (
	"errors"
	"fmt"
	"math"
	"strconv"
)

var ErrOverflow = errors.New("byterange: location + length overflows 64 bits")

type Range struct {
	Location uint64
	Length   uint64
}

func New(location, length uint64) (Range, error) {
	if length > math.MaxUint64-location {
		return Range{}, ErrOverflow
	}
	return Range{Location: location, Length: length}, nil
}

// Max returns the first offset past the range.
func Max(r Range) uint64 {
	return r.Location + r.Length
}

// Contains uses unsigned wraparound: offsets before Location are never contained.
func Contains(loc uint64, r Range) bool {
	return loc-r.Location < r.Length
}

func Equal(a, b Range) bool {
	return a.Location == b.Location && a.Length == b.Length
}

// Touches reports whether a and b overlap or are adjacent.
func Touches(a, b Range) bool {
	return Max(a) >= b.Location && Max(b) >= a.Location
}

func Union(a, b Range) Range {
	loc := min(a.Location, b.Location)
	end := max(Max(a), Max(b))
	return Range{Location: loc, Length: end - loc}
}

// Intersection returns the zero range when a and b do not touch. Adjacent ranges
// intersect in an empty range positioned at the shared boundary.
func Intersection(a, b Range) Range {
	if !Touches(a, b) {
		return Range{}
	}
	loc := max(a.Location, b.Location)
	end := min(Max(a), Max(b))
	return Range{Location: loc, Length: end - loc}
}

func (r Range) String() string {
	return fmt.Sprintf("{%d, %d}", r.Location, r.Length)
}

// Parse reads the first two unsigned integers in s. Missing numbers decode as zero,
// matching NSRangeFromString.
func Parse(s string) Range {
	var nums [2]uint64
	found := 0
	for i := 0; i < len(s) && found < 2; {
		if s[i] < '0' || s[i] > '9' {
			i++
			continue
		}
		j := i
		for j < len(s) && s[j] >= '0' && s[j] <= '9' {
			j++
		}
		v, err := strconv.ParseUint(s[i:j], 10, 64)
		if err != nil {
			v = math.MaxUint64
		}
		nums[found] = v
		found++
		i = j
	}
	return Range{Location: nums[0], Length: nums[1]}
}
