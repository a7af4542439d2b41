package httpd

import (
	"errors"
	"sort"
	"strconv"
	"strings"

	"wireagent-go/internal/byterange"
)

var (
	errMalformedRange     = errors.New("malformed range header")
	errUnsatisfiableRange = errors.New("range not satisfiable")
)

// RangeSpec is one byte-range-spec from a Range header. First < 0 marks a suffix
// range ("-N", the last N bytes); Last < 0 marks an open range ("N-", to the end).
type RangeSpec struct {
	First int64
	Last  int64
}

// ParseRangeHeader parses "bytes=a-b,c-,-d" without knowing the resource length.
func ParseRangeHeader(value string) ([]RangeSpec, error) {
	unit, set, ok := strings.Cut(strings.TrimSpace(value), "=")
	if !ok || !strings.EqualFold(strings.TrimSpace(unit), "bytes") {
		return nil, errMalformedRange
	}
	var specs []RangeSpec
	for _, part := range strings.Split(set, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		first, last, ok := strings.Cut(part, "-")
		if !ok {
			return nil, errMalformedRange
		}
		first = strings.TrimSpace(first)
		last = strings.TrimSpace(last)
		spec := RangeSpec{First: -1, Last: -1}
		var err error
		switch {
		case first == "" && last == "":
			return nil, errMalformedRange
		case first == "":
			if spec.Last, err = parseOffset(last); err != nil {
				return nil, err
			}
		default:
			if spec.First, err = parseOffset(first); err != nil {
				return nil, err
			}
			if last != "" {
				if spec.Last, err = parseOffset(last); err != nil {
					return nil, err
				}
				if spec.Last < spec.First {
					return nil, errMalformedRange
				}
			}
		}
		specs = append(specs, spec)
	}
	if len(specs) == 0 {
		return nil, errMalformedRange
	}
	return specs, nil
}

func parseOffset(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return 0, errMalformedRange
	}
	return v, nil
}

// ResolveRanges turns specs into absolute ranges against a resource of the given
// length. Any range reaching past the resource makes the whole request
// unsatisfiable. Overlapping or adjacent ranges are merged.
func ResolveRanges(specs []RangeSpec, length uint64) ([]byterange.Range, error) {
	if len(specs) == 0 {
		return nil, errMalformedRange
	}
	ranges := make([]byterange.Range, 0, len(specs))
	for _, spec := range specs {
		var r byterange.Range
		switch {
		case spec.First < 0:
			n := uint64(spec.Last)
			if n == 0 || n > length {
				return nil, errUnsatisfiableRange
			}
			r = byterange.Range{Location: length - n, Length: n}
		case spec.Last < 0:
			first := uint64(spec.First)
			if first >= length {
				return nil, errUnsatisfiableRange
			}
			r = byterange.Range{Location: first, Length: length - first}
		default:
			first, last := uint64(spec.First), uint64(spec.Last)
			if last >= length {
				return nil, errUnsatisfiableRange
			}
			r = byterange.Range{Location: first, Length: last - first + 1}
		}
		ranges = append(ranges, r)
	}
	return mergeRanges(ranges), nil
}

func mergeRanges(ranges []byterange.Range) []byterange.Range {
	if len(ranges) < 2 {
		return ranges
	}
	sorted := append([]byterange.Range(nil), ranges...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Location < sorted[j].Location })
	merged := sorted[:1]
	for _, r := range sorted[1:] {
		last := &merged[len(merged)-1]
		if byterange.Touches(*last, r) {
			*last = byterange.Union(*last, r)
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

func contentRange(r byterange.Range, total uint64) string {
	return "bytes " + strconv.FormatUint(r.Location, 10) + "-" +
		strconv.FormatUint(byterange.Max(r)-1, 10) + "/" + strconv.FormatUint(total, 10)
}
