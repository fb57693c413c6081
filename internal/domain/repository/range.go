package repository

import (
	"strconv"
	"strings"
)

// ParseRange resolves a single-range Range header against a body of the
// given total size. A nil result with nil error means "serve the full body"
// (absent or malformed headers are ignored, per RFC 9110). An unsatisfiable
// range returns ErrRangeNotSatisfiable.
func ParseRange(header string, total int64) (*ByteRange, error) {
	if header == "" {
		return nil, nil
	}
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return nil, nil
	}
	// Multi-range requests are served as full bodies.
	if strings.Contains(spec, ",") {
		return nil, nil
	}

	startStr, endStr, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok {
		return nil, nil
	}

	// Suffix form: bytes=-n means the final n bytes.
	if startStr == "" {
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return nil, nil
		}
		if n >= total {
			return &ByteRange{Start: 0, End: total - 1}, nil
		}
		return &ByteRange{Start: total - n, End: total - 1}, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return nil, nil
	}
	if start >= total {
		return nil, ErrRangeNotSatisfiable
	}

	end := total - 1
	if endStr != "" {
		e, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil {
			return nil, nil
		}
		if e < start {
			return nil, ErrRangeNotSatisfiable
		}
		if e < end {
			end = e
		}
	}
	return &ByteRange{Start: start, End: end}, nil
}
