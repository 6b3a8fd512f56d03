package protocol

import (
	"fmt"
	"unicode/utf8"
)

// Encode splits payload into UTF-8 segments of at most limit bytes.
//
// Each segment is filled greedily; when the limit falls inside a multi-byte
// character the cut moves back to the start of that character, so every
// segment is valid UTF-8 on its own. An empty payload yields one empty
// segment. The returned slices share one backing array and are capped, so
// appending to one never overwrites its neighbour.
func Encode(payload string, limit int) ([][]byte, error) {
	if limit <= 0 {
		return nil, invalidConfig("byte limit must be positive, got %d", limit)
	}
	if !utf8.ValidString(payload) {
		return nil, fmt.Errorf("%w: payload is not valid UTF-8", ErrMalformedEncoding)
	}

	data := []byte(payload)
	if len(data) == 0 {
		return [][]byte{{}}, nil
	}

	segments := make([][]byte, 0, len(data)/limit+1)
	for start := 0; start < len(data); {
		end := start + limit
		if end >= len(data) {
			segments = append(segments, data[start:len(data):len(data)])
			break
		}

		// data is valid UTF-8, so this inspects at most UTFMax-1 bytes.
		cut := end
		for cut > start && !utf8.RuneStart(data[cut]) {
			cut--
		}
		if cut == start {
			_, width := utf8.DecodeRune(data[start:])
			return nil, invalidConfig("byte limit %d cannot hold the %d-byte character at offset %d", limit, width, start)
		}

		segments = append(segments, data[start:cut:cut])
		start = cut
	}

	return segments, nil
}

// Decode joins segments in order and validates the result once.
//
// Segments must be complete and in index order; gap detection is the
// caller's job. Bytes are never dropped or replaced: invalid input fails
// with ErrMalformedEncoding.
func Decode(segments [][]byte) (string, error) {
	if len(segments) == 0 {
		return "", fmt.Errorf("%w: no segments to decode", ErrMissingSegment)
	}

	size := 0
	for _, s := range segments {
		size += len(s)
	}

	buf := make([]byte, 0, size)
	for _, s := range segments {
		buf = append(buf, s...)
	}

	if offset := invalidOffset(buf); offset >= 0 {
		return "", fmt.Errorf("%w: invalid UTF-8 at byte %d of %d", ErrMalformedEncoding, offset, len(buf))
	}

	return string(buf), nil
}

// invalidOffset returns the offset of the first invalid sequence, or -1.
func invalidOffset(b []byte) int {
	if utf8.Valid(b) {
		return -1
	}
	for i := 0; i < len(b); {
		r, width := utf8.DecodeRune(b[i:])
		if r == utf8.RuneError && width <= 1 {
			return i
		}
		i += width
	}
	return -1
}
