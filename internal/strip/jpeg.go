package strip

import (
	"encoding/binary"
	"fmt"
)

// JPEG segment markers the sanitizer treats specially.
const (
	markerSOI  = 0xD8
	markerEOI  = 0xD9
	markerSOS  = 0xDA
	markerAPP0 = 0xE0
	markerCOM  = 0xFE
	markerTEM  = 0x01
)

// sanitizeJPEG rebuilds a JPEG byte stream keeping only the segments
// needed to decode the pixel data. APP1-APP15 (EXIF, XMP, ICC and
// friends) and comment segments are dropped; APP0 (the JFIF header our
// own encoder writes) is kept. Everything after the end-of-image
// marker is truncated, which removes polyglot trailer payloads.
func sanitizeJPEG(data []byte) ([]byte, error) {
	if len(data) < 4 || data[0] != 0xFF || data[1] != markerSOI {
		return nil, fmt.Errorf("%w: missing JPEG start-of-image", errMalformed)
	}

	out := make([]byte, 0, len(data))
	out = append(out, 0xFF, markerSOI)

	i := 2
	for i < len(data) {
		if data[i] != 0xFF {
			return nil, fmt.Errorf("%w: expected marker at offset %d", errMalformed, i)
		}
		if i+1 >= len(data) {
			return nil, fmt.Errorf("%w: dangling marker byte at offset %d", errMalformed, i)
		}

		marker := data[i+1]
		switch {
		case marker == markerEOI:
			out = append(out, 0xFF, markerEOI)
			return out, nil

		case marker == markerTEM || (marker >= 0xD0 && marker <= 0xD7):
			// Standalone markers carry no payload.
			out = append(out, 0xFF, marker)
			i += 2

		case marker == markerSOS:
			segment, next, err := jpegSegment(data, i)
			if err != nil {
				return nil, err
			}
			out = append(out, segment...)

			return appendEntropyData(out, data, next)

		case marker > markerAPP0 && marker <= 0xEF, marker == markerCOM:
			// APPn metadata or comment; skip it entirely.
			_, next, err := jpegSegment(data, i)
			if err != nil {
				return nil, err
			}
			i = next

		default:
			segment, next, err := jpegSegment(data, i)
			if err != nil {
				return nil, err
			}
			out = append(out, segment...)
			i = next
		}
	}

	return nil, fmt.Errorf("%w: no end-of-image marker found", errMalformed)
}

// jpegSegment slices one marker segment (marker + length + payload)
// starting at offset i, returning it and the offset just past it.
func jpegSegment(data []byte, i int) ([]byte, int, error) {
	if i+4 > len(data) {
		return nil, 0, fmt.Errorf("%w: truncated segment header at offset %d", errMalformed, i)
	}

	length := int(binary.BigEndian.Uint16(data[i+2 : i+4]))
	if length < 2 {
		return nil, 0, fmt.Errorf("%w: illegal segment length %d at offset %d", errMalformed, length, i)
	}

	end := i + 2 + length
	if end > len(data) {
		return nil, 0, fmt.Errorf("%w: segment at offset %d overruns file", errMalformed, i)
	}

	return data[i:end], end, nil
}

// appendEntropyData copies the entropy-coded stream following a
// start-of-scan. Inside it 0xFF is always followed by a stuffed 0x00
// or a restart marker, so a genuine 0xFFD9 unambiguously ends the
// image; anything after it is discarded.
func appendEntropyData(out []byte, data []byte, i int) ([]byte, error) {
	for j := i; j+1 < len(data); j++ {
		if data[j] == 0xFF && data[j+1] == markerEOI {
			out = append(out, data[i:j]...)
			out = append(out, 0xFF, markerEOI)
			return out, nil
		}
	}

	return nil, fmt.Errorf("%w: entropy-coded data has no end-of-image marker", errMalformed)
}
