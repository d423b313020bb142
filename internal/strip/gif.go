package strip

import (
	"bytes"
	"fmt"
)

// GIF block introducers and extension labels.
const (
	gifExtension      = 0x21
	gifImageSeparator = 0x2C
	gifTrailer        = 0x3B

	gifLabelPlainText      = 0x01
	gifLabelGraphicControl = 0xF9
	gifLabelComment        = 0xFE
	gifLabelApplication    = 0xFF
)

// netscapeExtension identifies the application extension that encodes
// the animation loop count. It is the single application extension a
// sanitized GIF is allowed to keep; without it animations play once.
var netscapeExtension = []byte("NETSCAPE2.0")

// sanitizeGIF rebuilds a GIF byte stream keeping the image data,
// graphic control extensions (frame timing/transparency) and the
// NETSCAPE looping extension. Comments, plain-text renders and every
// other application extension are dropped, and the stream is truncated
// at the trailer byte.
func sanitizeGIF(data []byte) ([]byte, error) {
	if len(data) < 13 {
		return nil, fmt.Errorf("%w: file too short to hold a GIF header", errMalformed)
	}

	// Header (6) + logical screen descriptor (7), then the global
	// color table when the descriptor flags one.
	headerEnd := 13
	flags := data[10]
	if flags&0x80 != 0 {
		tableSize := 3 * (2 << (flags & 0x07))
		headerEnd += tableSize
	}
	if headerEnd > len(data) {
		return nil, fmt.Errorf("%w: global color table overruns file", errMalformed)
	}

	out := make([]byte, 0, len(data))
	out = append(out, data[:headerEnd]...)

	i := headerEnd
	for i < len(data) {
		switch data[i] {
		case gifTrailer:
			out = append(out, gifTrailer)
			return out, nil

		case gifImageSeparator:
			end, err := gifImageEnd(data, i)
			if err != nil {
				return nil, err
			}
			out = append(out, data[i:end]...)
			i = end

		case gifExtension:
			if i+1 >= len(data) {
				return nil, fmt.Errorf("%w: dangling extension introducer at offset %d", errMalformed, i)
			}

			label := data[i+1]
			end, err := gifSubBlocksEnd(data, i+2)
			if err != nil {
				return nil, err
			}

			switch label {
			case gifLabelGraphicControl:
				out = append(out, data[i:end]...)
			case gifLabelApplication:
				if isNetscapeExtension(data[i+2 : end]) {
					out = append(out, data[i:end]...)
				}
			}
			// Comments, plain text and foreign application
			// extensions fall through and are dropped.

			i = end

		default:
			return nil, fmt.Errorf("%w: unknown block introducer 0x%02X at offset %d", errMalformed, data[i], i)
		}
	}

	return nil, fmt.Errorf("%w: no trailer byte found", errMalformed)
}

// gifImageEnd returns the offset just past the image block starting at
// the image separator at offset i.
func gifImageEnd(data []byte, i int) (int, error) {
	// Separator (1) + image descriptor (9), then the local color
	// table when flagged.
	end := i + 10
	if end > len(data) {
		return 0, fmt.Errorf("%w: truncated image descriptor at offset %d", errMalformed, i)
	}

	flags := data[i+9]
	if flags&0x80 != 0 {
		end += 3 * (2 << (flags & 0x07))
	}

	// LZW minimum code size byte precedes the pixel sub-blocks.
	end++
	if end > len(data) {
		return 0, fmt.Errorf("%w: image block at offset %d overruns file", errMalformed, i)
	}

	return gifSubBlocksEnd(data, end)
}

// gifSubBlocksEnd walks a chain of length-prefixed sub-blocks starting
// at offset i and returns the offset just past it's terminator.
func gifSubBlocksEnd(data []byte, i int) (int, error) {
	for i < len(data) {
		size := int(data[i])
		if size == 0 {
			return i + 1, nil
		}

		i += 1 + size
	}

	return 0, fmt.Errorf("%w: unterminated sub-block chain", errMalformed)
}

// isNetscapeExtension inspects an application extension body (sized
// sub-blocks, terminator included) for the NETSCAPE2.0 identifier.
func isNetscapeExtension(body []byte) bool {
	if len(body) < 12 || body[0] != 11 {
		return false
	}

	return bytes.Equal(body[1:12], netscapeExtension)
}
