package strip

import (
	"encoding/binary"
	"fmt"
)

// pngChunkAllowlist is the set of chunk types that carry pixel data or
// are required to decode it. Textual chunks, EXIF, timestamps and any
// private chunks are absent from the set and therefore dropped.
var pngChunkAllowlist = map[string]bool{
	"IHDR": true,
	"PLTE": true,
	"tRNS": true,
	"IDAT": true,
	"IEND": true,
}

// sanitizePNG rebuilds a PNG byte stream from it's allowlisted chunks
// only, truncating anything following the IEND chunk. Chunk CRCs are
// copied verbatim as the chunks themselves are unmodified.
func sanitizePNG(data []byte) ([]byte, error) {
	if len(data) < len(pngMagic)+12 {
		return nil, fmt.Errorf("%w: file too short to hold a PNG chunk", errMalformed)
	}

	out := make([]byte, 0, len(data))
	out = append(out, pngMagic...)

	i := len(pngMagic)
	for i < len(data) {
		if i+8 > len(data) {
			return nil, fmt.Errorf("%w: truncated chunk header at offset %d", errMalformed, i)
		}

		length := int(binary.BigEndian.Uint32(data[i : i+4]))
		chunkType := string(data[i+4 : i+8])
		end := i + 8 + length + 4
		if length < 0 || end > len(data) {
			return nil, fmt.Errorf("%w: chunk '%s' at offset %d overruns file", errMalformed, chunkType, i)
		}

		if pngChunkAllowlist[chunkType] {
			out = append(out, data[i:end]...)
		}

		if chunkType == "IEND" {
			return out, nil
		}

		i = end
	}

	return nil, fmt.Errorf("%w: no IEND chunk found", errMalformed)
}
