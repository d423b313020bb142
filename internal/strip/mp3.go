package strip

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

var (
	id3v2Magic  = []byte("ID3")
	id3v1Magic  = []byte("TAG")
	apeTagMagic = []byte("APETAGEX")
)

// sanitizeMP3 rebuilds an MPEG audio byte stream keeping only the
// audio frames. ID3v2 headers are removed from the front; ID3v1 and
// APE tag blocks are removed from the back, repeatedly, until neither
// remains. The frame data itself is never touched.
func sanitizeMP3(data []byte) ([]byte, error) {
	for bytes.HasPrefix(data, id3v2Magic) {
		if len(data) < 10 {
			return nil, fmt.Errorf("%w: truncated ID3v2 header", errMalformed)
		}

		size, err := syncsafeSize(data[6:10])
		if err != nil {
			return nil, err
		}

		total := 10 + size
		if data[5]&0x10 != 0 {
			// Footer flag; the tag carries a trailing 10 byte copy.
			total += 10
		}
		if total > len(data) {
			return nil, fmt.Errorf("%w: ID3v2 tag overruns file", errMalformed)
		}

		data = data[total:]
	}

	if !hasMpegFrameSync(data) {
		return nil, fmt.Errorf("%w: no MPEG frame follows the removed tags", errMalformed)
	}

	for {
		if trimmed, ok := trimID3v1(data); ok {
			data = trimmed
			continue
		}
		if trimmed, ok, err := trimApeTag(data); err != nil {
			return nil, err
		} else if ok {
			data = trimmed
			continue
		}

		return data, nil
	}
}

func looksLikeMP3(data []byte) bool {
	return bytes.HasPrefix(data, id3v2Magic) || hasMpegFrameSync(data)
}

func hasMpegFrameSync(data []byte) bool {
	return len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0
}

// trimID3v1 removes the fixed 128 byte ID3v1 trailer when present.
func trimID3v1(data []byte) ([]byte, bool) {
	if len(data) >= 128 && bytes.Equal(data[len(data)-128:len(data)-125], id3v1Magic) {
		return data[:len(data)-128], true
	}

	return data, false
}

// trimApeTag removes a trailing APE tag. The 32 byte footer records
// the tag size (items + footer); a header flag adds another 32 bytes
// in front of the items.
func trimApeTag(data []byte) ([]byte, bool, error) {
	if len(data) < 32 {
		return data, false, nil
	}

	footer := data[len(data)-32:]
	if !bytes.Equal(footer[:8], apeTagMagic) {
		return data, false, nil
	}

	size := int(binary.LittleEndian.Uint32(footer[12:16]))
	flags := binary.LittleEndian.Uint32(footer[20:24])
	if flags&0x80000000 != 0 {
		size += 32
	}
	if size < 32 || size > len(data) {
		return nil, false, fmt.Errorf("%w: APE tag size %d overruns file", errMalformed, size)
	}

	return data[:len(data)-size], true, nil
}

// syncsafeSize decodes the 28 bit big-endian size ID3v2 stores across
// four bytes with the high bit of each held clear.
func syncsafeSize(raw []byte) (int, error) {
	size := 0
	for _, b := range raw {
		if b&0x80 != 0 {
			return 0, fmt.Errorf("%w: illegal ID3v2 syncsafe size byte", errMalformed)
		}
		size = size<<7 | int(b)
	}

	return size, nil
}
