package media

import "fmt"

type MediaKind int

const (
	Unknown MediaKind = iota
	Video
	Image
	Audio
)

func (kind MediaKind) String() string {
	switch kind {
	case Video:
		return "Video"
	case Image:
		return "Image"
	case Audio:
		return "Audio"
	}

	return fmt.Sprintf("Unknown[%d]", kind)
}

// MediaRecord describes one discovered input file. The kind and
// container hint are derived from the files *content*, never from
// it's filename or extension. A record is immutable once created.
type MediaRecord struct {
	// SourcePath is the absolute path of the input file.
	SourcePath string

	// Kind is the media kind detected from the file content.
	Kind MediaKind

	// ContainerHint is the detected MIME type of the container
	// (e.g. 'video/mp4', 'image/gif'). Informational only; the
	// reconstruction pipeline never branches on attacker-controlled
	// metadata beyond this content-sniffed value.
	ContainerHint string

	// Extension is the canonical extension for the *detected* type,
	// which may well disagree with the extension the file claims.
	Extension string

	// Size is the raw byte size of the input file.
	Size int64
}

func (record *MediaRecord) String() string {
	return fmt.Sprintf("MediaRecord{path=%s kind=%s container=%s size=%d}", record.SourcePath, record.Kind, record.ContainerHint, record.Size)
}
