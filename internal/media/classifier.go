package media

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/reforged/reforge/pkg/logger"
)

var (
	log = logger.Get("Classifier")

	// ErrUnsupportedFormat indicates no known media signature matched
	// the file content.
	ErrUnsupportedFormat = errors.New("no known media signature matches file content")

	// ErrTruncated indicates the file is shorter than the minimum
	// signature length and cannot be classified at all.
	ErrTruncated = errors.New("file is shorter than minimum signature length")
)

const (
	// sniffLen is the maximum number of bytes read from the head of
	// a file for classification. Classification is deliberately
	// light-touch; deep parsing is the job of the sandboxed pipeline.
	sniffLen = 3072

	// minSignatureLen is the length of the shortest magic number the
	// classifier accepts. Anything shorter cannot possibly match.
	minSignatureLen = 4
)

// Classifier detects the actual media kind of a file by inspecting
// it's content signature. The claimed filename/extension plays no part
// in the result.
type Classifier struct{}

func NewClassifier() *Classifier {
	mimetype.SetLimit(sniffLen)
	return &Classifier{}
}

// Classify reads a bounded prefix of the file at the path provided and
// returns a MediaRecord describing it's detected kind. ErrTruncated is
// returned for files shorter than the minimum signature length, and
// ErrUnsupportedFormat when the content matches no known media type.
func (classifier *Classifier) Classify(path string) (*MediaRecord, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat candidate file '%s': %w", path, err)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open candidate file '%s': %w", path, err)
	}
	defer file.Close()

	prefix := make([]byte, sniffLen)
	n, err := io.ReadFull(file, prefix)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read candidate file '%s': %w", path, err)
	}

	record, err := classifier.ClassifyBytes(prefix[:n])
	if err != nil {
		return nil, err
	}

	record.SourcePath = path
	record.Size = info.Size()
	return record, nil
}

// ClassifyBytes is the pure counterpart of Classify; it inspects the
// content prefix provided and detects the media kind from it alone.
// The returned record carries no source path or size.
func (classifier *Classifier) ClassifyBytes(prefix []byte) (*MediaRecord, error) {
	if len(prefix) < minSignatureLen {
		return nil, ErrTruncated
	}

	detected := mimetype.Detect(prefix)
	kind := kindForMime(detected.String())
	if kind == Unknown {
		log.Debugf("Content signature '%s' is not a known media type\n", detected.String())
		return nil, fmt.Errorf("%w (detected '%s')", ErrUnsupportedFormat, detected.String())
	}

	return &MediaRecord{
		Kind:          kind,
		ContainerHint: detected.String(),
		Extension:     strings.TrimPrefix(detected.Extension(), "."),
	}, nil
}

// kindForMime buckets a sniffed MIME type in to one of the media kinds
// the pipeline can rebuild.
func kindForMime(mime string) MediaKind {
	switch {
	case strings.HasPrefix(mime, "video/"):
		return Video
	case strings.HasPrefix(mime, "image/"):
		return Image
	case strings.HasPrefix(mime, "audio/"):
		return Audio
	}

	return Unknown
}
