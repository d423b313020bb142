package job

import (
	"context"
	"errors"
	"fmt"

	"github.com/reforged/reforge/internal/media"
	"github.com/reforged/reforge/internal/policy"
)

// FailureKind enumerates every way a sanitization job can terminally
// fail. All failures are per-job and non-fatal to the batch.
type FailureKind int

const (
	UnsupportedFormat FailureKind = iota
	Truncated
	UnsupportedLevel
	DecodeError
	EncodeError
	MetadataStripFailed
	ResourceExceeded
	InternalInvariantViolation
)

func (kind FailureKind) String() string {
	switch kind {
	case UnsupportedFormat:
		return "UnsupportedFormat"
	case Truncated:
		return "Truncated"
	case UnsupportedLevel:
		return "UnsupportedLevel"
	case DecodeError:
		return "DecodeError"
	case EncodeError:
		return "EncodeError"
	case MetadataStripFailed:
		return "MetadataStripFailed"
	case ResourceExceeded:
		return "ResourceExceeded"
	case InternalInvariantViolation:
		return "InternalInvariantViolation"
	}

	return fmt.Sprintf("FailureKind[%d]", kind)
}

func (kind FailureKind) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", kind.String())), nil
}

// Failure is the typed, terminal error of a failed sanitization job.
// It carries the failure kind for the batch summary alongside the
// underlying cause for operator reporting.
type Failure struct {
	Kind  FailureKind
	cause error
}

func NewFailure(kind FailureKind, cause error) *Failure {
	return &Failure{Kind: kind, cause: cause}
}

func Failuref(kind FailureKind, format string, interpolations ...interface{}) *Failure {
	return &Failure{Kind: kind, cause: fmt.Errorf(format, interpolations...)}
}

func (failure *Failure) Error() string {
	if failure.cause == nil {
		return failure.Kind.String()
	}

	return fmt.Sprintf("%s: %s", failure.Kind, failure.cause)
}

func (failure *Failure) Unwrap() error { return failure.cause }

// FailureFromError coerces any error in to a typed job Failure. Typed
// failures pass through unchanged; well-known sentinels from the
// classifier and policy engine map to their corresponding kind; a
// context deadline or cancellation indicates the job's bounds were
// withdrawn before it finished (wall-clock limit, or the run being
// shut down). Anything else is a defect in the pipeline itself and is
// surfaced as an internal invariant violation rather than being
// silently bucketed.
func FailureFromError(err error) *Failure {
	var failure *Failure
	if errors.As(err, &failure) {
		return failure
	}

	switch {
	case errors.Is(err, media.ErrTruncated):
		return NewFailure(Truncated, err)
	case errors.Is(err, media.ErrUnsupportedFormat):
		return NewFailure(UnsupportedFormat, err)
	case errors.Is(err, policy.ErrUnsupportedLevel):
		return NewFailure(UnsupportedLevel, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return NewFailure(ResourceExceeded, err)
	}

	return NewFailure(InternalInvariantViolation, err)
}
