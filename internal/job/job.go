package job

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/reforged/reforge/internal/media"
	"github.com/reforged/reforge/internal/policy"
)

type Status int

const (
	Pending Status = iota
	Running
	Succeeded
	Failed
)

func (status Status) String() string {
	switch status {
	case Pending:
		return "Pending"
	case Running:
		return "Running"
	case Succeeded:
		return "Succeeded"
	case Failed:
		return "Failed"
	}

	return fmt.Sprintf("Status[%d]", status)
}

// SanitizationJob is the unit of work of the CDR pipeline: exactly one
// input file, it's classification record and it's reconstruction plan.
// A job is owned exclusively by a single executor goroutine for it's
// lifetime and transitions it's status monotonically forward
// (Pending → Running → Succeeded|Failed); it never re-enters Pending.
type SanitizationJob struct {
	id     uuid.UUID
	media  *media.MediaRecord
	plan   *policy.ReconstructionPlan
	status Status

	startedAt  time.Time
	finishedAt time.Time
	outputPath string
	failure    *Failure

	peakRSSBytes int64
	cpuTime      time.Duration
}

// New creates a Pending job for the record and plan provided. The plan
// may be nil for jobs that failed before the policy engine could
// produce one (e.g. classification failures); such jobs can only
// transition to Failed.
func New(record *media.MediaRecord, plan *policy.ReconstructionPlan) *SanitizationJob {
	return &SanitizationJob{
		id:     uuid.New(),
		media:  record,
		plan:   plan,
		status: Pending,
	}
}

func (jb *SanitizationJob) ID() uuid.UUID                    { return jb.id }
func (jb *SanitizationJob) Media() *media.MediaRecord        { return jb.media }
func (jb *SanitizationJob) Plan() *policy.ReconstructionPlan { return jb.plan }
func (jb *SanitizationJob) Status() Status                   { return jb.status }
func (jb *SanitizationJob) OutputPath() string               { return jb.outputPath }
func (jb *SanitizationJob) Failure() *Failure                { return jb.failure }

func (jb *SanitizationJob) String() string {
	return fmt.Sprintf("Job{id=%s source=%s status=%s}", jb.id, jb.media.SourcePath, jb.status)
}

// Begin transitions the job from Pending to Running. Any other
// starting state is an invariant violation.
func (jb *SanitizationJob) Begin() error {
	if jb.status != Pending {
		return Failuref(InternalInvariantViolation, "cannot begin job %s from status %s", jb.id, jb.status)
	}

	jb.status = Running
	jb.startedAt = time.Now()
	return nil
}

// Succeed transitions the job from Running to Succeeded, recording the
// path of the verified-safe output artifact.
func (jb *SanitizationJob) Succeed(outputPath string) error {
	if jb.status != Running {
		return Failuref(InternalInvariantViolation, "cannot mark job %s succeeded from status %s", jb.id, jb.status)
	}

	jb.status = Succeeded
	jb.outputPath = outputPath
	jb.finishedAt = time.Now()
	return nil
}

// Fail terminally fails the job. Jobs may fail from Pending (when
// classification or planning rejected them before execution) or from
// Running; a terminal state never transitions again.
func (jb *SanitizationJob) Fail(failure *Failure) error {
	if jb.status == Succeeded || jb.status == Failed {
		return Failuref(InternalInvariantViolation, "cannot fail job %s from terminal status %s", jb.id, jb.status)
	}

	if jb.startedAt.IsZero() {
		jb.startedAt = time.Now()
	}

	jb.status = Failed
	jb.failure = failure
	jb.finishedAt = time.Now()
	return nil
}

// ObserveUsage records the peak resource consumption the executor
// measured for this jobs subprocesses.
func (jb *SanitizationJob) ObserveUsage(peakRSSBytes int64, cpuTime time.Duration) {
	jb.peakRSSBytes = peakRSSBytes
	jb.cpuTime = cpuTime
}

func (jb *SanitizationJob) Elapsed() time.Duration {
	if jb.startedAt.IsZero() || jb.finishedAt.IsZero() {
		return 0
	}

	return jb.finishedAt.Sub(jb.startedAt)
}

// SanitizationResult is the immutable terminal record of a job,
// produced exactly once when the job reaches a terminal state.
type SanitizationResult struct {
	JobID       uuid.UUID    `json:"job_id"`
	SourcePath  string       `json:"source_path"`
	OutputPath  string       `json:"output_path,omitempty"`
	FailureKind *FailureKind `json:"failure_kind,omitempty"`
	FailureInfo string       `json:"failure_info,omitempty"`
	ElapsedMs   int64        `json:"elapsed_ms"`

	PeakRSSBytes int64 `json:"peak_rss_bytes,omitempty"`
	CPUTimeMs    int64 `json:"cpu_time_ms,omitempty"`
}

// Result derives the terminal record for this job. Calling it on a
// non-terminal job is an invariant violation.
func (jb *SanitizationJob) Result() (SanitizationResult, error) {
	if jb.status != Succeeded && jb.status != Failed {
		return SanitizationResult{}, Failuref(InternalInvariantViolation, "cannot produce result for job %s in non-terminal status %s", jb.id, jb.status)
	}

	result := SanitizationResult{
		JobID:        jb.id,
		SourcePath:   jb.media.SourcePath,
		ElapsedMs:    jb.Elapsed().Milliseconds(),
		PeakRSSBytes: jb.peakRSSBytes,
		CPUTimeMs:    jb.cpuTime.Milliseconds(),
	}

	if jb.status == Succeeded {
		result.OutputPath = jb.outputPath
	} else {
		kind := jb.failure.Kind
		result.FailureKind = &kind
		result.FailureInfo = jb.failure.Error()
	}

	return result, nil
}
