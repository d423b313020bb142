package batch

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/reforged/reforge/internal/event"
	"github.com/reforged/reforge/internal/job"
)

// SkippedFile reports an input directory entry that was excluded from
// the batch before a job was ever created for it (directories,
// symlinks, hidden files). Exclusions are reported, never silent.
type SkippedFile struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Summary is the machine-readable outcome of one batch run. Every
// submitted job is accounted for exactly once.
type Summary struct {
	BatchID        uuid.UUID                `json:"batch_id"`
	Total          int                      `json:"total"`
	Succeeded      int                      `json:"succeeded"`
	Failed         int                      `json:"failed"`
	FailuresByKind map[string]int           `json:"failures_by_kind,omitempty"`
	Skipped        []SkippedFile            `json:"skipped,omitempty"`
	Results        []job.SanitizationResult `json:"results"`
}

// ExitCode implements the process exit contract: non-zero when one or
// more files failed, even if others succeeded.
func (summary *Summary) ExitCode() int {
	if summary.Failed > 0 {
		return 1
	}

	return 0
}

// Aggregator collects exactly one terminal result per job and derives
// the batch summary. Duplicate job IDs are rejected as an invariant
// violation; a recorded result is never overwritten. Each result is
// also appended to a JSONL processing log next to the output files.
type Aggregator struct {
	mu       sync.Mutex
	batchID  uuid.UUID
	results  map[uuid.UUID]job.SanitizationResult
	order    []uuid.UUID
	skipped  []SkippedFile
	logFile  *os.File
	eventBus event.EventDispatcher
}

func NewAggregator(logPath string, eventBus event.EventDispatcher) (*Aggregator, error) {
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open processing log '%s': %w", logPath, err)
	}

	return &Aggregator{
		batchID:  uuid.New(),
		results:  make(map[uuid.UUID]job.SanitizationResult),
		logFile:  logFile,
		eventBus: eventBus,
	}, nil
}

func (agg *Aggregator) BatchID() uuid.UUID { return agg.batchID }

// Record stores the terminal result of a job. Recording a job ID twice
// is rejected with an InternalInvariantViolation; the stored result is
// left untouched.
func (agg *Aggregator) Record(result job.SanitizationResult) error {
	agg.mu.Lock()
	if _, exists := agg.results[result.JobID]; exists {
		agg.mu.Unlock()
		return job.Failuref(job.InternalInvariantViolation, "result for job %s has already been recorded", result.JobID)
	}

	agg.results[result.JobID] = result
	agg.order = append(agg.order, result.JobID)
	agg.appendLogEntry(resultLogEntry(result))
	agg.mu.Unlock()

	agg.eventBus.Dispatch(event.JobCompleteEvent, result.JobID)
	return nil
}

// ReportSkipped records an excluded input entry for the summary.
func (agg *Aggregator) ReportSkipped(path string, reason string) {
	agg.mu.Lock()
	defer agg.mu.Unlock()

	agg.skipped = append(agg.skipped, SkippedFile{Path: path, Reason: reason})
	agg.appendLogEntry(logEntry{
		Timestamp: time.Now().Format(time.RFC3339),
		Type:      "SKIP",
		Message:   reason,
		File:      path,
	})
}

// Summarize produces the batch summary from every result recorded so
// far, in recording order.
func (agg *Aggregator) Summarize() *Summary {
	agg.mu.Lock()
	defer agg.mu.Unlock()

	summary := &Summary{
		BatchID:        agg.batchID,
		Total:          len(agg.order),
		FailuresByKind: make(map[string]int),
		Skipped:        agg.skipped,
		Results:        make([]job.SanitizationResult, 0, len(agg.order)),
	}

	for _, id := range agg.order {
		result := agg.results[id]
		summary.Results = append(summary.Results, result)

		if result.FailureKind == nil {
			summary.Succeeded++
		} else {
			summary.Failed++
			summary.FailuresByKind[result.FailureKind.String()]++
		}
	}

	if len(summary.FailuresByKind) == 0 {
		summary.FailuresByKind = nil
	}

	return summary
}

func (agg *Aggregator) Close() {
	agg.mu.Lock()
	defer agg.mu.Unlock()

	agg.logFile.Close()
}

type logEntry struct {
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Message   string `json:"message"`
	File      string `json:"file,omitempty"`
	Output    string `json:"output,omitempty"`
	ElapsedMs int64  `json:"elapsed_ms,omitempty"`
}

func resultLogEntry(result job.SanitizationResult) logEntry {
	entry := logEntry{
		Timestamp: time.Now().Format(time.RFC3339),
		File:      result.SourcePath,
		ElapsedMs: result.ElapsedMs,
	}

	if result.FailureKind == nil {
		entry.Type = "SUCCESS"
		entry.Message = "file sanitized successfully"
		entry.Output = result.OutputPath
	} else {
		entry.Type = "ERROR"
		entry.Message = result.FailureInfo
	}

	return entry
}

// appendLogEntry writes one JSONL line; callers hold the mutex. Log
// failures are non-fatal to the batch.
func (agg *Aggregator) appendLogEntry(entry logEntry) {
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}

	line = append(line, '\n')
	_, _ = agg.logFile.Write(line)
}
