package batch

import (
	"sync/atomic"

	"github.com/reforged/reforge/internal/event"
	"github.com/reforged/reforge/pkg/logger"
)

// ProgressObserver is the read side of the event bus: the workers and
// the aggregator dispatch job lifecycle events without knowing who
// listens, and this observer turns them in to operator-facing progress
// reporting for long batches.
type ProgressObserver struct {
	completed atomic.Int64
}

func NewProgressObserver(bus event.EventHandler) *ProgressObserver {
	observer := &ProgressObserver{}
	bus.RegisterHandlerFunction(event.JobUpdateEvent, observer.onJobUpdate)
	bus.RegisterHandlerFunction(event.JobCompleteEvent, observer.onJobComplete)
	bus.RegisterHandlerFunction(event.BatchCompleteEvent, observer.onBatchComplete)
	return observer
}

// Completed reports how many jobs have reached a terminal state so
// far.
func (observer *ProgressObserver) Completed() int64 {
	return observer.completed.Load()
}

func (observer *ProgressObserver) onJobUpdate(ev event.Event, payload event.Payload) {
	log.Emit(logger.DEBUG, "Job %s changed state\n", payload)
}

func (observer *ProgressObserver) onJobComplete(ev event.Event, payload event.Payload) {
	total := observer.completed.Add(1)
	log.Emit(logger.INFO, "Job %s reached a terminal state (%d completed so far)\n", payload, total)
}

func (observer *ProgressObserver) onBatchComplete(ev event.Event, payload event.Payload) {
	log.Emit(logger.INFO, "Batch %s fully accounted for after %d job(s)\n", payload, observer.completed.Load())
}
