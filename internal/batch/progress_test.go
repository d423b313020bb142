package batch_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/reforged/reforge/internal/batch"
	"github.com/reforged/reforge/internal/event"
	"github.com/stretchr/testify/assert"
)

func TestProgressObserver_CountsCompletedJobs(t *testing.T) {
	bus := event.New()
	observer := batch.NewProgressObserver(bus)

	for i := 0; i < 3; i++ {
		bus.Dispatch(event.JobCompleteEvent, uuid.New())
	}

	assert.Equal(t, int64(3), observer.Completed())
}

func TestProgressObserver_IgnoresNonTerminalEvents(t *testing.T) {
	bus := event.New()
	observer := batch.NewProgressObserver(bus)

	bus.Dispatch(event.JobUpdateEvent, uuid.New())
	bus.Dispatch(event.BatchCompleteEvent, uuid.New())
	// Invalid payloads never reach handlers at all.
	bus.Dispatch(event.JobCompleteEvent, "not a job id")

	assert.Zero(t, observer.Completed())
}
