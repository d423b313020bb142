// A collection of event names and common methods used to handle the
// events, typically redirecting the handling to a service method via
// the handler interfaces below.
package event

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/google/uuid"
	"github.com/reforged/reforge/pkg/logger"
)

var log = logger.Get("Events")

// Events emitted by parts of the pipeline that should be handled by
// another, silo'd part of the architecture (e.g. the aggregator
// observing job completion without the executor knowing about it).
type (
	Event         string
	Payload       any
	HandlerMethod func(Event, Payload)

	HandlerChannel chan HandlerEvent
	HandlerEvent   struct {
		Event   Event
		Payload Payload
	}

	EventDispatcher interface {
		Dispatch(Event, Payload)
	}

	EventHandler interface {
		RegisterAsyncHandlerFunction(Event, HandlerMethod)
		RegisterHandlerFunction(Event, HandlerMethod)
		RegisterHandlerChannel(HandlerChannel, ...Event)
	}

	EventCoordinator interface {
		EventDispatcher
		EventHandler
	}

	eventHandler struct {
		fnHandlers   map[Event][]handlerMethod
		chanHandlers map[Event][]HandlerChannel
	}

	handlerMethod struct {
		handle HandlerMethod
		async  bool
	}
)

const (
	// JobUpdateEvent fires on every job status transition. Payload is
	// the job ID.
	JobUpdateEvent Event = "job:update"

	// JobCompleteEvent fires when a job reaches a terminal state.
	// Payload is the job ID.
	JobCompleteEvent Event = "job:complete"

	// BatchCompleteEvent fires once per run, after every submitted
	// job has been accounted for. Payload is the batch ID.
	BatchCompleteEvent Event = "batch:complete"
)

func New() EventCoordinator {
	return &eventHandler{
		fnHandlers:   make(map[Event][]handlerMethod),
		chanHandlers: make(map[Event][]HandlerChannel),
	}
}

// RegisterHandlerChannel takes an event type and a channel and will
// send messages on the channel any time a Dispatch for the provided
// event occurs. Can be used multiple times for different events on the
// same channel.
//
// If the channel is BLOCKED when the event bus attempts to send, the
// dispatching thread blocks too; buffer handler channels appropriately.
func (handler *eventHandler) RegisterHandlerChannel(handle HandlerChannel, events ...Event) {
	for _, event := range events {
		handler.chanHandlers[event] = append(handler.chanHandlers[event], handle)
	}
}

// RegisterHandlerFunction stores a handler method which is called with
// the payload whenever the event is dispatched. The handle provided
// should return quickly, else other threads dispatching on this bus
// will be blocked.
func (handler *eventHandler) RegisterHandlerFunction(event Event, handle HandlerMethod) {
	handler.registerHandlerMethod(event, handlerMethod{handle, false})
}

// RegisterAsyncHandlerFunction stores a handler method which is called
// inside of a goroutine when the event is dispatched.
func (handler *eventHandler) RegisterAsyncHandlerFunction(event Event, handle HandlerMethod) {
	handler.registerHandlerMethod(event, handlerMethod{handle, true})
}

func (handler *eventHandler) registerHandlerMethod(event Event, handle handlerMethod) {
	handler.fnHandlers[event] = append(handler.fnHandlers[event], handle)
}

// Dispatch delivers the payload to every handler registered for the
// event. Note that this method WILL block if a synchronous handler
// function blocks, or if channel handlers are blocked.
func (handler *eventHandler) Dispatch(event Event, payload Payload) {
	if err := handler.validatePayload(event, payload); err != nil {
		log.Errorf("Dispatch for event %v FAILED validation: %v\n", event, err)
		return
	}

	if handles, ok := handler.fnHandlers[event]; ok {
		for _, handle := range handles {
			if handle.async {
				go handle.handle(event, payload)
			} else {
				handle.handle(event, payload)
			}
		}
	}

	if handles, ok := handler.chanHandlers[event]; ok {
		payload := HandlerEvent{event, payload}
		for _, handle := range handles {
			handle <- payload
		}
	}
}

// validatePayload ensures that the payload provided is valid for the
// event specified; invalid payloads never reach registered handlers.
func (handler *eventHandler) validatePayload(event Event, payload Payload) error {
	var payloadTypeName string
	if t := reflect.TypeOf(payload); t != nil {
		payloadTypeName = t.Name()
	} else {
		payloadTypeName = "Nil"
	}

	switch event {
	case JobUpdateEvent, JobCompleteEvent, BatchCompleteEvent:
		if _, ok := payload.(uuid.UUID); !ok {
			return fmt.Errorf("illegal payload (type %s) for %s event; expected uuid.UUID payload", payloadTypeName, event)
		}

		return nil
	}

	return errors.New("event type not recognized for validation")
}
