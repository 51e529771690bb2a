// Package events fans out change notifications from the stage machine and the
// feedback board. Delivery is asynchronous and best effort: a slow or failing
// subscriber never blocks or fails the write that produced the event.
package events

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrBusClosed is returned by Publish after Stop.
	ErrBusClosed = errors.New("event bus is closed")
	// ErrChannelFull is returned when the queue is at capacity; the event is dropped.
	ErrChannelFull = errors.New("event channel is full")
	// ErrNoHandler is returned when nobody subscribed to the event type.
	ErrNoHandler = errors.New("no handlers registered for event type")
)

// Event types published by the stage machine, the feedback board and the planner.
const (
	ItemCreated           = "item_created"
	StageAdvanced         = "stage_advanced"
	StageRejected         = "stage_rejected"
	ItemAnnotated         = "item_annotated"
	FeedbackPosted        = "feedback_posted"
	FeedbackReplied       = "feedback_replied"
	FeedbackStatusChanged = "feedback_status_changed"
	PlanCreated           = "plan_created"
	PlanStatusChanged     = "plan_status_changed"
	GateRecorded          = "gate_recorded"
)

// AllTypes lists every event type, for subscribers that want everything.
var AllTypes = []string{
	ItemCreated, StageAdvanced, StageRejected, ItemAnnotated,
	FeedbackPosted, FeedbackReplied, FeedbackStatusChanged,
	PlanCreated, PlanStatusChanged, GateRecorded,
}

// Event represents a change to a workflow item, feedback thread or plan.
type Event struct {
	Type       string
	EntityID   string // workflow item, feedback thread or plan id
	Data       map[string]interface{}
	OccurredAt time.Time // set by Publish when zero
}

// EventHandler reacts to one event.
type EventHandler interface {
	Handle(ctx context.Context, event Event) error
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ctx context.Context, event Event) error

// Handle calls f.
func (f EventHandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// EventBus queues published events and delivers them from one worker
// goroutine, so subscribers see the events of an entity in commit order.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[string][]EventHandler

	// stateMu guards closed and is held for reading across every send,
	// so Stop never closes eventCh under a sender.
	stateMu sync.RWMutex
	closed  bool
	eventCh chan Event
	wg      sync.WaitGroup

	logger      *zap.Logger
	onError     func(event Event, err error)
	syncTimeout time.Duration
	now         func() time.Time
}

// EventBusOption configures an EventBus.
type EventBusOption func(*EventBus)

// WithBufferSize sets how many events may wait for the worker.
func WithBufferSize(size int) EventBusOption {
	return func(eb *EventBus) {
		if size > 0 {
			eb.eventCh = make(chan Event, size)
		}
	}
}

// WithErrorHandler replaces the default handler-error logger.
func WithErrorHandler(handler func(event Event, err error)) EventBusOption {
	return func(eb *EventBus) {
		if handler != nil {
			eb.onError = handler
		}
	}
}

// WithLogger sets the logger used by the default error handler.
func WithLogger(logger *zap.Logger) EventBusOption {
	return func(eb *EventBus) {
		if logger != nil {
			eb.logger = logger
		}
	}
}

// WithSyncTimeout caps how long PublishSync waits for handlers. Default 5s.
func WithSyncTimeout(d time.Duration) EventBusOption {
	return func(eb *EventBus) {
		if d > 0 {
			eb.syncTimeout = d
		}
	}
}

// WithClock sets the clock used to stamp events.
func WithClock(now func() time.Time) EventBusOption {
	return func(eb *EventBus) {
		if now != nil {
			eb.now = now
		}
	}
}

// NewEventBus starts a bus with a queue of 100 events. Handler errors and
// panics are logged unless WithErrorHandler says otherwise. Call Stop to
// drain the queue and release the worker.
func NewEventBus(options ...EventBusOption) *EventBus {
	eb := &EventBus{
		handlers:    make(map[string][]EventHandler),
		eventCh:     make(chan Event, 100),
		logger:      zap.NewNop(),
		syncTimeout: 5 * time.Second,
		now:         time.Now,
	}
	eb.onError = eb.logError

	for _, option := range options {
		option(eb)
	}

	eb.wg.Add(1)
	go eb.run()

	return eb
}

// Subscribe registers handler for eventType.
func (eb *EventBus) Subscribe(eventType string, handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers[eventType] = append(eb.handlers[eventType], handler)
}

// SubscribeFunc registers a function for eventType.
func (eb *EventBus) SubscribeFunc(eventType string, handlerFunc func(ctx context.Context, event Event) error) {
	eb.Subscribe(eventType, EventHandlerFunc(handlerFunc))
}

// SubscribeAll registers handler for every type in AllTypes.
func (eb *EventBus) SubscribeAll(handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	for _, et := range AllTypes {
		eb.handlers[et] = append(eb.handlers[et], handler)
	}
}

// Unsubscribe removes handler from eventType and reports whether it was
// registered. Order of the remaining handlers is not kept.
func (eb *EventBus) Unsubscribe(eventType string, handler EventHandler) bool {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	handlers := eb.handlers[eventType]
	for i, h := range handlers {
		if !sameHandler(h, handler) {
			continue
		}
		handlers[i] = handlers[len(handlers)-1]
		handlers = handlers[:len(handlers)-1]
		if len(handlers) == 0 {
			delete(eb.handlers, eventType)
		} else {
			eb.handlers[eventType] = handlers
		}
		return true
	}
	return false
}

// sameHandler compares by identity; func values are not comparable with ==.
func sameHandler(a, b EventHandler) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Type() != vb.Type() {
		return false
	}
	switch va.Kind() {
	case reflect.Func, reflect.Ptr, reflect.Map, reflect.Chan, reflect.Slice, reflect.UnsafePointer:
		return va.Pointer() == vb.Pointer()
	}
	return va.Type().Comparable() && a == b
}

// HasSubscribers reports whether eventType has at least one handler.
func (eb *EventBus) HasSubscribers(eventType string) bool {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.handlers[eventType]) > 0
}

func (eb *EventBus) handlersFor(eventType string) []EventHandler {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return append([]EventHandler(nil), eb.handlers[eventType]...)
}

// Publish queues event for the worker. It never waits for room in the
// queue: a full queue drops the event with ErrChannelFull.
func (eb *EventBus) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	eb.stateMu.RLock()
	defer eb.stateMu.RUnlock()
	if eb.closed {
		return ErrBusClosed
	}
	if !eb.HasSubscribers(event.Type) {
		return ErrNoHandler
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = eb.now()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case eb.eventCh <- event:
		return nil
	default:
		return ErrChannelFull
	}
}

// PublishSync runs every handler for event, waits for them and returns their
// errors. The run is bounded by the sync timeout.
func (eb *EventBus) PublishSync(ctx context.Context, event Event) []error {
	eb.stateMu.RLock()
	closed := eb.closed
	eb.stateMu.RUnlock()
	if closed {
		return []error{ErrBusClosed}
	}

	handlers := eb.handlersFor(event.Type)
	if len(handlers) == 0 {
		return []error{ErrNoHandler}
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = eb.now()
	}

	ctx, cancel := context.WithTimeout(ctx, eb.syncTimeout)
	defer cancel()
	return dispatch(ctx, handlers, event)
}

// Stop refuses new events, delivers the ones already queued and waits for
// the worker to exit. It is safe to call more than once.
func (eb *EventBus) Stop() {
	eb.stateMu.Lock()
	if !eb.closed {
		eb.closed = true
		close(eb.eventCh)
	}
	eb.stateMu.Unlock()

	eb.wg.Wait()
}

func (eb *EventBus) run() {
	defer eb.wg.Done()

	for event := range eb.eventCh {
		handlers := eb.handlersFor(event.Type)
		if len(handlers) == 0 {
			continue
		}
		for _, err := range dispatch(context.Background(), handlers, event) {
			eb.onError(event, err)
		}
	}
}

// dispatch runs handlers concurrently and waits for all of them. A panicking
// handler is reported as an error.
func dispatch(ctx context.Context, handlers []EventHandler, event Event) []error {
	errs := make([]error, len(handlers))
	var wg sync.WaitGroup
	for i, h := range handlers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errs[i] = fmt.Errorf("handler panic: %v", r)
				}
			}()
			errs[i] = h.Handle(ctx, event)
		}()
	}
	wg.Wait()

	out := errs[:0]
	for _, err := range errs {
		if err != nil {
			out = append(out, err)
		}
	}
	return out
}

func (eb *EventBus) logError(event Event, err error) {
	eb.logger.Error("event handler failed",
		zap.String("event", event.Type),
		zap.String("entity_id", event.EntityID),
		zap.Error(err),
		zap.Stack("stack"),
	)
}

// LogHandler returns a handler that writes every event it receives to logger.
func LogHandler(logger *zap.Logger) EventHandler {
	return EventHandlerFunc(func(ctx context.Context, event Event) error {
		logger.Info("workflow event",
			zap.String("event", event.Type),
			zap.String("entity_id", event.EntityID),
			zap.Time("occurred_at", event.OccurredAt),
			zap.Any("data", event.Data),
		)
		return nil
	})
}
