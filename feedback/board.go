package feedback

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/songzhibin97/gkit/generator"
	"go.uber.org/zap"

	"github.com/songzhibin97/shopfloor-flow/events"
	"github.com/songzhibin97/shopfloor-flow/storage"
	"github.com/songzhibin97/shopfloor-flow/types"
)

// replyRetries bounds how often Reply re-reads a thread after losing a race.
const replyRetries = 5

// Board manages feedback threads and enforces who may change their status.
type Board struct {
	store    storage.Storage
	generate generator.Generator
	eventBus *events.EventBus
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures a Board.
type Option func(*Board)

// WithEventBus publishes thread changes to bus.
func WithEventBus(bus *events.EventBus) Option {
	return func(b *Board) { b.eventBus = bus }
}

// WithLogger sets the board logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Board) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Board) {
		if now != nil {
			b.now = now
		}
	}
}

// NewBoard creates a Board backed by store.
func NewBoard(generate generator.Generator, store storage.Storage, opts ...Option) (*Board, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if store == nil {
		store = storage.NewMemoryStorage()
	}
	b := &Board{
		store:    store,
		generate: generate,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// PostOption configures Post.
type PostOption func(*postOptions)

type postOptions struct {
	id string
}

// WithThreadID makes Post use id instead of generating one.
func WithThreadID(id string) PostOption {
	return func(o *postOptions) { o.id = id }
}

// Post opens a new Active thread from one person to another.
func (b *Board) Post(ctx context.Context, from, to string, typ types.FeedbackType, message string, opts ...PostOption) (types.FeedbackThread, error) {
	from, to, message = strings.TrimSpace(from), strings.TrimSpace(to), strings.TrimSpace(message)
	switch {
	case from == "" || to == "":
		return types.FeedbackThread{}, fmt.Errorf("%w: sender and recipient are required", types.ErrValidationFailed)
	case !typ.Valid():
		return types.FeedbackThread{}, fmt.Errorf("%w: unknown feedback type %q", types.ErrValidationFailed, typ)
	case message == "":
		return types.FeedbackThread{}, fmt.Errorf("%w: message is required", types.ErrValidationFailed)
	}

	var o postOptions
	for _, opt := range opts {
		opt(&o)
	}
	id := o.id
	if id == "" {
		next, err := b.generate.NextID()
		if err != nil {
			return types.FeedbackThread{}, fmt.Errorf("failed to generate ID: %w", err)
		}
		id = strconv.FormatUint(next, 10)
	}

	now := b.now().UnixMilli()
	thread := types.FeedbackThread{
		ID:        id,
		From:      from,
		To:        to,
		Type:      typ,
		Message:   message,
		Status:    types.FeedbackActive,
		Replies:   []types.Reply{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := b.store.CreateThread(ctx, thread); err != nil {
		return types.FeedbackThread{}, err
	}

	b.logger.Info("feedback posted", zap.String("id", id), zap.String("from", from), zap.String("to", to), zap.String("type", string(typ)))
	b.publishEvent(ctx, events.FeedbackPosted, id, map[string]interface{}{
		"from": from,
		"to":   to,
		"type": string(typ),
	})
	return thread, nil
}

// Get returns one thread.
func (b *Board) Get(ctx context.Context, id string) (types.FeedbackThread, error) {
	return b.store.GetThread(ctx, id)
}

// Reply appends a message to a thread. Replies commute, so a lost race is
// retried against a fresh read instead of surfacing a conflict.
func (b *Board) Reply(ctx context.Context, threadID, from, message string) (types.FeedbackThread, error) {
	from, message = strings.TrimSpace(from), strings.TrimSpace(message)
	if from == "" {
		return types.FeedbackThread{}, fmt.Errorf("%w: sender is required", types.ErrValidationFailed)
	}
	if message == "" {
		return types.FeedbackThread{}, fmt.Errorf("%w: reply message is required", types.ErrValidationFailed)
	}

	var updated types.FeedbackThread
	appendReply := func() error {
		current, err := b.store.GetThread(ctx, threadID)
		if err != nil {
			return backoff.Permanent(err)
		}
		updated, err = b.store.UpdateThread(ctx, threadID, current.Version, func(t *types.FeedbackThread) error {
			if t.Status == types.FeedbackCompleted {
				return fmt.Errorf("%w: thread %s is completed", types.ErrIllegalTransition, t.ID)
			}
			now := b.now().UnixMilli()
			t.Replies = append(t.Replies, types.Reply{From: from, Message: message, Timestamp: now})
			t.UpdatedAt = now
			return nil
		})
		if err != nil && !errors.Is(err, types.ErrConflictingUpdate) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 5 * time.Millisecond
	policy.MaxInterval = 50 * time.Millisecond
	if err := backoff.Retry(appendReply, backoff.WithContext(backoff.WithMaxRetries(policy, replyRetries), ctx)); err != nil {
		return types.FeedbackThread{}, err
	}

	b.logger.Info("feedback replied", zap.String("id", threadID), zap.String("from", from))
	b.publishEvent(ctx, events.FeedbackReplied, threadID, map[string]interface{}{
		"from":    from,
		"replies": len(updated.Replies),
	})
	return updated, nil
}

// SetStatus moves a thread to status on behalf of actor. See CheckTransition
// for the rules.
func (b *Board) SetStatus(ctx context.Context, threadID string, status types.FeedbackStatus, actor types.Actor) (types.FeedbackThread, error) {
	if !status.Valid() {
		return types.FeedbackThread{}, fmt.Errorf("%w: unknown feedback status %q", types.ErrValidationFailed, status)
	}
	if !actor.Role.Valid() {
		return types.FeedbackThread{}, fmt.Errorf("%w: unknown role %q", types.ErrValidationFailed, actor.Role)
	}

	current, err := b.store.GetThread(ctx, threadID)
	if err != nil {
		return types.FeedbackThread{}, err
	}
	var from types.FeedbackStatus
	updated, err := b.store.UpdateThread(ctx, threadID, current.Version, func(t *types.FeedbackThread) error {
		if err := CheckTransition(*t, status, actor); err != nil {
			return err
		}
		from = t.Status
		t.Status = status
		t.UpdatedAt = b.now().UnixMilli()
		return nil
	})
	if err != nil {
		return types.FeedbackThread{}, err
	}

	b.logger.Info("feedback status changed",
		zap.String("id", threadID),
		zap.String("from", string(from)),
		zap.String("to", string(status)),
		zap.String("actor", actor.Name),
		zap.String("role", string(actor.Role)),
	)
	b.publishEvent(ctx, events.FeedbackStatusChanged, threadID, map[string]interface{}{
		"from":  string(from),
		"to":    string(status),
		"actor": actor.Name,
	})
	return updated, nil
}

// List returns the threads visible in view, oldest first. The employee view
// holds the threads viewer sent or received, or every thread when viewer is
// empty. Manager and hr views hold every thread.
func (b *Board) List(ctx context.Context, view types.Role, viewer string) ([]types.FeedbackThread, error) {
	if !view.Valid() {
		return nil, fmt.Errorf("%w: unknown view %q", types.ErrValidationFailed, view)
	}
	var filter types.ThreadFilter
	if view == types.RoleEmployee && viewer != "" {
		filter = func(t types.FeedbackThread) bool {
			return t.From == viewer || t.To == viewer
		}
	}

	threads := []types.FeedbackThread{}
	for t, err := range b.store.ListThreads(ctx, filter) {
		if err != nil {
			return nil, err
		}
		threads = append(threads, t)
	}
	return threads, nil
}

func (b *Board) publishEvent(ctx context.Context, eventType, id string, data map[string]interface{}) {
	if b.eventBus == nil || !b.eventBus.HasSubscribers(eventType) {
		return
	}
	if err := b.eventBus.Publish(ctx, events.Event{Type: eventType, EntityID: id, Data: data}); err != nil {
		b.logger.Warn("failed to publish event", zap.String("event", eventType), zap.String("id", id), zap.Error(err))
	}
}
