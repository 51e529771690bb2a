package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"github.com/songzhibin97/shopfloor-flow/events"
	"github.com/songzhibin97/shopfloor-flow/rules"
	"github.com/songzhibin97/shopfloor-flow/storage"
	"github.com/songzhibin97/shopfloor-flow/types"
	"go.uber.org/zap"
)

// reservedAttributes cannot be set through the attribute payload; they are
// owned by the item itself.
var reservedAttributes = map[string]bool{
	"id": true, "kind": true, "stage": true, "status": true, "history": true, "version": true,
}

// GuardFunc is a transition predicate over an item's attributes.
type GuardFunc func(attributes map[string]interface{}) (bool, error)

// Machine is the generic stage machine shared by every workflow kind. Kinds
// differ only in the Definition data they register.
//
// Every mutation goes through storage.Storage.UpdateItem with the version of
// the snapshot the caller passed in, so a stale snapshot fails with
// types.ErrConflictingUpdate instead of overwriting a newer state.
type Machine struct {
	registry  *Registry
	store     storage.Storage
	evaluator rules.Evaluator
	generate  generator.Generator
	eventBus  *events.EventBus
	logger    *zap.Logger
	now       func() time.Time
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithRegistry replaces the default stage tables.
func WithRegistry(r *Registry) MachineOption {
	return func(m *Machine) {
		if r != nil {
			m.registry = r
		}
	}
}

// WithEventBus publishes item changes to bus.
func WithEventBus(bus *events.EventBus) MachineOption {
	return func(m *Machine) { m.eventBus = bus }
}

// WithLogger sets the machine logger.
func WithLogger(logger *zap.Logger) MachineOption {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock overrides the time source used for history timestamps.
func WithClock(now func() time.Time) MachineOption {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMachine creates a Machine with the given generator and storage.
func NewMachine(generate generator.Generator, store storage.Storage, evaluator rules.Evaluator, opts ...MachineOption) (*Machine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if store == nil {
		store = storage.NewMemoryStorage()
	}
	if evaluator == nil {
		evaluator = rules.NewExprEvaluator()
	}

	m := &Machine{
		registry:  DefaultRegistry(),
		store:     store,
		evaluator: evaluator,
		generate:  generate,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Definition returns the stage table for kind.
func (m *Machine) Definition(kind types.Kind) (Definition, error) {
	return m.registry.Lookup(kind)
}

// CreateOption configures Create.
type CreateOption func(*createOptions)

type createOptions struct {
	id string
}

// WithID makes Create use id instead of generating one.
func WithID(id string) CreateOption {
	return func(o *createOptions) { o.id = id }
}

// GenerateID generates a unique ID using the configured generator.
func (m *Machine) GenerateID() (string, error) {
	id, err := m.generate.NextID()
	if err != nil {
		return "", fmt.Errorf("failed to generate ID: %w", err)
	}
	return strconv.FormatUint(id, 10), nil
}

// Create starts a new item of kind in its initial stage with an empty history.
func (m *Machine) Create(ctx context.Context, kind types.Kind, attributes map[string]interface{}, opts ...CreateOption) (types.WorkflowItem, error) {
	def, err := m.Definition(kind)
	if err != nil {
		return types.WorkflowItem{}, err
	}
	if err := checkReserved(attributes); err != nil {
		return types.WorkflowItem{}, err
	}

	var o createOptions
	for _, opt := range opts {
		opt(&o)
	}
	id := o.id
	if id == "" {
		if id, err = m.GenerateID(); err != nil {
			return types.WorkflowItem{}, err
		}
	}

	attrs := types.CloneAttributes(attributes)
	if attrs == nil {
		attrs = make(map[string]interface{})
	}
	now := m.now().UnixMilli()
	item := types.WorkflowItem{
		ID:         id,
		Kind:       kind,
		Stage:      def.Initial(),
		Status:     def.StatusOf(def.Initial()),
		Attributes: attrs,
		History:    []types.HistoryEntry{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.store.CreateItem(ctx, item); err != nil {
		return types.WorkflowItem{}, err
	}

	m.logger.Debug("workflow item created", zap.String("id", id), zap.String("kind", string(kind)))
	m.publishEvent(ctx, events.ItemCreated, id, map[string]interface{}{
		"kind":  string(kind),
		"stage": item.Stage,
	})
	return item, nil
}

// Guard returns the predicate guarding from -> to for kind, if any.
func (m *Machine) Guard(kind types.Kind, from, to string) (GuardFunc, bool) {
	def, err := m.Definition(kind)
	if err != nil {
		return nil, false
	}
	expression, ok := def.Guard(from, to)
	if !ok {
		return nil, false
	}
	return func(attributes map[string]interface{}) (bool, error) {
		return m.evaluator.Evaluate(expression, types.CloneAttributes(attributes))
	}, true
}

// checkGuard fails with types.ErrValidationFailed unless the guard on
// from -> to holds for attributes. A guard that cannot be evaluated, for
// example because a required attribute is missing, does not hold.
func (m *Machine) checkGuard(kind types.Kind, from, to string, attributes map[string]interface{}) error {
	guard, ok := m.Guard(kind, from, to)
	if !ok {
		return nil
	}
	passed, err := guard(attributes)
	if err != nil {
		return fmt.Errorf("%w: guard for %s -> %s could not be evaluated: %v", types.ErrValidationFailed, from, to, err)
	}
	if !passed {
		return fmt.Errorf("%w: guard for %s -> %s is not satisfied", types.ErrValidationFailed, from, to)
	}
	return nil
}

// Advance moves item to targetStage. The move is legal only when targetStage
// is the immediate successor of the current stage or a whitelisted lateral
// move, and any guard on it holds. One Advanced history entry is appended.
func (m *Machine) Advance(ctx context.Context, item types.WorkflowItem, targetStage, actor string) (types.WorkflowItem, error) {
	if actor == "" {
		return types.WorkflowItem{}, fmt.Errorf("%w: actor is required", types.ErrValidationFailed)
	}
	def, err := m.Definition(item.Kind)
	if err != nil {
		return types.WorkflowItem{}, err
	}

	updated, err := m.store.UpdateItem(ctx, item.ID, item.Version, func(it *types.WorkflowItem) error {
		from := it.Stage
		if !def.HasStage(from) {
			return fmt.Errorf("%w: %s item %s is in unknown stage %q", types.ErrIllegalTransition, it.Kind, it.ID, from)
		}
		if def.IsTerminal(from) {
			return fmt.Errorf("%w: %s item %s is in terminal stage %q", types.ErrIllegalTransition, it.Kind, it.ID, from)
		}
		if !def.HasStage(targetStage) || !def.Allows(from, targetStage) {
			return fmt.Errorf("%w: %s cannot move from %q to %q", types.ErrIllegalTransition, it.Kind, from, targetStage)
		}
		if err := m.checkGuard(it.Kind, from, targetStage, it.Attributes); err != nil {
			return err
		}
		m.moveTo(def, it, targetStage, types.HistoryEntry{
			From:    from,
			To:      targetStage,
			Actor:   actor,
			Outcome: types.OutcomeAdvanced,
		})
		return nil
	})
	if err != nil {
		return types.WorkflowItem{}, err
	}

	m.logger.Info("workflow stage advanced",
		zap.String("id", updated.ID),
		zap.String("kind", string(updated.Kind)),
		zap.String("stage", updated.Stage),
		zap.String("actor", actor),
	)
	m.publishEvent(ctx, events.StageAdvanced, updated.ID, historyData(updated))
	return updated, nil
}

// Reject moves item to its kind's failure stage. It is legal from any
// non-terminal stage and appends one Rejected history entry.
func (m *Machine) Reject(ctx context.Context, item types.WorkflowItem, reason, actor string) (types.WorkflowItem, error) {
	if actor == "" {
		return types.WorkflowItem{}, fmt.Errorf("%w: actor is required", types.ErrValidationFailed)
	}
	def, err := m.Definition(item.Kind)
	if err != nil {
		return types.WorkflowItem{}, err
	}

	updated, err := m.store.UpdateItem(ctx, item.ID, item.Version, func(it *types.WorkflowItem) error {
		if !def.HasStage(it.Stage) || def.IsTerminal(it.Stage) {
			return fmt.Errorf("%w: %s item %s cannot be rejected from %q", types.ErrIllegalTransition, it.Kind, it.ID, it.Stage)
		}
		m.moveTo(def, it, def.FailureStage, types.HistoryEntry{
			From:    it.Stage,
			To:      def.FailureStage,
			Actor:   actor,
			Outcome: types.OutcomeRejected,
			Reason:  reason,
		})
		return nil
	})
	if err != nil {
		return types.WorkflowItem{}, err
	}

	m.logger.Info("workflow item rejected",
		zap.String("id", updated.ID),
		zap.String("kind", string(updated.Kind)),
		zap.String("stage", updated.Stage),
		zap.String("actor", actor),
		zap.String("reason", reason),
	)
	m.publishEvent(ctx, events.StageRejected, updated.ID, historyData(updated))
	return updated, nil
}

// Annotate merges patch into the item's attributes, for example a submitted
// score or a ticked checklist item. Stage and history are untouched. A nil
// value removes the attribute.
func (m *Machine) Annotate(ctx context.Context, item types.WorkflowItem, patch map[string]interface{}, actor string) (types.WorkflowItem, error) {
	if actor == "" {
		return types.WorkflowItem{}, fmt.Errorf("%w: actor is required", types.ErrValidationFailed)
	}
	if len(patch) == 0 {
		return types.WorkflowItem{}, fmt.Errorf("%w: empty attribute patch", types.ErrValidationFailed)
	}
	if err := checkReserved(patch); err != nil {
		return types.WorkflowItem{}, err
	}
	def, err := m.Definition(item.Kind)
	if err != nil {
		return types.WorkflowItem{}, err
	}

	updated, err := m.store.UpdateItem(ctx, item.ID, item.Version, func(it *types.WorkflowItem) error {
		if def.IsTerminal(it.Stage) {
			return fmt.Errorf("%w: %s item %s is closed in stage %q", types.ErrIllegalTransition, it.Kind, it.ID, it.Stage)
		}
		if it.Attributes == nil {
			it.Attributes = make(map[string]interface{}, len(patch))
		}
		for k, v := range types.CloneAttributes(patch) {
			if v == nil {
				delete(it.Attributes, k)
				continue
			}
			it.Attributes[k] = v
		}
		it.UpdatedAt = m.now().UnixMilli()
		return nil
	})
	if err != nil {
		return types.WorkflowItem{}, err
	}

	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	m.logger.Debug("workflow item annotated", zap.String("id", updated.ID), zap.Strings("keys", keys), zap.String("actor", actor))
	m.publishEvent(ctx, events.ItemAnnotated, updated.ID, map[string]interface{}{
		"keys":  keys,
		"actor": actor,
	})
	return updated, nil
}

// moveTo sets the new stage and appends exactly one history entry.
func (m *Machine) moveTo(def Definition, it *types.WorkflowItem, stage string, entry types.HistoryEntry) {
	now := m.now().UnixMilli()
	entry.Timestamp = now
	it.Stage = stage
	it.Status = def.StatusOf(stage)
	it.History = append(it.History, entry)
	it.UpdatedAt = now
}

// publishEvent publishes an event asynchronously to the event bus.
func (m *Machine) publishEvent(ctx context.Context, eventType, id string, data map[string]interface{}) {
	if m.eventBus == nil || !m.eventBus.HasSubscribers(eventType) {
		return
	}
	if err := m.eventBus.Publish(ctx, events.Event{Type: eventType, EntityID: id, Data: data}); err != nil {
		m.logger.Warn("failed to publish event", zap.String("event", eventType), zap.String("id", id), zap.Error(err))
	}
}

func historyData(item types.WorkflowItem) map[string]interface{} {
	last := item.History[len(item.History)-1]
	return map[string]interface{}{
		"kind":    string(item.Kind),
		"from":    last.From,
		"to":      last.To,
		"actor":   last.Actor,
		"outcome": string(last.Outcome),
		"status":  string(item.Status),
	}
}

func checkReserved(attributes map[string]interface{}) error {
	for k := range attributes {
		if reservedAttributes[k] {
			return fmt.Errorf("%w: attribute %q is reserved", types.ErrValidationFailed, k)
		}
	}
	return nil
}
