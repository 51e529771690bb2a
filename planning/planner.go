package planning

import (
	"context"
	"errors"
	"fmt"
	"math"
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

const gateRetries = 5

// Input holds the planning figures a new plan starts from.
type Input struct {
	CustomerDI       float64 `json:"customer_di"`
	Forecast         float64 `json:"forecast"`
	CurrentStrength  int     `json:"current_strength"`
	RequiredStrength int     `json:"required_strength"`
}

func (in Input) validate() error {
	switch {
	case math.IsNaN(in.CustomerDI) || math.IsInf(in.CustomerDI, 0) || in.CustomerDI <= 0:
		return fmt.Errorf("%w: customer DI must be a positive number", types.ErrValidationFailed)
	case math.IsNaN(in.Forecast) || math.IsInf(in.Forecast, 0) || in.Forecast < 0:
		return fmt.Errorf("%w: forecast must be a non-negative number", types.ErrValidationFailed)
	case in.CurrentStrength < 0 || in.RequiredStrength < 0:
		return fmt.Errorf("%w: strengths cannot be negative", types.ErrValidationFailed)
	}
	return nil
}

// Planner owns manpower plans and their indent lifecycle.
type Planner struct {
	store    storage.Storage
	generate generator.Generator
	eventBus *events.EventBus
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures a Planner.
type Option func(*Planner)

// WithEventBus publishes plan changes to bus.
func WithEventBus(bus *events.EventBus) Option {
	return func(p *Planner) { p.eventBus = bus }
}

// WithLogger sets the planner logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Planner) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Planner) {
		if now != nil {
			p.now = now
		}
	}
}

// NewPlanner creates a Planner backed by store.
func NewPlanner(generate generator.Generator, store storage.Storage, opts ...Option) (*Planner, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if store == nil {
		store = storage.NewMemoryStorage()
	}
	p := &Planner{
		store:    store,
		generate: generate,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// CreateOption configures Create.
type CreateOption func(*createOptions)

type createOptions struct {
	id string
}

// WithPlanID makes Create use id instead of generating one.
func WithPlanID(id string) CreateOption {
	return func(o *createOptions) { o.id = id }
}

// Create stores a new Draft plan.
func (p *Planner) Create(ctx context.Context, in Input, opts ...CreateOption) (types.ManpowerPlan, error) {
	if err := in.validate(); err != nil {
		return types.ManpowerPlan{}, err
	}

	var o createOptions
	for _, opt := range opts {
		opt(&o)
	}
	id := o.id
	if id == "" {
		next, err := p.generate.NextID()
		if err != nil {
			return types.ManpowerPlan{}, fmt.Errorf("failed to generate ID: %w", err)
		}
		id = strconv.FormatUint(next, 10)
	}

	now := p.now().UnixMilli()
	plan := types.ManpowerPlan{
		ID:               id,
		CustomerDI:       in.CustomerDI,
		Forecast:         in.Forecast,
		CurrentStrength:  in.CurrentStrength,
		RequiredStrength: in.RequiredStrength,
		Status:           types.PlanDraft,
		Gate:             []types.GateReading{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := p.store.CreatePlan(ctx, plan); err != nil {
		return types.ManpowerPlan{}, err
	}

	p.logger.Info("manpower plan created", zap.String("id", id), zap.Int("net_hiring_need", plan.NetHiringNeed()))
	p.publishEvent(ctx, events.PlanCreated, id, map[string]interface{}{
		"status":          string(plan.Status),
		"net_hiring_need": plan.NetHiringNeed(),
	})
	return plan, nil
}

// Get returns one plan.
func (p *Planner) Get(ctx context.Context, id string) (types.ManpowerPlan, error) {
	return p.store.GetPlan(ctx, id)
}

// List returns every plan, oldest first.
func (p *Planner) List(ctx context.Context) ([]types.ManpowerPlan, error) {
	plans := []types.ManpowerPlan{}
	for plan, err := range p.store.ListPlans(ctx, nil) {
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	return plans, nil
}

// SetStatus moves a plan one step along its lifecycle on behalf of actor.
// See CheckTransition for the rules.
func (p *Planner) SetStatus(ctx context.Context, id string, status types.PlanStatus, actor types.Actor) (types.ManpowerPlan, error) {
	if !status.Valid() {
		return types.ManpowerPlan{}, fmt.Errorf("%w: unknown plan status %q", types.ErrValidationFailed, status)
	}
	if !actor.Role.Valid() {
		return types.ManpowerPlan{}, fmt.Errorf("%w: unknown role %q", types.ErrValidationFailed, actor.Role)
	}

	current, err := p.store.GetPlan(ctx, id)
	if err != nil {
		return types.ManpowerPlan{}, err
	}
	var from types.PlanStatus
	updated, err := p.store.UpdatePlan(ctx, id, current.Version, func(plan *types.ManpowerPlan) error {
		if err := CheckTransition(*plan, status, actor); err != nil {
			return err
		}
		from = plan.Status
		plan.Status = status
		plan.UpdatedAt = p.now().UnixMilli()
		return nil
	})
	if err != nil {
		return types.ManpowerPlan{}, err
	}

	p.logger.Info("manpower plan status changed",
		zap.String("id", id),
		zap.String("from", string(from)),
		zap.String("to", string(status)),
		zap.String("actor", actor.Name),
	)
	p.publishEvent(ctx, events.PlanStatusChanged, id, map[string]interface{}{
		"from":  string(from),
		"to":    string(status),
		"actor": actor.Name,
	})
	return updated, nil
}

// RecordGate appends an attendance gate count to a Released plan. Readings
// commute, so a lost race is retried against a fresh read.
func (p *Planner) RecordGate(ctx context.Context, id string, reading types.GateReading) (types.ManpowerPlan, error) {
	reading.Time = strings.TrimSpace(reading.Time)
	switch {
	case reading.Time == "":
		return types.ManpowerPlan{}, fmt.Errorf("%w: reading time is required", types.ErrValidationFailed)
	case reading.Entry < 0 || reading.Exit < 0:
		return types.ManpowerPlan{}, fmt.Errorf("%w: gate counts cannot be negative", types.ErrValidationFailed)
	case reading.Exit > reading.Entry:
		return types.ManpowerPlan{}, fmt.Errorf("%w: exits %d exceed entries %d", types.ErrValidationFailed, reading.Exit, reading.Entry)
	}

	var updated types.ManpowerPlan
	appendReading := func() error {
		current, err := p.store.GetPlan(ctx, id)
		if err != nil {
			return backoff.Permanent(err)
		}
		updated, err = p.store.UpdatePlan(ctx, id, current.Version, func(plan *types.ManpowerPlan) error {
			if plan.Status != types.PlanReleased {
				return fmt.Errorf("%w: plan %s is %s, attendance starts after release", types.ErrIllegalTransition, plan.ID, plan.Status)
			}
			plan.Gate = append(plan.Gate, reading)
			plan.UpdatedAt = p.now().UnixMilli()
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
	if err := backoff.Retry(appendReading, backoff.WithContext(backoff.WithMaxRetries(policy, gateRetries), ctx)); err != nil {
		return types.ManpowerPlan{}, err
	}

	p.logger.Debug("gate reading recorded", zap.String("id", id), zap.String("time", reading.Time))
	p.publishEvent(ctx, events.GateRecorded, id, map[string]interface{}{
		"time":  reading.Time,
		"entry": reading.Entry,
		"exit":  reading.Exit,
	})
	return updated, nil
}

func (p *Planner) publishEvent(ctx context.Context, eventType, id string, data map[string]interface{}) {
	if p.eventBus == nil || !p.eventBus.HasSubscribers(eventType) {
		return
	}
	if err := p.eventBus.Publish(ctx, events.Event{Type: eventType, EntityID: id, Data: data}); err != nil {
		p.logger.Warn("failed to publish event", zap.String("event", eventType), zap.String("id", id), zap.Error(err))
	}
}
