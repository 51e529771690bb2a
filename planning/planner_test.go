package planning

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/shopfloor-flow/events"
	"github.com/songzhibin97/shopfloor-flow/storage"
	"github.com/songzhibin97/shopfloor-flow/types"
)

type sequence struct {
	mu sync.Mutex
	id uint64
}

func (s *sequence) NextID() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id++
	return s.id, nil
}

type brokenSequence struct{}

func (brokenSequence) NextID() (uint64, error) { return 0, errors.New("machine id exhausted") }

var (
	hr       = types.Actor{Name: "Meera", Role: types.RoleHR}
	manager  = types.Actor{Name: "Rajesh", Role: types.RoleManager}
	employee = types.Actor{Name: "Rahul", Role: types.RoleEmployee}

	march = Input{CustomerDI: 450, Forecast: 520, CurrentStrength: 430, RequiredStrength: 480}
)

func newTestPlanner(t *testing.T, opts ...Option) *Planner {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return time.UnixMilli(1_700_000_000_000) })}, opts...)
	p, err := NewPlanner(&sequence{}, storage.NewMemoryStorage(), opts...)
	require.NoError(t, err)
	return p
}

func released(t *testing.T, p *Planner) types.ManpowerPlan {
	t.Helper()
	ctx := context.Background()
	plan, err := p.Create(ctx, march)
	require.NoError(t, err)
	_, err = p.SetStatus(ctx, plan.ID, types.PlanValidated, manager)
	require.NoError(t, err)
	plan, err = p.SetStatus(ctx, plan.ID, types.PlanReleased, hr)
	require.NoError(t, err)
	return plan
}

func TestNewPlanner(t *testing.T) {
	_, err := NewPlanner(nil, nil)
	assert.EqualError(t, err, "generator is required")

	p, err := NewPlanner(&sequence{}, nil)
	require.NoError(t, err)
	assert.NotNil(t, p.store)
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	p := newTestPlanner(t)

	plan, err := p.Create(ctx, march)
	require.NoError(t, err)
	assert.Equal(t, "1", plan.ID)
	assert.Equal(t, types.PlanDraft, plan.Status)
	assert.Equal(t, 50, plan.NetHiringNeed())
	assert.NotNil(t, plan.Gate)
	assert.Empty(t, plan.Gate)
	assert.Equal(t, int64(1_700_000_000_000), plan.CreatedAt)

	stored, err := p.Get(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, plan, stored)

	tests := []struct {
		name string
		in   Input
	}{
		{"zero customer DI", Input{CustomerDI: 0, Forecast: 10}},
		{"negative customer DI", Input{CustomerDI: -1, Forecast: 10}},
		{"NaN customer DI", Input{CustomerDI: math.NaN(), Forecast: 10}},
		{"infinite forecast", Input{CustomerDI: 10, Forecast: math.Inf(1)}},
		{"negative forecast", Input{CustomerDI: 10, Forecast: -5}},
		{"negative strength", Input{CustomerDI: 10, Forecast: 10, CurrentStrength: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Create(ctx, tt.in)
			assert.ErrorIs(t, err, types.ErrValidationFailed)
		})
	}

	_, err = p.Create(ctx, march, WithPlanID("1"))
	assert.ErrorIs(t, err, types.ErrDuplicateID)

	broken, err := NewPlanner(brokenSequence{}, nil)
	require.NoError(t, err)
	_, err = broken.Create(ctx, march)
	assert.ErrorContains(t, err, "failed to generate ID")
}

func TestSetStatusRoles(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		start   []types.PlanStatus // hr moves applied before the call
		status  types.PlanStatus
		actor   types.Actor
		wantErr error
	}{
		{"manager validates", nil, types.PlanValidated, manager, nil},
		{"hr validates", nil, types.PlanValidated, hr, nil},
		{"employee cannot validate", nil, types.PlanValidated, employee, types.ErrUnauthorized},
		{"draft cannot skip to released", nil, types.PlanReleased, hr, types.ErrIllegalTransition},
		{"same status", nil, types.PlanDraft, hr, types.ErrIllegalTransition},
		{"hr releases", []types.PlanStatus{types.PlanValidated}, types.PlanReleased, hr, nil},
		{"manager cannot release", []types.PlanStatus{types.PlanValidated}, types.PlanReleased, manager, types.ErrUnauthorized},
		{"no way back to draft", []types.PlanStatus{types.PlanValidated}, types.PlanDraft, hr, types.ErrIllegalTransition},
		{"released is terminal", []types.PlanStatus{types.PlanValidated, types.PlanReleased}, types.PlanValidated, hr, types.ErrIllegalTransition},
		{"unknown status", nil, "Approved", hr, types.ErrValidationFailed},
		{"unknown role", nil, types.PlanValidated, types.Actor{Name: "x", Role: "admin"}, types.ErrValidationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPlanner(t)
			plan, err := p.Create(ctx, march)
			require.NoError(t, err)
			for _, s := range tt.start {
				_, err = p.SetStatus(ctx, plan.ID, s, hr)
				require.NoError(t, err)
			}

			updated, err := p.SetStatus(ctx, plan.ID, tt.status, tt.actor)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				stored, getErr := p.Get(ctx, plan.ID)
				require.NoError(t, getErr)
				assert.Equal(t, uint64(len(tt.start)), stored.Version)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.status, updated.Status)
			assert.Equal(t, uint64(len(tt.start)+1), updated.Version)
		})
	}

	p := newTestPlanner(t)
	_, err := p.SetStatus(ctx, "missing", types.PlanValidated, hr)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestRecordGate(t *testing.T) {
	ctx := context.Background()
	p := newTestPlanner(t)

	draft, err := p.Create(ctx, march)
	require.NoError(t, err)
	_, err = p.RecordGate(ctx, draft.ID, types.GateReading{Time: "08:00 AM", Entry: 120, Exit: 5})
	assert.ErrorIs(t, err, types.ErrIllegalTransition)

	plan := released(t, p)
	plan, err = p.RecordGate(ctx, plan.ID, types.GateReading{Time: " 08:00 AM ", Entry: 120, Exit: 5})
	require.NoError(t, err)
	plan, err = p.RecordGate(ctx, plan.ID, types.GateReading{Time: "09:00 AM", Entry: 430, Exit: 10})
	require.NoError(t, err)
	assert.Equal(t, []types.GateReading{
		{Time: "08:00 AM", Entry: 120, Exit: 5},
		{Time: "09:00 AM", Entry: 430, Exit: 10},
	}, plan.Gate)

	tests := []struct {
		name    string
		reading types.GateReading
	}{
		{"missing time", types.GateReading{Time: " ", Entry: 1}},
		{"negative entry", types.GateReading{Time: "10:00 AM", Entry: -1}},
		{"more exits than entries", types.GateReading{Time: "10:00 AM", Entry: 3, Exit: 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.RecordGate(ctx, plan.ID, tt.reading)
			assert.ErrorIs(t, err, types.ErrValidationFailed)
		})
	}

	_, err = p.RecordGate(ctx, "missing", types.GateReading{Time: "10:00 AM"})
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestConcurrentGateReadingsAllLand(t *testing.T) {
	ctx := context.Background()
	p := newTestPlanner(t)
	plan := released(t, p)

	const writers = 4
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.RecordGate(ctx, plan.ID, types.GateReading{Time: "11:00 AM", Entry: 10, Exit: 1})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stored, err := p.Get(ctx, plan.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Gate, writers)
}

func TestList(t *testing.T) {
	ctx := context.Background()
	p := newTestPlanner(t)

	plans, err := p.List(ctx)
	require.NoError(t, err)
	assert.NotNil(t, plans)
	assert.Empty(t, plans)

	_, err = p.Create(ctx, march)
	require.NoError(t, err)
	_, err = p.Create(ctx, Input{CustomerDI: 300, Forecast: 280})
	require.NoError(t, err)

	plans, err = p.List(ctx)
	require.NoError(t, err)
	require.Len(t, plans, 2)
	assert.Equal(t, "1", plans[0].ID)
	assert.Equal(t, "2", plans[1].ID)
}

func TestEventsPublished(t *testing.T) {
	ctx := context.Background()
	bus := events.NewEventBus()
	defer bus.Stop()

	received := make(chan string, 4)
	for _, et := range []string{events.PlanCreated, events.PlanStatusChanged, events.GateRecorded} {
		bus.SubscribeFunc(et, func(ctx context.Context, e events.Event) error {
			received <- e.Type
			return nil
		})
	}

	p := newTestPlanner(t, WithEventBus(bus))
	plan := released(t, p)
	_, err := p.RecordGate(ctx, plan.ID, types.GateReading{Time: "08:00 AM", Entry: 120, Exit: 5})
	require.NoError(t, err)

	var got []string
	for i := 0; i < 4; i++ {
		select {
		case et := <-received:
			got = append(got, et)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	assert.Equal(t, []string{events.PlanCreated, events.PlanStatusChanged, events.PlanStatusChanged, events.GateRecorded}, got)
}
