package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/songzhibin97/shopfloor-flow/events"
	"github.com/songzhibin97/shopfloor-flow/rules"
	"github.com/songzhibin97/shopfloor-flow/storage"
	"github.com/songzhibin97/shopfloor-flow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockGenerator is a simple ID generator for testing.
type MockGenerator struct {
	mu sync.Mutex
	id uint64
}

func (g *MockGenerator) NextID() (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.id++
	return g.id, nil
}

type failingGenerator struct{}

func (failingGenerator) NextID() (uint64, error) { return 0, errors.New("clock moved backwards") }

var fixedNow = time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)

func newTestMachine(t *testing.T, opts ...MachineOption) *Machine {
	t.Helper()
	opts = append([]MachineOption{WithClock(func() time.Time { return fixedNow })}, opts...)
	m, err := NewMachine(&MockGenerator{}, storage.NewMemoryStorage(), rules.NewExprEvaluator(), opts...)
	require.NoError(t, err)
	return m
}

// passingAttributes satisfy every guard of the kind.
var passingAttributes = map[types.Kind]map[string]interface{}{
	types.KindJoining:      {"name": "Rahul Sharma", "score": 85},
	types.KindTraining:     {"name": "Rahul Sharma", "digitalScore": 85, "practicalStatus": "Pass"},
	types.KindObservance:   {"name": "Sneha Gupta", "cycleDay": 16, "obsStatus": "Conformity"},
	types.KindSkillUpgrade: {"name": "Amit Verma", "score": 78},
	types.KindManChange:    {"line": "Assembly Line 4", "skillMatch": true, "trainingComplete": true, "safetyInduction": true},
	types.KindMultiSkill:   {"name": "Dev Kumar", "progress": 100, "score": 92},
}

func TestNewMachine(t *testing.T) {
	m, err := NewMachine(&MockGenerator{}, nil, nil)
	require.NoError(t, err)
	assert.NotNil(t, m.store)
	assert.NotNil(t, m.evaluator)

	_, err = NewMachine(nil, nil, nil)
	assert.EqualError(t, err, "generator is required")
}

func TestCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("InitialStagePerKind", func(t *testing.T) {
		m := newTestMachine(t)
		for _, def := range DefaultDefinitions() {
			item, err := m.Create(ctx, def.Kind, passingAttributes[def.Kind])
			require.NoError(t, err)
			assert.Equal(t, def.Stages[0], item.Stage)
			assert.Equal(t, types.StatusActive, item.Status)
			assert.Empty(t, item.History)
			assert.Equal(t, fixedNow.UnixMilli(), item.CreatedAt)
		}
	})

	t.Run("GeneratedIDs", func(t *testing.T) {
		m := newTestMachine(t)
		a, err := m.Create(ctx, types.KindTraining, nil)
		require.NoError(t, err)
		b, err := m.Create(ctx, types.KindTraining, nil)
		require.NoError(t, err)
		assert.Equal(t, "1", a.ID)
		assert.Equal(t, "2", b.ID)
		assert.NotNil(t, a.Attributes)
	})

	t.Run("DuplicateID", func(t *testing.T) {
		m := newTestMachine(t)
		_, err := m.Create(ctx, types.KindManChange, nil, WithID("req-1"))
		require.NoError(t, err)
		_, err = m.Create(ctx, types.KindManChange, nil, WithID("req-1"))
		assert.ErrorIs(t, err, types.ErrDuplicateID)
	})

	t.Run("UnknownKind", func(t *testing.T) {
		m := newTestMachine(t)
		_, err := m.Create(ctx, types.Kind("Payroll"), nil)
		assert.ErrorIs(t, err, types.ErrValidationFailed)
	})

	t.Run("ReservedAttribute", func(t *testing.T) {
		m := newTestMachine(t)
		_, err := m.Create(ctx, types.KindTraining, map[string]interface{}{"stage": "Reports"})
		assert.ErrorIs(t, err, types.ErrValidationFailed)
	})

	t.Run("GeneratorFailure", func(t *testing.T) {
		m, err := NewMachine(failingGenerator{}, nil, nil)
		require.NoError(t, err)
		_, err = m.Create(ctx, types.KindTraining, nil)
		assert.ErrorContains(t, err, "failed to generate ID")
	})

	t.Run("CallerMapIsCopied", func(t *testing.T) {
		m := newTestMachine(t)
		attrs := map[string]interface{}{"digitalScore": 45}
		item, err := m.Create(ctx, types.KindTraining, attrs)
		require.NoError(t, err)
		attrs["digitalScore"] = 99

		_, err = m.Advance(ctx, item, StagePractical, "trainer")
		assert.ErrorIs(t, err, types.ErrValidationFailed)
	})
}

func TestAdvanceWalksEveryKindToCompletion(t *testing.T) {
	ctx := context.Background()
	m := newTestMachine(t)

	for _, def := range DefaultDefinitions() {
		t.Run(string(def.Kind), func(t *testing.T) {
			item, err := m.Create(ctx, def.Kind, passingAttributes[def.Kind])
			require.NoError(t, err)

			for i, stage := range def.Stages[1:] {
				item, err = m.Advance(ctx, item, stage, "supervisor")
				require.NoError(t, err)
				assert.Equal(t, stage, item.Stage)
				assert.Len(t, item.History, i+1)
			}

			assert.Equal(t, types.StatusCompleted, item.Status)
			assert.True(t, item.IsTerminal())

			// Terminal stage: nothing moves any more.
			for _, target := range append(append([]string{}, def.Stages...), def.FailureStage) {
				_, err = m.Advance(ctx, item, target, "supervisor")
				assert.ErrorIs(t, err, types.ErrIllegalTransition, "target %s", target)
			}
			_, err = m.Reject(ctx, item, "late", "supervisor")
			assert.ErrorIs(t, err, types.ErrIllegalTransition)

			last := item.History[len(item.History)-1]
			assert.Equal(t, types.OutcomeAdvanced, last.Outcome)
			assert.Equal(t, "supervisor", last.Actor)
			assert.Equal(t, fixedNow.UnixMilli(), last.Timestamp)
			assert.Len(t, item.History, len(def.Stages)-1)
		})
	}
}

func TestAdvanceOrder(t *testing.T) {
	ctx := context.Background()
	m := newTestMachine(t)

	item, err := m.Create(ctx, types.KindJoining, passingAttributes[types.KindJoining])
	require.NoError(t, err)

	tests := []struct {
		name   string
		target string
	}{
		{"skip a stage", StageJoining},
		{"same stage", StagePlanning},
		{"unknown stage", "Onboarding"},
		{"stage of another kind", StageTrial},
		{"failure stage is not a successor", StageRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Advance(ctx, item, tt.target, "hr")
			assert.ErrorIs(t, err, types.ErrIllegalTransition)
		})
	}

	t.Run("going backwards", func(t *testing.T) {
		moved, err := m.Advance(ctx, item, StageRecruitment, "hr")
		require.NoError(t, err)
		_, err = m.Advance(ctx, moved, StagePlanning, "hr")
		assert.ErrorIs(t, err, types.ErrIllegalTransition)
	})

	t.Run("actor required", func(t *testing.T) {
		_, err := m.Advance(ctx, item, StageRecruitment, "")
		assert.ErrorIs(t, err, types.ErrValidationFailed)
	})

	t.Run("unknown item", func(t *testing.T) {
		_, err := m.Advance(ctx, types.WorkflowItem{ID: "nope", Kind: types.KindJoining}, StageRecruitment, "hr")
		assert.ErrorIs(t, err, types.ErrNotFound)
	})
}

func TestGuards(t *testing.T) {
	ctx := context.Background()

	advanceTo := func(t *testing.T, m *Machine, kind types.Kind, attrs map[string]interface{}, stages ...string) types.WorkflowItem {
		t.Helper()
		item, err := m.Create(ctx, kind, attrs)
		require.NoError(t, err)
		for _, s := range stages {
			item, err = m.Advance(ctx, item, s, "setup")
			require.NoError(t, err)
		}
		return item
	}

	t.Run("ManChangeChecklist", func(t *testing.T) {
		m := newTestMachine(t)
		failing := advanceTo(t, m, types.KindManChange, map[string]interface{}{
			"skillMatch": false, "trainingComplete": true, "safetyInduction": true,
		}, StageValidation)
		_, err := m.Advance(ctx, failing, StageTrial, "quality")
		assert.ErrorIs(t, err, types.ErrValidationFailed)

		passing := advanceTo(t, m, types.KindManChange, map[string]interface{}{
			"skillMatch": true, "trainingComplete": true, "safetyInduction": true,
		}, StageValidation)
		moved, err := m.Advance(ctx, passing, StageTrial, "quality")
		require.NoError(t, err)
		assert.Equal(t, StageTrial, moved.Stage)

		missing := advanceTo(t, m, types.KindManChange, map[string]interface{}{"skillMatch": true}, StageValidation)
		_, err = m.Advance(ctx, missing, StageTrial, "quality")
		assert.ErrorIs(t, err, types.ErrValidationFailed)
	})

	t.Run("TrainingDigitalScore", func(t *testing.T) {
		m := newTestMachine(t)
		low := advanceTo(t, m, types.KindTraining, map[string]interface{}{"digitalScore": 45})
		_, err := m.Advance(ctx, low, StagePractical, "trainer")
		assert.ErrorIs(t, err, types.ErrValidationFailed)

		high := advanceTo(t, m, types.KindTraining, map[string]interface{}{"digitalScore": 85})
		moved, err := m.Advance(ctx, high, StagePractical, "trainer")
		require.NoError(t, err)

		_, err = m.Advance(ctx, moved, StageHandover, "trainer")
		assert.ErrorIs(t, err, types.ErrValidationFailed, "practicalStatus is still pending")
	})

	t.Run("ObservanceCycleDay", func(t *testing.T) {
		m := newTestMachine(t)
		early := advanceTo(t, m, types.KindObservance, map[string]interface{}{"cycleDay": 12})
		_, err := m.Advance(ctx, early, StageObservation, "mentor")
		assert.ErrorIs(t, err, types.ErrValidationFailed)

		done := advanceTo(t, m, types.KindObservance, map[string]interface{}{"cycleDay": 16, "obsStatus": "Pending"}, StageObservation)
		_, err = m.Advance(ctx, done, StageEvaluation, "supervisor")
		assert.ErrorIs(t, err, types.ErrValidationFailed)
		_, err = m.Advance(ctx, done, StageReEdu, "supervisor")
		assert.ErrorIs(t, err, types.ErrValidationFailed)
	})

	t.Run("ObservanceNonConformityIsLateral", func(t *testing.T) {
		m := newTestMachine(t)
		item := advanceTo(t, m, types.KindObservance, map[string]interface{}{"cycleDay": 16, "obsStatus": "Non-Conformity"}, StageObservation)
		moved, err := m.Advance(ctx, item, StageReEdu, "supervisor")
		require.NoError(t, err)
		assert.Equal(t, types.StatusFailed, moved.Status)
		assert.Equal(t, types.OutcomeAdvanced, moved.History[len(moved.History)-1].Outcome)

		_, err = m.Advance(ctx, moved, StageEvaluation, "supervisor")
		assert.ErrorIs(t, err, types.ErrIllegalTransition)
	})

	t.Run("SkillUpgradeNeedsScore", func(t *testing.T) {
		m := newTestMachine(t)
		item := advanceTo(t, m, types.KindSkillUpgrade, nil, StageEvaluation)
		_, err := m.Advance(ctx, item, StageResults, "assessor")
		assert.ErrorIs(t, err, types.ErrValidationFailed)

		item, err = m.Annotate(ctx, item, map[string]interface{}{"score": 65}, "assessor")
		require.NoError(t, err)
		moved, err := m.Advance(ctx, item, StageResults, "assessor")
		require.NoError(t, err)
		assert.Equal(t, types.StatusCompleted, moved.Status)
	})

	t.Run("MultiSkillProgress", func(t *testing.T) {
		m := newTestMachine(t)
		item := advanceTo(t, m, types.KindMultiSkill, map[string]interface{}{"progress": 60}, StageTraining)
		_, err := m.Advance(ctx, item, StageEvaluation, "trainer")
		assert.ErrorIs(t, err, types.ErrValidationFailed)
	})

	t.Run("GuardLookup", func(t *testing.T) {
		m := newTestMachine(t)
		guard, ok := m.Guard(types.KindTraining, StageDigital, StagePractical)
		require.True(t, ok)
		passed, err := guard(map[string]interface{}{"digitalScore": 50})
		require.NoError(t, err)
		assert.True(t, passed)

		_, ok = m.Guard(types.KindJoining, StagePlanning, StageRecruitment)
		assert.False(t, ok)
		_, ok = m.Guard(types.Kind("Payroll"), "a", "b")
		assert.False(t, ok)
	})
}

func TestReject(t *testing.T) {
	ctx := context.Background()

	for _, def := range DefaultDefinitions() {
		t.Run(string(def.Kind), func(t *testing.T) {
			m := newTestMachine(t)
			// Reject is legal from every non-terminal stage.
			for _, from := range def.Stages[:len(def.Stages)-1] {
				item, err := m.Create(ctx, def.Kind, passingAttributes[def.Kind])
				require.NoError(t, err)
				for _, s := range def.Stages[1 : def.Index(from)+1] {
					item, err = m.Advance(ctx, item, s, "hr")
					require.NoError(t, err)
				}
				before := len(item.History)

				rejected, err := m.Reject(ctx, item, "did not meet criteria", "hr")
				require.NoError(t, err)
				assert.Equal(t, def.FailureStage, rejected.Stage)
				assert.Equal(t, types.StatusFailed, rejected.Status)
				require.Len(t, rejected.History, before+1)
				last := rejected.History[before]
				assert.Equal(t, from, last.From)
				assert.Equal(t, types.OutcomeRejected, last.Outcome)
				assert.Equal(t, "did not meet criteria", last.Reason)

				_, err = m.Reject(ctx, rejected, "again", "hr")
				assert.ErrorIs(t, err, types.ErrIllegalTransition)
			}
		})
	}
}

func TestStaleSnapshotConflicts(t *testing.T) {
	ctx := context.Background()
	m := newTestMachine(t)

	item, err := m.Create(ctx, types.KindManChange, passingAttributes[types.KindManChange])
	require.NoError(t, err)

	_, err = m.Annotate(ctx, item, map[string]interface{}{"reason": "Absenteeism"}, "planner")
	require.NoError(t, err)

	_, err = m.Advance(ctx, item, StageValidation, "planner")
	assert.ErrorIs(t, err, types.ErrConflictingUpdate)
	_, err = m.Reject(ctx, item, "x", "planner")
	assert.ErrorIs(t, err, types.ErrConflictingUpdate)
}

func TestConcurrentAdvanceOneWins(t *testing.T) {
	ctx := context.Background()
	m := newTestMachine(t)

	item, err := m.Create(ctx, types.KindTraining, passingAttributes[types.KindTraining])
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]error, 2)
	start := make(chan struct{})
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, results[i] = m.Advance(ctx, item, StagePractical, "trainer")
		}(i)
	}
	close(start)
	wg.Wait()

	succeeded, conflicted := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, types.ErrConflictingUpdate):
			conflicted++
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, conflicted)

	stored, err := m.store.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Len(t, stored.History, 1)
	assert.Equal(t, StagePractical, stored.Stage)
}

func TestAnnotate(t *testing.T) {
	ctx := context.Background()
	m := newTestMachine(t)

	item, err := m.Create(ctx, types.KindManChange, map[string]interface{}{"skillMatch": true, "note": "x"})
	require.NoError(t, err)

	updated, err := m.Annotate(ctx, item, map[string]interface{}{"trainingComplete": true, "note": nil}, "planner")
	require.NoError(t, err)
	assert.Equal(t, true, updated.Attributes["trainingComplete"])
	assert.NotContains(t, updated.Attributes, "note")
	assert.Empty(t, updated.History)
	assert.Equal(t, item.Version+1, updated.Version)

	_, err = m.Annotate(ctx, updated, map[string]interface{}{"history": nil}, "planner")
	assert.ErrorIs(t, err, types.ErrValidationFailed)
	_, err = m.Annotate(ctx, updated, nil, "planner")
	assert.ErrorIs(t, err, types.ErrValidationFailed)
	_, err = m.Annotate(ctx, updated, map[string]interface{}{"a": 1}, "")
	assert.ErrorIs(t, err, types.ErrValidationFailed)

	rejected, err := m.Reject(ctx, updated, "cancelled", "planner")
	require.NoError(t, err)
	_, err = m.Annotate(ctx, rejected, map[string]interface{}{"a": 1}, "planner")
	assert.ErrorIs(t, err, types.ErrIllegalTransition)
}

func TestEventsPublished(t *testing.T) {
	ctx := context.Background()
	bus := events.NewEventBus()
	defer bus.Stop()

	received := make(chan events.Event, 4)
	for _, et := range []string{events.ItemCreated, events.StageAdvanced, events.StageRejected} {
		bus.SubscribeFunc(et, func(ctx context.Context, e events.Event) error {
			received <- e
			return nil
		})
	}

	m := newTestMachine(t, WithEventBus(bus))
	item, err := m.Create(ctx, types.KindJoining, nil)
	require.NoError(t, err)
	item, err = m.Advance(ctx, item, StageRecruitment, "hr")
	require.NoError(t, err)
	_, err = m.Reject(ctx, item, "no show", "hr")
	require.NoError(t, err)

	var got []string
	for i := 0; i < 3; i++ {
		select {
		case e := <-received:
			assert.Equal(t, item.ID, e.EntityID)
			got = append(got, e.Type)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	assert.Equal(t, []string{events.ItemCreated, events.StageAdvanced, events.StageRejected}, got)
}
