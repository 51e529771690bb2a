package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/songzhibin97/shopfloor-flow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Helper function to create a sample item
func newItem(id string, kind types.Kind, stage string) types.WorkflowItem {
	now := time.Now().UnixMilli()
	return types.WorkflowItem{
		ID:         id,
		Kind:       kind,
		Stage:      stage,
		Status:     types.StatusActive,
		Attributes: map[string]interface{}{"name": "Rahul Sharma", "score": 85.0},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Helper function to create a sample thread
func newThread(id string) types.FeedbackThread {
	now := time.Now().UnixMilli()
	return types.FeedbackThread{
		ID:        id,
		From:      "Sarah Jenkins",
		To:        "Me",
		Type:      types.FeedbackPraise,
		Message:   "Great job leading the client presentation yesterday!",
		Status:    types.FeedbackActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func collect[T any](t *testing.T, seq func(func(T, error) bool)) []T {
	t.Helper()
	var out []T
	for v, err := range seq {
		require.NoError(t, err)
		out = append(out, v)
	}
	return out
}

// runStorageSuite checks the behaviour every Storage implementation shares.
func runStorageSuite(t *testing.T, newStore func(t *testing.T) Storage) {
	t.Run("CreateAndGetItem", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		item := newItem("1", types.KindTraining, "Digital")
		require.NoError(t, store.CreateItem(ctx, item))

		got, err := store.GetItem(ctx, "1")
		require.NoError(t, err)
		assert.Equal(t, item, got)

		_, err = store.GetItem(ctx, "999")
		assert.ErrorIs(t, err, types.ErrNotFound)
	})

	t.Run("DuplicateID", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		require.NoError(t, store.CreateItem(ctx, newItem("1", types.KindTraining, "Digital")))
		err := store.CreateItem(ctx, newItem("1", types.KindJoining, "Planning"))
		assert.ErrorIs(t, err, types.ErrDuplicateID)

		got, err := store.GetItem(ctx, "1")
		require.NoError(t, err)
		assert.Equal(t, types.KindTraining, got.Kind)
	})

	t.Run("ListItemsByKindInCreationOrder", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		require.NoError(t, store.CreateItem(ctx, newItem("c", types.KindTraining, "Digital")))
		require.NoError(t, store.CreateItem(ctx, newItem("a", types.KindJoining, "Planning")))
		require.NoError(t, store.CreateItem(ctx, newItem("b", types.KindTraining, "Practical")))

		training := collect[types.WorkflowItem](t, store.ListItems(ctx, types.KindTraining, nil))
		require.Len(t, training, 2)
		assert.Equal(t, "c", training[0].ID)
		assert.Equal(t, "b", training[1].ID)

		all := collect[types.WorkflowItem](t, store.ListItems(ctx, "", nil))
		assert.Len(t, all, 3)

		practical := collect[types.WorkflowItem](t, store.ListItems(ctx, types.KindTraining, func(it types.WorkflowItem) bool {
			return it.Stage == "Practical"
		}))
		require.Len(t, practical, 1)
		assert.Equal(t, "b", practical[0].ID)
	})

	t.Run("ListIsRestartable", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		seq := store.ListItems(ctx, types.KindTraining, nil)
		assert.Empty(t, collect[types.WorkflowItem](t, seq))

		require.NoError(t, store.CreateItem(ctx, newItem("1", types.KindTraining, "Digital")))
		assert.Len(t, collect[types.WorkflowItem](t, seq), 1)
		assert.Len(t, collect[types.WorkflowItem](t, seq), 1)
	})

	t.Run("UpdateItemBumpsVersion", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.CreateItem(ctx, newItem("1", types.KindTraining, "Digital")))

		updated, err := store.UpdateItem(ctx, "1", 0, func(it *types.WorkflowItem) error {
			it.Stage = "Practical"
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, uint64(1), updated.Version)
		assert.Equal(t, "Practical", updated.Stage)

		got, err := store.GetItem(ctx, "1")
		require.NoError(t, err)
		assert.Equal(t, updated, got)
	})

	t.Run("UpdateItemStaleVersion", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.CreateItem(ctx, newItem("1", types.KindTraining, "Digital")))

		_, err := store.UpdateItem(ctx, "1", 0, func(it *types.WorkflowItem) error { return nil })
		require.NoError(t, err)

		_, err = store.UpdateItem(ctx, "1", 0, func(it *types.WorkflowItem) error { return nil })
		assert.ErrorIs(t, err, types.ErrConflictingUpdate)

		_, err = store.UpdateItem(ctx, "missing", 0, func(it *types.WorkflowItem) error { return nil })
		assert.ErrorIs(t, err, types.ErrNotFound)
	})

	t.Run("UpdateItemMutatorError", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.CreateItem(ctx, newItem("1", types.KindTraining, "Digital")))

		boom := errors.New("boom")
		_, err := store.UpdateItem(ctx, "1", 0, func(it *types.WorkflowItem) error {
			it.Stage = "Reports"
			return boom
		})
		assert.ErrorIs(t, err, boom)

		got, err := store.GetItem(ctx, "1")
		require.NoError(t, err)
		assert.Equal(t, "Digital", got.Stage)
		assert.Equal(t, uint64(0), got.Version)
	})

	t.Run("ConcurrentUpdatesOneWinner", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.CreateItem(ctx, newItem("1", types.KindTraining, "Digital")))

		const writers = 10
		var wg sync.WaitGroup
		var mu sync.Mutex
		wins, conflicts := 0, 0
		wg.Add(writers)
		for i := 0; i < writers; i++ {
			go func(i int) {
				defer wg.Done()
				_, err := store.UpdateItem(ctx, "1", 0, func(it *types.WorkflowItem) error {
					it.History = append(it.History, types.HistoryEntry{From: "Digital", To: "Practical", Actor: fmt.Sprint(i)})
					return nil
				})
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					wins++
				} else if errors.Is(err, types.ErrConflictingUpdate) {
					conflicts++
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 1, wins)
		assert.Equal(t, writers-1, conflicts)
		got, err := store.GetItem(ctx, "1")
		require.NoError(t, err)
		assert.Len(t, got.History, 1)
	})

	t.Run("Threads", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		require.NoError(t, store.CreateThread(ctx, newThread("1")))
		require.NoError(t, store.CreateThread(ctx, newThread("2")))
		assert.ErrorIs(t, store.CreateThread(ctx, newThread("1")), types.ErrDuplicateID)

		updated, err := store.UpdateThread(ctx, "1", 0, func(th *types.FeedbackThread) error {
			th.Replies = append(th.Replies, types.Reply{From: "Manager", Message: "Agreed."})
			return nil
		})
		require.NoError(t, err)
		assert.Len(t, updated.Replies, 1)

		_, err = store.UpdateThread(ctx, "1", 0, func(th *types.FeedbackThread) error { return nil })
		assert.ErrorIs(t, err, types.ErrConflictingUpdate)

		got, err := store.GetThread(ctx, "1")
		require.NoError(t, err)
		assert.Equal(t, updated, got)

		_, err = store.GetThread(ctx, "3")
		assert.ErrorIs(t, err, types.ErrNotFound)

		threads := collect[types.FeedbackThread](t, store.ListThreads(ctx, nil))
		require.Len(t, threads, 2)
		assert.Equal(t, "1", threads[0].ID)
		assert.Equal(t, "2", threads[1].ID)
	})

	t.Run("Plans", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		plan := types.ManpowerPlan{
			ID: "plan-1", CustomerDI: 15000, Forecast: 15500,
			CurrentStrength: 450, RequiredStrength: 480, Status: types.PlanDraft,
		}
		require.NoError(t, store.CreatePlan(ctx, plan))
		require.NoError(t, store.CreatePlan(ctx, types.ManpowerPlan{ID: "plan-2", Status: types.PlanDraft}))
		assert.ErrorIs(t, store.CreatePlan(ctx, plan), types.ErrDuplicateID)

		updated, err := store.UpdatePlan(ctx, "plan-1", 0, func(p *types.ManpowerPlan) error {
			p.Status = types.PlanValidated
			p.Gate = append(p.Gate, types.GateReading{Time: "08:00 AM", Entry: 120, Exit: 5})
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, uint64(1), updated.Version)
		assert.Equal(t, types.PlanValidated, updated.Status)

		_, err = store.UpdatePlan(ctx, "plan-1", 0, func(p *types.ManpowerPlan) error { return nil })
		assert.ErrorIs(t, err, types.ErrConflictingUpdate)
		_, err = store.UpdatePlan(ctx, "plan-9", 0, func(p *types.ManpowerPlan) error { return nil })
		assert.ErrorIs(t, err, types.ErrNotFound)

		got, err := store.GetPlan(ctx, "plan-1")
		require.NoError(t, err)
		assert.Equal(t, updated, got)

		drafts := collect[types.ManpowerPlan](t, store.ListPlans(ctx, func(p types.ManpowerPlan) bool {
			return p.Status == types.PlanDraft
		}))
		require.Len(t, drafts, 1)
		assert.Equal(t, "plan-2", drafts[0].ID)
		assert.Len(t, collect[types.ManpowerPlan](t, store.ListPlans(ctx, nil)), 2)
	})

	t.Run("CanceledContext", func(t *testing.T) {
		store := newStore(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := store.GetItem(ctx, "1")
		assert.ErrorIs(t, err, context.Canceled)
		assert.ErrorIs(t, store.CreateItem(ctx, newItem("1", types.KindJoining, "Planning")), context.Canceled)
	})
}
