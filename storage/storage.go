package storage

import (
	"context"
	"iter"

	"github.com/songzhibin97/shopfloor-flow/types"
)

// ItemMutator changes a copy of a stored item. Returning an error aborts the update.
type ItemMutator func(item *types.WorkflowItem) error

// ThreadMutator changes a copy of a stored feedback thread.
type ThreadMutator func(thread *types.FeedbackThread) error

// PlanMutator changes a copy of a stored manpower plan.
type PlanMutator func(plan *types.ManpowerPlan) error

// Storage defines the interface for persisting and retrieving workflow items,
// feedback threads and manpower plans.
//
// Updates are versioned: the Update methods fail with
// types.ErrConflictingUpdate when the stored version differs from the one the
// caller read, so at most one of two racing writers wins.
type Storage interface {
	// CreateItem stores a new item. It fails with types.ErrDuplicateID if the id is taken.
	CreateItem(ctx context.Context, item types.WorkflowItem) error

	// GetItem retrieves an item by ID.
	GetItem(ctx context.Context, id string) (types.WorkflowItem, error)

	// ListItems lazily yields items of the given kind (all kinds when empty)
	// in creation order. The sequence can be ranged over more than once.
	ListItems(ctx context.Context, kind types.Kind, filter types.ItemFilter) iter.Seq2[types.WorkflowItem, error]

	// UpdateItem applies mutate to the item if its version still equals expectedVersion.
	UpdateItem(ctx context.Context, id string, expectedVersion uint64, mutate ItemMutator) (types.WorkflowItem, error)

	// CreateThread stores a new feedback thread.
	CreateThread(ctx context.Context, thread types.FeedbackThread) error

	// GetThread retrieves a feedback thread by ID.
	GetThread(ctx context.Context, id string) (types.FeedbackThread, error)

	// ListThreads lazily yields feedback threads in creation order.
	ListThreads(ctx context.Context, filter types.ThreadFilter) iter.Seq2[types.FeedbackThread, error]

	// UpdateThread applies mutate to the thread if its version still equals expectedVersion.
	UpdateThread(ctx context.Context, id string, expectedVersion uint64, mutate ThreadMutator) (types.FeedbackThread, error)

	// CreatePlan stores a new manpower plan.
	CreatePlan(ctx context.Context, plan types.ManpowerPlan) error

	// GetPlan retrieves a manpower plan by ID.
	GetPlan(ctx context.Context, id string) (types.ManpowerPlan, error)

	// ListPlans lazily yields manpower plans in creation order.
	ListPlans(ctx context.Context, filter types.PlanFilter) iter.Seq2[types.ManpowerPlan, error]

	// UpdatePlan applies mutate to the plan if its version still equals expectedVersion.
	UpdatePlan(ctx context.Context, id string, expectedVersion uint64, mutate PlanMutator) (types.ManpowerPlan, error)
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}
