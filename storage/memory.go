package storage

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/songzhibin97/shopfloor-flow/types"
)

// MemoryStorage is an in-memory implementation of the Storage interface.
// Reads hand out deep copies, so a returned item is never changed by a later write.
type MemoryStorage struct {
	items       map[string]types.WorkflowItem
	itemOrder   []string
	kindOrder   map[types.Kind][]string
	threads     map[string]types.FeedbackThread
	threadOrder []string
	plans       map[string]types.ManpowerPlan
	planOrder   []string
	mu          sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		items:     make(map[string]types.WorkflowItem),
		kindOrder: make(map[types.Kind][]string),
		threads:   make(map[string]types.FeedbackThread),
		plans:     make(map[string]types.ManpowerPlan),
	}
}

// getRecord is a standalone generic helper function.
func getRecord[T any](ctx context.Context, mu *sync.RWMutex, m map[string]T, id string, clone func(T) T) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		rec, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: id=%s", types.ErrNotFound, id)
		}
		return clone(rec), nil
	})
}

// listRecords yields records named by a snapshot of the index taken when
// iteration starts. Each record is read under its own short read lock.
func listRecords[T any](ctx context.Context, mu *sync.RWMutex, m map[string]T, index func() []string, clone func(T) T, match func(T) bool) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		mu.RLock()
		ids := append([]string(nil), index()...)
		mu.RUnlock()

		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				var zero T
				yield(zero, err)
				return
			}
			mu.RLock()
			rec, ok := m[id]
			if ok {
				rec = clone(rec)
			}
			mu.RUnlock()
			if !ok || !match(rec) {
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// CreateItem saves a new item to memory.
func (s *MemoryStorage) CreateItem(ctx context.Context, item types.WorkflowItem) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.items[item.ID]; ok {
			return fmt.Errorf("%w: id=%s", types.ErrDuplicateID, item.ID)
		}
		s.items[item.ID] = item.Clone()
		s.itemOrder = append(s.itemOrder, item.ID)
		s.kindOrder[item.Kind] = append(s.kindOrder[item.Kind], item.ID)
		return nil
	})
}

// GetItem retrieves an item from memory.
func (s *MemoryStorage) GetItem(ctx context.Context, id string) (types.WorkflowItem, error) {
	return getRecord(ctx, &s.mu, s.items, id, types.WorkflowItem.Clone)
}

// ListItems lists items of a kind in creation order.
func (s *MemoryStorage) ListItems(ctx context.Context, kind types.Kind, filter types.ItemFilter) iter.Seq2[types.WorkflowItem, error] {
	index := func() []string {
		if kind == "" {
			return s.itemOrder
		}
		return s.kindOrder[kind]
	}
	return listRecords(ctx, &s.mu, s.items, index, types.WorkflowItem.Clone, filter.Match)
}

// UpdateItem performs a compare-and-swap on the item's version.
func (s *MemoryStorage) UpdateItem(ctx context.Context, id string, expectedVersion uint64, mutate ItemMutator) (types.WorkflowItem, error) {
	return withContext(ctx, func() (types.WorkflowItem, error) {
		s.mu.Lock()
		defer s.mu.Unlock()

		current, ok := s.items[id]
		if !ok {
			return types.WorkflowItem{}, fmt.Errorf("%w: id=%s", types.ErrNotFound, id)
		}
		if current.Version != expectedVersion {
			return types.WorkflowItem{}, fmt.Errorf("%w: id=%s expected version %d, stored %d",
				types.ErrConflictingUpdate, id, expectedVersion, current.Version)
		}

		next := current.Clone()
		if err := mutate(&next); err != nil {
			return types.WorkflowItem{}, err
		}
		next.ID = current.ID
		next.Kind = current.Kind
		next.Version = current.Version + 1
		s.items[id] = next
		return next.Clone(), nil
	})
}

// CreateThread saves a new feedback thread to memory.
func (s *MemoryStorage) CreateThread(ctx context.Context, thread types.FeedbackThread) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.threads[thread.ID]; ok {
			return fmt.Errorf("%w: id=%s", types.ErrDuplicateID, thread.ID)
		}
		s.threads[thread.ID] = thread.Clone()
		s.threadOrder = append(s.threadOrder, thread.ID)
		return nil
	})
}

// GetThread retrieves a feedback thread from memory.
func (s *MemoryStorage) GetThread(ctx context.Context, id string) (types.FeedbackThread, error) {
	return getRecord(ctx, &s.mu, s.threads, id, types.FeedbackThread.Clone)
}

// ListThreads lists feedback threads in creation order.
func (s *MemoryStorage) ListThreads(ctx context.Context, filter types.ThreadFilter) iter.Seq2[types.FeedbackThread, error] {
	index := func() []string { return s.threadOrder }
	return listRecords(ctx, &s.mu, s.threads, index, types.FeedbackThread.Clone, filter.Match)
}

// UpdateThread performs a compare-and-swap on the thread's version.
func (s *MemoryStorage) UpdateThread(ctx context.Context, id string, expectedVersion uint64, mutate ThreadMutator) (types.FeedbackThread, error) {
	return withContext(ctx, func() (types.FeedbackThread, error) {
		s.mu.Lock()
		defer s.mu.Unlock()

		current, ok := s.threads[id]
		if !ok {
			return types.FeedbackThread{}, fmt.Errorf("%w: id=%s", types.ErrNotFound, id)
		}
		if current.Version != expectedVersion {
			return types.FeedbackThread{}, fmt.Errorf("%w: id=%s expected version %d, stored %d",
				types.ErrConflictingUpdate, id, expectedVersion, current.Version)
		}

		next := current.Clone()
		if err := mutate(&next); err != nil {
			return types.FeedbackThread{}, err
		}
		next.ID = current.ID
		next.Version = current.Version + 1
		s.threads[id] = next
		return next.Clone(), nil
	})
}

// CreatePlan saves a new manpower plan to memory.
func (s *MemoryStorage) CreatePlan(ctx context.Context, plan types.ManpowerPlan) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.plans[plan.ID]; ok {
			return fmt.Errorf("%w: id=%s", types.ErrDuplicateID, plan.ID)
		}
		s.plans[plan.ID] = plan.Clone()
		s.planOrder = append(s.planOrder, plan.ID)
		return nil
	})
}

// GetPlan retrieves a manpower plan from memory.
func (s *MemoryStorage) GetPlan(ctx context.Context, id string) (types.ManpowerPlan, error) {
	return getRecord(ctx, &s.mu, s.plans, id, types.ManpowerPlan.Clone)
}

// ListPlans lists manpower plans in creation order.
func (s *MemoryStorage) ListPlans(ctx context.Context, filter types.PlanFilter) iter.Seq2[types.ManpowerPlan, error] {
	index := func() []string { return s.planOrder }
	return listRecords(ctx, &s.mu, s.plans, index, types.ManpowerPlan.Clone, filter.Match)
}

// UpdatePlan performs a compare-and-swap on the plan's version.
func (s *MemoryStorage) UpdatePlan(ctx context.Context, id string, expectedVersion uint64, mutate PlanMutator) (types.ManpowerPlan, error) {
	return withContext(ctx, func() (types.ManpowerPlan, error) {
		s.mu.Lock()
		defer s.mu.Unlock()

		current, ok := s.plans[id]
		if !ok {
			return types.ManpowerPlan{}, fmt.Errorf("%w: id=%s", types.ErrNotFound, id)
		}
		if current.Version != expectedVersion {
			return types.ManpowerPlan{}, fmt.Errorf("%w: id=%s expected version %d, stored %d",
				types.ErrConflictingUpdate, id, expectedVersion, current.Version)
		}

		next := current.Clone()
		if err := mutate(&next); err != nil {
			return types.ManpowerPlan{}, err
		}
		next.ID = current.ID
		next.Version = current.Version + 1
		s.plans[id] = next
		return next.Clone(), nil
	})
}

var _ Storage = (*MemoryStorage)(nil)
