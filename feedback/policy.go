// Package feedback implements the feedback board: threads between employees,
// their replies, and the role rules on status changes.
package feedback

import (
	"fmt"

	"github.com/songzhibin97/shopfloor-flow/types"
)

// CheckTransition reports whether actor may move thread to status.
//
//	Active  -> Completed  manager, hr, or the thread's recipient
//	Active  -> Flagged    hr
//	Flagged -> Active     hr (review cleared)
//	Flagged -> Completed  hr (review closed)
//
// Completed is terminal. Moves that are not in the table fail with
// types.ErrIllegalTransition; moves the actor may not make fail with
// types.ErrUnauthorized.
func CheckTransition(thread types.FeedbackThread, status types.FeedbackStatus, actor types.Actor) error {
	from := thread.Status
	switch {
	case from == status:
		return fmt.Errorf("%w: thread %s is already %s", types.ErrIllegalTransition, thread.ID, status)
	case from == types.FeedbackCompleted:
		return fmt.Errorf("%w: thread %s is completed", types.ErrIllegalTransition, thread.ID)
	}

	switch {
	case from == types.FeedbackActive && status == types.FeedbackCompleted:
		if actor.Role == types.RoleManager || actor.Role == types.RoleHR || (actor.Name != "" && actor.Name == thread.To) {
			return nil
		}
	case from == types.FeedbackActive && status == types.FeedbackFlagged,
		from == types.FeedbackFlagged:
		if actor.Role == types.RoleHR {
			return nil
		}
	default:
		return fmt.Errorf("%w: thread %s cannot move from %s to %s", types.ErrIllegalTransition, thread.ID, from, status)
	}
	return fmt.Errorf("%w: %s %q may not move thread %s from %s to %s",
		types.ErrUnauthorized, actor.Role, actor.Name, thread.ID, from, status)
}
