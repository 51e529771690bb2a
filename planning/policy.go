// Package planning tracks the joining page's manpower plan: the indent raised
// from the customer forecast, its Draft, Validated and Released lifecycle, and
// the attendance gate counts recorded once the indent is released.
package planning

import (
	"fmt"

	"github.com/songzhibin97/shopfloor-flow/types"
)

// CheckTransition reports whether actor may move plan to status.
//
//	Draft     -> Validated  manager or hr
//	Validated -> Released   hr
//
// Statuses move one step forward only; Released is terminal.
func CheckTransition(plan types.ManpowerPlan, status types.PlanStatus, actor types.Actor) error {
	next, ok := plan.Status.Next()
	if !ok || next != status {
		return fmt.Errorf("%w: plan %s cannot move from %s to %s", types.ErrIllegalTransition, plan.ID, plan.Status, status)
	}

	switch status {
	case types.PlanValidated:
		if actor.Role == types.RoleManager || actor.Role == types.RoleHR {
			return nil
		}
	case types.PlanReleased:
		if actor.Role == types.RoleHR {
			return nil
		}
	}
	return fmt.Errorf("%w: %s %q may not move plan %s to %s",
		types.ErrUnauthorized, actor.Role, actor.Name, plan.ID, status)
}
