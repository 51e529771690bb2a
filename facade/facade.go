// Package facade is the single boundary the dashboard pages call: list and
// move workflow items, record actions, read page summaries, work the
// feedback board and walk the manpower plan. Every call returns a value or a
// types error.
package facade

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"go.uber.org/zap"

	"github.com/songzhibin97/shopfloor-flow/feedback"
	"github.com/songzhibin97/shopfloor-flow/metrics"
	"github.com/songzhibin97/shopfloor-flow/planning"
	"github.com/songzhibin97/shopfloor-flow/rules"
	"github.com/songzhibin97/shopfloor-flow/storage"
	"github.com/songzhibin97/shopfloor-flow/types"
	"github.com/songzhibin97/shopfloor-flow/workflow"
)

// ScoreRule names the attribute a page scores items by and its pass mark.
type ScoreRule struct {
	Field     string
	Threshold float64
}

// DefaultScoreRules are the pass marks shown on each dashboard page.
// Pages without a score are absent.
var DefaultScoreRules = map[types.Kind]ScoreRule{
	types.KindJoining:      {Field: "score", Threshold: 50},
	types.KindTraining:     {Field: "digitalScore", Threshold: 50},
	types.KindSkillUpgrade: {Field: "score", Threshold: 50},
	types.KindMultiSkill:   {Field: "score", Threshold: 50},
}

// Facade wires the stage machine, the feedback board, the planner and the
// metrics.
type Facade struct {
	store      storage.Storage
	machine    *workflow.Machine
	board      *feedback.Board
	planner    *planning.Planner
	evaluator  rules.Evaluator
	scoreRules map[types.Kind]ScoreRule
	logger     *zap.Logger
}

// Option configures a Facade.
type Option func(*Facade)

// WithEvaluator sets the evaluator used by ListWorkflowsWhere.
func WithEvaluator(e rules.Evaluator) Option {
	return func(f *Facade) {
		if e != nil {
			f.evaluator = e
		}
	}
}

// WithScoreRules replaces DefaultScoreRules.
func WithScoreRules(r map[types.Kind]ScoreRule) Option {
	return func(f *Facade) { f.scoreRules = r }
}

// WithLogger sets the facade logger.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Facade) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// New creates a Facade. store must be the store machine, board and planner
// write to.
func New(store storage.Storage, machine *workflow.Machine, board *feedback.Board, planner *planning.Planner, opts ...Option) (*Facade, error) {
	if store == nil || machine == nil || board == nil || planner == nil {
		return nil, errors.New("store, machine, board and planner are required")
	}
	f := &Facade{
		store:      store,
		machine:    machine,
		board:      board,
		planner:    planner,
		evaluator:  rules.NewExprEvaluator(),
		scoreRules: DefaultScoreRules,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Definition returns the stage table of kind.
func (f *Facade) Definition(kind types.Kind) (workflow.Definition, error) {
	return f.machine.Definition(kind)
}

// Workflows lazily yields items of kind that pass every filter, oldest
// first. An empty kind yields every kind.
func (f *Facade) Workflows(ctx context.Context, kind types.Kind, filters ...types.ItemFilter) iter.Seq2[types.WorkflowItem, error] {
	var filter types.ItemFilter
	if len(filters) > 0 {
		filter = func(item types.WorkflowItem) bool {
			for _, fl := range filters {
				if !fl.Match(item) {
					return false
				}
			}
			return true
		}
	}
	return f.store.ListItems(ctx, kind, filter)
}

// ListWorkflows collects Workflows into a slice.
func (f *Facade) ListWorkflows(ctx context.Context, kind types.Kind, filters ...types.ItemFilter) ([]types.WorkflowItem, error) {
	if kind != "" {
		if _, err := f.machine.Definition(kind); err != nil {
			return nil, err
		}
	}
	items := []types.WorkflowItem{}
	for item, err := range f.Workflows(ctx, kind, filters...) {
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// ListWorkflowsWhere lists items of kind for which expression holds. The
// expression sees the item's attributes plus id, kind, stage and status, for
// example `stage == "Digital" && digitalScore < 50`. Items the expression
// cannot be evaluated on are left out.
func (f *Facade) ListWorkflowsWhere(ctx context.Context, kind types.Kind, expression string) ([]types.WorkflowItem, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return f.ListWorkflows(ctx, kind)
	}
	if err := rules.Check(expression); err != nil {
		return nil, fmt.Errorf("%w: invalid filter: %v", types.ErrValidationFailed, err)
	}
	return f.ListWorkflows(ctx, kind, func(item types.WorkflowItem) bool {
		ok, err := f.evaluator.Evaluate(expression, filterEnv(item))
		if err != nil {
			f.logger.Debug("filter skipped item", zap.String("id", item.ID), zap.String("filter", expression), zap.Error(err))
			return false
		}
		return ok
	})
}

func filterEnv(item types.WorkflowItem) map[string]interface{} {
	env := types.CloneAttributes(item.Attributes)
	if env == nil {
		env = make(map[string]interface{}, 4)
	}
	env["id"] = item.ID
	env["kind"] = string(item.Kind)
	env["stage"] = item.Stage
	env["status"] = string(item.Status)
	return env
}

// GetWorkflow returns one item.
func (f *Facade) GetWorkflow(ctx context.Context, id string) (types.WorkflowItem, error) {
	return f.store.GetItem(ctx, id)
}

// CreateWorkflow starts a new item of kind in its initial stage.
func (f *Facade) CreateWorkflow(ctx context.Context, kind types.Kind, attributes map[string]interface{}, opts ...workflow.CreateOption) (types.WorkflowItem, error) {
	return f.machine.Create(ctx, kind, attributes, opts...)
}

// AdvanceWorkflow moves the current state of item id to targetStage. A
// concurrent writer between the read and the write yields
// types.ErrConflictingUpdate; callers re-read and retry. When two callers
// race to the same target, the loser may instead read the already advanced
// item and get types.ErrIllegalTransition, since its target is no longer a
// successor of the stored stage.
func (f *Facade) AdvanceWorkflow(ctx context.Context, id, targetStage, actor string) (types.WorkflowItem, error) {
	item, err := f.store.GetItem(ctx, id)
	if err != nil {
		return types.WorkflowItem{}, err
	}
	return f.machine.Advance(ctx, item, targetStage, actor)
}

// RejectWorkflow moves item id to its kind's failure stage.
func (f *Facade) RejectWorkflow(ctx context.Context, id, reason, actor string) (types.WorkflowItem, error) {
	item, err := f.store.GetItem(ctx, id)
	if err != nil {
		return types.WorkflowItem{}, err
	}
	return f.machine.Reject(ctx, item, reason, actor)
}

// RecordAction merges patch into item id's attributes without moving it,
// for example a submitted score or a ticked checklist item.
func (f *Facade) RecordAction(ctx context.Context, id string, patch map[string]interface{}, actor string) (types.WorkflowItem, error) {
	item, err := f.store.GetItem(ctx, id)
	if err != nil {
		return types.WorkflowItem{}, err
	}
	return f.machine.Annotate(ctx, item, patch, actor)
}

// Dashboard summarises every item of kind.
func (f *Facade) Dashboard(ctx context.Context, kind types.Kind) (metrics.Summary, error) {
	def, err := f.machine.Definition(kind)
	if err != nil {
		return metrics.Summary{}, err
	}
	items, err := f.ListWorkflows(ctx, kind)
	if err != nil {
		return metrics.Summary{}, err
	}
	rule := f.scoreRules[kind]
	return metrics.Summarize(def, items, rule.Field, rule.Threshold), nil
}

// HiringGap is metrics.HiringGapPercent over ad hoc figures.
func (f *Facade) HiringGap(_ context.Context, customerDI, forecast float64) (float64, error) {
	return metrics.HiringGapPercent(customerDI, forecast)
}

// PlanHiringGap is the hiring gap of the stored plan id.
func (f *Facade) PlanHiringGap(ctx context.Context, id string) (float64, error) {
	plan, err := f.planner.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return metrics.HiringGapPercent(plan.CustomerDI, plan.Forecast)
}

// CreatePlan raises a Draft manpower plan.
func (f *Facade) CreatePlan(ctx context.Context, in planning.Input, opts ...planning.CreateOption) (types.ManpowerPlan, error) {
	return f.planner.Create(ctx, in, opts...)
}

// GetPlan returns one plan.
func (f *Facade) GetPlan(ctx context.Context, id string) (types.ManpowerPlan, error) {
	return f.planner.Get(ctx, id)
}

// ListPlans returns every plan, oldest first.
func (f *Facade) ListPlans(ctx context.Context) ([]types.ManpowerPlan, error) {
	return f.planner.List(ctx)
}

// SetPlanStatus moves plan id one step along Draft, Validated, Released.
func (f *Facade) SetPlanStatus(ctx context.Context, id string, status types.PlanStatus, actor types.Actor) (types.ManpowerPlan, error) {
	return f.planner.SetStatus(ctx, id, status, actor)
}

// RecordGateReading appends an attendance gate count to a released plan.
func (f *Facade) RecordGateReading(ctx context.Context, id string, reading types.GateReading) (types.ManpowerPlan, error) {
	return f.planner.RecordGate(ctx, id, reading)
}

// Overview is the home page: every dashboard page at a glance.
type Overview struct {
	Pages          []metrics.Summary            `json:"pages"`
	ActiveCycles   int                          `json:"active_cycles"`
	Feedback       map[types.FeedbackStatus]int `json:"feedback"`
	UnreadFeedback int                          `json:"unread_feedback"`
	Plans          map[types.PlanStatus]int     `json:"plans"`
}

// Overview summarises every kind in dashboard order, counts observance
// items still in their cycle, and counts feedback threads and plans by
// status. Active threads are the unread ones.
func (f *Facade) Overview(ctx context.Context) (Overview, error) {
	o := Overview{
		Pages: make([]metrics.Summary, 0, len(types.Kinds)),
		Feedback: map[types.FeedbackStatus]int{
			types.FeedbackActive:    0,
			types.FeedbackCompleted: 0,
			types.FeedbackFlagged:   0,
		},
		Plans: make(map[types.PlanStatus]int, len(types.PlanStatuses)),
	}
	for _, status := range types.PlanStatuses {
		o.Plans[status] = 0
	}

	for _, kind := range types.Kinds {
		summary, err := f.Dashboard(ctx, kind)
		if err != nil {
			return Overview{}, err
		}
		o.Pages = append(o.Pages, summary)
		if kind == types.KindObservance {
			o.ActiveCycles = summary.ByStage[workflow.StageCycle]
		}
	}

	threads, err := f.board.List(ctx, types.RoleHR, "")
	if err != nil {
		return Overview{}, err
	}
	for _, thread := range threads {
		o.Feedback[thread.Status]++
	}
	o.UnreadFeedback = o.Feedback[types.FeedbackActive]

	plans, err := f.planner.List(ctx)
	if err != nil {
		return Overview{}, err
	}
	for _, plan := range plans {
		o.Plans[plan.Status]++
	}
	return o, nil
}

// ListFeedback returns the threads visible in view, oldest first.
func (f *Facade) ListFeedback(ctx context.Context, view types.Role, viewer string) ([]types.FeedbackThread, error) {
	return f.board.List(ctx, view, viewer)
}

// GetFeedback returns one thread.
func (f *Facade) GetFeedback(ctx context.Context, id string) (types.FeedbackThread, error) {
	return f.board.Get(ctx, id)
}

// PostFeedback opens a new thread.
func (f *Facade) PostFeedback(ctx context.Context, from, to string, typ types.FeedbackType, message string, opts ...feedback.PostOption) (types.FeedbackThread, error) {
	return f.board.Post(ctx, from, to, typ, message, opts...)
}

// Reply appends a reply to a thread.
func (f *Facade) Reply(ctx context.Context, threadID, from, message string) (types.FeedbackThread, error) {
	return f.board.Reply(ctx, threadID, from, message)
}

// SetFeedbackStatus moves a thread to status on behalf of actor.
func (f *Facade) SetFeedbackStatus(ctx context.Context, threadID string, status types.FeedbackStatus, actor types.Actor) (types.FeedbackThread, error) {
	return f.board.SetStatus(ctx, threadID, status, actor)
}
