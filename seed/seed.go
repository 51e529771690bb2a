// Package seed replays the dashboard's sample records through the facade,
// so seeded items carry the same history a real user would have produced.
package seed

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/shopfloor-flow/facade"
	"github.com/songzhibin97/shopfloor-flow/feedback"
	"github.com/songzhibin97/shopfloor-flow/planning"
	"github.com/songzhibin97/shopfloor-flow/types"
	"github.com/songzhibin97/shopfloor-flow/workflow"
)

// Actor is recorded on every history entry the seed produces.
const Actor = "seed"

//go:embed dashboard.yaml
var dashboard []byte

// Planning is the manpower plan shown on the joining page, walked to
// `status` and given its gate readings once released.
type Planning struct {
	ID               string              `yaml:"id"`
	CustomerDI       float64             `yaml:"customerDI"`
	Forecast         float64             `yaml:"forecast"`
	CurrentStrength  int                 `yaml:"currentStrength"`
	RequiredStrength int                 `yaml:"requiredStrength"`
	Status           types.PlanStatus    `yaml:"status"`
	Gate             []types.GateReading `yaml:"gate"`
}

// Workflow is one sample item and the stage it should end up in.
type Workflow struct {
	ID         string                 `yaml:"id"`
	Kind       types.Kind             `yaml:"kind"`
	Stage      string                 `yaml:"stage"`
	Reject     string                 `yaml:"reject"`
	Attributes map[string]interface{} `yaml:"attributes"`
}

// Reply is one sample reply.
type Reply struct {
	From    string `yaml:"from"`
	Message string `yaml:"message"`
}

// Thread is one sample feedback thread.
type Thread struct {
	ID      string               `yaml:"id"`
	Type    types.FeedbackType   `yaml:"type"`
	From    string               `yaml:"from"`
	To      string               `yaml:"to"`
	Message string               `yaml:"message"`
	Status  types.FeedbackStatus `yaml:"status"`
	Replies []Reply              `yaml:"replies"`
}

// Fixture is the parsed seed file.
type Fixture struct {
	Planning  *Planning  `yaml:"planning"`
	Workflows []Workflow `yaml:"workflows"`
	Feedback  []Thread   `yaml:"feedback"`
}

// Parse decodes a seed file.
func Parse(data []byte) (*Fixture, error) {
	var fx Fixture
	if err := yaml.Unmarshal(data, &fx); err != nil {
		return nil, fmt.Errorf("seed: parsing: %w", err)
	}
	return &fx, nil
}

// Default returns the embedded dashboard fixture.
func Default() (*Fixture, error) {
	return Parse(dashboard)
}

// ReadFile parses the seed file at path, or the embedded one when path is empty.
func ReadFile(path string) (*Fixture, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("seed: reading %s: %w", path, err)
	}
	return Parse(data)
}

// Stats counts what Load did.
type Stats struct {
	Workflows int
	Threads   int
	Plans     int
	Resumed   int
	Skipped   int
}

type outcome int

const (
	created outcome = iota
	resumed
	skipped
)

func (s *Stats) count(o outcome, fresh *int) {
	switch o {
	case created:
		*fresh++
	case resumed:
		s.Resumed++
	default:
		s.Skipped++
	}
}

// Load creates every record of fx through f. A record whose id already
// exists is resumed from its stored state when an earlier Load stopped
// part way through it, and skipped otherwise, so a persistent store can be
// seeded on every start. Load stops at the first other error.
func Load(ctx context.Context, f *facade.Facade, fx *Fixture, logger *zap.Logger) (Stats, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var stats Stats

	for _, w := range fx.Workflows {
		o, err := loadWorkflow(ctx, f, w)
		if err != nil {
			return stats, fmt.Errorf("seed: workflow %s: %w", w.ID, err)
		}
		if o != created {
			logger.Debug("seed workflow exists", zap.String("id", w.ID), zap.Bool("resumed", o == resumed))
		}
		stats.count(o, &stats.Workflows)
	}

	for _, t := range fx.Feedback {
		o, err := loadThread(ctx, f, t)
		if err != nil {
			return stats, fmt.Errorf("seed: feedback %s: %w", t.ID, err)
		}
		if o != created {
			logger.Debug("seed thread exists", zap.String("id", t.ID), zap.Bool("resumed", o == resumed))
		}
		stats.count(o, &stats.Threads)
	}

	if fx.Planning != nil {
		o, err := loadPlan(ctx, f, *fx.Planning)
		if err != nil {
			return stats, fmt.Errorf("seed: plan %s: %w", fx.Planning.ID, err)
		}
		stats.count(o, &stats.Plans)
	}

	logger.Info("seed loaded",
		zap.Int("workflows", stats.Workflows),
		zap.Int("threads", stats.Threads),
		zap.Int("plans", stats.Plans),
		zap.Int("resumed", stats.Resumed),
		zap.Int("skipped", stats.Skipped),
	)
	return stats, nil
}

func loadWorkflow(ctx context.Context, f *facade.Facade, w Workflow) (outcome, error) {
	def, err := f.Definition(w.Kind)
	if err != nil {
		return skipped, err
	}
	target := def.Index(w.Stage)
	if target < 0 {
		return skipped, fmt.Errorf("%w: %s has no stage %q", types.ErrValidationFailed, w.Kind, w.Stage)
	}

	var opts []workflow.CreateOption
	if w.ID != "" {
		opts = append(opts, workflow.WithID(w.ID))
	}
	result, current := created, 0
	item, err := f.CreateWorkflow(ctx, w.Kind, w.Attributes, opts...)
	if errors.Is(err, types.ErrDuplicateID) {
		if item, err = f.GetWorkflow(ctx, w.ID); err != nil {
			return skipped, err
		}
		current = def.Index(item.Stage)
		done := item.Kind != w.Kind || item.IsTerminal() || current < 0 || current > target ||
			(current == target && w.Reject == "")
		if done {
			return skipped, nil
		}
		result = resumed
	} else if err != nil {
		return skipped, err
	}

	for _, stage := range def.Stages[current+1 : target+1] {
		if item, err = f.AdvanceWorkflow(ctx, item.ID, stage, Actor); err != nil {
			return skipped, err
		}
	}
	if w.Reject != "" {
		if _, err = f.RejectWorkflow(ctx, item.ID, w.Reject, Actor); err != nil {
			return skipped, err
		}
	}
	return result, nil
}

func loadThread(ctx context.Context, f *facade.Facade, t Thread) (outcome, error) {
	var opts []feedback.PostOption
	if t.ID != "" {
		opts = append(opts, feedback.WithThreadID(t.ID))
	}
	result := created
	thread, err := f.PostFeedback(ctx, t.From, t.To, t.Type, t.Message, opts...)
	if errors.Is(err, types.ErrDuplicateID) {
		if thread, err = f.GetFeedback(ctx, t.ID); err != nil {
			return skipped, err
		}
		// Only an Active thread can still take the fixture's replies.
		pendingStatus := t.Status != "" && t.Status != thread.Status
		if thread.Status != types.FeedbackActive || (len(thread.Replies) >= len(t.Replies) && !pendingStatus) {
			return skipped, nil
		}
		result = resumed
	} else if err != nil {
		return skipped, err
	}

	for _, r := range t.Replies[min(len(thread.Replies), len(t.Replies)):] {
		if _, err := f.Reply(ctx, thread.ID, r.From, r.Message); err != nil {
			return skipped, err
		}
	}
	if t.Status != "" && t.Status != thread.Status {
		if _, err := f.SetFeedbackStatus(ctx, thread.ID, t.Status, types.Actor{Name: Actor, Role: types.RoleHR}); err != nil {
			return skipped, err
		}
	}
	return result, nil
}

func loadPlan(ctx context.Context, f *facade.Facade, p Planning) (outcome, error) {
	target := p.Status
	if target == "" {
		target = types.PlanDraft
	}
	if !target.Valid() {
		return skipped, fmt.Errorf("%w: unknown plan status %q", types.ErrValidationFailed, p.Status)
	}
	if len(p.Gate) > 0 && target != types.PlanReleased {
		return skipped, fmt.Errorf("%w: gate readings need a released plan", types.ErrValidationFailed)
	}

	var opts []planning.CreateOption
	if p.ID != "" {
		opts = append(opts, planning.WithPlanID(p.ID))
	}
	result := created
	plan, err := f.CreatePlan(ctx, planning.Input{
		CustomerDI:       p.CustomerDI,
		Forecast:         p.Forecast,
		CurrentStrength:  p.CurrentStrength,
		RequiredStrength: p.RequiredStrength,
	}, opts...)
	if errors.Is(err, types.ErrDuplicateID) {
		if plan, err = f.GetPlan(ctx, p.ID); err != nil {
			return skipped, err
		}
		if !plan.Status.Before(target) && len(plan.Gate) >= len(p.Gate) {
			return skipped, nil
		}
		result = resumed
	} else if err != nil {
		return skipped, err
	}

	actor := types.Actor{Name: Actor, Role: types.RoleHR}
	for plan.Status.Before(target) {
		next, _ := plan.Status.Next()
		if plan, err = f.SetPlanStatus(ctx, plan.ID, next, actor); err != nil {
			return skipped, err
		}
	}
	if plan.Status == types.PlanReleased {
		for _, reading := range p.Gate[min(len(plan.Gate), len(p.Gate)):] {
			if plan, err = f.RecordGateReading(ctx, plan.ID, reading); err != nil {
				return skipped, err
			}
		}
	}
	return result, nil
}
