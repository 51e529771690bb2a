package workflow

import (
	"errors"
	"fmt"
	"slices"

	"github.com/songzhibin97/shopfloor-flow/types"
)

// Transition names a move between two stages of one kind.
type Transition struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

// Definition is the data a kind supplies to the generic Machine: its ordered
// stages, the terminal failure stage reached by Reject, guard expressions per
// transition, and the lateral moves allowed besides the immediate successor.
//
// The last entry of Stages is the successful terminal stage.
type Definition struct {
	Kind         types.Kind            `json:"kind"`
	Stages       []string              `json:"stages"`
	FailureStage string                `json:"failure_stage"`
	Guards       map[Transition]string `json:"-"`
	Lateral      []Transition          `json:"lateral,omitempty"`
}

// Initial returns the stage new items start in.
func (d Definition) Initial() string {
	return d.Stages[0]
}

// Final returns the successful terminal stage.
func (d Definition) Final() string {
	return d.Stages[len(d.Stages)-1]
}

// Index returns the position of stage in the ordered list, or -1.
func (d Definition) Index(stage string) int {
	return slices.Index(d.Stages, stage)
}

// HasStage reports whether stage belongs to this kind's vocabulary.
func (d Definition) HasStage(stage string) bool {
	return d.Index(stage) >= 0 || stage == d.FailureStage
}

// Successor returns the stage after stage, if any.
func (d Definition) Successor(stage string) (string, bool) {
	i := d.Index(stage)
	if i < 0 || i+1 >= len(d.Stages) {
		return "", false
	}
	return d.Stages[i+1], true
}

// StatusOf derives the item status for stage.
func (d Definition) StatusOf(stage string) types.Status {
	switch stage {
	case d.Final():
		return types.StatusCompleted
	case d.FailureStage:
		return types.StatusFailed
	default:
		return types.StatusActive
	}
}

// IsTerminal reports whether no transition leaves stage.
func (d Definition) IsTerminal(stage string) bool {
	return d.StatusOf(stage) != types.StatusActive
}

// Allows reports whether from -> to is the immediate successor or a whitelisted lateral move.
func (d Definition) Allows(from, to string) bool {
	if next, ok := d.Successor(from); ok && next == to {
		return true
	}
	return slices.Contains(d.Lateral, Transition{From: from, To: to})
}

// Guard returns the guard expression for from -> to, if one is configured.
func (d Definition) Guard(from, to string) (string, bool) {
	expression, ok := d.Guards[Transition{From: from, To: to}]
	return expression, ok && expression != ""
}

// Validate checks the definition is internally consistent.
func (d Definition) Validate() error {
	if d.Kind == "" {
		return errors.New("definition kind is required")
	}
	if len(d.Stages) < 2 {
		return fmt.Errorf("%s: at least two stages are required", d.Kind)
	}
	seen := make(map[string]bool, len(d.Stages))
	for _, s := range d.Stages {
		if s == "" {
			return fmt.Errorf("%s: empty stage name", d.Kind)
		}
		if seen[s] {
			return fmt.Errorf("%s: duplicate stage %q", d.Kind, s)
		}
		seen[s] = true
	}
	if d.FailureStage == "" || seen[d.FailureStage] {
		return fmt.Errorf("%s: failure stage must be set and outside the ordered stages", d.Kind)
	}
	for t := range d.Guards {
		if d.Index(t.From) < 0 || !d.HasStage(t.To) {
			return fmt.Errorf("%s: guard on unknown transition %s -> %s", d.Kind, t.From, t.To)
		}
	}
	for _, t := range d.Lateral {
		from, to := d.Index(t.From), d.Index(t.To)
		if from < 0 || from == len(d.Stages)-1 {
			return fmt.Errorf("%s: lateral move from non-active stage %q", d.Kind, t.From)
		}
		// Lateral moves may only go forward or into the failure stage.
		if t.To != d.FailureStage && to <= from {
			return fmt.Errorf("%s: lateral move %s -> %s goes backwards", d.Kind, t.From, t.To)
		}
	}
	return nil
}

// Stage names per kind.
const (
	StagePlanning    = "Planning"
	StageRecruitment = "Recruitment"
	StageJoining     = "Joining"
	StageAttendance  = "Attendance"
	StageReports     = "Reports"

	StageDigital   = "Digital"
	StagePractical = "Practical"
	StageHandover  = "Handover"

	StageCycle       = "Cycle"
	StageObservation = "Observation"
	StageEvaluation  = "Evaluation"
	StageMatrix      = "Matrix"
	StageReEdu       = "Re-Education"

	StageEligibility = "Eligibility"
	StageResults     = "Results"
	StageReEducation = "ReEducation"

	StageRequest    = "Request"
	StageValidation = "Validation"
	StageTrial      = "Trial"
	StageApproval   = "Approval"

	StageTraining = "Training"

	StageRejected = "Rejected"
	StageFailed   = "Failed"
)

// DefaultDefinitions returns the stage tables of the six dashboard workflows.
func DefaultDefinitions() []Definition {
	return []Definition{
		{
			Kind:         types.KindJoining,
			Stages:       []string{StagePlanning, StageRecruitment, StageJoining, StageAttendance, StageReports},
			FailureStage: StageRejected,
			Guards: map[Transition]string{
				{StageRecruitment, StageJoining}: "score >= 50",
			},
		},
		{
			Kind:         types.KindTraining,
			Stages:       []string{StageDigital, StagePractical, StageHandover, StageReports},
			FailureStage: StageFailed,
			Guards: map[Transition]string{
				{StageDigital, StagePractical}:  "digitalScore >= 50",
				{StagePractical, StageHandover}: `practicalStatus == "Pass"`,
			},
		},
		{
			Kind:         types.KindObservance,
			Stages:       []string{StageCycle, StageObservation, StageEvaluation, StageMatrix},
			FailureStage: StageReEdu,
			Guards: map[Transition]string{
				{StageCycle, StageObservation}:      "cycleDay >= 16",
				{StageObservation, StageEvaluation}: `obsStatus == "Conformity"`,
				{StageObservation, StageReEdu}:      `obsStatus == "Non-Conformity"`,
			},
			Lateral: []Transition{{StageObservation, StageReEdu}},
		},
		{
			Kind:         types.KindSkillUpgrade,
			Stages:       []string{StageEligibility, StageEvaluation, StageResults},
			FailureStage: StageReEducation,
			Guards: map[Transition]string{
				{StageEvaluation, StageResults}: "score != nil",
			},
		},
		{
			Kind:         types.KindManChange,
			Stages:       []string{StageRequest, StageValidation, StageTrial, StageApproval},
			FailureStage: StageRejected,
			Guards: map[Transition]string{
				{StageValidation, StageTrial}: "skillMatch == true && trainingComplete == true && safetyInduction == true",
			},
		},
		{
			Kind:         types.KindMultiSkill,
			Stages:       []string{StageEligibility, StageTraining, StageEvaluation, StageMatrix},
			FailureStage: StageFailed,
			Guards: map[Transition]string{
				{StageTraining, StageEvaluation}: "progress == 100",
				{StageEvaluation, StageMatrix}:   "score != nil",
			},
		},
	}
}

// Registry holds one Definition per kind.
type Registry struct {
	defs map[types.Kind]Definition
}

// NewRegistry validates and indexes defs. Later definitions of a kind replace earlier ones.
func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{defs: make(map[types.Kind]Definition, len(defs))}
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		r.defs[d.Kind] = d
	}
	return r, nil
}

// DefaultRegistry returns a registry of DefaultDefinitions.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(DefaultDefinitions()...)
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup returns the definition for kind.
func (r *Registry) Lookup(kind types.Kind) (Definition, error) {
	d, ok := r.defs[kind]
	if !ok {
		return Definition{}, fmt.Errorf("%w: unknown workflow kind %q", types.ErrValidationFailed, kind)
	}
	return d, nil
}
