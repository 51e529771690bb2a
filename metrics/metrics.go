// Package metrics computes the aggregates shown on the dashboard pages.
// Every function is pure and safe for concurrent use.
package metrics

import (
	"fmt"
	"math"

	"github.com/spf13/cast"

	"github.com/songzhibin97/shopfloor-flow/types"
	"github.com/songzhibin97/shopfloor-flow/workflow"
)

// DefaultCycleDays is the length of an operator observance cycle.
const DefaultCycleDays = 16

// HiringGapPercent returns (forecast - customerDI) / customerDI * 100
// rounded to one decimal place. Inputs and the result must be finite.
func HiringGapPercent(customerDI, forecast float64) (float64, error) {
	if !finite(customerDI) || !finite(forecast) {
		return 0, fmt.Errorf("%w: customer DI %v and forecast %v must be finite",
			types.ErrValidationFailed, customerDI, forecast)
	}
	if customerDI == 0 {
		return 0, fmt.Errorf("%w: customer DI is zero", types.ErrDivisionByZero)
	}
	gap := (forecast - customerDI) / customerDI * 100
	if !finite(gap) {
		return 0, fmt.Errorf("%w: hiring gap overflows for customer DI %v", types.ErrValidationFailed, customerDI)
	}
	return math.Round(gap*10) / 10, nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// GateHeadcount is the on-floor headcount at the latest gate reading.
func GateHeadcount(readings []types.GateReading) int {
	if len(readings) == 0 {
		return 0
	}
	last := readings[len(readings)-1]
	return last.Entry - last.Exit
}

// CycleProgressPercent is CycleProgressPercentOf over DefaultCycleDays.
func CycleProgressPercent(cycleDay int) int {
	p, _ := CycleProgressPercentOf(cycleDay, DefaultCycleDays)
	return p
}

// CycleProgressPercentOf returns min(100, round(cycleDay/totalDays*100)).
// Negative days count as zero.
func CycleProgressPercentOf(cycleDay, totalDays int) (int, error) {
	if totalDays <= 0 {
		return 0, fmt.Errorf("%w: cycle length %d", types.ErrDivisionByZero, totalDays)
	}
	if cycleDay < 0 {
		cycleDay = 0
	}
	if cycleDay >= totalDays {
		return 100, nil
	}
	p := int(math.Round(float64(cycleDay) / float64(totalDays) * 100))
	return min(p, 100), nil
}

// PassFail partitions items by score.
type PassFail struct {
	Pass     int `json:"pass"`
	Fail     int `json:"fail"`
	Unscored int `json:"unscored"`
}

// PassFailCounts counts items whose scoreField is >= threshold as passing.
// A missing or non-numeric score is Unscored.
func PassFailCounts(items []types.WorkflowItem, scoreField string, threshold float64) PassFail {
	var pf PassFail
	for _, item := range items {
		score, ok := numeric(item.Attributes[scoreField])
		switch {
		case !ok:
			pf.Unscored++
		case score >= threshold:
			pf.Pass++
		default:
			pf.Fail++
		}
	}
	return pf
}

// numeric accepts numbers and numeric strings; booleans are not scores.
func numeric(v interface{}) (float64, bool) {
	switch v.(type) {
	case nil, bool:
		return 0, false
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return 0, false
	}
	return f, true
}

// StageCounts returns how many items sit in each stage.
func StageCounts(items []types.WorkflowItem) map[string]int {
	counts := make(map[string]int)
	for _, item := range items {
		counts[item.Stage]++
	}
	return counts
}

// StageProgressPercent is the stepper progress bar for stage: 0 at the
// initial stage, 100 at the final one. The failure stage reports 0.
func StageProgressPercent(def workflow.Definition, stage string) int {
	i := def.Index(stage)
	if i < 0 || len(def.Stages) < 2 {
		return 0
	}
	return int(math.Round(float64(i) / float64(len(def.Stages)-1) * 100))
}

// Summary is the aggregate view of one kind's dashboard page.
type Summary struct {
	Kind      types.Kind     `json:"kind"`
	Stages    []string       `json:"stages"`
	Total     int            `json:"total"`
	Active    int            `json:"active"`
	Completed int            `json:"completed"`
	Failed    int            `json:"failed"`
	ByStage   map[string]int `json:"by_stage"`
	Scores    PassFail       `json:"scores"`
}

// Summarize aggregates items of def's kind. Every stage of the kind,
// including the failure stage, appears in ByStage.
func Summarize(def workflow.Definition, items []types.WorkflowItem, scoreField string, threshold float64) Summary {
	s := Summary{
		Kind:    def.Kind,
		Stages:  append(append([]string{}, def.Stages...), def.FailureStage),
		ByStage: make(map[string]int, len(def.Stages)+1),
	}
	for _, stage := range s.Stages {
		s.ByStage[stage] = 0
	}
	for stage, n := range StageCounts(items) {
		s.ByStage[stage] += n
	}
	for _, item := range items {
		s.Total++
		switch def.StatusOf(item.Stage) {
		case types.StatusCompleted:
			s.Completed++
		case types.StatusFailed:
			s.Failed++
		default:
			s.Active++
		}
	}
	if scoreField != "" {
		s.Scores = PassFailCounts(items, scoreField, threshold)
	}
	return s
}
