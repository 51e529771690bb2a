package types

// PlanStatus is the lifecycle state of a manpower indent.
type PlanStatus string

const (
	PlanDraft     PlanStatus = "Draft"
	PlanValidated PlanStatus = "Validated"
	PlanReleased  PlanStatus = "Released"
)

// PlanStatuses lists the indent lifecycle in order. Each status may only move
// to the next one.
var PlanStatuses = []PlanStatus{PlanDraft, PlanValidated, PlanReleased}

// Valid reports whether s is a known plan status.
func (s PlanStatus) Valid() bool {
	return s.index() >= 0
}

func (s PlanStatus) index() int {
	for i, p := range PlanStatuses {
		if p == s {
			return i
		}
	}
	return -1
}

// Next returns the status that follows s. The second result is false for
// Released and unknown statuses.
func (s PlanStatus) Next() (PlanStatus, bool) {
	i := s.index()
	if i < 0 || i == len(PlanStatuses)-1 {
		return "", false
	}
	return PlanStatuses[i+1], true
}

// Before reports whether s comes earlier in the lifecycle than other.
func (s PlanStatus) Before(other PlanStatus) bool {
	return s.index() < other.index()
}

// GateReading is one hourly attendance gate count.
type GateReading struct {
	Time  string `json:"time"`
	Entry int    `json:"entry"`
	Exit  int    `json:"exit"`
}

// ManpowerPlan is the joining page's capacity plan and the indent raised
// from it, together with the attendance gate counts of the hiring cycle.
type ManpowerPlan struct {
	ID               string        `json:"id"`
	CustomerDI       float64       `json:"customer_di"`
	Forecast         float64       `json:"forecast"`
	CurrentStrength  int           `json:"current_strength"`
	RequiredStrength int           `json:"required_strength"`
	Status           PlanStatus    `json:"status"`
	Gate             []GateReading `json:"gate"`
	Version          uint64        `json:"version"`
	CreatedAt        int64         `json:"created_at"`
	UpdatedAt        int64         `json:"updated_at"`
}

// NetHiringNeed is the headcount still to be hired.
func (p ManpowerPlan) NetHiringNeed() int {
	return p.RequiredStrength - p.CurrentStrength
}

// Clone returns a deep copy of the plan.
func (p ManpowerPlan) Clone() ManpowerPlan {
	c := p
	if p.Gate != nil {
		c.Gate = make([]GateReading, len(p.Gate))
		copy(c.Gate, p.Gate)
	}
	return c
}

// PlanFilter selects plans. A nil filter matches everything.
type PlanFilter func(ManpowerPlan) bool

// Match applies the filter, treating nil as match-all.
func (f PlanFilter) Match(p ManpowerPlan) bool {
	return f == nil || f(p)
}
