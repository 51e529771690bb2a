package types

// Kind identifies a workflow family. Each kind owns its own stage vocabulary.
type Kind string

const (
	KindJoining      Kind = "Joining"
	KindTraining     Kind = "Training"
	KindObservance   Kind = "Observance"
	KindSkillUpgrade Kind = "SkillUpgrade"
	KindManChange    Kind = "ManChange"
	KindMultiSkill   Kind = "MultiSkill"
)

// Kinds lists every workflow kind in dashboard order.
var Kinds = []Kind{KindJoining, KindTraining, KindObservance, KindSkillUpgrade, KindManChange, KindMultiSkill}

// ParseKind resolves a kind name. The second result is false for unknown names.
func ParseKind(s string) (Kind, bool) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

// Status is derived from an item's stage.
type Status string

const (
	StatusActive    Status = "Active"
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
)

// Outcome records how a history entry was produced.
type Outcome string

const (
	OutcomeAdvanced Outcome = "Advanced"
	OutcomeRejected Outcome = "Rejected"
)

// HistoryEntry is one stage change. Entries are only ever appended.
type HistoryEntry struct {
	From      string  `json:"from"`
	To        string  `json:"to"`
	Actor     string  `json:"actor"`
	Timestamp int64   `json:"timestamp"`
	Outcome   Outcome `json:"outcome"`
	Reason    string  `json:"reason,omitempty"`
}

// WorkflowItem is one tracked instance of a multi-stage HR process.
type WorkflowItem struct {
	ID         string                 `json:"id"`
	Kind       Kind                   `json:"kind"`
	Stage      string                 `json:"stage"`
	Status     Status                 `json:"status"`
	Attributes map[string]interface{} `json:"attributes"`
	History    []HistoryEntry         `json:"history"`
	Version    uint64                 `json:"version"`
	CreatedAt  int64                  `json:"created_at"`
	UpdatedAt  int64                  `json:"updated_at"`
}

// IsTerminal reports whether no further transition is possible.
func (w WorkflowItem) IsTerminal() bool {
	return w.Status == StatusCompleted || w.Status == StatusFailed
}

// Clone returns a deep copy so callers never share attribute maps or history
// with the store.
func (w WorkflowItem) Clone() WorkflowItem {
	c := w
	c.Attributes = CloneAttributes(w.Attributes)
	if w.History != nil {
		c.History = make([]HistoryEntry, len(w.History))
		copy(c.History, w.History)
	}
	return c
}

// ItemFilter selects workflow items. A nil filter matches everything.
type ItemFilter func(WorkflowItem) bool

// Match applies the filter, treating nil as match-all.
func (f ItemFilter) Match(item WorkflowItem) bool {
	return f == nil || f(item)
}

// FeedbackType classifies a feedback thread.
type FeedbackType string

const (
	FeedbackPraise      FeedbackType = "Praise"
	FeedbackImprovement FeedbackType = "Improvement"
	FeedbackGeneral     FeedbackType = "General"
)

// Valid reports whether t is a known feedback type.
func (t FeedbackType) Valid() bool {
	switch t {
	case FeedbackPraise, FeedbackImprovement, FeedbackGeneral:
		return true
	}
	return false
}

// FeedbackStatus is the lifecycle state of a thread.
type FeedbackStatus string

const (
	FeedbackActive    FeedbackStatus = "Active"
	FeedbackCompleted FeedbackStatus = "Completed"
	FeedbackFlagged   FeedbackStatus = "Flagged"
)

// Valid reports whether s is a known feedback status.
func (s FeedbackStatus) Valid() bool {
	switch s {
	case FeedbackActive, FeedbackCompleted, FeedbackFlagged:
		return true
	}
	return false
}

// Role is the caller-supplied role of an actor.
type Role string

const (
	RoleEmployee Role = "employee"
	RoleManager  Role = "manager"
	RoleHR       Role = "hr"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleEmployee, RoleManager, RoleHR:
		return true
	}
	return false
}

// Actor identifies who performs a feedback operation.
type Actor struct {
	Name string `json:"name"`
	Role Role   `json:"role"`
}

// Reply is one message appended to a feedback thread.
type Reply struct {
	From      string `json:"from"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// FeedbackThread is a feedback message with its replies.
type FeedbackThread struct {
	ID        string         `json:"id"`
	From      string         `json:"from"`
	To        string         `json:"to"`
	Type      FeedbackType   `json:"type"`
	Message   string         `json:"message"`
	Status    FeedbackStatus `json:"status"`
	Replies   []Reply        `json:"replies"`
	Version   uint64         `json:"version"`
	CreatedAt int64          `json:"created_at"`
	UpdatedAt int64          `json:"updated_at"`
}

// Clone returns a deep copy of the thread.
func (f FeedbackThread) Clone() FeedbackThread {
	c := f
	if f.Replies != nil {
		c.Replies = make([]Reply, len(f.Replies))
		copy(c.Replies, f.Replies)
	}
	return c
}

// ThreadFilter selects feedback threads. A nil filter matches everything.
type ThreadFilter func(FeedbackThread) bool

// Match applies the filter, treating nil as match-all.
func (f ThreadFilter) Match(t FeedbackThread) bool {
	return f == nil || f(t)
}

// CloneAttributes copies nested maps and slices; scalar values are shared.
func CloneAttributes(attrs map[string]interface{}) map[string]interface{} {
	if attrs == nil {
		return nil
	}
	out := make(map[string]interface{}, len(attrs))
	for k, v := range attrs {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return CloneAttributes(t)
	case []interface{}:
		s := make([]interface{}, len(t))
		for i := range t {
			s[i] = cloneValue(t[i])
		}
		return s
	default:
		return v
	}
}
