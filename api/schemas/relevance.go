package schemas

import "time"

// Verdict is the outcome of a relevance check.
type Verdict string

const (
	VerdictRelevant    Verdict = "relevant"
	VerdictNotRelevant Verdict = "not_relevant"
	// VerdictUnknown is returned when the semantic checker times out, errs,
	// or reports a confidence below the configured floor. Callers map it to
	// the configured default-on-uncertainty behaviour.
	VerdictUnknown Verdict = "unknown"
)

// CheckMethod identifies which checker produced a result.
type CheckMethod string

const (
	MethodRuleBased CheckMethod = "rule_based"
	MethodSemantic  CheckMethod = "semantic"
)

// ActionRelevanceResult records the outcome of one relevance check.
// Rule-based results are deterministic and always carry confidence 1.0;
// confidence is only a graded signal when Method is semantic.
type ActionRelevanceResult struct {
	ActionID       string      `json:"action_id"`
	Verdict        Verdict     `json:"verdict"`
	Confidence     float64     `json:"confidence"`
	Reason         string      `json:"reason,omitempty"`
	FailedCriteria []string    `json:"failed_criteria,omitempty"`
	Alternatives   []string    `json:"alternatives,omitempty"`
	Method         CheckMethod `json:"method"`
	CheckedAt      time.Time   `json:"checked_at"`
	CheckedBy      string      `json:"checked_by"`
}

// Relevant reports whether the verdict allows the action to proceed.
func (r ActionRelevanceResult) Relevant() bool {
	return r.Verdict == VerdictRelevant
}
