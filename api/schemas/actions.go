package schemas

import (
	"fmt"
	"time"
)

// ActionStatus tracks a scheduled action through its lifecycle.
type ActionStatus string

const (
	StatusPending              ActionStatus = "pending"
	StatusRelevanceCheckPassed ActionStatus = "relevance_check_passed"
	StatusRelevanceCheckFailed ActionStatus = "relevance_check_failed"
	StatusExecuting            ActionStatus = "executing"
	StatusCompleted            ActionStatus = "completed"
	StatusSuppressed           ActionStatus = "suppressed"
	StatusFailed               ActionStatus = "failed"
	StatusExpired              ActionStatus = "expired"
)

// Terminal reports whether the status permits no further transitions.
func (s ActionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusSuppressed, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// ActionScope classifies the blast radius of an action, which scales how much
// validation it receives before execution.
type ActionScope string

const (
	ScopeInnerWorld ActionScope = "inner_world" // agent-internal, low risk
	ScopeHybrid     ActionScope = "hybrid"      // internal but consequential
	ScopeRealWorld  ActionScope = "real_world"  // direct external effect
)

// ScheduledAction is a proposed future action awaiting relevance confirmation
// and possible human approval before execution.
type ScheduledAction struct {
	ID             string    `json:"id"`
	ActionType     string    `json:"action_type"`
	Description    string    `json:"description"`
	ContactID      string    `json:"contact_id"`
	OrganizationID string    `json:"organization_id"`
	AgentID        string    `json:"agent_id"`
	ScheduledAt    time.Time `json:"scheduled_at"`
	ExecuteAt      time.Time `json:"execute_at"`
	Parameters     KVMap     `json:"parameters,omitempty"`

	// RelevanceCriteria holds named conditions that must still hold against
	// the current contact context when the action becomes due.
	RelevanceCriteria KVMap        `json:"relevance_criteria,omitempty"`
	Status            ActionStatus `json:"status"`
	SuppressionReason string       `json:"suppression_reason,omitempty"`
	Priority          int          `json:"priority"`
	RetryAttempts     int          `json:"retry_attempts"`
	MaxRetryAttempts  int          `json:"max_retry_attempts"`

	LastRelevanceCheck  *time.Time             `json:"last_relevance_check,omitempty"`
	LastRelevanceResult *ActionRelevanceResult `json:"last_relevance_result,omitempty"`

	Scope         ActionScope `json:"scope"`
	AuditID       string      `json:"audit_id,omitempty"`
	Justification string      `json:"justification,omitempty"`
}

// Validate checks structural invariants at ingestion time.
func (a ScheduledAction) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("action id is required")
	}
	if a.ActionType == "" {
		return fmt.Errorf("action %s: action_type is required", a.ID)
	}
	if a.OrganizationID == "" {
		return fmt.Errorf("action %s: organization_id is required", a.ID)
	}
	if a.RetryAttempts > a.MaxRetryAttempts {
		return fmt.Errorf("action %s: retry_attempts %d exceeds max_retry_attempts %d", a.ID, a.RetryAttempts, a.MaxRetryAttempts)
	}
	switch a.Scope {
	case ScopeInnerWorld, ScopeHybrid, ScopeRealWorld:
	default:
		return fmt.Errorf("action %s: unknown scope %q", a.ID, a.Scope)
	}
	if err := a.Parameters.Validate(); err != nil {
		return fmt.Errorf("action %s: parameters: %w", a.ID, err)
	}
	if err := a.RelevanceCriteria.Validate(); err != nil {
		return fmt.Errorf("action %s: relevance_criteria: %w", a.ID, err)
	}
	return nil
}

// WithStatus returns a copy of the action in the new status. Transitions out
// of a terminal status are refused so that completed, suppressed, failed and
// expired actions stay immutable.
func (a ScheduledAction) WithStatus(next ActionStatus) (ScheduledAction, error) {
	if a.Status.Terminal() {
		return a, fmt.Errorf("action %s is %s: %w", a.ID, a.Status, ErrTerminalState)
	}
	a.Status = next
	return a, nil
}

// WithRelevanceResult stamps the action with the outcome of its latest check.
func (a ScheduledAction) WithRelevanceResult(res ActionRelevanceResult) ScheduledAction {
	checked := res.CheckedAt
	a.LastRelevanceCheck = &checked
	r := res
	a.LastRelevanceResult = &r
	return a
}

// IncrementRetry returns a copy with the attempt counter advanced.
func (a ScheduledAction) IncrementRetry() ScheduledAction {
	a.RetryAttempts++
	return a
}

// RetriesExhausted reports whether the action has used up its retry budget.
func (a ScheduledAction) RetriesExhausted() bool {
	return a.RetryAttempts > a.MaxRetryAttempts
}
