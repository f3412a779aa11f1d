package schemas

import (
	"context"
	"time"
)

// -- Context Provider --

// ContactContext is a read-only snapshot of the current relationship state
// used to re-check a proposed action against reality. Snapshots may be served
// from cache up to the configured maximum context age.
type ContactContext struct {
	ContactID          string    `json:"contact_id"`
	RelationshipStatus string    `json:"relationship_status"`
	LastEngagedAt      time.Time `json:"last_engaged_at"`
	Sentiment          string    `json:"sentiment"`
	Attributes         KVMap     `json:"attributes,omitempty"`
	FetchedAt          time.Time `json:"fetched_at"`
}

// ContextProvider serves contact context snapshots.
type ContextProvider interface {
	GetContext(ctx context.Context, contactID string) (ContactContext, error)
}

// -- LLM Client --

// ModelTier selects a language model by the speed/capability trade-off.
type ModelTier string

const (
	TierFast     ModelTier = "fast"
	TierPowerful ModelTier = "powerful"
)

// GenerationOptions tunes a single generation call.
type GenerationOptions struct {
	Temperature     float64 `json:"temperature"`
	ForceJSONFormat bool    `json:"force_json_format"`
	TopP            float64 `json:"top_p"`
	TopK            int     `json:"top_k"`
}

// GenerationRequest is a complete prompt for the language model.
type GenerationRequest struct {
	SystemPrompt string            `json:"system_prompt"`
	UserPrompt   string            `json:"user_prompt"`
	Tier         ModelTier         `json:"tier"`
	Options      GenerationOptions `json:"options"`
}

// LLMClient abstracts the generative-language provider. Implementations must
// honour the caller's context deadline.
type LLMClient interface {
	Generate(ctx context.Context, req GenerationRequest) (string, error)
	Close() error
}

// -- Notification Channel --

// Notifier delivers approval request summaries to a human approver.
// Delivery is best-effort: failures are logged and never block the pipeline.
type Notifier interface {
	Notify(ctx context.Context, approverID string, summary ApprovalSummary) error
}

// -- Audit Sink --

// ExecutionDecision is the gate's final answer for a due action.
type ExecutionDecision string

const (
	DecisionExecute       ExecutionDecision = "execute"
	DecisionSuppress      ExecutionDecision = "suppress"
	DecisionAwaitApproval ExecutionDecision = "await_approval"
	DecisionExpired       ExecutionDecision = "expired"
)

// AuditRecord is one immutable entry describing a terminal decision.
type AuditRecord struct {
	ID         string            `json:"id"`
	ActionID   string            `json:"action_id"`
	Decision   ExecutionDecision `json:"decision"`
	Verdict    Verdict           `json:"verdict"`
	Method     CheckMethod       `json:"method"`
	Confidence float64           `json:"confidence"`
	Reason     string            `json:"reason,omitempty"`
	ResolvedBy string            `json:"resolved_by"`
	RecordedAt time.Time         `json:"recorded_at"`
}

// AuditSink appends decision records. A failed append must never pass
// silently: the pipeline holds the affected action instead of executing it
// un-audited.
type AuditSink interface {
	Append(ctx context.Context, rec AuditRecord) error
}

// -- Persistence --

// Store is the persistence boundary for actions, relevance results and
// approval requests. Transition methods are conditional updates keyed on the
// expected current status so that concurrent resolvers race to exactly one
// winner.
type Store interface {
	SaveAction(ctx context.Context, a ScheduledAction) error
	GetAction(ctx context.Context, id string) (ScheduledAction, error)
	// TransitionAction moves an action to a new status only if its current
	// status is one of from. Returns ErrStaleTransition when no row matched.
	TransitionAction(ctx context.Context, id string, from []ActionStatus, to ActionStatus, suppressionReason string) error
	UpdateActionParameters(ctx context.Context, id string, params KVMap) error
	// IncrementActionRetry advances the retry counter and returns its new value.
	IncrementActionRetry(ctx context.Context, id string) (int, error)
	ListActionsByStatus(ctx context.Context, organizationID string, status ActionStatus) ([]ScheduledAction, error)

	SaveRelevanceResult(ctx context.Context, res ActionRelevanceResult) error

	CreateApprovalRequest(ctx context.Context, req UserApprovalRequest) error
	GetApprovalRequest(ctx context.Context, id string) (UserApprovalRequest, error)
	// GetPendingApprovalForAction returns the action's outstanding pending
	// request, or ErrNotFound when none exists.
	GetPendingApprovalForAction(ctx context.Context, actionID string) (UserApprovalRequest, error)
	// ResolveApprovalRequest is the single-writer transition for requests.
	// Returns ErrStaleDecision when the request is no longer in from.
	ResolveApprovalRequest(ctx context.Context, id string, from, to ApprovalStatus, note string) error
	ListPendingApprovals(ctx context.Context, organizationID, actionType string) ([]UserApprovalRequest, error)
	ListExpiredPending(ctx context.Context, asOf time.Time) ([]UserApprovalRequest, error)
	ListExpiringPending(ctx context.Context, from, until time.Time) ([]UserApprovalRequest, error)
}
