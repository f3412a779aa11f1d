package schemas

import "time"

// ApprovalStatus is the state of a human-in-the-loop approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
	ApprovalModified ApprovalStatus = "modified"
)

// Terminal reports whether the request can accept no further responses.
func (s ApprovalStatus) Terminal() bool {
	return s != ApprovalPending
}

// ApprovalDecision is what a human responder chose to do with a request.
type ApprovalDecision string

const (
	DecideApprove ApprovalDecision = "approve"
	DecideReject  ApprovalDecision = "reject"
	DecideModify  ApprovalDecision = "modify"
	// DecideDefer re-queues the action for a later attempt without
	// terminally resolving the request.
	DecideDefer ApprovalDecision = "defer"
)

// UserApprovalRequest asks a human to sign off on an action whose automated
// relevance verdict did not clear the configured bar on its own.
type UserApprovalRequest struct {
	ID             string                `json:"id"`
	ActionID       string                `json:"action_id"`
	ActionType     string                `json:"action_type"`
	OrganizationID string                `json:"organization_id"`
	Action         ScheduledAction       `json:"action"`
	Result         ActionRelevanceResult `json:"result"`
	Reason         string                `json:"reason"`
	Alternatives   []string              `json:"alternatives,omitempty"`
	ApproverID     string                `json:"approver_id"`
	RequestedAt    time.Time             `json:"requested_at"`
	ExpiresAt      time.Time             `json:"expires_at"`
	Status         ApprovalStatus        `json:"status"`
	// ResolutionNote records how the request reached its terminal status,
	// including whether it was swept up by a bulk decision.
	ResolutionNote string `json:"resolution_note,omitempty"`
}

// UserApprovalResponse is a human decision on a pending request. A response
// is only accepted while the request is Pending and before its expiry.
type UserApprovalResponse struct {
	RequestID          string           `json:"request_id"`
	Decision           ApprovalDecision `json:"decision"`
	Reason             string           `json:"reason,omitempty"`
	ModifiedParameters KVMap            `json:"modified_parameters,omitempty"`
	// ApplyToSimilarActions extends the same decision to every other
	// pending request sharing this action type and organization.
	ApplyToSimilarActions bool      `json:"apply_to_similar_actions"`
	ResponderID           string    `json:"responder_id"`
	RespondedAt           time.Time `json:"responded_at"`
}

// ApprovalSummary is the compact shape pushed over the notification channel
// when a request is created. Approvers fetch the full request separately.
type ApprovalSummary struct {
	RequestID   string    `json:"request_id"`
	ActionID    string    `json:"action_id"`
	ActionType  string    `json:"action_type"`
	Description string    `json:"description"`
	Reason      string    `json:"reason"`
	Confidence  float64   `json:"confidence"`
	ApproverID  string    `json:"approver_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}
