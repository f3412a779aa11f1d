package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relayloop/actiongate/api/schemas"
	"github.com/relayloop/actiongate/internal/config"
)

// notifyTimeout bounds the fire-and-forget notification dispatch so a slow
// channel can never stall request creation.
const notifyTimeout = 10 * time.Second

// nonTerminalStatuses are the action states an expiry sweep may move out of.
var nonTerminalStatuses = []schemas.ActionStatus{
	schemas.StatusPending,
	schemas.StatusRelevanceCheckPassed,
	schemas.StatusRelevanceCheckFailed,
	schemas.StatusExecuting,
}

// Workflow tracks outstanding approval requests and resolves them into
// terminal outcomes. All request transitions go through the store's
// conditional update, so a human response racing an expiry sweep yields
// exactly one winner; the loser gets ErrStaleDecision.
type Workflow struct {
	logger *zap.Logger
	store  schemas.Store
	notify schemas.Notifier
	audit  schemas.AuditSink
	policy *config.PolicyStore
	now    func() time.Time
}

func NewWorkflow(logger *zap.Logger, store schemas.Store, notify schemas.Notifier, audit schemas.AuditSink, policy *config.PolicyStore) *Workflow {
	return &Workflow{
		logger: logger.Named("approval_workflow"),
		store:  store,
		notify: notify,
		audit:  audit,
		policy: policy,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CreateRequest persists a new pending approval request for the action and
// notifies the approver. Notification is best-effort: a delivery failure is
// logged and never blocks the pipeline.
func (w *Workflow) CreateRequest(ctx context.Context, action schemas.ScheduledAction, result schemas.ActionRelevanceResult, reason, approverID string) (schemas.UserApprovalRequest, error) {
	policy := w.policy.Current()
	now := w.now()

	req := schemas.UserApprovalRequest{
		ID:             uuid.New().String(),
		ActionID:       action.ID,
		ActionType:     action.ActionType,
		OrganizationID: action.OrganizationID,
		Action:         action,
		Result:         result,
		Reason:         reason,
		Alternatives:   result.Alternatives,
		ApproverID:     approverID,
		RequestedAt:    now,
		ExpiresAt:      now.Add(policy.ApprovalTimeout),
		Status:         schemas.ApprovalPending,
	}

	if err := w.store.CreateApprovalRequest(ctx, req); err != nil {
		return schemas.UserApprovalRequest{}, fmt.Errorf("failed to persist approval request: %w", err)
	}

	w.dispatchNotification(ctx, req)

	w.logger.Info("Approval request created.",
		zap.String("request_id", req.ID),
		zap.String("action_id", action.ID),
		zap.String("approver_id", approverID),
		zap.Time("expires_at", req.ExpiresAt),
	)
	return req, nil
}

func (w *Workflow) dispatchNotification(ctx context.Context, req schemas.UserApprovalRequest) {
	if w.notify == nil {
		return
	}
	notifyCtx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()

	summary := schemas.ApprovalSummary{
		RequestID:   req.ID,
		ActionID:    req.ActionID,
		ActionType:  req.ActionType,
		Description: req.Action.Description,
		Reason:      req.Reason,
		Confidence:  req.Result.Confidence,
		ApproverID:  req.ApproverID,
		ExpiresAt:   req.ExpiresAt,
	}
	if err := w.notify.Notify(notifyCtx, req.ApproverID, summary); err != nil {
		w.logger.Warn("Approval notification failed; request remains pending.",
			zap.String("request_id", req.ID), zap.Error(err))
	}
}

// Resolve applies a human response to a pending request and returns the
// resulting action status. Responses for already-resolved or expired
// requests are rejected with ErrStaleDecision and the original terminal
// state is preserved.
func (w *Workflow) Resolve(ctx context.Context, requestID string, resp schemas.UserApprovalResponse) (schemas.ActionStatus, error) {
	req, err := w.store.GetApprovalRequest(ctx, requestID)
	if err != nil {
		return "", fmt.Errorf("failed to load approval request %s: %w", requestID, err)
	}

	if req.Status.Terminal() {
		return "", fmt.Errorf("request %s already %s: %w", requestID, req.Status, schemas.ErrStaleDecision)
	}
	if w.now().After(req.ExpiresAt) {
		return "", fmt.Errorf("request %s expired at %s: %w", requestID, req.ExpiresAt.Format(time.RFC3339), schemas.ErrStaleDecision)
	}

	status, err := w.applyDecision(ctx, req, resp, "")
	if err != nil {
		return "", err
	}

	if resp.ApplyToSimilarActions {
		w.applyBulk(ctx, req, resp)
	}
	return status, nil
}

// applyDecision maps a decision onto the request and its owning action.
// A non-empty note marks the transition as bulk-resolved.
func (w *Workflow) applyDecision(ctx context.Context, req schemas.UserApprovalRequest, resp schemas.UserApprovalResponse, note string) (schemas.ActionStatus, error) {
	switch resp.Decision {
	case schemas.DecideApprove:
		if err := w.resolveRequest(ctx, req.ID, schemas.ApprovalApproved, note); err != nil {
			return "", err
		}
		if err := w.store.TransitionAction(ctx, req.ActionID, nonTerminalStatuses, schemas.StatusRelevanceCheckPassed, ""); err != nil {
			return "", fmt.Errorf("failed to mark action %s approved: %w", req.ActionID, err)
		}
		return schemas.StatusRelevanceCheckPassed, nil

	case schemas.DecideReject:
		reason := resp.Reason
		if reason == "" {
			reason = "rejected by approver"
		}
		if err := w.appendAudit(ctx, req, schemas.DecisionSuppress, reason, resp.ResponderID); err != nil {
			return "", err
		}
		if err := w.resolveRequest(ctx, req.ID, schemas.ApprovalRejected, note); err != nil {
			return "", err
		}
		if err := w.store.TransitionAction(ctx, req.ActionID, nonTerminalStatuses, schemas.StatusSuppressed, reason); err != nil {
			return "", fmt.Errorf("failed to suppress action %s: %w", req.ActionID, err)
		}
		return schemas.StatusSuppressed, nil

	case schemas.DecideModify:
		if err := resp.ModifiedParameters.Validate(); err != nil {
			return "", fmt.Errorf("modified parameters rejected: %w", err)
		}
		if err := w.resolveRequest(ctx, req.ID, schemas.ApprovalModified, note); err != nil {
			return "", err
		}
		if err := w.store.UpdateActionParameters(ctx, req.ActionID, resp.ModifiedParameters); err != nil {
			return "", fmt.Errorf("failed to update parameters for action %s: %w", req.ActionID, err)
		}
		// The action stays Pending so the next due cycle re-enters relevance
		// checking against the new parameters.
		if err := w.store.TransitionAction(ctx, req.ActionID, nonTerminalStatuses, schemas.StatusPending, ""); err != nil {
			return "", fmt.Errorf("failed to re-queue modified action %s: %w", req.ActionID, err)
		}
		return schemas.StatusPending, nil

	case schemas.DecideDefer:
		// Defer is the one non-terminal response: the request stays pending
		// and the action burns a retry attempt.
		attempts, err := w.store.IncrementActionRetry(ctx, req.ActionID)
		if err != nil {
			return "", fmt.Errorf("failed to record deferral for action %s: %w", req.ActionID, err)
		}
		if attempts > req.Action.MaxRetryAttempts {
			reason := "retry attempts exhausted after deferral"
			if err := w.appendAudit(ctx, req, schemas.DecisionSuppress, reason, resp.ResponderID); err != nil {
				return "", err
			}
			if err := w.resolveRequest(ctx, req.ID, schemas.ApprovalExpired, "deferred past retry budget"); err != nil {
				return "", err
			}
			if err := w.store.TransitionAction(ctx, req.ActionID, nonTerminalStatuses, schemas.StatusSuppressed, reason); err != nil {
				return "", fmt.Errorf("failed to suppress exhausted action %s: %w", req.ActionID, err)
			}
			return schemas.StatusSuppressed, nil
		}
		return schemas.StatusPending, nil

	default:
		return "", fmt.Errorf("unknown approval decision %q", resp.Decision)
	}
}

func (w *Workflow) resolveRequest(ctx context.Context, requestID string, to schemas.ApprovalStatus, note string) error {
	err := w.store.ResolveApprovalRequest(ctx, requestID, schemas.ApprovalPending, to, note)
	if err != nil {
		return fmt.Errorf("failed to resolve request %s to %s: %w", requestID, to, err)
	}
	return nil
}

// applyBulk extends an approve/reject decision to every other pending
// request sharing the action type and organization. Each transition is
// independent; a failure on one is logged and does not roll back the rest.
func (w *Workflow) applyBulk(ctx context.Context, origin schemas.UserApprovalRequest, resp schemas.UserApprovalResponse) {
	policy := w.policy.Current()
	if !policy.AllowBulkApproval {
		w.logger.Warn("Bulk approval requested but disabled by policy.",
			zap.String("request_id", origin.ID))
		return
	}
	if resp.Decision != schemas.DecideApprove && resp.Decision != schemas.DecideReject {
		// Modified parameters and deferrals are per-action; the flag cannot
		// fan them out.
		w.logger.Warn("Bulk resolution supports only approve and reject; flag ignored.",
			zap.String("request_id", origin.ID),
			zap.String("decision", string(resp.Decision)))
		return
	}

	peers, err := w.store.ListPendingApprovals(ctx, origin.OrganizationID, origin.ActionType)
	if err != nil {
		w.logger.Error("Failed to list similar pending requests for bulk resolution.",
			zap.String("request_id", origin.ID), zap.Error(err))
		return
	}

	note := fmt.Sprintf("bulk-resolved by decision on request %s", origin.ID)
	now := w.now()
	resolved := 0
	for _, peer := range peers {
		if peer.ID == origin.ID {
			continue
		}
		// A peer past its window belongs to the expiry sweep, not to this
		// decision.
		if now.After(peer.ExpiresAt) {
			continue
		}
		peerResp := resp
		peerResp.ApplyToSimilarActions = false
		if _, err := w.applyDecision(ctx, peer, peerResp, note); err != nil {
			// A peer may have been resolved or expired in the meantime.
			if errors.Is(err, schemas.ErrStaleDecision) {
				continue
			}
			w.logger.Error("Bulk resolution failed for peer request.",
				zap.String("request_id", peer.ID), zap.Error(err))
			continue
		}
		resolved++
	}

	w.logger.Info("Bulk resolution applied.",
		zap.String("origin_request_id", origin.ID),
		zap.String("action_type", origin.ActionType),
		zap.Int("resolved", resolved),
	)
}

// SweepExpired transitions every pending request whose expiry has passed to
// Expired, and the owning action with it. An expired action is never
// silently executed. Returns the ids of the actions that expired.
func (w *Workflow) SweepExpired(ctx context.Context) ([]string, error) {
	now := w.now()
	overdue, err := w.store.ListExpiredPending(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list overdue approval requests: %w", err)
	}

	var expired []string
	for _, req := range overdue {
		// The conditional update makes the sweep the single winner against a
		// concurrent human response.
		if err := w.store.ResolveApprovalRequest(ctx, req.ID, schemas.ApprovalPending, schemas.ApprovalExpired, "approval window elapsed"); err != nil {
			if errors.Is(err, schemas.ErrStaleDecision) {
				continue
			}
			w.logger.Error("Failed to expire approval request.",
				zap.String("request_id", req.ID), zap.Error(err))
			continue
		}

		if err := w.appendAudit(ctx, req, schemas.DecisionExpired, "approval window elapsed", "expiry-sweep"); err != nil {
			// The request already flipped; flag the action for manual
			// reconciliation rather than leaving it executable.
			w.logger.Error("Audit append failed during expiry sweep; action held for reconciliation.",
				zap.String("action_id", req.ActionID), zap.Error(err))
		}

		if err := w.store.TransitionAction(ctx, req.ActionID, nonTerminalStatuses, schemas.StatusExpired, "approval request expired"); err != nil {
			if !errors.Is(err, schemas.ErrStaleTransition) {
				w.logger.Error("Failed to expire action.",
					zap.String("action_id", req.ActionID), zap.Error(err))
			}
			continue
		}
		expired = append(expired, req.ActionID)
	}

	if len(expired) > 0 {
		w.logger.Info("Expiry sweep completed.", zap.Int("expired", len(expired)))
	}
	return expired, nil
}

// ListExpiring returns pending requests inside the reminder window (the
// final fifth of the approval timeout) so an external notifier can nudge
// the approver before expiry.
func (w *Workflow) ListExpiring(ctx context.Context) ([]schemas.UserApprovalRequest, error) {
	policy := w.policy.Current()
	now := w.now()
	return w.store.ListExpiringPending(ctx, now, now.Add(policy.ApprovalTimeout/5))
}

func (w *Workflow) appendAudit(ctx context.Context, req schemas.UserApprovalRequest, decision schemas.ExecutionDecision, reason, resolvedBy string) error {
	rec := schemas.AuditRecord{
		ID:         uuid.New().String(),
		ActionID:   req.ActionID,
		Decision:   decision,
		Verdict:    req.Result.Verdict,
		Method:     req.Result.Method,
		Confidence: req.Result.Confidence,
		Reason:     reason,
		ResolvedBy: resolvedBy,
		RecordedAt: w.now(),
	}
	if err := w.audit.Append(ctx, rec); err != nil {
		return fmt.Errorf("audit append for action %s: %w: %v", req.ActionID, schemas.ErrAuditUnavailable, err)
	}
	return nil
}
