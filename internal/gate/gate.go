package gate

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

// executeGrace is how far past ExecuteAt an action may still be processed.
// The scheduler polls on an interval, so an action picked up shortly after
// its due time is on schedule; one older than the grace window missed its
// execution and expires instead.
const executeGrace = 5 * time.Minute

// Validator is the relevance pipeline slice the gate invokes.
type Validator interface {
	Validate(ctx context.Context, action schemas.ScheduledAction, cctx schemas.ContactContext, policy config.PipelineConfig) (schemas.ScheduledAction, schemas.ActionRelevanceResult)
}

// ApprovalPolicy decides whether a relevant action needs human sign-off.
type ApprovalPolicy interface {
	RequiresApproval(ctx context.Context, action schemas.ScheduledAction, result schemas.ActionRelevanceResult, policy config.PipelineConfig) (bool, string)
}

// RequestCreator opens a human approval request for an action.
type RequestCreator interface {
	CreateRequest(ctx context.Context, action schemas.ScheduledAction, result schemas.ActionRelevanceResult, reason, approverID string) (schemas.UserApprovalRequest, error)
}

// Gate is the final checkpoint between a due action and its execution. It
// re-validates relevance, routes through the approval policy, and renders
// one of four decisions. Terminal decisions are audited before the state
// transition lands; a failed audit write holds the action.
//
// The caller must hold an exclusive per-action lease for the duration of
// Process: transitions are not safe under concurrent writers for the same
// action.
type Gate struct {
	logger     *zap.Logger
	store      schemas.Store
	contexts   schemas.ContextProvider
	validator  Validator
	approval   ApprovalPolicy
	requests   RequestCreator
	audit      schemas.AuditSink
	policy     *config.PolicyStore
	approverID string
	now        func() time.Time
}

func New(logger *zap.Logger, store schemas.Store, contexts schemas.ContextProvider, validator Validator, approval ApprovalPolicy, requests RequestCreator, audit schemas.AuditSink, policy *config.PolicyStore, approverID string) *Gate {
	return &Gate{
		logger:     logger.Named("execution_gate"),
		store:      store,
		contexts:   contexts,
		validator:  validator,
		approval:   approval,
		requests:   requests,
		audit:      audit,
		policy:     policy,
		approverID: approverID,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Process runs the full pipeline for one due action and returns the
// execution decision. An action already in a terminal state yields Expired
// without a new audit entry; every fresh terminal decision appends exactly
// one.
func (g *Gate) Process(ctx context.Context, action schemas.ScheduledAction) (schemas.ExecutionDecision, error) {
	if action.Status.Terminal() {
		g.logger.Debug("Skipping terminal action.",
			zap.String("action_id", action.ID), zap.String("status", string(action.Status)))
		return schemas.DecisionExpired, nil
	}
	if g.now().After(action.ExecuteAt.Add(executeGrace)) {
		return g.expire(ctx, action)
	}
	if err := action.Validate(); err != nil {
		return "", fmt.Errorf("action failed validation at the gate: %w", err)
	}

	// An action with an outstanding pending request is parked until the
	// approver responds or the sweep expires it. Re-gating it would spawn a
	// duplicate request and re-notify every poll cycle.
	if req, err := g.store.GetPendingApprovalForAction(ctx, action.ID); err == nil {
		g.logger.Debug("Action already awaiting approval.",
			zap.String("action_id", action.ID), zap.String("request_id", req.ID))
		return schemas.DecisionAwaitApproval, nil
	} else if !errors.Is(err, schemas.ErrNotFound) {
		return "", fmt.Errorf("failed to check outstanding approvals for action %s: %w", action.ID, err)
	}

	policy := g.policy.Current()

	action, res, haveContext := g.validate(ctx, action, policy)
	g.saveResult(ctx, res)

	if !res.Relevant() {
		// One alternative-resolution retry before giving up, when the
		// checker suggested one and the retry budget allows it.
		if haveContext && action.RetryAttempts < action.MaxRetryAttempts && len(res.Alternatives) > 0 {
			retried, retriedRes, ok := g.retryWithAlternative(ctx, action, res, policy)
			if ok {
				action, res = retried, retriedRes
			} else {
				return g.suppress(ctx, action, retriedRes)
			}
		} else {
			return g.suppress(ctx, action, res)
		}
	}

	required, reason := g.approval.RequiresApproval(ctx, action, res, policy)
	if required {
		if _, err := g.requests.CreateRequest(ctx, action, res, reason, g.approverID); err != nil {
			return "", fmt.Errorf("failed to open approval request for action %s: %w", action.ID, err)
		}
		g.logger.Info("Action awaiting approval.",
			zap.String("action_id", action.ID), zap.String("reason", reason))
		return schemas.DecisionAwaitApproval, nil
	}

	if err := g.appendAudit(ctx, action, res, schemas.DecisionExecute, reason); err != nil {
		// Never execute un-audited: the action stays where it is.
		g.logger.Error("Audit write failed; holding action un-executed.",
			zap.String("action_id", action.ID), zap.Error(err))
		return "", err
	}
	if err := g.store.TransitionAction(ctx, action.ID,
		[]schemas.ActionStatus{schemas.StatusPending, schemas.StatusRelevanceCheckPassed},
		schemas.StatusExecuting, ""); err != nil {
		return "", fmt.Errorf("failed to move action %s to executing: %w", action.ID, err)
	}

	g.logger.Info("Action cleared for execution.",
		zap.String("action_id", action.ID),
		zap.String("verdict", string(res.Verdict)),
		zap.Float64("confidence", res.Confidence),
	)
	return schemas.DecisionExecute, nil
}

// validate fetches context and runs the relevance pipeline. A context
// provider failure is a transient dependency outage: the result collapses
// to the configured default-on-uncertainty instead of failing the action.
func (g *Gate) validate(ctx context.Context, action schemas.ScheduledAction, policy config.PipelineConfig) (schemas.ScheduledAction, schemas.ActionRelevanceResult, bool) {
	cctx, err := g.contexts.GetContext(ctx, action.ContactID)
	if err != nil {
		g.logger.Warn("Contact context unavailable, applying uncertainty default.",
			zap.String("action_id", action.ID), zap.String("contact_id", action.ContactID), zap.Error(err))
		res := schemas.ActionRelevanceResult{
			ActionID:   action.ID,
			Method:     schemas.MethodRuleBased,
			Confidence: 0.0,
			Reason:     fmt.Sprintf("contact context unavailable: %v", err),
			CheckedAt:  g.now(),
			CheckedBy:  "execution_gate",
		}
		if policy.DefaultOnUncertainty == config.UncertainApprove {
			res.Verdict = schemas.VerdictRelevant
		} else {
			res.Verdict = schemas.VerdictNotRelevant
		}
		return action.WithRelevanceResult(res), res, false
	}

	action, res := g.validator.Validate(ctx, action, cctx, policy)
	return action, res, true
}

// retryWithAlternative swaps in the checker's first suggested alternative
// and re-validates once. Returns the retried action and result, and whether
// the retry produced a relevant verdict.
func (g *Gate) retryWithAlternative(ctx context.Context, action schemas.ScheduledAction, res schemas.ActionRelevanceResult, policy config.PipelineConfig) (schemas.ScheduledAction, schemas.ActionRelevanceResult, bool) {
	alt := res.Alternatives[0]

	attempts, err := g.store.IncrementActionRetry(ctx, action.ID)
	if err != nil {
		g.logger.Error("Failed to record alternative retry.",
			zap.String("action_id", action.ID), zap.Error(err))
		return action, res, false
	}

	retried := action
	retried.RetryAttempts = attempts
	retried.Description = alt
	retried.Justification = fmt.Sprintf("alternative proposed after %q was judged not relevant", action.Description)

	g.logger.Info("Re-validating with proposed alternative.",
		zap.String("action_id", action.ID), zap.String("alternative", alt))

	retried, retriedRes, _ := g.validate(ctx, retried, policy)
	g.saveResult(ctx, retriedRes)
	return retried, retriedRes, retriedRes.Relevant()
}

// ReleaseApproved moves a human-approved action into execution. Relevance
// was re-checked before its approval request opened and the approver's
// sign-off stands in for the policy check, so neither runs again. An action
// approved too late still expires.
func (g *Gate) ReleaseApproved(ctx context.Context, action schemas.ScheduledAction) (schemas.ExecutionDecision, error) {
	if action.Status != schemas.StatusRelevanceCheckPassed {
		return "", fmt.Errorf("action %s is %s, not cleared for release: %w", action.ID, action.Status, schemas.ErrStaleTransition)
	}
	if g.now().After(action.ExecuteAt.Add(executeGrace)) {
		return g.expire(ctx, action)
	}

	res := schemas.ActionRelevanceResult{ActionID: action.ID}
	if action.LastRelevanceResult != nil {
		res = *action.LastRelevanceResult
	}
	if err := g.appendAudit(ctx, action, res, schemas.DecisionExecute, "human approval granted"); err != nil {
		g.logger.Error("Audit write failed; holding approved action un-executed.",
			zap.String("action_id", action.ID), zap.Error(err))
		return "", err
	}
	if err := g.store.TransitionAction(ctx, action.ID,
		[]schemas.ActionStatus{schemas.StatusRelevanceCheckPassed},
		schemas.StatusExecuting, ""); err != nil {
		return "", fmt.Errorf("failed to move approved action %s to executing: %w", action.ID, err)
	}

	g.logger.Info("Approved action cleared for execution.",
		zap.String("action_id", action.ID))
	return schemas.DecisionExecute, nil
}

// Complete records the outcome of an executed action: success goes to
// Completed, a retryable failure returns the action to Pending, and an
// exhausted retry budget lands on Failed.
func (g *Gate) Complete(ctx context.Context, actionID string, execErr error) (schemas.ActionStatus, error) {
	if execErr == nil {
		if err := g.store.TransitionAction(ctx, actionID,
			[]schemas.ActionStatus{schemas.StatusExecuting}, schemas.StatusCompleted, ""); err != nil {
			return "", fmt.Errorf("failed to complete action %s: %w", actionID, err)
		}
		return schemas.StatusCompleted, nil
	}

	action, err := g.store.GetAction(ctx, actionID)
	if err != nil {
		return "", fmt.Errorf("failed to load action %s after execution failure: %w", actionID, err)
	}

	attempts, err := g.store.IncrementActionRetry(ctx, actionID)
	if err != nil {
		return "", fmt.Errorf("failed to record execution retry for action %s: %w", actionID, err)
	}

	if attempts > action.MaxRetryAttempts {
		reason := fmt.Sprintf("execution failed after %d attempts: %v", attempts, execErr)
		if err := g.store.TransitionAction(ctx, actionID,
			[]schemas.ActionStatus{schemas.StatusExecuting}, schemas.StatusFailed, reason); err != nil {
			return "", fmt.Errorf("failed to mark action %s failed: %w", actionID, err)
		}
		g.logger.Error("Action failed terminally.",
			zap.String("action_id", actionID), zap.Int("attempts", attempts), zap.Error(execErr))
		return schemas.StatusFailed, nil
	}

	if err := g.store.TransitionAction(ctx, actionID,
		[]schemas.ActionStatus{schemas.StatusExecuting}, schemas.StatusPending, ""); err != nil {
		return "", fmt.Errorf("failed to re-queue action %s: %w", actionID, err)
	}
	g.logger.Warn("Action execution failed, re-queued.",
		zap.String("action_id", actionID), zap.Int("attempts", attempts), zap.Error(execErr))
	return schemas.StatusPending, nil
}

func (g *Gate) suppress(ctx context.Context, action schemas.ScheduledAction, res schemas.ActionRelevanceResult) (schemas.ExecutionDecision, error) {
	reason := res.Reason
	if reason == "" {
		reason = "action judged no longer relevant"
	}
	if err := g.appendAudit(ctx, action, res, schemas.DecisionSuppress, reason); err != nil {
		g.logger.Error("Audit write failed; holding action un-suppressed.",
			zap.String("action_id", action.ID), zap.Error(err))
		return "", err
	}
	if err := g.store.TransitionAction(ctx, action.ID,
		[]schemas.ActionStatus{schemas.StatusPending, schemas.StatusRelevanceCheckFailed},
		schemas.StatusSuppressed, reason); err != nil {
		return "", fmt.Errorf("failed to suppress action %s: %w", action.ID, err)
	}
	g.logger.Info("Action suppressed.",
		zap.String("action_id", action.ID), zap.String("reason", reason))
	return schemas.DecisionSuppress, nil
}

func (g *Gate) expire(ctx context.Context, action schemas.ScheduledAction) (schemas.ExecutionDecision, error) {
	res := schemas.ActionRelevanceResult{ActionID: action.ID}
	if action.LastRelevanceResult != nil {
		res = *action.LastRelevanceResult
	}
	if err := g.appendAudit(ctx, action, res, schemas.DecisionExpired, "execution window passed"); err != nil {
		g.logger.Error("Audit write failed while expiring action.",
			zap.String("action_id", action.ID), zap.Error(err))
		return "", err
	}
	err := g.store.TransitionAction(ctx, action.ID,
		[]schemas.ActionStatus{schemas.StatusPending, schemas.StatusRelevanceCheckPassed, schemas.StatusRelevanceCheckFailed, schemas.StatusExecuting},
		schemas.StatusExpired, "execution window passed")
	if err != nil && !errors.Is(err, schemas.ErrStaleTransition) {
		return "", fmt.Errorf("failed to expire action %s: %w", action.ID, err)
	}
	g.logger.Info("Action expired at the gate.",
		zap.String("action_id", action.ID), zap.Time("execute_at", action.ExecuteAt))
	return schemas.DecisionExpired, nil
}

// saveResult persists the check outcome for operator inspection. Persistence
// here is advisory; the authoritative copy rides on the action itself.
func (g *Gate) saveResult(ctx context.Context, res schemas.ActionRelevanceResult) {
	if res.ActionID == "" {
		return
	}
	if err := g.store.SaveRelevanceResult(ctx, res); err != nil {
		g.logger.Warn("Failed to persist relevance result.",
			zap.String("action_id", res.ActionID), zap.Error(err))
	}
}

func (g *Gate) appendAudit(ctx context.Context, action schemas.ScheduledAction, res schemas.ActionRelevanceResult, decision schemas.ExecutionDecision, reason string) error {
	rec := schemas.AuditRecord{
		ID:         uuid.New().String(),
		ActionID:   action.ID,
		Decision:   decision,
		Verdict:    res.Verdict,
		Method:     res.Method,
		Confidence: res.Confidence,
		Reason:     reason,
		ResolvedBy: "execution_gate",
		RecordedAt: g.now(),
	}
	if err := g.audit.Append(ctx, rec); err != nil {
		return fmt.Errorf("audit append for action %s: %w: %v", action.ID, schemas.ErrAuditUnavailable, err)
	}
	return nil
}
