package approval

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/relayloop/actiongate/api/schemas"
	"github.com/relayloop/actiongate/internal/config"
)

// Reviewer is the semantic "should a human look at this?" delegate used by
// the llm_decision override mode.
type Reviewer interface {
	ReviewRequired(ctx context.Context, action schemas.ScheduledAction, result schemas.ActionRelevanceResult, policy config.PipelineConfig) (bool, error)
}

// PolicyEngine decides whether a relevant action still needs human sign-off.
// It is state-free: every decision derives from the action, the relevance
// result and the policy snapshot it is handed.
type PolicyEngine struct {
	logger   *zap.Logger
	reviewer Reviewer
}

func NewPolicyEngine(logger *zap.Logger, reviewer Reviewer) *PolicyEngine {
	return &PolicyEngine{
		logger:   logger.Named("approval_policy"),
		reviewer: reviewer,
	}
}

// RequiresApproval applies the override-mode decision table.
//
// Real-world scope is a hard safety floor: it forces approval in every mode,
// including never_ask and the never-approval list. An action type present in
// both lists is treated as always-approve.
func (e *PolicyEngine) RequiresApproval(ctx context.Context, action schemas.ScheduledAction, result schemas.ActionRelevanceResult, policy config.PipelineConfig) (bool, string) {
	if action.Scope == schemas.ScopeRealWorld {
		return true, "real-world scope always requires approval"
	}

	switch policy.OverrideMode {
	case config.OverrideAlwaysAsk:
		return true, "override mode always_ask"

	case config.OverrideNeverAsk:
		return false, "override mode never_ask"

	case config.OverrideLLMDecision:
		if e.reviewer != nil {
			required, err := e.reviewer.ReviewRequired(ctx, action, result, policy)
			if err == nil {
				if required {
					return true, "semantic reviewer requested human review"
				}
				return false, "semantic reviewer waived human review"
			}
			e.logger.Warn("Semantic review delegation failed, falling back to risk-based routing.",
				zap.String("action_id", action.ID), zap.Error(err))
		}
		return e.riskBased(action, result, policy)

	default: // risk_based
		return e.riskBased(action, result, policy)
	}
}

func (e *PolicyEngine) riskBased(action schemas.ScheduledAction, result schemas.ActionRelevanceResult, policy config.PipelineConfig) (bool, string) {
	// The always-list wins ties against the never-list: fail safe toward
	// more scrutiny.
	if containsFold(policy.AlwaysRequireApprovalActions, action.ActionType) {
		return true, fmt.Sprintf("action type %s is on the always-approve list", action.ActionType)
	}
	if containsFold(policy.NeverRequireApprovalActions, action.ActionType) {
		return false, fmt.Sprintf("action type %s is on the never-approve list", action.ActionType)
	}
	if action.ActionType == "" {
		return true, "unknown action type defaults to requiring approval"
	}
	if result.Confidence < policy.UserApprovalThreshold {
		return true, fmt.Sprintf("confidence %.2f below approval threshold %.2f", result.Confidence, policy.UserApprovalThreshold)
	}
	return false, fmt.Sprintf("confidence %.2f meets approval threshold %.2f", result.Confidence, policy.UserApprovalThreshold)
}

// containsFold matches action types case-insensitively.
func containsFold(list []string, s string) bool {
	for _, item := range list {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}
