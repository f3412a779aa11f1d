package relevance

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/relayloop/actiongate/api/schemas"
	"github.com/relayloop/actiongate/internal/config"
)

// SemanticValidator is the slice of the semantic checker the validator
// needs; narrowed to an interface so tests can count invocations.
type SemanticValidator interface {
	Check(ctx context.Context, action schemas.ScheduledAction, cctx schemas.ContactContext, policy config.PipelineConfig) schemas.ActionRelevanceResult
}

// Validator orchestrates the two relevance checkers: rules first for the
// fast path, then the semantic fallback, then the configured
// default-on-uncertainty behaviour when neither reaches a verdict.
type Validator struct {
	logger    *zap.Logger
	rules     *RuleChecker
	semantic  SemanticValidator
	checkedBy string
	now       func() time.Time
}

func NewValidator(logger *zap.Logger, rules *RuleChecker, semantic SemanticValidator, checkedBy string) *Validator {
	return &Validator{
		logger:    logger.Named("relevance_validator"),
		rules:     rules,
		semantic:  semantic,
		checkedBy: checkedBy,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Validate runs the relevance pipeline for one due action and returns the
// action stamped with the check outcome alongside the result itself. The
// returned result never carries VerdictUnknown: uncertainty has already been
// mapped to the policy default by the time it reaches the caller.
func (v *Validator) Validate(ctx context.Context, action schemas.ScheduledAction, cctx schemas.ContactContext, policy config.PipelineConfig) (schemas.ScheduledAction, schemas.ActionRelevanceResult) {
	res, definitive := v.rules.Check(action, cctx)

	// Fast path: a definitive rule verdict never touches the external scorer.
	if !definitive {
		if policy.SemanticEnabled && v.semantic != nil {
			res = v.semantic.Check(ctx, action, cctx, policy)
		} else {
			v.logger.Debug("Semantic validation disabled, applying uncertainty default.",
				zap.String("action_id", action.ID))
		}
	}

	if res.Verdict == schemas.VerdictUnknown {
		res = v.applyUncertaintyDefault(res, policy)
	}

	res.CheckedBy = v.checkedBy
	res.CheckedAt = v.now()

	v.logger.Info("Relevance check completed.",
		zap.String("action_id", action.ID),
		zap.String("verdict", string(res.Verdict)),
		zap.String("method", string(res.Method)),
		zap.Float64("confidence", res.Confidence),
	)

	return action.WithRelevanceResult(res), res
}

func (v *Validator) applyUncertaintyDefault(res schemas.ActionRelevanceResult, policy config.PipelineConfig) schemas.ActionRelevanceResult {
	switch policy.DefaultOnUncertainty {
	case config.UncertainApprove:
		res.Verdict = schemas.VerdictRelevant
		res.Reason = fmt.Sprintf("verdict uncertain, policy defaults to approve (%s)", res.Reason)
	default:
		res.Verdict = schemas.VerdictNotRelevant
		res.Reason = fmt.Sprintf("verdict uncertain, policy defaults to suppress (%s)", res.Reason)
	}
	return res
}
