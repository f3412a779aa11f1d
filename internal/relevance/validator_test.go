package relevance

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relayloop/actiongate/api/schemas"
	"github.com/relayloop/actiongate/internal/config"
)

// countingSemantic records invocations and returns a canned result.
type countingSemantic struct {
	calls  int
	result schemas.ActionRelevanceResult
}

func (c *countingSemantic) Check(ctx context.Context, action schemas.ScheduledAction, cctx schemas.ContactContext, policy config.PipelineConfig) schemas.ActionRelevanceResult {
	c.calls++
	res := c.result
	res.ActionID = action.ID
	return res
}

func validatorPolicy() config.PipelineConfig {
	p := semanticPolicy()
	return p
}

func TestValidatorFastPathSkipsSemantic(t *testing.T) {
	sem := &countingSemantic{}
	v := NewValidator(zap.NewNop(), NewRuleChecker(zap.NewNop()), sem, "validator-test")

	t.Run("Definitive Pass", func(t *testing.T) {
		action := ruleAction(schemas.KVMap{"relationship_status": schemas.StringValue("active")})
		stamped, res := v.Validate(context.Background(), action, testContext(), validatorPolicy())

		assert.Equal(t, schemas.VerdictRelevant, res.Verdict)
		assert.Equal(t, 0, sem.calls, "a definitive rule verdict must not invoke the scorer")
		require.NotNil(t, stamped.LastRelevanceResult)
		assert.Equal(t, "validator-test", res.CheckedBy)
		assert.False(t, res.CheckedAt.IsZero())
	})

	t.Run("Definitive Fail", func(t *testing.T) {
		action := ruleAction(schemas.KVMap{"relationship_status": schemas.StringValue("churned")})
		_, res := v.Validate(context.Background(), action, testContext(), validatorPolicy())

		assert.Equal(t, schemas.VerdictNotRelevant, res.Verdict)
		assert.Equal(t, 0, sem.calls)
	})
}

func TestValidatorSemanticFallback(t *testing.T) {
	sem := &countingSemantic{result: schemas.ActionRelevanceResult{
		Verdict:    schemas.VerdictRelevant,
		Confidence: 0.85,
		Method:     schemas.MethodSemantic,
	}}
	v := NewValidator(zap.NewNop(), NewRuleChecker(zap.NewNop()), sem, "validator-test")

	action := ruleAction(schemas.KVMap{"semantic.still_interested": schemas.BoolValue(true)})
	_, res := v.Validate(context.Background(), action, testContext(), validatorPolicy())

	assert.Equal(t, 1, sem.calls)
	assert.Equal(t, schemas.VerdictRelevant, res.Verdict)
	assert.Equal(t, schemas.MethodSemantic, res.Method)
}

func TestValidatorUncertaintyDefault(t *testing.T) {
	action := ruleAction(schemas.KVMap{"semantic.still_interested": schemas.BoolValue(true)})

	t.Run("Semantic Disabled Suppress", func(t *testing.T) {
		sem := &countingSemantic{}
		v := NewValidator(zap.NewNop(), NewRuleChecker(zap.NewNop()), sem, "validator-test")

		policy := validatorPolicy()
		policy.SemanticEnabled = false
		policy.DefaultOnUncertainty = config.UncertainSuppress

		_, res := v.Validate(context.Background(), action, testContext(), policy)

		assert.Equal(t, 0, sem.calls)
		assert.Equal(t, schemas.VerdictNotRelevant, res.Verdict, "uncertainty must map to the policy default")
	})

	t.Run("Semantic Disabled Approve", func(t *testing.T) {
		v := NewValidator(zap.NewNop(), NewRuleChecker(zap.NewNop()), &countingSemantic{}, "validator-test")

		policy := validatorPolicy()
		policy.SemanticEnabled = false
		policy.DefaultOnUncertainty = config.UncertainApprove

		_, res := v.Validate(context.Background(), action, testContext(), policy)
		assert.Equal(t, schemas.VerdictRelevant, res.Verdict)
	})

	t.Run("Semantic Unknown Maps To Default", func(t *testing.T) {
		sem := &countingSemantic{result: schemas.ActionRelevanceResult{
			Verdict: schemas.VerdictUnknown,
			Method:  schemas.MethodSemantic,
			Reason:  "scorer unavailable",
		}}
		v := NewValidator(zap.NewNop(), NewRuleChecker(zap.NewNop()), sem, "validator-test")

		policy := validatorPolicy()
		policy.DefaultOnUncertainty = config.UncertainSuppress

		_, res := v.Validate(context.Background(), action, testContext(), policy)

		assert.Equal(t, 1, sem.calls)
		// The caller never sees VerdictUnknown.
		assert.Equal(t, schemas.VerdictNotRelevant, res.Verdict)
		assert.Contains(t, res.Reason, "scorer unavailable")
	})
}
