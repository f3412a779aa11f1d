package approval

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/relayloop/actiongate/api/schemas"
	"github.com/relayloop/actiongate/internal/config"
)

// stubReviewer is a canned Reviewer for llm_decision tests.
type stubReviewer struct {
	required bool
	err      error
	calls    int
}

func (s *stubReviewer) ReviewRequired(ctx context.Context, action schemas.ScheduledAction, result schemas.ActionRelevanceResult, policy config.PipelineConfig) (bool, error) {
	s.calls++
	return s.required, s.err
}

func policyAction(actionType string, scope schemas.ActionScope) schemas.ScheduledAction {
	return schemas.ScheduledAction{
		ID:             "act-pol",
		ActionType:     actionType,
		OrganizationID: "org-1",
		Scope:          scope,
	}
}

func confidentResult(conf float64) schemas.ActionRelevanceResult {
	return schemas.ActionRelevanceResult{
		Verdict:    schemas.VerdictRelevant,
		Confidence: conf,
		Method:     schemas.MethodSemantic,
	}
}

func riskPolicy() config.PipelineConfig {
	return config.PipelineConfig{
		OverrideMode:                 config.OverrideRiskBased,
		UserApprovalThreshold:        0.6,
		AlwaysRequireApprovalActions: []string{"close_deal"},
		NeverRequireApprovalActions:  []string{"log_note"},
	}
}

func TestRequiresApprovalOverrideModes(t *testing.T) {
	e := NewPolicyEngine(zap.NewNop(), nil)

	t.Run("Always Ask", func(t *testing.T) {
		p := riskPolicy()
		p.OverrideMode = config.OverrideAlwaysAsk
		required, _ := e.RequiresApproval(context.Background(), policyAction("log_note", schemas.ScopeInnerWorld), confidentResult(1.0), p)
		assert.True(t, required)
	})

	t.Run("Never Ask", func(t *testing.T) {
		p := riskPolicy()
		p.OverrideMode = config.OverrideNeverAsk
		required, _ := e.RequiresApproval(context.Background(), policyAction("close_deal", schemas.ScopeInnerWorld), confidentResult(0.1), p)
		assert.False(t, required)
	})
}

func TestRequiresApprovalRiskBased(t *testing.T) {
	e := NewPolicyEngine(zap.NewNop(), nil)
	p := riskPolicy()

	cases := []struct {
		name       string
		actionType string
		confidence float64
		required   bool
	}{
		{"Always List Wins", "close_deal", 1.0, true},
		{"Never List Waives", "log_note", 0.1, false},
		{"Unknown Action Type", "", 1.0, true},
		{"Low Confidence", "send_followup", 0.5, true},
		{"High Confidence", "send_followup", 0.9, false},
		{"Threshold Boundary", "send_followup", 0.6, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			required, reason := e.RequiresApproval(context.Background(),
				policyAction(tc.actionType, schemas.ScopeInnerWorld), confidentResult(tc.confidence), p)
			assert.Equal(t, tc.required, required, reason)
		})
	}

	t.Run("Case Insensitive List Match", func(t *testing.T) {
		required, _ := e.RequiresApproval(context.Background(),
			policyAction("Close_Deal", schemas.ScopeInnerWorld), confidentResult(1.0), p)
		assert.True(t, required)
	})

	t.Run("Always List Beats Never List", func(t *testing.T) {
		conflicted := riskPolicy()
		conflicted.AlwaysRequireApprovalActions = []string{"send_gift"}
		conflicted.NeverRequireApprovalActions = []string{"send_gift"}
		required, _ := e.RequiresApproval(context.Background(),
			policyAction("send_gift", schemas.ScopeInnerWorld), confidentResult(1.0), conflicted)
		assert.True(t, required, "an action type on both lists must fail safe toward approval")
	})
}

func TestRealWorldScopeFloor(t *testing.T) {
	e := NewPolicyEngine(zap.NewNop(), nil)

	// The floor overrides every waiver path: never_ask mode and the
	// never-approval list.
	p := riskPolicy()
	p.OverrideMode = config.OverrideNeverAsk
	required, reason := e.RequiresApproval(context.Background(),
		policyAction("log_note", schemas.ScopeRealWorld), confidentResult(1.0), p)
	assert.True(t, required)
	assert.Contains(t, reason, "real-world")
}

func TestLLMDecisionMode(t *testing.T) {
	p := riskPolicy()
	p.OverrideMode = config.OverrideLLMDecision

	t.Run("Reviewer Decides", func(t *testing.T) {
		reviewer := &stubReviewer{required: true}
		e := NewPolicyEngine(zap.NewNop(), reviewer)

		required, _ := e.RequiresApproval(context.Background(),
			policyAction("send_followup", schemas.ScopeInnerWorld), confidentResult(0.9), p)
		assert.True(t, required)
		assert.Equal(t, 1, reviewer.calls)
	})

	t.Run("Reviewer Waives", func(t *testing.T) {
		e := NewPolicyEngine(zap.NewNop(), &stubReviewer{required: false})
		required, _ := e.RequiresApproval(context.Background(),
			policyAction("send_followup", schemas.ScopeInnerWorld), confidentResult(0.1), p)
		assert.False(t, required)
	})

	t.Run("Reviewer Failure Falls Back To Risk Based", func(t *testing.T) {
		e := NewPolicyEngine(zap.NewNop(), &stubReviewer{err: errors.New("scorer down")})

		// Low confidence trips the risk-based threshold on fallback.
		required, _ := e.RequiresApproval(context.Background(),
			policyAction("send_followup", schemas.ScopeInnerWorld), confidentResult(0.2), p)
		assert.True(t, required)
	})

	t.Run("Nil Reviewer Falls Back", func(t *testing.T) {
		e := NewPolicyEngine(zap.NewNop(), nil)
		required, _ := e.RequiresApproval(context.Background(),
			policyAction("send_followup", schemas.ScopeInnerWorld), confidentResult(0.9), p)
		assert.False(t, required)
	})
}
