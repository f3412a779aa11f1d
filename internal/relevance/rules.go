package relevance

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/relayloop/actiongate/api/schemas"
)

// SemanticCriterionPrefix marks criteria that reference non-deterministic
// conditions. The rule engine cannot evaluate them and defers to the
// semantic checker instead.
const SemanticCriterionPrefix = "semantic."

// RuleChecker is the deterministic fast path of relevance validation. It
// matches each criterion structurally against the context snapshot with no
// I/O, so a definitive verdict avoids the external scorer entirely.
type RuleChecker struct {
	logger *zap.Logger
}

func NewRuleChecker(logger *zap.Logger) *RuleChecker {
	return &RuleChecker{logger: logger.Named("rule_checker")}
}

// Check evaluates the action's relevance criteria against the context.
// The second return value reports whether the verdict is definitive; when it
// is false the caller should fall back to semantic validation.
//
// Matching is deterministic: a failed criterion or an unknown key yields
// NotRelevant with confidence 1.0, all-pass yields Relevant with confidence
// 1.0. Criteria carrying the semantic prefix make the check inconclusive
// unless a hard failure already decides it.
func (c *RuleChecker) Check(action schemas.ScheduledAction, cctx schemas.ContactContext) (schemas.ActionRelevanceResult, bool) {
	res := schemas.ActionRelevanceResult{
		ActionID:  action.ID,
		Method:    schemas.MethodRuleBased,
		CheckedAt: time.Now().UTC(),
	}

	var failed, inconclusive []string

	// Sorted iteration keeps failure lists stable for audit and tests.
	keys := make([]string, 0, len(action.RelevanceCriteria))
	for k := range action.RelevanceCriteria {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		want := action.RelevanceCriteria[key]

		if strings.HasPrefix(key, SemanticCriterionPrefix) {
			inconclusive = append(inconclusive, key)
			continue
		}

		got, ok := resolveContextValue(cctx, key)
		if !ok {
			// Unknown keys are failing criteria, not errors.
			failed = append(failed, key)
			continue
		}
		if !criterionHolds(want, got) {
			failed = append(failed, key)
		}
	}

	switch {
	case len(failed) > 0:
		res.Verdict = schemas.VerdictNotRelevant
		res.Confidence = 1.0
		res.FailedCriteria = failed
		res.Reason = fmt.Sprintf("criteria no longer hold: %s", strings.Join(failed, ", "))
		return res, true
	case len(inconclusive) > 0:
		res.Verdict = schemas.VerdictUnknown
		res.Confidence = 0.0
		res.FailedCriteria = inconclusive
		res.Reason = fmt.Sprintf("criteria require semantic evaluation: %s", strings.Join(inconclusive, ", "))
		return res, false
	default:
		res.Verdict = schemas.VerdictRelevant
		res.Confidence = 1.0
		res.Reason = "all criteria hold against current context"
		return res, true
	}
}

// resolveContextValue maps a criterion key onto the context snapshot. The
// well-known fields get stable names; everything else is looked up in the
// free-form attribute map.
func resolveContextValue(cctx schemas.ContactContext, key string) (schemas.KVValue, bool) {
	switch key {
	case "relationship_status", "contact_status":
		return schemas.StringValue(cctx.RelationshipStatus), true
	case "sentiment":
		return schemas.StringValue(cctx.Sentiment), true
	case "contact_id":
		return schemas.StringValue(cctx.ContactID), true
	case "last_engaged_at", "engaged_since":
		if cctx.LastEngagedAt.IsZero() {
			return schemas.KVValue{}, false
		}
		return schemas.TimeValue(cctx.LastEngagedAt), true
	}
	v, ok := cctx.Attributes[key]
	return v, ok
}

// criterionHolds compares a criterion value against the context value.
// Timestamps act as recency thresholds (context must be at or after the
// criterion time); every other kind matches by structural equality.
func criterionHolds(want, got schemas.KVValue) bool {
	if want.Kind == schemas.KindTimestamp && got.Kind == schemas.KindTimestamp {
		return !got.Time.Before(want.Time)
	}
	return want.Equal(got)
}
