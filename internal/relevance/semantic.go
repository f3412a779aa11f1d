package relevance

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/relayloop/actiongate/api/schemas"
	"github.com/relayloop/actiongate/internal/config"
)

// SemanticChecker asks the external language model to judge whether an
// action is still relevant when the rule engine is inconclusive. It never
// returns an error to its caller: timeouts and provider failures collapse
// into VerdictUnknown so the configured default-on-uncertainty policy can
// take over.
type SemanticChecker struct {
	logger *zap.Logger
	llm    schemas.LLMClient
	// sem bounds concurrent in-flight scorer calls.
	sem *semaphore.Weighted
}

// llmVerdict is the strict JSON structure requested from the model.
type llmVerdict struct {
	Relevant     bool     `json:"relevant"`
	Confidence   float64  `json:"confidence"`
	Rationale    string   `json:"rationale"`
	Alternatives []string `json:"alternatives"`
}

// llmReview is the structure for the human-review delegation prompt.
type llmReview struct {
	RequiresReview bool   `json:"requires_review"`
	Rationale      string `json:"rationale"`
}

// Fenced-JSON extraction; models frequently wrap output in markdown despite
// being told not to.
var jsonObjectRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:json)?\\s*({.*})\\s*\x60\x60\x60")

func NewSemanticChecker(logger *zap.Logger, llm schemas.LLMClient, maxConcurrent int64) *SemanticChecker {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &SemanticChecker{
		logger: logger.Named("semantic_checker"),
		llm:    llm,
		sem:    semaphore.NewWeighted(maxConcurrent),
	}
}

// Check produces a semantic relevance result for the action. The call is
// bounded by policy.CheckTimeout; confidence below the configured floor is
// downgraded to VerdictUnknown regardless of the raw verdict.
func (c *SemanticChecker) Check(ctx context.Context, action schemas.ScheduledAction, cctx schemas.ContactContext, policy config.PipelineConfig) schemas.ActionRelevanceResult {
	res := schemas.ActionRelevanceResult{
		ActionID:   action.ID,
		Method:     schemas.MethodSemantic,
		Verdict:    schemas.VerdictUnknown,
		Confidence: 0.0,
		CheckedAt:  time.Now().UTC(),
	}

	callCtx, cancel := context.WithTimeout(ctx, policy.CheckTimeout)
	defer cancel()

	if err := c.sem.Acquire(callCtx, 1); err != nil {
		c.logger.Warn("Semantic check skipped, concurrency slot unavailable.",
			zap.String("action_id", action.ID), zap.Error(err))
		res.Reason = "semantic checker unavailable: concurrency limit"
		return res
	}
	defer c.sem.Release(1)

	req := schemas.GenerationRequest{
		SystemPrompt: relevanceSystemPrompt,
		UserPrompt:   buildRelevancePrompt(action, cctx),
		Tier:         schemas.TierFast,
		Options: schemas.GenerationOptions{
			ForceJSONFormat: true,
			Temperature:     0.1,
		},
	}

	raw, err := c.llm.Generate(callCtx, req)
	if err != nil {
		c.logger.Warn("Semantic relevance call failed, returning unknown verdict.",
			zap.String("action_id", action.ID), zap.Error(err))
		res.Reason = fmt.Sprintf("semantic checker unavailable: %v", err)
		return res
	}

	var verdict llmVerdict
	if err := parseStrictJSON(raw, &verdict); err != nil {
		c.logger.Warn("Failed to parse semantic verdict.",
			zap.String("action_id", action.ID), zap.Error(err))
		res.Reason = fmt.Sprintf("unparseable semantic verdict: %v", err)
		return res
	}

	res.Confidence = clamp01(verdict.Confidence)
	res.Reason = verdict.Rationale
	res.Alternatives = verdict.Alternatives

	if res.Confidence < policy.MinSemanticConfidence {
		// Keep the raw confidence for audit, but refuse to trust the verdict.
		res.Verdict = schemas.VerdictUnknown
		res.Reason = fmt.Sprintf("confidence %.2f below floor %.2f: %s",
			res.Confidence, policy.MinSemanticConfidence, verdict.Rationale)
		return res
	}

	if verdict.Relevant {
		res.Verdict = schemas.VerdictRelevant
	} else {
		res.Verdict = schemas.VerdictNotRelevant
	}
	return res
}

// ReviewRequired asks the model whether a human should review the action
// before it executes. Used only in the llm_decision override mode; the
// caller falls back to risk-based routing on error.
func (c *SemanticChecker) ReviewRequired(ctx context.Context, action schemas.ScheduledAction, result schemas.ActionRelevanceResult, policy config.PipelineConfig) (bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, policy.CheckTimeout)
	defer cancel()

	if err := c.sem.Acquire(callCtx, 1); err != nil {
		return false, fmt.Errorf("concurrency slot unavailable: %w", err)
	}
	defer c.sem.Release(1)

	req := schemas.GenerationRequest{
		SystemPrompt: reviewSystemPrompt,
		UserPrompt:   buildReviewPrompt(action, result),
		Tier:         schemas.TierFast,
		Options: schemas.GenerationOptions{
			ForceJSONFormat: true,
			Temperature:     0.0,
		},
	}

	raw, err := c.llm.Generate(callCtx, req)
	if err != nil {
		return false, fmt.Errorf("review call failed: %w", err)
	}

	var review llmReview
	if err := parseStrictJSON(raw, &review); err != nil {
		return false, fmt.Errorf("unparseable review verdict: %w", err)
	}
	return review.RequiresReview, nil
}

const relevanceSystemPrompt = `You are the relevance checker of an automation gating pipeline for a relationship management system.
A previously proposed action is now due to execute. Judge whether it is STILL relevant given the current state of the relationship: intervening events may have made it redundant, wrong, or risky.

Respond ONLY with a single JSON object:
{
  "relevant": true|false,
  "confidence": 0.0-1.0,
  "rationale": "One or two sentences explaining the judgment.",
  "alternatives": ["optional better actions if the proposed one no longer fits"]
}

Guidelines:
- Be conservative: if the context contradicts the action's premise, it is not relevant.
- Confidence reflects how well the provided context supports the judgment, not how strongly worded the action is.`

const reviewSystemPrompt = `You decide whether a human should review an automated action before it executes.
Consider the action's blast radius, how much the relevance judgment relied on inference rather than hard data, and whether a mistake would be hard to undo.

Respond ONLY with a single JSON object:
{
  "requires_review": true|false,
  "rationale": "One sentence."
}`

func buildRelevancePrompt(action schemas.ScheduledAction, cctx schemas.ContactContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Proposed action:\n- Type: %s\n- Description: %s\n- Scope: %s\n- Scheduled: %s, executes: %s\n",
		action.ActionType, action.Description, action.Scope,
		action.ScheduledAt.UTC().Format(time.RFC3339), action.ExecuteAt.UTC().Format(time.RFC3339))

	if len(action.Parameters) > 0 {
		b.WriteString("- Parameters:\n")
		writeKVMap(&b, action.Parameters)
	}
	if len(action.RelevanceCriteria) > 0 {
		b.WriteString("- Relevance criteria:\n")
		writeKVMap(&b, action.RelevanceCriteria)
	}

	fmt.Fprintf(&b, "\nCurrent contact context (fetched %s):\n- Relationship status: %s\n- Sentiment: %s\n- Last engaged: %s\n",
		cctx.FetchedAt.UTC().Format(time.RFC3339), cctx.RelationshipStatus, cctx.Sentiment,
		cctx.LastEngagedAt.UTC().Format(time.RFC3339))
	if len(cctx.Attributes) > 0 {
		b.WriteString("- Attributes:\n")
		writeKVMap(&b, cctx.Attributes)
	}

	b.WriteString("\nIs this action still relevant? Respond only with the JSON object.")
	return b.String()
}

func buildReviewPrompt(action schemas.ScheduledAction, result schemas.ActionRelevanceResult) string {
	return fmt.Sprintf(`Action:
- Type: %s
- Description: %s
- Scope: %s

Relevance verdict: %s (confidence %.2f, method %s)
Rationale: %s

Should a human review this action before it executes? Respond only with the JSON object.`,
		action.ActionType, action.Description, action.Scope,
		result.Verdict, result.Confidence, result.Method, result.Reason)
}

func writeKVMap(b *strings.Builder, m schemas.KVMap) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "  - %s: %s\n", k, m[k].Display())
	}
}

// parseStrictJSON unwraps markdown fences or surrounding prose and decodes
// the embedded object.
func parseStrictJSON(raw string, out interface{}) error {
	raw = strings.TrimSpace(raw)
	jsonStr := raw

	if strings.HasPrefix(raw, "```") {
		if matches := jsonObjectRegex.FindStringSubmatch(raw); len(matches) > 1 {
			jsonStr = matches[1]
		}
	} else if !strings.HasPrefix(raw, "{") {
		first := strings.Index(raw, "{")
		last := strings.LastIndex(raw, "}")
		if first != -1 && last > first {
			jsonStr = raw[first : last+1]
		}
	}

	if err := json.Unmarshal([]byte(jsonStr), out); err != nil {
		return fmt.Errorf("failed to unmarshal LLM JSON response: %w. Extracted JSON: %.500s", err, jsonStr)
	}
	return nil
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
