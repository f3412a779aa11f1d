package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/relayloop/actiongate/api/schemas"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store provides the PostgreSQL implementation of the persistence boundary:
// actions, relevance results, approval requests and the audit log. Status
// transitions are conditional updates keyed on the expected current status,
// so concurrent resolvers race to exactly one winner.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS actions (
    id                    TEXT PRIMARY KEY,
    action_type           TEXT NOT NULL,
    description           TEXT NOT NULL DEFAULT '',
    contact_id            TEXT NOT NULL DEFAULT '',
    organization_id       TEXT NOT NULL,
    agent_id              TEXT NOT NULL DEFAULT '',
    scheduled_at          TIMESTAMPTZ NOT NULL,
    execute_at            TIMESTAMPTZ NOT NULL,
    parameters            JSONB NOT NULL DEFAULT '{}',
    relevance_criteria    JSONB NOT NULL DEFAULT '{}',
    status                TEXT NOT NULL,
    suppression_reason    TEXT NOT NULL DEFAULT '',
    priority              INT NOT NULL DEFAULT 0,
    retry_attempts        INT NOT NULL DEFAULT 0,
    max_retry_attempts    INT NOT NULL DEFAULT 0,
    last_relevance_check  TIMESTAMPTZ,
    last_relevance_result JSONB,
    scope                 TEXT NOT NULL,
    audit_id              TEXT NOT NULL DEFAULT '',
    justification         TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_actions_org_status ON actions (organization_id, status);
CREATE INDEX IF NOT EXISTS idx_actions_contact_status ON actions (contact_id, status);

CREATE TABLE IF NOT EXISTS relevance_results (
    action_id       TEXT NOT NULL,
    verdict         TEXT NOT NULL,
    method          TEXT NOT NULL,
    confidence      DOUBLE PRECISION NOT NULL,
    reason          TEXT NOT NULL DEFAULT '',
    failed_criteria JSONB NOT NULL DEFAULT '[]',
    alternatives    JSONB NOT NULL DEFAULT '[]',
    checked_by      TEXT NOT NULL DEFAULT '',
    checked_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_relevance_results_action ON relevance_results (action_id, checked_at);

CREATE TABLE IF NOT EXISTS approval_requests (
    id              TEXT PRIMARY KEY,
    action_id       TEXT NOT NULL,
    action_type     TEXT NOT NULL,
    organization_id TEXT NOT NULL,
    action_payload  JSONB NOT NULL,
    result_payload  JSONB NOT NULL,
    reason          TEXT NOT NULL DEFAULT '',
    alternatives    JSONB NOT NULL DEFAULT '[]',
    approver_id     TEXT NOT NULL DEFAULT '',
    requested_at    TIMESTAMPTZ NOT NULL,
    expires_at      TIMESTAMPTZ NOT NULL,
    status          TEXT NOT NULL,
    resolution_note TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_approval_requests_org_type ON approval_requests (organization_id, action_type, status);
CREATE INDEX IF NOT EXISTS idx_approval_requests_expiry ON approval_requests (status, expires_at);

CREATE TABLE IF NOT EXISTS audit_log (
    id          TEXT PRIMARY KEY,
    action_id   TEXT NOT NULL,
    decision    TEXT NOT NULL,
    verdict     TEXT NOT NULL DEFAULT '',
    method      TEXT NOT NULL DEFAULT '',
    confidence  DOUBLE PRECISION NOT NULL DEFAULT 0,
    reason      TEXT NOT NULL DEFAULT '',
    resolved_by TEXT NOT NULL DEFAULT '',
    recorded_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_log_action ON audit_log (action_id, recorded_at);
`

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

const actionColumns = `id, action_type, description, contact_id, organization_id, agent_id,
scheduled_at, execute_at, parameters, relevance_criteria, status, suppression_reason,
priority, retry_attempts, max_retry_attempts, last_relevance_check, last_relevance_result,
scope, audit_id, justification`

// SaveAction upserts the action row keyed by id.
func (s *Store) SaveAction(ctx context.Context, a schemas.ScheduledAction) error {
	params, err := marshalJSONB(a.Parameters)
	if err != nil {
		return fmt.Errorf("failed to marshal parameters for action %s: %w", a.ID, err)
	}
	criteria, err := marshalJSONB(a.RelevanceCriteria)
	if err != nil {
		return fmt.Errorf("failed to marshal criteria for action %s: %w", a.ID, err)
	}
	var lastResult interface{}
	if a.LastRelevanceResult != nil {
		raw, err := json.Marshal(a.LastRelevanceResult)
		if err != nil {
			return fmt.Errorf("failed to marshal last result for action %s: %w", a.ID, err)
		}
		lastResult = raw
	}

	query := `
        INSERT INTO actions (` + actionColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
        ON CONFLICT (id) DO UPDATE SET
            status = EXCLUDED.status,
            suppression_reason = EXCLUDED.suppression_reason,
            parameters = EXCLUDED.parameters,
            retry_attempts = EXCLUDED.retry_attempts,
            last_relevance_check = EXCLUDED.last_relevance_check,
            last_relevance_result = EXCLUDED.last_relevance_result;
    `
	_, err = s.pool.Exec(ctx, query,
		a.ID, a.ActionType, a.Description, a.ContactID, a.OrganizationID, a.AgentID,
		a.ScheduledAt.UTC(), a.ExecuteAt.UTC(), params, criteria, string(a.Status), a.SuppressionReason,
		a.Priority, a.RetryAttempts, a.MaxRetryAttempts, a.LastRelevanceCheck, lastResult,
		string(a.Scope), a.AuditID, a.Justification,
	)
	if err != nil {
		return fmt.Errorf("failed to save action %s: %w", a.ID, err)
	}
	return nil
}

// GetAction loads a single action by id.
func (s *Store) GetAction(ctx context.Context, id string) (schemas.ScheduledAction, error) {
	query := `SELECT ` + actionColumns + ` FROM actions WHERE id = $1;`
	a, err := scanAction(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return schemas.ScheduledAction{}, fmt.Errorf("action %s: %w", id, schemas.ErrNotFound)
		}
		return schemas.ScheduledAction{}, fmt.Errorf("failed to load action %s: %w", id, err)
	}
	return a, nil
}

// TransitionAction moves the action to a new status only if its current
// status is one of from. A non-empty suppressionReason replaces the stored
// one. Returns ErrStaleTransition when no row matched the expected statuses.
func (s *Store) TransitionAction(ctx context.Context, id string, from []schemas.ActionStatus, to schemas.ActionStatus, suppressionReason string) error {
	states := make([]string, len(from))
	for i, st := range from {
		states[i] = string(st)
	}

	query := `
        UPDATE actions
        SET status = $1,
            suppression_reason = CASE WHEN $2 <> '' THEN $2 ELSE suppression_reason END
        WHERE id = $3 AND status = ANY($4);
    `
	tag, err := s.pool.Exec(ctx, query, string(to), suppressionReason, id, states)
	if err != nil {
		return fmt.Errorf("failed to transition action %s to %s: %w", id, to, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("action %s not in expected status for transition to %s: %w", id, to, schemas.ErrStaleTransition)
	}
	return nil
}

// UpdateActionParameters replaces the parameter map of a non-terminal action.
func (s *Store) UpdateActionParameters(ctx context.Context, id string, params schemas.KVMap) error {
	raw, err := marshalJSONB(params)
	if err != nil {
		return fmt.Errorf("failed to marshal parameters for action %s: %w", id, err)
	}

	query := `
        UPDATE actions SET parameters = $1
        WHERE id = $2 AND status NOT IN ('completed', 'suppressed', 'failed', 'expired');
    `
	tag, err := s.pool.Exec(ctx, query, raw, id)
	if err != nil {
		return fmt.Errorf("failed to update parameters for action %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("action %s is terminal or missing: %w", id, schemas.ErrStaleTransition)
	}
	return nil
}

// IncrementActionRetry advances the retry counter and returns its new value.
func (s *Store) IncrementActionRetry(ctx context.Context, id string) (int, error) {
	query := `UPDATE actions SET retry_attempts = retry_attempts + 1 WHERE id = $1 RETURNING retry_attempts;`
	var attempts int
	if err := s.pool.QueryRow(ctx, query, id).Scan(&attempts); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("action %s: %w", id, schemas.ErrNotFound)
		}
		return 0, fmt.Errorf("failed to increment retries for action %s: %w", id, err)
	}
	return attempts, nil
}

// ListActionsByStatus returns an organization's actions in the given status,
// highest priority first.
func (s *Store) ListActionsByStatus(ctx context.Context, organizationID string, status schemas.ActionStatus) ([]schemas.ScheduledAction, error) {
	query := `
        SELECT ` + actionColumns + `
        FROM actions
        WHERE organization_id = $1 AND status = $2
        ORDER BY priority DESC, execute_at ASC;
    `
	rows, err := s.pool.Query(ctx, query, organizationID, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to query actions: %w", err)
	}
	defer rows.Close()

	var actions []schemas.ScheduledAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action row: %w", err)
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return actions, nil
}

// SaveRelevanceResult appends a relevance check outcome.
func (s *Store) SaveRelevanceResult(ctx context.Context, res schemas.ActionRelevanceResult) error {
	failed, err := marshalJSONB(res.FailedCriteria)
	if err != nil {
		return fmt.Errorf("failed to marshal failed criteria: %w", err)
	}
	alts, err := marshalJSONB(res.Alternatives)
	if err != nil {
		return fmt.Errorf("failed to marshal alternatives: %w", err)
	}

	query := `
        INSERT INTO relevance_results (action_id, verdict, method, confidence, reason, failed_criteria, alternatives, checked_by, checked_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);
    `
	_, err = s.pool.Exec(ctx, query,
		res.ActionID, string(res.Verdict), string(res.Method), res.Confidence,
		res.Reason, failed, alts, res.CheckedBy, res.CheckedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save relevance result for action %s: %w", res.ActionID, err)
	}
	return nil
}

// CreateApprovalRequest persists a new approval request.
func (s *Store) CreateApprovalRequest(ctx context.Context, req schemas.UserApprovalRequest) error {
	actionPayload, err := json.Marshal(req.Action)
	if err != nil {
		return fmt.Errorf("failed to marshal action payload for request %s: %w", req.ID, err)
	}
	resultPayload, err := json.Marshal(req.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal result payload for request %s: %w", req.ID, err)
	}
	alts, err := marshalJSONB(req.Alternatives)
	if err != nil {
		return fmt.Errorf("failed to marshal alternatives for request %s: %w", req.ID, err)
	}

	query := `
        INSERT INTO approval_requests (id, action_id, action_type, organization_id, action_payload, result_payload, reason, alternatives, approver_id, requested_at, expires_at, status, resolution_note)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13);
    `
	_, err = s.pool.Exec(ctx, query,
		req.ID, req.ActionID, req.ActionType, req.OrganizationID,
		actionPayload, resultPayload, req.Reason, alts, req.ApproverID,
		req.RequestedAt.UTC(), req.ExpiresAt.UTC(), string(req.Status), req.ResolutionNote,
	)
	if err != nil {
		return fmt.Errorf("failed to create approval request %s: %w", req.ID, err)
	}
	return nil
}

// GetApprovalRequest loads a single approval request by id.
func (s *Store) GetApprovalRequest(ctx context.Context, id string) (schemas.UserApprovalRequest, error) {
	query := requestSelect + ` WHERE id = $1;`
	req, err := scanRequest(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return schemas.UserApprovalRequest{}, fmt.Errorf("approval request %s: %w", id, schemas.ErrNotFound)
		}
		return schemas.UserApprovalRequest{}, fmt.Errorf("failed to load approval request %s: %w", id, err)
	}
	return req, nil
}

// GetPendingApprovalForAction returns the action's outstanding pending
// request, newest first when several exist.
func (s *Store) GetPendingApprovalForAction(ctx context.Context, actionID string) (schemas.UserApprovalRequest, error) {
	query := requestSelect + `
        WHERE action_id = $1 AND status = 'pending'
        ORDER BY requested_at DESC
        LIMIT 1;
    `
	req, err := scanRequest(s.pool.QueryRow(ctx, query, actionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return schemas.UserApprovalRequest{}, fmt.Errorf("no pending approval for action %s: %w", actionID, schemas.ErrNotFound)
		}
		return schemas.UserApprovalRequest{}, fmt.Errorf("failed to load pending approval for action %s: %w", actionID, err)
	}
	return req, nil
}

// ResolveApprovalRequest is the single-writer transition for requests: the
// row moves from -> to only if it is still in from. Returns ErrStaleDecision
// when another resolver got there first.
func (s *Store) ResolveApprovalRequest(ctx context.Context, id string, from, to schemas.ApprovalStatus, note string) error {
	query := `
        UPDATE approval_requests
        SET status = $1,
            resolution_note = CASE WHEN $2 <> '' THEN $2 ELSE resolution_note END
        WHERE id = $3 AND status = $4;
    `
	tag, err := s.pool.Exec(ctx, query, string(to), note, id, string(from))
	if err != nil {
		return fmt.Errorf("failed to resolve approval request %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("approval request %s no longer %s: %w", id, from, schemas.ErrStaleDecision)
	}
	return nil
}

// ListPendingApprovals returns an organization's pending requests for one
// action type, oldest first. Used for bulk resolution.
func (s *Store) ListPendingApprovals(ctx context.Context, organizationID, actionType string) ([]schemas.UserApprovalRequest, error) {
	query := requestSelect + `
        WHERE organization_id = $1 AND action_type = $2 AND status = 'pending'
        ORDER BY requested_at ASC;
    `
	return s.queryRequests(ctx, query, organizationID, actionType)
}

// ListExpiredPending returns pending requests whose expiry has passed.
func (s *Store) ListExpiredPending(ctx context.Context, asOf time.Time) ([]schemas.UserApprovalRequest, error) {
	query := requestSelect + `
        WHERE status = 'pending' AND expires_at <= $1
        ORDER BY expires_at ASC;
    `
	return s.queryRequests(ctx, query, asOf.UTC())
}

// ListExpiringPending returns pending requests expiring inside (from, until].
func (s *Store) ListExpiringPending(ctx context.Context, from, until time.Time) ([]schemas.UserApprovalRequest, error) {
	query := requestSelect + `
        WHERE status = 'pending' AND expires_at > $1 AND expires_at <= $2
        ORDER BY expires_at ASC;
    `
	return s.queryRequests(ctx, query, from.UTC(), until.UTC())
}

// Append writes one immutable audit record. It satisfies the audit sink
// contract: callers treat a returned error as "hold the action".
func (s *Store) Append(ctx context.Context, rec schemas.AuditRecord) error {
	query := `
        INSERT INTO audit_log (id, action_id, decision, verdict, method, confidence, reason, resolved_by, recorded_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);
    `
	_, err := s.pool.Exec(ctx, query,
		rec.ID, rec.ActionID, string(rec.Decision), string(rec.Verdict), string(rec.Method),
		rec.Confidence, rec.Reason, rec.ResolvedBy, rec.RecordedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit record for action %s: %w", rec.ActionID, err)
	}
	return nil
}

const requestSelect = `
        SELECT id, action_id, action_type, organization_id, action_payload, result_payload,
               reason, alternatives, approver_id, requested_at, expires_at, status, resolution_note
        FROM approval_requests`

func (s *Store) queryRequests(ctx context.Context, query string, args ...interface{}) ([]schemas.UserApprovalRequest, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query approval requests: %w", err)
	}
	defer rows.Close()

	var reqs []schemas.UserApprovalRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval request row: %w", err)
		}
		reqs = append(reqs, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return reqs, nil
}

func scanAction(row pgx.Row) (schemas.ScheduledAction, error) {
	var (
		a                             schemas.ScheduledAction
		statusStr, scopeStr           string
		params, criteria, lastPayload []byte
	)
	err := row.Scan(
		&a.ID, &a.ActionType, &a.Description, &a.ContactID, &a.OrganizationID, &a.AgentID,
		&a.ScheduledAt, &a.ExecuteAt, &params, &criteria, &statusStr, &a.SuppressionReason,
		&a.Priority, &a.RetryAttempts, &a.MaxRetryAttempts, &a.LastRelevanceCheck, &lastPayload,
		&scopeStr, &a.AuditID, &a.Justification,
	)
	if err != nil {
		return schemas.ScheduledAction{}, err
	}

	a.Status = schemas.ActionStatus(statusStr)
	a.Scope = schemas.ActionScope(scopeStr)
	if len(params) > 0 {
		if err := json.Unmarshal(params, &a.Parameters); err != nil {
			return schemas.ScheduledAction{}, fmt.Errorf("corrupt parameters payload: %w", err)
		}
	}
	if len(criteria) > 0 {
		if err := json.Unmarshal(criteria, &a.RelevanceCriteria); err != nil {
			return schemas.ScheduledAction{}, fmt.Errorf("corrupt criteria payload: %w", err)
		}
	}
	if len(lastPayload) > 0 {
		var res schemas.ActionRelevanceResult
		if err := json.Unmarshal(lastPayload, &res); err != nil {
			return schemas.ScheduledAction{}, fmt.Errorf("corrupt relevance result payload: %w", err)
		}
		a.LastRelevanceResult = &res
	}
	return a, nil
}

func scanRequest(row pgx.Row) (schemas.UserApprovalRequest, error) {
	var (
		req                                schemas.UserApprovalRequest
		statusStr                          string
		actionPayload, resultPayload, alts []byte
	)
	err := row.Scan(
		&req.ID, &req.ActionID, &req.ActionType, &req.OrganizationID,
		&actionPayload, &resultPayload, &req.Reason, &alts, &req.ApproverID,
		&req.RequestedAt, &req.ExpiresAt, &statusStr, &req.ResolutionNote,
	)
	if err != nil {
		return schemas.UserApprovalRequest{}, err
	}

	req.Status = schemas.ApprovalStatus(statusStr)
	if err := json.Unmarshal(actionPayload, &req.Action); err != nil {
		return schemas.UserApprovalRequest{}, fmt.Errorf("corrupt action payload: %w", err)
	}
	if err := json.Unmarshal(resultPayload, &req.Result); err != nil {
		return schemas.UserApprovalRequest{}, fmt.Errorf("corrupt result payload: %w", err)
	}
	if len(alts) > 0 {
		if err := json.Unmarshal(alts, &req.Alternatives); err != nil {
			return schemas.UserApprovalRequest{}, fmt.Errorf("corrupt alternatives payload: %w", err)
		}
	}
	return req, nil
}

// marshalJSONB encodes a value for a JSONB column, normalizing Go nil to an
// empty JSON value so the column never holds SQL NULL.
func marshalJSONB(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(raw) == "null" {
		switch v.(type) {
		case schemas.KVMap:
			return []byte("{}"), nil
		default:
			return []byte("[]"), nil
		}
	}
	return raw, nil
}
