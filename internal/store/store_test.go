package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relayloop/actiongate/api/schemas"
)

func newTestStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing()
	s, err := New(context.Background(), mockPool, zap.NewNop())
	require.NoError(t, err)
	return s, mockPool
}

func TestNewPingFailure(t *testing.T) {
	mockPool, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer mockPool.Close()

	mockPool.ExpectPing().WillReturnError(assert.AnError)
	_, err = New(context.Background(), mockPool, zap.NewNop())
	assert.Error(t, err)
}

func TestEnsureSchema(t *testing.T) {
	s, mockPool := newTestStore(t)

	mockPool.ExpectExec("CREATE TABLE IF NOT EXISTS actions").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.EnsureSchema(context.Background()))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestTransitionAction(t *testing.T) {
	t.Run("Winner", func(t *testing.T) {
		s, mockPool := newTestStore(t)

		mockPool.ExpectExec("UPDATE actions").
			WithArgs("suppressed", "no longer relevant", "act-1", pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		err := s.TransitionAction(context.Background(), "act-1",
			[]schemas.ActionStatus{schemas.StatusPending}, schemas.StatusSuppressed, "no longer relevant")
		require.NoError(t, err)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("Stale", func(t *testing.T) {
		s, mockPool := newTestStore(t)

		// No rows matched: the action already left the expected status.
		mockPool.ExpectExec("UPDATE actions").
			WithArgs("suppressed", "", "act-1", pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		err := s.TransitionAction(context.Background(), "act-1",
			[]schemas.ActionStatus{schemas.StatusPending}, schemas.StatusSuppressed, "")
		assert.ErrorIs(t, err, schemas.ErrStaleTransition)
	})
}

func TestIncrementActionRetry(t *testing.T) {
	t.Run("Returns New Count", func(t *testing.T) {
		s, mockPool := newTestStore(t)

		mockPool.ExpectQuery("UPDATE actions SET retry_attempts").
			WithArgs("act-1").
			WillReturnRows(pgxmock.NewRows([]string{"retry_attempts"}).AddRow(2))

		attempts, err := s.IncrementActionRetry(context.Background(), "act-1")
		require.NoError(t, err)
		assert.Equal(t, 2, attempts)
	})

	t.Run("Missing Action", func(t *testing.T) {
		s, mockPool := newTestStore(t)

		mockPool.ExpectQuery("UPDATE actions SET retry_attempts").
			WithArgs("missing").
			WillReturnError(pgx.ErrNoRows)

		_, err := s.IncrementActionRetry(context.Background(), "missing")
		assert.ErrorIs(t, err, schemas.ErrNotFound)
	})
}

func TestUpdateActionParameters(t *testing.T) {
	t.Run("Terminal Action Refused", func(t *testing.T) {
		s, mockPool := newTestStore(t)

		mockPool.ExpectExec("UPDATE actions SET parameters").
			WithArgs(pgxmock.AnyArg(), "act-done").
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		err := s.UpdateActionParameters(context.Background(), "act-done",
			schemas.KVMap{"channel": schemas.StringValue("phone")})
		assert.ErrorIs(t, err, schemas.ErrStaleTransition)
	})
}

func TestSaveRelevanceResult(t *testing.T) {
	s, mockPool := newTestStore(t)

	res := schemas.ActionRelevanceResult{
		ActionID:   "act-1",
		Verdict:    schemas.VerdictNotRelevant,
		Confidence: 1.0,
		Method:     schemas.MethodRuleBased,
		Reason:     "criteria no longer hold",
		CheckedBy:  "actiongate",
		CheckedAt:  time.Now().UTC(),
	}

	mockPool.ExpectExec("INSERT INTO relevance_results").
		WithArgs(res.ActionID, "not_relevant", "rule_based", 1.0, res.Reason,
			pgxmock.AnyArg(), pgxmock.AnyArg(), res.CheckedBy, res.CheckedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.SaveRelevanceResult(context.Background(), res))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestResolveApprovalRequest(t *testing.T) {
	t.Run("Winner", func(t *testing.T) {
		s, mockPool := newTestStore(t)

		mockPool.ExpectExec("UPDATE approval_requests").
			WithArgs("approved", "", "req-1", "pending").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		err := s.ResolveApprovalRequest(context.Background(), "req-1",
			schemas.ApprovalPending, schemas.ApprovalApproved, "")
		require.NoError(t, err)
	})

	t.Run("Lost Race", func(t *testing.T) {
		s, mockPool := newTestStore(t)

		mockPool.ExpectExec("UPDATE approval_requests").
			WithArgs("expired", "approval window elapsed", "req-1", "pending").
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		err := s.ResolveApprovalRequest(context.Background(), "req-1",
			schemas.ApprovalPending, schemas.ApprovalExpired, "approval window elapsed")
		assert.ErrorIs(t, err, schemas.ErrStaleDecision)
	})
}

func TestGetPendingApprovalForAction(t *testing.T) {
	t.Run("Found", func(t *testing.T) {
		s, mockPool := newTestStore(t)

		now := time.Now().UTC()
		rows := pgxmock.NewRows([]string{
			"id", "action_id", "action_type", "organization_id", "action_payload", "result_payload",
			"reason", "alternatives", "approver_id", "requested_at", "expires_at", "status", "resolution_note",
		}).AddRow(
			"req-1", "act-1", "send_followup", "org-1", []byte(`{"id":"act-1"}`), []byte(`{"verdict":"relevant"}`),
			"low confidence", []byte(`[]`), "operator", now, now.Add(time.Hour), "pending", "",
		)
		mockPool.ExpectQuery("SELECT (.+) FROM approval_requests").
			WithArgs("act-1").
			WillReturnRows(rows)

		req, err := s.GetPendingApprovalForAction(context.Background(), "act-1")
		require.NoError(t, err)
		assert.Equal(t, "req-1", req.ID)
		assert.Equal(t, schemas.ApprovalPending, req.Status)
	})

	t.Run("None Pending", func(t *testing.T) {
		s, mockPool := newTestStore(t)

		mockPool.ExpectQuery("SELECT (.+) FROM approval_requests").
			WithArgs("act-1").
			WillReturnError(pgx.ErrNoRows)

		_, err := s.GetPendingApprovalForAction(context.Background(), "act-1")
		assert.ErrorIs(t, err, schemas.ErrNotFound)
	})
}

func TestGetActionNotFound(t *testing.T) {
	s, mockPool := newTestStore(t)

	mockPool.ExpectQuery("SELECT (.+) FROM actions").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetAction(context.Background(), "missing")
	assert.ErrorIs(t, err, schemas.ErrNotFound)
}

func TestAppendAuditRecord(t *testing.T) {
	s, mockPool := newTestStore(t)

	rec := schemas.AuditRecord{
		ID:         "audit-1",
		ActionID:   "act-1",
		Decision:   schemas.DecisionSuppress,
		Verdict:    schemas.VerdictNotRelevant,
		Method:     schemas.MethodRuleBased,
		Confidence: 1.0,
		Reason:     "criteria no longer hold",
		ResolvedBy: "execution_gate",
		RecordedAt: time.Now().UTC(),
	}

	mockPool.ExpectExec("INSERT INTO audit_log").
		WithArgs(rec.ID, rec.ActionID, "suppress", "not_relevant", "rule_based",
			rec.Confidence, rec.Reason, rec.ResolvedBy, rec.RecordedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.Append(context.Background(), rec))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestCreateApprovalRequest(t *testing.T) {
	s, mockPool := newTestStore(t)

	now := time.Now().UTC()
	req := schemas.UserApprovalRequest{
		ID:             "req-1",
		ActionID:       "act-1",
		ActionType:     "send_followup",
		OrganizationID: "org-1",
		Action:         schemas.ScheduledAction{ID: "act-1"},
		Result:         schemas.ActionRelevanceResult{Verdict: schemas.VerdictRelevant},
		Reason:         "low confidence",
		ApproverID:     "operator",
		RequestedAt:    now,
		ExpiresAt:      now.Add(time.Hour),
		Status:         schemas.ApprovalPending,
	}

	mockPool.ExpectExec("INSERT INTO approval_requests").
		WithArgs(req.ID, req.ActionID, req.ActionType, req.OrganizationID,
			pgxmock.AnyArg(), pgxmock.AnyArg(), req.Reason, pgxmock.AnyArg(),
			req.ApproverID, req.RequestedAt, req.ExpiresAt, "pending", "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.CreateApprovalRequest(context.Background(), req))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}
