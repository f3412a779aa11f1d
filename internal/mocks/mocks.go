// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/relayloop/actiongate/api/schemas"
)

// -- LLM Client Mock --

// MockLLMClient mocks the schemas.LLMClient interface.
type MockLLMClient struct {
	mock.Mock
}

func (m *MockLLMClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *MockLLMClient) Close() error {
	return m.Called().Error(0)
}

// -- Context Provider Mock --

// MockContextProvider mocks the schemas.ContextProvider interface.
type MockContextProvider struct {
	mock.Mock
}

func (m *MockContextProvider) GetContext(ctx context.Context, contactID string) (schemas.ContactContext, error) {
	args := m.Called(ctx, contactID)
	if args.Get(0) == nil {
		return schemas.ContactContext{}, args.Error(1)
	}
	return args.Get(0).(schemas.ContactContext), args.Error(1)
}

// -- Notifier Mock --

// MockNotifier mocks the schemas.Notifier interface.
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Notify(ctx context.Context, approverID string, summary schemas.ApprovalSummary) error {
	return m.Called(ctx, approverID, summary).Error(0)
}

// -- Audit Sink Mock --

// MockAuditSink mocks the schemas.AuditSink interface.
type MockAuditSink struct {
	mock.Mock
}

func (m *MockAuditSink) Append(ctx context.Context, rec schemas.AuditRecord) error {
	return m.Called(ctx, rec).Error(0)
}

// -- Store Mock --

// MockStore mocks the schemas.Store interface.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) SaveAction(ctx context.Context, a schemas.ScheduledAction) error {
	return m.Called(ctx, a).Error(0)
}

func (m *MockStore) GetAction(ctx context.Context, id string) (schemas.ScheduledAction, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return schemas.ScheduledAction{}, args.Error(1)
	}
	return args.Get(0).(schemas.ScheduledAction), args.Error(1)
}

func (m *MockStore) TransitionAction(ctx context.Context, id string, from []schemas.ActionStatus, to schemas.ActionStatus, suppressionReason string) error {
	return m.Called(ctx, id, from, to, suppressionReason).Error(0)
}

func (m *MockStore) UpdateActionParameters(ctx context.Context, id string, params schemas.KVMap) error {
	return m.Called(ctx, id, params).Error(0)
}

func (m *MockStore) IncrementActionRetry(ctx context.Context, id string) (int, error) {
	args := m.Called(ctx, id)
	return args.Int(0), args.Error(1)
}

func (m *MockStore) ListActionsByStatus(ctx context.Context, organizationID string, status schemas.ActionStatus) ([]schemas.ScheduledAction, error) {
	args := m.Called(ctx, organizationID, status)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]schemas.ScheduledAction), args.Error(1)
}

func (m *MockStore) SaveRelevanceResult(ctx context.Context, res schemas.ActionRelevanceResult) error {
	return m.Called(ctx, res).Error(0)
}

func (m *MockStore) CreateApprovalRequest(ctx context.Context, req schemas.UserApprovalRequest) error {
	return m.Called(ctx, req).Error(0)
}

func (m *MockStore) GetApprovalRequest(ctx context.Context, id string) (schemas.UserApprovalRequest, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return schemas.UserApprovalRequest{}, args.Error(1)
	}
	return args.Get(0).(schemas.UserApprovalRequest), args.Error(1)
}

func (m *MockStore) GetPendingApprovalForAction(ctx context.Context, actionID string) (schemas.UserApprovalRequest, error) {
	args := m.Called(ctx, actionID)
	if args.Get(0) == nil {
		return schemas.UserApprovalRequest{}, args.Error(1)
	}
	return args.Get(0).(schemas.UserApprovalRequest), args.Error(1)
}

func (m *MockStore) ResolveApprovalRequest(ctx context.Context, id string, from, to schemas.ApprovalStatus, note string) error {
	return m.Called(ctx, id, from, to, note).Error(0)
}

func (m *MockStore) ListPendingApprovals(ctx context.Context, organizationID, actionType string) ([]schemas.UserApprovalRequest, error) {
	args := m.Called(ctx, organizationID, actionType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]schemas.UserApprovalRequest), args.Error(1)
}

func (m *MockStore) ListExpiredPending(ctx context.Context, asOf time.Time) ([]schemas.UserApprovalRequest, error) {
	args := m.Called(ctx, asOf)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]schemas.UserApprovalRequest), args.Error(1)
}

func (m *MockStore) ListExpiringPending(ctx context.Context, from, until time.Time) ([]schemas.UserApprovalRequest, error) {
	args := m.Called(ctx, from, until)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]schemas.UserApprovalRequest), args.Error(1)
}
