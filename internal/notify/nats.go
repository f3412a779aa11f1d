package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/relayloop/actiongate/api/schemas"
	"github.com/relayloop/actiongate/internal/config"
)

// publisher is the slice of *nats.Conn the notifier uses.
type publisher interface {
	Publish(subj string, data []byte) error
	Flush() error
}

// NATSNotifier pushes approval request summaries onto a per-approver NATS
// subject. Delivery is fire-and-forget and rate-limited; a dropped or failed
// publish never blocks the pipeline.
type NATSNotifier struct {
	logger  *zap.Logger
	conn    publisher
	prefix  string
	limiter *rate.Limiter
	closer  func()
}

// NewNATSNotifier connects to the configured NATS server.
func NewNATSNotifier(logger *zap.Logger, cfg config.NotifyConfig) (*NATSNotifier, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("actiongate-notifier"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to notification server %s: %w", cfg.URL, err)
	}
	n := newWithConn(logger, nc, cfg)
	n.closer = nc.Close
	return n, nil
}

func newWithConn(logger *zap.Logger, conn publisher, cfg config.NotifyConfig) *NATSNotifier {
	limit := rate.Inf
	burst := 1
	if cfg.RatePerMinute > 0 {
		limit = rate.Limit(float64(cfg.RatePerMinute) / 60.0)
		burst = cfg.RatePerMinute
	}
	return &NATSNotifier{
		logger:  logger.Named("notifier"),
		conn:    conn,
		prefix:  cfg.SubjectPrefix,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Notify publishes the summary to <prefix>.<approverID>. Exceeding the rate
// cap drops the notification; the request itself remains pending and
// discoverable through the store.
func (n *NATSNotifier) Notify(ctx context.Context, approverID string, summary schemas.ApprovalSummary) error {
	if approverID == "" {
		return fmt.Errorf("approver id is required")
	}
	if !n.limiter.Allow() {
		n.logger.Warn("Notification dropped by rate limit.",
			zap.String("request_id", summary.RequestID), zap.String("approver_id", approverID))
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("notification cancelled: %w", err)
	}

	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal approval summary: %w", err)
	}

	subject := n.prefix + "." + approverID
	if err := n.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	if err := n.conn.Flush(); err != nil {
		return fmt.Errorf("failed to flush notification to %s: %w", subject, err)
	}

	n.logger.Debug("Approval notification published.",
		zap.String("subject", subject), zap.String("request_id", summary.RequestID))
	return nil
}

// Close releases the underlying connection.
func (n *NATSNotifier) Close() {
	if n.closer != nil {
		n.closer()
	}
}
