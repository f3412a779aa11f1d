package contextsrc

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/relayloop/actiongate/api/schemas"
)

// Provider wraps an upstream contact-context source with a TTL cache. The
// TTL equals the configured maximum context age, so a cache hit is by
// construction fresh enough to check relevance against.
type Provider struct {
	logger   *zap.Logger
	upstream schemas.ContextProvider
	snaps    *cache.Cache
}

func New(logger *zap.Logger, upstream schemas.ContextProvider, maxAge time.Duration) *Provider {
	if maxAge <= 0 {
		maxAge = time.Minute
	}
	return &Provider{
		logger:   logger.Named("context_provider"),
		upstream: upstream,
		snaps:    cache.New(maxAge, 2*maxAge),
	}
}

// GetContext returns a context snapshot no older than the configured
// maximum age, consulting the cache before the upstream source.
func (p *Provider) GetContext(ctx context.Context, contactID string) (schemas.ContactContext, error) {
	if contactID == "" {
		return schemas.ContactContext{}, fmt.Errorf("contact id is required")
	}

	if v, ok := p.snaps.Get(contactID); ok {
		snap := v.(schemas.ContactContext)
		p.logger.Debug("Context cache hit.",
			zap.String("contact_id", contactID), zap.Time("fetched_at", snap.FetchedAt))
		return snap, nil
	}

	snap, err := p.upstream.GetContext(ctx, contactID)
	if err != nil {
		return schemas.ContactContext{}, fmt.Errorf("upstream context fetch for contact %s: %w", contactID, err)
	}
	if snap.FetchedAt.IsZero() {
		snap.FetchedAt = time.Now().UTC()
	}

	p.snaps.SetDefault(contactID, snap)
	return snap, nil
}

// Invalidate drops the cached snapshot for a contact, forcing the next
// lookup to hit the upstream source. Called after a known state change.
func (p *Provider) Invalidate(contactID string) {
	p.snaps.Delete(contactID)
}
