package contextsrc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/relayloop/actiongate/api/schemas"
	"github.com/relayloop/actiongate/internal/config"
)

// HTTPSource fetches contact context snapshots from the upstream relationship
// service over plain HTTP. It is the un-cached source; wrap it in Provider
// for TTL caching.
type HTTPSource struct {
	logger     *zap.Logger
	baseURL    string
	httpClient *http.Client
}

func NewHTTPSource(logger *zap.Logger, cfg config.ContextConfig) *HTTPSource {
	return &HTTPSource{
		logger:     logger.Named("context_source"),
		baseURL:    cfg.URL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// GetContext fetches /contacts/{id}/context from the upstream service.
func (s *HTTPSource) GetContext(ctx context.Context, contactID string) (schemas.ContactContext, error) {
	endpoint := fmt.Sprintf("%s/contacts/%s/context", s.baseURL, url.PathEscape(contactID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return schemas.ContactContext{}, fmt.Errorf("failed to build context request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return schemas.ContactContext{}, fmt.Errorf("context request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return schemas.ContactContext{}, fmt.Errorf("contact %s: %w", contactID, schemas.ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return schemas.ContactContext{}, fmt.Errorf("context service returned %d: %s", resp.StatusCode, string(body))
	}

	var snap schemas.ContactContext
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return schemas.ContactContext{}, fmt.Errorf("failed to decode context payload: %w", err)
	}
	if snap.ContactID == "" {
		snap.ContactID = contactID
	}
	return snap, nil
}
