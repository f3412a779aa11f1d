package llmclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relayloop/actiongate/api/schemas"
	"github.com/relayloop/actiongate/internal/config"
)

func geminiResponse(text string) string {
	return `{"candidates": [{"content": {"parts": [{"text": ` + mustQuote(text) + `}], "role": "model"}, "finishReason": "STOP"}]}`
}

func mustQuote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func newTestClient(t *testing.T, endpoint string) *GeminiClient {
	t.Helper()
	client, err := NewGeminiClient(config.LLMModelConfig{
		Provider:   config.ProviderGemini,
		Model:      "gemini-2.5-flash",
		APIKey:     "test-key",
		Endpoint:   endpoint,
		APITimeout: 5 * time.Second,
	}, zap.NewNop())
	require.NoError(t, err)
	return client
}

func TestNewGeminiClientRequiresAPIKey(t *testing.T) {
	_, err := NewGeminiClient(config.LLMModelConfig{Model: "gemini-2.5-flash"}, zap.NewNop())
	assert.Error(t, err)
}

func TestGenerate(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "test-key", r.Header.Get("x-goog-api-key"))

			var payload geminiRequestPayload
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			assert.Equal(t, "system prompt", payload.SystemInstruction.Parts[0].Text)
			assert.Equal(t, "user prompt", payload.Contents[0].Parts[0].Text)
			assert.Equal(t, "application/json", payload.GenerationConfig.ResponseMimeType)

			w.Write([]byte(geminiResponse(`{"relevant": true}`)))
		}))
		defer srv.Close()

		client := newTestClient(t, srv.URL)
		out, err := client.Generate(context.Background(), schemas.GenerationRequest{
			SystemPrompt: "system prompt",
			UserPrompt:   "user prompt",
			Options:      schemas.GenerationOptions{ForceJSONFormat: true},
		})
		require.NoError(t, err)
		assert.Equal(t, `{"relevant": true}`, out)
	})

	t.Run("Transient Error Then Success", func(t *testing.T) {
		var calls int
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			if calls == 1 {
				http.Error(w, "overloaded", http.StatusServiceUnavailable)
				return
			}
			w.Write([]byte(geminiResponse("ok")))
		}))
		defer srv.Close()

		client := newTestClient(t, srv.URL)
		out, err := client.Generate(context.Background(), schemas.GenerationRequest{UserPrompt: "hi"})
		require.NoError(t, err)
		assert.Equal(t, "ok", out)
		assert.Equal(t, 2, calls)
	})

	t.Run("Permanent Error No Retry", func(t *testing.T) {
		var calls int
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			http.Error(w, "bad request", http.StatusBadRequest)
		}))
		defer srv.Close()

		client := newTestClient(t, srv.URL)
		_, err := client.Generate(context.Background(), schemas.GenerationRequest{UserPrompt: "hi"})
		require.Error(t, err)
		assert.Equal(t, 1, calls, "4xx responses must not be retried")
	})

	t.Run("Safety Block Is Permanent", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"candidates": [{"content": {"parts": []}, "finishReason": "SAFETY"}]}`))
		}))
		defer srv.Close()

		client := newTestClient(t, srv.URL)
		_, err := client.Generate(context.Background(), schemas.GenerationRequest{UserPrompt: "hi"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "SAFETY")
	})

	t.Run("Context Cancellation Stops Retries", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		client := newTestClient(t, srv.URL)
		_, err := client.Generate(ctx, schemas.GenerationRequest{UserPrompt: "hi"})
		assert.Error(t, err)
	})
}

func TestRouter(t *testing.T) {
	fastSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(geminiResponse("fast")))
	}))
	defer fastSrv.Close()
	powerfulSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(geminiResponse("powerful")))
	}))
	defer powerfulSrv.Close()

	fast := newTestClient(t, fastSrv.URL)
	powerful := newTestClient(t, powerfulSrv.URL)

	router, err := NewLLMRouter(zap.NewNop(), fast, powerful)
	require.NoError(t, err)

	t.Run("Routes By Tier", func(t *testing.T) {
		out, err := router.Generate(context.Background(), schemas.GenerationRequest{Tier: schemas.TierFast})
		require.NoError(t, err)
		assert.Equal(t, "fast", out)

		out, err = router.Generate(context.Background(), schemas.GenerationRequest{Tier: schemas.TierPowerful})
		require.NoError(t, err)
		assert.Equal(t, "powerful", out)
	})

	t.Run("Defaults To Powerful", func(t *testing.T) {
		out, err := router.Generate(context.Background(), schemas.GenerationRequest{})
		require.NoError(t, err)
		assert.Equal(t, "powerful", out)
	})

	t.Run("Requires Both Clients", func(t *testing.T) {
		_, err := NewLLMRouter(zap.NewNop(), nil, powerful)
		assert.Error(t, err)
	})
}

func TestNewRouterFromConfig(t *testing.T) {
	cfg := config.LLMRouterConfig{
		DefaultFastModel:     "gemini-2.5-flash",
		DefaultPowerfulModel: "gemini-2.5-pro",
		Models: map[string]config.LLMModelConfig{
			"gemini-2.5-flash": {Provider: config.ProviderGemini, Model: "gemini-2.5-flash", APIKey: "k"},
			"gemini-2.5-pro":   {Provider: config.ProviderGemini, Model: "gemini-2.5-pro", APIKey: "k"},
		},
	}

	router, err := NewRouterFromConfig(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.NoError(t, router.Close())

	t.Run("Missing Model Config", func(t *testing.T) {
		broken := cfg
		broken.DefaultFastModel = "missing-model"
		_, err := NewRouterFromConfig(broken, zap.NewNop())
		assert.Error(t, err)
	})

	t.Run("Unsupported Provider", func(t *testing.T) {
		_, err := NewClientForModel(config.LLMModelConfig{Provider: "watson"}, zap.NewNop())
		assert.Error(t, err)
	})
}
