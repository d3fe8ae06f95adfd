package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nerdlabs-ai/ainerd/common/redact"
	"github.com/nerdlabs-ai/ainerd/common/retry"
)

const (
	defaultEmbeddingBase    = "https://api.openai.com/v1"
	defaultEmbeddingModel   = "text-embedding-3-small"
	defaultEmbeddingTimeout = 30 * time.Second
)

// OpenAIEmbedderConfig configures the OpenAI embedding provider.
type OpenAIEmbedderConfig struct {
	// APIKey is the bearer token for authentication.
	APIKey string

	// BaseURL overrides the API endpoint. Defaults to https://api.openai.com/v1
	// when empty. Useful for Azure OpenAI, local proxies, or compatible endpoints.
	BaseURL string

	// Model is the embedding model to use. Defaults to text-embedding-3-small.
	Model string

	// Timeout is the HTTP request timeout. Defaults to 30 s.
	Timeout time.Duration

	// Retry controls retries of rate-limited (429) and 5xx responses.
	// The zero value means a single attempt.
	Retry retry.Config
}

// OpenAIEmbedder implements Embedder using the OpenAI Embeddings API.
// It is safe for concurrent use.
type OpenAIEmbedder struct {
	cfg    OpenAIEmbedderConfig
	client *http.Client
}

// NewOpenAIEmbedder creates an Embedder backed by the OpenAI (or compatible)
// embeddings API.
func NewOpenAIEmbedder(cfg OpenAIEmbedderConfig) *OpenAIEmbedder {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultEmbeddingBase
	}
	if cfg.Model == "" {
		cfg.Model = defaultEmbeddingModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultEmbeddingTimeout
	}
	return &OpenAIEmbedder{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// --- minimal OpenAI embeddings wire types ---

type embeddingRequest struct {
	Input string `json:"input"`
	Model string `json:"model"`
}

type embeddingResponse struct {
	Data  []embeddingData `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

type embeddingData struct {
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

// Embed returns the embedding of text. Empty text yields nil, nil without a
// request.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, nil
	}

	data, err := json.Marshal(embeddingRequest{Input: text, Model: e.cfg.Model})
	if err != nil {
		return nil, fmt.Errorf("embedder openai: marshal request: %w", err)
	}

	var vec []float32
	err = retry.Do(ctx, e.cfg.Retry, func(ctx context.Context) error {
		var callErr error
		vec, callErr = e.call(ctx, data)
		return callErr
	})
	if err != nil {
		return nil, redact.Error(err, e.cfg.APIKey)
	}
	return vec, nil
}

func (e *OpenAIEmbedder) call(ctx context.Context, body []byte) ([]float32, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.cfg.BaseURL+"/embeddings",
		bytes.NewReader(body),
	)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("embedder openai: create http request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("embedder openai: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("embedder openai: read response body: %w", err)
	}

	retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
	fail := func(err error) error {
		if retryable {
			return err
		}
		return retry.Permanent(err)
	}

	var embResp embeddingResponse
	if err := json.Unmarshal(respBody, &embResp); err != nil {
		if resp.StatusCode >= 400 {
			return nil, fail(fmt.Errorf("embedder openai: unexpected HTTP status %d", resp.StatusCode))
		}
		return nil, retry.Permanent(fmt.Errorf("embedder openai: decode response: %w", err))
	}

	if embResp.Error != nil {
		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, fail(fmt.Errorf("embedder openai: rate limit (HTTP 429): %s", embResp.Error.Message))
		}
		return nil, fail(fmt.Errorf("embedder openai: API error (%s): %s", embResp.Error.Type, embResp.Error.Message))
	}

	if resp.StatusCode >= 400 {
		return nil, fail(fmt.Errorf("embedder openai: unexpected HTTP status %d", resp.StatusCode))
	}

	if len(embResp.Data) == 0 {
		return nil, retry.Permanent(fmt.Errorf("embedder openai: no embedding data returned"))
	}

	return embResp.Data[0].Embedding, nil
}

// Compile-time interface satisfaction check.
var _ Embedder = (*OpenAIEmbedder)(nil)
