package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/inkporter/inkporter/internal/types"
)

// OpenAIEmbedder drives an OpenAI-contract embeddings endpoint.
// text-embedding-3-small yields 1536 dimensions.
type OpenAIEmbedder struct {
	apiKey    string
	model     string
	endpoint  string
	dimension int
	batchSize int
	client    *http.Client
	rates     *rateTracker
}

// EmbedderOption configures the embedder.
type EmbedderOption func(*OpenAIEmbedder)

// WithEmbedEndpoint points the driver at a custom endpoint (proxies,
// self-hosted servers speaking the same contract).
func WithEmbedEndpoint(endpoint string) EmbedderOption {
	return func(e *OpenAIEmbedder) { e.endpoint = endpoint }
}

// WithEmbedDimension overrides the expected vector width.
func WithEmbedDimension(dim int) EmbedderOption {
	return func(e *OpenAIEmbedder) { e.dimension = dim }
}

// NewOpenAIEmbedder builds the driver.
func NewOpenAIEmbedder(apiKey, model string, opts ...EmbedderOption) (*OpenAIEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: embeddings", ErrAPIKeyRequired)
	}
	dim := 1536
	if model == "text-embedding-3-large" {
		dim = 3072
	}
	e := &OpenAIEmbedder{
		apiKey:    apiKey,
		model:     model,
		endpoint:  "https://api.openai.com/v1/embeddings",
		dimension: dim,
		batchSize: 256,
		client:    &http.Client{Timeout: 60 * time.Second},
		rates:     newRateTracker(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Name implements Embedder.
func (e *OpenAIEmbedder) Name() string { return "openai" }

// RateState reports the provider's rate limit as of the last call.
func (e *OpenAIEmbedder) RateState() RateState { return e.rates.snapshot() }

// Dimension implements Embedder.
func (e *OpenAIEmbedder) Dimension() int { return e.dimension }

type embedRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Usage struct {
		PromptTokens int64 `json:"prompt_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Embed converts a batch of inputs to vectors, retrying transient
// failures. A vector of the wrong width is a permanent failure: it
// means the configured dimension and the remote model disagree, and
// storing it would poison the index.
func (e *OpenAIEmbedder) Embed(ctx context.Context, inputs []string) (*Embedding, error) {
	if len(inputs) == 0 {
		return &Embedding{Model: e.model, Provider: e.Name()}, nil
	}
	if len(inputs) > e.batchSize {
		return nil, &types.AIError{Class: types.AIPermanent, Provider: e.Name(),
			Err: fmt.Errorf("batch size %d exceeds max %d", len(inputs), e.batchSize)}
	}

	body, err := json.Marshal(embedRequest{Input: inputs, Model: e.model})
	if err != nil {
		return nil, &types.AIError{Class: types.AIPermanent, Provider: e.Name(), Err: err}
	}

	var out *Embedding
	operation := func() error {
		res, err := e.call(ctx, body)
		if err != nil {
			if types.AIErrorClass(err) == types.AIRetryable {
				return err
			}
			return backoff.Permanent(err)
		}
		out = res
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}

	for i, v := range out.Vectors {
		if len(v) != e.dimension {
			return nil, &types.AIError{Class: types.AIPermanent, Provider: e.Name(),
				Err: fmt.Errorf("vector %d has dimension %d, want %d", i, len(v), e.dimension)}
		}
	}
	return out, nil
}

func (e *OpenAIEmbedder) call(ctx context.Context, body []byte) (*Embedding, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &types.AIError{Class: types.AIPermanent, Provider: e.Name(), Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, &types.AIError{Class: types.AIRetryable, Provider: e.Name(), Err: err}
	}
	defer resp.Body.Close()
	e.rates.observe(resp.Header)

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &types.AIError{Class: types.AIRetryable, Provider: e.Name(), Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr embedResponse
		_ = json.Unmarshal(respBody, &apiErr)
		var errType string
		if apiErr.Error != nil {
			errType = apiErr.Error.Type
		}
		return nil, &types.AIError{
			Class:    classifyHTTP(resp.StatusCode, errType),
			Provider: e.Name(),
			Err:      fmt.Errorf("embeddings endpoint returned %d", resp.StatusCode),
		}
	}

	var result embedResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, &types.AIError{Class: types.AIRetryable, Provider: e.Name(), Err: err}
	}
	if result.Error != nil {
		return nil, &types.AIError{Class: types.AIPermanent, Provider: e.Name(),
			Err: fmt.Errorf("%s (%s)", result.Error.Message, result.Error.Type)}
	}

	// Responses may arrive out of order; the index field restores it.
	vectors := make([][]float32, len(result.Data))
	for _, d := range result.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, &types.AIError{Class: types.AIPermanent, Provider: e.Name(),
				Err: fmt.Errorf("embedding index %d out of range", d.Index)}
		}
		vectors[d.Index] = d.Embedding
	}
	return &Embedding{
		Vectors:     vectors,
		Model:       e.model,
		Provider:    e.Name(),
		InputTokens: result.Usage.PromptTokens,
	}, nil
}

// classifyHTTP buckets a non-OK response. 429 is a transient rate
// limit and retries; AIQuota is reserved for bodies where the provider
// reports its hard quota exhausted, which no amount of waiting fixes.
func classifyHTTP(code int, errType string) types.AIClass {
	if errType == "insufficient_quota" {
		return types.AIQuota
	}
	switch {
	case code == http.StatusTooManyRequests, code >= 500:
		return types.AIRetryable
	default:
		return types.AIPermanent
	}
}
