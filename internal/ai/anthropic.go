package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/inkporter/inkporter/internal/types"
)

const (
	defaultAnthropicModel = "claude-3-5-haiku-latest"
	maxRetries            = 3
	initialBackoff        = 1 * time.Second
)

// ErrAPIKeyRequired is returned when an API key is needed but not provided.
var ErrAPIKeyRequired = errors.New("API key required")

// AnthropicChat is the primary chat driver.
type AnthropicChat struct {
	client         anthropic.Client
	model          anthropic.Model
	maxRetries     int
	initialBackoff time.Duration
}

// NewAnthropicChat builds the driver. Model defaults when empty.
func NewAnthropicChat(apiKey, model string) (*AnthropicChat, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: anthropic", ErrAPIKeyRequired)
	}
	if model == "" {
		model = defaultAnthropicModel
	}
	return &AnthropicChat{
		client:         anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:          anthropic.Model(model),
		maxRetries:     maxRetries,
		initialBackoff: initialBackoff,
	}, nil
}

// Name implements ChatProvider.
func (a *AnthropicChat) Name() string { return "anthropic" }

// Complete sends one user message and returns the text response,
// retrying transient failures with exponential backoff.
func (a *AnthropicChat) Complete(ctx context.Context, prompt string, maxTokens int64) (*Completion, error) {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	params := anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	var lastErr error
	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := a.initialBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		message, err := a.client.Messages.New(ctx, params)
		if err == nil {
			if len(message.Content) == 0 {
				return nil, &types.AIError{Class: types.AIPermanent, Provider: a.Name(),
					Err: errors.New("response has no content blocks")}
			}
			content := message.Content[0]
			if content.Type != "text" {
				return nil, &types.AIError{Class: types.AIPermanent, Provider: a.Name(),
					Err: fmt.Errorf("unexpected content block type %s", content.Type)}
			}
			return &Completion{
				Text:         content.Text,
				Model:        string(a.model),
				Provider:     a.Name(),
				InputTokens:  message.Usage.InputTokens,
				OutputTokens: message.Usage.OutputTokens,
			}, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		class := classifyAnthropic(err)
		if class != types.AIRetryable {
			return nil, &types.AIError{Class: class, Provider: a.Name(), Err: err}
		}
	}
	return nil, &types.AIError{Class: types.AIRetryable, Provider: a.Name(),
		Err: fmt.Errorf("failed after %d attempts: %w", a.maxRetries+1, lastErr)}
}

// classifyAnthropic buckets SDK errors: 429 is quota pressure, 5xx and
// network timeouts retry, everything else is permanent.
func classifyAnthropic(err error) types.AIClass {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return types.AIRetryable
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429:
			return types.AIQuota
		case apiErr.StatusCode >= 500:
			return types.AIRetryable
		default:
			return types.AIPermanent
		}
	}
	// Unknown transport noise retries.
	return types.AIRetryable
}
