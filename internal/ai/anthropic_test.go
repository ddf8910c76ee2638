package ai

import (
	"errors"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/inkporter/inkporter/internal/types"
)

func TestNewAnthropicChatRequiresKey(t *testing.T) {
	if _, err := NewAnthropicChat("", ""); !errors.Is(err, ErrAPIKeyRequired) {
		t.Errorf("want ErrAPIKeyRequired, got %v", err)
	}
	c, err := NewAnthropicChat("sk-test", "")
	if err != nil {
		t.Fatalf("NewAnthropicChat: %v", err)
	}
	if c.model != defaultAnthropicModel {
		t.Errorf("model=%s", c.model)
	}
}

func TestClassifyAnthropic(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want types.AIClass
	}{
		{"rate limited", &anthropic.Error{StatusCode: 429}, types.AIQuota},
		{"server error", &anthropic.Error{StatusCode: 500}, types.AIRetryable},
		{"bad gateway", &anthropic.Error{StatusCode: 502}, types.AIRetryable},
		{"auth failure", &anthropic.Error{StatusCode: 401}, types.AIPermanent},
		{"bad request", &anthropic.Error{StatusCode: 400}, types.AIPermanent},
		{"plain error", errors.New("connection reset"), types.AIRetryable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyAnthropic(tt.err); got != tt.want {
				t.Errorf("classifyAnthropic(%v)=%v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
