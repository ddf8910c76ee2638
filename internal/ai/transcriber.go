package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/inkporter/inkporter/internal/types"
)

// WhisperTranscriber drives an OpenAI-contract audio transcription
// endpoint via multipart upload.
type WhisperTranscriber struct {
	apiKey   string
	model    string
	endpoint string
	client   *http.Client
	rates    *rateTracker
}

// TranscriberOption configures the transcriber.
type TranscriberOption func(*WhisperTranscriber)

// WithTranscribeEndpoint points the driver at a custom endpoint.
func WithTranscribeEndpoint(endpoint string) TranscriberOption {
	return func(w *WhisperTranscriber) { w.endpoint = endpoint }
}

// NewWhisperTranscriber builds the driver.
func NewWhisperTranscriber(apiKey, model string, opts ...TranscriberOption) (*WhisperTranscriber, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: transcription", ErrAPIKeyRequired)
	}
	if model == "" {
		model = "whisper-1"
	}
	w := &WhisperTranscriber{
		apiKey:   apiKey,
		model:    model,
		endpoint: "https://api.openai.com/v1/audio/transcriptions",
		// Uploads of long recordings take a while.
		client: &http.Client{Timeout: 5 * time.Minute},
		rates:  newRateTracker(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Name implements Transcriber.
func (w *WhisperTranscriber) Name() string { return "whisper" }

// RateState reports the provider's rate limit as of the last call.
func (w *WhisperTranscriber) RateState() RateState { return w.rates.snapshot() }

type transcribeResponse struct {
	Text  string `json:"text"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Transcribe uploads the audio and returns the recognized text. The
// upload is buffered once so callers can pass a bare reader; size caps
// are the caller's job.
func (w *WhisperTranscriber) Transcribe(ctx context.Context, audio io.Reader, filename string) (*Transcript, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, &types.AIError{Class: types.AIPermanent, Provider: w.Name(), Err: err}
	}
	if _, err := io.Copy(part, audio); err != nil {
		return nil, &types.AIError{Class: types.AIPermanent, Provider: w.Name(),
			Err: fmt.Errorf("failed to read audio: %w", err)}
	}
	if err := mw.WriteField("model", w.model); err != nil {
		return nil, &types.AIError{Class: types.AIPermanent, Provider: w.Name(), Err: err}
	}
	if err := mw.Close(); err != nil {
		return nil, &types.AIError{Class: types.AIPermanent, Provider: w.Name(), Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, &buf)
	if err != nil {
		return nil, &types.AIError{Class: types.AIPermanent, Provider: w.Name(), Err: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+w.apiKey)

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, &types.AIError{Class: types.AIRetryable, Provider: w.Name(), Err: err}
	}
	defer resp.Body.Close()
	w.rates.observe(resp.Header)

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &types.AIError{Class: types.AIRetryable, Provider: w.Name(), Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr transcribeResponse
		_ = json.Unmarshal(respBody, &apiErr)
		var errType string
		if apiErr.Error != nil {
			errType = apiErr.Error.Type
		}
		return nil, &types.AIError{
			Class:    classifyHTTP(resp.StatusCode, errType),
			Provider: w.Name(),
			Err:      fmt.Errorf("transcription endpoint returned %d", resp.StatusCode),
		}
	}

	var result transcribeResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, &types.AIError{Class: types.AIRetryable, Provider: w.Name(), Err: err}
	}
	if result.Error != nil {
		return nil, &types.AIError{Class: types.AIPermanent, Provider: w.Name(),
			Err: fmt.Errorf("%s", result.Error.Message)}
	}
	return &Transcript{Text: result.Text, Model: w.model, Provider: w.Name()}, nil
}
