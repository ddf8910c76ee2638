// Package transcribe converts voice captures to text. Uploads are
// spooled to a temp file so oversized audio is rejected before any
// paid call, and the governor meters what goes out.
package transcribe

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/inkporter/inkporter/internal/ai"
	"github.com/inkporter/inkporter/internal/governor"
	"github.com/inkporter/inkporter/internal/security"
	"github.com/inkporter/inkporter/internal/types"
)

// MaxAudioBytes caps one voice capture. Provider upload limits sit at
// the same boundary, so larger files could never transcribe anyway.
const MaxAudioBytes = 25 << 20

// Service wraps the transcription driver.
type Service struct {
	driver ai.Transcriber
	gov    *governor.Governor
	log    zerolog.Logger
	tmpDir string
}

// New builds the service. tmpDir holds the spool files; it is created
// on first use.
func New(driver ai.Transcriber, gov *governor.Governor, log zerolog.Logger, tmpDir string) *Service {
	return &Service{
		driver: driver,
		gov:    gov,
		log:    log.With().Str("component", "transcribe").Logger(),
		tmpDir: tmpDir,
	}
}

// Transcribe validates and spools the audio, then sends it to the
// driver. The spool file is always removed, success or not.
func (s *Service) Transcribe(ctx context.Context, audio io.Reader, filename string) (*ai.Transcript, error) {
	if _, err := security.ValidateFilename(filename); err != nil {
		return nil, err
	}
	if err := s.gov.Admit(ctx, governor.ClassStandard); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(s.tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create spool dir: %w", err)
	}
	tmp, err := os.CreateTemp(s.tmpDir, "audio-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create spool file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	// Read one byte past the cap to distinguish at-cap from over-cap.
	n, err := io.Copy(tmp, io.LimitReader(audio, MaxAudioBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to spool audio: %w", err)
	}
	if n > MaxAudioBytes {
		return nil, types.NewValidationError("audio",
			fmt.Sprintf("exceeds %d MB limit", MaxAudioBytes>>20))
	}
	if n == 0 {
		return nil, types.NewValidationError("audio", "empty")
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind spool file: %w", err)
	}

	transcript, err := s.driver.Transcribe(ctx, tmp, filename)
	if err != nil {
		return nil, err
	}

	// Audio tokens are not reported by the endpoint; charge by spooled
	// size so the budget still sees the call. One token per KB keeps
	// the estimate in the right magnitude for typical voice notes.
	if recErr := s.gov.Record(ctx, &types.UsageRecord{
		Provider:    transcript.Provider,
		Model:       transcript.Model,
		InputTokens: n >> 10,
		RequestKind: "transcribe",
	}); recErr != nil {
		s.log.Error().Err(recErr).Msg("failed to record transcription usage")
	}
	return transcript, nil
}
