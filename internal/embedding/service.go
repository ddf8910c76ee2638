// Package embedding turns note content into vectors. Text is NFKC
// normalized before hashing so visually identical content embeds once;
// a bounded LRU cache with TTL absorbs repeats; the governor meters
// every paid call.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/text/unicode/norm"

	"github.com/inkporter/inkporter/internal/ai"
	"github.com/inkporter/inkporter/internal/governor"
	"github.com/inkporter/inkporter/internal/types"
)

const (
	defaultCacheSize = 2048
	defaultCacheTTL  = time.Hour
)

// Service embeds text through the configured driver.
type Service struct {
	embedder ai.Embedder
	gov      *governor.Governor
	log      zerolog.Logger
	cache    *lruCache
	now      func() time.Time
}

// New builds the service. cacheSize and ttl of zero select defaults.
func New(embedder ai.Embedder, gov *governor.Governor, log zerolog.Logger, cacheSize int, ttl time.Duration) *Service {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Service{
		embedder: embedder,
		gov:      gov,
		log:      log.With().Str("component", "embedding").Logger(),
		cache:    newLRUCache(cacheSize, ttl),
		now:      time.Now,
	}
}

// Dimension returns the driver's vector width.
func (s *Service) Dimension() int { return s.embedder.Dimension() }

// Normalize maps text to its canonical embedding input: NFKC folded
// so compatibility variants (fullwidth forms, ligatures) hash alike.
func Normalize(text string) string {
	return norm.NFKC.String(text)
}

// ContentHash derives the cache and sync key for a piece of content.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(Normalize(text)))
	return hex.EncodeToString(sum[:])
}

// EmbedText embeds a single text.
func (s *Service) EmbedText(ctx context.Context, text string) ([]float32, error) {
	vecs, err := s.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedTexts embeds a batch, serving repeats from cache. Cache misses
// go to the driver in one call; the result order matches the input.
func (s *Service) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	keys := make([]string, len(texts))

	var missIdx []int
	var missTexts []string
	for i, t := range texts {
		keys[i] = ContentHash(t)
		if vec, ok := s.cache.get(keys[i], s.now()); ok {
			out[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, Normalize(t))
	}
	if len(missIdx) == 0 {
		return out, nil
	}

	if err := s.gov.Admit(ctx, governor.ClassBackground); err != nil {
		return nil, err
	}
	emb, err := s.embedder.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	s.warnOnLowRate()
	if len(emb.Vectors) != len(missIdx) {
		return nil, &types.AIError{Class: types.AIPermanent, Provider: s.embedder.Name(),
			Err: fmt.Errorf("driver returned %d vectors for %d inputs", len(emb.Vectors), len(missIdx))}
	}

	if err := s.gov.Record(ctx, &types.UsageRecord{
		Provider:    emb.Provider,
		Model:       emb.Model,
		InputTokens: emb.InputTokens,
		RequestKind: "embed",
	}); err != nil {
		s.log.Error().Err(err).Msg("failed to record embedding usage")
	}

	now := s.now()
	for j, i := range missIdx {
		out[i] = emb.Vectors[j]
		s.cache.put(keys[i], emb.Vectors[j], now)
	}
	return out, nil
}

// rateWarnFloor is the provider-reported remaining-request count
// below which a warning is logged.
const rateWarnFloor = 10

// warnOnLowRate surfaces the driver's rate limit state when the
// driver tracks one and it is close to exhaustion.
func (s *Service) warnOnLowRate() {
	rl, ok := s.embedder.(interface{ RateState() ai.RateState })
	if !ok {
		return
	}
	if st := rl.RateState(); st.Remaining >= 0 && st.Remaining < rateWarnFloor {
		s.log.Warn().
			Int("remaining", st.Remaining).
			Time("reset", st.Reset).
			Msg("embedding provider rate limit nearly exhausted")
	}
}

// CacheLen reports the number of live cache entries.
func (s *Service) CacheLen() int { return s.cache.len() }
