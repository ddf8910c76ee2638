// Package batch drains the durable queue and drives the Git vault.
// It is the only place where write-path errors become queue
// dispositions: complete on success, fail with backoff on anything
// transient, dead-letter through the queue's retry ceiling.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/inkporter/inkporter/internal/auth"
	"github.com/inkporter/inkporter/internal/privacy"
	"github.com/inkporter/inkporter/internal/queue"
	"github.com/inkporter/inkporter/internal/types"
)

// Defaults; overridden from configuration.
const (
	DefaultBatchSize    = 10
	DefaultLeaseDur     = 60 * time.Second
	DefaultBatchTimeout = 5 * time.Second
	DefaultWorkers      = 1
)

// Committer is the slice of the git operator the processor drives.
type Committer interface {
	EnsureRepo(ctx context.Context) error
	CommitFiles(ctx context.Context, batchID string, files []types.FileArtifact) error
}

// Processor is the consumer side of the durable write pipeline.
type Processor struct {
	queue  *queue.Queue
	repo   Committer
	filter *privacy.Filter
	log    zerolog.Logger

	batchSize    int
	leaseDur     time.Duration
	batchTimeout time.Duration
	workers      int
	level        types.PrivacyLevel
}

// Options tune the processor; zero values select the defaults.
type Options struct {
	BatchSize    int
	LeaseDur     time.Duration
	BatchTimeout time.Duration
	Workers      int
	PrivacyLevel types.PrivacyLevel
}

// New builds a processor. filter may be nil to skip the outbound
// privacy pass.
func New(q *queue.Queue, repo Committer, filter *privacy.Filter, log zerolog.Logger, opts Options) *Processor {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.LeaseDur <= 0 {
		opts.LeaseDur = DefaultLeaseDur
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = DefaultBatchTimeout
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	return &Processor{
		queue:        q,
		repo:         repo,
		filter:       filter,
		log:          log.With().Str("component", "batch").Logger(),
		batchSize:    opts.BatchSize,
		leaseDur:     opts.LeaseDur,
		batchTimeout: opts.BatchTimeout,
		workers:      opts.Workers,
		level:        opts.PrivacyLevel,
	}
}

// Run blocks until the context ends, operating the worker pool and the
// lease reaper.
func (p *Processor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.reapLoop(ctx)
	}()
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.workLoop(ctx, worker)
		}(i)
	}
	wg.Wait()
}

func (p *Processor) workLoop(ctx context.Context, worker int) {
	log := p.log.With().Int("worker", worker).Logger()
	for {
		if ctx.Err() != nil {
			return
		}
		processed, err := p.Cycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("batch cycle failed")
		}
		if processed > 0 {
			// A full lease suggests more behind it; drain eagerly.
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-p.queue.Wake():
		case <-time.After(p.batchTimeout):
		}
	}
}

func (p *Processor) reapLoop(ctx context.Context) {
	every := p.leaseDur / 2
	if every < time.Second {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := p.queue.ReapExpiredLeases(ctx); err != nil {
				p.log.Error().Err(err).Msg("lease reap failed")
			} else if n > 0 {
				p.log.Warn().Int("reaped", n).Msg("expired leases reclaimed")
			}
		}
	}
}

// Cycle runs one lease-process-dispose round and reports how many
// items it leased. All commit-worthy files of one cycle land in a
// single commit.
func (p *Processor) Cycle(ctx context.Context) (int, error) {
	items, err := p.queue.Lease(ctx, p.batchSize, p.leaseDur)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}

	good, files := p.decode(ctx, items)
	if len(good) == 0 {
		return len(items), nil
	}

	batchID := fmt.Sprintf("%d-%d", good[0].Seq, good[len(good)-1].Seq)
	commitErr := p.repo.CommitFiles(ctx, batchID, files)
	if commitErr != nil {
		// Single disposition for the whole batch: everything retries
		// together, and the kept local commit fast-forwards out on the
		// next pass.
		cause := auth.Redact(commitErr.Error())
		p.log.Error().Str("batch", batchID).Msg("vault commit failed: " + cause)
		for _, it := range good {
			if err := p.queue.Fail(ctx, it.Seq, it.LeaseToken, cause); err != nil {
				p.log.Error().Err(err).Int64("seq", it.Seq).Msg("fail disposition lost")
			}
		}
		return len(items), nil
	}

	for _, it := range good {
		if err := p.queue.Complete(ctx, it.Seq, it.LeaseToken); err != nil {
			p.log.Error().Err(err).Int64("seq", it.Seq).Msg("complete disposition lost")
		}
	}
	p.log.Info().Str("batch", batchID).Int("files", len(files)).Msg("batch committed")
	return len(items), nil
}

// decode unmarshals and sanitizes the leased payloads. Items that fail
// individually are failed individually; the rest of the batch
// proceeds.
func (p *Processor) decode(ctx context.Context, items []*types.QueueItem) ([]*types.QueueItem, []types.FileArtifact) {
	good := make([]*types.QueueItem, 0, len(items))
	files := make([]types.FileArtifact, 0, len(items))
	for _, it := range items {
		var f types.FileArtifact
		if err := json.Unmarshal(it.Payload, &f); err != nil {
			p.failItem(ctx, it, "malformed payload: "+err.Error())
			continue
		}
		if f.Path == "" {
			p.failItem(ctx, it, "artifact has no path")
			continue
		}
		if p.filter != nil {
			clean, _, err := p.filter.Sanitize(ctx, f.Body, p.level, f.OriginRef)
			if err != nil {
				var pe *types.PrivacyError
				if errors.As(err, &pe) {
					p.failItem(ctx, it, "content blocked by privacy policy")
				} else {
					p.failItem(ctx, it, "privacy scan failed: "+err.Error())
				}
				continue
			}
			f.Body = clean
		}
		good = append(good, it)
		files = append(files, f)
	}
	return good, files
}

func (p *Processor) failItem(ctx context.Context, it *types.QueueItem, cause string) {
	p.log.Warn().Int64("seq", it.Seq).Str("cause", cause).Msg("item failed")
	if err := p.queue.Fail(ctx, it.Seq, it.LeaseToken, cause); err != nil {
		p.log.Error().Err(err).Int64("seq", it.Seq).Msg("fail disposition lost")
	}
}
