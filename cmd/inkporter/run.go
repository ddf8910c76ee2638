package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/inkporter/inkporter/internal/ai"
	"github.com/inkporter/inkporter/internal/batch"
	"github.com/inkporter/inkporter/internal/bot"
	"github.com/inkporter/inkporter/internal/config"
	"github.com/inkporter/inkporter/internal/embedding"
	"github.com/inkporter/inkporter/internal/fallback"
	"github.com/inkporter/inkporter/internal/gitops"
	"github.com/inkporter/inkporter/internal/governor"
	"github.com/inkporter/inkporter/internal/knowledge"
	"github.com/inkporter/inkporter/internal/logging"
	"github.com/inkporter/inkporter/internal/privacy"
	"github.com/inkporter/inkporter/internal/queue"
	"github.com/inkporter/inkporter/internal/search"
	"github.com/inkporter/inkporter/internal/syncer"
	"github.com/inkporter/inkporter/internal/transcribe"
	"github.com/inkporter/inkporter/internal/types"
	"github.com/inkporter/inkporter/internal/vector"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the capture pipeline",
	Long: `Starts the full pipeline: the durable queue, the git batch
committer, the vector sync loop and the privacy rule watcher.

Events are read line by line from stdin. A plain line is captured as a
note; a line starting with "/" is a command (search, related, delete,
merge, tags). Each event is acknowledged with one JSON line on stdout.

Only one instance may run per DATA_ROOT; a lock file guards against a
second process corrupting queue leases.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipeline()
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runPipeline() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.EnsureDataRoot(); err != nil {
		return err
	}
	log := logging.New(cfg.LogDir(), cfg.LogLevel)

	lock := flock.New(cfg.LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire instance lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another instance holds %s", cfg.LockPath())
	}
	defer func() { _ = lock.Unlock() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg, false)
	if err != nil {
		return err
	}
	defer store.Close()

	q, err := queue.New(store.UnderlyingDB(), queue.Options{MaxAttempts: cfg.QueueMaxAttempts})
	if err != nil {
		return err
	}

	vectors, err := vector.Open(cfg.VectorsDir(), cfg.EmbedDim)
	if err != nil {
		return err
	}
	defer vectors.Close()

	costs, err := loadCostTable(cfg)
	if err != nil {
		return err
	}
	gov := governor.New(store, costs, cfg.AIMonthlyTokenLimit, log)
	audit := logging.NewAuditLog(cfg.LogDir())
	gov.SetAuditHook(func(rec *types.UsageRecord) {
		audit.Record(logging.Interaction{
			Kind:         rec.RequestKind,
			Provider:     rec.Provider,
			Model:        rec.Model,
			InputTokens:  rec.InputTokens,
			OutputTokens: rec.OutputTokens,
			ActorID:      rec.ActorID,
		})
	})

	if cfg.OpenAIAPIKey == "" {
		return types.NewConfigError("OPENAI_API_KEY", "required for embeddings and transcription")
	}
	embedder, err := ai.NewOpenAIEmbedder(cfg.OpenAIAPIKey, "text-embedding-3-small",
		ai.WithEmbedDimension(cfg.EmbedDim))
	if err != nil {
		return err
	}
	embeds := embedding.New(embedder, gov, log, 1024, time.Hour)

	whisper, err := ai.NewWhisperTranscriber(cfg.OpenAIAPIKey, "")
	if err != nil {
		return err
	}
	voice := transcribe.New(whisper, gov, log, cfg.TmpDir())

	providers, err := buildChatProviders(cfg, log)
	if err != nil {
		return err
	}
	fb := fallback.New(gov, log, providers...)
	var chat knowledge.Completer
	if fb.Available() {
		chat = fb
	}

	tokens, err := buildTokenSource(cfg)
	if err != nil {
		return types.NewConfigError("GIT_AUTH_MODE", err.Error())
	}
	repo, err := gitops.New(gitops.Options{
		Remote:     cfg.GitRemoteURL,
		Branch:     cfg.GitBranch,
		DataRoot:   cfg.DataRoot,
		InstanceID: cfg.InstanceID,
		Tokens:     tokens,
	}, log)
	if err != nil {
		return err
	}
	ensureCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	err = repo.EnsureRepo(ensureCtx)
	cancel()
	if err != nil {
		return unavailable(err)
	}

	filter := privacy.NewFilter(store, log)
	if cfg.PrivacyRulesPath != "" {
		go func() {
			if err := filter.WatchRules(ctx, cfg.PrivacyRulesPath); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("privacy rules watcher stopped")
			}
		}()
	}

	engine := search.New(store, vectors, embeds, log)
	vecSync := syncer.New(store, vectors, embeds, log, syncer.DefaultInterval)
	notes := knowledge.New(knowledge.Options{
		Store:        store,
		Queue:        q,
		Filter:       filter,
		Chat:         chat,
		Engine:       engine,
		PrivacyLevel: cfg.PrivacyDefaultLevel,
		Notify:       vecSync.Notify,
	}, log)
	proc := batch.New(q, repo, filter, log, batch.Options{
		BatchSize:    cfg.QueueBatchSize,
		LeaseDur:     cfg.LeaseDuration,
		BatchTimeout: cfg.QueueBatchTimeout,
		Workers:      cfg.WorkerConcurrency,
		PrivacyLevel: cfg.PrivacyDefaultLevel,
	})
	handler := bot.NewHandler(notes, voice, engine, log)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		vecSync.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		proc.Run(ctx)
	}()
	go consoleLoop(ctx, handler, log)

	log.Info().
		Str("instance", cfg.InstanceID).
		Str("branch", cfg.GitBranch).
		Int("workers", cfg.WorkerConcurrency).
		Msg("pipeline started")

	<-ctx.Done()
	stop()
	log.Info().Msg("shutting down")
	wg.Wait()
	return errInterrupted
}

// consoleLoop feeds stdin lines through the event handler and prints
// one JSON acknowledgement per line. EOF stops the loop without
// stopping the pipeline; queued work keeps draining.
func consoleLoop(ctx context.Context, handler *bot.Handler, log zerolog.Logger) {
	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		ack := handler.OnEvent(ctx, eventFromLine(line))
		out, err := json.Marshal(ack)
		if err != nil {
			log.Error().Err(err).Msg("failed to encode ack")
			continue
		}
		fmt.Println(string(out))
	}
	if err := sc.Err(); err != nil {
		log.Error().Err(err).Msg("stdin read failed")
	}
}

func eventFromLine(line string) bot.Event {
	now := time.Now()
	if strings.HasPrefix(line, "/") {
		fields := strings.Fields(strings.TrimPrefix(line, "/"))
		cmd := bot.Command{EventID: uuid.NewString(), ActorID: "console", Timestamp: now}
		if len(fields) > 0 {
			cmd.Name = fields[0]
			cmd.Args = fields[1:]
		}
		return cmd
	}
	return bot.TextMessage{
		EventID:   uuid.NewString(),
		ActorID:   "console",
		Content:   line,
		Timestamp: now,
	}
}
