// Command denidin runs the WhatsApp assistant: webhook receiver, message
// pipeline, session store, long-term memory and the lifecycle worker, all in
// a single process over one data directory.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"github.com/denidin/denidin/pkg/clock"
	"github.com/denidin/denidin/pkg/config"
	"github.com/denidin/denidin/pkg/constitution"
	"github.com/denidin/denidin/pkg/history"
	"github.com/denidin/denidin/pkg/lifecycle"
	"github.com/denidin/denidin/pkg/llm"
	"github.com/denidin/denidin/pkg/memory"
	"github.com/denidin/denidin/pkg/pipeline"
	"github.com/denidin/denidin/pkg/session"
	"github.com/denidin/denidin/pkg/summary"
	"github.com/denidin/denidin/pkg/tokens"
	"github.com/denidin/denidin/pkg/transport"
	"github.com/denidin/denidin/pkg/types"
	"github.com/denidin/denidin/pkg/users"
)

// shutdownGrace bounds how long we wait for in-flight work on termination.
const shutdownGrace = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "denidin: %v\n", err)
		return config.ExitConfig
	}

	log := newLogger(cfg.LogLevel)

	if err := os.MkdirAll(cfg.DataRoot, 0o755); err != nil {
		log.Error().Err(err).Str("data_root", cfg.DataRoot).Msg("cannot create data root")
		return config.ExitRuntime
	}

	// One process per data root. A second instance would corrupt the
	// session index and race the lifecycle worker.
	lock := flock.New(filepath.Join(cfg.DataRoot, "denidin.lock"))
	locked, err := lock.TryLock()
	if err != nil || !locked {
		log.Error().Err(err).Str("data_root", cfg.DataRoot).
			Msg("data root is locked by another instance")
		return config.ExitRuntime
	}
	defer lock.Unlock()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.System()
	counter := tokens.NewCounter(cfg.LLM.AIModel)

	store, err := session.NewStore(
		filepath.Join(cfg.DataRoot, cfg.Memory.Session.StorageDir),
		time.Duration(cfg.Memory.Session.SessionTimeoutHours)*time.Hour,
		counter, clk, log)
	if err != nil {
		log.Error().Err(err).Msg("session store init failed")
		return config.ExitRuntime
	}

	llmClient := llm.NewOpenAIClient(cfg.LLM.APIKey, cfg.LLM.BaseURL, cfg.Memory.LongTerm.EmbeddingModel)

	var mem *memory.Store
	if cfg.FeatureFlags.EnableMemorySystem && cfg.Memory.LongTerm.Enabled {
		mem, err = memory.New(
			filepath.Join(cfg.DataRoot, cfg.Memory.LongTerm.StorageDir),
			llmClient, clk, log)
		if err != nil {
			// Degraded mode: foreground traffic continues without recall.
			log.Error().Err(err).Msg("long-term memory init failed, continuing without memory")
			mem = nil
		}
	} else {
		log.Info().Msg("long-term memory disabled")
	}

	cons := constitution.NewCache(cfg.Constitution.File, log)
	if cfg.Constitution.File != "" {
		if err := cons.Watch(ctx); err != nil {
			log.Warn().Err(err).Msg("constitution watcher unavailable, relying on mtime checks")
		}
	}

	directory := users.NewDirectory(users.Config{
		GodfatherPhone: cfg.GodfatherPhone,
		AdminPhones:    cfg.UserRoles.AdminPhones,
		BlockedPhones:  cfg.UserRoles.BlockedPhones,
		Limits:         users.Limits{MaxTokensByRole: roleLimits(cfg.Memory.Session.MaxTokensByRole)},
	})

	assembler := history.NewAssembler(store, mem, cons, counter, history.Config{
		Model:          cfg.LLM.AIModel,
		MaxReplyTokens: cfg.LLM.ReplyMaxTokens,
		Temperature:    cfg.LLM.Temperature,
		TopK:           cfg.Memory.LongTerm.TopKResults,
		MinSimilarity:  cfg.Memory.LongTerm.MinSimilarity,
		RBACEnabled:    cfg.FeatureFlags.EnableRBAC,
	}, log)

	summariser := summary.NewSummariser(store, mem, llmClient, cfg.LLM.AIModel, log)
	worker := lifecycle.NewWorker(store, summariser,
		time.Duration(cfg.Memory.Session.CleanupIntervalSeconds)*time.Second, log)

	sender := transport.NewGreenAPISender(cfg.WhatsApp.APIBaseURL, cfg.WhatsApp.InstanceID, cfg.WhatsApp.APIToken, log)
	pipe := pipeline.New(directory, assembler, store, llmClient, sender, pipeline.Config{
		AssistantName:  cfg.AssistantName,
		ReplyToBlocked: cfg.ReplyToBlocked,
	}, log)

	server := transport.NewWebhookServer(cfg.WhatsApp.ListenAddr, pipe, log)

	// Crash recovery must finish before the first webhook is accepted.
	worker.Start(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve() }()

	log.Info().Str("assistant", cfg.AssistantName).Str("addr", cfg.WhatsApp.ListenAddr).
		Msg("denidin started")

	exit := config.ExitOK
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("webhook server failed")
			exit = config.ExitRuntime
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("webhook shutdown incomplete")
	}
	if !worker.Wait(shutdownGrace) {
		log.Warn().Msg("lifecycle worker did not stop in time")
	}

	log.Info().Msg("denidin stopped")
	return exit
}

// newLogger builds the process logger. INFO and DEBUG are the only levels.
func newLogger(level string) zerolog.Logger {
	lvl := zerolog.InfoLevel
	if strings.EqualFold(level, "DEBUG") {
		lvl = zerolog.DebugLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}

// roleLimits converts the config's string-keyed role budgets.
func roleLimits(byName map[string]int) map[types.Role]int {
	if len(byName) == 0 {
		return nil
	}
	out := make(map[types.Role]int, len(byName))
	for name, limit := range byName {
		out[types.Role(strings.ToUpper(name))] = limit
	}
	return out
}
