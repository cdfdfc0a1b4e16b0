package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jholhewres/nanoclaw/pkg/nanoclaw/agent"
	"github.com/jholhewres/nanoclaw/pkg/nanoclaw/channels/telegram"
	"github.com/jholhewres/nanoclaw/pkg/nanoclaw/config"
	"github.com/jholhewres/nanoclaw/pkg/nanoclaw/ipc"
	"github.com/jholhewres/nanoclaw/pkg/nanoclaw/router"
	"github.com/jholhewres/nanoclaw/pkg/nanoclaw/scheduler"
	"github.com/jholhewres/nanoclaw/pkg/nanoclaw/state"
	"github.com/jholhewres/nanoclaw/pkg/nanoclaw/store"
	"github.com/jholhewres/nanoclaw/pkg/nanoclaw/transcribe"
)

// newServeCmd creates the `nanoclaw serve` command that starts the host.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agent host",
		Long: `Start the NanoClaw host: connects the Telegram transport, the message
router, the IPC watcher, and the task scheduler.`,
		RunE: runServe,
	}
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	configPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logger := newLogger(cfg, verbose)

	if cfg.TelegramToken == "" {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN environment variable is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Container runtime is a hard prerequisite; stale sandbox removal is
	// advisory.
	if err := agent.EnsureDocker(ctx); err != nil {
		return err
	}
	agent.CleanupStaleContainers(ctx, logger)

	db, err := store.Open(filepath.Join(cfg.DataDir, "nanoclaw.db"))
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info("database initialized")

	st, err := state.Load(cfg.DataDir, logger)
	if err != nil {
		return err
	}

	tg := telegram.New(telegram.Config{Token: cfg.TelegramToken}, logger)
	if err := tg.Connect(ctx); err != nil {
		return err
	}
	defer tg.Disconnect()

	runner := agent.NewContainerRunner(cfg, logger)
	transcriber := transcribe.New(cfg.WhisperModel, logger)
	loc := cfg.Location()

	rt := router.New(tg, db, st, runner, transcriber, runner,
		cfg.AssistantName, cfg.DefaultModel, cfg.PollInterval, logger)

	processor := ipc.NewProcessor(db, st, loc, logger)
	watcher := ipc.NewWatcher(cfg.IPCDir(), cfg.AssistantName, cfg.IPCPollInterval,
		tg, st, processor, logger)

	sched := scheduler.New(db, st, runner, tg, loc,
		cfg.AssistantName, cfg.DefaultModel, cfg.SchedulerPollInterval, logger)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); rt.Run(ctx) }()
	go func() { defer wg.Done(); watcher.Run(ctx) }()
	go func() { defer wg.Done(); sched.Run(ctx) }()

	logger.Info("NanoClaw running, press Ctrl+C to stop",
		"assistant", cfg.AssistantName,
		"groups", len(st.Groups()),
		"data_dir", cfg.DataDir,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out after 10s, forcing exit")
	}
	return nil
}

// newLogger builds the slog logger from config, with --verbose forcing
// debug level.
func newLogger(cfg *config.Config, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
