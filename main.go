package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"git.skobk.in/skobkin/codevote-bot/bot"
	"git.skobk.in/skobkin/codevote-bot/config"
	"git.skobk.in/skobkin/codevote-bot/db"
	"git.skobk.in/skobkin/codevote-bot/health"
	"git.skobk.in/skobkin/codevote-bot/oracle"
	"git.skobk.in/skobkin/codevote-bot/poll"
	"git.skobk.in/skobkin/codevote-bot/pollstate"
	"git.skobk.in/skobkin/codevote-bot/scheduler"
	"git.skobk.in/skobkin/codevote-bot/storage"

	"github.com/joho/godotenv"
	"github.com/mymmrac/telego"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const redisPingTimeout = 5 * time.Second

func main() {
	// Parse command-line flags
	verbose := flag.Bool("v", false, "Enable verbose logging (LevelInfo)")
	veryVerbose := flag.Bool("vv", false, "Enable very verbose logging (LevelDebug)")
	configPath := flag.String("config", "", "Path to an optional YAML config file")
	flag.Parse()

	// Set up logging
	setLogLevel(*verbose, *veryVerbose)

	slog.Debug("main: Command-line flags parsed", "verbose", *verbose, "very_verbose", *veryVerbose,
		"config", *configPath)

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		slog.Warn("main: Failed to load .env file", "error", err)
	} else {
		slog.Debug("main: Environment variables loaded from .env file")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("main: Invalid configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, *veryVerbose); err != nil {
		slog.Error("main: Bot stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("main: Bot stopped")
}

func run(cfg *config.Config, debug bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize storage
	slog.Debug("main: Initializing storage", "type", cfg.DatabaseType)
	conn, err := db.Open(cfg.DatabaseType, cfg.DatabaseDSN, debug)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(conn); err != nil {
			slog.Warn("main: Failed to close database", "error", err)
		}
	}()
	if err := db.Migrate(conn); err != nil {
		return err
	}
	repo := storage.New(conn)
	slog.Debug("main: Storage initialized successfully")

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() {
		if err := rdb.Close(); err != nil {
			slog.Warn("main: Failed to close redis client", "error", err)
		}
	}()
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	err = rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		slog.Error("main: Redis is unreachable", "error", err, "addr", cfg.Redis.Addr)
		return err
	}
	state := pollstate.New(rdb, pollstate.WithTallyRetention(cfg.Poll.TallyRetention()))

	// Initialize bot
	slog.Debug("main: Initializing bot")
	api, err := telego.NewBot(cfg.TelegramToken, telego.WithDefaultLogger(debug, true))
	if err != nil {
		slog.Error("main: Failed to initialize bot", "error", err)
		return err
	}
	sender := bot.NewSender(api)

	settings := poll.DefaultSettings()
	settings.PollTTL = cfg.Poll.TTL()
	settings.MinOptions = cfg.Poll.MinOptions
	settings.MaxOptions = cfg.Poll.MaxOptions
	settings.GenerateAttempts = cfg.Poll.GenerateAttempts
	settings.GenerateMaxBackoff = config.GenerateMaxBackoff

	llm := oracle.New(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.RequestTimeout())
	orchestrator := poll.NewOrchestrator(repo, state, sender, llm, llm, settings)
	sched := scheduler.New(state, orchestrator, cfg.Poll.CheckInterval(), cfg.Poll.ResolveTimeout())
	b := bot.New(api, sender, orchestrator, state, sched)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	if cfg.HealthAddr != "" {
		g.Go(func() error { return health.Serve(gctx, cfg.HealthAddr, sched) })
	}

	slog.Info("main: Bot started", "poll_ttl", settings.PollTTL, "check_interval", cfg.Poll.CheckInterval())
	return g.Wait()
}

// setLogLevel configures the logging level based on the provided flags
func setLogLevel(verbose, veryVerbose bool) {
	// Determine logging level based on flags
	logLevel := slog.LevelWarn // Default level
	if veryVerbose {
		logLevel = slog.LevelDebug
	} else if verbose {
		logLevel = slog.LevelInfo
	}

	// Configure structured logging with JSON output
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Debug("main: Log level set to", "level", logLevel.String())
}
