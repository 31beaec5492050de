// Package main contains the entrypoint for the group knowledge-base bot.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbot "github.com/go-telegram/bot"

	"github.com/edgard/groupkb/internal/bot"
	"github.com/edgard/groupkb/internal/bot/handlers"
	"github.com/edgard/groupkb/internal/bot/tasks"
	"github.com/edgard/groupkb/internal/config"
	"github.com/edgard/groupkb/internal/database"
	"github.com/edgard/groupkb/internal/gemini"
	"github.com/edgard/groupkb/internal/knowledge"
	"github.com/edgard/groupkb/internal/logger"
	"github.com/edgard/groupkb/internal/status"
	"github.com/edgard/groupkb/internal/telegram"

	_ "modernc.org/sqlite"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	exitCode := run(ctx)
	stop() // Ensure context cancellation is signaled before exit
	os.Exit(exitCode)
}

// run initializes and starts all application components (config, logger, db,
// ai client, knowledge pipeline, bot, scheduler, status server), handles
// graceful shutdown, and returns an exit code (0 for success, 1 for failure).
func run(ctx context.Context) int {
	configPath := flag.String("config", "./config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		return 1
	}

	log := logger.NewLogger(cfg.Logger.Level, cfg.Logger.JSON)
	slog.SetDefault(log)
	log.Info("Logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON)

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		log.Error("Failed to connect to database", "path", cfg.Database.Path, "error", err)
		return 1
	}
	defer database.CloseDB(db)
	store := database.NewStore(db, log)

	gemClient, err := gemini.NewClient(ctx, cfg.Gemini, log)
	if err != nil {
		log.Error("Failed to initialize Gemini client", "error", err)
		return 1
	}

	ingestor := knowledge.NewIngestor(store, gemClient, cfg.Ingest, cfg.Gemini.Timeout, log)
	searcher := knowledge.NewSearcher(store, gemClient, nil, cfg.Search, cfg.Gemini.Timeout, log)

	hDeps := &handlers.HandlerDeps{
		Logger:       log,
		Config:       cfg,
		Store:        store,
		Ingestor:     ingestor,
		Searcher:     searcher,
		GeminiClient: gemClient,
	}

	botOpts := []tgbot.Option{
		tgbot.WithMiddlewares(logger.Middleware(log)),
		tgbot.WithDefaultHandler(handlers.NewDefaultHandler(hDeps)),
	}
	tg, err := telegram.NewTelegramBot(cfg.Telegram.Token, log, botOpts...)
	if err != nil {
		log.Error("Failed to create Telegram bot", "error", err)
		return 1
	}

	// Retrieve bot info so handlers can tell the bot's own messages apart.
	hDeps.BotInfo, err = tg.GetMe(ctx)
	if err != nil {
		log.Error("Failed to get bot info", "error", err)
		return 1
	}
	log.Info("Retrieved bot info", "bot_id", hDeps.BotInfo.ID, "bot_username", hDeps.BotInfo.Username)

	cmdHandlers, descriptions := handlers.AllCommands(hDeps)
	if err := telegram.RegisterHandlers(ctx, tg, log, cmdHandlers, descriptions); err != nil {
		log.Error("Failed to register Telegram handlers", "error", err)
		return 1
	}

	tDeps := tasks.TaskDeps{
		Logger:   log,
		Store:    store,
		Ingestor: ingestor,
		Config:   cfg,
	}
	sched, err := bot.NewScheduler(log, &cfg.Scheduler, tasks.RegisterAllTasks(tDeps))
	if err != nil {
		log.Error("Failed to create scheduler", "error", err)
		return 1
	}

	statusServer := status.NewServer(cfg.Status.Addr, store, log)

	app := bot.NewBot(log, cfg, db, store, gemClient, tg, sched, statusServer)

	log.Info("Starting bot...")
	runErr := app.Run(ctx)
	log.Info("Bot run loop finished. Initiating shutdown...")

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error("Bot stopped due to error", "error", runErr)
		time.Sleep(time.Second)
		return 1
	}

	log.Info("Bot stopped gracefully.")
	time.Sleep(time.Second)
	return 0
}
