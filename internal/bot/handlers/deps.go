// Package handlers implements the Telegram-facing handlers that bridge chat
// updates to the storage gateway and the knowledge pipeline.
package handlers

import (
	"log/slog"

	"github.com/go-telegram/bot/models"

	"github.com/edgard/groupkb/internal/config"
	"github.com/edgard/groupkb/internal/database"
	"github.com/edgard/groupkb/internal/gemini"
	"github.com/edgard/groupkb/internal/knowledge"
)

// HandlerDeps provides dependencies for Telegram handlers.
type HandlerDeps struct {
	Logger       *slog.Logger
	Config       *config.Config
	Store        database.Store
	Ingestor     *knowledge.Ingestor
	Searcher     *knowledge.Searcher
	GeminiClient gemini.Client
	BotInfo      *models.User
}
