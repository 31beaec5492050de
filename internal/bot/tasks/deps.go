// Package tasks implements the scheduled background tasks of the bot: the
// periodic ingestion sweep over managed groups and database maintenance.
package tasks

import (
	"log/slog"

	"github.com/edgard/groupkb/internal/config"
	"github.com/edgard/groupkb/internal/database"
	"github.com/edgard/groupkb/internal/knowledge"
)

// TaskDeps contains all dependencies required by scheduled tasks.
type TaskDeps struct {
	Logger   *slog.Logger
	Store    database.Store
	Ingestor *knowledge.Ingestor
	Config   *config.Config
}
