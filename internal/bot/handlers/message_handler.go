package handlers

import (
	"context"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// NewDefaultHandler creates the catch-all handler that stores every incoming
// chat message through the upsert gateway. Storing is the only job here;
// topic extraction is triggered asynchronously and never delays delivery.
func NewDefaultHandler(deps *HandlerDeps) tgbot.HandlerFunc {
	return func(ctx context.Context, b *tgbot.Bot, update *models.Update) {
		if update.Message == nil {
			return
		}
		deps.storeIncoming(ctx, update.Message)
	}
}
