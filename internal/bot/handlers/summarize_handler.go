package handlers

import (
	"context"
	"time"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/edgard/groupkb/internal/knowledge"
)

const (
	summarizeGroupsOnlyMessage = "Summaries work inside groups only."
	summarizeEmptyMessage      = "Nothing to summarize yet today."
	summarizeFailureMessage    = "Something went wrong while summarizing. Please try again."
)

// NewSummarizeHandler creates the /summarize handler: it renders today's
// group messages as a transcript and asks the model for a summary.
func NewSummarizeHandler(deps *HandlerDeps) tgbot.HandlerFunc {
	return func(ctx context.Context, b *tgbot.Bot, update *models.Update) {
		if update.Message == nil {
			return
		}
		deps.storeIncoming(ctx, update.Message)

		groupJID := chatJID(update.Message.Chat)
		if groupJID == "" {
			deps.reply(ctx, b, update, summarizeGroupsOnlyMessage)
			return
		}

		now := time.Now().UTC()
		dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

		messages, err := deps.Store.EligibleMessages(ctx, groupJID, dayStart, deps.Config.Ingest.MaxBatch)
		if err != nil {
			deps.Logger.ErrorContext(ctx, "Failed to load today's messages",
				"group_jid", groupJID, "error", err)
			deps.reply(ctx, b, update, summarizeFailureMessage)
			return
		}
		if len(messages) == 0 {
			deps.reply(ctx, b, update, summarizeEmptyMessage)
			return
		}

		summary, err := deps.GeminiClient.GenerateSummary(ctx, knowledge.FormatTranscript(messages))
		if err != nil {
			deps.Logger.ErrorContext(ctx, "Summary generation failed",
				"group_jid", groupJID, "error", err)
			deps.reply(ctx, b, update, summarizeFailureMessage)
			return
		}

		deps.reply(ctx, b, update, summary)
	}
}
