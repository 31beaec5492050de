package handlers

import (
	"context"
	"fmt"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

const (
	manageGroupsOnlyMessage = "Group management only works inside groups."
	manageDeniedMessage     = "Only the bot admin can change group management."
	manageFailureMessage    = "Failed to update the group. Please try again."
)

// NewManageHandler creates the /manage and /unmanage handler. Managing a
// group opts it into automatic topic ingestion; only the configured admin
// may toggle it.
func NewManageHandler(deps *HandlerDeps, managed bool) tgbot.HandlerFunc {
	return func(ctx context.Context, b *tgbot.Bot, update *models.Update) {
		if update.Message == nil {
			return
		}
		deps.storeIncoming(ctx, update.Message)

		groupJID := chatJID(update.Message.Chat)
		if groupJID == "" {
			deps.reply(ctx, b, update, manageGroupsOnlyMessage)
			return
		}

		if update.Message.From == nil || update.Message.From.ID != deps.Config.Telegram.AdminID {
			deps.reply(ctx, b, update, manageDeniedMessage)
			return
		}

		if err := deps.Store.SetGroupManaged(ctx, groupJID, managed); err != nil {
			deps.Logger.ErrorContext(ctx, "Failed to toggle group management",
				"group_jid", groupJID, "managed", managed, "error", err)
			deps.reply(ctx, b, update, manageFailureMessage)
			return
		}

		state := "now managed: new messages feed the knowledge base"
		if !managed {
			state = "no longer managed"
		}
		deps.reply(ctx, b, update, fmt.Sprintf("This group is %s.", state))
	}
}
