package handlers

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/edgard/groupkb/internal/database"
)

const (
	dbSaveTimeout     = 5 * time.Second
	ingestSoonTimeout = 3 * time.Minute
)

// chatJID renders a chat identifier in the canonical form used as the
// storage key. Private chats carry no group identity.
func chatJID(chat models.Chat) string {
	if chat.Type != models.ChatTypeGroup && chat.Type != models.ChatTypeSupergroup {
		return ""
	}
	return strconv.FormatInt(chat.ID, 10)
}

func senderJID(user *models.User) string {
	if user == nil {
		return ""
	}
	return strconv.FormatInt(user.ID, 10)
}

func senderName(user *models.User) string {
	if user == nil {
		return ""
	}
	if user.Username != "" {
		return user.Username
	}
	return strings.TrimSpace(user.FirstName + " " + user.LastName)
}

// inboundFromMessage converts a Telegram message into the transport-neutral
// form the upsert gateway accepts.
func (d *HandlerDeps) inboundFromMessage(msg *models.Message) *database.InboundMessage {
	if msg == nil || msg.From == nil {
		return nil
	}

	isSelf := d.BotInfo != nil && msg.From.ID == d.BotInfo.ID
	return &database.InboundMessage{
		ID:         fmt.Sprintf("%d:%d", msg.Chat.ID, msg.ID),
		GroupJID:   chatJID(msg.Chat),
		SenderJID:  senderJID(msg.From),
		SenderName: senderName(msg.From),
		Text:       msg.Text,
		Timestamp:  time.Unix(int64(msg.Date), 0).UTC(),
		IsSelf:     isSelf,
	}
}

// storeIncoming persists a Telegram message through the upsert gateway and,
// for group messages, nudges the ingestion pipeline off the critical path.
// The ingestion trigger never blocks or fails message storage.
func (d *HandlerDeps) storeIncoming(ctx context.Context, msg *models.Message) {
	inbound := d.inboundFromMessage(msg)
	if inbound == nil {
		return
	}

	saveCtx, cancel := context.WithTimeout(ctx, dbSaveTimeout)
	defer cancel()

	if _, err := d.Store.StoreMessage(saveCtx, inbound); err != nil {
		d.Logger.ErrorContext(ctx, "Failed to store incoming message",
			"message_id", inbound.ID, "error", err)
		return
	}

	if inbound.GroupJID == "" {
		return
	}

	groupJID := inbound.GroupJID
	go func() {
		ingestCtx, cancel := context.WithTimeout(context.Background(), ingestSoonTimeout)
		defer cancel()

		if _, err := d.Ingestor.MaybeIngest(ingestCtx, groupJID); err != nil {
			d.Logger.Warn("Background ingestion trigger failed",
				"group_jid", groupJID, "error", err)
		}
	}()
}

// reply sends a plain-text reply into the update's chat.
func (d *HandlerDeps) reply(ctx context.Context, b *tgbot.Bot, update *models.Update, text string) {
	if update.Message == nil {
		return
	}
	_, err := b.SendMessage(ctx, &tgbot.SendMessageParams{
		ChatID: update.Message.Chat.ID,
		Text:   text,
		ReplyParameters: &models.ReplyParameters{
			MessageID: update.Message.ID,
		},
	})
	if err != nil {
		d.Logger.ErrorContext(ctx, "Failed to send reply",
			"chat_id", update.Message.Chat.ID, "error", err)
	}
}

// commandArgs strips the leading /command token (with optional @botname
// suffix) and returns the remaining text.
func commandArgs(text string) string {
	_, rest, found := strings.Cut(text, " ")
	if !found {
		return ""
	}
	return strings.TrimSpace(rest)
}
