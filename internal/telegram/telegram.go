// Package telegram is the thin chat-transport adapter. It delivers inbound
// message events to the upsert gateway and sends replies; all knowledge-base
// logic lives behind it in the knowledge package.
package telegram

import (
	"context"
	"fmt"
	"log/slog"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// NewTelegramBot creates the underlying Telegram bot client with the given
// options applied.
func NewTelegramBot(token string, log *slog.Logger, opts ...tgbot.Option) (*tgbot.Bot, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}

	b, err := tgbot.New(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	log.Info("Telegram bot client created")
	return b, nil
}

// RegisterHandlers registers the command handlers on the bot and publishes
// the command list to Telegram.
func RegisterHandlers(ctx context.Context, b *tgbot.Bot, log *slog.Logger, cmdHandlers map[string]tgbot.HandlerFunc, descriptions map[string]string) error {
	var commands []models.BotCommand
	for cmd, handler := range cmdHandlers {
		b.RegisterHandler(tgbot.HandlerTypeMessageText, "/"+cmd, tgbot.MatchTypePrefix, handler)
		desc := descriptions[cmd]
		if desc == "" {
			desc = cmd
		}
		commands = append(commands, models.BotCommand{Command: cmd, Description: desc})
		log.Debug("Registered command handler", "command", cmd)
	}

	if _, err := b.SetMyCommands(ctx, &tgbot.SetMyCommandsParams{Commands: commands}); err != nil {
		return fmt.Errorf("failed to publish bot commands: %w", err)
	}

	log.Info("Telegram handlers registered", "count", len(cmdHandlers))
	return nil
}
