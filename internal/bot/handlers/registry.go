package handlers

import (
	tgbot "github.com/go-telegram/bot"
)

// AllCommands builds the command handler map plus the descriptions published
// to Telegram's command menu.
func AllCommands(deps *HandlerDeps) (map[string]tgbot.HandlerFunc, map[string]string) {
	cmdHandlers := map[string]tgbot.HandlerFunc{
		"ask":       NewAskHandler(deps),
		"summarize": NewSummarizeHandler(deps),
		"manage":    NewManageHandler(deps, true),
		"unmanage":  NewManageHandler(deps, false),
	}

	descriptions := map[string]string{
		"ask":       "Ask a question against this group's knowledge base",
		"summarize": "Summarize today's conversation in this group",
		"manage":    "Opt this group into knowledge ingestion (admin only)",
		"unmanage":  "Opt this group out of knowledge ingestion (admin only)",
	}

	return cmdHandlers, descriptions
}
