package handlers

import (
	"context"
	"errors"
	"fmt"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/edgard/groupkb/internal/knowledge"
)

const (
	askUsageMessage       = "Usage: /ask <question>"
	askGroupsOnlyMessage  = "Knowledge search works inside groups only. Ask me in a group I'm a member of."
	askNoKnowledgeMessage = "I couldn't find anything relevant to that in this group's knowledge base."
	askFailureMessage     = "Something went wrong while searching. Please try again."
)

// NewAskHandler creates the /ask handler: group-scoped hybrid retrieval over
// the knowledge base followed by grounded answer generation.
func NewAskHandler(deps *HandlerDeps) tgbot.HandlerFunc {
	return func(ctx context.Context, b *tgbot.Bot, update *models.Update) {
		if update.Message == nil {
			return
		}
		deps.storeIncoming(ctx, update.Message)

		question := commandArgs(update.Message.Text)
		if question == "" {
			deps.reply(ctx, b, update, askUsageMessage)
			return
		}

		scope := knowledge.ScopeForGroup(chatJID(update.Message.Chat))

		result, err := deps.Searcher.Search(ctx, question, scope)
		switch {
		case errors.Is(err, knowledge.ErrNoGroupScope),
			errors.Is(err, knowledge.ErrGroupScopeUnresolved):
			deps.reply(ctx, b, update, askGroupsOnlyMessage)
			return
		case err != nil:
			deps.Logger.ErrorContext(ctx, "Knowledge search failed", "error", err)
			deps.reply(ctx, b, update, askFailureMessage)
			return
		}

		if result.Outcome == knowledge.OutcomeNoKnowledge {
			deps.reply(ctx, b, update, askNoKnowledgeMessage)
			return
		}

		topics := make([]string, 0, len(result.Accepted))
		for _, st := range result.Accepted {
			topics = append(topics, fmt.Sprintf("%s\n%s", st.Topic.Subject, st.Topic.Summary))
		}

		hedged := result.LowConfidence || result.Degraded
		answer, err := deps.GeminiClient.GenerateAnswer(ctx, question, topics, hedged)
		if err != nil {
			deps.Logger.ErrorContext(ctx, "Answer generation failed", "error", err)
			deps.reply(ctx, b, update, askFailureMessage)
			return
		}

		deps.reply(ctx, b, update, answer)
	}
}
