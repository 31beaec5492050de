package handlers

import (
	"testing"
	"time"

	"github.com/go-telegram/bot/models"
)

func TestChatJID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		chat models.Chat
		want string
	}{
		{"group", models.Chat{ID: -100123, Type: models.ChatTypeGroup}, "-100123"},
		{"supergroup", models.Chat{ID: -100456, Type: models.ChatTypeSupergroup}, "-100456"},
		{"private", models.Chat{ID: 789, Type: models.ChatTypePrivate}, ""},
		{"channel", models.Chat{ID: 111, Type: models.ChatTypeChannel}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := chatJID(tt.chat); got != tt.want {
				t.Errorf("chatJID = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSenderName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		user *models.User
		want string
	}{
		{"username wins", &models.User{Username: "alice_w", FirstName: "Alice"}, "alice_w"},
		{"falls back to full name", &models.User{FirstName: "Alice", LastName: "W"}, "Alice W"},
		{"first name only", &models.User{FirstName: "Alice"}, "Alice"},
		{"nil user", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := senderName(tt.user); got != tt.want {
				t.Errorf("senderName = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCommandArgs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		want string
	}{
		{"with args", "/ask where is the runbook", "where is the runbook"},
		{"no args", "/ask", ""},
		{"trims whitespace", "/ask   spaced out  ", "spaced out"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := commandArgs(tt.text); got != tt.want {
				t.Errorf("commandArgs(%q) = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}

func TestInboundFromMessage(t *testing.T) {
	t.Parallel()

	deps := &HandlerDeps{BotInfo: &models.User{ID: 999}}
	msg := &models.Message{
		ID:   42,
		Date: int(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC).Unix()),
		Chat: models.Chat{ID: -100123, Type: models.ChatTypeSupergroup},
		From: &models.User{ID: 7, Username: "alice_w"},
		Text: "hello",
	}

	inbound := deps.inboundFromMessage(msg)
	if inbound == nil {
		t.Fatal("expected inbound message")
	}
	if inbound.ID != "-100123:42" {
		t.Errorf("id = %q, want -100123:42", inbound.ID)
	}
	if inbound.GroupJID != "-100123" || inbound.SenderJID != "7" {
		t.Errorf("jids = %q/%q", inbound.GroupJID, inbound.SenderJID)
	}
	if inbound.IsSelf {
		t.Error("message from another user flagged as self")
	}
	if !inbound.Timestamp.Equal(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("timestamp = %v", inbound.Timestamp)
	}

	msg.From = &models.User{ID: 999}
	if inbound := deps.inboundFromMessage(msg); !inbound.IsSelf {
		t.Error("bot's own message must be flagged as self")
	}

	msg.From = nil
	if deps.inboundFromMessage(msg) != nil {
		t.Error("message without sender must be dropped")
	}
}
