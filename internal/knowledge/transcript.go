package knowledge

import (
	"fmt"
	"strings"

	"github.com/edgard/groupkb/internal/database"
)

// FormatTranscript renders a message batch as readable text for the
// extraction and summarization collaborators, oldest message first.
func FormatTranscript(messages []*database.Message) string {
	var sb strings.Builder
	for _, m := range messages {
		text := ""
		if m.Text.Valid {
			text = strings.TrimSpace(m.Text.String)
		}
		fmt.Fprintf(&sb, "[%s] @%s: %s\n",
			m.Timestamp.Format("2006-01-02 15:04"), senderHandle(m.SenderJID), text)
	}
	return sb.String()
}

// senderHandle extracts the user part of a JID for display in transcripts.
func senderHandle(jid string) string {
	if idx := strings.Index(jid, "@"); idx > 0 {
		return jid[:idx]
	}
	return jid
}
