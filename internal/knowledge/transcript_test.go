package knowledge

import (
	"database/sql"
	"testing"
	"time"

	"github.com/edgard/groupkb/internal/database"
)

func TestFormatTranscript(t *testing.T) {
	t.Parallel()

	ts := time.Date(2025, 6, 1, 14, 30, 0, 0, time.UTC)
	messages := []*database.Message{
		{
			SenderJID: "alice@s.whatsapp.net",
			Text:      sql.NullString{String: "  shipping friday  ", Valid: true},
			Timestamp: ts,
		},
		{
			SenderJID: "12345",
			Text:      sql.NullString{},
			Timestamp: ts.Add(time.Minute),
		},
	}

	got := FormatTranscript(messages)
	want := "[2025-06-01 14:30] @alice: shipping friday\n" +
		"[2025-06-01 14:31] @12345: \n"
	if got != want {
		t.Errorf("FormatTranscript =\n%q\nwant\n%q", got, want)
	}
}

func TestFormatTranscriptEmpty(t *testing.T) {
	t.Parallel()
	if got := FormatTranscript(nil); got != "" {
		t.Errorf("empty batch formatted as %q, want empty string", got)
	}
}
