package status

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/edgard/groupkb/internal/database"
)

func newTestServer(t *testing.T) (*Server, database.Store) {
	t.Helper()

	db, err := database.NewDB(":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.CloseDB(db) })

	store := database.NewStore(db, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return NewServer("127.0.0.1:0", store, slog.New(slog.NewTextHandler(io.Discard, nil))), store
}

func TestHandleStatus(t *testing.T) {
	t.Parallel()
	srv, store := newTestServer(t)
	ctx := context.Background()

	_, err := store.StoreMessage(ctx, &database.InboundMessage{
		ID: "g1:1", GroupJID: "g1", SenderJID: "a@s.net",
		Text: "hi", Timestamp: time.Now().UTC(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.SetGroupManaged(ctx, "g1", true); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	srv.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", rec.Code)
	}

	var report Report
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatalf("decoding report: %v", err)
	}
	if report.Status != "no_topics" {
		t.Errorf("status = %q, want no_topics (managed group, empty knowledge base)", report.Status)
	}
	if report.TotalGroups != 1 || report.ManagedGroups != 1 {
		t.Errorf("group counters = %d/%d, want 1/1", report.TotalGroups, report.ManagedGroups)
	}

	// With a topic present the report turns healthy.
	if err := store.SaveTopics(ctx, []*database.Topic{{
		GroupJID: "g1", Subject: "s", Summary: "m",
		Embedding: database.EncodeEmbedding([]float32{1, 0}),
	}}); err != nil {
		t.Fatal(err)
	}

	rec = httptest.NewRecorder()
	srv.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatal(err)
	}
	if report.Status != "healthy" || report.TotalTopics != 1 {
		t.Errorf("report = %+v, want healthy with one topic", report)
	}
}

func TestHandleStatusNoManagedGroups(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	var report Report
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatal(err)
	}
	if report.Status != "no_managed_groups" {
		t.Errorf("status = %q, want no_managed_groups", report.Status)
	}
}

func TestHandleHealthz(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.handleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("healthz code = %d, want 200", rec.Code)
	}
}
