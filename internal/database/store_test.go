package database

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
)

func newTestStore(t *testing.T) (*sqlx.DB, Store) {
	t.Helper()

	db, err := NewDB(":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { CloseDB(db) })

	return db, NewStore(db, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func inbound(id, groupJID, senderJID, text string, ts time.Time) *InboundMessage {
	return &InboundMessage{
		ID:        id,
		GroupJID:  groupJID,
		SenderJID: senderJID,
		Text:      text,
		Timestamp: ts,
	}
}

func TestStoreMessageCreatesReferences(t *testing.T) {
	t.Parallel()
	db, store := newTestStore(t)
	ctx := context.Background()

	ts := time.Now().UTC()
	msg, err := store.StoreMessage(ctx, &InboundMessage{
		ID:         "g1:1",
		GroupJID:   "g1",
		SenderJID:  "alice@s.net",
		SenderName: "Alice",
		Text:       "hello",
		Timestamp:  ts,
	})
	if err != nil {
		t.Fatalf("StoreMessage failed: %v", err)
	}
	if msg.ID != "g1:1" || !msg.GroupJID.Valid || msg.GroupJID.String != "g1" {
		t.Errorf("unexpected stored message: %+v", msg)
	}

	group, err := store.GetGroup(ctx, "g1")
	if err != nil {
		t.Fatalf("GetGroup failed: %v", err)
	}
	if group == nil {
		t.Fatal("expected group to be created by message storage")
	}
	if group.Managed {
		t.Error("new groups must start unmanaged")
	}

	var pushName string
	if err := db.Get(&pushName, `SELECT push_name FROM senders WHERE jid = 'alice@s.net'`); err != nil {
		t.Fatalf("expected sender row: %v", err)
	}
	if pushName != "Alice" {
		t.Errorf("sender push name = %q, want Alice", pushName)
	}
}

func TestStoreMessagePrivateHasNoGroup(t *testing.T) {
	t.Parallel()
	_, store := newTestStore(t)
	ctx := context.Background()

	msg, err := store.StoreMessage(ctx, inbound("p:1", "", "bob@s.net", "hi", time.Now().UTC()))
	if err != nil {
		t.Fatalf("StoreMessage failed: %v", err)
	}
	if msg.GroupJID.Valid {
		t.Errorf("private message must have NULL group reference, got %q", msg.GroupJID.String)
	}
}

func TestStoreMessageIdempotentRedelivery(t *testing.T) {
	t.Parallel()
	db, store := newTestStore(t)
	ctx := context.Background()

	ts := time.Now().UTC()
	first, err := store.StoreMessage(ctx, &InboundMessage{
		ID: "g1:1", GroupJID: "g1", SenderJID: "alice@s.net",
		SenderName: "Alice", Text: "original", Timestamp: ts,
	})
	if err != nil {
		t.Fatalf("first StoreMessage failed: %v", err)
	}

	// Re-delivery with a different text and sender name must return the
	// stored row and leave sender state untouched.
	second, err := store.StoreMessage(ctx, &InboundMessage{
		ID: "g1:1", GroupJID: "g1", SenderJID: "alice@s.net",
		SenderName: "Someone Else", Text: "mutated", Timestamp: ts.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("duplicate StoreMessage failed: %v", err)
	}
	if second.Text.String != first.Text.String {
		t.Errorf("duplicate delivery returned text %q, want %q", second.Text.String, first.Text.String)
	}

	var pushName string
	if err := db.Get(&pushName, `SELECT push_name FROM senders WHERE jid = 'alice@s.net'`); err != nil {
		t.Fatalf("expected sender row: %v", err)
	}
	if pushName != "Alice" {
		t.Errorf("duplicate delivery mutated sender push name to %q", pushName)
	}

	var count int
	if err := db.Get(&count, `SELECT COUNT(*) FROM messages`); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("message count = %d, want 1", count)
	}
}

func TestStoreMessageRollsBackAllEffects(t *testing.T) {
	t.Parallel()
	db, store := newTestStore(t)
	ctx := context.Background()

	// An oversized identifier violates the messages check constraint after
	// the sender and group rows were written inside the same transaction.
	_, err := store.StoreMessage(ctx, inbound(
		strings.Repeat("x", 300), "doomed-group", "doomed-sender", "text", time.Now().UTC()))
	if err == nil {
		t.Fatal("expected insert failure for oversized message id")
	}

	var groups, senders int
	if err := db.Get(&groups, `SELECT COUNT(*) FROM groups WHERE jid = 'doomed-group'`); err != nil {
		t.Fatal(err)
	}
	if err := db.Get(&senders, `SELECT COUNT(*) FROM senders WHERE jid = 'doomed-sender'`); err != nil {
		t.Fatal(err)
	}
	if groups != 0 || senders != 0 {
		t.Errorf("partial effects survived rollback: groups=%d senders=%d", groups, senders)
	}
}

func TestStoreMessageValidation(t *testing.T) {
	t.Parallel()
	_, store := newTestStore(t)
	ctx := context.Background()
	ts := time.Now().UTC()

	tests := []struct {
		name    string
		inbound *InboundMessage
	}{
		{"nil message", nil},
		{"missing id", inbound("", "g1", "alice@s.net", "hi", ts)},
		{"missing sender", inbound("g1:1", "g1", "", "hi", ts)},
		{"zero timestamp", inbound("g1:1", "g1", "alice@s.net", "hi", time.Time{})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := store.StoreMessage(ctx, tt.inbound); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestSetGroupManaged(t *testing.T) {
	t.Parallel()
	_, store := newTestStore(t)
	ctx := context.Background()

	if err := store.SetGroupManaged(ctx, "nope", true); err == nil {
		t.Error("expected error managing unknown group")
	}

	if _, err := store.StoreMessage(ctx, inbound("g1:1", "g1", "a@s.net", "hi", time.Now().UTC())); err != nil {
		t.Fatal(err)
	}
	if err := store.SetGroupManaged(ctx, "g1", true); err != nil {
		t.Fatalf("SetGroupManaged failed: %v", err)
	}

	managed, err := store.ListManagedGroups(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(managed) != 1 || managed[0].JID != "g1" {
		t.Errorf("managed groups = %+v, want [g1]", managed)
	}

	if err := store.SetGroupManaged(ctx, "g1", false); err != nil {
		t.Fatal(err)
	}
	managed, err = store.ListManagedGroups(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(managed) != 0 {
		t.Errorf("expected no managed groups after unmanage, got %d", len(managed))
	}
}

func TestEligibleMessages(t *testing.T) {
	t.Parallel()
	db, store := newTestStore(t)
	ctx := context.Background()

	sent := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	seed := []*InboundMessage{
		inbound("g1:1", "g1", "a@s.net", "before cutoff", sent.Add(1*time.Minute)),
		inbound("g1:2", "g1", "b@s.net", "second", sent.Add(2*time.Minute)),
		inbound("g1:3", "g1", "a@s.net", "", sent.Add(3*time.Minute)), // no text
		// Offline backlog: sent hours before the cutoff, delivered after it.
		inbound("g1:5", "g1", "a@s.net", "late backlog", sent.Add(-2*time.Hour)),
		inbound("g2:1", "g2", "a@s.net", "other group", sent.Add(1*time.Minute)),
	}
	for _, m := range seed {
		if _, err := store.StoreMessage(ctx, m); err != nil {
			t.Fatalf("seeding %s: %v", m.ID, err)
		}
	}
	// Self messages never feed extraction.
	selfMsg := inbound("g1:4", "g1", "bot@s.net", "self", sent.Add(4*time.Minute))
	selfMsg.IsSelf = true
	if _, err := store.StoreMessage(ctx, selfMsg); err != nil {
		t.Fatal(err)
	}

	// Eligibility cuts on storage time, not send time. Pin storage times so
	// only g1:1 predates the cutoff.
	cutoff := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	mustExec(t, db, `UPDATE messages SET created_at = ?`, cutoff.Add(time.Hour))
	mustExec(t, db, `UPDATE messages SET created_at = ? WHERE id = 'g1:1'`, cutoff.Add(-time.Hour))

	count, err := store.CountEligibleMessages(ctx, "g1", cutoff)
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("eligible count = %d, want 2 (second + late backlog)", count)
	}

	msgs, err := store.EligibleMessages(ctx, "g1", cutoff, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("eligible messages = %d, want 2", len(msgs))
	}
	// Send time still orders the batch, so the backlog message comes first.
	if msgs[0].ID != "g1:5" || msgs[1].ID != "g1:2" {
		t.Errorf("messages out of order: %s, %s", msgs[0].ID, msgs[1].ID)
	}

	// The zero cutoff covers a group's entire stored history.
	count, err = store.CountEligibleMessages(ctx, "g1", time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Errorf("eligible count from zero cutoff = %d, want 3", count)
	}

	limited, err := store.EligibleMessages(ctx, "g1", cutoff, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 || limited[0].ID != "g1:5" {
		t.Errorf("limit must keep oldest messages first, got %+v", limited)
	}
}

func TestSaveTopicsValidation(t *testing.T) {
	t.Parallel()
	_, store := newTestStore(t)
	ctx := context.Background()

	emb := EncodeEmbedding([]float32{1, 0})
	tests := []struct {
		name   string
		topics []*Topic
	}{
		{"orphaned topic", []*Topic{{Subject: "s", Summary: "m", Embedding: emb}}},
		{"missing embedding", []*Topic{{GroupJID: "g1", Subject: "s", Summary: "m"}}},
		{"nil topic", []*Topic{nil}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := store.SaveTopics(ctx, tt.topics); err == nil {
				t.Error("expected rejection, got nil")
			}
		})
	}

	if err := store.SaveTopics(ctx, nil); err != nil {
		t.Errorf("empty topic batch must be a no-op, got %v", err)
	}
}

func TestTopicQueriesAreGroupScoped(t *testing.T) {
	t.Parallel()
	_, store := newTestStore(t)
	ctx := context.Background()

	for _, jid := range []string{"g1", "g2"} {
		if _, err := store.StoreMessage(ctx, inbound(jid+":1", jid, "a@s.net", "hi", time.Now().UTC())); err != nil {
			t.Fatal(err)
		}
	}

	emb := EncodeEmbedding([]float32{1, 0})
	topics := []*Topic{
		{GroupJID: "g1", Subject: "release planning", Summary: "ship friday", Embedding: emb},
		{GroupJID: "g2", Subject: "release planning", Summary: "identical subject elsewhere", Embedding: emb},
	}
	if err := store.SaveTopics(ctx, topics); err != nil {
		t.Fatalf("SaveTopics failed: %v", err)
	}
	if topics[0].ID == 0 {
		t.Error("SaveTopics must backfill inserted topic ids")
	}

	got, err := store.TopicsByGroups(ctx, []string{"g1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].GroupJID != "g1" {
		t.Errorf("TopicsByGroups leaked across groups: %+v", got)
	}

	kw, err := store.TopicsByKeywords(ctx, []string{"g1"}, []string{"release"})
	if err != nil {
		t.Fatal(err)
	}
	if len(kw) != 1 || kw[0].GroupJID != "g1" {
		t.Errorf("TopicsByKeywords leaked across groups: %+v", kw)
	}

	// LIKE wildcards in keywords must be matched literally.
	kw, err = store.TopicsByKeywords(ctx, []string{"g1"}, []string{"%"})
	if err != nil {
		t.Fatal(err)
	}
	if len(kw) != 0 {
		t.Errorf("wildcard keyword matched %d topics, want 0", len(kw))
	}

	if _, err := store.TopicsByGroups(ctx, nil); err == nil {
		t.Error("expected error for empty group scope")
	}
}

func TestRelatedGroups(t *testing.T) {
	t.Parallel()
	db, store := newTestStore(t)
	ctx := context.Background()

	for _, jid := range []string{"g1", "g2", "g3"} {
		if _, err := store.StoreMessage(ctx, inbound(jid+":1", jid, "a@s.net", "hi", time.Now().UTC())); err != nil {
			t.Fatal(err)
		}
	}
	mustExec(t, db, `UPDATE groups SET community_keys = 'teamA' WHERE jid = 'g1'`)
	mustExec(t, db, `UPDATE groups SET community_keys = 'teamA,teamB' WHERE jid = 'g2'`)
	mustExec(t, db, `UPDATE groups SET community_keys = 'teamC' WHERE jid = 'g3'`)

	g1, err := store.GetGroup(ctx, "g1")
	if err != nil {
		t.Fatal(err)
	}
	related, err := store.RelatedGroups(ctx, g1)
	if err != nil {
		t.Fatal(err)
	}
	if len(related) != 1 || related[0].JID != "g2" {
		t.Errorf("related groups = %+v, want [g2]", related)
	}

	g3, err := store.GetGroup(ctx, "g3")
	if err != nil {
		t.Fatal(err)
	}
	related, err = store.RelatedGroups(ctx, g3)
	if err != nil {
		t.Fatal(err)
	}
	if len(related) != 0 {
		t.Errorf("g3 shares no keys, got related %+v", related)
	}
}

func TestKnowledgeBaseStatus(t *testing.T) {
	t.Parallel()
	_, store := newTestStore(t)
	ctx := context.Background()

	for _, jid := range []string{"g1", "g2"} {
		if _, err := store.StoreMessage(ctx, inbound(jid+":1", jid, "a@s.net", "hi", time.Now().UTC())); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.SetGroupManaged(ctx, "g1", true); err != nil {
		t.Fatal(err)
	}
	emb := EncodeEmbedding([]float32{1, 0})
	if err := store.SaveTopics(ctx, []*Topic{
		{GroupJID: "g1", Subject: "s", Summary: "m", Embedding: emb},
	}); err != nil {
		t.Fatal(err)
	}

	status, err := store.KnowledgeBaseStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if status.TotalGroups != 2 || status.ManagedGroups != 1 {
		t.Errorf("group counters = %d/%d, want 2/1", status.TotalGroups, status.ManagedGroups)
	}
	if status.TotalTopics != 1 || status.ValidTopics != 1 || status.OrphanedTopics != 0 {
		t.Errorf("topic counters = %d/%d/%d, want 1/1/0",
			status.TotalTopics, status.ValidTopics, status.OrphanedTopics)
	}
	if len(status.ManagedList) != 1 || status.ManagedList[0].JID != "g1" {
		t.Errorf("managed list = %+v, want [g1]", status.ManagedList)
	}
}

func TestGroupIngestCutoffs(t *testing.T) {
	t.Parallel()

	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	g := &Group{JID: "g1", CreatedAt: created}

	if got := g.IngestBaseline(); !got.Equal(created) {
		t.Errorf("never-ingested baseline = %v, want group creation %v", got, created)
	}
	// The first message commits with the group row and shares its creation
	// time, so the pending cutoff must reach back before group creation.
	if got := g.PendingSince(); !got.IsZero() {
		t.Errorf("never-ingested pending cutoff = %v, want zero time", got)
	}

	ingested := created.Add(time.Hour)
	g.LastIngest = sql.NullTime{Time: ingested, Valid: true}
	if got := g.IngestBaseline(); !got.Equal(ingested) {
		t.Errorf("baseline after ingest = %v, want %v", got, ingested)
	}
	if got := g.PendingSince(); !got.Equal(ingested) {
		t.Errorf("pending cutoff after ingest = %v, want %v", got, ingested)
	}
}

func TestEmbeddingRoundTrip(t *testing.T) {
	t.Parallel()

	vec := []float32{0.25, -1.5, 3.75}
	decoded := DecodeEmbedding(EncodeEmbedding(vec))
	if len(decoded) != len(vec) {
		t.Fatalf("decoded length = %d, want %d", len(decoded), len(vec))
	}
	for i := range vec {
		if decoded[i] != vec[i] {
			t.Errorf("decoded[%d] = %v, want %v", i, decoded[i], vec[i])
		}
	}

	if DecodeEmbedding([]byte{1, 2, 3}) != nil {
		t.Error("malformed blob must decode to nil")
	}
	if DecodeEmbedding(nil) != nil {
		t.Error("empty blob must decode to nil")
	}
}

func mustExec(t *testing.T, db *sqlx.DB, query string, args ...interface{}) {
	t.Helper()
	if _, err := db.Exec(query, args...); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}
