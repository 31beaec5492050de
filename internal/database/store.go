package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// Store defines the interface for database operations. StoreMessage is the
// only sanctioned write path for messages and SaveTopics the only one for
// topics; both guarantee referential integrity at commit time.
type Store interface {
	// Ping checks the database connection.
	Ping(ctx context.Context) error

	// StoreMessage atomically ensures the referenced sender and group exist
	// and inserts the message. Duplicate message IDs are not an error; the
	// previously stored row is returned unchanged.
	StoreMessage(ctx context.Context, inbound *InboundMessage) (*Message, error)

	// GetGroup retrieves a group by JID. Returns nil, nil if not found.
	GetGroup(ctx context.Context, jid string) (*Group, error)

	// SetGroupManaged toggles a group's eligibility for automatic ingestion.
	SetGroupManaged(ctx context.Context, jid string, managed bool) error

	// ListManagedGroups retrieves all groups opted into automatic ingestion.
	ListManagedGroups(ctx context.Context) ([]*Group, error)

	// RelatedGroups returns the one-hop set of groups sharing a community
	// key with the given group. The relation is symmetric and never
	// expanded transitively.
	RelatedGroups(ctx context.Context, group *Group) ([]*Group, error)

	// CountEligibleMessages counts ingestion-eligible messages (text-only,
	// not self-originated) stored for a group after the given storage time.
	CountEligibleMessages(ctx context.Context, groupJID string, since time.Time) (int, error)

	// EligibleMessages retrieves ingestion-eligible messages stored for a
	// group after the given storage time, oldest first, capped at limit.
	EligibleMessages(ctx context.Context, groupJID string, since time.Time, limit int) ([]*Message, error)

	// AdvanceLastIngest records a successful ingest run for a group.
	AdvanceLastIngest(ctx context.Context, groupJID string, ingestedAt time.Time) error

	// SaveTopics persists extracted topics in one transaction. Every topic
	// must carry a non-empty group JID; a topic without one is rejected
	// before anything is written.
	SaveTopics(ctx context.Context, topics []*Topic) error

	// TopicsByGroups retrieves all topics belonging to the given groups.
	TopicsByGroups(ctx context.Context, groupJIDs []string) ([]*Topic, error)

	// TopicsByKeywords retrieves topics in the given groups whose subject or
	// summary contains any of the keywords.
	TopicsByKeywords(ctx context.Context, groupJIDs []string, keywords []string) ([]*Topic, error)

	// KnowledgeBaseStatus aggregates the operational health counters.
	KnowledgeBaseStatus(ctx context.Context) (*KnowledgeBaseStatus, error)

	// RunSQLMaintenance performs database maintenance tasks like VACUUM.
	RunSQLMaintenance(ctx context.Context) error
}

// sqlxStore provides an implementation of the Store interface using sqlx.
type sqlxStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new Store implementation backed by sqlx.
func NewStore(db *sqlx.DB, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &sqlxStore{
		db:     db,
		logger: logger.With("component", "store"),
	}
}

// Ping checks the database connection.
func (s *sqlxStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// StoreMessage implements the upsert gateway: one unit of work that creates
// the sender row (updating its push name when a newer one is observed),
// creates the group row if the message belongs to a group, and inserts the
// message. All three effects commit together or roll back together, so no
// reader ever observes a message with a dangling reference.
func (s *sqlxStore) StoreMessage(ctx context.Context, inbound *InboundMessage) (*Message, error) {
	if inbound == nil {
		return nil, fmt.Errorf("cannot store nil message")
	}
	if inbound.ID == "" {
		return nil, fmt.Errorf("message must have an identifier")
	}
	if inbound.SenderJID == "" {
		return nil, fmt.Errorf("message must have a sender")
	}
	if inbound.Timestamp.IsZero() {
		return nil, fmt.Errorf("message must have a non-zero timestamp")
	}

	now := time.Now().UTC()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to begin transaction for storing message",
			"message_id", inbound.ID, "error", err)
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				if !errors.Is(rollbackErr, sql.ErrTxDone) {
					s.logger.WarnContext(ctx, "Error rolling back transaction", "error", rollbackErr)
				}
			}
		}
	}()

	// Idempotent re-delivery: a known message ID is a no-op that returns
	// the stored row without touching sender or group state.
	var existing Message
	err = tx.GetContext(ctx, &existing,
		`SELECT id, group_jid, sender_jid, text, timestamp, is_self, created_at
		 FROM messages WHERE id = ?`, inbound.ID)
	switch {
	case err == nil:
		if commitErr := tx.Commit(); commitErr != nil {
			return nil, fmt.Errorf("failed to commit transaction: %w", commitErr)
		}
		tx = nil
		s.logger.DebugContext(ctx, "Duplicate message delivery ignored", "message_id", inbound.ID)
		return &existing, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("failed to check for existing message %s: %w", inbound.ID, err)
	}

	if err := upsertSenderTx(ctx, tx, inbound.SenderJID, inbound.SenderName, now); err != nil {
		s.logger.ErrorContext(ctx, "Error ensuring sender exists",
			"sender_jid", inbound.SenderJID, "error", err)
		return nil, err
	}

	if inbound.GroupJID != "" {
		if err := ensureGroupTx(ctx, tx, inbound.GroupJID, now); err != nil {
			s.logger.ErrorContext(ctx, "Error ensuring group exists",
				"group_jid", inbound.GroupJID, "error", err)
			return nil, err
		}
	}

	msg := &Message{
		ID:        inbound.ID,
		SenderJID: inbound.SenderJID,
		Timestamp: inbound.Timestamp.UTC(),
		IsSelf:    inbound.IsSelf,
		CreatedAt: now,
	}
	if inbound.GroupJID != "" {
		msg.GroupJID = sql.NullString{String: inbound.GroupJID, Valid: true}
	}
	if inbound.Text != "" {
		msg.Text = sql.NullString{String: inbound.Text, Valid: true}
	}

	query := `
        INSERT INTO messages (id, group_jid, sender_jid, text, timestamp, is_self, created_at)
        VALUES (:id, :group_jid, :sender_jid, :text, :timestamp, :is_self, :created_at);
    `
	if _, err := tx.NamedExecContext(ctx, query, msg); err != nil {
		s.logger.ErrorContext(ctx, "Error storing message", "message_id", msg.ID, "error", err)
		return nil, fmt.Errorf("failed to store message %s: %w", msg.ID, err)
	}

	if err := tx.Commit(); err != nil {
		s.logger.ErrorContext(ctx, "Failed to commit transaction", "message_id", msg.ID, "error", err)
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	tx = nil

	s.logger.DebugContext(ctx, "Message stored successfully",
		"message_id", msg.ID, "group_jid", inbound.GroupJID, "sender_jid", msg.SenderJID)
	return msg, nil
}

// upsertSenderTx creates the sender row if absent and applies a
// last-write-wins push name update when a differing non-empty name arrives.
func upsertSenderTx(ctx context.Context, tx *sqlx.Tx, jid, pushName string, now time.Time) error {
	var current sql.NullString
	err := tx.GetContext(ctx, &current, `SELECT push_name FROM senders WHERE jid = ?`, jid)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		var name sql.NullString
		if pushName != "" {
			name = sql.NullString{String: pushName, Valid: true}
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO senders (jid, push_name, created_at, updated_at) VALUES (?, ?, ?, ?)`,
			jid, name, now, now)
		if err != nil {
			return fmt.Errorf("failed to create sender %s: %w", jid, err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("failed to look up sender %s: %w", jid, err)
	}

	if pushName != "" && (!current.Valid || current.String != pushName) {
		_, err = tx.ExecContext(ctx,
			`UPDATE senders SET push_name = ?, updated_at = ? WHERE jid = ?`,
			pushName, now, jid)
		if err != nil {
			return fmt.Errorf("failed to update sender %s push name: %w", jid, err)
		}
	}
	return nil
}

// ensureGroupTx creates the group row if absent. New groups start out
// unmanaged; opting into ingestion is an explicit operator action.
func ensureGroupTx(ctx context.Context, tx *sqlx.Tx, jid string, now time.Time) error {
	var exists int
	err := tx.GetContext(ctx, &exists, `SELECT 1 FROM groups WHERE jid = ?`, jid)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx,
			`INSERT INTO groups (jid, managed, created_at, updated_at) VALUES (?, 0, ?, ?)`,
			jid, now, now)
		if err != nil {
			return fmt.Errorf("failed to create group %s: %w", jid, err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("failed to look up group %s: %w", jid, err)
	}
	return nil
}

// GetGroup retrieves a group by JID. Returns nil, nil if not found.
func (s *sqlxStore) GetGroup(ctx context.Context, jid string) (*Group, error) {
	if jid == "" {
		return nil, fmt.Errorf("group jid cannot be empty")
	}

	var group Group
	err := s.db.GetContext(ctx, &group,
		`SELECT jid, name, managed, last_ingest, community_keys, created_at, updated_at
		 FROM groups WHERE jid = ?`, jid)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		s.logger.DebugContext(ctx, "No group found", "group_jid", jid)
		return nil, nil
	case err != nil:
		s.logger.ErrorContext(ctx, "Error getting group", "group_jid", jid, "error", err)
		return nil, fmt.Errorf("failed to get group %s: %w", jid, err)
	}
	return &group, nil
}

// SetGroupManaged toggles a group's eligibility for automatic ingestion.
func (s *sqlxStore) SetGroupManaged(ctx context.Context, jid string, managed bool) error {
	if jid == "" {
		return fmt.Errorf("group jid cannot be empty")
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE groups SET managed = ?, updated_at = ? WHERE jid = ?`,
		managed, time.Now().UTC(), jid)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error updating group managed flag", "group_jid", jid, "error", err)
		return fmt.Errorf("failed to update managed flag for group %s: %w", jid, err)
	}

	affected, err := result.RowsAffected()
	if err == nil && affected == 0 {
		return fmt.Errorf("group %s not found", jid)
	}

	s.logger.InfoContext(ctx, "Group managed flag updated", "group_jid", jid, "managed", managed)
	return nil
}

// ListManagedGroups retrieves all groups opted into automatic ingestion.
func (s *sqlxStore) ListManagedGroups(ctx context.Context) ([]*Group, error) {
	var groups []*Group
	err := s.db.SelectContext(ctx, &groups,
		`SELECT jid, name, managed, last_ingest, community_keys, created_at, updated_at
		 FROM groups WHERE managed = 1 ORDER BY jid`)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error listing managed groups", "error", err)
		return nil, fmt.Errorf("failed to list managed groups: %w", err)
	}
	return groups, nil
}

// RelatedGroups returns the one-hop community neighborhood of a group.
// The relation comes only from explicitly declared community keys.
func (s *sqlxStore) RelatedGroups(ctx context.Context, group *Group) ([]*Group, error) {
	if group == nil {
		return nil, fmt.Errorf("group cannot be nil")
	}

	keys := group.CommunityKeyList()
	if len(keys) == 0 {
		return nil, nil
	}

	var candidates []*Group
	err := s.db.SelectContext(ctx, &candidates,
		`SELECT jid, name, managed, last_ingest, community_keys, created_at, updated_at
		 FROM groups
		 WHERE community_keys IS NOT NULL AND community_keys != '' AND jid != ?`,
		group.JID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error loading community group candidates",
			"group_jid", group.JID, "error", err)
		return nil, fmt.Errorf("failed to load related groups for %s: %w", group.JID, err)
	}

	keySet := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		keySet[k] = struct{}{}
	}

	var related []*Group
	for _, candidate := range candidates {
		for _, k := range candidate.CommunityKeyList() {
			if _, ok := keySet[k]; ok {
				related = append(related, candidate)
				break
			}
		}
	}

	s.logger.DebugContext(ctx, "Resolved community groups",
		"group_jid", group.JID, "related_count", len(related))
	return related, nil
}

// CountEligibleMessages counts text-bearing, non-self messages stored for a
// group after the given storage time. Eligibility is anchored to storage
// time, not source timestamps: a late-delivered backlog whose send times
// predate the cutoff still counts toward the pending batch.
func (s *sqlxStore) CountEligibleMessages(ctx context.Context, groupJID string, since time.Time) (int, error) {
	if groupJID == "" {
		return 0, fmt.Errorf("group jid cannot be empty")
	}

	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM messages
		 WHERE group_jid = ? AND created_at > ? AND text IS NOT NULL AND is_self = 0`,
		groupJID, since.UTC())
	if err != nil {
		s.logger.ErrorContext(ctx, "Error counting eligible messages",
			"group_jid", groupJID, "error", err)
		return 0, fmt.Errorf("failed to count eligible messages for group %s: %w", groupJID, err)
	}
	return count, nil
}

// EligibleMessages retrieves text-bearing, non-self messages stored for a
// group after the given storage time, ordered oldest to newest by source
// timestamp.
func (s *sqlxStore) EligibleMessages(ctx context.Context, groupJID string, since time.Time, limit int) ([]*Message, error) {
	if groupJID == "" {
		return nil, fmt.Errorf("group jid cannot be empty")
	}
	if limit <= 0 {
		limit = 400
		s.logger.DebugContext(ctx, "No limit provided, using default",
			"group_jid", groupJID, "default_limit", limit)
	}

	var messages []*Message
	err := s.db.SelectContext(ctx, &messages,
		`SELECT id, group_jid, sender_jid, text, timestamp, is_self, created_at
		 FROM messages
		 WHERE group_jid = ? AND created_at > ? AND text IS NOT NULL AND is_self = 0
		 ORDER BY timestamp ASC
		 LIMIT ?`,
		groupJID, since.UTC(), limit)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error getting eligible messages",
			"group_jid", groupJID, "error", err)
		return nil, fmt.Errorf("failed to get eligible messages for group %s: %w", groupJID, err)
	}

	s.logger.DebugContext(ctx, "Fetched eligible messages",
		"group_jid", groupJID, "count", len(messages))
	return messages, nil
}

// AdvanceLastIngest records a successful ingest run for a group.
func (s *sqlxStore) AdvanceLastIngest(ctx context.Context, groupJID string, ingestedAt time.Time) error {
	if groupJID == "" {
		return fmt.Errorf("group jid cannot be empty")
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE groups SET last_ingest = ?, updated_at = ? WHERE jid = ?`,
		ingestedAt.UTC(), time.Now().UTC(), groupJID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error advancing last ingest",
			"group_jid", groupJID, "error", err)
		return fmt.Errorf("failed to advance last ingest for group %s: %w", groupJID, err)
	}

	affected, err := result.RowsAffected()
	if err == nil && affected == 0 {
		return fmt.Errorf("group %s not found", groupJID)
	}

	s.logger.DebugContext(ctx, "Advanced last ingest",
		"group_jid", groupJID, "last_ingest", ingestedAt)
	return nil
}

// SaveTopics persists extracted topics in one transaction. A topic without a
// group reference would be unreachable by every search path, so it is
// rejected before anything is written.
func (s *sqlxStore) SaveTopics(ctx context.Context, topics []*Topic) error {
	if len(topics) == 0 {
		return nil
	}
	for i, topic := range topics {
		if topic == nil {
			return fmt.Errorf("cannot save nil topic at index %d", i)
		}
		if topic.GroupJID == "" {
			return fmt.Errorf("topic %q has no group reference, refusing to store orphaned topic", topic.Subject)
		}
		if len(topic.Embedding) == 0 {
			return fmt.Errorf("topic %q has no embedding", topic.Subject)
		}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to begin transaction for saving topics", "error", err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				if !errors.Is(rollbackErr, sql.ErrTxDone) {
					s.logger.WarnContext(ctx, "Error rolling back transaction", "error", rollbackErr)
				}
			}
		}
	}()

	now := time.Now().UTC()
	query := `
        INSERT INTO topics (group_jid, subject, summary, embedding, created_at)
        VALUES (:group_jid, :subject, :summary, :embedding, :created_at);
    `
	for _, topic := range topics {
		if topic.CreatedAt.IsZero() {
			topic.CreatedAt = now
		}
		result, err := tx.NamedExecContext(ctx, query, topic)
		if err != nil {
			s.logger.ErrorContext(ctx, "Error saving topic",
				"group_jid", topic.GroupJID, "subject", topic.Subject, "error", err)
			return fmt.Errorf("failed to save topic %q: %w", topic.Subject, err)
		}
		if id, err := result.LastInsertId(); err == nil {
			topic.ID = id
		}
	}

	if err := tx.Commit(); err != nil {
		s.logger.ErrorContext(ctx, "Failed to commit topics transaction", "error", err)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	tx = nil

	s.logger.InfoContext(ctx, "Saved topics", "count", len(topics), "group_jid", topics[0].GroupJID)
	return nil
}

// TopicsByGroups retrieves all topics belonging to the given groups.
// Topics lacking a group reference are excluded structurally by the query.
func (s *sqlxStore) TopicsByGroups(ctx context.Context, groupJIDs []string) ([]*Topic, error) {
	if len(groupJIDs) == 0 {
		return nil, fmt.Errorf("group scope cannot be empty")
	}

	query, args, err := sqlx.In(
		`SELECT id, group_jid, subject, summary, embedding, created_at
		 FROM topics
		 WHERE group_jid IS NOT NULL AND group_jid IN (?)
		 ORDER BY id`, groupJIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to build topics query: %w", err)
	}

	var topics []*Topic
	err = s.db.SelectContext(ctx, &topics, s.db.Rebind(query), args...)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error getting topics by groups", "error", err)
		return nil, fmt.Errorf("failed to get topics: %w", err)
	}

	s.logger.DebugContext(ctx, "Fetched topics by groups",
		"group_count", len(groupJIDs), "topic_count", len(topics))
	return topics, nil
}

// TopicsByKeywords retrieves topics in the given groups whose subject or
// summary contains any of the keywords. Matching is simple substring
// containment; relevance ranking happens in the retriever.
func (s *sqlxStore) TopicsByKeywords(ctx context.Context, groupJIDs []string, keywords []string) ([]*Topic, error) {
	if len(groupJIDs) == 0 {
		return nil, fmt.Errorf("group scope cannot be empty")
	}
	if len(keywords) == 0 {
		return nil, nil
	}

	var clauses []string
	var likeArgs []interface{}
	for _, kw := range keywords {
		pattern := "%" + escapeLike(kw) + "%"
		clauses = append(clauses, `(subject LIKE ? ESCAPE '\' OR summary LIKE ? ESCAPE '\')`)
		likeArgs = append(likeArgs, pattern, pattern)
	}

	query, args, err := sqlx.In(
		`SELECT id, group_jid, subject, summary, embedding, created_at
		 FROM topics
		 WHERE group_jid IS NOT NULL AND group_jid IN (?)`, groupJIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to build keyword query: %w", err)
	}
	query += " AND (" + strings.Join(clauses, " OR ") + ") ORDER BY id"
	args = append(args, likeArgs...)

	var topics []*Topic
	err = s.db.SelectContext(ctx, &topics, s.db.Rebind(query), args...)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error searching topics by keywords", "error", err)
		return nil, fmt.Errorf("failed to search topics by keywords: %w", err)
	}

	s.logger.DebugContext(ctx, "Keyword topic scan finished",
		"keyword_count", len(keywords), "topic_count", len(topics))
	return topics, nil
}

// escapeLike escapes LIKE wildcards so keywords are matched literally.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

// KnowledgeBaseStatus aggregates the operational health counters. A non-zero
// orphaned topic count is a data-corruption signal worth alarming on, not a
// per-request error.
func (s *sqlxStore) KnowledgeBaseStatus(ctx context.Context) (*KnowledgeBaseStatus, error) {
	status := &KnowledgeBaseStatus{}

	counters := []struct {
		dest  *int
		query string
	}{
		{&status.TotalGroups, `SELECT COUNT(*) FROM groups`},
		{&status.ManagedGroups, `SELECT COUNT(*) FROM groups WHERE managed = 1`},
		{&status.TotalTopics, `SELECT COUNT(*) FROM topics`},
		{&status.ValidTopics, `SELECT COUNT(*) FROM topics WHERE group_jid IS NOT NULL AND group_jid != ''`},
		{&status.OrphanedTopics, `SELECT COUNT(*) FROM topics WHERE group_jid IS NULL OR group_jid = ''`},
	}
	for _, c := range counters {
		if err := s.db.GetContext(ctx, c.dest, c.query); err != nil {
			s.logger.ErrorContext(ctx, "Error aggregating knowledge base status", "error", err)
			return nil, fmt.Errorf("failed to aggregate knowledge base status: %w", err)
		}
	}

	err := s.db.SelectContext(ctx, &status.ManagedList,
		`SELECT jid, name, last_ingest FROM groups WHERE managed = 1 ORDER BY jid`)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error listing managed groups for status", "error", err)
		return nil, fmt.Errorf("failed to list managed groups for status: %w", err)
	}

	if status.OrphanedTopics > 0 {
		s.logger.WarnContext(ctx, "Orphaned topics detected",
			"orphaned_count", status.OrphanedTopics)
	}
	return status, nil
}

// RunSQLMaintenance executes a VACUUM command on the SQLite database.
func (s *sqlxStore) RunSQLMaintenance(ctx context.Context) error {
	if ctx.Err() != nil {
		s.logger.WarnContext(ctx, "Context cancelled before starting VACUUM", "error", ctx.Err())
		return ctx.Err()
	}

	s.logger.InfoContext(ctx, "Starting database maintenance (VACUUM)...")

	// VACUUM must run outside a transaction in SQLite.
	_, err := s.db.ExecContext(ctx, "VACUUM;")
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		s.logger.WarnContext(ctx, "VACUUM operation timed out or was cancelled", "error", err)
		return fmt.Errorf("database maintenance (VACUUM) timed out: %w", err)
	case err != nil:
		s.logger.ErrorContext(ctx, "Database maintenance (VACUUM) failed", "error", err)
		return fmt.Errorf("failed to execute VACUUM: %w", err)
	}

	s.logger.InfoContext(ctx, "Database maintenance (VACUUM) completed successfully")
	return nil
}
