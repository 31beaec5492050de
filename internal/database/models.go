package database

import (
	"database/sql"
	"encoding/binary"
	"math"
	"strings"
	"time"
)

// Group represents a chat group observed by the bot. Groups are created
// lazily on the first message seen from them and are never deleted.
type Group struct {
	JID           string         `db:"jid"`
	Name          sql.NullString `db:"name"`
	Managed       bool           `db:"managed"`
	LastIngest    sql.NullTime   `db:"last_ingest"`
	CommunityKeys sql.NullString `db:"community_keys"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

// CommunityKeyList returns the group's community-relation keys. Groups
// sharing a key are considered one-hop related.
func (g *Group) CommunityKeyList() []string {
	if !g.CommunityKeys.Valid || g.CommunityKeys.String == "" {
		return nil
	}
	parts := strings.Split(g.CommunityKeys.String, ",")
	keys := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			keys = append(keys, p)
		}
	}
	return keys
}

// IngestBaseline returns the reference point for the ingest interval check:
// the last successful ingest, or group creation if never ingested.
func (g *Group) IngestBaseline() time.Time {
	if g.LastIngest.Valid {
		return g.LastIngest.Time
	}
	return g.CreatedAt
}

// PendingSince returns the storage-time cutoff for the pending message
// batch: the last successful ingest, or the zero time if the group was never
// ingested. A never-ingested group has its whole history pending. The group
// row and its first message commit in the same transaction with the same
// creation time, so anchoring on group creation would drop that message.
func (g *Group) PendingSince() time.Time {
	if g.LastIngest.Valid {
		return g.LastIngest.Time
	}
	return time.Time{}
}

// Sender represents a message author. The push name is last-write-wins and
// may be absent.
type Sender struct {
	JID       string         `db:"jid"`
	PushName  sql.NullString `db:"push_name"`
	CreatedAt time.Time      `db:"created_at"`
	UpdatedAt time.Time      `db:"updated_at"`
}

// Message represents a stored chat message. The identifier is assigned by
// the source transport, so storage must be idempotent under re-delivery.
// A NULL group reference means a private (non-group) message.
type Message struct {
	ID        string         `db:"id"`
	GroupJID  sql.NullString `db:"group_jid"`
	SenderJID string         `db:"sender_jid"`
	Text      sql.NullString `db:"text"`
	Timestamp time.Time      `db:"timestamp"`
	IsSelf    bool           `db:"is_self"`
	CreatedAt time.Time      `db:"created_at"`
}

// InboundMessage is the transport-facing shape of a message event before it
// passes through the upsert gateway. An empty GroupJID denotes a private
// message; an empty Text denotes a non-text message.
type InboundMessage struct {
	ID         string
	GroupJID   string
	SenderJID  string
	SenderName string
	Text       string
	Timestamp  time.Time
	IsSelf     bool
}

// Topic is an embedded summary unit derived from a batch of group messages.
// Topics always belong to a group; a NULL group reference is a data defect
// surfaced by the status report, never a valid state.
type Topic struct {
	ID        int64     `db:"id"`
	GroupJID  string    `db:"group_jid"`
	Subject   string    `db:"subject"`
	Summary   string    `db:"summary"`
	Embedding []byte    `db:"embedding"`
	CreatedAt time.Time `db:"created_at"`
}

// EmbeddingVector decodes the stored embedding blob into a float32 vector.
func (t *Topic) EmbeddingVector() []float32 {
	return DecodeEmbedding(t.Embedding)
}

// EncodeEmbedding serializes a float32 vector as a little-endian blob for
// storage in the topics table.
func EncodeEmbedding(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// DecodeEmbedding deserializes an embedding blob back into a float32 vector.
// A malformed blob yields a nil vector.
func DecodeEmbedding(buf []byte) []float32 {
	if len(buf) == 0 || len(buf)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

// GroupIngestInfo summarizes a managed group's ingest recency for the
// operational status report.
type GroupIngestInfo struct {
	JID        string         `db:"jid"`
	Name       sql.NullString `db:"name"`
	LastIngest sql.NullTime   `db:"last_ingest"`
}

// KnowledgeBaseStatus aggregates the health counters exposed by the
// operational status surface. OrphanedTopics must be zero in a healthy
// system.
type KnowledgeBaseStatus struct {
	TotalGroups    int
	ManagedGroups  int
	TotalTopics    int
	ValidTopics    int
	OrphanedTopics int
	ManagedList    []GroupIngestInfo
}
