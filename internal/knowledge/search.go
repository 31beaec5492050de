package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/edgard/groupkb/internal/config"
	"github.com/edgard/groupkb/internal/database"
	"github.com/edgard/groupkb/internal/gemini"
)

// ErrNoGroupScope is returned when search is attempted without a group
// context. The retriever never falls back to an unfiltered global search.
var ErrNoGroupScope = errors.New("search requires an explicit group scope")

// ErrGroupScopeUnresolved is returned when the caller's group context cannot
// be resolved to any accessible group. The retriever fails closed rather
// than silently broadening scope.
var ErrGroupScopeUnresolved = errors.New("group scope resolved to no accessible groups")

// GroupScope identifies the group a search is performed on behalf of.
// The zero value means "no scope" and is refused by Search; callers from
// private conversations must handle that refusal explicitly.
type GroupScope struct {
	groupJID string
}

// ScopeForGroup builds the search scope for a caller in the given group.
func ScopeForGroup(groupJID string) GroupScope {
	return GroupScope{groupJID: groupJID}
}

// IsZero reports whether no group scope was provided.
func (s GroupScope) IsZero() bool {
	return s.groupJID == ""
}

// Outcome tags a search result so presentation code can branch on the kind
// of result instead of inspecting strings.
type Outcome int

const (
	// OutcomeOK means relevant topics were found.
	OutcomeOK Outcome = iota
	// OutcomeNoKnowledge means the search ran but nothing relevant was
	// found. This is a first-class user-facing result, not a failure.
	OutcomeNoKnowledge
)

// MatchChannel records which retrieval leg produced a candidate.
type MatchChannel int

const (
	// MatchSemantic means the topic was found by embedding similarity only.
	MatchSemantic MatchChannel = iota
	// MatchKeyword means the topic was found by keyword match only.
	MatchKeyword
	// MatchBoth means the topic was found by both channels.
	MatchBoth
)

// ScoredTopic is a retrieved topic with its embedding distance (lower is
// better) and the channel that matched it.
type ScoredTopic struct {
	Topic    *database.Topic
	Distance float64
	Channel  MatchChannel
}

// SearchResult carries the ranked candidates, the quality-filtered accepted
// set, and the derived confidence signals.
type SearchResult struct {
	// Ranked is the full deduplicated candidate list ordered by distance.
	Ranked []ScoredTopic
	// Accepted is the quality-filtered subset callers should ground
	// answers on.
	Accepted []ScoredTopic
	// Confidence summarizes how well the accepted set matches the query,
	// in [0, 1].
	Confidence float64
	// LowConfidence signals the caller should prefer a hedged response.
	LowConfidence bool
	// Degraded is set when the semantic leg failed and only keyword
	// results are present. Confidence is not meaningful in that case.
	Degraded bool
	// Outcome tags the overall result kind.
	Outcome Outcome
}

// Searcher implements group-scoped hybrid retrieval with quality gating.
type Searcher struct {
	store    database.Store
	ai       gemini.Client
	keywords KeywordExtractor
	cfg      config.SearchConfig
	timeout  time.Duration
	log      *slog.Logger
}

// NewSearcher creates a new Searcher. timeout bounds the query embedding
// call only; storage reads use the caller's context directly.
func NewSearcher(store database.Store, ai gemini.Client, keywords KeywordExtractor, cfg config.SearchConfig, timeout time.Duration, log *slog.Logger) *Searcher {
	if keywords == nil {
		keywords = NewStopwordExtractor()
	}
	return &Searcher{
		store:    store,
		ai:       ai,
		keywords: keywords,
		cfg:      cfg,
		timeout:  timeout,
		log:      log.With("component", "searcher"),
	}
}

// Search runs hybrid retrieval for the query within the caller's group
// scope. The scope is mandatory: a zero scope is refused and a scope whose
// group cannot be loaded fails closed. Every returned topic belongs to the
// caller's one-hop allowed group set.
func (s *Searcher) Search(ctx context.Context, query string, scope GroupScope) (*SearchResult, error) {
	if scope.IsZero() {
		s.log.WarnContext(ctx, "Refusing search without group scope",
			"query_len", len(query))
		return nil, ErrNoGroupScope
	}

	allowed, err := s.resolveAllowedGroups(ctx, scope)
	if err != nil {
		return nil, err
	}

	result := &SearchResult{}

	// Semantic leg. An embedding failure degrades the search to
	// keyword-only instead of failing the whole query, but the degradation
	// is surfaced on the result since downstream confidence depends on it.
	var queryVec []float32
	embedCtx, cancel := context.WithTimeout(ctx, s.timeout)
	queryVec, err = s.ai.Embed(embedCtx, query)
	cancel()
	if err != nil {
		s.log.WarnContext(ctx, "Query embedding failed, degrading to keyword-only search", "error", err)
		result.Degraded = true
		queryVec = nil
	}

	ranked := make([]ScoredTopic, 0, s.cfg.MaxCandidates)
	seen := make(map[int64]int)

	if queryVec != nil {
		semantic, err := s.semanticScan(ctx, queryVec, allowed)
		if err != nil {
			return nil, err
		}
		for _, st := range semantic {
			seen[st.Topic.ID] = len(ranked)
			ranked = append(ranked, st)
		}
	}

	// Keyword leg runs under the same group restriction. A keyword hit
	// with no semantic hit is retained, not discarded.
	keywords := s.keywords.Extract(query)
	if len(keywords) > 0 {
		kwTopics, err := s.store.TopicsByKeywords(ctx, allowed, keywords)
		if err != nil {
			return nil, fmt.Errorf("keyword scan failed: %w", err)
		}
		for _, topic := range kwTopics {
			if idx, ok := seen[topic.ID]; ok {
				ranked[idx].Channel = MatchBoth
				continue
			}
			st := ScoredTopic{Topic: topic, Channel: MatchKeyword}
			if queryVec != nil {
				st.Distance = cosineDistance(queryVec, topic.EmbeddingVector())
			}
			seen[topic.ID] = len(ranked)
			ranked = append(ranked, st)
		}
	}

	// Semantic distance is the primary sort key; insertion order breaks
	// ties (stable sort).
	if queryVec != nil {
		sort.SliceStable(ranked, func(a, b int) bool {
			return ranked[a].Distance < ranked[b].Distance
		})
	}
	result.Ranked = ranked

	s.applyQualityFilter(result)

	s.log.InfoContext(ctx, "Search completed",
		"allowed_groups", len(allowed),
		"ranked", len(result.Ranked),
		"accepted", len(result.Accepted),
		"confidence", result.Confidence,
		"degraded", result.Degraded)
	return result, nil
}

// resolveAllowedGroups expands the caller's scope to its own group plus the
// one-hop community neighborhood. A scope that resolves to nothing is a
// hard failure, never an implicit broadening.
func (s *Searcher) resolveAllowedGroups(ctx context.Context, scope GroupScope) ([]string, error) {
	group, err := s.store.GetGroup(ctx, scope.groupJID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve group scope: %w", err)
	}
	if group == nil {
		s.log.WarnContext(ctx, "Group scope resolved to no accessible groups, failing closed",
			"group_jid", scope.groupJID)
		return nil, ErrGroupScopeUnresolved
	}

	allowed := []string{group.JID}
	if len(group.CommunityKeyList()) > 0 {
		related, err := s.store.RelatedGroups(ctx, group)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve community groups: %w", err)
		}
		for _, rel := range related {
			allowed = append(allowed, rel.JID)
		}
	}
	return allowed, nil
}

// semanticScan loads the scoped topics and ranks them by cosine distance to
// the query embedding, capped at the configured candidate count.
func (s *Searcher) semanticScan(ctx context.Context, queryVec []float32, allowed []string) ([]ScoredTopic, error) {
	topics, err := s.store.TopicsByGroups(ctx, allowed)
	if err != nil {
		return nil, fmt.Errorf("semantic scan failed: %w", err)
	}

	scored := make([]ScoredTopic, 0, len(topics))
	for _, topic := range topics {
		vec := topic.EmbeddingVector()
		if len(vec) == 0 {
			s.log.WarnContext(ctx, "Topic has malformed embedding, skipping",
				"topic_id", topic.ID, "group_jid", topic.GroupJID)
			continue
		}
		scored = append(scored, ScoredTopic{
			Topic:    topic,
			Distance: cosineDistance(queryVec, vec),
			Channel:  MatchSemantic,
		})
	}

	sort.SliceStable(scored, func(a, b int) bool {
		return scored[a].Distance < scored[b].Distance
	})
	if len(scored) > s.cfg.MaxCandidates {
		scored = scored[:s.cfg.MaxCandidates]
	}
	return scored, nil
}

// applyQualityFilter fills the accepted set and confidence signals on the
// result. Topics pass only with a distance strictly below the threshold; the
// accepted set is capped taking lowest-distance topics first. In degraded
// mode distances are unavailable, so keyword hits are accepted up to the cap
// with zero confidence.
func (s *Searcher) applyQualityFilter(result *SearchResult) {
	maxAccepted := s.cfg.MaxAccepted

	if result.Degraded {
		n := len(result.Ranked)
		if n > maxAccepted {
			n = maxAccepted
		}
		result.Accepted = result.Ranked[:n]
		result.Confidence = 0
		result.LowConfidence = true
	} else {
		var sum float64
		for _, st := range result.Ranked {
			if st.Distance >= s.cfg.DistanceThreshold {
				continue
			}
			if len(result.Accepted) >= maxAccepted {
				break
			}
			result.Accepted = append(result.Accepted, st)
			sum += st.Distance
		}
		if len(result.Accepted) > 0 {
			mean := sum / float64(len(result.Accepted))
			result.Confidence = clamp01(1 - mean/s.cfg.DistanceThreshold)
		}
		result.LowConfidence = result.Confidence < s.cfg.ConfidenceThreshold
	}

	if len(result.Accepted) == 0 {
		result.Outcome = OutcomeNoKnowledge
	} else {
		result.Outcome = OutcomeOK
	}
}

// cosineDistance computes 1 minus the cosine similarity of two vectors.
// Mismatched or zero vectors yield the maximum distance.
func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 1
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
