// Package knowledge implements the knowledge-base pipeline: throttled topic
// ingestion from stored group messages and security-scoped hybrid retrieval
// over the extracted topics.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/edgard/groupkb/internal/config"
	"github.com/edgard/groupkb/internal/database"
	"github.com/edgard/groupkb/internal/gemini"
)

// Ingestor decides when a group's recent messages are eligible for topic
// extraction and runs the extraction pipeline when they are. Runs for the
// same group are single-flighted so two concurrent triggers can never
// double-process one message batch; distinct groups proceed in parallel.
type Ingestor struct {
	store   database.Store
	ai      gemini.Client
	cfg     config.IngestConfig
	timeout time.Duration
	log     *slog.Logger

	flight singleflight.Group
	now    func() time.Time
}

// NewIngestor creates a new Ingestor. timeout bounds each external
// extraction/embedding call; it is never held across storage transactions.
func NewIngestor(store database.Store, ai gemini.Client, cfg config.IngestConfig, timeout time.Duration, log *slog.Logger) *Ingestor {
	return &Ingestor{
		store:   store,
		ai:      ai,
		cfg:     cfg,
		timeout: timeout,
		log:     log.With("component", "ingestor"),
		now:     time.Now,
	}
}

// MaybeIngest checks the throttle conditions for a group and, when both
// hold, extracts and persists topics from the pending message batch. It
// returns true only when a batch was extracted and persisted. On extraction
// or persistence failure last_ingest is left untouched, so the batch is
// retried on the next eligible trigger.
func (i *Ingestor) MaybeIngest(ctx context.Context, groupJID string) (bool, error) {
	if groupJID == "" {
		return false, fmt.Errorf("group jid cannot be empty")
	}

	ingested, err, _ := i.flight.Do(groupJID, func() (interface{}, error) {
		return i.ingestOnce(ctx, groupJID)
	})
	if err != nil {
		return false, err
	}
	return ingested.(bool), nil
}

func (i *Ingestor) ingestOnce(ctx context.Context, groupJID string) (bool, error) {
	log := i.log.With("group_jid", groupJID)

	group, err := i.store.GetGroup(ctx, groupJID)
	if err != nil {
		return false, fmt.Errorf("failed to load group for ingestion: %w", err)
	}
	if group == nil {
		log.DebugContext(ctx, "Group unknown, skipping ingestion")
		return false, nil
	}
	if !group.Managed {
		log.DebugContext(ctx, "Group not managed, skipping ingestion")
		return false, nil
	}

	baseline := group.IngestBaseline()
	now := i.now().UTC()

	if elapsed := now.Sub(baseline); elapsed < i.cfg.MinInterval {
		log.DebugContext(ctx, "Ingest interval not reached",
			"elapsed", elapsed, "min_interval", i.cfg.MinInterval)
		return false, nil
	}

	since := group.PendingSince()

	count, err := i.store.CountEligibleMessages(ctx, groupJID, since)
	if err != nil {
		return false, fmt.Errorf("failed to count pending messages: %w", err)
	}
	if count < i.cfg.MinMessages {
		log.DebugContext(ctx, "Not enough pending messages",
			"pending", count, "min_messages", i.cfg.MinMessages)
		return false, nil
	}

	messages, err := i.store.EligibleMessages(ctx, groupJID, since, i.cfg.MaxBatch)
	if err != nil {
		return false, fmt.Errorf("failed to load pending messages: %w", err)
	}
	if len(messages) == 0 {
		return false, nil
	}

	log.InfoContext(ctx, "Starting topic extraction for batch",
		"message_count", len(messages), "since", since)

	transcript := FormatTranscript(messages)

	extractCtx, cancel := context.WithTimeout(ctx, i.timeout)
	candidates, err := i.ai.ExtractTopics(extractCtx, transcript)
	cancel()
	if err != nil {
		log.WarnContext(ctx, "Topic extraction failed, batch will be retried on next trigger", "error", err)
		return false, fmt.Errorf("topic extraction failed: %w", err)
	}

	if len(candidates) > 0 {
		topics, err := i.embedCandidates(ctx, groupJID, candidates)
		if err != nil {
			log.WarnContext(ctx, "Topic embedding failed, batch will be retried on next trigger", "error", err)
			return false, err
		}

		if err := i.store.SaveTopics(ctx, topics); err != nil {
			log.ErrorContext(ctx, "Failed to persist extracted topics", "error", err)
			return false, fmt.Errorf("failed to persist topics: %w", err)
		}
	} else {
		log.InfoContext(ctx, "Extraction produced no topics for batch")
	}

	// last_ingest advances only after extraction and persistence succeeded;
	// a failure above leaves the batch pending for the next run.
	if err := i.store.AdvanceLastIngest(ctx, groupJID, now); err != nil {
		return false, fmt.Errorf("failed to advance last ingest: %w", err)
	}

	log.InfoContext(ctx, "Ingested message batch",
		"message_count", len(messages), "topic_count", len(candidates))
	return true, nil
}

func (i *Ingestor) embedCandidates(ctx context.Context, groupJID string, candidates []gemini.TopicCandidate) ([]*database.Topic, error) {
	texts := make([]string, len(candidates))
	for idx, cand := range candidates {
		texts[idx] = cand.Subject + "\n" + cand.Summary
	}

	embedCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	vectors, err := i.ai.EmbedBatch(embedCtx, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to embed topics: %w", err)
	}

	topics := make([]*database.Topic, len(candidates))
	for idx, cand := range candidates {
		topics[idx] = &database.Topic{
			GroupJID:  groupJID,
			Subject:   cand.Subject,
			Summary:   cand.Summary,
			Embedding: database.EncodeEmbedding(vectors[idx]),
		}
	}
	return topics, nil
}

// IngestAllManaged runs MaybeIngest over every managed group. Failures for
// one group don't block the others; the combined error is returned for the
// caller to log.
func (i *Ingestor) IngestAllManaged(ctx context.Context) (int, error) {
	groups, err := i.store.ListManagedGroups(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list managed groups: %w", err)
	}

	var ingestedCount int
	var errs []error
	for _, group := range groups {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		ingested, err := i.MaybeIngest(ctx, group.JID)
		if err != nil {
			errs = append(errs, fmt.Errorf("group %s: %w", group.JID, err))
			continue
		}
		if ingested {
			ingestedCount++
		}
	}

	return ingestedCount, errors.Join(errs...)
}
