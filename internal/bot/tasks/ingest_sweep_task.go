package tasks

import (
	"context"
	"fmt"
	"time"
)

const ingestSweepTimeout = 10 * time.Minute

// newIngestSweepTask creates the scheduled task that runs the ingestion
// pipeline over every managed group. Message-triggered ingestion covers busy
// groups; this sweep picks up quiet groups whose pending batch crossed the
// thresholds between messages.
func newIngestSweepTask(deps TaskDeps) ScheduledTaskFunc {
	log := deps.Logger.With("task", "ingest_sweep")

	return func(ctx context.Context) error {
		log.InfoContext(ctx, "Starting scheduled ingestion sweep...")
		startTime := time.Now()

		sweepCtx, cancel := context.WithTimeout(ctx, ingestSweepTimeout)
		defer cancel()

		ingested, err := deps.Ingestor.IngestAllManaged(sweepCtx)
		duration := time.Since(startTime)

		if err != nil {
			log.ErrorContext(ctx, "Ingestion sweep finished with errors",
				"ingested_groups", ingested, "duration", duration, "error", err)
			return fmt.Errorf("ingest sweep failed: %w", err)
		}

		log.InfoContext(ctx, "Ingestion sweep completed",
			"ingested_groups", ingested, "duration", duration)
		return nil
	}
}
