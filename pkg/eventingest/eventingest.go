// Package eventingest implements the dropped HTTP ingest surface's core:
// turning an external trigger into an Event row and a PENDING JobRun for
// every enabled event-kind JobDefinition listening for it.
package eventingest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cuemby/scheduler/pkg/log"
	"github.com/cuemby/scheduler/pkg/storage"
	"github.com/cuemby/scheduler/pkg/types"
)

// eventSchedule is the shape an event-kind JobDefinition's Schedule field
// carries: unlike a time-kind definition's calendar grammar, it is just
// the event type name the definition listens for.
type eventSchedule struct {
	EventType string `json:"event_type"`
}

// Result summarizes one ingestion.
type Result struct {
	EventID      string
	Deduplicated bool
	JobRunIDs    []string
}

// IngestEvent records eventType/payload as an Event and, unless a recent
// unprocessed event shares dedupeKey (soft dedupe, not a DB constraint),
// creates a PENDING JobRun with scheduled_for = NULL for every enabled
// event-kind JobDefinition listening for eventType. Those runs are picked
// up by the next LeaderTick assign pass exactly like a materialized
// time-based run.
func IngestEvent(ctx context.Context, store storage.Store, eventType string, payload json.RawMessage, dedupeKey string) (Result, error) {
	logger := log.WithComponent("eventingest")

	if dedupeKey != "" {
		exists, err := store.RecentUnprocessedEventExists(ctx, eventType, dedupeKey)
		if err != nil {
			return Result{}, fmt.Errorf("check dedupe: %w", err)
		}
		if exists {
			logger.Debug().Str("event_type", eventType).Str("dedupe_key", dedupeKey).Msg("event deduplicated")
			return Result{Deduplicated: true}, nil
		}
	}

	ev := &types.Event{EventType: eventType, PayloadJSON: payload, DedupeKey: dedupeKey}
	if err := store.CreateEvent(ctx, ev); err != nil {
		return Result{}, fmt.Errorf("create event: %w", err)
	}

	defs, err := store.ListJobDefinitions(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list job definitions: %w", err)
	}

	var runIDs []string
	for _, jd := range defs {
		if !jd.Enabled || jd.Kind != types.JobKindEvent {
			continue
		}
		var sched eventSchedule
		if err := json.Unmarshal(jd.Schedule, &sched); err != nil || sched.EventType != eventType {
			continue
		}
		jr, err := store.CreatePendingJobRunForEvent(ctx, jd.ID)
		if err != nil {
			logger.Error().Err(err).Str("job_definition_id", jd.ID).Msg("failed to create job run for event")
			continue
		}
		runIDs = append(runIDs, jr.ID)
	}

	logger.Info().Str("event_id", ev.ID).Str("event_type", eventType).Int("runs_created", len(runIDs)).Msg("event ingested")
	return Result{EventID: ev.ID, JobRunIDs: runIDs}, nil
}
