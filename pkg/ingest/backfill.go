package ingest

import (
	"context"
	"log/slog"

	shared "github.com/rolandd/midpen-tracker/pkg"
	"github.com/rolandd/midpen-tracker/pkg/strava"
	"github.com/rolandd/midpen-tracker/pkg/types"
)

// backfillPerPage is the Strava list page size. A full page means more
// history may remain; a short page terminates the chain.
const backfillPerPage = 100

// Backfiller walks an athlete's activity history one page per task. Each
// page task enqueues at most one successor carrying the next page number, so
// a history of any size costs a bounded amount of work per invocation and
// the queue's rate limiting spreads the Strava calls over time.
type Backfiller struct {
	db     shared.Database
	queue  shared.TaskQueue
	tokens TokenSource
	api    ActivityAPI

	after    int64
	maxPages int

	log *slog.Logger
}

func NewBackfiller(db shared.Database, queue shared.TaskQueue, tokens TokenSource, api ActivityAPI, after int64, maxPages int) *Backfiller {
	return &Backfiller{
		db:       db,
		queue:    queue,
		tokens:   tokens,
		api:      api,
		after:    after,
		maxPages: maxPages,
		log:      slog.With("component", "backfill"),
	}
}

// Start seeds the first page-fetch task for the athlete.
func (b *Backfiller) Start(ctx context.Context, athleteID int64) error {
	b.log.Info("Starting backfill", "athlete_id", athleteID)
	return b.queue.EnqueueContinueBackfill(ctx, &types.ContinueBackfillPayload{
		AthleteID:      athleteID,
		NextPage:       1,
		AfterTimestamp: b.after,
	})
}

// ContinuePage fetches one page of the athlete's history, queues a
// process-activity task for each id not already in the processed set, and
// enqueues the next page task when the page came back full.
//
// The pending counter is incremented by the number of tasks queued here and
// reset to zero when the scan terminates; lost tasks or crashed pages can
// therefore never wedge the counter above zero forever.
func (b *Backfiller) ContinuePage(ctx context.Context, payload *types.ContinueBackfillPayload) error {
	if b.maxPages > 0 && payload.NextPage > b.maxPages {
		b.log.Error("Backfill page limit reached, stopping",
			"athlete_id", payload.AthleteID, "page", payload.NextPage, "max_pages", b.maxPages)
		b.resetPending(ctx, payload.AthleteID)
		return nil
	}

	b.log.Info("Continuing backfill",
		"athlete_id", payload.AthleteID, "page", payload.NextPage)

	token, err := b.tokens.AccessToken(ctx, payload.AthleteID)
	if err != nil {
		flagReauth(ctx, b.db, b.log, payload.AthleteID, err)
		return err
	}

	page, err := b.api.ListActivities(ctx, token, payload.AfterTimestamp, payload.NextPage, backfillPerPage)
	if err != nil {
		flagReauth(ctx, b.db, b.log, payload.AthleteID, err)
		return err
	}

	if len(page) == 0 {
		b.log.Info("Backfill complete, no more activities", "athlete_id", payload.AthleteID)
		b.resetPending(ctx, payload.AthleteID)
		return nil
	}

	queued := b.queueNewActivities(ctx, payload.AthleteID, page)

	if len(page) >= backfillPerPage {
		return b.queue.EnqueueContinueBackfill(ctx, &types.ContinueBackfillPayload{
			AthleteID:      payload.AthleteID,
			NextPage:       payload.NextPage + 1,
			AfterTimestamp: payload.AfterTimestamp,
		})
	}

	b.log.Info("Backfill scan completed",
		"athlete_id", payload.AthleteID, "page", payload.NextPage, "queued", queued)
	b.resetPending(ctx, payload.AthleteID)
	return nil
}

// resetPending zeroes the pending counter. Called at every scan terminus so
// counter drift from lost or failed tasks heals itself on the next scan.
func (b *Backfiller) resetPending(ctx context.Context, athleteID int64) {
	if err := b.db.ResetPendingCount(ctx, athleteID); err != nil {
		b.log.Warn("Failed to reset pending count", "athlete_id", athleteID, "error", err)
	}
}

// queueNewActivities enqueues a process-activity task for each id on the
// page not already processed, keeping the pending counter in step with the
// number actually queued.
func (b *Backfiller) queueNewActivities(ctx context.Context, athleteID int64, page []strava.ActivitySummary) int {
	stats, err := b.db.GetUserStats(ctx, athleteID)
	if err != nil {
		b.log.Warn("Failed to fetch stats for duplicate check",
			"athlete_id", athleteID, "error", err)
		stats = types.NewUserStats()
	}

	ids := make([]int64, 0, len(page))
	for _, a := range page {
		if !stats.HasProcessed(a.ID) {
			ids = append(ids, a.ID)
		}
	}
	if len(ids) == 0 {
		b.log.Info("All activities on page already processed", "athlete_id", athleteID)
		return 0
	}

	if err := b.db.AdjustPendingCount(ctx, athleteID, int64(len(ids))); err != nil {
		b.log.Warn("Failed to increment pending count", "athlete_id", athleteID, "error", err)
	}
	queued := b.queue.EnqueueBackfillBatch(ctx, athleteID, ids)
	if queued < len(ids) {
		// Release the slots of tasks that never made it onto the queue.
		if err := b.db.AdjustPendingCount(ctx, athleteID, int64(queued-len(ids))); err != nil {
			b.log.Warn("Failed to roll back pending count", "athlete_id", athleteID, "error", err)
		}
	}
	return queued
}
