// Package ingest turns queued task payloads into persisted activity results.
//
// The Processor handles one activity per task delivery; the Backfiller walks
// an athlete's history one page per task. Both are driven entirely by queue
// redelivery: a returned error means "retry me", a nil return means the task
// is finished, and definitive authorization failures are escalated to the
// user's needs_reauth flag instead of retrying forever.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	shared "github.com/rolandd/midpen-tracker/pkg"
	"github.com/rolandd/midpen-tracker/pkg/apperr"
	"github.com/rolandd/midpen-tracker/pkg/strava"
	"github.com/rolandd/midpen-tracker/pkg/types"
)

// annotationMarker detects activities that were already annotated, so
// redelivered tasks never stack a second annotation onto the description.
const annotationMarker = "🌲 Midpen Preserves:"

// TokenSource yields a usable plaintext access token for an athlete.
type TokenSource interface {
	AccessToken(ctx context.Context, athleteID int64) (string, error)
}

// ActivityAPI is the slice of the Strava client the pipeline calls.
type ActivityAPI interface {
	GetActivity(ctx context.Context, accessToken string, activityID int64) (*strava.Activity, error)
	ListActivities(ctx context.Context, accessToken string, after int64, page, perPage int) ([]strava.ActivitySummary, error)
	UpdateActivityDescription(ctx context.Context, accessToken string, activityID int64, description string) error
}

// Matcher answers which preserves an encoded polyline passes through.
type Matcher interface {
	MatchPolyline(encoded string) ([]string, error)
}

// Processor runs the per-activity pipeline: token, fetch, match, annotate,
// persist.
type Processor struct {
	db      shared.Database
	tokens  TokenSource
	api     ActivityAPI
	matcher Matcher
	log     *slog.Logger
}

func NewProcessor(db shared.Database, tokens TokenSource, api ActivityAPI, matcher Matcher) *Processor {
	return &Processor{
		db:      db,
		tokens:  tokens,
		api:     api,
		matcher: matcher,
		log:     slog.With("component", "ingest"),
	}
}

// ProcessResult reports what a processed task did.
type ProcessResult struct {
	ActivityID       int64
	PreservesVisited []string
	AnnotationAdded  bool
	Skipped          bool
}

// ProcessActivity fetches one activity, matches it against the preserve
// index, and persists the result. It is idempotent under redelivery: the
// activity id is the document id and the stats transaction skips ids already
// in the processed set.
//
// An activity that can no longer be fetched (deleted between event and
// processing) or that carries unparseable data is skipped, not retried;
// the backfill pending counter is still decremented so it cannot wedge.
func (p *Processor) ProcessActivity(ctx context.Context, athleteID, activityID int64, source string) (*ProcessResult, error) {
	p.log.Info("Processing activity",
		"athlete_id", athleteID, "activity_id", activityID, "source", source)

	token, err := p.tokens.AccessToken(ctx, athleteID)
	if err != nil {
		return nil, p.escalate(ctx, athleteID, err)
	}

	activity, err := p.api.GetActivity(ctx, token, activityID)
	if err != nil {
		if apperr.IsKind(err, apperr.NotFound) {
			p.log.Warn("Activity no longer exists, skipping",
				"athlete_id", athleteID, "activity_id", activityID)
			return p.skip(ctx, athleteID, activityID, source)
		}
		return nil, p.escalate(ctx, athleteID, err)
	}

	names := p.matchPreserves(activityID, activity)

	annotated, err := p.annotate(ctx, token, activityID, source, activity, names)
	if err != nil {
		return nil, err
	}

	startDate, err := time.Parse(time.RFC3339, activity.StartDate)
	if err != nil {
		p.log.Error("Activity has unparseable start date, skipping",
			"athlete_id", athleteID, "activity_id", activityID,
			"start_date", activity.StartDate, "error", err)
		return p.skip(ctx, athleteID, activityID, source)
	}

	record := &types.Activity{
		ActivityID:       activityID,
		AthleteID:        athleteID,
		Name:             activity.Name,
		SportType:        activity.SportType,
		StartDate:        startDate.UTC(),
		DistanceMeters:   activity.Distance,
		PreservesVisited: names,
		Source:           source,
		DeviceName:       activity.DeviceName,
		AnnotationAdded:  annotated,
		ProcessedAt:      time.Now().UTC(),
	}

	wasNew, err := p.db.SaveActivityResult(ctx, record)
	if err != nil {
		return nil, err
	}
	if wasNew {
		p.log.Info("Activity processed",
			"athlete_id", athleteID, "activity_id", activityID, "preserves", names)
	} else {
		p.log.Debug("Activity already processed, idempotent skip",
			"athlete_id", athleteID, "activity_id", activityID)
	}

	return &ProcessResult{
		ActivityID:       activityID,
		PreservesVisited: names,
		AnnotationAdded:  annotated,
	}, nil
}

// matchPreserves returns the matched preserve names. Activities without a
// GPS track and polylines that fail to decode produce an empty match, never
// a task failure.
func (p *Processor) matchPreserves(activityID int64, activity *strava.Activity) []string {
	encoded := activity.Polyline()
	if encoded == "" {
		p.log.Info("Activity has no GPS track", "activity_id", activityID)
		return []string{}
	}
	names, err := p.matcher.MatchPolyline(encoded)
	if err != nil {
		p.log.Warn("Polyline failed to decode, recording no matches",
			"activity_id", activityID, "error", err)
		return []string{}
	}
	return names
}

// annotate appends the preserve list to the activity description on Strava.
// Only webhook-sourced activities are annotated, and only once. Retryable
// failures propagate so the queue redelivers before anything is persisted;
// anything else is cosmetic and logged.
func (p *Processor) annotate(ctx context.Context, token string, activityID int64, source string, activity *strava.Activity, names []string) (bool, error) {
	if len(names) == 0 || source != types.SourceWebhook ||
		strings.Contains(activity.Description, annotationMarker) {
		return false, nil
	}

	description := appendAnnotation(activity.Description, buildAnnotation(names))
	if err := p.api.UpdateActivityDescription(ctx, token, activityID, description); err != nil {
		if apperr.IsKind(err, apperr.RateLimited) || apperr.IsKind(err, apperr.Transient) {
			return false, err
		}
		p.log.Warn("Failed to annotate activity",
			"activity_id", activityID, "error", err)
		return false, nil
	}
	return true, nil
}

// skip records a contained per-activity failure as done. Backfill tasks
// still release their slot in the pending counter.
func (p *Processor) skip(ctx context.Context, athleteID, activityID int64, source string) (*ProcessResult, error) {
	if source == types.SourceBackfill {
		if err := p.db.AdjustPendingCount(ctx, athleteID, -1); err != nil {
			p.log.Warn("Failed to decrement pending count for skipped activity",
				"athlete_id", athleteID, "error", err)
		}
	}
	return &ProcessResult{ActivityID: activityID, Skipped: true}, nil
}

// escalate flags the user for re-authorization when the error is a
// definitive grant rejection. The error itself always propagates.
func (p *Processor) escalate(ctx context.Context, athleteID int64, err error) error {
	flagReauth(ctx, p.db, p.log, athleteID, err)
	return err
}

func flagReauth(ctx context.Context, db shared.Database, log *slog.Logger, athleteID int64, err error) {
	if !apperr.IsKind(err, apperr.AuthorizationRevoked) {
		return
	}
	if uerr := db.UpdateUser(ctx, athleteID, map[string]interface{}{"needs_reauth": true}); uerr != nil {
		log.Warn("Failed to flag user for re-auth", "athlete_id", athleteID, "error", uerr)
		return
	}
	log.Info("User flagged for re-auth", "athlete_id", athleteID)
}

func buildAnnotation(names []string) string {
	var b strings.Builder
	b.WriteString(annotationMarker)
	for _, name := range names {
		b.WriteString("\n  ")
		b.WriteString(name)
	}
	return b.String()
}

func appendAnnotation(existing, annotation string) string {
	if existing == "" {
		return annotation
	}
	return fmt.Sprintf("%s\n\n%s", existing, annotation)
}
