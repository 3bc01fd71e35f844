// Package database implements shared.Database on Firestore.
package database

import (
	"context"
	"log/slog"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	shared "github.com/rolandd/midpen-tracker/pkg"
	"github.com/rolandd/midpen-tracker/pkg/apperr"
	storage "github.com/rolandd/midpen-tracker/pkg/storage/firestore"
	"github.com/rolandd/midpen-tracker/pkg/types"
)

// Firestore caps a single commit at 500 writes; stay under it.
const deleteBatchSize = 400

// FirestoreAdapter provides database operations using Firestore.
// It wraps our typed storage client.
type FirestoreAdapter struct {
	Client  *firestore.Client
	storage *storage.Client
}

func NewFirestoreAdapter(client *firestore.Client) *FirestoreAdapter {
	return &FirestoreAdapter{
		Client:  client,
		storage: storage.NewClient(client),
	}
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

// --- Users ---

func (a *FirestoreAdapter) GetUser(ctx context.Context, athleteID int64) (*types.User, error) {
	user, err := a.storage.Users().Doc(storage.AthleteDocID(athleteID)).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, apperr.Newf(apperr.NotFound, "user %d not found", athleteID)
		}
		return nil, apperr.Wrap(apperr.Transient, "get user", err)
	}
	return user, nil
}

func (a *FirestoreAdapter) UpdateUser(ctx context.Context, athleteID int64, data map[string]interface{}) error {
	err := a.storage.Users().Doc(storage.AthleteDocID(athleteID)).Update(ctx, data)
	if err != nil {
		return apperr.Wrap(apperr.Transient, "update user", err)
	}
	return nil
}

// --- Credentials ---

func (a *FirestoreAdapter) GetCredentials(ctx context.Context, athleteID int64) (*types.CredentialRecord, error) {
	record, err := a.storage.Tokens().Doc(storage.AthleteDocID(athleteID)).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, apperr.Newf(apperr.NotFound, "credentials for athlete %d not found", athleteID)
		}
		return nil, apperr.Wrap(apperr.Transient, "get credentials", err)
	}
	return record, nil
}

func (a *FirestoreAdapter) SetCredentials(ctx context.Context, athleteID int64, record *types.CredentialRecord) error {
	err := a.storage.Tokens().Doc(storage.AthleteDocID(athleteID)).Set(ctx, record)
	if err != nil {
		return apperr.Wrap(apperr.Transient, "set credentials", err)
	}
	return nil
}

func (a *FirestoreAdapter) DeleteCredentials(ctx context.Context, athleteID int64) error {
	err := a.storage.Tokens().Doc(storage.AthleteDocID(athleteID)).Delete(ctx)
	if err != nil {
		return apperr.Wrap(apperr.Transient, "delete credentials", err)
	}
	return nil
}

// --- Activities ---

// SaveActivityResult writes the activity, its preserve join records, and the
// stats update in a single transaction. RunTransaction retries on contention
// with fresh reads, so concurrent task callbacks cannot lose updates.
//
// The pending counter is decremented for backfill-sourced activities whether
// or not the activity is new: the task that carried it is done either way.
func (a *FirestoreAdapter) SaveActivityResult(ctx context.Context, activity *types.Activity) (bool, error) {
	// The user may have been deleted while this task sat in the queue. Skip
	// the write rather than resurrect data for a deleted account.
	if _, err := a.GetUser(ctx, activity.AthleteID); err != nil {
		if apperr.IsKind(err, apperr.NotFound) {
			slog.Warn("User not found, skipping activity write",
				"component", "database",
				"athlete_id", activity.AthleteID,
				"activity_id", activity.ActivityID)
			return false, nil
		}
		return false, err
	}

	statsRef := a.storage.UserStats().Doc(storage.AthleteDocID(activity.AthleteID)).Ref
	activityRef := a.storage.Activities().Doc(storage.ActivityDocID(activity.ActivityID)).Ref

	wasNew := false
	err := a.Client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		stats := types.NewUserStats()
		snap, err := tx.Get(statsRef)
		if err != nil && !isNotFound(err) {
			return err
		}
		if err == nil {
			if err := snap.DataTo(stats); err != nil {
				return err
			}
		}

		stats.ReleasePending(activity.Source)

		wasNew = stats.ApplyActivity(activity, time.Now().UTC())
		if !wasNew {
			// Already processed; only the pending counter changed.
			return tx.Set(statsRef, stats)
		}

		if err := tx.Set(activityRef, activity); err != nil {
			return err
		}
		for _, name := range activity.PreservesVisited {
			join := &types.ActivityPreserve{
				AthleteID:    activity.AthleteID,
				ActivityID:   activity.ActivityID,
				PreserveName: name,
				StartDate:    activity.StartDate,
				ActivityName: activity.Name,
				SportType:    activity.SportType,
			}
			ref := a.storage.ActivityPreserves().Doc(storage.ActivityPreserveDocID(activity.ActivityID, name)).Ref
			if err := tx.Set(ref, join); err != nil {
				return err
			}
		}
		return tx.Set(statsRef, stats)
	})
	if err != nil {
		return false, apperr.Wrap(apperr.Transient, "save activity result", err)
	}

	if wasNew {
		slog.Info("Activity processed atomically",
			"component", "database",
			"athlete_id", activity.AthleteID,
			"activity_id", activity.ActivityID,
			"preserves_count", len(activity.PreservesVisited))
	} else {
		slog.Debug("Activity already processed, idempotent skip",
			"component", "database",
			"athlete_id", activity.AthleteID,
			"activity_id", activity.ActivityID)
	}
	return wasNew, nil
}

// DeleteActivity removes the activity document and its join records, then
// rebuilds the user's stats from the remaining activities. Recomputation is
// expensive but deletes are rare, and it cannot drift the way decrementing
// counters can.
func (a *FirestoreAdapter) DeleteActivity(ctx context.Context, athleteID int64, activityID int64) error {
	if err := a.storage.Activities().Doc(storage.ActivityDocID(activityID)).Delete(ctx); err != nil {
		return apperr.Wrap(apperr.Transient, "delete activity", err)
	}

	joinDocs, err := a.storage.ActivityPreserves().Ref.
		Where("activity_id", "==", activityID).
		Documents(ctx).GetAll()
	if err != nil {
		return apperr.Wrap(apperr.Transient, "query activity joins", err)
	}
	for _, doc := range joinDocs {
		if _, err := doc.Ref.Delete(ctx); err != nil {
			return apperr.Wrap(apperr.Transient, "delete activity join", err)
		}
	}

	activityDocs, err := a.storage.Activities().Ref.
		Where("athlete_id", "==", athleteID).
		Documents(ctx).GetAll()
	if err != nil {
		return apperr.Wrap(apperr.Transient, "query activities for recompute", err)
	}

	stats := types.NewUserStats()
	now := time.Now().UTC()
	for _, doc := range activityDocs {
		var activity types.Activity
		if err := doc.DataTo(&activity); err != nil {
			return apperr.Wrap(apperr.Transient, "decode activity", err)
		}
		stats.ApplyActivity(&activity, now)
	}
	stats.UpdatedAt = now

	if err := a.storage.UserStats().Doc(storage.AthleteDocID(athleteID)).Set(ctx, stats); err != nil {
		return apperr.Wrap(apperr.Transient, "rewrite user stats", err)
	}
	return nil
}

// --- Stats ---

func (a *FirestoreAdapter) GetUserStats(ctx context.Context, athleteID int64) (*types.UserStats, error) {
	stats, err := a.storage.UserStats().Doc(storage.AthleteDocID(athleteID)).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return types.NewUserStats(), nil
		}
		return nil, apperr.Wrap(apperr.Transient, "get user stats", err)
	}
	return stats, nil
}

// withStatsTransaction runs a read-modify-write of the stats document.
func (a *FirestoreAdapter) withStatsTransaction(ctx context.Context, athleteID int64, f func(*types.UserStats)) error {
	statsRef := a.storage.UserStats().Doc(storage.AthleteDocID(athleteID)).Ref
	return a.Client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		stats := types.NewUserStats()
		snap, err := tx.Get(statsRef)
		if err != nil && !isNotFound(err) {
			return err
		}
		if err == nil {
			if err := snap.DataTo(stats); err != nil {
				return err
			}
		}
		f(stats)
		stats.UpdatedAt = time.Now().UTC()
		return tx.Set(statsRef, stats)
	})
}

// AdjustPendingCount atomically adds delta to the pending counter, clamping
// at zero. Concurrent callbacks race on this document, hence the
// transaction.
func (a *FirestoreAdapter) AdjustPendingCount(ctx context.Context, athleteID int64, delta int64) error {
	err := a.withStatsTransaction(ctx, athleteID, func(stats *types.UserStats) {
		next := stats.PendingActivities + delta
		if next < 0 {
			next = 0
		}
		stats.PendingActivities = next
	})
	if err != nil {
		return apperr.Wrap(apperr.Transient, "adjust pending count", err)
	}
	return nil
}

// ResetPendingCount zeroes the pending counter. Called at the end of a
// backfill scan so a lost decrement cannot leave the counter stuck.
func (a *FirestoreAdapter) ResetPendingCount(ctx context.Context, athleteID int64) error {
	err := a.withStatsTransaction(ctx, athleteID, func(stats *types.UserStats) {
		stats.PendingActivities = 0
	})
	if err != nil {
		return apperr.Wrap(apperr.Transient, "reset pending count", err)
	}
	return nil
}

// --- User Data Deletion ---

// DeleteUserData removes everything keyed to the athlete: join records,
// activities, stats, and the profile. Tokens are deleted separately by the
// caller, which needs them for deauthorization first.
func (a *FirestoreAdapter) DeleteUserData(ctx context.Context, athleteID int64) error {
	deleted := 0

	joinCount, err := a.deleteByQuery(ctx,
		a.storage.ActivityPreserves().Ref.Where("athlete_id", "==", athleteID))
	if err != nil {
		return apperr.Wrap(apperr.Transient, "delete activity joins", err)
	}
	deleted += joinCount

	activityCount, err := a.deleteByQuery(ctx,
		a.storage.Activities().Ref.Where("athlete_id", "==", athleteID))
	if err != nil {
		return apperr.Wrap(apperr.Transient, "delete activities", err)
	}
	deleted += activityCount

	if err := a.storage.UserStats().Doc(storage.AthleteDocID(athleteID)).Delete(ctx); err != nil {
		return apperr.Wrap(apperr.Transient, "delete user stats", err)
	}
	deleted++

	if err := a.storage.Users().Doc(storage.AthleteDocID(athleteID)).Delete(ctx); err != nil {
		return apperr.Wrap(apperr.Transient, "delete user profile", err)
	}
	deleted++

	slog.Info("User data deletion complete",
		"component", "database", "athlete_id", athleteID, "deleted_count", deleted)
	return nil
}

// deleteByQuery deletes all documents matching q in batches.
func (a *FirestoreAdapter) deleteByQuery(ctx context.Context, q firestore.Query) (int, error) {
	docs, err := q.Documents(ctx).GetAll()
	if err != nil {
		return 0, err
	}

	for i := 0; i < len(docs); i += deleteBatchSize {
		end := i + deleteBatchSize
		if end > len(docs) {
			end = len(docs)
		}
		bw := a.Client.BulkWriter(ctx)
		for _, doc := range docs[i:end] {
			if _, err := bw.Delete(doc.Ref); err != nil {
				return 0, err
			}
		}
		bw.End()
	}
	return len(docs), nil
}

var _ shared.Database = (*FirestoreAdapter)(nil)
