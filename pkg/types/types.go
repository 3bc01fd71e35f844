// Package types holds the task payloads and Firestore record shapes shared
// across the ingestion pipeline.
package types

import "time"

// Task payload sources.
const (
	SourceWebhook     = "webhook"
	SourceBackfill    = "backfill"
	SourceUserRequest = "user_request"
)

// --- Task Payloads ---

// ProcessActivityPayload is the body of a process-activity task.
type ProcessActivityPayload struct {
	ActivityID int64  `json:"activity_id"`
	AthleteID  int64  `json:"athlete_id"`
	Source     string `json:"source"` // "webhook" or "backfill"
}

// ContinueBackfillPayload carries the cursor for the next backfill page.
// Each page task enqueues at most one successor, so Strava API calls are
// spread over time by the queue's rate limiting.
type ContinueBackfillPayload struct {
	AthleteID      int64 `json:"athlete_id"`
	NextPage       int   `json:"next_page"`
	AfterTimestamp int64 `json:"after_timestamp"` // Unix seconds, "activities after this date"
}

// DeleteUserPayload is the body of a delete-user task.
type DeleteUserPayload struct {
	AthleteID int64  `json:"athlete_id"`
	Source    string `json:"source"` // "webhook" or "user_request"
}

// DeleteActivityPayload is the body of a delete-activity task.
type DeleteActivityPayload struct {
	ActivityID int64  `json:"activity_id"`
	AthleteID  int64  `json:"athlete_id"`
	Source     string `json:"source"` // "webhook"
}

// --- Webhook ---

// WebhookEvent is the Strava webhook event envelope.
type WebhookEvent struct {
	ObjectType     string         `json:"object_type"` // "activity" or "athlete"
	ObjectID       int64          `json:"object_id"`
	AspectType     string         `json:"aspect_type"` // "create", "update", "delete"
	OwnerID        int64          `json:"owner_id"`
	SubscriptionID int64          `json:"subscription_id"`
	Updates        map[string]any `json:"updates,omitempty"`
}

// IsDeauthorization reports whether the event is an athlete deauthorization.
// Strava sends object_type="athlete", aspect_type="update",
// updates={"authorized": "false"}.
func (e *WebhookEvent) IsDeauthorization() bool {
	if e.ObjectType != "athlete" || e.AspectType != "update" {
		return false
	}
	v, ok := e.Updates["authorized"]
	if !ok {
		return false
	}
	return v == false || v == "false"
}

// --- Firestore Records ---

// User is the stored athlete profile.
type User struct {
	AthleteID      int64     `firestore:"strava_athlete_id" json:"strava_athlete_id"`
	FirstName      string    `firestore:"firstname" json:"firstname"`
	LastName       string    `firestore:"lastname" json:"lastname"`
	ProfilePicture string    `firestore:"profile_picture,omitempty" json:"profile_picture,omitempty"`
	NeedsReauth    bool      `firestore:"needs_reauth" json:"needs_reauth"`
	CreatedAt      time.Time `firestore:"created_at" json:"created_at"`
	LastActive     time.Time `firestore:"last_active" json:"last_active"`
}

// CredentialRecord holds a user's encrypted OAuth tokens. Ciphertexts are
// base64-encoded KMS output, bound to the athlete id via AAD. Only the vault
// ever sees the plaintext.
type CredentialRecord struct {
	AccessTokenEncrypted  string    `firestore:"access_token_encrypted" json:"access_token_encrypted"`
	RefreshTokenEncrypted string    `firestore:"refresh_token_encrypted" json:"refresh_token_encrypted"`
	ExpiresAt             time.Time `firestore:"expires_at" json:"expires_at"`
	Scopes                []string  `firestore:"scopes" json:"scopes"`
}

// Activity is a processed activity result. The Firestore document id is the
// Strava activity id, so redelivery of the same task overwrites rather than
// duplicates.
type Activity struct {
	ActivityID       int64     `firestore:"strava_activity_id" json:"strava_activity_id"`
	AthleteID        int64     `firestore:"athlete_id" json:"athlete_id"`
	Name             string    `firestore:"name" json:"name"`
	SportType        string    `firestore:"sport_type" json:"sport_type"`
	StartDate        time.Time `firestore:"start_date" json:"start_date"`
	DistanceMeters   float64   `firestore:"distance_meters" json:"distance_meters"`
	PreservesVisited []string  `firestore:"preserves_visited" json:"preserves_visited"`
	Source           string    `firestore:"source" json:"source"`
	DeviceName       string    `firestore:"device_name,omitempty" json:"device_name,omitempty"`
	AnnotationAdded  bool      `firestore:"annotation_added" json:"annotation_added"`
	ProcessedAt      time.Time `firestore:"processed_at" json:"processed_at"`
}

// ActivityPreserve is a join record (one per activity/preserve pair) kept for
// per-preserve queries without array-contains scans.
type ActivityPreserve struct {
	AthleteID    int64     `firestore:"athlete_id" json:"athlete_id"`
	ActivityID   int64     `firestore:"activity_id" json:"activity_id"`
	PreserveName string    `firestore:"preserve_name" json:"preserve_name"`
	StartDate    time.Time `firestore:"start_date" json:"start_date"`
	ActivityName string    `firestore:"activity_name" json:"activity_name"`
	SportType    string    `firestore:"sport_type" json:"sport_type"`
}

// UserStats is the per-user aggregate document, updated in the same
// transaction as activity writes. The processed-id set doubles as the
// idempotency ledger for task redelivery.
type UserStats struct {
	Preserves          map[string]int64     `firestore:"preserves" json:"preserves"`
	PreserveFirstVisit map[string]time.Time `firestore:"preserve_first_visit" json:"preserve_first_visit"`
	PreserveLastVisit  map[string]time.Time `firestore:"preserve_last_visit" json:"preserve_last_visit"`

	TotalActivities     int64   `firestore:"total_activities" json:"total_activities"`
	TotalDistanceMeters float64 `firestore:"total_distance_meters" json:"total_distance_meters"`

	ActivitiesBySport map[string]int64   `firestore:"activities_by_sport" json:"activities_by_sport"`
	DistanceBySport   map[string]float64 `firestore:"distance_by_sport" json:"distance_by_sport"`
	ActivitiesByMonth map[string]int64   `firestore:"activities_by_month" json:"activities_by_month"`
	ActivitiesByYear  map[string]int64   `firestore:"activities_by_year" json:"activities_by_year"`

	ProcessedActivityIDs []int64 `firestore:"processed_activity_ids" json:"processed_activity_ids"`
	PendingActivities    int64   `firestore:"pending_activities" json:"pending_activities"`

	UpdatedAt time.Time `firestore:"updated_at" json:"updated_at"`
}

// NewUserStats returns an empty stats document with maps allocated.
func NewUserStats() *UserStats {
	return &UserStats{
		Preserves:          map[string]int64{},
		PreserveFirstVisit: map[string]time.Time{},
		PreserveLastVisit:  map[string]time.Time{},
		ActivitiesBySport:  map[string]int64{},
		DistanceBySport:    map[string]float64{},
		ActivitiesByMonth:  map[string]int64{},
		ActivitiesByYear:   map[string]int64{},
	}
}

// ReleasePending releases one backfill slot from the pending counter. Only
// backfill-sourced activities were ever counted in, so webhook processing
// must not decrement; the counter never goes below zero.
func (s *UserStats) ReleasePending(source string) {
	if source == SourceBackfill && s.PendingActivities > 0 {
		s.PendingActivities--
	}
}

// HasProcessed reports whether the activity id is already in the
// processed set.
func (s *UserStats) HasProcessed(activityID int64) bool {
	for _, id := range s.ProcessedActivityIDs {
		if id == activityID {
			return true
		}
	}
	return false
}

// ApplyActivity folds an activity into the aggregates. It returns false
// without modifying anything if the activity was already processed.
func (s *UserStats) ApplyActivity(a *Activity, now time.Time) bool {
	if s.HasProcessed(a.ActivityID) {
		return false
	}
	s.ProcessedActivityIDs = append(s.ProcessedActivityIDs, a.ActivityID)
	s.UpdatedAt = now

	if s.Preserves == nil {
		s.Preserves = map[string]int64{}
	}
	if s.PreserveFirstVisit == nil {
		s.PreserveFirstVisit = map[string]time.Time{}
	}
	if s.PreserveLastVisit == nil {
		s.PreserveLastVisit = map[string]time.Time{}
	}
	for _, name := range a.PreservesVisited {
		s.Preserves[name]++
		if _, ok := s.PreserveFirstVisit[name]; !ok {
			s.PreserveFirstVisit[name] = a.StartDate
		}
		s.PreserveLastVisit[name] = a.StartDate
	}

	s.TotalActivities++
	s.TotalDistanceMeters += a.DistanceMeters

	if s.ActivitiesBySport == nil {
		s.ActivitiesBySport = map[string]int64{}
	}
	if s.DistanceBySport == nil {
		s.DistanceBySport = map[string]float64{}
	}
	s.ActivitiesBySport[a.SportType]++
	s.DistanceBySport[a.SportType] += a.DistanceMeters

	if s.ActivitiesByMonth == nil {
		s.ActivitiesByMonth = map[string]int64{}
	}
	if s.ActivitiesByYear == nil {
		s.ActivitiesByYear = map[string]int64{}
	}
	s.ActivitiesByMonth[a.StartDate.Format("2006-01")]++
	s.ActivitiesByYear[a.StartDate.Format("2006")]++

	return true
}
