package shared

import (
	"context"

	"github.com/rolandd/midpen-tracker/pkg/types"
)

// --- Persistence Interfaces ---

type Database interface {
	// Users
	GetUser(ctx context.Context, athleteID int64) (*types.User, error)
	UpdateUser(ctx context.Context, athleteID int64, data map[string]interface{}) error

	// Credentials
	GetCredentials(ctx context.Context, athleteID int64) (*types.CredentialRecord, error)
	SetCredentials(ctx context.Context, athleteID int64, record *types.CredentialRecord) error
	DeleteCredentials(ctx context.Context, athleteID int64) error

	// Activities
	// SaveActivityResult writes the activity document, its per-preserve join
	// records, and the user-stats aggregates in one transaction. Activities
	// already in the processed set leave the aggregates untouched. It reports
	// whether the stats were updated.
	SaveActivityResult(ctx context.Context, activity *types.Activity) (bool, error)
	DeleteActivity(ctx context.Context, athleteID int64, activityID int64) error

	// Stats
	GetUserStats(ctx context.Context, athleteID int64) (*types.UserStats, error)
	AdjustPendingCount(ctx context.Context, athleteID int64, delta int64) error
	ResetPendingCount(ctx context.Context, athleteID int64) error

	// GDPR-style removal of everything keyed to the athlete.
	DeleteUserData(ctx context.Context, athleteID int64) error
}

// --- Task Queue Interfaces ---

type TaskQueue interface {
	EnqueueProcessActivity(ctx context.Context, payload *types.ProcessActivityPayload) error
	EnqueueContinueBackfill(ctx context.Context, payload *types.ContinueBackfillPayload) error
	EnqueueDeleteUser(ctx context.Context, payload *types.DeleteUserPayload) error
	EnqueueDeleteActivity(ctx context.Context, payload *types.DeleteActivityPayload) error
	// EnqueueBackfillBatch enqueues a process-activity task per id with
	// bounded concurrency. It returns the number successfully enqueued;
	// individual failures are logged, not fatal.
	EnqueueBackfillBatch(ctx context.Context, athleteID int64, activityIDs []int64) int
}

// --- Crypto Interfaces ---

// KeyManager encrypts and decrypts token material. Ciphertexts are opaque
// base64 strings bound to a per-athlete AAD context.
type KeyManager interface {
	Encrypt(ctx context.Context, plaintext string, athleteID int64) (string, error)
	Decrypt(ctx context.Context, ciphertext string, athleteID int64) (string, error)
}
