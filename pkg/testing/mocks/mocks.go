// Package mocks provides hand-rolled test doubles for the shared interfaces.
// Set only the function fields a test cares about; unset fields return
// benign defaults.
package mocks

import (
	"context"
	"fmt"

	"github.com/rolandd/midpen-tracker/pkg/strava"
	"github.com/rolandd/midpen-tracker/pkg/types"
)

// --- Mock Database ---

type MockDatabase struct {
	GetUserFunc    func(ctx context.Context, athleteID int64) (*types.User, error)
	UpdateUserFunc func(ctx context.Context, athleteID int64, data map[string]interface{}) error

	GetCredentialsFunc    func(ctx context.Context, athleteID int64) (*types.CredentialRecord, error)
	SetCredentialsFunc    func(ctx context.Context, athleteID int64, record *types.CredentialRecord) error
	DeleteCredentialsFunc func(ctx context.Context, athleteID int64) error

	SaveActivityResultFunc func(ctx context.Context, activity *types.Activity) (bool, error)
	DeleteActivityFunc     func(ctx context.Context, athleteID int64, activityID int64) error

	GetUserStatsFunc       func(ctx context.Context, athleteID int64) (*types.UserStats, error)
	AdjustPendingCountFunc func(ctx context.Context, athleteID int64, delta int64) error
	ResetPendingCountFunc  func(ctx context.Context, athleteID int64) error

	DeleteUserDataFunc func(ctx context.Context, athleteID int64) error
}

func (m *MockDatabase) GetUser(ctx context.Context, athleteID int64) (*types.User, error) {
	if m.GetUserFunc != nil {
		return m.GetUserFunc(ctx, athleteID)
	}
	return &types.User{AthleteID: athleteID}, nil
}

func (m *MockDatabase) UpdateUser(ctx context.Context, athleteID int64, data map[string]interface{}) error {
	if m.UpdateUserFunc != nil {
		return m.UpdateUserFunc(ctx, athleteID, data)
	}
	return nil
}

func (m *MockDatabase) GetCredentials(ctx context.Context, athleteID int64) (*types.CredentialRecord, error) {
	if m.GetCredentialsFunc != nil {
		return m.GetCredentialsFunc(ctx, athleteID)
	}
	return nil, fmt.Errorf("credentials not found")
}

func (m *MockDatabase) SetCredentials(ctx context.Context, athleteID int64, record *types.CredentialRecord) error {
	if m.SetCredentialsFunc != nil {
		return m.SetCredentialsFunc(ctx, athleteID, record)
	}
	return nil
}

func (m *MockDatabase) DeleteCredentials(ctx context.Context, athleteID int64) error {
	if m.DeleteCredentialsFunc != nil {
		return m.DeleteCredentialsFunc(ctx, athleteID)
	}
	return nil
}

func (m *MockDatabase) SaveActivityResult(ctx context.Context, activity *types.Activity) (bool, error) {
	if m.SaveActivityResultFunc != nil {
		return m.SaveActivityResultFunc(ctx, activity)
	}
	return true, nil
}

func (m *MockDatabase) DeleteActivity(ctx context.Context, athleteID int64, activityID int64) error {
	if m.DeleteActivityFunc != nil {
		return m.DeleteActivityFunc(ctx, athleteID, activityID)
	}
	return nil
}

func (m *MockDatabase) GetUserStats(ctx context.Context, athleteID int64) (*types.UserStats, error) {
	if m.GetUserStatsFunc != nil {
		return m.GetUserStatsFunc(ctx, athleteID)
	}
	return types.NewUserStats(), nil
}

func (m *MockDatabase) AdjustPendingCount(ctx context.Context, athleteID int64, delta int64) error {
	if m.AdjustPendingCountFunc != nil {
		return m.AdjustPendingCountFunc(ctx, athleteID, delta)
	}
	return nil
}

func (m *MockDatabase) ResetPendingCount(ctx context.Context, athleteID int64) error {
	if m.ResetPendingCountFunc != nil {
		return m.ResetPendingCountFunc(ctx, athleteID)
	}
	return nil
}

func (m *MockDatabase) DeleteUserData(ctx context.Context, athleteID int64) error {
	if m.DeleteUserDataFunc != nil {
		return m.DeleteUserDataFunc(ctx, athleteID)
	}
	return nil
}

// --- Mock Task Queue ---

type MockTaskQueue struct {
	EnqueueProcessActivityFunc  func(ctx context.Context, payload *types.ProcessActivityPayload) error
	EnqueueContinueBackfillFunc func(ctx context.Context, payload *types.ContinueBackfillPayload) error
	EnqueueDeleteUserFunc       func(ctx context.Context, payload *types.DeleteUserPayload) error
	EnqueueDeleteActivityFunc   func(ctx context.Context, payload *types.DeleteActivityPayload) error
	EnqueueBackfillBatchFunc    func(ctx context.Context, athleteID int64, activityIDs []int64) int
}

func (m *MockTaskQueue) EnqueueProcessActivity(ctx context.Context, payload *types.ProcessActivityPayload) error {
	if m.EnqueueProcessActivityFunc != nil {
		return m.EnqueueProcessActivityFunc(ctx, payload)
	}
	return nil
}

func (m *MockTaskQueue) EnqueueContinueBackfill(ctx context.Context, payload *types.ContinueBackfillPayload) error {
	if m.EnqueueContinueBackfillFunc != nil {
		return m.EnqueueContinueBackfillFunc(ctx, payload)
	}
	return nil
}

func (m *MockTaskQueue) EnqueueDeleteUser(ctx context.Context, payload *types.DeleteUserPayload) error {
	if m.EnqueueDeleteUserFunc != nil {
		return m.EnqueueDeleteUserFunc(ctx, payload)
	}
	return nil
}

func (m *MockTaskQueue) EnqueueDeleteActivity(ctx context.Context, payload *types.DeleteActivityPayload) error {
	if m.EnqueueDeleteActivityFunc != nil {
		return m.EnqueueDeleteActivityFunc(ctx, payload)
	}
	return nil
}

func (m *MockTaskQueue) EnqueueBackfillBatch(ctx context.Context, athleteID int64, activityIDs []int64) int {
	if m.EnqueueBackfillBatchFunc != nil {
		return m.EnqueueBackfillBatchFunc(ctx, athleteID, activityIDs)
	}
	return len(activityIDs)
}

// --- Mock Key Manager ---

// MockKeyManager reverses strings by default so encrypted and plaintext
// values are distinguishable in assertions without real crypto.
type MockKeyManager struct {
	EncryptFunc func(ctx context.Context, plaintext string, athleteID int64) (string, error)
	DecryptFunc func(ctx context.Context, ciphertext string, athleteID int64) (string, error)
}

func reverse(s string) string {
	b := []byte(s)
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return string(b)
}

func (m *MockKeyManager) Encrypt(ctx context.Context, plaintext string, athleteID int64) (string, error) {
	if m.EncryptFunc != nil {
		return m.EncryptFunc(ctx, plaintext, athleteID)
	}
	return reverse(plaintext), nil
}

func (m *MockKeyManager) Decrypt(ctx context.Context, ciphertext string, athleteID int64) (string, error) {
	if m.DecryptFunc != nil {
		return m.DecryptFunc(ctx, ciphertext, athleteID)
	}
	return reverse(ciphertext), nil
}

// --- Mock Token Source ---

type MockTokenSource struct {
	AccessTokenFunc func(ctx context.Context, athleteID int64) (string, error)
}

func (m *MockTokenSource) AccessToken(ctx context.Context, athleteID int64) (string, error) {
	if m.AccessTokenFunc != nil {
		return m.AccessTokenFunc(ctx, athleteID)
	}
	return "test-access-token", nil
}

// --- Mock Activity API ---

type MockActivityAPI struct {
	GetActivityFunc               func(ctx context.Context, accessToken string, activityID int64) (*strava.Activity, error)
	ListActivitiesFunc            func(ctx context.Context, accessToken string, after int64, page, perPage int) ([]strava.ActivitySummary, error)
	UpdateActivityDescriptionFunc func(ctx context.Context, accessToken string, activityID int64, description string) error
}

func (m *MockActivityAPI) GetActivity(ctx context.Context, accessToken string, activityID int64) (*strava.Activity, error) {
	if m.GetActivityFunc != nil {
		return m.GetActivityFunc(ctx, accessToken, activityID)
	}
	return nil, fmt.Errorf("activity fetch not configured")
}

func (m *MockActivityAPI) ListActivities(ctx context.Context, accessToken string, after int64, page, perPage int) ([]strava.ActivitySummary, error) {
	if m.ListActivitiesFunc != nil {
		return m.ListActivitiesFunc(ctx, accessToken, after, page, perPage)
	}
	return nil, nil
}

func (m *MockActivityAPI) UpdateActivityDescription(ctx context.Context, accessToken string, activityID int64, description string) error {
	if m.UpdateActivityDescriptionFunc != nil {
		return m.UpdateActivityDescriptionFunc(ctx, accessToken, activityID, description)
	}
	return nil
}

// --- Mock Token Refresher ---

type MockRefresher struct {
	RefreshTokenFunc func(ctx context.Context, refreshToken string) (*strava.TokenResponse, error)
}

func (m *MockRefresher) RefreshToken(ctx context.Context, refreshToken string) (*strava.TokenResponse, error) {
	if m.RefreshTokenFunc != nil {
		return m.RefreshTokenFunc(ctx, refreshToken)
	}
	return nil, fmt.Errorf("refresh not configured")
}
