package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rolandd/midpen-tracker/pkg/apperr"
	"github.com/rolandd/midpen-tracker/pkg/strava"
	"github.com/rolandd/midpen-tracker/pkg/testing/mocks"
	"github.com/rolandd/midpen-tracker/pkg/types"
)

const athleteID = int64(42)

// enc matches the MockKeyManager default, which reverses strings.
func enc(s string) string {
	b := []byte(s)
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return string(b)
}

func validRecord(token string) *types.CredentialRecord {
	return &types.CredentialRecord{
		AccessTokenEncrypted:  enc(token),
		RefreshTokenEncrypted: enc("refresh-" + token),
		ExpiresAt:             time.Now().Add(2 * time.Hour),
		Scopes:                []string{"activity:read_all"},
	}
}

func expiredRecord(token string) *types.CredentialRecord {
	r := validRecord(token)
	r.ExpiresAt = time.Now().Add(1 * time.Minute) // inside the refresh margin
	return r
}

func TestAccessToken_CachesAfterFirstRead(t *testing.T) {
	var reads atomic.Int32
	db := &mocks.MockDatabase{
		GetCredentialsFunc: func(ctx context.Context, id int64) (*types.CredentialRecord, error) {
			reads.Add(1)
			return validRecord("tok-1"), nil
		},
	}
	v := New(db, &mocks.MockKeyManager{}, &mocks.MockRefresher{})

	for i := 0; i < 3; i++ {
		token, err := v.AccessToken(context.Background(), athleteID)
		require.NoError(t, err)
		assert.Equal(t, "tok-1", token)
	}
	assert.Equal(t, int32(1), reads.Load(), "only the first call should hit the store")
}

func TestAccessToken_SingleRefreshUnderConcurrency(t *testing.T) {
	var refreshes atomic.Int32
	db := &mocks.MockDatabase{
		GetCredentialsFunc: func(ctx context.Context, id int64) (*types.CredentialRecord, error) {
			return expiredRecord("stale"), nil
		},
	}
	refresher := &mocks.MockRefresher{
		RefreshTokenFunc: func(ctx context.Context, rt string) (*strava.TokenResponse, error) {
			refreshes.Add(1)
			time.Sleep(10 * time.Millisecond) // widen the race window
			return &strava.TokenResponse{
				AccessToken:  "fresh",
				RefreshToken: "fresh-refresh",
				ExpiresAt:    time.Now().Add(6 * time.Hour).Unix(),
			}, nil
		},
	}
	v := New(db, &mocks.MockKeyManager{}, refresher)

	const callers = 25
	tokens := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token, err := v.AccessToken(context.Background(), athleteID)
			require.NoError(t, err)
			tokens[i] = token
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), refreshes.Load(), "concurrent callers must share one refresh")
	for _, token := range tokens {
		assert.Equal(t, "fresh", token)
	}
}

func TestAccessToken_InvalidGrantAdoptsWinnerTokens(t *testing.T) {
	var reads atomic.Int32
	db := &mocks.MockDatabase{
		GetCredentialsFunc: func(ctx context.Context, id int64) (*types.CredentialRecord, error) {
			if reads.Add(1) == 1 {
				return expiredRecord("loser"), nil
			}
			// Second read sees the record the winning process persisted.
			return validRecord("winner"), nil
		},
	}
	refresher := &mocks.MockRefresher{
		RefreshTokenFunc: func(ctx context.Context, rt string) (*strava.TokenResponse, error) {
			return nil, fmt.Errorf("refresh rejected: %w", strava.ErrInvalidGrant)
		},
	}
	v := New(db, &mocks.MockKeyManager{}, refresher)

	token, err := v.AccessToken(context.Background(), athleteID)
	require.NoError(t, err)
	assert.Equal(t, "winner", token)
	assert.Equal(t, int32(2), reads.Load())
}

func TestAccessToken_InvalidGrantWithDeletedRecordIsRevoked(t *testing.T) {
	var reads atomic.Int32
	db := &mocks.MockDatabase{
		GetCredentialsFunc: func(ctx context.Context, id int64) (*types.CredentialRecord, error) {
			if reads.Add(1) == 1 {
				return expiredRecord("stale"), nil
			}
			return nil, apperr.New(apperr.NotFound, "credentials not found")
		},
	}
	refresher := &mocks.MockRefresher{
		RefreshTokenFunc: func(ctx context.Context, rt string) (*strava.TokenResponse, error) {
			return nil, fmt.Errorf("refresh rejected: %w", strava.ErrInvalidGrant)
		},
	}
	v := New(db, &mocks.MockKeyManager{}, refresher)

	_, err := v.AccessToken(context.Background(), athleteID)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.AuthorizationRevoked))
}

func TestAccessToken_RefreshFailureIsRevoked(t *testing.T) {
	db := &mocks.MockDatabase{
		GetCredentialsFunc: func(ctx context.Context, id int64) (*types.CredentialRecord, error) {
			return expiredRecord("stale"), nil
		},
	}
	refresher := &mocks.MockRefresher{
		RefreshTokenFunc: func(ctx context.Context, rt string) (*strava.TokenResponse, error) {
			return nil, errors.New("bad request")
		},
	}
	v := New(db, &mocks.MockKeyManager{}, refresher)

	_, err := v.AccessToken(context.Background(), athleteID)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.AuthorizationRevoked))
}

func TestAccessToken_TransientRefreshFailureStaysTransient(t *testing.T) {
	db := &mocks.MockDatabase{
		GetCredentialsFunc: func(ctx context.Context, id int64) (*types.CredentialRecord, error) {
			return expiredRecord("stale"), nil
		},
	}
	refresher := &mocks.MockRefresher{
		RefreshTokenFunc: func(ctx context.Context, rt string) (*strava.TokenResponse, error) {
			return nil, apperr.New(apperr.Transient, "connection reset")
		},
	}
	v := New(db, &mocks.MockKeyManager{}, refresher)

	_, err := v.AccessToken(context.Background(), athleteID)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.Transient),
		"a network failure must stay retryable, not brand the user revoked")
}

func TestAccessToken_MissingCredentialsIsRevoked(t *testing.T) {
	db := &mocks.MockDatabase{
		GetCredentialsFunc: func(ctx context.Context, id int64) (*types.CredentialRecord, error) {
			return nil, apperr.New(apperr.NotFound, "credentials not found")
		},
	}
	v := New(db, &mocks.MockKeyManager{}, &mocks.MockRefresher{})

	_, err := v.AccessToken(context.Background(), athleteID)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.AuthorizationRevoked))
}

func TestAccessToken_RefreshPersistsNewRecord(t *testing.T) {
	var saved *types.CredentialRecord
	db := &mocks.MockDatabase{
		GetCredentialsFunc: func(ctx context.Context, id int64) (*types.CredentialRecord, error) {
			return expiredRecord("stale"), nil
		},
		SetCredentialsFunc: func(ctx context.Context, id int64, record *types.CredentialRecord) error {
			saved = record
			return nil
		},
	}
	refresher := &mocks.MockRefresher{
		RefreshTokenFunc: func(ctx context.Context, rt string) (*strava.TokenResponse, error) {
			assert.Equal(t, "refresh-stale", rt)
			return &strava.TokenResponse{
				AccessToken:  "fresh",
				RefreshToken: "fresh-refresh",
				ExpiresAt:    time.Now().Add(6 * time.Hour).Unix(),
			}, nil
		},
	}
	v := New(db, &mocks.MockKeyManager{}, refresher)

	token, err := v.AccessToken(context.Background(), athleteID)
	require.NoError(t, err)
	assert.Equal(t, "fresh", token)

	require.NotNil(t, saved, "refreshed tokens must be persisted")
	assert.Equal(t, enc("fresh"), saved.AccessTokenEncrypted)
	assert.Equal(t, enc("fresh-refresh"), saved.RefreshTokenEncrypted)
	assert.Equal(t, []string{"activity:read_all"}, saved.Scopes)
}

func TestStoreTokens_PersistsEncryptedAndPrimesCache(t *testing.T) {
	var saved *types.CredentialRecord
	var reads atomic.Int32
	db := &mocks.MockDatabase{
		GetCredentialsFunc: func(ctx context.Context, id int64) (*types.CredentialRecord, error) {
			reads.Add(1)
			return nil, apperr.New(apperr.NotFound, "credentials not found")
		},
		SetCredentialsFunc: func(ctx context.Context, id int64, record *types.CredentialRecord) error {
			saved = record
			return nil
		},
	}
	v := New(db, &mocks.MockKeyManager{}, &mocks.MockRefresher{})

	expiresAt := time.Now().Add(6 * time.Hour)
	err := v.StoreTokens(context.Background(), athleteID, &strava.TokenResponse{
		AccessToken:  "brand-new",
		RefreshToken: "brand-new-refresh",
		ExpiresAt:    expiresAt.Unix(),
	}, []string{"activity:read_all", "activity:write"})
	require.NoError(t, err)

	require.NotNil(t, saved, "freshly issued tokens must be persisted")
	assert.Equal(t, enc("brand-new"), saved.AccessTokenEncrypted)
	assert.Equal(t, enc("brand-new-refresh"), saved.RefreshTokenEncrypted)
	assert.Equal(t, expiresAt.Unix(), saved.ExpiresAt.Unix())
	assert.Equal(t, []string{"activity:read_all", "activity:write"}, saved.Scopes)

	token, err := v.AccessToken(context.Background(), athleteID)
	require.NoError(t, err)
	assert.Equal(t, "brand-new", token)
	assert.Equal(t, int32(0), reads.Load(), "the primed cache must serve without a store read")
}

func TestLockRegistry_ShrinksWhenIdle(t *testing.T) {
	db := &mocks.MockDatabase{
		GetCredentialsFunc: func(ctx context.Context, id int64) (*types.CredentialRecord, error) {
			return validRecord("tok"), nil
		},
	}
	v := New(db, &mocks.MockKeyManager{}, &mocks.MockRefresher{})

	for id := int64(1); id <= 10; id++ {
		_, err := v.AccessToken(context.Background(), id)
		require.NoError(t, err)
	}

	v.locksMu.Lock()
	defer v.locksMu.Unlock()
	assert.Empty(t, v.locks, "lock registry must not retain idle athletes")
}

func TestRevokeLocalTokens_DeletesBeforeReturning(t *testing.T) {
	var deleted atomic.Bool
	db := &mocks.MockDatabase{
		GetCredentialsFunc: func(ctx context.Context, id int64) (*types.CredentialRecord, error) {
			return validRecord("tok"), nil
		},
		DeleteCredentialsFunc: func(ctx context.Context, id int64) error {
			deleted.Store(true)
			return nil
		},
	}
	v := New(db, &mocks.MockKeyManager{}, &mocks.MockRefresher{})

	token, ok, err := v.RevokeLocalTokens(context.Background(), athleteID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "tok", token)
	assert.True(t, deleted.Load())
}

func TestRevokeLocalTokens_RefreshesExpiredInMemoryOnly(t *testing.T) {
	var persisted atomic.Bool
	db := &mocks.MockDatabase{
		GetCredentialsFunc: func(ctx context.Context, id int64) (*types.CredentialRecord, error) {
			return expiredRecord("stale"), nil
		},
		SetCredentialsFunc: func(ctx context.Context, id int64, record *types.CredentialRecord) error {
			persisted.Store(true)
			return nil
		},
	}
	refresher := &mocks.MockRefresher{
		RefreshTokenFunc: func(ctx context.Context, rt string) (*strava.TokenResponse, error) {
			return &strava.TokenResponse{
				AccessToken:  "fresh",
				RefreshToken: "fresh-refresh",
				ExpiresAt:    time.Now().Add(6 * time.Hour).Unix(),
			}, nil
		},
	}
	v := New(db, &mocks.MockKeyManager{}, refresher)

	token, ok, err := v.RevokeLocalTokens(context.Background(), athleteID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "fresh", token)
	assert.False(t, persisted.Load(), "deleted credentials must not be re-persisted")
}

func TestRevokeLocalTokens_NoCredentials(t *testing.T) {
	db := &mocks.MockDatabase{
		GetCredentialsFunc: func(ctx context.Context, id int64) (*types.CredentialRecord, error) {
			return nil, apperr.New(apperr.NotFound, "credentials not found")
		},
	}
	v := New(db, &mocks.MockKeyManager{}, &mocks.MockRefresher{})

	_, ok, err := v.RevokeLocalTokens(context.Background(), athleteID)
	require.NoError(t, err)
	assert.False(t, ok)
}
