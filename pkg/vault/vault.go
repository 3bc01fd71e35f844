// Package vault manages per-athlete OAuth credentials.
//
// Plaintext tokens exist only here: encrypted records live in Firestore,
// decrypted access tokens live in a per-process cache. Refreshes are
// serialized per athlete so a burst of concurrent task callbacks produces at
// most one Strava refresh call, and a refresh-token rotation by another
// process is recovered by re-reading the store.
package vault

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	shared "github.com/rolandd/midpen-tracker/pkg"
	"github.com/rolandd/midpen-tracker/pkg/apperr"
	"github.com/rolandd/midpen-tracker/pkg/strava"
	"github.com/rolandd/midpen-tracker/pkg/types"
)

// RefreshMargin is how long before expiry a token is treated as expired.
// Tokens are refreshed proactively so an in-flight Strava call never races
// the expiry.
const RefreshMargin = 5 * time.Minute

// TokenRefresher exchanges a refresh token for a new token pair.
type TokenRefresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (*strava.TokenResponse, error)
}

type cachedToken struct {
	accessToken string
	expiresAt   time.Time
}

// valid reports whether the token will outlive the refresh margin.
func (c cachedToken) valid(now time.Time) bool {
	return now.Add(RefreshMargin).Before(c.expiresAt)
}

type athleteLock struct {
	mu   sync.Mutex
	refs int
}

// Vault is the credential store. One instance per process, shared across
// all request handlers.
type Vault struct {
	db        shared.Database
	keys      shared.KeyManager
	refresher TokenRefresher

	cacheMu sync.RWMutex
	cache   map[int64]cachedToken

	locksMu sync.Mutex
	locks   map[int64]*athleteLock
}

func New(db shared.Database, keys shared.KeyManager, refresher TokenRefresher) *Vault {
	return &Vault{
		db:        db,
		keys:      keys,
		refresher: refresher,
		cache:     map[int64]cachedToken{},
		locks:     map[int64]*athleteLock{},
	}
}

// lockFor returns the athlete's refresh lock, creating it on demand. The
// refcount lets release delete the entry once the last waiter is done, so
// the registry does not grow with every athlete ever seen.
func (v *Vault) lockFor(athleteID int64) *athleteLock {
	v.locksMu.Lock()
	defer v.locksMu.Unlock()
	l := v.locks[athleteID]
	if l == nil {
		l = &athleteLock{}
		v.locks[athleteID] = l
	}
	l.refs++
	return l
}

func (v *Vault) release(athleteID int64, l *athleteLock) {
	v.locksMu.Lock()
	defer v.locksMu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(v.locks, athleteID)
	}
}

func (v *Vault) cached(athleteID int64, now time.Time) (string, bool) {
	v.cacheMu.RLock()
	defer v.cacheMu.RUnlock()
	c, ok := v.cache[athleteID]
	if !ok || !c.valid(now) {
		return "", false
	}
	return c.accessToken, true
}

func (v *Vault) store(athleteID int64, accessToken string, expiresAt time.Time) {
	v.cacheMu.Lock()
	defer v.cacheMu.Unlock()
	v.cache[athleteID] = cachedToken{accessToken: accessToken, expiresAt: expiresAt}
}

// Invalidate drops the cached token for an athlete. Called when Strava
// rejects a token that looked valid by timestamp.
func (v *Vault) Invalidate(athleteID int64) {
	v.cacheMu.Lock()
	defer v.cacheMu.Unlock()
	delete(v.cache, athleteID)
}

// AccessToken returns a valid access token for the athlete, refreshing with
// Strava when the stored token is inside the refresh margin.
func (v *Vault) AccessToken(ctx context.Context, athleteID int64) (string, error) {
	// Fast path: no lock, no I/O.
	if token, ok := v.cached(athleteID, time.Now()); ok {
		return token, nil
	}

	lock := v.lockFor(athleteID)
	defer v.release(athleteID, lock)
	lock.mu.Lock()
	defer lock.mu.Unlock()

	// Another waiter may have refreshed while we queued for the lock.
	if token, ok := v.cached(athleteID, time.Now()); ok {
		return token, nil
	}

	record, err := v.db.GetCredentials(ctx, athleteID)
	if err != nil {
		if apperr.IsKind(err, apperr.NotFound) {
			return "", apperr.Wrap(apperr.AuthorizationRevoked, "no stored credentials", err)
		}
		return "", err
	}

	// Decrypt lazily: the refresh token is only needed if the access token
	// is stale, and each decrypt is a KMS round trip.
	accessToken, err := v.keys.Decrypt(ctx, record.AccessTokenEncrypted, athleteID)
	if err != nil {
		return "", apperr.Wrap(apperr.Transient, "decrypt access token", err)
	}

	now := time.Now()
	if now.Add(RefreshMargin).Before(record.ExpiresAt) {
		v.store(athleteID, accessToken, record.ExpiresAt)
		return accessToken, nil
	}

	slog.Info("Access token expired, refreshing", "component", "vault", "athlete_id", athleteID)

	refreshToken, err := v.keys.Decrypt(ctx, record.RefreshTokenEncrypted, athleteID)
	if err != nil {
		return "", apperr.Wrap(apperr.Transient, "decrypt refresh token", err)
	}

	fresh, err := v.refresher.RefreshToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, strava.ErrInvalidGrant) {
			// Another process rotated the refresh token first. The winner
			// already persisted the new pair, so adopt theirs.
			slog.Info("Refresh token race detected, adopting winner's tokens",
				"component", "vault", "athlete_id", athleteID)
			return v.adoptStoredToken(ctx, athleteID)
		}
		if apperr.IsKind(err, apperr.Transient) || apperr.IsKind(err, apperr.RateLimited) {
			return "", err
		}
		return "", apperr.Wrap(apperr.AuthorizationRevoked, "token refresh failed", err)
	}

	if err := v.persist(ctx, athleteID, fresh, record.Scopes); err != nil {
		return "", err
	}

	expiresAt := time.Unix(fresh.ExpiresAt, 0).UTC()
	v.store(athleteID, fresh.AccessToken, expiresAt)
	slog.Info("Token refreshed and cached", "component", "vault", "athlete_id", athleteID)
	return fresh.AccessToken, nil
}

// adoptStoredToken re-reads credentials after losing a cross-process refresh
// race and caches the winner's access token.
func (v *Vault) adoptStoredToken(ctx context.Context, athleteID int64) (string, error) {
	record, err := v.db.GetCredentials(ctx, athleteID)
	if err != nil {
		if apperr.IsKind(err, apperr.NotFound) {
			// The grant really is gone: invalid_grant and no replacement
			// record means the user deauthorized.
			return "", apperr.Wrap(apperr.AuthorizationRevoked, "credentials gone after invalid_grant", err)
		}
		return "", err
	}

	accessToken, err := v.keys.Decrypt(ctx, record.AccessTokenEncrypted, athleteID)
	if err != nil {
		return "", apperr.Wrap(apperr.Transient, "decrypt access token", err)
	}

	v.store(athleteID, accessToken, record.ExpiresAt)
	return accessToken, nil
}

func (v *Vault) persist(ctx context.Context, athleteID int64, fresh *strava.TokenResponse, scopes []string) error {
	encAccess, err := v.keys.Encrypt(ctx, fresh.AccessToken, athleteID)
	if err != nil {
		return apperr.Wrap(apperr.Transient, "encrypt access token", err)
	}
	encRefresh, err := v.keys.Encrypt(ctx, fresh.RefreshToken, athleteID)
	if err != nil {
		return apperr.Wrap(apperr.Transient, "encrypt refresh token", err)
	}

	return v.db.SetCredentials(ctx, athleteID, &types.CredentialRecord{
		AccessTokenEncrypted:  encAccess,
		RefreshTokenEncrypted: encRefresh,
		ExpiresAt:             time.Unix(fresh.ExpiresAt, 0).UTC(),
		Scopes:                scopes,
	})
}

// StoreTokens encrypts and persists a freshly issued token pair, then primes
// the cache. Used by the OAuth callback.
func (v *Vault) StoreTokens(ctx context.Context, athleteID int64, tokens *strava.TokenResponse, scopes []string) error {
	if err := v.persist(ctx, athleteID, tokens, scopes); err != nil {
		return err
	}
	v.store(athleteID, tokens.AccessToken, time.Unix(tokens.ExpiresAt, 0).UTC())
	return nil
}

// RevokeLocalTokens deletes the stored credentials and returns a usable
// access token for a final deauthorize call. The delete happens first so
// concurrent tasks stop getting tokens for this athlete. Returns ok=false
// when no credentials exist or they cannot be decrypted; deletion of the
// account proceeds without deauthorization in that case.
func (v *Vault) RevokeLocalTokens(ctx context.Context, athleteID int64) (token string, ok bool, err error) {
	record, err := v.db.GetCredentials(ctx, athleteID)
	if err != nil {
		if apperr.IsKind(err, apperr.NotFound) {
			return "", false, nil
		}
		return "", false, err
	}

	if err := v.db.DeleteCredentials(ctx, athleteID); err != nil {
		return "", false, err
	}
	v.Invalidate(athleteID)

	accessToken, err := v.keys.Decrypt(ctx, record.AccessTokenEncrypted, athleteID)
	if err != nil {
		slog.Warn("Failed to decrypt tokens, skipping deauth",
			"component", "vault", "athlete_id", athleteID, "error", err)
		return "", false, nil
	}

	if time.Now().Add(RefreshMargin).Before(record.ExpiresAt) {
		return accessToken, true, nil
	}

	// Expired during deletion. Refresh in memory only; the record is gone
	// and must stay gone.
	refreshToken, err := v.keys.Decrypt(ctx, record.RefreshTokenEncrypted, athleteID)
	if err != nil {
		slog.Warn("Failed to decrypt refresh token for deauth, using stale access token",
			"component", "vault", "athlete_id", athleteID, "error", err)
		return accessToken, true, nil
	}
	fresh, err := v.refresher.RefreshToken(ctx, refreshToken)
	if err != nil {
		slog.Warn("Failed to refresh token for deauth, using stale access token",
			"component", "vault", "athlete_id", athleteID, "error", err)
		return accessToken, true, nil
	}
	return fresh.AccessToken, true, nil
}
