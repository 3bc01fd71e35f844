package oidc

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rolandd/midpen-tracker/pkg/apperr"
)

const (
	testProject = "midpen-tracker"
	testAPIURL  = "https://api.example.com"
	testEmail   = "midpen-tracker-api@midpen-tracker.iam.gserviceaccount.com"
)

type testSigner struct {
	key *rsa.PrivateKey
	kid string
}

func newTestSigner(t *testing.T, kid string) *testSigner {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return &testSigner{key: key, kid: kid}
}

func (s *testSigner) jwk() map[string]string {
	return map[string]string{
		"kid": s.kid,
		"kty": "RSA",
		"alg": "RS256",
		"use": "sig",
		"n":   base64.RawURLEncoding.EncodeToString(s.key.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(s.key.E)).Bytes()),
	}
}

func (s *testSigner) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.kid
	signed, err := token.SignedString(s.key)
	require.NoError(t, err)
	return signed
}

func validClaims() jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":            "https://accounts.google.com",
		"aud":            testAPIURL,
		"sub":            "1234567890",
		"exp":            now.Add(time.Hour).Unix(),
		"iat":            now.Unix(),
		"email":          testEmail,
		"email_verified": true,
	}
}

// jwksServer serves the given signers' public keys and counts fetches.
type jwksServer struct {
	srv     *httptest.Server
	signers atomic.Pointer[[]*testSigner]
	fetches atomic.Int32
	failing atomic.Bool
	maxAge  string
}

func newJWKSServer(maxAge string, signers ...*testSigner) *jwksServer {
	j := &jwksServer{maxAge: maxAge}
	j.signers.Store(&signers)
	j.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		j.fetches.Add(1)
		if j.failing.Load() {
			http.Error(w, "upstream error", http.StatusInternalServerError)
			return
		}
		var keys []map[string]string
		for _, s := range *j.signers.Load() {
			keys = append(keys, s.jwk())
		}
		if j.maxAge != "" {
			w.Header().Set("Cache-Control", "public, max-age="+j.maxAge)
		}
		json.NewEncoder(w).Encode(map[string]any{"keys": keys})
	}))
	return j
}

func newTestVerifier(j *jwksServer) *Verifier {
	v := New(testAPIURL, testProject)
	// Point discovery at an address that fails fast so the fallback JWKS
	// URL is used.
	v.DiscoveryURL = "http://127.0.0.1:0/.well-known/openid-configuration"
	v.FallbackJWKSURL = j.srv.URL
	return v
}

func TestVerify_ValidToken(t *testing.T) {
	signer := newTestSigner(t, "kid-1")
	j := newJWKSServer("3600", signer)
	defer j.srv.Close()
	v := newTestVerifier(j)

	token := signer.sign(t, validClaims())
	principal, err := v.Verify(context.Background(), "Bearer "+token)
	require.NoError(t, err)
	assert.Equal(t, testEmail, principal.Email)
	assert.Equal(t, "1234567890", principal.Subject)
	assert.Equal(t, testAPIURL, principal.Audience)
}

func TestVerify_SecondIssuerForm(t *testing.T) {
	signer := newTestSigner(t, "kid-1")
	j := newJWKSServer("3600", signer)
	defer j.srv.Close()
	v := newTestVerifier(j)

	claims := validClaims()
	claims["iss"] = "accounts.google.com"
	_, err := v.Verify(context.Background(), "Bearer "+signer.sign(t, claims))
	require.NoError(t, err)
}

func TestVerify_TrailingSlashAudience(t *testing.T) {
	signer := newTestSigner(t, "kid-1")
	j := newJWKSServer("3600", signer)
	defer j.srv.Close()

	// Deploy config often carries a trailing slash; tokens never do.
	v := New(testAPIURL+"/", testProject)
	v.DiscoveryURL = "http://127.0.0.1:0/x"
	v.FallbackJWKSURL = j.srv.URL

	_, err := v.Verify(context.Background(), "Bearer "+signer.sign(t, validClaims()))
	require.NoError(t, err)

	// The comparison is against the canonical form only: an aud that itself
	// carries the slash does not match it.
	claims := validClaims()
	claims["aud"] = testAPIURL + "/"
	_, err = v.Verify(context.Background(), "Bearer "+signer.sign(t, claims))
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.Forbidden))
}

func TestVerify_WrongAudience(t *testing.T) {
	signer := newTestSigner(t, "kid-1")
	j := newJWKSServer("3600", signer)
	defer j.srv.Close()
	v := newTestVerifier(j)

	claims := validClaims()
	claims["aud"] = "https://other.example.com"
	_, err := v.Verify(context.Background(), "Bearer "+signer.sign(t, claims))
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.Forbidden))
}

func TestVerify_WrongServiceAccount(t *testing.T) {
	signer := newTestSigner(t, "kid-1")
	j := newJWKSServer("3600", signer)
	defer j.srv.Close()
	v := newTestVerifier(j)

	claims := validClaims()
	claims["email"] = "attacker@midpen-tracker.iam.gserviceaccount.com"
	_, err := v.Verify(context.Background(), "Bearer "+signer.sign(t, claims))
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.Forbidden))
}

func TestVerify_EmailVerifiedStrict(t *testing.T) {
	signer := newTestSigner(t, "kid-1")
	j := newJWKSServer("3600", signer)
	defer j.srv.Close()
	v := newTestVerifier(j)

	claims := validClaims()
	claims["email_verified"] = false
	_, err := v.Verify(context.Background(), "Bearer "+signer.sign(t, claims))
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.Forbidden))

	delete(claims, "email_verified")
	_, err = v.Verify(context.Background(), "Bearer "+signer.sign(t, claims))
	require.Error(t, err, "absent email_verified must be rejected, not treated as true")
	assert.True(t, apperr.IsKind(err, apperr.Forbidden))
}

func TestVerify_RejectsNonRS256(t *testing.T) {
	signer := newTestSigner(t, "kid-1")
	j := newJWKSServer("3600", signer)
	defer j.srv.Close()
	v := newTestVerifier(j)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims())
	token.Header["kid"] = "kid-1"
	signed, err := token.SignedString([]byte("shared-secret"))
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), "Bearer "+signed)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.Forbidden))
}

func TestVerify_ExpiredToken(t *testing.T) {
	signer := newTestSigner(t, "kid-1")
	j := newJWKSServer("3600", signer)
	defer j.srv.Close()
	v := newTestVerifier(j)

	claims := validClaims()
	claims["exp"] = time.Now().Add(-10 * time.Minute).Unix()
	_, err := v.Verify(context.Background(), "Bearer "+signer.sign(t, claims))
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.Forbidden))
}

func TestVerify_ExpiryWithinLeewayAccepted(t *testing.T) {
	signer := newTestSigner(t, "kid-1")
	j := newJWKSServer("3600", signer)
	defer j.srv.Close()
	v := newTestVerifier(j)

	claims := validClaims()
	claims["exp"] = time.Now().Add(-30 * time.Second).Unix()
	_, err := v.Verify(context.Background(), "Bearer "+signer.sign(t, claims))
	require.NoError(t, err, "30s stale exp is inside the 60s clock skew allowance")
}

func TestVerify_FutureIat(t *testing.T) {
	signer := newTestSigner(t, "kid-1")
	j := newJWKSServer("3600", signer)
	defer j.srv.Close()
	v := newTestVerifier(j)

	claims := validClaims()
	claims["iat"] = time.Now().Add(10 * time.Minute).Unix()
	_, err := v.Verify(context.Background(), "Bearer "+signer.sign(t, claims))
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.Forbidden))
}

func TestVerify_KeyRotationTriggersForcedRefresh(t *testing.T) {
	oldSigner := newTestSigner(t, "kid-old")
	newSigner := newTestSigner(t, "kid-new")

	j := newJWKSServer("3600", oldSigner)
	defer j.srv.Close()
	v := newTestVerifier(j)

	// Warm the cache with the old key.
	_, err := v.Verify(context.Background(), "Bearer "+oldSigner.sign(t, validClaims()))
	require.NoError(t, err)

	// Rotate keys server-side. The cache is still fresh, so only the
	// forced refresh can see the new kid.
	rotated := []*testSigner{oldSigner, newSigner}
	j.signers.Store(&rotated)

	_, err = v.Verify(context.Background(), "Bearer "+newSigner.sign(t, validClaims()))
	require.NoError(t, err)
}

func TestVerify_UnknownKidAfterRefreshIsForbidden(t *testing.T) {
	signer := newTestSigner(t, "kid-1")
	stranger := newTestSigner(t, "kid-unknown")
	j := newJWKSServer("3600", signer)
	defer j.srv.Close()
	v := newTestVerifier(j)

	_, err := v.Verify(context.Background(), "Bearer "+stranger.sign(t, validClaims()))
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.Forbidden))
}

func TestVerify_JWKSFetchFailureIsTransient(t *testing.T) {
	signer := newTestSigner(t, "kid-1")
	j := newJWKSServer("3600", signer)
	defer j.srv.Close()
	j.failing.Store(true)
	v := newTestVerifier(j)

	_, err := v.Verify(context.Background(), "Bearer "+signer.sign(t, validClaims()))
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.Transient),
		"an unreachable JWKS endpoint must map to a retryable failure")
}

func TestVerify_StaleKeyUsedWhenFetchFails(t *testing.T) {
	signer := newTestSigner(t, "kid-1")
	j := newJWKSServer("0", signer) // cache expires immediately
	defer j.srv.Close()
	v := newTestVerifier(j)

	_, err := v.Verify(context.Background(), "Bearer "+signer.sign(t, validClaims()))
	require.NoError(t, err)

	// Endpoint goes down; the expired cache entry still holds the key.
	j.failing.Store(true)
	_, err = v.Verify(context.Background(), "Bearer "+signer.sign(t, validClaims()))
	require.NoError(t, err, "stale cached keys keep deliveries flowing through an outage")
}

func TestVerify_CachedKeyAvoidsRefetch(t *testing.T) {
	signer := newTestSigner(t, "kid-1")
	j := newJWKSServer("3600", signer)
	defer j.srv.Close()
	v := newTestVerifier(j)

	for i := 0; i < 5; i++ {
		_, err := v.Verify(context.Background(), "Bearer "+signer.sign(t, validClaims()))
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), j.fetches.Load())
}

func TestVerify_DiscoveryResolvesJWKSURI(t *testing.T) {
	signer := newTestSigner(t, "kid-1")
	j := newJWKSServer("3600", signer)
	defer j.srv.Close()

	discovery := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"jwks_uri": %q}`, j.srv.URL)
	}))
	defer discovery.Close()

	v := New(testAPIURL, testProject)
	v.DiscoveryURL = discovery.URL
	v.FallbackJWKSURL = "http://127.0.0.1:0/unused"

	_, err := v.Verify(context.Background(), "Bearer "+signer.sign(t, validClaims()))
	require.NoError(t, err)
}

func TestExtractBearerToken(t *testing.T) {
	_, err := extractBearerToken("")
	assert.True(t, apperr.IsKind(err, apperr.Forbidden))

	_, err = extractBearerToken("Basic abc")
	assert.True(t, apperr.IsKind(err, apperr.Forbidden))

	_, err = extractBearerToken("Bearer ")
	assert.True(t, apperr.IsKind(err, apperr.Forbidden))

	token, err := extractBearerToken("Bearer abc.def.ghi")
	require.NoError(t, err)
	assert.Equal(t, "abc.def.ghi", token)
}

func TestCacheTTLFromHeader(t *testing.T) {
	def := 5 * time.Minute
	assert.Equal(t, time.Hour, cacheTTLFromHeader("public, max-age=3600", def))
	assert.Equal(t, time.Minute, cacheTTLFromHeader("max-age=60", def))
	assert.Equal(t, 2*time.Minute, cacheTTLFromHeader(`max-age="120"`, def))
	assert.Equal(t, def, cacheTTLFromHeader("public, immutable", def))
	assert.Equal(t, def, cacheTTLFromHeader("max-age=abc", def))
	assert.Equal(t, def, cacheTTLFromHeader("", def))
}
