// Package oidc verifies Google-issued OIDC ID tokens on Cloud Tasks
// callbacks.
//
// Verification failures split into two kinds: Forbidden (the token or its
// claims are wrong, the delivery must be dropped) and Transient (key fetch
// infrastructure failed, the delivery may be retried). Keys are cached per
// the JWKS endpoint's Cache-Control header and refreshed through a
// singleflight group so a burst of callbacks costs one fetch.
package oidc

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/sync/singleflight"

	"github.com/rolandd/midpen-tracker/pkg/apperr"
)

const (
	defaultDiscoveryURL = "https://accounts.google.com/.well-known/openid-configuration"
	defaultJWKSURL      = "https://www.googleapis.com/oauth2/v3/certs"
	defaultHTTPTimeout  = 5 * time.Second
	defaultCacheTTL     = 5 * time.Minute
	clockSkew           = 60 * time.Second
)

var allowedIssuers = []string{"https://accounts.google.com", "accounts.google.com"}

// Principal identifies a verified Cloud Tasks caller.
type Principal struct {
	Email    string
	Subject  string
	Audience string
}

type discoveryEntry struct {
	jwksURI   string
	expiresAt time.Time
}

type jwksEntry struct {
	keysByKid map[string]*rsa.PublicKey
	expiresAt time.Time
}

// Verifier checks Cloud Tasks OIDC bearer tokens.
type Verifier struct {
	HTTP *http.Client
	// DiscoveryURL and FallbackJWKSURL are overridable for tests.
	DiscoveryURL    string
	FallbackJWKSURL string

	expectedAudience string
	expectedEmail    string

	mu        sync.RWMutex
	discovery *discoveryEntry
	jwks      *jwksEntry

	group singleflight.Group
}

// New builds a verifier for the given service URL and GCP project. The
// audience is the service URL with any trailing slash removed; tokens carry
// the canonical form.
func New(apiURL, projectID string) *Verifier {
	v := &Verifier{
		HTTP:             &http.Client{Timeout: defaultHTTPTimeout},
		DiscoveryURL:     defaultDiscoveryURL,
		FallbackJWKSURL:  defaultJWKSURL,
		expectedAudience: canonicalizeAudience(apiURL),
		expectedEmail:    fmt.Sprintf("midpen-tracker-api@%s.iam.gserviceaccount.com", projectID),
	}
	slog.Info("Initialized Cloud Tasks OIDC verifier",
		"component", "oidc",
		"expected_audience", v.expectedAudience,
		"expected_service_account_email", v.expectedEmail)
	return v
}

func canonicalizeAudience(audience string) string {
	return strings.TrimRight(audience, "/")
}

// idTokenClaims validates exp/nbf itself so clock skew leeway applies;
// jwt/v4's RegisteredClaims validator has no leeway hook.
type idTokenClaims struct {
	Issuer        string `json:"iss"`
	Audience      string `json:"aud"`
	Subject       string `json:"sub"`
	ExpiresAt     int64  `json:"exp"`
	IssuedAt      *int64 `json:"iat"`
	NotBefore     *int64 `json:"nbf"`
	Email         string `json:"email"`
	EmailVerified *bool  `json:"email_verified"`
}

func (c *idTokenClaims) Valid() error {
	now := time.Now()
	if c.ExpiresAt == 0 {
		return fmt.Errorf("missing exp claim")
	}
	if now.Add(-clockSkew).After(time.Unix(c.ExpiresAt, 0)) {
		return fmt.Errorf("token is expired")
	}
	if c.NotBefore != nil && time.Unix(*c.NotBefore, 0).After(now.Add(clockSkew)) {
		return fmt.Errorf("token is not valid yet")
	}
	return nil
}

// Verify checks an Authorization header value and returns the verified
// principal. Errors are Forbidden unless key retrieval failed, which is
// Transient.
func (v *Verifier) Verify(ctx context.Context, authHeader string) (*Principal, error) {
	tokenString, err := extractBearerToken(authHeader)
	if err != nil {
		return nil, err
	}

	claims := &idTokenClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{"RS256"}))
	_, err = parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, apperr.New(apperr.Forbidden, "missing JWT kid")
		}
		return v.keyForKid(ctx, kid)
	})
	if err != nil {
		// A key-fetch failure inside the keyfunc must stay retryable.
		if apperr.IsKind(err, apperr.Transient) {
			return nil, err
		}
		return nil, apperr.Wrap(apperr.Forbidden, "JWT validation failed", err)
	}

	slog.Info("Cloud Tasks OIDC claims",
		"component", "oidc",
		"email", claims.Email,
		"subject", claims.Subject,
		"audience", claims.Audience,
		"issuer", claims.Issuer)

	if !issuerAllowed(claims.Issuer) {
		return nil, apperr.Newf(apperr.Forbidden, "unexpected issuer: %s", claims.Issuer)
	}
	if claims.Audience != v.expectedAudience {
		return nil, apperr.Newf(apperr.Forbidden, "unexpected audience: %s", claims.Audience)
	}
	if claims.Subject == "" {
		return nil, apperr.New(apperr.Forbidden, "missing sub claim")
	}
	if claims.IssuedAt == nil {
		return nil, apperr.New(apperr.Forbidden, "missing iat claim")
	}
	if time.Unix(*claims.IssuedAt, 0).After(time.Now().Add(clockSkew)) {
		return nil, apperr.New(apperr.Forbidden, "iat claim is in the future")
	}
	if claims.Email == "" {
		return nil, apperr.New(apperr.Forbidden, "missing email claim")
	}
	if claims.Email != v.expectedEmail {
		return nil, apperr.Newf(apperr.Forbidden, "unexpected service account email: %s", claims.Email)
	}
	// email_verified must be present and true. Absent is treated as
	// unverified, not as a benign omission.
	if claims.EmailVerified == nil {
		return nil, apperr.New(apperr.Forbidden, "email_verified claim is missing")
	}
	if !*claims.EmailVerified {
		return nil, apperr.New(apperr.Forbidden, "email_verified claim is false")
	}

	return &Principal{
		Email:    claims.Email,
		Subject:  claims.Subject,
		Audience: claims.Audience,
	}, nil
}

func issuerAllowed(iss string) bool {
	for _, allowed := range allowedIssuers {
		if iss == allowed {
			return true
		}
	}
	return false
}

func extractBearerToken(authHeader string) (string, error) {
	if authHeader == "" {
		return "", apperr.New(apperr.Forbidden, "missing Authorization header")
	}
	token, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return "", apperr.New(apperr.Forbidden, "Authorization header must be Bearer token")
	}
	if token == "" {
		return "", apperr.New(apperr.Forbidden, "Bearer token is empty")
	}
	return token, nil
}

// keyForKid returns the RSA key for a kid, refreshing the JWKS cache at most
// twice: once for an ordinary expiry and once forced, to pick up a key
// rotation that happened inside the cache TTL.
func (v *Verifier) keyForKid(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if key := v.lookupCachedKey(kid, false); key != nil {
		return key, nil
	}

	for _, force := range []bool{false, true} {
		if err := v.refreshJWKS(ctx, force); err != nil {
			// Degrade to a stale cached key rather than fail the
			// delivery when Google's endpoints are unreachable.
			if key := v.lookupCachedKey(kid, true); key != nil {
				slog.Warn("JWKS refresh failed, using stale cached key",
					"component", "oidc", "kid", kid, "error", err)
				return key, nil
			}
			return nil, err
		}
		if key := v.lookupCachedKey(kid, false); key != nil {
			return key, nil
		}
	}

	return nil, apperr.Newf(apperr.Forbidden, "JWT kid not found in JWKS after refresh: %s", kid)
}

func (v *Verifier) lookupCachedKey(kid string, allowStale bool) *rsa.PublicKey {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.jwks == nil {
		return nil
	}
	if !allowStale && time.Now().After(v.jwks.expiresAt) {
		return nil
	}
	return v.jwks.keysByKid[kid]
}

func (v *Verifier) refreshJWKS(ctx context.Context, force bool) error {
	key := "refresh"
	if force {
		key = "refresh-forced"
	}
	_, err, _ := v.group.Do(key, func() (interface{}, error) {
		if !force {
			v.mu.RLock()
			fresh := v.jwks != nil && time.Now().Before(v.jwks.expiresAt)
			v.mu.RUnlock()
			if fresh {
				return nil, nil
			}
		}
		return nil, v.fetchJWKS(ctx, force)
	})
	return err
}

func (v *Verifier) fetchJWKS(ctx context.Context, forceDiscovery bool) error {
	jwksURI := v.resolveJWKSURI(ctx, forceDiscovery)

	slog.Debug("Refreshing Google JWKS cache", "component", "oidc", "jwks_uri", jwksURI)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURI, nil)
	if err != nil {
		return apperr.Wrap(apperr.Transient, "build JWKS request", err)
	}
	resp, err := v.HTTP.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.Transient, "JWKS request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apperr.Newf(apperr.Transient, "JWKS request returned status %d", resp.StatusCode)
	}

	ttl := cacheTTLFromHeader(resp.Header.Get("Cache-Control"), defaultCacheTTL)

	var jwks struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			Alg string `json:"alg"`
			Use string `json:"use"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return apperr.Wrap(apperr.Transient, "invalid JWKS JSON", err)
	}

	keysByKid := map[string]*rsa.PublicKey{}
	for _, jwk := range jwks.Keys {
		if jwk.Kty != "RSA" || strings.TrimSpace(jwk.Kid) == "" {
			continue
		}
		if jwk.Alg != "" && jwk.Alg != "RS256" {
			continue
		}
		if jwk.Use != "" && jwk.Use != "sig" {
			continue
		}
		key, err := rsaKeyFromComponents(jwk.N, jwk.E)
		if err != nil {
			slog.Warn("Skipping invalid RSA JWKS key",
				"component", "oidc", "kid", jwk.Kid, "error", err)
			continue
		}
		keysByKid[jwk.Kid] = key
	}

	if len(keysByKid) == 0 {
		return apperr.New(apperr.Transient, "JWKS response did not include any usable RSA keys")
	}

	v.mu.Lock()
	v.jwks = &jwksEntry{keysByKid: keysByKid, expiresAt: time.Now().Add(ttl)}
	v.mu.Unlock()

	slog.Debug("Google JWKS cache refreshed", "component", "oidc", "ttl_secs", int(ttl.Seconds()))
	return nil
}

// resolveJWKSURI returns the JWKS endpoint from OIDC discovery. Discovery
// failures fall back to the last known URI, then to the well-known default;
// the verifier never fails a delivery over discovery alone.
func (v *Verifier) resolveJWKSURI(ctx context.Context, force bool) string {
	if !force {
		v.mu.RLock()
		if v.discovery != nil && time.Now().Before(v.discovery.expiresAt) {
			uri := v.discovery.jwksURI
			v.mu.RUnlock()
			return uri
		}
		v.mu.RUnlock()
	}

	v.mu.RLock()
	var cachedURI string
	if v.discovery != nil {
		cachedURI = v.discovery.jwksURI
	}
	v.mu.RUnlock()

	fallback := func(reason string, err error) string {
		slog.Warn("OIDC discovery failed, using fallback JWKS URI",
			"component", "oidc", "reason", reason, "error", err)
		if cachedURI != "" {
			return cachedURI
		}
		return v.FallbackJWKSURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.DiscoveryURL, nil)
	if err != nil {
		return fallback("build request", err)
	}
	resp, err := v.HTTP.Do(req)
	if err != nil {
		return fallback("request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fallback(fmt.Sprintf("status %d", resp.StatusCode), nil)
	}

	var discovery struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&discovery); err != nil || discovery.JWKSURI == "" {
		return fallback("invalid discovery JSON", err)
	}

	ttl := cacheTTLFromHeader(resp.Header.Get("Cache-Control"), defaultCacheTTL)
	v.mu.Lock()
	v.discovery = &discoveryEntry{jwksURI: discovery.JWKSURI, expiresAt: time.Now().Add(ttl)}
	v.mu.Unlock()

	return discovery.JWKSURI
}

func rsaKeyFromComponents(n, e string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	eInt := new(big.Int).SetBytes(eBytes)
	if !eInt.IsInt64() || eInt.Int64() <= 0 {
		return nil, fmt.Errorf("exponent out of range")
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(eInt.Int64()),
	}, nil
}

// cacheTTLFromHeader parses the max-age directive of a Cache-Control header.
func cacheTTLFromHeader(value string, fallback time.Duration) time.Duration {
	for _, directive := range strings.Split(value, ",") {
		directive = strings.TrimSpace(directive)
		if raw, ok := strings.CutPrefix(directive, "max-age="); ok {
			raw = strings.Trim(raw, `"`)
			if seconds, err := strconv.ParseUint(raw, 10, 32); err == nil {
				return time.Duration(seconds) * time.Second
			}
		}
	}
	return fallback
}
