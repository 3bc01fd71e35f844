// Package strava wraps the Strava v3 API.
//
// The Client is a thin HTTP layer with no token management; callers obtain
// access tokens from the vault. Rate limits (429) and rejected tokens (401)
// surface as distinct error kinds so task handlers can decide between retry
// and giving up.
package strava

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rolandd/midpen-tracker/pkg/apperr"
	httputil "github.com/rolandd/midpen-tracker/pkg/infrastructure/http"
)

const (
	defaultBaseURL  = "https://www.strava.com/api/v3"
	defaultOAuthURL = "https://www.strava.com/oauth"
)

// ErrInvalidGrant is returned by RefreshToken when Strava rejects the
// refresh token. In a multi-instance deployment this usually means another
// instance already rotated the token, not that the grant is gone.
var ErrInvalidGrant = errors.New("strava: invalid_grant")

// Client is a Strava v3 API client.
type Client struct {
	HTTP         *http.Client
	BaseURL      string
	OAuthURL     string
	ClientID     string
	ClientSecret string
}

func NewClient(clientID, clientSecret string) *Client {
	return &Client{
		HTTP:         &http.Client{Timeout: 30 * time.Second},
		BaseURL:      defaultBaseURL,
		OAuthURL:     defaultOAuthURL,
		ClientID:     clientID,
		ClientSecret: clientSecret,
	}
}

// TokenResponse is returned by the OAuth token endpoint.
type TokenResponse struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	ExpiresAt    int64    `json:"expires_at"`
	Athlete      *Athlete `json:"athlete,omitempty"`
}

// Athlete is the athlete profile returned by /athlete and token exchange.
type Athlete struct {
	ID        int64  `json:"id"`
	FirstName string `json:"firstname"`
	LastName  string `json:"lastname"`
	Profile   string `json:"profile,omitempty"`
}

// Map holds the encoded polylines of an activity.
type Map struct {
	Polyline        string `json:"polyline,omitempty"`
	SummaryPolyline string `json:"summary_polyline,omitempty"`
}

// Activity is the detailed activity response.
type Activity struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	SportType   string  `json:"sport_type"`
	StartDate   string  `json:"start_date"`
	Distance    float64 `json:"distance"`
	Description string  `json:"description,omitempty"`
	DeviceName  string  `json:"device_name,omitempty"`
	Map         Map     `json:"map"`
}

// Polyline returns the detailed polyline, falling back to the summary.
// Empty when the activity has no GPS track (e.g. treadmill runs).
func (a *Activity) Polyline() string {
	if a.Map.Polyline != "" {
		return a.Map.Polyline
	}
	return a.Map.SummaryPolyline
}

// ActivitySummary is the per-item shape of the list endpoint.
type ActivitySummary struct {
	ID        int64   `json:"id"`
	Name      string  `json:"name"`
	SportType string  `json:"sport_type"`
	StartDate string  `json:"start_date"`
	Distance  float64 `json:"distance"`
}

// GetActivity fetches a detailed activity.
func (c *Client) GetActivity(ctx context.Context, accessToken string, activityID int64) (*Activity, error) {
	var out Activity
	err := c.getJSON(ctx, fmt.Sprintf("%s/activities/%d", c.BaseURL, activityID), accessToken, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListActivities fetches one page of the athlete's activities created after
// the given Unix timestamp.
func (c *Client) ListActivities(ctx context.Context, accessToken string, after int64, page, perPage int) ([]ActivitySummary, error) {
	q := url.Values{}
	q.Set("after", strconv.FormatInt(after, 10))
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(perPage))

	var out []ActivitySummary
	err := c.getJSON(ctx, c.BaseURL+"/athlete/activities?"+q.Encode(), accessToken, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetAthlete fetches the authenticated athlete's profile. Used as a
// lightweight liveness probe for a token.
func (c *Client) GetAthlete(ctx context.Context, accessToken string) (*Athlete, error) {
	var out Athlete
	err := c.getJSON(ctx, c.BaseURL+"/athlete", accessToken, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateActivityDescription replaces an activity's description.
func (c *Client) UpdateActivityDescription(ctx context.Context, accessToken string, activityID int64, description string) error {
	body, err := json.Marshal(map[string]string{"description": description})
	if err != nil {
		return apperr.Wrap(apperr.Transient, "marshal description", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		fmt.Sprintf("%s/activities/%d", c.BaseURL, activityID), bytes.NewReader(body))
	if err != nil {
		return apperr.Wrap(apperr.Transient, "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.Transient, "strava request", err)
	}
	defer resp.Body.Close()
	return c.checkResponse(resp)
}

// RefreshToken exchanges a refresh token for a new token pair. Rejection of
// the refresh token maps to ErrInvalidGrant.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	return c.tokenRequest(ctx, url.Values{
		"client_id":     {c.ClientID},
		"client_secret": {c.ClientSecret},
		"refresh_token": {refreshToken},
		"grant_type":    {"refresh_token"},
	})
}

// ExchangeCode exchanges an OAuth authorization code for tokens.
func (c *Client) ExchangeCode(ctx context.Context, code string) (*TokenResponse, error) {
	return c.tokenRequest(ctx, url.Values{
		"client_id":     {c.ClientID},
		"client_secret": {c.ClientSecret},
		"code":          {code},
		"grant_type":    {"authorization_code"},
	})
}

func (c *Client) tokenRequest(ctx context.Context, form url.Values) (*TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.OAuthURL+"/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "build token request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "token request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, httputil.MaxErrorBodySize))
		switch {
		case strings.Contains(string(body), "invalid_grant"):
			return nil, fmt.Errorf("token refresh rejected: %w", ErrInvalidGrant)
		case resp.StatusCode == http.StatusTooManyRequests:
			return nil, apperr.New(apperr.RateLimited, "strava rate limit hit")
		case resp.StatusCode < 500:
			// A definitive rejection; retrying with the same inputs cannot help.
			return nil, apperr.Newf(apperr.AuthorizationRevoked, "token request rejected: HTTP %d: %s", resp.StatusCode, body)
		default:
			return nil, apperr.Newf(apperr.Transient, "token request failed: HTTP %d: %s", resp.StatusCode, body)
		}
	}

	var out TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apperr.Wrap(apperr.Transient, "decode token response", err)
	}
	return &out, nil
}

// Deauthorize invalidates all of the user's tokens and removes the app from
// their Strava settings.
func (c *Client) Deauthorize(ctx context.Context, accessToken string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.OAuthURL+"/deauthorize", nil)
	if err != nil {
		return apperr.Wrap(apperr.Transient, "build deauthorize request", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.Transient, "deauthorize request", err)
	}
	defer resp.Body.Close()

	if err := c.checkResponse(resp); err != nil {
		return err
	}
	slog.Info("Strava deauthorization successful", "component", "strava")
	return nil
}

func (c *Client) getJSON(ctx context.Context, url, accessToken string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return apperr.Wrap(apperr.Transient, "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.Transient, "strava request", err)
	}
	defer resp.Body.Close()

	if err := c.checkResponse(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Wrap(apperr.Transient, "decode strava response", err)
	}
	return nil
}

// checkResponse maps error statuses onto the taxonomy. 429 retries, 401
// means the token is no good, 404 propagates so callers can distinguish a
// deleted activity from a failing API.
func (c *Client) checkResponse(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		slog.Warn("Strava rate limit hit", "component", "strava")
		return apperr.New(apperr.RateLimited, "strava rate limit hit")
	case http.StatusUnauthorized:
		return apperr.New(apperr.AuthorizationRevoked, "strava rejected access token")
	case http.StatusNotFound:
		return apperr.Wrap(apperr.NotFound, "strava resource not found", httputil.ParseErrorResponse(resp))
	default:
		return apperr.Wrap(apperr.Transient, "strava api error", httputil.ParseErrorResponse(resp))
	}
}
