package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	shared "github.com/rolandd/midpen-tracker/pkg"
	"github.com/rolandd/midpen-tracker/pkg/bootstrap"
	"github.com/rolandd/midpen-tracker/pkg/ingest"
	"github.com/rolandd/midpen-tracker/pkg/oidc"
	"github.com/rolandd/midpen-tracker/pkg/strava"
	"github.com/rolandd/midpen-tracker/pkg/testing/mocks"
	"github.com/rolandd/midpen-tracker/pkg/types"
)

const (
	testQueueName   = "activity-processing"
	testPathSecret  = "f4c2a7e1-path-secret"
	testVerifyToken = "verify-me"
	testSubID       = int64(777)
)

type stubVault struct {
	accessTokenFunc func(ctx context.Context, athleteID int64) (string, error)
	revokeFunc      func(ctx context.Context, athleteID int64) (string, bool, error)
}

func (s *stubVault) AccessToken(ctx context.Context, athleteID int64) (string, error) {
	if s.accessTokenFunc != nil {
		return s.accessTokenFunc(ctx, athleteID)
	}
	return "cached-token", nil
}

func (s *stubVault) RevokeLocalTokens(ctx context.Context, athleteID int64) (string, bool, error) {
	if s.revokeFunc != nil {
		return s.revokeFunc(ctx, athleteID)
	}
	return "cached-token", true, nil
}

type stubVerifier struct {
	err error
}

func (s *stubVerifier) Verify(ctx context.Context, authorizationHeader string) (*oidc.Principal, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &oidc.Principal{Email: "tasks@test.iam.gserviceaccount.com"}, nil
}

type stubProcessor struct {
	err error
	got *types.ProcessActivityPayload
}

func (s *stubProcessor) ProcessActivity(ctx context.Context, athleteID, activityID int64, source string) (*ingest.ProcessResult, error) {
	s.got = &types.ProcessActivityPayload{ActivityID: activityID, AthleteID: athleteID, Source: source}
	if s.err != nil {
		return nil, s.err
	}
	return &ingest.ProcessResult{ActivityID: activityID}, nil
}

type stubBackfiller struct {
	err error
	got *types.ContinueBackfillPayload
}

func (s *stubBackfiller) ContinuePage(ctx context.Context, payload *types.ContinueBackfillPayload) error {
	s.got = payload
	return s.err
}

type stubPlatform struct {
	getActivityFunc func(ctx context.Context, token string, activityID int64) (*strava.Activity, error)
	getAthleteFunc  func(ctx context.Context, token string) (*strava.Athlete, error)
	deauthorizeFunc func(ctx context.Context, token string) error
}

func (s *stubPlatform) GetActivity(ctx context.Context, token string, activityID int64) (*strava.Activity, error) {
	if s.getActivityFunc != nil {
		return s.getActivityFunc(ctx, token, activityID)
	}
	return &strava.Activity{ID: activityID}, nil
}

func (s *stubPlatform) GetAthlete(ctx context.Context, token string) (*strava.Athlete, error) {
	if s.getAthleteFunc != nil {
		return s.getAthleteFunc(ctx, token)
	}
	return &strava.Athlete{ID: 42}, nil
}

func (s *stubPlatform) Deauthorize(ctx context.Context, token string) error {
	if s.deauthorizeFunc != nil {
		return s.deauthorizeFunc(ctx, token)
	}
	return nil
}

// deps bundles everything a test might want to override or inspect.
type deps struct {
	db         *mocks.MockDatabase
	queue      *mocks.MockTaskQueue
	vault      *stubVault
	verifier   *stubVerifier
	processor  *stubProcessor
	backfiller *stubBackfiller
	platform   *stubPlatform
}

func newDeps() *deps {
	return &deps{
		db:         &mocks.MockDatabase{},
		queue:      &mocks.MockTaskQueue{},
		vault:      &stubVault{},
		verifier:   &stubVerifier{},
		processor:  &stubProcessor{},
		backfiller: &stubBackfiller{},
		platform:   &stubPlatform{},
	}
}

func newTestServer(d *deps) http.Handler {
	cfg := &bootstrap.Config{
		QueueName:            testQueueName,
		WebhookPathSecret:    testPathSecret,
		WebhookVerifyToken:   testVerifyToken,
		StravaSubscriptionID: testSubID,
	}
	var db shared.Database = d.db
	srv := New(cfg, db, d.queue, d.vault, d.verifier, d.processor, d.backfiller, d.platform)
	return srv.Router()
}

// postTask sends an authenticated task callback.
func postTask(t *testing.T, handler http.Handler, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set(queueNameHeader, testQueueName)
	req.Header.Set("Authorization", "Bearer test-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

// postWebhook sends a webhook event to the secret path.
func postWebhook(t *testing.T, handler http.Handler, secret string, event any) *httptest.ResponseRecorder {
	t.Helper()
	var body []byte
	switch v := event.(type) {
	case string:
		body = []byte(v)
	default:
		var err error
		body, err = json.Marshal(event)
		if err != nil {
			t.Fatalf("marshal event: %v", err)
		}
	}
	req := httptest.NewRequest(http.MethodPost, "/webhook/"+secret, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}
