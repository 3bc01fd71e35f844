// Package server is the HTTP surface of the pipeline: authenticated Cloud
// Tasks callbacks under /tasks and the Strava webhook intake under /webhook.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	shared "github.com/rolandd/midpen-tracker/pkg"
	"github.com/rolandd/midpen-tracker/pkg/bootstrap"
	"github.com/rolandd/midpen-tracker/pkg/ingest"
	"github.com/rolandd/midpen-tracker/pkg/oidc"
	"github.com/rolandd/midpen-tracker/pkg/strava"
	"github.com/rolandd/midpen-tracker/pkg/types"
)

// TokenVault is the slice of the credential vault the server uses.
type TokenVault interface {
	AccessToken(ctx context.Context, athleteID int64) (string, error)
	RevokeLocalTokens(ctx context.Context, athleteID int64) (token string, ok bool, err error)
}

// Verifier authenticates Cloud Tasks bearer tokens.
type Verifier interface {
	Verify(ctx context.Context, authorizationHeader string) (*oidc.Principal, error)
}

// ActivityProcessor runs the per-activity ingestion pipeline.
type ActivityProcessor interface {
	ProcessActivity(ctx context.Context, athleteID, activityID int64, source string) (*ingest.ProcessResult, error)
}

// BackfillContinuer handles one backfill page task.
type BackfillContinuer interface {
	ContinuePage(ctx context.Context, payload *types.ContinueBackfillPayload) error
}

// PlatformAPI is the slice of the Strava client used for webhook
// re-confirmation and user deletion.
type PlatformAPI interface {
	GetActivity(ctx context.Context, accessToken string, activityID int64) (*strava.Activity, error)
	GetAthlete(ctx context.Context, accessToken string) (*strava.Athlete, error)
	Deauthorize(ctx context.Context, accessToken string) error
}

// Server holds the handler dependencies.
type Server struct {
	cfg        *bootstrap.Config
	db         shared.Database
	queue      shared.TaskQueue
	vault      TokenVault
	verifier   Verifier
	processor  ActivityProcessor
	backfiller BackfillContinuer
	strava     PlatformAPI
	log        *slog.Logger
}

func New(cfg *bootstrap.Config, db shared.Database, queue shared.TaskQueue, vault TokenVault, verifier Verifier, processor ActivityProcessor, backfiller BackfillContinuer, api PlatformAPI) *Server {
	return &Server{
		cfg:        cfg,
		db:         db,
		queue:      queue,
		vault:      vault,
		verifier:   verifier,
		processor:  processor,
		backfiller: backfiller,
		strava:     api,
		log:        slog.With("component", "server"),
	}
}

// Router builds the chi router with all routes registered.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(s.executionID)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Route("/tasks", func(r chi.Router) {
		r.Use(s.tasksAuth)
		r.Post("/process-activity", s.handleProcessActivity)
		r.Post("/continue-backfill", s.handleContinueBackfill)
		r.Post("/delete-user", s.handleDeleteUser)
		r.Post("/delete-activity", s.handleDeleteActivity)
	})

	r.Get("/webhook/{secret}", s.handleWebhookVerify)
	r.Post("/webhook/{secret}", s.handleWebhookEvent)

	return r
}

type ctxKey int

const executionIDKey ctxKey = iota

// executionID tags every request with a delivery id so concurrent task logs
// can be pulled apart.
func (s *Server) executionID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Execution-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), executionIDKey, id)))
	})
}

// ExecutionID returns the request's delivery id, or empty outside a request.
func ExecutionID(ctx context.Context) string {
	id, _ := ctx.Value(executionIDKey).(string)
	return id
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
