package server

import (
	"encoding/json"
	"net/http"

	"github.com/rolandd/midpen-tracker/pkg/apperr"
	"github.com/rolandd/midpen-tracker/pkg/infrastructure/sentry"
	"github.com/rolandd/midpen-tracker/pkg/types"
)

// decodeTask parses a task body. A body that cannot parse will never parse
// on redelivery either, so it is dropped with a 200 instead of poisoning the
// queue with eternal retries.
func (s *Server) decodeTask(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.log.Error("Dropping task with malformed payload",
			"path", r.URL.Path, "error", err,
			"execution_id", ExecutionID(r.Context()))
		w.WriteHeader(http.StatusOK)
		return false
	}
	return true
}

// finishTask maps a pipeline error onto the queue's retry protocol.
func (s *Server) finishTask(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	status := apperr.HTTPStatus(err)
	s.log.Error("Task failed",
		"path", r.URL.Path, "status", status, "error", err,
		"execution_id", ExecutionID(r.Context()))
	if status >= http.StatusInternalServerError {
		sentry.CaptureException(err, map[string]interface{}{
			"path":         r.URL.Path,
			"execution_id": ExecutionID(r.Context()),
		})
	}
	w.WriteHeader(status)
}

func (s *Server) handleProcessActivity(w http.ResponseWriter, r *http.Request) {
	var payload types.ProcessActivityPayload
	if !s.decodeTask(w, r, &payload) {
		return
	}

	_, err := s.processor.ProcessActivity(r.Context(), payload.AthleteID, payload.ActivityID, payload.Source)
	s.finishTask(w, r, err)
}

func (s *Server) handleContinueBackfill(w http.ResponseWriter, r *http.Request) {
	var payload types.ContinueBackfillPayload
	if !s.decodeTask(w, r, &payload) {
		return
	}

	s.finishTask(w, r, s.backfiller.ContinuePage(r.Context(), &payload))
}

// handleDeleteUser removes everything keyed to the athlete. Tokens are
// deleted first so concurrent activity tasks cannot keep writing while the
// rest of the data disappears; the in-memory copy is used for the final
// Strava deauthorize call, whose failure is non-fatal.
func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	var payload types.DeleteUserPayload
	if !s.decodeTask(w, r, &payload) {
		return
	}

	s.log.Info("Processing user deletion",
		"athlete_id", payload.AthleteID, "source", payload.Source,
		"execution_id", ExecutionID(r.Context()))

	token, ok, err := s.vault.RevokeLocalTokens(r.Context(), payload.AthleteID)
	if err != nil {
		s.finishTask(w, r, err)
		return
	}

	deleteErr := s.db.DeleteUserData(r.Context(), payload.AthleteID)
	if deleteErr != nil {
		s.log.Error("Failed to delete user data",
			"athlete_id", payload.AthleteID, "error", deleteErr)
	}

	if ok {
		if err := s.strava.Deauthorize(r.Context(), token); err != nil {
			s.log.Warn("Strava deauthorize failed, continuing",
				"athlete_id", payload.AthleteID, "error", err)
		}
	} else {
		s.log.Info("No tokens left to deauthorize", "athlete_id", payload.AthleteID)
	}

	// Tokens are already gone, so a retry lands in the no-tokens branch and
	// only re-attempts the data deletion.
	s.finishTask(w, r, deleteErr)
}

func (s *Server) handleDeleteActivity(w http.ResponseWriter, r *http.Request) {
	var payload types.DeleteActivityPayload
	if !s.decodeTask(w, r, &payload) {
		return
	}

	err := s.db.DeleteActivity(r.Context(), payload.AthleteID, payload.ActivityID)
	if err != nil && apperr.IsKind(err, apperr.NotFound) {
		// Already deleted; redelivery of a finished delete is a no-op.
		err = nil
	}
	if err == nil {
		s.log.Info("Activity deleted",
			"athlete_id", payload.AthleteID, "activity_id", payload.ActivityID,
			"execution_id", ExecutionID(r.Context()))
	}
	s.finishTask(w, r, err)
}
