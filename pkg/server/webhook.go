package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rolandd/midpen-tracker/pkg/apperr"
	"github.com/rolandd/midpen-tracker/pkg/types"
)

// handleWebhookVerify answers Strava's subscription handshake: echo the
// challenge back when the verify token matches.
func (s *Server) handleWebhookVerify(w http.ResponseWriter, r *http.Request) {
	if chi.URLParam(r, "secret") != s.cfg.WebhookPathSecret {
		s.log.Warn("Webhook path secret mismatch on verify")
		http.NotFound(w, r)
		return
	}

	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || q.Get("hub.verify_token") != s.cfg.WebhookVerifyToken {
		s.log.Warn("Webhook verification failed, invalid token", "mode", q.Get("hub.mode"))
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	s.log.Info("Webhook subscription verified")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"hub.challenge": q.Get("hub.challenge")})
}

// handleWebhookEvent handles Strava event deliveries. The path secret is
// checked before the body is touched, so unauthenticated callers never cost
// a parse. Strava expects a fast 200 for anything it should not resend;
// real work is pushed onto the task queue.
func (s *Server) handleWebhookEvent(w http.ResponseWriter, r *http.Request) {
	if chi.URLParam(r, "secret") != s.cfg.WebhookPathSecret {
		s.log.Warn("Webhook path secret mismatch on event")
		http.NotFound(w, r)
		return
	}

	var event types.WebhookEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		// A 200 keeps Strava from resending a body that will never parse.
		s.log.Error("Failed to parse webhook event", "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	if event.SubscriptionID != s.cfg.StravaSubscriptionID {
		s.log.Warn("Webhook subscription id mismatch",
			"received", event.SubscriptionID, "expected", s.cfg.StravaSubscriptionID)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	s.log.Info("Webhook event received",
		"object_type", event.ObjectType, "aspect_type", event.AspectType,
		"object_id", event.ObjectID, "owner_id", event.OwnerID)

	ctx := r.Context()
	switch {
	case event.ObjectType == "activity" && event.AspectType == "create":
		err := s.queue.EnqueueProcessActivity(ctx, &types.ProcessActivityPayload{
			ActivityID: event.ObjectID,
			AthleteID:  event.OwnerID,
			Source:     types.SourceWebhook,
		})
		if err != nil {
			s.log.Error("Failed to queue activity", "activity_id", event.ObjectID, "error", err)
		}

	case event.ObjectType == "activity" && event.AspectType == "delete":
		s.handleActivityDelete(ctx, &event)

	case event.IsDeauthorization():
		s.handleDeauthorization(ctx, &event)

	default:
		s.log.Debug("Ignoring unhandled webhook event",
			"object_type", event.ObjectType, "aspect_type", event.AspectType)
	}

	w.WriteHeader(http.StatusOK)
}

// handleActivityDelete re-confirms a deletion event against the live API
// before queueing the delete. An activity that is still fetchable means the
// webhook was forged; an untrusted payload alone never destroys data.
func (s *Server) handleActivityDelete(ctx context.Context, event *types.WebhookEvent) {
	if !s.confirmActivityGone(ctx, event.OwnerID, event.ObjectID) {
		return
	}
	err := s.queue.EnqueueDeleteActivity(ctx, &types.DeleteActivityPayload{
		ActivityID: event.ObjectID,
		AthleteID:  event.OwnerID,
		Source:     types.SourceWebhook,
	})
	if err != nil {
		s.log.Error("Failed to queue activity deletion",
			"activity_id", event.ObjectID, "error", err)
	}
}

func (s *Server) confirmActivityGone(ctx context.Context, athleteID, activityID int64) bool {
	token, err := s.vault.AccessToken(ctx, athleteID)
	if err != nil {
		// No usable grant means the event cannot be forged by a third party
		// holding less access than us. Proceed.
		s.log.Warn("Could not get token to verify activity deletion, assuming real",
			"athlete_id", athleteID, "error", err)
		return true
	}

	_, err = s.strava.GetActivity(ctx, token, activityID)
	switch {
	case err == nil:
		s.log.Warn("Fake activity deletion webhook, activity still exists",
			"athlete_id", athleteID, "activity_id", activityID)
		return false
	case apperr.IsKind(err, apperr.NotFound),
		apperr.IsKind(err, apperr.AuthorizationRevoked):
		return true
	default:
		s.log.Warn("Failed to verify activity deletion, assuming real",
			"activity_id", activityID, "error", err)
		return true
	}
}

// handleDeauthorization re-confirms an athlete deauthorization before
// queueing the GDPR wipe. A cached-but-unexpired token is not proof of a
// live grant, so the check goes all the way to the Strava API.
func (s *Server) handleDeauthorization(ctx context.Context, event *types.WebhookEvent) {
	if !s.confirmGrantRevoked(ctx, event.OwnerID) {
		return
	}
	err := s.queue.EnqueueDeleteUser(ctx, &types.DeleteUserPayload{
		AthleteID: event.OwnerID,
		Source:    types.SourceWebhook,
	})
	if err != nil {
		s.log.Error("Failed to queue user deletion",
			"athlete_id", event.OwnerID, "error", err)
		return
	}
	s.log.Info("User deletion queued", "athlete_id", event.OwnerID)
}

func (s *Server) confirmGrantRevoked(ctx context.Context, athleteID int64) bool {
	token, err := s.vault.AccessToken(ctx, athleteID)
	if err != nil {
		if apperr.IsKind(err, apperr.AuthorizationRevoked) {
			return true
		}
		s.log.Warn("Could not verify deauthorization, assuming real",
			"athlete_id", athleteID, "error", err)
		return true
	}

	if _, err := s.strava.GetAthlete(ctx, token); err != nil {
		if apperr.IsKind(err, apperr.AuthorizationRevoked) {
			return true
		}
		s.log.Warn("Could not verify deauthorization, assuming real",
			"athlete_id", athleteID, "error", err)
		return true
	}

	s.log.Warn("Fake deauthorization webhook, grant still live", "athlete_id", athleteID)
	return false
}
