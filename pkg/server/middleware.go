package server

import (
	"net/http"

	"github.com/rolandd/midpen-tracker/pkg/apperr"
)

// queueNameHeader is set by Cloud Tasks itself and stripped from external
// requests by Cloud Run, so its value is trustworthy on arrival.
const queueNameHeader = "X-CloudTasks-QueueName"

// tasksAuth guards the /tasks routes. The queue-name header and the OIDC
// bearer token are independent checks; failing either one is a 403. A
// verifier infrastructure failure with no usable cached key maps to 500 so
// the queue redelivers once the key set is reachable again.
func (s *Server) tasksAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queue := r.Header.Get(queueNameHeader)
		if queue != s.cfg.QueueName {
			s.log.Warn("Blocked task callback with wrong queue header",
				"path", r.URL.Path, "queue_header", queue,
				"execution_id", ExecutionID(r.Context()))
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		principal, err := s.verifier.Verify(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			status := http.StatusForbidden
			if apperr.IsKind(err, apperr.Transient) {
				status = http.StatusInternalServerError
			}
			s.log.Warn("Blocked task callback with bad bearer token",
				"path", r.URL.Path, "status", status, "error", err,
				"execution_id", ExecutionID(r.Context()))
			http.Error(w, http.StatusText(status), status)
			return
		}

		s.log.Debug("Task callback authenticated",
			"path", r.URL.Path, "email", principal.Email,
			"execution_id", ExecutionID(r.Context()))
		next.ServeHTTP(w, r)
	})
}
