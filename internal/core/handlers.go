package core

import (
	"errors"
	"fmt"
	"html"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"citewatch/internal/evidence"
	"citewatch/internal/monitor"
	"citewatch/internal/sender"
	"citewatch/internal/types"
)

// LatestBody renders the status fragment served by /latest and /update.
func LatestBody(snap monitor.Snapshot) string {
	if snap.State.LastValue == nil {
		return "Citations: -"
	}
	u := html.EscapeString(snap.ScreenshotURL)
	return fmt.Sprintf(`Citations: %s<br>Screenshot: <a href="%s">%s</a>`,
		strconv.FormatInt(*snap.State.LastValue, 10), u, u)
}

// HandleLatest serves the last confirmed value and evidence link.
func (s *Server) HandleLatest(w http.ResponseWriter, r *http.Request) {
	HTML(w, LatestBody(s.detector.Latest()))
}

// HandleUpdate forces a check and then serves the latest fragment.
// Concurrent callers share one check; callers over the rate limit get 429
// with Retry-After.
func (s *Server) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	res := s.limiter.Reserve()
	if wait := res.Delay(); wait > 0 {
		res.Cancel()
		s.Logger.Info("forced check rate limited",
			"retry_after", wait,
			"request_id", types.GetRequestID(r.Context()))
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		Error(w, r, types.NewAppError(types.ErrCodeRateLimitExceeded, "forced checks are rate limited", nil))
		return
	}

	v, _, shared := s.updates.Do("update", func() (any, error) {
		return s.detector.CheckOnce(r.Context(), true), nil
	})
	result := v.(monitor.Result)
	s.Logger.Info("forced check finished",
		"result", result.Kind.String(),
		"shared", shared,
		"request_id", types.GetRequestID(r.Context()),
	)
	HTML(w, LatestBody(s.detector.Latest()))
}

// HandleScreenshot streams a stored evidence artifact.
func (s *Server) HandleScreenshot(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := evidence.ValidateName(name); err != nil {
		Error(w, r, types.NewAppError(types.ErrCodeValidationArtifactName, "invalid artifact name", err))
		return
	}

	data, err := s.evidence.Retrieve(r.Context(), name)
	switch {
	case errors.Is(err, evidence.ErrNotFound):
		Error(w, r, types.NewAppError(types.ErrCodeNotFoundArtifact, "artifact not found", err))
		return
	case errors.Is(err, evidence.ErrInvalidName):
		Error(w, r, types.NewAppError(types.ErrCodeValidationArtifactName, "invalid artifact name", err))
		return
	case err != nil:
		s.Logger.Error("failed to read artifact", "name", name, "error", err)
		Error(w, r, types.NewAppError(types.ErrCodeInternalEvidence, "failed to read artifact", err))
		return
	}

	w.Header().Set("Content-Type", evidence.ContentType(name))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "public, max-age=86400, immutable")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// HandleOAuthCallback receives the authorization server's redirect and
// hands the code to the waiting authorization flow.
func (s *Server) HandleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if s.callback == nil {
		http.NotFound(w, r)
		return
	}

	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		s.Logger.Warn("authorization denied", "error", e, "description", q.Get("error_description"))
		Error(w, r, types.NewAppError(types.ErrCodeValidationOAuthCode, "authorization denied", nil).
			WithDetails(map[string]any{"error": e}))
		return
	}
	code := q.Get("code")
	if code == "" {
		Error(w, r, types.NewAppError(types.ErrCodeValidationOAuthCode, "missing authorization code", nil))
		return
	}

	if err := s.callback.Complete(q.Get("state"), code); err != nil {
		msg := "authorization callback rejected"
		switch {
		case errors.Is(err, sender.ErrNoPendingAuthorization):
			msg = "no authorization in progress"
		case errors.Is(err, sender.ErrStateMismatch):
			msg = "authorization state mismatch"
		}
		s.Logger.Warn(msg, "error", err)
		Error(w, r, types.NewAppError(types.ErrCodeValidationOAuthCode, msg, err))
		return
	}

	s.Logger.Info("authorization code received")
	HTML(w, "Authorization received. You can close this window.")
}
