package callback

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
)

// handleCallback handles the authorization-code redirect from the IdP:
// 1. Surface error/error_description responses
// 2. Require both code and state
// 3. Reject a state that does not match the one issued at login
// 4. Deliver the code to the waiting login flow
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	code := query.Get("code")
	state := query.Get("state")
	errorParam := query.Get("error")
	errorDesc := query.Get("error_description")

	slog.Info("callback received",
		"code_present", code != "",
		"state_present", state != "",
		"error_present", errorParam != "",
	)

	if errorParam != "" {
		slog.Error("authorization error in callback",
			"error", sanitizeLog(errorParam),
			"description", sanitizeLog(errorDesc),
		)
		msg := errorDesc
		if msg == "" {
			msg = errorParam
		}
		s.deliver(Result{Err: fmt.Errorf("authorization failed: %s", msg)})
		s.renderError(w, fmt.Sprintf("Sign-in failed: %s", msg))
		return
	}

	if code == "" || state == "" {
		slog.Error("invalid callback parameters",
			"code_present", code != "",
			"state_present", state != "",
		)
		s.renderError(w, "Invalid callback parameters")
		return
	}

	if subtle.ConstantTimeCompare([]byte(state), []byte(s.state)) != 1 {
		// Not the redirect we issued. Keep waiting for the real one.
		slog.Error("state mismatch in callback", "state", sanitizeLog(state))
		s.renderError(w, "Sign-in request could not be verified. Please start over.")
		return
	}

	s.deliver(Result{Code: code})
	s.renderSuccess(w, "You are signed in. You may close this window and return to the terminal.")
}
