package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"datacat.org/internal/auth"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func unauthorized(w http.ResponseWriter, r *http.Request, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="datacat"`)
	writeError(w, r, http.StatusUnauthorized, msg)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// writeOAuthError renders an RFC 6749 error body.
func writeOAuthError(w http.ResponseWriter, code int, oauthCode, description string) {
	w.Header().Set("Cache-Control", "no-store")
	body := map[string]string{"error": oauthCode}
	if description != "" {
		body["error_description"] = description
	}
	writeJSON(w, code, body)
}

// handleAuthError maps identity errors onto HTTP responses.
func (a *API) handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		policy *auth.PolicyError
		fe     *auth.FatalError
		re     *auth.RedirectError
	)
	switch {
	case errors.As(err, &re):
		http.Redirect(w, r, re.Location(), http.StatusFound)
	case errors.As(err, &fe):
		writeOAuthError(w, http.StatusBadRequest, fe.Code, fe.Description)
	case errors.As(err, &policy):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "password_policy",
			"reason": policy.Reason,
		})
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrAccountNotFound), errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not found")
	case errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, "already exists")
	case errors.Is(err, auth.ErrUnauthorized):
		unauthorized(w, r, "unauthorized")
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "forbidden")
	default:
		a.log.Error().Err(err).Str("path", r.URL.Path).Str("request_id", RequestIDFromContext(r.Context())).Msg("request failed")
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
