package httpapi

import (
	"errors"
	"net/http"
	"net/url"
	"time"

	"datacat.org/internal/audit"
	"datacat.org/internal/auth"
)

func (a *API) handleJWKS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	set, err := a.deps.Identity.JWKS()
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, set)
}

func (a *API) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, a.deps.OIDC.Discovery(a.baseURL()))
}

type authorizeResponse struct {
	AuthCtx     string    `json:"auth_ctx"`
	ClientID    string    `json:"client_id"`
	RedirectURI string    `json:"redirect_uri"`
	Scope       string    `json:"scope,omitempty"`
	LoginURL    string    `json:"login_url"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (a *API) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	q := r.URL.Query()
	authCtx, err := a.deps.OIDC.Authorize(r.Context(), auth.AuthorizeRequest{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		ResponseType:        q.Get("response_type"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Nonce:               q.Get("nonce"),
	})
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, authorizeResponse{
		AuthCtx:     authCtx.Code,
		ClientID:    authCtx.ClientID,
		RedirectURI: authCtx.RedirectURI,
		Scope:       authCtx.Scope,
		LoginURL:    a.baseURL() + "/oidc/login",
		ExpiresAt:   authCtx.ExpiresAt,
	})
}

// handleLogin authenticates the form credentials against a pending authorize context and
// redirects to the client with a fresh code. Bad credentials leave the context usable.
func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid form body")
		return
	}
	authCtxCode := r.PostForm.Get("auth_ctx")
	username := r.PostForm.Get("username")
	ctx := r.Context()

	authCtx, err := a.deps.OIDC.LoginContext(ctx, authCtxCode)
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	accounts := a.deps.Identity.Accounts()
	if accounts == nil {
		writeError(w, r, http.StatusServiceUnavailable, "local accounts are not enabled")
		return
	}
	acc, err := accounts.Authenticate(ctx, username, r.PostForm.Get("password"))
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			_ = audit.LogEvent(ctx, a.log, "oidc.login.failed", map[string]any{
				"client_id": authCtx.ClientID,
				"username":  username,
				"remote_ip": clientIP(r),
			})
		}
		a.handleAuthError(w, r, err)
		return
	}
	code, err := a.deps.OIDC.CompleteLogin(ctx, authCtx.Code, acc.Username)
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(ctx, a.log, "oidc.login.succeeded", map[string]any{
		"client_id": code.ClientID,
		"username":  acc.Username,
	})
	http.Redirect(w, r, auth.RedirectLocation(code.RedirectURI, url.Values{
		"code":  {code.Code},
		"state": {authCtx.State},
	}), http.StatusFound)
}

func (a *API) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, auth.CodeInvalidRequest, "invalid form body")
		return
	}
	f := r.PostForm
	resp, err := a.deps.OIDC.Exchange(r.Context(), auth.TokenRequest{
		GrantType:    f.Get("grant_type"),
		Code:         f.Get("code"),
		CodeVerifier: f.Get("code_verifier"),
		ClientID:     f.Get("client_id"),
		RedirectURI:  f.Get("redirect_uri"),
	})
	if err != nil {
		var fe *auth.FatalError
		if !errors.As(err, &fe) {
			a.log.Error().Err(err).Str("client_id", f.Get("client_id")).Msg("token exchange failed")
			writeOAuthError(w, http.StatusInternalServerError, auth.CodeServerError, "")
			return
		}
		writeOAuthError(w, http.StatusBadRequest, fe.Code, fe.Description)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, resp)
}
