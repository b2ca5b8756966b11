package httpapi

import (
	"net/http"
	"time"

	"datacat.org/internal/audit"
	"datacat.org/internal/auth"
)

type bootstrapRequest struct {
	Secret   string `json:"secret"`
	Username string `json:"username"`
	Fullname string `json:"fullname"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type accountResponse struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Fullname  string    `json:"fullname"`
	Email     string    `json:"email,omitempty"`
	IsAdmin   bool      `json:"is_admin"`
	Disabled  bool      `json:"disabled"`
	CreatedAt time.Time `json:"created_at"`
}

func (a *API) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req bootstrapRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	acc, err := a.deps.Identity.BootstrapAdmin(r.Context(), req.Secret, auth.NewAccount{
		Username: req.Username,
		Fullname: req.Fullname,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		_ = audit.LogEvent(r.Context(), a.log, "bootstrap.rejected", map[string]any{
			"username":  req.Username,
			"remote_ip": clientIP(r),
		})
		a.handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), a.log, "bootstrap.completed", map[string]any{
		"username":   acc.Username,
		"account_id": acc.ID,
	})
	writeJSON(w, http.StatusCreated, toAccountResponse(acc))
}

type actorResponse struct {
	ID         string         `json:"id"`
	Fullname   string         `json:"fullname"`
	Email      string         `json:"email,omitempty"`
	Roles      []auth.RoleKey `json:"roles"`
	LastSeenAt time.Time      `json:"last_seen_at"`
}

type whoAmIResponse struct {
	Issuer  string         `json:"issuer"`
	Subject string         `json:"subject"`
	Actor   *actorResponse `json:"actor"`
}

func (a *API) handleWhoAmI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		unauthorized(w, r, "unauthorized")
		return
	}
	resp := whoAmIResponse{Issuer: p.Issuer, Subject: p.Subject}
	if p.Actor != nil {
		roles := p.Actor.Roles
		if roles == nil {
			roles = []auth.RoleKey{}
		}
		resp.Actor = &actorResponse{
			ID:         p.Actor.ID,
			Fullname:   p.Actor.Fullname,
			Email:      p.Actor.Email,
			Roles:      roles,
			LastSeenAt: p.Actor.LastSeenAt,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type passwordCheckRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (a *API) handlePasswordCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req passwordCheckRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res := auth.CheckPasswordPolicy(req.Password, req.Username)
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     res.OK,
		"reason": res.Reason,
	})
}
