package httpapi

import (
	"errors"
	"fmt"
	"net/http"

	"datacat.org/internal/audit"
	"datacat.org/internal/auth"
)

// adminOnly stacks bearer authentication and the admin role check in front of h.
func (a *API) adminOnly(h http.HandlerFunc) http.Handler {
	return a.withAuth(RequireRole(auth.RoleAdmin)(h))
}

func (a *API) accounts(w http.ResponseWriter, r *http.Request) (*auth.AccountService, bool) {
	svc := a.deps.Identity.Accounts()
	if svc == nil {
		writeError(w, r, http.StatusServiceUnavailable, "local accounts are not configured")
		return nil, false
	}
	return svc, true
}

func toAccountResponse(acc *auth.Account) accountResponse {
	return accountResponse{
		ID:        acc.ID,
		Username:  acc.Username,
		Fullname:  acc.Fullname,
		Email:     acc.Email,
		IsAdmin:   acc.IsAdmin,
		Disabled:  acc.Disabled(),
		CreatedAt: acc.CreatedAt,
	}
}

type createAccountRequest struct {
	Username string `json:"username"`
	Fullname string `json:"fullname"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Admin    bool   `json:"admin"`
}

func (a *API) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	svc, ok := a.accounts(w, r)
	if !ok {
		return
	}
	var req createAccountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	acc, err := svc.CreateAccount(r.Context(), auth.NewAccount{
		Username: req.Username,
		Fullname: req.Fullname,
		Email:    req.Email,
		Password: req.Password,
		Admin:    req.Admin,
	})
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), a.log, "account.created", map[string]any{
		"username": acc.Username,
		"admin":    acc.IsAdmin,
	})
	writeJSON(w, http.StatusCreated, toAccountResponse(acc))
}

func (a *API) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	svc, ok := a.accounts(w, r)
	if !ok {
		return
	}
	acc, err := svc.Account(r.Context(), r.PathValue("username"))
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountResponse(acc))
}

type fullnameRequest struct {
	Fullname string `json:"fullname"`
}

func (a *API) handleChangeFullname(w http.ResponseWriter, r *http.Request) {
	svc, ok := a.accounts(w, r)
	if !ok {
		return
	}
	var req fullnameRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	username := r.PathValue("username")
	if err := svc.ChangeFullname(r.Context(), username, req.Fullname); err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), a.log, "account.fullname_changed", map[string]any{"username": username})
	a.writeAccount(w, r, svc, username)
}

type adminRequest struct {
	Admin *bool `json:"admin"`
}

func (a *API) handleSetAdmin(w http.ResponseWriter, r *http.Request) {
	svc, ok := a.accounts(w, r)
	if !ok {
		return
	}
	var req adminRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Admin == nil {
		writeError(w, r, http.StatusBadRequest, "admin is required")
		return
	}
	username := r.PathValue("username")
	if !*req.Admin && a.isSelf(r, username) {
		writeError(w, r, http.StatusConflict, "administrators cannot revoke their own role")
		return
	}
	if err := svc.SetAdmin(r.Context(), username, *req.Admin); err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), a.log, "account.admin_changed", map[string]any{
		"username": username,
		"admin":    *req.Admin,
	})
	a.writeAccount(w, r, svc, username)
}

func (a *API) handleDisable(w http.ResponseWriter, r *http.Request) {
	a.setDisabled(w, r, true)
}

func (a *API) handleEnable(w http.ResponseWriter, r *http.Request) {
	a.setDisabled(w, r, false)
}

func (a *API) setDisabled(w http.ResponseWriter, r *http.Request, disable bool) {
	svc, ok := a.accounts(w, r)
	if !ok {
		return
	}
	username := r.PathValue("username")
	var err error
	if disable {
		if a.isSelf(r, username) {
			writeError(w, r, http.StatusConflict, "administrators cannot disable their own account")
			return
		}
		err = svc.Disable(r.Context(), username)
	} else {
		err = svc.Enable(r.Context(), username)
	}
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), a.log, "account.disabled_changed", map[string]any{
		"username": username,
		"disabled": disable,
	})
	a.writeAccount(w, r, svc, username)
}

type changePasswordRequest struct {
	Current string `json:"current_password"`
	New     string `json:"new_password"`
}

// handleChangePassword lets a local account holder replace their own password.
func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	svc, ok := a.accounts(w, r)
	if !ok {
		return
	}
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		unauthorized(w, r, "unauthorized")
		return
	}
	if p.Issuer != a.deps.Identity.Issuer().Issuer() {
		writeError(w, r, http.StatusForbidden, "only local accounts have passwords")
		return
	}
	var req changePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	err := svc.ChangePassword(r.Context(), p.Subject, req.Current, req.New)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			_ = audit.LogEvent(r.Context(), a.log, "account.password_change_rejected", map[string]any{
				"username":  p.Subject,
				"remote_ip": clientIP(r),
			})
			writeError(w, r, http.StatusForbidden, "current password is incorrect")
			return
		}
		a.handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), a.log, "account.password_changed", map[string]any{"username": p.Subject})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) isSelf(r *http.Request, username string) bool {
	p, ok := auth.PrincipalFrom(r.Context())
	return ok && p.Issuer == a.deps.Identity.Issuer().Issuer() && p.Subject == username
}

func (a *API) writeAccount(w http.ResponseWriter, r *http.Request, svc *auth.AccountService, username string) {
	acc, err := svc.Account(r.Context(), username)
	if err != nil {
		a.handleAuthError(w, r, fmt.Errorf("reload account %q: %w", username, err))
		return
	}
	writeJSON(w, http.StatusOK, toAccountResponse(acc))
}
