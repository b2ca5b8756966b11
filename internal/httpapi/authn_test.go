package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"datacat.org/internal/auth"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func withPrincipal(req *http.Request, roles ...auth.RoleKey) *http.Request {
	p := auth.Principal{Issuer: testIssuer, Subject: "user-1", Actor: &auth.Actor{ID: "a-1", Roles: roles}}
	return req.WithContext(auth.WithPrincipal(req.Context(), p))
}

func TestRequireRoleAllowsMatchingRole(t *testing.T) {
	handler := RequireRole(auth.RoleAdmin)(okHandler())
	req := withPrincipal(httptest.NewRequest(http.MethodGet, "/internal", nil), auth.RoleAdmin)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestRequireRoleRejectsMissingRole(t *testing.T) {
	handler := RequireRole(auth.RoleAdmin)(okHandler())
	req := withPrincipal(httptest.NewRequest(http.MethodGet, "/internal", nil), "viewer")

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	if !strings.Contains(rr.Header().Get("WWW-Authenticate"), "insufficient_scope") {
		t.Fatalf("expected insufficient_scope challenge, got %q", rr.Header().Get("WWW-Authenticate"))
	}
}

func TestRequireRoleRejectsMissingPrincipal(t *testing.T) {
	handler := RequireRole(auth.RoleAdmin)(okHandler())

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/internal", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if rr.Header().Get("WWW-Authenticate") == "" {
		t.Fatalf("expected WWW-Authenticate header")
	}
}

type stubAuthenticator struct {
	principal auth.Principal
	err       error
	gotToken  string
}

func (s *stubAuthenticator) WhoAmI(_ context.Context, token string) (auth.Principal, error) {
	s.gotToken = token
	return s.principal, s.err
}

func TestAuthenticateAttachesPrincipal(t *testing.T) {
	stub := &stubAuthenticator{principal: auth.Principal{Issuer: testIssuer, Subject: "alice"}}
	var seen auth.Principal
	handler := Authenticate(stub, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = auth.PrincipalFrom(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/auth/whoami", nil)
	req.Header.Set("Authorization", "bearer  abc.def.ghi ")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if stub.gotToken != "abc.def.ghi" {
		t.Fatalf("expected trimmed token, got %q", stub.gotToken)
	}
	if seen.Subject != "alice" {
		t.Fatalf("expected principal alice in context, got %+v", seen)
	}
}

func TestAuthenticateFailures(t *testing.T) {
	var internal error
	onError := func(w http.ResponseWriter, r *http.Request, err error) {
		internal = err
		w.WriteHeader(http.StatusInternalServerError)
	}

	cases := []struct {
		name   string
		header string
		err    error
		want   int
	}{
		{name: "missing header", header: "", want: http.StatusUnauthorized},
		{name: "basic scheme", header: "Basic dXNlcjpwYXNz", want: http.StatusUnauthorized},
		{name: "empty bearer", header: "Bearer ", want: http.StatusUnauthorized},
		{name: "rejected token", header: "Bearer t", err: auth.ErrUnauthorized, want: http.StatusUnauthorized},
		{name: "store failure", header: "Bearer t", err: errors.New("db down"), want: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			internal = nil
			handler := Authenticate(&stubAuthenticator{err: tc.err}, onError)(okHandler())
			req := httptest.NewRequest(http.MethodGet, "/v1/auth/whoami", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			if rr.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rr.Code)
			}
			if tc.want == http.StatusUnauthorized {
				if !strings.Contains(rr.Header().Get("WWW-Authenticate"), "Bearer") {
					t.Fatalf("expected Bearer challenge, got %q", rr.Header().Get("WWW-Authenticate"))
				}
				if internal != nil {
					t.Fatalf("expected no internal error, got %v", internal)
				}
			}
		})
	}
}
