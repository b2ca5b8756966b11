package auth

import (
	"fmt"
	"strings"
)

// Settings is the key/value reader the identity core loads its static configuration from.
type Settings interface {
	String(key string) string
	StringSlice(key string) []string
}

// ExternalProvidersFromSettings reads auth.external.issuers (a list of names) and for
// each name the issuer, jwks, algorithms and audiences sub-keys.
func ExternalProvidersFromSettings(s Settings) ([]ExternalProvider, error) {
	var out []ExternalProvider
	for _, name := range s.StringSlice("auth.external.issuers") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		prefix := "auth.external." + name + "."
		p := ExternalProvider{
			Name:        name,
			Issuer:      strings.TrimSpace(s.String(prefix + "issuer")),
			JWKSURI:     strings.TrimSpace(s.String(prefix + "jwks")),
			AllowedAlgs: s.StringSlice(prefix + "algorithms"),
			Audiences:   s.StringSlice(prefix + "audiences"),
		}
		if p.Issuer == "" || p.JWKSURI == "" {
			return nil, fmt.Errorf("auth: external issuer %q: %sissuer and %sjwks are required", name, prefix, prefix)
		}
		out = append(out, p)
	}
	return out, nil
}

// ClientsFromSettings reads auth.oidc.clients and each client's redirect_uris.
func ClientsFromSettings(s Settings) (StaticClients, error) {
	clients := StaticClients{}
	for _, id := range s.StringSlice("auth.oidc.clients") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		uris := s.StringSlice("auth.oidc.client." + id + ".redirect_uris")
		if len(uris) == 0 {
			return nil, fmt.Errorf("auth: oidc client %q has no redirect_uris", id)
		}
		clients[id] = OidcClient{ID: id, RedirectURIs: uris}
	}
	return clients, nil
}
