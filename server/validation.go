package server

import (
	"fmt"
	"net/url"
	"strings"
)

// validateRedirectURI checks a redirect URI against a client's registered set.
// Matching is exact string comparison; no wildcard or prefix matching.
func validateRedirectURI(redirectURI string, registered []string) error {
	if redirectURI == "" {
		return fmt.Errorf("%w: redirect_uri is required", ErrInvalidRedirectURI)
	}

	parsed, err := url.Parse(redirectURI)
	if err != nil || parsed.Scheme == "" {
		return fmt.Errorf("%w: redirect_uri is not an absolute URI", ErrInvalidRedirectURI)
	}
	if parsed.Fragment != "" {
		return fmt.Errorf("%w: redirect_uri must not contain a fragment", ErrInvalidRedirectURI)
	}

	for _, uri := range registered {
		if uri == redirectURI {
			return nil
		}
	}

	return ErrInvalidRedirectURI
}

// validateScope checks a space-delimited scope string against an allowed set.
// An empty allowed set permits everything.
func validateScope(scope string, allowed []string) error {
	if scope == "" || len(allowed) == 0 {
		return nil
	}

	allowedSet := make(map[string]struct{}, len(allowed))
	for _, s := range allowed {
		allowedSet[s] = struct{}{}
	}

	for _, requested := range strings.Fields(scope) {
		if _, ok := allowedSet[requested]; !ok {
			return fmt.Errorf("%w: %q", ErrInvalidScope, requested)
		}
	}

	return nil
}

// scopeSubset reports whether every scope in requested also appears in
// granted. Used to forbid scope widening on refresh.
func scopeSubset(requested, granted string) bool {
	grantedSet := make(map[string]struct{})
	for _, s := range strings.Fields(granted) {
		grantedSet[s] = struct{}{}
	}
	for _, s := range strings.Fields(requested) {
		if _, ok := grantedSet[s]; !ok {
			return false
		}
	}
	return true
}
