// Package validation rejects syntactically malformed client input before it
// reaches the registry or federation layers, per the server's error
// taxonomy. It treats all client input as untrusted.
package validation

import (
	"net/url"
	"strings"
	"unicode"

	"github.com/mrs-federation/mrs/internal/apierr"
)

const maxServicePointLen = 2048

// ServicePoint validates a service_point candidate: a syntactically valid
// https:// URI, no userinfo/fragment/whitespace/control characters, a
// required host, and a bounded length. These constraints are
// security-critical and rejected with invalid_uri, never silently
// corrected.
func ServicePoint(raw string) error {
	if raw == "" {
		return apierr.ErrMissingField.WithDetail("service_point")
	}
	if len(raw) > maxServicePointLen {
		return apierr.ErrInvalidURI.WithDetail("service_point exceeds max length")
	}
	for _, r := range raw {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return apierr.ErrInvalidURI.WithDetail("service_point contains whitespace or control characters")
		}
	}

	u, err := url.Parse(raw)
	if err != nil {
		return apierr.ErrInvalidURI.WithCause(err)
	}
	if u.Scheme != "https" {
		return apierr.ErrInvalidURI.WithDetail("service_point must use https")
	}
	if u.Host == "" {
		return apierr.ErrInvalidURI.WithDetail("service_point requires a host")
	}
	if u.User != nil {
		return apierr.ErrInvalidURI.WithDetail("service_point must not carry userinfo")
	}
	if u.Fragment != "" {
		return apierr.ErrInvalidURI.WithDetail("service_point must not carry a fragment")
	}
	if strings.ContainsAny(raw, " \t\r\n") {
		return apierr.ErrInvalidURI.WithDetail("service_point contains whitespace")
	}
	return nil
}
