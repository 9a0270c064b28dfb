// Package auth authenticates incoming requests, either as a local user
// (bearer token over email/password login) or as a federated peer server
// (HTTP Message Signature over that peer's own signing key).
package auth

import (
	"errors"
	"time"
)

var (
	ErrInvalidCredentials = errors.New("auth: invalid email or password")
	ErrInvalidToken        = errors.New("auth: invalid or expired bearer token")
	ErrInvalidSignature    = errors.New("auth: invalid http message signature")
	ErrIdentityMismatch    = errors.New("auth: signing key host does not match claimed origin server")
	ErrUnknownPeer         = errors.New("auth: unrecognized origin server")
)

// IdentityKind distinguishes a locally-registered user from a federated
// peer server acting as itself.
type IdentityKind string

const (
	IdentityUser IdentityKind = "user"
	IdentityPeer IdentityKind = "peer"
)

// Identity is the authenticated caller of a request, attached to the
// request context by the auth middleware. IsLocal is true only for a
// bearer-authenticated local account; a signature-authenticated identity
// (possibly a foreign user federated in from another server) is always
// false, even once it has a persisted shell user row.
type Identity struct {
	Kind    IdentityKind
	Subject string // "user@domain" for a signature identity, the local subject for a bearer one
	Domain  string // claimed domain, set only on the signature path
	IsLocal bool
}

// TokenTTL is how long a freshly issued bearer token remains valid.
const TokenTTL = 30 * 24 * time.Hour
