// Package registry implements the core spatial-registration operations:
// Register, Release, and Search. It orchestrates internal/geo for spatial
// math and internal/store for persistence, and owns the registry's business
// rules (per-owner limits, dedupe, ordering).
package registry

import (
	"errors"
	"time"

	"github.com/mrs-federation/mrs/internal/geo"
)

var (
	ErrLimitExceeded    = errors.New("registry: max registrations per owner exceeded")
	ErrNotOwner         = errors.New("registry: caller does not own this registration")
	ErrNotFound         = errors.New("registry: registration not found")
	ErrInvalidRequest   = errors.New("registry: invalid registration request")
	ErrFOADInconsistent = errors.New("registry: foad and service_point are mutually exclusive")
	ErrNotAuthoritative = errors.New("registry: caller is not the origin server for this canonical id")
)

// NotAuthoritativeError wraps ErrNotAuthoritative with the origin_server the
// caller should have addressed instead, so the HTTP layer can echo it back
// in the error payload per the not_authoritative response shape.
type NotAuthoritativeError struct {
	OriginServer string
}

func (e *NotAuthoritativeError) Error() string {
	return ErrNotAuthoritative.Error()
}

func (e *NotAuthoritativeError) Is(target error) bool {
	return target == ErrNotAuthoritative
}

// RegisterRequest is the caller-supplied payload for creating or updating
// a spatial registration. FOAD ("do not disturb", advisory only — never
// enforced) and ServiceURI are mutually exclusive: FOAD=true requires
// ServiceURI empty and vice versa. A freshly-authored registration never
// carries a client-chosen origin_id: it gets a server-generated one, with origin_id
// set equal to it. Supplying a CanonicalHint naming an origin other than
// this server is rejected with ErrNotAuthoritative; naming this server
// instead targets an existing local record of the caller's for in-place
// update (version incremented, geometry/service_point/metadata may
// change, ownership never transfers).
type RegisterRequest struct {
	ServiceURI    string
	FOAD          bool
	Geometry      geo.Geometry
	Metadata      map[string]string
	CanonicalHint *CanonicalID
}

// CanonicalID names the (origin_server, origin_id) pair a registration
// claims to canonically belong to.
type CanonicalID struct {
	OriginServer string
	OriginID     string
}

// Registration is the public (federation-agnostic) view of a registered
// claim, as returned to API callers.
type Registration struct {
	OriginServer string
	OriginID     string
	OwnerSubject string
	ServiceURI   string
	FOAD         bool
	Geometry     geo.Geometry
	Version      int64
	Metadata     map[string]string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SearchHit is one result of a Search call, decorated with the distance
// and volume used for ordering.
type SearchHit struct {
	Registration
	DistanceMeters float64
	VolumeM3       float64
}

// SearchRequest describes a proximity query.
type SearchRequest struct {
	Center geo.Point
	Range  float64
	Limit  int
}

const defaultSearchLimit = 100
