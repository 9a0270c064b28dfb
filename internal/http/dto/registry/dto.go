// Package registry defines the JSON wire shapes for the spatial-registry
// HTTP surface (POST /register, POST /release, POST /search) and the
// conversions to and from internal/registry's domain types. Kept separate
// from the controller so the wire contract can be eyeballed and tested on
// its own, the same split internal/http/controller/sync uses for its
// snapshot/delta payloads.
package registry

import (
	"encoding/json"
	"time"

	"github.com/mrs-federation/mrs/internal/geo"
	"github.com/mrs-federation/mrs/internal/registry"
)

// CanonicalHint names the (origin_server, origin_id) pair a register call
// claims to canonically belong to, carried over JSON as snake_case.
type CanonicalHint struct {
	OriginServer string `json:"origin_server"`
	OriginID     string `json:"origin_id"`
}

// RegisterRequest is the POST /register wire body.
type RegisterRequest struct {
	ServicePoint  string            `json:"service_point,omitempty"`
	FOAD          bool              `json:"foad,omitempty"`
	Geometry      json.RawMessage   `json:"geometry"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CanonicalHint *CanonicalHint    `json:"canonical_hint,omitempty"`
}

// ToRegisterRequest decodes the wire geometry and assembles the domain
// request internal/registry.Service.Register expects.
func (r *RegisterRequest) ToRegisterRequest() (registry.RegisterRequest, error) {
	var geom geo.Geometry
	if len(r.Geometry) > 0 {
		g, err := geo.UnmarshalGeometry(r.Geometry)
		if err != nil {
			return registry.RegisterRequest{}, err
		}
		geom = g
	}

	var hint *registry.CanonicalID
	if r.CanonicalHint != nil {
		hint = &registry.CanonicalID{
			OriginServer: r.CanonicalHint.OriginServer,
			OriginID:     r.CanonicalHint.OriginID,
		}
	}

	return registry.RegisterRequest{
		ServiceURI:    r.ServicePoint,
		FOAD:          r.FOAD,
		Geometry:      geom,
		Metadata:      r.Metadata,
		CanonicalHint: hint,
	}, nil
}

// ReleaseRequest is the POST /release wire body.
type ReleaseRequest struct {
	ID string `json:"id"`
}

// RegistrationResponse is the wire shape returned from a successful
// register or a lookup, mirroring internal/registry.Registration.
type RegistrationResponse struct {
	OriginServer string            `json:"origin_server"`
	OriginID     string            `json:"origin_id"`
	ServicePoint string            `json:"service_point,omitempty"`
	FOAD         bool              `json:"foad"`
	Geometry     json.RawMessage   `json:"geometry"`
	Version      int64             `json:"version"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created"`
	UpdatedAt    time.Time         `json:"updated"`
}

// FromRegistration encodes a domain Registration for the wire.
func FromRegistration(reg *registry.Registration) (*RegistrationResponse, error) {
	geomJSON, err := geo.MarshalGeometry(reg.Geometry)
	if err != nil {
		return nil, err
	}
	return &RegistrationResponse{
		OriginServer: reg.OriginServer,
		OriginID:     reg.OriginID,
		ServicePoint: reg.ServiceURI,
		FOAD:         reg.FOAD,
		Geometry:     geomJSON,
		Version:      reg.Version,
		Metadata:     reg.Metadata,
		CreatedAt:    reg.CreatedAt,
		UpdatedAt:    reg.UpdatedAt,
	}, nil
}

// SearchRequest is the POST /search wire body.
type SearchRequest struct {
	Location geo.Point `json:"location"`
	Range    float64   `json:"range"`
	Limit    int       `json:"limit,omitempty"`
}

// SearchHit is one entry of a search response, decorated with the distance
// and volume the registry ordered by.
type SearchHit struct {
	RegistrationResponse
	DistanceMeters float64 `json:"distance_m"`
	VolumeM3       float64 `json:"volume_m3"`
}

// FromSearchHit encodes a domain SearchHit for the wire. FOAD and
// service_point are mutually exclusive by construction, so a FOAD hit's
// service_point is already empty here.
func FromSearchHit(h registry.SearchHit) (*SearchHit, error) {
	reg, err := FromRegistration(&h.Registration)
	if err != nil {
		return nil, err
	}
	return &SearchHit{
		RegistrationResponse: *reg,
		DistanceMeters:       h.DistanceMeters,
		VolumeM3:             h.VolumeM3,
	}, nil
}

// Referral points a searcher at a peer server that may hold closer hits,
// per the inside-out search-and-refer flow.
type Referral struct {
	Server string `json:"server"`
	Hint   string `json:"hint,omitempty"`
}

// SearchResponse is the POST /search wire body.
type SearchResponse struct {
	Results   []SearchHit `json:"results"`
	Referrals []Referral  `json:"referrals,omitempty"`
}
