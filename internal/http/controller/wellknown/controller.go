// Package wellknown serves the server-metadata and key-discovery documents
// at GET /.well-known/mrs and GET /.well-known/mrs/keys/{identity}, per
// spec.md §4.W.
package wellknown

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/mrs-federation/mrs/internal/apierr"
	"github.com/mrs-federation/mrs/internal/federation"
	"github.com/mrs-federation/mrs/internal/geo"
	"github.com/mrs-federation/mrs/internal/keys"
	"github.com/mrs-federation/mrs/internal/store"
)

const MRSVersion = "1.0"

// Capabilities advertises the geometry kinds and radius ceiling this server
// accepts, so a federated client can decide whether a request is even
// worth sending.
type Capabilities struct {
	GeometryTypes []string `json:"geometry_types"`
	MaxRadius     float64  `json:"max_radius"`
}

type peerInfo struct {
	Server string `json:"server"`
	Hint   string `json:"hint,omitempty"`
}

// Document is the GET /.well-known/mrs response body.
type Document struct {
	MRSVersion           string            `json:"mrs_version"`
	Server               string            `json:"server"`
	Operator             string            `json:"operator"`
	AuthoritativeRegions []json.RawMessage `json:"authoritative_regions"`
	KnownPeers           []peerInfo        `json:"known_peers"`
	Capabilities         Capabilities      `json:"capabilities"`
}

// KeyDocument is one published public key, as returned in key form at
// GET /.well-known/mrs/keys/{identity}.
type KeyDocument struct {
	Owner      string `json:"owner"`
	KeyID      string `json:"key_id"`
	Algorithm  string `json:"algorithm"`
	PublicKey  string `json:"public_key"`
	Deprecated bool   `json:"deprecated"`
}

// Controller serves the well-known discovery surface.
type Controller struct {
	serverURL string
	operator  string
	maxRadius float64
	regions   []geo.Geometry
	peers     *federation.Peers
	keyStore  store.KeyStore
}

func New(serverURL, operator string, maxRadius float64, regions []geo.Geometry, peers *federation.Peers, keyStore store.KeyStore) *Controller {
	return &Controller{
		serverURL: serverURL,
		operator:  operator,
		maxRadius: maxRadius,
		regions:   regions,
		peers:     peers,
		keyStore:  keyStore,
	}
}

// Metadata handles GET /.well-known/mrs.
func (c *Controller) Metadata(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	regions := make([]json.RawMessage, 0, len(c.regions))
	for _, g := range c.regions {
		raw, err := geo.MarshalGeometry(g)
		if err != nil {
			continue
		}
		regions = append(regions, raw)
	}

	var known []peerInfo
	if c.peers != nil {
		all, err := c.peers.All(ctx)
		if err == nil {
			for _, p := range all {
				known = append(known, peerInfo{Server: p.BaseURL, Hint: p.Hint})
			}
		}
	}

	doc := Document{
		MRSVersion:           MRSVersion,
		Server:               c.serverURL,
		Operator:             c.operator,
		AuthoritativeRegions: regions,
		KnownPeers:           known,
		Capabilities: Capabilities{
			GeometryTypes: []string{"sphere", "polygon"},
			MaxRadius:     c.maxRadius,
		},
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(doc)
}

// Keys handles GET /.well-known/mrs/keys/{identity}. identity is "_server"
// for this server's own signing key, or a local user's bare subject.
func (c *Controller) Keys(w http.ResponseWriter, r *http.Request) {
	identity := strings.TrimPrefix(r.PathValue("identity"), "/")
	if identity == "" {
		apierr.WriteError(w, apierr.ErrMissingField.WithDetail("identity"))
		return
	}

	recs, err := c.keyStore.ListKeysByOwner(r.Context(), identity)
	if err != nil {
		apierr.WriteError(w, apierr.ErrInternal.WithCause(err))
		return
	}
	if len(recs) == 0 {
		apierr.WriteError(w, apierr.ErrNotFound)
		return
	}

	out := make([]KeyDocument, 0, len(recs))
	for _, rec := range recs {
		out = append(out, KeyDocument{
			Owner:      rec.OwnerSubject,
			KeyID:      rec.KeyID,
			Algorithm:  rec.Algorithm,
			PublicKey:  keys.EncodePublicKey(rec.PublicKey),
			Deprecated: rec.RotatedAt != nil,
		})
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if len(out) == 1 {
		_ = json.NewEncoder(w).Encode(out[0])
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"keys": out})
}
