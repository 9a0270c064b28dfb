// Package admin wires operator-only peer management onto POST /admin/peers.
package admin

import (
	"encoding/json"
	"net/http"

	"github.com/mrs-federation/mrs/internal/apierr"
	"github.com/mrs-federation/mrs/internal/federation"
	"github.com/mrs-federation/mrs/internal/geo"
	"github.com/mrs-federation/mrs/internal/observability/logger"
)

const maxBodySize = 64 * 1024

type addPeerRequest struct {
	ServerURL string            `json:"server_url"`
	Hint      string            `json:"hint"`
	Regions   []json.RawMessage `json:"regions,omitempty"`
}

type addPeerResponse struct {
	ServerURL string `json:"server_url"`
	Status    string `json:"status"`
}

// Controller handles operator-initiated peer-table changes.
type Controller struct {
	peers *federation.Peers
}

func New(peers *federation.Peers) *Controller {
	return &Controller{peers: peers}
}

// AddPeer handles POST /admin/peers, hand-adding a bootstrap or
// out-of-band-learned peer that did not arrive via a referral.
func (c *Controller) AddPeer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Component("admin"), logger.Op("AddPeer"))

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()

	var body addPeerRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apierr.WriteError(w, apierr.ErrMissingField.WithCause(err))
		return
	}
	if body.ServerURL == "" {
		apierr.WriteError(w, apierr.ErrMissingField.WithDetail("server_url"))
		return
	}

	regions := make([]geo.Geometry, 0, len(body.Regions))
	for _, raw := range body.Regions {
		g, err := geo.UnmarshalGeometry(raw)
		if err != nil {
			apierr.WriteError(w, apierr.ErrInvalidGeometry.WithCause(err))
			return
		}
		regions = append(regions, g)
	}

	if err := c.peers.Add(ctx, body.ServerURL, body.Hint, true, regions); err != nil {
		log.Warn("add peer failed", logger.Err(err))
		apierr.WriteError(w, apierr.ErrInternal.WithCause(err))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(addPeerResponse{ServerURL: body.ServerURL, Status: "added"})
}
