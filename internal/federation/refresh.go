package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mrs-federation/mrs/internal/geo"
	"github.com/mrs-federation/mrs/internal/observability/logger"
)

const metadataFetchTimeout = 5 * time.Second

// wellKnownResponse mirrors the shape returned by GET /.well-known/mrs,
// mirroring a well-known MRS server-metadata document.
type wellKnownResponse struct {
	MRSVersion           string              `json:"mrs_version"`
	Server               string              `json:"server"`
	Operator             string              `json:"operator"`
	AuthoritativeRegions []json.RawMessage   `json:"authoritative_regions"`
	KnownPeers           []wellKnownPeerInfo `json:"known_peers"`
}

type wellKnownPeerInfo struct {
	Server string `json:"server"`
	Hint   string `json:"hint"`
}

// RefreshMetadata fetches a peer's /.well-known/mrs document and updates its
// hint, authoritative regions, and last_seen. Failures are logged and do
// not remove the peer — a temporarily unreachable peer is not evidence it
// stopped existing.
func (p *Peers) RefreshMetadata(ctx context.Context, client *http.Client, serverURL string) error {
	log := logger.From(ctx).With(logger.Component("federation"), logger.Op("RefreshMetadata"), logger.PeerID(serverURL))

	ctx, cancel := context.WithTimeout(ctx, metadataFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, serverURL+"/.well-known/mrs", nil)
	if err != nil {
		log.Warn("peer refresh request build failed", logger.Err(err))
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		log.Warn("peer refresh unreachable", logger.Err(err))
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		log.Warn("peer refresh non-2xx", logger.Int("status", resp.StatusCode))
		return fmt.Errorf("federation: peer refresh http %d", resp.StatusCode)
	}

	var wk wellKnownResponse
	if err := json.NewDecoder(resp.Body).Decode(&wk); err != nil {
		log.Warn("peer refresh decode failed", logger.Err(err))
		return err
	}

	regions := make([]geo.Geometry, 0, len(wk.AuthoritativeRegions))
	for _, raw := range wk.AuthoritativeRegions {
		g, err := geo.UnmarshalGeometry(raw)
		if err != nil {
			continue
		}
		regions = append(regions, g)
	}

	hint := ""
	for _, kp := range wk.KnownPeers {
		if kp.Server == serverURL {
			hint = kp.Hint
			break
		}
	}

	if err := p.Add(ctx, serverURL, hint, false, regions); err != nil {
		log.Warn("peer refresh store update failed", logger.Err(err))
		return err
	}
	log.Info("peer refreshed", logger.Count(len(regions)))
	return nil
}
