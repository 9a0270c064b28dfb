package federation

import (
	"context"
	"sort"

	"github.com/mrs-federation/mrs/internal/geo"
)

// referralCap bounds fan-out per search.
const referralCap = 16

// Referrals generates the referral list for a search at (center, rangeM):
// always include configured peers, and include a learned peer only if one
// of its authoritative regions intersects the query, excluding self and
// anything in exclude. Ordering is stable and deterministic: configured
// before learned, then last_seen descending, then server_url ascending,
// capped at referralCap.
func (p *Peers) Referrals(ctx context.Context, center geo.Point, rangeM float64, exclude map[string]bool) ([]Referral, error) {
	peers, err := p.All(ctx)
	if err != nil {
		return nil, err
	}

	type candidate struct {
		serverID     string
		hint         string
		isConfigured bool
		lastSeen     int64
	}
	var cands []candidate

	for _, peer := range peers {
		if peer.ServerID == p.self || exclude[peer.ServerID] {
			continue
		}
		if peer.IsConfigured {
			cands = append(cands, candidate{peer.ServerID, peer.Hint, true, peer.LastSeen.UnixNano()})
			continue
		}
		if peerCoversArea(peer.AuthoritativeRegions, center, rangeM) {
			cands = append(cands, candidate{peer.ServerID, peer.Hint, false, peer.LastSeen.UnixNano()})
		}
	}

	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].isConfigured != cands[j].isConfigured {
			return cands[i].isConfigured
		}
		if cands[i].lastSeen != cands[j].lastSeen {
			return cands[i].lastSeen > cands[j].lastSeen
		}
		return cands[i].serverID < cands[j].serverID
	})

	if len(cands) > referralCap {
		cands = cands[:referralCap]
	}

	out := make([]Referral, 0, len(cands))
	for _, c := range cands {
		out = append(out, Referral{Server: c.serverID, Hint: c.hint})
	}
	return out, nil
}

// peerCoversArea reports whether any of a peer's claimed authoritative
// regions intersects the search sphere, reusing the same intersection
// test the registry uses for precise search filtering.
func peerCoversArea(regions []geo.Geometry, center geo.Point, rangeM float64) bool {
	for _, region := range regions {
		if geo.Intersects(region, center, rangeM) {
			return true
		}
	}
	return false
}
