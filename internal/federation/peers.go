package federation

import (
	"context"
	"sort"

	"github.com/mrs-federation/mrs/internal/geo"
	"github.com/mrs-federation/mrs/internal/store"
)

// Peers implements peer-table management. Configured peers are bootstrap
// entries, permanent until manually removed; learned peers arrive via
// LearnFromReferral and are best-effort.
type Peers struct {
	store store.PeerStore
	self  string
}

func NewPeers(s store.PeerStore, selfServerURL string) *Peers {
	return &Peers{store: s, self: selfServerURL}
}

// Add registers or refreshes a peer. isConfigured=true marks a permanent
// bootstrap entry; the merge semantics (hint only replaces if non-empty,
// is_configured never regresses) live in the store implementation.
func (p *Peers) Add(ctx context.Context, serverURL, hint string, isConfigured bool, regions []geo.Geometry) error {
	return p.store.UpsertPeer(ctx, &store.Peer{
		ServerID:             serverURL,
		BaseURL:              serverURL,
		Hint:                 hint,
		IsConfigured:         isConfigured,
		AuthoritativeRegions: regions,
	})
}

// LearnFromReferral records a peer discovered via a search referral as a
// non-configured (best-effort) entry.
func (p *Peers) LearnFromReferral(ctx context.Context, serverURL, hint string) error {
	if serverURL == p.self {
		return nil
	}
	return p.Add(ctx, serverURL, hint, false, nil)
}

func (p *Peers) Get(ctx context.Context, serverURL string) (*store.Peer, error) {
	return p.store.GetPeer(ctx, serverURL)
}

// All returns every known peer, configured first then by last_seen
// descending (store implementations already sort this way; re-sorted here
// so callers never depend on backend ordering guarantees).
func (p *Peers) All(ctx context.Context) ([]*store.Peer, error) {
	peers, err := p.store.ListPeers(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(peers, func(i, j int) bool {
		if peers[i].IsConfigured != peers[j].IsConfigured {
			return peers[i].IsConfigured
		}
		return peers[i].LastSeen.After(peers[j].LastSeen)
	})
	return peers, nil
}

func (p *Peers) Configured(ctx context.Context) ([]*store.Peer, error) {
	all, err := p.All(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0:0]
	for _, peer := range all {
		if peer.IsConfigured {
			out = append(out, peer)
		}
	}
	return out, nil
}

func (p *Peers) Touch(ctx context.Context, serverURL string, seq int64) error {
	return p.store.UpdatePeerSyncCursor(ctx, serverURL, seq)
}
