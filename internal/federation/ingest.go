package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mrs-federation/mrs/internal/geo"
	"github.com/mrs-federation/mrs/internal/observability/logger"
	"github.com/mrs-federation/mrs/internal/store"
)

const syncPullTimeout = 30 * time.Second

// wireRecord is the JSON transfer form of a registration as exchanged over
// /sync/snapshot and /sync/changes, grounded on the same wire shape the
// registry controller uses for ordinary registrations (internal/geo's
// tagged-union codec for Geometry).
type wireRecord struct {
	OriginServer string            `json:"origin_server"`
	OriginID     string            `json:"origin_id"`
	OwnerSubject string            `json:"owner_subject"`
	ServiceURI   string            `json:"service_point,omitempty"`
	FOAD         bool              `json:"foad"`
	Geometry     json.RawMessage   `json:"geometry"`
	Version      int64             `json:"version"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created"`
	UpdatedAt    time.Time         `json:"updated"`
}

type wireTombstone struct {
	OriginServer string    `json:"origin_server"`
	OriginID     string    `json:"origin_id"`
	Version      int64     `json:"version"`
	DeletedAt    time.Time `json:"deleted_at"`
}

type wireSnapshotPage struct {
	Records []wireRecord  `json:"records"`
	Cursor  *OriginCursor `json:"cursor,omitempty"`
}

type wireEvent struct {
	Kind      EventKind      `json:"kind"`
	Record    *wireRecord    `json:"record,omitempty"`
	Tombstone *wireTombstone `json:"tombstone,omitempty"`
	Cursor    string         `json:"cursor"`
}

type wireDeltaPage struct {
	Events []wireEvent `json:"events"`
}

// Ingestor pulls snapshot/delta state from peers into the local store,
// One pull per peer runs at a
// time; concurrent callers for the same peer collapse into the in-flight
// pull, the same singleflight-coalescing idiom internal/keys.RemoteKeyCache
// uses for key fetches.
type Ingestor struct {
	store        store.Store
	peers        *Peers
	originServer string
	client       *http.Client
	metrics      Metrics
	sf           singleflight.Group
}

func NewIngestor(s store.Store, peers *Peers, originServer string, metrics Metrics) *Ingestor {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Ingestor{
		store:        s,
		peers:        peers,
		originServer: originServer,
		client:       &http.Client{Timeout: syncPullTimeout},
		metrics:      metrics,
	}
}

// Pull runs one sync cycle against peerURL: snapshot if we have no cursor
// yet, otherwise a delta poll. Serialized per peer via singleflight so a
// second caller while a pull is in flight waits for it instead of racing it.
func (in *Ingestor) Pull(ctx context.Context, peerURL string) error {
	_, err, _ := in.sf.Do(peerURL, func() (any, error) {
		return nil, in.pull(ctx, peerURL)
	})
	return err
}

func (in *Ingestor) pull(ctx context.Context, peerURL string) error {
	log := logger.From(ctx).With(logger.Component("federation"), logger.Op("Pull"), logger.PeerID(peerURL))

	peer, err := in.peers.Get(ctx, peerURL)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, syncPullTimeout)
	defer cancel()

	if peer.LastSyncSeq == 0 {
		if err := in.pullSnapshot(ctx, peerURL); err != nil {
			log.Warn("snapshot pull failed", logger.Err(err))
			return err
		}
	}

	seq, err := in.pullDelta(ctx, peerURL, peer.LastSyncSeq)
	if err == ErrCursorExpired {
		// Our cursor is older than the peer's retention window: replaying
		// from it would silently skip tombstones already purged there.
		// Reset to a fresh snapshot and resume delta polling from scratch.
		log.Warn("cursor expired, falling back to snapshot", logger.Count(int(peer.LastSyncSeq)))
		if err := in.pullSnapshot(ctx, peerURL); err != nil {
			log.Warn("snapshot pull failed", logger.Err(err))
			return err
		}
		if err := in.peers.Touch(ctx, peerURL, 0); err != nil {
			return err
		}
		seq, err = in.pullDelta(ctx, peerURL, 0)
	}
	if err != nil {
		log.Warn("delta pull failed", logger.Err(err))
		return err
	}
	return in.peers.Touch(ctx, peerURL, seq)
}

func (in *Ingestor) pullSnapshot(ctx context.Context, peerURL string) error {
	var cursor *OriginCursor
	for {
		url := peerURL + "/sync/snapshot"
		if cursor != nil {
			url += "?after=" + cursor.OriginServer + "," + cursor.OriginID
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := in.client.Do(req)
		if err != nil {
			return err
		}
		var page wireSnapshotPage
		decErr := json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		if resp.StatusCode/100 != 2 {
			return fmt.Errorf("federation: snapshot http %d", resp.StatusCode)
		}
		if decErr != nil {
			return decErr
		}

		for _, wr := range page.Records {
			if err := in.applyReplica(ctx, peerURL, wr); err != nil {
				return err
			}
		}

		if page.Cursor == nil {
			return nil
		}
		cursor = page.Cursor
	}
}

func (in *Ingestor) pullDelta(ctx context.Context, peerURL string, sinceSeq int64) (int64, error) {
	log := logger.From(ctx).With(logger.Component("federation"), logger.Op("pullDelta"), logger.PeerID(peerURL))

	url := peerURL + "/sync/changes?since=" + strconv.FormatInt(sinceSeq, 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return sinceSeq, err
	}
	resp, err := in.client.Do(req)
	if err != nil {
		return sinceSeq, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone {
		return sinceSeq, ErrCursorExpired
	}
	if resp.StatusCode/100 != 2 {
		return sinceSeq, fmt.Errorf("federation: delta http %d", resp.StatusCode)
	}

	var page wireDeltaPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return sinceSeq, err
	}

	seq := sinceSeq
	for _, ev := range page.Events {
		switch ev.Kind {
		case EventCreated, EventUpdated:
			if ev.Record == nil {
				continue
			}
			if err := in.applyReplica(ctx, peerURL, *ev.Record); err != nil {
				if err == ErrSovereignty {
					log.Warn("sovereignty violation", logger.OriginID(ev.Record.OriginID))
					in.metrics.IncSovereigntyViolation()
					continue
				}
				return seq, err
			}
		case EventDeleted:
			if ev.Tombstone == nil {
				continue
			}
			if err := in.applyTombstone(ctx, peerURL, *ev.Tombstone); err != nil {
				if err == ErrSovereignty {
					log.Warn("sovereignty violation on delete", logger.OriginID(ev.Tombstone.OriginID))
					in.metrics.IncSovereigntyViolation()
					continue
				}
				return seq, err
			}
		}
		if n, convErr := strconv.ParseInt(ev.Cursor, 10, 64); convErr == nil && n > seq {
			seq = n
		}
	}
	return seq, nil
}

// applyReplica implements the created/updated ingest rule: refuse if the
// incoming record claims to be one of our own
// (sovereignty_violation); otherwise overwrite only if the version is
// strictly newer, with a conflict-detector check for same-version payload
// divergence.
func (in *Ingestor) applyReplica(ctx context.Context, peerURL string, wr wireRecord) error {
	if wr.OriginServer == in.originServer {
		return ErrSovereignty
	}

	g, err := geo.UnmarshalGeometry(wr.Geometry)
	if err != nil {
		return err
	}

	rec := &store.Record{
		OriginKey:      store.OriginKey{OriginServer: wr.OriginServer, OriginID: wr.OriginID},
		OwnerSubject:   wr.OwnerSubject,
		ServiceURI:     wr.ServiceURI,
		FOAD:           wr.FOAD,
		Geometry:       g,
		BBox:           geo.ComputeBBox(g),
		Version:        wr.Version,
		Metadata:       wr.Metadata,
		CreatedAt:      wr.CreatedAt,
		UpdatedAt:      wr.UpdatedAt,
		ReplicatedFrom: peerURL,
	}

	existing, err := in.store.GetRegistration(ctx, rec.OriginKey)
	if err == nil && existing.Version == rec.Version && !sameRecord(existing, rec) {
		// Same (origin, id, version) but different payload: a conflicting
		// replay. Keep whichever copy actually matches its own claimed
		// origin; this peer's copy doesn't unless origin_server already
		// equals our record, which sovereignty already ruled out above.
		in.metrics.IncConflictDetected()
		return nil
	}

	err = in.store.UpsertFromSync(ctx, rec)
	if err == store.ErrVersionStale {
		return nil
	}
	return err
}

func sameRecord(a, b *store.Record) bool {
	return a.ServiceURI == b.ServiceURI && a.OwnerSubject == b.OwnerSubject
}

// applyTombstone implements the "deleted" ingest rule: apply the
// tombstone at the event's version, replacing any held record whose
// version is lower (one at an equal or higher version is kept). A
// tombstone we never had a replica for still gets recorded (as a
// geometry-less shell at the tombstone's version) so a later snapshot pull
// from a third peer can't resurrect what was deliberately deleted.
func (in *Ingestor) applyTombstone(ctx context.Context, peerURL string, wt wireTombstone) error {
	if wt.OriginServer == in.originServer {
		return ErrSovereignty
	}

	key := store.OriginKey{OriginServer: wt.OriginServer, OriginID: wt.OriginID}
	rec := &store.Record{
		OriginKey:      key,
		Version:        wt.Version,
		Tombstone:      true,
		UpdatedAt:      wt.DeletedAt,
		ReplicatedFrom: peerURL,
		Geometry:       geo.Sphere{},
	}

	if existing, err := in.store.GetRegistration(ctx, key); err == nil {
		rec.OwnerSubject = existing.OwnerSubject
		rec.ServiceURI = existing.ServiceURI
		rec.FOAD = existing.FOAD
		rec.Geometry = existing.Geometry
		rec.BBox = existing.BBox
		rec.Metadata = existing.Metadata
		rec.CreatedAt = existing.CreatedAt
	}

	err := in.store.UpsertFromSync(ctx, rec)
	if err == store.ErrVersionStale {
		return nil
	}
	return err
}
