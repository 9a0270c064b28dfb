package federation

import (
	"context"
	"strconv"
	"time"

	"github.com/mrs-federation/mrs/internal/observability/logger"
	"github.com/mrs-federation/mrs/internal/registry"
	"github.com/mrs-federation/mrs/internal/store"
)

// TombstoneRetention is the minimum duration a tombstone is kept before it
// may be physically purged ("retained at least 30 days").
const TombstoneRetention = 30 * 24 * time.Hour

// Metrics is the narrow slice of internal/metrics a federation Engine
// needs, kept as an interface here so federation does not import the
// concrete metrics package (avoiding an import cycle with the http layer
// that wires both).
type Metrics interface {
	IncConflictDetected()
	IncSovereigntyViolation()
}

type noopMetrics struct{}

func (noopMetrics) IncConflictDetected()     {}
func (noopMetrics) IncSovereigntyViolation() {}

// Engine implements the snapshot/delta sync protocol and sync-ingest rules
// built on top of Peers for peer-table bookkeeping.
type Engine struct {
	store        store.Store
	peers        *Peers
	originServer string
	metrics      Metrics
}

type Deps struct {
	Store        store.Store
	OriginServer string
	Metrics      Metrics
}

func NewEngine(deps Deps) *Engine {
	m := deps.Metrics
	if m == nil {
		m = noopMetrics{}
	}
	return &Engine{
		store:        deps.Store,
		peers:        NewPeers(deps.Store, deps.OriginServer),
		originServer: deps.OriginServer,
		metrics:      m,
	}
}

func (e *Engine) Peers() *Peers { return e.peers }

// SnapshotPage is one page of the snapshot endpoint response.
type SnapshotPage struct {
	Records []*registry.Registration
	Cursor  *OriginCursor // nil when this is the last page
}

// OriginCursor is the continuation token for snapshot pagination, keyed on
// the same (origin_server, origin_id) ordering the store uses.
type OriginCursor struct {
	OriginServer string
	OriginID     string
}

// Snapshot serves one page of GET /sync/snapshot, ordered deterministically
// by (origin_server, origin_id).
func (e *Engine) Snapshot(ctx context.Context, after *OriginCursor, limit int) (*SnapshotPage, error) {
	key := store.OriginKey{}
	if after != nil {
		key = store.OriginKey{OriginServer: after.OriginServer, OriginID: after.OriginID}
	}

	// Fetch one record past the page so a full final page is not mistaken
	// for one with more to follow.
	fetch := limit
	if limit > 0 {
		fetch = limit + 1
	}
	recs, err := e.store.ListAllOrdered(ctx, key, fetch)
	if err != nil {
		return nil, err
	}

	more := limit > 0 && len(recs) > limit
	if more {
		recs = recs[:limit]
	}
	page := &SnapshotPage{Records: make([]*registry.Registration, 0, len(recs))}
	for _, r := range recs {
		page.Records = append(page.Records, recordToRegistration(r))
	}
	if more {
		last := recs[len(recs)-1]
		page.Cursor = &OriginCursor{OriginServer: last.OriginServer, OriginID: last.OriginID}
	}
	return page, nil
}

// Delta serves GET /sync/changes?since=<cursor>. Returns ErrCursorExpired
// if the requested cursor lies behind the GC watermark: reproducing the
// stream from there would silently skip tombstones that have already been
// purged, which would violate replay safety.
func (e *Engine) Delta(ctx context.Context, sinceSeq int64, limit int) ([]Event, int64, error) {
	watermark, err := e.store.GCWatermark(ctx)
	if err != nil {
		return nil, 0, err
	}
	if sinceSeq < watermark {
		return nil, 0, ErrCursorExpired
	}

	recs, err := e.store.ChangesSince(ctx, store.ChangeCursor{OriginServer: e.originServer, Seq: sinceSeq}, limit)
	if err != nil {
		return nil, 0, err
	}

	events := make([]Event, 0, len(recs))
	var lastSeq int64 = sinceSeq
	for _, r := range recs {
		ev := Event{Cursor: cursorToken(r.ChangeSeq)}
		if r.Tombstone {
			ev.Kind = EventDeleted
			ev.Tombstone = &Tombstone{OriginServer: r.OriginServer, OriginID: r.OriginID, Version: r.Version, DeletedAt: r.UpdatedAt}
		} else if r.CreatedAt.Equal(r.UpdatedAt) {
			ev.Kind = EventCreated
			ev.Record = recordToRegistration(r)
		} else {
			ev.Kind = EventUpdated
			ev.Record = recordToRegistration(r)
		}
		events = append(events, ev)
		lastSeq = r.ChangeSeq
	}
	return events, lastSeq, nil
}

func recordToRegistration(r *store.Record) *registry.Registration {
	return &registry.Registration{
		OriginServer: r.OriginServer,
		OriginID:     r.OriginID,
		OwnerSubject: r.OwnerSubject,
		ServiceURI:   r.ServiceURI,
		FOAD:         r.FOAD,
		Geometry:     r.Geometry,
		Version:      r.Version,
		Metadata:     r.Metadata,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

// cursorToken renders a change_seq as the opaque cursor string callers are
// expected to treat as a black box, even though it's plain decimal here.
func cursorToken(seq int64) string {
	return strconv.FormatInt(seq, 10)
}

// GCTombstones purges tombstones past retention, advancing the replay-
// safety watermark so late-polling peers are forced back to a snapshot
// instead of silently skipping deletions.
func (e *Engine) GCTombstones(ctx context.Context) (int64, error) {
	log := logger.From(ctx).With(logger.Component("federation"), logger.Op("GCTombstones"))
	watermark, err := e.store.GCTombstones(ctx, TombstoneRetention)
	if err != nil {
		return 0, err
	}
	if watermark > 0 {
		log.Info("tombstones purged", logger.Count(int(watermark)))
	}
	return watermark, nil
}
