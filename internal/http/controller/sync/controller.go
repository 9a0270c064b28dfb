// Package sync wires federation.Engine's snapshot/delta protocol onto
// GET /sync/snapshot and GET /sync/changes, the peer-to-peer replication
// surface of spec.md §4.F.
package sync

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/mrs-federation/mrs/internal/apierr"
	"github.com/mrs-federation/mrs/internal/federation"
	"github.com/mrs-federation/mrs/internal/geo"
	"github.com/mrs-federation/mrs/internal/observability/logger"
	"github.com/mrs-federation/mrs/internal/registry"
)

const defaultPageLimit = 500

// wireRecord mirrors internal/federation/ingest.go's unexported wireRecord
// field-for-field: the two sides of the sync wire protocol must agree on
// tags independently of which package happens to encode or decode.
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
	Records []wireRecord              `json:"records"`
	Cursor  *federation.OriginCursor `json:"cursor,omitempty"`
}

type wireEvent struct {
	Kind      federation.EventKind `json:"kind"`
	Record    *wireRecord          `json:"record,omitempty"`
	Tombstone *wireTombstone       `json:"tombstone,omitempty"`
	Cursor    string               `json:"cursor"`
}

func toWireRecord(r *registry.Registration) (wireRecord, error) {
	geomJSON, err := geo.MarshalGeometry(r.Geometry)
	if err != nil {
		return wireRecord{}, err
	}
	return wireRecord{
		OriginServer: r.OriginServer,
		OriginID:     r.OriginID,
		OwnerSubject: r.OwnerSubject,
		ServiceURI:   r.ServiceURI,
		FOAD:         r.FOAD,
		Geometry:     geomJSON,
		Version:      r.Version,
		Metadata:     r.Metadata,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}, nil
}

// Controller handles the two sync endpoints peers poll.
type Controller struct {
	engine *federation.Engine
}

func New(engine *federation.Engine) *Controller {
	return &Controller{engine: engine}
}

// Snapshot handles GET /sync/snapshot?after=<origin_server>,<origin_id>.
func (c *Controller) Snapshot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Component("sync"), logger.Op("Snapshot"))

	var after *federation.OriginCursor
	if raw := r.URL.Query().Get("after"); raw != "" {
		parts := splitTwo(raw, ',')
		if parts == nil {
			apierr.WriteError(w, apierr.ErrMissingField.WithDetail("after must be origin_server,origin_id"))
			return
		}
		after = &federation.OriginCursor{OriginServer: parts[0], OriginID: parts[1]}
	}

	page, err := c.engine.Snapshot(ctx, after, defaultPageLimit)
	if err != nil {
		log.Warn("snapshot failed", logger.Err(err))
		apierr.WriteError(w, apierr.ErrInternal.WithCause(err))
		return
	}

	wire := wireSnapshotPage{Records: make([]wireRecord, 0, len(page.Records)), Cursor: page.Cursor}
	for _, r := range page.Records {
		wr, err := toWireRecord(r)
		if err != nil {
			apierr.WriteError(w, apierr.ErrInternal.WithCause(err))
			return
		}
		wire.Records = append(wire.Records, wr)
	}

	writeJSON(w, http.StatusOK, wire)
}

// Changes handles GET /sync/changes?since=<cursor>.
func (c *Controller) Changes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Component("sync"), logger.Op("Changes"))

	since, err := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	if err != nil {
		apierr.WriteError(w, apierr.ErrMissingField.WithDetail("since must be an integer cursor"))
		return
	}

	events, lastSeq, err := c.engine.Delta(ctx, since, defaultPageLimit)
	if err != nil {
		if errors.Is(err, federation.ErrCursorExpired) {
			apierr.WriteError(w, apierr.ErrCursorExpired)
			return
		}
		log.Warn("delta failed", logger.Err(err))
		apierr.WriteError(w, apierr.ErrInternal.WithCause(err))
		return
	}

	wireEvents := make([]wireEvent, 0, len(events))
	for _, ev := range events {
		we := wireEvent{Kind: ev.Kind, Cursor: ev.Cursor}
		if ev.Record != nil {
			wr, err := toWireRecord(ev.Record)
			if err != nil {
				apierr.WriteError(w, apierr.ErrInternal.WithCause(err))
				return
			}
			we.Record = &wr
		}
		if ev.Tombstone != nil {
			we.Tombstone = &wireTombstone{
				OriginServer: ev.Tombstone.OriginServer,
				OriginID:     ev.Tombstone.OriginID,
				Version:      ev.Tombstone.Version,
				DeletedAt:    ev.Tombstone.DeletedAt,
			}
		}
		wireEvents = append(wireEvents, we)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"events": wireEvents,
		"cursor": lastSeq,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func splitTwo(s string, sep byte) []string {
	idx := -1
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			idx = i
			break
		}
	}
	if idx < 0 || idx == 0 || idx == len(s)-1 {
		return nil
	}
	return []string{s[:idx], s[idx+1:]}
}
