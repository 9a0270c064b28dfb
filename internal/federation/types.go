// Package federation implements peer-table management, referral
// generation for federated search, and snapshot/delta synchronization
// between MRS servers.
package federation

import (
	"errors"
	"time"

	"github.com/mrs-federation/mrs/internal/registry"
)

var (
	ErrUnknownPeer   = errors.New("federation: unknown peer")
	ErrCursorExpired = errors.New("federation: sync cursor is stale, snapshot required")
	ErrSovereignty   = errors.New("federation: peer claims to own one of our own records")
)

// EventKind is the delta-sync event catalog: a Type tag plus payload,
// applied here to replicated record events rather than replicated
// control-plane mutations.
type EventKind string

const (
	EventCreated EventKind = "created"
	EventUpdated EventKind = "updated"
	EventDeleted EventKind = "deleted"
)

// Event is one entry of a delta-sync stream.
type Event struct {
	Kind      EventKind
	Record    *registry.Registration
	Tombstone *Tombstone
	Cursor    string
}

// Tombstone marks a canonical record as deleted, carried in delta/snapshot
// streams so peers can converge on deletions they did not themselves apply.
type Tombstone struct {
	OriginServer string
	OriginID     string
	Version      int64
	DeletedAt    time.Time
}

// Referral is one entry returned to a client alongside local search
// results, pointing it at another server that may hold relevant data.
type Referral struct {
	Server string
	Hint   string
}
