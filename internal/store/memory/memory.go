// Package memory implementa store.Store en memoria de proceso, para
// desarrollo y para los tests unitarios de los paquetes que dependen de
// store.Store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mrs-federation/mrs/internal/geo"
	"github.com/mrs-federation/mrs/internal/store"
)

type Store struct {
	mu sync.RWMutex

	registrations map[store.OriginKey]*store.Record
	changeSeq     int64
	gcWatermark   int64

	users map[string]*store.User // by email
	bySub map[string]*store.User // by subject

	keys map[string]map[string]*store.KeyRecord // ownerSubject -> keyID -> key

	tokens map[string]*store.TokenRecord // by tokenHash

	peers map[string]*store.Peer // by serverID
}

// New crea un store en memoria vacío.
func New() *Store {
	return &Store{
		registrations: make(map[store.OriginKey]*store.Record),
		users:         make(map[string]*store.User),
		bySub:         make(map[string]*store.User),
		keys:          make(map[string]map[string]*store.KeyRecord),
		tokens:        make(map[string]*store.TokenRecord),
		peers:         make(map[string]*store.Peer),
	}
}

func (s *Store) Ping(ctx context.Context) error { return nil }
func (s *Store) Close()                         {}

func clone(r *store.Record) *store.Record {
	cp := *r
	if r.Metadata != nil {
		cp.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	if r.LastSyncedAt != nil {
		t := *r.LastSyncedAt
		cp.LastSyncedAt = &t
	}
	return &cp
}

func (s *Store) nextChangeSeq() int64 {
	s.changeSeq++
	return s.changeSeq
}

func (s *Store) CreateRegistration(ctx context.Context, r *store.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.registrations[r.OriginKey]; ok && !existing.Tombstone {
		return store.ErrConflict
	}

	r.ChangeSeq = s.nextChangeSeq()
	s.registrations[r.OriginKey] = clone(r)
	return nil
}

func (s *Store) GetRegistration(ctx context.Context, key store.OriginKey) (*store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.registrations[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(r), nil
}

// FindByOriginID escanea linealmente: el mapa está indexado por
// (OriginServer, OriginID), no por OriginID solo, así que no hay forma de
// indexar esta búsqueda sin mantener un segundo índice. Release es la
// única llamadora y no está en una ruta de alto volumen.
func (s *Store) FindByOriginID(ctx context.Context, originID string) (*store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.registrations {
		if r.OriginID == originID && !r.Tombstone {
			return clone(r), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) UpsertFromSync(ctx context.Context, r *store.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.registrations[r.OriginKey]
	if ok && r.Version <= existing.Version {
		return store.ErrVersionStale
	}

	now := time.Now()
	r.LastSyncedAt = &now
	r.ChangeSeq = s.nextChangeSeq()
	s.registrations[r.OriginKey] = clone(r)
	return nil
}

func (s *Store) UpdateRegistration(ctx context.Context, r *store.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.registrations[r.OriginKey]
	if !ok {
		return store.ErrNotFound
	}
	if r.Version <= existing.Version {
		return store.ErrVersionStale
	}

	r.ReplicatedFrom = existing.ReplicatedFrom
	r.LastSyncedAt = existing.LastSyncedAt
	r.ChangeSeq = s.nextChangeSeq()
	s.registrations[r.OriginKey] = clone(r)
	return nil
}

func (s *Store) DeleteRegistration(ctx context.Context, key store.OriginKey, newVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.registrations[key]
	if !ok {
		return store.ErrNotFound
	}
	if newVersion <= existing.Version {
		return store.ErrVersionStale
	}

	existing.Version = newVersion
	existing.Tombstone = true
	existing.UpdatedAt = time.Now()
	existing.ChangeSeq = s.nextChangeSeq()
	return nil
}

func (s *Store) SearchByBBox(ctx context.Context, boxes []geo.BBox) ([]*store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*store.Record
	for _, r := range s.registrations {
		if r.Tombstone {
			continue
		}
		for _, b := range boxes {
			if r.BBox.Intersects(b) {
				out = append(out, clone(r))
				break
			}
		}
	}
	return out, nil
}

func (s *Store) CountByOwner(ctx context.Context, ownerSubject string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, r := range s.registrations {
		if !r.Tombstone && r.OwnerSubject == ownerSubject {
			n++
		}
	}
	return n, nil
}

func (s *Store) ListByOwner(ctx context.Context, ownerSubject string) ([]*store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*store.Record
	for _, r := range s.registrations {
		if !r.Tombstone && r.OwnerSubject == ownerSubject {
			out = append(out, clone(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OriginID < out[j].OriginID })
	return out, nil
}

// ListAllOrdered implementa la paginación por clave del endpoint de
// snapshot: ordena por (origin_server, origin_id) y devuelve solo los
// registros estrictamente posteriores a after.
func (s *Store) ListAllOrdered(ctx context.Context, after store.OriginKey, limit int) ([]*store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*store.Record
	for _, r := range s.registrations {
		if r.Tombstone {
			continue
		}
		if !afterKey(after, r.OriginKey) {
			continue
		}
		out = append(out, clone(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OriginServer != out[j].OriginServer {
			return out[i].OriginServer < out[j].OriginServer
		}
		return out[i].OriginID < out[j].OriginID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func afterKey(after, key store.OriginKey) bool {
	if after.OriginServer == "" && after.OriginID == "" {
		return true
	}
	if key.OriginServer != after.OriginServer {
		return key.OriginServer > after.OriginServer
	}
	return key.OriginID > after.OriginID
}

func (s *Store) ChangesSince(ctx context.Context, cursor store.ChangeCursor, limit int) ([]*store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*store.Record
	for _, r := range s.registrations {
		if r.ChangeSeq > cursor.Seq {
			out = append(out, clone(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChangeSeq < out[j].ChangeSeq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) LatestChangeSeq(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.changeSeq, nil
}

// GCTombstones purga físicamente los tombstones con más de olderThan.
// Cualquier purga adelanta gcWatermark al ChangeSeq más alto entre las
// filas borradas, de modo que un peer cuyo cursor quedó detrás de esa marca
// deba reiniciar con un snapshot completo en lugar de recibir un delta con
// huecos.
func (s *Store) GCTombstones(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	var watermark int64
	for key, r := range s.registrations {
		if r.Tombstone && r.UpdatedAt.Before(cutoff) {
			if r.ChangeSeq > watermark {
				watermark = r.ChangeSeq
			}
			delete(s.registrations, key)
		}
	}
	if watermark > s.gcWatermark {
		s.gcWatermark = watermark
	}
	return watermark, nil
}

func (s *Store) GCWatermark(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gcWatermark, nil
}

func (s *Store) CreateUser(ctx context.Context, u *store.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.Email]; ok {
		return store.ErrConflict
	}
	cp := *u
	s.users[u.Email] = &cp
	s.bySub[u.Subject] = &cp
	return nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[email]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *Store) GetUserBySubject(ctx context.Context, subject string) (*store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.bySub[subject]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *Store) SaveKey(ctx context.Context, k *store.KeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	owner, ok := s.keys[k.OwnerSubject]
	if !ok {
		owner = make(map[string]*store.KeyRecord)
		s.keys[k.OwnerSubject] = owner
	}
	cp := *k
	owner[k.KeyID] = &cp
	return nil
}

func (s *Store) GetKey(ctx context.Context, ownerSubject, keyID string) (*store.KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	owner, ok := s.keys[ownerSubject]
	if !ok {
		return nil, store.ErrNotFound
	}
	k, ok := owner[keyID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *k
	return &cp, nil
}

func (s *Store) ListKeysByOwner(ctx context.Context, ownerSubject string) ([]*store.KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	owner, ok := s.keys[ownerSubject]
	if !ok {
		return nil, nil
	}
	out := make([]*store.KeyRecord, 0, len(owner))
	for _, k := range owner {
		cp := *k
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].KeyID < out[j].KeyID })
	return out, nil
}

func (s *Store) CreateToken(ctx context.Context, t *store.TokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tokens[t.TokenHash]; ok {
		return store.ErrConflict
	}
	cp := *t
	s.tokens[t.TokenHash] = &cp
	return nil
}

func (s *Store) GetToken(ctx context.Context, tokenHash string) (*store.TokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[tokenHash]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *Store) RevokeToken(ctx context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[tokenHash]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now()
	t.RevokedAt = &now
	return nil
}

// UpsertPeer inserta o fusiona un peer: hint solo se reemplaza si viene no
// vacío, is_configured nunca retrocede de true a false, y las regiones
// autoritativas solo se reemplazan si el caller trae alguna.
func (s *Store) UpsertPeer(ctx context.Context, p *store.Peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if existing, ok := s.peers[p.ServerID]; ok {
		merged := *existing
		if p.Hint != "" {
			merged.Hint = p.Hint
		}
		merged.IsConfigured = merged.IsConfigured || p.IsConfigured
		if len(p.AuthoritativeRegions) > 0 {
			merged.AuthoritativeRegions = p.AuthoritativeRegions
		}
		merged.LastSeen = now
		s.peers[p.ServerID] = &merged
		return nil
	}

	cp := *p
	cp.LastSeen = now
	cp.CreatedAt = now
	s.peers[p.ServerID] = &cp
	return nil
}

func (s *Store) GetPeer(ctx context.Context, serverID string) (*store.Peer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[serverID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// ListPeers devuelve todos los peers, configurados primero y luego por
// last_seen descendente, igual que el ORDER BY is_configured DESC, last_seen
// DESC de peers.py.
func (s *Store) ListPeers(ctx context.Context) ([]*store.Peer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*store.Peer, 0, len(s.peers))
	for _, p := range s.peers {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsConfigured != out[j].IsConfigured {
			return out[i].IsConfigured
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out, nil
}

func (s *Store) UpdatePeerSyncCursor(ctx context.Context, serverID string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[serverID]
	if !ok {
		return store.ErrNotFound
	}
	p.LastSyncSeq = seq
	p.LastSeen = time.Now()
	return nil
}
