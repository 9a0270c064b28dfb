// Package postgres implementa store.Store sobre PostgreSQL via pgx/pgxpool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mrs-federation/mrs/internal/geo"
	"github.com/mrs-federation/mrs/internal/store"
)

type Store struct{ pool *pgxpool.Pool }

// Config ajusta el tamaño del pool de conexiones.
type Config struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// New abre el pool de conexiones y lo deja listo para usar. Un fallo de
// ping al arrancar no es fatal: se loguea y se reintenta en la próxima
// operación, para permitir levantar el servicio con la base temporalmente
// caída.
func New(ctx context.Context, dsn string, cfg Config) (*Store, error) {
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}

	if cfg.MaxOpenConns > 0 {
		pcfg.MaxConns = int32(cfg.MaxOpenConns)
	} else {
		pcfg.MaxConns = 10
	}
	if cfg.MaxIdleConns > 0 {
		pcfg.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		pcfg.MaxConnLifetime = cfg.ConnMaxLifetime
		pcfg.MaxConnIdleTime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		log.Printf(`{"level":"warn","msg":"pg_pool_startup_ping_failed","err":"%v"}`, err)
	} else {
		log.Printf(`{"level":"info","msg":"pg_pool_ready","max_conns":%d}`, pcfg.MaxConns)
	}

	return &Store{pool: pool}, nil
}

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }
func (s *Store) Close()                         { s.pool.Close() }

// Pool exposes the underlying pool for metrics/migraciones.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// encodeGeometry/decodeGeometry delegate to the shared geo wire codec so the
// jsonb column and the federation wire format never drift apart.
func encodeGeometry(g geo.Geometry) (geo.Kind, []byte, error) {
	b, err := geo.MarshalGeometry(g)
	if err != nil {
		return "", nil, err
	}
	return g.Kind(), b, nil
}

func decodeGeometry(raw []byte) (geo.Geometry, error) {
	return geo.UnmarshalGeometry(raw)
}

func encodeMetadata(m map[string]string) ([]byte, error) {
	if m == nil {
		m = map[string]string{}
	}
	return json.Marshal(m)
}

func decodeMetadata(raw []byte) (map[string]string, error) {
	m := map[string]string{}
	if len(raw) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

const registrationColumns = `origin_server, origin_id, owner_subject, service_uri, foad, geometry_json,
	min_lat, max_lat, min_lon, max_lon, bbox_wraps, version, metadata, tombstone, change_seq,
	replicated_from, last_synced_at, created_at, updated_at`

func scanRegistration(row pgx.Row) (*store.Record, error) {
	var (
		r              store.Record
		geomRaw        []byte
		metaRaw        []byte
		minLat         float64
		maxLat         float64
		minLon         float64
		maxLon         float64
		bboxWraps      bool
		replicatedFrom *string
	)
	err := row.Scan(
		&r.OriginServer, &r.OriginID, &r.OwnerSubject, &r.ServiceURI, &r.FOAD, &geomRaw,
		&minLat, &maxLat, &minLon, &maxLon, &bboxWraps, &r.Version, &metaRaw,
		&r.Tombstone, &r.ChangeSeq, &replicatedFrom, &r.LastSyncedAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if replicatedFrom != nil {
		r.ReplicatedFrom = *replicatedFrom
	}

	r.BBox = geo.BBox{MinLat: minLat, MaxLat: maxLat, MinLon: minLon, MaxLon: maxLon, Wraps: bboxWraps}

	r.Geometry, err = decodeGeometry(geomRaw)
	if err != nil {
		return nil, err
	}
	r.Metadata, err = decodeMetadata(metaRaw)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func mapErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func (s *Store) CreateRegistration(ctx context.Context, r *store.Record) error {
	kind, geomJSON, err := encodeGeometry(r.Geometry)
	if err != nil {
		return err
	}
	metaJSON, err := encodeMetadata(r.Metadata)
	if err != nil {
		return err
	}
	_ = kind

	const q = `
INSERT INTO mrs_registration (origin_server, origin_id, owner_subject, service_uri, foad, geometry_kind,
	geometry_json, min_lat, max_lat, min_lon, max_lon, bbox_wraps, version, metadata)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
ON CONFLICT (origin_server, origin_id) DO UPDATE
  SET owner_subject = EXCLUDED.owner_subject, service_uri = EXCLUDED.service_uri,
      foad = EXCLUDED.foad, geometry_kind = EXCLUDED.geometry_kind, geometry_json = EXCLUDED.geometry_json,
      min_lat = EXCLUDED.min_lat, max_lat = EXCLUDED.max_lat, min_lon = EXCLUDED.min_lon,
      max_lon = EXCLUDED.max_lon, bbox_wraps = EXCLUDED.bbox_wraps, version = EXCLUDED.version,
      metadata = EXCLUDED.metadata, tombstone = false, updated_at = now(),
      change_seq = nextval('mrs_registration_change_seq')
  WHERE mrs_registration.tombstone
RETURNING change_seq, created_at, updated_at`

	row := s.pool.QueryRow(ctx, q, r.OriginServer, r.OriginID, r.OwnerSubject, r.ServiceURI, r.FOAD, kind,
		geomJSON, r.BBox.MinLat, r.BBox.MaxLat, r.BBox.MinLon, r.BBox.MaxLon, r.BBox.Wraps, r.Version, metaJSON)

	if err := row.Scan(&r.ChangeSeq, &r.CreatedAt, &r.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) GetRegistration(ctx context.Context, key store.OriginKey) (*store.Record, error) {
	const q = `SELECT ` + registrationColumns + ` FROM mrs_registration WHERE origin_server = $1 AND origin_id = $2`
	r, err := scanRegistration(s.pool.QueryRow(ctx, q, key.OriginServer, key.OriginID))
	if err != nil {
		return nil, mapErr(err)
	}
	return r, nil
}

// FindByOriginID busca sin conocer el origin_server: no hay índice sobre
// origin_id solo (la clave primaria es el par), así que esto hace un scan
// de la tabla; Release es la única llamadora y no está en ruta caliente.
// LIMIT 1 asume que origin_id no colisiona entre servidores de origen
// distintos (se generan aleatoriamente).
func (s *Store) FindByOriginID(ctx context.Context, originID string) (*store.Record, error) {
	const q = `SELECT ` + registrationColumns + ` FROM mrs_registration WHERE origin_id = $1 AND NOT tombstone LIMIT 1`
	r, err := scanRegistration(s.pool.QueryRow(ctx, q, originID))
	if err != nil {
		return nil, mapErr(err)
	}
	return r, nil
}

func (s *Store) UpsertFromSync(ctx context.Context, r *store.Record) error {
	kind, geomJSON, err := encodeGeometry(r.Geometry)
	if err != nil {
		return err
	}
	metaJSON, err := encodeMetadata(r.Metadata)
	if err != nil {
		return err
	}

	const q = `
INSERT INTO mrs_registration (origin_server, origin_id, owner_subject, service_uri, foad, geometry_kind,
	geometry_json, min_lat, max_lat, min_lon, max_lon, bbox_wraps, version, metadata, tombstone,
	replicated_from, last_synced_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,now())
ON CONFLICT (origin_server, origin_id) DO UPDATE
  SET owner_subject = EXCLUDED.owner_subject, service_uri = EXCLUDED.service_uri,
      foad = EXCLUDED.foad, geometry_kind = EXCLUDED.geometry_kind, geometry_json = EXCLUDED.geometry_json,
      min_lat = EXCLUDED.min_lat, max_lat = EXCLUDED.max_lat, min_lon = EXCLUDED.min_lon,
      max_lon = EXCLUDED.max_lon, bbox_wraps = EXCLUDED.bbox_wraps, version = EXCLUDED.version,
      metadata = EXCLUDED.metadata, tombstone = EXCLUDED.tombstone, updated_at = now(),
      change_seq = nextval('mrs_registration_change_seq'),
      replicated_from = EXCLUDED.replicated_from, last_synced_at = now()
  WHERE mrs_registration.version < EXCLUDED.version
RETURNING change_seq`

	var replicatedFrom *string
	if r.ReplicatedFrom != "" {
		replicatedFrom = &r.ReplicatedFrom
	}

	var seq int64
	err = s.pool.QueryRow(ctx, q, r.OriginServer, r.OriginID, r.OwnerSubject, r.ServiceURI, r.FOAD, kind,
		geomJSON, r.BBox.MinLat, r.BBox.MaxLat, r.BBox.MinLon, r.BBox.MaxLon, r.BBox.Wraps, r.Version, metaJSON, r.Tombstone,
		replicatedFrom).Scan(&seq)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrVersionStale
		}
		return err
	}
	r.ChangeSeq = seq
	return nil
}

func (s *Store) UpdateRegistration(ctx context.Context, r *store.Record) error {
	kind, geomJSON, err := encodeGeometry(r.Geometry)
	if err != nil {
		return err
	}
	metaJSON, err := encodeMetadata(r.Metadata)
	if err != nil {
		return err
	}

	const q = `
UPDATE mrs_registration SET
  service_uri = $3, foad = $4, geometry_kind = $5, geometry_json = $6,
  min_lat = $7, max_lat = $8, min_lon = $9, max_lon = $10, bbox_wraps = $11,
  version = $12, metadata = $13, updated_at = now(),
  change_seq = nextval('mrs_registration_change_seq')
WHERE origin_server = $1 AND origin_id = $2 AND version < $12
RETURNING change_seq`

	var seq int64
	err = s.pool.QueryRow(ctx, q, r.OriginServer, r.OriginID, r.ServiceURI, r.FOAD, kind, geomJSON,
		r.BBox.MinLat, r.BBox.MaxLat, r.BBox.MinLon, r.BBox.MaxLon, r.BBox.Wraps, r.Version, metaJSON).Scan(&seq)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			existing, getErr := s.GetRegistration(ctx, store.OriginKey{OriginServer: r.OriginServer, OriginID: r.OriginID})
			if getErr != nil {
				return getErr
			}
			if existing.Version >= r.Version {
				return store.ErrVersionStale
			}
			return store.ErrNotFound
		}
		return err
	}
	r.ChangeSeq = seq
	return nil
}

func (s *Store) DeleteRegistration(ctx context.Context, key store.OriginKey, newVersion int64) error {
	const q = `
UPDATE mrs_registration SET tombstone = true, version = $3, updated_at = now(),
  change_seq = nextval('mrs_registration_change_seq')
WHERE origin_server = $1 AND origin_id = $2 AND version < $3`
	tag, err := s.pool.Exec(ctx, q, key.OriginServer, key.OriginID, newVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		exists, err := s.GetRegistration(ctx, key)
		if err != nil {
			return err
		}
		if exists.Version >= newVersion {
			return store.ErrVersionStale
		}
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) SearchByBBox(ctx context.Context, boxes []geo.BBox) ([]*store.Record, error) {
	if len(boxes) == 0 {
		return nil, nil
	}

	var conds []string
	var args []any
	i := 1
	for _, b := range boxes {
		conds = append(conds, fmtRangeCond(i))
		args = append(args, b.MinLat, b.MaxLat, b.MinLon, b.MaxLon)
		i += 4
	}

	q := `SELECT ` + registrationColumns + ` FROM mrs_registration WHERE NOT tombstone AND (`
	for idx, c := range conds {
		if idx > 0 {
			q += " OR "
		}
		q += c
	}
	q += ")"

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.Record
	for rows.Next() {
		r, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func fmtRangeCond(start int) string {
	p := strconv.Itoa
	return "(max_lat >= $" + p(start) + " AND min_lat <= $" + p(start+1) +
		" AND max_lon >= $" + p(start+2) + " AND min_lon <= $" + p(start+3) + ")"
}

func (s *Store) CountByOwner(ctx context.Context, ownerSubject string) (int, error) {
	const q = `SELECT count(*) FROM mrs_registration WHERE owner_subject = $1 AND NOT tombstone`
	var n int
	err := s.pool.QueryRow(ctx, q, ownerSubject).Scan(&n)
	return n, err
}

func (s *Store) ListByOwner(ctx context.Context, ownerSubject string) ([]*store.Record, error) {
	const q = `SELECT ` + registrationColumns + ` FROM mrs_registration WHERE owner_subject = $1 AND NOT tombstone ORDER BY origin_id`
	rows, err := s.pool.Query(ctx, q, ownerSubject)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.Record
	for rows.Next() {
		r, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListAllOrdered pagina por clave (keyset pagination) sobre
// (origin_server, origin_id), usado por el endpoint de snapshot.
func (s *Store) ListAllOrdered(ctx context.Context, after store.OriginKey, limit int) ([]*store.Record, error) {
	if limit <= 0 {
		limit = 500
	}
	const q = `SELECT ` + registrationColumns + ` FROM mrs_registration
WHERE NOT tombstone AND (origin_server, origin_id) > ($1, $2)
ORDER BY origin_server, origin_id LIMIT $3`
	rows, err := s.pool.Query(ctx, q, after.OriginServer, after.OriginID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.Record
	for rows.Next() {
		r, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) ChangesSince(ctx context.Context, cursor store.ChangeCursor, limit int) ([]*store.Record, error) {
	if limit <= 0 {
		limit = 500
	}
	const q = `SELECT ` + registrationColumns + ` FROM mrs_registration
WHERE change_seq > $1 ORDER BY change_seq ASC LIMIT $2`
	rows, err := s.pool.Query(ctx, q, cursor.Seq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.Record
	for rows.Next() {
		r, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GCTombstones purga físicamente los tombstones con más de olderThan de
// antigüedad, avanzando la marca de agua de GC en la misma transacción para
// que nunca quede un hueco entre lo purgado y lo que un cursor de peer aún
// pueda reproducir de forma segura.
func (s *Store) GCTombstones(ctx context.Context, olderThan time.Duration) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var watermark int64
	const selectQ = `SELECT COALESCE(MAX(change_seq), 0) FROM mrs_registration WHERE tombstone AND updated_at < $1`
	cutoff := time.Now().Add(-olderThan)
	if err := tx.QueryRow(ctx, selectQ, cutoff).Scan(&watermark); err != nil {
		return 0, err
	}
	if watermark == 0 {
		return 0, tx.Commit(ctx)
	}

	const deleteQ = `DELETE FROM mrs_registration WHERE tombstone AND updated_at < $1`
	if _, err := tx.Exec(ctx, deleteQ, cutoff); err != nil {
		return 0, err
	}
	const bumpQ = `UPDATE mrs_gc_watermark SET seq = GREATEST(seq, $1)`
	if _, err := tx.Exec(ctx, bumpQ, watermark); err != nil {
		return 0, err
	}
	return watermark, tx.Commit(ctx)
}

func (s *Store) GCWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx, `SELECT seq FROM mrs_gc_watermark`).Scan(&seq)
	return seq, err
}

func (s *Store) LatestChangeSeq(ctx context.Context) (int64, error) {
	const q = `SELECT COALESCE(max(change_seq), 0) FROM mrs_registration`
	var seq int64
	err := s.pool.QueryRow(ctx, q).Scan(&seq)
	return seq, err
}

func (s *Store) CreateUser(ctx context.Context, u *store.User) error {
	const q = `INSERT INTO mrs_user (subject, email, password_hash, is_local) VALUES ($1,$2,$3,$4) RETURNING created_at`
	err := s.pool.QueryRow(ctx, q, u.Subject, u.Email, u.PasswordHash, u.IsLocal).Scan(&u.CreatedAt)
	if err != nil {
		var pgErr interface{ SQLState() string }
		if errors.As(err, &pgErr) && pgErr.SQLState() == "23505" {
			return store.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*store.User, error) {
	const q = `SELECT subject, email, password_hash, is_local, created_at FROM mrs_user WHERE lower(email) = lower($1)`
	var u store.User
	err := s.pool.QueryRow(ctx, q, email).Scan(&u.Subject, &u.Email, &u.PasswordHash, &u.IsLocal, &u.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &u, nil
}

func (s *Store) GetUserBySubject(ctx context.Context, subject string) (*store.User, error) {
	const q = `SELECT subject, email, password_hash, is_local, created_at FROM mrs_user WHERE subject = $1`
	var u store.User
	err := s.pool.QueryRow(ctx, q, subject).Scan(&u.Subject, &u.Email, &u.PasswordHash, &u.IsLocal, &u.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &u, nil
}

func (s *Store) SaveKey(ctx context.Context, k *store.KeyRecord) error {
	const q = `
INSERT INTO mrs_key (owner_subject, key_id, algorithm, public_key, private_key, rotated_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (owner_subject, key_id) DO UPDATE
  SET algorithm = EXCLUDED.algorithm, public_key = EXCLUDED.public_key,
      private_key = EXCLUDED.private_key, rotated_at = EXCLUDED.rotated_at
RETURNING created_at`
	return s.pool.QueryRow(ctx, q, k.OwnerSubject, k.KeyID, k.Algorithm, k.PublicKey, k.PrivateKey, k.RotatedAt).Scan(&k.CreatedAt)
}

func (s *Store) GetKey(ctx context.Context, ownerSubject, keyID string) (*store.KeyRecord, error) {
	const q = `SELECT owner_subject, key_id, algorithm, public_key, private_key, created_at, rotated_at
FROM mrs_key WHERE owner_subject = $1 AND key_id = $2`
	var k store.KeyRecord
	err := s.pool.QueryRow(ctx, q, ownerSubject, keyID).Scan(
		&k.OwnerSubject, &k.KeyID, &k.Algorithm, &k.PublicKey, &k.PrivateKey, &k.CreatedAt, &k.RotatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &k, nil
}

func (s *Store) ListKeysByOwner(ctx context.Context, ownerSubject string) ([]*store.KeyRecord, error) {
	const q = `SELECT owner_subject, key_id, algorithm, public_key, private_key, created_at, rotated_at
FROM mrs_key WHERE owner_subject = $1 ORDER BY key_id`
	rows, err := s.pool.Query(ctx, q, ownerSubject)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.KeyRecord
	for rows.Next() {
		var k store.KeyRecord
		if err := rows.Scan(&k.OwnerSubject, &k.KeyID, &k.Algorithm, &k.PublicKey, &k.PrivateKey, &k.CreatedAt, &k.RotatedAt); err != nil {
			return nil, err
		}
		out = append(out, &k)
	}
	return out, rows.Err()
}

func (s *Store) CreateToken(ctx context.Context, t *store.TokenRecord) error {
	const q = `INSERT INTO mrs_token (token_hash, owner_subject, expires_at) VALUES ($1,$2,$3) RETURNING issued_at`
	return s.pool.QueryRow(ctx, q, t.TokenHash, t.OwnerSubject, t.ExpiresAt).Scan(&t.IssuedAt)
}

func (s *Store) GetToken(ctx context.Context, tokenHash string) (*store.TokenRecord, error) {
	const q = `SELECT token_hash, owner_subject, issued_at, expires_at, revoked_at FROM mrs_token WHERE token_hash = $1`
	var t store.TokenRecord
	err := s.pool.QueryRow(ctx, q, tokenHash).Scan(&t.TokenHash, &t.OwnerSubject, &t.IssuedAt, &t.ExpiresAt, &t.RevokedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &t, nil
}

func (s *Store) RevokeToken(ctx context.Context, tokenHash string) error {
	const q = `UPDATE mrs_token SET revoked_at = now() WHERE token_hash = $1 AND revoked_at IS NULL`
	tag, err := s.pool.Exec(ctx, q, tokenHash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// UpsertPeer reproduce el ON CONFLICT de peers.py: hint solo se reemplaza si
// viene no vacío (COALESCE), is_configured nunca retrocede (MAX), y las
// regiones autoritativas solo se sobrescriben si el caller trae alguna.
func (s *Store) UpsertPeer(ctx context.Context, p *store.Peer) error {
	regionsJSON, err := geo.MarshalGeometryList(p.AuthoritativeRegions)
	if err != nil {
		return err
	}
	var hint *string
	if p.Hint != "" {
		hint = &p.Hint
	}
	var regions []byte
	if len(p.AuthoritativeRegions) > 0 {
		regions = regionsJSON
	}

	const q = `
INSERT INTO mrs_peer (server_id, base_url, hint, is_configured, authoritative_regions, last_seen)
VALUES ($1,$2,$3,$4,$5,now())
ON CONFLICT (server_id) DO UPDATE SET
	base_url = EXCLUDED.base_url,
	hint = COALESCE(EXCLUDED.hint, mrs_peer.hint),
	is_configured = mrs_peer.is_configured OR EXCLUDED.is_configured,
	authoritative_regions = COALESCE(EXCLUDED.authoritative_regions, mrs_peer.authoritative_regions),
	last_seen = now()
RETURNING created_at, last_seen`
	return s.pool.QueryRow(ctx, q, p.ServerID, p.BaseURL, hint, p.IsConfigured, regions).Scan(&p.CreatedAt, &p.LastSeen)
}

func scanPeer(row pgx.Row) (*store.Peer, error) {
	var p store.Peer
	var hint *string
	var regions []byte
	if err := row.Scan(&p.ServerID, &p.BaseURL, &hint, &p.IsConfigured, &regions, &p.LastSeen, &p.LastSyncSeq, &p.CreatedAt); err != nil {
		return nil, err
	}
	if hint != nil {
		p.Hint = *hint
	}
	if len(regions) > 0 {
		rs, err := geo.UnmarshalGeometryList(regions)
		if err != nil {
			return nil, err
		}
		p.AuthoritativeRegions = rs
	}
	return &p, nil
}

const peerColumns = `server_id, base_url, hint, is_configured, authoritative_regions, last_seen, last_sync_seq, created_at`

func (s *Store) GetPeer(ctx context.Context, serverID string) (*store.Peer, error) {
	q := `SELECT ` + peerColumns + ` FROM mrs_peer WHERE server_id = $1`
	p, err := scanPeer(s.pool.QueryRow(ctx, q, serverID))
	if err != nil {
		return nil, mapErr(err)
	}
	return p, nil
}

// ListPeers ordena igual que peers.py: configurados primero, luego por
// last_seen descendente.
func (s *Store) ListPeers(ctx context.Context) ([]*store.Peer, error) {
	q := `SELECT ` + peerColumns + ` FROM mrs_peer ORDER BY is_configured DESC, last_seen DESC`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.Peer
	for rows.Next() {
		p, err := scanPeer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) UpdatePeerSyncCursor(ctx context.Context, serverID string, seq int64) error {
	const q = `UPDATE mrs_peer SET last_sync_seq = $2, last_seen = now() WHERE server_id = $1`
	tag, err := s.pool.Exec(ctx, q, serverID, seq)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}
