// Package store define las abstracciones de persistencia para el registro
// federado: registrations, tombstones, users, keys, tokens y peers. Los
// backends concretos viven en memory/ (desarrollo/testing) y postgres/
// (producción).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/mrs-federation/mrs/internal/geo"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrConflict      = errors.New("store: conflict")
	ErrVersionStale  = errors.New("store: version is not newer than current")
	ErrDuplicateKey  = errors.New("store: duplicate key id for owner")
	ErrLimitExceeded = errors.New("store: registration limit exceeded")
)

// OriginKey identifica de forma única un registro a través de la federación:
// el servidor de origen que lo creó y su identificador local en ese servidor.
type OriginKey struct {
	OriginServer string
	OriginID     string
}

// Record es una registración espacial, tal como vive en el store. El campo
// ChangeSeq es un cursor monotónico local usado para sincronización delta;
// nunca se expone fuera de la federación. ReplicatedFrom/LastSyncedAt son
// no-cero únicamente para réplicas ingresadas por sync (origin_server !=
// este servidor); un registro local nunca los tiene. FOAD y ServiceURI son
// mutuamente excluyentes: FOAD=true implica ServiceURI vacío.
type Record struct {
	OriginKey
	OwnerSubject   string
	ServiceURI     string
	FOAD           bool
	Geometry       geo.Geometry
	BBox           geo.BBox
	Version        int64
	Metadata       map[string]string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Tombstone      bool
	ChangeSeq      int64
	ReplicatedFrom string
	LastSyncedAt   *time.Time
}

// SearchQuery describe una búsqueda por proximidad.
type SearchQuery struct {
	Center Point
	Range  float64
	Limit  int
}

// Point evita que store dependa de geo.Point en su firma pública de forma
// ambigua; es un alias estructural idéntico usado solo para queries.
type Point = geo.Point

// ChangeCursor es una posición opaca en el change log de un origin_server,
// usada para sync incremental entre peers.
type ChangeCursor struct {
	OriginServer string
	Seq          int64
}

// User es una identidad conocida por este servidor: una cuenta local con
// password (IsLocal=true) o una identidad federada vista por primera vez
// vía firma HTTP, persistida como "shell" sin password (IsLocal=false).
type User struct {
	Subject      string
	Email        string
	PasswordHash string
	IsLocal      bool
	CreatedAt    time.Time
}

// KeyRecord es una clave pública asociada a un subject local, usada para
// HTTP Message Signatures salientes y para key discovery (/.well-known).
type KeyRecord struct {
	OwnerSubject string
	KeyID        string
	Algorithm    string
	PublicKey    []byte
	PrivateKey   []byte // nil para claves de terceros cacheadas
	CreatedAt    time.Time
	RotatedAt    *time.Time
}

// TokenRecord es un bearer token opaco emitido localmente.
type TokenRecord struct {
	TokenHash    string
	OwnerSubject string
	IssuedAt     time.Time
	ExpiresAt    time.Time
	RevokedAt    *time.Time
}

// Peer es un servidor remoto conocido de la federación, indexado por su
// server_url (ServerID == BaseURL). IsConfigured distingue un peer de
// arranque (permanente) de uno aprendido vía referral (best-effort);
// AuthoritativeRegions es la lista de geometrías que el peer reclama como
// propias, usada por la generación de referrals para decidir si conviene
// incluirlo.
type Peer struct {
	ServerID             string
	BaseURL              string
	Hint                 string
	IsConfigured         bool
	AuthoritativeRegions []geo.Geometry
	LastSeen             time.Time
	LastSyncSeq          int64
	CreatedAt            time.Time
}

// Store agrupa todas las operaciones de persistencia que necesita el
// servicio. Los backends concretos (memory, postgres) implementan esta
// interfaz completa; los servicios de más arriba (registry, federation,
// auth) solo ven Store.
type Store interface {
	Ping(ctx context.Context) error
	Close()

	RegistrationStore
	UserStore
	KeyStore
	TokenStore
	PeerStore
	ChangeLogStore
}

type RegistrationStore interface {
	// CreateRegistration inserta un nuevo registro. Falla con ErrConflict
	// si (OriginServer, OriginID) ya existe y no es un tombstone; un
	// tombstone con esa clave se reemplaza.
	CreateRegistration(ctx context.Context, r *Record) error

	// GetRegistration busca por clave de origen.
	GetRegistration(ctx context.Context, key OriginKey) (*Record, error)

	// FindByOriginID busca un registro por su origin_id únicamente, sin
	// conocer de antemano el origin_server: Release solo recibe el "id"
	// (== origin_id) del cliente, y el registro puede ser tanto propio
	// como una réplica de otro servidor. Devuelve ErrNotFound si ninguno
	// coincide; asume que origin_id no colisiona entre servidores de
	// origen distintos, lo cual se sostiene en la práctica porque se
	// generan aleatoriamente (ver generateRegistrationID).
	FindByOriginID(ctx context.Context, originID string) (*Record, error)

	// UpsertFromSync aplica un registro recibido de un peer, respetando
	// monotonicidad de versión: si la versión entrante no es mayor que la
	// almacenada, devuelve ErrVersionStale y no modifica nada. Marca el
	// registro como réplica (LastSyncedAt); nunca usar para escrituras
	// locales del propio servidor.
	UpsertFromSync(ctx context.Context, r *Record) error

	// UpdateRegistration reescribe en el lugar un registro local existente
	// (re-registro del propio owner): respeta la misma monotonicidad de
	// versión que UpsertFromSync pero no toca ReplicatedFrom/LastSyncedAt,
	// ya que el registro sigue siendo de autoría de este servidor.
	UpdateRegistration(ctx context.Context, r *Record) error

	// DeleteRegistration marca el registro como tombstone (no lo borra
	// físicamente; el historial de tombstones es necesario para que los
	// peers converjan sobre la eliminación).
	DeleteRegistration(ctx context.Context, key OriginKey, newVersion int64) error

	// SearchByBBox devuelve registros activos (no tombstone) cuyo bbox
	// interseca cualquiera de los rectángulos dados, propios de este
	// servidor únicamente (la federación de búsquedas vive en
	// internal/federation).
	SearchByBBox(ctx context.Context, boxes []geo.BBox) ([]*Record, error)

	// CountByOwner cuenta registros activos de un owner, para hacer
	// cumplir MaxRegistrationsPerUser.
	CountByOwner(ctx context.Context, ownerSubject string) (int, error)

	// ListByOwner lista todos los registros activos de un owner.
	ListByOwner(ctx context.Context, ownerSubject string) ([]*Record, error)

	// ListAllOrdered devuelve hasta limit registros activos, ordenados por
	// (origin_server, origin_id), con clave estrictamente mayor que after
	// (after.OriginServer == "" para la primera página). Usado por el
	// endpoint de snapshot de sincronización.
	ListAllOrdered(ctx context.Context, after OriginKey, limit int) ([]*Record, error)
}

type ChangeLogStore interface {
	// ChangesSince devuelve, en orden de ChangeSeq ascendente, todos los
	// cambios locales (altas, actualizaciones y tombstones) con
	// ChangeSeq > cursor.Seq, hasta limit entradas.
	ChangesSince(ctx context.Context, cursor ChangeCursor, limit int) ([]*Record, error)

	// LatestChangeSeq devuelve el cursor actual de este servidor.
	LatestChangeSeq(ctx context.Context) (int64, error)

	// GCTombstones purga físicamente los tombstones con más de olderThan
	// de antigüedad. Devuelve el ChangeSeq más alto entre las filas
	// purgadas (0 si no purgó nada), que pasa a ser la marca de agua por
	// debajo de la cual un cursor de peer ya no puede reproducirse de
	// forma segura (ver GCWatermark).
	GCTombstones(ctx context.Context, olderThan time.Duration) (purgedWatermark int64, err error)

	// GCWatermark devuelve el ChangeSeq por debajo del cual el historial de
	// cambios ya no es confiable (por purga de tombstones). Un cursor de
	// peer con Seq menor a este valor debe rechazarse con cursor_expired.
	GCWatermark(ctx context.Context) (int64, error)
}

type UserStore interface {
	CreateUser(ctx context.Context, u *User) error
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserBySubject(ctx context.Context, subject string) (*User, error)
}

type KeyStore interface {
	// SaveKey guarda o actualiza una clave. La unicidad efectiva es
	// (OwnerSubject, KeyID).
	SaveKey(ctx context.Context, k *KeyRecord) error
	GetKey(ctx context.Context, ownerSubject, keyID string) (*KeyRecord, error)
	ListKeysByOwner(ctx context.Context, ownerSubject string) ([]*KeyRecord, error)
}

type TokenStore interface {
	CreateToken(ctx context.Context, t *TokenRecord) error
	GetToken(ctx context.Context, tokenHash string) (*TokenRecord, error)
	RevokeToken(ctx context.Context, tokenHash string) error
}

type PeerStore interface {
	UpsertPeer(ctx context.Context, p *Peer) error
	GetPeer(ctx context.Context, serverID string) (*Peer, error)
	ListPeers(ctx context.Context) ([]*Peer, error)
	UpdatePeerSyncCursor(ctx context.Context, serverID string, seq int64) error
}
