package registry

import (
	"context"
	"sort"
	"time"

	"github.com/mrs-federation/mrs/internal/geo"
	"github.com/mrs-federation/mrs/internal/observability/logger"
	"github.com/mrs-federation/mrs/internal/store"
)

// Service implements component R. OriginServer is this server's own
// federation identity (its hostname), stamped onto every registration it
// creates so peers can attribute it back to this origin.
type Service struct {
	store                   store.Store
	originServer            string
	maxRegistrationsPerUser int
}

type Deps struct {
	Store                   store.Store
	OriginServer            string
	MaxRegistrationsPerUser int
}

func NewService(deps Deps) *Service {
	max := deps.MaxRegistrationsPerUser
	if max <= 0 {
		max = 1000
	}
	return &Service{store: deps.Store, originServer: deps.OriginServer, maxRegistrationsPerUser: max}
}

// Register creates a new spatial claim owned by ownerSubject, or updates
// one this server already originates. A CanonicalHint naming an origin
// other than this server is rejected outright — only the federation sync
// path, not ordinary Register, may write records this server does not
// originate. A CanonicalHint naming this server is treated as a request
// to update that existing origin_id in place: the caller must already own
// it, version is incremented, geometry/service_point/metadata may change,
// and ownership never transfers. Without a hint a fresh id is generated
// and origin_id is set equal to it.
func (s *Service) Register(ctx context.Context, ownerSubject string, req RegisterRequest) (*Registration, error) {
	log := logger.From(ctx).With(logger.Layer("service"), logger.Component("registry"), logger.Op("Register"))

	if req.Geometry == nil {
		return nil, ErrInvalidRequest
	}
	if req.FOAD == (req.ServiceURI != "") {
		return nil, ErrFOADInconsistent
	}
	if req.CanonicalHint != nil {
		if req.CanonicalHint.OriginServer != s.originServer {
			return nil, &NotAuthoritativeError{OriginServer: req.CanonicalHint.OriginServer}
		}
		return s.update(ctx, ownerSubject, req.CanonicalHint.OriginID, req)
	}

	count, err := s.store.CountByOwner(ctx, ownerSubject)
	if err != nil {
		return nil, err
	}
	if count >= s.maxRegistrationsPerUser {
		log.Warn("registration limit exceeded", logger.Subject(ownerSubject), logger.Count(count))
		return nil, ErrLimitExceeded
	}

	id, err := generateRegistrationID()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	rec := &store.Record{
		OriginKey:    store.OriginKey{OriginServer: s.originServer, OriginID: id},
		OwnerSubject: ownerSubject,
		ServiceURI:   req.ServiceURI,
		FOAD:         req.FOAD,
		Geometry:     req.Geometry,
		BBox:         geo.ComputeBBox(req.Geometry),
		Version:      1,
		Metadata:     req.Metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.store.CreateRegistration(ctx, rec); err != nil {
		return nil, err
	}

	log.Info("registered", logger.OriginID(id), logger.Subject(ownerSubject))
	return toRegistration(rec), nil
}

// update rewrites an existing local record in place: version increments,
// updated/bbox are recomputed, geometry and service_point may change, but
// origin_id, owner and created are carried over unchanged.
func (s *Service) update(ctx context.Context, ownerSubject, originID string, req RegisterRequest) (*Registration, error) {
	log := logger.From(ctx).With(logger.Layer("service"), logger.Component("registry"), logger.Op("Update"))

	key := store.OriginKey{OriginServer: s.originServer, OriginID: originID}
	existing, err := s.store.GetRegistration(ctx, key)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if existing.OwnerSubject != ownerSubject {
		return nil, ErrNotOwner
	}

	rec := &store.Record{
		OriginKey:    key,
		OwnerSubject: existing.OwnerSubject,
		ServiceURI:   req.ServiceURI,
		FOAD:         req.FOAD,
		Geometry:     req.Geometry,
		BBox:         geo.ComputeBBox(req.Geometry),
		Version:      existing.Version + 1,
		Metadata:     req.Metadata,
		CreatedAt:    existing.CreatedAt,
		UpdatedAt:    time.Now(),
	}

	if err := s.store.UpdateRegistration(ctx, rec); err != nil {
		return nil, err
	}

	log.Info("updated", logger.OriginID(originID), logger.Subject(ownerSubject))
	return toRegistration(rec), nil
}

// Release tombstones a registration, checking that the caller owns it.
func (s *Service) Release(ctx context.Context, ownerSubject, originID string) error {
	rec, err := s.store.FindByOriginID(ctx, originID)
	if err != nil {
		if err == store.ErrNotFound {
			return ErrNotFound
		}
		return err
	}
	if rec.OriginServer != s.originServer {
		return &NotAuthoritativeError{OriginServer: rec.OriginServer}
	}
	if rec.OwnerSubject != ownerSubject {
		return ErrNotOwner
	}

	return s.store.DeleteRegistration(ctx, rec.OriginKey, rec.Version+1)
}

// ListOwned lists all active registrations owned by ownerSubject.
func (s *Service) ListOwned(ctx context.Context, ownerSubject string) ([]*Registration, error) {
	recs, err := s.store.ListByOwner(ctx, ownerSubject)
	if err != nil {
		return nil, err
	}
	out := make([]*Registration, 0, len(recs))
	for _, r := range recs {
		out = append(out, toRegistration(r))
	}
	return out, nil
}

// Search finds local registrations near a point, ordered inside-out
// (smallest volume first, nearest distance breaking ties, id breaking
// further ties) so a caller resolving an address sees the most specific
// match first.
func (s *Service) Search(ctx context.Context, req SearchRequest) ([]*SearchHit, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	box := geo.SearchBBox(req.Center, req.Range)
	boxes := geo.SplitAntimeridian(box)

	recs, err := s.store.SearchByBBox(ctx, boxes)
	if err != nil {
		return nil, err
	}

	hits := make([]*SearchHit, 0, len(recs))
	for _, r := range recs {
		if !geo.Intersects(r.Geometry, req.Center, req.Range) {
			continue
		}
		hits = append(hits, &SearchHit{
			Registration:   *toRegistration(r),
			DistanceMeters: distanceToGeometry(r.Geometry, req.Center),
			VolumeM3:       geo.Volume(r.Geometry),
		})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].VolumeM3 != hits[j].VolumeM3 {
			return hits[i].VolumeM3 < hits[j].VolumeM3
		}
		if hits[i].DistanceMeters != hits[j].DistanceMeters {
			return hits[i].DistanceMeters < hits[j].DistanceMeters
		}
		return hits[i].OriginID < hits[j].OriginID
	})

	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func distanceToGeometry(g geo.Geometry, p geo.Point) float64 {
	switch v := g.(type) {
	case geo.Sphere:
		return geo.Distance(v.Center, p)
	case geo.Polygon:
		if len(v.Vertices) == 0 {
			return 0
		}
		var lat, lon float64
		for _, vx := range v.Vertices {
			lat += vx.Lat
			lon += vx.Lon
		}
		n := float64(len(v.Vertices))
		centroid := geo.Point{Lat: lat / n, Lon: lon / n}
		return geo.Distance(centroid, p)
	default:
		return 0
	}
}

func toRegistration(r *store.Record) *Registration {
	return &Registration{
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
