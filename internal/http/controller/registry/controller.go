// Package registry wires the core spatial-registration operations
// (Register, Release, Search) onto net/http handlers, decoding the wire
// DTOs, applying field-level validation, and mapping internal/registry's
// sentinel errors onto the shared apierr taxonomy — the same
// decode/validate/call/map-errors shape the auth controller's handlers use.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mrs-federation/mrs/internal/apierr"
	"github.com/mrs-federation/mrs/internal/federation"
	"github.com/mrs-federation/mrs/internal/geo"
	dto "github.com/mrs-federation/mrs/internal/http/dto/registry"
	"github.com/mrs-federation/mrs/internal/http/middleware"
	"github.com/mrs-federation/mrs/internal/observability/logger"
	"github.com/mrs-federation/mrs/internal/registry"
	"github.com/mrs-federation/mrs/internal/validation"
)

const maxBodySize = 256 * 1024

// ReferralSource is *federation.Peers' Referrals method, narrowed to an
// interface so tests can stub it without a full Peers/store setup.
type ReferralSource interface {
	Referrals(ctx context.Context, center geo.Point, rangeM float64, exclude map[string]bool) ([]federation.Referral, error)
}

// Controller handles POST /register, POST /release, and POST /search.
type Controller struct {
	service   *registry.Service
	maxRadius float64
	referrals ReferralSource
}

func New(service *registry.Service, maxRadius float64, referrals ReferralSource) *Controller {
	return &Controller{service: service, maxRadius: maxRadius, referrals: referrals}
}

// Register handles POST /register.
func (c *Controller) Register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Component("registry"), logger.Op("Register"))

	id := middleware.GetIdentity(ctx)
	if id == nil {
		apierr.WriteError(w, apierr.ErrUnauthorized)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()

	var body dto.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apierr.WriteError(w, apierr.ErrInvalidGeometry.WithCause(err))
		return
	}

	req, err := body.ToRegisterRequest()
	if err != nil {
		apierr.WriteError(w, apierr.ErrInvalidGeometry.WithCause(err))
		return
	}
	if req.Geometry != nil {
		if err := validation.Geometry(req.Geometry, c.maxRadius); err != nil {
			apierr.WriteError(w, err)
			return
		}
	}
	if req.ServiceURI != "" {
		if err := validation.ServicePoint(req.ServiceURI); err != nil {
			apierr.WriteError(w, err)
			return
		}
	}

	reg, err := c.service.Register(ctx, id.Subject, req)
	if err != nil {
		log.Debug("register failed", logger.Err(err))
		writeRegistryError(w, err)
		return
	}

	out, err := dto.FromRegistration(reg)
	if err != nil {
		apierr.WriteError(w, apierr.ErrInternal.WithCause(err))
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

// Release handles POST /release.
func (c *Controller) Release(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Component("registry"), logger.Op("Release"))

	id := middleware.GetIdentity(ctx)
	if id == nil {
		apierr.WriteError(w, apierr.ErrUnauthorized)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()

	var body dto.ReleaseRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apierr.WriteError(w, apierr.ErrMissingField.WithCause(err))
		return
	}
	if body.ID == "" {
		apierr.WriteError(w, apierr.ErrMissingField.WithDetail("id"))
		return
	}

	if err := c.service.Release(ctx, id.Subject, body.ID); err != nil {
		log.Debug("release failed", logger.Err(err))
		writeRegistryError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "released"})
}

// Search handles POST /search, unauthenticated.
func (c *Controller) Search(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Component("registry"), logger.Op("Search"))

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()

	var body dto.SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apierr.WriteError(w, apierr.ErrInvalidGeometry.WithCause(err))
		return
	}
	if err := validation.Coordinate(body.Location); err != nil {
		apierr.WriteError(w, err)
		return
	}
	if err := validation.SearchRange(body.Range, c.maxRadius); err != nil {
		apierr.WriteError(w, err)
		return
	}

	hits, err := c.service.Search(ctx, registry.SearchRequest{
		Center: body.Location,
		Range:  body.Range,
		Limit:  body.Limit,
	})
	if err != nil {
		log.Warn("search failed", logger.Err(err))
		apierr.WriteError(w, apierr.ErrInternal.WithCause(err))
		return
	}

	results := make([]dto.SearchHit, 0, len(hits))
	seen := map[string]bool{}
	for _, h := range hits {
		wire, err := dto.FromSearchHit(*h)
		if err != nil {
			apierr.WriteError(w, apierr.ErrInternal.WithCause(err))
			return
		}
		results = append(results, *wire)
		seen[h.OriginServer] = true
	}

	resp := dto.SearchResponse{Results: results}
	if c.referrals != nil {
		refs, err := c.referrals.Referrals(ctx, body.Location, body.Range, seen)
		if err != nil {
			log.Warn("referral lookup failed", logger.Err(err))
		}
		for _, ref := range refs {
			resp.Referrals = append(resp.Referrals, dto.Referral{Server: ref.Server, Hint: ref.Hint})
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRegistryError(w http.ResponseWriter, err error) {
	var notAuth *registry.NotAuthoritativeError
	if errors.As(err, &notAuth) {
		apierr.WriteError(w, apierr.ErrNotAuthoritative.WithDetail(map[string]string{"origin_server": notAuth.OriginServer}))
		return
	}

	switch {
	case errors.Is(err, registry.ErrNotFound):
		apierr.WriteError(w, apierr.ErrNotFound)
	case errors.Is(err, registry.ErrNotOwner):
		apierr.WriteError(w, apierr.ErrForbidden)
	case errors.Is(err, registry.ErrLimitExceeded):
		apierr.WriteError(w, apierr.ErrConflict.WithDetail("max registrations per owner exceeded"))
	case errors.Is(err, registry.ErrFOADInconsistent):
		apierr.WriteError(w, apierr.ErrMissingField.WithDetail("foad and service_point are mutually exclusive"))
	case errors.Is(err, registry.ErrInvalidRequest):
		apierr.WriteError(w, apierr.ErrMissingField)
	default:
		apierr.WriteError(w, apierr.ErrInternal.WithCause(err))
	}
}
