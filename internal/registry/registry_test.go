package registry

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrs-federation/mrs/internal/geo"
	"github.com/mrs-federation/mrs/internal/store"
	"github.com/mrs-federation/mrs/internal/store/memory"
)

func newTestService(t *testing.T, maxPerUser int) *Service {
	t.Helper()
	return NewService(Deps{
		Store:                   memory.New(),
		OriginServer:            "me.example",
		MaxRegistrationsPerUser: maxPerUser,
	})
}

func TestRegisterAndRelease(t *testing.T) {
	svc := newTestService(t, 10)
	ctx := context.Background()

	reg, err := svc.Register(ctx, "u1", RegisterRequest{
		ServiceURI: "https://svc.example/a",
		Geometry:   geo.Sphere{Center: geo.Point{Lat: 1, Lon: 2}, Radius: 10},
	})
	require.NoError(t, err)
	assert.Equal(t, "me.example", reg.OriginServer)
	assert.True(t, strings.HasPrefix(reg.OriginID, "reg_"))
	assert.Equal(t, int64(1), reg.Version)

	require.NoError(t, svc.Release(ctx, "u1", reg.OriginID))
	assert.ErrorIs(t, svc.Release(ctx, "u1", reg.OriginID), ErrNotFound)
}

func TestRegisterRejectsForeignCanonicalHint(t *testing.T) {
	svc := newTestService(t, 10)
	ctx := context.Background()

	_, err := svc.Register(ctx, "u1", RegisterRequest{
		ServiceURI:    "https://svc.example/a",
		Geometry:      geo.Sphere{Radius: 1},
		CanonicalHint: &CanonicalID{OriginServer: "someone-else.example", OriginID: "r1"},
	})
	assert.ErrorIs(t, err, ErrNotAuthoritative)
}

func TestRegisterUpdatesExistingLocalRecord(t *testing.T) {
	svc := newTestService(t, 10)
	ctx := context.Background()

	reg, err := svc.Register(ctx, "u1", RegisterRequest{
		ServiceURI: "https://svc.example/a",
		Geometry:   geo.Sphere{Center: geo.Point{Lat: 1, Lon: 2}, Radius: 10},
	})
	require.NoError(t, err)

	updated, err := svc.Register(ctx, "u1", RegisterRequest{
		ServiceURI:    "https://svc.example/b",
		Geometry:      geo.Sphere{Center: geo.Point{Lat: 3, Lon: 4}, Radius: 20},
		CanonicalHint: &CanonicalID{OriginServer: "me.example", OriginID: reg.OriginID},
	})
	require.NoError(t, err)

	assert.Equal(t, reg.OriginID, updated.OriginID, "update must not change the origin id")
	assert.Equal(t, reg.OwnerSubject, updated.OwnerSubject, "update must not transfer ownership")
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, "https://svc.example/b", updated.ServiceURI)

	owned, err := svc.ListOwned(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, owned, 1, "update must rewrite the existing record, not create a second one")
}

func TestRegisterUpdateRejectsNonOwner(t *testing.T) {
	svc := newTestService(t, 10)
	ctx := context.Background()

	reg, err := svc.Register(ctx, "u1", RegisterRequest{
		ServiceURI: "https://svc.example/a",
		Geometry:   geo.Sphere{Radius: 1},
	})
	require.NoError(t, err)

	_, err = svc.Register(ctx, "someone-else", RegisterRequest{
		ServiceURI:    "https://svc.example/b",
		Geometry:      geo.Sphere{Radius: 1},
		CanonicalHint: &CanonicalID{OriginServer: "me.example", OriginID: reg.OriginID},
	})
	assert.ErrorIs(t, err, ErrNotOwner)
}

func TestRegisterUpdateRejectsUnknownID(t *testing.T) {
	svc := newTestService(t, 10)
	ctx := context.Background()

	_, err := svc.Register(ctx, "u1", RegisterRequest{
		ServiceURI:    "https://svc.example/a",
		Geometry:      geo.Sphere{Radius: 1},
		CanonicalHint: &CanonicalID{OriginServer: "me.example", OriginID: "reg_does_not_exist"},
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegisterFOADOmitsServicePoint(t *testing.T) {
	svc := newTestService(t, 10)
	ctx := context.Background()

	reg, err := svc.Register(ctx, "u1", RegisterRequest{
		FOAD:     true,
		Geometry: geo.Sphere{Center: geo.Point{Lat: 1, Lon: 2}, Radius: 10},
	})
	require.NoError(t, err)
	assert.True(t, reg.FOAD)
	assert.Empty(t, reg.ServiceURI)
}

func TestRegisterRejectsFOADWithServicePoint(t *testing.T) {
	svc := newTestService(t, 10)
	ctx := context.Background()

	_, err := svc.Register(ctx, "u1", RegisterRequest{
		FOAD:       true,
		ServiceURI: "https://svc.example/a",
		Geometry:   geo.Sphere{Radius: 1},
	})
	assert.ErrorIs(t, err, ErrFOADInconsistent)
}

func TestRegisterRejectsMissingServicePointWithoutFOAD(t *testing.T) {
	svc := newTestService(t, 10)
	ctx := context.Background()

	_, err := svc.Register(ctx, "u1", RegisterRequest{
		Geometry: geo.Sphere{Radius: 1},
	})
	assert.ErrorIs(t, err, ErrFOADInconsistent)
}

func TestReleaseRejectsNonOwner(t *testing.T) {
	svc := newTestService(t, 10)
	ctx := context.Background()

	reg, err := svc.Register(ctx, "u1", RegisterRequest{
		ServiceURI: "https://svc.example/a",
		Geometry:   geo.Sphere{Radius: 1},
	})
	require.NoError(t, err)

	err = svc.Release(ctx, "someone-else", reg.OriginID)
	assert.ErrorIs(t, err, ErrNotOwner)
}

func TestReleaseRejectsNonAuthoritative(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	svc := NewService(Deps{Store: st, OriginServer: "b.example", MaxRegistrationsPerUser: 10})

	replica := &store.Record{
		OriginKey:    store.OriginKey{OriginServer: "a.example", OriginID: "reg_from_a"},
		OwnerSubject: "u1",
		ServiceURI:   "https://svc.example/a",
		Geometry:     geo.Sphere{Radius: 1},
		Version:      1,
	}
	require.NoError(t, st.UpsertFromSync(ctx, replica))

	err := svc.Release(ctx, "u1", "reg_from_a")
	var notAuth *NotAuthoritativeError
	require.ErrorAs(t, err, &notAuth)
	assert.Equal(t, "a.example", notAuth.OriginServer)
	assert.ErrorIs(t, err, ErrNotAuthoritative)
}

func TestRegisterEnforcesLimit(t *testing.T) {
	svc := newTestService(t, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := svc.Register(ctx, "u1", RegisterRequest{
			ServiceURI: "https://svc.example/a",
			Geometry:   geo.Sphere{Radius: 1},
		})
		require.NoError(t, err)
	}

	_, err := svc.Register(ctx, "u1", RegisterRequest{
		ServiceURI: "https://svc.example/a",
		Geometry:   geo.Sphere{Radius: 1},
	})
	assert.ErrorIs(t, err, ErrLimitExceeded)
}

func TestSearchOrdersInsideOut(t *testing.T) {
	svc := newTestService(t, 10)
	ctx := context.Background()

	center := geo.Point{Lat: 0, Lon: 0}

	outer, err := svc.Register(ctx, "u1", RegisterRequest{
		ServiceURI: "https://svc.example/outer",
		Geometry:   geo.Sphere{Center: center, Radius: 1000},
	})
	require.NoError(t, err)

	inner, err := svc.Register(ctx, "u1", RegisterRequest{
		ServiceURI: "https://svc.example/inner",
		Geometry:   geo.Sphere{Center: center, Radius: 10},
	})
	require.NoError(t, err)

	hits, err := svc.Search(ctx, SearchRequest{Center: center, Range: 1})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, inner.OriginID, hits[0].OriginID, "smaller (inner) volume should sort first on a tie in distance")
	assert.Equal(t, outer.OriginID, hits[1].OriginID)
}

func TestSearchExcludesOutOfRange(t *testing.T) {
	svc := newTestService(t, 10)
	ctx := context.Background()

	_, err := svc.Register(ctx, "u1", RegisterRequest{
		ServiceURI: "https://svc.example/far",
		Geometry:   geo.Sphere{Center: geo.Point{Lat: 45, Lon: 45}, Radius: 10},
	})
	require.NoError(t, err)

	hits, err := svc.Search(ctx, SearchRequest{Center: geo.Point{Lat: 0, Lon: 0}, Range: 100})
	require.NoError(t, err)
	assert.Empty(t, hits)
}
