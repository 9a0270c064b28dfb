package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrs-federation/mrs/internal/geo"
	"github.com/mrs-federation/mrs/internal/store"
)

func TestCreateAndGetRegistration(t *testing.T) {
	s := New()
	ctx := context.Background()

	r := &store.Record{
		OriginKey:    store.OriginKey{OriginServer: "a.example", OriginID: "r1"},
		OwnerSubject: "u1",
		ServiceURI:   "https://svc.example/x",
		Geometry:     geo.Sphere{Center: geo.Point{Lat: 1, Lon: 2}, Radius: 10},
		Version:      1,
	}
	r.BBox = geo.ComputeBBox(r.Geometry)

	require.NoError(t, s.CreateRegistration(ctx, r))
	require.Error(t, s.CreateRegistration(ctx, r), "duplicate active key must conflict")

	got, err := s.GetRegistration(ctx, r.OriginKey)
	require.NoError(t, err)
	assert.Equal(t, r.OwnerSubject, got.OwnerSubject)
	assert.Greater(t, got.ChangeSeq, int64(0))
}

func TestDeleteRegistrationIsTombstone(t *testing.T) {
	s := New()
	ctx := context.Background()

	key := store.OriginKey{OriginServer: "a.example", OriginID: "r1"}
	r := &store.Record{OriginKey: key, OwnerSubject: "u1", Version: 1, Geometry: geo.Sphere{Radius: 1}}
	require.NoError(t, s.CreateRegistration(ctx, r))

	require.NoError(t, s.DeleteRegistration(ctx, key, 2))
	got, err := s.GetRegistration(ctx, key)
	require.NoError(t, err)
	assert.True(t, got.Tombstone)

	err = s.DeleteRegistration(ctx, key, 2)
	assert.ErrorIs(t, err, store.ErrVersionStale)
}

func TestUpsertFromSyncRejectsStaleVersion(t *testing.T) {
	s := New()
	ctx := context.Background()

	key := store.OriginKey{OriginServer: "peer.example", OriginID: "r9"}
	r := &store.Record{OriginKey: key, Version: 5, Geometry: geo.Sphere{Radius: 1}}
	require.NoError(t, s.UpsertFromSync(ctx, r))

	stale := &store.Record{OriginKey: key, Version: 3, Geometry: geo.Sphere{Radius: 1}}
	err := s.UpsertFromSync(ctx, stale)
	assert.ErrorIs(t, err, store.ErrVersionStale)

	newer := &store.Record{OriginKey: key, Version: 7, Geometry: geo.Sphere{Radius: 1}}
	require.NoError(t, s.UpsertFromSync(ctx, newer))
}

func TestSearchByBBox(t *testing.T) {
	s := New()
	ctx := context.Background()

	inBox := &store.Record{
		OriginKey: store.OriginKey{OriginServer: "a", OriginID: "1"},
		Geometry:  geo.Sphere{Center: geo.Point{Lat: 10, Lon: 10}, Radius: 5},
		Version:   1,
	}
	inBox.BBox = geo.ComputeBBox(inBox.Geometry)
	require.NoError(t, s.CreateRegistration(ctx, inBox))

	outOfBox := &store.Record{
		OriginKey: store.OriginKey{OriginServer: "a", OriginID: "2"},
		Geometry:  geo.Sphere{Center: geo.Point{Lat: -80, Lon: -170}, Radius: 5},
		Version:   1,
	}
	outOfBox.BBox = geo.ComputeBBox(outOfBox.Geometry)
	require.NoError(t, s.CreateRegistration(ctx, outOfBox))

	results, err := s.SearchByBBox(ctx, []geo.BBox{{MinLat: 9, MaxLat: 11, MinLon: 9, MaxLon: 11}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "1", results[0].OriginID)
}

func TestChangesSinceOrdersByCursor(t *testing.T) {
	s := New()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		r := &store.Record{
			OriginKey: store.OriginKey{OriginServer: "a", OriginID: string(rune('1' + i))},
			Geometry:  geo.Sphere{Radius: 1},
			Version:   1,
		}
		require.NoError(t, s.CreateRegistration(ctx, r))
	}

	changes, err := s.ChangesSince(ctx, store.ChangeCursor{Seq: 1}, 0)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Less(t, changes[0].ChangeSeq, changes[1].ChangeSeq)
}

func TestCountByOwnerEnforcesLimit(t *testing.T) {
	s := New()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		r := &store.Record{
			OriginKey:    store.OriginKey{OriginServer: "a", OriginID: string(rune('a' + i))},
			OwnerSubject: "u1",
			Geometry:     geo.Sphere{Radius: 1},
			Version:      1,
		}
		require.NoError(t, s.CreateRegistration(ctx, r))
	}

	n, err := s.CountByOwner(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestUserAndTokenLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()

	u := &store.User{Subject: "u1", Email: "a@example.com", PasswordHash: "hash"}
	require.NoError(t, s.CreateUser(ctx, u))
	assert.ErrorIs(t, s.CreateUser(ctx, u), store.ErrConflict)

	got, err := s.GetUserByEmail(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.Subject)

	tok := &store.TokenRecord{TokenHash: "h1", OwnerSubject: "u1"}
	require.NoError(t, s.CreateToken(ctx, tok))
	require.NoError(t, s.RevokeToken(ctx, "h1"))

	revoked, err := s.GetToken(ctx, "h1")
	require.NoError(t, err)
	assert.NotNil(t, revoked.RevokedAt)
}

func TestListAllOrderedPaginatesByKey(t *testing.T) {
	s := New()
	ctx := context.Background()

	for _, id := range []string{"c", "a", "b"} {
		r := &store.Record{OriginKey: store.OriginKey{OriginServer: "srv", OriginID: id}, Geometry: geo.Sphere{Radius: 1}, Version: 1}
		require.NoError(t, s.CreateRegistration(ctx, r))
	}

	page, err := s.ListAllOrdered(ctx, store.OriginKey{}, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "a", page[0].OriginID)
	assert.Equal(t, "b", page[1].OriginID)

	next, err := s.ListAllOrdered(ctx, page[1].OriginKey, 2)
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, "c", next[0].OriginID)
}

func TestGCTombstonesAdvancesWatermark(t *testing.T) {
	s := New()
	ctx := context.Background()

	key := store.OriginKey{OriginServer: "srv", OriginID: "r1"}
	r := &store.Record{OriginKey: key, Geometry: geo.Sphere{Radius: 1}, Version: 1}
	require.NoError(t, s.CreateRegistration(ctx, r))
	require.NoError(t, s.DeleteRegistration(ctx, key, 2))
	s.registrations[key].UpdatedAt = time.Now().Add(-40 * 24 * time.Hour)

	watermark, err := s.GCTombstones(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Greater(t, watermark, int64(0))

	_, err = s.GetRegistration(ctx, key)
	assert.ErrorIs(t, err, store.ErrNotFound)

	got, err := s.GCWatermark(ctx)
	require.NoError(t, err)
	assert.Equal(t, watermark, got)
}

func TestPeerSyncCursor(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.UpsertPeer(ctx, &store.Peer{ServerID: "peer.example", BaseURL: "https://peer.example"}))
	require.NoError(t, s.UpdatePeerSyncCursor(ctx, "peer.example", 42))

	p, err := s.GetPeer(ctx, "peer.example")
	require.NoError(t, err)
	assert.Equal(t, int64(42), p.LastSyncSeq)
}
