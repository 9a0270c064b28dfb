package federation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrs-federation/mrs/internal/geo"
	"github.com/mrs-federation/mrs/internal/store"
	"github.com/mrs-federation/mrs/internal/store/memory"
)

func TestPeersUpsertMergesRatherThanOverwrites(t *testing.T) {
	s := memory.New()
	p := NewPeers(s, "me.example")
	ctx := context.Background()

	require.NoError(t, p.Add(ctx, "https://a.example", "bootstrap A", true, nil))
	require.NoError(t, p.Add(ctx, "https://a.example", "", false, []geo.Geometry{geo.Sphere{Radius: 1}}))

	got, err := p.Get(ctx, "https://a.example")
	require.NoError(t, err)
	assert.Equal(t, "bootstrap A", got.Hint, "empty hint on second upsert must not clobber the first")
	assert.True(t, got.IsConfigured, "is_configured must never regress from true to false")
	assert.Len(t, got.AuthoritativeRegions, 1)
}

func TestLearnFromReferralIgnoresSelf(t *testing.T) {
	s := memory.New()
	p := NewPeers(s, "me.example")
	ctx := context.Background()

	require.NoError(t, p.LearnFromReferral(ctx, "me.example", "self"))
	_, err := p.Get(ctx, "me.example")
	assert.ErrorIs(t, err, store.ErrNotFound, "a server must never learn itself as a peer")
}

func TestReferralsAlwaysIncludeConfigured(t *testing.T) {
	s := memory.New()
	p := NewPeers(s, "me.example")
	ctx := context.Background()

	require.NoError(t, p.Add(ctx, "https://bootstrap.example", "", true, nil))

	refs, err := p.Referrals(ctx, geo.Point{Lat: 0, Lon: 0}, 100, nil)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "https://bootstrap.example", refs[0].Server)
}

func TestReferralsIncludeLearnedOnlyWhenRegionIntersects(t *testing.T) {
	s := memory.New()
	p := NewPeers(s, "me.example")
	ctx := context.Background()

	far := geo.Sphere{Center: geo.Point{Lat: 80, Lon: 80}, Radius: 10}
	near := geo.Sphere{Center: geo.Point{Lat: 0, Lon: 0}, Radius: 1000}

	require.NoError(t, p.Add(ctx, "https://far.example", "", false, []geo.Geometry{far}))
	require.NoError(t, p.Add(ctx, "https://near.example", "", false, []geo.Geometry{near}))

	refs, err := p.Referrals(ctx, geo.Point{Lat: 0, Lon: 0}, 50, nil)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "https://near.example", refs[0].Server)
}

func TestReferralsExcludeSet(t *testing.T) {
	s := memory.New()
	p := NewPeers(s, "me.example")
	ctx := context.Background()

	require.NoError(t, p.Add(ctx, "https://a.example", "", true, nil))

	refs, err := p.Referrals(ctx, geo.Point{}, 10, map[string]bool{"https://a.example": true})
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestReferralsOrderingConfiguredBeforeLearned(t *testing.T) {
	s := memory.New()
	p := NewPeers(s, "me.example")
	ctx := context.Background()

	within := geo.Sphere{Center: geo.Point{Lat: 0, Lon: 0}, Radius: 1000}
	require.NoError(t, p.Add(ctx, "https://learned.example", "", false, []geo.Geometry{within}))
	require.NoError(t, p.Add(ctx, "https://configured.example", "", true, nil))

	refs, err := p.Referrals(ctx, geo.Point{Lat: 0, Lon: 0}, 50, nil)
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, "https://configured.example", refs[0].Server, "configured peers must sort before learned ones")
}

func TestIngestApplyReplicaRejectsSovereignClaim(t *testing.T) {
	s := memory.New()
	p := NewPeers(s, "me.example")
	in := NewIngestor(s, p, "me.example", nil)
	ctx := context.Background()

	geomJSON, err := geo.MarshalGeometry(geo.Sphere{Radius: 1})
	require.NoError(t, err)

	err = in.applyReplica(ctx, "https://peer.example", wireRecord{
		OriginServer: "me.example",
		OriginID:     "reg_x",
		Geometry:     geomJSON,
		Version:      1,
	})
	assert.ErrorIs(t, err, ErrSovereignty)
}

func TestIngestApplyReplicaVersionGated(t *testing.T) {
	s := memory.New()
	p := NewPeers(s, "me.example")
	in := NewIngestor(s, p, "me.example", nil)
	ctx := context.Background()

	geomJSON, err := geo.MarshalGeometry(geo.Sphere{Radius: 1})
	require.NoError(t, err)

	base := wireRecord{OriginServer: "peer.example", OriginID: "reg_x", Geometry: geomJSON, Version: 3, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, in.applyReplica(ctx, "https://peer.example", base))

	stale := base
	stale.Version = 2
	require.NoError(t, in.applyReplica(ctx, "https://peer.example", stale), "stale version must be silently ignored, not an error")

	got, err := s.GetRegistration(ctx, store.OriginKey{OriginServer: "peer.example", OriginID: "reg_x"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Version, "a stale replica event must not roll back the stored version")
}

func TestDeltaRejectsCursorBehindWatermark(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	key := store.OriginKey{OriginServer: "me.example", OriginID: "r1"}
	require.NoError(t, s.CreateRegistration(ctx, &store.Record{OriginKey: key, Geometry: geo.Sphere{Radius: 1}, Version: 1}))
	require.NoError(t, s.DeleteRegistration(ctx, key, 2))

	// Purge immediately (zero retention) rather than waiting out the real
	// 30-day window Engine.GCTombstones enforces, to exercise the watermark
	// path deterministically.
	watermark, err := s.GCTombstones(ctx, 0)
	require.NoError(t, err)
	require.Greater(t, watermark, int64(0))

	eng := NewEngine(Deps{Store: s, OriginServer: "me.example"})

	_, _, err = eng.Delta(ctx, 0, 100)
	assert.ErrorIs(t, err, ErrCursorExpired)
}

func TestSnapshotOrdersByOriginKeyAndPaginates(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	for _, id := range []string{"b", "a"} {
		require.NoError(t, s.CreateRegistration(ctx, &store.Record{
			OriginKey: store.OriginKey{OriginServer: "me.example", OriginID: id},
			Geometry:  geo.Sphere{Radius: 1},
			Version:   1,
		}))
	}

	eng := NewEngine(Deps{Store: s, OriginServer: "me.example"})
	page, err := eng.Snapshot(ctx, nil, 1)
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, "a", page.Records[0].OriginID)
	require.NotNil(t, page.Cursor)

	next, err := eng.Snapshot(ctx, page.Cursor, 1)
	require.NoError(t, err)
	require.Len(t, next.Records, 1)
	assert.Equal(t, "b", next.Records[0].OriginID)
	assert.Nil(t, next.Cursor)
}
