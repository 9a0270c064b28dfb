package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mrs-federation/mrs/internal/auth"
	"github.com/mrs-federation/mrs/internal/federation"
	"github.com/mrs-federation/mrs/internal/geo"
	adminctl "github.com/mrs-federation/mrs/internal/http/controller/admin"
	authctl "github.com/mrs-federation/mrs/internal/http/controller/auth"
	registryctl "github.com/mrs-federation/mrs/internal/http/controller/registry"
	syncctl "github.com/mrs-federation/mrs/internal/http/controller/sync"
	wellknownctl "github.com/mrs-federation/mrs/internal/http/controller/wellknown"
	"github.com/mrs-federation/mrs/internal/http/router"
	"github.com/mrs-federation/mrs/internal/keys"
	"github.com/mrs-federation/mrs/internal/registry"
	"github.com/mrs-federation/mrs/internal/store/memory"
)

const originA = "https://a.example"
const originB = "https://b.example"

func newRegistryService(origin string) *registry.Service {
	return registry.NewService(registry.Deps{Store: memory.New(), OriginServer: origin, MaxRegistrationsPerUser: 1000})
}

// Scenario 1: register then search, matching spec.md's literal example.
func Test_Scenario1_RegisterThenSearch(t *testing.T) {
	ctx := context.Background()
	svc := newRegistryService(originA)

	reg, err := svc.Register(ctx, "alice", registry.RegisterRequest{
		ServiceURI: "https://ex.example/soh",
		Geometry:   geo.Sphere{Center: geo.Point{Lat: -33.8568, Lon: 151.2153, Ele: 0}, Radius: 50},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if reg.Version != 1 || reg.OriginServer != originA {
		t.Fatalf("unexpected registration: %+v", reg)
	}

	hits, err := svc.Search(ctx, registry.SearchRequest{
		Center: geo.Point{Lat: -33.8570, Lon: 151.2155, Ele: 0},
		Range:  100,
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit, got %d", len(hits))
	}
	hit := hits[0]
	if hit.FOAD {
		t.Fatalf("expected foad=false")
	}
	if hit.OriginServer != originA || hit.Version != 1 {
		t.Fatalf("unexpected hit origin/version: %+v", hit)
	}
	if math.Abs(hit.DistanceMeters-24.6) > 2 {
		t.Fatalf("expected distance ~24.6m, got %.2f", hit.DistanceMeters)
	}
}

// Scenario 2: FOAD registration omits service_point and still surfaces on search.
func Test_Scenario2_FOADSearch(t *testing.T) {
	ctx := context.Background()
	svc := newRegistryService(originA)

	center := geo.Point{Lat: 10, Lon: 10, Ele: 0}
	_, err := svc.Register(ctx, "alice", registry.RegisterRequest{
		FOAD:     true,
		Geometry: geo.Sphere{Center: center, Radius: 100},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	hits, err := svc.Search(ctx, registry.SearchRequest{Center: center, Range: 10})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit, got %d", len(hits))
	}
	if !hits[0].FOAD {
		t.Fatalf("expected foad=true")
	}
	if hits[0].ServiceURI != "" {
		t.Fatalf("expected no service_point on a foad hit, got %q", hits[0].ServiceURI)
	}
}

// Scenario 3: only the owner may release; after release the search set empties
// and a tombstone is left behind in the change log.
func Test_Scenario3_ReleaseOwnerCheck(t *testing.T) {
	ctx := context.Background()
	svc := newRegistryService(originA)

	center := geo.Point{Lat: 1, Lon: 1, Ele: 0}
	reg, err := svc.Register(ctx, "alice", registry.RegisterRequest{
		ServiceURI: "https://ex.example/x",
		Geometry:   geo.Sphere{Center: center, Radius: 10},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := svc.Release(ctx, "bob", reg.OriginID); err != registry.ErrNotOwner {
		t.Fatalf("expected ErrNotOwner for non-owner release, got %v", err)
	}

	if err := svc.Release(ctx, "alice", reg.OriginID); err != nil {
		t.Fatalf("owner release: %v", err)
	}

	hits, err := svc.Search(ctx, registry.SearchRequest{Center: center, Range: 10})
	if err != nil {
		t.Fatalf("search after release: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected no hits after release, got %d", len(hits))
	}
}

// Scenario 4: B holds a replica of a record A originates; a direct release
// against B must fail not_authoritative and name A as the origin.
func Test_Scenario4_NotAuthoritativeMutation(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	svc := registry.NewService(registry.Deps{Store: st, OriginServer: originA, MaxRegistrationsPerUser: 1000})

	reg, err := svc.Register(ctx, "alice", registry.RegisterRequest{
		ServiceURI: "https://ex.example/x",
		Geometry:   geo.Sphere{Center: geo.Point{Lat: 1, Lon: 1}, Radius: 10},
	})
	if err != nil {
		t.Fatalf("register on A: %v", err)
	}

	engineA := federation.NewEngine(federation.Deps{Store: st, OriginServer: originA})
	stB := memory.New()
	svcB := registry.NewService(registry.Deps{Store: stB, OriginServer: originB, MaxRegistrationsPerUser: 1000})
	peersB := federation.NewPeers(stB, originB)
	ingestorB := federation.NewIngestor(stB, peersB, originB, nil)

	srv := startSyncServer(t, engineA)

	if err := peersB.Add(ctx, srv.URL, "", true, nil); err != nil {
		t.Fatalf("add peer: %v", err)
	}
	if err := ingestorB.Pull(ctx, srv.URL); err != nil {
		t.Fatalf("pull: %v", err)
	}

	err = svcB.Release(ctx, "alice", reg.OriginID)
	var naErr *registry.NotAuthoritativeError
	if err == nil {
		t.Fatalf("expected not_authoritative error, got nil")
	}
	if !asNotAuthoritative(err, &naErr) {
		t.Fatalf("expected *registry.NotAuthoritativeError, got %T: %v", err, err)
	}
	if naErr.OriginServer != originA {
		t.Fatalf("expected origin_server=%s, got %s", originA, naErr.OriginServer)
	}
}

func asNotAuthoritative(err error, target **registry.NotAuthoritativeError) bool {
	if na, ok := err.(*registry.NotAuthoritativeError); ok {
		*target = na
		return true
	}
	return false
}

// Scenario 5: two registrations sharing a center order smallest-volume-first.
func Test_Scenario5_OrderingInsideOut(t *testing.T) {
	ctx := context.Background()
	svc := newRegistryService(originA)

	center := geo.Point{Lat: 0, Lon: 0, Ele: 0}
	big, err := svc.Register(ctx, "alice", registry.RegisterRequest{
		ServiceURI: "https://ex.example/big",
		Geometry:   geo.Sphere{Center: center, Radius: 1000},
	})
	if err != nil {
		t.Fatalf("register big: %v", err)
	}
	small, err := svc.Register(ctx, "alice", registry.RegisterRequest{
		ServiceURI: "https://ex.example/small",
		Geometry:   geo.Sphere{Center: center, Radius: 10},
	})
	if err != nil {
		t.Fatalf("register small: %v", err)
	}

	hits, err := svc.Search(ctx, registry.SearchRequest{Center: center, Range: 1000})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].OriginID != small.OriginID || hits[1].OriginID != big.OriginID {
		t.Fatalf("expected [small, big] order, got [%s, %s]", hits[0].OriginID, hits[1].OriginID)
	}
}

// Scenario 6: A creates, updates, then releases a record; B starts empty,
// pulls a snapshot (sees version 2), then a delta (sees the tombstone), and
// ends up with no visible record but a retained tombstone.
func Test_Scenario6_SyncDeltaAndTombstone(t *testing.T) {
	ctx := context.Background()
	stA := memory.New()
	svcA := registry.NewService(registry.Deps{Store: stA, OriginServer: originA, MaxRegistrationsPerUser: 1000})
	engineA := federation.NewEngine(federation.Deps{Store: stA, OriginServer: originA})

	reg, err := svcA.Register(ctx, "alice", registry.RegisterRequest{
		ServiceURI: "https://ex.example/x",
		Geometry:   geo.Sphere{Center: geo.Point{Lat: 5, Lon: 5}, Radius: 20},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	updated, err := svcA.Register(ctx, "alice", registry.RegisterRequest{
		ServiceURI:    "https://ex.example/x2",
		Geometry:      geo.Sphere{Center: geo.Point{Lat: 5, Lon: 5}, Radius: 25},
		CanonicalHint: &registry.CanonicalID{OriginServer: originA, OriginID: reg.OriginID},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Version != 2 {
		t.Fatalf("expected version 2 after update, got %d", updated.Version)
	}

	srv := startSyncServer(t, engineA)

	stB := memory.New()
	peersB := federation.NewPeers(stB, originB)
	ingestorB := federation.NewIngestor(stB, peersB, originB, nil)
	if err := peersB.Add(ctx, srv.URL, "", true, nil); err != nil {
		t.Fatalf("add peer: %v", err)
	}
	if err := ingestorB.Pull(ctx, srv.URL); err != nil {
		t.Fatalf("initial pull (snapshot): %v", err)
	}

	rec, err := stB.GetRegistration(ctx, storeOriginKey(originA, reg.OriginID))
	if err != nil {
		t.Fatalf("get after snapshot: %v", err)
	}
	if rec.Version != 2 || rec.Tombstone {
		t.Fatalf("expected replicated version 2, non-tombstone after snapshot, got %+v", rec)
	}

	if err := svcA.Release(ctx, "alice", reg.OriginID); err != nil {
		t.Fatalf("release on A: %v", err)
	}

	if err := ingestorB.Pull(ctx, srv.URL); err != nil {
		t.Fatalf("second pull (delta): %v", err)
	}

	rec, err = stB.GetRegistration(ctx, storeOriginKey(originA, reg.OriginID))
	if err != nil {
		t.Fatalf("get after delta: %v", err)
	}
	if !rec.Tombstone {
		t.Fatalf("expected a retained tombstone on B, got %+v", rec)
	}

	boxes := geo.SplitAntimeridian(geo.SearchBBox(geo.Point{Lat: 5, Lon: 5}, 50))
	recs, err := stB.SearchByBBox(ctx, boxes)
	if err != nil {
		t.Fatalf("search bbox: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("expected no live records after tombstone replication, got %d", len(recs))
	}
}

// newTestRouter builds the full HTTP surface behind router.New over an
// in-memory store, for tests that need to exercise the actual
// middleware/controller chain rather than calling a service method
// directly.
func newTestRouter(t *testing.T, originServer string) http.Handler {
	t.Helper()
	st := memory.New()
	t.Cleanup(st.Close)

	localKeys := keys.NewLocalKeystore("_server", st)
	if err := localKeys.EnsureBootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap signing key: %v", err)
	}
	remoteKeys := keys.NewRemoteKeyCache(nil, time.Minute)
	authService := auth.NewService(st, localKeys, remoteKeys)

	regService := registry.NewService(registry.Deps{Store: st, OriginServer: originServer, MaxRegistrationsPerUser: 1000})
	engine := federation.NewEngine(federation.Deps{Store: st, OriginServer: originServer})

	return router.New(router.Deps{
		Registry:    registryctl.New(regService, 100_000, engine.Peers()),
		WellKnown:   wellknownctl.New(originServer, "operator@"+originServer, 100_000, nil, engine.Peers(), st),
		Auth:        authctl.New(authService, st),
		Sync:        syncctl.New(engine),
		Admin:       adminctl.New(engine.Peers()),
		AuthService: authService,
		Users:       st,
		AdminEmail:  "operator@" + originServer,
	})
}

// Scenario 7: the host of keyid must equal the claimed identity's domain;
// any mismatch is a verification failure (P8), and a real POST /register
// carrying the mismatched headers must come back 401 unauthorized.
func Test_Scenario7_SignatureDomainMismatch(t *testing.T) {
	const claimedDomain = "x.example" // from MRS-Identity: mark@x.example
	const keyURL = "https://y.example/.well-known/mrs/keys/mark"

	if keys.HostMatchesIdentity(keyURL, claimedDomain) {
		t.Fatalf("expected host(keyid)=y.example to mismatch claimed domain=%s", claimedDomain)
	}

	handler := newTestRouter(t, "a.example")

	req := httptest.NewRequest(http.MethodPost, "/register", nil)
	req.Header.Set("MRS-Identity", "mark@"+claimedDomain)
	req.Header.Set("Signature-Input", fmt.Sprintf(
		`sig1=("@method" "@path" "mrs-identity");keyid=%q;created=%d`, keyURL, time.Now().Unix()))
	req.Header.Set("Signature", "sig1=:AAAA:")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Error != "unauthorized" {
		t.Fatalf("expected error code %q, got %q", "unauthorized", body.Error)
	}
}

// Scenario 8: a sphere centered just west of the antimeridian is found by a
// search centered just east of it, within range.
func Test_Scenario8_Antimeridian(t *testing.T) {
	ctx := context.Background()
	svc := newRegistryService(originA)

	_, err := svc.Register(ctx, "alice", registry.RegisterRequest{
		ServiceURI: "https://ex.example/x",
		Geometry:   geo.Sphere{Center: geo.Point{Lat: 0, Lon: 179.99, Ele: 0}, Radius: 10_000},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	hits, err := svc.Search(ctx, registry.SearchRequest{
		Center: geo.Point{Lat: 0, Lon: -179.99, Ele: 0},
		Range:  1000,
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit across the antimeridian, got %d", len(hits))
	}
}
