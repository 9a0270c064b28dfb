package e2e

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mrs-federation/mrs/internal/federation"
	syncctl "github.com/mrs-federation/mrs/internal/http/controller/sync"
	"github.com/mrs-federation/mrs/internal/store"
)

// startSyncServer exposes engine's snapshot/delta handlers unauthenticated,
// mirroring how internal/federation.Ingestor.Pull calls them directly
// without signing its own requests: peer authentication policy for
// /sync/* is a deployment decision (bearer, HTTP signature, or IP
// allowlist), not something the ingest client itself performs.
func startSyncServer(t *testing.T, engine *federation.Engine) *httptest.Server {
	t.Helper()
	ctl := syncctl.New(engine)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sync/snapshot", ctl.Snapshot)
	mux.HandleFunc("GET /sync/changes", ctl.Changes)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func storeOriginKey(originServer, originID string) store.OriginKey {
	return store.OriginKey{OriginServer: originServer, OriginID: originID}
}
