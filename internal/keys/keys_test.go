package keys

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrs-federation/mrs/internal/store/memory"
)

var testPub, testPriv, _ = ed25519.GenerateKey(rand.Reader)

func newTestKeypair() (ed25519.PublicKey, ed25519.PrivateKey) {
	return testPub, testPriv
}

func TestLocalKeystoreBootstrapAndRotate(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	k := NewLocalKeystore("server.example", s)

	require.NoError(t, k.EnsureBootstrap(ctx))
	id1, err := k.Active(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, id1.KeyID)

	require.NoError(t, k.Rotate(ctx))
	id2, err := k.Active(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, id1.KeyID, id2.KeyID, "rotate must mint a new active key")
}

func TestRemoteKeyCacheFetchAndCoalesce(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		time.Sleep(10 * time.Millisecond)
		doc := remoteKeyDocument{}
		doc.Keys = append(doc.Keys, struct {
			KeyID      string     `json:"key_id"`
			Algorithm  string     `json:"algorithm"`
			PublicKey  string     `json:"public_key"`
			Deprecated bool       `json:"deprecated"`
			Expires    *time.Time `json:"expires,omitempty"`
		}{KeyID: "k1", Algorithm: LocalAlgorithm, PublicKey: EncodePublicKey(testPub)})
		json.NewEncoder(w).Encode(doc)
	}))
	defer srv.Close()

	c := NewRemoteKeyCache(nil, time.Minute)
	keyURL := srv.URL + "/.well-known/mrs/keys#k1"

	results := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() {
			_, err := c.Get(context.Background(), keyURL)
			results <- err
		}()
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, <-results)
	}
	assert.Equal(t, 1, hits, "concurrent misses for the same key URL should coalesce into one fetch")
}

func TestRemoteKeyCacheInvalidate(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		doc := remoteKeyDocument{}
		doc.Keys = append(doc.Keys, struct {
			KeyID      string     `json:"key_id"`
			Algorithm  string     `json:"algorithm"`
			PublicKey  string     `json:"public_key"`
			Deprecated bool       `json:"deprecated"`
			Expires    *time.Time `json:"expires,omitempty"`
		}{KeyID: "k1", Algorithm: LocalAlgorithm, PublicKey: EncodePublicKey(testPub)})
		json.NewEncoder(w).Encode(doc)
	}))
	defer srv.Close()

	c := NewRemoteKeyCache(nil, time.Minute)
	keyURL := srv.URL + "/.well-known/mrs/keys#k1"

	_, err := c.Get(context.Background(), keyURL)
	require.NoError(t, err)
	c.Invalidate(keyURL)
	_, err = c.Get(context.Background(), keyURL)
	require.NoError(t, err)
	assert.Equal(t, 2, hits)
}

func TestHostMatchesIdentity(t *testing.T) {
	assert.True(t, HostMatchesIdentity("https://peer.example/.well-known/mrs/keys#k1", "peer.example"))
	assert.False(t, HostMatchesIdentity("https://evil.example/.well-known/mrs/keys#k1", "peer.example"))
}

func TestSplitKeyURLFragmentOptional(t *testing.T) {
	docURL, fragment := splitKeyURL("https://peer.example/.well-known/mrs/keys")
	assert.Equal(t, "https://peer.example/.well-known/mrs/keys", docURL)
	assert.Equal(t, "", fragment)

	docURL, fragment = splitKeyURL("https://peer.example/.well-known/mrs/keys#k1")
	assert.Equal(t, "https://peer.example/.well-known/mrs/keys", docURL)
	assert.Equal(t, "k1", fragment)
}

func TestRemoteKeyCacheFallsBackToFirstActiveKeyWithoutFragment(t *testing.T) {
	expired := time.Now().Add(-time.Hour)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		doc := remoteKeyDocument{}
		doc.Keys = append(doc.Keys, struct {
			KeyID      string     `json:"key_id"`
			Algorithm  string     `json:"algorithm"`
			PublicKey  string     `json:"public_key"`
			Deprecated bool       `json:"deprecated"`
			Expires    *time.Time `json:"expires,omitempty"`
		}{KeyID: "stale", Algorithm: LocalAlgorithm, PublicKey: EncodePublicKey(testPub), Deprecated: true})
		doc.Keys = append(doc.Keys, struct {
			KeyID      string     `json:"key_id"`
			Algorithm  string     `json:"algorithm"`
			PublicKey  string     `json:"public_key"`
			Deprecated bool       `json:"deprecated"`
			Expires    *time.Time `json:"expires,omitempty"`
		}{KeyID: "expired", Algorithm: LocalAlgorithm, PublicKey: EncodePublicKey(testPub), Expires: &expired})
		doc.Keys = append(doc.Keys, struct {
			KeyID      string     `json:"key_id"`
			Algorithm  string     `json:"algorithm"`
			PublicKey  string     `json:"public_key"`
			Deprecated bool       `json:"deprecated"`
			Expires    *time.Time `json:"expires,omitempty"`
		}{KeyID: "active", Algorithm: LocalAlgorithm, PublicKey: EncodePublicKey(testPub)})
		json.NewEncoder(w).Encode(doc)
	}))
	defer srv.Close()

	c := NewRemoteKeyCache(nil, time.Minute)
	rk, err := c.Get(context.Background(), srv.URL+"/.well-known/mrs/keys")
	require.NoError(t, err)
	assert.Equal(t, testPub, rk.PublicKey)
}
