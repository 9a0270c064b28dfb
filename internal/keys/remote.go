package keys

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// RemoteKey is a peer's public key as discovered from its key URL, e.g.
// "https://peer.example/.well-known/mrs/keys#key-20260101T000000Z-q3Xk9w".
type RemoteKey struct {
	KeyURL    string
	Algorithm string
	PublicKey ed25519.PublicKey
	FetchedAt time.Time
}

type remoteKeyDocument struct {
	Keys []struct {
		KeyID      string     `json:"key_id"`
		Algorithm  string     `json:"algorithm"`
		PublicKey  string     `json:"public_key"`
		Deprecated bool       `json:"deprecated"`
		Expires    *time.Time `json:"expires,omitempty"`
	} `json:"keys"`
}

// RemoteKeyCache fetches and caches peers' public keys for verifying HTTP
// Message Signatures on incoming federation requests. Concurrent misses for
// the same key URL coalesce into a single in-flight fetch via singleflight,
// mirroring internal/infra/tenantcache.Manager's use of
// golang.org/x/sync/singleflight to avoid a thundering herd of identical
// lookups.
type RemoteKeyCache struct {
	httpClient *http.Client
	ttl        time.Duration

	mu    sync.RWMutex
	items map[string]RemoteKey

	sf singleflight.Group
}

func NewRemoteKeyCache(httpClient *http.Client, ttl time.Duration) *RemoteKeyCache {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &RemoteKeyCache{
		httpClient: httpClient,
		ttl:        ttl,
		items:      make(map[string]RemoteKey),
	}
}

// Get resolves keyURL (a key discovery URL with an optional #fragment
// selecting one key from the document) to a public key, serving from cache
// when fresh.
func (c *RemoteKeyCache) Get(ctx context.Context, keyURL string) (*RemoteKey, error) {
	c.mu.RLock()
	if k, ok := c.items[keyURL]; ok && time.Since(k.FetchedAt) < c.ttl {
		c.mu.RUnlock()
		kk := k
		return &kk, nil
	}
	c.mu.RUnlock()

	v, err, _ := c.sf.Do(keyURL, func() (interface{}, error) {
		k, err := c.fetch(ctx, keyURL)
		if err != nil {
			// Do not cache failures: the next Get retries the fetch rather
			// than serving a poisoned negative result.
			return nil, err
		}
		c.mu.Lock()
		c.items[keyURL] = *k
		c.mu.Unlock()
		return k, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*RemoteKey), nil
}

// Invalidate drops a cached key, forcing the next Get to refetch. Callers
// should invalidate when a signature fails to verify with the cached key,
// in case the peer rotated it since the last fetch.
func (c *RemoteKeyCache) Invalidate(keyURL string) {
	c.mu.Lock()
	delete(c.items, keyURL)
	c.mu.Unlock()
}

func (c *RemoteKeyCache) fetch(ctx context.Context, keyURL string) (*RemoteKey, error) {
	docURL, fragment := splitKeyURL(keyURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, docURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("keys: fetching %s: status %d", docURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	var doc remoteKeyDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("keys: decoding key document from %s: %w", docURL, err)
	}
	if doc.Keys == nil {
		// A single published key is served as a bare key object rather
		// than wrapped in {"keys": [...]}.
		if err := json.Unmarshal([]byte("["+string(body)+"]"), &doc.Keys); err != nil {
			return nil, fmt.Errorf("keys: decoding key document from %s: %w", docURL, err)
		}
	}

	now := time.Now()

	// A #fragment pins one specific key id; without one, the first
	// non-deprecated, non-expired key published for the identity is used.
	if fragment != "" {
		for _, k := range doc.Keys {
			if k.KeyID != fragment {
				continue
			}
			pub, err := DecodePublicKey(k.PublicKey)
			if err != nil {
				return nil, err
			}
			return &RemoteKey{KeyURL: keyURL, Algorithm: k.Algorithm, PublicKey: pub, FetchedAt: now}, nil
		}
		return nil, fmt.Errorf("keys: key id %q not found in %s", fragment, docURL)
	}

	for _, k := range doc.Keys {
		if k.Deprecated || (k.Expires != nil && k.Expires.Before(now)) {
			continue
		}
		pub, err := DecodePublicKey(k.PublicKey)
		if err != nil {
			return nil, err
		}
		return &RemoteKey{KeyURL: keyURL, Algorithm: k.Algorithm, PublicKey: pub, FetchedAt: now}, nil
	}
	return nil, fmt.Errorf("keys: no active key found in %s", docURL)
}

// splitKeyURL separates the document URL from the #fragment selecting one
// key within it, e.g. "https://h/.well-known/mrs/keys#key-1" splits into
// ("https://h/.well-known/mrs/keys", "key-1"). The fragment is optional: a
// keyid with none falls back to scanning the document for the first
// active key.
func splitKeyURL(keyURL string) (docURL, fragment string) {
	u, err := url.Parse(keyURL)
	if err != nil {
		return keyURL, ""
	}
	fragment = u.Fragment
	u.Fragment = ""
	return u.String(), fragment
}

// HostMatchesIdentity reports whether a key URL's host matches the
// federated identity's claimed origin server, preventing a peer from
// presenting a key hosted on an unrelated domain as proof of its identity.
func HostMatchesIdentity(keyURL, originServer string) bool {
	u, err := url.Parse(keyURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Hostname(), originServer)
}
