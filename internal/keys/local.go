// Package keys manages this server's own signing identity (used to sign
// outgoing federation requests with HTTP Message Signatures) and a cache of
// remote peers' public keys (used to verify incoming signed requests).
package keys

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mrs-federation/mrs/internal/store"
)

const LocalAlgorithm = "ed25519"

var ErrNoActiveKey = errors.New("keys: no active local signing key")

// Identity is this server's current signing keypair.
type Identity struct {
	KeyID      string
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
}

// LocalKeystore holds the server's own Ed25519 keypair, persisted via
// store.KeyStore so it survives restarts, and cached in memory the way
// jwt.PersistentKeystore caches the active signing key.
type LocalKeystore struct {
	subject string
	store   store.KeyStore

	mu       sync.RWMutex
	active   *Identity
	cacheTTL time.Duration
	until    time.Time
}

// NewLocalKeystore builds a keystore for subject (the server's own
// identity, e.g. its hostname-derived subject).
func NewLocalKeystore(subject string, s store.KeyStore) *LocalKeystore {
	return &LocalKeystore{subject: subject, store: s, cacheTTL: 30 * time.Second}
}

// EnsureBootstrap generates and persists a fresh keypair if none exists yet.
func (k *LocalKeystore) EnsureBootstrap(ctx context.Context) error {
	existing, err := k.store.ListKeysByOwner(ctx, k.subject)
	if err != nil {
		return err
	}
	for _, rec := range existing {
		if rec.RotatedAt == nil {
			return nil
		}
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	// A random suffix keeps ids distinct when Rotate runs within the same
	// second as the previous bootstrap.
	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		return err
	}
	kid := fmt.Sprintf("key-%s-%s", time.Now().UTC().Format("20060102T150405Z"), base64.RawURLEncoding.EncodeToString(suffix))
	rec := &store.KeyRecord{
		OwnerSubject: k.subject,
		KeyID:        kid,
		Algorithm:    LocalAlgorithm,
		PublicKey:    pub,
		PrivateKey:   priv,
	}
	return k.store.SaveKey(ctx, rec)
}

// Active returns the current signing identity, cached briefly to avoid a
// store round-trip on every outgoing signed request.
func (k *LocalKeystore) Active(ctx context.Context) (*Identity, error) {
	k.mu.RLock()
	if k.active != nil && time.Now().Before(k.until) {
		id := k.active
		k.mu.RUnlock()
		return id, nil
	}
	k.mu.RUnlock()

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.active != nil && time.Now().Before(k.until) {
		return k.active, nil
	}

	recs, err := k.store.ListKeysByOwner(ctx, k.subject)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if rec.RotatedAt != nil {
			continue
		}
		id := &Identity{
			KeyID:      rec.KeyID,
			PrivateKey: ed25519.PrivateKey(rec.PrivateKey),
			PublicKey:  ed25519.PublicKey(rec.PublicKey),
		}
		k.active = id
		k.until = time.Now().Add(k.cacheTTL)
		return id, nil
	}
	return nil, ErrNoActiveKey
}

// Rotate marks the current active key as rotated and bootstraps a new one,
// keeping the old public key around for verifying signatures made before
// the rotation (and for this server's own /.well-known key discovery to
// continue serving old key IDs for a grace period).
func (k *LocalKeystore) Rotate(ctx context.Context) error {
	recs, err := k.store.ListKeysByOwner(ctx, k.subject)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, rec := range recs {
		if rec.RotatedAt == nil {
			rec.RotatedAt = &now
			if err := k.store.SaveKey(ctx, rec); err != nil {
				return err
			}
		}
	}

	k.mu.Lock()
	k.active = nil
	k.mu.Unlock()

	return k.EnsureBootstrap(ctx)
}

// EncodePublicKey renders a public key for use in a JWKS-style
// /.well-known response (base64url, raw bytes).
func EncodePublicKey(pub ed25519.PublicKey) string {
	return base64.RawURLEncoding.EncodeToString(pub)
}

// DecodePublicKey is the inverse of EncodePublicKey.
func DecodePublicKey(s string) (ed25519.PublicKey, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return ed25519.PublicKey(b), nil
}
