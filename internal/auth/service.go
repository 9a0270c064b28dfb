package auth

import (
	"github.com/mrs-federation/mrs/internal/keys"
	"github.com/mrs-federation/mrs/internal/store"
)

// Service is the authentication boundary used by the HTTP layer: it can
// authenticate local users via bearer token, authenticate peers via HTTP
// Message Signature, and sign this server's own outgoing federation
// requests.
type Service struct {
	store       store.Store
	localKeys   *keys.LocalKeystore
	remoteKeys  *keys.RemoteKeyCache
}

func NewService(s store.Store, localKeys *keys.LocalKeystore, remoteKeys *keys.RemoteKeyCache) *Service {
	return &Service{store: s, localKeys: localKeys, remoteKeys: remoteKeys}
}
