package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"time"

	"github.com/mrs-federation/mrs/internal/security/password"
	"github.com/mrs-federation/mrs/internal/store"
)

// GenerateOpaqueToken returns a URL-safe random token, mirroring
// internal/security/token.GenerateOpaqueToken.
func GenerateOpaqueToken(nBytes int) (string, error) {
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Login verifies email/password against the user store and issues a fresh
// opaque bearer token, hashed before being persisted so a store leak does
// not expose usable tokens (the same shape as a password hash).
func (s *Service) Login(ctx context.Context, email, plainPassword string) (token string, expiresAt time.Time, err error) {
	u, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if err == store.ErrNotFound {
			return "", time.Time{}, ErrInvalidCredentials
		}
		return "", time.Time{}, err
	}
	if !password.Verify(plainPassword, u.PasswordHash) {
		return "", time.Time{}, ErrInvalidCredentials
	}

	token, err = GenerateOpaqueToken(32)
	if err != nil {
		return "", time.Time{}, err
	}
	expiresAt = time.Now().Add(TokenTTL)

	rec := &store.TokenRecord{
		TokenHash:    hashToken(token),
		OwnerSubject: u.Subject,
		ExpiresAt:    expiresAt,
	}
	if err := s.store.CreateToken(ctx, rec); err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// Register creates a new local user with a password identity, for callers
// who register spatial claims under a plain bearer token rather than a
// federated signing identity.
func (s *Service) Register(ctx context.Context, email, plainPassword string) (subject string, err error) {
	hash, err := password.Hash(password.Default, plainPassword)
	if err != nil {
		return "", err
	}

	subject, err = GenerateOpaqueToken(16)
	if err != nil {
		return "", err
	}

	u := &store.User{
		Subject:      subject,
		Email:        email,
		PasswordHash: hash,
		IsLocal:      true,
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return "", err
	}
	return subject, nil
}

// AuthenticateBearer resolves an opaque bearer token to its owning
// identity, rejecting expired or revoked tokens.
func (s *Service) AuthenticateBearer(ctx context.Context, token string) (*Identity, error) {
	rec, err := s.store.GetToken(ctx, hashToken(token))
	if err != nil {
		if err == store.ErrNotFound {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	if rec.RevokedAt != nil || time.Now().After(rec.ExpiresAt) {
		return nil, ErrInvalidToken
	}
	return &Identity{Kind: IdentityUser, Subject: rec.OwnerSubject, IsLocal: true}, nil
}

// Logout revokes a bearer token immediately.
func (s *Service) Logout(ctx context.Context, token string) error {
	return s.store.RevokeToken(ctx, hashToken(token))
}
