// Package auth wires local user signup/login/profile onto net/http
// handlers for POST /auth/register, POST /auth/login, and GET /auth/me.
package auth

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mrs-federation/mrs/internal/apierr"
	"github.com/mrs-federation/mrs/internal/auth"
	"github.com/mrs-federation/mrs/internal/http/middleware"
	"github.com/mrs-federation/mrs/internal/observability/logger"
	"github.com/mrs-federation/mrs/internal/store"
)

const maxBodySize = 16 * 1024

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type registerResponse struct {
	Subject string `json:"subject"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresAt   string `json:"expires_at"`
}

type meResponse struct {
	Subject string `json:"subject"`
	Email   string `json:"email"`
}

// Controller handles local-identity signup and login.
type Controller struct {
	service *auth.Service
	users   store.UserStore
}

func New(service *auth.Service, users store.UserStore) *Controller {
	return &Controller{service: service, users: users}
}

// Register handles POST /auth/register.
func (c *Controller) Register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Component("auth"), logger.Op("Register"))

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteError(w, apierr.ErrMissingField.WithCause(err))
		return
	}
	if req.Email == "" || req.Password == "" {
		apierr.WriteError(w, apierr.ErrMissingField.WithDetail("email and password are required"))
		return
	}

	subject, err := c.service.Register(ctx, req.Email, req.Password)
	if err != nil {
		log.Debug("register failed", logger.Err(err))
		if errors.Is(err, store.ErrConflict) {
			apierr.WriteError(w, apierr.ErrConflict.WithDetail("email already registered"))
			return
		}
		apierr.WriteError(w, apierr.ErrInternal.WithCause(err))
		return
	}

	writeJSON(w, http.StatusCreated, registerResponse{Subject: subject})
}

// Login handles POST /auth/login.
func (c *Controller) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Component("auth"), logger.Op("Login"))

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteError(w, apierr.ErrMissingField.WithCause(err))
		return
	}

	token, expiresAt, err := c.service.Login(ctx, req.Email, req.Password)
	if err != nil {
		log.Debug("login failed", logger.Err(err))
		if errors.Is(err, auth.ErrInvalidCredentials) {
			apierr.WriteError(w, apierr.ErrUnauthorized)
			return
		}
		apierr.WriteError(w, apierr.ErrInternal.WithCause(err))
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresAt:   expiresAt.UTC().Format("2006-01-02T15:04:05Z"),
	})
}

// Me handles GET /auth/me.
func (c *Controller) Me(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := middleware.GetIdentity(ctx)
	if id == nil {
		apierr.WriteError(w, apierr.ErrUnauthorized)
		return
	}

	u, err := c.users.GetUserBySubject(ctx, id.Subject)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			apierr.WriteError(w, apierr.ErrNotFound)
			return
		}
		apierr.WriteError(w, apierr.ErrInternal.WithCause(err))
		return
	}

	writeJSON(w, http.StatusOK, meResponse{Subject: u.Subject, Email: u.Email})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
