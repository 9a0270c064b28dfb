package auth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrs-federation/mrs/internal/keys"
	"github.com/mrs-federation/mrs/internal/store/memory"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	s := memory.New()
	local := keys.NewLocalKeystore("me.example", s)
	require.NoError(t, local.EnsureBootstrap(context.Background()))
	remote := keys.NewRemoteKeyCache(&http.Client{Transport: keyDocTransport{local: local}}, time.Minute)
	return NewService(s, local, remote)
}

// keyDocTransport answers every key-discovery fetch with the local
// keystore's active key, so signatures made with it verify without a
// network round trip.
type keyDocTransport struct{ local *keys.LocalKeystore }

func (t keyDocTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	id, err := t.local.Active(r.Context())
	if err != nil {
		return nil, err
	}
	body := fmt.Sprintf(`{"keys":[{"key_id":%q,"algorithm":%q,"public_key":%q}]}`,
		id.KeyID, keys.LocalAlgorithm, keys.EncodePublicKey(id.PublicKey))
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    r,
	}, nil
}

func TestRegisterAndLogin(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	subject, err := svc.Register(ctx, "alice@example.com", "correct horse battery staple")
	require.NoError(t, err)
	assert.NotEmpty(t, subject)

	token, exp, err := svc.Login(ctx, "alice@example.com", "correct horse battery staple")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, exp.After(time.Now()))

	id, err := svc.AuthenticateBearer(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, subject, id.Subject)
	assert.Equal(t, IdentityUser, id.Kind)
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "bob@example.com", "correcthorse")
	require.NoError(t, err)

	_, _, err = svc.Login(ctx, "bob@example.com", "wrong password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLogoutRevokesToken(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "carol@example.com", "hunter22222")
	require.NoError(t, err)
	token, _, err := svc.Login(ctx, "carol@example.com", "hunter22222")
	require.NoError(t, err)

	require.NoError(t, svc.Logout(ctx, token))
	_, err = svc.AuthenticateBearer(ctx, token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestSignAndVerifyPeerSignature(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	req := httptest.NewRequest(http.MethodPost, "https://me.example/sync/changes", nil)
	require.NoError(t, svc.SignRequest(ctx, req, "https://me.example/.well-known/mrs/keys#"+mustActiveKeyID(t, svc), "_server@me.example"))

	id, err := svc.VerifyPeerSignature(ctx, req, "me.example")
	require.NoError(t, err)
	assert.Equal(t, IdentityPeer, id.Kind)
	assert.Equal(t, "_server@me.example", id.Subject)
	assert.False(t, id.IsLocal)
}

func TestVerifyPeerSignatureRejectsHostMismatch(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	req := httptest.NewRequest(http.MethodPost, "https://me.example/sync/changes", nil)
	require.NoError(t, svc.SignRequest(ctx, req, "https://me.example/.well-known/mrs/keys#"+mustActiveKeyID(t, svc), "_server@me.example"))

	_, err := svc.VerifyPeerSignature(ctx, req, "someone-else.example")
	assert.ErrorIs(t, err, ErrIdentityMismatch)
}

func TestVerifySignatureRejectsFutureCreated(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	req := httptest.NewRequest(http.MethodPost, "https://me.example/sync/changes", nil)
	require.NoError(t, svc.SignRequest(ctx, req, "https://me.example/.well-known/mrs/keys#"+mustActiveKeyID(t, svc), "_server@me.example"))

	future := time.Now().Add(10 * time.Minute).Unix()
	sigInput := req.Header.Get("Signature-Input")
	req.Header.Set("Signature-Input", replaceCreated(sigInput, future))

	_, err := svc.VerifySignature(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifySignatureRejectsMissingRequiredComponent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	req := httptest.NewRequest(http.MethodPost, "https://me.example/register", nil)
	req.Header.Set("MRS-Identity", "_server@me.example")
	req.Header.Set("Signature-Input", `sig1=("@method");keyid="https://me.example/.well-known/mrs/keys#`+mustActiveKeyID(t, svc)+`";created=`+strconv.FormatInt(time.Now().Unix(), 10))
	req.Header.Set("Signature", "sig1=:AAAA:")

	_, err := svc.VerifySignature(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func replaceCreated(sigInput string, created int64) string {
	idx := strings.Index(sigInput, "created=")
	return sigInput[:idx] + "created=" + strconv.FormatInt(created, 10)
}

func mustActiveKeyID(t *testing.T, svc *Service) string {
	t.Helper()
	id, err := svc.localKeys.Active(context.Background())
	require.NoError(t, err)
	return id.KeyID
}
