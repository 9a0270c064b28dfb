package auth

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mrs-federation/mrs/internal/keys"
	"github.com/mrs-federation/mrs/internal/store"
)

// signatureInput is the parsed form of a single member of the
// Signature-Input header, e.g.:
//
//	sig1=("@method" "@path" "content-digest" "mrs-identity");keyid="https://a/.well-known/mrs/keys#k1";created=1700000000;alg="ed25519"
//
// This is a practical subset of RFC 9421 sufficient for server-to-server
// federation requests: one signature per request, identified by a key URL
// rather than a bare key id.
type signatureInput struct {
	label      string
	components []string
	keyID      string
	created    int64
	alg        string
}

// maxSignatureSkew bounds how far created may drift from wall-clock time in
// either direction: too old is a replay risk, too far in the future is a
// forged timestamp meant to outlive any reasonable cache TTL.
const maxSignatureSkew = 5 * time.Minute

// requiredComponents is the minimum covered-component set every signed
// request must declare; a signer may cover more, never less, or a tampered
// path or identity claim could ride along under an otherwise-valid
// signature.
var requiredComponents = []string{"@method", "@path", "mrs-identity"}

// supportedAlg is the only signing algorithm this server can verify.
const supportedAlg = "ed25519"

// serverIdentityUser is the conventional local part a federation peer signs
// its server-to-server requests as, mirroring cmd/mrsd's
// serverIdentitySubject.
const serverIdentityUser = "_server"

// VerifySignature authenticates req against the HTTP Message Signature
// carried in its Signature-Input/Signature headers: it extracts the
// claimed identity from MRS-Identity, checks the signing key's host
// matches that identity's domain, fetches the key, and verifies both the
// signature and (on a request with a body) the Content-Digest. On first
// sight of a signature-authenticated identity a shell non-local user is
// persisted, so later lookups (ownership checks, /auth/me) have a row to
// find.
func (s *Service) VerifySignature(ctx context.Context, req *http.Request) (*Identity, error) {
	sigInputHeader := req.Header.Get("Signature-Input")
	sigHeader := req.Header.Get("Signature")
	identityHeader := strings.TrimSpace(req.Header.Get("MRS-Identity"))
	if sigInputHeader == "" || sigHeader == "" || identityHeader == "" {
		return nil, ErrInvalidSignature
	}

	in, err := parseSignatureInput(sigInputHeader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	age := time.Since(time.Unix(in.created, 0))
	if age > maxSignatureSkew {
		return nil, fmt.Errorf("%w: signature too old", ErrInvalidSignature)
	}
	if age < -maxSignatureSkew {
		return nil, fmt.Errorf("%w: created is too far in the future", ErrInvalidSignature)
	}

	if in.alg != "" && in.alg != supportedAlg {
		return nil, fmt.Errorf("%w: unsupported alg %q", ErrInvalidSignature, in.alg)
	}

	body, err := drainBody(req)
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrInvalidSignature, err)
	}

	if err := checkRequiredComponents(in.components, len(body) > 0); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	user, domain, err := splitIdentity(identityHeader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	if !keys.HostMatchesIdentity(in.keyID, domain) {
		return nil, ErrIdentityMismatch
	}

	if len(body) > 0 {
		want := req.Header.Get("Content-Digest")
		if want == "" {
			return nil, fmt.Errorf("%w: missing content-digest on a request with a body", ErrInvalidSignature)
		}
		if !contentDigestMatches(body, want) {
			return nil, fmt.Errorf("%w: content-digest mismatch", ErrInvalidSignature)
		}
	}

	sig, err := parseSignatureHeader(sigHeader, in.label)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	base := buildSignatureBase(req, in)
	verify := func(pub ed25519.PublicKey) bool {
		return ed25519.Verify(pub, []byte(base), sig)
	}

	remote, err := s.remoteKeys.Get(ctx, in.keyID)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching signing key: %v", ErrInvalidSignature, err)
	}
	if !verify(remote.PublicKey) {
		// The peer may have rotated its key since our last fetch; retry once
		// with a forced refresh before giving up.
		s.remoteKeys.Invalidate(in.keyID)
		remote, err = s.remoteKeys.Get(ctx, in.keyID)
		if err != nil || !verify(remote.PublicKey) {
			return nil, ErrInvalidSignature
		}
	}

	return s.identityForSignature(ctx, user, domain)
}

// VerifyPeerSignature is VerifySignature narrowed to the federation sync
// endpoints: it additionally requires the claimed identity's domain match
// originServer, the peer this server believes it is talking to.
func (s *Service) VerifyPeerSignature(ctx context.Context, req *http.Request, originServer string) (*Identity, error) {
	id, err := s.VerifySignature(ctx, req)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(id.Domain, originServer) {
		return nil, ErrIdentityMismatch
	}
	return id, nil
}

// identityForSignature resolves "user@domain" to an Identity, creating a
// shell (password-less) user the first time a given subject is seen.
func (s *Service) identityForSignature(ctx context.Context, user, domain string) (*Identity, error) {
	subject := user + "@" + domain

	kind := IdentityUser
	if user == serverIdentityUser {
		kind = IdentityPeer
	}

	if _, err := s.store.GetUserBySubject(ctx, subject); err != nil {
		if err != store.ErrNotFound {
			return nil, err
		}
		shell := &store.User{Subject: subject, Email: subject, IsLocal: false}
		if err := s.store.CreateUser(ctx, shell); err != nil && err != store.ErrConflict {
			return nil, err
		}
	}

	return &Identity{Kind: kind, Subject: subject, Domain: domain, IsLocal: false}, nil
}

// checkRequiredComponents enforces the minimum covered-component set:
// @method, @path and mrs-identity always, plus content-digest whenever the
// request carries a body.
func checkRequiredComponents(components []string, hasBody bool) error {
	required := requiredComponents
	if hasBody {
		required = append(append([]string{}, requiredComponents...), "content-digest")
	}
	for _, want := range required {
		if !componentPresent(components, want) {
			return fmt.Errorf("missing required covered component %q", want)
		}
	}
	return nil
}

func componentPresent(components []string, name string) bool {
	for _, c := range components {
		if strings.EqualFold(c, name) {
			return true
		}
	}
	return false
}

// splitIdentity parses an MRS-Identity header value of the form
// "user@domain".
func splitIdentity(header string) (user, domain string, err error) {
	at := strings.IndexByte(header, '@')
	if at <= 0 || at == len(header)-1 {
		return "", "", fmt.Errorf("malformed mrs-identity %q", header)
	}
	return header[:at], header[at+1:], nil
}

// drainBody reads req.Body fully and replaces it with a fresh reader over
// the same bytes, so a later handler (or JSON decoder) can still consume
// it after the signature middleware already has.
func drainBody(req *http.Request) ([]byte, error) {
	if req.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	req.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

// contentDigestMatches recomputes the sha-256 Content-Digest of body and
// compares it byte-for-byte against header, expected in the
// "sha-256=:base64:" structured-field form.
func contentDigestMatches(body []byte, header string) bool {
	want, ok := parseContentDigest(header)
	if !ok {
		return false
	}
	sum := sha256.Sum256(body)
	return bytes.Equal(sum[:], want)
}

func parseContentDigest(header string) ([]byte, bool) {
	const prefix = "sha-256=:"
	idx := strings.Index(header, prefix)
	if idx < 0 {
		return nil, false
	}
	rest := header[idx+len(prefix):]
	end := strings.IndexByte(rest, ':')
	if end < 0 {
		return nil, false
	}
	raw, err := base64.StdEncoding.DecodeString(rest[:end])
	if err != nil {
		return nil, false
	}
	return raw, true
}

// formatContentDigest renders body's sha-256 digest in the same structured
// form parseContentDigest expects.
func formatContentDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return "sha-256=:" + base64.StdEncoding.EncodeToString(sum[:]) + ":"
}

// SignRequest attaches Content-Digest (if req carries a body), MRS-Identity,
// Signature-Input and Signature headers to an outgoing federation request
// using this server's own active key. identity is the "user@domain"
// subject this server signs as, normally "_server@" + its own domain.
func (s *Service) SignRequest(ctx context.Context, req *http.Request, selfKeyURL, identity string) error {
	id, err := s.localKeys.Active(ctx)
	if err != nil {
		return err
	}

	components := []string{"@method", "@path", "mrs-identity"}
	body, err := drainBody(req)
	if err != nil {
		return err
	}
	if len(body) > 0 {
		req.Header.Set("Content-Digest", formatContentDigest(body))
		components = append(components, "content-digest")
	}
	req.Header.Set("MRS-Identity", identity)

	in := signatureInput{
		label:      "sig1",
		components: components,
		keyID:      selfKeyURL,
		created:    time.Now().Unix(),
		alg:        supportedAlg,
	}
	base := buildSignatureBase(req, in)
	sig := ed25519.Sign(id.PrivateKey, []byte(base))

	req.Header.Set("Signature-Input", formatSignatureInput(in))
	req.Header.Set("Signature", fmt.Sprintf("%s=:%s:", in.label, base64.StdEncoding.EncodeToString(sig)))
	return nil
}

func buildSignatureBase(req *http.Request, in signatureInput) string {
	var b strings.Builder
	for _, c := range in.components {
		switch strings.ToLower(c) {
		case "@method":
			fmt.Fprintf(&b, "\"@method\": %s\n", req.Method)
		case "@path":
			fmt.Fprintf(&b, "\"@path\": %s\n", req.URL.Path)
		case "@target-uri":
			fmt.Fprintf(&b, "\"@target-uri\": %s\n", req.URL.String())
		case "@authority":
			fmt.Fprintf(&b, "\"@authority\": %s\n", req.Host)
		default:
			fmt.Fprintf(&b, "%q: %s\n", strings.ToLower(c), req.Header.Get(c))
		}
	}
	params := fmt.Sprintf("(%s);keyid=%q;created=%d", quoteComponents(in.components), in.keyID, in.created)
	if in.alg != "" {
		params += fmt.Sprintf(";alg=%q", in.alg)
	}
	fmt.Fprintf(&b, "\"@signature-params\": %s", params)
	return b.String()
}

func quoteComponents(components []string) string {
	parts := make([]string, len(components))
	for i, c := range components {
		parts[i] = strconv.Quote(c)
	}
	return strings.Join(parts, " ")
}

func formatSignatureInput(in signatureInput) string {
	s := fmt.Sprintf("%s=(%s);keyid=%q;created=%d", in.label, quoteComponents(in.components), in.keyID, in.created)
	if in.alg != "" {
		s += fmt.Sprintf(";alg=%q", in.alg)
	}
	return s
}

// parseSignatureInput parses a single-signature Signature-Input header
// value. Only the parameters MRS relies on (keyid, created, alg) are
// extracted; unrecognized parameters are ignored.
func parseSignatureInput(header string) (signatureInput, error) {
	eq := strings.IndexByte(header, '=')
	if eq < 0 {
		return signatureInput{}, fmt.Errorf("missing label")
	}
	label := header[:eq]
	rest := header[eq+1:]

	open := strings.IndexByte(rest, '(')
	close := strings.IndexByte(rest, ')')
	if open < 0 || close < 0 || close < open {
		return signatureInput{}, fmt.Errorf("malformed component list")
	}
	componentList := rest[open+1 : close]
	var components []string
	for _, f := range strings.Fields(componentList) {
		components = append(components, strings.Trim(f, `"`))
	}

	params := rest[close+1:]
	in := signatureInput{label: label, components: components}
	for _, kv := range strings.Split(strings.TrimPrefix(params, ";"), ";") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key, val := parts[0], strings.Trim(parts[1], `"`)
		switch key {
		case "keyid":
			in.keyID = val
		case "alg":
			in.alg = val
		case "created":
			created, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return signatureInput{}, fmt.Errorf("invalid created: %w", err)
			}
			in.created = created
		}
	}
	if in.keyID == "" {
		return signatureInput{}, fmt.Errorf("missing keyid")
	}
	if in.created == 0 {
		return signatureInput{}, fmt.Errorf("missing created")
	}
	return in, nil
}

// parseSignatureHeader extracts the raw signature bytes for label from the
// Signature header, e.g. `sig1=:base64bytes:`.
func parseSignatureHeader(header, label string) ([]byte, error) {
	prefix := label + "=:"
	idx := strings.Index(header, prefix)
	if idx < 0 {
		return nil, fmt.Errorf("label %q not present", label)
	}
	rest := header[idx+len(prefix):]
	end := strings.IndexByte(rest, ':')
	if end < 0 {
		return nil, fmt.Errorf("unterminated signature value")
	}
	return base64.StdEncoding.DecodeString(rest[:end])
}
