package authbearer

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
)

// Local is a self-contained Ed25519 token authority: it mints and verifies
// its own compact JWS tokens. Meant for development and tests where no
// external authorization server exists.
type Local struct {
	kid      string
	priv     ed25519.PrivateKey
	pub      ed25519.PublicKey
	issuer   string
	audience string
	leeway   time.Duration
}

// NewLocal generates a fresh Ed25519 key pair bound to the given issuer and
// audience strings.
func NewLocal(issuer, audience string) (*Local, error) {
	if issuer == "" || audience == "" {
		return nil, errors.New("issuer and audience are required")
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &Local{
		kid:      uuid.NewString(),
		priv:     priv,
		pub:      pub,
		issuer:   issuer,
		audience: audience,
		leeway:   60 * time.Second,
	}, nil
}

type localClaims struct {
	Issuer   string `json:"iss"`
	Subject  string `json:"sub"`
	Audience string `json:"aud"`
	IssuedAt int64  `json:"iat"`
	Expires  int64  `json:"exp"`
}

// Mint signs a token for sub valid for ttl.
func (l *Local) Mint(sub string, ttl time.Duration) (string, error) {
	if sub == "" {
		return "", errors.New("subject is required")
	}
	now := time.Now()
	payload, err := json.Marshal(localClaims{
		Issuer:   l.issuer,
		Subject:  sub,
		Audience: l.audience,
		IssuedAt: now.Unix(),
		Expires:  now.Add(ttl).Unix(),
	})
	if err != nil {
		return "", err
	}

	opts := (&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", l.kid)
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.EdDSA, Key: l.priv}, opts)
	if err != nil {
		return "", fmt.Errorf("create signer: %w", err)
	}
	jws, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("sign claims: %w", err)
	}
	return jws.CompactSerialize()
}

// CheckAuthentication verifies a locally minted token.
func (l *Local) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	jws, err := jose.ParseSigned(tok, []jose.SignatureAlgorithm{jose.EdDSA})
	if err != nil {
		return nil, fmt.Errorf("%w: parse failed: %v", ErrUnauthorized, err)
	}
	payload, err := jws.Verify(l.pub)
	if err != nil {
		return nil, fmt.Errorf("%w: signature invalid: %v", ErrUnauthorized, err)
	}

	var claims localClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("%w: malformed claims: %v", ErrUnauthorized, err)
	}
	now := time.Now()
	switch {
	case claims.Issuer != l.issuer:
		return nil, fmt.Errorf("%w: issuer mismatch", ErrUnauthorized)
	case claims.Audience != l.audience:
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	case claims.Subject == "":
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	case now.After(time.Unix(claims.Expires, 0).Add(l.leeway)):
		return nil, fmt.Errorf("%w: token expired", ErrUnauthorized)
	}

	raw := map[string]any{
		"iss": claims.Issuer,
		"sub": claims.Subject,
		"aud": claims.Audience,
		"iat": claims.IssuedAt,
		"exp": claims.Expires,
	}
	return &userInfo{sub: claims.Subject, claims: raw}, nil
}

var _ Authenticator = (*Local)(nil)
