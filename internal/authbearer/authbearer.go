// Package authbearer validates bearer tokens presented to the HTTP control
// surface. Three authenticators are provided: OIDC discovery (issuer URL),
// static JWKS (issuer + jwks uri), and a local Ed25519 signer for
// development and tests.
package authbearer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized indicates the token failed validation (signature, issuer,
// audience, exp/nbf) and the request must be treated as unauthenticated.
var ErrUnauthorized = errors.New("authbearer: unauthorized")

// ErrInsufficientScope indicates a valid token that does not carry the
// required scopes; HTTP callers should see 403.
var ErrInsufficientScope = errors.New("authbearer: insufficient_scope")

// UserInfo carries the validated subject and raw claims.
type UserInfo interface {
	UserID() string
	Claims(ref any) error
}

type userInfo struct {
	sub    string
	claims map[string]any
}

func (u *userInfo) UserID() string { return u.sub }
func (u *userInfo) Claims(ref any) error {
	b, err := json.Marshal(u.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// Authenticator validates a bearer token. Implementations must perform
// signature, issuer, audience and time validation.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

// Config controls token validation policy.
type Config struct {
	Issuer            string
	ExpectedAudiences []string
	RequiredScopes    []string
	AllowedAlgs       []string
	Leeway            time.Duration
}

// DefaultConfig returns a Config with safe algorithm and leeway defaults.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs: []string{"RS256"},
		Leeway:      60 * time.Second,
	}
}

type discoveryAuthenticator struct {
	cfg     *Config
	issuer  string
	keyfunc jwt.Keyfunc
}

// NewFromDiscovery performs OIDC discovery against cfg.Issuer to locate the
// JWKS and constructs an authenticator with auto-refreshed keys.
func NewFromDiscovery(ctx context.Context, cfg *Config) (Authenticator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		Issuer  string `json:"issuer"`
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{meta.JwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}

	return &discoveryAuthenticator{
		cfg:     cfg,
		issuer:  meta.Issuer,
		keyfunc: allowedAlgKeyfunc(cfg.AllowedAlgs, kf.Keyfunc),
	}, nil
}

func (a *discoveryAuthenticator) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(a.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(a.issuer),
		jwt.WithLeeway(a.cfg.Leeway),
	}
	if len(a.cfg.ExpectedAudiences) == 1 {
		opts = append(opts, jwt.WithAudience(a.cfg.ExpectedAudiences[0]))
	}
	parsed, err := jwt.NewParser(opts...).Parse(tok, a.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}
	if len(a.cfg.ExpectedAudiences) > 1 && !audIntersects(claims["aud"], a.cfg.ExpectedAudiences) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}
	if err := checkScopes(claims, a.cfg.RequiredScopes); err != nil {
		return nil, err
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	return &userInfo{sub: sub, claims: claims}, nil
}

func allowedAlgKeyfunc(allowed []string, next jwt.Keyfunc) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		alg := t.Method.Alg()
		for _, a := range allowed {
			if alg == a {
				return next(t)
			}
		}
		return nil, fmt.Errorf("disallowed alg: %s", alg)
	}
}

func checkScopes(claims jwt.MapClaims, required []string) error {
	if len(required) == 0 {
		return nil
	}
	scopeStr, _ := claims["scope"].(string)
	have := map[string]bool{}
	for _, s := range strings.Fields(scopeStr) {
		have[s] = true
	}
	for _, want := range required {
		if !have[want] {
			return ErrInsufficientScope
		}
	}
	return nil
}

func audIntersects(aud any, wants []string) bool {
	wantSet := map[string]struct{}{}
	for _, w := range wants {
		wantSet[w] = struct{}{}
	}
	switch v := aud.(type) {
	case string:
		_, ok := wantSet[v]
		return ok
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok {
				if _, ok2 := wantSet[s]; ok2 {
					return true
				}
			}
		}
	case []string:
		for _, s := range v {
			if _, ok := wantSet[s]; ok {
				return true
			}
		}
	}
	return false
}
