package authbearer

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLocalMintAndVerify(t *testing.T) {
	l, err := NewLocal("https://issuer.test", "nyuki-api")
	if err != nil {
		t.Fatalf("NewLocal failed: %v", err)
	}

	tok, err := l.Mint("agent-1", time.Minute)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}

	ui, err := l.CheckAuthentication(context.Background(), tok)
	if err != nil {
		t.Fatalf("CheckAuthentication failed: %v", err)
	}
	if ui.UserID() != "agent-1" {
		t.Fatalf("expected subject agent-1, got %q", ui.UserID())
	}

	var claims struct {
		Aud string `json:"aud"`
	}
	if err := ui.Claims(&claims); err != nil {
		t.Fatalf("Claims failed: %v", err)
	}
	if claims.Aud != "nyuki-api" {
		t.Fatalf("expected audience nyuki-api, got %q", claims.Aud)
	}
}

func TestLocalRejectsExpiredToken(t *testing.T) {
	l, err := NewLocal("https://issuer.test", "nyuki-api")
	if err != nil {
		t.Fatalf("NewLocal failed: %v", err)
	}
	l.leeway = 0

	tok, err := l.Mint("agent-1", -time.Minute)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}
	_, err = l.CheckAuthentication(context.Background(), tok)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for expired token, got %v", err)
	}
}

func TestLocalRejectsForeignToken(t *testing.T) {
	a, _ := NewLocal("https://issuer.test", "nyuki-api")
	b, _ := NewLocal("https://issuer.test", "nyuki-api")

	tok, err := a.Mint("agent-1", time.Minute)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}
	_, err = b.CheckAuthentication(context.Background(), tok)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for token signed by another key, got %v", err)
	}
}

func TestLocalRejectsEmptyToken(t *testing.T) {
	l, _ := NewLocal("https://issuer.test", "nyuki-api")
	_, err := l.CheckAuthentication(context.Background(), "")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for empty token, got %v", err)
	}
}
