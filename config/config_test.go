package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/optiflows/nyuki-go/eventbus"
)

const sampleConf = `{
	"name": "sample",
	"bus": {
		"jid": "sample@bus.local",
		"password": "secret",
		"host": "bus.local",
		"port": 5333
	},
	"api": {"port": 8080},
	"dispatch": {"overflow_policy": "queue"}
}`

func writeConf(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conf.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write conf: %v", err)
	}
	return path
}

func TestLoadFileOverDefaults(t *testing.T) {
	cfg, err := Load(writeConf(t, sampleConf))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Bus.JID != "sample@bus.local" {
		t.Fatalf("expected file jid, got %q", cfg.Bus.JID)
	}
	if cfg.BusAddr() != "bus.local:5333" {
		t.Fatalf("expected file bus addr, got %q", cfg.BusAddr())
	}
	// File omitted these: defaults apply.
	if cfg.Bus.QueueSize != 1000 {
		t.Fatalf("expected default queue size, got %d", cfg.Bus.QueueSize)
	}
	if cfg.API.Host != "localhost" || cfg.API.Port != 8080 {
		t.Fatalf("expected merged api config, got %+v", cfg.API)
	}
	if cfg.Dispatch.MaxConcurrent != 16 {
		t.Fatalf("expected default dispatch pool, got %d", cfg.Dispatch.MaxConcurrent)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("NYUKI_BUS_JID", "override@bus.local")
	t.Setenv("NYUKI_API_PORT", "9999")

	cfg, err := Load(writeConf(t, sampleConf))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Bus.JID != "override@bus.local" {
		t.Fatalf("expected env jid override, got %q", cfg.Bus.JID)
	}
	if cfg.API.Port != 9999 {
		t.Fatalf("expected env port override, got %d", cfg.API.Port)
	}
	// Untouched values keep their file/default values.
	if cfg.Bus.Password != "secret" {
		t.Fatalf("env overlay clobbered file password: %q", cfg.Bus.Password)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidateRequiresCredentials(t *testing.T) {
	_, err := Load(writeConf(t, `{"bus":{"jid":"a@b"},"dispatch":{"overflow_policy":"queue"}}`))
	if err == nil || !strings.Contains(err.Error(), "bus.password") {
		t.Fatalf("expected password requirement, got %v", err)
	}
}

func TestValidateRejectsBadPolicies(t *testing.T) {
	conf := `{
		"bus": {"jid": "a@b", "password": "x", "overflow_policy": "newest-wins"},
		"dispatch": {"overflow_policy": "maybe"}
	}`
	_, err := Load(writeConf(t, conf))
	if err == nil {
		t.Fatal("expected validation failure")
	}
	for _, want := range []string{"bus.overflow_policy", "dispatch.overflow_policy"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %s in error, got %v", want, err)
		}
	}
}

func TestValidateRedisRequiresAddr(t *testing.T) {
	conf := `{
		"bus": {"jid": "a@b", "password": "x"},
		"dispatch": {"overflow_policy": "queue"},
		"persistence": {"backend": "redis"}
	}`
	_, err := Load(writeConf(t, conf))
	if err == nil || !strings.Contains(err.Error(), "redis_addr") {
		t.Fatalf("expected redis_addr requirement, got %v", err)
	}
}

func TestWatchPublishesReload(t *testing.T) {
	path := writeConf(t, sampleConf)
	bus := eventbus.New()
	defer bus.Close()

	got := make(chan *Config, 1)
	bus.Subscribe(TopicReload, func(topic string, evt any) {
		select {
		case got <- evt.(*Config):
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watchErr := make(chan error, 1)
	go func() { watchErr <- Watch(ctx, path, bus, nil) }()

	// Give the watcher a moment to attach before rewriting the file.
	time.Sleep(100 * time.Millisecond)
	updated := strings.Replace(sampleConf, `"port": 5333`, `"port": 5444`, 1)
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatalf("rewrite conf: %v", err)
	}

	select {
	case cfg := <-got:
		if cfg.Bus.Port != 5444 {
			t.Fatalf("expected reloaded port 5444, got %d", cfg.Bus.Port)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reload event never published")
	}

	cancel()
	select {
	case err := <-watchErr:
		if err != nil {
			t.Fatalf("Watch returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not stop on context cancellation")
	}
}

func TestWatchSkipsInvalidRewrite(t *testing.T) {
	path := writeConf(t, sampleConf)
	bus := eventbus.New()
	defer bus.Close()

	got := make(chan *Config, 4)
	bus.Subscribe(TopicReload, func(topic string, evt any) {
		got <- evt.(*Config)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Watch(ctx, path, bus, nil)

	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte(`{broken`), 0o600); err != nil {
		t.Fatalf("rewrite conf: %v", err)
	}

	select {
	case cfg := <-got:
		t.Fatalf("invalid config must not be published, got %+v", cfg)
	case <-time.After(300 * time.Millisecond):
	}
}
