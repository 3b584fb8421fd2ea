package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("GATEHOUSE_AUTH_SECRET", strings.Repeat("s", 32))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Fatalf("unexpected addr: %s", cfg.Addr)
	}
	if cfg.AccessTTL != time.Hour {
		t.Fatalf("unexpected access TTL: %v", cfg.AccessTTL)
	}
	if cfg.RefreshTTL != 720*time.Hour {
		t.Fatalf("unexpected refresh TTL: %v", cfg.RefreshTTL)
	}
	if cfg.CookieSecure {
		t.Fatal("cookie secure should default to false")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("GATEHOUSE_AUTH_SECRET", strings.Repeat("s", 32))
	t.Setenv("GATEHOUSE_ADDR", ":9090")
	t.Setenv("GATEHOUSE_ACCESS_TTL", "30m")
	t.Setenv("GATEHOUSE_COOKIE_SECURE", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":9090" {
		t.Fatalf("unexpected addr: %s", cfg.Addr)
	}
	if cfg.AccessTTL != 30*time.Minute {
		t.Fatalf("unexpected access TTL: %v", cfg.AccessTTL)
	}
	if !cfg.CookieSecure {
		t.Fatal("expected secure cookies")
	}
}

func TestLoadRejectsMissingSecret(t *testing.T) {
	t.Setenv("GATEHOUSE_AUTH_SECRET", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing secret")
	}
}

func TestLoadRejectsShortSecret(t *testing.T) {
	t.Setenv("GATEHOUSE_AUTH_SECRET", "too-short")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for short secret")
	}
}

func TestLoadRejectsInvertedTTLs(t *testing.T) {
	t.Setenv("GATEHOUSE_AUTH_SECRET", strings.Repeat("s", 32))
	t.Setenv("GATEHOUSE_ACCESS_TTL", "720h")
	t.Setenv("GATEHOUSE_REFRESH_TTL", "1h")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for refresh TTL below access TTL")
	}
}
