package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	// Clear env to test defaults
	os.Unsetenv("CTFARENA_PORT")
	os.Unsetenv("CTFARENA_API_KEY")
	os.Unsetenv("CTFARENA_DUEL_IMAGE")
	os.Unsetenv("CTFARENA_SESSION_TTL_MIN")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Port)
	}
	if cfg.DuelImage != "ubuntu:22.04" {
		t.Errorf("expected default duel image, got %s", cfg.DuelImage)
	}
	if cfg.SessionTTL() != 2*time.Hour {
		t.Errorf("expected 2h session TTL, got %s", cfg.SessionTTL())
	}
}

func TestLoadFromEnv(t *testing.T) {
	os.Setenv("CTFARENA_PORT", "9999")
	os.Setenv("CTFARENA_API_KEY", "test-key")
	os.Setenv("CTFARENA_DUEL_IMAGE", "kalilinux/kali-rolling")
	defer func() {
		os.Unsetenv("CTFARENA_PORT")
		os.Unsetenv("CTFARENA_API_KEY")
		os.Unsetenv("CTFARENA_DUEL_IMAGE")
	}()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Port != 9999 {
		t.Errorf("expected port 9999, got %d", cfg.Port)
	}
	if cfg.APIKey != "test-key" {
		t.Errorf("expected API key test-key, got %s", cfg.APIKey)
	}
	if cfg.DuelImage != "kalilinux/kali-rolling" {
		t.Errorf("expected kali image, got %s", cfg.DuelImage)
	}
}

func TestLoadInvalidPort(t *testing.T) {
	os.Setenv("CTFARENA_PORT", "not-a-number")
	defer os.Unsetenv("CTFARENA_PORT")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for invalid port, got nil")
	}
}
