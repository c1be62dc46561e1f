package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_DefaultsAndEnv(t *testing.T) {
	os.Setenv("HTTP_ADDRESS", "")
	os.Setenv("ICE_SERVERS_JSON", "")
	os.Setenv("REALTUTOR_LOCALE", "")
	os.Setenv("FRAME_SAMPLE_PERIOD", "")
	cfg := Load()
	if cfg.HTTPAddress == "" {
		t.Fatalf("expected default http address")
	}
	if cfg.ICEServersJSON == "" {
		t.Fatalf("expected default ice servers json")
	}
	if cfg.Locale != "en-US" {
		t.Fatalf("expected default locale, got %q", cfg.Locale)
	}
	if cfg.FrameSamplePeriod != 5*time.Second {
		t.Fatalf("expected 5s sample period, got %v", cfg.FrameSamplePeriod)
	}
}

func TestLoad_InvalidDurationFallsBack(t *testing.T) {
	os.Setenv("FRAME_SAMPLE_PERIOD", "not-a-duration")
	defer os.Unsetenv("FRAME_SAMPLE_PERIOD")
	cfg := Load()
	if cfg.FrameSamplePeriod != 5*time.Second {
		t.Fatalf("expected fallback to 5s, got %v", cfg.FrameSamplePeriod)
	}
}

func TestLoad_FirestoreWithoutProjectFallsBack(t *testing.T) {
	os.Setenv("REALTUTOR_STORAGE_BACKEND", "firestore")
	os.Setenv("REALTUTOR_GCP_PROJECT", "")
	defer os.Unsetenv("REALTUTOR_STORAGE_BACKEND")
	cfg := Load()
	if cfg.StorageBackend != "memory" {
		t.Fatalf("expected memory fallback, got %q", cfg.StorageBackend)
	}
}
