package config

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "supersecret")
	t.Setenv("APP_ENV", "dev")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.AppEnv != "development" || !cfg.IsDevelopment() {
		t.Fatalf("expected development env, got %q", cfg.AppEnv)
	}
	if cfg.QueueMaxTries != 3 || cfg.QueueJobTimeout != time.Minute || cfg.QueueBackoff != 5*time.Second {
		t.Fatalf("unexpected queue defaults %+v", cfg)
	}
	if cfg.CallPromotionGrace != 5*time.Second || cfg.DoctorResponseWindow != 90*time.Second {
		t.Fatalf("unexpected session defaults %+v", cfg)
	}
}

func TestLoadConfigRequiresJWTSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error without JWT_SECRET")
	}
}

func TestLoadConfigRejectsShortReservation(t *testing.T) {
	t.Setenv("JWT_SECRET", "supersecret")
	t.Setenv("QUEUE_JOB_TIMEOUT", "60")
	t.Setenv("QUEUE_RETRY_AFTER", "30s")
	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error when the reservation is shorter than the job timeout")
	}
}

func TestGetEnvDuration(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{value: "90", want: 90 * time.Second},
		{value: "1m30s", want: 90 * time.Second},
		{value: "bogus", want: time.Second},
		{value: "-5s", want: time.Second},
		{value: "", want: time.Second},
	}
	for _, tt := range tests {
		t.Setenv("TEST_DURATION", tt.value)
		if got := getEnvDuration("TEST_DURATION", time.Second); got != tt.want {
			t.Errorf("getEnvDuration(%q) = %s, want %s", tt.value, got, tt.want)
		}
	}
}
