package config

import (
	"testing"
	"time"
)

func setRequiredEnvVars(t *testing.T) {
	t.Helper()
	t.Setenv("AUTH_TOKEN_SECRET", "test-token-secret-32bytes-long!!")
	t.Setenv("BASE_URL", "http://localhost:8080")
}

func TestLoad_AllRequiredVarsSet_ReturnsConfig(t *testing.T) {
	setRequiredEnvVars(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if cfg.TokenSecret != "test-token-secret-32bytes-long!!" {
		t.Errorf("TokenSecret = %q, want %q", cfg.TokenSecret, "test-token-secret-32bytes-long!!")
	}
	if cfg.BaseURL != "http://localhost:8080" {
		t.Errorf("BaseURL = %q, want %q", cfg.BaseURL, "http://localhost:8080")
	}
}

func TestLoad_MissingRequiredVars_ReturnsError(t *testing.T) {
	t.Setenv("AUTH_TOKEN_SECRET", "")
	t.Setenv("BASE_URL", "")

	cfg, err := Load()
	if err == nil {
		t.Fatal("expected error for missing required env vars, got nil")
	}
	if cfg != nil {
		t.Error("expected nil config on error")
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	setRequiredEnvVars(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if cfg.DataDir != "./data" {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, "./data")
	}
	if cfg.RemoteTimeout != 10*time.Second {
		t.Errorf("RemoteTimeout = %v, want %v", cfg.RemoteTimeout, 10*time.Second)
	}
	if cfg.SessionMaxAge != 86400 {
		t.Errorf("SessionMaxAge = %d, want %d", cfg.SessionMaxAge, 86400)
	}
	if cfg.RefreshTokenTTL != 30*24*time.Hour {
		t.Errorf("RefreshTokenTTL = %v, want %v", cfg.RefreshTokenTTL, 30*24*time.Hour)
	}
	if cfg.SessionCleanupInterval != time.Hour {
		t.Errorf("SessionCleanupInterval = %v, want %v", cfg.SessionCleanupInterval, time.Hour)
	}
	if cfg.ActivityCap != 500 {
		t.Errorf("ActivityCap = %d, want %d", cfg.ActivityCap, 500)
	}
	if cfg.RateLimitGeneral != 240 {
		t.Errorf("RateLimitGeneral = %d, want %d", cfg.RateLimitGeneral, 240)
	}
	if cfg.RateLimitMutation != 60 {
		t.Errorf("RateLimitMutation = %d, want %d", cfg.RateLimitMutation, 60)
	}
	if cfg.ServerPort != "8080" {
		t.Errorf("ServerPort = %q, want %q", cfg.ServerPort, "8080")
	}
	if cfg.MetricsPort != "9090" {
		t.Errorf("MetricsPort = %q, want %q", cfg.MetricsPort, "9090")
	}
	if cfg.TokenIssuer != "taskdeck" {
		t.Errorf("TokenIssuer = %q, want %q", cfg.TokenIssuer, "taskdeck")
	}
	if cfg.CORSAllowedOrigin != "http://localhost:3000" {
		t.Errorf("CORSAllowedOrigin = %q, want %q", cfg.CORSAllowedOrigin, "http://localhost:3000")
	}
	if cfg.RemoteEnabled() {
		t.Error("RemoteEnabled should be false without remote env vars")
	}
	if cfg.FederatedEnabled() {
		t.Error("FederatedEnabled should be false without federated env vars")
	}
}

func TestLoad_RemoteTrio_PartialFails(t *testing.T) {
	setRequiredEnvVars(t)
	t.Setenv("REMOTE_STORE_URL", "https://sql.example.com")
	// TOKEN と DATASET が未設定

	if _, err := Load(); err == nil {
		t.Fatal("expected error for partial remote store config, got nil")
	}
}

func TestLoad_RemoteTrio_CompleteSucceeds(t *testing.T) {
	setRequiredEnvVars(t)
	t.Setenv("REMOTE_STORE_URL", "https://sql.example.com")
	t.Setenv("REMOTE_STORE_TOKEN", "remote-token")
	t.Setenv("REMOTE_STORE_DATASET", "taskdeck")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !cfg.RemoteEnabled() {
		t.Error("RemoteEnabled should be true")
	}
	if cfg.RemoteDataset != "taskdeck" {
		t.Errorf("RemoteDataset = %q, want %q", cfg.RemoteDataset, "taskdeck")
	}
}

func TestLoad_FederatedTrio_PartialFails(t *testing.T) {
	setRequiredEnvVars(t)
	t.Setenv("AUTH_ISSUER", "https://idp.example.com")
	t.Setenv("AUTH_JWKS_URL", "https://idp.example.com/jwks")
	// AUDIENCE が未設定

	if _, err := Load(); err == nil {
		t.Fatal("expected error for partial federated config, got nil")
	}
}

func TestLoad_FederatedTrio_CompleteSucceeds(t *testing.T) {
	setRequiredEnvVars(t)
	t.Setenv("AUTH_ISSUER", "https://idp.example.com")
	t.Setenv("AUTH_AUDIENCE", "taskdeck-api")
	t.Setenv("AUTH_JWKS_URL", "https://idp.example.com/jwks")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !cfg.FederatedEnabled() {
		t.Error("FederatedEnabled should be true")
	}
}

func TestLoad_CookieSecure_FollowsBaseURLScheme(t *testing.T) {
	setRequiredEnvVars(t)
	t.Setenv("BASE_URL", "https://taskdeck.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !cfg.CookieSecure {
		t.Error("CookieSecure should be true for https BASE_URL")
	}
}

func TestLoad_OverridesFromEnv(t *testing.T) {
	setRequiredEnvVars(t)
	t.Setenv("ACTIVITY_CAP", "100")
	t.Setenv("SESSION_MAX_AGE", "3600")
	t.Setenv("REMOTE_STORE_TIMEOUT", "3s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.ActivityCap != 100 {
		t.Errorf("ActivityCap = %d, want 100", cfg.ActivityCap)
	}
	if cfg.SessionMaxAge != 3600 {
		t.Errorf("SessionMaxAge = %d, want 3600", cfg.SessionMaxAge)
	}
	if cfg.RemoteTimeout != 3*time.Second {
		t.Errorf("RemoteTimeout = %v, want 3s", cfg.RemoteTimeout)
	}
}
