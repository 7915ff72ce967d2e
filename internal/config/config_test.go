package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	os.Unsetenv("SPONSORLEDGER_API_BASE_PATH")
	os.Unsetenv("SPONSORLEDGER_IDEMPOTENCY_TTL_DAYS")
	os.Unsetenv("SPONSORLEDGER_REFUND_RESTORES_BUDGET")

	cfg := Load()

	if cfg.APIBasePath != "/api" {
		t.Errorf("expected default api base path /api, got %s", cfg.APIBasePath)
	}
	if cfg.IdempotencyTTLDays != 14 {
		t.Errorf("expected default idempotency ttl 14 days, got %d", cfg.IdempotencyTTLDays)
	}
	if cfg.IdempotencyTTL() != 14*24*time.Hour {
		t.Errorf("unexpected IdempotencyTTL(): %v", cfg.IdempotencyTTL())
	}
	if cfg.RefundRestoresBudget {
		t.Errorf("expected RefundRestoresBudget to default false")
	}
	if cfg.EventsEnabled() {
		t.Errorf("expected EventsEnabled() false with no queue_url")
	}
}

func TestLoad_CustomEnv(t *testing.T) {
	os.Setenv("SPONSORLEDGER_API_BASE_PATH", "/v2")
	os.Setenv("SPONSORLEDGER_IDEMPOTENCY_TTL_DAYS", "7")
	os.Setenv("SPONSORLEDGER_QUEUE_URL", "mem://events")
	defer func() {
		os.Unsetenv("SPONSORLEDGER_API_BASE_PATH")
		os.Unsetenv("SPONSORLEDGER_IDEMPOTENCY_TTL_DAYS")
		os.Unsetenv("SPONSORLEDGER_QUEUE_URL")
	}()

	cfg := Load()

	if cfg.APIBasePath != "/v2" {
		t.Errorf("expected api base path /v2, got %s", cfg.APIBasePath)
	}
	if cfg.IdempotencyTTLDays != 7 {
		t.Errorf("expected idempotency ttl 7 days, got %d", cfg.IdempotencyTTLDays)
	}
	if !cfg.EventsEnabled() {
		t.Errorf("expected EventsEnabled() true once queue_url is set")
	}
}
