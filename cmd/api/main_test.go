package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/wolfman30/medspa-calendar/internal/app/bootstrap"
	appconfig "github.com/wolfman30/medspa-calendar/internal/config"
	"github.com/wolfman30/medspa-calendar/internal/observability/metrics"
	"github.com/wolfman30/medspa-calendar/pkg/logging"
)

func TestSetupMetricsExposesCalendarMetrics(t *testing.T) {
	handler, registry := setupMetrics()
	if handler == nil || registry == nil {
		t.Fatalf("expected non-nil handler and registry")
	}

	m := metrics.NewCalendarMetrics(registry)
	m.ObserveBooking("round_robin", "success", 0.02)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "medspa_calendar_booking_attempts_total") {
		t.Fatalf("expected booking counter to be exported")
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Fatalf("expected go collector to be registered")
	}
}

func TestSyncerNilWhenGoogleDisabled(t *testing.T) {
	cfg := &appconfig.Config{UseMemoryStore: true, SyncLookaheadDays: 90, OutboxMaxAttempts: 1}
	rt, err := bootstrap.Build(context.Background(), cfg, logging.New("error"), nil)
	if err != nil {
		t.Fatalf("build runtime: %v", err)
	}
	defer rt.Close()

	if syncer(rt) != nil {
		t.Fatalf("expected nil syncer interface")
	}
	if exchanger(rt) != nil {
		t.Fatalf("expected nil exchanger interface")
	}
}
