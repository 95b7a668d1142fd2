package db

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

type fakePinger struct {
	err error
}

func (f fakePinger) Ping(context.Context) error { return f.err }

func callHealth(t *testing.T, h echo.HandlerFunc) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return rec, body
}

func TestHealthHandler_Healthy(t *testing.T) {
	rec, body := callHealth(t, HealthHandler("sqlite", fakePinger{}, nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if body["status"] != "healthy" || body["store"] != "sqlite" {
		t.Errorf("unexpected body: %v", body)
	}
	if _, ok := body["pool"]; ok {
		t.Error("expected no pool stats without a pool")
	}
}

func TestHealthHandler_Unhealthy(t *testing.T) {
	rec, body := callHealth(t, HealthHandler("sqlite", fakePinger{err: errors.New("database is locked")}, nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
	if body["status"] != "unhealthy" || body["error"] != "database is locked" {
		t.Errorf("unexpected body: %v", body)
	}
}

func TestHealthHandler_NilPinger(t *testing.T) {
	rec, body := callHealth(t, HealthHandler("memory", nil, nil))
	if rec.Code != http.StatusOK || body["status"] != "healthy" {
		t.Errorf("expected memory store to be healthy, got %d %v", rec.Code, body)
	}
}

func TestPoolStats_JSON(t *testing.T) {
	stats := PoolStats{TotalConns: 1, MaxConns: 10, AcquireCount: 50, AcquireDuration: "250ms", Healthy: true}
	raw, err := json.Marshal(stats)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var back map[string]interface{}
	json.Unmarshal(raw, &back)
	if back["max_conns"] != float64(10) || back["acquire_duration"] != "250ms" || back["healthy"] != true {
		t.Errorf("unexpected json: %s", raw)
	}
}
