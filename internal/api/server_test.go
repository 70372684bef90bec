// Package api_test provides tests for the status/control API server.
package api_test

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/atlas-sentinel/engine/internal/api"
	"github.com/atlas-sentinel/engine/internal/events"
	"github.com/atlas-sentinel/engine/internal/helios"
	"github.com/atlas-sentinel/engine/internal/psm"
	"github.com/atlas-sentinel/engine/internal/registry"
	"github.com/atlas-sentinel/engine/internal/safety"
	"go.uber.org/zap"
)

func setupTestServer(t *testing.T) *api.Server {
	t.Helper()
	logger := zap.NewNop()

	positionStore, err := psm.Open(logger, filepath.Join(t.TempDir(), "psm.db"))
	if err != nil {
		t.Fatalf("failed to open position store: %v", err)
	}
	t.Cleanup(func() { positionStore.Close() })

	heliosProtocol, err := helios.Open(logger, filepath.Join(t.TempDir(), "helios.db"), nil, helios.NoopRollback{}, 5)
	if err != nil {
		t.Fatalf("failed to open helios store: %v", err)
	}
	t.Cleanup(func() { heliosProtocol.Close() })

	bus := events.NewEventBus(logger, events.DefaultEventBusConfig())
	t.Cleanup(bus.Stop)

	envelope := safety.New(logger, safety.DefaultConfig(), bus)
	reg := registry.New(logger)

	cfg := &api.ServerConfig{Host: "127.0.0.1", WebSocketPath: "/ws"}
	return api.NewServer(logger, cfg, bus, reg, envelope, positionStore, heliosProtocol, nil)
}

func TestHealthEndpoint(t *testing.T) {
	server := setupTestServer(t)
	ts := httptest.NewServer(server.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}
}

func TestStatusEndpoint(t *testing.T) {
	server := setupTestServer(t)
	ts := httptest.NewServer(server.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/status")
	if err != nil {
		t.Fatalf("status request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}
}

func TestListPositionsEmpty(t *testing.T) {
	server := setupTestServer(t)
	ts := httptest.NewServer(server.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/positions")
	if err != nil {
		t.Fatalf("positions request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}
}

func TestHeliosDeployRequiresFields(t *testing.T) {
	server := setupTestServer(t)
	ts := httptest.NewServer(server.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/v1/helios/deploy", "application/json", http.NoBody)
	if err != nil {
		t.Fatalf("deploy request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected status 400 for missing fields, got %d", resp.StatusCode)
	}
}

func TestHeliosDeployThenStatus(t *testing.T) {
	server := setupTestServer(t)
	ts := httptest.NewServer(server.Router())
	defer ts.Close()

	body := `{"deployment_id":"d1","version":"v2","stable_version_id":"v1"}`
	resp, err := http.Post(ts.URL+"/api/v1/helios/deploy", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("deploy request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("expected status 202, got %d", resp.StatusCode)
	}

	statusResp, err := http.Get(ts.URL + "/api/v1/helios/status")
	if err != nil {
		t.Fatalf("helios status request failed: %v", err)
	}
	defer statusResp.Body.Close()
	if statusResp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", statusResp.StatusCode)
	}
}
