package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func resetHealth() {
	healthChecker = &HealthChecker{
		components: make(map[string]ComponentHealth),
		startTime:  time.Now(),
	}
}

func TestRegisterComponent(t *testing.T) {
	resetHealth()

	RegisterComponent("transport", true, "connected")

	if len(healthChecker.components) != 1 {
		t.Errorf("expected 1 component, got %d", len(healthChecker.components))
	}

	comp := healthChecker.components["transport"]
	if !comp.Healthy {
		t.Error("component should be healthy")
	}
	if comp.Message != "connected" {
		t.Errorf("expected message 'connected', got '%s'", comp.Message)
	}
}

func TestGetHealth_AllHealthy(t *testing.T) {
	resetHealth()
	healthChecker.version = "1.0.0"

	RegisterComponent("store", true, "")
	RegisterComponent("coordinator", true, "")

	health := GetHealth()

	if health.Status != "healthy" {
		t.Errorf("expected status 'healthy', got '%s'", health.Status)
	}
	if len(health.Components) != 2 {
		t.Errorf("expected 2 components, got %d", len(health.Components))
	}
	if health.Version != "1.0.0" {
		t.Errorf("expected version '1.0.0', got '%s'", health.Version)
	}
}

func TestGetHealth_OneUnhealthy(t *testing.T) {
	resetHealth()

	RegisterComponent("store", true, "")
	RegisterComponent("transport", false, "broker unreachable")

	health := GetHealth()

	if health.Status != "unhealthy" {
		t.Errorf("expected status 'unhealthy', got '%s'", health.Status)
	}
	if health.Components["transport"] != "unhealthy: broker unreachable" {
		t.Errorf("unexpected component status: %s", health.Components["transport"])
	}
}

func TestGetReadiness_AllReady(t *testing.T) {
	resetHealth()

	RegisterComponent("store", true, "")
	RegisterComponent("coordinator", true, "")

	readiness := GetReadiness()

	if readiness.Status != "ready" {
		t.Errorf("expected status 'ready', got '%s'", readiness.Status)
	}
}

func TestGetReadiness_MissingCriticalComponent(t *testing.T) {
	resetHealth()

	RegisterComponent("store", true, "")
	// coordinator never registered

	readiness := GetReadiness()

	if readiness.Status != "not_ready" {
		t.Errorf("expected status 'not_ready', got '%s'", readiness.Status)
	}
	if readiness.Components["coordinator"] != "not registered" {
		t.Errorf("unexpected component status: %s", readiness.Components["coordinator"])
	}
}

func TestGetReadiness_CriticalComponentUnhealthy(t *testing.T) {
	resetHealth()

	RegisterComponent("store", true, "")
	RegisterComponent("coordinator", false, "migrating")

	readiness := GetReadiness()

	if readiness.Status != "not_ready" {
		t.Errorf("expected status 'not_ready', got '%s'", readiness.Status)
	}
	if readiness.Message != "waiting for coordinator" {
		t.Errorf("unexpected message: %s", readiness.Message)
	}
}

func TestHealthHandler(t *testing.T) {
	resetHealth()
	RegisterComponent("store", true, "")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	HealthHandler()(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	var health HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&health); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if health.Status != "healthy" {
		t.Errorf("expected 'healthy', got '%s'", health.Status)
	}
}

func TestHealthHandler_Unhealthy(t *testing.T) {
	resetHealth()
	RegisterComponent("store", false, "connection lost")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	HealthHandler()(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

func TestReadyHandler(t *testing.T) {
	resetHealth()
	RegisterComponent("store", true, "")
	RegisterComponent("coordinator", true, "")

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()

	ReadyHandler()(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestReadyHandler_NotReady(t *testing.T) {
	resetHealth()

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()

	ReadyHandler()(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

func TestLivenessHandler(t *testing.T) {
	resetHealth()

	req := httptest.NewRequest(http.MethodGet, "/live", nil)
	rec := httptest.NewRecorder()

	LivenessHandler()(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if body["status"] != "alive" {
		t.Errorf("expected 'alive', got '%s'", body["status"])
	}
}

func TestUpdateComponent(t *testing.T) {
	resetHealth()

	RegisterComponent("transport", true, "")
	UpdateComponent("transport", false, "reconnecting")

	comp := healthChecker.components["transport"]
	if comp.Healthy {
		t.Error("component should be unhealthy after update")
	}
	if comp.Message != "reconnecting" {
		t.Errorf("expected message 'reconnecting', got '%s'", comp.Message)
	}
}
