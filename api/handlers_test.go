package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/bigdegenenergy/open-cloud-ops/medic/internal/analyzer"
	"github.com/bigdegenenergy/open-cloud-ops/medic/internal/registry"
	"github.com/bigdegenenergy/open-cloud-ops/medic/internal/scheduler"
	"github.com/bigdegenenergy/open-cloud-ops/medic/internal/state"
	"github.com/bigdegenenergy/open-cloud-ops/medic/internal/strategy"
	"github.com/bigdegenenergy/open-cloud-ops/medic/internal/workspace"
	"github.com/bigdegenenergy/open-cloud-ops/medic/pkg/models"
)

const testAPIKey = "test-key-0123456789"

type okRunner struct{}

func (okRunner) Run(ctx context.Context, dir string, name string, args ...string) (workspace.RunResult, error) {
	return workspace.RunResult{ExitCode: 0}, nil
}

// setupRouter builds the full engine stack on a seeded temp workspace and
// returns a router with authentication enabled. No Redis is wired, so
// caching and rate limiting are inert.
func setupRouter(t *testing.T) (*gin.Engine, *workspace.Workspace, *state.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ws, err := workspace.New(t.TempDir(), t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create workspace: %v", err)
	}
	for _, desc := range registry.All() {
		manifest := &workspace.Manifest{
			Name:         string(desc.ID),
			Version:      "1.0.0",
			Dependencies: append([]string(nil), desc.RequiredDeps...),
		}
		if err := ws.WriteManifest(desc.ID, manifest); err != nil {
			t.Fatalf("WriteManifest %s failed: %v", desc.ID, err)
		}
		for _, rf := range desc.RequiredFiles {
			if rf.Path == registry.ManifestPath {
				continue
			}
			if err := ws.WriteFile(desc.ID, rf.Path, []byte(desc.DefaultContent(rf.Path))); err != nil {
				t.Fatalf("WriteFile %s/%s failed: %v", desc.ID, rf.Path, err)
			}
		}
		for _, cfg := range desc.ServiceConfigs {
			if err := ws.WriteFile(desc.ID, cfg, []byte(desc.DefaultServiceConfig(cfg))); err != nil {
				t.Fatalf("WriteFile %s/%s failed: %v", desc.ID, cfg, err)
			}
		}
	}

	runner := okRunner{}
	states := state.NewRegistry()
	an := analyzer.New(ws, runner)
	disp := strategy.NewDispatcher(ws, runner, states, an, 0)
	sched := scheduler.New(an, disp, states, scheduler.Options{WorkspacePath: "/workspace"})

	r := gin.New()
	h := NewHandler(states, an, disp, sched, nil)
	h.RegisterRoutes(r, RouteOptions{APIKey: testAPIKey})
	return r, ws, states
}

func doRequest(t *testing.T, r *gin.Engine, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func authed(extra map[string]string) map[string]string {
	out := map[string]string{"X-API-Key": testAPIKey}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode response %q: %v", w.Body.String(), err)
	}
	return out
}

func TestServiceHealth(t *testing.T) {
	r, _, _ := setupRouter(t)

	w := doRequest(t, r, http.MethodGet, "/health", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["service"] != "medic" || body["status"] != "healthy" {
		t.Errorf("Unexpected health body: %v", body)
	}
}

func TestListModules(t *testing.T) {
	r, _, _ := setupRouter(t)

	w := doRequest(t, r, http.MethodGet, "/api/v1/modules", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["count"] != float64(11) {
		t.Errorf("Expected 11 modules, got %v", body["count"])
	}
	modules := body["modules"].([]any)
	first := modules[0].(map[string]any)
	if first["module_id"] != "auth" {
		t.Errorf("Expected auth first (layer then id ordering), got %v", first["module_id"])
	}
	if cc := w.Header().Get("Cache-Control"); cc != "max-age=15" {
		t.Errorf("Expected max-age=15, got %q", cc)
	}
}

func TestGetModule(t *testing.T) {
	r, _, _ := setupRouter(t)

	t.Run("etag roundtrip", func(t *testing.T) {
		w := doRequest(t, r, http.MethodGet, "/api/v1/modules/core", nil, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d", w.Code)
		}
		etag := w.Header().Get("ETag")
		if !strings.HasPrefix(etag, `"core-`) {
			t.Fatalf("Unexpected ETag %q", etag)
		}

		w = doRequest(t, r, http.MethodGet, "/api/v1/modules/core", nil, map[string]string{"If-None-Match": etag})
		if w.Code != http.StatusNotModified {
			t.Errorf("Expected 304 on matching ETag, got %d", w.Code)
		}
	})

	t.Run("unknown module", func(t *testing.T) {
		w := doRequest(t, r, http.MethodGet, "/api/v1/modules/billing", nil, nil)
		if w.Code != http.StatusNotFound {
			t.Fatalf("Expected 404, got %d", w.Code)
		}
		body := decodeBody(t, w)
		if body["code"] != "module_not_found" {
			t.Errorf("Expected module_not_found envelope, got %v", body)
		}
	})
}

func TestUpdateModule(t *testing.T) {
	r, _, states := setupRouter(t)

	t.Run("requires API key", func(t *testing.T) {
		w := doRequest(t, r, http.MethodPatch, "/api/v1/modules/core", gin.H{"notes": "x"}, nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("Expected 401 without key, got %d", w.Code)
		}
	})

	t.Run("rejects unknown fields", func(t *testing.T) {
		w := doRequest(t, r, http.MethodPatch, "/api/v1/modules/core",
			gin.H{"health_score": 100}, authed(nil))
		if w.Code != http.StatusBadRequest {
			t.Fatalf("Expected 400, got %d", w.Code)
		}
		if body := decodeBody(t, w); body["code"] != "validation" {
			t.Errorf("Expected validation envelope, got %v", body)
		}
	})

	t.Run("rejects empty patch", func(t *testing.T) {
		w := doRequest(t, r, http.MethodPatch, "/api/v1/modules/core", gin.H{}, authed(nil))
		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected 400, got %d", w.Code)
		}
	})

	t.Run("applies status and notes", func(t *testing.T) {
		w := doRequest(t, r, http.MethodPatch, "/api/v1/modules/core",
			gin.H{"status": "warning", "notes": "flaky builds"}, authed(nil))
		if w.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
		}
		st, err := states.Get("core")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if st.Status != models.ModuleStatusWarning || st.Notes != "flaky builds" {
			t.Errorf("Patch not applied: %+v", st)
		}
		if !strings.HasPrefix(st.ModifiedBy, "key:") {
			t.Errorf("Expected key-derived actor, got %q", st.ModifiedBy)
		}
	})

	t.Run("rejects invalid status", func(t *testing.T) {
		w := doRequest(t, r, http.MethodPatch, "/api/v1/modules/core",
			gin.H{"status": "on-fire"}, authed(nil))
		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected 400, got %d", w.Code)
		}
	})
}

func TestFailSecureWithoutAPIKey(t *testing.T) {
	r, _, _ := setupRouter(t)
	gin.SetMode(gin.TestMode)

	bare := gin.New()
	// Re-register on a router configured without a key: mutations must be
	// refused outright while reads keep working.
	h := NewHandler(state.NewRegistry(), nil, nil, nil, nil)
	h.RegisterRoutes(bare, RouteOptions{})

	w := doRequest(t, bare, http.MethodPatch, "/api/v1/modules/core", gin.H{"notes": "x"}, nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 when no key is configured, got %d", w.Code)
	}

	w = doRequest(t, r, http.MethodGet, "/api/v1/modules/core", nil, nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected reads to stay open, got %d", w.Code)
	}
}

func TestRecoverModule(t *testing.T) {
	r, _, _ := setupRouter(t)

	t.Run("rebuild returns ticket and results", func(t *testing.T) {
		w := doRequest(t, r, http.MethodPost, "/api/v1/modules/auth/recover",
			gin.H{"strategy": "rebuild"}, authed(nil))
		if w.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
		}
		body := decodeBody(t, w)

		ticket := body["ticket"].(map[string]any)
		if ticket["module_id"] != "auth" || ticket["strategy"] != "rebuild" {
			t.Errorf("Unexpected ticket: %v", ticket)
		}
		labels := ticket["phase_labels"].([]any)
		if len(labels) != 3 {
			t.Errorf("Expected 3 phase labels for auth rebuild, got %v", labels)
		}
		results := body["results"].([]any)
		if len(results) != 3 {
			t.Fatalf("Expected 3 step results, got %d", len(results))
		}
		first := results[0].(map[string]any)
		if first["phase_name"] != "clean" || first["status"] != "completed" {
			t.Errorf("Unexpected first step: %v", first)
		}
	})

	t.Run("missing strategy", func(t *testing.T) {
		w := doRequest(t, r, http.MethodPost, "/api/v1/modules/auth/recover", gin.H{}, authed(nil))
		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected 400, got %d", w.Code)
		}
	})

	t.Run("unsupported strategy", func(t *testing.T) {
		w := doRequest(t, r, http.MethodPost, "/api/v1/modules/auth/recover",
			gin.H{"strategy": "reinstall-os"}, authed(nil))
		if w.Code != http.StatusUnprocessableEntity {
			t.Fatalf("Expected 422, got %d", w.Code)
		}
		if body := decodeBody(t, w); body["code"] != "unsupported_strategy" {
			t.Errorf("Expected unsupported_strategy envelope, got %v", body)
		}
	})
}

func TestWorkspaceHealth(t *testing.T) {
	r, _, _ := setupRouter(t)

	t.Run("basic report", func(t *testing.T) {
		w := doRequest(t, r, http.MethodGet, "/api/v1/workspace/health", nil, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d", w.Code)
		}
		body := decodeBody(t, w)
		if body["overall_health_score"] != float64(100) {
			t.Errorf("Expected score 100 on a seeded workspace, got %v", body["overall_health_score"])
		}
	})

	t.Run("invalid depth", func(t *testing.T) {
		w := doRequest(t, r, http.MethodGet, "/api/v1/workspace/health?analysis_depth=exhaustive", nil, nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected 400, got %d", w.Code)
		}
	})
}

func TestPhaseEndpoints(t *testing.T) {
	r, _, _ := setupRouter(t)

	w := doRequest(t, r, http.MethodGet, "/api/v1/phases", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if phases := body["phases"].([]any); len(phases) != 5 {
		t.Fatalf("Expected 5 phases, got %d", len(phases))
	}
	if _, ok := body["session"]; ok {
		t.Error("Expected no session before any execution")
	}

	t.Run("non-numeric phase id", func(t *testing.T) {
		w := doRequest(t, r, http.MethodPost, "/api/v1/phases/first/execute", nil, authed(nil))
		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected 400, got %d", w.Code)
		}
	})

	t.Run("execute and poll", func(t *testing.T) {
		w := doRequest(t, r, http.MethodPost, "/api/v1/phases/1/execute", nil, authed(nil))
		if w.Code != http.StatusOK {
			t.Fatalf("Expected 200 for a sync completion, got %d: %s", w.Code, w.Body.String())
		}
		exec := decodeBody(t, w)
		if exec["status"] != "completed" {
			t.Fatalf("Expected completed, got %v", exec["status"])
		}
		execID := exec["id"].(string)

		w = doRequest(t, r, http.MethodGet, "/api/v1/executions/"+execID, nil, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d", w.Code)
		}

		t.Run("phase scoped poll", func(t *testing.T) {
			w := doRequest(t, r, http.MethodGet, "/api/v1/executions/"+execID+"?phase_id=3", nil, nil)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("Expected 400 on phase mismatch, got %d", w.Code)
			}
			if body := decodeBody(t, w); body["code"] != "phase_mismatch" {
				t.Errorf("Expected phase_mismatch envelope, got %v", body)
			}
		})

		t.Run("cancel terminal execution", func(t *testing.T) {
			w := doRequest(t, r, http.MethodPost, "/api/v1/executions/"+execID+"/cancel",
				gin.H{"reason": "too late"}, authed(nil))
			if w.Code != http.StatusOK {
				t.Fatalf("Expected 200, got %d", w.Code)
			}
			if body := decodeBody(t, w); body["cancelled"] != false {
				t.Errorf("Expected cancelled=false for a terminal execution, got %v", body)
			}
		})
	})

	t.Run("unknown execution", func(t *testing.T) {
		w := doRequest(t, r, http.MethodGet, "/api/v1/executions/nope", nil, nil)
		if w.Code != http.StatusNotFound {
			t.Fatalf("Expected 404, got %d", w.Code)
		}
		if body := decodeBody(t, w); body["code"] != "execution_not_found" {
			t.Errorf("Expected execution_not_found envelope, got %v", body)
		}
	})
}
