package server

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/clipsync/backend/internal/clipboard"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type testEnvironment struct {
	handler  http.Handler
	registry *ConnectionRegistry
	sqlDB    *sql.DB
}

func newTestEnvironment(t *testing.T) testEnvironment {
	t.Helper()
	return newTestEnvironmentWith(t, nil)
}

func newTestEnvironmentWith(t *testing.T, configure func(*Dependencies)) testEnvironment {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "server.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := database.AutoMigrate(&clipboard.Item{}, &clipboard.HistoryEntry{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	repository, err := clipboard.NewRepository(clipboard.RepositoryConfig{
		Database:   database,
		IDProvider: clipboard.NewUUIDProvider(),
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build repository: %v", err)
	}
	registry := NewConnectionRegistry(RegistryConfig{Logger: zap.NewNop()})
	t.Cleanup(registry.Close)

	coordinator, err := clipboard.NewCoordinator(clipboard.CoordinatorConfig{
		Storage:     repository,
		Broadcaster: registry,
		Connections: registry,
		Logger:      zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build coordinator: %v", err)
	}

	deps := Dependencies{
		Coordinator: coordinator,
		Registry:    registry,
		Logger:      zap.NewNop(),
	}
	if configure != nil {
		configure(&deps)
	}
	handler, err := NewHTTPHandler(deps)
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return testEnvironment{handler: handler, registry: registry, sqlDB: sqlDB}
}

func (env testEnvironment) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	return env.doWithHeaders(t, method, path, body, nil)
}

func (env testEnvironment) doWithHeaders(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var request *http.Request
	if body == "" {
		request = httptest.NewRequest(method, path, http.NoBody)
	} else {
		request = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		request.Header.Set("Content-Type", "application/json")
	}
	for name, value := range headers {
		request.Header.Set(name, value)
	}
	recorder := httptest.NewRecorder()
	env.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var payload T
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return payload
}

func expectError(t *testing.T, recorder *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if recorder.Code != status {
		t.Fatalf("unexpected status: got %d want %d (%s)", recorder.Code, status, recorder.Body.String())
	}
	payload := decodeBody[map[string]any](t, recorder)
	if payload["error"] != code {
		t.Fatalf("expected error %s, got %v", code, payload["error"])
	}
}
