package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/khanghh/kshelf/internal/audit"
	"github.com/khanghh/kshelf/internal/middlewares"
	"github.com/khanghh/kshelf/internal/render"
	"github.com/khanghh/kshelf/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testSecret = "test-secret"

type testEnv struct {
	app      *fiber.App
	repo     audit.AuditEventRepository
	archiver *audit.Archiver
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, model.AutoMigrate(db))

	repo := audit.NewAuditEventRepository(db)
	recorder := audit.NewRecorder(repo, nil)
	archiver := audit.NewArchiver(t.TempDir(), nil, nil)
	var (
		cleanupService = audit.NewCleanupService(repo, recorder, archiver, nil, nil, nil, audit.CleanupOptions{})
		queryService   = audit.NewQueryService(repo, archiver, recorder, nil, time.Minute)
		pruner         = audit.NewArchivePruner(archiver, recorder, 0, "")
	)

	app := fiber.New(fiber.Config{ErrorHandler: middlewares.ErrorHandler(recorder)})
	router := app.Group("/api/admin/audit", middlewares.Authenticate(testSecret, recorder))
	NewAuditHandler(queryService, cleanupService, archiver, pruner, recorder).Register(router)

	return &testEnv{app: app, repo: repo, archiver: archiver}
}

func signToken(t *testing.T, subject, role string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, middlewares.AdminClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (e *testEnv) do(t *testing.T, method, target, token string, body io.Reader) (*http.Response, []byte) {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (e *testEnv) seed(t *testing.T, action string, age time.Duration) {
	t.Helper()
	require.NoError(t, e.repo.Create(context.Background(), &model.AuditEvent{
		UserID:    "reader",
		Action:    action,
		Message:   action,
		CreatedAt: time.Now().UTC().Add(-age),
	}))
}

func (e *testEnv) count(t *testing.T, action string) int64 {
	t.Helper()
	n, err := e.repo.Count(context.Background(), audit.EventFilter{ActionContains: action})
	require.NoError(t, err)
	return n
}

func decodeError(t *testing.T, body []byte) *render.APIErrorInfo {
	t.Helper()
	var resp render.APIResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	require.NotNil(t, resp.Error, string(body))
	assert.False(t, resp.Error.Timestamp.IsZero())
	return resp.Error
}

func TestAuthenticationRequired(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, "GET", "/api/admin/audit/logs", "", nil)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, fiber.StatusUnauthorized, decodeError(t, body).Code)

	resp, _ = env.do(t, "GET", "/api/admin/audit/logs", "garbage", nil)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	resp, _ = env.do(t, "GET", "/api/admin/audit/logs", signToken(t, "bob", "reader"), nil)
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	assert.Equal(t, int64(3), env.count(t, audit.ActionUnauthorizedAccess))
}

func TestGetLogs(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, audit.ActionBookViewed, time.Hour)
	env.seed(t, audit.ActionLoginSuccess, 2*time.Hour)

	resp, body := env.do(t, "GET", "/api/admin/audit/logs?page=1&pageSize=1", signToken(t, "admin-1", "admin"), nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode, string(body))

	var out struct {
		APIVersion string            `json:"apiVersion"`
		Data       audit.PagedResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "1.0", out.APIVersion)
	assert.Equal(t, int64(2), out.Data.TotalCount)
	require.Len(t, out.Data.Items, 1)
	assert.Equal(t, audit.ActionBookViewed, out.Data.Items[0].Action)
}

func TestSearchLogsRejectsBadDate(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.do(t, "GET", "/api/admin/audit/logs/search?from=yesterday", signToken(t, "admin-1", "admin"), nil)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, decodeError(t, body).Message, "invalid date")
}

func TestPostCleanup(t *testing.T) {
	env := newTestEnv(t)
	token := signToken(t, "admin-1", "admin")
	for i := 0; i < 5; i++ {
		env.seed(t, audit.ActionBookDownloaded, 20*24*time.Hour)
	}

	resp, body := env.do(t, "POST", "/api/admin/audit/cleanup", token,
		strings.NewReader(`{"retentionDays": 10, "previewOnly": true}`))
	require.Equal(t, fiber.StatusOK, resp.StatusCode, string(body))
	var out struct {
		Data audit.CleanupReport `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, int64(5), out.Data.DeletedCount)
	assert.True(t, out.Data.PreviewOnly)
	assert.Equal(t, int64(5), env.count(t, audit.ActionBookDownloaded))

	resp, body = env.do(t, "POST", "/api/admin/audit/cleanup", token, strings.NewReader(`{"retentionDays": 0}`))
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, fiber.StatusBadRequest, decodeError(t, body).Code)

	resp, _ = env.do(t, "POST", "/api/admin/audit/cleanup", token, strings.NewReader(`{"retentionDays": 10}`))
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Zero(t, env.count(t, audit.ActionBookDownloaded))
	assert.Equal(t, int64(1), env.count(t, audit.ActionAuditCleanup))
}

func TestPostForceCleanupUsesFallbackPolicy(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, audit.ActionBookViewed, 31*24*time.Hour)
	env.seed(t, audit.ActionBookViewed, time.Hour)

	resp, body := env.do(t, "POST", "/api/admin/audit/cleanup/force", signToken(t, "admin-1", "admin"), nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode, string(body))
	var out struct {
		Data audit.CycleResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, int64(1), out.Data.TotalDeleted)
	assert.Equal(t, map[string]int64{audit.ActionBookViewed: 1}, out.Data.Breakdown)
}

func TestGetExport(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, audit.ActionBookViewed, time.Hour)

	resp, body := env.do(t, "GET", "/api/admin/audit/export?format=csv", signToken(t, "admin-1", "admin"), nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "text/csv; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "audit_export_")
	assert.True(t, strings.HasPrefix(string(body), `"Id","UserId","Action"`))
	assert.Equal(t, int64(1), env.count(t, audit.ActionAuditExported))

	resp, _ = env.do(t, "GET", "/api/admin/audit/export?format=xml", signToken(t, "admin-1", "admin"), nil)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestArchiveEndpoints(t *testing.T) {
	env := newTestEnv(t)
	token := signToken(t, "admin-1", "admin")
	event := &model.AuditEvent{ID: 1, UserID: "u", Action: audit.ActionLoginSuccess, Message: "m", CreatedAt: time.Now().UTC()}
	path, err := env.archiver.Archive(context.Background(), []*model.AuditEvent{event}, "LOGIN", audit.FormatJSON, false)
	require.NoError(t, err)
	name := filepath.Base(path)

	resp, body := env.do(t, "GET", "/api/admin/audit/archives", token, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), name)

	resp, body = env.do(t, "GET", "/api/admin/audit/archives/"+name, token, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"action": "LOGIN_SUCCESS"`)
	assert.Equal(t, int64(1), env.count(t, audit.ActionArchiveDownloaded))

	for _, target := range []string{
		"/api/admin/audit/archives/..%2F..%2Fetc%2Fpasswd",
		"/api/admin/audit/archives/..%5C..%5Cwindows%5Cwin.ini",
	} {
		resp, body = env.do(t, "GET", target, token, nil)
		assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode, target)
		assert.Equal(t, fiber.StatusBadRequest, decodeError(t, body).Code)
	}

	resp, _ = env.do(t, "GET", "/api/admin/audit/archives/audit_archive_X_20240101_000000.json", token, nil)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	for _, maxAgeDays := range []string{"-1", "36501", "200000", "9223372036854775807"} {
		resp, _ = env.do(t, "DELETE", "/api/admin/audit/archives?maxAgeDays="+maxAgeDays, token, nil)
		assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode, maxAgeDays)
	}
	assert.Len(t, env.archiver.ListArchives(), 1, "out of range max ages must not delete anything")

	resp, body = env.do(t, "DELETE", "/api/admin/audit/archives?maxAgeDays=36500", token, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"apiVersion":"1.0","data":{"deletedCount":0,"maxAgeDays":36500}}`, string(body))

	resp, body = env.do(t, "DELETE", "/api/admin/audit/archives?maxAgeDays=0", token, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"apiVersion":"1.0","data":{"deletedCount":1,"maxAgeDays":0}}`, string(body))
	assert.Empty(t, env.archiver.ListArchives())
	assert.Equal(t, int64(1), env.count(t, audit.ActionArchivesPruned))
}

func TestUnknownRouteUsesErrorEnvelope(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.do(t, "GET", "/api/admin/audit/nope", signToken(t, "admin-1", "admin"), nil)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	assert.Equal(t, fiber.StatusNotFound, decodeError(t, body).Code)
}
