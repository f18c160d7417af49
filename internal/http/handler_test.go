package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parking-tracker/internal/archive"
	"parking-tracker/internal/camera"
	"parking-tracker/internal/config"
	"parking-tracker/internal/repository"
	"parking-tracker/internal/service"
)

const testSecret = "test-secret"

type fakeSnapshotter struct {
	outcomes []camera.Outcome
	err      error
}

func (f *fakeSnapshotter) CaptureOnce(ctx context.Context) ([]camera.Outcome, error) {
	return f.outcomes, f.err
}

// racingStore loses every per-vehicle section to a concurrent writer.
type racingStore struct {
	repository.Store
}

func (racingStore) WithVehicle(ctx context.Context, plate string, fn func(tx repository.VehicleTx) error) error {
	return fmt.Errorf("%w: open visit already exists", repository.ErrConflict)
}

type testServer struct {
	router *gin.Engine
	images *archive.Archive
}

func newTestServer(t *testing.T, cam Snapshotter) *testServer {
	t.Helper()
	store, err := repository.Open(config.DatabaseConfig{Driver: config.DriverSQLite, Path: filepath.Join(t.TempDir(), "parking.sqlite")}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return newTestServerWithStore(t, store, cam)
}

func newTestServerWithStore(t *testing.T, store repository.Store, cam Snapshotter) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()

	images, err := archive.New(filepath.Join(dir, "entries"), archive.DefaultTolerance, zerolog.Nop())
	require.NoError(t, err)

	ledger := service.NewLedgerService(store, service.DefaultLedgerConfig(), zerolog.Nop())
	analytics := service.NewAnalyticsService(store, images, time.UTC, zerolog.Nop())

	cfg := &config.Config{
		Environment: "test",
		HTTP:        config.HTTPConfig{CORSOrigins: []string{"*"}},
		Auth:        config.AuthConfig{JWTSecret: testSecret},
	}
	h := NewHandler(ledger, analytics, images, cam, zerolog.Nop())
	return &testServer{router: NewRouter(h, cfg, zerolog.Nop()), images: images}
}

func (s *testServer) do(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var body map[string]interface{}
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w, body
}

func signToken(t *testing.T, secret string, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "admin",
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func authed(t *testing.T, req *http.Request) *http.Request {
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, time.Now().Add(time.Hour)))
	return req
}

func TestLogEntryThenExit(t *testing.T) {
	s := newTestServer(t, nil)

	w, body := s.do(t, httptest.NewRequest(http.MethodGet, "/log?plate=ab-123", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "entry", body["action"])
	assert.Equal(t, "AB123", body["plate"])
	assert.Contains(t, body, "entry_time")
	assert.NotContains(t, body, "exit_time")
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))

	w, body = s.do(t, httptest.NewRequest(http.MethodPost, "/log?plate=AB123", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "exit", body["action"])
	assert.Contains(t, body, "exit_time")
	assert.Contains(t, body, "duration")
	assert.Equal(t, float64(0), body["charge"])
}

func TestLogRejectsInvalidPlate(t *testing.T) {
	s := newTestServer(t, nil)

	w, body := s.do(t, httptest.NewRequest(http.MethodGet, "/log", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, body, "error")

	w, _ = s.do(t, httptest.NewRequest(http.MethodGet, "/log?plate=%23%23%23", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body = s.do(t, httptest.NewRequest(http.MethodGet, "/analytics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), body["total_visits"])
}

func TestLogWithImageUpload(t *testing.T) {
	s := newTestServer(t, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("plate", "KL 5566"))
	part, err := mw.CreateFormFile("image", "frame.jpg")
	require.NoError(t, err)
	_, err = part.Write([]byte("jpeg-bytes"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/log", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w, body := s.do(t, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "entry", body["action"])

	name, ok := body["image"].(string)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(name, "KL5566_"))
	data, err := os.ReadFile(filepath.Join(s.images.Root(), name))
	require.NoError(t, err)
	assert.Equal(t, "jpeg-bytes", string(data))

	w, _ = s.do(t, httptest.NewRequest(http.MethodGet, "/images/"+name, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "jpeg-bytes", w.Body.String())

	w, body = s.do(t, httptest.NewRequest(http.MethodGet, "/vehicle/KL5566", nil))
	require.Equal(t, http.StatusOK, w.Code)
	visits := body["visits"].([]interface{})
	require.Len(t, visits, 1)
	assert.Equal(t, name, visits[0].(map[string]interface{})["entry_image"])
}

func TestServeImageErrors(t *testing.T) {
	s := newTestServer(t, nil)

	w, _ := s.do(t, httptest.NewRequest(http.MethodGet, "/images/AB123_1.jpg", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = s.do(t, httptest.NewRequest(http.MethodGet, "/images/..secret", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAnalyticsAndVehicle(t *testing.T) {
	s := newTestServer(t, nil)
	for _, p := range []string{"AAA111", "AAA111", "AAA111", "BBB222"} {
		w, _ := s.do(t, httptest.NewRequest(http.MethodPost, "/log?plate="+p, nil))
		require.Equal(t, http.StatusOK, w.Code)
	}

	w, body := s.do(t, httptest.NewRequest(http.MethodGet, "/analytics?top=1", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(3), body["total_visits"])
	assert.Equal(t, float64(2), body["currently_parked"])
	top := body["top_vehicles"].([]interface{})
	require.Len(t, top, 1)
	assert.Equal(t, "AAA111", top[0].(map[string]interface{})["plate"])

	w, _ = s.do(t, httptest.NewRequest(http.MethodGet, "/analytics?top=abc", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body = s.do(t, httptest.NewRequest(http.MethodGet, "/vehicle/aaa111", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "AAA111", body["plate"])
	assert.Equal(t, float64(2), body["total_visits"])
	assert.Equal(t, true, body["currently_parked"])
	assert.Equal(t, float64(1), body["distinct_days_visited"])

	w, body = s.do(t, httptest.NewRequest(http.MethodGet, "/vehicle/ZZZ999", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, body, "error")

	w, body = s.do(t, httptest.NewRequest(http.MethodGet, "/visits?open=true", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["data"], 2)
}

func TestProtectedRoutes(t *testing.T) {
	s := newTestServer(t, nil)
	w, _ := s.do(t, httptest.NewRequest(http.MethodPost, "/log?plate=ST4242", nil))
	require.Equal(t, http.StatusOK, w.Code)

	update := func() *http.Request {
		req := httptest.NewRequest(http.MethodPut, "/vehicle/ST4242", strings.NewReader(`{"owner_name":"Dana Reyes","category":"STAFF"}`))
		req.Header.Set("Content-Type", "application/json")
		return req
	}

	w, _ = s.do(t, update())
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := update()
	req.Header.Set("Authorization", "Bearer "+signToken(t, "wrong-secret", time.Now().Add(time.Hour)))
	w, _ = s.do(t, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = update()
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, time.Now().Add(-time.Minute)))
	w, body := s.do(t, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "token expired", body["error"])

	w, body = s.do(t, authed(t, update()))
	require.Equal(t, http.StatusOK, w.Code)
	vehicle := body["data"].(map[string]interface{})
	assert.Equal(t, "STAFF", vehicle["category"])
	assert.Equal(t, "Dana Reyes", vehicle["owner_name"])

	w, body = s.do(t, authed(t, httptest.NewRequest(http.MethodGet, "/billing?plate=ST4242", nil)))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["data"], 1)

	w, _ = s.do(t, httptest.NewRequest(http.MethodGet, "/billing", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCameraSnapshot(t *testing.T) {
	s := newTestServer(t, nil)
	w, _ := s.do(t, authed(t, httptest.NewRequest(http.MethodPost, "/camera/snapshot", nil)))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	cam := &fakeSnapshotter{outcomes: []camera.Outcome{{Plate: "AB12345", Action: "entry", VisitID: 1}}}
	s = newTestServer(t, cam)
	w, body := s.do(t, authed(t, httptest.NewRequest(http.MethodPost, "/camera/snapshot", nil)))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["data"], 1)

	cam.outcomes, cam.err = nil, camera.ErrDetectorUnavailable
	w, _ = s.do(t, authed(t, httptest.NewRequest(http.MethodPost, "/camera/snapshot", nil)))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil)
	w, body := s.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestLogConflictIsRetryable(t *testing.T) {
	s := newTestServerWithStore(t, racingStore{}, nil)

	w, body := s.do(t, httptest.NewRequest(http.MethodPost, "/log?plate=XY999", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, true, body["retryable"])
	assert.Contains(t, body, "error")
}

func TestLogConflictRemovesUploadedImage(t *testing.T) {
	s := newTestServerWithStore(t, racingStore{}, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("plate", "XY999"))
	part, err := mw.CreateFormFile("image", "frame.jpg")
	require.NoError(t, err)
	_, err = part.Write([]byte("jpeg-bytes"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/log", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w, body := s.do(t, req)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, true, body["retryable"])

	entries, err := os.ReadDir(s.images.Root())
	require.NoError(t, err)
	assert.Empty(t, entries)
}
