package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vendorregistry/importer/internal/config"
	"github.com/vendorregistry/importer/internal/importer"
	"github.com/vendorregistry/importer/internal/lock"
	"github.com/vendorregistry/importer/internal/store"
)

type fakeService struct {
	mu sync.Mutex

	startErr error
	startID  int64
	body     string
	filename string
	creator  string

	statuses  map[int64]importer.RunStatus
	cancelErr error
	cleared   int64
	locks     []lock.Info
}

func (f *fakeService) StartImport(ctx context.Context, r io.Reader, filename string) (int64, error) {
	data, err := io.ReadAll(r)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.body = string(data)
	f.filename = filename
	f.creator = importer.CreatorFromContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: spool upload: %w", importer.ErrMove, err)
	}
	return f.startID, f.startErr
}

func (f *fakeService) GetStatus(_ context.Context, id int64) (importer.RunStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.statuses[id]
	if !ok {
		return importer.RunStatus{}, fmt.Errorf("run %d: %w", id, importer.ErrNotFound)
	}
	return st, nil
}

func (f *fakeService) Cancel(_ context.Context, id int64) (importer.RunStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return importer.RunStatus{}, f.cancelErr
	}
	st := f.statuses[id]
	st.Status = store.StatusCancelled
	return st, nil
}

func (f *fakeService) RecentRuns(_ context.Context, limit int) ([]importer.RunStatus, error) {
	var out []importer.RunStatus
	for _, st := range f.statuses {
		out = append(out, st)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeService) StaleRuns(context.Context) ([]importer.RunStatus, error) {
	return []importer.RunStatus{}, nil
}

func (f *fakeService) ClearAllLocks(context.Context) (int64, error) {
	return f.cleared, nil
}

func (f *fakeService) ListActiveLocks(context.Context) ([]lock.Info, error) {
	return f.locks, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Import: config.ImportConfig{MaxFileSize: 1 << 20, Timeout: time.Minute},
	}
}

func newTestServer(t *testing.T, svc *fakeService, cfg *config.Config, opts ...Option) http.Handler {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	return NewServer(svc, cfg, opts...).Router()
}

func uploadRequest(t *testing.T, field, filename, content string) *http.Request {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("note", "ignored"))
	part, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = io.WriteString(part, content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/imports", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestStartImport_Success(t *testing.T) {
	svc := &fakeService{
		startID: 7,
		statuses: map[int64]importer.RunStatus{
			7: {ID: 7, Status: store.StatusCompleted, Processed: 2, Total: 2, Percentage: 100},
		},
	}
	h := newTestServer(t, svc, nil)

	req := uploadRequest(t, "file", "vendors.CSV", "email,name\n")
	req.Header.Set("X-User", "ops@corp")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var st importer.RunStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, int64(7), st.ID)
	assert.Equal(t, store.StatusCompleted, st.Status)
	assert.Equal(t, 100, st.Percentage)

	assert.Equal(t, "email,name\n", svc.body)
	assert.Equal(t, "vendors.CSV", svc.filename)
	assert.Equal(t, "ops@corp", svc.creator)
}

func TestStartImport_DefaultCreator(t *testing.T) {
	svc := &fakeService{startID: 1, statuses: map[int64]importer.RunStatus{1: {ID: 1}}}
	h := newTestServer(t, svc, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, uploadRequest(t, "file", "v.csv", "x"))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, importer.DefaultCreator, svc.creator)
}

func TestStartImport_Errors(t *testing.T) {
	tests := []struct {
		name       string
		field      string
		filename   string
		startErr   error
		startID    int64
		wantStatus int
		wantCode   string
	}{
		{name: "busy", startErr: importer.ErrBusy, wantStatus: http.StatusConflict, wantCode: "IMP001"},
		{name: "empty file", startErr: importer.ErrEmptyFile, wantStatus: http.StatusUnprocessableEntity, wantCode: "IMP002"},
		{name: "bad header", startErr: fmt.Errorf("%w: column 1", importer.ErrBadHeader), wantStatus: http.StatusUnprocessableEntity, wantCode: "IMP003"},
		{name: "storage", startErr: fmt.Errorf("%w: db down", importer.ErrStorage), wantStatus: http.StatusInternalServerError, wantCode: "IMP004"},
		{name: "move", startErr: fmt.Errorf("%w: disk full", importer.ErrMove), wantStatus: http.StatusInternalServerError, wantCode: "IMP005"},
		{name: "too large", startErr: importer.ErrFileTooLarge, wantStatus: http.StatusRequestEntityTooLarge, wantCode: "FILE001"},
		{name: "processing failure", startErr: fmt.Errorf("%w: batch: deadlock", importer.ErrProcessing), startID: 9, wantStatus: http.StatusInternalServerError, wantCode: "IMP008"},
		{name: "no file part", field: "upload", wantStatus: http.StatusBadRequest, wantCode: "FILE004"},
		{name: "not csv", filename: "vendors.xlsx", wantStatus: http.StatusBadRequest, wantCode: "FILE006"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{startErr: tt.startErr, startID: tt.startID}
			h := newTestServer(t, svc, nil)

			field, filename := tt.field, tt.filename
			if field == "" {
				field = "file"
			}
			if filename == "" {
				filename = "v.csv"
			}

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, uploadRequest(t, field, filename, "email\n"))

			assert.Equal(t, tt.wantStatus, rec.Code)
			body := decodeError(t, rec)
			assert.Equal(t, tt.wantCode, body.Code)
			assert.NotEmpty(t, body.Message)
			assert.Equal(t, tt.startID, body.RunID)
		})
	}
}

func TestStartImport_NotMultipart(t *testing.T) {
	h := newTestServer(t, &fakeService{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/imports", bytes.NewBufferString("email,name\n"))
	req.Header.Set("Content-Type", "text/csv")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "FILE004", decodeError(t, rec).Code)
}

func TestStartImport_BodyLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Import.MaxFileSize = 16
	h := newTestServer(t, &fakeService{startID: 1}, cfg)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, uploadRequest(t, "file", "v.csv", string(bytes.Repeat([]byte("x"), 2<<20))))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "FILE001", decodeError(t, rec).Code)
}

func TestGetStatus(t *testing.T) {
	svc := &fakeService{statuses: map[int64]importer.RunStatus{
		3: {ID: 3, Status: store.StatusProcessing, Processed: 50, Total: 200, Percentage: 25},
	}}
	h := newTestServer(t, svc, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/imports/3", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var st importer.RunStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, 25, st.Percentage)
	assert.Equal(t, store.StatusProcessing, st.Status)

	for _, path := range []string{"/api/imports/4", "/api/imports/abc", "/api/imports/-1"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
		assert.Equal(t, "IMP006", decodeError(t, rec).Code, path)
	}
}

func TestCancel(t *testing.T) {
	svc := &fakeService{statuses: map[int64]importer.RunStatus{3: {ID: 3, Status: store.StatusProcessing}}}
	h := newTestServer(t, svc, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/imports/3/cancel", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var st importer.RunStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, store.StatusCancelled, st.Status)

	svc.cancelErr = fmt.Errorf("run 3 is completed: %w", importer.ErrNotCancellable)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/imports/3/cancel", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "IMP007", decodeError(t, rec).Code)

	svc.cancelErr = fmt.Errorf("run 5: %w", importer.ErrNotFound)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/imports/5/cancel", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListRuns(t *testing.T) {
	svc := &fakeService{statuses: map[int64]importer.RunStatus{1: {ID: 1}, 2: {ID: 2}}}
	h := newTestServer(t, svc, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/imports?limit=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Runs []importer.RunStatus `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Runs, 1)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/imports?limit=nope", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/imports/stale", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"runs":[]}`, rec.Body.String())
}

func TestLocks(t *testing.T) {
	expiry := time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC)
	svc := &fakeService{
		cleared: 1,
		locks:   []lock.Info{{Name: "csv_import", Owner: "abc", ExpiresAt: expiry}},
	}
	h := newTestServer(t, svc, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/locks", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Locks []lock.Info `json:"locks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Locks, 1)
	assert.Equal(t, "csv_import", body.Locks[0].Name)
	assert.True(t, body.Locks[0].ExpiresAt.Equal(expiry))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/locks", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"cleared":1}`, rec.Body.String())
}

func TestAPIKeyAuth(t *testing.T) {
	cfg := testConfig()
	cfg.Security = config.SecurityConfig{RequireAPIKey: true, APIKeys: []string{"k1", "k2"}}
	h := newTestServer(t, &fakeService{}, cfg)

	tests := []struct {
		name string
		key  string
		want int
	}{
		{"missing key", "", http.StatusUnauthorized},
		{"wrong key", "nope", http.StatusForbidden},
		{"first key", "k1", http.StatusOK},
		{"second key", "k2", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/locks", nil)
			if tt.key != "" {
				req.Header.Set("X-API-Key", tt.key)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}

	// Health stays reachable without a key.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Rate = config.RateLimitConfig{Enabled: true, RequestsPerMinute: 1, Burst: 2}
	h := newTestServer(t, &fakeService{}, cfg)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = "203.0.113.9:4000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
		if rec.Code == http.StatusTooManyRequests {
			assert.Equal(t, "RATE001", decodeError(t, rec).Code)
		}
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	// Another client has its own bucket.
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "203.0.113.10:4000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	healthy := true
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "vendor_import_runs_total 0\n")
	})
	h := newTestServer(t, &fakeService{}, nil,
		WithMetricsHandler(metrics),
		WithHealthCheck(func(context.Context) error {
			if healthy {
				return nil
			}
			return errors.New("db down")
		}),
	)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	healthy = false
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "vendor_import_runs_total")
}

func TestStatusFor_ProcessingWinsOverCause(t *testing.T) {
	err := fmt.Errorf("%w: %w", importer.ErrProcessing, importer.ErrBadHeader)
	assert.Equal(t, http.StatusInternalServerError, statusFor(err))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("unknown")))
	assert.Equal(t, http.StatusTooManyRequests, statusFor(importer.ErrRateLimited))
}
