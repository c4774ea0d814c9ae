package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/filehaven/filehaven/internal/auth"
	"github.com/filehaven/filehaven/internal/logging/audit"
	"github.com/filehaven/filehaven/internal/storage"
	"github.com/filehaven/filehaven/internal/tenant"
	"github.com/filehaven/filehaven/pkg/proto"
	"github.com/filehaven/filehaven/testutil"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	srv    *Server
	store  *tenant.MemoryStore
	tokens *auth.Issuer
	token  string
	tenant *tenant.Tenant
}

func newTestServer(t *testing.T, maxUpload int64) *testServer {
	t.Helper()
	ctx := context.Background()

	store := tenant.NewMemoryStore()
	limit := int64(100)
	require.NoError(t, store.SavePlan(ctx, tenant.Plan{Name: "TEST", Description: "test plan", LimitBytes: &limit}))
	tn, err := store.CreateTenant(ctx, "acme", "TEST")
	require.NoError(t, err)

	cipher, err := storage.NewCipher(testutil.ContentSecret, false)
	require.NoError(t, err)
	gw := storage.NewGateway(memfs.New(), cipher, storage.NewLedger(store), storage.Options{
		MaxUpload: maxUpload,
		Audit:     audit.Nop(),
	})

	tokens, err := auth.NewIssuer(testutil.TokenSecret, time.Hour)
	require.NoError(t, err)
	token, err := tokens.Issue(tn.ID)
	require.NoError(t, err)

	srv := New(gw, store, tokens, Options{
		Version:   "test",
		MaxUpload: maxUpload,
		Metrics:   promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{}),
		Audit:     audit.Nop(),
	})
	return &testServer{srv: srv, store: store, tokens: tokens, token: token, tenant: tn}
}

func (ts *testServer) do(t *testing.T, method, target string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	req.Header.Set("Authorization", "Bearer "+ts.token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	ts.srv.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) upload(t *testing.T, folder, name, content string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(uploadField, name)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	target := "/api/v1/files"
	if folder != "" {
		target += "?folder=" + folder
	}
	return ts.do(t, http.MethodPost, target, &buf, mw.FormDataContentType())
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) proto.ErrorResponse {
	t.Helper()
	var resp proto.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, 0)
	rec := httptest.NewRecorder()
	ts.srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp proto.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "test", resp.Version)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, 0)
	rec := httptest.NewRecorder()
	ts.srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestID(t *testing.T) {
	ts := newTestServer(t, 0)

	rec := httptest.NewRecorder()
	ts.srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	_, err := uuid.Parse(rec.Header().Get(RequestIDHeader))
	assert.NoError(t, err)

	id := uuid.NewString()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, id)
	rec = httptest.NewRecorder()
	ts.srv.ServeHTTP(rec, req)
	assert.Equal(t, id, rec.Header().Get(RequestIDHeader))
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t, 0)

	other, err := ts.tokens.Issue(999)
	require.NoError(t, err)
	forged, err := auth.NewIssuer("another-secret-another-secret-0123", time.Hour)
	require.NoError(t, err)
	forgedToken, err := forged.Issue(ts.tenant.ID)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"not bearer", "Basic dXNlcjpwYXNz"},
		{"garbage", "Bearer not-a-token"},
		{"wrong key", "Bearer " + forgedToken},
		{"unknown tenant", "Bearer " + other},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/folders", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			ts.srv.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			resp := decodeError(t, rec)
			assert.Equal(t, http.StatusUnauthorized, resp.Code)
			assert.NotEmpty(t, resp.RequestID)
		})
	}
}

func TestUploadDownload(t *testing.T) {
	ts := newTestServer(t, 0)

	rec := ts.upload(t, "", "notes.txt", "hello world")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var fi storage.FileInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fi))
	assert.Equal(t, "/notes.txt", fi.Path)
	assert.Equal(t, int64(11), fi.Size)

	rec = ts.do(t, http.MethodGet, "/api/v1/files/download?path=notes.txt", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello world", rec.Body.String())
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename=notes.txt`, rec.Header().Get("Content-Disposition"))
}

func TestUploadNameOverride(t *testing.T) {
	ts := newTestServer(t, 0)
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/v1/folders?path=docs", nil, "").Code)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(uploadField, "original.txt")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("abc"))
	require.NoError(t, mw.Close())

	rec := ts.do(t, http.MethodPost, "/api/v1/files?folder=docs&name=renamed.txt", &buf, mw.FormDataContentType())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var fi storage.FileInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fi))
	assert.Equal(t, "/docs/renamed.txt", fi.Path)
}

func TestUploadErrors(t *testing.T) {
	ts := newTestServer(t, 0)

	rec := ts.do(t, http.MethodPost, "/api/v1/files", strings.NewReader("raw"), "text/plain")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("other", "x"))
	require.NoError(t, mw.Close())
	rec = ts.do(t, http.MethodPost, "/api/v1/files", &buf, mw.FormDataContentType())
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.upload(t, "missing", "a.txt", "abc")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.upload(t, "../2", "a.txt", "abc")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "path is outside your storage", decodeError(t, rec).Message)
}

func TestUploadQuotaExceeded(t *testing.T) {
	ts := newTestServer(t, 0)
	require.Equal(t, http.StatusCreated, ts.upload(t, "", "a.bin", strings.Repeat("a", 60)).Code)

	rec := ts.upload(t, "", "b.bin", strings.Repeat("b", 50))
	require.Equal(t, http.StatusForbidden, rec.Code)
	resp := decodeError(t, rec)
	require.NotNil(t, resp.Attempted)
	require.NotNil(t, resp.Available)
	assert.Equal(t, int64(50), *resp.Attempted)
	assert.Equal(t, int64(40), *resp.Available)
}

func TestUploadTooLarge(t *testing.T) {
	ts := newTestServer(t, 10)
	rec := ts.upload(t, "", "big.bin", strings.Repeat("x", 20))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestFolderLifecycle(t *testing.T) {
	ts := newTestServer(t, 0)

	rec := ts.do(t, http.MethodPost, "/api/v1/folders?path=docs", nil, "")
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = ts.do(t, http.MethodPost, "/api/v1/folders?path=docs", nil, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	require.Equal(t, http.StatusCreated, ts.upload(t, "docs", "a.txt", "0123456789").Code)
	require.Equal(t, http.StatusCreated, ts.upload(t, "docs", "b.txt", "01234567890123456789").Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/folders?path=docs", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var l storage.Listing
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &l))
	require.Len(t, l.Files, 2)
	assert.Equal(t, "a.txt", l.Files[0].Name)
	assert.Equal(t, "b.txt", l.Files[1].Name)

	rec = ts.do(t, http.MethodPatch, "/api/v1/folders/rename?path=docs&name=archive", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var renamed proto.RenameResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &renamed))
	assert.Equal(t, "/archive", renamed.Path)

	rec = ts.do(t, http.MethodDelete, "/api/v1/folders?path=archive", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var deleted proto.DeleteResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &deleted))
	assert.Equal(t, int64(30), deleted.FreedBytes)

	rec = ts.do(t, http.MethodGet, "/api/v1/me/stats", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st storage.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Zero(t, st.UsedBytes)
	assert.Zero(t, st.TotalFiles)
}

func TestKindMismatchIsNotFound(t *testing.T) {
	ts := newTestServer(t, 0)
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/v1/folders?path=docs", nil, "").Code)
	require.Equal(t, http.StatusCreated, ts.upload(t, "", "a.txt", "abc").Code)

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodDelete, "/api/v1/files?path=docs", nil, "").Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodDelete, "/api/v1/folders?path=a.txt", nil, "").Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/v1/files/download?path=docs", nil, "").Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPatch, "/api/v1/files/rename?path=docs&name=x", nil, "").Code)
}

func TestRenameFile(t *testing.T) {
	ts := newTestServer(t, 0)
	require.Equal(t, http.StatusCreated, ts.upload(t, "", "a.txt", "abc").Code)
	require.Equal(t, http.StatusCreated, ts.upload(t, "", "b.txt", "def").Code)

	rec := ts.do(t, http.MethodPatch, "/api/v1/files/rename?path=a.txt&name=b.txt", nil, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPatch, "/api/v1/files/rename?path=a.txt", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPatch, "/api/v1/files/rename?path=a.txt&name=c.txt", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/files/download?path=c.txt", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc", rec.Body.String())
}

func TestDeleteRootRejected(t *testing.T) {
	ts := newTestServer(t, 0)
	rec := ts.do(t, http.MethodDelete, "/api/v1/folders?path=", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPlans(t *testing.T) {
	ts := newTestServer(t, 0)
	rec := ts.do(t, http.MethodGet, "/api/v1/plans", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var plans []proto.PlanResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &plans))
	require.Len(t, plans, 1)
	assert.Equal(t, "TEST", plans[0].Name)
	assert.Equal(t, int64(100), plans[0].LimitBytes)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{storage.ErrNotFound, http.StatusNotFound},
		{storage.ErrConflict, http.StatusConflict},
		{&storage.PathEscapeError{Root: "/1", Relative: ".."}, http.StatusForbidden},
		{&storage.QuotaExceededError{Attempted: 1}, http.StatusForbidden},
		{storage.ErrInvalidPath, http.StatusBadRequest},
		{storage.ErrTooLarge, http.StatusRequestEntityTooLarge},
		{&storage.IOError{Op: "read", Path: "/1/a", Err: &http.MaxBytesError{Limit: 1}}, http.StatusRequestEntityTooLarge},
		{storage.ErrCrypto, http.StatusInternalServerError},
		{&storage.PartialDeleteError{Path: "docs", Err: storage.ErrIO}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestListenAndShutdown(t *testing.T) {
	ts := newTestServer(t, 0)
	addr := fmt.Sprintf("127.0.0.1:%d", testutil.FreePort(t))

	errCh := make(chan error, 1)
	go func() { errCh <- ts.srv.ListenAndServe(addr) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/health")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ts.srv.Shutdown(ctx))
	assert.NoError(t, <-errCh)
}
