package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"m3u8-remux/internal/auth"
	"m3u8-remux/internal/platform/logger"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func newTestRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Get("/", h.Home)
	r.Post("/", h.SubmitJob)
	r.Get("/healthz", h.Healthz)
	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", h.SubmitJob)
		r.Get("/", h.ListJobs)
		r.Get("/{job_id}", h.GetJob)
	})
	return r
}

func signToken(t *testing.T, manifestURL string, exp time.Time) string {
	t.Helper()
	tok, err := auth.NewVerifier(testSecret).Sign(&auth.Claims{
		ManifestURL:     manifestURL,
		Bucket:          "videos",
		Key:             "out/final.mp4",
		AccessKeyID:     "AKID",
		SecretAccessKey: "SECRET",
		Region:          "us-east-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	require.NoError(t, err)
	return tok
}

func postJob(t *testing.T, r http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func tokenBody(tok string) string {
	b, _ := json.Marshal(map[string]string{"token": tok})
	return string(b)
}

func TestHandler_SubmitJob_success(t *testing.T) {
	srv := newMediaServer(t, map[string]string{"a.ts": "AAA", "b.ts": "BBB"}, []string{"a.ts", "b.ts"})
	env := newTestEnv(t, srv.Client())
	h := NewHandler(env.svc, auth.NewVerifier(testSecret), logger.Discard(), nil)
	r := newTestRouter(h)

	tok := signToken(t, srv.URL+"/media/index.m3u8", time.Now().Add(time.Hour))
	rec := postJob(t, r, "/jobs", tokenBody(tok))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "File uploaded successfully", res["status"])
	assert.NotEmpty(t, res["presigned_url"])
	assert.Equal(t, 1.5, res["file_size_mb"])
	assertWorkspaceEmpty(t, env.workDir)
}

func TestHandler_SubmitJob_pipeline_failure(t *testing.T) {
	srv := newMediaServer(t, map[string]string{"a.ts": "AAA"}, []string{"a.ts"})
	env := newTestEnv(t, srv.Client())
	env.conv.err = errors.New("exit status 1")
	h := NewHandler(env.svc, auth.NewVerifier(testSecret), logger.Discard(), nil)

	tok := signToken(t, srv.URL+"/media/index.m3u8", time.Now().Add(time.Hour))
	rec := postJob(t, newTestRouter(h), "/", tokenBody(tok))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "processing_failed", body["error"])
	assert.Equal(t, "transcode", body["stage"])
	assert.True(t, strings.HasPrefix(body["detail"], "Failed to process m3u8 file"))
	assertWorkspaceEmpty(t, env.workDir)
}

func TestHandler_SubmitJob_rejects_bad_tokens_before_work(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer srv.Close()

	expired := signToken(t, srv.URL+"/index.m3u8", time.Now().Add(-time.Minute))
	cases := map[string]string{
		"garbage":        "not.a.jwt",
		"expired":        expired,
		"wrong_secret":   forgeToken(t, srv.URL+"/index.m3u8"),
		"two_segments":   "abc.def",
		"missing_claims": mustSign(t, &auth.Claims{Bucket: "b"}),
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t, srv.Client())
			h := NewHandler(env.svc, auth.NewVerifier(testSecret), logger.Discard(), nil)

			rec := postJob(t, newTestRouter(h), "/jobs", tokenBody(tok))

			require.Equal(t, http.StatusUnauthorized, rec.Code)
			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, "authentication_error", body["error"])
			assert.NotEmpty(t, body["detail"])

			_, err := os.Stat(env.workDir)
			assert.True(t, os.IsNotExist(err), "work dir must not be created")
			assert.Empty(t, env.ch.events)
		})
	}
	assert.Zero(t, hits, "no network activity expected")
}

func forgeToken(t *testing.T, manifestURL string) string {
	t.Helper()
	tok, err := auth.NewVerifier("other-secret").Sign(&auth.Claims{
		ManifestURL: manifestURL, Bucket: "b", Key: "k",
		AccessKeyID: "a", SecretAccessKey: "s", Region: "r",
	})
	require.NoError(t, err)
	return tok
}

func mustSign(t *testing.T, c *auth.Claims) string {
	t.Helper()
	tok, err := auth.NewVerifier(testSecret).Sign(c)
	require.NoError(t, err)
	return tok
}

func TestHandler_SubmitJob_bad_request(t *testing.T) {
	env := newTestEnv(t, nil)
	h := NewHandler(env.svc, auth.NewVerifier(testSecret), logger.Discard(), nil)
	r := newTestRouter(h)

	for _, body := range []string{"not json", `{"token":""}`, `{}`} {
		rec := postJob(t, r, "/jobs", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body %q", body)
	}
}

func TestHandler_SubmitJob_not_configured(t *testing.T) {
	env := newTestEnv(t, nil)
	h := NewHandler(env.svc, auth.NewVerifier(""), logger.Discard(), nil)

	rec := postJob(t, newTestRouter(h), "/", tokenBody("a.b.c"))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandler_SubmitJob_cancelled_by_base_context(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	env := newTestEnv(t, srv.Client())
	base, cancel := context.WithCancel(context.Background())
	h := NewHandler(env.svc, auth.NewVerifier(testSecret), logger.Discard(), nil).WithJobContext(base, time.Minute)

	body := tokenBody(signToken(t, srv.URL+"/index.m3u8", time.Now().Add(time.Hour)))
	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- postJob(t, newTestRouter(h), "/", body)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case rec := <-done:
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Contains(t, rec.Body.String(), `"stage":"manifest"`)
	case <-time.After(5 * time.Second):
		t.Fatal("job was not cancelled")
	}
	assertWorkspaceEmpty(t, env.workDir)
}

func TestHandler_jobs_endpoints(t *testing.T) {
	env := newTestEnv(t, nil)
	h := NewHandler(env.svc, auth.NewVerifier(testSecret), logger.Discard(), nil)
	r := newTestRouter(h)

	require.NoError(t, env.svc.Jobs().Start("j1", "chan"))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/j1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var job JobState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, StateReceived, job.State)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var list []JobState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_Home_and_Healthz(t *testing.T) {
	env := newTestEnv(t, nil)
	r := newTestRouter(NewHandler(env.svc, auth.NewVerifier(testSecret), logger.Discard(), nil))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "m3u8-remux")

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", bytes.NewReader(nil)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestHandler_writeJSON_logs_to_handler_logger(t *testing.T) {
	var buf bytes.Buffer
	env := newTestEnv(t, nil)
	h := NewHandler(env.svc, auth.NewVerifier(testSecret), logger.NewWithWriter(&buf, "debug", "json"), nil)

	rec := httptest.NewRecorder()
	h.writeJSON(rec, http.StatusOK, math.Inf(1))

	assert.Contains(t, buf.String(), "write response")
}
