package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"m3u8-remux/internal/auth"
	"m3u8-remux/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
)

const (
	maxRequestBody    = 1 << 20
	defaultJobTimeout = 30 * time.Minute
)

// TokenVerifier checks a job token and returns its claims.
type TokenVerifier interface {
	Verify(token string) (*auth.Claims, error)
}

// Handler exposes orchestrator HTTP endpoints using go-chi.
type Handler struct {
	svc      *Service
	verifier TokenVerifier
	log      *slog.Logger
	metrics  *metrics.Metrics

	base       context.Context
	jobTimeout time.Duration
}

// NewHandler returns a Handler that uses the given Service, TokenVerifier,
// Logger, and optional Metrics. Metrics may be nil to disable metric
// recording (e.g. in tests).
func NewHandler(svc *Service, verifier TokenVerifier, log *slog.Logger, m *metrics.Metrics) *Handler {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Handler{
		svc:        svc,
		verifier:   verifier,
		log:        log,
		metrics:    m,
		base:       context.Background(),
		jobTimeout: defaultJobTimeout,
	}
}

// WithJobContext bounds every job by timeout and cancels running jobs when
// base is done. Jobs are otherwise detached from the submitting request.
func (h *Handler) WithJobContext(base context.Context, timeout time.Duration) *Handler {
	if base != nil {
		h.base = base
	}
	if timeout > 0 {
		h.jobTimeout = timeout
	}
	return h
}

type submitRequest struct {
	Token string `json:"token"`
}

type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// SubmitJob handles POST / and POST /jobs.
// Body: { "token": "<signed job token>" }. The response is sent when the job
// has finished.
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		h.log.Debug("invalid job body", slog.String("error", err.Error()))
		h.writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Detail: "body must be a JSON object with a token field"})
		return
	}
	if req.Token == "" {
		h.writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Detail: "token is required"})
		return
	}

	claims, err := h.verifier.Verify(req.Token)
	if err != nil {
		if errors.Is(err, auth.ErrNotConfigured) {
			h.log.Error("job rejected, token verification not configured")
			h.writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "server_misconfigured", Detail: err.Error()})
			return
		}
		h.log.Info("job rejected", slog.String("error", err.Error()))
		h.writeJSON(w, http.StatusUnauthorized, errorBody{Error: "authentication_error", Detail: err.Error()})
		return
	}
	channel, err := auth.ChannelName(req.Token)
	if err != nil {
		h.writeJSON(w, http.StatusUnauthorized, errorBody{Error: "authentication_error", Detail: err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.jobTimeout)
	defer cancel()
	stop := context.AfterFunc(h.base, cancel)
	defer stop()

	job := NewJob(claims, channel)
	result, err := h.svc.Run(ctx, job)
	if err != nil {
		var pe *PipelineError
		if errors.As(err, &pe) {
			h.writeJSON(w, http.StatusInternalServerError, pe)
			return
		}
		h.writeJSON(w, http.StatusInternalServerError, errorBody{Error: "processing_failed", Detail: err.Error()})
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// ListJobs handles GET /jobs: the jobs currently running.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.svc.Jobs().List())
}

// GetJob handles GET /jobs/{job_id}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "job_id")
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	job, ok := h.svc.Jobs().Get(id)
	if !ok {
		h.writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Detail: ErrJobNotFound.Error()})
		return
	}
	h.writeJSON(w, http.StatusOK, job)
}

// Home handles GET /.
func (h *Handler) Home(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{
		"service": "m3u8-remux",
		"message": "POST a job token to / to convert an m3u8 playlist to mp4",
	})
}

// Healthz handles GET /healthz.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Debug("write response", slog.String("error", err.Error()))
	}
}
