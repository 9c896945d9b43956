// Package webhook exposes the CRM webhook endpoints, a health probe and the
// metrics scrape endpoint.
package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/callscore/internal/pipeline"
)

// maxBodyBytes caps webhook bodies.
const maxBodyBytes = 1 << 20

// Acceptor validates a webhook delivery and queues the call.
type Acceptor interface {
	AcceptAmo(ctx context.Context, form map[string]string) (pipeline.Ack, error)
	AcceptBitrix(ctx context.Context, fields map[string]string) (pipeline.Ack, error)
}

// Pinger reports whether the store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures the router.
type Options struct {
	AllowedOrigins []string
	// Metrics serves GET /metrics when set.
	Metrics http.Handler
}

// NewRouter builds the HTTP handler.
func NewRouter(acc Acceptor, db Pinger, opts Options) http.Handler {
	h := &handlers{acc: acc, db: db}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", h.health)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	for _, p := range []string{"/get_call", "/get_call/"} {
		r.Post(p, h.amo)
	}
	for _, p := range []string{"/get_call_b24", "/get_call_b24/"} {
		r.Post(p, h.bitrix)
	}
	return r
}

type handlers struct {
	acc Acceptor
	db  Pinger
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if err := h.db.Ping(ctx); err != nil {
		zap.L().Warn("webhook: health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) amo(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	form, err := readForm(r)
	if err != nil {
		unreadable(w, r, err)
		return
	}
	ack, err := h.acc.AcceptAmo(r.Context(), form)
	respond(w, ack, err)
}

func (h *handlers) bitrix(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	fields, err := readBitrix(r)
	if err != nil {
		unreadable(w, r, err)
		return
	}
	ack, err := h.acc.AcceptBitrix(r.Context(), fields)
	respond(w, ack, err)
}

// respond writes 200 for accepted and ignored deliveries so the CRM does
// not redeliver them, and 500 when the call could not be stored.
func respond(w http.ResponseWriter, ack pipeline.Ack, err error) {
	if err != nil {
		zap.L().Error("webhook: accept failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, pipeline.Ack{Status: pipeline.AckError, Message: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

// unreadable acknowledges a body that could not be parsed as ignored, so
// the CRM does not keep redelivering it.
func unreadable(w http.ResponseWriter, r *http.Request, err error) {
	zap.L().Warn("webhook: unreadable body",
		zap.String("path", r.URL.Path),
		zap.String("content_type", r.Header.Get("Content-Type")),
		zap.Error(err),
	)
	writeJSON(w, http.StatusOK, pipeline.Ack{Status: pipeline.AckIgnored, Message: "unreadable body"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("webhook: write response", zap.Error(err))
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
