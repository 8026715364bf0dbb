// Package api exposes research jobs, exports and prompt override
// administration over HTTP.
package api

import (
	"encoding/json"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/sells-group/dossier/internal/pipeline"
	"github.com/sells-group/dossier/internal/prompt"
	"github.com/sells-group/dossier/internal/store"
)

const maxBodyBytes = 1 << 20

// Submitter schedules a job to run in the background.
type Submitter interface {
	Submit(jobID string)
}

// Config holds the HTTP-facing options.
type Config struct {
	AllowedOrigins []string
}

// Server serves the REST API.
type Server struct {
	orch     *pipeline.Orchestrator
	runner   Submitter
	store    store.Store
	resolver *prompt.Resolver
	validate *validator.Validate
	cfg      Config
}

// New returns a server. runner receives every accepted job and every retried
// section's job.
func New(orch *pipeline.Orchestrator, runner Submitter, st store.Store, resolver *prompt.Resolver, cfg Config) *Server {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	return &Server{
		orch:     orch,
		runner:   runner,
		store:    st,
		resolver: resolver,
		validate: v,
		cfg:      cfg,
	}
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/research", func(r chi.Router) {
		r.Post("/", s.handleStartResearch)
		r.Get("/", s.handleListResearch)
		r.Get("/jobs/{id}", s.handleJobStatus)
		r.Get("/{id}", s.handleJobDetail)
		r.Post("/{id}/cancel", s.handleCancel)
		r.Post("/{id}/sections/{section}/retry", s.handleRetrySection)
		r.Get("/{id}/export/pdf", s.handleExportPDF)
		r.Get("/{id}/export/markdown", s.handleExportMarkdown)
	})

	r.Route("/prompts", func(r chi.Router) {
		r.Get("/overrides", s.handleListOverrides)
		r.Post("/overrides", s.handleCreateOverride)
		r.Post("/overrides/{id}/publish", s.handlePublishOverride)
		r.Post("/overrides/{id}/unpublish", s.handleUnpublishOverride)
		r.Post("/preview", s.handlePreview)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requestLogger logs one line per request through the global zap logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			zap.L().Info("api: request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

// decode reads a JSON body into dst and validates it.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &requestError{msg: "invalid request body: " + err.Error()}
	}
	if err := s.validate.Struct(dst); err != nil {
		return validationError(err)
	}
	return nil
}
