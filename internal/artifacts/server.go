// Package artifacts serves study outputs read-only over HTTP.
package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-sae/internal/catalog"
	"github.com/23skdu/longbow-sae/internal/config"
	"github.com/23skdu/longbow-sae/internal/interpret"
	"github.com/23skdu/longbow-sae/internal/logger"
	"github.com/23skdu/longbow-sae/internal/store"
)

// HealthStatus is the body of /healthz.
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
	GoVersion string    `json:"go_version"`
	NumCPU    int       `json:"num_cpu"`
	Catalog   bool      `json:"catalog"`
}

// Server answers from the output files of one experiment, falling back to
// the catalog when a file has not been written.
type Server struct {
	cfg       config.Experiment
	cat       *catalog.Catalog
	startTime time.Time
}

// New builds a server. cat may be nil.
func New(cfg config.Experiment, cat *catalog.Catalog) *Server {
	return &Server{cfg: cfg, cat: cat, startTime: time.Now()}
}

// Router returns the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/results", s.handleResults)
	r.Get("/features/{label}", s.handleFeatures)
	r.Get("/stores", s.handleStores)
	r.Get("/stores/{label}/meta", s.handleStoreMeta)
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logger.Log.Debug("HTTP request", "component", "artifacts", "method", r.Method,
			"path", r.URL.Path, "status", ww.Status(), "duration", time.Since(start))
	})
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Log.Info("Artifact server starting", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func validLabel(l string) bool { return l == "A" || l == "B" }

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Warn("Encode response failed", "component", "artifacts", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// serveFile copies a JSON artifact as is. It reports false when the file
// does not exist.
func serveFile(w http.ResponseWriter, path string) bool {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return true
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(raw)
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		GoVersion: runtime.Version(),
		NumCPU:    runtime.NumCPU(),
		Catalog:   s.cat != nil,
	})
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	if serveFile(w, s.cfg.Outputs.ResultsJSON) {
		return
	}
	if s.cat != nil {
		res, err := s.cat.Evaluation(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if len(res.Pairs) > 0 {
			writeJSON(w, http.StatusOK, res)
			return
		}
	}
	writeError(w, http.StatusNotFound, "no evaluation results yet")
}

func (s *Server) handleFeatures(w http.ResponseWriter, r *http.Request) {
	label := chi.URLParam(r, "label")
	if !validLabel(label) {
		writeError(w, http.StatusBadRequest, "label must be A or B")
		return
	}
	if serveFile(w, interpret.JSONPath(s.cfg.Outputs.FeaturesDir, label)) {
		return
	}
	if s.cat != nil {
		feats, err := s.cat.Features(r.Context(), label)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if len(feats) > 0 {
			writeJSON(w, http.StatusOK, &interpret.Report{Label: label, Features: feats})
			return
		}
	}
	writeError(w, http.StatusNotFound, "no features for "+label)
}

func (s *Server) handleStores(w http.ResponseWriter, r *http.Request) {
	if s.cat == nil {
		writeError(w, http.StatusNotFound, "catalog disabled")
		return
	}
	metas, err := s.cat.Stores(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if metas == nil {
		metas = []store.Meta{}
	}
	writeJSON(w, http.StatusOK, metas)
}

func (s *Server) handleStoreMeta(w http.ResponseWriter, r *http.Request) {
	label := chi.URLParam(r, "label")
	if !validLabel(label) {
		writeError(w, http.StatusBadRequest, "label must be A or B")
		return
	}
	meta, err := store.ReadMeta(store.MetaPath(s.cfg.Collection.OutputDir, label))
	if errors.Is(err, os.ErrNotExist) {
		writeError(w, http.StatusNotFound, "store "+label+" not collected")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, meta)
}
