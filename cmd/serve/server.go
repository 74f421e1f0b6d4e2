package serve

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ValentinKolb/kvcore/lib/db"
	"github.com/ValentinKolb/kvcore/lib/persistence"
	"github.com/ValentinKolb/kvcore/lib/recovery"
	"github.com/ValentinKolb/kvcore/lib/store"
	"github.com/VictoriaMetrics/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("cli")

const contentTypeJSON = "application/json"

// Info is the response of the /info endpoint
type Info struct {
	Version     string             `json:"version"`
	DataDir     string             `json:"data_dir"`
	Uptime      string             `json:"uptime"`
	Database    db.DatabaseInfo    `json:"database"`
	Recovery    *recovery.Stats    `json:"recovery,omitempty"`
	Persistence *persistence.Stats `json:"persistence,omitempty"`
}

// Health is the response of the /healthz endpoint
type Health struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type server struct {
	store   *store.Store
	version string
	started time.Time
}

// NewRouter returns the operational HTTP API of s:
//
//	GET /metrics  Prometheus text format (persistence and process metrics)
//	GET /info     database, recovery and persistence statistics
//	GET /healthz  503 once the persistence loop has stopped
func NewRouter(s *store.Store, version string) http.Handler {
	srv := &server{store: s, version: version, started: time.Now()}

	r := chi.NewRouter()
	r.Use(loggerMiddleware)
	r.Get("/metrics", srv.handleMetrics)
	r.Get("/info", srv.handleInfo)
	r.Get("/healthz", srv.handleHealth)
	return r
}

func (s *server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	s.store.WritePrometheus(w)
	metrics.WriteProcessMetrics(w)
}

func (s *server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	info := Info{
		Version:  s.version,
		DataDir:  s.store.Dir(),
		Uptime:   time.Since(s.started).Round(time.Second).String(),
		Database: s.store.GetInfo(),
		Recovery: s.store.RecoveryStats(),
	}
	if h := s.store.Persistence(); h != nil {
		stats := h.Stats()
		info.Persistence = &stats
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h := s.store.Persistence()
	if h != nil && !h.Running() {
		health := Health{Status: "degraded"}
		if err := h.Err(); err != nil {
			health.Error = err.Error()
		}
		writeJSON(w, http.StatusServiceUnavailable, health)
		return
	}
	writeJSON(w, http.StatusOK, Health{Status: "ok"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Warningf("failed to encode response: %v", err)
	}
}

// --------------------------------------------------------------------------
// Middleware (logging)
// --------------------------------------------------------------------------

// responseWriter is a custom ResponseWriter that captures status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader captures the status code before writing it
func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// loggerMiddleware logs every request at debug level
func loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}
		next.ServeHTTP(rw, r)

		log.Debugf("%s %s => %d took %s", r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	})
}
