package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sosiouxme/throttle/internal/clock"
	"github.com/sosiouxme/throttle/internal/throttle"
)

// Options configures a Server.
type Options struct {
	Addr        string
	CORSOrigins []string
	Clock       clock.Clock
	Logger      *zap.Logger
	// Hub, if set, is served at /ws.
	Hub *Hub
}

// Server exposes a set of named throttles over HTTP.
type Server struct {
	httpServer *http.Server
	router     chi.Router
	throttles  map[string]*throttle.Throttle
	names      []string
	hub        *Hub
	clock      clock.Clock
	logger     *zap.Logger
}

// New creates a server for the given throttles. Later throttles replace
// earlier ones with the same name.
func New(opts Options, throttles ...*throttle.Throttle) *Server {
	s := &Server{
		throttles: make(map[string]*throttle.Throttle, len(throttles)),
		hub:       opts.Hub,
		clock:     opts.Clock,
		logger:    opts.Logger,
	}
	if s.clock == nil {
		s.clock = clock.NewRealClock()
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	for _, th := range throttles {
		s.throttles[th.Name()] = th
	}
	for name := range s.throttles {
		s.names = append(s.names, name)
	}
	sort.Strings(s.names)

	s.router = s.routes(opts.CORSOrigins)
	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes(origins []string) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Route("/throttles", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Get("/{name}", s.handleGet)
		r.Post("/{name}/events", s.handleRecord)
	})
	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWebSocket)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "endpoint not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service":   "throttle",
		"status":    "running",
		"throttles": len(s.names),
		"time":      s.clock.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ThrottleInfo describes a throttle's geometry and position.
type ThrottleInfo struct {
	Name           string    `json:"name"`
	BucketCount    int       `json:"bucket_count"`
	BucketDuration string    `json:"bucket_duration"`
	Window         string    `json:"window"`
	InitialTime    time.Time `json:"initial_time"`
	CurrentBucket  int64     `json:"current_bucket"`
}

func info(th *throttle.Throttle) ThrottleInfo {
	return ThrottleInfo{
		Name:           th.Name(),
		BucketCount:    th.BucketCount(),
		BucketDuration: th.BucketDuration().String(),
		Window:         th.Window().String(),
		InitialTime:    th.InitialTime().UTC(),
		CurrentBucket:  th.CurrentBucket(),
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	out := make([]ThrottleInfo, 0, len(s.names))
	for _, name := range s.names {
		out = append(out, info(s.throttles[name]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	th, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, info(th))
}

// RecordResponse is the body returned for a recorded event.
type RecordResponse struct {
	Throttle      string `json:"throttle"`
	Total         int64  `json:"total"`
	Indeterminate bool   `json:"indeterminate"`
	Error         string `json:"error,omitempty"`
}

// handleRecord counts events against a throttle.
// Path: POST /throttles/{name}/events?count=N
func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	th, ok := s.lookup(w, r)
	if !ok {
		return
	}

	count := int64(1)
	if raw := r.URL.Query().Get("count"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "count must be a positive integer")
			return
		}
		count = n
	}

	total, err := th.RecordEvent(r.Context(), count)
	resp := RecordResponse{
		Throttle:      th.Name(),
		Total:         total,
		Indeterminate: throttle.IsIndeterminate(total),
	}

	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, resp)
	case errors.Is(err, throttle.ErrThresholdExceeded):
		resp.Error = "threshold exceeded"
		writeJSON(w, http.StatusTooManyRequests, resp)
	default:
		s.logger.Error("trigger callback failed",
			zap.String("throttle", th.Name()),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
		resp.Error = err.Error()
		writeJSON(w, http.StatusInternalServerError, resp)
	}
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*throttle.Throttle, bool) {
	name := chi.URLParam(r, "name")
	th, ok := s.throttles[name]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown throttle "+strconv.Quote(name))
		return nil, false
	}
	return th, true
}

// Start begins listening. It blocks until the server is shut down.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.StartOnListener(ln)
}

// StartOnListener begins serving on the provided listener.
// Useful for tests that need to pick an ephemeral port.
func (s *Server) StartOnListener(ln net.Listener) error {
	s.logger.Info("throttle server listening", zap.String("addr", ln.Addr().String()))
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.hub != nil {
		s.hub.Close()
	}
	return s.httpServer.Shutdown(ctx)
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger.Debug("HTTP request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.String("remote_addr", r.RemoteAddr),
					zap.Int("status", ww.Status()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
