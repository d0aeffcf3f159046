// Package adminhttp exposes dispatchd's administrative surface
// (submit, shutdown, stats) over HTTP, wrapped in a CORS/APM-tracing
// middleware pair applied to every route it serves.
package adminhttp

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace/ext"
	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"

	"github.com/nrayfield/dispatchd/internal/audit"
	"github.com/nrayfield/dispatchd/internal/dispatch"
	"github.com/nrayfield/dispatchd/internal/httpkit"
)

// statusRecorder captures the status code a handler wrote, for the
// trace middleware to tag the span with after the handler returns.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func traceMiddleware(serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			opts := []tracer.StartSpanOption{
				tracer.ServiceName(serviceName),
				tracer.ResourceName(r.Method + " " + r.URL.Path),
				tracer.Tag(ext.SpanType, ext.SpanTypeWeb),
				tracer.Tag(ext.HTTPMethod, r.Method),
				tracer.Tag(ext.HTTPURL, r.URL.Path),
			}
			if sctx, err := tracer.Extract(tracer.HTTPHeadersCarrier(r.Header)); err == nil {
				opts = append(opts, tracer.ChildOf(sctx))
			}
			span, ctx := tracer.StartSpanFromContext(r.Context(), "http.request", opts...)
			defer span.Finish()

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			defer func() {
				if err := recover(); err != nil {
					span.SetTag(ext.Error, true)
					span.SetTag("error.message", fmt.Sprintf("panic: %v", err))
					span.SetTag(ext.HTTPCode, http.StatusInternalServerError)
					log.Printf("[APM] panic recovered: %s %s -> %v", r.Method, r.URL.Path, err)
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}()

			next.ServeHTTP(rec, r.WithContext(ctx))

			span.SetTag(ext.HTTPCode, rec.status)
			if rec.status >= 400 {
				span.SetTag(ext.Error, true)
			}
		})
	}
}

// submitRequest is the JSON body POST /submit accepts.
type submitRequest struct {
	Payload     any    `json:"payload"`
	TimeoutMS   int64  `json:"timeout_ms"`
	RetryBudget int    `json:"retry_budget"`
}

// Server wraps a *dispatch.Dispatcher with the admin HTTP surface.
type Server struct {
	addr       string
	dispatcher *dispatch.Dispatcher
	auditSink  *audit.Sink // optional, nil disables GET /audit
	httpServer *http.Server
}

// NewServer builds a Server. auditSink may be nil.
func NewServer(addr string, d *dispatch.Dispatcher, auditSink *audit.Sink) *Server {
	return &Server{addr: addr, dispatcher: d, auditSink: auditSink}
}

// Run builds the router, starts listening, and blocks until ctx is
// cancelled, at which point it shuts the HTTP server down gracefully.
func (s *Server) Run(ctx context.Context) error {
	router := http.NewServeMux()

	httpkit.Endpoint(router, "GET", "/health", func(w http.ResponseWriter, r *http.Request) (int, any) {
		return http.StatusOK, map[string]string{"status": "healthy"}
	})

	httpkit.Endpoint(router, "POST", "/submit", s.handleSubmit)
	httpkit.Endpoint(router, "POST", "/shutdown", s.handleShutdown)
	httpkit.Endpoint(router, "GET", "/stats", s.handleStats)
	if s.auditSink != nil {
		httpkit.Endpoint(router, "GET", "/audit", s.handleAudit)
	}

	handler := corsMiddleware(traceMiddleware("dispatchd")(router))
	s.httpServer = &http.Server{Addr: s.addr, Handler: handler}

	go func() {
		<-ctx.Done()
		log.Println("[ADMINHTTP] shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("[ADMINHTTP] shutdown error: %v", err)
		}
	}()

	log.Printf("[ADMINHTTP] listening on %s", s.addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) (int, any) {
	var req submitRequest
	if status, err := httpkit.DecodeJSON(r, &req); err != nil {
		return status, map[string]string{"error": err.Error()}
	}

	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Minute
	}

	out := s.dispatcher.Submit(r.Context(), req.Payload, timeout, req.RetryBudget)

	select {
	case outcome := <-out:
		return http.StatusOK, outcome
	case <-r.Context().Done():
		return http.StatusGatewayTimeout, map[string]string{"error": "client disconnected before reply"}
	}
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) (int, any) {
	reportBack := make(chan struct{}, 1)
	go s.dispatcher.ShutdownGracefully(reportBack, 30*time.Second)

	select {
	case <-reportBack:
		return http.StatusOK, map[string]string{"status": "shutdown complete"}
	case <-time.After(35 * time.Second):
		return http.StatusAccepted, map[string]string{"status": "shutdown in progress"}
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) (int, any) {
	queueStats, procStats := s.dispatcher.Stats()
	return http.StatusOK, map[string]any{
		"queue":     queueStats,
		"processor": procStats,
	}
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) (int, any) {
	rows, err := s.auditSink.Recent(100)
	if err != nil {
		return http.StatusInternalServerError, map[string]string{"error": err.Error()}
	}
	raw, err := audit.MarshalSummary(rows)
	if err != nil {
		return http.StatusInternalServerError, map[string]string{"error": err.Error()}
	}
	w.Header().Set("Content-Type", "application/json")
	var out json.RawMessage = raw
	return http.StatusOK, out
}
