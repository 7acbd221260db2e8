// Package bridge is the chat command ingress: an HTTP server that accepts
// webhook and Matrix appservice transactions, funnels them through rate
// limiting, authentication, parsing, and circuit-broken downstream calls,
// and posts replies back to the originating channel.
package bridge

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/raveos/rave/internal/agent"
	"github.com/raveos/rave/internal/audit"
	"github.com/raveos/rave/internal/chat"
	"github.com/raveos/rave/internal/circuitbreaker"
	"github.com/raveos/rave/internal/config"
	"github.com/raveos/rave/internal/identity"
	"github.com/raveos/rave/internal/logging"
	"github.com/raveos/rave/internal/metrics"
	"github.com/raveos/rave/internal/observability"
	"github.com/raveos/rave/internal/ratelimit"
)

// BreakerIdP and BreakerSystemd are the registry names of the two
// dependency breakers.
const (
	BreakerIdP     = "idp"
	BreakerSystemd = "systemd"
)

// RoomSender posts replies into chat rooms. *chat.Client satisfies it.
type RoomSender interface {
	SendRoomMessage(ctx context.Context, roomID, body string) error
}

var _ RoomSender = (*chat.Client)(nil)

// Server is the bridge HTTP server and its dependencies.
type Server struct {
	cfg      config.BridgeConfig
	limiter  *ratelimit.Limiter
	identity *identity.Validator
	agents   *agent.Controller
	audit    *audit.Logger
	metrics  *metrics.Recorder
	chat     RoomSender
	breakers *circuitbreaker.Registry

	dedup *txnDedup
	http  *http.Server
}

// New wires the server. The breaker registry must contain the idp and
// systemd breakers.
func New(cfg config.BridgeConfig, limiter *ratelimit.Limiter, idv *identity.Validator,
	agents *agent.Controller, auditLog *audit.Logger, rec *metrics.Recorder,
	chatClient RoomSender, breakers *circuitbreaker.Registry) *Server {

	s := &Server{
		cfg:      cfg,
		limiter:  limiter,
		identity: idv,
		agents:   agents,
		audit:    auditLog,
		metrics:  rec,
		chat:     chatClient,
		breakers: breakers,
		dedup:    newTxnDedup(1024),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook", s.protected(s.handleWebhook))
	mux.HandleFunc("PUT /_matrix/app/v1/transactions/{txnId}", s.protected(s.handleTransaction))
	mux.HandleFunc("GET /health", s.instrumented("/health", s.handleHealth))
	mux.Handle("GET /metrics", rec.Handler())

	s.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           observability.HTTPMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe runs the server until the context is cancelled, then
// drains in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Op().Info("bridge listening", "addr", s.cfg.ListenAddr)
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

// protected applies the ingress middleware pipeline: request size cap, rate
// limit, bearer auth, content type, then metrics.
func (s *Server) protected(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Path
		if strings.HasPrefix(endpoint, "/_matrix/") {
			endpoint = "/_matrix/app/v1/transactions"
		}
		start := time.Now()
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			s.metrics.Request(endpoint, strconv.Itoa(rw.status), time.Since(start))
		}()

		// 1. Size limit. Declared first; the body reader is capped too so a
		// lying Content-Length cannot bypass it.
		if s.cfg.MaxRequestSize > 0 {
			if r.ContentLength > s.cfg.MaxRequestSize {
				http.Error(rw, "request too large", http.StatusRequestEntityTooLarge)
				return
			}
			r.Body = http.MaxBytesReader(rw, r.Body, s.cfg.MaxRequestSize)
		}

		// 2. Rate limit by client IP.
		ip := clientIP(r)
		if !s.limiter.IsAllowed(r.Context(), ip, 1, nil) {
			s.audit.Log(audit.Event{
				EventType: "rate_limit_exceeded",
				ClientIP:  ip,
				UserAgent: r.UserAgent(),
				Details:   map[string]any{"endpoint": endpoint},
				Severity:  "warning",
			})
			http.Error(rw, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		// 3. Bearer token.
		if !s.authorized(r) {
			s.audit.Log(audit.Event{
				EventType: "INVALID_AUTH",
				ClientIP:  ip,
				UserAgent: r.UserAgent(),
				Details:   map[string]any{"endpoint": endpoint},
				Severity:  "warning",
			})
			s.metrics.AuthFailure("invalid_token")
			http.Error(rw, "unauthorized", http.StatusUnauthorized)
			return
		}

		// 4. Content type for bodies.
		if r.Method == http.MethodPost || r.Method == http.MethodPut {
			ct := r.Header.Get("Content-Type")
			if !validContentType(ct) {
				http.Error(rw, "unsupported content type", http.StatusUnsupportedMediaType)
				return
			}
		}

		next(rw, r)
	}
}

// instrumented records request metrics for public endpoints without the
// auth pipeline.
func (s *Server) instrumented(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next(rw, r)
		s.metrics.Request(endpoint, strconv.Itoa(rw.status), time.Since(start))
	}
}

func (s *Server) authorized(r *http.Request) bool {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return false
	}
	return strings.TrimPrefix(header, "Bearer ") == s.cfg.AppserviceToken
}

func validContentType(ct string) bool {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	ct = strings.TrimSpace(strings.ToLower(ct))
	return ct == "application/json" || ct == "application/x-www-form-urlencoded"
}

// clientIP prefers the connection peer; reverse-proxy headers are not
// trusted because the bridge fronts the appservice port directly.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// statusWriter captures the status code for metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
