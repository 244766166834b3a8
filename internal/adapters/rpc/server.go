// Package rpc exposes the engine over JSON-RPC 2.0. The surface is small
// and flat: every method maps one-to-one onto a service call.
package rpc

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"cometshift/go-backend/internal/platform/metrics"
	"cometshift/go-backend/internal/platform/ratelimiter"
	"cometshift/go-backend/internal/service"
)

type Server struct {
	svc     *service.Service
	token   string
	limiter *ratelimiter.MapLimiter
	timeout time.Duration
	logger  *slog.Logger
}

type Options struct {
	// Token guards every RPC call. Empty disables auth; only sensible for
	// local development.
	Token          string
	RateLimitRPS   float64
	RateLimitBurst int
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

func NewServer(svc *service.Service, opts Options) *Server {
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Server{
		svc:     svc,
		token:   strings.TrimSpace(opts.Token),
		limiter: ratelimiter.New(opts.RateLimitRPS, opts.RateLimitBurst, 10*time.Minute),
		timeout: timeout,
		logger:  opts.Logger,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) authorize(r *http.Request) bool {
	if s.token == "" {
		return true
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	return strings.TrimPrefix(header, "Bearer ") == s.token
}

func (s *Server) rateLimitKey(r *http.Request) string {
	if auth := strings.TrimSpace(r.Header.Get("Authorization")); auth != "" {
		return "token:" + auth
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil || host == "" {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}
