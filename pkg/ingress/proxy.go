package ingress

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/kinorez/stagehand/pkg/log"
	"github.com/kinorez/stagehand/pkg/metrics"
	"github.com/kinorez/stagehand/pkg/types"
	"github.com/kinorez/stagehand/pkg/volume"
)

// ErrUpstreamUnavailable is surfaced as a 502 when the gateway refuses
// connections and its health state says a retry would not help
var ErrUpstreamUnavailable = errors.New("ingress: upstream unavailable")

const (
	// DefaultMaxBodyBytes allows the multi-gigabyte uploads the
	// deployment exists for (video files, model weights)
	DefaultMaxBodyBytes = int64(2) << 30 // 2 GiB

	// DefaultRWTimeout is deliberately in the hundreds of seconds:
	// payloads are large media files, not API calls
	DefaultRWTimeout = 600 * time.Second

	DefaultIdleTimeout = 120 * time.Second
)

// HealthSource supplies health snapshots, normally *health.Monitor
type HealthSource interface {
	Status(name string) (types.HealthState, bool)
}

// Config holds ingress server configuration
type Config struct {
	Addr           string
	MaxBodyBytes   int64
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	GatewayService string // name the gateway is registered under in the monitor
}

// Server is the single ingress for the deployment. It routes API calls
// to the Bot API gateway and serves the gateway's file store directly
// from the shared volume. Routing is stateless per request; the only
// shared state is the immutable route table and health snapshots.
type Server struct {
	cfg        Config
	table      *RouteTable
	upstream   *url.URL
	vol        *volume.SharedVolume
	health     HealthSource
	proxy      *httputil.ReverseProxy
	httpServer *http.Server
}

// NewServer creates the ingress server
func NewServer(cfg Config, table *RouteTable, upstream *url.URL, vol *volume.SharedVolume, healthSource HealthSource) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultRWTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultRWTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}

	s := &Server{
		cfg:      cfg,
		table:    table,
		upstream: upstream,
		vol:      vol,
		health:   healthSource,
	}

	proxy := httputil.NewSingleHostReverseProxy(upstream)
	proxy.Transport = &retryTransport{
		base: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          32,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: cfg.WriteTimeout,
		},
		gatewayHealthy: s.gatewayHealthy,
	}

	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		originalDirector(req)
		// ReverseProxy appends X-Forwarded-For itself; the rest is ours
		if req.Header.Get("X-Forwarded-Proto") == "" {
			proto := "http"
			if req.TLS != nil {
				proto = "https"
			}
			req.Header.Set("X-Forwarded-Proto", proto)
		}
		if req.Header.Get("X-Forwarded-Host") == "" {
			req.Header.Set("X-Forwarded-Host", req.Host)
		}
	}
	proxy.ErrorHandler = s.handleProxyError
	proxy.FlushInterval = -1 // stream large downloads without buffering
	s.proxy = proxy

	return s
}

// Start begins listening. Non-blocking; pair with Shutdown.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      http.HandlerFunc(s.handleRequest),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("ingress: listen on %s: %w", s.cfg.Addr, err)
	}

	log.WithComponent("ingress").Info().Str("addr", s.cfg.Addr).Msg("ingress listening")

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithComponent("ingress").Error().Err(err).Msg("ingress server error")
		}
	}()

	return nil
}

// Shutdown drains in-flight requests and stops the listener
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// handleRequest routes one inbound request
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	w.Header().Set("X-Request-Id", requestID)

	route, ok := s.table.Match(r.URL.Path)
	if !ok {
		metrics.RequestsTotal.WithLabelValues("none", "404").Inc()
		http.Error(w, "no route", http.StatusNotFound)
		return
	}

	started := time.Now()
	defer func() {
		metrics.RequestDuration.WithLabelValues(string(route.Target)).
			Observe(time.Since(started).Seconds())
	}()

	log.WithRequestID(requestID).Debug().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Str("target", string(route.Target)).
		Msg("ingress request")

	switch route.Target {
	case types.TargetStatic:
		s.serveStatic(w, r, StripPrefix(route.Prefix, r.URL.Path), requestID)
	default:
		s.serveProxy(w, r, requestID)
	}
}

// serveProxy forwards the full request to the gateway upstream
func (s *Server) serveProxy(w http.ResponseWriter, r *http.Request, requestID string) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	s.proxy.ServeHTTP(w, r)
}

// gatewayHealthy reports whether the monitor currently considers the
// gateway Healthy. Used to decide retry-vs-fail-fast on refused
// connections: refused while Healthy is treated as transient.
func (s *Server) gatewayHealthy() bool {
	if s.health == nil {
		return false
	}
	state, ok := s.health.Status(s.cfg.GatewayService)
	return ok && state.Status == types.HealthHealthy
}

// handleProxyError maps proxy failures to stable, distinct status codes
func (s *Server) handleProxyError(w http.ResponseWriter, r *http.Request, err error) {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytes):
		metrics.RequestsTotal.WithLabelValues("proxy", "413").Inc()
		http.Error(w, fmt.Sprintf("request body exceeds %d bytes", s.cfg.MaxBodyBytes),
			http.StatusRequestEntityTooLarge)
	case errors.Is(err, ErrUpstreamUnavailable):
		metrics.RequestsTotal.WithLabelValues("proxy", "502").Inc()
		log.WithComponent("ingress").Error().Err(err).Str("path", r.URL.Path).
			Msg("gateway unavailable")
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	case errors.Is(err, context.Canceled):
		// Client went away mid-transfer; nothing to send
		metrics.RequestsTotal.WithLabelValues("proxy", "499").Inc()
	default:
		metrics.RequestsTotal.WithLabelValues("proxy", "502").Inc()
		log.WithComponent("ingress").Error().Err(err).Str("path", r.URL.Path).
			Msg("proxy error")
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}
}

// retryTransport retries exactly once on a refused connection, and only
// while the gateway's health state says the refusal is transient
type retryTransport struct {
	base           http.RoundTripper
	gatewayHealthy func() bool
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err == nil || !errors.Is(err, syscall.ECONNREFUSED) {
		return resp, err
	}

	if !t.gatewayHealthy() {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	// A request body that has already been consumed cannot be replayed
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return nil, err
	}
	if req.GetBody != nil {
		body, bodyErr := req.GetBody()
		if bodyErr != nil {
			return nil, err
		}
		req.Body = body
	}

	metrics.UpstreamRetriesTotal.Inc()
	return t.base.RoundTrip(req)
}
