// Package server exposes a namespace.Manager over HTTP.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chrisbrine/ncache/api"
	"github.com/chrisbrine/ncache/auth"
	"github.com/chrisbrine/ncache/httpx"
	"github.com/chrisbrine/ncache/namespace"
)

type options struct {
	address      string
	readTimeout  time.Duration
	writeTimeout time.Duration
	shutdown     time.Duration
	bodyLimit    string
	logger       *slog.Logger
	keys         auth.KeyVerifier
	gatherer     prometheus.Gatherer
	corsOrigins  []string
}

type Option func(*options)

// WithAddress sets the listen address used by Run.
func WithAddress(addr string) Option {
	return func(o *options) {
		if addr != "" {
			o.address = addr
		}
	}
}

func WithTimeouts(read, write time.Duration) Option {
	return func(o *options) {
		o.readTimeout = read
		o.writeTimeout = write
	}
}

// WithShutdownTimeout bounds the graceful drain after the Run context ends.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		o.shutdown = d
	}
}

// WithBodyLimit caps request bodies, e.g. "512K". "" removes the cap.
func WithBodyLimit(limit string) Option {
	return func(o *options) {
		o.bodyLimit = limit
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithKeys requires every /v1 request to present a key accepted by keys.
func WithKeys(keys auth.KeyVerifier) Option {
	return func(o *options) {
		o.keys = keys
	}
}

// WithGatherer selects the registry served on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(o *options) {
		if g != nil {
			o.gatherer = g
		}
	}
}

// WithCORSOrigins enables CORS for the given origins.
func WithCORSOrigins(origins ...string) Option {
	return func(o *options) {
		o.corsOrigins = append([]string(nil), origins...)
	}
}

func defaultOptions() options {
	return options{
		address:   ":8080",
		bodyLimit: httpx.DefaultBodyLimit,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		gatherer:  prometheus.DefaultGatherer,
	}
}

// Server serves the cache API.
type Server struct {
	mgr    *namespace.Manager
	logger *slog.Logger
	http   *httpx.Server
}

// New builds the HTTP API over mgr.
func New(mgr *namespace.Manager, opts ...Option) (*Server, error) {
	if mgr == nil {
		return nil, errors.New("server: manager is nil")
	}
	o := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	httpOpts := []httpx.ServerOption{
		httpx.WithAddress(o.address),
		httpx.WithTimeouts(o.readTimeout, o.writeTimeout),
		httpx.WithShutdownTimeout(o.shutdown),
		httpx.WithBodyLimit(o.bodyLimit),
		httpx.WithLogger(o.logger),
		httpx.WithErrorHandler(errorHandler(o.logger)),
		httpx.WithValidators(requireJSON),
	}
	if len(o.corsOrigins) > 0 {
		cors := middleware.DefaultCORSConfig
		cors.AllowOrigins = o.corsOrigins
		httpOpts = append(httpOpts, httpx.WithCORS(&cors))
	}

	var guard []httpx.MiddlewareFunc
	if o.keys != nil {
		mw, err := auth.NewMiddleware(o.keys, auth.WithErrorHandler(unauthorized(o.logger)))
		if err != nil {
			return nil, err
		}
		guard = append(guard, httpx.AuthMiddleware(mw))
	}

	s := &Server{mgr: mgr, logger: o.logger, http: httpx.NewServer(httpOpts...)}
	metrics := promhttp.HandlerFor(o.gatherer, promhttp.HandlerOpts{})
	s.http.RegisterRoutes(func(a *httpx.App) {
		a.GET("/healthz", s.health)
		a.GET("/metrics", httpx.WrapHandler(metrics))

		v1 := a.Group(api.Version, guard...)
		v1.GET("/namespaces", s.listNamespaces)
		v1.Resource("/namespaces/:ns", httpx.Resource{
			Get:    s.getNamespace,
			Put:    s.addNamespace,
			Delete: s.removeNamespace,
		})
		v1.Resource("/namespaces/:ns/keys/:key", httpx.Resource{
			Get:    s.getKey,
			Put:    s.setKey,
			Delete: s.deleteKey,
		})
	})
	return s, nil
}

// Handler returns the router for use with an external http.Server.
func (s *Server) Handler() http.Handler { return s.http.Handler() }

// Run listens on the configured address until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "listening", "addr", s.http.Address())
	s.logger.DebugContext(ctx, "routes", "routes", s.http.Routes())
	return s.http.Start(ctx)
}

// Serve accepts connections on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.InfoContext(ctx, "listening", "addr", ln.Addr().String())
	return s.http.Serve(ctx, ln)
}
