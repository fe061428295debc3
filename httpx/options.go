package httpx

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// HTTPErrorHandler is a function that handles errors during request processing.
type HTTPErrorHandler = echo.HTTPErrorHandler

// DefaultBodyLimit caps request bodies, in echo's size notation.
const DefaultBodyLimit = "1M"

type ServerOptions struct {
	Address         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// BodyLimit is passed to echo's BodyLimit middleware, e.g. "512K" or "4M".
	// Empty disables the limit.
	BodyLimit    string
	Middlewares  []MiddlewareFunc
	ErrorHandler HTTPErrorHandler
	Validators   []Validator
	CORS         *middleware.CORSConfig
	Logger       *slog.Logger
}

type ServerOption func(*ServerOptions)

func defaultServerOptions() ServerOptions {
	return ServerOptions{
		Address:         ":8080",
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    15 * time.Second,
		ShutdownTimeout: 5 * time.Second,
		BodyLimit:       DefaultBodyLimit,
		Middlewares:     []MiddlewareFunc{RecoverMiddleware()},
		ErrorHandler:    defaultHTTPErrorHandler,
	}
}

func WithAddress(addr string) ServerOption {
	return func(o *ServerOptions) {
		if addr != "" {
			o.Address = addr
		}
	}
}

func WithTimeouts(read, write time.Duration) ServerOption {
	return func(o *ServerOptions) {
		if read > 0 {
			o.ReadTimeout = read
		}
		if write > 0 {
			o.WriteTimeout = write
		}
	}
}

// WithShutdownTimeout bounds how long in-flight requests may finish once the
// serve context is done.
func WithShutdownTimeout(d time.Duration) ServerOption {
	return func(o *ServerOptions) {
		if d > 0 {
			o.ShutdownTimeout = d
		}
	}
}

// WithBodyLimit replaces the request body cap. "" removes it.
func WithBodyLimit(limit string) ServerOption {
	return func(o *ServerOptions) {
		o.BodyLimit = limit
	}
}

// WithMiddlewares replaces the middleware stack that runs after request
// logging.
func WithMiddlewares(mw ...MiddlewareFunc) ServerOption {
	return func(o *ServerOptions) {
		o.Middlewares = append([]MiddlewareFunc{}, mw...)
	}
}

func WithErrorHandler(handler HTTPErrorHandler) ServerOption {
	return func(o *ServerOptions) {
		if handler != nil {
			o.ErrorHandler = handler
		}
	}
}

// WithLogger enables structured request logging through logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(o *ServerOptions) {
		o.Logger = logger
	}
}

// WithValidators installs request-level validators executed before route handlers.
func WithValidators(v ...Validator) ServerOption {
	return func(o *ServerOptions) {
		if len(v) > 0 {
			o.Validators = append([]Validator{}, v...)
		}
	}
}

// WithCORS enables CORS middleware using the provided configuration; if cfg is nil, the default config is used.
func WithCORS(cfg *middleware.CORSConfig) ServerOption {
	return func(o *ServerOptions) {
		if cfg == nil {
			def := middleware.DefaultCORSConfig
			o.CORS = &def
			return
		}
		o.CORS = cfg
	}
}

// DefaultUserAgent identifies Client requests.
const DefaultUserAgent = "ncache-client"

type ClientOptions struct {
	BaseURL   string
	Timeout   time.Duration
	Headers   map[string]string
	UserAgent string
	// Retries is how many times a request is repeated after a transport
	// error or a 502, 503 or 504 reply.
	Retries   int
	RetryWait time.Duration
}

type ClientOption func(*ClientOptions)

func defaultClientOptions() ClientOptions {
	return ClientOptions{
		Timeout:   10 * time.Second,
		Headers:   map[string]string{"Content-Type": "application/json"},
		UserAgent: DefaultUserAgent,
		RetryWait: 100 * time.Millisecond,
	}
}

func WithBaseURL(url string) ClientOption {
	return func(o *ClientOptions) {
		if url != "" {
			o.BaseURL = url
		}
	}
}

func WithClientTimeout(d time.Duration) ClientOption {
	return func(o *ClientOptions) {
		if d > 0 {
			o.Timeout = d
		}
	}
}

func WithHeaders(headers map[string]string) ClientOption {
	return func(o *ClientOptions) {
		if len(headers) == 0 {
			return
		}
		o.Headers = make(map[string]string, len(headers))
		for k, v := range headers {
			o.Headers[k] = v
		}
	}
}

func WithUserAgent(ua string) ClientOption {
	return func(o *ClientOptions) {
		if ua != "" {
			o.UserAgent = ua
		}
	}
}

// WithRetries retries failed requests n times, waiting wait (doubled by resty
// up to ten times wait) between attempts.
func WithRetries(n int, wait time.Duration) ClientOption {
	return func(o *ClientOptions) {
		if n >= 0 {
			o.Retries = n
		}
		if wait > 0 {
			o.RetryWait = wait
		}
	}
}
