package httpx

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4/middleware"

	"github.com/chrisbrine/ncache/auth"
)

func TestServerAndClientRoundTrip(t *testing.T) {
	server := NewServer()
	server.RegisterRoutes(func(a *App) {
		a.GET("/ping", func(c Context) error {
			return c.JSON(StatusOK, map[string]string{"message": "pong"})
		})
	})

	ts := NewTestServer(server.Handler())
	defer ts.Close()

	client := NewClient(WithBaseURL(ts.BaseURL()))

	var body struct {
		Message string `json:"message"`
	}
	resp, err := client.Get(context.Background(), "/ping", &body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode() != StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode())
	}
	if body.Message != "pong" {
		t.Fatalf("unexpected body: %#v", body)
	}
}

func TestErrorHandlerWrapsEchoHTTPError(t *testing.T) {
	server := NewServer()
	server.RegisterRoutes(func(a *App) {
		a.GET("/fail", func(c Context) error {
			return HTTPError(StatusBadRequest, "bad request")
		})
	})

	ts := NewTestServer(server.Handler())
	defer ts.Close()

	client := NewClient(WithBaseURL(ts.BaseURL()))

	resp, err := client.Get(context.Background(), "/fail", nil)
	if err == nil {
		t.Fatalf("expected error")
	}
	if resp == nil {
		t.Fatalf("expected response for error path")
	}
	if resp.StatusCode() != StatusBadRequest {
		t.Fatalf("unexpected status: %d", resp.StatusCode())
	}
}

func TestAuthMiddlewareBridge(t *testing.T) {
	hash, err := auth.HashKey("value", 4)
	if err != nil {
		t.Fatalf("HashKey() error = %v", err)
	}
	keys, err := auth.NewKeySet(hash)
	if err != nil {
		t.Fatalf("NewKeySet() error = %v", err)
	}
	mw, err := auth.NewMiddleware(keys)
	if err != nil {
		t.Fatalf("unexpected err creating middleware: %v", err)
	}

	server := NewServer(WithMiddlewares(AuthMiddleware(mw)))
	server.RegisterRoutes(func(a *App) {
		a.GET("/secure", func(c Context) error {
			if _, ok := auth.KeyFromContext(c.Request().Context()); !ok {
				return HTTPError(StatusUnauthorized, "missing key")
			}
			return c.JSON(StatusOK, map[string]string{"ok": "yes"})
		})
		a.GET("/teapot", func(c Context) error {
			return HTTPError(http.StatusTeapot, "short and stout")
		})
	})

	ts := NewTestServer(server.Handler())
	defer ts.Close()

	client := NewClient(WithBaseURL(ts.BaseURL()))
	var out map[string]string
	resp, err := client.Get(context.Background(), "/secure", &out, WithBearer("value"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode() != StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode())
	}

	_, err = client.Get(context.Background(), "/secure", nil, WithBearer("wrong"))
	var se *StatusError
	if !errors.As(err, &se) || se.Code != StatusUnauthorized {
		t.Fatalf("expected 401 StatusError, got %v", err)
	}

	_, err = client.Get(context.Background(), "/teapot", nil, WithBearer("value"))
	if !errors.As(err, &se) || se.Code != http.StatusTeapot {
		t.Fatalf("downstream handler error should propagate, got %v", err)
	}
	if se.Message != "short and stout" || !strings.Contains(se.Body, `"error"`) {
		t.Fatalf("unexpected error: message=%q body=%q", se.Message, se.Body)
	}
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	server := NewServer(WithLogger(logger))
	server.RegisterRoutes(func(a *App) {
		a.GET("/ping", func(c Context) error { return c.NoContent(StatusNoContent) })
	})

	ts := NewTestServer(server.Handler())
	defer ts.Close()

	if _, err := NewClient(WithBaseURL(ts.BaseURL())).Get(context.Background(), "/ping", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	line := buf.String()
	if !strings.Contains(line, `"uri":"/ping"`) || !strings.Contains(line, `"status":204`) {
		t.Fatalf("unexpected log line: %s", line)
	}
}

func TestServeAndShutdown(t *testing.T) {
	server := NewServer(WithAddress("127.0.0.1:0"), WithShutdownTimeout(time.Second))
	server.RegisterRoutes(func(a *App) {
		a.GET("/ping", func(c Context) error { return c.String(StatusOK, "pong") })
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx, ln) }()

	client := NewClient(WithBaseURL("http://" + ln.Addr().String()))
	resp, err := client.Get(context.Background(), "/ping", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.String() != "pong" {
		t.Fatalf("unexpected body: %q", resp.String())
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Serve() error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not shut down")
	}
}

func TestValidatorMiddleware(t *testing.T) {
	validator := func(c Context) error {
		if c.Request().Header.Get("X-Allow") != "yes" {
			return HTTPError(StatusBadRequest, "blocked")
		}
		return nil
	}
	server := NewServer(WithValidators(validator))
	server.RegisterRoutes(func(a *App) {
		a.GET("/secure", func(c Context) error { return c.NoContent(StatusOK) })
	})

	ts := NewTestServer(server.Handler())
	defer ts.Close()

	client := NewClient(WithBaseURL(ts.BaseURL()))

	// blocked
	if _, err := client.Get(context.Background(), "/secure", nil); err == nil {
		t.Fatalf("expected validation error")
	}

	// allowed
	resp, err := client.Get(context.Background(), "/secure", nil, WithRequestHeaders(map[string]string{"X-Allow": "yes"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode() != StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode())
	}
}

func TestCORSAndLoggerInjection(t *testing.T) {
	corsCfg := middleware.DefaultCORSConfig
	corsCfg.AllowOrigins = []string{"http://example.com"}
	server := NewServer(WithCORS(&corsCfg))
	server.RegisterRoutes(func(a *App) {
		a.GET("/ping", func(c Context) error { return c.NoContent(StatusOK) })
	})

	ts := NewTestServer(server.Handler())
	defer ts.Close()

	client := NewClient(WithBaseURL(ts.BaseURL()))
	resp, err := client.Get(context.Background(), "/ping", nil, WithRequestHeaders(map[string]string{
		"Origin":                        "http://example.com",
		"Access-Control-Request-Method": "GET",
	}))
	if err != nil {
		t.Fatalf("options request failed: %v", err)
	}
	if resp.Header().Get("Access-Control-Allow-Origin") != "http://example.com" {
		t.Fatalf("expected CORS allow origin header, got %q", resp.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestRouterHelpers(t *testing.T) {
	server := NewServer()
	server.RegisterRoutes(func(a *App) {
		r := NewRouter(a, "/api")
		r.GET("/ping", func(c Context) error { return c.JSON(StatusOK, map[string]string{"message": "pong"}) })
	})

	ts := NewTestServer(server.Handler())
	defer ts.Close()

	client := NewClient(WithBaseURL(ts.BaseURL()))
	var body map[string]string
	resp, err := client.Get(context.Background(), "/api/ping", &body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode() != StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode())
	}
	if body["message"] != "pong" {
		t.Fatalf("unexpected body: %#v", body)
	}
}

func TestRouterResource(t *testing.T) {
	server := NewServer()
	server.RegisterRoutes(func(a *App) {
		api := a.Group("/api").Group("/v2")
		api.Resource("/items/:id", Resource{
			Get: func(c Context) error {
				id, err := PathParam(c, "id")
				if err != nil {
					return err
				}
				return c.JSON(StatusOK, map[string]string{"id": id})
			},
			Post: func(c Context) error {
				var payload map[string]any
				if err := c.Bind(&payload); err != nil {
					return HTTPError(StatusBadRequest, "invalid body")
				}
				return c.JSON(StatusCreated, payload)
			},
		})
	})

	ts := NewTestServer(server.Handler())
	defer ts.Close()

	client := NewClient(WithBaseURL(ts.BaseURL()))

	var got map[string]string
	resp, err := client.Get(context.Background(), "/api/v2/items/a%2Fb", &got)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if resp.StatusCode() != StatusOK || got["id"] != "a/b" {
		t.Fatalf("unexpected response: status=%d body=%v", resp.StatusCode(), got)
	}

	payload := map[string]string{"hello": "world"}
	var echoed map[string]string
	resp, err = client.Post(context.Background(), "/api/v2/items/1", payload, &echoed)
	if err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	if resp.StatusCode() != StatusCreated || echoed["hello"] != "world" {
		t.Fatalf("unexpected POST response: status=%d body=%v", resp.StatusCode(), echoed)
	}

	_, err = client.Delete(context.Background(), "/api/v2/items/1", nil)
	var se *StatusError
	if !errors.As(err, &se) || se.Code != StatusMethodNotAllowed {
		t.Fatalf("Delete() error = %v, want 405", err)
	}
}

func TestRoutesListing(t *testing.T) {
	server := NewServer()
	server.RegisterRoutes(func(a *App) {
		a.GET("/b", func(c Context) error { return nil })
		a.Group("/a").Resource("/:id", Resource{
			Get:    func(c Context) error { return nil },
			Delete: func(c Context) error { return nil },
		})
	})
	got := strings.Join(server.Routes(), ",")
	if got != "DELETE /a/:id,GET /a/:id,GET /b" {
		t.Fatalf("Routes() = %s", got)
	}
}

func TestNilRouterIgnoresRoutes(t *testing.T) {
	r := NewRouter(nil, "/x")
	r.Group("/y").GET("/z", func(c Context) error { return nil })
	r.Resource("/r", Resource{Get: func(c Context) error { return nil }})
}

func TestClientRequestOptions(t *testing.T) {
	server := NewServer()
	server.RegisterRoutes(func(a *App) {
		a.GET("/opts", func(c Context) error {
			authz := c.Request().Header.Get("Authorization")
			custom := c.Request().Header.Get("X-Custom")
			qp := c.QueryParam("q")
			return c.JSON(StatusOK, map[string]string{"auth": authz, "custom": custom, "q": qp})
		})
	})

	ts := NewTestServer(server.Handler())
	defer ts.Close()

	client := NewClient(WithBaseURL(ts.BaseURL()))

	var out map[string]string
	resp, err := client.Get(context.Background(), "/opts", &out,
		WithBearer("token123"),
		WithRequestHeaders(map[string]string{"X-Custom": "yes"}),
		WithQuery(map[string]string{"q": "search"}),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode() != StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode())
	}
	if out["auth"] != "Bearer token123" || out["custom"] != "yes" || out["q"] != "search" {
		t.Fatalf("unexpected headers/query: %v", out)
	}
}

func TestClientRetriesUnavailable(t *testing.T) {
	var calls atomic.Int32
	server := NewServer()
	server.RegisterRoutes(func(a *App) {
		a.GET("/flaky", func(c Context) error {
			if calls.Add(1) < 3 {
				return HTTPError(StatusServiceUnavailable, "warming up")
			}
			return c.JSON(StatusOK, map[string]string{"ua": c.Request().UserAgent()})
		})
	})

	ts := NewTestServer(server.Handler())
	defer ts.Close()

	client := NewClient(WithBaseURL(ts.BaseURL()), WithRetries(3, time.Millisecond))
	var out map[string]string
	if _, err := client.Get(context.Background(), "/flaky", &out); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
	if out["ua"] != DefaultUserAgent {
		t.Fatalf("user agent = %q", out["ua"])
	}

	calls.Store(0)
	plain := NewClient(WithBaseURL(ts.BaseURL()))
	_, err := plain.Get(context.Background(), "/flaky", nil)
	var se *StatusError
	if !errors.As(err, &se) || se.Code != StatusServiceUnavailable {
		t.Fatalf("Get() without retries error = %v, want 503", err)
	}
}

func TestBodyLimit(t *testing.T) {
	server := NewServer(WithBodyLimit("1K"))
	server.RegisterRoutes(func(a *App) {
		a.POST("/upload", func(c Context) error { return c.NoContent(StatusNoContent) })
	})

	ts := NewTestServer(server.Handler())
	defer ts.Close()

	client := NewClient(WithBaseURL(ts.BaseURL()))
	small := map[string]string{"v": "x"}
	if _, err := client.Post(context.Background(), "/upload", small, nil); err != nil {
		t.Fatalf("Post() small error = %v", err)
	}
	big := map[string]string{"v": strings.Repeat("x", 4096)}
	_, err := client.Post(context.Background(), "/upload", big, nil)
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("Post() big error = %v, want 413", err)
	}
}
