// Package client talks to an ncache server over HTTP.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/chrisbrine/ncache/api"
	"github.com/chrisbrine/ncache/cache"
	"github.com/chrisbrine/ncache/httpx"
)

var (
	// ErrDenied reports a write refused because the namespace is not allowed.
	ErrDenied           = errors.New("client: namespace not allowed")
	// ErrUnauthorized reports a missing or rejected API key.
	ErrUnauthorized     = errors.New("client: unauthorized")
	// ErrDefaultNamespace reports an attempt to remove the default namespace.
	ErrDefaultNamespace = errors.New("client: the default namespace cannot be removed")
	// ErrNamespaceExists is returned by Move when the target is taken.
	ErrNamespaceExists  = errors.New("client: namespace already exists")
)

// Error is a non-2xx reply that has no more specific sentinel.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("client: server replied %d: %s", e.Status, e.Message)
}

type options struct {
	apiKey    string
	timeout   time.Duration
	headers   map[string]string
	retries   int
	retryWait time.Duration
}

type Option func(*options)

// WithAPIKey sends key as a bearer token on every request.
func WithAPIKey(key string) Option {
	return func(o *options) {
		o.apiKey = strings.TrimSpace(key)
	}
}

func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithRetries repeats requests that failed in transport or met a 502, 503 or
// 504, up to n times.
func WithRetries(n int, wait time.Duration) Option {
	return func(o *options) {
		o.retries = n
		o.retryWait = wait
	}
}

// WithHeaders adds static headers to every request.
func WithHeaders(headers map[string]string) Option {
	return func(o *options) {
		o.headers = headers
	}
}

// Client is safe for concurrent use.
type Client struct {
	http   *httpx.Client
	apiKey string
}

// New returns a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	o := options{timeout: 10 * time.Second}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	httpOpts := []httpx.ClientOption{
		httpx.WithBaseURL(strings.TrimRight(baseURL, "/")),
		httpx.WithClientTimeout(o.timeout),
		httpx.WithRetries(o.retries, o.retryWait),
	}
	if len(o.headers) > 0 {
		headers := map[string]string{"Content-Type": "application/json"}
		for k, v := range o.headers {
			headers[k] = v
		}
		httpOpts = append(httpOpts, httpx.WithHeaders(headers))
	}
	return &Client{http: httpx.NewClient(httpOpts...), apiKey: o.apiKey}
}

func (c *Client) auth() httpx.RequestOption {
	return httpx.WithBearer(c.apiKey)
}

// Health reports whether the server answers its health check.
func (c *Client) Health(ctx context.Context) error {
	var out api.Health
	if _, err := c.http.Get(ctx, "/healthz", &out); err != nil {
		return translate(err)
	}
	if out.Status != "ok" {
		return fmt.Errorf("client: unexpected health status %q", out.Status)
	}
	return nil
}

// Get reads key from ns. Missing and expired keys report false.
func (c *Client) Get(ctx context.Context, ns, key string) (cache.Value, bool, error) {
	var out api.Entry
	_, err := c.http.Get(ctx, api.KeyPath(ns, key), &out, c.auth())
	if err != nil {
		err = translate(err)
		if errors.Is(err, cache.ErrNotFound) {
			return cache.Value{}, false, nil
		}
		return cache.Value{}, false, err
	}
	return out.Value, true, nil
}

// Set writes key in ns with the namespace's default TTL.
func (c *Client) Set(ctx context.Context, ns, key string, v cache.Value) error {
	return c.put(ctx, ns, key, api.SetRequest{Value: v})
}

// SetWithTTL writes key in ns expiring after ttl. A zero ttl never expires.
func (c *Client) SetWithTTL(ctx context.Context, ns, key string, v cache.Value, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	ms := ttl.Milliseconds()
	return c.put(ctx, ns, key, api.SetRequest{Value: v, TTL: &ms})
}

func (c *Client) put(ctx context.Context, ns, key string, body api.SetRequest) error {
	if !body.Value.IsValid() {
		return cache.ErrInvalidKind
	}
	_, err := c.http.Put(ctx, api.KeyPath(ns, key), body, nil, c.auth())
	return translate(err)
}

// Delete removes key from ns. Missing keys are not an error.
func (c *Client) Delete(ctx context.Context, ns, key string) error {
	_, err := c.http.Delete(ctx, api.KeyPath(ns, key), nil, c.auth())
	return translate(err)
}

// Namespaces lists the namespaces known to the server.
func (c *Client) Namespaces(ctx context.Context) (api.NamespaceList, error) {
	var out api.NamespaceList
	_, err := c.http.Get(ctx, api.NamespacesPath(), &out, c.auth())
	return out, translate(err)
}

// Namespace describes ns, reporting false when it does not exist.
func (c *Client) Namespace(ctx context.Context, ns string) (api.NamespaceInfo, bool, error) {
	var out api.NamespaceInfo
	_, err := c.http.Get(ctx, api.NamespacePath(ns), &out, c.auth())
	if err != nil {
		err = translate(err)
		if errors.Is(err, cache.ErrNotFound) {
			return api.NamespaceInfo{}, false, nil
		}
		return api.NamespaceInfo{}, false, err
	}
	return out, true, nil
}

// Add allow-lists and creates ns.
func (c *Client) Add(ctx context.Context, ns string) error {
	_, err := c.http.Put(ctx, api.NamespacePath(ns), nil, nil, c.auth())
	return translate(err)
}

// Remove drops ns and reports whether it existed.
func (c *Client) Remove(ctx context.Context, ns string) (bool, error) {
	_, err := c.http.Delete(ctx, api.NamespacePath(ns), nil, c.auth())
	if err != nil {
		err = translate(err)
		if errors.Is(err, cache.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Move rehomes from under to with its entries. It reports false when from does
// not exist.
func (c *Client) Move(ctx context.Context, from, to string) (bool, error) {
	_, err := c.http.Delete(ctx, api.NamespacePath(from), nil, c.auth(),
		httpx.WithQuery(map[string]string{api.MoveToParam: to}))
	if err != nil {
		err = translate(err)
		if errors.Is(err, cache.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// translate maps HTTP failures onto package and cache sentinels.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var se *httpx.StatusError
	if !errors.As(err, &se) {
		return fmt.Errorf("client: %w", err)
	}
	msg := se.Message
	if msg == "" {
		msg = se.Body
	}
	switch se.Code {
	case http.StatusNotFound:
		return cache.ErrNotFound
	case http.StatusForbidden:
		return ErrDenied
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusConflict:
		if msg == api.MsgNamespaceExists {
			return ErrNamespaceExists
		}
		return ErrDefaultNamespace
	case http.StatusServiceUnavailable:
		return cache.ErrClosed
	}
	return &Error{Status: se.Code, Message: msg}
}
