package httpx

import (
	"net/url"

	"github.com/labstack/echo/v4"
)

// Resource binds the verbs of one path. Nil handlers are left unrouted, so
// echo answers 405 for them.
type Resource struct {
	Get    HandlerFunc
	Put    HandlerFunc
	Post   HandlerFunc
	Delete HandlerFunc
}

// Router registers routes under a shared prefix and middleware stack.
type Router struct {
	g *echo.Group
}

// NewRouter creates a router under prefix. A nil App yields a router that
// ignores registrations.
func NewRouter(a *App, prefix string, mw ...MiddlewareFunc) *Router {
	if a == nil || a.e == nil {
		return &Router{}
	}
	return &Router{g: a.e.Group(prefix, mw...)}
}

// Group nests a router below r.
func (r *Router) Group(prefix string, mw ...MiddlewareFunc) *Router {
	if r.g == nil {
		return &Router{}
	}
	return &Router{g: r.g.Group(prefix, mw...)}
}

func (r *Router) GET(path string, h HandlerFunc, mw ...MiddlewareFunc) *Router {
	return r.add(echo.GET, path, h, mw...)
}

func (r *Router) POST(path string, h HandlerFunc, mw ...MiddlewareFunc) *Router {
	return r.add(echo.POST, path, h, mw...)
}

func (r *Router) PUT(path string, h HandlerFunc, mw ...MiddlewareFunc) *Router {
	return r.add(echo.PUT, path, h, mw...)
}

func (r *Router) DELETE(path string, h HandlerFunc, mw ...MiddlewareFunc) *Router {
	return r.add(echo.DELETE, path, h, mw...)
}

// Resource registers every non-nil handler of res on path.
func (r *Router) Resource(path string, res Resource, mw ...MiddlewareFunc) *Router {
	return r.add(echo.GET, path, res.Get, mw...).
		add(echo.PUT, path, res.Put, mw...).
		add(echo.POST, path, res.Post, mw...).
		add(echo.DELETE, path, res.Delete, mw...)
}

func (r *Router) add(method, path string, h HandlerFunc, mw ...MiddlewareFunc) *Router {
	if r.g == nil || h == nil || path == "" {
		return r
	}
	r.g.Add(method, path, h, mw...)
	return r
}

// PathParam returns the decoded value of the named path parameter. Echo
// routes on the raw path when the request needed escaping and then leaves
// parameters escaped.
func PathParam(c Context, name string) (string, error) {
	raw := c.Param(name)
	if c.Request().URL.RawPath == "" {
		return raw, nil
	}
	v, err := url.PathUnescape(raw)
	if err != nil {
		return "", HTTPError(StatusBadRequest, "malformed "+name)
	}
	return v, nil
}
