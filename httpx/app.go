package httpx

import (
	"net/http"
	"sort"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

type (
	Context        = echo.Context
	HandlerFunc    = echo.HandlerFunc
	MiddlewareFunc = echo.MiddlewareFunc
)

// App is the root of the route tree. Its embedded Router registers routes
// without a prefix.
type App struct {
	*Router
	e *echo.Echo
}

func New() *App {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	return &App{Router: &Router{g: e.Group("")}, e: e}
}

// Use attaches middleware that runs for every request, routed or not.
func (a *App) Use(mw ...MiddlewareFunc) { a.e.Use(mw...) }

// Group creates a route group with an optional prefix and middleware stack.
func (a *App) Group(prefix string, mw ...MiddlewareFunc) *Router {
	return NewRouter(a, prefix, mw...)
}

// Routes lists the registered routes as "METHOD path", sorted by path.
func (a *App) Routes() []string {
	routes := a.e.Routes()
	sort.Slice(routes, func(i, j int) bool {
		if routes[i].Path != routes[j].Path {
			return routes[i].Path < routes[j].Path
		}
		return routes[i].Method < routes[j].Method
	})
	out := make([]string, 0, len(routes))
	for _, r := range routes {
		out = append(out, r.Method+" "+r.Path)
	}
	return out
}

func (a *App) ServeHTTP(w http.ResponseWriter, r *http.Request) { a.e.ServeHTTP(w, r) }

func RecoverMiddleware() MiddlewareFunc { return middleware.Recover() }

// CORSMiddleware builds a CORS middleware from cfg; nil uses echo's defaults.
func CORSMiddleware(cfg *middleware.CORSConfig) MiddlewareFunc {
	if cfg == nil {
		return middleware.CORSWithConfig(middleware.DefaultCORSConfig)
	}
	return middleware.CORSWithConfig(*cfg)
}

// WrapHandler adapts a plain http.Handler into a route handler.
func WrapHandler(h http.Handler) HandlerFunc { return echo.WrapHandler(h) }

// HTTPError builds an error the server's error handler renders with code.
func HTTPError(code int, message any) error { return echo.NewHTTPError(code, message) }
