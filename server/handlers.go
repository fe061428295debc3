package server

import (
	"context"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/chrisbrine/ncache/api"
	"github.com/chrisbrine/ncache/auth"
	"github.com/chrisbrine/ncache/cache"
	"github.com/chrisbrine/ncache/httpx"
	"github.com/chrisbrine/ncache/namespace"
)

func (s *Server) health(c httpx.Context) error {
	return c.JSON(httpx.StatusOK, api.Health{Status: "ok"})
}

func (s *Server) listNamespaces(c httpx.Context) error {
	ctx := c.Request().Context()
	names, err := s.mgr.Namespaces(ctx)
	if err != nil {
		return err
	}
	cfg := s.mgr.Config()
	return c.JSON(httpx.StatusOK, api.NamespaceList{
		Namespaces: nonNil(names),
		Active:     nonNil(s.mgr.Active()),
		Default:    cfg.Default,
		Protected:  cfg.Protected,
	})
}

func (s *Server) getNamespace(c httpx.Context) error {
	ns, err := httpx.PathParam(c, "ns")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	nc, ok, err := s.mgr.Namespace(ctx, ns)
	if err != nil {
		return err
	}
	if !ok {
		return httpx.HTTPError(httpx.StatusNotFound, "namespace not found")
	}
	keys, err := nc.Keys(ctx)
	if err != nil {
		return err
	}
	return c.JSON(httpx.StatusOK, api.NamespaceInfo{Name: ns, Size: len(keys), Keys: nonNil(keys)})
}

func (s *Server) addNamespace(c httpx.Context) error {
	ns, err := httpx.PathParam(c, "ns")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	existed, err := s.mgr.Has(ctx, ns)
	if err != nil {
		return err
	}
	if _, err := s.mgr.Add(ctx, ns); err != nil {
		return err
	}
	if existed {
		return c.NoContent(httpx.StatusNoContent)
	}
	s.logger.InfoContext(ctx, "namespace added", "namespace", ns)
	return c.NoContent(httpx.StatusCreated)
}

func (s *Server) removeNamespace(c httpx.Context) error {
	ns, err := httpx.PathParam(c, "ns")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	var existed bool
	if to := c.QueryParam(api.MoveToParam); to != "" {
		existed, err = s.mgr.Move(ctx, ns, to)
		if errors.Is(err, cache.ErrSpaceExists) {
			return httpx.HTTPError(httpx.StatusConflict, api.MsgNamespaceExists)
		}
	} else {
		existed, err = s.mgr.Remove(ctx, ns)
	}
	if err != nil {
		return err
	}
	if !existed {
		return httpx.HTTPError(httpx.StatusNotFound, "namespace not found")
	}
	return c.NoContent(httpx.StatusNoContent)
}

func (s *Server) getKey(c httpx.Context) error {
	ns, key, err := nsKey(c)
	if err != nil {
		return err
	}
	v, ok, err := s.mgr.Get(c.Request().Context(), ns, key)
	if err != nil {
		return err
	}
	if !ok {
		return httpx.HTTPError(httpx.StatusNotFound, "key not found")
	}
	return c.JSON(httpx.StatusOK, api.Entry{Key: key, Value: v, Type: v.Kind().String()})
}

func (s *Server) setKey(c httpx.Context) error {
	ns, key, err := nsKey(c)
	if err != nil {
		return err
	}
	var body api.SetRequest
	if err := c.Bind(&body); err != nil {
		return httpx.HTTPError(httpx.StatusBadRequest, "invalid body: "+bindMessage(err))
	}
	if !body.Value.IsValid() {
		return httpx.HTTPError(httpx.StatusBadRequest, "value is required")
	}

	ctx := c.Request().Context()
	var stored bool
	switch {
	case body.TTL == nil:
		stored, err = s.mgr.Set(ctx, ns, key, body.Value)
	case *body.TTL < 0:
		return httpx.HTTPError(httpx.StatusBadRequest, "ttl_ms must not be negative")
	default:
		stored, err = s.mgr.SetWithTTL(ctx, ns, key, body.Value, time.Duration(*body.TTL)*time.Millisecond)
	}
	if err != nil {
		return err
	}
	if !stored {
		return httpx.HTTPError(httpx.StatusForbidden, "namespace not allowed")
	}
	return c.NoContent(httpx.StatusNoContent)
}

func (s *Server) deleteKey(c httpx.Context) error {
	ns, key, err := nsKey(c)
	if err != nil {
		return err
	}
	if err := s.mgr.Delete(c.Request().Context(), ns, key); err != nil {
		return err
	}
	return c.NoContent(httpx.StatusNoContent)
}

func nsKey(c httpx.Context) (string, string, error) {
	ns, err := httpx.PathParam(c, "ns")
	if err != nil {
		return "", "", err
	}
	key, err := httpx.PathParam(c, "key")
	if err != nil {
		return "", "", err
	}
	return ns, key, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func bindMessage(err error) string {
	var he *echo.HTTPError
	if errors.As(err, &he) && he.Internal != nil {
		return he.Internal.Error()
	}
	return err.Error()
}

// requireJSON rejects request bodies that are not JSON.
func requireJSON(c httpx.Context) error {
	req := c.Request()
	if req.Method != http.MethodPut || req.ContentLength == 0 {
		return nil
	}
	mt, _, err := mime.ParseMediaType(req.Header.Get(echo.HeaderContentType))
	if err != nil || mt != echo.MIMEApplicationJSON {
		return httpx.HTTPError(httpx.StatusUnsupportedMedia, "body must be application/json")
	}
	return nil
}

// status maps manager and backend errors onto HTTP codes.
func status(err error) int {
	var cfgErr *cache.ConfigurationError
	switch {
	case errors.Is(err, namespace.ErrDefaultNamespace), errors.Is(err, cache.ErrSpaceExists):
		return httpx.StatusConflict
	case errors.Is(err, cache.ErrSpaceNotFound):
		return httpx.StatusNotFound
	case errors.Is(err, cache.ErrInvalidKind), errors.As(err, &cfgErr):
		return httpx.StatusBadRequest
	case errors.Is(err, cache.ErrClosed):
		return httpx.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return httpx.StatusGatewayTimeout
	default:
		return httpx.StatusInternalError
	}
}

func errorHandler(logger *slog.Logger) httpx.HTTPErrorHandler {
	return func(err error, c httpx.Context) {
		if c.Response().Committed {
			return
		}
		code, msg := httpx.StatusInternalError, err.Error()
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if m, ok := he.Message.(string); ok {
				msg = m
			} else {
				msg = http.StatusText(code)
			}
		} else {
			code = status(err)
		}
		if code >= httpx.StatusInternalError {
			logger.ErrorContext(c.Request().Context(), "request failed",
				"method", c.Request().Method, "path", c.Request().URL.Path, "err", err)
		}
		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(code)
			return
		}
		_ = c.JSON(code, api.Error{Error: msg})
	}
}

func unauthorized(logger *slog.Logger) auth.ErrorHandler {
	return func(w http.ResponseWriter, r *http.Request, err error) {
		logger.WarnContext(r.Context(), "request rejected", "path", r.URL.Path, "err", err)
		auth.WriteError(w, err)
	}
}
