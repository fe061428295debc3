package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// APIKeyHeader carries a raw key as an alternative to a bearer token.
const APIKeyHeader = "X-Api-Key"

var (
	ErrTokenNotFound     = errors.New("auth: token not found")
	ErrTokenInvalidInput = errors.New("auth: invalid token source")
)

// TokenExtractor pulls the raw key out of a request. It returns
// ErrTokenNotFound when the request carries none.
type TokenExtractor func(*http.Request) (string, error)

// Skipper lets a request through without a key.
type Skipper func(*http.Request) bool

// ErrorHandler writes the response for a rejected request.
type ErrorHandler func(http.ResponseWriter, *http.Request, error)

type Option func(*Middleware)

func WithTokenExtractor(extractor TokenExtractor) Option {
	return func(m *Middleware) {
		if extractor != nil {
			m.extractor = extractor
		}
	}
}

func WithSkipper(skipper Skipper) Option {
	return func(m *Middleware) {
		if skipper != nil {
			m.skipper = skipper
		}
	}
}

func WithErrorHandler(handler ErrorHandler) Option {
	return func(m *Middleware) {
		if handler != nil {
			m.errorHandler = handler
		}
	}
}

// DefaultExtractor accepts "Authorization: Bearer <key>" and falls back to
// the X-Api-Key header.
func DefaultExtractor() TokenExtractor {
	return ChainExtractors(BearerTokenExtractor(), HeaderTokenExtractor(APIKeyHeader))
}

func BearerTokenExtractor() TokenExtractor {
	return func(r *http.Request) (string, error) {
		header := r.Header.Get("Authorization")
		if header == "" {
			return "", ErrTokenNotFound
		}
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return "", ErrTokenInvalidInput
		}
		if token = strings.TrimSpace(token); token == "" {
			return "", ErrTokenInvalidInput
		}
		return token, nil
	}
}

// HeaderTokenExtractor reads the key verbatim from the named header.
func HeaderTokenExtractor(name string) TokenExtractor {
	key := http.CanonicalHeaderKey(strings.TrimSpace(name))
	return func(r *http.Request) (string, error) {
		if key == "" {
			return "", ErrTokenInvalidInput
		}
		values := r.Header[key]
		if len(values) == 0 {
			return "", ErrTokenNotFound
		}
		if v := strings.TrimSpace(values[0]); v != "" {
			return v, nil
		}
		return "", ErrTokenInvalidInput
	}
}

// ChainExtractors tries each extractor in order. When none succeeds, a
// malformed source is reported in preference to a missing one.
func ChainExtractors(extractors ...TokenExtractor) TokenExtractor {
	chain := append([]TokenExtractor(nil), extractors...)
	return func(r *http.Request) (string, error) {
		result := ErrTokenNotFound
		for _, extract := range chain {
			if extract == nil {
				continue
			}
			token, err := extract(r)
			if err == nil {
				return token, nil
			}
			if !errors.Is(err, ErrTokenNotFound) {
				result = err
			}
		}
		return "", result
	}
}

// WriteError answers a rejected request with a JSON error body: 504 when the
// request context ended during verification, 401 otherwise.
func WriteError(w http.ResponseWriter, err error) {
	status, msg := http.StatusUnauthorized, "unauthorized"
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		status, msg = http.StatusGatewayTimeout, "key verification timed out"
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="ncache"`)
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}` + "\n"))
}

func defaultErrorHandler(w http.ResponseWriter, _ *http.Request, err error) { WriteError(w, err) }
