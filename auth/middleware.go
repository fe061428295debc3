package auth

import (
	"context"
	"errors"
	"net/http"
)

// Middleware rejects requests that do not carry a key accepted by its
// verifier.
type Middleware struct {
	verifier     KeyVerifier
	extractor    TokenExtractor
	skipper      Skipper
	errorHandler ErrorHandler
}

type keyContextKey struct{}

func NewMiddleware(verifier KeyVerifier, opts ...Option) (*Middleware, error) {
	if verifier == nil {
		return nil, errors.New("auth: middleware requires a key verifier")
	}
	m := &Middleware{
		verifier:     verifier,
		extractor:    DefaultExtractor(),
		skipper:      func(*http.Request) bool { return false },
		errorHandler: defaultErrorHandler,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// Handler guards next. The index of the matching key is available to next
// through KeyFromContext.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	if m == nil {
		panic("auth: middleware is nil")
	}
	if next == nil {
		next = http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipper(r) {
			next.ServeHTTP(w, r)
			return
		}
		raw, err := m.extractor(r)
		if err == nil {
			var idx int
			if idx, err = m.verifier.Verify(r.Context(), raw); err == nil {
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), keyContextKey{}, idx)))
				return
			}
		}
		m.errorHandler(w, r, err)
	})
}

// KeyFromContext returns the index of the key that authenticated the request.
func KeyFromContext(ctx context.Context) (int, bool) {
	if ctx == nil {
		return -1, false
	}
	idx, ok := ctx.Value(keyContextKey{}).(int)
	if !ok {
		return -1, false
	}
	return idx, true
}
