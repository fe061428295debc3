// Package api holds the JSON bodies exchanged by the ncache HTTP server and
// client.
package api

import (
	"net/url"

	"github.com/chrisbrine/ncache/cache"
)

// Version prefixes every namespaced route.
const Version = "/v1"

// Health is the body of GET /healthz.
type Health struct {
	Status string `json:"status"`
}

// NamespaceList is the body of GET /v1/namespaces.
type NamespaceList struct {
	Namespaces []string `json:"namespaces"`
	Active     []string `json:"active"`
	Default    string   `json:"default"`
	Protected  bool     `json:"protected"`
}

// NamespaceInfo describes a single namespace.
type NamespaceInfo struct {
	Name string   `json:"name"`
	Size int      `json:"size"`
	Keys []string `json:"keys"`
}

// Entry is a cached value together with its key and kind.
type Entry struct {
	Key   string      `json:"key"`
	Value cache.Value `json:"value"`
	Type  string      `json:"type"`
}

// SetRequest is the body of PUT /v1/namespaces/:ns/keys/:key. A nil TTL
// applies the namespace default; zero never expires.
type SetRequest struct {
	Value cache.Value `json:"value"`
	TTL   *int64      `json:"ttl_ms,omitempty"`
}

// Error is the body of every non-2xx response.
type Error struct {
	Error string `json:"error"`
}

// MoveToParam names the query parameter that turns a namespace DELETE into a
// move: the namespace is rehomed under the given name instead of dropped.
const MoveToParam = "move_to"

// MsgNamespaceExists is the error text of a 409 for a move onto an existing
// namespace.
const MsgNamespaceExists = "namespace already exists"

// NamespacesPath returns the collection path.
func NamespacesPath() string { return Version + "/namespaces" }

// NamespacePath returns the path of ns with the name escaped.
func NamespacePath(ns string) string {
	return NamespacesPath() + "/" + url.PathEscape(ns)
}

// KeyPath returns the path of key inside ns.
func KeyPath(ns, key string) string {
	return NamespacePath(ns) + "/keys/" + url.PathEscape(key)
}
