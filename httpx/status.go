package httpx

import "net/http"

// Status codes answered by the cache API.
const (
	StatusOK                 = http.StatusOK                   // Read succeeded
	StatusCreated            = http.StatusCreated              // Namespace created
	StatusNoContent          = http.StatusNoContent            // Write or delete applied
	StatusBadRequest         = http.StatusBadRequest           // Malformed body, value or path
	StatusUnauthorized       = http.StatusUnauthorized         // Missing or unknown API key
	StatusForbidden          = http.StatusForbidden            // Namespace not allowed
	StatusNotFound           = http.StatusNotFound             // Key or namespace absent
	StatusMethodNotAllowed   = http.StatusMethodNotAllowed     // Verb not routed for the path
	StatusConflict           = http.StatusConflict             // Default namespace cannot be removed
	StatusUnsupportedMedia   = http.StatusUnsupportedMediaType // Body is not JSON
	StatusInternalError      = http.StatusInternalServerError  // Backend failure
	StatusServiceUnavailable = http.StatusServiceUnavailable   // Manager closed
	StatusGatewayTimeout     = http.StatusGatewayTimeout       // Request context expired
)
