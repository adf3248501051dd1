package relay

import (
	"errors"
	"net/http"
)

var (
	ErrMethodNotAllowed = errors.New("Method not allowed")
	ErrMissingAPIKey    = errors.New("Missing API key")
	ErrBodyTooLarge     = errors.New("Request body too large")
	ErrInvalidBody      = errors.New("Invalid JSON body")
)

// ProxyError reports a failure talking to upstream: transport errors,
// timeouts and upstream bodies that are not JSON.
type ProxyError struct {
	Err error
}

func (e *ProxyError) Error() string {
	return "Proxy error: " + e.Err.Error()
}

func (e *ProxyError) Unwrap() error {
	return e.Err
}

// StatusCode maps a Forward error to the HTTP status returned to the caller.
func StatusCode(err error) int {
	var perr *ProxyError
	switch {
	case errors.Is(err, ErrMethodNotAllowed):
		return http.StatusMethodNotAllowed
	case errors.Is(err, ErrMissingAPIKey):
		return http.StatusUnauthorized
	case errors.Is(err, ErrBodyTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrInvalidBody):
		return http.StatusBadRequest
	case errors.As(err, &perr):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
