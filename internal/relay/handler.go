package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/whookdev/chatrelay/internal/models"
)

// ServeHTTP exposes Forward over HTTP: upstream status and body are written
// back unchanged, failures become {"error": "..."} bodies.
func (rl *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body []byte
	if r.Body != nil {
		defer r.Body.Close()
		b, err := io.ReadAll(r.Body)
		if err != nil {
			WriteError(w, &ProxyError{Err: fmt.Errorf("reading request body: %w", err)})
			return
		}
		body = b
	}

	resp, err := rl.Forward(r.Context(), &Request{
		Method: r.Method,
		Header: r.Header,
		Body:   body,
	})
	if err != nil {
		var perr *ProxyError
		if !errors.As(err, &perr) {
			rl.logger.Info("rejected request",
				"method", r.Method,
				"path", r.URL.Path,
				"reason", err.Error(),
			)
		}
		WriteError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

// WriteError writes err as a JSON error body with the mapped status.
func WriteError(w http.ResponseWriter, err error) {
	writeJSON(w, StatusCode(err), models.ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
