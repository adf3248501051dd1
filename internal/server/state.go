package server

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/whookdev/chatrelay/internal/relay"
)

// requireCredential rejects slot requests that carry no Authorization.
func requireCredential(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			writeError(w, http.StatusUnauthorized, relay.ErrMissingAPIKey.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// callerScope is a digest of the Authorization value. Slots are stored
// under it so one caller never reads another's.
func callerScope(r *http.Request) string {
	sum := sha256.Sum256([]byte(r.Header.Get("Authorization")))
	return hex.EncodeToString(sum[:16])
}

func scopedKey(scope, key string) string {
	return scope + ":" + key
}

// slotKey returns the caller-scoped storage key for the {key} parameter.
// chi matches on RawPath when the request has one, so the parameter may
// still be escaped.
func slotKey(r *http.Request) (string, error) {
	key := chi.URLParam(r, "key")
	if r.URL.RawPath != "" {
		var err error
		if key, err = url.PathUnescape(key); err != nil {
			return "", err
		}
	}
	if key == "" {
		return "", errors.New("empty key")
	}
	return scopedKey(callerScope(r), key), nil
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	key, err := slotKey(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid key")
		return
	}

	value, ok, err := s.state.Get(r.Context(), key)
	if err != nil {
		s.logger.Error("failed to read state slot", "key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "Storage error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, value)
}

func (s *Server) handlePutState(w http.ResponseWriter, r *http.Request) {
	key, err := slotKey(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid key")
		return
	}

	body := r.Body
	if s.cfg.MaxBodyBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	}
	value, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := s.state.Set(r.Context(), key, string(value)); err != nil {
		s.logger.Error("failed to write state slot", "key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "Storage error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
