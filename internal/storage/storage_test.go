package storage_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whookdev/chatrelay/internal/state"
	"github.com/whookdev/chatrelay/internal/storage"
)

var (
	_ state.Storage = (*storage.Memory)(nil)
	_ state.Storage = (*storage.Redis)(nil)
	_ state.Storage = (*storage.SQLite)(nil)
	_ state.Storage = (*storage.Remote)(nil)
)

func newSQLite(t *testing.T) *storage.SQLite {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=busy_timeout(5000)", url.PathEscape(t.Name()))
	s, err := storage.OpenSQLite(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newRedis(t *testing.T) (*storage.Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	s, err := storage.NewRedis(rdb, "test:")
	require.NoError(t, err)
	return s, mr
}

// newStateServer mimics the relay's /api/state endpoint over a Memory store.
func newStateServer(t *testing.T) *httptest.Server {
	t.Helper()
	backing := storage.NewMemory()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, err := url.PathUnescape(strings.TrimPrefix(r.URL.EscapedPath(), "/api/state/"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		switch r.Method {
		case http.MethodGet:
			v, ok, _ := backing.Get(r.Context(), key)
			if !ok {
				http.Error(w, `{"error":"Not found"}`, http.StatusNotFound)
				return
			}
			io.WriteString(w, v)
		case http.MethodPut:
			b, _ := io.ReadAll(r.Body)
			backing.Set(r.Context(), key, string(b))
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStorageBackends(t *testing.T) {
	backends := map[string]func(t *testing.T) state.Storage{
		"memory": func(t *testing.T) state.Storage { return storage.NewMemory() },
		"sqlite": func(t *testing.T) state.Storage { return newSQLite(t) },
		"redis": func(t *testing.T) state.Storage {
			s, _ := newRedis(t)
			return s
		},
		"remote": func(t *testing.T) state.Storage {
			return storage.NewRemote(newStateServer(t).URL+"/", nil)
		},
	}

	for name, mk := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := mk(t)

			_, ok, err := s.Get(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Set(ctx, "theme", "dark"))
			v, ok, err := s.Get(ctx, "theme")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "dark", v)

			require.NoError(t, s.Set(ctx, "theme", `{"mode":"light"}`))
			v, _, err = s.Get(ctx, "theme")
			require.NoError(t, err)
			assert.Equal(t, `{"mode":"light"}`, v)

			require.NoError(t, s.Set(ctx, "empty", ""))
			v, ok, err = s.Get(ctx, "empty")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Empty(t, v)

			require.NoError(t, s.Set(ctx, "chat/history key", "[]"))
			v, ok, err = s.Get(ctx, "chat/history key")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "[]", v)
		})
	}
}

func TestRedis_UsesPrefix(t *testing.T) {
	s, mr := newRedis(t)

	require.NoError(t, s.Set(context.Background(), "model", "gpt-4o-mini"))

	got, err := mr.Get("test:model")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", got)
}

func TestRedis_ServerDown(t *testing.T) {
	s, mr := newRedis(t)
	mr.Close()

	_, _, err := s.Get(context.Background(), "model")
	assert.Error(t, err)
	assert.Error(t, s.Set(context.Background(), "model", "x"))
}

func TestNewRedis_RejectsNilClient(t *testing.T) {
	_, err := storage.NewRedis(nil, "")
	assert.Error(t, err)
}

func TestSQLite_MigrationsAreIdempotent(t *testing.T) {
	s := newSQLite(t)
	require.NoError(t, s.Set(context.Background(), "k", "v"))

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=busy_timeout(5000)", url.PathEscape(t.Name()))
	again, err := storage.OpenSQLite(dsn)
	require.NoError(t, err)
	defer again.Close()

	v, ok, err := again.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestRemote_UnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := storage.NewRemote(srv.URL, srv.Client())
	_, _, err := s.Get(context.Background(), "k")
	assert.Error(t, err)
	assert.Error(t, s.Set(context.Background(), "k", "v"))
}

func TestRemote_SendsCredential(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Header.Get("Authorization"))
		mu.Unlock()
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	s := storage.NewRemote(srv.URL, srv.Client(), storage.WithCredential(func(context.Context) (string, error) {
		return "Bearer sk-user", nil
	}))
	_, ok, err := s.Get(context.Background(), "model")
	require.NoError(t, err)
	assert.False(t, ok)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"Bearer sk-user"}, seen)
}

func TestRemote_CredentialError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not be sent")
	}))
	defer srv.Close()

	s := storage.NewRemote(srv.URL, srv.Client(), storage.WithCredential(func(context.Context) (string, error) {
		return "", errors.New("keyring locked")
	}))
	_, _, err := s.Get(context.Background(), "model")
	assert.ErrorContains(t, err, "keyring locked")
	assert.ErrorContains(t, s.Set(context.Background(), "model", "x"), "keyring locked")
}
