package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Credential returns the Authorization value sent with every slot request.
// The relay keeps a separate slot namespace per credential.
type Credential func(ctx context.Context) (string, error)

type RemoteOption func(*Remote)

func WithCredential(c Credential) RemoteOption {
	return func(r *Remote) {
		r.credential = c
	}
}

// Remote stores slots on a relay server through its /api/state endpoint.
type Remote struct {
	base       string
	http       *http.Client
	credential Credential
}

func NewRemote(baseURL string, client *http.Client, opts ...RemoteOption) *Remote {
	if client == nil {
		client = http.DefaultClient
	}
	r := &Remote{base: strings.TrimRight(baseURL, "/"), http: client}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Remote) newRequest(ctx context.Context, method, key string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, r.slotURL(key), body)
	if err != nil {
		return nil, err
	}
	if r.credential != nil {
		auth, err := r.credential(ctx)
		if err != nil {
			return nil, fmt.Errorf("credential for %q: %w", key, err)
		}
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
	}
	return req, nil
}

func (r *Remote) slotURL(key string) string {
	return r.base + "/api/state/" + url.PathEscape(key)
}

func (r *Remote) Get(ctx context.Context, key string) (string, bool, error) {
	req, err := r.newRequest(ctx, http.MethodGet, key, nil)
	if err != nil {
		return "", false, err
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return "", false, fmt.Errorf("get %q: %w", key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", false, fmt.Errorf("get %q: unexpected status %d", key, resp.StatusCode)
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", false, fmt.Errorf("read %q: %w", key, err)
	}
	return string(b), true, nil
}

func (r *Remote) Set(ctx context.Context, key, value string) error {
	req, err := r.newRequest(ctx, http.MethodPut, key, strings.NewReader(value))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")

	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("set %q: unexpected status %d", key, resp.StatusCode)
	}
	return nil
}
