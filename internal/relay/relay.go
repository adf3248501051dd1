package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

// Request is an inbound chat completion request as seen by the relay.
type Request struct {
	Method string
	Header http.Header
	Body   []byte
}

// Response carries upstream's status and body exactly as received.
type Response struct {
	StatusCode int
	Body       json.RawMessage
}

type Options struct {
	UpstreamURL string
	// Zero means no bound beyond the caller's context.
	Timeout time.Duration
	// Nil disables validation.
	Validator BodyValidator
	// Defaults to an http.Client with Timeout applied.
	HTTPClient *http.Client
}

type Relay struct {
	upstreamURL string
	client      *http.Client
	validate    BodyValidator
	logger      *slog.Logger

	inFlight atomic.Int64
}

func New(opts Options, logger *slog.Logger) (*Relay, error) {
	if opts.UpstreamURL == "" {
		return nil, fmt.Errorf("upstream url cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}

	return &Relay{
		upstreamURL: opts.UpstreamURL,
		client:      client,
		validate:    opts.Validator,
		logger:      logger.With("component", "relay"),
	}, nil
}

// InFlight returns the number of forwards currently waiting on upstream.
func (rl *Relay) InFlight() int64 {
	return rl.inFlight.Load()
}

// Forward validates req and submits it to upstream. The credential is
// copied verbatim; no other inbound header is forwarded.
func (rl *Relay) Forward(ctx context.Context, req *Request) (*Response, error) {
	if req.Method != http.MethodPost {
		return nil, ErrMethodNotAllowed
	}

	credential := req.Header.Get("Authorization")
	if credential == "" {
		return nil, ErrMissingAPIKey
	}

	if rl.validate != nil {
		if err := rl.validate(req.Body); err != nil {
			return nil, err
		}
	}

	rl.inFlight.Add(1)
	defer rl.inFlight.Add(-1)

	upstreamReq, err := http.NewRequestWithContext(ctx, http.MethodPost, rl.upstreamURL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, &ProxyError{Err: err}
	}
	upstreamReq.Header.Set("Content-Type", "application/json")
	upstreamReq.Header.Set("Authorization", credential)

	start := time.Now()
	resp, err := rl.client.Do(upstreamReq)
	if err != nil {
		rl.logger.Error("failed to reach upstream", "error", err)
		return nil, &ProxyError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		rl.logger.Error("failed to read upstream response", "error", err)
		return nil, &ProxyError{Err: fmt.Errorf("reading upstream response: %w", err)}
	}

	if !json.Valid(body) {
		rl.logger.Error("upstream returned a non-JSON body",
			"status", resp.StatusCode,
			"bytes", len(body),
		)
		return nil, &ProxyError{Err: errors.New("upstream response is not valid JSON")}
	}

	rl.logger.Info("upstream responded",
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	return &Response{
		StatusCode: resp.StatusCode,
		Body:       json.RawMessage(body),
	}, nil
}
