package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
	"github.com/whookdev/chatrelay/internal/state"
)

const DefaultModel = openai.GPT4oMini

// Storage slot names.
const (
	KeyAPIKey       = "api_key"
	KeyModel        = "model"
	KeySystemPrompt = "system_prompt"
	KeyHistory      = "history"
)

var ErrNoAPIKey = errors.New("no API key configured; run `chat config set api-key <key>`")

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Session is a chat front end whose settings and transcript live in
// persisted containers, so they survive between runs.
type Session struct {
	relayURL string
	http     *http.Client
	logger   *slog.Logger

	APIKey       *state.Container[string]
	Model        *state.Container[string]
	SystemPrompt *state.Container[string]
	History      *state.Container[[]Message]
}

type Options struct {
	RelayURL string
	Storage  state.Storage
	// Secrets holds the API key slot. Defaults to Storage; set it to a
	// local store when Storage is shared or remote.
	Secrets    state.Storage
	HTTPClient *http.Client
	Policy     state.Policy
}

func NewSession(ctx context.Context, opts Options, logger *slog.Logger) (*Session, error) {
	if opts.RelayURL == "" {
		return nil, fmt.Errorf("relay url cannot be empty")
	}
	if opts.Storage == nil {
		return nil, fmt.Errorf("storage cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	policy := opts.Policy
	if policy.Logger == nil {
		policy.Logger = logger
	}
	withPolicy := state.WithPolicy(policy)

	secrets := opts.Secrets
	if secrets == nil {
		secrets = opts.Storage
	}

	apiKey, err := state.NewText(ctx, secrets, KeyAPIKey, "", withPolicy)
	if err != nil {
		return nil, fmt.Errorf("loading api key: %w", err)
	}
	model, err := state.NewText(ctx, opts.Storage, KeyModel, DefaultModel, withPolicy)
	if err != nil {
		return nil, fmt.Errorf("loading model: %w", err)
	}
	system, err := state.NewText(ctx, opts.Storage, KeySystemPrompt, "", withPolicy)
	if err != nil {
		return nil, fmt.Errorf("loading system prompt: %w", err)
	}
	history, err := state.NewJSON(ctx, opts.Storage, KeyHistory, []Message{}, withPolicy)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Session{
		relayURL:     strings.TrimRight(opts.RelayURL, "/"),
		http:         httpClient,
		logger:       logger.With("component", "chat_session"),
		APIKey:       apiKey,
		Model:        model,
		SystemPrompt: system,
		History:      history,
	}, nil
}

func (s *Session) openaiClient() *openai.Client {
	cfg := openai.DefaultConfig(s.APIKey.Get())
	// The relay serves the completions path under /api/chat.
	cfg.BaseURL = s.relayURL + "/api"
	cfg.HTTPClient = s.http
	return openai.NewClientWithConfig(cfg)
}

func (s *Session) messages(prompt string) []openai.ChatCompletionMessage {
	var msgs []openai.ChatCompletionMessage
	if sys := s.SystemPrompt.Get(); sys != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: sys,
		})
	}
	for _, m := range s.History.Get() {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})
}

// Ask sends prompt with the stored history and records both turns on
// success. History is left untouched when the call fails.
func (s *Session) Ask(ctx context.Context, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", fmt.Errorf("message cannot be empty")
	}
	if s.APIKey.Get() == "" {
		return "", ErrNoAPIKey
	}

	resp, err := s.openaiClient().CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    s.Model.Get(),
		Messages: s.messages(prompt),
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("upstream rejected request (%d): %s", apiErr.HTTPStatusCode, apiErr.Message)
		}
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no response choices returned")
	}

	reply := resp.Choices[0].Message.Content
	s.logger.Debug("received reply",
		"model", resp.Model,
		"total_tokens", resp.Usage.TotalTokens)

	err = s.History.Update(ctx, func(h []Message) []Message {
		next := make([]Message, 0, len(h)+2)
		next = append(next, h...)
		return append(next,
			Message{Role: openai.ChatMessageRoleUser, Content: prompt},
			Message{Role: openai.ChatMessageRoleAssistant, Content: reply},
		)
	})
	if err != nil {
		return reply, fmt.Errorf("saving history: %w", err)
	}

	return reply, nil
}

// BearerFrom reads the API key slot straight from secrets, for storage
// that authenticates its own requests.
func BearerFrom(secrets state.Storage) func(ctx context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		key, ok, err := secrets.Get(ctx, KeyAPIKey)
		if err != nil || !ok || key == "" {
			return "", err
		}
		return "Bearer " + key, nil
	}
}

// Reset clears the transcript.
func (s *Session) Reset(ctx context.Context) error {
	return s.History.Set(ctx, []Message{})
}
