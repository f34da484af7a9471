// Package responder produces replies to mesh messages with a local chat
// engine (Ollama).
package responder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultURL     = "http://localhost:11434"
	DefaultTimeout = 120 * time.Second
)

var (
	ErrNoModel     = errors.New("responder: no model selected")
	ErrUnavailable = errors.New("responder: chat engine unavailable")
	ErrEmptyReply  = errors.New("responder: empty reply")
)

// Responder turns a prompt into a reply.
type Responder interface {
	Respond(ctx context.Context, prompt string) (string, error)
	Model() string
}

// Ollama talks to an Ollama server and keeps the conversation history it
// sends along with every prompt.
type Ollama struct {
	endpoint string
	client   *http.Client
	log      *zap.Logger
	history  *History

	mu    sync.RWMutex
	model string
	// one chat request at a time so turns stay paired
	chatMu sync.Mutex
}

var _ Responder = (*Ollama)(nil)

// NewOllama creates a client for the server at endpoint.
func NewOllama(endpoint, model string, timeout time.Duration, log *zap.Logger) *Ollama {
	if endpoint == "" {
		endpoint = DefaultURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Ollama{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: timeout},
		log:      log,
		history:  NewHistory(),
		model:    model,
	}
}

// Model returns the selected model name.
func (o *Ollama) Model() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.model
}

// SetModel selects the model used for replies.
func (o *Ollama) SetModel(name string) {
	o.mu.Lock()
	o.model = name
	o.mu.Unlock()
	o.log.Info("responder: selected model", zap.String("model", name))
}

// History exposes the conversation context.
func (o *Ollama) History() *History { return o.history }

// Respond sends prompt with the conversation so far and records both turns.
// A failed request leaves the history unchanged.
func (o *Ollama) Respond(ctx context.Context, prompt string) (string, error) {
	model := o.Model()
	if model == "" {
		o.log.Error("responder: no model selected")
		return "", ErrNoModel
	}

	o.chatMu.Lock()
	defer o.chatMu.Unlock()

	user := Turn{Role: RoleUser, Content: prompt}
	req := chatRequest{
		Model:    model,
		Messages: append(o.history.Turns(), user),
		Stream:   false,
	}

	o.log.Debug("responder: sending prompt", zap.String("model", model), zap.Int("turns", len(req.Messages)))
	var resp chatResponse
	if err := o.do(ctx, http.MethodPost, "/api/chat", req, &resp); err != nil {
		o.log.Error("responder: generate reply", zap.String("model", model), zap.Error(err))
		return "", err
	}
	reply := resp.Message.Content
	if strings.TrimSpace(reply) == "" {
		return "", ErrEmptyReply
	}

	o.history.Append(user, Turn{Role: RoleAssistant, Content: reply})
	return reply, nil
}

// ListModels returns the names of the models installed on the server.
func (o *Ollama) ListModels(ctx context.Context) ([]string, error) {
	var resp tagsResponse
	if err := o.do(ctx, http.MethodGet, "/api/tags", nil, &resp); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(resp.Models))
	for _, m := range resp.Models {
		names = append(names, m.Name)
	}
	o.log.Info("responder: loaded models", zap.Int("count", len(names)))
	return names, nil
}

func (o *Ollama) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("responder: marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, o.endpoint+path, body)
	if err != nil {
		return fmt.Errorf("responder: create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := o.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s %s returned status %d: %s",
			ErrUnavailable, method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("responder: decode %s: %w", path, err)
	}
	return nil
}

// ── Ollama API types ──────────────────────────────────────────────────────

type chatRequest struct {
	Model    string `json:"model"`
	Messages []Turn `json:"messages"`
	Stream   bool   `json:"stream"`
}

type chatResponse struct {
	Message Turn `json:"message"`
	Done    bool `json:"done"`
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}
