// ABOUTME: AI fallback responder invoked when no human agent engages a session
// ABOUTME: Pure transcript-in, reply-out contract plus an HTTP chat-completion client

package responder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/quillworks/livechat/internal/store"
)

// ErrNoReply indicates the responder deliberately stayed silent.
var ErrNoReply = errors.New("responder declined to reply")

// Responder produces an optional reply from a session transcript. It must be
// a pure function of the transcript; the router owns persistence and delivery
// of the result.
type Responder interface {
	Respond(ctx context.Context, transcript []*store.ChatMessage) (string, error)
}

const defaultSystemPrompt = "You are a helpful assistant answering visitor questions " +
	"on a small business website while no human agent is available. Keep replies short. " +
	"If you cannot help, say a human will follow up."

// HTTPResponder implements Responder against an OpenAI-compatible
// chat-completions endpoint.
type HTTPResponder struct {
	BaseURL      string
	Model        string
	APIKey       string
	SystemPrompt string
	Client       *http.Client
}

// NewHTTPResponder creates a responder for the given endpoint. The per-call
// deadline is the caller's context; the client timeout is only a backstop.
func NewHTTPResponder(baseURL, model, apiKey string) *HTTPResponder {
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &HTTPResponder{
		BaseURL:      strings.TrimSuffix(baseURL, "/"),
		Model:        model,
		APIKey:       apiKey,
		SystemPrompt: defaultSystemPrompt,
		Client:       &http.Client{Timeout: 60 * time.Second},
	}
}

type chatReq struct {
	Model    string    `json:"model"`
	Messages []chatMsg `json:"messages"`
}

type chatMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResp struct {
	Choices []struct {
		Message chatMsg `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Respond converts the transcript into a chat-completion request and returns
// the assistant reply. An empty completion maps to ErrNoReply.
func (r *HTTPResponder) Respond(ctx context.Context, transcript []*store.ChatMessage) (string, error) {
	if r.Client == nil {
		return "", errors.New("responder: http client is nil")
	}

	messages := make([]chatMsg, 0, len(transcript)+1)
	messages = append(messages, chatMsg{Role: "system", Content: r.SystemPrompt})
	for _, m := range transcript {
		role := "user"
		if m.SenderType != store.SenderVisitor {
			role = "assistant"
		}
		messages = append(messages, chatMsg{Role: role, Content: m.Content})
	}

	b, err := json.Marshal(chatReq{Model: r.Model, Messages: messages})
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/v1/chat/completions", r.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.APIKey)
	}

	resp, err := r.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("responder: status %d", resp.StatusCode)
	}

	var decoded chatResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", err
	}
	if decoded.Error != nil {
		return "", errors.New(decoded.Error.Message)
	}
	if len(decoded.Choices) == 0 {
		return "", ErrNoReply
	}

	reply := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if reply == "" {
		return "", ErrNoReply
	}
	return reply, nil
}
