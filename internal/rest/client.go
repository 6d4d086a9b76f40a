// Package rest is the client for the marketplace chat REST API. It serves two
// roles for the synchronizer: pulling full conversation history for backfill,
// and sending messages when the real-time socket is unavailable.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/playtrade/marketchat/internal/protocol"
)

// Client talks to the chat REST API. The session token is injected at
// construction and attached to every request as a bearer credential; it is
// never read from ambient state.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a REST client for the given API base URL (no trailing
// slash) and session token. A nil httpClient selects a default with a 10s
// timeout.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    httpClient,
	}
}

// History fetches the full ordered message history for a conversation via
// GET /chats/{conversationId}.
func (c *Client) History(ctx context.Context, conversationID string) ([]protocol.Message, error) {
	_, msgs, err := c.history(ctx, "/chats/"+url.PathEscape(conversationID))
	return msgs, err
}

// HistoryByOrder fetches history through the order-id alias
// GET /chats/order/{orderId} and returns the canonical conversation id
// alongside the messages. Callers must use that id for all further operations
// so exactly one id names the conversation.
func (c *Client) HistoryByOrder(ctx context.Context, orderID string) (string, []protocol.Message, error) {
	return c.history(ctx, "/chats/order/"+url.PathEscape(orderID))
}

func (c *Client) history(ctx context.Context, path string) (string, []protocol.Message, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return "", nil, fmt.Errorf("rest: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("rest: history: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("rest: history: %s", readAPIError(resp))
	}

	var out struct {
		ConversationID string             `json:"conversationId"`
		Messages       []protocol.Message `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", nil, fmt.Errorf("rest: decode history: %w", err)
	}
	return out.ConversationID, out.Messages, nil
}

// SendRequest is the POST /chats/{id}/messages payload.
type SendRequest struct {
	Content         string `json:"content"`
	IsSystemMessage bool   `json:"isSystemMessage,omitempty"`
	ClientRef       string `json:"clientRef,omitempty"`
}

// Send posts one message and returns the canonical stored message, including
// the echoed clientRef used to reconcile the sender's optimistic copy.
func (c *Client) Send(ctx context.Context, conversationID string, sendReq SendRequest) (protocol.Message, error) {
	body, err := json.Marshal(sendReq)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("rest: marshal send: %w", err)
	}

	u := c.baseURL + "/chats/" + url.PathEscape(conversationID) + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return protocol.Message{}, fmt.Errorf("rest: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("rest: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return protocol.Message{}, fmt.Errorf("rest: send: %s", readAPIError(resp))
	}

	var msg protocol.Message
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return protocol.Message{}, fmt.Errorf("rest: decode send response: %w", err)
	}
	return msg, nil
}

// readAPIError extracts a useful description from a non-2xx response: the
// API's error field when the body is JSON, otherwise the HTTP status.
func readAPIError(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var apiErr struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error != "" {
		return fmt.Sprintf("%s (%s)", apiErr.Error, resp.Status)
	}
	return resp.Status
}
