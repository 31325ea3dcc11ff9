// Package history provides the REST client for the one-shot message history
// fetch. The chat session consumes it exactly once per open (or on explicit
// refresh); the live channel covers everything after that point.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/brokeradda/chatkit/internal/protocol"
)

// DefaultTimeout bounds a single history request.
const DefaultTimeout = 15 * time.Second

// Client fetches chat history from the gateway's REST endpoint.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a history client for the given base URL, e.g.
// "http://gateway:8080". A nil-safe default HTTP client with DefaultTimeout
// is used.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: DefaultTimeout},
	}
}

// historyResponse is the wire shape of the history endpoint.
type historyResponse struct {
	Success  bool               `json:"success"`
	Messages []protocol.Message `json:"messages"`
}

// FetchMessages retrieves the full ordered history for a chat. It implements
// the chatclient.HistoryFetcher contract. Failures are returned as plain
// errors; the session treats any of them as history-unavailable and proceeds
// with an empty store.
func (c *Client) FetchMessages(ctx context.Context, chatID, credential string) ([]protocol.Message, error) {
	u := fmt.Sprintf("%s/chats/%s/messages", c.baseURL, url.PathEscape(chatID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("history: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+credential)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("history: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("history: unexpected status %d", resp.StatusCode)
	}

	var body historyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("history: decode response: %w", err)
	}
	if !body.Success {
		return nil, fmt.Errorf("history: endpoint reported failure")
	}
	return body.Messages, nil
}
