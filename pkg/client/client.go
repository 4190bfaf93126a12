// Package client is a Go client for the kode HTTP API.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gm-agent-org/kode/pkg/api/dto"
	"github.com/gm-agent-org/kode/pkg/types"
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Client wraps HTTP access to the kode API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a new API client.
func New(baseURL, apiKey string, timeout time.Duration) (*Client, error) {
	normalized, err := normalizeBaseURL(baseURL)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    normalized,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

func normalizeBaseURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("server URL is empty")
	}

	switch {
	case strings.HasPrefix(raw, "http://"), strings.HasPrefix(raw, "https://"):
	case strings.HasPrefix(raw, ":"):
		raw = "http://localhost" + raw
	default:
		raw = "http://" + raw
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("invalid server URL: %q", raw)
	}
	return strings.TrimRight(raw, "/"), nil
}

// Health returns the server health response.
func (c *Client) Health(ctx context.Context) (*dto.HealthResponse, error) {
	var resp dto.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateConversation starts a conversation for task.
func (c *Client) CreateConversation(ctx context.Context, task string) (*dto.ConversationResponse, error) {
	var resp dto.ConversationResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/conversation", dto.CreateConversationRequest{Task: task}, &resp)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return &resp, nil
}

// GetConversation returns the conversation state. withMessages includes
// the full message history.
func (c *Client) GetConversation(ctx context.Context, id string, withMessages bool) (*dto.ConversationResponse, error) {
	path := "/api/v1/conversation/" + url.PathEscape(id)
	if withMessages {
		path += "?messages=true"
	}
	var resp dto.ConversationResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListConversations returns a summary of every conversation.
func (c *Client) ListConversations(ctx context.Context) ([]dto.ConversationResponse, error) {
	var resp dto.ConversationListResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/conversation", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Conversations, nil
}

// SupplyInput answers a pending input request.
func (c *Client) SupplyInput(ctx context.Context, id, requestID, text string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/conversation/"+url.PathEscape(id)+"/input",
		dto.InputRequest{RequestID: requestID, Text: text}, nil)
}

// Cancel cancels a running conversation.
func (c *Client) Cancel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/conversation/"+url.PathEscape(id)+"/cancel", nil, nil)
}

// Delete cancels a conversation and removes it from the server.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/conversation/"+url.PathEscape(id), nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, method, path, bodyReader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e dto.ErrorResponse
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return &StatusError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/"+strings.TrimLeft(path, "/"), body)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	return req, nil
}

// Event is one Server-Sent Event from the conversation stream. Seq is 0
// for the control events "connected" and "end".
type Event struct {
	Seq  uint64
	Type string
	Data json.RawMessage
}

// Decode restores the typed event. Control events cannot be decoded.
func (e Event) Decode() (types.Event, error) {
	if e.Seq == 0 {
		return nil, fmt.Errorf("%s is a control event", e.Type)
	}
	return types.DecodeEvent(e.Data)
}

// StreamEvents follows the conversation's event log from position after.
// The channel closes after the "end" event, on error or when ctx ends.
func (c *Client) StreamEvents(ctx context.Context, id string, after uint64) (<-chan Event, error) {
	path := "/api/v1/conversation/" + url.PathEscape(id) + "/event"
	if after > 0 {
		path += "?after=" + strconv.FormatUint(after, 10)
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	// No timeout: the stream lives as long as the conversation.
	resp, err := (&http.Client{Transport: c.httpClient.Transport}).Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &StatusError{StatusCode: resp.StatusCode, Message: "stream events failed"}
	}

	ch := make(chan Event)
	go func() {
		defer resp.Body.Close()
		defer close(ch)

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

		var evt Event
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				if evt.Type == "" {
					continue
				}
				select {
				case ch <- evt:
				case <-ctx.Done():
					return
				}
				if evt.Type == "end" {
					return
				}
				evt = Event{}
				continue
			}

			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "id":
				evt.Seq, _ = strconv.ParseUint(value, 10, 64)
			case "event":
				evt.Type = value
			case "data":
				evt.Data = json.RawMessage(value)
			}
		}
	}()
	return ch, nil
}
