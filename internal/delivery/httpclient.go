// ABOUTME: HTTP client for the fallback conversation API
// ABOUTME: Used when the push channel is down and for history resyncs

package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/2389/storechat/internal/wire"
)

// HTTPClient talks to the /api/conversations endpoints. Timeouts are owned by
// the caller's context.
type HTTPClient struct {
	baseURL string
	creds   Credentials
	client  *http.Client
}

// NewHTTPClient creates a client for the server at baseURL. A nil client
// uses http.DefaultClient.
func NewHTTPClient(baseURL string, creds Credentials, client *http.Client) *HTTPClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		creds:   creds,
		client:  client,
	}
}

// StartConversation returns the caller's active conversation, creating one
// when none exists. created reports which happened.
func (c *HTTPClient) StartConversation(ctx context.Context, initialMessage string) (*wire.Conversation, bool, error) {
	var resp wire.StartResponse
	if err := c.do(ctx, http.MethodPost, "/api/conversations", wire.StartRequest{InitialMessage: initialMessage}, &resp); err != nil {
		return nil, false, err
	}
	return &resp.Conversation, resp.Created, nil
}

// ActiveConversation returns the caller's active conversation. A caller
// without one gets an *HTTPError with status 404.
func (c *HTTPClient) ActiveConversation(ctx context.Context) (*wire.Conversation, error) {
	var conv wire.Conversation
	if err := c.do(ctx, http.MethodGet, "/api/conversations/active", nil, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// GetConversation returns a conversation with its message history.
func (c *HTTPClient) GetConversation(ctx context.Context, id string) (*wire.ConversationDetail, error) {
	var detail wire.ConversationDetail
	if err := c.do(ctx, http.MethodGet, conversationPath(id), nil, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// SendMessage posts a message.
func (c *HTTPClient) SendMessage(ctx context.Context, id string, req wire.SendRequest) (*wire.Message, error) {
	var msg wire.Message
	if err := c.do(ctx, http.MethodPost, conversationPath(id)+"/messages", req, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// MarkRead marks messages read on behalf of the caller.
func (c *HTTPClient) MarkRead(ctx context.Context, id string, messageIDs []string) (*wire.ReadResult, error) {
	var res wire.ReadResult
	if err := c.do(ctx, http.MethodPost, conversationPath(id)+"/read", wire.ReadRequest{MessageIDs: messageIDs}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// CloseConversation closes an active conversation. Merchants only.
func (c *HTTPClient) CloseConversation(ctx context.Context, id string) (*wire.Conversation, error) {
	var conv wire.Conversation
	if err := c.do(ctx, http.MethodPost, conversationPath(id)+"/close", nil, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// ArchiveConversation archives a closed conversation. Merchants only.
func (c *HTTPClient) ArchiveConversation(ctx context.Context, id string) (*wire.Conversation, error) {
	var conv wire.Conversation
	if err := c.do(ctx, http.MethodPost, conversationPath(id)+"/archive", nil, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// ListConversations returns the merchant inbox, most recent activity first.
// Empty status and zero limit use the server defaults.
func (c *HTTPClient) ListConversations(ctx context.Context, status string, limit int) ([]wire.Conversation, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/conversations"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var list wire.ConversationList
	if err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return list.Conversations, nil
}

func conversationPath(id string) string {
	return "/api/conversations/" + url.PathEscape(id)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	c.creds.apply(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		httpErr := &HTTPError{Status: resp.StatusCode}
		var errResp wire.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil {
			httpErr.Code = errResp.Code
			httpErr.Message = errResp.Error
		}
		return httpErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}
