package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/npezzotti/go-supportchat/internal/types"
)

const retryDelay = 250 * time.Millisecond

// APIError is an error response from the REST API.
type APIError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d: %s", e.StatusCode, e.Message)
}

type PresenceInfo struct {
	UserId   string     `json:"user_id"`
	Role     types.Role `json:"role,omitempty"`
	IsOnline bool       `json:"is_online"`
	LastSeen *time.Time `json:"last_seen"`
}

// RESTClient calls the request/response surface with a bearer token.
// Requests answered with a 5xx are retried once.
type RESTClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	retryDelay time.Duration
}

func NewRESTClient(baseURL, token string, hc *http.Client) *RESTClient {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &RESTClient{
		baseURL:    baseURL,
		token:      token,
		httpClient: hc,
		retryDelay: retryDelay,
	}
}

func (c *RESTClient) do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		if in != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return backoff.Permanent(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusBadRequest {
			apiErr := &APIError{StatusCode: resp.StatusCode}
			raw, _ := io.ReadAll(resp.Body)
			if json.Unmarshal(raw, apiErr) != nil || apiErr.Message == "" {
				apiErr.Message = http.StatusText(resp.StatusCode)
			}
			apiErr.StatusCode = resp.StatusCode
			if resp.StatusCode >= http.StatusInternalServerError {
				return apiErr
			}
			return backoff.Permanent(apiErr)
		}

		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(c.retryDelay), 1), ctx)
	return backoff.Retry(op, policy)
}

func (c *RESTClient) Session(ctx context.Context) (types.Participant, error) {
	var p types.Participant
	err := c.do(ctx, http.MethodGet, "/api/session", nil, &p)
	return p, err
}

func (c *RESTClient) CreateConversation(ctx context.Context, other types.Participant) (types.Conversation, error) {
	var conv types.Conversation
	err := c.do(ctx, http.MethodPost, "/api/conversations", map[string]any{
		"other_user_id":   other.UserId,
		"other_user_role": other.Role,
	}, &conv)
	return conv, err
}

func (c *RESTClient) ListConversations(ctx context.Context) ([]types.Conversation, error) {
	var convs []types.Conversation
	err := c.do(ctx, http.MethodGet, "/api/conversations", nil, &convs)
	return convs, err
}

func (c *RESTClient) PageMessages(ctx context.Context, conversationId string, limit, offset int) ([]types.Message, int, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))

	var page struct {
		Messages []types.Message `json:"messages"`
		Total    int             `json:"total"`
	}
	path := "/api/conversations/" + url.PathEscape(conversationId) + "/messages?" + q.Encode()
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, 0, err
	}
	return page.Messages, page.Total, nil
}

// SendMessage posts content over REST; the gateway still delivers the
// message-received events.
func (c *RESTClient) SendMessage(ctx context.Context, conversationId, content string) (types.Message, error) {
	var msg types.Message
	err := c.do(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(conversationId)+"/messages", map[string]any{
		"content": content,
	}, &msg)
	return msg, err
}

func (c *RESTClient) MarkRead(ctx context.Context, conversationId string) (int, error) {
	var res struct {
		Updated int `json:"updated"`
	}
	err := c.do(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(conversationId)+"/read", nil, &res)
	return res.Updated, err
}

func (c *RESTClient) Presence(ctx context.Context, userId string) (PresenceInfo, error) {
	var info PresenceInfo
	err := c.do(ctx, http.MethodGet, "/api/presence/"+url.PathEscape(userId), nil, &info)
	return info, err
}

func (c *RESTClient) AvailableUsers(ctx context.Context, role types.Role) ([]PresenceInfo, error) {
	path := "/api/users/available"
	if role != "" {
		path += "?role=" + url.QueryEscape(string(role))
	}

	var users []PresenceInfo
	err := c.do(ctx, http.MethodGet, path, nil, &users)
	return users, err
}
