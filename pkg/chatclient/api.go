package chatclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"supportchat/internal/domain"
)

// APIError is a non-2xx answer from the chat API. It unwraps to the matching
// domain sentinel, and to a *domain.ConflictError when the body carried a session.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	err        error
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("api чата: статус %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api чата: %s: %s", e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.err
}

// SendParams is the body of a message send.
type SendParams struct {
	Content     string             `json:"content"`
	MessageType domain.MessageType `json:"message_type,omitempty"`
	Metadata    json.RawMessage    `json:"metadata,omitempty"`
}

// ChatAPI is the slice of the server the coordinator and controllers rely on.
type ChatAPI interface {
	StartSession(ctx context.Context) (*domain.ChatSession, error)
	ListOpenSessions(ctx context.Context) ([]domain.ChatSession, error)
	GetSession(ctx context.Context, id uuid.UUID) (*domain.ChatSession, error)
	ClaimSession(ctx context.Context, id uuid.UUID) (*domain.ChatSession, error)
	EndSession(ctx context.Context, id uuid.UUID, reason domain.EndReason) (*domain.ChatSession, error)
	ListMessages(ctx context.Context, id uuid.UUID) ([]domain.ChatMessage, error)
	SendMessage(ctx context.Context, id uuid.UUID, params SendParams) (*domain.ChatMessage, error)
}

// APIClient talks to the REST API. Reads are retried on transient failures;
// writes never are, so the caller always learns the fate of a mutation.
type APIClient struct {
	baseURL string
	token   func() string
	reads   *retryablehttp.Client
	writes  *retryablehttp.Client
	logger  *zap.Logger
}

type APIOption func(*APIClient)

func WithHTTPClient(hc *http.Client) APIOption {
	return func(c *APIClient) {
		c.reads.HTTPClient = hc
		c.writes.HTTPClient = hc
	}
}

func WithReadRetries(n int, waitMin, waitMax time.Duration) APIOption {
	return func(c *APIClient) {
		c.reads.RetryMax = n
		c.reads.RetryWaitMin = waitMin
		c.reads.RetryWaitMax = waitMax
	}
}

func WithAPILogger(l *zap.Logger) APIOption {
	return func(c *APIClient) {
		c.logger = l
		c.reads.Logger = retryLogger{l.Sugar()}
		c.writes.Logger = retryLogger{l.Sugar()}
	}
}

func newRetryClient(retries int) *retryablehttp.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = retries
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = nil
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return rc
}

func NewAPIClient(baseURL string, token func() string, opts ...APIOption) *APIClient {
	c := &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		reads:   newRetryClient(3),
		writes:  newRetryClient(0),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *APIClient) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("ошибка сериализации запроса: %w", err)
		}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+"/api/v1"+path, payload)
	if err != nil {
		return fmt.Errorf("ошибка формирования запроса: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		req.Header.Set("Authorization", "Bearer "+c.token())
	}

	client := c.writes
	if method == http.MethodGet {
		client = c.reads
	}

	resp, err := client.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeErrorResponse(resp)
	}
	if out == nil {
		return nil
	}

	envelope := struct {
		Data interface{} `json:"data"`
	}{Data: out}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("ошибка разбора ответа %s %s: %w", method, path, err)
	}
	return nil
}

func sessionPath(id uuid.UUID, suffix string) string {
	return "/chat/sessions/" + id.String() + suffix
}

func (c *APIClient) StartSession(ctx context.Context) (*domain.ChatSession, error) {
	var session domain.ChatSession
	if err := c.do(ctx, http.MethodPost, "/chat/sessions", nil, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (c *APIClient) ListOpenSessions(ctx context.Context) ([]domain.ChatSession, error) {
	var sessions []domain.ChatSession
	if err := c.do(ctx, http.MethodGet, "/chat/sessions/open", nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (c *APIClient) ListWaitingSessions(ctx context.Context, limit, offset int) ([]domain.ChatSession, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))

	var sessions []domain.ChatSession
	if err := c.do(ctx, http.MethodGet, "/chat/sessions/waiting?"+q.Encode(), nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (c *APIClient) GetSession(ctx context.Context, id uuid.UUID) (*domain.ChatSession, error) {
	var session domain.ChatSession
	if err := c.do(ctx, http.MethodGet, sessionPath(id, ""), nil, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (c *APIClient) ClaimSession(ctx context.Context, id uuid.UUID) (*domain.ChatSession, error) {
	var session domain.ChatSession
	if err := c.do(ctx, http.MethodPost, sessionPath(id, "/claim"), nil, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (c *APIClient) EndSession(ctx context.Context, id uuid.UUID, reason domain.EndReason) (*domain.ChatSession, error) {
	var session domain.ChatSession
	body := domain.EndSessionDTO{Reason: reason}
	if err := c.do(ctx, http.MethodPost, sessionPath(id, "/end"), body, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (c *APIClient) ListMessages(ctx context.Context, id uuid.UUID) ([]domain.ChatMessage, error) {
	var messages []domain.ChatMessage
	if err := c.do(ctx, http.MethodGet, sessionPath(id, "/messages"), nil, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (c *APIClient) SendMessage(ctx context.Context, id uuid.UUID, params SendParams) (*domain.ChatMessage, error) {
	var message domain.ChatMessage
	if err := c.do(ctx, http.MethodPost, sessionPath(id, "/messages"), params, &message); err != nil {
		return nil, err
	}
	return &message, nil
}

func (c *APIClient) MarkMessagesAsRead(ctx context.Context, id uuid.UUID) (int64, error) {
	var out struct {
		Count int64 `json:"count"`
	}
	if err := c.do(ctx, http.MethodPost, sessionPath(id, "/read"), nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

func (c *APIClient) UnreadCount(ctx context.Context, id uuid.UUID) (int64, error) {
	var out struct {
		Count int64 `json:"count"`
	}
	if err := c.do(ctx, http.MethodGet, sessionPath(id, "/unread"), nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// retryLogger adapts zap to retryablehttp's leveled logger.
type retryLogger struct {
	s *zap.SugaredLogger
}

func (l retryLogger) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }
func (l retryLogger) Info(msg string, kv ...interface{})  { l.s.Debugw(msg, kv...) }
func (l retryLogger) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l retryLogger) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }

// AttachmentLink asks for a short-lived download link of an attachment
// previously uploaded to the session.
func (c *APIClient) AttachmentLink(ctx context.Context, id uuid.UUID, attachmentID string) (*domain.AttachmentLink, error) {
	var link domain.AttachmentLink
	path := sessionPath(id, "/attachments/"+url.PathEscape(attachmentID))
	if err := c.do(ctx, http.MethodGet, path, nil, &link); err != nil {
		return nil, err
	}
	return &link, nil
}
