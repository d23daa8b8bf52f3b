package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"supportchat/internal/domain"
)

const (
	defaultPongWait = 60 * time.Second
	controlWait     = 10 * time.Second
)

// WebSocketConnector opens realtime channels against the /ws/chat endpoint.
type WebSocketConnector struct {
	baseURL  string
	token    func() string
	dialer   *websocket.Dialer
	pongWait time.Duration
	logger   *zap.Logger
}

type WebSocketOption func(*WebSocketConnector)

func WithDialer(d *websocket.Dialer) WebSocketOption {
	return func(c *WebSocketConnector) { c.dialer = d }
}

// WithPongWait sets how long the channel may stay silent before it is
// considered dead. The server pings well within the default.
func WithPongWait(d time.Duration) WebSocketOption {
	return func(c *WebSocketConnector) { c.pongWait = d }
}

func WithWebSocketLogger(l *zap.Logger) WebSocketOption {
	return func(c *WebSocketConnector) { c.logger = l }
}

// NewWebSocketConnector takes the server base URL (http or https) and a token
// source, called on every attempt so refreshed tokens are picked up.
func NewWebSocketConnector(baseURL string, token func() string, opts ...WebSocketOption) *WebSocketConnector {
	c := &WebSocketConnector{
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		dialer:   websocket.DefaultDialer,
		pongWait: defaultPongWait,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *WebSocketConnector) endpoint(sessionID uuid.UUID, channel string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("некорректный адрес сервера: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("неподдерживаемая схема %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/chat"

	q := url.Values{}
	q.Set("session_id", sessionID.String())
	q.Set("channel", channel)
	if c.token != nil {
		q.Set("token", c.token())
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *WebSocketConnector) Connect(ctx context.Context, sessionID uuid.UUID, channel string) (Channel, error) {
	endpoint, err := c.endpoint(sessionID, channel)
	if err != nil {
		return nil, err
	}

	conn, resp, err := c.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, decodeErrorResponse(resp)
		}
		return nil, fmt.Errorf("ошибка подключения к %s: %w", channel, err)
	}

	// The first frame must be the acknowledgement for this very channel.
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(controlWait)
	}
	conn.SetReadDeadline(deadline)

	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	frame, err := readFrame(conn)
	stop()
	if err != nil {
		conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("ожидание подтверждения %s: %w", channel, ctxErr)
		}
		return nil, fmt.Errorf("ожидание подтверждения %s: %w", channel, err)
	}
	if frame.Type != domain.FrameSubscribed || frame.Channel != channel {
		conn.Close()
		return nil, fmt.Errorf("неожиданный первый кадр %q для %q", frame.Type, frame.Channel)
	}

	ch := &wsChannel{
		conn:     conn,
		name:     channel,
		events:   make(chan domain.ChatEvent, 16),
		done:     make(chan struct{}),
		pongWait: c.pongWait,
		logger:   c.logger,
	}
	ch.armDeadline()
	conn.SetPingHandler(func(data string) error {
		ch.armDeadline()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(controlWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	go ch.read()

	return ch, nil
}

func readFrame(conn *websocket.Conn) (domain.RealtimeFrame, error) {
	var frame domain.RealtimeFrame
	_, payload, err := conn.ReadMessage()
	if err != nil {
		return frame, err
	}
	if err := json.Unmarshal(payload, &frame); err != nil {
		return frame, fmt.Errorf("ошибка разбора кадра: %w", err)
	}
	return frame, nil
}

type wsChannel struct {
	conn     *websocket.Conn
	name     string
	events   chan domain.ChatEvent
	done     chan struct{}
	once     sync.Once
	pongWait time.Duration
	logger   *zap.Logger

	mu  sync.Mutex
	err error
}

func (ch *wsChannel) armDeadline() {
	ch.conn.SetReadDeadline(time.Now().Add(ch.pongWait))
}

func (ch *wsChannel) Events() <-chan domain.ChatEvent {
	return ch.events
}

func (ch *wsChannel) Err() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.err
}

func (ch *wsChannel) Close() error {
	var err error
	ch.once.Do(func() {
		close(ch.done)
		ch.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = ch.conn.Close()
	})
	return err
}

func (ch *wsChannel) read() {
	defer close(ch.events)

	for {
		frame, err := readFrame(ch.conn)
		if err != nil {
			if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
				err = fmt.Errorf("%w: %v", domain.ErrForbidden, err)
			}
			select {
			case <-ch.done:
			default:
				ch.mu.Lock()
				ch.err = err
				ch.mu.Unlock()
			}
			return
		}

		// a frame for another epoch never reaches this session's listeners
		if frame.Channel != ch.name || frame.Type != domain.FrameEvent || frame.Event == nil {
			ch.logger.Debug("кадр отброшен", zap.String("channel", frame.Channel), zap.String("type", string(frame.Type)))
			continue
		}

		select {
		case ch.events <- *frame.Event:
		case <-ch.done:
			return
		}
	}
}

// decodeErrorResponse turns a rejected handshake or API call into a domain error.
func decodeErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var envelope struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Code == "" {
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Code:       envelope.Code,
		Message:    envelope.Message,
	}
	kind, known := domain.ErrorFromCode(envelope.Code)
	if !known {
		return apiErr
	}
	apiErr.err = kind

	if len(envelope.Data) > 0 && string(envelope.Data) != "null" {
		var session domain.ChatSession
		if err := json.Unmarshal(envelope.Data, &session); err == nil && session.ID != uuid.Nil {
			apiErr.err = domain.NewConflict(kind, &session)
		}
	}
	return apiErr
}
