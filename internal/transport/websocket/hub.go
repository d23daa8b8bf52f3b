package websocket

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"supportchat/internal/domain"
	"supportchat/internal/realtime"
	"supportchat/internal/service"
	"supportchat/internal/transport/rest"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	// the socket is gated by the bearer token, not by origin
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Hub fans broker events for a session out to the sockets subscribed to it.
// Each socket is one channel: a (session, connection epoch) pair named by the client.
type Hub struct {
	chat   service.ChatService
	auth   service.AuthService
	broker realtime.Broker
	logger *zap.Logger

	mutex   sync.RWMutex
	clients map[*Client]struct{}
	closed  bool

	pongWait   time.Duration
	pingPeriod time.Duration
}

// Client is one connected realtime channel.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	actor   domain.Actor
	channel string
	sub     realtime.Subscription
	done    chan struct{}
	once    sync.Once
}

func NewHub(services *service.Services, broker realtime.Broker, logger *zap.Logger) *Hub {
	return &Hub{
		chat:       services.Chat,
		auth:       services.Auth,
		broker:     broker,
		logger:     logger,
		clients:    make(map[*Client]struct{}),
		pongWait:   pongWait,
		pingPeriod: pingPeriod,
	}
}

func wsError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"status": "error", "code": code, "message": message})
}

func bearerToken(c *gin.Context) string {
	if token := c.Query("token"); token != "" {
		return token
	}
	header := c.GetHeader("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return token
	}
	return ""
}

// HandleWebSocket authorizes the caller for the session named by the channel,
// subscribes to its events and upgrades the connection. The first frame on the
// socket is the subscribed acknowledgement.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		wsError(c, http.StatusUnauthorized, domain.CodeUnauthorized, "токен не передан")
		return
	}

	actor, err := h.auth.ParseToken(c.Request.Context(), token)
	if err != nil {
		h.logger.Debug("токен websocket отклонен", zap.Error(err))
		wsError(c, http.StatusUnauthorized, domain.CodeUnauthorized, "недействительный токен")
		return
	}

	channel := c.Query("channel")
	sessionID, _, err := domain.ParseChannelName(channel)
	if err != nil {
		wsError(c, http.StatusBadRequest, domain.CodeValidation, "некорректное имя канала")
		return
	}
	if raw := c.Query("session_id"); raw != "" && raw != sessionID.String() {
		wsError(c, http.StatusBadRequest, domain.CodeValidation, "канал не соответствует сессии")
		return
	}

	if _, err := h.chat.GetSession(c.Request.Context(), actor, sessionID); err != nil {
		status := rest.HTTPStatusFromError(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("ошибка проверки доступа к сессии", zap.String("session_id", sessionID.String()), zap.Error(err))
		}
		wsError(c, status, domain.ErrorCode(err), "нет доступа к сессии")
		return
	}

	// Subscribe before the ack so that nothing published after it is missed.
	sub, err := h.broker.Subscribe(c.Request.Context(), domain.SessionTopic(sessionID))
	if err != nil {
		h.logger.Error("ошибка подписки на события сессии", zap.String("session_id", sessionID.String()), zap.Error(err))
		wsError(c, http.StatusServiceUnavailable, domain.CodeInternal, "брокер событий недоступен")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("ошибка upgrade websocket", zap.Error(err))
		sub.Close()
		return
	}

	client := &Client{
		hub:     h,
		conn:    conn,
		actor:   actor,
		channel: channel,
		sub:     sub,
		done:    make(chan struct{}),
	}

	if !h.register(client) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		sub.Close()
		return
	}

	h.logger.Info("канал подключен",
		zap.String("channel", channel),
		zap.Int64("user_id", actor.UserID),
		zap.String("role", string(actor.Role)))

	go client.writePump()
	go client.readPump()
}

func (h *Hub) register(client *Client) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.closed {
		return false
	}
	h.clients[client] = struct{}{}
	return true
}

func (h *Hub) unregister(client *Client) {
	h.mutex.Lock()
	delete(h.clients, client)
	h.mutex.Unlock()
}

// ClientCount reports how many channels are connected.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Close disconnects every channel. Hijacked connections are not tracked by
// http.Server.Shutdown, so this runs alongside it.
func (h *Hub) Close() {
	h.mutex.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.Unlock()

	for _, client := range clients {
		client.stop()
	}
}

func (c *Client) stop() {
	c.once.Do(func() {
		close(c.done)
	})
}

// readPump only drains control frames; clients publish through the REST API.
func (c *Client) readPump() {
	defer c.stop()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.hub.pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.hub.pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("ошибка чтения websocket", zap.String("channel", c.channel), zap.Error(err))
			}
			return
		}
	}
}

func (c *Client) write(frame domain.RealtimeFrame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *Client) closeWith(code int, text string) {
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(writeWait))
}

// revokedBy reports whether a session update takes the session away from the
// subscriber, e.g. another specialist claimed it. The update itself carries
// no messages and is still delivered; nothing after it is.
func (c *Client) revokedBy(event domain.ChatEvent) bool {
	if event.Type != domain.ChatEventSessionUpdated || event.Session == nil {
		return false
	}
	return !c.actor.CanAccess(event.Session)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.pingPeriod)
	defer func() {
		ticker.Stop()
		c.sub.Close()
		c.conn.Close()
		c.hub.unregister(c)
		c.hub.logger.Info("канал отключен", zap.String("channel", c.channel), zap.Int64("user_id", c.actor.UserID))
	}()

	if err := c.write(domain.RealtimeFrame{Type: domain.FrameSubscribed, Channel: c.channel}); err != nil {
		c.hub.logger.Warn("ошибка отправки подтверждения подписки", zap.String("channel", c.channel), zap.Error(err))
		return
	}

	for {
		select {
		case event, ok := <-c.sub.Events():
			if !ok {
				// dropped by the broker; the client reconnects and reloads
				c.closeWith(websocket.CloseTryAgainLater, "subscription closed")
				return
			}
			revoked := c.revokedBy(event)
			if err := c.write(domain.RealtimeFrame{Type: domain.FrameEvent, Channel: c.channel, Event: &event}); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					c.hub.logger.Warn("ошибка записи в websocket", zap.String("channel", c.channel), zap.Error(err))
				}
				return
			}
			if revoked {
				c.hub.logger.Info("доступ к сессии отозван",
					zap.String("channel", c.channel),
					zap.Int64("user_id", c.actor.UserID))
				c.closeWith(websocket.ClosePolicyViolation, "access revoked")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.closeWith(websocket.CloseGoingAway, "bye")
			return
		}
	}
}
