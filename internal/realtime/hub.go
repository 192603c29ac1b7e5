package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"supportdesk/internal/middleware"
	"supportdesk/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// ErrHubStopped hub 已停止，推送被丢弃
var ErrHubStopped = errors.New("realtime hub stopped")

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	readLimit  = 4096
	sendBuffer = 256
)

// Message 推送给客户端的消息
type Message struct {
	Type      string      `json:"type"`
	Topic     string      `json:"topic"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// 客户端上行消息类型
const (
	ClientJoinSession  = "join-session"
	ClientLeaveSession = "leave-session"
)

type inbound struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// PresenceRecorder 连接建立/断开时同步在线状态
type PresenceRecorder interface {
	MarkOnline(ctx context.Context, userID uint) error
	MarkOffline(ctx context.Context, userID uint) error
}

// Client 一个 WebSocket 连接
type Client struct {
	ID     string
	UserID uint
	Roles  []models.RoleName
	Conn   *websocket.Conn
	Send   chan Message
	Hub    *Hub

	mu       sync.RWMutex
	sessions map[string]struct{}
}

// NewClient 创建客户端；conn 为 nil 时只用于测试投递
func NewClient(hub *Hub, conn *websocket.Conn, userID uint, roles []models.RoleName, sessionIDs ...string) *Client {
	c := &Client{
		ID:       uuid.NewString(),
		UserID:   userID,
		Roles:    roles,
		Conn:     conn,
		Send:     make(chan Message, sendBuffer),
		Hub:      hub,
		sessions: make(map[string]struct{}),
	}
	for _, sid := range sessionIDs {
		if sid != "" {
			c.sessions[sid] = struct{}{}
		}
	}
	return c
}

// Subscribed 客户端是否订阅了 topic
func (c *Client) Subscribed(topic string) bool {
	kind, value, ok := strings.Cut(topic, ":")
	if !ok {
		return false
	}
	switch kind {
	case "session":
		c.mu.RLock()
		_, hit := c.sessions[value]
		c.mu.RUnlock()
		return hit
	case "user":
		return c.UserID != 0 && value == strconv.FormatUint(uint64(c.UserID), 10)
	case "role":
		for _, r := range c.Roles {
			if string(r) == value {
				return true
			}
		}
	}
	return false
}

func (c *Client) join(sessionID string) {
	c.mu.Lock()
	c.sessions[sessionID] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) leave(sessionID string) {
	c.mu.Lock()
	delete(c.sessions, sessionID)
	c.mu.Unlock()
}

type envelope struct {
	topic string
	msg   Message
}

// Hub 按 topic 分发：session:{id} / user:{id} / role:{name}
type Hub struct {
	clients    map[string]*Client
	publish    chan envelope
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mutex      sync.RWMutex
	logger     *logrus.Logger
	presence   PresenceRecorder
	upgrader   websocket.Upgrader
}

// NewHub 创建 hub；presence 可为 nil
func NewHub(logger *logrus.Logger, presence PresenceRecorder, allowedOrigins []string) *Hub {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	h := &Hub{
		clients:    make(map[string]*Client),
		publish:    make(chan envelope, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger,
		presence:   presence,
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: originChecker(allowedOrigins)}
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

// Run 事件循环，ctx 取消后关闭全部连接
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mutex.Lock()
			for id, client := range h.clients {
				close(client.Send)
				delete(h.clients, id)
			}
			h.mutex.Unlock()
			return

		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client.ID] = client
			h.mutex.Unlock()
			h.logger.Infof("Client %s connected (user=%d roles=%v)", client.ID, client.UserID, client.Roles)
			h.markPresence(client.UserID, true)

		case client := <-h.unregister:
			h.mutex.Lock()
			_, ok := h.clients[client.ID]
			if ok {
				delete(h.clients, client.ID)
				close(client.Send)
			}
			h.mutex.Unlock()
			if ok {
				h.logger.Infof("Client %s disconnected", client.ID)
				if !h.IsOnline(context.Background(), client.UserID) {
					h.markPresence(client.UserID, false)
				}
			}

		case env := <-h.publish:
			h.mutex.Lock()
			for id, client := range h.clients {
				if !client.Subscribed(env.topic) {
					continue
				}
				select {
				case client.Send <- env.msg:
				default:
					h.logger.Warnf("Client %s send buffer full, dropping connection", id)
					close(client.Send)
					delete(h.clients, id)
				}
			}
			h.mutex.Unlock()
		}
	}
}

func (h *Hub) markPresence(userID uint, online bool) {
	if h.presence == nil || userID == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var err error
	if online {
		err = h.presence.MarkOnline(ctx, userID)
	} else {
		err = h.presence.MarkOffline(ctx, userID)
	}
	if err != nil {
		h.logger.Warnf("Failed to update presence for user %d: %v", userID, err)
	}
}

// Register 注册客户端
func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
	}
}

// Unregister 注销客户端
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Publish 发布到 topic
func (h *Hub) Publish(ctx context.Context, topic, event string, payload interface{}) error {
	env := envelope{topic: topic, msg: Message{Type: event, Topic: topic, Data: payload, Timestamp: time.Now()}}
	select {
	case h.publish <- env:
		return nil
	case <-h.done:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) EmitToSession(ctx context.Context, sessionID, event string, payload interface{}) error {
	return h.Publish(ctx, SessionTopic(sessionID), event, payload)
}

func (h *Hub) EmitToUser(ctx context.Context, userID uint, event string, payload interface{}) error {
	return h.Publish(ctx, UserTopic(userID), event, payload)
}

func (h *Hub) BroadcastToRole(ctx context.Context, role models.RoleName, event string, payload interface{}) error {
	return h.Publish(ctx, RoleTopic(role), event, payload)
}

// IsOnline 用户当前是否有连接
func (h *Hub) IsOnline(_ context.Context, userID uint) bool {
	if userID == 0 {
		return false
	}
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	for _, c := range h.clients {
		if c.UserID == userID {
			return true
		}
	}
	return false
}

// GetClientCount 当前连接数
func (h *Hub) GetClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

func SessionTopic(id string) string { return "session:" + id }

func UserTopic(id uint) string { return "user:" + strconv.FormatUint(uint64(id), 10) }

func RoleTopic(r models.RoleName) string { return "role:" + string(r) }

// HandleWebSocket GET /ws?sessionId=
// 身份只取认证中间件校验过的 user_id / roles；无令牌的连接为匿名，只能订阅会话
func (h *Hub) HandleWebSocket(c *gin.Context) {
	userID, roles := identity(c)
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Errorf("WebSocket upgrade failed: %v", err)
		return
	}

	client := NewClient(h, conn, userID, roles, c.Query("sessionId"))
	h.Register(client)

	go client.writePump()
	go client.readPump()
}

func identity(c *gin.Context) (uint, []models.RoleName) {
	userID, ok := middleware.UserID(c)
	if !ok {
		return 0, nil
	}
	raw := middleware.Roles(c)
	roles := make([]models.RoleName, 0, len(raw))
	for _, r := range raw {
		if role, ok := models.ParseRoleName(r); ok {
			roles = append(roles, role)
		}
	}
	return userID, roles
}

func (c *Client) readPump() {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(readLimit)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		// pong 同时续期在线状态
		c.Hub.markPresence(c.UserID, true)
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.logger.Errorf("WebSocket error: %v", err)
			}
			return
		}
		var in inbound
		if err := json.Unmarshal(raw, &in); err != nil {
			c.Hub.logger.Warnf("Invalid message format from %s: %v", c.ID, err)
			continue
		}
		c.handle(in)
	}
}

func (c *Client) handle(in inbound) {
	switch in.Type {
	case ClientJoinSession:
		if in.SessionID != "" {
			c.join(in.SessionID)
		}
	case ClientLeaveSession:
		c.leave(in.SessionID)
	default:
		c.Hub.logger.Warnf("Unknown message type: %s", in.Type)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteJSON(message); err != nil {
				c.Hub.logger.Errorf("WriteJSON error: %v", err)
				return
			}

		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
