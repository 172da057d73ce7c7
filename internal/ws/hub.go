package ws

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/artisan-market/internal/goroutine"
	"github.com/ignatzorin/artisan-market/internal/logger"
	"github.com/ignatzorin/artisan-market/internal/metrics"
	"github.com/ignatzorin/artisan-market/internal/pkg/apperror"
)

// TokenVerifier проверяет access токен подключения.
type TokenVerifier interface {
	ParseAccess(token string) (uuid.UUID, string, error)
}

// PresenceAudience возвращает тех, кому интересен статус пользователя.
type PresenceAudience interface {
	Counterparties(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
}

// Hub - реестр realtime сессий: пользователь может держать несколько соединений.
// Создаётся при старте процесса и передаётся зависимым сервисам явно.
type Hub struct {
	mu       sync.RWMutex
	clients  map[uuid.UUID]map[*Client]struct{}
	rooms    map[string]map[*Client]struct{}
	tokens   TokenVerifier
	presence PresenceAudience
	chat     ChatHandler
}

type frame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// NewHub создаёт новый хаб.
func NewHub(tokens TokenVerifier, presence PresenceAudience) *Hub {
	return &Hub{
		clients:  make(map[uuid.UUID]map[*Client]struct{}),
		rooms:    make(map[string]map[*Client]struct{}),
		tokens:   tokens,
		presence: presence,
	}
}

// SetPresenceAudience задаёт, кому рассылать смену статуса online.
func (h *Hub) SetPresenceAudience(presence PresenceAudience) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.presence = presence
}

// SetChatHandler подключает обработку входящих событий чата.
func (h *Hub) SetChatHandler(handler ChatHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.chat = handler
}

// Authenticate проверяет токен подключения.
func (h *Hub) Authenticate(token string) (uuid.UUID, error) {
	if token == "" || h.tokens == nil {
		return uuid.Nil, apperror.ErrAuthentication
	}
	userID, _, err := h.tokens.ParseAccess(token)
	if err != nil || userID == uuid.Nil {
		return uuid.Nil, apperror.ErrAuthentication.WithCause(err)
	}
	return userID, nil
}

// Register добавляет соединение. Первое соединение пользователя объявляет его online.
func (h *Hub) Register(ctx context.Context, client *Client) {
	h.mu.Lock()
	conns, ok := h.clients[client.userID]
	if !ok {
		conns = make(map[*Client]struct{})
		h.clients[client.userID] = conns
	}
	conns[client] = struct{}{}
	first := len(conns) == 1
	h.mu.Unlock()

	metrics.RealtimeConnections.Inc()
	logger.Log.WithField("user_id", client.userID).Debug("ws: client connected")

	if first {
		h.announce(ctx, client.userID, "userOnline")
	}
}

// Unregister удаляет соединение из реестра и всех комнат. Повторный вызов ничего не делает.
func (h *Hub) Unregister(ctx context.Context, client *Client) {
	h.mu.Lock()
	conns, ok := h.clients[client.userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, present := conns[client]; !present {
		h.mu.Unlock()
		return
	}
	delete(conns, client)
	last := len(conns) == 0
	if last {
		delete(h.clients, client.userID)
	}
	for room := range client.rooms {
		h.leaveLocked(client, room)
	}
	h.mu.Unlock()

	metrics.RealtimeConnections.Dec()
	logger.Log.WithField("user_id", client.userID).Debug("ws: client disconnected")

	if last {
		h.announce(ctx, client.userID, "userOffline")
	}
}

func (h *Hub) announce(ctx context.Context, userID uuid.UUID, event string) {
	h.mu.RLock()
	presence := h.presence
	h.mu.RUnlock()
	if presence == nil {
		return
	}
	peers, err := presence.Counterparties(ctx, userID)
	if err != nil {
		logger.Log.WithError(err).WithField("user_id", userID).Warn("ws: presence audience lookup failed")
		return
	}
	payload := map[string]any{"user_id": userID}
	for _, peer := range peers {
		h.SendToUser(peer, event, payload)
	}
}

// IsOnline сообщает, есть ли у пользователя хотя бы одно соединение.
func (h *Hub) IsOnline(userID uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID]) > 0
}

// OnlineCount возвращает число пользователей в сети.
func (h *Hub) OnlineCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SendToUser отправляет событие на все соединения пользователя. Если пользователь
// не в сети, событие отбрасывается.
func (h *Hub) SendToUser(userID uuid.UUID, event string, data any) {
	raw, ok := encode(event, data)
	if !ok {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients[userID] {
		h.push(client, raw)
	}
}

// BroadcastToRoom отправляет событие всем подписчикам комнаты.
func (h *Hub) BroadcastToRoom(room, event string, data any) {
	raw, ok := encode(event, data)
	if !ok {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.rooms[room] {
		h.push(client, raw)
	}
}

// JoinRoom подписывает соединение на комнату после проверки доступа.
func (h *Hub) JoinRoom(ctx context.Context, client *Client, room string) error {
	h.mu.RLock()
	handler := h.chat
	h.mu.RUnlock()
	if handler == nil {
		return apperror.ErrForbidden
	}
	if err := handler.CanJoinRoom(ctx, client.userID, room); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, connected := h.clients[client.userID][client]; !connected {
		return apperror.ErrAuthentication
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[client] = struct{}{}
	client.rooms[room] = struct{}{}
	return nil
}

// LeaveRoom отписывает соединение от комнаты.
func (h *Hub) LeaveRoom(client *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(client, room)
}

func (h *Hub) leaveLocked(client *Client, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(client.rooms, room)
}

// push кладёт кадр в очередь клиента. Переполненная очередь означает, что клиент
// не успевает читать: соединение закрывается.
func (h *Hub) push(client *Client, raw []byte) {
	if client.enqueue(raw) {
		return
	}
	logger.Log.WithField("user_id", client.userID).Warn("ws: send buffer full, closing client")
	goroutine.SafeGoNamed("ws_close", client.Close)
}

func encode(event string, data any) ([]byte, bool) {
	raw, err := json.Marshal(frame{Type: event, Data: data})
	if err != nil {
		logger.Log.WithError(err).WithFields(logrus.Fields{"event": event}).Error("ws: encode event")
		return nil, false
	}
	return raw, true
}
