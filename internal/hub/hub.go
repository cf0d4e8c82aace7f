package hub

import (
	"errors"
	"log"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nao1215/memberhub/pkg/event"
)

const (
	// writeWait はフレーム1つの書き込みに許す時間。
	writeWait = 5 * time.Second
	// pongWait はクライアントからのPongを待つ時間。
	pongWait = 60 * time.Second
	// pingPeriod はPingの送信間隔。pongWaitより短くする。
	pingPeriod = (pongWait * 9) / 10
	// maxMessageSize はクライアントから受け付けるフレームの最大バイト数。
	maxMessageSize = 4096
	// sendBufferSize は接続ごとの送信キューの長さ。
	sendBufferSize = 64
)

var (
	// ErrUnknownConnection は接続IDが見つからないことを表す。
	ErrUnknownConnection = errors.New("接続が見つかりません")
	// ErrHubClosed はシャットダウン済みのHubを使ったことを表す。
	ErrHubClosed = errors.New("Hubは停止しています")
)

// Hub はWebSocket接続とルーム参加状況を管理し、ルーム単位で配信する。
// 配信は送信キューに積むだけで、購読者の受信完了は待たない。
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*conn
	rooms map[event.Room]map[string]*conn
	// closed はShutdown後にtrueになる。
	closed bool

	policy        Policy
	authenticate  Authenticator
	upgrader      websocket.Upgrader
	allowedOrigin func(r *http.Request) bool
}

// Option はHubの生成オプション。
type Option func(*Hub)

// WithPolicy はルーム参加の認可方式を指定する。
func WithPolicy(p Policy) Option {
	return func(h *Hub) {
		h.policy = p
	}
}

// WithAuthenticator は接続元の識別方法を指定する。
func WithAuthenticator(a Authenticator) Option {
	return func(h *Hub) {
		h.authenticate = a
	}
}

// WithAllowedOrigins はWebSocket接続を許可するOriginを指定する。
// 空または "*" を含む場合はすべて許可する。
func WithAllowedOrigins(origins []string) Option {
	return func(h *Hub) {
		if len(origins) == 0 || slices.Contains(origins, "*") {
			h.allowedOrigin = func(*http.Request) bool { return true }
			return
		}
		h.allowedOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || slices.Contains(origins, origin)
		}
	}
}

// New は新しいHubを生成する。
func New(opts ...Option) *Hub {
	h := &Hub{
		conns:         make(map[string]*conn),
		rooms:         make(map[event.Room]map[string]*conn),
		policy:        OpenPolicy{},
		authenticate:  Anonymous,
		allowedOrigin: func(*http.Request) bool { return true },
	}
	for _, opt := range opts {
		opt(h)
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.allowedOrigin,
	}
	return h
}

// ServeHTTP はWebSocketへのアップグレード要求を受け付ける。
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, ErrHubClosed.Error(), http.StatusServiceUnavailable)
		return
	}

	identity, err := h.authenticate(r)
	if err != nil {
		http.Error(w, "トークンが無効です", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgradeが既にエラー応答を書き込んでいる
		log.Printf("[Hub] WebSocketへのアップグレードに失敗: %v", err)
		return
	}

	c, err := h.register(ws, identity)
	if err != nil {
		_ = ws.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// register は接続を登録する。
func (h *Hub) register(ws *websocket.Conn, identity Identity) (*conn, error) {
	c := &conn{
		id:       uuid.New().String(),
		hub:      h,
		ws:       ws,
		send:     make(chan []byte, sendBufferSize),
		identity: identity,
		rooms:    make(map[event.Room]struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	h.conns[c.id] = c

	log.Printf("[Hub] クライアントが接続しました: %s", c.id)
	return c, nil
}

// unregister は接続をすべてのルームから外して破棄する。
func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[c.id]; !ok {
		return
	}
	h.dropLocked(c)
	log.Printf("[Hub] クライアントが切断しました: %s", c.id)
}

// dropLocked は接続を管理対象から外し、送信キューを閉じる。h.muを保持して呼ぶこと。
func (h *Hub) dropLocked(c *conn) {
	for room := range c.rooms {
		h.leaveLocked(c, room)
	}
	delete(h.conns, c.id)
	close(c.send)
}

// JoinRoom は接続をルームに参加させる。
// 認可方式により拒否された場合はErrForbiddenを返す。
func (h *Hub) JoinRoom(connID string, room event.Room) error {
	room = room.Normalize()

	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.conns[connID]
	if !ok {
		return ErrUnknownConnection
	}
	if err := h.policy.Authorize(c.identity, room); err != nil {
		return err
	}

	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]*conn)
		h.rooms[room] = members
	}
	members[c.id] = c
	c.rooms[room] = struct{}{}

	log.Printf("[Hub] クライアント %s がルームに参加しました: %s", connID, room)
	return nil
}

// LeaveRoom は接続をルームから外す。参加していない場合は何もしない。
func (h *Hub) LeaveRoom(connID string, room event.Room) error {
	room = room.Normalize()

	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.conns[connID]
	if !ok {
		return ErrUnknownConnection
	}
	h.leaveLocked(c, room)

	log.Printf("[Hub] クライアント %s がルームから退出しました: %s", connID, room)
	return nil
}

// leaveLocked はh.muを保持した状態で接続をルームから外す。
func (h *Hub) leaveLocked(c *conn, room event.Room) {
	delete(c.rooms, room)
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, c.id)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// Rooms は接続が参加しているルームを返す。
func (h *Hub) Rooms(connID string) []event.Room {
	h.mu.RLock()
	defer h.mu.RUnlock()

	c, ok := h.conns[connID]
	if !ok {
		return []event.Room{}
	}
	rooms := make([]event.Room, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	slices.Sort(rooms)
	return rooms
}

// ConnectionCount は接続中のセッション数を返す。
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// RoomSize はルームに参加中の接続数を返す。
func (h *Hub) RoomSize(room event.Room) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room.Normalize()])
}

// EmitToRoom はルームに参加中の接続へイベントを送る。
// 参加者がいない場合は何もしない。
func (h *Hub) EmitToRoom(room event.Room, name event.Name, payload any) error {
	frame, err := event.Encode(name, payload)
	if err != nil {
		return err
	}
	h.DeliverToRoom(room, frame)
	return nil
}

// EmitToAll は接続中のすべてのセッションへイベントを送る。
func (h *Hub) EmitToAll(name event.Name, payload any) error {
	frame, err := event.Encode(name, payload)
	if err != nil {
		return err
	}
	h.DeliverToAll(frame)
	return nil
}

// DeliverToRoom はエンコード済みのフレームをルームへ送る。
func (h *Hub) DeliverToRoom(room event.Room, frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, c := range h.rooms[room.Normalize()] {
		c.enqueue(frame)
	}
}

// DeliverToAll はエンコード済みのフレームを全接続へ送る。
func (h *Hub) DeliverToAll(frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, c := range h.conns {
		c.enqueue(frame)
	}
}

// Shutdown はすべての接続を閉じ、以降の接続を拒否する。
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for _, c := range h.conns {
		h.dropLocked(c)
	}
	log.Println("[Hub] すべての接続を閉じました")
}
