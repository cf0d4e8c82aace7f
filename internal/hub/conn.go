package hub

import (
	"errors"
	"log"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nao1215/memberhub/pkg/event"
)

// conn はHubに登録された1つのWebSocket接続。
type conn struct {
	id       string
	hub      *Hub
	ws       *websocket.Conn
	identity Identity
	// send は書き込み用goroutineへ渡すフレームのキュー。hub.muの下でのみ送信・closeする。
	send chan []byte
	// rooms は参加中のルーム。hub.muで保護する。
	rooms map[event.Room]struct{}
}

// enqueue はフレームを送信キューに積む。キューが満杯なら破棄する。
// hub.muを保持した状態で呼ぶこと。
func (c *conn) enqueue(frame []byte) {
	select {
	case c.send <- frame:
	default:
		log.Printf("[Hub] 送信キューが満杯のためフレームを破棄しました: %s", c.id)
	}
}

// reply はこの接続だけにイベントを返す。
func (c *conn) reply(name event.Name, payload any) {
	frame, err := event.Encode(name, payload)
	if err != nil {
		log.Printf("[Hub] 応答のシリアライズに失敗: %v", err)
		return
	}

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if registered, ok := c.hub.conns[c.id]; ok && registered == c {
		c.enqueue(frame)
	}
}

// errorReply はクライアントに返すエラー内容。
type errorReply struct {
	Request event.Name `json:"request"`
	Room    event.Room `json:"room,omitempty"`
	Error   string     `json:"error"`
}

// readPump はクライアントからのフレームを読み、ルームの参加・退出を処理する。
// 接続が切れたらHubから登録を外す。
func (c *conn) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[Hub] WebSocketの読み込みに失敗: %v", err)
			}
			return
		}
		c.handleFrame(raw)
	}
}

// handleFrame は受信したフレーム1つを処理する。
func (c *conn) handleFrame(raw []byte) {
	env, err := event.Decode(raw)
	if err != nil {
		c.reply(event.NameError, errorReply{Error: err.Error()})
		return
	}

	switch env.Event {
	case event.NameSubscribe, event.NameUnsubscribe:
		room, err := event.DecodeData[event.Room](env)
		if err != nil {
			c.reply(event.NameError, errorReply{Request: env.Event, Error: err.Error()})
			return
		}
		c.handleRoomRequest(env.Event, *room)
	default:
		c.reply(event.NameError, errorReply{Request: env.Event, Error: "未対応のイベントです"})
	}
}

// handleRoomRequest はルームの参加・退出要求を処理する。
func (c *conn) handleRoomRequest(name event.Name, room event.Room) {
	var err error
	if name == event.NameSubscribe {
		err = c.hub.JoinRoom(c.id, room)
	} else {
		err = c.hub.LeaveRoom(c.id, room)
	}

	switch {
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrEmptyRoom):
		log.Printf("[Hub] クライアント %s の要求を拒否しました: %s %s", c.id, name, room)
		c.reply(event.NameError, errorReply{Request: name, Room: room, Error: err.Error()})
	case err != nil:
		c.reply(event.NameError, errorReply{Request: name, Room: room, Error: err.Error()})
	case name == event.NameSubscribe:
		c.reply(event.NameSubscribed, room.Normalize())
	}
}

// writePump は送信キューのフレームをWebSocketへ書き出し、定期的にPingを送る。
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hubが送信キューを閉じた
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Printf("[Hub] WebSocketへの書き込みに失敗: %v", err)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
