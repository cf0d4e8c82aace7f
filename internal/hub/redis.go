package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/nao1215/memberhub/pkg/event"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisChannel は複数プロセス間の配信に使うRedisのPub/Subチャネル名。
const DefaultRedisChannel = "memberhub:relay"

// bridgeMessage はRedis経由で他プロセスへ渡す配信指示。
type bridgeMessage struct {
	// Origin は送信元プロセスのID。自分が送ったものは再配信しない。
	Origin string `json:"origin"`
	// Room は配信先ルーム。Allがtrueの場合は空。
	Room event.Room `json:"room,omitempty"`
	// All は全接続への配信かどうか。
	All bool `json:"all,omitempty"`
	// Frame はエンコード済みのフレーム。
	Frame json.RawMessage `json:"frame"`
}

// RedisBridge はローカルのHubへ配信しつつ、同じ配信をRedis経由で他プロセスにも伝える。
// 保留中トランザクションの索引はプロセスごとに独立したままで、共有するのは配信だけ。
type RedisBridge struct {
	client  redis.UniversalClient
	local   *Hub
	channel string
	origin  string
}

// NewRedisBridge は新しいRedisBridgeを生成する。
func NewRedisBridge(client redis.UniversalClient, local *Hub, channel string) *RedisBridge {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisBridge{
		client:  client,
		local:   local,
		channel: channel,
		origin:  uuid.New().String(),
	}
}

// EmitToRoom はローカルのルームへ配信し、他プロセスにも同じ配信を依頼する。
func (b *RedisBridge) EmitToRoom(room event.Room, name event.Name, payload any) error {
	frame, err := event.Encode(name, payload)
	if err != nil {
		return err
	}
	b.local.DeliverToRoom(room, frame)
	return b.publish(bridgeMessage{Origin: b.origin, Room: room.Normalize(), Frame: frame})
}

// EmitToAll はローカルの全接続へ配信し、他プロセスにも同じ配信を依頼する。
func (b *RedisBridge) EmitToAll(name event.Name, payload any) error {
	frame, err := event.Encode(name, payload)
	if err != nil {
		return err
	}
	b.local.DeliverToAll(frame)
	return b.publish(bridgeMessage{Origin: b.origin, All: true, Frame: frame})
}

// publish は配信指示をRedisに送る。
func (b *RedisBridge) publish(msg bridgeMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("配信指示のシリアライズに失敗: %w", err)
	}
	if err := b.client.Publish(context.Background(), b.channel, data).Err(); err != nil {
		return fmt.Errorf("Redisへの配信指示の送信に失敗: %w", err)
	}
	return nil
}

// Subscribe はRedisのチャネルを購読し、購読が確立したら受信ループをgoroutineで開始する。
// ctxがキャンセルされると購読を終了する。
func (b *RedisBridge) Subscribe(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("Redisチャネルの購読に失敗: %w", err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				b.handle(m.Payload)
			}
		}
	}()

	log.Printf("[Hub] Redisチャネル %s の購読を開始しました", b.channel)
	return nil
}

// handle は他プロセスから届いた配信指示をローカルのHubに流す。
func (b *RedisBridge) handle(payload string) {
	var msg bridgeMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		log.Printf("[Hub] 配信指示のデシリアライズに失敗: %v", err)
		return
	}
	if msg.Origin == b.origin {
		return
	}
	if msg.All {
		b.local.DeliverToAll(msg.Frame)
		return
	}
	b.local.DeliverToRoom(msg.Room, msg.Frame)
}
