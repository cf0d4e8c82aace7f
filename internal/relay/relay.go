package relay

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/nao1215/memberhub/pkg/event"
)

// ErrNotInitialized は配信チャネルが接続されていないRelayを使ったことを表す。
// 呼び出し側のリクエスト処理を落とさないよう、パニックではなくエラーで返す。
var ErrNotInitialized = errors.New("通知リレーが初期化されていません")

// Relay はトランザクション更新と通知をルームへ配信する唯一の入口。
// トランザクション更新のときだけRegistryを変更する。
type Relay struct {
	// channel はルーム配信を行う通信路。nilの場合は未初期化として扱う。
	channel Channel
	// registry は保留中トランザクションの索引。
	registry *Registry
	// now は配信時刻の取得関数。テストで差し替える。
	now func() time.Time
}

// Option はRelayの生成オプション。
type Option func(*Relay)

// WithClock は配信時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(r *Relay) {
		r.now = now
	}
}

// WithRegistry は共有するRegistryを指定する。
func WithRegistry(registry *Registry) Option {
	return func(r *Relay) {
		r.registry = registry
	}
}

// New は新しいRelayを生成する。
// channelにnilを渡した場合、配信系の操作はすべてErrNotInitializedを返す。
func New(channel Channel, opts ...Option) *Relay {
	r := &Relay{
		channel:  channel,
		registry: NewRegistry(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// timestamp は現在時刻をUnixミリ秒で返す。
func (r *Relay) timestamp() int64 {
	return r.now().UnixMilli()
}

// ready は配信可能かどうかを確認し、未初期化ならログに残す。
func (r *Relay) ready(op string) error {
	if r.channel == nil {
		log.Printf("[Relay] 通知リレーが初期化されていないため%sを配信しません", op)
		return ErrNotInitialized
	}
	return nil
}

// SendTransactionUpdate はトランザクション更新を対象ユーザーのルームと管理者ルームに配信する。
// prepare は保留中として記録し、complete と error は記録を消す。
// それ以外の種類は記録に触れずにそのまま配信する。
//
// 記録の更新は配信より先に行う。管理者ルームへの配信だけが失敗した場合も、
// 記録は更新済みでユーザールームには届いたうえでエラーを返す。
// 同じ更新を再送しても記録は変わらないが、ユーザーには同じイベントがもう一度届く。
func (r *Relay) SendTransactionUpdate(update TransactionUpdate, userAddress string) error {
	if err := r.ready("トランザクション更新"); err != nil {
		return err
	}

	update.Timestamp = r.timestamp()
	update.UserAddress = ""

	switch {
	case update.Type == UpdatePrepare:
		r.registry.Upsert(userAddress, update.TxType, StatusPending, update.Timestamp)
	case update.Type.Resolves():
		r.registry.Clear(userAddress, update.TxType)
	}

	if err := r.channel.EmitToRoom(event.UserRoom(userAddress), event.NameTransactionUpdate, update); err != nil {
		return fmt.Errorf("ユーザールームへの配信に失敗: %w", err)
	}

	adminCopy := update
	adminCopy.UserAddress = userAddress
	if err := r.channel.EmitToRoom(event.AdminRoom, event.NameTransactionUpdate, adminCopy); err != nil {
		return fmt.Errorf("管理者ルームへの配信に失敗: %w", err)
	}

	log.Printf("[Relay] %s を %s に送信しました (txType=%s)", update.Type, userAddress, update.TxType)
	return nil
}

// SendUserNotification は通知を対象ユーザーのルームにだけ配信する。
func (r *Relay) SendUserNotification(notification Notification, userAddress string) error {
	if err := r.ready("ユーザー通知"); err != nil {
		return err
	}

	notification.Timestamp = r.timestamp()
	if err := r.channel.EmitToRoom(event.UserRoom(userAddress), event.NameNotification, notification); err != nil {
		return fmt.Errorf("ユーザー通知の配信に失敗: %w", err)
	}

	log.Printf("[Relay] %s に通知を送信しました: %s", userAddress, notification.Message)
	return nil
}

// BroadcastNotification は通知を接続中の全セッションに配信する。
func (r *Relay) BroadcastNotification(notification Notification) error {
	if err := r.ready("全体通知"); err != nil {
		return err
	}

	notification.Timestamp = r.timestamp()
	if err := r.channel.EmitToAll(event.NameNotification, notification); err != nil {
		return fmt.Errorf("全体通知の配信に失敗: %w", err)
	}

	log.Printf("[Relay] 全体通知を送信しました: %s", notification.Message)
	return nil
}

// SendAdminNotification は通知を管理者ルームにだけ配信する。
func (r *Relay) SendAdminNotification(notification Notification) error {
	if err := r.ready("管理者通知"); err != nil {
		return err
	}

	notification.Timestamp = r.timestamp()
	if err := r.channel.EmitToRoom(event.AdminRoom, event.NameAdminNotification, notification); err != nil {
		return fmt.Errorf("管理者通知の配信に失敗: %w", err)
	}

	log.Printf("[Relay] 管理者通知を送信しました: %s", notification.Message)
	return nil
}

// PendingTransactions は指定ユーザーの保留中トランザクションを返す。
// 未初期化の状態でも呼び出せる。
func (r *Relay) PendingTransactions(userAddress string) []PendingTransaction {
	return r.registry.ListForUser(userAddress)
}

// PendingCount は全ユーザー分の保留中トランザクション数を返す。
func (r *Relay) PendingCount() int {
	return r.registry.Len()
}
