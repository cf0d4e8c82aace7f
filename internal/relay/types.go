package relay

import "github.com/nao1215/memberhub/pkg/event"

// UpdateKind はトランザクション更新の種類を表す。
// prepare/complete/error 以外の値は保留状態に影響しない素通しのイベントとして扱う。
type UpdateKind string

const (
	// UpdatePrepare はトランザクションの送信準備が始まったことを表す。
	UpdatePrepare UpdateKind = "prepare"
	// UpdateComplete はトランザクションが成功したことを表す。
	UpdateComplete UpdateKind = "complete"
	// UpdateError はトランザクションが失敗したことを表す。
	UpdateError UpdateKind = "error"
)

// Tracked は保留中トランザクションの登録・解除を伴う種類かどうかを返す。
func (k UpdateKind) Tracked() bool {
	switch k {
	case UpdatePrepare, UpdateComplete, UpdateError:
		return true
	default:
		return false
	}
}

// Resolves は保留中の記録を解除する種類かどうかを返す。
func (k UpdateKind) Resolves() bool {
	return k == UpdateComplete || k == UpdateError
}

// KindFromStatus はHTTP APIで受け取ったステータス文字列を更新種類に変換する。
// "success" は complete、"failed" は error、それ以外はすべて prepare になる。
func KindFromStatus(status string) UpdateKind {
	switch status {
	case "success":
		return UpdateComplete
	case "failed":
		return UpdateError
	default:
		return UpdatePrepare
	}
}

// 代表的なトランザクション種別。txTypeは任意の文字列を受け付ける。
const (
	TxTypeApprove  = "approve"
	TxTypeRegister = "register"
	TxTypeUpgrade  = "upgrade"
	TxTypeExit     = "exit"
	TxTypeSetImage = "setImage"
)

// StatusPending は保留中トランザクションとして記録する状態。
const StatusPending = "pending"

// TransactionUpdate はトランザクション状態の更新メッセージ。
type TransactionUpdate struct {
	// Type は更新の種類。
	Type UpdateKind `json:"type"`
	// TxType はトランザクション種別（register, upgrade など）。
	TxType string `json:"txType"`
	// TxHash はトランザクションハッシュ。送信前は空。
	TxHash string `json:"txHash,omitempty"`
	// Status は人が読むための状態文字列。
	Status string `json:"status"`
	// Message は表示用メッセージ。
	Message string `json:"message"`
	// Timestamp は配信時刻（Unixミリ秒）。呼び出し側の値は上書きされる。
	Timestamp int64 `json:"timestamp"`
	// UserAddress は管理者ルーム向けのコピーにだけ付与される対象アドレス。
	UserAddress string `json:"userAddress,omitempty"`
}

// Notification は一般的な通知メッセージ。
type Notification struct {
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Message は通知メッセージ。
	Message string `json:"message"`
	// Type は重要度（info, success, danger など）。
	Type string `json:"type"`
	// Timestamp は配信時刻（Unixミリ秒）。
	Timestamp int64 `json:"timestamp"`
}

// PendingTransaction は保留中トランザクションの一覧要素。
type PendingTransaction struct {
	// TxType はトランザクション種別。
	TxType string `json:"txType"`
	// Status は記録時の状態。
	Status string `json:"status"`
	// Timestamp は記録時刻（Unixミリ秒）。
	Timestamp int64 `json:"timestamp"`
}

// Channel はルーム単位でイベントを配信する双方向リアルタイム通信路。
// 購読者のいないルームへの配信はエラーにならない。
type Channel interface {
	// EmitToRoom は指定ルームに参加中の接続へイベントを送る。
	EmitToRoom(room event.Room, name event.Name, payload any) error
	// EmitToAll は接続中のすべてのセッションへイベントを送る。
	EmitToAll(name event.Name, payload any) error
}
