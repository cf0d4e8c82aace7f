package event

import (
	"encoding/json"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Name はチャネル上でやり取りされるイベント名を表す。
type Name string

const (
	// NameTransactionUpdate はトランザクション状態の更新を表す。
	NameTransactionUpdate Name = "transaction-update"
	// NameNotification はユーザー向けの通知を表す。
	NameNotification Name = "notification"
	// NameAdminNotification は管理者ルーム向けの通知を表す。
	NameAdminNotification Name = "admin-notification"

	// NameSubscribe はクライアントからのルーム参加要求を表す。
	NameSubscribe Name = "subscribe"
	// NameUnsubscribe はクライアントからのルーム退出要求を表す。
	NameUnsubscribe Name = "unsubscribe"
	// NameSubscribed はルーム参加が受理されたことをクライアントに伝える。
	NameSubscribed Name = "subscribed"
	// NameError はクライアント要求が拒否されたことを伝える。
	NameError Name = "error"
)

// Room はメッセージの配信先となる名前付きグループ。
type Room string

// AdminRoom は管理者向けの監視ルーム。
const AdminRoom Room = "admin"

// userRoomPrefix はユーザールーム名の接頭辞。
const userRoomPrefix = "user:"

// UserRoom はウォレットアドレスに対応するユーザールームを返す。
func UserRoom(address string) Room {
	return Room(userRoomPrefix + NormalizeAddress(address))
}

// UserAddress はユーザールームであればそのアドレスを返す。
func (r Room) UserAddress() (string, bool) {
	addr, ok := strings.CutPrefix(string(r), userRoomPrefix)
	if !ok || addr == "" {
		return "", false
	}
	return NormalizeAddress(addr), true
}

// Normalize はユーザールーム名のアドレス部分を正規化したルームを返す。
// ユーザールーム以外はそのまま返す。
func (r Room) Normalize() Room {
	if addr, ok := r.UserAddress(); ok {
		return Room(userRoomPrefix + addr)
	}
	return r
}

// NormalizeAddress はEthereumアドレスを小文字表記に揃える。
// 20バイトの16進アドレスとして解釈できない値は不透明な識別子としてそのまま返す。
// ブラウザウォレットは小文字、バックエンドはチェックサム表記を送ってくることがあるため、
// 同じアドレスが別のルームやキーに分かれないようにする。
func NormalizeAddress(address string) string {
	if common.IsHexAddress(address) {
		return strings.ToLower(common.HexToAddress(address).Hex())
	}
	return address
}

// Envelope はWebSocket上で送受信される1フレームを表す。
type Envelope struct {
	// Event はイベント名。
	Event Name `json:"event"`
	// Data はイベント固有のデータ（JSON形式）。
	Data json.RawMessage `json:"data,omitempty"`
}
