package hub

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/nao1215/memberhub/pkg/event"
	"github.com/nao1215/memberhub/pkg/middleware"
)

var (
	// ErrForbidden はルームへの参加が許可されなかったことを表す。
	ErrForbidden = errors.New("このルームに参加する権限がありません")
	// ErrEmptyRoom はルーム名が空であることを表す。
	ErrEmptyRoom = errors.New("ルーム名が必要です")
)

// Identity は接続元の識別情報。
type Identity struct {
	// Address は署名で確認済みのウォレットアドレス。匿名接続では空。
	Address string
	// Admin は管理者ルームへの参加を許可するかどうか。
	Admin bool
}

// Policy はルーム参加の可否を判定する。
type Policy interface {
	Authorize(id Identity, room event.Room) error
}

// OpenPolicy はどのクライアントにもどのルームへの参加も許可する。
// 他人のユーザールームや管理者ルームも購読できてしまうため、
// 署名ログインを導入していない環境との互換用に限って使う。
type OpenPolicy struct{}

// Authorize は空でないルーム名をすべて許可する。
func (OpenPolicy) Authorize(_ Identity, room event.Room) error {
	if room == "" {
		return ErrEmptyRoom
	}
	return nil
}

// TokenPolicy はルーム名を接続元の検証済みアドレスに結び付ける。
// user:<address> は本人のみ、admin は管理者トークンのみ参加できる。
type TokenPolicy struct{}

// Authorize はルーム名と識別情報を照合する。
func (TokenPolicy) Authorize(id Identity, room event.Room) error {
	if room == "" {
		return ErrEmptyRoom
	}
	if room == event.AdminRoom {
		if id.Admin {
			return nil
		}
		return ErrForbidden
	}
	if addr, ok := room.UserAddress(); ok && id.Address != "" && addr == event.NormalizeAddress(id.Address) {
		return nil
	}
	return ErrForbidden
}

// PolicyByName は設定値からPolicyを返す。
func PolicyByName(name string) (Policy, error) {
	switch name {
	case "", "open":
		return OpenPolicy{}, nil
	case "token":
		return TokenPolicy{}, nil
	default:
		return nil, fmt.Errorf("不明なルーム認可モード: %s", name)
	}
}

// Authenticator はWebSocketのアップグレード要求から識別情報を取り出す。
type Authenticator func(r *http.Request) (Identity, error)

// Anonymous はすべての接続を匿名として扱う。
func Anonymous(_ *http.Request) (Identity, error) {
	return Identity{}, nil
}

// TokenAuthenticator はクエリパラメータ token またはAuthorizationヘッダーの
// JWTを検証する。トークンが無い接続は匿名として受け入れる。
// ブラウザのWebSocket APIは任意のヘッダーを付けられないためクエリも受け付ける。
func TokenAuthenticator(secret string) Authenticator {
	return func(r *http.Request) (Identity, error) {
		token := r.URL.Query().Get("token")
		if token == "" {
			token, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if token == "" {
			return Identity{}, nil
		}

		claims, err := middleware.ParseJWT(secret, token)
		if err != nil {
			return Identity{}, err
		}
		return Identity{Address: claims.Address, Admin: claims.Admin}, nil
	}
}

// AuthenticatorFor はPolicyに合わせたAuthenticatorを返す。
// OpenPolicyは識別情報を使わないため、古いトークンを持つクライアントも拒否しない。
func AuthenticatorFor(policy Policy, secret string) Authenticator {
	if _, open := policy.(OpenPolicy); open {
		return Anonymous
	}
	return TokenAuthenticator(secret)
}
