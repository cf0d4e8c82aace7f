package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// JWTClaims はJWTトークンのクレーム（ペイロード）を表す。
// 署名検証済みのウォレットアドレスをHTTP APIとWebSocketに伝播するために使用する。
type JWTClaims struct {
	jwt.RegisteredClaims
	// Address は署名で所有が確認されたウォレットアドレス。
	Address string `json:"address"`
	// Admin は管理者ルームへの参加を許可するかどうか。
	Admin bool `json:"admin,omitempty"`
}

const (
	// headerKeyAddress は認証済みアドレスをレスポンスに付与するHTTPヘッダーキー。
	headerKeyAddress = "X-Wallet-Address"
	// contextKeyAddress はGinコンテキストにアドレスを格納するキー。
	contextKeyAddress = "address"
	// contextKeyAdmin はGinコンテキストに管理者フラグを格納するキー。
	contextKeyAdmin = "admin"
	// tokenIssuer はトークンの発行者。
	tokenIssuer = "memberhub-relay"
	// tokenTTL はトークンの有効期間。
	tokenTTL = 24 * time.Hour
)

// ErrInvalidToken はトークンの検証に失敗したことを表す。
var ErrInvalidToken = errors.New("トークンが無効です")

// GenerateJWT はウォレットアドレスからJWTトークンを生成する。
// ウォレット署名によるログイン成功後に呼び出す。
func GenerateJWT(secret, address string, admin bool) (string, error) {
	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    tokenIssuer,
			Subject:   address,
		},
		Address: address,
		Admin:   admin,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// ParseJWT はトークン文字列を検証し、クレームを返す。
// WebSocket接続時のようにAuthorizationヘッダーを使えない経路でも利用する。
func ParseJWT(secret, tokenString string) (*JWTClaims, error) {
	claims := &JWTClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Address == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// JWTAuth はJWTトークンを検証するGinミドルウェアを返す。
// 検証に成功した場合、コンテキストに "address" と "admin" を設定する。
func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "Authorizationヘッダーが必要です",
			})
			return
		}

		tokenString, found := strings.CutPrefix(authHeader, "Bearer ")
		if !found {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "Bearer トークン形式が不正です",
			})
			return
		}

		claims, err := ParseJWT(secret, tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   ErrInvalidToken.Error(),
			})
			return
		}

		c.Set(contextKeyAddress, claims.Address)
		c.Set(contextKeyAdmin, claims.Admin)
		c.Header(headerKeyAddress, claims.Address)
		c.Next()
	}
}

// RequireAdmin は管理者トークンを持たないリクエストを拒否するGinミドルウェアを返す。
// JWTAuthミドルウェアの後に適用する必要がある。
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAdmin(c) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"success": false,
				"error":   "管理者権限が必要です",
			})
			return
		}
		c.Next()
	}
}

// GetAddress はGinコンテキストから認証済みアドレスを取得する。
// JWTAuthミドルウェアが事前に適用されている必要がある。
func GetAddress(c *gin.Context) string {
	address, _ := c.Get(contextKeyAddress)
	if addr, ok := address.(string); ok {
		return addr
	}
	return ""
}

// IsAdmin はGinコンテキストの管理者フラグを返す。
func IsAdmin(c *gin.Context) bool {
	admin, _ := c.Get(contextKeyAdmin)
	v, _ := admin.(bool)
	return v
}
