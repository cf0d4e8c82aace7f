package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// HeaderAPIKey はバックエンドからの通知注入APIで使う共有キーのヘッダー名。
const HeaderAPIKey = "X-API-Key"

// APIKey は共有キーを検証するGinミドルウェアを返す。
// keyが空の場合は検証を行わず、すべてのリクエストを通す。
func APIKey(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key == "" {
			c.Next()
			return
		}

		got := c.GetHeader(HeaderAPIKey)
		if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "APIキーが無効です",
			})
			return
		}
		c.Next()
	}
}
