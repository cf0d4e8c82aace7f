// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// ウォレットアドレスを載せたJWTの発行と検証、通知注入APIの共有キー検証、
// パニックリカバリ、CORS設定を含む。
package middleware
