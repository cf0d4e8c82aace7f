// Package httpclient はリレーのHTTP APIを呼び出すクライアントを提供する。
//
// Webhookやバッチ処理などのバックエンドプロセスが、トランザクション状態や
// 通知をリレーに注入する際に使用する。共有キーとJWTの付与を統一する。
package httpclient
