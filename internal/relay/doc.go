// Package relay はトランザクション状態通知リレーの内部実装を提供する。
//
// ブラウザウォレットから送信されたトランザクションの進行状況を
// ユーザーごとのルームへリアルタイムに配信する。prepare で保留中として記録し、
// complete または error で記録を消す。記録はプロセス内の揮発キャッシュであり、
// 正となる状態は常にスマートコントラクト側にある。
//
// 主な機能:
//   - 保留中トランザクションの登録と解除（Registry）
//   - トランザクション更新と通知のルーム配信（Relay）
//   - Webhook等のバックエンドから通知を注入するHTTP API（Server）
package relay
