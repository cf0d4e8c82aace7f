// Package hub はルーム単位で配信するWebSocketの通信路を提供する。
//
// クライアントは {"event":"subscribe","data":"user:<address>"} を送ってルームに参加し、
// サーバーは {"event":"<name>","data":...} の形式でイベントを届ける。
// 配信は送りっぱなしで、購読者がいなければ何も起きない。
package hub
