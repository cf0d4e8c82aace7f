package event

import (
	"encoding/json"
	"fmt"
)

// New は新しいフレームを生成する。
// payloadにはイベント固有のデータ構造体を渡す。JSON形式にシリアライズされる。
func New(name Name, payload any) (*Envelope, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("イベントデータのシリアライズに失敗: %w", err)
	}

	return &Envelope{
		Event: name,
		Data:  jsonData,
	}, nil
}

// Encode はフレームを生成し、送信用のバイト列に変換する。
func Encode(name Name, payload any) ([]byte, error) {
	env, err := New(name, payload)
	if err != nil {
		return nil, err
	}

	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("フレームのシリアライズに失敗: %w", err)
	}
	return b, nil
}

// Decode は受信したバイト列をフレームにデシリアライズする。
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("フレームのデシリアライズに失敗: %w", err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("イベント名が空です")
	}
	return &env, nil
}

// DecodeData はフレームのDataフィールドを指定された型にデシリアライズする。
func DecodeData[T any](e *Envelope) (*T, error) {
	var data T
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return nil, fmt.Errorf("イベントデータのデシリアライズに失敗: %w", err)
	}
	return &data, nil
}
