// リレーサービスのエントリポイント。
// ブロックチェーンのトランザクション状態と通知を、
// WebSocketでウォレットごとのルームへ中継する。
package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/nao1215/memberhub/internal/config"
	"github.com/nao1215/memberhub/internal/relay"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("設定の読み込みに失敗: %v", err)
	}

	server, err := relay.NewServer(cfg)
	if err != nil {
		log.Fatalf("リレーサーバーの初期化に失敗: %v", err)
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Println("リレーサービスを停止します")
		if err := server.Close(); err != nil {
			log.Printf("停止処理に失敗: %v", err)
		}
		os.Exit(0)
	}()

	log.Printf("リレーサービスを起動します: :%s", cfg.Port)
	if err := server.Run(); err != nil {
		log.Fatalf("リレーサービスの起動に失敗: %v", err)
	}
}
