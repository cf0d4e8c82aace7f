// リレーへ通知を注入するコマンドラインツール。
// Webhookやcronジョブから、トランザクション更新や通知を送るために使う。
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
