package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/coursefeed/internal/app"
)

func main() {
	// ログは標準エラー出力、feedコマンドの結果は標準出力に書き出す
	if err := app.Run(os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
