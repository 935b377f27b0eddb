// train_model 是 "houseprice train" 的独立入口，便于在定时任务中离线训练。
package main

import (
	"os"

	"houseprice/cli"
)

func main() {
	cli.ExecuteArgs(append([]string{"train"}, os.Args[1:]...))
}
