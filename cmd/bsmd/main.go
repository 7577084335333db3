// Command bsmd 是智能体执行编排服务的入口。
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "bsmd 运行失败: %v\n", err)
		os.Exit(1)
	}
}
