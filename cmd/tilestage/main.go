package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

var version = "dev"

// streams 把 stdout/stderr 及其 TTY 状态集中起来，便于测试时替换。
type streams struct {
	out    io.Writer
	err    io.Writer
	outTTY bool
	errTTY bool
}

// exitError 携带进程退出码；命令自身已输出错误信息时 err 可为空。
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit status %d", e.code)
}

func (e *exitError) Unwrap() error { return e.err }

func main() {
	os.Exit(execute(os.Args[1:], streams{
		out:    os.Stdout,
		err:    os.Stderr,
		outTTY: isTTY(os.Stdout),
		errTTY: isTTY(os.Stderr),
	}))
}

// execute 运行 CLI 并返回退出码：
// 0 全部成功；1 有失败（含启动/配置错误）；2 用法错误。
func execute(args []string, s streams) int {
	root := newRootCmd(s)
	root.SetArgs(args)

	err := root.Execute()
	if err == nil {
		return 0
	}

	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}

	// 其余错误都来自 cobra 的参数/子命令解析。
	fmt.Fprintf(s.err, "参数错误：%v\n\n", err)
	fmt.Fprintf(s.err, "使用 \"tilestage --help\" 查看用法。\n")
	return 2
}

func newRootCmd(s streams) *cobra.Command {
	root := &cobra.Command{
		Use:   "tilestage",
		Short: "把地形瓦片（height/albedo .dds）从管线输出复制到目标工程",
		Long: `tilestage 把管线产出的 height/albedo 瓦片并发复制到目标工程的 data/height 与 data/albedo。

配置来源（优先级从高到低）：命令行参数 > TILESTAGE_* 环境变量 > tilestage.yaml > 默认值。`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(s.out)
	root.SetErr(s.err)

	root.AddCommand(newRunCmd(s), newWatchCmd(s), newInitCmd(s))
	return root
}

func isTTY(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
