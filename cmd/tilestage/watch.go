package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/John-Robertt/tilestage/internal/config"
	"github.com/John-Robertt/tilestage/internal/log"
	"github.com/John-Robertt/tilestage/internal/watcher"
)

func newWatchCmd(s streams) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "先复制一次，之后源目录有变化就重新复制",
		Long: `先执行一次完整复制，然后监听 height/albedo 源目录；匹配的文件变化在防抖窗口结束后触发下一次复制。

Ctrl+C（SIGINT/SIGTERM）在当前这一轮复制结束后退出。
stdout 非 TTY 时每一轮输出一行 RunReport JSON。`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, s)
		},
	}
	addConfigFlags(cmd)
	cmd.Flags().Duration("debounce", config.DefaultDebounce, "变化合并窗口")
	return cmd
}

func runWatch(cmd *cobra.Command, s streams) error {
	ss, err := openSession(cmd, s)
	if err != nil {
		return err
	}
	defer ss.close()
	eff := ss.eff

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pass := func(ctx context.Context) bool {
		return stagePass(ctx, s, eff)
	}
	ok := pass(ctx)

	dirs := watchDirs(eff)
	ext := eff.ExtensionFilter
	if len(eff.HeightFiles) > 0 || len(eff.AlbedoFiles) > 0 {
		// 清单模式不做后缀过滤，监听也不过滤。
		ext = ""
	}

	w, err := watcher.New(watcher.Config{Dirs: dirs, Ext: ext, DebounceDur: eff.WatchDebounce})
	if err != nil {
		fmt.Fprintf(s.err, "初始化监听失败：%v\n", err)
		return &exitError{code: 1, err: err}
	}
	defer func() { _ = w.Stop() }()

	changes, err := w.Start()
	if err != nil {
		fmt.Fprintf(s.err, "监听失败：%v\n", err)
		return &exitError{code: 1, err: err}
	}

	fmt.Fprintf(s.err, "监听中：%s（防抖 %s，Ctrl+C 退出）\n", strings.Join(dirs, ", "), eff.WatchDebounce)
	log.Info(log.CatWatch, "Watching", "dirs", strings.Join(dirs, ","), "debounce", eff.WatchDebounce)

	return watchLoop(ctx, s, changes, ok, pass)
}

// watchLoop 在首轮（结果为 ok）之后，每收到一次 changes 信号执行一轮 pass。
//
// - pass 一旦开始就执行完；ctx 取消后不再开始新的一轮
// - 退出码由最后一轮决定：最后一轮失败返回 exitError{1}
func watchLoop(ctx context.Context, s streams, changes <-chan struct{}, ok bool, pass func(context.Context) bool) error {
	passes := 1

	for ctx.Err() == nil {
		select {
		case <-ctx.Done():
		case _, open := <-changes:
			if !open {
				log.Warn(log.CatWatch, "Watcher closed")
				return watchDone(s, passes, ok)
			}
			passes++
			fmt.Fprintf(s.err, "\n[%s] 检测到变化，开始第 %d 轮\n", time.Now().Format("15:04:05"), passes)
			ok = pass(ctx)
		}
	}
	return watchDone(s, passes, ok)
}

func watchDone(s streams, passes int, ok bool) error {
	fmt.Fprintf(s.err, "已停止：共 %d 轮\n", passes)
	log.Info(log.CatWatch, "Watch stopped", "passes", passes, "last_ok", ok)
	if !ok {
		return &exitError{code: 1}
	}
	return nil
}

func watchDirs(eff config.EffectiveConfig) []string {
	dirs := make([]string, 0, 2)
	for _, d := range []string{eff.SourceHeightDir, eff.SourceAlbedoDir} {
		if d != "" {
			dirs = append(dirs, d)
		}
	}
	return dirs
}
