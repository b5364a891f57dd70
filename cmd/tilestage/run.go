package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/John-Robertt/tilestage/internal/app/stage"
	"github.com/John-Robertt/tilestage/internal/config"
	"github.com/John-Robertt/tilestage/internal/infra/tracing"
	"github.com/John-Robertt/tilestage/internal/log"
)

// flagKeys 把 CLI flag 绑定到配置键（flag 只在显式给出时覆盖）。
var flagKeys = map[string]string{
	"source-height": config.KeySourceHeightDir,
	"source-albedo": config.KeySourceAlbedoDir,
	"dest-root":     config.KeyDestRoot,
	"workers":       config.KeyMaxWorkers,
	"ext":           config.KeyExtensionFilter,
	"report":        config.KeyReportPath,
	"trace":         config.KeyTracingEnabled,
	"trace-file":    config.KeyTracingFile,
	"log-file":      config.KeyLogFile,
	"debounce":      config.KeyWatchDebounce,
}

func newRunCmd(s streams) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "执行一次复制（height 后 albedo）",
		Long: `执行一次复制：先 height 后 albedo。

stdout 是终端时输出摘要与失败明细；否则 stdout 只输出一个 RunReport JSON（进度与摘要走 stderr）。`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd, s)
		},
	}
	addConfigFlags(cmd)
	return cmd
}

func addConfigFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringP("config", "c", "", "配置文件（默认读取 ./tilestage.yaml，不存在则忽略）")
	f.String("source-height", "", "height 瓦片源目录")
	f.String("source-albedo", "", "albedo 瓦片源目录")
	f.String("dest-root", "", "目标工程根目录（默认：当前目录）")
	f.IntP("workers", "w", 0, fmt.Sprintf("并发复制数（默认 %d，上限 %d）", config.DefaultMaxWorkers, config.MaxWorkersLimit))
	f.String("ext", "", fmt.Sprintf("后缀过滤，大小写不敏感（默认 %s）", config.DefaultExtension))
	f.String("report", "", "同时把 RunReport JSON 原子写入该文件")
	f.Bool("trace", false, "启用 OpenTelemetry tracing")
	f.String("trace-file", "", "tracing 写入 JSON lines 文件（隐含 --trace）")
	f.Bool("debug", false, "诊断日志输出到 stderr")
	f.String("log-file", "", "诊断日志追加写入该文件")
}

// loadConfig 按 flag > env > 文件 > 默认值 合并出最终配置。
func loadConfig(cmd *cobra.Command) (config.EffectiveConfig, error) {
	v := viper.New()
	for name, key := range flagKeys {
		f := cmd.Flags().Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return config.EffectiveConfig{}, err
		}
	}
	if cmd.Flags().Changed("trace-file") {
		v.Set(config.KeyTracingEnabled, true)
		v.Set(config.KeyTracingExporter, "file")
	}
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		v.Set(config.KeyLogLevel, "debug")
	}

	cwd, err := os.Getwd()
	if err != nil {
		return config.EffectiveConfig{}, &config.Error{Code: config.ErrCodeInvalid, Path: ".", Err: err}
	}
	cfgFile, _ := cmd.Flags().GetString("config")
	return config.Load(v, cwd, cfgFile)
}

// session 是 run/watch 共享的准备结果：配置、日志、tracing。
type session struct {
	eff      config.EffectiveConfig
	tracer   *tracing.Provider
	cleanups []func()
}

func (ss *session) close() {
	for i := len(ss.cleanups) - 1; i >= 0; i-- {
		ss.cleanups[i]()
	}
}

// openSession 完成命令的公共准备；失败时已输出 report，返回 exitError。
func openSession(cmd *cobra.Command, s streams) (*session, error) {
	ss := &session{}

	debug, _ := cmd.Flags().GetBool("debug")
	if debug {
		log.InitWriter(s.err, log.LevelDebug)
		ss.cleanups = append(ss.cleanups, log.Reset)
	}

	eff, err := loadConfig(cmd)
	if err != nil {
		log.ErrorErr(log.CatConfig, "Config rejected", err, "code", config.Code(err))
		emitReport(s, configErrorReport(err, config.Code(err)))
		ss.close()
		return nil, &exitError{code: 1, err: err}
	}
	ss.eff = eff

	if eff.Log.File != "" {
		level := log.ParseLevel(eff.Log.Level)
		if debug {
			level = log.LevelDebug
		}
		closeLog, err := log.Init(eff.Log.File, level)
		if err != nil {
			emitReport(s, configErrorReport(err, config.ErrCodeInvalid))
			ss.close()
			return nil, &exitError{code: 1, err: err}
		}
		ss.cleanups = append(ss.cleanups, log.Reset, closeLog)
	}

	tp, err := tracing.NewProvider(tracing.Config{
		Enabled:      eff.Tracing.Enabled,
		Exporter:     eff.Tracing.Exporter,
		FilePath:     eff.Tracing.FilePath,
		OTLPEndpoint: eff.Tracing.OTLPEndpoint,
		SampleRate:   eff.Tracing.SampleRate,
		ServiceName:  tracing.DefaultServiceName,
	})
	if err != nil {
		log.ErrorErr(log.CatTrace, "Tracing setup failed", err)
		emitReport(s, configErrorReport(err, config.ErrCodeInvalid))
		ss.close()
		return nil, &exitError{code: 1, err: err}
	}
	ss.tracer = tp
	ss.cleanups = append(ss.cleanups, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.ErrorErr(log.CatTrace, "Tracing shutdown failed", err)
		}
	})
	if tp.Enabled() {
		log.Info(log.CatTrace, "Tracing enabled", "exporter", eff.Tracing.Exporter)
	}

	log.Debug(log.CatConfig, "Effective config",
		"config_file", eff.ConfigFile,
		"source_height_dir", eff.SourceHeightDir,
		"source_albedo_dir", eff.SourceAlbedoDir,
		"dest_root", eff.DestRoot,
		"max_workers", eff.MaxWorkers,
		"extension_filter", eff.ExtensionFilter)
	return ss, nil
}

func runOnce(cmd *cobra.Command, s streams) error {
	ss, err := openSession(cmd, s)
	if err != nil {
		return err
	}
	defer ss.close()

	if ok := stagePass(cmd.Context(), s, ss.eff); !ok {
		return &exitError{code: 1}
	}
	return nil
}

// stagePass 执行一次 staging 并完成全部输出（进度、--report 文件、stdout 报告）。
// 返回 false 表示应以非 0 退出：有文件失败、group 中止或 report 写入失败。
func stagePass(ctx context.Context, s streams, eff config.EffectiveConfig) bool {
	ui := newProgressUI(s.err, s.errTTY)
	rr := stage.Execute(ctx, eff, ui)
	ui.Close()

	ok := !rr.Failed()
	if eff.ReportPath != "" {
		if err := writeReportFile(eff.ReportPath, rr); err != nil {
			fmt.Fprintf(s.err, "写入 report 失败：%v\n", err)
			log.ErrorErr(log.CatRun, "Report write failed", err, "path", eff.ReportPath)
			ok = false
		} else {
			log.Info(log.CatRun, "Report written", "path", eff.ReportPath)
		}
	}

	emitReport(s, rr)
	return ok
}
