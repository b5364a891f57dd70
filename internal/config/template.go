package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/John-Robertt/tilestage/internal/log"
)

const templateHeader = `# tilestage 配置文件
#
# 优先级：CLI flag > TILESTAGE_<KEY> 环境变量 > 本文件 > 内置默认值
# 相对路径以运行 tilestage 时的工作目录为基准。
#
# height_files / albedo_files 非空时只复制清单中的文件（不扫描目录、不做后缀过滤）。

`

// Defaults 返回写入默认配置文件时使用的值。
func Defaults() FileConfig {
	return FileConfig{
		SourceHeightDir: "pipeline/dds_height",
		SourceAlbedoDir: "pipeline/dds_albedo",
		DestRoot:        ".",
		MaxWorkers:      DefaultMaxWorkers,
		ExtensionFilter: DefaultExtension,
		HeightFiles:     []string{},
		AlbedoFiles:     []string{},
		Watch:           WatchConfig{Debounce: DefaultDebounce},
		Log:             LogConfig{Level: "info"},
		Tracing: TracingConfig{
			Exporter:     "none",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

// RenderDefault 把 Defaults 渲染为带注释头的 YAML。
func RenderDefault() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(templateHeader)

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(defaultsDocument()); err != nil {
		return nil, fmt.Errorf("encoding default config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encoding default config: %w", err)
	}
	return buf.Bytes(), nil
}

// defaultsDocument 把 time.Duration 渲染为 "2s" 而不是纳秒整数，保证 viper 能读回。
func defaultsDocument() map[string]any {
	d := Defaults()
	return map[string]any{
		KeySourceHeightDir: d.SourceHeightDir,
		KeySourceAlbedoDir: d.SourceAlbedoDir,
		KeyDestRoot:        d.DestRoot,
		KeyMaxWorkers:      d.MaxWorkers,
		KeyExtensionFilter: d.ExtensionFilter,
		KeyHeightFiles:     d.HeightFiles,
		KeyAlbedoFiles:     d.AlbedoFiles,
		"watch":            map[string]any{"debounce": d.Watch.Debounce.String()},
		"log":              map[string]any{"level": d.Log.Level, "file": d.Log.File},
		"tracing": map[string]any{
			"enabled":       d.Tracing.Enabled,
			"exporter":      d.Tracing.Exporter,
			"file_path":     d.Tracing.FilePath,
			"otlp_endpoint": d.Tracing.OTLPEndpoint,
			"sample_rate":   d.Tracing.SampleRate,
		},
	}
}

// WriteDefault 在 path 写入默认配置；文件已存在时返回 os.ErrExist（不覆盖）。
func WriteDefault(path string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", path)

	b, err := RenderDefault()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "path", path)
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644) //nolint:gosec // G304: user-chosen config path
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing config file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", path)
	return nil
}
