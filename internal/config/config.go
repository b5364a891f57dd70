package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/John-Robertt/tilestage/internal/log"
	"github.com/John-Robertt/tilestage/internal/scan"
)

const (
	// ErrCodeNotFound 表示 --config 显式指定的配置文件不存在。
	ErrCodeNotFound = "config_not_found"
	// ErrCodeInvalid 表示配置文件无法读取/解析，或字段不合法。
	ErrCodeInvalid = "config_invalid"
	// ErrCodeMissingPath 表示 height/albedo 源目录都没有配置。
	ErrCodeMissingPath = "config_missing_path"
)

const (
	// DefaultConfigName 是 cwd 下自动发现的配置文件名。
	DefaultConfigName = "tilestage.yaml"
	// EnvPrefix：每个配置键都可以用 TILESTAGE_<KEY> 覆盖（"." 替换为 "_"）。
	EnvPrefix = "TILESTAGE"

	DefaultExtension = ".dds"
	// DefaultMaxWorkers 是并发的内置默认值（当配置未指定时）。
	DefaultMaxWorkers = 4
	// MaxWorkersLimit 是并发上限；超出截断。
	MaxWorkersLimit = 64
	DefaultDebounce = 2 * time.Second
)

// 配置键（viper key / yaml key / mapstructure tag 一致）。
const (
	KeySourceHeightDir = "source_height_dir"
	KeySourceAlbedoDir = "source_albedo_dir"
	KeyDestRoot        = "dest_root"
	KeyMaxWorkers      = "max_workers"
	KeyExtensionFilter = "extension_filter"
	KeyHeightFiles     = "height_files"
	KeyAlbedoFiles     = "albedo_files"
	KeyReportPath      = "report_path"
	KeyWatchDebounce   = "watch.debounce"
	KeyLogLevel        = "log.level"
	KeyLogFile         = "log.file"
	KeyTracingEnabled  = "tracing.enabled"
	KeyTracingExporter = "tracing.exporter"
	KeyTracingFile     = "tracing.file_path"
	KeyTracingEndpoint = "tracing.otlp_endpoint"
	KeyTracingSample   = "tracing.sample_rate"
)

// FileConfig 对应 tilestage.yaml 的结构（也是 viper 合并后的原始视图）。
type FileConfig struct {
	SourceHeightDir string        `mapstructure:"source_height_dir" yaml:"source_height_dir"`
	SourceAlbedoDir string        `mapstructure:"source_albedo_dir" yaml:"source_albedo_dir"`
	DestRoot        string        `mapstructure:"dest_root" yaml:"dest_root"`
	MaxWorkers      int           `mapstructure:"max_workers" yaml:"max_workers"`
	ExtensionFilter string        `mapstructure:"extension_filter" yaml:"extension_filter"`
	HeightFiles     []string      `mapstructure:"height_files" yaml:"height_files"`
	AlbedoFiles     []string      `mapstructure:"albedo_files" yaml:"albedo_files"`
	ReportPath      string        `mapstructure:"report_path" yaml:"report_path"`
	Watch           WatchConfig   `mapstructure:"watch" yaml:"watch"`
	Log             LogConfig     `mapstructure:"log" yaml:"log"`
	Tracing         TracingConfig `mapstructure:"tracing" yaml:"tracing"`
}

// WatchConfig 控制 watch 模式。
type WatchConfig struct {
	Debounce time.Duration `mapstructure:"debounce" yaml:"debounce"`
}

// LogConfig 控制诊断日志（默认关闭；--debug 输出到 stderr）。
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	File  string `mapstructure:"file" yaml:"file"`
}

// TracingConfig 对应 tracing.Config；在 config 包内独立声明，避免反向依赖。
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled" yaml:"enabled"`
	Exporter     string  `mapstructure:"exporter" yaml:"exporter"` // none|stdout|file|otlp
	FilePath     string  `mapstructure:"file_path" yaml:"file_path"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`
	SampleRate   float64 `mapstructure:"sample_rate" yaml:"sample_rate"`
}

// EffectiveConfig 是合并并做最小规范化后的最终配置（实现层直接消费，不再做二次默认/优先级判断）。
type EffectiveConfig struct {
	// ConfigFile 是实际读取的配置文件（未读取则为空）。
	ConfigFile string

	SourceHeightDir string
	SourceAlbedoDir string
	DestRoot        string

	MaxWorkers      int
	ExtensionFilter string

	// HeightFiles/AlbedoFiles 非空时该 group 走显式清单模式。
	HeightFiles []string
	AlbedoFiles []string

	ReportPath    string
	WatchDebounce time.Duration

	Log     LogConfig
	Tracing TracingConfig
}

// Error 是配置阶段的结构化错误（带 error_code）。
type Error struct {
	Code string
	Path string
	Err  error
}

func (e *Error) Error() string {
	switch e.Code {
	case ErrCodeNotFound:
		return fmt.Sprintf("%s：未找到配置文件 %q", e.Code, e.Path)
	case ErrCodeMissingPath:
		return fmt.Sprintf("%s：未配置 source_height_dir 或 source_albedo_dir（配置文件 %q）", e.Code, e.Path)
	case ErrCodeInvalid:
		if e.Err != nil {
			return fmt.Sprintf("%s：配置 %q 无效：%v", e.Code, e.Path, e.Err)
		}
		return fmt.Sprintf("%s：配置 %q 无效", e.Code, e.Path)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s：%v", e.Code, e.Err)
		}
		return e.Code
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Code 从 error 中提取 error_code；若不是 *Error 则返回空串。
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// SetDefaults 注册所有配置键的默认值。
// 每个键都必须有默认值：viper 的 AutomaticEnv 只对“已知键”生效。
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeySourceHeightDir, "")
	v.SetDefault(KeySourceAlbedoDir, "")
	v.SetDefault(KeyDestRoot, "")
	v.SetDefault(KeyMaxWorkers, DefaultMaxWorkers)
	v.SetDefault(KeyExtensionFilter, DefaultExtension)
	v.SetDefault(KeyHeightFiles, []string{})
	v.SetDefault(KeyAlbedoFiles, []string{})
	v.SetDefault(KeyReportPath, "")
	v.SetDefault(KeyWatchDebounce, DefaultDebounce)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFile, "")
	v.SetDefault(KeyTracingEnabled, false)
	v.SetDefault(KeyTracingExporter, "none")
	v.SetDefault(KeyTracingFile, "")
	v.SetDefault(KeyTracingEndpoint, "localhost:4317")
	v.SetDefault(KeyTracingSample, 1.0)
}

// Load 按约定发现并读取配置文件，与环境变量、已绑定的 CLI flag 合并为最终配置。
//
// 发现规则（固定）：
// 1) cfgFile 非空：必须存在，否则 config_not_found
// 2) cfgFile 为空：尝试读取 <cwd>/tilestage.yaml（可选）
//
// 覆盖优先级（由 viper 保证）：CLI flag > TILESTAGE_* 环境变量 > 配置文件 > 默认值。
// 相对路径一律以 cwd 为基准。
func Load(v *viper.Viper, cwd, cfgFile string) (EffectiveConfig, error) {
	cwdAbs, err := filepath.Abs(cwd)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cwd, Err: err}
	}

	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfgPath := ""
	if strings.TrimSpace(cfgFile) != "" {
		cfgPath = absCleanFrom(cwdAbs, cfgFile)
		if _, err := os.Stat(cfgPath); err != nil {
			if os.IsNotExist(err) {
				return EffectiveConfig{}, &Error{Code: ErrCodeNotFound, Path: cfgPath, Err: os.ErrNotExist}
			}
			return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
		}
	} else {
		p := filepath.Join(cwdAbs, DefaultConfigName)
		if _, err := os.Stat(p); err == nil {
			cfgPath = p
		}
	}

	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
		if err := v.ReadInConfig(); err != nil {
			return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
		}
		log.Debug(log.CatConfig, "Loaded config file", "path", cfgPath)
	}

	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: displayPath(cfgPath), Err: err}
	}

	eff, err := merge(cwdAbs, fc, displayPath(cfgPath))
	if err != nil {
		return EffectiveConfig{}, err
	}
	eff.ConfigFile = cfgPath
	return eff, nil
}

func merge(cwdAbs string, fc FileConfig, cfgPath string) (EffectiveConfig, error) {
	heightDir := absCleanFrom(cwdAbs, fc.SourceHeightDir)
	albedoDir := absCleanFrom(cwdAbs, fc.SourceAlbedoDir)
	if heightDir == "" && albedoDir == "" {
		return EffectiveConfig{}, &Error{Code: ErrCodeMissingPath, Path: cfgPath}
	}
	if heightDir == "" && len(fc.HeightFiles) > 0 {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: fmt.Errorf("height_files 需要同时配置 source_height_dir")}
	}
	if albedoDir == "" && len(fc.AlbedoFiles) > 0 {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: fmt.Errorf("albedo_files 需要同时配置 source_albedo_dir")}
	}

	// dest_root 未配置：使用当前工作目录（通常就是目标工程根目录）。
	destRoot := absCleanFrom(cwdAbs, fc.DestRoot)
	if destRoot == "" {
		destRoot = cwdAbs
	}

	workers := fc.MaxWorkers
	if workers == 0 {
		workers = DefaultMaxWorkers
	}
	if workers < 0 {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: fmt.Errorf("max_workers 必须是正整数，实际是 %d", fc.MaxWorkers)}
	}
	if workers > MaxWorkersLimit {
		workers = MaxWorkersLimit
	}

	ext := scan.NormalizeExt(fc.ExtensionFilter)
	if ext == "" {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: fmt.Errorf("extension_filter 不能为空")}
	}
	if strings.ContainsAny(ext, `/\`) {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: fmt.Errorf("extension_filter 不能包含路径分隔符：%q", fc.ExtensionFilter)}
	}

	debounce := fc.Watch.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	tr := fc.Tracing
	tr.Exporter = strings.ToLower(strings.TrimSpace(tr.Exporter))
	switch tr.Exporter {
	case "", "none", "stdout", "otlp":
	case "file":
		if tr.Enabled && strings.TrimSpace(tr.FilePath) == "" {
			return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: fmt.Errorf("tracing.exporter=file 但 tracing.file_path 为空")}
		}
		if tr.FilePath != "" {
			tr.FilePath = absCleanFrom(cwdAbs, tr.FilePath)
		}
	default:
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: fmt.Errorf("tracing.exporter 只能是 none|stdout|file|otlp，实际是 %q", tr.Exporter)}
	}

	lc := fc.Log
	if lc.File != "" {
		lc.File = absCleanFrom(cwdAbs, lc.File)
	}

	return EffectiveConfig{
		SourceHeightDir: heightDir,
		SourceAlbedoDir: albedoDir,
		DestRoot:        destRoot,
		MaxWorkers:      workers,
		ExtensionFilter: ext,
		HeightFiles:     cleanList(fc.HeightFiles),
		AlbedoFiles:     cleanList(fc.AlbedoFiles),
		ReportPath:      absCleanFrom(cwdAbs, fc.ReportPath),
		WatchDebounce:   debounce,
		Log:             lc,
		Tracing:         tr,
	}, nil
}

func cleanList(xs []string) []string {
	out := make([]string, 0, len(xs))
	for _, x := range xs {
		x = strings.TrimSpace(x)
		if x != "" {
			out = append(out, x)
		}
	}
	return out
}

func displayPath(cfgPath string) string {
	if cfgPath == "" {
		return "<flags/env>"
	}
	return cfgPath
}

// absCleanFrom 以 base 为基准，把 p 变为 clean + absolute。
// - p 若为空：返回空串
// - p 若已是绝对路径：直接 Clean
// - p 若是相对路径：Join(base, p) 后 Clean
func absCleanFrom(base, p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	p = filepath.Clean(p)
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(base, p))
}
