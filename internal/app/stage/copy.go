package stage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/John-Robertt/tilestage/internal/domain"
	"github.com/John-Robertt/tilestage/internal/infra/fsx"
	"github.com/John-Robertt/tilestage/internal/infra/tracing"
	"github.com/John-Robertt/tilestage/internal/log"
	"github.com/John-Robertt/tilestage/internal/scan"
)

const tracerName = "github.com/John-Robertt/tilestage/internal/app/stage"

// copyFileFunc 允许测试注入（计数并发、模拟中途删除源文件等）。
var copyFileFunc = fsx.CopyFileWithMetadata

func tracer() trace.Tracer { return otel.Tracer(tracerName) }

// Request 描述一次目录到目录的复制调用。
type Request struct {
	SourceDir string
	DestDir   string
	// Ext 为后缀过滤（大小写不敏感）；Files 非空时忽略。
	Ext string
	// Files 非空时走显式清单模式：不扫描目录，只复制清单中的文件。
	Files []string
	// Workers < 1 按 1 处理。
	Workers int
}

// FileFunc 在每个文件完成时被调用（完成顺序）。
// 回调在调用 CopyTasks 的 goroutine 中串行执行，done 从 1 递增到 total。
type FileFunc func(done, total int, res domain.CopyResult, dur time.Duration)

// SetupError 表示调用在调度任何复制之前就失败（源目录不存在/目标目录不可创建）。
// 这类错误对整个 run 是致命的。
type SetupError struct {
	Code string
	Dir  string
	Err  error
}

func (e *SetupError) Error() string {
	switch e.Code {
	case domain.ErrCodeSourceNotFound:
		return fmt.Sprintf("%s：源目录 %q 不存在或不是目录：%v", e.Code, e.Dir, e.Err)
	case domain.ErrCodeDestinationUnwritable:
		return fmt.Sprintf("%s：无法创建目标目录 %q：%v", e.Code, e.Dir, e.Err)
	default:
		return fmt.Sprintf("%s：%q：%v", e.Code, e.Dir, e.Err)
	}
}

func (e *SetupError) Unwrap() error { return e.Err }

// Code 从 error 中提取 SetupError 的 error_code；不是则返回空串。
func Code(err error) string {
	var e *SetupError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsSourceNotFound 判断 err 是否为源目录不存在。
func IsSourceNotFound(err error) bool {
	return Code(err) == domain.ErrCodeSourceNotFound
}

// ListTasks 完成调用前的全部准备：校验源目录、创建目标目录、确定任务集。
//
// 顺序固定：源目录检查失败时不会创建目标目录。
func ListTasks(req Request) ([]domain.CopyTask, error) {
	fi, err := os.Stat(req.SourceDir)
	if err != nil {
		return nil, &SetupError{Code: domain.ErrCodeSourceNotFound, Dir: req.SourceDir, Err: err}
	}
	if !fi.IsDir() {
		return nil, &SetupError{
			Code: domain.ErrCodeSourceNotFound,
			Dir:  req.SourceDir,
			Err:  &fsx.PathTypeConflictError{Path: req.SourceDir, Want: "dir", Got: "file"},
		}
	}

	if err := fsx.EnsureDir(req.DestDir); err != nil {
		return nil, &SetupError{Code: domain.ErrCodeDestinationUnwritable, Dir: req.DestDir, Err: err}
	}

	if len(req.Files) > 0 {
		tasks := scan.ManifestTasks(req.SourceDir, req.DestDir, req.Files)
		log.Debug(log.CatScan, "Manifest tasks", "source", req.SourceDir, "entries", len(req.Files), "tasks", len(tasks))
		return tasks, nil
	}

	tasks, err := scan.ListTiles(req.SourceDir, req.DestDir, req.Ext)
	if err != nil {
		return nil, &SetupError{Code: domain.ErrCodeSourceNotFound, Dir: req.SourceDir, Err: err}
	}
	log.Debug(log.CatScan, "Listed tiles", "source", req.SourceDir, "ext", req.Ext, "tasks", len(tasks))
	return tasks, nil
}

// CopyMatching 把 SourceDir 下匹配的文件并发复制到 DestDir。
//
// 返回值：
// - error 只可能是 *SetupError（此时没有任何文件被复制）
// - 否则每个任务恰好对应一个 CopyResult，顺序为完成顺序
func CopyMatching(ctx context.Context, req Request, fn FileFunc) ([]domain.CopyResult, error) {
	tasks, err := ListTasks(req)
	if err != nil {
		return nil, err
	}
	return CopyTasks(ctx, tasks, req.Workers, fn), nil
}

// CopyTasks 用固定大小的 worker pool 执行 tasks。
//
// - 最多 workers 个复制同时进行
// - 单个任务失败只影响自身结果，不取消其他任务
// - 一旦开始不可取消：ctx 只用于 tracing 的父 span
func CopyTasks(ctx context.Context, tasks []domain.CopyTask, workers int, fn FileFunc) []domain.CopyResult {
	if len(tasks) == 0 {
		return []domain.CopyResult{}
	}
	workers = poolSize(workers, len(tasks))

	type copyDone struct {
		res domain.CopyResult
		dur time.Duration
	}

	jobs := make(chan domain.CopyTask)
	results := make(chan copyDone, len(tasks))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range jobs {
				started := time.Now()
				r := copyOne(ctx, t)
				results <- copyDone{res: r, dur: time.Since(started)}
			}
		}()
	}

	go func() {
		for _, t := range tasks {
			jobs <- t
		}
		close(jobs)
		wg.Wait()
		close(results)
	}()

	out := make([]domain.CopyResult, 0, len(tasks))
	for d := range results {
		out = append(out, d.res)
		if fn != nil {
			fn(len(out), len(tasks), d.res, d.dur)
		}
	}
	return out
}

// poolSize 是实际启动的 worker 数：至少 1，不超过任务数（无任务时为 0）。
func poolSize(workers, tasks int) int {
	if tasks <= 0 {
		return 0
	}
	return max(1, min(workers, tasks))
}

func copyOne(ctx context.Context, t domain.CopyTask) (res domain.CopyResult) {
	_, span := tracer().Start(ctx, tracing.SpanFile, trace.WithAttributes(
		attribute.String(tracing.AttrFileName, t.Name),
	))
	defer span.End()

	res = domain.CopyResult{
		Name:   t.Name,
		Src:    t.SourcePath,
		Dst:    t.DestPath,
		Status: domain.StatusOK,
	}

	// worker 边界：panic 也降级为单文件失败。
	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("copy panicked: %v", p)
			res = failed(res, domain.ErrCodeCopyFailed, err)
			span.RecordError(err)
			span.SetStatus(codes.Error, domain.ErrCodeCopyFailed)
			log.Error(log.CatCopy, "Copy panicked", "name", t.Name, "panic", p)
		}
	}()

	n, err := copyFileFunc(t.SourcePath, t.DestPath)
	if err != nil {
		code := ErrorCode(err)
		res = failed(res, code, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, code)
		span.SetAttributes(attribute.String(tracing.AttrErrorCode, code))
		log.Warn(log.CatCopy, "Copy failed", "name", t.Name, "code", code, "error", err)
		return res
	}

	res.Bytes = n
	span.SetAttributes(attribute.Int64(tracing.AttrFileBytes, n))
	log.Debug(log.CatCopy, "Copied", "name", t.Name, "bytes", n, "dst", t.DestPath)
	return res
}

func failed(res domain.CopyResult, code string, err error) domain.CopyResult {
	res.Status = domain.StatusFailed
	res.ErrorCode = code
	res.ErrorMsg = err.Error()
	res.Bytes = 0
	return res
}

// ErrorCode 把单文件复制错误映射为 error_code：
// - 源文件在列目录之后消失：source_missing
// - 目标侧无法创建/写入（权限、类型冲突、跨盘）：destination_unwritable
// - 其余 I/O 失败：copy_failed
func ErrorCode(err error) string {
	ce := fsx.AsCopyError(err)
	if ce == nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.ErrCodeSourceMissing
		}
		return domain.ErrCodeCopyFailed
	}

	switch ce.Side {
	case fsx.SideSource:
		if errors.Is(err, fs.ErrNotExist) {
			return domain.ErrCodeSourceMissing
		}
	case fsx.SideDest:
		if ce.Op == "mkdir" || errors.Is(err, fs.ErrPermission) || fsx.IsPathTypeConflict(err) || fsx.IsCrossDevice(err) {
			return domain.ErrCodeDestinationUnwritable
		}
	}
	return domain.ErrCodeCopyFailed
}
