package fsx

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// 通过可替换的函数指针，让测试能稳定模拟 EXDEV 等错误。
var renameFunc = os.Rename

// PathTypeConflictError 表示路径类型冲突（例如期望文件但实际是目录）。
type PathTypeConflictError struct {
	Path string
	Want string
	Got  string
}

func (e *PathTypeConflictError) Error() string {
	return fmt.Sprintf("路径类型冲突：%q（期望 %s，实际 %s）", e.Path, e.Want, e.Got)
}

func IsPathTypeConflict(err error) bool {
	var e *PathTypeConflictError
	return errors.As(err, &e)
}

// CrossDeviceError 表示跨盘（EXDEV）导致的 rename 失败。
// 临时文件与目标同目录，正常情况下不会出现；出现即视为目标不可写。
type CrossDeviceError struct {
	Src string
	Dst string
	Err error
}

func (e *CrossDeviceError) Error() string {
	return fmt.Sprintf("跨盘 rename 失败（EXDEV）：%q -> %q：%v", e.Src, e.Dst, e.Err)
}

func (e *CrossDeviceError) Unwrap() error { return e.Err }

// IsCrossDevice 判断 err 是否为跨盘（EXDEV）错误。
func IsCrossDevice(err error) bool {
	var e *CrossDeviceError
	return errors.As(err, &e)
}

// Rename 封装 os.Rename，并把 EXDEV 显式标记为 CrossDeviceError。
func Rename(src, dst string) error {
	if err := renameFunc(src, dst); err != nil {
		if isEXDEV(err) {
			return &CrossDeviceError{Src: src, Dst: dst, Err: err}
		}
		return err
	}
	return nil
}

// Side 标记复制过程中出错的一侧。
type Side string

const (
	SideSource Side = "source"
	SideDest   Side = "dest"
)

// CopyError 是 CopyFileWithMetadata 的结构化错误：记录出错的步骤与所在一侧，
// 上层据此映射 error_code（source_missing / destination_unwritable / copy_failed）。
type CopyError struct {
	Op   string
	Side Side
	Path string
	Err  error
}

func (e *CopyError) Error() string {
	return fmt.Sprintf("%s %q 失败：%v", e.Op, e.Path, e.Err)
}

func (e *CopyError) Unwrap() error { return e.Err }

// AsCopyError 提取 *CopyError；不是则返回 nil。
func AsCopyError(err error) *CopyError {
	var e *CopyError
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// EnsureDir 确保 dir 存在且是目录（含所有缺失的父目录，幂等）。
func EnsureDir(dir string) error {
	fi, err := os.Stat(dir)
	if err == nil {
		if fi.IsDir() {
			return nil
		}
		return &PathTypeConflictError{Path: dir, Want: "dir", Got: "file"}
	}
	if !os.IsNotExist(err) {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}

// CopyFileWithMetadata 把 src 逐字节复制到 dst，并保留权限位与修改时间。
//
// 语义：
// - 目标父目录不存在则创建
// - 先写同目录临时文件，再 rename 覆盖 dst（已存在则直接替换，不做冲突检测）
// - 任何一步失败都不会留下临时文件；dst 要么是旧内容，要么是完整的新内容
//
// 返回写入的字节数。
func CopyFileWithMetadata(src, dst string) (int64, error) {
	info, err := os.Stat(src)
	if err != nil {
		return 0, &CopyError{Op: "stat", Side: SideSource, Path: src, Err: err}
	}
	if !info.Mode().IsRegular() {
		return 0, &CopyError{Op: "stat", Side: SideSource, Path: src, Err: &PathTypeConflictError{Path: src, Want: "regular file", Got: info.Mode().Type().String()}}
	}

	dir := filepath.Dir(dst)
	if err := EnsureDir(dir); err != nil {
		return 0, &CopyError{Op: "mkdir", Side: SideDest, Path: dir, Err: err}
	}
	if fi, err := os.Lstat(dst); err == nil && fi.IsDir() {
		return 0, &CopyError{Op: "stat", Side: SideDest, Path: dst, Err: &PathTypeConflictError{Path: dst, Want: "file", Got: "dir"}}
	}

	in, err := os.Open(src)
	if err != nil {
		return 0, &CopyError{Op: "open", Side: SideSource, Path: src, Err: err}
	}
	defer in.Close()

	// 临时文件前缀带 '.'，避免被引擎的资源扫描误读。
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return 0, &CopyError{Op: "create", Side: SideDest, Path: dir, Err: err}
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	n, err := io.Copy(tmp, in)
	if err != nil {
		// io.Copy 的错误可能来自任意一侧；读错误更常见于源文件被截断/移除。
		return n, &CopyError{Op: "write", Side: SideDest, Path: dst, Err: err}
	}
	if err := tmp.Chmod(info.Mode().Perm()); err != nil {
		return n, &CopyError{Op: "chmod", Side: SideDest, Path: dst, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		return n, &CopyError{Op: "sync", Side: SideDest, Path: dst, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return n, &CopyError{Op: "close", Side: SideDest, Path: dst, Err: err}
	}

	// atime 传零值：保持不变，只对齐 mtime。
	if err := os.Chtimes(tmpName, time.Time{}, info.ModTime()); err != nil {
		return n, &CopyError{Op: "chtimes", Side: SideDest, Path: dst, Err: err}
	}

	if err := Rename(tmpName, dst); err != nil {
		return n, &CopyError{Op: "rename", Side: SideDest, Path: dst, Err: err}
	}

	_ = syncDirBestEffort(dir)
	return n, nil
}

// IsNotExist 对 CopyError 等包装错误同样有效。
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

// WriteFileAtomicReplace 在 dir 下原子写入 name（临时文件 + rename），已存在则覆盖。
func WriteFileAtomicReplace(dir, name string, data []byte) error {
	return writeFileAtomic(dir, name, data, 0o644)
}

func writeFileAtomic(dir, name string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	dst := filepath.Join(dir, name)

	tmp, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if err := writeAll(tmp, data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := Rename(tmpName, dst); err != nil {
		return err
	}

	// 目录 fsync：best-effort（不同平台/文件系统的语义差异很大）。
	_ = syncDirBestEffort(dir)
	return nil
}

func writeAll(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

func syncDirBestEffort(dir string) error {
	// Windows 上目录 Sync 的语义与支持情况不稳定，这里直接跳过。
	if runtime.GOOS == "windows" {
		return nil
	}
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
