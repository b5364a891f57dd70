package stage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/John-Robertt/tilestage/internal/domain"
	"github.com/John-Robertt/tilestage/internal/infra/fsx"
)

func touch(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func swapCopyFile(t *testing.T, fn func(src, dst string) (int64, error)) {
	t.Helper()
	old := copyFileFunc
	copyFileFunc = fn
	t.Cleanup(func() { copyFileFunc = old })
}

func names(results []domain.CopyResult) []string {
	out := make([]string, 0, len(results))
	for _, r := range results {
		out = append(out, r.Name)
	}
	sort.Strings(out)
	return out
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out
}

func TestCopyMatching_TwoTilesAndNotes(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "dds_height")
	dst := filepath.Join(root, "proj", "data", "height")
	touch(t, filepath.Join(src, "tile_a.dds"), "aaaa")
	touch(t, filepath.Join(src, "tile_b.dds"), "bb")
	touch(t, filepath.Join(src, "notes.txt"), "ignore me")

	results, err := CopyMatching(context.Background(), Request{SourceDir: src, DestDir: dst, Ext: ".dds", Workers: 2}, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		require.True(t, r.OK(), "result=%+v", r)
	}
	require.Equal(t, []string{"tile_a.dds", "tile_b.dds"}, names(results))
	require.Equal(t, []string{"tile_a.dds", "tile_b.dds"}, listDir(t, dst))

	b, err := os.ReadFile(filepath.Join(dst, "tile_a.dds"))
	require.NoError(t, err)
	require.Equal(t, "aaaa", string(b))
}

func TestCopyMatching_CaseInsensitiveSuffixAndCount(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src")
	dst := filepath.Join(root, "dst")
	for i := 0; i < 5; i++ {
		touch(t, filepath.Join(src, fmt.Sprintf("tile_%d.dds", i)), fmt.Sprintf("payload-%d", i))
	}
	touch(t, filepath.Join(src, "UPPER.DDS"), "upper")
	touch(t, filepath.Join(src, "readme.md"), "x")
	touch(t, filepath.Join(src, "tile.dds.bak"), "x")
	// 子目录不递归。
	touch(t, filepath.Join(src, "nested", "deep.dds"), "x")

	var calls []int
	results, err := CopyMatching(context.Background(), Request{SourceDir: src, DestDir: dst, Ext: ".dds", Workers: 3},
		func(done, total int, res domain.CopyResult, dur time.Duration) {
			require.Equal(t, 6, total)
			calls = append(calls, done)
		})
	require.NoError(t, err)
	require.Len(t, results, 6)
	require.Equal(t, []int{1, 2, 3, 4, 5, 6}, calls)

	var total int64
	for _, r := range results {
		require.True(t, r.OK(), "result=%+v", r)
		total += r.Bytes
	}
	require.Equal(t, int64(5*len("payload-0")+len("upper")), total)
	require.NotContains(t, listDir(t, dst), "readme.md")
	require.NotContains(t, listDir(t, dst), "nested")
	require.Contains(t, listDir(t, dst), "UPPER.DDS")
}

func TestCopyMatching_Idempotent(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src")
	dst := filepath.Join(root, "dst")
	touch(t, filepath.Join(src, "a.dds"), "one")
	touch(t, filepath.Join(src, "b.dds"), "two")

	req := Request{SourceDir: src, DestDir: dst, Ext: ".dds", Workers: 4}
	first, err := CopyMatching(context.Background(), req, nil)
	require.NoError(t, err)
	second, err := CopyMatching(context.Background(), req, nil)
	require.NoError(t, err)

	require.Equal(t, names(first), names(second))
	for _, r := range second {
		require.True(t, r.OK())
	}
	require.Equal(t, []string{"a.dds", "b.dds"}, listDir(t, dst), "重复执行不应留下临时文件或额外文件")
}

func TestCopyMatching_OverwritesDestination(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src")
	dst := filepath.Join(root, "dst")
	touch(t, filepath.Join(src, "a.dds"), "new")
	touch(t, filepath.Join(dst, "a.dds"), "old-and-longer")

	results, err := CopyMatching(context.Background(), Request{SourceDir: src, DestDir: dst, Ext: ".dds", Workers: 1}, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, results[0].OK())

	b, err := os.ReadFile(filepath.Join(dst, "a.dds"))
	require.NoError(t, err)
	require.Equal(t, "new", string(b))
}

func TestCopyMatching_PreservesMetadata(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src")
	dst := filepath.Join(root, "dst")
	p := filepath.Join(src, "a.dds")
	touch(t, p, "meta")
	require.NoError(t, os.Chmod(p, 0o640))
	mtime := time.Date(2020, 5, 17, 8, 30, 0, 0, time.UTC)
	require.NoError(t, os.Chtimes(p, mtime, mtime))

	results, err := CopyMatching(context.Background(), Request{SourceDir: src, DestDir: dst, Ext: ".dds", Workers: 1}, nil)
	require.NoError(t, err)
	require.True(t, results[0].OK(), "result=%+v", results[0])

	fi, err := os.Stat(filepath.Join(dst, "a.dds"))
	require.NoError(t, err)
	require.True(t, fi.ModTime().Equal(mtime), "mtime=%v want=%v", fi.ModTime(), mtime)
	if runtime.GOOS != "windows" {
		require.Equal(t, os.FileMode(0o640), fi.Mode().Perm())
	}
}

func TestCopyMatching_SourceNotFound(t *testing.T) {
	root := t.TempDir()
	dst := filepath.Join(root, "dst")

	results, err := CopyMatching(context.Background(), Request{SourceDir: filepath.Join(root, "missing"), DestDir: dst, Ext: ".dds", Workers: 2}, nil)
	require.Nil(t, results)
	require.True(t, IsSourceNotFound(err), "err=%v", err)
	require.True(t, errors.Is(err, os.ErrNotExist))

	_, statErr := os.Stat(dst)
	require.True(t, os.IsNotExist(statErr), "源目录不存在时不应创建目标目录")
}

func TestCopyMatching_SourceIsFile(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "file.dds")
	touch(t, src, "x")

	_, err := CopyMatching(context.Background(), Request{SourceDir: src, DestDir: filepath.Join(root, "dst"), Ext: ".dds"}, nil)
	require.Equal(t, domain.ErrCodeSourceNotFound, Code(err), "err=%v", err)
	require.True(t, fsx.IsPathTypeConflict(err))
}

func TestCopyMatching_DestinationUnwritable(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src")
	touch(t, filepath.Join(src, "a.dds"), "x")
	blocker := filepath.Join(root, "blocker")
	touch(t, blocker, "regular file in the way")

	_, err := CopyMatching(context.Background(), Request{SourceDir: src, DestDir: filepath.Join(blocker, "data", "height"), Ext: ".dds"}, nil)
	require.Equal(t, domain.ErrCodeDestinationUnwritable, Code(err), "err=%v", err)

	var se *SetupError
	require.True(t, errors.As(err, &se))
	require.Equal(t, filepath.Join(blocker, "data", "height"), se.Dir)
}

func TestCopyMatching_CreatesNestedDestination(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src")
	dst := filepath.Join(root, "a", "b", "c")
	touch(t, filepath.Join(src, "a.dds"), "x")

	_, err := CopyMatching(context.Background(), Request{SourceDir: src, DestDir: dst, Ext: ".dds"}, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"a.dds"}, listDir(t, dst))
}

func TestCopyMatching_EmptySource(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src")
	require.NoError(t, os.MkdirAll(src, 0o755))

	results, err := CopyMatching(context.Background(), Request{SourceDir: src, DestDir: filepath.Join(root, "dst"), Ext: ".dds", Workers: 4}, nil)
	require.NoError(t, err)
	require.NotNil(t, results)
	require.Empty(t, results)
}

func TestCopyMatching_FaultIsolation(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src")
	dst := filepath.Join(root, "dst")
	for i := 0; i < 6; i++ {
		touch(t, filepath.Join(src, fmt.Sprintf("tile_%d.dds", i)), "x")
	}

	// 列目录之后、复制之前删除其中一个源文件。
	victim := filepath.Join(src, "tile_3.dds")
	swapCopyFile(t, func(s, d string) (int64, error) {
		if s == victim {
			_ = os.Remove(victim)
		}
		return fsx.CopyFileWithMetadata(s, d)
	})

	results, err := CopyMatching(context.Background(), Request{SourceDir: src, DestDir: dst, Ext: ".dds", Workers: 3}, nil)
	require.NoError(t, err)
	require.Len(t, results, 6)

	var failures []domain.CopyResult
	for _, r := range results {
		if !r.OK() {
			failures = append(failures, r)
		}
	}
	require.Len(t, failures, 1)
	require.Equal(t, "tile_3.dds", failures[0].Name)
	require.Equal(t, domain.ErrCodeSourceMissing, failures[0].ErrorCode)
	require.NotEmpty(t, failures[0].ErrorMsg)
	require.Len(t, listDir(t, dst), 5)
}

func TestCopyMatching_Manifest(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src")
	dst := filepath.Join(root, "dst")
	touch(t, filepath.Join(src, "tile_0.dds"), "x")
	touch(t, filepath.Join(src, "notes.txt"), "listed explicitly")
	touch(t, filepath.Join(src, "tile_9.dds"), "not listed")

	results, err := CopyMatching(context.Background(), Request{
		SourceDir: src,
		DestDir:   dst,
		Ext:       ".dds",
		Files:     []string{"tile_0.dds", "notes.txt", "missing.dds", `data\height\tile_0.dds`},
		Workers:   1,
	}, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"missing.dds", "notes.txt", "tile_0.dds"}, names(results))

	for _, r := range results {
		if r.Name == "missing.dds" {
			require.False(t, r.OK())
			require.Equal(t, domain.ErrCodeSourceMissing, r.ErrorCode)
			continue
		}
		require.True(t, r.OK(), "result=%+v", r)
	}
	require.Equal(t, []string{"notes.txt", "tile_0.dds"}, listDir(t, dst))
}

func TestCopyTasks_PanicBecomesFailure(t *testing.T) {
	swapCopyFile(t, func(src, dst string) (int64, error) {
		if filepath.Base(src) == "boom" {
			panic("boom")
		}
		return 1, nil
	})

	tasks := []domain.CopyTask{
		{Name: "boom", SourcePath: "/s/boom", DestPath: "/d/boom"},
		{Name: "fine", SourcePath: "/s/fine", DestPath: "/d/fine"},
	}
	results := CopyTasks(context.Background(), tasks, 2, nil)
	require.Len(t, results, 2)
	for _, r := range results {
		if r.Name == "boom" {
			require.Equal(t, domain.ErrCodeCopyFailed, r.ErrorCode)
		} else {
			require.True(t, r.OK())
		}
	}
}

func TestCopyTasks_ConcurrencyBound(t *testing.T) {
	var (
		inFlight atomic.Int64
		peak     atomic.Int64
	)
	swapCopyFile(t, func(src, dst string) (int64, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(200 * time.Microsecond)
		inFlight.Add(-1)
		return 1, nil
	})

	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 40).Draw(rt, "tasks")
		workers := rapid.IntRange(-1, 8).Draw(rt, "workers")
		peak.Store(0)

		tasks := make([]domain.CopyTask, 0, n)
		for i := 0; i < n; i++ {
			name := fmt.Sprintf("t%03d.dds", i)
			tasks = append(tasks, domain.CopyTask{Name: name, SourcePath: "/src/" + name, DestPath: "/dst/" + name})
		}

		var mu sync.Mutex
		seen := make(map[string]int, n)
		results := CopyTasks(context.Background(), tasks, workers, func(done, total int, res domain.CopyResult, dur time.Duration) {
			mu.Lock()
			seen[res.Name]++
			mu.Unlock()
		})

		bound := int64(workers)
		if bound < 1 {
			bound = 1
		}
		if got := peak.Load(); got > bound {
			rt.Fatalf("in-flight peak %d exceeds workers %d", got, bound)
		}
		if len(results) != n {
			rt.Fatalf("got %d results for %d tasks", len(results), n)
		}
		for _, task := range tasks {
			if seen[task.Name] != 1 {
				rt.Fatalf("task %s reported %d times", task.Name, seen[task.Name])
			}
		}
	})
}

func TestErrorCode(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"source missing", &fsx.CopyError{Op: "stat", Side: fsx.SideSource, Path: "a", Err: os.ErrNotExist}, domain.ErrCodeSourceMissing},
		{"source unreadable", &fsx.CopyError{Op: "open", Side: fsx.SideSource, Path: "a", Err: os.ErrPermission}, domain.ErrCodeCopyFailed},
		{"dest permission", &fsx.CopyError{Op: "create", Side: fsx.SideDest, Path: "b", Err: os.ErrPermission}, domain.ErrCodeDestinationUnwritable},
		{"dest mkdir", &fsx.CopyError{Op: "mkdir", Side: fsx.SideDest, Path: "b", Err: errors.New("x")}, domain.ErrCodeDestinationUnwritable},
		{"dest is dir", &fsx.CopyError{Op: "stat", Side: fsx.SideDest, Path: "b", Err: &fsx.PathTypeConflictError{Path: "b", Want: "file", Got: "dir"}}, domain.ErrCodeDestinationUnwritable},
		{"dest cross device", &fsx.CopyError{Op: "rename", Side: fsx.SideDest, Path: "b", Err: &fsx.CrossDeviceError{Src: "t", Dst: "b", Err: errors.New("exdev")}}, domain.ErrCodeDestinationUnwritable},
		{"dest write", &fsx.CopyError{Op: "write", Side: fsx.SideDest, Path: "b", Err: errors.New("short write")}, domain.ErrCodeCopyFailed},
		{"plain not exist", fmt.Errorf("wrapped: %w", os.ErrNotExist), domain.ErrCodeSourceMissing},
		{"plain other", errors.New("other"), domain.ErrCodeCopyFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, ErrorCode(tc.err))
		})
	}
}

func TestCopyMatching_SymlinkedTiles(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "dds_height")
	dst := filepath.Join(root, "proj", "data", "height")
	touch(t, filepath.Join(src, "tile_a.dds"), "aa")
	touch(t, filepath.Join(root, "elsewhere", "real.dds"), "linked")

	if err := os.Symlink(filepath.Join(root, "elsewhere", "real.dds"), filepath.Join(src, "tile_link.dds")); err != nil {
		t.Skipf("当前平台不支持符号链接：%v", err)
	}
	require.NoError(t, os.Symlink(filepath.Join(root, "elsewhere", "gone.dds"), filepath.Join(src, "tile_dangling.dds")))

	results, err := CopyMatching(context.Background(), Request{SourceDir: src, DestDir: dst, Ext: ".dds", Workers: 2}, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"tile_a.dds", "tile_dangling.dds", "tile_link.dds"}, names(results))

	for _, r := range results {
		switch r.Name {
		case "tile_dangling.dds":
			require.False(t, r.OK())
			require.Equal(t, domain.ErrCodeSourceMissing, r.ErrorCode)
		default:
			require.True(t, r.OK(), "result=%+v", r)
		}
	}

	// 目标是普通文件（复制链接目标内容），不是链接。
	fi, err := os.Lstat(filepath.Join(dst, "tile_link.dds"))
	require.NoError(t, err)
	require.True(t, fi.Mode().IsRegular())
	b, err := os.ReadFile(filepath.Join(dst, "tile_link.dds"))
	require.NoError(t, err)
	require.Equal(t, "linked", string(b))
}
