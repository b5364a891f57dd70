package scan

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/John-Robertt/tilestage/internal/domain"
)

// ListTiles 列出 sourceDir 下（不递归）文件名以 ext 结尾的普通文件，并生成复制任务。
//
// 规则（硬约束）：
// - 后缀匹配大小写不敏感（.dds 与 .DDS 等价）
// - 不匹配的文件完全不进入任务集（不算失败）
// - 任务集在列目录时确定；之后新增的文件不会被拾取
// - 符号链接跟随到目标：指向普通文件或悬空的链接保留（悬空的在复制时报 source_missing），指向目录的跳过
//
// 注意：扫描阶段只做 ReadDir，不读文件内容。
func ListTiles(sourceDir, destDir, ext string) ([]domain.CopyTask, error) {
	sourceDir = filepath.Clean(sourceDir)
	destDir = filepath.Clean(destDir)

	entries, err := os.ReadDir(sourceDir)
	if err != nil {
		return nil, err
	}

	tasks := make([]domain.CopyTask, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if !MatchExt(name, ext) {
			continue
		}
		if !isTileEntry(sourceDir, e) {
			continue
		}
		tasks = append(tasks, domain.CopyTask{
			Name:       name,
			SourcePath: filepath.Join(sourceDir, name),
			DestPath:   filepath.Join(destDir, name),
		})
	}

	// 强制稳定输出：提交顺序确定，完成顺序仍由调度决定。
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Name < tasks[j].Name })
	return tasks, nil
}

func isTileEntry(dir string, e fs.DirEntry) bool {
	if e.Type().IsRegular() {
		return true
	}
	if e.Type()&fs.ModeSymlink == 0 {
		return false
	}
	fi, err := os.Stat(filepath.Join(dir, e.Name()))
	if err != nil {
		return true
	}
	return fi.Mode().IsRegular()
}

// ManifestTasks 按显式清单生成复制任务（不扫描目录、不做后缀过滤）。
//
// 清单条目可以带目录前缀（例如 data/height/x.dds），只取文件名部分；
// 重复条目只保留第一个，保证每个文件在一次调用中只复制一次。
func ManifestTasks(sourceDir, destDir string, files []string) []domain.CopyTask {
	sourceDir = filepath.Clean(sourceDir)
	destDir = filepath.Clean(destDir)

	seen := make(map[string]bool, len(files))
	tasks := make([]domain.CopyTask, 0, len(files))
	for _, f := range files {
		name := baseName(f)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		tasks = append(tasks, domain.CopyTask{
			Name:       name,
			SourcePath: filepath.Join(sourceDir, name),
			DestPath:   filepath.Join(destDir, name),
		})
	}
	return tasks
}

// MatchExt 判断 name 是否以 ext 结尾（大小写不敏感）。ext 为空时匹配所有文件。
func MatchExt(name, ext string) bool {
	ext = NormalizeExt(ext)
	if ext == "" {
		return true
	}
	return strings.HasSuffix(strings.ToLower(name), ext)
}

// NormalizeExt 把 "DDS"/".DDS"/" .dds " 统一为 ".dds"；空串与单独的 "." 返回空串。
func NormalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" || ext == "." {
		return ""
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

// baseName 同时接受 / 与 \ 分隔的清单条目（清单常从 Windows 侧工具导出）。
func baseName(p string) string {
	p = strings.TrimSpace(p)
	if i := strings.LastIndexAny(p, `/\`); i >= 0 {
		p = p[i+1:]
	}
	return p
}
