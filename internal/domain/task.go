package domain

// TileKind 区分瓦片类别；同时决定目标子目录 <dest_root>/data/<kind>。
type TileKind string

const (
	KindHeight TileKind = "height"
	KindAlbedo TileKind = "albedo"
)

// CopyTask 描述一次文件复制（只描述 src/dst；创建后不可变）。
//
// 不变量：
// - SourcePath/DestPath 必须是 clean + absolute
// - 一次调用内每个 DestPath 只有一个 task（写入方唯一）
type CopyTask struct {
	Name       string // 文件名（不含目录）
	SourcePath string
	DestPath   string
}

// TileGroup 是一次 run 中的一组复制工作（height 或 albedo）。
//
// Files 非空时表示“显式清单”模式：只复制清单中的文件，不做目录扫描。
type TileGroup struct {
	Kind      TileKind
	SourceDir string
	DestDir   string
	Files     []string
}
