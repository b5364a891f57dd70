package app

import (
	"path/filepath"

	"github.com/John-Robertt/tilestage/internal/config"
	"github.com/John-Robertt/tilestage/internal/domain"
)

// DataDirName 是目标工程根目录下的数据目录名。
const DataDirName = "data"

// BuildGroups 把最终配置展开为按固定顺序执行的 TileGroup（先 height 后 albedo）。
//
// - 未配置源目录的类别直接跳过（config 层已保证至少有一个）
// - 目标目录固定为 <dest_root>/data/<kind>
// - Files 拷贝一份，避免与配置共享底层数组
func BuildGroups(eff config.EffectiveConfig) []domain.TileGroup {
	groups := make([]domain.TileGroup, 0, 2)

	add := func(kind domain.TileKind, src string, files []string) {
		if src == "" {
			return
		}
		g := domain.TileGroup{
			Kind:      kind,
			SourceDir: filepath.Clean(src),
			DestDir:   DestDir(eff.DestRoot, kind),
		}
		if len(files) > 0 {
			g.Files = append([]string(nil), files...)
		}
		groups = append(groups, g)
	}

	add(domain.KindHeight, eff.SourceHeightDir, eff.HeightFiles)
	add(domain.KindAlbedo, eff.SourceAlbedoDir, eff.AlbedoFiles)
	return groups
}

// DestDir 返回某类瓦片在目标工程中的目录。
func DestDir(destRoot string, kind domain.TileKind) string {
	return filepath.Join(destRoot, DataDirName, string(kind))
}
