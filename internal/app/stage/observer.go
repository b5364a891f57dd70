package stage

import (
	"time"

	"github.com/John-Robertt/tilestage/internal/config"
	"github.com/John-Robertt/tilestage/internal/domain"
)

// Observer 用于把“运行进度/group 边界/单文件结果”从核心执行流程中解耦出来。
//
// 约束：
// - stage 包只负责发事件，不做任何输出（避免污染 stdout 的 JSON 契约）
// - 事件由 Execute 所在 goroutine 串行发出；实现若另起 goroutine（例如 keepalive ticker）需自行加锁
type Observer interface {
	// OnStart 在 Execute 开始时调用（尽量早，保证用户 1 秒内看到输出）。
	OnStart(runID string, eff config.EffectiveConfig, groups []domain.TileGroup)
	// OnGroupStart 在 group 的任务集确定后调用。
	OnGroupStart(g domain.TileGroup, total, workers int)
	// OnFileDone 在单个文件复制完成（成功或失败）时调用，顺序为完成顺序。
	OnFileDone(g domain.TileGroup, done, total int, res domain.CopyResult, dur time.Duration)
	// OnGroupDone 在 group 结束（含启动失败/被跳过）时调用；gr.Status 已确定。
	OnGroupDone(gr domain.GroupReport, dur time.Duration)
}
