package domain

import (
	"encoding/json"
	"sort"
	"time"
)

// RunReport 是对外稳定输出（--report 文件 / stdout JSON）的结构。
type RunReport struct {
	RunID    string `json:"run_id"`
	DestRoot string `json:"dest_root"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Summary ReportSummary `json:"summary"`
	Groups  []GroupReport `json:"groups"`
}

type ReportSummary struct {
	Copied int   `json:"copied"`
	Failed int   `json:"failed"`
	Bytes  int64 `json:"bytes"`
	// Aborted 表示有 group 在启动阶段失败（源目录不存在/目标不可写/配置错误）。
	Aborted bool `json:"aborted"`
}

type GroupReport struct {
	Kind      string `json:"kind"`
	SourceDir string `json:"source_dir"`
	DestDir   string `json:"dest_dir"`

	Status    string `json:"status"`
	ErrorCode string `json:"error_code"`
	ErrorMsg  string `json:"error_msg"`

	Files []CopyResult `json:"files"`
}

// Failed 表示 run 是否应以非 0 退出。
func (r RunReport) Failed() bool {
	return r.Summary.Failed > 0 || r.Summary.Aborted
}

// Finalize 做三件事：
// 1) 时间统一为 UTC
// 2) 每个 group 内 files 按文件名稳定排序（完成顺序本身不稳定）
// 3) summary 与 group status 由 files 计算得出
func (r *RunReport) Finalize() {
	r.StartedAt = r.StartedAt.UTC()
	r.FinishedAt = r.FinishedAt.UTC()

	var s ReportSummary
	for gi := range r.Groups {
		g := &r.Groups[gi]
		if g.Files == nil {
			g.Files = []CopyResult{}
		}
		sort.SliceStable(g.Files, func(i, j int) bool { return g.Files[i].Name < g.Files[j].Name })

		ok, failed, bytes := g.Tally()
		s.Copied += ok
		s.Failed += failed
		s.Bytes += bytes
		if g.Settle() {
			s.Aborted = true
		}
	}
	r.Summary = s
}

// MarshalJSON 仅用于集中约束输出的稳定性：nil 切片统一输出为 []。
func (r RunReport) MarshalJSON() ([]byte, error) {
	type Alias RunReport
	if r.Groups == nil {
		r.Groups = []GroupReport{}
	}
	return json.Marshal(Alias(r))
}

// Tally 统计 group 内成功/失败文件数与成功写入的字节数。
func (g GroupReport) Tally() (ok, failed int, bytes int64) {
	for _, f := range g.Files {
		if f.OK() {
			ok++
			bytes += f.Bytes
		} else {
			failed++
		}
	}
	return ok, failed, bytes
}

// Settle 由 files 计算 group status，返回该 group 是否在启动阶段中止。
// aborted/failed+error_code 由启动阶段写入，不被 files 统计覆盖。
func (g *GroupReport) Settle() (aborted bool) {
	if g.Status == GroupStatusAborted || (g.Status == GroupStatusFailed && g.ErrorCode != "") {
		return true
	}
	ok, failed, _ := g.Tally()
	switch {
	case failed == 0:
		g.Status = GroupStatusOK
	case ok == 0:
		g.Status = GroupStatusFailed
	default:
		g.Status = GroupStatusPartial
	}
	return false
}
