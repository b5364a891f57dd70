package main

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/John-Robertt/tilestage/internal/domain"
	"github.com/John-Robertt/tilestage/internal/infra/fsx"
)

// emitReport 遵守输出契约：
// - stdout 是 TTY：摘要 + 失败明细（给人看）
// - stdout 非 TTY：stdout 必须且仅输出一个 RunReport JSON；摘要走 stderr
func emitReport(s streams, rr domain.RunReport) {
	if s.outTTY {
		fmt.Fprintln(s.out, summaryLine(rr))
		writeFailures(s.out, rr)
		return
	}

	enc := json.NewEncoder(s.out)
	_ = enc.Encode(rr)
	fmt.Fprintln(s.err, summaryLine(rr))
}

func summaryLine(rr domain.RunReport) string {
	line := fmt.Sprintf("完成：copied=%d failed=%d bytes=%s",
		rr.Summary.Copied, rr.Summary.Failed, humanize.Bytes(uint64(rr.Summary.Bytes)))
	if rr.Summary.Aborted {
		line += " aborted=true"
	}
	return line
}

func writeFailures(w io.Writer, rr domain.RunReport) {
	for _, g := range rr.Groups {
		if g.ErrorCode != "" {
			fmt.Fprintf(w, "%s %s: %s\n", g.Kind, g.ErrorCode, g.ErrorMsg)
			continue
		}
		for _, f := range g.Files {
			if f.OK() {
				continue
			}
			fmt.Fprintf(w, "%s/%s %s: %s\n", g.Kind, f.Name, f.ErrorCode, f.ErrorMsg)
		}
	}
}

// configErrorReport 为启动前失败（配置/tracing/日志）合成一个 report，保证 stdout JSON 契约依旧成立。
func configErrorReport(err error, code string) domain.RunReport {
	if code == "" {
		code = domain.ErrCodeConfigInvalid
	}
	now := time.Now().UTC()
	rr := domain.RunReport{
		RunID:      uuid.NewString(),
		StartedAt:  now,
		FinishedAt: now,
		Groups: []domain.GroupReport{{
			Kind:      "config",
			Status:    domain.GroupStatusFailed,
			ErrorCode: code,
			ErrorMsg:  err.Error(),
			Files:     []domain.CopyResult{},
		}},
	}
	rr.Finalize()
	return rr
}

func writeReportFile(path string, rr domain.RunReport) error {
	b, err := json.MarshalIndent(rr, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	return fsx.WriteFileAtomicReplace(filepath.Dir(path), filepath.Base(path), b)
}
