package stage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/John-Robertt/tilestage/internal/app"
	"github.com/John-Robertt/tilestage/internal/config"
	"github.com/John-Robertt/tilestage/internal/domain"
	"github.com/John-Robertt/tilestage/internal/infra/tracing"
	"github.com/John-Robertt/tilestage/internal/log"
)

// Execute 执行一次完整的 staging（先 height 后 albedo），并返回对外稳定的 RunReport。
//
// - 单文件失败只记录在对应 group 中，不影响其他文件
// - 任一 group 启动失败（SetupError）即中止：后续 group 标记为 aborted，不再执行
// - obs 可为 nil
func Execute(ctx context.Context, eff config.EffectiveConfig, obs Observer) domain.RunReport {
	started := time.Now().UTC()
	groups := app.BuildGroups(eff)

	rr := domain.RunReport{
		RunID:     uuid.NewString(),
		DestRoot:  eff.DestRoot,
		StartedAt: started,
		Groups:    make([]domain.GroupReport, 0, len(groups)),
	}

	ctx, span := tracer().Start(ctx, tracing.SpanRun, trace.WithAttributes(
		attribute.String(tracing.AttrRunID, rr.RunID),
		attribute.Int(tracing.AttrRunGroups, len(groups)),
	))
	defer span.End()

	log.Info(log.CatRun, "Run started", "run_id", rr.RunID, "dest_root", eff.DestRoot, "groups", len(groups), "workers", eff.MaxWorkers)
	if obs != nil {
		obs.OnStart(rr.RunID, eff, groups)
	}

	var abortedBy string
	for _, g := range groups {
		if abortedBy != "" {
			gr := domain.GroupReport{
				Kind:      string(g.Kind),
				SourceDir: g.SourceDir,
				DestDir:   g.DestDir,
				Status:    domain.GroupStatusAborted,
				ErrorMsg:  "前一个 group 启动失败（" + abortedBy + "），已跳过",
				Files:     []domain.CopyResult{},
			}
			rr.Groups = append(rr.Groups, gr)
			log.Warn(log.CatRun, "Group skipped", "kind", g.Kind, "after", abortedBy)
			if obs != nil {
				obs.OnGroupDone(gr, 0)
			}
			continue
		}

		gr := runGroup(ctx, eff, g, obs)
		rr.Groups = append(rr.Groups, gr)
		if gr.ErrorCode != "" {
			abortedBy = gr.ErrorCode
		}
	}

	rr.FinishedAt = time.Now().UTC()
	rr.Finalize()

	span.SetAttributes(
		attribute.Int("run.copied", rr.Summary.Copied),
		attribute.Int("run.failed", rr.Summary.Failed),
		attribute.Int64("run.bytes", rr.Summary.Bytes),
	)
	if rr.Failed() {
		span.SetStatus(codes.Error, "run had failures")
	}
	log.Info(log.CatRun, "Run finished",
		"run_id", rr.RunID,
		"copied", rr.Summary.Copied,
		"failed", rr.Summary.Failed,
		"aborted", rr.Summary.Aborted,
		"elapsed", rr.FinishedAt.Sub(rr.StartedAt))
	return rr
}

func runGroup(ctx context.Context, eff config.EffectiveConfig, g domain.TileGroup, obs Observer) domain.GroupReport {
	started := time.Now()

	ctx, span := tracer().Start(ctx, tracing.SpanGroup, trace.WithAttributes(
		attribute.String(tracing.AttrGroupKind, string(g.Kind)),
		attribute.String(tracing.AttrGroupSource, g.SourceDir),
		attribute.String(tracing.AttrGroupDest, g.DestDir),
	))
	defer span.End()

	gr := domain.GroupReport{
		Kind:      string(g.Kind),
		SourceDir: g.SourceDir,
		DestDir:   g.DestDir,
		Files:     []domain.CopyResult{},
	}

	tasks, err := ListTasks(Request{
		SourceDir: g.SourceDir,
		DestDir:   g.DestDir,
		Ext:       eff.ExtensionFilter,
		Files:     g.Files,
	})
	if err != nil {
		gr.Status = domain.GroupStatusFailed
		gr.ErrorCode = Code(err)
		gr.ErrorMsg = err.Error()

		span.RecordError(err)
		span.SetStatus(codes.Error, gr.ErrorCode)
		span.SetAttributes(attribute.String(tracing.AttrErrorCode, gr.ErrorCode))
		log.ErrorErr(log.CatRun, "Group setup failed", err, "kind", g.Kind, "code", gr.ErrorCode)
		if obs != nil {
			obs.OnGroupDone(gr, time.Since(started))
		}
		return gr
	}

	workers := poolSize(eff.MaxWorkers, len(tasks))
	span.SetAttributes(
		attribute.Int(tracing.AttrGroupTasks, len(tasks)),
		attribute.Int(tracing.AttrGroupWorkers, workers),
	)
	log.Info(log.CatRun, "Group started", "kind", g.Kind, "tasks", len(tasks), "workers", workers, "manifest", len(g.Files) > 0)
	if obs != nil {
		obs.OnGroupStart(g, len(tasks), workers)
	}

	var onFile FileFunc
	if obs != nil {
		onFile = func(done, total int, res domain.CopyResult, dur time.Duration) {
			obs.OnFileDone(g, done, total, res, dur)
		}
	}
	gr.Files = CopyTasks(ctx, tasks, workers, onFile)

	gr.Settle()
	if gr.Status != domain.GroupStatusOK {
		span.SetStatus(codes.Error, gr.Status)
	}
	log.Info(log.CatRun, "Group finished", "kind", g.Kind, "status", gr.Status, "elapsed", time.Since(started))
	if obs != nil {
		obs.OnGroupDone(gr, time.Since(started))
	}
	return gr
}
