package tracing

// Span attribute keys for staging runs.
const (
	AttrRunID     = "run.id"
	AttrRunGroups = "run.groups"

	AttrGroupKind    = "group.kind"
	AttrGroupSource  = "group.source_dir"
	AttrGroupDest    = "group.dest_dir"
	AttrGroupWorkers = "group.workers"
	AttrGroupTasks   = "group.tasks"

	AttrFileName  = "file.name"
	AttrFileBytes = "file.bytes"

	AttrErrorCode = "error.code"
)

// Span names.
const (
	SpanRun   = "stage.run"
	SpanGroup = "stage.group"
	SpanFile  = "stage.copy"
)
