package domain

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunReport_Finalize_SortAndSummaryAndUTC(t *testing.T) {
	r := RunReport{
		DestRoot:   "/abs/terrain",
		StartedAt:  time.Date(2026, 2, 9, 10, 0, 0, 0, time.FixedZone("X", 8*3600)),
		FinishedAt: time.Date(2026, 2, 9, 10, 0, 1, 0, time.FixedZone("X", 8*3600)),
		Groups: []GroupReport{
			{
				Kind: string(KindHeight),
				Files: []CopyResult{
					{Name: "b.dds", Status: StatusOK, Bytes: 10},
					{Name: "a.dds", Status: StatusFailed, ErrorCode: ErrCodeCopyFailed},
					{Name: "c.dds", Status: StatusOK, Bytes: 5},
				},
			},
			{
				Kind:  string(KindAlbedo),
				Files: []CopyResult{{Name: "x.dds", Status: StatusOK, Bytes: 1}},
			},
		},
	}

	r.Finalize()

	h := r.Groups[0]
	require.Equal(t, []string{"a.dds", "b.dds", "c.dds"}, []string{h.Files[0].Name, h.Files[1].Name, h.Files[2].Name})
	require.Equal(t, GroupStatusPartial, h.Status)
	require.Equal(t, GroupStatusOK, r.Groups[1].Status)
	require.Equal(t, ReportSummary{Copied: 3, Failed: 1, Bytes: 16}, r.Summary)
	require.True(t, r.Failed())

	b, err := json.Marshal(r)
	require.NoError(t, err)
	// time.Time 在 UTC 下应输出 'Z' 后缀。
	require.True(t, bytes.Contains(b, []byte(`"started_at":"2026-02-09T02:00:00Z"`)), "started_at 不是 UTC RFC3339：%s", b)
}

func TestRunReport_Finalize_AbortedGroupKeepsStatus(t *testing.T) {
	r := RunReport{
		Groups: []GroupReport{
			{Kind: string(KindHeight), Status: GroupStatusAborted, ErrorCode: ErrCodeSourceNotFound},
		},
	}

	r.Finalize()

	require.Equal(t, GroupStatusAborted, r.Groups[0].Status)
	require.NotNil(t, r.Groups[0].Files)
	require.True(t, r.Summary.Aborted)
	require.True(t, r.Failed())
}

func TestRunReport_Finalize_AllFailed(t *testing.T) {
	r := RunReport{
		Groups: []GroupReport{{
			Kind:  string(KindAlbedo),
			Files: []CopyResult{{Name: "a.dds", Status: StatusFailed}},
		}},
	}

	r.Finalize()

	require.Equal(t, GroupStatusFailed, r.Groups[0].Status)
	require.False(t, r.Summary.Aborted)
}

func TestRunReport_MarshalJSON_NilGroups(t *testing.T) {
	b, err := json.Marshal(RunReport{})
	require.NoError(t, err)
	require.Contains(t, string(b), `"groups":[]`)
}
