package log

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLog_FormatAndFields(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf, LevelDebug)
	t.Cleanup(Reset)

	Info(CatCopy, "copied", "file", "a.dds", "bytes", 42)

	line := buf.String()
	require.Contains(t, line, "[INFO] [copy] copied file=a.dds bytes=42")
	require.True(t, strings.HasSuffix(line, "\n"))
}

func TestLog_OddFieldsAndErrorErr(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf, LevelDebug)
	t.Cleanup(Reset)

	Warn(CatScan, "odd", "orphan")
	ErrorErr(CatRun, "failed", errors.New("boom"), "group", "height")

	out := buf.String()
	require.Contains(t, out, "orphan=<missing>")
	require.Contains(t, out, "group=height error=boom")
}

func TestLog_MinLevelAndDisabled(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf, LevelWarn)
	t.Cleanup(Reset)

	Debug(CatConfig, "hidden")
	Info(CatConfig, "hidden")
	require.Empty(t, buf.String())

	SetEnabled(false)
	Error(CatConfig, "hidden")
	require.Empty(t, buf.String())
}

func TestLog_NoLoggerIsNoop(t *testing.T) {
	Reset()
	require.NotPanics(t, func() { Info(CatRun, "nothing") })
}

func TestInit_AppendsToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tilestage.log")
	cleanup, err := Init(path, LevelInfo)
	require.NoError(t, err)
	t.Cleanup(Reset)

	Info(CatRun, "first")
	cleanup()

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(b), "[INFO] [run] first")
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, LevelDebug, ParseLevel("debug"))
	require.Equal(t, LevelWarn, ParseLevel("warning"))
	require.Equal(t, LevelError, ParseLevel("ERROR"))
	require.Equal(t, LevelInfo, ParseLevel("whatever"))
}
