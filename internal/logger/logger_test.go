package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func Test_Logger_InitWriter(t *testing.T) {
	t.Cleanup(func() { _ = Init(Options{}) })

	var out bytes.Buffer
	require.NoError(t, Init(Options{Enabled: true, Writer: &out, Level: slog.LevelWarn, JSON: true}))

	L.Info("hidden")
	L.Warn("visible", "cache", "kmalloc-16")

	require.NotContains(t, out.String(), "hidden")
	require.Contains(t, out.String(), `"cache":"kmalloc-16"`)
}

func Test_Logger_InitDisabledDiscards(t *testing.T) {
	require.NoError(t, Init(Options{}))
	require.False(t, L.Enabled(t.Context(), slog.LevelError))
}

func Test_Logger_InitLogDirCleansOldLogs(t *testing.T) {
	t.Cleanup(func() { _ = Init(Options{}) })

	dir := t.TempDir()
	stale := filepath.Join(dir, logPrefix+time.Now().AddDate(0, 0, -(retentionDays+5)).Format("2006-01-02")+logSuffix)
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0o600))

	require.NoError(t, Init(Options{Enabled: true, LogDir: dir}))
	L.Info("hello")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.True(t, strings.HasPrefix(entries[0].Name(), logPrefix+time.Now().Format("2006-01-02")))
}
