package tuner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFFmpeg writes a script that logs one stderr line, signals readiness on
// stdout and then blocks until killed.
func fakeFFmpeg(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "ffmpeg")
	script := "#!/bin/sh\necho 'stream #0: opening input' >&2\necho ready\nexec sleep 30\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestFFmpegForwardsStderrAtConfiguredLevel(t *testing.T) {
	cases := []struct {
		configured string
		want       string
	}{
		{"info", "info"},
		{"debug", "debug"},
		{"warning", "warn"},
		{"verbose", "error"},
	}
	for _, tc := range cases {
		t.Run(tc.configured, func(t *testing.T) {
			var buf bytes.Buffer
			f := NewFFmpeg(fakeFFmpeg(t), tc.configured, zerolog.New(&buf))

			out, err := f.Start(context.Background(), "http://device/pl.m3u8")
			require.NoError(t, err)
			ready, err := bufio.NewReader(out).ReadString('\n')
			require.NoError(t, err)
			assert.Equal(t, "ready\n", ready)

			_ = out.Close()

			lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
			require.Len(t, lines, 1)
			var entry map[string]string
			require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
			assert.Equal(t, tc.want, entry["level"])
			assert.Equal(t, "ffmpeg", entry["component"])
			assert.Equal(t, "stream #0: opening input", entry["message"])
		})
	}
}

func TestFFmpegCloseKillsProcess(t *testing.T) {
	f := NewFFmpeg(fakeFFmpeg(t), "error", zerolog.Nop())
	out, err := f.Start(context.Background(), "http://device/pl.m3u8")
	require.NoError(t, err)
	_, err = bufio.NewReader(out).ReadString('\n')
	require.NoError(t, err)

	start := time.Now()
	closeErr := out.Close()
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Error(t, closeErr)

	proc := out.(*process)
	require.NotNil(t, proc.cmd.ProcessState)
	assert.False(t, proc.cmd.ProcessState.Success())
	assert.Equal(t, closeErr, out.Close())
}

func TestFFmpegStartMissingBinary(t *testing.T) {
	f := NewFFmpeg(filepath.Join(t.TempDir(), "missing"), "error", zerolog.Nop())
	_, err := f.Start(context.Background(), "http://device/pl.m3u8")
	assert.Error(t, err)
}
