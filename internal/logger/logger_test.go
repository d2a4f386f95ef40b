package logger

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSONToFile(t *testing.T) {
	out := filepath.Join(t.TempDir(), "app.log")

	log, err := New(LogConfig{Level: "debug", Format: "json", Output: out})
	require.NoError(t, err)

	log.With("camera_id", "cam1").Info("frame published", "bytes", 1024, "error", errors.New("boom"))
	log.Sync()

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	line := string(data)
	assert.True(t, strings.Contains(line, `"camera_id":"cam1"`), line)
	assert.True(t, strings.Contains(line, `"bytes":1024`), line)
	assert.True(t, strings.Contains(line, `"error":"boom"`), line)
}

func TestNew_InvalidLevelFallsBackToInfo(t *testing.T) {
	out := filepath.Join(t.TempDir(), "app.log")

	log, err := New(LogConfig{Level: "verbose", Format: "json", Output: out})
	require.NoError(t, err)

	log.Debug("hidden")
	log.Info("visible")
	log.Sync()

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), "visible")
}

func TestConvertFields_IgnoresDanglingAndNonStringKeys(t *testing.T) {
	fields := convertFields("a", 1, 42, "b", "dangling")
	assert.Len(t, fields, 1)
	assert.Equal(t, "a", fields[0].Key)
}

func TestNewNopLogger(t *testing.T) {
	log := NewNopLogger()
	log.Component("archive").Info("nothing happens")
}

func TestOutputPaths(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"stdout", []string{"stdout"}},
		{"/var/log/app.log", []string{"/var/log/app.log"}},
		{"stdout, /var/log/app.log", []string{"stdout", "/var/log/app.log"}},
		{" ,stderr,", []string{"stderr"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, outputPaths(tt.in), tt.in)
	}
}

func TestNew_MultipleOutputs(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "a.log")
	second := filepath.Join(dir, "b.log")

	log, err := New(LogConfig{Level: "info", Format: "json", Output: first + "," + second})
	require.NoError(t, err)

	log.Camera("gate").Info("segment opened")
	log.Sync()

	for _, path := range []string{first, second} {
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"camera_id":"gate"`)
	}
}
