package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for name, want := range map[string]Level{
		"debug": LevelDebug, "": LevelInfo, "INFO": LevelInfo,
		"warning": LevelWarn, " error ": LevelError,
	} {
		got, err := ParseLevel(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}

	got, err := ParseLevel("verbose")
	assert.Error(t, err)
	assert.Equal(t, LevelInfo, got)
}

func TestLogger_JSONWithComponent(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: LevelInfo, Output: &buf, Format: "json"}).WithComponent("predictor")

	l.Info("model set loaded", Artifact("classifier", "v1", "/m/c.model"), Err(errors.New("boom")), Count("classes", 7))
	l.Debug("dropped")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "predictor", entry["component"])
	assert.Equal(t, "boom", entry["error"])
	assert.Equal(t, 7.0, entry["classes"])
	assert.Equal(t, "v1", entry["artifact"].(map[string]any)["version"])
}

func TestLogger_SetLevelAndTimer(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: LevelWarn, Output: &buf})
	Timer(l, "fit")()
	assert.Zero(t, buf.Len())

	l.SetLevel(LevelDebug)
	assert.Equal(t, LevelDebug, l.GetLevel())
	done := Timer(l, "fit", "rows", 10)
	time.Sleep(time.Millisecond)
	done()
	assert.Contains(t, buf.String(), "msg=fit")
	assert.Contains(t, buf.String(), "rows=10")
	assert.Contains(t, buf.String(), "duration=")
}

func TestRecordGroup(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: LevelDebug, Output: &buf, Format: "json"})
	l.Debug("rejected", Record("203.0.113.7", "ssh", 22))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	rec := entry["record"].(map[string]any)
	assert.Equal(t, "203.0.113.7", rec["source_ip"])
	assert.Equal(t, "ssh", rec["service"])
	assert.Equal(t, 22.0, rec["destination_port"])
}

func TestErrNil(t *testing.T) {
	assert.True(t, Err(nil).Equal(Err(nil)))
	assert.Empty(t, Err(nil).Key)
}
