package profiling

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfiler_FileProfiles(t *testing.T) {
	dir := t.TempDir()
	p, err := New(Config{OutputDir: dir, Name: "train"})
	require.NoError(t, err)

	require.NoError(t, p.Start())
	assert.Error(t, p.Start())

	sum := 0
	for i := range 100000 {
		sum += i % 7
	}
	assert.Positive(t, sum)

	require.NoError(t, p.Stop())
	assert.Error(t, p.Stop())

	cpu, _ := filepath.Glob(filepath.Join(dir, "train-cpu-*.pprof"))
	heap, _ := filepath.Glob(filepath.Join(dir, "train-heap-*.pprof"))
	assert.Len(t, cpu, 1)
	assert.Len(t, heap, 1)

	require.NoError(t, p.Snapshot("after"))
	snaps, _ := filepath.Glob(filepath.Join(dir, "train-after-*.pprof"))
	assert.Len(t, snaps, 2)
}

func TestProfiler_SnapshotNeedsDir(t *testing.T) {
	p, err := New(Config{})
	require.NoError(t, err)
	assert.Error(t, p.Snapshot("x"))
}

func TestHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "goroutine")
}
