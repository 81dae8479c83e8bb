package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cvalentine99/honeyclass/internal/config"
	"github.com/cvalentine99/honeyclass/internal/ml"
	"github.com/cvalentine99/honeyclass/internal/profiling"
)

func TestParseTrainFlags(t *testing.T) {
	f, err := parseTrainFlags([]string{"-synthetic", "200", "-version", "v3", "-tune", "-metrics-file", "/tmp/t.prom"}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, 200, f.synthetic)
	assert.Equal(t, "/tmp/t.prom", f.metricsFile)
	assert.Equal(t, "v3", f.version)
	assert.True(t, f.tune)

	for _, args := range [][]string{
		nil,
		{"-data", "a.csv", "-synthetic", "10"},
		{"-postgres", "-data", "a.csv"},
		{"-bogus"},
	} {
		_, err := parseTrainFlags(args, io.Discard)
		assert.Error(t, err, "%v", args)
	}
}

func TestDataSource(t *testing.T) {
	cfg := config.Default()
	ctx := context.Background()

	src, closer, err := dataSource(ctx, &trainFlags{synthetic: 30, seed: 1}, cfg)
	require.NoError(t, err)
	require.NoError(t, closer())
	recs, err := src.Records(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 30)

	src, _, err = dataSource(ctx, &trainFlags{dataPath: "attacks.json"}, cfg)
	require.NoError(t, err)
	assert.Equal(t, ml.FileSource{Path: "attacks.json"}, src)

	_, _, err = dataSource(ctx, &trainFlags{postgres: true}, cfg)
	assert.ErrorContains(t, err, "postgres_dsn")

	cfg.PostgresDSN = "postgres://localhost/honeypot"
	_, _, err = dataSource(ctx, &trainFlags{postgres: true, since: "last week"}, cfg)
	assert.ErrorContains(t, err, "-since")
}

func TestTrainerConfig(t *testing.T) {
	cfg := config.Default()
	cfg.ModelDir = "/var/lib/honeyclass"
	cfg.Training.TestSize = 0.3
	cfg.Training.Contamination = 0.05

	tc := trainerConfig(cfg)
	assert.Equal(t, "/var/lib/honeyclass", tc.ModelDir)
	assert.Equal(t, 0.3, tc.TestSize)
	assert.Equal(t, 0.05, tc.Contamination)
	assert.Equal(t, int64(42), tc.RandomState)
}

func TestParseServeFlags(t *testing.T) {
	f, err := parseServeFlags([]string{"-version", "v2", "-batch=false", "-profile-dir", "/tmp/prof"}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, "v2", f.version)
	assert.False(t, f.batching)
	assert.Equal(t, "/tmp/prof", f.profileDir)
}

func TestSnapshotOnSignal(t *testing.T) {
	dir := t.TempDir()
	prof, err := profiling.New(profiling.Config{OutputDir: dir, Name: "serve"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal)
	done := make(chan struct{})
	go func() {
		snapshotOnSignal(ctx, sig, prof)
		close(done)
	}()

	sig <- syscall.SIGUSR1
	require.Eventually(t, func() bool {
		files, _ := filepath.Glob(filepath.Join(dir, "serve-signal1-*.pprof"))
		return len(files) == 2
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
