package worker

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/PaulBabatuyi/SensorCollector/internal/storage"
)

type recordingSweep struct {
	mu      sync.Mutex
	cutoffs []time.Time
	removed int
	err     error
}

func (r *recordingSweep) SweepStale(cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cutoffs = append(r.cutoffs, cutoff)
	return r.removed, r.err
}

func (r *recordingSweep) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cutoffs)
}

func TestSweepOnceUsesStaleThreshold(t *testing.T) {
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	rec := &recordingSweep{removed: 2}
	s := NewSweeper(&SweeperConfig{
		Storage:    rec,
		StaleAfter: 30 * time.Minute,
		Now:        func() time.Time { return now },
	})

	assert.Equal(t, 2, s.SweepOnce())
	require.Len(t, rec.cutoffs, 1)
	assert.Equal(t, now.Add(-30*time.Minute), rec.cutoffs[0])
}

func TestSweepOnceLogsFailures(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	rec := &recordingSweep{err: errors.New("permission denied")}
	s := NewSweeper(&SweeperConfig{Storage: rec, Logger: zap.New(core)})

	assert.Equal(t, 0, s.SweepOnce())
	assert.Equal(t, 1, logs.FilterMessage("stale upload sweep incomplete").Len())
}

func TestSweeperRunsUntilStopped(t *testing.T) {
	rec := &recordingSweep{}
	s := NewSweeper(&SweeperConfig{Storage: rec, PollInterval: 5 * time.Millisecond})

	s.Start(context.Background())
	require.Eventually(t, func() bool { return rec.calls() >= 3 }, time.Second, time.Millisecond)
	s.Stop()

	after := rec.calls()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, rec.calls())

	// a second Stop is harmless
	s.Stop()
}

func TestSweeperRemovesOnlyStaleScopes(t *testing.T) {
	root := t.TempDir()
	fs, err := storage.NewFilesystemStorage("", root)
	require.NoError(t, err)

	orphan, err := os.MkdirTemp(root, "upload-*")
	require.NoError(t, err)
	fresh, err := fs.NewScope()
	require.NoError(t, err)
	defer fresh.Release()
	stalled, err := fs.NewScope()
	require.NoError(t, err)
	defer stalled.Release()

	old := time.Now().Add(-3 * time.Hour)
	require.NoError(t, os.Chtimes(orphan, old, old))
	require.NoError(t, os.Chtimes(stalled.Dir(), old, old))

	s := NewSweeper(&SweeperConfig{Storage: fs, StaleAfter: time.Hour})
	assert.Equal(t, 1, s.SweepOnce())

	_, err = os.Stat(orphan)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh.Dir())
	assert.NoError(t, err)
	_, err = os.Stat(stalled.Dir())
	assert.NoError(t, err)
}
