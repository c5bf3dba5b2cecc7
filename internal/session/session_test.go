package session

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/checkbench/internal/observability"
	"github.com/jkaninda/checkbench/internal/sandbox"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry(t *testing.T, cfg Config) (*Registry, *fakeClock) {
	t.Helper()
	if cfg.Root == "" {
		cfg.Root = t.TempDir()
	}
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	reg := NewRegistry(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), observability.NewMetricsCollector())
	reg.now = clock.Now
	return reg, clock
}

func TestResolve(t *testing.T) {
	reg, clock := newTestRegistry(t, Config{})

	s, created, err := reg.Resolve("")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, filepath.Join(reg.Root(), s.ID), s.Dir)

	clock.Advance(time.Minute)
	again, created, err := reg.Resolve(" " + s.ID + " ")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, s, again)
	assert.True(t, clock.Now().Equal(again.LastActive()))

	other, created, err := reg.Resolve("made-up-token")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, "made-up-token", other.ID, "client tokens never name sandboxes")
	assert.Equal(t, 2, reg.Len())
}

func TestResolve_SessionsAreIsolated(t *testing.T) {
	reg, _ := newTestRegistry(t, Config{})
	a, _, err := reg.Resolve("")
	require.NoError(t, err)
	b, _, err := reg.Resolve("")
	require.NoError(t, err)
	require.NotEqual(t, a.Dir, b.Dir)

	require.NoError(t, sandbox.Materialize(a.Dir, []sandbox.File{{Name: "secret.py", Content: "a"}}, true))
	require.NoError(t, sandbox.Materialize(b.Dir, []sandbox.File{{Name: "main.py", Content: "b"}}, true))

	filesB, err := sandbox.ReadTree(b.Dir)
	require.NoError(t, err)
	assert.Equal(t, []sandbox.File{{Name: "main.py", Content: "b"}}, filesB)
}

func TestLock_SerializesRunsPerSession(t *testing.T) {
	reg, _ := newTestRegistry(t, Config{})
	a, _, _ := reg.Resolve("")
	b, _, _ := reg.Resolve("")

	a.Lock()
	assert.False(t, a.TryLock(), "second run in the same session must wait")
	assert.True(t, b.TryLock(), "other sessions are independent")
	b.Unlock()
	a.Unlock()
}

func TestReap(t *testing.T) {
	reg, clock := newTestRegistry(t, Config{})

	idle, _, _ := reg.Resolve("")
	busy, _, _ := reg.Resolve("")
	require.NoError(t, sandbox.Materialize(idle.Dir, []sandbox.File{{Name: "a.py"}}, true))
	require.NoError(t, sandbox.Materialize(busy.Dir, []sandbox.File{{Name: "a.py"}}, true))

	clock.Advance(20 * time.Minute)
	fresh, _, _ := reg.Resolve("")

	busy.Lock()
	removed := reg.Reap(10 * time.Minute)
	busy.Unlock()

	assert.Equal(t, 1, removed)
	_, ok := reg.Lookup(idle.ID)
	assert.False(t, ok)
	assert.True(t, idle.Closed())
	assert.NoDirExists(t, idle.Dir)

	_, ok = reg.Lookup(busy.ID)
	assert.True(t, ok, "sessions with a run in progress are skipped")
	assert.DirExists(t, busy.Dir)
	_, ok = reg.Lookup(fresh.ID)
	assert.True(t, ok)

	// Next cycle picks up the now-free session.
	assert.Equal(t, 1, reg.Reap(10*time.Minute))
	assert.NoDirExists(t, busy.Dir)
}

func TestFixedDirectoryMode(t *testing.T) {
	fixed := t.TempDir()
	reg, clock := newTestRegistry(t, Config{FixedDir: fixed})

	a, _, _ := reg.Resolve("")
	b, _, _ := reg.Resolve("")
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, fixed, a.Dir)
	assert.Equal(t, fixed, b.Dir)
	assert.Equal(t, fixed, reg.FixedDir())

	a.Lock()
	assert.False(t, b.TryLock(), "sessions sharing a directory share its lock")
	a.Unlock()

	require.NoError(t, os.WriteFile(filepath.Join(fixed, "keep.py"), nil, 0o644))
	clock.Advance(time.Hour)
	assert.Equal(t, 2, reg.Reap(time.Minute))
	assert.FileExists(t, filepath.Join(fixed, "keep.py"))

	c, _, _ := reg.Resolve("")
	reg.DestroyAll()
	assert.True(t, c.Closed())
	assert.DirExists(t, fixed)
}

func TestMaxSessions(t *testing.T) {
	reg, clock := newTestRegistry(t, Config{MaxSessions: 2})

	oldest, _, _ := reg.Resolve("")
	clock.Advance(time.Second)
	newer, _, _ := reg.Resolve("")
	clock.Advance(time.Second)

	third, created, err := reg.Resolve("")
	require.NoError(t, err)
	assert.True(t, created)
	_, ok := reg.Lookup(oldest.ID)
	assert.False(t, ok, "least recently active session is evicted")
	assert.True(t, oldest.Closed())

	newer.Lock()
	third.Lock()
	_, _, err = reg.Resolve("")
	assert.ErrorIs(t, err, ErrCapacity)
	third.Unlock()
	newer.Unlock()
}

func TestDestroyAll(t *testing.T) {
	reg, _ := newTestRegistry(t, Config{})
	a, _, _ := reg.Resolve("")
	require.NoError(t, sandbox.Materialize(a.Dir, []sandbox.File{{Name: "a.py"}}, true))

	reg.DestroyAll()
	assert.Equal(t, 0, reg.Len())
	assert.NoDirExists(t, a.Dir)
}

func TestReaper(t *testing.T) {
	reg := NewRegistry(Config{Root: t.TempDir()}, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	s, _, err := reg.Resolve("")
	require.NoError(t, err)

	stop, err := NewReaper(reg, time.Millisecond, time.Second, slog.New(slog.NewTextHandler(io.Discard, nil))).Start(context.Background())
	require.NoError(t, err)
	defer stop()

	assert.Eventually(t, func() bool {
		_, ok := reg.Lookup(s.ID)
		return !ok
	}, 5*time.Second, 50*time.Millisecond)
}
