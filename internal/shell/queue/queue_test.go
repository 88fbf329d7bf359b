package queue

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

const testHost = "https://dev-host:2376"

// fakeChecker is a process table the test controls.
type fakeChecker struct {
	mu    sync.Mutex
	alive map[int]bool
}

func newFakeChecker(pids ...int) *fakeChecker {
	c := &fakeChecker{alive: make(map[int]bool)}
	for _, pid := range pids {
		c.alive[pid] = true
	}
	return c
}

func (c *fakeChecker) IsAlive(pid int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive[pid]
}

func (c *fakeChecker) kill(pid int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.alive, pid)
}

func newTestQueue(root string, pid int, checker ProcessChecker) *Queue {
	return New(Config{
		Root:         root,
		Team:         "itops",
		Project:      "web",
		PID:          pid,
		Checker:      checker,
		PollInterval: 5 * time.Millisecond,
	})
}

// enqueueAt writes a state file for pid and backdates it to at.
func enqueueAt(t *testing.T, root string, pid int, checker ProcessChecker, at time.Time) *Queue {
	t.Helper()
	q := newTestQueue(root, pid, checker)
	require.NoError(t, q.Enqueue(State{Host: testHost, Environment: "development", Action: "deploy"}))
	path := filepath.Join(q.Dir(testHost), strconv.Itoa(pid)+".yml")
	require.NoError(t, os.Chtimes(path, at, at))
	return q
}

func pids(entries []Entry) []int {
	out := make([]int, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.PID)
	}
	return out
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// =============================================================================
// Enqueue Tests
// =============================================================================

func TestEnqueue_WritesState(t *testing.T) {
	root := t.TempDir()
	q := newTestQueue(root, 100, newFakeChecker())

	require.NoError(t, q.Enqueue(State{Host: testHost, Environment: "development", DataCenter: "us-east-1", Action: "deploy"}))

	assert.Equal(t, filepath.Join(root, "itops", "web", "dev-host"), q.Dir(testHost))

	state, err := q.ReadState(testHost, 100)
	require.NoError(t, err)
	assert.Equal(t, State{
		Team:        "itops",
		Project:     "web",
		Environment: "development",
		DataCenter:  "us-east-1",
		Host:        testHost,
		PID:         100,
		Action:      "deploy",
	}, *state)
}

func TestEnqueue_PIDInUse(t *testing.T) {
	q := newTestQueue(t.TempDir(), 100, newFakeChecker())

	require.NoError(t, q.Enqueue(State{Host: testHost}))
	err := q.Enqueue(State{Host: testHost})
	assert.ErrorIs(t, err, ErrPIDInUse)
}

func TestHostDir(t *testing.T) {
	tests := []struct {
		address string
		want    string
	}{
		{"https://dev-host:2376", "dev-host"},
		{"tcp://10.0.0.1:2375", "10.0.0.1"},
		{"ssh://deploy@build-01", "build-01"},
		{"unix:///var/run/docker.sock", "localhost"},
	}
	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			assert.Equal(t, tt.want, HostDir(tt.address))
		})
	}
}

// =============================================================================
// Entries Tests
// =============================================================================

func TestEntries_OrderedByCreation(t *testing.T) {
	root := t.TempDir()
	checker := newFakeChecker()

	enqueueAt(t, root, 300, checker, base.Add(3*time.Second))
	enqueueAt(t, root, 100, checker, base.Add(1*time.Second))
	enqueueAt(t, root, 200, checker, base.Add(2*time.Second))

	entries, err := newTestQueue(root, 1, checker).Entries(testHost)
	require.NoError(t, err)
	assert.Equal(t, []int{100, 200, 300}, pids(entries))
}

func TestEntries_DeletesCorruptNames(t *testing.T) {
	root := t.TempDir()
	q := enqueueAt(t, root, 100, newFakeChecker(), base)

	corrupt := filepath.Join(q.Dir(testHost), "not-a-pid.yml")
	require.NoError(t, os.WriteFile(corrupt, []byte("pid: x\n"), 0o644))

	entries, err := q.Entries(testHost)
	require.NoError(t, err)
	assert.Equal(t, []int{100}, pids(entries))
	assert.NoFileExists(t, corrupt)
}

func TestEntries_MissingDirectory(t *testing.T) {
	entries, err := newTestQueue(t.TempDir(), 1, nil).Entries(testHost)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// =============================================================================
// WaitTurn Tests
// =============================================================================

func TestWaitTurn_FrontOfQueue(t *testing.T) {
	root := t.TempDir()
	checker := newFakeChecker(100, 200)
	q := enqueueAt(t, root, 100, checker, base)
	enqueueAt(t, root, 200, checker, base.Add(time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, q.WaitTurn(ctx, testHost))
}

func TestWaitTurn_EmptyQueue(t *testing.T) {
	q := newTestQueue(t.TempDir(), 100, newFakeChecker())
	assert.NoError(t, q.WaitTurn(context.Background(), testHost))
}

func TestWaitTurn_RemovesStaleEntries(t *testing.T) {
	root := t.TempDir()
	checker := newFakeChecker(300)
	enqueueAt(t, root, 100, checker, base)
	enqueueAt(t, root, 200, checker, base.Add(time.Second))
	q := enqueueAt(t, root, 300, checker, base.Add(2*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, q.WaitTurn(ctx, testHost))

	entries, err := q.Entries(testHost)
	require.NoError(t, err)
	assert.Equal(t, []int{300}, pids(entries))
}

func TestWaitTurn_FIFO(t *testing.T) {
	root := t.TempDir()
	checker := newFakeChecker(100, 200, 300)
	q1 := enqueueAt(t, root, 100, checker, base)
	q2 := enqueueAt(t, root, 200, checker, base.Add(time.Second))
	q3 := enqueueAt(t, root, 300, checker, base.Add(2*time.Second))

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, q := range []*Queue{q3, q2} {
		wg.Add(1)
		go func(q *Queue) {
			defer wg.Done()
			if assert.NoError(t, q.WaitTurn(ctx, testHost)) {
				mu.Lock()
				order = append(order, q.PID())
				mu.Unlock()
				assert.NoError(t, q.Release(testHost))
				checker.kill(q.PID())
			}
		}(q)
	}

	require.NoError(t, q1.WaitTurn(ctx, testHost))
	mu.Lock()
	order = append(order, q1.PID())
	mu.Unlock()
	require.NoError(t, q1.Release(testHost))
	checker.kill(100)

	wg.Wait()
	assert.Equal(t, []int{100, 200, 300}, order)
}

func TestWaitTurn_Cancelled(t *testing.T) {
	root := t.TempDir()
	checker := newFakeChecker(100, 200)
	enqueueAt(t, root, 100, checker, base)
	q := enqueueAt(t, root, 200, checker, base.Add(time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.WaitTurn(ctx, testHost), context.DeadlineExceeded)
}

func TestWaitTurn_NoDotsWithoutTerminal(t *testing.T) {
	root := t.TempDir()
	checker := newFakeChecker(100, 200)
	enqueueAt(t, root, 100, checker, base)

	var out bytes.Buffer
	q := New(Config{
		Root: root, Team: "itops", Project: "web", PID: 200,
		Checker: checker, PollInterval: 5 * time.Millisecond, Out: &out,
	})
	require.NoError(t, q.Enqueue(State{Host: testHost}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, q.WaitTurn(ctx, testHost))
	assert.Empty(t, out.String())
}

// =============================================================================
// Release Tests
// =============================================================================

func TestRelease_Idempotent(t *testing.T) {
	q := enqueueAt(t, t.TempDir(), 100, newFakeChecker(), base)

	require.NoError(t, q.Release(testHost))
	require.NoError(t, q.Release(testHost))

	entries, err := q.Entries(testHost)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// =============================================================================
// Process Checker Tests
// =============================================================================

func TestOSProcessChecker(t *testing.T) {
	checker := OSProcessChecker{}
	assert.True(t, checker.IsAlive(os.Getpid()))
	assert.False(t, checker.IsAlive(0))
	assert.False(t, checker.IsAlive(-1))
}

func TestProcessCheckerFunc(t *testing.T) {
	var checker ProcessChecker = ProcessCheckerFunc(func(pid int) bool { return pid == 7 })
	assert.True(t, checker.IsAlive(7))
	assert.False(t, checker.IsAlive(8))
}
