package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openbmc/bmc-data-sync/internal/config"
	"github.com/openbmc/bmc-data-sync/internal/controlsurface"
	"github.com/openbmc/bmc-data-sync/internal/health"
	"github.com/openbmc/bmc-data-sync/internal/roleprovider"
	"github.com/openbmc/bmc-data-sync/internal/transfer"
	"github.com/openbmc/bmc-data-sync/internal/watcher"
)

// controlledExecutor lets tests dictate exactly when each Transfer call
// completes and what it returns, without shelling out to rsync.
type controlledExecutor struct {
	mu      sync.Mutex
	calls   []transfer.Request
	release chan struct{}
	result  transfer.Result
	err     error
}

func newControlledExecutor() *controlledExecutor {
	return &controlledExecutor{release: make(chan struct{}, 64)}
}

func (c *controlledExecutor) Transfer(ctx context.Context, req transfer.Request) (transfer.Result, error) {
	c.mu.Lock()
	c.calls = append(c.calls, req)
	c.mu.Unlock()

	select {
	case <-c.release:
	case <-ctx.Done():
		return transfer.Result{}, ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result, c.err
}

func (c *controlledExecutor) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func newTestManager(t *testing.T, exec transfer.Executor, entries []*config.SyncEntry, role roleprovider.Role) (*Manager, *controlsurface.MemorySurface) {
	t.Helper()

	cfg := &config.Config{Entries: entries}
	dir := t.TempDir()
	hstore, err := health.Open(filepath.Join(dir, "h.db"))
	if err != nil {
		t.Fatalf("health.Open: %v", err)
	}
	t.Cleanup(func() { hstore.Close() })

	surface := controlsurface.NewMemorySurface()

	m, err := New(Options{
		Config:   cfg,
		Executor: exec,
		Surface:  surface,
		Health:   hstore,
		Role:     roleprovider.Snapshot{Role: role},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	g, gctx := errgroup.WithContext(ctx)
	m.ctx = gctx
	m.group = g
	g.Go(func() error { return m.reactor(gctx) })

	return m, surface
}

func fileEntry(id int, direction config.Direction) *config.SyncEntry {
	return &config.SyncEntry{
		ID:        id,
		Path:      "/tmp/nonexistent-src",
		Direction: direction,
		SyncType:  config.Immediate,
	}
}

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSingleFlightCoalescesBurstIntoOneRerun(t *testing.T) {
	exec := newControlledExecutor()
	entry := fileEntry(1, config.Active2Passive)
	m, _ := newTestManager(t, exec, []*config.SyncEntry{entry}, roleprovider.Active)

	m.events <- event{kind: evWatcherOp, entryID: 1, op: watcher.DataOperation{Path: entry.Path, Op: watcher.Copy}}
	waitForCondition(t, func() bool { return exec.callCount() == 1 })

	// Two more events arrive while the first transfer is still running;
	// they must coalesce into exactly one rerun, not two.
	m.events <- event{kind: evWatcherOp, entryID: 1, op: watcher.DataOperation{Path: entry.Path, Op: watcher.Copy}}
	m.events <- event{kind: evWatcherOp, entryID: 1, op: watcher.DataOperation{Path: entry.Path, Op: watcher.Copy}}

	exec.release <- struct{}{} // let the first call finish
	waitForCondition(t, func() bool { return exec.callCount() == 2 })

	exec.release <- struct{}{} // let the rerun finish
	time.Sleep(50 * time.Millisecond)
	if got := exec.callCount(); got != 2 {
		t.Errorf("expected exactly 2 transfer calls, got %d", got)
	}
}

func TestDirectionGatingSkipsMismatchedRole(t *testing.T) {
	exec := newControlledExecutor()
	entry := fileEntry(1, config.Passive2Active)
	m, _ := newTestManager(t, exec, []*config.SyncEntry{entry}, roleprovider.Active)

	m.events <- event{kind: evWatcherOp, entryID: 1, op: watcher.DataOperation{Path: entry.Path, Op: watcher.Copy}}
	time.Sleep(100 * time.Millisecond)

	if got := exec.callCount(); got != 0 {
		t.Errorf("expected no transfer for mismatched direction, got %d calls", got)
	}
}

func TestSuspendGatingDropsEventsThenResumeTriggersOne(t *testing.T) {
	exec := newControlledExecutor()
	exec.release <- struct{}{}
	exec.release <- struct{}{}
	entry := fileEntry(1, config.Bidirectional)
	m, _ := newTestManager(t, exec, []*config.SyncEntry{entry}, roleprovider.Active)

	m.events <- event{kind: evSuspendDelta, entryID: 1, delta: 1}
	time.Sleep(20 * time.Millisecond)

	m.events <- event{kind: evWatcherOp, entryID: 1, op: watcher.DataOperation{Path: entry.Path, Op: watcher.Copy}}
	time.Sleep(50 * time.Millisecond)
	if got := exec.callCount(); got != 0 {
		t.Errorf("expected suspended entry to drop the event, got %d calls", got)
	}

	m.events <- event{kind: evSuspendDelta, entryID: 1, delta: -1}
	m.events <- event{kind: evExternalTrigger, entryID: 1}

	waitForCondition(t, func() bool { return exec.callCount() == 1 })
}

func TestFullSyncCampaignReachesCompletedAndOk(t *testing.T) {
	exec := newControlledExecutor()
	go func() {
		for i := 0; i < 10; i++ {
			exec.release <- struct{}{}
		}
	}()

	entries := []*config.SyncEntry{
		fileEntry(1, config.Active2Passive),
		fileEntry(2, config.Active2Passive),
	}
	m, surface := newTestManager(t, exec, entries, roleprovider.Active)

	m.events <- event{kind: evFullSyncRequested}

	waitForCondition(t, func() bool { return exec.callCount() >= 2 })
	waitForCondition(t, func() bool { return surface.Status() == health.Completed })

	if surface.Health() != health.Ok {
		t.Errorf("expected aggregate health Ok, got %v", surface.Health())
	}

	m.mu.Lock()
	inProgress := m.campaignInProgress
	m.mu.Unlock()
	if inProgress {
		t.Error("expected campaignInProgress to be cleared after completion")
	}
}
