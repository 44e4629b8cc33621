// Package engine implements the Sync Engine: the owner of every Sync
// Entry's runtime state. A single reactor goroutine consumes a fan-in
// event channel and is the only place entry state is mutated; watchers,
// timers, the state-driven controller, and transfer goroutines are pure
// producers onto that channel. This is the Go rendering of a
// single-threaded cooperative event loop without literally running on
// one OS thread.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/openbmc/bmc-data-sync/internal/config"
	"github.com/openbmc/bmc-data-sync/internal/controlsurface"
	"github.com/openbmc/bmc-data-sync/internal/health"
	"github.com/openbmc/bmc-data-sync/internal/retry"
	"github.com/openbmc/bmc-data-sync/internal/roleprovider"
	"github.com/openbmc/bmc-data-sync/internal/statedriven"
	"github.com/openbmc/bmc-data-sync/internal/syncerr"
	"github.com/openbmc/bmc-data-sync/internal/transfer"
	"github.com/openbmc/bmc-data-sync/internal/util"
	"github.com/openbmc/bmc-data-sync/internal/watcher"
)

type eventKind int

const (
	evWatcherOp eventKind = iota
	evWatcherError
	evPeriodicTick
	evTransferDone
	evSuspendDelta
	evExternalTrigger
	evCampaignStep
	evFullSyncRequested
	evFullSyncDone
)

type event struct {
	kind    eventKind
	entryID int

	op         watcher.DataOperation
	err        error
	watcherGen int

	transferErr error

	delta int

	campaignDone chan error

	fullSyncOK      bool
	fullSyncErrText string
	campaignID      string
}

type entryState struct {
	entry *config.SyncEntry

	w          *watcher.Watcher
	watcherGen int

	inFlight        bool
	dirty           bool
	suspendCount    int
	campaignWaiters []chan error
}

// Manager owns every registered entry's runtime state and drives their
// syncs. It is not safe to share across goroutines except via the
// Callbacks methods, which hand off onto the reactor's own channel.
type Manager struct {
	cfg      *config.Config
	exec     transfer.Executor
	surface  controlsurface.Surface
	healthDB *health.Store

	localRole roleprovider.Role
	peerAddr  string
	creds     *roleprovider.Credentials

	stateController *statedriven.Controller

	noopCache *util.Cache

	entries map[int]*entryState
	events  chan event

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu                 sync.Mutex
	campaignInProgress bool
}

// Options configures a Manager. Role, PeerAddress, and Credentials come
// from one roleprovider.Snapshot read at startup.
type Options struct {
	Config   *config.Config
	Executor transfer.Executor
	Surface  controlsurface.Surface
	Health   *health.Store
	Role     roleprovider.Snapshot
	Bus      statedriven.Bus // nil disables the state-driven controller
}

// New builds a Manager from opts. Entries are not armed until Start.
func New(opts Options) (*Manager, error) {
	cache, err := util.NewCache(1024)
	if err != nil {
		return nil, fmt.Errorf("engine: failed to create resync cache: %w", err)
	}

	m := &Manager{
		cfg:       opts.Config,
		exec:      opts.Executor,
		surface:   opts.Surface,
		healthDB:  opts.Health,
		localRole: opts.Role.Role,
		peerAddr:  opts.Role.PeerAddress,
		creds:     opts.Role.Credentials,
		noopCache: cache,
		entries:   make(map[int]*entryState),
		events:    make(chan event, 256),
	}

	if opts.Bus != nil {
		m.stateController = statedriven.NewController(opts.Bus, m)
	}

	for _, e := range opts.Config.Entries {
		m.entries[e.ID] = &entryState{entry: e}
		if e.StateDriven != nil && m.stateController != nil {
			for iface, info := range e.StateDriven.Interfaces {
				m.stateController.Register(e.ID, iface, info)
			}
		}
	}

	return m, nil
}

// Start arms every entry's watcher or timer and launches the reactor.
// It returns once everything is launched; call Wait to block for
// shutdown.
func (m *Manager) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.ctx = ctx
	m.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)
	m.group = g

	for _, st := range m.entries {
		m.armEntry(gctx, st)
	}

	g.Go(func() error { return m.reactor(gctx) })
	if m.stateController != nil {
		g.Go(func() error { return m.stateController.Run(gctx) })
	}

	return nil
}

// Stop requests cancellation of every task. Tasks return at their next
// suspension point; an in-flight transfer is allowed to finish and its
// result is discarded.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

// Wait blocks until every task launched by Start has returned.
func (m *Manager) Wait() error {
	if m.group == nil {
		return nil
	}
	return m.group.Wait()
}

func (m *Manager) armEntry(ctx context.Context, st *entryState) {
	switch st.entry.SyncType {
	case config.Immediate:
		m.armWatcher(ctx, st)
	case config.Periodic:
		m.scheduleFirstPeriodic(st)
	}
}

func (m *Manager) armWatcher(ctx context.Context, st *entryState) {
	w, err := watcher.New(st.entry.ID, st.entry.Path, st.entry.IsDirectory, st.entry.IncludeList, st.entry.ExcludeList)
	if err != nil {
		slog.Warn("failed to arm watcher", "path", st.entry.Path, "error", err)
		return
	}
	st.w = w
	st.watcherGen++
	gen := st.watcherGen

	m.group.Go(func() error {
		err := w.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		var werr *syncerr.WatchChannelError
		if errors.As(err, &werr) {
			m.sendEvent(event{kind: evWatcherError, entryID: st.entry.ID, err: werr, watcherGen: gen}, ctx)
		}
		return nil
	})

	m.group.Go(func() error {
		for op := range w.Operations() {
			m.sendEvent(event{kind: evWatcherOp, entryID: st.entry.ID, op: op}, ctx)
		}
		return nil
	})
}

func (m *Manager) scheduleFirstPeriodic(st *entryState) {
	m.schedulePeriodic(st, st.entry.Periodicity)
}

func (m *Manager) schedulePeriodic(st *entryState, after time.Duration) {
	entryID := st.entry.ID
	time.AfterFunc(after, func() {
		m.sendEvent(event{kind: evPeriodicTick, entryID: entryID}, m.ctx)
	})
}

func (m *Manager) sendEvent(ev event, ctx context.Context) {
	select {
	case m.events <- ev:
	case <-ctx.Done():
	}
}

// TriggerFullSync is the hook the control surface invokes. It must
// return immediately; the campaign runs asynchronously.
func (m *Manager) TriggerFullSync() {
	m.sendEvent(event{kind: evFullSyncRequested}, m.ctx)
}

// OnSuspendChanged implements statedriven.Callbacks.
func (m *Manager) OnSuspendChanged(entryID int, iface string, suspended bool) {
	delta := -1
	if suspended {
		delta = 1
	}
	m.sendEvent(event{kind: evSuspendDelta, entryID: entryID, delta: delta}, m.ctx)
}

// TriggerSync implements statedriven.Callbacks.
func (m *Manager) TriggerSync(entryID int) {
	m.sendEvent(event{kind: evExternalTrigger, entryID: entryID}, m.ctx)
}

func (m *Manager) reactor(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-m.events:
			m.handle(ctx, ev)
		}
	}
}

func (m *Manager) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case evWatcherOp:
		m.handleWatcherOp(ctx, ev)
	case evWatcherError:
		m.handleWatcherError(ctx, ev)
	case evPeriodicTick:
		m.handlePeriodicTick(ctx, ev)
	case evTransferDone:
		m.handleTransferDone(ctx, ev)
	case evSuspendDelta:
		m.handleSuspendDelta(ctx, ev)
	case evExternalTrigger:
		m.handleExternalTrigger(ctx, ev)
	case evCampaignStep:
		m.handleCampaignStep(ctx, ev)
	case evFullSyncRequested:
		m.handleFullSyncRequested(ctx)
	case evFullSyncDone:
		m.handleFullSyncDone(ev)
	}
}

func (m *Manager) handleWatcherOp(ctx context.Context, ev event) {
	st := m.entries[ev.entryID]
	if st == nil {
		return
	}
	if st.suspendCount > 0 {
		return
	}
	m.requestTransfer(ctx, st)
}

func (m *Manager) handleWatcherError(ctx context.Context, ev event) {
	st := m.entries[ev.entryID]
	if st == nil {
		return
	}
	if ev.watcherGen != st.watcherGen {
		// Stale failure from a watcher generation already replaced by a
		// previous restart; the current watcher is unaffected.
		return
	}
	slog.Warn("watcher channel failed, restarting", "path", st.entry.Path, "error", ev.err)
	m.armWatcher(ctx, st)
}

func (m *Manager) handlePeriodicTick(ctx context.Context, ev event) {
	st := m.entries[ev.entryID]
	if st == nil {
		return
	}
	if st.suspendCount > 0 {
		// Resume (via the state-driven controller) already triggers a
		// sync, which reschedules the periodic cadence; dropping this
		// tick without rescheduling is intentional.
		return
	}
	m.requestTransfer(ctx, st)
	if !st.inFlight {
		// requestTransfer started nothing (direction gate or unchanged
		// content), so no completion will rearm the timer; rearm here.
		m.schedulePeriodic(st, st.entry.Periodicity)
	}
}

func (m *Manager) handleExternalTrigger(ctx context.Context, ev event) {
	st := m.entries[ev.entryID]
	if st == nil {
		return
	}
	if st.suspendCount > 0 {
		return
	}
	m.requestTransfer(ctx, st)
}

func (m *Manager) handleSuspendDelta(ctx context.Context, ev event) {
	st := m.entries[ev.entryID]
	if st == nil {
		return
	}
	st.suspendCount += ev.delta
	if st.suspendCount < 0 {
		st.suspendCount = 0
	}
}

// requestTransfer is the single-flight gate: start now, or mark dirty if
// one is already running for this entry.
func (m *Manager) requestTransfer(ctx context.Context, st *entryState) {
	if !m.directionMatches(st.entry.Direction) {
		return
	}
	if m.alreadySynced(st.entry) {
		return
	}
	if st.inFlight {
		st.dirty = true
		return
	}
	m.startTransfer(ctx, st)
}

// alreadySynced consults the no-op resync cache for single-file entries:
// if the source's content hash hasn't changed since the last transfer,
// a new one would be a no-op, so skip it. Directories aren't hashed;
// rsync's own comparison already makes repeat directory syncs cheap.
func (m *Manager) alreadySynced(entry *config.SyncEntry) bool {
	if entry.IsDirectory {
		return false
	}
	data, err := os.ReadFile(entry.Path)
	if err != nil {
		return false
	}
	sum := util.ComputeHash(data)
	prev, ok := m.noopCache.Get(entry.Path)
	m.noopCache.Set(entry.Path, sum)
	return ok && prev == sum
}

func (m *Manager) startTransfer(ctx context.Context, st *entryState) {
	st.inFlight = true
	st.dirty = false
	entry := st.entry
	req := m.buildRequest(entry)

	m.group.Go(func() error {
		_, err := m.runWithRetry(ctx, entry, req)
		m.sendEvent(event{kind: evTransferDone, entryID: entry.ID, transferErr: err}, ctx)
		return nil
	})
}

func (m *Manager) handleTransferDone(ctx context.Context, ev event) {
	st := m.entries[ev.entryID]
	if st == nil {
		return
	}
	st.inFlight = false

	if ev.transferErr != nil {
		slog.Warn("transfer failed", "path", st.entry.Path, "error", ev.transferErr)
		// Forget the hash recorded when this transfer was requested, so a
		// later request with the same content is not skipped as a no-op.
		m.noopCache.Set(st.entry.Path, "")
	}

	waiters := st.campaignWaiters
	st.campaignWaiters = nil
	for _, w := range waiters {
		w <- ev.transferErr
	}

	// A dirty rerun (set by a campaign step or external trigger landing
	// while this transfer was in flight) takes priority over rearming the
	// periodic timer: rearm once the rerun itself completes and finds the
	// entry clean, not on every completion in the chain, or overlapping
	// timers would fire the entry faster than its configured periodicity.
	if st.dirty {
		st.dirty = false
		m.startTransfer(ctx, st)
		return
	}

	if st.entry.SyncType == config.Periodic {
		m.schedulePeriodic(st, st.entry.Periodicity)
	}
}

func (m *Manager) handleCampaignStep(ctx context.Context, ev event) {
	st := m.entries[ev.entryID]
	if st == nil {
		ev.campaignDone <- fmt.Errorf("engine: unknown entry %d", ev.entryID)
		return
	}
	if st.suspendCount > 0 {
		ev.campaignDone <- nil
		return
	}

	st.campaignWaiters = append(st.campaignWaiters, ev.campaignDone)
	if st.inFlight {
		st.dirty = true
		return
	}
	m.startTransfer(ctx, st)
}

func (m *Manager) handleFullSyncRequested(ctx context.Context) {
	m.mu.Lock()
	if m.campaignInProgress {
		m.mu.Unlock()
		return
	}
	m.campaignInProgress = true
	m.mu.Unlock()

	campaignID := uuid.NewString()
	rec := health.CampaignRecord{ID: campaignID, Started: time.Now(), Status: health.InProgress}
	if m.healthDB != nil {
		if err := m.healthDB.Put(rec); err != nil {
			slog.Warn("failed to persist campaign start", "error", err)
		}
	}
	if m.surface != nil {
		m.surface.SetFullSyncStatus(health.InProgress)
	}

	m.group.Go(func() error {
		var failures []string
		for _, entry := range m.cfg.Entries {
			if !m.directionMatches(entry.Direction) {
				continue
			}
			done := make(chan error, 1)
			m.sendEvent(event{kind: evCampaignStep, entryID: entry.ID, campaignDone: done}, ctx)
			select {
			case err := <-done:
				if err != nil {
					failures = append(failures, fmt.Sprintf("%s: %v", entry.Path, err))
				}
			case <-ctx.Done():
				return nil
			}
		}

		m.sendEvent(event{
			kind:            evFullSyncDone,
			campaignID:      campaignID,
			fullSyncOK:      len(failures) == 0,
			fullSyncErrText: strings.Join(failures, "; "),
		}, ctx)
		return nil
	})
}

func (m *Manager) handleFullSyncDone(ev event) {
	m.mu.Lock()
	m.campaignInProgress = false
	m.mu.Unlock()

	status := health.Completed
	value := health.Ok
	if !ev.fullSyncOK {
		status = health.Failed
		value = health.Critical
	}

	if m.healthDB != nil {
		rec, found, _ := m.healthDB.Get(ev.campaignID)
		if !found {
			rec = health.CampaignRecord{ID: ev.campaignID, Started: time.Now()}
		}
		rec.Ended = time.Now()
		rec.Status = status
		rec.ErrSummary = ev.fullSyncErrText
		if err := m.healthDB.Put(rec); err != nil {
			slog.Warn("failed to persist campaign result", "error", err)
		}
	}

	if m.surface != nil {
		m.surface.SetFullSyncStatus(status)
		m.surface.SetHealth(value)
	}
}

func (m *Manager) directionMatches(d config.Direction) bool {
	switch d {
	case config.Active2Passive:
		return m.localRole == roleprovider.Active
	case config.Passive2Active:
		return m.localRole == roleprovider.Passive
	case config.Bidirectional:
		return true
	default:
		return false
	}
}

func (m *Manager) buildDest(entry *config.SyncEntry) string {
	dest := entry.DestPath
	if dest == "" {
		dest = entry.Path
	}
	if m.peerAddr == "" {
		return dest
	}
	user := "root"
	if m.creds != nil && m.creds.User != "" {
		user = m.creds.User
	}
	return fmt.Sprintf("%s@%s:%s", user, m.peerAddr, dest)
}

func (m *Manager) buildRequest(entry *config.SyncEntry) transfer.Request {
	source := entry.Path
	if entry.IsDirectory {
		source += "/"
	}

	includes, excludes := buildFilterArgs(entry)

	return transfer.Request{
		EntryID:     entry.ID,
		Sources:     []string{source},
		Dest:        m.buildDest(entry),
		IsDirectory: entry.IsDirectory,
		Includes:    includes,
		Excludes:    excludes,
		Delete:      entry.IsDirectory,
	}
}

func buildFilterArgs(entry *config.SyncEntry) (includes, excludes []string) {
	for _, p := range entry.IncludeList {
		includes = append(includes, "--include="+p)
	}
	for _, p := range entry.ExcludeList {
		excludes = append(excludes, "--exclude="+p)
	}
	if len(entry.IncludeList) > 0 {
		excludes = append(excludes, "--exclude=*")
	}
	return
}

// runWithRetry issues one transfer and, on a vanished-source failure,
// reissues a reformulated transfer up to entry.Retry.Attempts times.
func (m *Manager) runWithRetry(ctx context.Context, entry *config.SyncEntry, req transfer.Request) (transfer.Result, error) {
	// Transfers run on a context that Stop does not cancel, so a started
	// transfer finishes; ctx still ends the wait between retry attempts.
	xctx := context.WithoutCancel(ctx)
	res, err := m.exec.Transfer(xctx, req)
	if err == nil {
		return res, nil
	}

	var terr *syncerr.TransferError
	if !errors.As(err, &terr) || entry.Retry == nil || entry.Retry.Attempts == 0 {
		return res, err
	}

	vanished := retry.ParseVanishedRoots(terr.Stderr)
	if len(vanished) == 0 {
		return res, err
	}

	lastErr := err
	for attempt := uint8(0); attempt < entry.Retry.Attempts; attempt++ {
		select {
		case <-time.After(entry.Retry.Interval):
		case <-ctx.Done():
			return res, ctx.Err()
		}

		reformulated := retry.FrameIncludeCLI(entry.Path, entry.IncludeList, vanished)
		retryReq := req
		retryReq.Includes = reformulated.Includes
		retryReq.Excludes = reformulated.Excludes
		if len(reformulated.Sources) > 0 {
			retryReq.Sources = reformulated.Sources
		}

		res, lastErr = m.exec.Transfer(xctx, retryReq)
		if lastErr == nil {
			return res, nil
		}

		var retryTerr *syncerr.TransferError
		if !errors.As(lastErr, &retryTerr) {
			break
		}
		vanished = retry.ParseVanishedRoots(retryTerr.Stderr)
		if len(vanished) == 0 {
			break
		}
	}

	return res, lastErr
}
