// Package watcher arms kernel inotify watches over a Sync Entry's source
// path and turns raw filesystem events into Data Operations. It is built
// directly on golang.org/x/sys/unix rather than a portable watcher
// library because the operation set it must distinguish — CLOSE_WRITE
// separately from other modifications, DELETE_SELF separately from a
// child DELETE — doesn't survive the commonly available cross-platform
// abstractions.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/openbmc/bmc-data-sync/internal/syncerr"
)

// Op names the Data Operation a watcher event resolves to.
type Op int

const (
	// Copy means the peer's copy of Path should be refreshed from here.
	Copy Op = iota
	// Delete means the peer's copy of Path should be removed.
	Delete
)

func (o Op) String() string {
	if o == Delete {
		return "Delete"
	}
	return "Copy"
}

// DataOperation is one unit of work a watcher hands to its caller.
type DataOperation struct {
	Path string
	Op   Op
}

// watchMask is the fixed inotify event set the original daemon arms on
// every watched entry: content becomes readable (CLOSE_WRITE), a name
// appears or disappears in a watched directory (CREATE, DELETE,
// MOVED_FROM, MOVED_TO), or the watched object itself is gone
// (DELETE_SELF).
const watchMask = unix.IN_CLOSE_WRITE | unix.IN_CREATE | unix.IN_DELETE |
	unix.IN_DELETE_SELF | unix.IN_MOVED_FROM | unix.IN_MOVED_TO | unix.IN_ONLYDIR | unix.IN_ISDIR

// fileWatchMask is armed on a leaf file: there is no directory-entry
// traffic to observe, only writes-closed and the file's own removal.
const fileWatchMask = unix.IN_CLOSE_WRITE | unix.IN_DELETE_SELF

// Watcher owns one inotify file descriptor and the watch-descriptor table
// for a single Sync Entry's configured path (file or directory subtree).
type Watcher struct {
	entryID int
	root    string
	isDir   bool
	include []string
	exclude []string

	fd int

	mu             sync.Mutex
	descriptors    map[int]string // watch descriptor -> absolute path
	paths          map[string]int // absolute path -> watch descriptor
	watchingParent bool           // true once the root itself vanished

	ops  chan DataOperation
	errc chan error
}

// New opens an inotify instance and arms the initial watch set for path.
// For a directory entry it walks the existing tree and arms every
// subdirectory; for a file entry it arms just the file (or its parent, if
// the file doesn't exist yet).
func New(entryID int, path string, isDir bool, include, exclude []string) (*Watcher, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("watcher: inotify_init1: %w", err)
	}

	w := &Watcher{
		entryID:     entryID,
		root:        filepath.Clean(path),
		isDir:       isDir,
		include:     include,
		exclude:     exclude,
		fd:          fd,
		descriptors: make(map[int]string),
		paths:       make(map[string]int),
		ops:         make(chan DataOperation, 64),
		errc:        make(chan error, 1),
	}

	if err := w.armInitial(); err != nil {
		unix.Close(fd)
		return nil, err
	}

	return w, nil
}

func (w *Watcher) armInitial() error {
	if w.isDir {
		if _, err := os.Stat(w.root); err == nil {
			return w.armTree(w.root, false)
		}
		return w.armParentFallback(w.root)
	}

	if _, err := os.Stat(w.root); err == nil {
		if err := w.addWatch(w.root, fileWatchMask); err == nil {
			return nil
		}
	}
	return w.armParentFallback(w.root)
}

// armParentFallback watches the nearest existing ancestor directory for
// the reappearance of the configured leaf, per spec: a configured path
// that doesn't exist yet is not an error, it's watched for creation.
func (w *Watcher) armParentFallback(path string) error {
	parent := filepath.Dir(path)
	for {
		if _, err := os.Stat(parent); err == nil {
			break
		}
		next := filepath.Dir(parent)
		if next == parent {
			return &syncerr.WatchAcquireError{Path: path, Err: fmt.Errorf("no existing ancestor directory")}
		}
		parent = next
	}

	w.mu.Lock()
	w.watchingParent = true
	w.mu.Unlock()

	return w.addWatch(parent, watchMask)
}

// armTree arms dir and every existing subdirectory beneath it. When
// fromCreate is true (the directory just appeared under an existing
// watch), every regular file discovered is also emitted as a Copy, since
// their CLOSE_WRITE already happened before the watch existed to see it.
func (w *Watcher) armTree(dir string, fromCreate bool) error {
	if err := w.addWatch(dir, watchMask); err != nil {
		return err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return &syncerr.WatchAcquireError{Path: dir, Err: err}
	}

	for _, e := range entries {
		full := filepath.Join(dir, e.Name())
		if e.IsDir() {
			if err := w.armTree(full, fromCreate); err != nil {
				return err
			}
			continue
		}
		if fromCreate && w.matches(full) {
			w.emit(DataOperation{Path: full, Op: Copy})
		}
	}
	return nil
}

func (w *Watcher) addWatch(path string, mask uint32) error {
	wd, err := unix.InotifyAddWatch(w.fd, path, mask)
	if err != nil {
		return &syncerr.WatchAcquireError{Path: path, Err: err}
	}

	w.mu.Lock()
	w.descriptors[wd] = path
	w.paths[path] = wd
	w.mu.Unlock()
	return nil
}

func (w *Watcher) removeDescriptor(wd int) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	path, ok := w.descriptors[wd]
	if ok {
		delete(w.descriptors, wd)
		delete(w.paths, path)
	}
	return path, ok
}

// Paths returns a snapshot of the watch-descriptor table, for
// introspection and tests.
func (w *Watcher) Paths() map[int]string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[int]string, len(w.descriptors))
	for k, v := range w.descriptors {
		out[k] = v
	}
	return out
}

// Operations returns the channel of resolved Data Operations.
func (w *Watcher) Operations() <-chan DataOperation {
	return w.ops
}

// Errors returns the channel a fatal WatchChannelError is delivered on.
func (w *Watcher) Errors() <-chan error {
	return w.errc
}

// Close closes the inotify descriptor. A Run already blocked in read is
// not woken by it; that read returns when the next event arrives.
func (w *Watcher) Close() error {
	return unix.Close(w.fd)
}

func (w *Watcher) emit(op DataOperation) {
	select {
	case w.ops <- op:
	default:
		// Caller isn't keeping up; dropping rather than blocking the
		// reader loop matches the engine's dirty-bit coalescing model,
		// which only needs "something changed", not every event.
	}
}

// matches reports whether an absolute path survives the entry's include
// and exclude pattern lists. An empty include list means everything under
// the root is included by default.
func (w *Watcher) matches(absPath string) bool {
	rel, err := filepath.Rel(w.root, absPath)
	if err != nil {
		rel = absPath
	}

	if len(w.include) > 0 {
		included := false
		for _, pat := range w.include {
			if patternMatches(pat, rel) {
				included = true
				break
			}
		}
		if !included {
			return false
		}
	}

	for _, pat := range w.exclude {
		if patternMatches(pat, rel) {
			return false
		}
	}

	return true
}

// patternMatches treats pat as a path prefix: an exact match, a parent
// directory of rel, or (when pat ends in "/") an ancestor whose subtree
// rel falls under.
func patternMatches(pat, rel string) bool {
	pat = filepath.Clean(pat)
	rel = filepath.Clean(rel)
	if pat == rel {
		return true
	}
	prefix := pat + string(filepath.Separator)
	return len(rel) > len(prefix) && rel[:len(prefix)] == prefix
}

// Run blocks reading inotify events until ctx is cancelled or the
// descriptor fails. Cancelling ctx closes the descriptor; a read already
// blocked at that moment returns only when the next event arrives, and Run
// returns after it. It delivers resolved operations on Operations() and,
// on a read failure that isn't a clean shutdown, a WatchChannelError on
// Errors() before returning.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.ops)

	go func() {
		<-ctx.Done()
		unix.Close(w.fd)
	}()

	buf := make([]byte, 64*1024)
	for {
		n, err := unix.Read(w.fd, buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			werr := &syncerr.WatchChannelError{EntryID: w.entryID, Err: err}
			select {
			case w.errc <- werr:
			default:
			}
			return werr
		}
		if n <= 0 {
			continue
		}

		for _, op := range w.decode(buf[:n]) {
			w.emit(op)
		}
	}
}

// rawEvent mirrors struct inotify_event's fixed header.
type rawEvent struct {
	Wd     int32
	Mask   uint32
	Cookie uint32
	Len    uint32
}

const rawEventHeaderSize = 16

// decode parses one or more raw inotify_event records out of buf and
// resolves each into zero or one Data Operation, deduplicating repeated
// (path, op) pairs that arrived in the same read.
func (w *Watcher) decode(buf []byte) []DataOperation {
	type seenKey struct {
		path string
		op   Op
	}
	seen := make(map[seenKey]bool)
	var out []DataOperation

	offset := 0
	for offset+rawEventHeaderSize <= len(buf) {
		ev := rawEvent{
			Wd:     int32(le32(buf[offset:])),
			Mask:   le32(buf[offset+4:]),
			Cookie: le32(buf[offset+8:]),
			Len:    le32(buf[offset+12:]),
		}
		nameStart := offset + rawEventHeaderSize
		nameEnd := nameStart + int(ev.Len)
		if nameEnd > len(buf) {
			break
		}
		name := cString(buf[nameStart:nameEnd])
		offset = nameEnd

		op, path, ok := w.resolve(int(ev.Wd), ev.Mask, name)
		if !ok {
			continue
		}
		key := seenKey{path, op}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, DataOperation{Path: path, Op: op})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func (w *Watcher) resolve(wd int, mask uint32, name string) (Op, string, bool) {
	if mask&unix.IN_Q_OVERFLOW != 0 {
		return 0, "", false
	}

	w.mu.Lock()
	dirPath, ok := w.descriptors[wd]
	w.mu.Unlock()
	if !ok {
		return 0, "", false
	}

	var full string
	if name != "" {
		full = filepath.Join(dirPath, name)
	} else {
		full = dirPath
	}

	switch {
	case mask&unix.IN_DELETE_SELF != 0:
		w.handleDeleteSelf(wd, dirPath)
		if dirPath == w.root {
			return Delete, dirPath, w.matches(dirPath) || w.root == dirPath
		}
		return 0, "", false

	case mask&unix.IN_CREATE != 0 && mask&unix.IN_ISDIR != 0:
		if err := w.armTree(full, true); err != nil {
			// Non-fatal: log it and carry on; nothing to emit here.
			slog.Warn("watcher: failed to arm new subdirectory", "path", full, "error", err)
			return 0, "", false
		}
		if w.watchingParent && full == w.root {
			w.mu.Lock()
			w.watchingParent = false
			w.mu.Unlock()
		}
		return 0, "", false

	case mask&unix.IN_CREATE != 0:
		// Wait for CLOSE_WRITE; a CREATE alone means the writer may
		// still be mid-write.
		if w.watchingParent && full == w.root {
			w.rearmRoot()
		}
		return 0, "", false

	case mask&unix.IN_CLOSE_WRITE != 0:
		if !w.matches(full) {
			return 0, "", false
		}
		return Copy, full, true

	case mask&unix.IN_MOVED_TO != 0:
		if mask&unix.IN_ISDIR != 0 {
			w.armTree(full, true)
			return 0, "", false
		}
		if !w.matches(full) {
			return 0, "", false
		}
		return Copy, full, true

	case mask&unix.IN_MOVED_FROM != 0 || mask&unix.IN_DELETE != 0:
		if !w.matches(full) {
			return 0, "", false
		}
		return Delete, full, true
	}

	return 0, "", false
}

// rearmRoot is used when the configured path reappears under a
// parent-fallback watch: the fallback watch is dropped and a proper watch
// on the now-existing root (and, for a directory, its subtree) replaces
// it.
func (w *Watcher) rearmRoot() {
	w.mu.Lock()
	w.watchingParent = false
	w.mu.Unlock()

	if w.isDir {
		w.armTree(w.root, true)
		return
	}
	if err := w.addWatch(w.root, fileWatchMask); err != nil {
		w.armParentFallback(w.root)
	}
}

func (w *Watcher) handleDeleteSelf(wd int, path string) {
	w.removeDescriptor(wd)
	if path == w.root {
		w.armParentFallback(w.root)
	}
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
