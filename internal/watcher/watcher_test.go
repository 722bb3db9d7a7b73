package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickcecere/sefs/internal/config"
	"github.com/nickcecere/sefs/internal/errs"
	"github.com/nickcecere/sefs/internal/fs"
	"github.com/nickcecere/sefs/internal/metrics"
)

const (
	testDebounce = 50 * time.Millisecond
	waitTimeout  = 3 * time.Second
)

type runningWatcher struct {
	root   string
	w      *Watcher
	cancel context.CancelFunc
	done   chan error
}

func startWatcher(t *testing.T, setup func(root string)) *runningWatcher {
	t.Helper()

	root := t.TempDir()
	if setup != nil {
		setup(root)
	}

	cfg := config.DefaultConfig()
	cfg.Watch.Debounce = testDebounce
	cfg.Watch.SuppressGrace = time.Second

	filter := fs.NewFilter(root, fs.FilterOptions{
		Include:  config.DefaultIncludePatterns(),
		SkipDirs: []string{config.StateDir(root)},
	})
	w := New(filter, cfg, WithMetrics(metrics.New()))

	ctx, cancel := context.WithCancel(context.Background())
	rw := &runningWatcher{root: root, w: w, cancel: cancel, done: make(chan error, 1)}
	go func() { rw.done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-rw.done
	})

	// Give fsnotify time to register the tree
	time.Sleep(100 * time.Millisecond)
	return rw
}

func (rw *runningWatcher) next(t *testing.T) fs.WorkItem {
	t.Helper()
	select {
	case item, ok := <-rw.w.Events():
		require.True(t, ok, "event stream closed")
		return item
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a work item")
		return fs.WorkItem{}
	}
}

func (rw *runningWatcher) expectQuiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case item := <-rw.w.Events():
		t.Fatalf("unexpected work item %+v", item)
	case <-time.After(d):
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestWatcherEmitsUpsertForNewFile(t *testing.T) {
	rw := startWatcher(t, nil)

	path := filepath.Join(rw.root, "notes.txt")
	writeFile(t, path, "hello")

	item := rw.next(t)
	assert.Equal(t, path, item.Path)
	assert.Equal(t, fs.ChangeUpsert, item.Kind)
}

func TestWatcherDebouncesRepeatedWrites(t *testing.T) {
	rw := startWatcher(t, nil)

	path := filepath.Join(rw.root, "draft.md")
	for i := 0; i < 5; i++ {
		writeFile(t, path, "version "+string(rune('a'+i)))
		time.Sleep(10 * time.Millisecond)
	}

	item := rw.next(t)
	assert.Equal(t, path, item.Path)
	rw.expectQuiet(t, 4*testDebounce)
}

func TestWatcherEmitsRemove(t *testing.T) {
	var path string
	rw := startWatcher(t, func(root string) {
		path = filepath.Join(root, "old.txt")
		writeFile(t, path, "bye")
	})

	require.NoError(t, os.Remove(path))

	item := rw.next(t)
	assert.Equal(t, path, item.Path)
	assert.Equal(t, fs.ChangeRemove, item.Kind)
}

func TestWatcherRenameEmitsBothPaths(t *testing.T) {
	var src string
	rw := startWatcher(t, func(root string) {
		src = filepath.Join(root, "a.txt")
		writeFile(t, src, "content")
	})

	dst := filepath.Join(rw.root, "b.txt")
	require.NoError(t, os.Rename(src, dst))

	items := []fs.WorkItem{rw.next(t), rw.next(t)}
	assert.ElementsMatch(t, []fs.WorkItem{
		{Path: dst, Kind: fs.ChangeUpsert},
		{Path: src, Kind: fs.ChangeRemove},
	}, items)
}

func TestWatcherSuppressesExpectedMoves(t *testing.T) {
	rw := startWatcher(t, nil)

	moved := filepath.Join(rw.root, "Folder", "moved.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(moved), 0755))
	time.Sleep(50 * time.Millisecond)

	rw.w.Tracker().Expect(moved)
	writeFile(t, moved, "placed by the organizer")
	rw.expectQuiet(t, 4*testDebounce)

	other := filepath.Join(rw.root, "Folder", "user.txt")
	writeFile(t, other, "dropped in by the user")
	assert.Equal(t, other, rw.next(t).Path)
}

func TestWatcherIgnoresFilteredFiles(t *testing.T) {
	rw := startWatcher(t, nil)

	writeFile(t, filepath.Join(rw.root, ".hidden.txt"), "x")
	writeFile(t, filepath.Join(rw.root, "download.pdf.crdownload"), "x")
	writeFile(t, filepath.Join(rw.root, "image.png"), "x")
	writeFile(t, filepath.Join(config.StateDir(rw.root), "state.txt"), "x")
	rw.expectQuiet(t, 4*testDebounce)

	path := filepath.Join(rw.root, "kept.txt")
	writeFile(t, path, "x")
	assert.Equal(t, path, rw.next(t).Path)
}

func TestWatcherFollowsNewDirectories(t *testing.T) {
	rw := startWatcher(t, nil)

	dir := filepath.Join(rw.root, "projects", "2024")
	require.NoError(t, os.MkdirAll(dir, 0755))
	time.Sleep(100 * time.Millisecond)

	path := filepath.Join(dir, "plan.md")
	writeFile(t, path, "roadmap")

	assert.Equal(t, fs.WorkItem{Path: path, Kind: fs.ChangeUpsert}, rw.next(t))
}

func TestWatcherQueuesFilesOfMovedInDirectory(t *testing.T) {
	outside := t.TempDir()
	writeFile(t, filepath.Join(outside, "batch", "one.txt"), "1")
	writeFile(t, filepath.Join(outside, "batch", "two.txt"), "2")

	rw := startWatcher(t, nil)

	require.NoError(t, os.Rename(filepath.Join(outside, "batch"), filepath.Join(rw.root, "batch")))

	first := rw.next(t)
	second := rw.next(t)
	assert.Equal(t, filepath.Join(rw.root, "batch", "one.txt"), first.Path)
	assert.Equal(t, filepath.Join(rw.root, "batch", "two.txt"), second.Path)
}

func TestWatcherRootRemoved(t *testing.T) {
	rw := startWatcher(t, nil)

	require.NoError(t, os.RemoveAll(rw.root))

	select {
	case err := <-rw.done:
		assert.ErrorIs(t, err, errs.ErrRootUnavailable)
		assert.True(t, errs.IsFatal(err))
		rw.done <- err // Let cleanup drain it
	case <-time.After(waitTimeout):
		t.Fatal("watcher kept running without its root")
	}

	_, ok := <-rw.w.Events()
	assert.False(t, ok, "event stream is closed")
}

func TestWatcherMissingRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "missing")
	w := New(fs.NewFilter(root, fs.FilterOptions{}), config.DefaultConfig())

	err := w.Run(context.Background())
	assert.ErrorIs(t, err, errs.ErrRootUnavailable)
}

func TestWatcherStopsOnCancel(t *testing.T) {
	root := t.TempDir()
	w := New(fs.NewFilter(root, fs.FilterOptions{}), config.DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("watcher did not stop")
	}
}

func TestFlushOrdersUpsertsBeforeRemoves(t *testing.T) {
	root := t.TempDir()
	kept := filepath.Join(root, "b.txt")
	writeFile(t, kept, "x")

	w := New(fs.NewFilter(root, fs.FilterOptions{}), config.DefaultConfig(), WithDebounceTime(time.Second))
	now := time.Now()
	w.now = func() time.Time { return now }

	w.pending[filepath.Join(root, "a.txt")] = now.Add(-2 * time.Second) // Gone
	w.pending[kept] = now.Add(-2 * time.Second)
	w.pending[filepath.Join(root, "c.txt")] = now // Still settling

	require.NoError(t, w.flush(context.Background()))

	assert.Equal(t, fs.WorkItem{Path: kept, Kind: fs.ChangeUpsert}, <-w.out)
	assert.Equal(t, fs.WorkItem{Path: filepath.Join(root, "a.txt"), Kind: fs.ChangeRemove}, <-w.out)
	assert.Len(t, w.pending, 1)
}
