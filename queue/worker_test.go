package queue

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"shiori/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func transientFailure(url string) error {
	return &apperr.NetworkError{URL: url, StatusCode: 503, Transient: true}
}

func TestPageFailureStopsChapterWithPartialProgress(t *testing.T) {
	h := newHarness(t, Options{Workers: 1, PageWorkers: 1}, &fakeSource{pages: 10, resolved: true})
	broken := imageURL(testChapter(1).URL, 6)
	h.images.setFail(func(url string) error {
		if url == broken {
			return transientFailure(url)
		}
		return nil
	})

	events, unsub := h.q.SubscribeStatus()
	defer unsub()
	require.NoError(t, h.q.Start(context.Background()))
	require.NoError(t, h.q.Enqueue(testManga(), testChapter(1)))

	ev := waitStatus(t, events, keyOf(1), StateError)
	assert.Equal(t, apperr.KindNetwork, ev.ErrKind)

	status, ok := h.q.StatusOf(keyOf(1))
	require.True(t, ok)
	assert.Equal(t, StateError, status.State)
	assert.Equal(t, 6, status.Done)
	assert.Equal(t, 10, status.Total)

	assert.Equal(t, 3, h.images.hitCount(broken), "three attempts per page")
	assert.Zero(t, h.images.hitCount(imageURL(testChapter(1).URL, 7)), "later pages are not fetched")

	assert.Equal(t, 6, h.layout.CountPages(h.layout.TempDir(keyOf(1))), "finished pages are kept for resume")
	assert.NoDirExists(t, h.layout.ChapterDir(keyOf(1)))
	assert.False(t, h.q.IsDownloaded(keyOf(1)))

	rec, ok := h.store.job(keyOf(1))
	require.True(t, ok)
	assert.Equal(t, string(StateError), rec.State)
	assert.Equal(t, string(apperr.KindNetwork), rec.ErrorKind)
}

func TestRetryResumesThroughQueued(t *testing.T) {
	h := newHarness(t, Options{Workers: 1, PageWorkers: 1}, &fakeSource{pages: 10, resolved: true})
	broken := imageURL(testChapter(1).URL, 6)
	h.images.setFail(func(url string) error {
		if url == broken {
			return transientFailure(url)
		}
		return nil
	})

	events, unsub := h.q.SubscribeStatus()
	defer unsub()
	require.NoError(t, h.q.Start(context.Background()))
	require.NoError(t, h.q.Enqueue(testManga(), testChapter(1)))
	waitStatus(t, events, keyOf(1), StateError)

	h.images.setFail(nil)
	require.NoError(t, h.q.Retry(keyOf(1)))

	waitStatus(t, events, keyOf(1), StateQueued)
	waitStatus(t, events, keyOf(1), StateDownloading)
	waitStatus(t, events, keyOf(1), StateDownloaded)

	assert.Equal(t, 1, h.images.hitCount(imageURL(testChapter(1).URL, 0)), "pages on disk are not fetched again")
	assert.Equal(t, 4, h.images.hitCount(broken))
	assert.Equal(t, 10, h.layout.CountPages(h.layout.ChapterDir(keyOf(1))))
	assert.True(t, h.q.IsDownloaded(keyOf(1)))
}

func TestRetryDetectsPageCountChange(t *testing.T) {
	h := newHarness(t, Options{Workers: 1, PageWorkers: 1}, &fakeSource{pages: 10, resolved: true})
	broken := imageURL(testChapter(1).URL, 6)
	h.images.setFail(func(url string) error {
		if url == broken {
			return transientFailure(url)
		}
		return nil
	})

	events, unsub := h.q.SubscribeStatus()
	defer unsub()
	require.NoError(t, h.q.Start(context.Background()))
	require.NoError(t, h.q.Enqueue(testManga(), testChapter(1)))
	waitStatus(t, events, keyOf(1), StateError)

	h.images.setFail(nil)
	h.src.setPages(9)
	require.NoError(t, h.q.Retry(keyOf(1)))

	ev := waitStatus(t, events, keyOf(1), StateError)
	assert.Equal(t, apperr.KindPageCountMismatch, ev.ErrKind)
}

func TestDeleteDuringDownloadRemovesEverything(t *testing.T) {
	h := newHarness(t, Options{Workers: 1, PageWorkers: 1}, &fakeSource{pages: 5, resolved: true})
	stuck := imageURL(testChapter(1).URL, 2)
	entered := make(chan struct{})
	h.images.block = func(ctx context.Context, url string) error {
		if url != stuck {
			return nil
		}
		close(entered)
		<-ctx.Done()
		return ctx.Err()
	}

	events, unsub := h.q.SubscribeStatus()
	defer unsub()
	require.NoError(t, h.q.Start(context.Background()))
	require.NoError(t, h.q.Enqueue(testManga(), testChapter(1)))

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("download never reached the blocking page")
	}
	require.DirExists(t, h.layout.TempDir(keyOf(1)))

	require.NoError(t, h.q.Delete(keyOf(1)))
	waitStatus(t, events, keyOf(1), StateRemoved)

	assert.NoDirExists(t, h.layout.TempDir(keyOf(1)))
	assert.NoDirExists(t, h.layout.ChapterDir(keyOf(1)))
	assert.NoDirExists(t, h.layout.MangaDir(keyOf(1)))
	_, ok := h.q.StatusOf(keyOf(1))
	assert.False(t, ok)
	_, persisted := h.store.job(keyOf(1))
	assert.False(t, persisted)
	_, counted, _ := h.store.PageCount(context.Background(), keyOf(1))
	assert.False(t, counted)
}

func TestEnqueueDuringDeleteCleanup(t *testing.T) {
	h := newHarness(t, Options{Workers: 1, PageWorkers: 1}, &fakeSource{pages: 3, resolved: true})
	stuck := imageURL(testChapter(1).URL, 1)
	entered := make(chan struct{})
	proceed := make(chan struct{})
	var blocked int32
	h.images.block = func(ctx context.Context, url string) error {
		if url != stuck || !atomic.CompareAndSwapInt32(&blocked, 0, 1) {
			return nil
		}
		close(entered)
		<-ctx.Done()
		<-proceed
		return ctx.Err()
	}

	events, unsub := h.q.SubscribeStatus()
	defer unsub()
	require.NoError(t, h.q.Start(context.Background()))
	require.NoError(t, h.q.Enqueue(testManga(), testChapter(1)))

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("download never reached the blocking page")
	}

	require.NoError(t, h.q.Delete(keyOf(1)))
	require.NoError(t, h.q.Enqueue(testManga(), testChapter(1)))
	status, ok := h.q.StatusOf(keyOf(1))
	require.True(t, ok)
	assert.Equal(t, StateQueued, status.State)
	close(proceed)

	var states []State
	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case ev := <-events:
			if ev.Key != keyOf(1) {
				continue
			}
			states = append(states, ev.State)
			done = ev.State == StateDownloaded
		case <-timeout:
			t.Fatalf("chapter never finished, saw %v", states)
		}
	}

	assert.Equal(t, []State{StateQueued, StateDownloading, StateQueued, StateDownloading, StateDownloaded}, states,
		"the cleanup of the old download does not announce the new job as removed")
	assert.True(t, h.q.IsDownloaded(keyOf(1)))
	assert.Equal(t, 3, h.layout.CountPages(h.layout.ChapterDir(keyOf(1))))
}

func TestDeleteDownloadedChapter(t *testing.T) {
	h := newHarness(t, Options{Workers: 1}, &fakeSource{pages: 2, resolved: true})
	events, unsub := h.q.SubscribeStatus()
	defer unsub()

	require.NoError(t, h.q.Start(context.Background()))
	require.NoError(t, h.q.Enqueue(testManga(), testChapter(1)))
	waitStatus(t, events, keyOf(1), StateDownloaded)

	require.NoError(t, h.q.Delete(keyOf(1)))
	waitStatus(t, events, keyOf(1), StateRemoved)
	assert.NoDirExists(t, h.layout.ChapterDir(keyOf(1)))
	assert.False(t, h.q.IsDownloaded(keyOf(1)))
}

func TestBatchResolvedPagesSkipResolution(t *testing.T) {
	resolved := &fakeSource{pages: 4, resolved: true}
	h := newHarness(t, Options{Workers: 1}, resolved)
	events, unsub := h.q.SubscribeStatus()
	defer unsub()

	require.NoError(t, h.q.Start(context.Background()))
	require.NoError(t, h.q.Enqueue(testManga(), testChapter(1)))
	waitStatus(t, events, keyOf(1), StateDownloaded)
	assert.Zero(t, atomic.LoadInt32(&resolved.resolveCalls))

	lazy := &fakeSource{pages: 4}
	h2 := newHarness(t, Options{Workers: 1}, lazy)
	events2, unsub2 := h2.q.SubscribeStatus()
	defer unsub2()

	require.NoError(t, h2.q.Start(context.Background()))
	require.NoError(t, h2.q.Enqueue(testManga(), testChapter(1)))
	waitStatus(t, events2, keyOf(1), StateDownloaded)
	assert.Equal(t, int32(4), atomic.LoadInt32(&lazy.resolveCalls))
}

func TestProgressIsMonotonic(t *testing.T) {
	h := newHarness(t, Options{Workers: 1, PageWorkers: 4}, &fakeSource{pages: 20, resolved: true})
	progress, unsub := h.q.SubscribeProgress()
	defer unsub()

	require.NoError(t, h.q.Start(context.Background()))
	require.NoError(t, h.q.Enqueue(testManga(), testChapter(1)))

	last := -1
	var lastSeq uint64
	timeout := time.After(5 * time.Second)
	for last < 20 {
		select {
		case ev := <-progress:
			require.Equal(t, keyOf(1), ev.Key)
			assert.GreaterOrEqual(t, ev.Done, last)
			assert.Greater(t, ev.Seq, lastSeq)
			assert.Equal(t, 20, ev.Total)
			last, lastSeq = ev.Done, ev.Seq
		case <-timeout:
			t.Fatalf("stuck at %d/20", last)
		}
	}
}

func TestStorageErrorDropsTempDir(t *testing.T) {
	h := newHarness(t, Options{Workers: 1, PageWorkers: 1}, &fakeSource{pages: 2, resolved: true})

	// a directory where the first page's temp file should go makes the write fail
	blocker := filepath.Join(h.layout.TempDir(keyOf(1)), "001.tmp")
	require.NoError(t, os.MkdirAll(blocker, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(blocker, "x"), []byte("x"), 0644))

	events, unsub := h.q.SubscribeStatus()
	defer unsub()
	require.NoError(t, h.q.Start(context.Background()))
	require.NoError(t, h.q.Enqueue(testManga(), testChapter(1)))

	ev := waitStatus(t, events, keyOf(1), StateError)
	assert.Equal(t, apperr.KindStorage, ev.ErrKind)
	assert.NoDirExists(t, h.layout.TempDir(keyOf(1)))
	assert.Equal(t, 1, h.images.hitCount(imageURL(testChapter(1).URL, 0)), "storage errors are not retried")
}

// upperTransformer rewrites every page as a fixed payload
type upperTransformer struct{ calls int32 }

func (u *upperTransformer) Transform(data []byte) ([]byte, string, error) {
	atomic.AddInt32(&u.calls, 1)
	if len(data) == 0 {
		return nil, "", errors.New("empty")
	}
	return []byte("converted"), "jpg", nil
}

func TestTransformerRewritesPages(t *testing.T) {
	tr := &upperTransformer{}
	h := newHarness(t, Options{Workers: 1, Transformer: tr}, &fakeSource{pages: 2, resolved: true})
	events, unsub := h.q.SubscribeStatus()
	defer unsub()

	require.NoError(t, h.q.Start(context.Background()))
	require.NoError(t, h.q.Enqueue(testManga(), testChapter(1)))
	waitStatus(t, events, keyOf(1), StateDownloaded)

	got, err := os.ReadFile(filepath.Join(h.layout.ChapterDir(keyOf(1)), "002.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "converted", string(got))
	assert.Equal(t, int32(2), atomic.LoadInt32(&tr.calls))
}

func TestEmptyPayloadIsRetried(t *testing.T) {
	h := newHarness(t, Options{Workers: 1}, &fakeSource{pages: 1, resolved: true})
	var served int32
	h.images.empty = func(url string) bool {
		return atomic.AddInt32(&served, 1) == 1
	}

	events, unsub := h.q.SubscribeStatus()
	defer unsub()
	require.NoError(t, h.q.Start(context.Background()))
	require.NoError(t, h.q.Enqueue(testManga(), testChapter(1)))
	waitStatus(t, events, keyOf(1), StateDownloaded)
	assert.Equal(t, int32(2), atomic.LoadInt32(&served))
}
