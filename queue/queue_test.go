package queue

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"shiori/apperr"
	"shiori/data"
	"shiori/models"
	"shiori/network"
	"shiori/sources"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSourceID = 7

var pngBytes = []byte("\x89PNG\r\n\x1a\n-page-data-")

// memStore is an in-memory Store
type memStore struct {
	mu     sync.Mutex
	jobs   map[models.ChapterKey]data.JobRecord
	counts map[models.ChapterKey]int
}

func newMemStore() *memStore {
	return &memStore{jobs: map[models.ChapterKey]data.JobRecord{}, counts: map[models.ChapterKey]int{}}
}

func (m *memStore) SaveJob(ctx context.Context, rec data.JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[rec.Key()] = rec
	return nil
}

func (m *memStore) DeleteJob(ctx context.Context, key models.ChapterKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, key)
	return nil
}

func (m *memStore) LoadJobs(ctx context.Context) ([]data.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]data.JobRecord, 0, len(m.jobs))
	for _, rec := range m.jobs {
		out = append(out, rec)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Position < out[b].Position })
	return out, nil
}

func (m *memStore) SetPageCount(ctx context.Context, key models.ChapterKey, count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[key] = count
	return nil
}

func (m *memStore) PageCount(ctx context.Context, key models.ChapterKey) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.counts[key]
	return n, ok, nil
}

func (m *memStore) DeletePageCount(ctx context.Context, key models.ChapterKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.counts, key)
	return nil
}

func (m *memStore) job(key models.ChapterKey) (data.JobRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.jobs[key]
	return rec, ok
}

// fakeSource serves generated page lists with overridable behaviour
type fakeSource struct {
	mu       sync.Mutex
	pages    int
	resolved bool

	fetchPageListFunc func(ctx context.Context, chapter models.Chapter) ([]models.Page, error)
	resolveCalls      int32
}

func (f *fakeSource) ID() int              { return testSourceID }
func (f *fakeSource) Name() string         { return "fake" }
func (f *fakeSource) BaseURL() string      { return "http://fake.test" }
func (f *fakeSource) Headers() http.Header { return http.Header{"Referer": {"http://fake.test/"}} }

func (f *fakeSource) ListPopular(ctx context.Context, cursor string) (models.MangasPage, error) {
	return models.MangasPage{}, nil
}

func (f *fakeSource) Search(ctx context.Context, query, cursor string) (models.MangasPage, error) {
	return models.MangasPage{}, nil
}

func (f *fakeSource) FetchDetails(ctx context.Context, manga models.Manga) (models.Manga, error) {
	return manga, nil
}

func (f *fakeSource) FetchChapterList(ctx context.Context, manga models.Manga) ([]models.Chapter, error) {
	return nil, nil
}

func (f *fakeSource) setPages(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages = n
}

func (f *fakeSource) FetchPageList(ctx context.Context, chapter models.Chapter) ([]models.Page, error) {
	if f.fetchPageListFunc != nil {
		return f.fetchPageListFunc(ctx, chapter)
	}

	f.mu.Lock()
	n, resolved := f.pages, f.resolved
	f.mu.Unlock()

	pages := make([]models.Page, n)
	for i := range pages {
		pages[i] = models.Page{Index: i, ChapterURL: chapter.URL, URL: fmt.Sprintf("%s/%d", chapter.URL, i+1)}
		if resolved {
			pages[i].ImageURL = imageURL(chapter.URL, i)
		}
	}
	return pages, nil
}

func (f *fakeSource) ResolvePageImage(ctx context.Context, page models.Page) (models.Page, error) {
	atomic.AddInt32(&f.resolveCalls, 1)
	page.ImageURL = imageURL(page.ChapterURL, page.Index)
	return page, nil
}

func imageURL(chapterURL string, index int) string {
	return fmt.Sprintf("http://img.test%s/%03d.png", chapterURL, index+1)
}

// imageServer counts requests per URL and lets tests inject failures
type imageServer struct {
	mu    sync.Mutex
	hits  map[string]int
	fail  func(url string) error
	block func(ctx context.Context, url string) error
	empty func(url string) bool
}

func newImageServer() *imageServer {
	return &imageServer{hits: map[string]int{}}
}

func (s *imageServer) Get(ctx context.Context, u string, h http.Header) (*network.Response, error) {
	s.mu.Lock()
	s.hits[u]++
	fail, block, empty := s.fail, s.block, s.empty
	s.mu.Unlock()

	if block != nil {
		if err := block(ctx, u); err != nil {
			return nil, err
		}
	}
	if fail != nil {
		if err := fail(u); err != nil {
			return nil, err
		}
	}
	resp := &network.Response{URL: u, StatusCode: http.StatusOK, Header: http.Header{"Content-Type": {"image/png"}}, Body: pngBytes}
	if empty != nil && empty(u) {
		resp.Body = nil
	}
	return resp, nil
}

func (s *imageServer) setFail(fail func(url string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
}

func (s *imageServer) hitCount(u string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[u]
}

type harness struct {
	q      *Queue
	src    *fakeSource
	images *imageServer
	store  *memStore
	layout Layout
}

func newHarness(t *testing.T, opts Options, src *fakeSource) *harness {
	t.Helper()
	h := &harness{
		src:    src,
		images: newImageServer(),
		store:  newMemStore(),
		layout: Layout{Root: t.TempDir()},
	}
	h.q = h.build(t, opts)
	return h
}

func (h *harness) build(t *testing.T, opts Options) *Queue {
	t.Helper()
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = network.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	}
	reg, err := sources.NewRegistry(sources.Deps{}, sources.Entry{ID: testSourceID, Factory: func(sources.Deps) sources.Source { return h.src }})
	require.NoError(t, err)

	q := New(opts, reg, h.images, h.layout, h.store)
	t.Cleanup(q.Stop)
	return q
}

func testManga() models.Manga {
	return models.Manga{SourceID: testSourceID, URL: "/manga/naruto", Title: "Naruto"}
}

func testChapter(n int) models.Chapter {
	return models.Chapter{URL: fmt.Sprintf("/manga/naruto/%d", n), MangaURL: "/manga/naruto", Name: fmt.Sprintf("Chapter %d", n), Number: float64(n)}
}

func keyOf(n int) models.ChapterKey {
	return models.KeyOf(testManga(), testChapter(n))
}

// waitStatus reads events until key reaches want
func waitStatus(t *testing.T, ch <-chan StatusEvent, key models.ChapterKey, want State) StatusEvent {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "status stream closed while waiting for %s", want)
			if ev.Key == key && ev.State == want {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s to reach %s", key, want)
		}
	}
}

func TestEnqueueIsIdempotent(t *testing.T) {
	h := newHarness(t, Options{}, &fakeSource{pages: 3})

	require.NoError(t, h.q.Enqueue(testManga(), testChapter(1)))
	require.NoError(t, h.q.Enqueue(testManga(), testChapter(1)))
	require.NoError(t, h.q.Enqueue(testManga(), testChapter(2)))

	jobs := h.q.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, keyOf(1), jobs[0].Key, "FIFO order")
	assert.Equal(t, StateQueued, jobs[0].State)
	assert.Equal(t, keyOf(2), jobs[1].Key)

	rec, ok := h.store.job(keyOf(1))
	require.True(t, ok, "queued jobs are persisted")
	assert.Equal(t, string(StateQueued), rec.State)
}

func TestDownloadCommitsChapter(t *testing.T) {
	h := newHarness(t, Options{Workers: 1}, &fakeSource{pages: 3, resolved: true})
	events, unsub := h.q.SubscribeStatus()
	defer unsub()

	require.NoError(t, h.q.Start(context.Background()))
	require.NoError(t, h.q.Enqueue(testManga(), testChapter(1)))

	waitStatus(t, events, keyOf(1), StateDownloading)
	waitStatus(t, events, keyOf(1), StateDownloaded)

	final := h.layout.ChapterDir(keyOf(1))
	assert.FileExists(t, final+"/001.png")
	assert.FileExists(t, final+"/003.png")
	assert.NoDirExists(t, h.layout.TempDir(keyOf(1)))

	assert.True(t, h.q.IsDownloaded(keyOf(1)))
	status, ok := h.q.StatusOf(keyOf(1))
	require.True(t, ok)
	assert.Equal(t, StateDownloaded, status.State)
	assert.Equal(t, 3, status.Total)

	assert.Empty(t, h.q.Jobs(), "finished jobs leave the queue")
	_, persisted := h.store.job(keyOf(1))
	assert.False(t, persisted)

	// a stored chapter is not queued again
	require.NoError(t, h.q.Enqueue(testManga(), testChapter(1)))
	assert.Empty(t, h.q.Jobs())
}

func TestUnknownSourceFailsJob(t *testing.T) {
	h := newHarness(t, Options{Workers: 1}, &fakeSource{pages: 1})
	events, unsub := h.q.SubscribeStatus()
	defer unsub()

	manga := testManga()
	manga.SourceID = 99
	require.NoError(t, h.q.Start(context.Background()))
	require.NoError(t, h.q.Enqueue(manga, testChapter(1)))

	ev := waitStatus(t, events, models.KeyOf(manga, testChapter(1)), StateError)
	assert.Equal(t, apperr.KindUnknownSource, ev.ErrKind)
}

func TestDeleteQueuedJob(t *testing.T) {
	h := newHarness(t, Options{}, &fakeSource{pages: 3})
	events, unsub := h.q.SubscribeStatus()
	defer unsub()

	require.NoError(t, h.q.Enqueue(testManga(), testChapter(1)))
	require.NoError(t, h.q.Delete(keyOf(1)))

	waitStatus(t, events, keyOf(1), StateRemoved)
	assert.Empty(t, h.q.Jobs())
	_, ok := h.q.StatusOf(keyOf(1))
	assert.False(t, ok)
	_, persisted := h.store.job(keyOf(1))
	assert.False(t, persisted)

	assert.NoError(t, h.q.Delete(keyOf(5)), "deleting an unknown chapter is a no-op")
}

func TestRetryRequiresFailedJob(t *testing.T) {
	h := newHarness(t, Options{}, &fakeSource{pages: 3})

	assert.ErrorIs(t, h.q.Retry(keyOf(1)), ErrNotFound)

	require.NoError(t, h.q.Enqueue(testManga(), testChapter(1)))
	assert.ErrorIs(t, h.q.Retry(keyOf(1)), ErrNotRetried)
}

func TestRestoreRequeuesInterruptedJobs(t *testing.T) {
	h := newHarness(t, Options{Workers: 1}, &fakeSource{pages: 2, resolved: true})

	ctx := context.Background()
	require.NoError(t, h.store.SaveJob(ctx, data.JobRecord{Manga: testManga(), Chapter: testChapter(1), State: string(StateDownloading), Position: 4}))
	require.NoError(t, h.store.SaveJob(ctx, data.JobRecord{Manga: testManga(), Chapter: testChapter(2), State: string(StateError), ErrorKind: "network", Error: "boom", Position: 5}))

	events, unsub := h.q.SubscribeStatus()
	defer unsub()
	require.NoError(t, h.q.Start(ctx))

	waitStatus(t, events, keyOf(1), StateDownloaded)

	status, ok := h.q.StatusOf(keyOf(2))
	require.True(t, ok)
	assert.Equal(t, StateError, status.State, "failed jobs wait for an explicit retry")
	assert.Equal(t, apperr.KindNetwork, status.ErrKind)
	assert.Equal(t, "boom", status.ErrMessage)

	h.q.mu.Lock()
	next := h.q.nextPos
	h.q.mu.Unlock()
	assert.Equal(t, int64(6), next, "new jobs go after restored ones")
}

func TestRestoreWithoutWorkers(t *testing.T) {
	h := newHarness(t, Options{Workers: 1}, &fakeSource{pages: 2, resolved: true})

	ctx := context.Background()
	require.NoError(t, h.store.SaveJob(ctx, data.JobRecord{Manga: testManga(), Chapter: testChapter(1), State: string(StateError), ErrorKind: "parse", Error: "bad page", Position: 1}))

	require.NoError(t, h.q.Restore(ctx))
	require.NoError(t, h.q.Restore(ctx), "restoring twice is a no-op")
	require.Len(t, h.q.Jobs(), 1)

	require.NoError(t, h.q.Retry(keyOf(1)))
	status, ok := h.q.StatusOf(keyOf(1))
	require.True(t, ok)
	assert.Equal(t, StateQueued, status.State)

	rec, ok := h.store.job(keyOf(1))
	require.True(t, ok)
	assert.Equal(t, string(StateQueued), rec.State)
	assert.Empty(t, rec.Error)

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, h.images.hitCount(imageURL(testChapter(1).URL, 0)), "nothing downloads before Start")
}

func TestIsDownloadedAfterRestart(t *testing.T) {
	h := newHarness(t, Options{Workers: 1}, &fakeSource{pages: 4, resolved: true})
	events, unsub := h.q.SubscribeStatus()

	require.NoError(t, h.q.Start(context.Background()))
	require.NoError(t, h.q.Enqueue(testManga(), testChapter(1)))
	waitStatus(t, events, keyOf(1), StateDownloaded)
	unsub()
	h.q.Stop()

	restarted := h.build(t, Options{Workers: 1})
	require.NoError(t, restarted.Start(context.Background()))
	assert.True(t, restarted.IsDownloaded(keyOf(1)))
	assert.False(t, restarted.IsDownloaded(keyOf(2)))

	status, ok := restarted.StatusOf(keyOf(1))
	require.True(t, ok)
	assert.Equal(t, StateDownloaded, status.State)
	assert.Equal(t, 4, status.Total)
}

func TestLateSubscriberSeesOnlyFutureEvents(t *testing.T) {
	h := newHarness(t, Options{Workers: 1}, &fakeSource{pages: 1, resolved: true})
	early, unsubEarly := h.q.SubscribeStatus()
	defer unsubEarly()

	require.NoError(t, h.q.Start(context.Background()))
	require.NoError(t, h.q.Enqueue(testManga(), testChapter(1)))
	waitStatus(t, early, keyOf(1), StateDownloaded)

	_, seq := h.q.Snapshot()
	late, unsubLate := h.q.SubscribeStatus()
	defer unsubLate()

	require.NoError(t, h.q.Enqueue(testManga(), testChapter(2)))

	select {
	case ev := <-late:
		assert.Equal(t, keyOf(2), ev.Key)
		assert.Equal(t, StateQueued, ev.State)
		assert.Greater(t, ev.Seq, seq)
	case <-time.After(5 * time.Second):
		t.Fatal("no event delivered to late subscriber")
	}
}

func TestStopClosesStreams(t *testing.T) {
	h := newHarness(t, Options{}, &fakeSource{pages: 1})
	events, _ := h.q.SubscribeStatus()
	progress, _ := h.q.SubscribeProgress()

	require.NoError(t, h.q.Start(context.Background()))
	h.q.Stop()

	_, ok := <-events
	assert.False(t, ok)
	_, ok = <-progress
	assert.False(t, ok)

	assert.ErrorIs(t, h.q.Enqueue(testManga(), testChapter(1)), ErrStopped)
}
