package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"shiori/apperr"
	"shiori/data"
	"shiori/models"
	"shiori/network"
	"shiori/parser"
	"shiori/sources"
)

// Store persists the queue and the page counts of downloaded chapters
type Store interface {
	SaveJob(ctx context.Context, rec data.JobRecord) error
	DeleteJob(ctx context.Context, key models.ChapterKey) error
	LoadJobs(ctx context.Context) ([]data.JobRecord, error)
	SetPageCount(ctx context.Context, key models.ChapterKey, count int) error
	PageCount(ctx context.Context, key models.ChapterKey) (int, bool, error)
	DeletePageCount(ctx context.Context, key models.ChapterKey) error
}

// SourceLookup resolves the source a job belongs to
type SourceLookup interface {
	Get(id int) (sources.Source, error)
}

type Options struct {
	Workers     int                // chapters downloaded concurrently
	PageWorkers int                // pages fetched concurrently within a chapter
	Retry       network.RetryPolicy
	Transformer parser.Transformer // optional, applied to every page before it is written
}

var DefaultOptions = Options{
	Workers:     2,
	PageWorkers: 1,
	Retry:       network.DefaultRetryPolicy,
}

var (
	ErrNotFound   = errors.New("no such job")
	ErrNotRetried = errors.New("only failed jobs can be retried")
	ErrStopped    = errors.New("queue is stopped")
)

// Queue downloads chapters in FIFO order with a fixed worker pool.
// All state lives behind mu; events are published while it is held so
// every subscriber observes transitions in the order they happened.
type Queue struct {
	opts    Options
	sources SourceLookup
	fetcher network.Fetcher
	layout  Layout
	store   Store

	mu       sync.Mutex
	cond     *sync.Cond
	jobs     map[models.ChapterKey]*job
	pending  []models.ChapterKey
	cleaning map[models.ChapterKey]struct{}
	nextPos  int64
	seq      uint64
	restored bool
	started  bool
	stopped  bool

	status   *Broadcaster[StatusEvent]
	progress *Broadcaster[ProgressEvent]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a queue. fetcher downloads page images; store may not be nil.
func New(opts Options, lookup SourceLookup, fetcher network.Fetcher, layout Layout, store Store) *Queue {
	if opts.Workers < 1 {
		opts.Workers = DefaultOptions.Workers
	}
	if opts.PageWorkers < 1 {
		opts.PageWorkers = DefaultOptions.PageWorkers
	}
	if opts.Retry.MaxAttempts < 1 {
		opts.Retry = DefaultOptions.Retry
	}

	q := &Queue{
		opts:     opts,
		sources:  lookup,
		fetcher:  fetcher,
		layout:   layout,
		store:    store,
		jobs:     make(map[models.ChapterKey]*job),
		cleaning: make(map[models.ChapterKey]struct{}),
		nextPos:  1,
		status:   NewBroadcaster[StatusEvent](),
		progress: NewBroadcaster[ProgressEvent](),
	}
	q.cond = sync.NewCond(&q.mu)
	q.ctx, q.cancel = context.WithCancel(context.Background())
	return q
}

// Restore loads persisted jobs without starting any download. Jobs
// interrupted mid-download are queued again; failed jobs stay failed.
// It is a no-op after the first call.
func (q *Queue) Restore(ctx context.Context) error {
	q.mu.Lock()
	restored := q.restored
	q.mu.Unlock()
	if restored {
		return nil
	}

	records, err := q.store.LoadJobs(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore queue: %w", err)
	}

	q.mu.Lock()
	if q.restored {
		q.mu.Unlock()
		return nil
	}
	q.restored = true

	for _, rec := range records {
		key := rec.Key()
		if _, exists := q.jobs[key]; exists {
			continue
		}

		j := &job{key: key, manga: rec.Manga, chapter: rec.Chapter, position: rec.Position}
		if State(rec.State) == StateError {
			j.state = StateError
			j.errKind = apperr.Kind(rec.ErrorKind)
			j.errMsg = rec.Error
		} else {
			j.state = StateQueued
			q.pending = append(q.pending, key)
		}
		q.jobs[key] = j
		if rec.Position >= q.nextPos {
			q.nextPos = rec.Position + 1
		}
	}
	q.mu.Unlock()

	if len(records) > 0 {
		log.Printf("[Queue] Restored %d jobs", len(records))
	}
	return nil
}

// Start restores persisted jobs and launches the workers.
func (q *Queue) Start(ctx context.Context) error {
	if err := q.Restore(ctx); err != nil {
		return err
	}

	q.mu.Lock()
	if q.started || q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.started = true
	q.mu.Unlock()

	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker(i + 1)
	}
	return nil
}

// Stop cancels in-flight downloads, waits for the workers and closes all streams.
// Interrupted jobs remain persisted as queued.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.cancel()
	q.cond.Broadcast()
	q.mu.Unlock()

	q.wg.Wait()
	q.status.Close()
	q.progress.Close()
	log.Printf("[Queue] Stopped")
}

// Enqueue adds a chapter. Chapters already queued, downloading, failed or
// stored on disk are left alone.
func (q *Queue) Enqueue(manga models.Manga, chapter models.Chapter) error {
	key := models.KeyOf(manga, chapter)

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return ErrStopped
	}
	if existing, ok := q.jobs[key]; ok {
		log.Printf("[Queue] %s already %s", key, existing.state)
		return nil
	}
	if q.isDownloadedLocked(key) {
		log.Printf("[Queue] %s already downloaded", key)
		return nil
	}

	j := &job{key: key, manga: manga, chapter: chapter, state: StateQueued, position: q.nextPos}
	q.nextPos++
	q.jobs[key] = j
	q.pending = append(q.pending, key)
	q.saveLocked(j)
	q.publishStatusLocked(j)
	q.cond.Signal()

	log.Printf("[Queue] Added %s (%s)", chapter.Name, key)
	return nil
}

// Retry re-queues a failed job at the back of the queue
func (q *Queue) Retry(key models.ChapterKey) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return ErrStopped
	}
	j, ok := q.jobs[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if j.state != StateError {
		return fmt.Errorf("%w: %s is %s", ErrNotRetried, key, j.state)
	}

	j.state = StateQueued
	j.setError(nil)
	j.done = 0
	j.position = q.nextPos
	q.nextPos++
	q.pending = append(q.pending, key)
	q.saveLocked(j)
	q.publishStatusLocked(j)
	q.cond.Signal()

	log.Printf("[Queue] Retrying %s", key)
	return nil
}

// Delete removes a chapter from the queue and from disk. A running download
// is cancelled and its worker cleans up before REMOVED is published.
// Deleting an unknown chapter is a no-op.
func (q *Queue) Delete(key models.ChapterKey) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, queued := q.jobs[key]
	if queued {
		delete(q.jobs, key)
		q.dropPendingLocked(key)
		if err := q.store.DeleteJob(context.Background(), key); err != nil {
			log.Printf("[Queue] %v", err)
		}

		if j.state == StateDownloading {
			log.Printf("[Queue] Cancelling active download %s", key)
			q.cleaning[key] = struct{}{}
			j.cancel()
			return nil
		}
	}

	if _, busy := q.cleaning[key]; busy {
		if queued {
			q.publishLocked(StatusEvent{Key: key, State: StateRemoved})
		}
		return nil
	}

	onDisk := q.layout.Exists(key)
	err := q.purgeLocked(key)
	if queued || onDisk {
		q.publishLocked(StatusEvent{Key: key, State: StateRemoved})
		log.Printf("[Queue] Removed %s", key)
	}
	return err
}

// purgeLocked removes the chapter's files and its page count record
func (q *Queue) purgeLocked(key models.ChapterKey) error {
	if err := q.store.DeletePageCount(context.Background(), key); err != nil {
		log.Printf("[Queue] %v", err)
	}
	return q.layout.Remove(key)
}

// StatusOf reports the job state, falling back to storage for chapters not in the queue
func (q *Queue) StatusOf(key models.ChapterKey) (JobStatus, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.statusOfLocked(key)
}

func (q *Queue) statusOfLocked(key models.ChapterKey) (JobStatus, bool) {
	if j, ok := q.jobs[key]; ok {
		return j.status(), true
	}
	if _, busy := q.cleaning[key]; busy {
		return JobStatus{}, false
	}
	if q.isDownloadedLocked(key) {
		total, _, _ := q.store.PageCount(context.Background(), key)
		return JobStatus{Key: key, State: StateDownloaded, Done: total, Total: total}, true
	}
	return JobStatus{}, false
}

// IsDownloaded reports whether the chapter's final directory holds every page
func (q *Queue) IsDownloaded(key models.ChapterKey) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.isDownloadedLocked(key)
}

func (q *Queue) isDownloadedLocked(key models.ChapterKey) bool {
	if _, busy := q.cleaning[key]; busy {
		return false
	}

	have := q.layout.CountPages(q.layout.ChapterDir(key))
	if have == 0 {
		return false
	}

	want, recorded, err := q.store.PageCount(context.Background(), key)
	if err != nil {
		log.Printf("[Queue] %v", err)
	}
	if !recorded {
		// the final directory only appears through a completed rename
		return true
	}
	return have == want
}

// Jobs lists every job in queue order
func (q *Queue) Jobs() []JobStatus {
	jobs, _ := q.Snapshot()
	return jobs
}

// Snapshot lists every job together with the sequence number of the last
// published event. Events with a higher Seq happened after the snapshot.
func (q *Queue) Snapshot() ([]JobStatus, uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	list := make([]*job, 0, len(q.jobs))
	for _, j := range q.jobs {
		list = append(list, j)
	}
	sort.Slice(list, func(a, b int) bool { return list[a].position < list[b].position })

	out := make([]JobStatus, len(list))
	for i, j := range list {
		out[i] = j.status()
	}
	return out, q.seq
}

// SubscribeStatus streams state transitions published after the call
func (q *Queue) SubscribeStatus() (<-chan StatusEvent, func()) {
	return q.status.Subscribe()
}

// SubscribeProgress streams page progress published after the call
func (q *Queue) SubscribeProgress() (<-chan ProgressEvent, func()) {
	return q.progress.Subscribe()
}

func (q *Queue) publishStatusLocked(j *job) {
	q.publishLocked(StatusEvent{
		Key:        j.key,
		State:      j.state,
		Done:       j.done,
		Total:      j.total,
		ErrKind:    j.errKind,
		ErrMessage: j.errMsg,
	})
}

func (q *Queue) publishLocked(ev StatusEvent) {
	q.seq++
	ev.Seq = q.seq
	q.status.Publish(ev)
}

func (q *Queue) publishProgressLocked(j *job) {
	q.seq++
	q.progress.Publish(ProgressEvent{Seq: q.seq, Key: j.key, Done: j.done, Total: j.total})
}

func (q *Queue) saveLocked(j *job) {
	rec := data.JobRecord{
		Manga:     j.manga,
		Chapter:   j.chapter,
		State:     string(j.state),
		ErrorKind: string(j.errKind),
		Error:     j.errMsg,
		Position:  j.position,
	}
	if err := q.store.SaveJob(context.Background(), rec); err != nil {
		log.Printf("[Queue] %v", err)
	}
}

func (q *Queue) dropPendingLocked(key models.ChapterKey) {
	for i, k := range q.pending {
		if k == key {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}
