package queue

import (
	"context"
	"sync"

	"shiori/apperr"
	"shiori/models"
)

// ChapterState is what a Tracker knows about one chapter
type ChapterState struct {
	Key        models.ChapterKey
	State      State // empty when the chapter is neither queued nor stored
	Done       int
	Total      int
	ErrKind    apperr.Kind
	ErrMessage string
}

// Tracker follows a fixed set of chapters through the queue. It subscribes
// before taking a snapshot and ignores events the snapshot already covers,
// so no transition is missed or applied twice.
type Tracker struct {
	q        *Queue
	onChange func(ChapterState)

	mu      sync.Mutex
	states  map[models.ChapterKey]*ChapterState
	seqs    map[models.ChapterKey]uint64
	order   []models.ChapterKey
	settled chan struct{}
	closed  bool
}

// NewTracker tracks keys; onChange, if set, is called from Run for every update
func NewTracker(q *Queue, keys []models.ChapterKey, onChange func(ChapterState)) *Tracker {
	t := &Tracker{
		q:        q,
		onChange: onChange,
		states:   make(map[models.ChapterKey]*ChapterState, len(keys)),
		seqs:     make(map[models.ChapterKey]uint64, len(keys)),
		settled:  make(chan struct{}),
	}
	for _, key := range keys {
		if _, dup := t.states[key]; dup {
			continue
		}
		t.states[key] = &ChapterState{Key: key}
		t.order = append(t.order, key)
	}
	return t
}

// Run applies queue events until ctx is done or the queue stops
func (t *Tracker) Run(ctx context.Context) error {
	statusCh, unsubStatus := t.q.SubscribeStatus()
	defer unsubStatus()
	progressCh, unsubProgress := t.q.SubscribeProgress()
	defer unsubProgress()

	jobs, seq := t.q.Snapshot()
	t.seed(jobs, seq)

	for statusCh != nil || progressCh != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-statusCh:
			if !ok {
				statusCh = nil
				continue
			}
			if ev.Seq > seq {
				t.applyStatus(ev)
			}

		case ev, ok := <-progressCh:
			if !ok {
				progressCh = nil
				continue
			}
			if ev.Seq > seq {
				t.applyProgress(ev)
			}
		}
	}
	return nil
}

func (t *Tracker) seed(jobs []JobStatus, seq uint64) {
	inQueue := make(map[models.ChapterKey]JobStatus, len(jobs))
	for _, js := range jobs {
		inQueue[js.Key] = js
	}

	for _, key := range t.order {
		js, ok := inQueue[key]
		if !ok {
			// not queued: either on disk or nothing
			js, _ = t.q.StatusOf(key)
			js.Key = key
		}
		t.update(key, seq, func(cs *ChapterState) {
			cs.State, cs.Done, cs.Total = js.State, js.Done, js.Total
			cs.ErrKind, cs.ErrMessage = js.ErrKind, js.ErrMessage
		})
	}

	t.mu.Lock()
	t.checkSettledLocked()
	t.mu.Unlock()
}

func (t *Tracker) applyStatus(ev StatusEvent) {
	t.update(ev.Key, ev.Seq, func(cs *ChapterState) {
		cs.State, cs.Done, cs.Total = ev.State, ev.Done, ev.Total
		cs.ErrKind, cs.ErrMessage = ev.ErrKind, ev.ErrMessage
	})
}

func (t *Tracker) applyProgress(ev ProgressEvent) {
	t.update(ev.Key, ev.Seq, func(cs *ChapterState) {
		cs.Done, cs.Total = ev.Done, ev.Total
	})
}

// update applies an event unless a later one for the same key was already seen.
// Status and progress arrive on separate streams, so they can interleave.
func (t *Tracker) update(key models.ChapterKey, seq uint64, apply func(*ChapterState)) {
	t.mu.Lock()
	cs, ok := t.states[key]
	if !ok || seq < t.seqs[key] {
		t.mu.Unlock()
		return
	}
	t.seqs[key] = seq
	apply(cs)
	snapshot := *cs
	t.checkSettledLocked()
	t.mu.Unlock()

	if t.onChange != nil {
		t.onChange(snapshot)
	}
}

func (t *Tracker) checkSettledLocked() {
	if t.closed {
		return
	}
	for _, cs := range t.states {
		if cs.State == StateQueued || cs.State == StateDownloading {
			return
		}
	}
	t.closed = true
	close(t.settled)
}

// Settled is closed once no tracked chapter is queued or downloading
func (t *Tracker) Settled() <-chan struct{} {
	return t.settled
}

// State returns the last known state of key
func (t *Tracker) State(key models.ChapterKey) ChapterState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cs, ok := t.states[key]; ok {
		return *cs
	}
	return ChapterState{Key: key}
}

// States returns every tracked chapter in the order given to NewTracker
func (t *Tracker) States() []ChapterState {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]ChapterState, len(t.order))
	for i, key := range t.order {
		out[i] = *t.states[key]
	}
	return out
}
