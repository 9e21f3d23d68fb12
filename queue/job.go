package queue

import (
	"context"

	"shiori/apperr"
	"shiori/models"
)

// State of a download job
type State string

const (
	StateQueued      State = "QUEUED"
	StateDownloading State = "DOWNLOADING"
	StateDownloaded  State = "DOWNLOADED"
	StateError       State = "ERROR"

	// StateRemoved is only ever published; no job is left in this state.
	StateRemoved State = "REMOVED"
)

// Terminal reports whether no further transition happens without user action
func (s State) Terminal() bool {
	return s == StateDownloaded || s == StateError || s == StateRemoved
}

// JobStatus is a point-in-time view of a job
type JobStatus struct {
	Key        models.ChapterKey
	Manga      models.Manga
	Chapter    models.Chapter
	State      State
	Done       int
	Total      int
	ErrKind    apperr.Kind
	ErrMessage string
}

// StatusEvent is published on every state transition
type StatusEvent struct {
	Seq        uint64
	Key        models.ChapterKey
	State      State
	Done       int
	Total      int
	ErrKind    apperr.Kind
	ErrMessage string
}

// ProgressEvent is published whenever a page is persisted or the page total becomes known
type ProgressEvent struct {
	Seq   uint64
	Key   models.ChapterKey
	Done  int
	Total int
}

type job struct {
	key      models.ChapterKey
	manga    models.Manga
	chapter  models.Chapter
	state    State
	done     int
	total    int
	errKind  apperr.Kind
	errMsg   string
	position int64
	cancel   context.CancelFunc
}

func (j *job) status() JobStatus {
	return JobStatus{
		Key:        j.key,
		Manga:      j.manga,
		Chapter:    j.chapter,
		State:      j.state,
		Done:       j.done,
		Total:      j.total,
		ErrKind:    j.errKind,
		ErrMessage: j.errMsg,
	}
}

func (j *job) setError(err error) {
	if err == nil {
		j.errKind, j.errMsg = apperr.KindNone, ""
		return
	}
	j.errKind, j.errMsg = apperr.KindOf(err), err.Error()
}
