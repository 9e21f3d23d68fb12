package queue

import (
	"context"
	"errors"
	"fmt"
	"log"

	"shiori/apperr"
	"shiori/models"
	"shiori/network"
	"shiori/parser"
	"shiori/sources"

	"golang.org/x/sync/errgroup"
)

func (q *Queue) worker(id int) {
	defer q.wg.Done()

	for {
		j, ctx, ok := q.claim()
		if !ok {
			return
		}

		log.Printf("[Worker %d] Starting %s", id, j.key)
		err := q.download(ctx, j)
		q.finish(j, err)
	}
}

// claim blocks until a queued job is available or the queue stops
func (q *Queue) claim() (*job, context.Context, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.stopped {
			return nil, nil, false
		}

		for i, key := range q.pending {
			if _, busy := q.cleaning[key]; busy {
				continue
			}
			q.pending = append(q.pending[:i], q.pending[i+1:]...)

			j := q.jobs[key]
			ctx, cancel := context.WithCancel(q.ctx)
			j.cancel = cancel
			j.state = StateDownloading
			j.done, j.total = 0, 0
			q.saveLocked(j)
			q.publishStatusLocked(j)
			return j, ctx, true
		}

		q.cond.Wait()
	}
}

// download runs the page pipeline for one chapter and commits it on success
func (q *Queue) download(ctx context.Context, j *job) error {
	src, err := q.sources.Get(j.key.SourceID)
	if err != nil {
		return err
	}

	pages, err := src.FetchPageList(ctx, j.chapter)
	if err != nil {
		return fmt.Errorf("failed to get page list: %w", err)
	}
	if len(pages) == 0 {
		return &apperr.ParseError{Source: src.Name(), URL: j.chapter.URL, Reason: "chapter has no pages"}
	}

	if recorded, ok, err := q.store.PageCount(ctx, j.key); err == nil && ok && recorded != len(pages) {
		return &apperr.PageCountMismatchError{Expected: recorded, Actual: len(pages)}
	}
	if err := q.store.SetPageCount(ctx, j.key, len(pages)); err != nil {
		log.Printf("[Queue] %v", err)
	}

	dir, err := q.layout.PrepareTemp(j.key)
	if err != nil {
		return err
	}

	q.mu.Lock()
	j.total = len(pages)
	q.publishProgressLocked(j)
	q.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(q.opts.PageWorkers)

	for _, page := range pages {
		if _, ok := q.layout.ExistingPage(dir, page.Index); ok {
			q.pageDone(j)
			continue
		}
		g.Go(func() error {
			return q.downloadPage(gctx, src, j, dir, page)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if have := q.layout.CountPages(dir); have != len(pages) {
		return &apperr.PageCountMismatchError{Expected: len(pages), Actual: have}
	}
	return q.layout.Commit(j.key)
}

// downloadPage resolves, fetches and writes a single page, retrying transient failures
func (q *Queue) downloadPage(ctx context.Context, src sources.Source, j *job, dir string, page models.Page) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	label := fmt.Sprintf("%s page %d", j.key, page.Index+1)
	err := network.Retry(ctx, q.opts.Retry, label, func(ctx context.Context) error {
		if !page.Resolved() {
			resolved, err := src.ResolvePageImage(ctx, page)
			if err != nil {
				return err
			}
			page = resolved
		}

		resp, err := q.fetcher.Get(ctx, page.ImageURL, src.Headers())
		if err != nil {
			return err
		}
		if len(resp.Body) == 0 {
			return &apperr.NetworkError{URL: page.ImageURL, StatusCode: resp.StatusCode, Transient: true, Cause: errors.New("empty image payload")}
		}

		body, ext := resp.Body, parser.ImageExtension(resp.Body, resp.ContentType())
		if q.opts.Transformer != nil {
			body, ext, err = q.opts.Transformer.Transform(body)
			if err != nil {
				return &apperr.ParseError{Source: src.Name(), URL: page.ImageURL, Reason: "unreadable image: " + err.Error()}
			}
		}

		_, err = q.layout.WritePage(dir, page.Index, ext, body)
		return err
	})
	if err != nil {
		log.Printf("[Queue] %s failed: %v", label, err)
		return err
	}

	q.pageDone(j)
	return nil
}

func (q *Queue) pageDone(j *job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if j.done < j.total {
		j.done++
		q.publishProgressLocked(j)
	}
}

// finish records the outcome of a download attempt
func (q *Queue) finish(j *job, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j.cancel()

	if current, ok := q.jobs[j.key]; !ok || current != j {
		// deleted while downloading
		if err := q.purgeLocked(j.key); err != nil {
			log.Printf("[Queue] cleanup of %s failed: %v", j.key, err)
		}
		delete(q.cleaning, j.key)
		if ok {
			// enqueued again during cleanup; its QUEUED event stands
			log.Printf("[Queue] Cleaned up %s, new job waiting", j.key)
		} else {
			q.publishLocked(StatusEvent{Key: j.key, State: StateRemoved})
			log.Printf("[Queue] Removed %s", j.key)
		}
		q.cond.Broadcast()
		return
	}

	switch {
	case err == nil:
		j.state = StateDownloaded
		delete(q.jobs, j.key)
		if err := q.store.DeleteJob(context.Background(), j.key); err != nil {
			log.Printf("[Queue] %v", err)
		}
		q.publishStatusLocked(j)
		log.Printf("[Queue] ✓ Downloaded %s (%d pages)", j.key, j.total)

	case q.stopped && errors.Is(err, context.Canceled):
		// shutdown; the job resumes on the next start
		j.state = StateQueued
		q.saveLocked(j)

	default:
		if apperr.KindOf(err) == apperr.KindStorage {
			if rmErr := q.layout.RemoveTemp(j.key); rmErr != nil {
				log.Printf("[Queue] %v", rmErr)
			}
		}
		j.state = StateError
		j.setError(err)
		q.saveLocked(j)
		q.publishStatusLocked(j)
		log.Printf("[Queue] ✗ %s failed: %v", j.key, err)
	}
}
