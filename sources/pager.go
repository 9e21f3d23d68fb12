package sources

import (
	"context"
	"errors"
	"fmt"
	"log"

	"shiori/apperr"
	"shiori/models"
)

// ErrExhausted is returned by Pager.Next once the listing has no more pages.
var ErrExhausted = errors.New("no more pages")

// FetchFunc fetches one listing page for cursor.
type FetchFunc func(ctx context.Context, cursor string) (models.MangasPage, error)

// Pager walks a paginated listing one page per Next call. It never fetches
// ahead. It stops when a page has no next cursor, when the next cursor equals
// the current one, or when a cursor repeats.
type Pager struct {
	label   string
	fetch   FetchFunc
	cursor  string
	done    bool
	visited map[string]struct{}
}

// NewPager creates a pager over fetch
func NewPager(label string, fetch FetchFunc) *Pager {
	return &Pager{
		label:   label,
		fetch:   fetch,
		visited: make(map[string]struct{}),
	}
}

// PopularPager walks the popular listing of src
func PopularPager(src Source) *Pager {
	return NewPager(src.Name()+"/popular", src.ListPopular)
}

// LatestPager walks the latest-updates listing of src. Sources without one
// yield apperr.ErrUnsupported.
func LatestPager(src Source) (*Pager, error) {
	if !SupportsLatest(src) {
		return nil, fmt.Errorf("%s latest updates: %w", src.Name(), apperr.ErrUnsupported)
	}
	return NewPager(src.Name()+"/latest", src.(LatestLister).ListLatest), nil
}

// SearchPager walks the search results of src for query
func SearchPager(src Source, query string) *Pager {
	return NewPager(src.Name()+"/search", func(ctx context.Context, cursor string) (models.MangasPage, error) {
		return src.Search(ctx, query, cursor)
	})
}

// HasNext reports whether another page can be requested
func (p *Pager) HasNext() bool {
	return !p.done
}

// Cursor returns the cursor the next call will fetch ("" for the first page)
func (p *Pager) Cursor() string {
	return p.cursor
}

// Next fetches exactly one page. On error the entries parsed before the
// failure are returned with it and the cursor does not move, so the same
// page can be requested again.
func (p *Pager) Next(ctx context.Context) ([]models.Manga, error) {
	if p.done {
		return nil, ErrExhausted
	}

	page, err := p.fetch(ctx, p.cursor)
	if err != nil {
		return page.Mangas, err
	}

	p.advance(page.NextURL)
	return page.Mangas, nil
}

func (p *Pager) advance(next string) {
	p.visited[p.cursor] = struct{}{}

	switch {
	case next == "":
		p.done = true
	case next == p.cursor:
		p.done = true
	default:
		if _, seen := p.visited[next]; seen {
			log.Printf("[Pager] %s: cursor %s already visited, stopping", p.label, next)
			p.done = true
			return
		}
		p.cursor = next
	}
}

// Collect runs Next until the listing ends or maxPages pages were fetched
// (maxPages <= 0 means no limit). Entries gathered before an error are returned with it.
func (p *Pager) Collect(ctx context.Context, maxPages int) ([]models.Manga, error) {
	var all []models.Manga
	for pages := 0; p.HasNext() && (maxPages <= 0 || pages < maxPages); pages++ {
		entries, err := p.Next(ctx)
		all = append(all, entries...)
		if err != nil {
			return all, err
		}
	}
	return all, nil
}
