package sources

import (
	"context"
	"net/http"

	"shiori/models"
	"shiori/network"
)

// Source is the uniform contract over a remote manga site.
// Implementations hold configuration only; every call is independent.
type Source interface {
	ID() int
	Name() string
	BaseURL() string

	// Headers returns the request headers the site expects, e.g. a Referer for images.
	Headers() http.Header

	// ListPopular returns one page of the popular listing. An empty cursor starts at the first page.
	ListPopular(ctx context.Context, cursor string) (models.MangasPage, error)
	// Search returns one page of results for query.
	Search(ctx context.Context, query, cursor string) (models.MangasPage, error)
	// FetchDetails fills in the descriptive fields of manga and marks it initialized.
	FetchDetails(ctx context.Context, manga models.Manga) (models.Manga, error)
	// FetchChapterList returns chapters in site order.
	FetchChapterList(ctx context.Context, manga models.Manga) ([]models.Chapter, error)
	// FetchPageList returns the ordered pages of a chapter. Sites that expose
	// every image on the chapter document return them already resolved.
	FetchPageList(ctx context.Context, chapter models.Chapter) ([]models.Page, error)
	// ResolvePageImage sets the image URL of page. A page that is already
	// resolved is returned unchanged without any network call.
	ResolvePageImage(ctx context.Context, page models.Page) (models.Page, error)
}

// LatestLister is implemented by sources that can list recently updated
// manga. SupportsLatest may still report false for a given site.
type LatestLister interface {
	SupportsLatest() bool
	// ListLatest returns one page of the latest-updates listing. An empty cursor starts at the first page.
	ListLatest(ctx context.Context, cursor string) (models.MangasPage, error)
}

// SupportsLatest reports whether src has a latest-updates listing
func SupportsLatest(src Source) bool {
	lister, ok := src.(LatestLister)
	return ok && lister.SupportsLatest()
}

// Transport names the fetcher a source is built with.
type Transport string

const (
	TransportHTTP     Transport = "http"
	TransportAPI      Transport = "api"
	TransportFallback Transport = "fallback"
)

// Deps carries the shared transports sources are constructed with.
type Deps struct {
	HTTP    network.Fetcher
	API     network.Fetcher
	Browser network.Fetcher // nil when headless Chrome is disabled
}

// Fetcher returns the transport for t, degrading to plain HTTP when the
// requested one is unavailable.
func (d Deps) Fetcher(t Transport) network.Fetcher {
	switch t {
	case TransportAPI:
		if d.API != nil {
			return d.API
		}
	case TransportFallback:
		if d.Browser != nil {
			return &network.FallbackFetcher{Primary: d.HTTP, Fallback: d.Browser}
		}
	}
	return d.HTTP
}

// Factory builds a source from the shared transports.
type Factory func(deps Deps) Source

// Entry is a registry slot: a fixed id and the factory that builds it.
type Entry struct {
	ID      int
	Factory Factory
}
