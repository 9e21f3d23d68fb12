package sources

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"shiori/apperr"
	"shiori/models"
	"shiori/network"

	"github.com/PuerkitoBio/goquery"
)

// ListingRule describes one paginated listing (popular, latest or search) of an HTML site.
type ListingRule struct {
	// URL of the first page; query is empty for the popular listing.
	InitialURL   func(baseURL, query string) string
	ItemSelector string
	// Item extracts one entry. Entries without URL or title abort the step.
	Item func(s *goquery.Selection) models.Manga
	// NextSelector points at the next-page link; empty for single-page listings.
	NextSelector string
}

// SiteRules is the per-site strategy an HTMLSource runs.
type SiteRules struct {
	ID        int
	Name      string
	BaseURL   string
	Transport Transport
	Headers   http.Header

	Popular ListingRule
	Latest  ListingRule // optional; zero value means no latest-updates listing
	Search  ListingRule

	// Details fills manga from its page.
	Details func(doc *goquery.Document, manga *models.Manga)

	ChapterSelector string
	Chapter         func(s *goquery.Selection) models.Chapter

	// Pages lists the pages of a chapter document. Index and ChapterURL are set by the engine.
	Pages func(doc *goquery.Document, chapter models.Chapter) ([]models.Page, error)
	// ImageURL extracts the image from a page document. Nil means page URLs point at images.
	ImageURL func(doc *goquery.Document) string
}

// HTMLSource implements Source for sites scraped with CSS selectors.
type HTMLSource struct {
	rules   SiteRules
	fetcher network.Fetcher
}

var (
	_ Source       = (*HTMLSource)(nil)
	_ LatestLister = (*HTMLSource)(nil)
)

// NewHTMLSource creates a source running rules over fetcher
func NewHTMLSource(rules SiteRules, fetcher network.Fetcher) *HTMLSource {
	rules.BaseURL = strings.TrimRight(rules.BaseURL, "/")
	return &HTMLSource{rules: rules, fetcher: fetcher}
}

func (h *HTMLSource) ID() int         { return h.rules.ID }
func (h *HTMLSource) Name() string    { return h.rules.Name }
func (h *HTMLSource) BaseURL() string { return h.rules.BaseURL }

func (h *HTMLSource) Headers() http.Header {
	headers := http.Header{"Referer": []string{h.rules.BaseURL + "/"}}
	for key, values := range h.rules.Headers {
		headers[key] = values
	}
	return headers
}

func (h *HTMLSource) ListPopular(ctx context.Context, cursor string) (models.MangasPage, error) {
	return h.crawl(ctx, h.rules.Popular, "", cursor)
}

func (h *HTMLSource) SupportsLatest() bool {
	return h.rules.Latest.InitialURL != nil
}

func (h *HTMLSource) ListLatest(ctx context.Context, cursor string) (models.MangasPage, error) {
	return h.crawl(ctx, h.rules.Latest, "", cursor)
}

func (h *HTMLSource) Search(ctx context.Context, query, cursor string) (models.MangasPage, error) {
	return h.crawl(ctx, h.rules.Search, query, cursor)
}

// crawl fetches exactly one listing page
func (h *HTMLSource) crawl(ctx context.Context, rule ListingRule, query, cursor string) (models.MangasPage, error) {
	pageURL := cursor
	if pageURL == "" {
		if rule.InitialURL == nil {
			return models.MangasPage{}, fmt.Errorf("%s listing: %w", h.rules.Name, apperr.ErrUnsupported)
		}
		pageURL = rule.InitialURL(h.rules.BaseURL, query)
	}

	doc, err := h.document(ctx, pageURL)
	if err != nil {
		return models.MangasPage{}, err
	}

	var (
		result   models.MangasPage
		parseErr error
	)
	doc.Find(rule.ItemSelector).EachWithBreak(func(i int, s *goquery.Selection) bool {
		manga := rule.Item(s)
		if manga.URL == "" || manga.Title == "" {
			parseErr = h.parseError(pageURL, fmt.Sprintf("entry %d has no url or title", i))
			return false
		}
		manga.SourceID = h.rules.ID
		result.Mangas = append(result.Mangas, manga)
		return true
	})
	if parseErr != nil {
		return result, parseErr
	}

	if rule.NextSelector != "" {
		if href, ok := doc.Find(rule.NextSelector).First().Attr("href"); ok {
			next := absolutizeNext(h.rules.BaseURL, pageURL, strings.TrimSpace(href))
			if next != pageURL {
				result.NextURL = next
			}
		}
	}

	return result, nil
}

func (h *HTMLSource) FetchDetails(ctx context.Context, manga models.Manga) (models.Manga, error) {
	target := h.absolute(manga.URL)
	doc, err := h.document(ctx, target)
	if err != nil {
		return manga, err
	}

	if h.rules.Details != nil {
		h.rules.Details(doc, &manga)
	}
	if manga.Title == "" {
		return manga, h.parseError(target, "title not found")
	}

	manga.SourceID = h.rules.ID
	manga.Initialized = true
	return manga, nil
}

func (h *HTMLSource) FetchChapterList(ctx context.Context, manga models.Manga) ([]models.Chapter, error) {
	target := h.absolute(manga.URL)
	doc, err := h.document(ctx, target)
	if err != nil {
		return nil, err
	}

	var (
		chapters []models.Chapter
		parseErr error
	)
	doc.Find(h.rules.ChapterSelector).EachWithBreak(func(i int, s *goquery.Selection) bool {
		chapter := h.rules.Chapter(s)
		if chapter.URL == "" {
			parseErr = h.parseError(target, fmt.Sprintf("chapter %d has no url", i))
			return false
		}
		chapter.MangaURL = manga.URL
		chapters = append(chapters, chapter)
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	if len(chapters) == 0 {
		return nil, h.parseError(target, "no chapters found")
	}

	return chapters, nil
}

func (h *HTMLSource) FetchPageList(ctx context.Context, chapter models.Chapter) ([]models.Page, error) {
	target := h.absolute(chapter.URL)
	doc, err := h.document(ctx, target)
	if err != nil {
		return nil, err
	}

	pages, err := h.rules.Pages(doc, chapter)
	if err != nil {
		return nil, err
	}
	if len(pages) == 0 {
		return nil, h.parseError(target, "no pages found")
	}

	for i := range pages {
		pages[i].Index = i
		pages[i].ChapterURL = chapter.URL
	}
	return pages, nil
}

func (h *HTMLSource) ResolvePageImage(ctx context.Context, page models.Page) (models.Page, error) {
	if page.Resolved() {
		return page, nil
	}
	if h.rules.ImageURL == nil {
		page.ImageURL = h.absolute(page.URL)
		return page, nil
	}

	target := h.absolute(page.URL)
	doc, err := h.document(ctx, target)
	if err != nil {
		return page, err
	}

	imageURL := h.rules.ImageURL(doc)
	if imageURL == "" {
		return page, h.parseError(target, "image not found")
	}
	page.ImageURL = h.absolute(imageURL)
	return page, nil
}

func (h *HTMLSource) document(ctx context.Context, target string) (*goquery.Document, error) {
	resp, err := h.fetcher.Get(ctx, target, h.Headers())
	if err != nil {
		return nil, err
	}
	doc, err := resp.Document()
	if err != nil {
		return nil, h.parseError(target, err.Error())
	}
	return doc, nil
}

func (h *HTMLSource) absolute(ref string) string {
	return AbsoluteURL(h.rules.BaseURL, ref)
}

func (h *HTMLSource) parseError(target, reason string) error {
	return &apperr.ParseError{Source: h.rules.Name, URL: target, Reason: reason}
}

// AbsoluteURL joins a site-relative reference to baseURL.
func AbsoluteURL(baseURL, ref string) string {
	switch {
	case ref == "":
		return ""
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return ref
	case strings.HasPrefix(ref, "//"):
		return "https:" + ref
	case strings.HasPrefix(ref, "/"):
		return strings.TrimRight(baseURL, "/") + ref
	default:
		return strings.TrimRight(baseURL, "/") + "/" + ref
	}
}

// RelativeURL strips scheme and host from an absolute URL so it can be
// stored as a site-relative reference. Relative input is returned as-is.
func RelativeURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return strings.TrimSpace(raw)
	}
	ref := u.EscapedPath()
	if ref == "" {
		ref = "/"
	}
	if u.RawQuery != "" {
		ref += "?" + u.RawQuery
	}
	if u.Fragment != "" {
		ref += "#" + u.Fragment
	}
	return ref
}

// absolutizeNext resolves a next-page href: absolute links are kept,
// root-relative ones are joined to the base URL and anything else is
// joined to the current page.
func absolutizeNext(baseURL, current, href string) string {
	switch {
	case href == "":
		return ""
	case strings.HasPrefix(href, "http://"), strings.HasPrefix(href, "https://"):
		return href
	case strings.HasPrefix(href, "/"):
		return baseURL + href
	case strings.HasPrefix(href, "?"):
		if idx := strings.Index(current, "?"); idx >= 0 {
			current = current[:idx]
		}
		return current + href
	default:
		return strings.TrimRight(current, "/") + "/" + href
	}
}
