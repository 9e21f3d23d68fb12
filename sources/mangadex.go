package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"shiori/apperr"
	"shiori/models"
	"shiori/network"
	"shiori/parser"
)

const (
	MangaDexID         = 3
	mangadexAPIBase    = "https://api.mangadex.org"
	mangadexUploadBase = "https://uploads.mangadex.org"
	mangadexListLimit  = 20
	mangadexFeedLimit  = 100 // MangaDex allows up to 100 per request
)

// MangaDex API response structures
type mangaDexRelationship struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Attributes struct {
		Name     string `json:"name"`
		FileName string `json:"fileName"`
	} `json:"attributes"`
}

type mangaDexManga struct {
	ID         string `json:"id"`
	Attributes struct {
		Title       map[string]string `json:"title"`
		Description map[string]string `json:"description"`
		Status      string            `json:"status"`
		Tags        []struct {
			Attributes struct {
				Name map[string]string `json:"name"`
			} `json:"attributes"`
		} `json:"tags"`
	} `json:"attributes"`
	Relationships []mangaDexRelationship `json:"relationships"`
}

type mangaDexMangaList struct {
	Result string          `json:"result"`
	Data   []mangaDexManga `json:"data"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
	Total  int             `json:"total"`
}

type mangaDexMangaEntity struct {
	Result string        `json:"result"`
	Data   mangaDexManga `json:"data"`
}

type mangaDexChapter struct {
	ID         string `json:"id"`
	Attributes struct {
		Volume      *string `json:"volume"`
		Chapter     *string `json:"chapter"`
		Title       string  `json:"title"`
		PublishAt   string  `json:"publishAt"`
		ExternalURL *string `json:"externalUrl"`
		Pages       int     `json:"pages"`
	} `json:"attributes"`
}

type mangaDexChapterList struct {
	Result string            `json:"result"`
	Data   []mangaDexChapter `json:"data"`
	Limit  int               `json:"limit"`
	Offset int               `json:"offset"`
	Total  int               `json:"total"`
}

type mangaDexAtHome struct {
	Result  string `json:"result"`
	BaseURL string `json:"baseUrl"`
	Chapter struct {
		Hash string   `json:"hash"`
		Data []string `json:"data"`
	} `json:"chapter"`
}

// MangaDex talks to the MangaDex JSON API. Listing cursors are the API URLs
// of the next offset; page lists come back resolved from the @Home server.
type MangaDex struct {
	apiBase    string
	uploadBase string
	fetcher    network.Fetcher
}

var (
	_ Source       = (*MangaDex)(nil)
	_ LatestLister = (*MangaDex)(nil)
)

// NewMangaDex builds the MangaDex source on the API transport
func NewMangaDex(deps Deps) Source {
	return newMangaDex(mangadexAPIBase, mangadexUploadBase, deps.Fetcher(TransportAPI))
}

func newMangaDex(apiBase, uploadBase string, fetcher network.Fetcher) *MangaDex {
	return &MangaDex{
		apiBase:    strings.TrimRight(apiBase, "/"),
		uploadBase: strings.TrimRight(uploadBase, "/"),
		fetcher:    fetcher,
	}
}

func (m *MangaDex) ID() int         { return MangaDexID }
func (m *MangaDex) Name() string    { return "MangaDex" }
func (m *MangaDex) BaseURL() string { return "https://mangadex.org" }

func (m *MangaDex) Headers() http.Header {
	return http.Header{"Referer": []string{"https://mangadex.org/"}}
}

func (m *MangaDex) ListPopular(ctx context.Context, cursor string) (models.MangasPage, error) {
	if cursor == "" {
		cursor = m.listURL(url.Values{"order[followedCount]": {"desc"}}, 0)
	}
	return m.listing(ctx, cursor)
}

func (m *MangaDex) SupportsLatest() bool { return true }

func (m *MangaDex) ListLatest(ctx context.Context, cursor string) (models.MangasPage, error) {
	if cursor == "" {
		cursor = m.listURL(url.Values{"order[latestUploadedChapter]": {"desc"}}, 0)
	}
	return m.listing(ctx, cursor)
}

func (m *MangaDex) Search(ctx context.Context, query, cursor string) (models.MangasPage, error) {
	if cursor == "" {
		cursor = m.listURL(url.Values{"title": {query}, "order[relevance]": {"desc"}}, 0)
	}
	return m.listing(ctx, cursor)
}

func (m *MangaDex) listURL(params url.Values, offset int) string {
	q := url.Values{}
	for k, v := range params {
		q[k] = v
	}
	q.Set("limit", strconv.Itoa(mangadexListLimit))
	q.Set("offset", strconv.Itoa(offset))
	q["includes[]"] = []string{"cover_art"}
	q["contentRating[]"] = []string{"safe", "suggestive"}
	return m.apiBase + "/manga?" + q.Encode()
}

func (m *MangaDex) listing(ctx context.Context, cursor string) (models.MangasPage, error) {
	var list mangaDexMangaList
	if err := m.fetchJSON(ctx, cursor, &list); err != nil {
		return models.MangasPage{}, err
	}

	result := models.MangasPage{Mangas: make([]models.Manga, 0, len(list.Data))}
	for _, data := range list.Data {
		manga := m.toManga(data)
		if manga.Title == "" {
			return result, &apperr.ParseError{Source: m.Name(), URL: cursor, Reason: "entry " + data.ID + " has no title"}
		}
		result.Mangas = append(result.Mangas, manga)
	}

	if next := list.Offset + len(list.Data); len(list.Data) > 0 && next < list.Total {
		u, err := url.Parse(cursor)
		if err == nil {
			q := u.Query()
			q.Set("offset", strconv.Itoa(next))
			u.RawQuery = q.Encode()
			if u.String() != cursor {
				result.NextURL = u.String()
			}
		}
	}

	return result, nil
}

func (m *MangaDex) FetchDetails(ctx context.Context, manga models.Manga) (models.Manga, error) {
	id, err := mangaDexID(manga.URL, "title")
	if err != nil {
		return manga, &apperr.ParseError{Source: m.Name(), URL: manga.URL, Reason: err.Error()}
	}

	apiURL := fmt.Sprintf("%s/manga/%s?includes[]=author&includes[]=artist&includes[]=cover_art", m.apiBase, id)
	var entity mangaDexMangaEntity
	if err := m.fetchJSON(ctx, apiURL, &entity); err != nil {
		return manga, err
	}

	details := m.toManga(entity.Data)
	if details.Title == "" {
		return manga, &apperr.ParseError{Source: m.Name(), URL: apiURL, Reason: "title not found"}
	}
	details.Initialized = true
	return details, nil
}

func (m *MangaDex) FetchChapterList(ctx context.Context, manga models.Manga) ([]models.Chapter, error) {
	id, err := mangaDexID(manga.URL, "title")
	if err != nil {
		return nil, &apperr.ParseError{Source: m.Name(), URL: manga.URL, Reason: err.Error()}
	}

	var chapters []models.Chapter
	for offset := 0; ; offset += mangadexFeedLimit {
		apiURL := fmt.Sprintf("%s/manga/%s/feed?limit=%d&offset=%d&translatedLanguage[]=en&order[chapter]=desc&contentRating[]=safe&contentRating[]=suggestive&contentRating[]=erotica",
			m.apiBase, id, mangadexFeedLimit, offset)

		log.Printf("[MangaDex] Fetching chapters: offset=%d, limit=%d", offset, mangadexFeedLimit)

		var feed mangaDexChapterList
		if err := m.fetchJSON(ctx, apiURL, &feed); err != nil {
			return nil, err
		}

		for _, ch := range feed.Data {
			if ch.Attributes.ExternalURL != nil {
				continue
			}
			chapters = append(chapters, toMangaDexChapter(ch, manga.URL))
		}

		if len(feed.Data) == 0 || offset+len(feed.Data) >= feed.Total {
			break
		}
	}

	if len(chapters) == 0 {
		return nil, &apperr.ParseError{Source: m.Name(), URL: manga.URL, Reason: "no chapters found"}
	}
	log.Printf("[MangaDex] Retrieved %d chapters for %s", len(chapters), manga.URL)
	return chapters, nil
}

func (m *MangaDex) FetchPageList(ctx context.Context, chapter models.Chapter) ([]models.Page, error) {
	id, err := mangaDexID(chapter.URL, "chapter")
	if err != nil {
		return nil, &apperr.ParseError{Source: m.Name(), URL: chapter.URL, Reason: err.Error()}
	}

	apiURL := fmt.Sprintf("%s/at-home/server/%s", m.apiBase, id)
	var atHome mangaDexAtHome
	if err := m.fetchJSON(ctx, apiURL, &atHome); err != nil {
		return nil, err
	}
	if atHome.BaseURL == "" || len(atHome.Chapter.Data) == 0 {
		return nil, &apperr.ParseError{Source: m.Name(), URL: apiURL, Reason: "no pages found"}
	}

	pages := make([]models.Page, len(atHome.Chapter.Data))
	for i, filename := range atHome.Chapter.Data {
		imageURL := fmt.Sprintf("%s/data/%s/%s", strings.TrimRight(atHome.BaseURL, "/"), atHome.Chapter.Hash, filename)
		pages[i] = models.Page{
			Index:      i,
			ChapterURL: chapter.URL,
			URL:        imageURL,
			ImageURL:   imageURL,
		}
	}
	return pages, nil
}

func (m *MangaDex) ResolvePageImage(ctx context.Context, page models.Page) (models.Page, error) {
	if !page.Resolved() {
		page.ImageURL = page.URL
	}
	return page, nil
}

func (m *MangaDex) fetchJSON(ctx context.Context, apiURL string, result interface{}) error {
	resp, err := m.fetcher.Get(ctx, apiURL, http.Header{"Accept": []string{"application/json"}})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body, result); err != nil {
		return &apperr.ParseError{Source: m.Name(), URL: apiURL, Reason: "failed to unmarshal JSON: " + err.Error()}
	}
	return nil
}

func (m *MangaDex) toManga(data mangaDexManga) models.Manga {
	manga := models.Manga{
		SourceID:    MangaDexID,
		URL:         "/title/" + data.ID,
		Title:       pickLocalized(data.Attributes.Title),
		Description: pickLocalized(data.Attributes.Description),
		Status:      models.ParseMangaStatus(data.Attributes.Status),
	}
	for _, tag := range data.Attributes.Tags {
		if name := pickLocalized(tag.Attributes.Name); name != "" {
			manga.Genres = append(manga.Genres, name)
		}
	}
	for _, rel := range data.Relationships {
		switch rel.Type {
		case "author":
			manga.Author = rel.Attributes.Name
		case "artist":
			manga.Artist = rel.Attributes.Name
		case "cover_art":
			if rel.Attributes.FileName != "" {
				manga.ThumbnailURL = fmt.Sprintf("%s/covers/%s/%s", m.uploadBase, data.ID, rel.Attributes.FileName)
			}
		}
	}
	return manga
}

func toMangaDexChapter(ch mangaDexChapter, mangaURL string) models.Chapter {
	var name strings.Builder
	if v := ch.Attributes.Volume; v != nil && *v != "" {
		name.WriteString("Vol. " + *v + " ")
	}
	number := -1.0
	if c := ch.Attributes.Chapter; c != nil && *c != "" {
		name.WriteString("Ch. " + *c)
		if n, err := strconv.ParseFloat(*c, 64); err == nil {
			number = n
		}
	} else {
		name.WriteString("Oneshot")
	}
	if ch.Attributes.Title != "" {
		name.WriteString(" - " + ch.Attributes.Title)
	}

	var uploaded int64
	if t, err := time.Parse(time.RFC3339, ch.Attributes.PublishAt); err == nil {
		uploaded = t.UnixMilli()
	}
	if number < 0 {
		number = parser.ParseChapterNumber(ch.Attributes.Title)
	}

	return models.Chapter{
		URL:        "/chapter/" + ch.ID,
		MangaURL:   mangaURL,
		Name:       strings.TrimSpace(name.String()),
		DateUpload: uploaded,
		Number:     number,
	}
}

// pickLocalized prefers the English value, then the alphabetically first language
func pickLocalized(values map[string]string) string {
	if v, ok := values["en"]; ok && v != "" {
		return v
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if values[k] != "" {
			return values[k]
		}
	}
	return ""
}

// mangaDexID extracts the id following segment, e.g. "title" in
// "/title/MANGA_ID/name" or "https://mangadex.org/title/MANGA_ID".
func mangaDexID(ref, segment string) (string, error) {
	parsedURL, err := url.Parse(ref)
	if err != nil {
		return "", err
	}

	segments := strings.Split(strings.Trim(parsedURL.Path, "/"), "/")
	for i, s := range segments {
		if s == segment && i+1 < len(segments) && segments[i+1] != "" {
			return segments[i+1], nil
		}
	}
	return "", fmt.Errorf("could not extract %s id from %s", segment, ref)
}
