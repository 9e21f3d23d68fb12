package sources

import (
	"net/url"
	"regexp"
	"strings"

	"shiori/apperr"
	"shiori/models"
	"shiori/parser"

	"github.com/PuerkitoBio/goquery"
)

const (
	MangaKatanaID      = 2
	mangaKatanaBaseURL = "https://mangakatana.com"
)

var (
	// var thzq=['url1','url2',...];
	thzqRe      = regexp.MustCompile(`var\s+thzq\s*=\s*\[(.*?)\];`)
	quotedURLRe = regexp.MustCompile(`'([^']+)'`)
)

// NewMangaKatana builds the mangakatana.com source.
// The reader page embeds every image URL in an inline script, so page lists
// come back fully resolved.
func NewMangaKatana(deps Deps) Source {
	rules := mangaKatanaRules(mangaKatanaBaseURL)
	return NewHTMLSource(rules, deps.Fetcher(rules.Transport))
}

func mangaKatanaRules(baseURL string) SiteRules {
	item := func(s *goquery.Selection) models.Manga {
		link := s.Find("h3.title > a").First()
		return models.Manga{
			URL:          RelativeURL(link.AttrOr("href", "")),
			Title:        strings.TrimSpace(link.Text()),
			ThumbnailURL: s.Find("div.wrap_img img").First().AttrOr("src", ""),
		}
	}

	return SiteRules{
		ID:        MangaKatanaID,
		Name:      "MangaKatana",
		BaseURL:   baseURL,
		Transport: TransportFallback,

		Popular: ListingRule{
			InitialURL: func(base, _ string) string {
				return base + "/manga?filter=1&order=numc"
			},
			ItemSelector: "#book_list > div.item",
			Item:         item,
			NextSelector: "a.next.page-numbers",
		},
		Latest: ListingRule{
			InitialURL: func(base, _ string) string {
				return base + "/latest"
			},
			ItemSelector: "#book_list > div.item",
			Item:         item,
			NextSelector: "a.next.page-numbers",
		},
		Search: ListingRule{
			InitialURL: func(base, query string) string {
				return base + "/?search=" + url.QueryEscape(query) + "&search_by=book_name"
			},
			ItemSelector: "#book_list > div.item",
			Item:         item,
			NextSelector: "a.next.page-numbers",
		},

		Details: func(doc *goquery.Document, manga *models.Manga) {
			info := doc.Find("div.info").First()
			manga.Title = strings.TrimSpace(info.Find("h1.heading").First().Text())
			manga.Author = strings.TrimSpace(info.Find(".authors a").First().Text())
			manga.Artist = manga.Author
			manga.Status = models.ParseMangaStatus(info.Find(".status").First().Text())
			manga.ThumbnailURL = doc.Find("div.cover img").First().AttrOr("src", manga.ThumbnailURL)
			manga.Description = strings.TrimSpace(doc.Find("div.summary > p").First().Text())

			manga.Genres = nil
			info.Find(".genres a").Each(func(i int, s *goquery.Selection) {
				manga.Genres = append(manga.Genres, strings.TrimSpace(s.Text()))
			})
		},

		ChapterSelector: "div.chapters tr",
		Chapter: func(s *goquery.Selection) models.Chapter {
			link := s.Find("div.chapter a").First()
			name := strings.TrimSpace(link.Text())
			return models.Chapter{
				URL:        RelativeURL(link.AttrOr("href", "")),
				Name:       name,
				Number:     parser.ParseChapterNumber(name),
				DateUpload: parser.ParseDate("Jan-02-2006", s.Find("div.update_time").Text()),
			}
		},

		Pages: func(doc *goquery.Document, chapter models.Chapter) ([]models.Page, error) {
			var imageURLs []string
			doc.Find("script").EachWithBreak(func(i int, s *goquery.Selection) bool {
				m := thzqRe.FindStringSubmatch(s.Text())
				if m == nil {
					return true
				}
				for _, q := range quotedURLRe.FindAllStringSubmatch(m[1], -1) {
					imageURLs = append(imageURLs, q[1])
				}
				return false
			})

			if len(imageURLs) == 0 {
				return nil, &apperr.ParseError{
					Source: "MangaKatana",
					URL:    chapter.URL,
					Reason: "image list script not found",
				}
			}

			pages := make([]models.Page, len(imageURLs))
			for i, imageURL := range imageURLs {
				pages[i] = models.Page{URL: imageURL, ImageURL: imageURL}
			}
			return pages, nil
		},
	}
}
