package sources

import (
	"net/url"
	"strings"

	"shiori/models"
	"shiori/parser"

	"github.com/PuerkitoBio/goquery"
)

const (
	MangaPandaID      = 1
	mangaPandaBaseURL = "http://mangapanda.com"
)

// NewMangaPanda builds the mangapanda.com source.
// Every page of a chapter is a separate viewer document, so images are
// resolved one page at a time; the first one comes with the chapter document.
func NewMangaPanda(deps Deps) Source {
	rules := mangaPandaRules(mangaPandaBaseURL)
	return NewHTMLSource(rules, deps.Fetcher(rules.Transport))
}

func mangaPandaRules(baseURL string) SiteRules {
	item := func(s *goquery.Selection) models.Manga {
		link := s.Find("div.manga_name > div > h3 > a").First()
		return models.Manga{
			URL:   RelativeURL(link.AttrOr("href", "")),
			Title: strings.TrimSpace(link.Text()),
		}
	}

	return SiteRules{
		ID:        MangaPandaID,
		Name:      "Mangapanda",
		BaseURL:   baseURL,
		Transport: TransportHTTP,

		Popular: ListingRule{
			InitialURL: func(base, _ string) string {
				return base + "/popular"
			},
			ItemSelector: "div#mangaresults > div.mangaresultitem",
			Item:         item,
			NextSelector: `div#sp > a:contains(">")`,
		},
		Search: ListingRule{
			InitialURL: func(base, query string) string {
				return base + "/search/?w=" + url.QueryEscape(query) +
					"&rd=0&status=0&order=0&genre=0000000000000000000000000000000000000&p=0"
			},
			ItemSelector: "table#listing > tbody > tr:not(:first-child)",
			Item:         item,
			NextSelector: `div#sp > a:contains(">")`,
		},

		Details: func(doc *goquery.Document, manga *models.Manga) {
			info := doc.Find("div#mangaproperties table > tbody").First()
			cell := func(row int) string {
				return strings.TrimSpace(info.Find("tr").Eq(row).Find("td").Eq(1).Text())
			}

			if title := strings.TrimSpace(doc.Find("h2.aname").First().Text()); title != "" {
				manga.Title = title
			}
			manga.ThumbnailURL = doc.Find("div#mangaimg > img").First().AttrOr("src", "")
			manga.Status = models.ParseMangaStatus(cell(3))
			manga.Author = cell(4)
			manga.Artist = cell(5)
			manga.Genres = strings.Fields(cell(7))
			manga.Description = strings.TrimSpace(doc.Find("div#readmangasum").First().Text())
		},

		ChapterSelector: "table#listing tr:not(:first-child)",
		Chapter: func(s *goquery.Selection) models.Chapter {
			link := s.Find("a").First()
			name := strings.TrimSpace(link.Text())
			return models.Chapter{
				URL:        RelativeURL(link.AttrOr("href", "")),
				Name:       name,
				Number:     parser.ParseChapterNumber(name),
				DateUpload: parser.ParseDate("01/02/2006", s.Find("td").Eq(1).Text()),
			}
		},

		Pages: func(doc *goquery.Document, chapter models.Chapter) ([]models.Page, error) {
			chapterURL := AbsoluteURL(baseURL, chapter.URL)
			if doc.Url != nil {
				chapterURL = doc.Url.String()
			}
			chapterURL = strings.TrimRight(chapterURL, "/")

			var pages []models.Page
			doc.Find("select#pageMenu").First().Find("option").Each(func(i int, s *goquery.Selection) {
				value := s.AttrOr("value", "")
				page := value[strings.LastIndex(value, "/")+1:]
				pages = append(pages, models.Page{URL: chapterURL + "/" + page})
			})

			if len(pages) > 0 {
				pages[0].ImageURL = AbsoluteURL(baseURL, doc.Find("#img").First().AttrOr("src", ""))
			}
			return pages, nil
		},
		ImageURL: func(doc *goquery.Document) string {
			return doc.Find("#img").First().AttrOr("src", "")
		},
	}
}
