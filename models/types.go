package models

import (
	"fmt"
	"strings"
)

// MangaStatus is the publication status reported by a site.
type MangaStatus int

const (
	StatusUnknown MangaStatus = iota
	StatusOngoing
	StatusCompleted
)

func (s MangaStatus) String() string {
	switch s {
	case StatusOngoing:
		return "ongoing"
	case StatusCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// ParseMangaStatus maps free text such as "Ongoing" or "Completed" to a MangaStatus.
func ParseMangaStatus(text string) MangaStatus {
	lower := strings.ToLower(strings.TrimSpace(text))
	switch {
	case strings.Contains(lower, "ongoing"), strings.Contains(lower, "publishing"):
		return StatusOngoing
	case strings.Contains(lower, "completed"), strings.Contains(lower, "complete"), strings.Contains(lower, "finished"):
		return StatusCompleted
	default:
		return StatusUnknown
	}
}

// Manga is a catalog entry on a remote site.
// Identity is the pair (SourceID, URL); every other field is descriptive.
type Manga struct {
	SourceID     int         `json:"source_id"`     // Registry id of the owning source
	URL          string      `json:"url"`           // Site-relative reference (e.g., "/manga/naruto")
	Title        string      `json:"title"`         // Display title
	Author       string      `json:"author"`        // Empty when the site does not list one
	Artist       string      `json:"artist"`        // Empty when the site does not list one
	Genres       []string    `json:"genres"`        // Genre tags in site order
	Description  string      `json:"description"`   // Synopsis
	ThumbnailURL string      `json:"thumbnail_url"` // Cover image
	Status       MangaStatus `json:"status"`        // Publication status
	Initialized  bool        `json:"initialized"`   // True once FetchDetails has filled the entry
}

// Chapter is one readable unit of a manga.
type Chapter struct {
	URL        string  `json:"url"`         // Site-relative reference
	MangaURL   string  `json:"manga_url"`   // Reference of the owning manga
	Name       string  `json:"name"`        // Display name
	DateUpload int64   `json:"date_upload"` // Epoch millis, 0 when unknown
	Number     float64 `json:"number"`      // Chapter number, -1 when unknown
}

// Page is a single image slot of a chapter.
// ImageURL stays empty until the page has been resolved.
type Page struct {
	Index      int    `json:"index"`
	ChapterURL string `json:"chapter_url"`
	URL        string `json:"url"`
	ImageURL   string `json:"image_url"`
	LocalPath  string `json:"local_path"`
}

// Resolved reports whether the image URL is already known.
func (p Page) Resolved() bool {
	return p.ImageURL != ""
}

// MangasPage is the result of one crawl step.
// NextURL is the cursor for the following step, empty when there is none.
type MangasPage struct {
	Mangas  []Manga
	NextURL string
}

// HasNextPage reports whether the step produced a cursor.
func (p MangasPage) HasNextPage() bool {
	return p.NextURL != ""
}

// ChapterKey identifies a download job.
type ChapterKey struct {
	SourceID   int    `json:"source_id"`
	MangaURL   string `json:"manga_url"`
	ChapterURL string `json:"chapter_url"`
}

// KeyOf builds the job key for a chapter of a manga.
func KeyOf(manga Manga, chapter Chapter) ChapterKey {
	return ChapterKey{
		SourceID:   manga.SourceID,
		MangaURL:   manga.URL,
		ChapterURL: chapter.URL,
	}
}

func (k ChapterKey) String() string {
	return fmt.Sprintf("%d:%s:%s", k.SourceID, k.MangaURL, k.ChapterURL)
}
