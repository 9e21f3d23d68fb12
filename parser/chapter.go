package parser

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	// "Chapter 12", "Chapter 12.5", "Episode 3"
	chapterTextRe = regexp.MustCompile(`(?i)(?:episode|chapter|ch\.?)\s*(\d+)(?:\.(\d+))?`)
	// "/manga/naruto/chapter-12-5", "chapter_12"
	chapterURLRe = regexp.MustCompile(`(?i)chapter[-_\.]?(\d+)((?:[-_\.]\d+)*)`)
	// fallback: first number in the name
	firstNumberRe = regexp.MustCompile(`(\d+)(?:\.(\d+))?`)
)

// ParseChapterNumber extracts a chapter number from a chapter name or URL.
// Returns -1 when no number can be found.
func ParseChapterNumber(text string) float64 {
	if m := chapterTextRe.FindStringSubmatch(text); m != nil {
		return toNumber(m[1], m[2])
	}
	if m := chapterURLRe.FindStringSubmatch(text); m != nil {
		fraction := strings.TrimLeft(m[2], "-_.")
		if idx := strings.IndexAny(fraction, "-_."); idx >= 0 {
			fraction = fraction[:idx]
		}
		return toNumber(m[1], fraction)
	}
	if m := firstNumberRe.FindStringSubmatch(text); m != nil {
		return toNumber(m[1], m[2])
	}
	return -1
}

func toNumber(whole, fraction string) float64 {
	s := whole
	if fraction != "" {
		s += "." + fraction
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return -1
	}
	return n
}

// ParseDate parses text with the given Go layout and returns epoch millis,
// or 0 when the text does not match.
func ParseDate(layout, text string) int64 {
	t, err := time.Parse(layout, strings.TrimSpace(text))
	if err != nil {
		return 0
	}
	return t.UnixMilli()
}

// ParseRelativeDate understands "3 days ago" style timestamps relative to now.
// Returns 0 when the text is not a relative date.
func ParseRelativeDate(text string, now time.Time) int64 {
	fields := strings.Fields(strings.ToLower(text))
	if len(fields) < 3 || fields[len(fields)-1] != "ago" {
		return 0
	}

	n, err := strconv.Atoi(fields[0])
	if err != nil {
		if fields[0] != "a" && fields[0] != "an" {
			return 0
		}
		n = 1
	}

	unit := strings.TrimSuffix(fields[1], "s")
	var d time.Duration
	switch unit {
	case "second":
		d = time.Second
	case "minute", "min":
		d = time.Minute
	case "hour":
		d = time.Hour
	case "day":
		d = 24 * time.Hour
	case "week":
		d = 7 * 24 * time.Hour
	case "month":
		return now.AddDate(0, -n, 0).UnixMilli()
	case "year":
		return now.AddDate(-n, 0, 0).UnixMilli()
	default:
		return 0
	}
	return now.Add(-time.Duration(n) * d).UnixMilli()
}
