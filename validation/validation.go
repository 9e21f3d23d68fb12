package validation

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"shiori/sources"
)

// MangaRef checks a user-supplied manga reference against src and returns
// the source-relative form. Absolute URLs must point at the source's host.
func MangaRef(src sources.Source, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", errors.New("manga URL is required")
	}

	if !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://") {
		if !strings.HasPrefix(ref, "/") {
			ref = "/" + ref
		}
		return ref, nil
	}

	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid manga URL %q: %w", ref, err)
	}
	base, err := url.Parse(src.BaseURL())
	if err != nil {
		return "", fmt.Errorf("source %s has an invalid base URL: %w", src.Name(), err)
	}
	if !sameHost(u.Hostname(), base.Hostname()) {
		return "", fmt.Errorf("%s does not belong to %s (%s)", ref, src.Name(), base.Hostname())
	}
	return sources.RelativeURL(ref), nil
}

func sameHost(a, b string) bool {
	a = strings.TrimPrefix(strings.ToLower(a), "www.")
	b = strings.TrimPrefix(strings.ToLower(b), "www.")
	return a == b
}

// ChapterSelection parses expressions like "all", "3", "1-5,8,10-12" into
// sorted, de-duplicated 1-based positions within a list of total chapters.
// "latest" selects the last position.
func ChapterSelection(expr string, total int) ([]int, error) {
	if total < 1 {
		return nil, errors.New("manga has no chapters")
	}

	expr = strings.TrimSpace(strings.ToLower(expr))
	switch expr {
	case "", "all":
		out := make([]int, total)
		for i := range out {
			out[i] = i + 1
		}
		return out, nil
	case "latest":
		return []int{total}, nil
	}

	seen := make(map[int]struct{})
	for _, part := range strings.Split(expr, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		from, to, err := parseRange(part)
		if err != nil {
			return nil, err
		}
		if from < 1 || to > total {
			return nil, fmt.Errorf("selection %q is outside 1-%d", part, total)
		}
		for i := from; i <= to; i++ {
			seen[i] = struct{}{}
		}
	}

	if len(seen) == 0 {
		return nil, fmt.Errorf("selection %q selects nothing", expr)
	}

	out := make([]int, 0, len(seen))
	for i := range seen {
		out = append(out, i)
	}
	sort.Ints(out)
	return out, nil
}

func parseRange(part string) (int, int, error) {
	lo, hi, isRange := strings.Cut(part, "-")
	from, err := strconv.Atoi(strings.TrimSpace(lo))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid chapter number %q", lo)
	}
	if !isRange {
		return from, from, nil
	}

	to, err := strconv.Atoi(strings.TrimSpace(hi))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid chapter number %q", hi)
	}
	if to < from {
		return 0, 0, fmt.Errorf("range %q is reversed", part)
	}
	return from, to, nil
}

// Query checks a search query
func Query(q string) (string, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return "", errors.New("search query is required")
	}
	return q, nil
}
