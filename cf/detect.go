package cf

import (
	"log"
	"net/http"
	"regexp"
	"strings"
)

// Info describes why a response was classified as an anti-bot challenge.
type Info struct {
	StatusCode int
	Indicators []string
	RayID      string
	Turnstile  bool
}

var (
	justAMomentRe = regexp.MustCompile(`(?i)<title[^>]*>[^<]*just a moment[^<]*</title>`)

	// Each of these alone marks a challenge page.
	strongChecks = map[string]string{
		"cloudflare-browser-verification": "JS browser verification challenge",
		"challenge-form":                  "Cloudflare challenge form",
		"cf-chl-":                         "Cloudflare challenge token",
		"attention required":              "Cloudflare BIC",
		"checking your browser":           "Cloudflare browser check",
		"verify you are human":            "Cloudflare human verification",
	}
)

// Detect inspects a response and reports whether it is an anti-bot challenge
// instead of real content.
//
// A 403/503 status alone is not enough: many sites answer plain 403s for
// missing resources. The body has to carry a strong indicator too.
func Detect(statusCode int, header http.Header, body []byte) (bool, *Info) {
	if statusCode != http.StatusForbidden && statusCode != http.StatusServiceUnavailable {
		return false, nil
	}

	lower := strings.ToLower(string(body))
	info := &Info{StatusCode: statusCode}
	if header != nil {
		info.RayID = header.Get("CF-Ray")
	}

	for substr, reason := range strongChecks {
		if strings.Contains(lower, substr) {
			info.Indicators = append(info.Indicators, reason)
		}
	}

	// "just a moment" only counts inside <title>; comment sections use the phrase too
	if justAMomentRe.MatchString(lower) {
		info.Indicators = append(info.Indicators, "Cloudflare challenge page")
	}

	if strings.Contains(lower, "cf-turnstile") {
		info.Turnstile = true
		info.Indicators = append(info.Indicators, "Turnstile CAPTCHA")
	}

	if len(info.Indicators) == 0 {
		return false, nil
	}

	log.Printf("[cf] Challenge detected (status %d, ray %q): %v", statusCode, info.RayID, info.Indicators)
	return true, info
}
