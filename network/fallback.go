package network

import (
	"context"
	"log"
	"net/http"

	"shiori/cf"
)

// FallbackFetcher tries the primary transport first and falls back to the
// secondary (normally the browser) when the primary fails for any reason
// other than an anti-bot challenge or cancellation.
type FallbackFetcher struct {
	Primary  Fetcher
	Fallback Fetcher
}

// Get fetches with automatic primary → fallback switching
func (f *FallbackFetcher) Get(ctx context.Context, targetURL string, headers http.Header) (*Response, error) {
	resp, err := f.Primary.Get(ctx, targetURL, headers)
	if err == nil {
		return resp, nil
	}

	if _, isCF := cf.IsChallenge(err); isCF {
		log.Printf("[Executor] CF challenge on %s, not falling back", targetURL)
		return nil, err
	}
	if ctx.Err() != nil || f.Fallback == nil {
		return nil, err
	}

	log.Printf("[Executor] Primary fetch failed (%v), trying fallback...", err)
	return f.Fallback.Get(ctx, targetURL, headers)
}
