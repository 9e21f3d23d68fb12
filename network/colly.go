package network

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"shiori/apperr"
	"shiori/cf"

	"github.com/gocolly/colly"
)

// CollyFetcher is a Fetcher backed by a colly collector. JSON APIs are
// fetched through it. Each call runs on a clone of the base collector so
// callbacks never pile up between requests.
type CollyFetcher struct {
	base      *colly.Collector
	userAgent string
	limiter   *DomainLimiter
}

// NewCollyFetcher creates a colly based fetcher
func NewCollyFetcher(opts ClientOptions) *CollyFetcher {
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}

	collector := colly.NewCollector(
		colly.UserAgent(userAgent),
		colly.AllowURLRevisit(),
	)

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	collector.SetRequestTimeout(timeout)

	return &CollyFetcher{
		base:      collector,
		userAgent: userAgent,
		limiter:   NewDomainLimiter(opts.RequestsPerSecond, opts.Burst),
	}
}

// Get visits targetURL synchronously and returns the decompressed body
func (f *CollyFetcher) Get(ctx context.Context, targetURL string, headers http.Header) (*Response, error) {
	if err := f.limiter.Wait(ctx, targetURL); err != nil {
		return nil, apperr.NewTransportError(targetURL, err)
	}

	collector := f.base.Clone()

	// colly drops its own User-Agent once explicit headers are passed
	hdr := http.Header{"User-Agent": []string{f.userAgent}}
	for key, values := range headers {
		hdr[key] = values
	}

	var (
		result   *Response
		fetchErr error
	)

	collector.OnResponse(func(r *colly.Response) {
		if _, err := cf.DecompressResponse(r, "[APIClient]"); err != nil {
			log.Printf("[APIClient] Failed to decompress response: %v", err)
		}

		var header http.Header
		if r.Headers != nil {
			header = *r.Headers
		}
		result = &Response{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Header:     header,
			Body:       r.Body,
		}
	})

	collector.OnError(func(r *colly.Response, err error) {
		if r == nil || r.StatusCode == 0 {
			fetchErr = apperr.NewTransportError(targetURL, err)
			return
		}

		var header http.Header
		if r.Headers != nil {
			header = *r.Headers
		}
		if isCF, info := cf.Detect(r.StatusCode, header, r.Body); isCF {
			log.Printf("[APIClient] Cloudflare challenge on %s", targetURL)
			fetchErr = &apperr.NetworkError{
				URL:        targetURL,
				StatusCode: r.StatusCode,
				Cause:      &cf.ChallengeError{URL: targetURL, StatusCode: info.StatusCode, Indicators: info.Indicators},
			}
			return
		}
		fetchErr = apperr.NewStatusError(targetURL, r.StatusCode)
	})

	if ctx.Err() != nil {
		return nil, apperr.NewTransportError(targetURL, ctx.Err())
	}

	// colly v1 has no context support, so the visit runs on its own goroutine
	// and a cancelled caller returns at once. The abandoned request ends at
	// the collector's request timeout.
	done := make(chan struct{})
	go func() {
		defer close(done)
		// colly reports the same failure through OnError and the return value;
		// the callback carries the richer error.
		if err := collector.Request(http.MethodGet, targetURL, nil, nil, hdr); err != nil && fetchErr == nil {
			fetchErr = apperr.NewTransportError(targetURL, err)
		}
		collector.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		log.Printf("[APIClient] Abandoned %s: %v", targetURL, ctx.Err())
		return nil, apperr.NewTransportError(targetURL, ctx.Err())
	}

	if fetchErr != nil {
		return nil, fetchErr
	}
	if result == nil {
		return nil, &apperr.NetworkError{URL: targetURL, Transient: true, Cause: errors.New("no response received")}
	}
	return result, nil
}
