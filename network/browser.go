package network

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"shiori/apperr"
	"shiori/cf"

	cdpnetwork "github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// BrowserFetcher renders pages in headless Chrome. It is only used for sites
// whose markup is assembled by JavaScript, or as a fallback transport.
// The browser process starts on first use and lives until Close.
type BrowserFetcher struct {
	userAgent    string
	waitSelector string
	timeout      time.Duration

	mu          sync.Mutex
	allocCtx    context.Context
	cancelAlloc context.CancelFunc
}

// NewBrowserFetcher creates a browser fetcher. waitSelector defaults to "body".
func NewBrowserFetcher(userAgent, waitSelector string, timeout time.Duration) *BrowserFetcher {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	if waitSelector == "" {
		waitSelector = "body"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &BrowserFetcher{
		userAgent:    userAgent,
		waitSelector: waitSelector,
		timeout:      timeout,
	}
}

func (b *BrowserFetcher) allocator() context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.allocCtx == nil {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.UserAgent(b.userAgent),
			chromedp.Flag("headless", true),
			chromedp.Flag("disable-blink-features", "AutomationControlled"),
			chromedp.Flag("disable-gpu", true),
		)
		b.allocCtx, b.cancelAlloc = chromedp.NewExecAllocator(context.Background(), opts...)
		log.Printf("[Browser] Started headless browser allocator")
	}
	return b.allocCtx
}

// Get navigates a fresh tab to targetURL and returns the rendered HTML
func (b *BrowserFetcher) Get(ctx context.Context, targetURL string, headers http.Header) (*Response, error) {
	tabCtx, cancelTab := chromedp.NewContext(b.allocator())
	defer cancelTab()

	tabCtx, cancelTimeout := context.WithTimeout(tabCtx, b.timeout)
	defer cancelTimeout()

	// tie the tab to the caller's context
	stop := context.AfterFunc(ctx, cancelTimeout)
	defer stop()

	var tasks []chromedp.Action
	if len(headers) > 0 {
		extra := make(cdpnetwork.Headers, len(headers))
		for key := range headers {
			extra[key] = headers.Get(key)
		}
		tasks = append(tasks,
			cdpnetwork.Enable(),
			cdpnetwork.SetExtraHTTPHeaders(extra),
		)
	}

	var html string
	tasks = append(tasks,
		chromedp.Navigate(targetURL),
		chromedp.WaitReady(b.waitSelector),
		chromedp.OuterHTML("html", &html),
	)

	if err := chromedp.Run(tabCtx, tasks...); err != nil {
		if ctx.Err() != nil {
			return nil, apperr.NewTransportError(targetURL, ctx.Err())
		}
		return nil, apperr.NewTransportError(targetURL, fmt.Errorf("navigation failed: %w", err))
	}

	// chromedp does not surface the status code, so the page is checked as if it were a 403
	if isCF, info := cf.Detect(http.StatusForbidden, nil, []byte(html)); isCF {
		log.Printf("[Browser] Cloudflare challenge still present on %s", targetURL)
		return nil, &apperr.NetworkError{
			URL:   targetURL,
			Cause: &cf.ChallengeError{URL: targetURL, Indicators: info.Indicators},
		}
	}

	log.Printf("[Browser] Rendered %s (%d bytes)", targetURL, len(html))
	return &Response{
		URL:        targetURL,
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/html; charset=utf-8"}},
		Body:       []byte(html),
	}, nil
}

// Close shuts the browser down
func (b *BrowserFetcher) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cancelAlloc != nil {
		b.cancelAlloc()
		b.allocCtx = nil
		b.cancelAlloc = nil
	}
}
