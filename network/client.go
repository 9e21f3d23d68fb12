package network

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/cookiejar"
	"time"

	"shiori/apperr"
	"shiori/cf"

	"golang.org/x/net/publicsuffix"
)

// DefaultUserAgent is sent when a source does not override it.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// ClientOptions configures an HTTPClient.
type ClientOptions struct {
	Timeout           time.Duration
	UserAgent         string
	RequestsPerSecond float64 // per host; 0 disables limiting
	Burst             int
}

// HTTPClient is the shared net/http based Fetcher. It keeps cookies across
// requests, decompresses bodies, and turns failures and anti-bot challenges
// into apperr.NetworkError. It does not retry; callers decide that.
type HTTPClient struct {
	httpClient *http.Client
	userAgent  string
	limiter    *DomainLimiter
}

// NewHTTPClient creates a client with a public-suffix aware cookie jar
func NewHTTPClient(opts ClientOptions) (*HTTPClient, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}

	return &HTTPClient{
		httpClient: &http.Client{Timeout: timeout, Jar: jar},
		userAgent:  userAgent,
		limiter:    NewDomainLimiter(opts.RequestsPerSecond, opts.Burst),
	}, nil
}

// Get performs a single GET request and returns the decompressed body.
// Any non-2xx status is an error.
func (c *HTTPClient) Get(ctx context.Context, targetURL string, headers http.Header) (*Response, error) {
	if err := c.limiter.Wait(ctx, targetURL); err != nil {
		return nil, apperr.NewTransportError(targetURL, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return nil, &apperr.NetworkError{URL: targetURL, Cause: fmt.Errorf("failed to create request: %w", err)}
	}

	c.applyHeaders(req, headers)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.NewTransportError(targetURL, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.NewTransportError(targetURL, fmt.Errorf("failed to read response body: %w", err))
	}

	decompressed, wasCompressed, err := cf.DecompressBody(bodyBytes, resp.Header.Get("Content-Encoding"))
	if err != nil {
		return nil, &apperr.NetworkError{URL: targetURL, StatusCode: resp.StatusCode, Cause: fmt.Errorf("failed to decompress response: %w", err)}
	}
	if wasCompressed {
		log.Printf("[HTTPClient] Decompressed response: %d → %d bytes", len(bodyBytes), len(decompressed))
		bodyBytes = decompressed
	}

	if isCF, info := cf.Detect(resp.StatusCode, resp.Header, bodyBytes); isCF {
		log.Printf("[HTTPClient] Cloudflare challenge on %s", targetURL)
		return nil, &apperr.NetworkError{
			URL:        targetURL,
			StatusCode: resp.StatusCode,
			Transient:  false,
			Cause: &cf.ChallengeError{
				URL:        targetURL,
				StatusCode: info.StatusCode,
				Indicators: info.Indicators,
			},
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apperr.NewStatusError(targetURL, resp.StatusCode)
	}

	return &Response{
		URL:        resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       bodyBytes,
	}, nil
}

// applyHeaders sets browser-like defaults, then the caller's headers on top
func (c *HTTPClient) applyHeaders(req *http.Request, headers http.Header) {
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Encoding", "gzip, br")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	for key, values := range headers {
		req.Header.Del(key)
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
}
