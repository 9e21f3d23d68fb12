package network

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/PuerkitoBio/goquery"
)

// Fetcher is the HTTP collaborator every source and the download queue talk to.
type Fetcher interface {
	Get(ctx context.Context, targetURL string, headers http.Header) (*Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, targetURL string, headers http.Header) (*Response, error)

func (f FetcherFunc) Get(ctx context.Context, targetURL string, headers http.Header) (*Response, error) {
	return f(ctx, targetURL, headers)
}

// Response is a fully read, decompressed response body.
type Response struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Text returns the body as a string.
func (r *Response) Text() string {
	return string(r.Body)
}

// ContentType returns the Content-Type header, if any.
func (r *Response) ContentType() string {
	if r.Header == nil {
		return ""
	}
	return r.Header.Get("Content-Type")
}

// Document parses the body as HTML. The document URL is set so relative
// links can be resolved against it.
func (r *Response) Document() (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(r.Body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML from %s: %w", r.URL, err)
	}
	if u, err := url.Parse(r.URL); err == nil {
		doc.Url = u
	}
	return doc, nil
}
