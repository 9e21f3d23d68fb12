package network

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"shiori/apperr"
	"shiori/cf"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *HTTPClient {
	t.Helper()
	c, err := NewHTTPClient(ClientOptions{Timeout: 5 * time.Second})
	require.NoError(t, err)
	return c
}

func TestHTTPClientGet(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "https://example.org/", r.Header.Get("Referer"))
		assert.Contains(t, r.Header.Get("User-Agent"), "Mozilla")
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><body><a href="/next">next</a></body></html>`))
	}))
	defer server.Close()

	resp, err := newTestClient(t).Get(context.Background(), server.URL, http.Header{"Referer": []string{"https://example.org/"}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/html", resp.ContentType())

	doc, err := resp.Document()
	require.NoError(t, err)
	assert.Equal(t, "/next", doc.Find("a").AttrOr("href", ""))
}

func TestHTTPClientDecompressesGzip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		gz.Write([]byte("hello"))
		gz.Close()
		w.Header().Set("Content-Encoding", "gzip")
		w.Write(buf.Bytes())
	}))
	defer server.Close()

	resp, err := newTestClient(t).Get(context.Background(), server.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Text())
}

func TestHTTPClientStatusErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{"server error", http.StatusBadGateway, true},
		{"rate limited", http.StatusTooManyRequests, true},
		{"not found", http.StatusNotFound, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			_, err := newTestClient(t).Get(context.Background(), server.URL, nil)
			require.Error(t, err)

			var netErr *apperr.NetworkError
			require.True(t, errors.As(err, &netErr))
			assert.Equal(t, tt.status, netErr.StatusCode)
			assert.Equal(t, tt.transient, netErr.Transient)
		})
	}
}

func TestHTTPClientChallengeIsNotTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`<html><head><title>Just a moment...</title></head></html>`))
	}))
	defer server.Close()

	_, err := newTestClient(t).Get(context.Background(), server.URL, nil)
	require.Error(t, err)
	assert.False(t, apperr.IsTransient(err))

	_, isCF := cf.IsChallenge(err)
	assert.True(t, isCF)
}

func TestCollyFetcher(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		assert.Equal(t, "yes", r.Header.Get("X-Test"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"result":"ok"}`))
	}))
	defer server.Close()

	f := NewCollyFetcher(ClientOptions{Timeout: 5 * time.Second})

	resp, err := f.Get(context.Background(), server.URL+"/api", http.Header{"X-Test": []string{"yes"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"result":"ok"}`, resp.Text())

	_, err = f.Get(context.Background(), server.URL+"/missing", nil)
	require.Error(t, err)
	assert.Equal(t, apperr.KindNetwork, apperr.KindOf(err))
	assert.False(t, apperr.IsTransient(err))
}

func TestCollyFetcherReturnsOnCancel(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write([]byte(`{}`))
	}))
	defer server.Close()
	defer close(release)

	f := NewCollyFetcher(ClientOptions{Timeout: 30 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	_, err := f.Get(ctx, server.URL+"/slow", nil)
	require.Error(t, err)
	assert.Equal(t, apperr.KindCancelled, apperr.KindOf(err))
	assert.Less(t, time.Since(start), 5*time.Second, "cancel does not wait for the request")
}

func TestFallbackFetcher(t *testing.T) {
	failing := FetcherFunc(func(ctx context.Context, u string, h http.Header) (*Response, error) {
		return nil, apperr.NewStatusError(u, http.StatusInternalServerError)
	})
	challenged := FetcherFunc(func(ctx context.Context, u string, h http.Header) (*Response, error) {
		return nil, &apperr.NetworkError{URL: u, StatusCode: 403, Cause: &cf.ChallengeError{URL: u}}
	})

	var fallbackCalls int32
	fallback := FetcherFunc(func(ctx context.Context, u string, h http.Header) (*Response, error) {
		atomic.AddInt32(&fallbackCalls, 1)
		return &Response{URL: u, StatusCode: 200, Body: []byte("rendered")}, nil
	})

	resp, err := (&FallbackFetcher{Primary: failing, Fallback: fallback}).Get(context.Background(), "http://x", nil)
	require.NoError(t, err)
	assert.Equal(t, "rendered", resp.Text())

	_, err = (&FallbackFetcher{Primary: challenged, Fallback: fallback}).Get(context.Background(), "http://x", nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fallbackCalls))
}

func TestRetry(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), policy, "test", func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return apperr.NewStatusError("u", 503)
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), policy, "test", func(ctx context.Context) error {
			calls++
			return apperr.NewStatusError("u", 503)
		})
		require.Error(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("does not retry permanent errors", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), policy, "test", func(ctx context.Context) error {
			calls++
			return &apperr.ParseError{Reason: "bad"}
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("stops on cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := Retry(ctx, RetryPolicy{MaxAttempts: 3, BaseDelay: time.Hour}, "test", func(ctx context.Context) error {
			return apperr.NewStatusError("u", 503)
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestRetryPolicyDelay(t *testing.T) {
	assert.Equal(t, 2*time.Second, DefaultRetryPolicy.Delay(1))
	assert.Equal(t, 4*time.Second, DefaultRetryPolicy.Delay(2))
	assert.Equal(t, 8*time.Second, DefaultRetryPolicy.Delay(3))
}

func TestDomainLimiterSeparatesHosts(t *testing.T) {
	l := NewDomainLimiter(1, 1)
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "http://a.example/x"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "http://b.example/x"))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}
