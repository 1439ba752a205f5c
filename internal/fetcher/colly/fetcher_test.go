package collyfetcher

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/recipe-crawler/internal/crawler"
)

func testConfig(proxies ...Proxy) Config {
	return Config{
		Timeout:          2 * time.Second,
		AttemptsPerProxy: 2,
		AttemptDelay:     time.Millisecond,
		Proxies:          proxies,
	}
}

func TestFetchDirectSuccess(t *testing.T) {
	t.Parallel()
	var gotUA atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA.Store(r.UserAgent())
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><title>Pie</title></html>"))
	}))
	defer srv.Close()

	f, err := New(testConfig(Proxy{Label: "direct", Address: DirectAddress}), nil, nil)
	require.NoError(t, err)

	res, err := f.Fetch(context.Background(), srv.URL+"/recipes/pie")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "direct", res.ProxyLabel)
	require.Contains(t, string(res.Body), "<title>Pie</title>")
	require.Equal(t, DefaultUserAgent, gotUA.Load())
}

func TestFetchFallsBackToNextProxy(t *testing.T) {
	t.Parallel()
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer origin.Close()

	var proxyHits atomic.Int32
	badProxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		proxyHits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer badProxy.Close()

	f, err := New(testConfig(
		Proxy{Label: "datacenter", Address: badProxy.URL},
		Proxy{Label: "premium", Address: ""},
		Proxy{Label: "direct", Address: DirectAddress},
	), nil, nil)
	require.NoError(t, err)
	require.Len(t, f.routes, 2, "empty address must be skipped")

	res, err := f.Fetch(context.Background(), origin.URL+"/a")
	require.NoError(t, err)
	require.Equal(t, "direct", res.ProxyLabel)
	require.Equal(t, "ok", string(res.Body))
	require.Equal(t, int32(2), proxyHits.Load(), "each proxy gets attempts_per_proxy tries")
}

func TestFetchExhaustedReturnsTaggedError(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	f, err := New(testConfig(Proxy{Label: "direct", Address: DirectAddress}), nil, nil)
	require.NoError(t, err)

	res, err := f.Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	require.Empty(t, res.Body)
	require.Equal(t, crawler.KindTransport, crawler.KindOf(err))
	require.Equal(t, crawler.ReasonNoResponse, crawler.Reason(err))
	var se *statusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusForbidden, se.code)
	require.Equal(t, int32(2), hits.Load())
}

func TestFetchGzipBody(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write([]byte("<urlset><url><loc>https://example.com/a</loc></url></urlset>"))
	require.NoError(t, zw.Close())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/x-gzip")
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	f, err := New(testConfig(Proxy{Label: "direct", Address: DirectAddress}), nil, nil)
	require.NoError(t, err)

	res, err := f.Fetch(context.Background(), srv.URL+"/sitemap.xml.gz")
	require.NoError(t, err)
	require.Contains(t, string(res.Body), "<loc>https://example.com/a</loc>")
}

func TestDecodeBody(t *testing.T) {
	t.Parallel()

	latin1 := []byte("<html><head><meta charset=\"iso-8859-1\"></head><body>Cr\xe8me br\xfbl\xe9e</body></html>")
	out, err := decodeBody(latin1, "text/html")
	require.NoError(t, err)
	require.Contains(t, string(out), "Crème brûlée")

	plain := []byte("already utf-8: crème")
	out, err = decodeBody(plain, "text/html; charset=iso-8859-1")
	require.NoError(t, err)
	require.Equal(t, plain, out)

	_, err = decodeBody([]byte{0x1f, 0x8b, 0x00, 0x01}, "")
	require.Error(t, err)
}

func TestBreakerOpensOnTransportErrors(t *testing.T) {
	t.Parallel()
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer origin.Close()

	// A listener that is closed immediately yields connection refused.
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	cfg := testConfig(
		Proxy{Label: "datacenter", Address: deadURL},
		Proxy{Label: "direct", Address: DirectAddress},
	)
	cfg.BreakerFailures = 2
	cfg.BreakerCooldown = time.Hour
	f, err := New(cfg, nil, nil)
	require.NoError(t, err)

	res, err := f.Fetch(context.Background(), origin.URL)
	require.NoError(t, err)
	require.Equal(t, "direct", res.ProxyLabel)
	require.Equal(t, gobreaker.StateOpen, f.routes[0].breaker.State())

	res, err = f.Fetch(context.Background(), origin.URL)
	require.NoError(t, err)
	require.Equal(t, "direct", res.ProxyLabel)
}

func TestBreakerIgnoresHTTPStatus(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	cfg := testConfig(Proxy{Label: "direct", Address: DirectAddress})
	cfg.BreakerFailures = 1
	f, err := New(cfg, nil, nil)
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	require.Equal(t, gobreaker.StateClosed, f.routes[0].breaker.State())
}

func TestFetchHonorsCancellation(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(release)

	f, err := New(testConfig(Proxy{Label: "direct", Address: DirectAddress}), nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = f.Fetch(ctx, srv.URL)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewRequiresUsableProxy(t *testing.T) {
	t.Parallel()
	_, err := New(testConfig(Proxy{Label: "datacenter"}, Proxy{Label: "premium"}), nil, nil)
	require.Error(t, err)

	_, err = New(testConfig(Proxy{Label: "bad", Address: "::not a url"}), nil, nil)
	require.Error(t, err)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()
	var result crawler.FetchResult
	var fetchErr error

	hooks := &stubHooks{}
	configureCollectorHooks(hooks, "premium", time.Now(), &result, &fetchErr)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	require.NotEmpty(t, collyReq.Headers.Get("Accept"))

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusOK,
		Body:       []byte("body"),
		Headers:    &http.Header{"Content-Type": {"text/plain"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com")},
	})
	require.NoError(t, fetchErr)
	require.Equal(t, "premium", result.ProxyLabel)
	require.Equal(t, "body", string(result.Body))

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com")},
	})
	var se *statusError
	require.ErrorAs(t, fetchErr, &se)

	hooks.onError(&colly.Response{}, errors.New("boom"))
	require.EqualError(t, fetchErr, "boom")
	require.True(t, isTransportError(fetchErr))
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse url %q: %v", raw, err)
	}
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
