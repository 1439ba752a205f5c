// Package collyfetcher implements crawler.Fetcher using gocolly, falling back
// through an ordered list of proxies.
package collyfetcher

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
	"unicode/utf8"

	"github.com/avast/retry-go"
	"github.com/gocolly/colly/v2"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/net/html/charset"

	"github.com/JakeFAU/recipe-crawler/internal/crawler"
	"github.com/JakeFAU/recipe-crawler/internal/metrics"
)

// DefaultUserAgent is a desktop Chrome string; several recipe sites refuse
// obvious bot agents.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

// DirectAddress marks a proxy entry that connects without a proxy.
const DirectAddress = "direct://"

const maxBodySize = 32 << 20

var gzipMagic = []byte{0x1f, 0x8b}

// Proxy is one fallback route.
type Proxy struct {
	Label   string
	Address string
}

// Config controls collector behavior.
type Config struct {
	UserAgent          string
	Timeout            time.Duration
	AttemptsPerProxy   int
	AttemptDelay       time.Duration
	InsecureSkipVerify bool
	Proxies            []Proxy
	BreakerFailures    uint32
	BreakerCooldown    time.Duration
}

// Limiter throttles requests per host.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Fetcher implements crawler.Fetcher using one Colly collector per proxy.
type Fetcher struct {
	cfg     Config
	routes  []*route
	limiter Limiter
	logger  *zap.Logger
}

type unlimited struct{}

func (unlimited) Wait(context.Context, string) error { return nil }

type route struct {
	proxy     Proxy
	collector *colly.Collector
	breaker   *gobreaker.CircuitBreaker
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// statusError is a response that arrived but was not a 200.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.code)
}

// bodyError is a 200 response whose body could not be decoded.
type bodyError struct {
	err error
}

func (e *bodyError) Error() string { return "decode body: " + e.err.Error() }
func (e *bodyError) Unwrap() error { return e.err }

// New builds a Fetcher. Proxies with an empty address are skipped; at least
// one usable proxy is required.
func New(cfg Config, limiter Limiter, logger *zap.Logger) (*Fetcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if limiter == nil {
		limiter = unlimited{}
	}
	cfg = withDefaults(cfg)
	f := &Fetcher{cfg: cfg, limiter: limiter, logger: logger}
	for _, p := range cfg.Proxies {
		if p.Address == "" {
			logger.Debug("proxy skipped: no address", zap.String("proxy", p.Label))
			continue
		}
		transport, err := newHTTPTransport(p.Address, cfg.InsecureSkipVerify)
		if err != nil {
			return nil, fmt.Errorf("proxy %s: %w", p.Label, err)
		}
		f.routes = append(f.routes, &route{
			proxy:     p,
			collector: newCollector(cfg, transport),
			breaker:   newBreaker(cfg, p.Label, logger),
		})
	}
	if len(f.routes) == 0 {
		return nil, errors.New("no usable proxy configured")
	}
	return f, nil
}

func withDefaults(cfg Config) Config {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.AttemptsPerProxy <= 0 {
		cfg.AttemptsPerProxy = 2
	}
	if cfg.AttemptDelay < 0 {
		cfg.AttemptDelay = 0
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	return cfg
}

func newCollector(cfg Config, transport http.RoundTripper) *colly.Collector {
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		colly.MaxBodySize(maxBodySize),
		colly.UserAgent(cfg.UserAgent),
	)
	c.WithTransport(transport)
	c.SetRequestTimeout(cfg.Timeout)
	return c
}

func newBreaker(cfg Config, label string, logger *zap.Logger) *gobreaker.CircuitBreaker {
	failures := cfg.BreakerFailures
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        label,
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return failures > 0 && counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return !isTransportError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("proxy breaker state changed",
				zap.String("proxy", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
}

// Fetch tries every usable proxy in order and returns the first 200 response.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (crawler.FetchResult, error) {
	if err := f.limiter.Wait(ctx, rawURL); err != nil {
		return crawler.FetchResult{}, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	var lastErr error
	for _, rt := range f.routes {
		if rt.breaker.State() == gobreaker.StateOpen {
			f.logger.Debug("proxy skipped: breaker open", zap.String("proxy", rt.proxy.Label))
			lastErr = gobreaker.ErrOpenState
			continue
		}
		result, err := f.fetchVia(ctx, rt, rawURL)
		if err == nil {
			return result, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return crawler.FetchResult{}, fmt.Errorf("fetch %s: %w", rawURL, ctxErr)
		}
		f.logger.Debug("proxy exhausted",
			zap.String("proxy", rt.proxy.Label),
			zap.String("url", rawURL),
			zap.Error(err),
		)
		lastErr = err
	}
	return crawler.FetchResult{}, crawler.NewError(crawler.KindTransport, crawler.ReasonNoResponse, lastErr)
}

func (f *Fetcher) fetchVia(ctx context.Context, rt *route, rawURL string) (crawler.FetchResult, error) {
	var result crawler.FetchResult
	err := retry.Do(
		func() error {
			out, err := rt.breaker.Execute(func() (interface{}, error) {
				return f.attempt(ctx, rt, rawURL)
			})
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return retry.Unrecoverable(err)
			}
			if err != nil {
				return err
			}
			result = out.(crawler.FetchResult)
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(f.cfg.AttemptsPerProxy)),
		retry.Delay(f.cfg.AttemptDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			f.logger.Debug("fetch attempt failed",
				zap.String("proxy", rt.proxy.Label),
				zap.String("url", rawURL),
				zap.Uint("attempt", n+1),
				zap.Error(err),
			)
		}),
	)
	if err != nil {
		return crawler.FetchResult{}, fmt.Errorf("fetch via %s: %w", rt.proxy.Label, err)
	}
	return result, nil
}

func (f *Fetcher) attempt(ctx context.Context, rt *route, rawURL string) (crawler.FetchResult, error) {
	var (
		result   crawler.FetchResult
		fetchErr error
	)
	start := time.Now()
	collector := rt.collector.Clone()
	configureCollectorHooks(collector, rt.proxy.Label, start, &result, &fetchErr)

	err := runCollector(ctx, collector, rawURL, &fetchErr)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		var se *statusError
		if errors.As(err, &se) {
			outcome = "status"
		}
	}
	metrics.ObserveFetchAttempt(rt.proxy.Label, outcome, time.Since(start))
	if err != nil {
		return crawler.FetchResult{}, err
	}
	return result, nil
}

func configureCollectorHooks(
	hooks collectorHooks,
	label string,
	start time.Time,
	result *crawler.FetchResult,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		r.Headers.Set("Accept-Language", "en-US,en;q=0.9")
	})

	hooks.OnResponse(func(r *colly.Response) {
		if r.StatusCode != http.StatusOK {
			*fetchErr = &statusError{code: r.StatusCode}
			return
		}
		target := r.Request.URL.String()
		contentType := ""
		if r.Headers != nil {
			contentType = r.Headers.Get("Content-Type")
		}
		body, err := decodeBody(r.Body, contentType)
		if err != nil {
			*fetchErr = &bodyError{err: err}
			return
		}
		*result = crawler.FetchResult{
			URL:        target,
			StatusCode: r.StatusCode,
			Body:       body,
			ProxyLabel: label,
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 && r.StatusCode != http.StatusOK {
			*fetchErr = &statusError{code: r.StatusCode}
			return
		}
		*fetchErr = err
	})
}

func runCollector(ctx context.Context, collector *colly.Collector, target string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return *fetchErr
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

// decodeBody gunzips gzip payloads and converts non-UTF-8 text to UTF-8.
func decodeBody(body []byte, contentType string) ([]byte, error) {
	out := append([]byte(nil), body...)
	if bytes.HasPrefix(out, gzipMagic) {
		zr, err := gzip.NewReader(bytes.NewReader(out))
		if err != nil {
			return nil, fmt.Errorf("gunzip: %w", err)
		}
		defer func() { _ = zr.Close() }()
		out, err = io.ReadAll(io.LimitReader(zr, maxBodySize))
		if err != nil {
			return nil, fmt.Errorf("gunzip: %w", err)
		}
	}
	if utf8.Valid(out) {
		return out, nil
	}
	enc, name, _ := charset.DetermineEncoding(out, contentType)
	decoded, err := enc.NewDecoder().Bytes(out)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return decoded, nil
}

// isTransportError reports whether err means the route itself failed, as
// opposed to the origin answering badly.
func isTransportError(err error) bool {
	if err == nil {
		return false
	}
	var se *statusError
	var be *bodyError
	return !errors.As(err, &se) && !errors.As(err, &be)
}

func newHTTPTransport(address string, insecure bool) (*http.Transport, error) {
	t := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: insecure, //nolint:gosec // proxies terminate TLS with their own certificates
		},
	}
	if address == DirectAddress {
		return t, nil
	}
	proxyURL, err := url.Parse(address)
	if err != nil || proxyURL.Host == "" {
		return nil, fmt.Errorf("invalid proxy address %q", address)
	}
	t.Proxy = http.ProxyURL(proxyURL)
	return t, nil
}
