package worker

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/recipe-crawler/internal/crawler"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var testNow = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

type stubFetcher struct {
	mu     sync.Mutex
	bodies map[string]string
	calls  int
}

func (s *stubFetcher) Fetch(_ context.Context, url string) (crawler.FetchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	body, ok := s.bodies[url]
	if !ok {
		return crawler.FetchResult{}, crawler.NewError(crawler.KindTransport, crawler.ReasonNoResponse, nil)
	}
	return crawler.FetchResult{URL: url, StatusCode: 200, Body: []byte(body), ProxyLabel: "datacenter"}, nil
}

type stubLLM struct {
	mu   sync.Mutex
	dish *crawler.Dish
	err  error
	seen []string
}

func (s *stubLLM) ExtractDish(_ context.Context, content string) (*crawler.Dish, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, content)
	if s.err != nil {
		return nil, s.err
	}
	if s.dish == nil {
		return nil, nil
	}
	d := *s.dish
	d.Ingredients = append([]crawler.Ingredient(nil), s.dish.Ingredients...)
	return &d, nil
}

type fixedHasher struct{}

func (fixedHasher) Hash([]byte) (string, error) { return "abc123", nil }
