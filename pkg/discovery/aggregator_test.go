package discovery

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// stubDiscoverer はセクションごとに固定の候補を返します。
type stubDiscoverer struct {
	sections map[string][]string
	visited  []string
}

func (s *stubDiscoverer) DiscoverSection(_ context.Context, section string) LinkSet {
	s.visited = append(s.visited, section)
	set := LinkSet{}
	for _, l := range s.sections[section] {
		set.Add(l)
	}
	return set
}

type stubFeeds struct {
	links map[string][]string
}

func (s *stubFeeds) FeedLinks(_ context.Context, feedURL string) ([]string, error) {
	links, ok := s.links[feedURL]
	if !ok {
		return nil, errors.New("フィードの取得失敗")
	}
	return links, nil
}

func TestAggregate_UnionSortedDeduplicated(t *testing.T) {
	stub := &stubDiscoverer{sections: map[string][]string{
		"/news/":     {testBase + "/2024/05/02/b", testBase + "/2024/05/01/a"},
		"/politics/": {testBase + "/2024/05/01/a", testBase + "/2024/05/03/c"},
	}}
	agg := NewAggregator(stub, WithAggregatorLogger(zaptest.NewLogger(t)))

	got := agg.Aggregate(context.Background(), []string{"/news/", "/politics/", "/news/"}, nil)

	assert.Equal(t, []string{
		testBase + "/2024/05/01/a",
		testBase + "/2024/05/02/b",
		testBase + "/2024/05/03/c",
	}, got)
	assert.Equal(t, []string{"/news/", "/politics/"}, stub.visited, "重複したセクションは1回だけ探索する")
}

func TestAggregate_OrderIndependent(t *testing.T) {
	sections := map[string][]string{
		"/a/": {testBase + "/2024/01/01/x", testBase + "/2024/01/02/y"},
		"/b/": {testBase + "/2024/01/02/y", testBase + "/2024/01/03/z"},
		"/c/": {testBase + "/2024/01/04/w"},
		"/d/": {},
	}
	order := []string{"/a/", "/b/", "/c/", "/d/"}

	want := NewAggregator(&stubDiscoverer{sections: sections}).Aggregate(context.Background(), order, nil)

	r := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 10; i++ {
		shuffled := append([]string(nil), order...)
		r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		got := NewAggregator(&stubDiscoverer{sections: sections}).Aggregate(context.Background(), shuffled, nil)
		assert.Equal(t, want, got, "順序: %v", shuffled)
	}
}

func TestAggregate_Feeds(t *testing.T) {
	m, err := NewMatcher(testBase)
	require.NoError(t, err)

	stub := &stubDiscoverer{sections: map[string][]string{
		"/news/": {testBase + "/2024/05/01/a"},
	}}
	feeds := &stubFeeds{links: map[string][]string{
		testBase + "/rss/news.xml": {
			testBase + "/2024/05/01/a?ft=nprml",
			"https://www.example.org/2024/05/05/e",
			"https://elsewhere.net/2024/05/05/e",
			"https://www.example.org/podcasts/123",
		},
	}}
	agg := NewAggregator(stub, WithFeeds(feeds, m), WithAggregatorLogger(zaptest.NewLogger(t)))

	got := agg.Aggregate(context.Background(), []string{"/news/"}, []string{
		testBase + "/rss/news.xml",
		testBase + "/rss/broken.xml",
	})

	assert.Equal(t, []string{
		testBase + "/2024/05/01/a",
		testBase + "/2024/05/05/e",
	}, got)
}

func TestAggregate_CancelledContext(t *testing.T) {
	stub := &stubDiscoverer{sections: map[string][]string{
		"/news/": {testBase + "/2024/05/01/a"},
	}}
	agg := NewAggregator(stub)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got := agg.Aggregate(ctx, []string{"/news/"}, nil)
	assert.Empty(t, got)
	assert.Empty(t, stub.visited)
}

func TestAggregate_FeedDisallowedByRobots(t *testing.T) {
	m, err := NewMatcher(testBase)
	require.NoError(t, err)
	feeds := &stubFeeds{links: map[string][]string{
		testBase + "/rss/open.xml":    {testBase + "/2024/05/01/a"},
		testBase + "/private/rss.xml": {testBase + "/2024/05/02/b"},
	}}
	policy := &prefixPolicy{deny: []string{testBase + "/private/"}}
	agg := NewAggregator(&stubDiscoverer{},
		WithFeeds(feeds, m),
		WithFeedRobots(policy),
		WithAggregatorLogger(zaptest.NewLogger(t)),
	)

	got := agg.Aggregate(context.Background(), nil, []string{testBase + "/rss/open.xml", testBase + "/private/rss.xml"})

	assert.Equal(t, []string{testBase + "/2024/05/01/a"}, got)
}
