package discovery

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/shouni/go-news-harvester/pkg/throttle"
)

// SectionDiscoverer は1セクション分の記事候補を収集します。
type SectionDiscoverer interface {
	DiscoverSection(ctx context.Context, section string) LinkSet
}

// FeedSource はフィードに含まれるアイテムのリンクを返します。
type FeedSource interface {
	FeedLinks(ctx context.Context, feedURL string) ([]string, error)
}

// Aggregator は全セクションとフィードの候補URLを1つの集合にまとめます。
type Aggregator struct {
	discoverer SectionDiscoverer
	feeds      FeedSource
	matcher    *Matcher
	delay      throttle.Delay
	robots     Policy
	logger     *zap.Logger
}

// AggregatorOption は Aggregator の設定を変更します。
type AggregatorOption func(*Aggregator)

// WithFeeds はフィードを追加のリンク供給源として設定します。
// フィードのリンクも matcher で判定・正規化されます。
func WithFeeds(source FeedSource, matcher *Matcher) AggregatorOption {
	return func(a *Aggregator) {
		a.feeds = source
		a.matcher = matcher
	}
}

// WithSectionDelay はセクション間の待機時間を設定します。
func WithSectionDelay(delay throttle.Delay) AggregatorOption {
	return func(a *Aggregator) {
		a.delay = delay
	}
}

// WithFeedRobots はフィードURLの取得前に robots.txt を確認するようにします。
func WithFeedRobots(policy Policy) AggregatorOption {
	return func(a *Aggregator) {
		a.robots = policy
	}
}

// WithAggregatorLogger はロガーを設定します。
func WithAggregatorLogger(logger *zap.Logger) AggregatorOption {
	return func(a *Aggregator) {
		a.logger = logger
	}
}

// NewAggregator は Aggregator を生成します。
func NewAggregator(discoverer SectionDiscoverer, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		discoverer: discoverer,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.Named("aggregator")
	return a
}

// Aggregate はセクションを順に探索し、フィードの候補と合わせて辞書順・重複なしのURLリストを返します。
// コンテキストがキャンセルされた場合は、それまでに集めた結果を返します。
func (a *Aggregator) Aggregate(ctx context.Context, sections, feeds []string) []string {
	all := LinkSet{}
	seen := make(map[string]bool, len(sections))

	requests := 0
	for _, section := range sections {
		section = strings.TrimSpace(section)
		if section == "" || seen[section] {
			continue
		}
		seen[section] = true

		if requests > 0 {
			if err := a.delay.Sleep(ctx); err != nil {
				break
			}
		}
		if ctx.Err() != nil {
			break
		}
		requests++

		found := a.discoverer.DiscoverSection(ctx, section)
		a.logger.Info("セクションの探索が完了しました",
			zap.String("section", section),
			zap.Int("links", found.Len()),
		)
		all.Merge(found)
	}

	if a.feeds != nil && a.matcher != nil {
		seenFeeds := make(map[string]bool, len(feeds))
		for _, feedURL := range feeds {
			feedURL = strings.TrimSpace(feedURL)
			if feedURL == "" || seenFeeds[feedURL] {
				continue
			}
			seenFeeds[feedURL] = true
			if ctx.Err() != nil {
				break
			}
			all.Merge(a.feedCandidates(ctx, feedURL))
		}
	}

	return all.Sorted()
}

func (a *Aggregator) feedCandidates(ctx context.Context, feedURL string) LinkSet {
	found := LinkSet{}
	if a.robots != nil {
		allowed, err := a.robots.Allowed(ctx, feedURL)
		if err != nil {
			a.logger.Warn("robots.txtを確認できません", zap.String("feed_url", feedURL), zap.Error(err))
		} else if !allowed {
			a.logger.Info("robots.txtによりフィードを除外しました", zap.String("feed_url", feedURL))
			return found
		}
	}
	links, err := a.feeds.FeedLinks(ctx, feedURL)
	if err != nil {
		a.logger.Warn("フィードの取得に失敗しました", zap.String("feed_url", feedURL), zap.Error(err))
		return found
	}
	for _, link := range links {
		if canonical, ok := a.matcher.Match(link); ok {
			found.Add(canonical)
		}
	}
	a.logger.Info("フィードの探索が完了しました",
		zap.String("feed_url", feedURL),
		zap.Int("items", len(links)),
		zap.Int("links", found.Len()),
	)
	return found
}
