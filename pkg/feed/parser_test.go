package feed

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockFetcher は Fetcher インターフェースのモックです。
type MockFetcher struct {
	FetchBytesFunc func(ctx context.Context, url string) ([]byte, error)
}

func (m *MockFetcher) FetchBytes(ctx context.Context, url string) ([]byte, error) {
	return m.FetchBytesFunc(ctx, url)
}

const testURL = "http://example.com/feed"

// 最小限の有効なRSS XML
const validRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>Test Feed</title>
    <link>http://example.com/</link>
    <item>
      <title>Test Item</title>
      <link>http://example.com/2024/05/01/item1</link>
    </item>
    <item>
      <title>Second Item</title>
      <link>http://example.com/2024/05/02/item2</link>
    </item>
  </channel>
</rss>`

func TestNewParser(t *testing.T) {
	_, err := NewParser(nil)
	assert.Error(t, err)

	p, err := NewParser(&MockFetcher{})
	require.NoError(t, err)
	assert.NotNil(t, p)
}

func TestFetchAndParse(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name          string
		mockFetchFunc func(ctx context.Context, url string) ([]byte, error)
		expectedTitle string
		errorContains string
	}{
		{
			name: "成功ケース_有効なRSS",
			mockFetchFunc: func(ctx context.Context, url string) ([]byte, error) {
				if url != testURL {
					return nil, errors.New("予期せぬURL: " + url)
				}
				return []byte(validRSS), nil
			},
			expectedTitle: "Test Feed",
		},
		{
			name: "エラーケース_フィード取得失敗",
			mockFetchFunc: func(ctx context.Context, url string) ([]byte, error) {
				return nil, errors.New("HTTPエラー: 500 Internal Server Error")
			},
			errorContains: "フィードの取得失敗",
		},
		{
			name: "エラーケース_パース失敗",
			mockFetchFunc: func(ctx context.Context, url string) ([]byte, error) {
				return []byte(`<invalid><tag>`), nil
			},
			errorContains: "RSSフィードのパース失敗",
		},
		{
			name: "エッジケース_空ボディ",
			mockFetchFunc: func(ctx context.Context, url string) ([]byte, error) {
				return []byte(""), nil
			},
			errorContains: "RSSフィードのパース失敗",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Parser{client: &MockFetcher{FetchBytesFunc: tt.mockFetchFunc}}

			feed, err := p.FetchAndParse(ctx, testURL)

			if tt.errorContains != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errorContains)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, feed)
			assert.Equal(t, tt.expectedTitle, feed.Title)
		})
	}
}

func TestFeedLinks(t *testing.T) {
	p := &Parser{client: &MockFetcher{FetchBytesFunc: func(ctx context.Context, url string) ([]byte, error) {
		return []byte(validRSS), nil
	}}}

	links, err := p.FeedLinks(context.Background(), testURL)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"http://example.com/2024/05/01/item1",
		"http://example.com/2024/05/02/item2",
	}, links)

	failing := &Parser{client: &MockFetcher{FetchBytesFunc: func(ctx context.Context, url string) ([]byte, error) {
		return nil, errors.New("timeout")
	}}}
	_, err = failing.FeedLinks(context.Background(), testURL)
	assert.Error(t, err)
}
