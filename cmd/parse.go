package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/spf13/cobra"

	"github.com/shouni/go-news-harvester/pkg/discovery"
	"github.com/shouni/go-news-harvester/pkg/feed"
)

// フィードURLを保持するフラグ変数
var feedURL string

// runParsePipeline は、フィードの取得とパースを実行するメインロジックです。
func runParsePipeline(ctx context.Context, url string, parser *feed.Parser) (*gofeed.Feed, error) {
	parsedFeed, err := parser.FetchAndParse(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("フィードの取得およびパースエラー (URL: %s): %w", url, err)
	}
	return parsedFeed, nil
}

var parseCmd = &cobra.Command{
	Use:   "parse",
	Short: "RSS/Atomフィードを取得・解析し、記事の候補になるアイテムを一覧表示します",
	Long:  `指定されたURLからRSSまたはAtomフィードを取得し、各アイテムのURLが対象サイトの記事URLとして扱われるかを表示します。`,
	Args:  cobra.NoArgs,

	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := appConfig

		processedURL, err := ensureScheme(feedURL)
		if err != nil {
			return fmt.Errorf("URLスキームの処理エラー: %w", err)
		}

		// 1. 依存性の初期化
		parser, err := feed.NewParser(newListingFetcher(cfg))
		if err != nil {
			return err
		}
		matcher, err := discovery.NewMatcher(cfg.Crawl.BaseURL)
		if err != nil {
			return err
		}

		// 2. メインロジックの実行
		parsedFeed, err := runParsePipeline(cmd.Context(), processedURL, parser)
		if err != nil {
			return fmt.Errorf("フィード解析パイプラインの実行エラー: %w", err)
		}

		// 3. 結果の出力
		fmt.Printf("--- フィード解析結果 ---\n")
		fmt.Printf("フィードタイトル: %s\n", parsedFeed.Title)
		if parsedFeed.Link != "" {
			fmt.Printf("リンク: %s\n", parsedFeed.Link)
		}
		fmt.Printf("合計記事数: %d\n", len(parsedFeed.Items))
		fmt.Println("-----------------------")

		for i, item := range parsedFeed.Items {
			mark := "-"
			if _, ok := matcher.Match(item.Link); ok {
				mark = "+"
			}
			fmt.Printf("[%d] %s %s\n", i+1, mark, item.Title)
			fmt.Printf("    URL: %s\n", item.Link)
			if item.PublishedParsed != nil {
				fmt.Printf("    公開日: %s\n", item.PublishedParsed.Local().Format(time.DateTime))
			}
		}
		fmt.Println()

		return nil
	},
}

func init() {
	parseCmd.Flags().StringVarP(&feedURL, "url", "u", "", "解析対象のフィード (RSS/Atom) URL")
	_ = parseCmd.MarkFlagRequired("url")
}
