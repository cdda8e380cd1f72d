package cmd

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "記事の候補URLを収集して一覧表示します (取得・保存は行いません)",
	Long:  `設定されたセクションの一覧ページ (と任意のRSSフィード) を辿り、記事URLの候補を辞書順で表示します。`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := appConfig

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		aggregator, err := newAggregator(cfg, newArticleClient(cfg), newRobotsChecker(cfg))
		if err != nil {
			return fmt.Errorf("Aggregatorの初期化エラー: %w", err)
		}

		links := aggregator.Aggregate(ctx, cfg.Crawl.Sections, cfg.Crawl.Feeds)
		for _, link := range links {
			fmt.Println(link)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "候補URL: %d 件\n", len(links))
		return nil
	},
}
