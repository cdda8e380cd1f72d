package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/shouni/go-news-harvester/pkg/store"
	"github.com/shouni/go-news-harvester/pkg/types"
)

// previewLength は本文プレビューの最大文字数です。
const previewLength = 450

var (
	statsLimit       int
	statsRequireText bool
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "ストアの記事数・列・最新の記事を表示します",
	Long:  `保存済みの記事数と articles テーブルの列を表示し、新しい順に記事の一部をプレビューします。ストアへの書き込みは行いません。`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.OpenReadOnly(cmd.Context(), appConfig.Store.Path)
		if err != nil {
			return err
		}
		defer st.Close()

		count, err := st.Count(cmd.Context())
		if err != nil {
			return err
		}
		columns, err := st.Columns(cmd.Context())
		if err != nil {
			return err
		}
		articles, err := st.Recent(cmd.Context(), store.RecentQuery{Limit: statsLimit, RequireText: statsRequireText})
		if err != nil {
			return err
		}

		printStats(cmd.OutOrStdout(), count, columns, articles)
		return nil
	},
}

func printStats(w io.Writer, count int, columns []string, articles []types.Article) {
	fmt.Fprintf(w, "記事数: %d\n", count)
	fmt.Fprintf(w, "列: %s\n", strings.Join(columns, ", "))
	fmt.Fprintln(w, "-----------------------")

	for _, a := range articles {
		fmt.Fprintf(w, "[%d] %s\n", a.ID, a.Title)
		fmt.Fprintf(w, "    URL: %s\n", a.Link)
		if !a.ScrapedAt.IsZero() {
			fmt.Fprintf(w, "    取得日時: %s\n", a.ScrapedAt.Format(time.DateTime))
		}
		if a.FullText != "" {
			fmt.Fprintf(w, "    本文: %s\n", preview(a.FullText, previewLength))
		}
	}
}

// preview は先頭 n 文字 (ルーン単位) を返し、切り詰めた場合は "..." を付けます。
func preview(text string, n int) string {
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n]) + "..."
}

func init() {
	statsCmd.Flags().IntVarP(&statsLimit, "limit", "n", 10, "表示する記事数")
	statsCmd.Flags().BoolVar(&statsRequireText, "require-text", false, "本文がある記事のみ表示する")
}
