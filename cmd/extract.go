package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shouni/go-news-harvester/pkg/extract"
	"github.com/shouni/go-news-harvester/pkg/httpclient"
	"github.com/shouni/go-news-harvester/pkg/types"
)

var rawURL string

// runExtractionPipeline は1つの記事ページを取得し、フィールドを抽出します。
func runExtractionPipeline(ctx context.Context, url string, client *httpclient.Client, extractor *extract.Extractor) (types.ArticleFields, int, error) {
	page, err := client.FetchDocument(ctx, url)
	if err != nil {
		return types.ArticleFields{}, 0, fmt.Errorf("コンテンツ抽出エラー (URL: %s): %w", url, err)
	}
	return extractor.Extract(page.Document), page.Attempts, nil
}

// readURL は標準入力から1行読み取ります。
func readURL(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", fmt.Errorf("標準入力の読み取りエラー: %w", err)
		}
		return "", fmt.Errorf("URLが入力されていません")
	}
	return strings.TrimSpace(scanner.Text()), nil
}

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "指定されたURLの記事ページからタイトル・概要・画像・本文を抽出します",
	Long:  `指定されたURLまたは標準入力から記事URLを受け取り、ストアには保存せずに抽出結果を表示します。`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		// 1. 処理対象URLの決定 (フラグ優先)
		urlToProcess := rawURL
		if urlToProcess == "" {
			log.Println("URLが指定されていないため、標準入力からURLを読み込みます...")
			fmt.Print("処理するURLを入力してください: ")
			u, err := readURL(os.Stdin)
			if err != nil {
				return err
			}
			urlToProcess = u
		}

		// 2. URLのスキーム補完とバリデーション
		processedURL, err := ensureScheme(urlToProcess)
		if err != nil {
			return fmt.Errorf("URLスキームの処理エラー: %w", err)
		}

		// 3. 抽出の実行
		fields, attempts, err := runExtractionPipeline(cmd.Context(), processedURL, newArticleClient(appConfig), extract.NewExtractor())
		if err != nil {
			return err
		}

		// 4. 結果の出力
		fmt.Printf("URL: %s (試行回数: %d)\n", processedURL, attempts)
		fmt.Printf("タイトル: %s\n", fields.Title)
		fmt.Printf("概要: %s\n", fields.Teaser)
		fmt.Printf("画像: %s\n", fields.ImageURL)
		if fields.FullText == "" {
			fmt.Println("本文は見つかりませんでした。")
			return nil
		}
		fmt.Println("--- 抽出された本文 ---")
		fmt.Println(fields.FullText)
		fmt.Println("-----------------------")
		return nil
	},
}

func init() {
	extractCmd.Flags().StringVarP(&rawURL, "url", "u", "", "抽出対象のURL")
}
