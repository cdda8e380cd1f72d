package types

import "time"

// Article は articles テーブルの1行を表します。
// 一度保存された記事は不変で、更新・削除の経路は存在しません。
type Article struct {
	ID        int64     `db:"id"`
	Title     string    `db:"title"`
	Link      string    `db:"link"` // 正規化済みの絶対URL (一意キー)
	Teaser    string    `db:"teaser"`
	ImageURL  string    `db:"image_url"`
	FullText  string    `db:"full_text"`
	ScrapedAt time.Time `db:"scraped_at"` // 挿入時に設定。古いストアでは常にゼロ値
}

// ArticleFields は、記事ページから抽出されたフィールドを保持します。
// どのフィールドも空文字列になり得ますが、Title は常にプレースホルダー以上の値を持ちます。
type ArticleFields struct {
	Title    string
	Teaser   string
	ImageURL string
	FullText string
}

// NewArticle は、抽出結果とリンクから保存用の Article を組み立てます。
func NewArticle(link string, fields ArticleFields) *Article {
	return &Article{
		Title:    fields.Title,
		Link:     link,
		Teaser:   fields.Teaser,
		ImageURL: fields.ImageURL,
		FullText: fields.FullText,
	}
}

// Summary は、1回のクロール実行の集計結果です。
type Summary struct {
	Discovered int           // 発見された候補URLの総数
	Candidates int           // フィルタリング後に取得対象となったURL数
	New        int           // 新規に保存された記事数
	Skipped    int           // 既に保存済みでスキップされた数
	Failed     int           // リトライを使い切って失敗した数
	Disallowed int           // robots.txt により除外された数
	Attempts   int           // 記事取得のHTTP試行回数の合計
	Duration   time.Duration // 実行時間
	Cancelled  bool          // キャンセルにより途中終了したかどうか
}
