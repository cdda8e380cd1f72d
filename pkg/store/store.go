// Package store は、記事を SQLite の articles テーブルに保存します。
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/shouni/go-news-harvester/pkg/types"
)

const (
	// DriverName は database/sql に登録された SQLite ドライバ名です。
	DriverName = "sqlite3"
	// DefaultPath はストアファイルの既定パスです。
	DefaultPath = "npr_news.db"
	// DefaultRecentLimit は Recent の既定の取得件数です。
	DefaultRecentLimit = 20

	// TimestampLayout は scraped_at の保存形式です (SQLite の CURRENT_TIMESTAMP と同じ形)。
	TimestampLayout = "2006-01-02 15:04:05"

	busyTimeoutMillis = 5000
	scrapedAtColumn   = "scraped_at"
)

const createTableQuery = `
CREATE TABLE IF NOT EXISTS articles (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	title      TEXT,
	link       TEXT UNIQUE NOT NULL,
	teaser     TEXT,
	image_url  TEXT,
	full_text  TEXT,
	scraped_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
)`

const createIndexQuery = `CREATE INDEX IF NOT EXISTS idx_articles_scraped_at ON articles(scraped_at)`

const (
	insertQuery = `INSERT INTO articles (title, link, teaser, image_url, full_text, scraped_at)
		VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT(link) DO NOTHING`
	insertLegacyQuery = `INSERT INTO articles (title, link, teaser, image_url, full_text)
		VALUES (?, ?, ?, ?, ?) ON CONFLICT(link) DO NOTHING`
)

// ErrEmptyLink は、リンクが空の記事を保存しようとした場合に返されます。
var ErrEmptyLink = errors.New("記事のリンクが空です")

// OpenError は、ストアを開けなかった (またはスキーマを用意できなかった) ことを表します。
type OpenError struct {
	Path string
	Err  error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("ストア(%s)を開けませんでした: %v", e.Path, e.Err)
}

func (e *OpenError) Unwrap() error {
	return e.Err
}

// Store は articles テーブルへのアクセスを提供します。
// 書き込みはミューテックスで直列化され、一意制約が重複排除の最終的な保証になります。
type Store struct {
	db *sqlx.DB

	mu           sync.Mutex
	hasScrapedAt bool
	now          func() time.Time
}

// Open は SQLite ファイルを開き、スキーマを用意します。
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, &OpenError{Path: path, Err: errors.New("パスが空です")}
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL", path, busyTimeoutMillis)
	db, err := sqlx.Open(DriverName, dsn)
	if err != nil {
		return nil, &OpenError{Path: path, Err: err}
	}
	// 書き込みは1コネクションに限定する
	db.SetMaxOpenConns(1)

	s := New(db)
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, &OpenError{Path: path, Err: err}
	}
	return s, nil
}

// OpenReadOnly は既存の SQLite ファイルを読み取り専用で開きます。
// テーブルやインデックスの作成、ジャーナルモードの変更は行いません。ファイルや articles テーブルが無い場合はエラーです。
func OpenReadOnly(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, &OpenError{Path: path, Err: errors.New("パスが空です")}
	}

	dsn := fmt.Sprintf("file:%s?mode=ro&_busy_timeout=%d", path, busyTimeoutMillis)
	db, err := sqlx.Open(DriverName, dsn)
	if err != nil {
		return nil, &OpenError{Path: path, Err: err}
	}

	s := New(db)
	columns, err := s.columns(ctx)
	if err != nil {
		_ = db.Close()
		return nil, &OpenError{Path: path, Err: err}
	}
	if len(columns) == 0 {
		_ = db.Close()
		return nil, &OpenError{Path: path, Err: errors.New("articlesテーブルがありません")}
	}
	s.hasScrapedAt = hasColumn(columns, scrapedAtColumn)
	return s, nil
}

// New は既存の接続から Store を生成します。scraped_at 列があるものとして扱い、
// EnsureSchema の呼び出しで実際のスキーマに合わせます。
func New(db *sqlx.DB) *Store {
	return &Store{
		db:           db,
		hasScrapedAt: true,
		now:          time.Now,
	}
}

// EnsureSchema は articles テーブルを作成し (存在すれば何もしない)、
// scraped_at 列の有無を記録します。
func (s *Store) EnsureSchema(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, createTableQuery); err != nil {
		return fmt.Errorf("articlesテーブルの作成に失敗しました: %w", err)
	}

	columns, err := s.columns(ctx)
	if err != nil {
		return err
	}
	s.hasScrapedAt = hasColumn(columns, scrapedAtColumn)

	if s.hasScrapedAt {
		if _, err := s.db.ExecContext(ctx, createIndexQuery); err != nil {
			return fmt.Errorf("インデックスの作成に失敗しました: %w", err)
		}
	}
	return nil
}

// HasScrapedAt は、ストアが scraped_at 列を持つかどうかを返します。
func (s *Store) HasScrapedAt() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasScrapedAt
}

// Exists は、リンクが既に保存されているかを返します。
func (s *Store) Exists(ctx context.Context, link string) (bool, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(1) FROM articles WHERE link = ?`, link); err != nil {
		return false, fmt.Errorf("リンクの存在確認に失敗しました: %w", err)
	}
	return n > 0, nil
}

// Insert は記事を1トランザクションで保存します。
// リンクが既に存在する場合は (0, false, nil) を返し、何も書き込みません。
func (s *Store) Insert(ctx context.Context, article *types.Article) (int64, bool, error) {
	if article == nil || strings.TrimSpace(article.Link) == "" {
		return 0, false, ErrEmptyLink
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer func() {
		// コミット後は何もしない
		_ = tx.Rollback()
	}()

	scrapedAt := article.ScrapedAt
	if scrapedAt.IsZero() {
		scrapedAt = s.now()
	}
	scrapedAt = scrapedAt.UTC().Truncate(time.Second)

	var result sql.Result
	if s.hasScrapedAt {
		result, err = tx.ExecContext(ctx, insertQuery,
			article.Title, article.Link, article.Teaser, article.ImageURL, article.FullText,
			scrapedAt.Format(TimestampLayout),
		)
	} else {
		result, err = tx.ExecContext(ctx, insertLegacyQuery,
			article.Title, article.Link, article.Teaser, article.ImageURL, article.FullText,
		)
	}
	if err != nil {
		return 0, false, fmt.Errorf("記事の保存に失敗しました (link: %s): %w", article.Link, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("影響行数の取得に失敗しました: %w", err)
	}
	if affected == 0 {
		return 0, false, nil
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("記事IDの取得に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("コミットに失敗しました: %w", err)
	}

	article.ID = id
	if s.hasScrapedAt {
		article.ScrapedAt = scrapedAt
	}
	return id, true, nil
}

// Count は保存済みの記事数を返します。
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM articles`); err != nil {
		return 0, fmt.Errorf("記事数の取得に失敗しました: %w", err)
	}
	return n, nil
}

// tableColumn は PRAGMA table_info の1行です。
type tableColumn struct {
	CID          int            `db:"cid"`
	Name         string         `db:"name"`
	Type         string         `db:"type"`
	NotNull      int            `db:"notnull"`
	DefaultValue sql.NullString `db:"dflt_value"`
	PK           int            `db:"pk"`
}

// Columns は articles テーブルの列名を定義順に返します。
func (s *Store) Columns(ctx context.Context) ([]string, error) {
	return s.columns(ctx)
}

func (s *Store) columns(ctx context.Context) ([]string, error) {
	var info []tableColumn
	if err := s.db.SelectContext(ctx, &info, `PRAGMA table_info(articles)`); err != nil {
		return nil, fmt.Errorf("列情報の取得に失敗しました: %w", err)
	}
	names := make([]string, 0, len(info))
	for _, c := range info {
		names = append(names, c.Name)
	}
	return names, nil
}

func hasColumn(columns []string, name string) bool {
	for _, c := range columns {
		if c == name {
			return true
		}
	}
	return false
}

// RecentQuery は Recent の取得条件です。
type RecentQuery struct {
	Limit       int  // 0 以下なら DefaultRecentLimit
	RequireText bool // 本文が空の記事を除外する
}

type articleRow struct {
	ID        int64        `db:"id"`
	Title     string       `db:"title"`
	Link      string       `db:"link"`
	Teaser    string       `db:"teaser"`
	ImageURL  string       `db:"image_url"`
	FullText  string       `db:"full_text"`
	ScrapedAt sql.NullTime `db:"scraped_at"`
}

// Recent は新しい順 (id 降順) に記事を返します。scraped_at 列が無いストアでは ScrapedAt はゼロ値です。
func (s *Store) Recent(ctx context.Context, q RecentQuery) ([]types.Article, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultRecentLimit
	}

	var b strings.Builder
	b.WriteString(`SELECT id, COALESCE(title, '') AS title, link, COALESCE(teaser, '') AS teaser,
		COALESCE(image_url, '') AS image_url, COALESCE(full_text, '') AS full_text`)
	if s.HasScrapedAt() {
		b.WriteString(`, scraped_at`)
	}
	b.WriteString(` FROM articles`)
	if q.RequireText {
		b.WriteString(` WHERE full_text IS NOT NULL AND full_text != ''`)
	}
	b.WriteString(` ORDER BY id DESC LIMIT ?`)

	var rows []articleRow
	if err := s.db.SelectContext(ctx, &rows, b.String(), limit); err != nil {
		return nil, fmt.Errorf("記事一覧の取得に失敗しました: %w", err)
	}

	articles := make([]types.Article, 0, len(rows))
	for _, r := range rows {
		a := types.Article{
			ID:       r.ID,
			Title:    r.Title,
			Link:     r.Link,
			Teaser:   r.Teaser,
			ImageURL: r.ImageURL,
			FullText: r.FullText,
		}
		if r.ScrapedAt.Valid {
			a.ScrapedAt = r.ScrapedAt.Time.UTC()
		}
		articles = append(articles, a)
	}
	return articles, nil
}

// Flush は WAL の内容をメインのデータベースファイルに書き戻します。
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return fmt.Errorf("WALのチェックポイントに失敗しました: %w", err)
	}
	return nil
}

// Close はデータベース接続を閉じます。
func (s *Store) Close() error {
	return s.db.Close()
}
