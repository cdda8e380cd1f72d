package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shouni/go-news-harvester/pkg/types"
)

var fixedNow = time.Date(2024, 5, 1, 12, 30, 45, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "articles.db"))
	require.NoError(t, err)
	s.now = func() time.Time { return fixedNow }
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func article(link string) *types.Article {
	return types.NewArticle(link, types.ArticleFields{
		Title:    "Title of " + link,
		Teaser:   "teaser",
		ImageURL: "https://media.example.org/a.jpg",
		FullText: "full text of the story",
	})
}

func TestOpen_CreatesSchema(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	columns, err := s.Columns(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "title", "link", "teaser", "image_url", "full_text", "scraped_at"}, columns)
	assert.True(t, s.HasScrapedAt())

	// 2回目も成功する
	require.NoError(t, s.EnsureSchema(ctx))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestOpen_Failure(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{name: "存在しないディレクトリ", path: filepath.Join(t.TempDir(), "missing", "dir", "articles.db")},
		{name: "空のパス", path: " "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Open(context.Background(), tt.path)
			require.Error(t, err)
			assert.Nil(t, s)

			var openErr *OpenError
			assert.True(t, errors.As(err, &openErr))
		})
	}
}

func TestInsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	link := "https://www.example.org/2024/05/01/a"

	a := article(link)
	id, inserted, err := s.Insert(ctx, a)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Positive(t, id)
	assert.Equal(t, id, a.ID)
	assert.Equal(t, fixedNow, a.ScrapedAt)

	// 重複は成功扱いの何もしない操作
	id, inserted, err = s.Insert(ctx, article(link))
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Zero(t, id)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	exists, err := s.Exists(ctx, link)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = s.Exists(ctx, "https://www.example.org/2024/05/01/b")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestInsert_EmptyLink(t *testing.T) {
	s := openTestStore(t)

	_, _, err := s.Insert(context.Background(), article("  "))
	assert.ErrorIs(t, err, ErrEmptyLink)

	_, _, err = s.Insert(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyLink)

	n, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestInsert_ConcurrentSameLink(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	link := "https://www.example.org/2024/05/01/race"

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inserted int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.Insert(ctx, article(link))
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				inserted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, inserted)
	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRecent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		a := article(fmt.Sprintf("https://www.example.org/2024/05/0%d/story", i))
		if i == 4 {
			a.FullText = ""
		}
		_, _, err := s.Insert(ctx, a)
		require.NoError(t, err)
	}

	got, err := s.Recent(ctx, RecentQuery{Limit: 3})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "https://www.example.org/2024/05/05/story", got[0].Link)
	assert.Equal(t, "https://www.example.org/2024/05/04/story", got[1].Link)
	assert.Equal(t, fixedNow, got[0].ScrapedAt)
	assert.Greater(t, got[0].ID, got[1].ID)

	withText, err := s.Recent(ctx, RecentQuery{Limit: 10, RequireText: true})
	require.NoError(t, err)
	require.Len(t, withText, 4)
	for _, a := range withText {
		assert.NotEmpty(t, a.FullText)
	}

	all, err := s.Recent(ctx, RecentQuery{})
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestLegacySchemaWithoutScrapedAt(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "legacy.db")

	db, err := sqlx.Open(DriverName, path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE articles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT,
		link TEXT UNIQUE NOT NULL,
		teaser TEXT,
		image_url TEXT,
		full_text TEXT
	)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO articles (title, link) VALUES (NULL, 'https://www.example.org/2020/01/01/old')`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	assert.False(t, s.HasScrapedAt())
	columns, err := s.Columns(ctx)
	require.NoError(t, err)
	assert.NotContains(t, columns, "scraped_at")

	a := article("https://www.example.org/2024/05/01/new")
	_, inserted, err := s.Insert(ctx, a)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.True(t, a.ScrapedAt.IsZero())

	got, err := s.Recent(ctx, RecentQuery{Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "https://www.example.org/2024/05/01/new", got[0].Link)
	assert.Equal(t, "", got[1].Title)
	assert.True(t, got[1].ScrapedAt.IsZero())
}

func TestOpenReadOnly_DoesNotWrite(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "viewer.db")

	// インデックスを持たず、ジャーナルモードが既定 (delete) のストア
	db, err := sqlx.Open(DriverName, path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE articles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT,
		link TEXT UNIQUE NOT NULL,
		teaser TEXT,
		image_url TEXT,
		full_text TEXT,
		scraped_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO articles (title, link, full_text) VALUES ('t', 'https://www.example.org/2024/05/01/a', 'body')`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := OpenReadOnly(ctx, path)
	require.NoError(t, err)

	assert.True(t, s.HasScrapedAt())
	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	got, err := s.Recent(ctx, RecentQuery{Limit: 5})
	require.NoError(t, err)
	require.Len(t, got, 1)

	_, _, err = s.Insert(ctx, article("https://www.example.org/2024/05/02/b"))
	assert.Error(t, err, "読み取り専用のストアには書き込めない")
	require.NoError(t, s.Close())

	db, err = sqlx.Open(DriverName, path)
	require.NoError(t, err)
	defer db.Close()

	var indexes int
	require.NoError(t, db.Get(&indexes, `SELECT COUNT(1) FROM sqlite_master WHERE type = 'index' AND name = 'idx_articles_scraped_at'`))
	assert.Zero(t, indexes, "インデックスを作成しない")
	var mode string
	require.NoError(t, db.Get(&mode, `PRAGMA journal_mode`))
	assert.Equal(t, "delete", mode, "ジャーナルモードを変更しない")
	var rows int
	require.NoError(t, db.Get(&rows, `SELECT COUNT(1) FROM articles`))
	assert.Equal(t, 1, rows)
}

func TestOpenReadOnly_Failures(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	t.Run("存在しないファイルは作成しない", func(t *testing.T) {
		path := filepath.Join(dir, "missing.db")
		_, err := OpenReadOnly(ctx, path)

		var openErr *OpenError
		require.ErrorAs(t, err, &openErr)
		_, statErr := os.Stat(path)
		assert.True(t, os.IsNotExist(statErr))
	})

	t.Run("articlesテーブルが無い", func(t *testing.T) {
		path := filepath.Join(dir, "other.db")
		db, err := sqlx.Open(DriverName, path)
		require.NoError(t, err)
		_, err = db.Exec(`CREATE TABLE jobs (id INTEGER PRIMARY KEY)`)
		require.NoError(t, err)
		require.NoError(t, db.Close())

		_, err = OpenReadOnly(ctx, path)
		var openErr *OpenError
		require.ErrorAs(t, err, &openErr)
	})

	t.Run("空のパス", func(t *testing.T) {
		_, err := OpenReadOnly(ctx, " ")
		var openErr *OpenError
		assert.ErrorAs(t, err, &openErr)
	})
}

func TestFlush(t *testing.T) {
	s := openTestStore(t)
	_, _, err := s.Insert(context.Background(), article("https://www.example.org/2024/05/01/a"))
	require.NoError(t, err)

	assert.NoError(t, s.Flush(context.Background()))
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	s := New(sqlx.NewDb(mockDB, DriverName))
	s.now = func() time.Time { return fixedNow }
	return s, mock
}

func TestInsert_RollsBackOnError(t *testing.T) {
	s, mock := newMockStore(t)
	a := article("https://www.example.org/2024/05/01/a")

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO articles").
		WithArgs(a.Title, a.Link, a.Teaser, a.ImageURL, a.FullText, "2024-05-01 12:30:45").
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	id, inserted, err := s.Insert(context.Background(), a)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "記事の保存に失敗しました")
	assert.False(t, inserted)
	assert.Zero(t, id)
	assert.Zero(t, a.ID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsert_CommitFailure(t *testing.T) {
	s, mock := newMockStore(t)
	a := article("https://www.example.org/2024/05/01/a")

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO articles").WillReturnResult(sqlmock.NewResult(7, 1))
	mock.ExpectCommit().WillReturnError(errors.New("database is locked"))

	_, inserted, err := s.Insert(context.Background(), a)
	require.Error(t, err)
	assert.False(t, inserted)
	assert.Zero(t, a.ID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsert_ConflictIsNoop(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO articles .+ ON CONFLICT\\(link\\) DO NOTHING").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	id, inserted, err := s.Insert(context.Background(), article("https://www.example.org/2024/05/01/a"))
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Zero(t, id)

	assert.NoError(t, mock.ExpectationsWereMet())
}
