package cmd

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shouni/go-news-harvester/pkg/types"
)

func TestEnsureScheme(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "スキームなしはhttpsを補完", input: "www.example.org/2024/05/01/a", want: "https://www.example.org/2024/05/01/a"},
		{name: "httpはそのまま", input: "http://www.example.org", want: "http://www.example.org"},
		{name: "httpsはそのまま", input: "https://www.example.org", want: "https://www.example.org"},
		{name: "前後の空白を除去", input: "  https://www.example.org  ", want: "https://www.example.org"},
		{name: "ftpはエラー", input: "ftp://www.example.org", wantErr: true},
		{name: "空はエラー", input: " ", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ensureScheme(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadURL(t *testing.T) {
	got, err := readURL(strings.NewReader("  https://www.example.org/2024/05/01/a \nignored\n"))
	require.NoError(t, err)
	assert.Equal(t, "https://www.example.org/2024/05/01/a", got)

	_, err = readURL(strings.NewReader(""))
	assert.Error(t, err)
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "short", preview("short", 10))
	assert.Equal(t, "abc...", preview("abcdef", 3))
	assert.Equal(t, "日本語...", preview("日本語のテキスト", 3))
}

func TestPrintStats(t *testing.T) {
	var buf bytes.Buffer
	printStats(&buf, 2, []string{"id", "title", "link"}, []types.Article{
		{ID: 2, Title: "Second", Link: "https://www.example.org/2024/05/02/b", FullText: strings.Repeat("x", 500),
			ScrapedAt: time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)},
		{ID: 1, Title: "First", Link: "https://www.example.org/2024/05/01/a"},
	})

	out := buf.String()
	assert.Contains(t, out, "記事数: 2")
	assert.Contains(t, out, "列: id, title, link")
	assert.Contains(t, out, "[2] Second")
	assert.Contains(t, out, "取得日時: 2024-05-02 09:00:00")
	assert.Contains(t, out, strings.Repeat("x", previewLength)+"...")
	assert.NotContains(t, out, strings.Repeat("x", previewLength+1))
	assert.Equal(t, 1, strings.Count(out, "取得日時"))
}
