package discovery

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// articlePathPattern は /YYYY/MM/DD/slug 形式の記事パスに一致します。
var articlePathPattern = regexp.MustCompile(`^/\d{4}/\d{2}/\d{2}/[^/]+`)

// mediaPlayerSegments のいずれかと一致するパスセグメントを持つURLはメディアプレイヤーとして除外します。
// スラッグ中の単語 (例: nba-player-traded) は対象外です。
var mediaPlayerSegments = map[string]struct{}{
	"player": {},
	"embed":  {},
}

// LinkSet は候補URLの集合です。同じURLは1つにまとめられます。
type LinkSet map[string]struct{}

// Add はリンクを追加し、新規だった場合に true を返します。
func (s LinkSet) Add(link string) bool {
	if _, ok := s[link]; ok {
		return false
	}
	s[link] = struct{}{}
	return true
}

// Merge は other のすべてのリンクを取り込みます。
func (s LinkSet) Merge(other LinkSet) {
	for link := range other {
		s[link] = struct{}{}
	}
}

// Len は集合の要素数を返します。
func (s LinkSet) Len() int {
	return len(s)
}

// Sorted は辞書順に並べたリンクのスライスを返します。
func (s LinkSet) Sorted() []string {
	links := make([]string, 0, len(s))
	for link := range s {
		links = append(links, link)
	}
	sort.Strings(links)
	return links
}

// Matcher は、対象サイトの記事URLかどうかを判定し、正規化します。
type Matcher struct {
	base   *url.URL
	domain string // 登録可能ドメイン (eTLD+1)。IPアドレスの場合は空
}

// NewMatcher はサイトのルートURLから Matcher を生成します。
func NewMatcher(baseURL string) (*Matcher, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("ベースURLのパースエラー: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("無効なURLスキームです。httpまたはhttpsを指定してください: %s", baseURL)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("ベースURLにホストがありません: %s", baseURL)
	}

	m := &Matcher{base: base}
	hostname := strings.ToLower(base.Hostname())
	if net.ParseIP(hostname) == nil {
		if domain, err := publicsuffix.EffectiveTLDPlusOne(hostname); err == nil {
			m.domain = domain
		}
	}
	return m, nil
}

// Resolve はサイトルートからの相対パスを絶対URLに解決します。
func (m *Matcher) Resolve(path string) (*url.URL, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("パス(%s)のパースエラー: %w", path, err)
	}
	return m.base.ResolveReference(ref), nil
}

// Candidate は、ページ上の href を解決し、記事URLであれば正規化済みURLを返します。
func (m *Matcher) Candidate(pageURL *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	if pageURL == nil {
		pageURL = m.base
	}
	return m.check(pageURL.ResolveReference(ref))
}

// Match は絶対URL (例: フィードのリンク) を判定します。
func (m *Matcher) Match(rawURL string) (string, bool) {
	return m.Candidate(nil, rawURL)
}

// SameSite は、URL が対象サイトに属するかどうかを返します。
func (m *Matcher) SameSite(u *url.URL) bool {
	if u == nil {
		return false
	}
	if strings.EqualFold(u.Host, m.base.Host) {
		return true
	}
	if m.domain == "" {
		return false
	}
	hostname := strings.ToLower(u.Hostname())
	if net.ParseIP(hostname) != nil {
		return false
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(hostname)
	return err == nil && domain == m.domain
}

func (m *Matcher) check(u *url.URL) (string, bool) {
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	if !m.SameSite(u) {
		return "", false
	}
	if strings.HasSuffix(u.Path, "/") || !articlePathPattern.MatchString(u.Path) {
		return "", false
	}
	for _, segment := range strings.Split(u.Path, "/") {
		if _, ok := mediaPlayerSegments[strings.ToLower(segment)]; ok {
			return "", false
		}
	}
	return canonicalize(u), true
}

// canonicalize はフラグメントとクエリを取り除き、スキームとホストを小文字にします。
func canonicalize(u *url.URL) string {
	c := *u
	c.Scheme = strings.ToLower(c.Scheme)
	c.Host = strings.ToLower(c.Host)
	c.Fragment = ""
	c.RawFragment = ""
	c.RawQuery = ""
	c.ForceQuery = false
	c.User = nil
	return c.String()
}
