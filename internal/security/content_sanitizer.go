// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ContentSanitizerService はLMSから取得したお知らせ本文をサニタイズし、
// 埋め込み先アプリケーションをXSSから保護する。
// bluemondayライブラリを使用した許可リストベースのポリシーで、
// 安全なタグと属性のみを通過させる。
package security

import (
	"bytes"
	stdhtml "html"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

// ContentSanitizerService はお知らせのHTMLを安全化するインターフェースを定義する。
type ContentSanitizerService interface {
	// Sanitize はお知らせ本文のHTMLをサニタイズして安全なHTMLを返す。
	// 許可タグ（p, br, a, ul, ol, li, blockquote, pre, code, strong, em, img）のみを通過させる。
	Sanitize(rawHTML string) string

	// PlainText は全てのタグを除去し、エンティティを復元したテキストを返す。
	// お知らせのタイトルに使用する。
	PlainText(raw string) string

	// Excerpt はサニタイズ済みHTMLから最大maxRunes文字のプレビュー文字列を生成する。
	Excerpt(sanitizedHTML string, maxRunes int) string
}

// contentSanitizer はContentSanitizerServiceの実装。
// bluemondayのポリシーを保持し、スレッドセーフにサニタイズ処理を行う。
type contentSanitizer struct {
	policy *bluemonday.Policy
	strict *bluemonday.Policy
}

// NewContentSanitizer はContentSanitizerServiceの新しいインスタンスを生成する。
// ポリシーの内容:
//   - 許可タグ: p, br, a, ul, ol, li, blockquote, pre, code, strong, em, img
//   - imgのsrc属性: httpsスキームのみ許可
//   - aタグ: target="_blank" と rel="noopener noreferrer" を自動付与
func NewContentSanitizer() *contentSanitizer {
	p := bluemonday.NewPolicy()

	// script, iframe, style等は許可リストに含めないことで除去される
	p.AllowElements(
		"p", "br", "ul", "ol", "li",
		"blockquote", "pre", "code",
		"strong", "em",
	)

	p.AllowAttrs("href").OnElements("a")
	p.AllowRelativeURLs(false)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	p.AllowAttrs("src").OnElements("img")
	p.AllowAttrs("alt").OnElements("img")
	p.AllowURLSchemeWithCustomPolicy("https", func(u *url.URL) bool {
		return true
	})

	return &contentSanitizer{
		policy: p,
		strict: bluemonday.StrictPolicy(),
	}
}

// Sanitize はHTMLコンテンツをサニタイズして安全なHTMLを返す。
func (s *contentSanitizer) Sanitize(rawHTML string) string {
	return strings.TrimSpace(s.policy.Sanitize(rawHTML))
}

// PlainText は全タグを除去したテキストを返す。
// StrictPolicyはエンティティをエスケープして返すため、最後に復元する。
func (s *contentSanitizer) PlainText(raw string) string {
	return strings.TrimSpace(stdhtml.UnescapeString(s.strict.Sanitize(raw)))
}

// Excerpt はサニタイズ済みHTMLのテキストノードを連結し、空白を正規化して切り詰める。
// 切り詰めた場合は末尾に「…」を付与する。
func (s *contentSanitizer) Excerpt(sanitizedHTML string, maxRunes int) string {
	if sanitizedHTML == "" || maxRunes <= 0 {
		return ""
	}

	var b strings.Builder
	tokenizer := html.NewTokenizer(bytes.NewReader([]byte(sanitizedHTML)))

loop:
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			// io.EOFを含め、ここで走査を終了する
			break loop
		case html.TextToken:
			b.Write(tokenizer.Text())
		case html.StartTagToken, html.EndTagToken, html.SelfClosingTagToken:
			// ブロック要素・改行の境界で単語が連結されないよう空白を挟む
			name, _ := tokenizer.TagName()
			switch string(name) {
			case "p", "br", "li", "blockquote", "pre":
				b.WriteByte(' ')
			}
		}
	}

	text := strings.Join(strings.Fields(b.String()), " ")
	if utf8.RuneCountInString(text) <= maxRunes {
		return text
	}

	runes := []rune(text)
	return strings.TrimSpace(string(runes[:maxRunes])) + "…"
}
