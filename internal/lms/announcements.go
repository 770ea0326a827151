package lms

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/samber/lo"

	"github.com/hitoshi/coursefeed/internal/model"
	"github.com/hitoshi/coursefeed/internal/security"
)

const (
	sourceAnnouncements = "announcements"

	acceptAnnouncements = "application/json, application/rss+xml;q=0.9, application/atom+xml;q=0.9, application/xml;q=0.8"

	// previewRunes は一覧表示用プレビューの最大文字数。
	previewRunes = 160
)

// AnnouncementRepository はお知らせプール全体を取得する。
// JSONのほか、RSS/Atomで配信されるお知らせにも対応する。
type AnnouncementRepository struct {
	client     *Client
	sanitizer  security.ContentSanitizerService
	defaultTTL time.Duration
}

// NewAnnouncementRepository はAnnouncementRepositoryを生成する。
// defaultTTLは有効期限を持たないRSS/Atom項目に適用する期間。
func NewAnnouncementRepository(client *Client, sanitizer security.ContentSanitizerService, defaultTTL time.Duration) *AnnouncementRepository {
	return &AnnouncementRepository{
		client:     client,
		sanitizer:  sanitizer,
		defaultTTL: defaultTTL,
	}
}

type announcementJSON struct {
	ID             flexID   `json:"id"`
	CourseID       flexID   `json:"courseId"`
	CourseIDSnake  flexID   `json:"course_id"`
	Title          string   `json:"title"`
	Message        string   `json:"message"`
	CreatedAt      flexTime `json:"created_at"`
	CreatedAtCamel flexTime `json:"createdAt"`
	ExpiresAt      flexTime `json:"expires_at"`
	ExpiresAtCamel flexTime `json:"expiresAt"`
}

// ListAll は全お知らせを返す。取得失敗時は空を返す。
func (r *AnnouncementRepository) ListAll(ctx context.Context) []model.Announcement {
	announcements, err := r.FetchAnnouncements(ctx)
	if err != nil {
		r.client.logFallback(sourceAnnouncements, err)
		return []model.Announcement{}
	}
	return announcements
}

// FetchAnnouncements はお知らせ一覧を取得する。
// レスポンスがXMLの場合はRSS/Atomとしてパースする。
func (r *AnnouncementRepository) FetchAnnouncements(ctx context.Context) (_ []model.Announcement, err error) {
	start := time.Now()
	defer func() { r.client.observe(sourceAnnouncements, start, err) }()

	resp, err := r.client.get(ctx, sourceAnnouncements, "announcements", nil, acceptAnnouncements)
	if err != nil {
		return nil, err
	}

	if isSyndication(resp) {
		return r.decodeSyndication(resp.body)
	}
	return r.decodeJSON(resp.body)
}

func (r *AnnouncementRepository) decodeJSON(body []byte) ([]model.Announcement, error) {
	elems, err := decodeList(body, sourceAnnouncements)
	if err != nil {
		return nil, decodeError(sourceAnnouncements, err)
	}

	announcements := make([]model.Announcement, 0, len(elems))
	for _, raw := range elems {
		var aj announcementJSON
		if err := json.Unmarshal(raw, &aj); err != nil {
			r.client.logger.Warn("お知らせの要素を解釈できないためスキップします",
				slog.String("error", err.Error()),
			)
			continue
		}
		if aj.ID == "" {
			continue
		}

		courseID := lo.Ternary(aj.CourseID != "", aj.CourseID, aj.CourseIDSnake)
		createdAt := lo.Ternary(!aj.CreatedAt.Time().IsZero(), aj.CreatedAt, aj.CreatedAtCamel)
		expiresAt := lo.Ternary(!aj.ExpiresAt.Time().IsZero(), aj.ExpiresAt, aj.ExpiresAtCamel)

		announcements = append(announcements, r.build(
			string(aj.ID), string(courseID), aj.Title, aj.Message,
			createdAt.Time(), expiresAt.Time(),
		))
	}

	return announcements, nil
}

func (r *AnnouncementRepository) decodeSyndication(body []byte) ([]model.Announcement, error) {
	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, decodeError(sourceAnnouncements, err)
	}

	announcements := make([]model.Announcement, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		if item == nil {
			continue
		}

		id := model.NormalizeID(lo.Ternary(item.GUID != "", item.GUID, item.Link))
		if id == "" {
			continue
		}

		var courseID string
		if len(item.Categories) > 0 {
			courseID = model.NormalizeID(item.Categories[0])
		}

		var createdAt time.Time
		if item.PublishedParsed != nil {
			createdAt = *item.PublishedParsed
		} else if item.UpdatedParsed != nil {
			createdAt = *item.UpdatedParsed
		}

		expiresAt := itemExpiry(item)
		if expiresAt.IsZero() && !createdAt.IsZero() {
			expiresAt = createdAt.Add(r.defaultTTL)
		}

		// Contentが空の場合はDescriptionを使用
		message := lo.Ternary(item.Content != "", item.Content, item.Description)

		announcements = append(announcements, r.build(id, courseID, item.Title, message, createdAt, expiresAt))
	}

	return announcements, nil
}

// build はタイトルをプレーンテキスト化し、本文をサニタイズしてお知らせを組み立てる。
func (r *AnnouncementRepository) build(id, courseID, title, message string, createdAt, expiresAt time.Time) model.Announcement {
	a := model.Announcement{
		ID:        id,
		CourseID:  courseID,
		Title:     title,
		Message:   message,
		CreatedAt: createdAt,
		ExpiresAt: expiresAt,
	}
	if r.sanitizer != nil {
		a.Title = r.sanitizer.PlainText(title)
		a.Message = r.sanitizer.Sanitize(message)
		a.Preview = r.sanitizer.Excerpt(a.Message, previewRunes)
	}
	return a
}

// isSyndication はレスポンスがRSS/Atom等のXMLかを判定する。
func isSyndication(resp *response) bool {
	ct := strings.ToLower(resp.contentType)
	if strings.Contains(ct, "xml") {
		return true
	}
	if strings.Contains(ct, "json") {
		return false
	}
	return bytes.HasPrefix(bytes.TrimSpace(resp.body), []byte("<"))
}

// itemExpiry はRSS/Atom項目の有効期限を探す。
// 名前空間なしの <expires> 要素、または任意の名前空間の expires/expiresAt 拡張要素を参照する。
func itemExpiry(item *gofeed.Item) time.Time {
	for _, key := range []string{"expires", "expiresAt", "expires_at"} {
		if v, ok := item.Custom[key]; ok {
			if t := parseSyndicationTime(v); !t.IsZero() {
				return t
			}
		}
	}
	for _, elements := range item.Extensions {
		for _, key := range []string{"expires", "expiresAt", "expires_at"} {
			for _, ext := range elements[key] {
				if t := parseSyndicationTime(ext.Value); !t.IsZero() {
					return t
				}
			}
		}
	}
	return time.Time{}
}

// parseSyndicationTime はRFC1123系の日時表現も受け付ける。
func parseSyndicationTime(s string) time.Time {
	if t := parseTime(s); !t.IsZero() {
		return t
	}
	for _, layout := range []string{time.RFC1123Z, time.RFC1123} {
		if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
			return t
		}
	}
	return time.Time{}
}
