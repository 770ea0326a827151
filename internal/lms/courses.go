package lms

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hitoshi/coursefeed/internal/model"
)

const sourceCourses = "courses"

// CourseCatalog はコースカタログを取得する。表示用の補完にのみ使用される。
type CourseCatalog struct {
	client *Client
}

// NewCourseCatalog はCourseCatalogを生成する。
func NewCourseCatalog(client *Client) *CourseCatalog {
	return &CourseCatalog{client: client}
}

type courseJSON struct {
	ID    flexID `json:"id"`
	Title string `json:"title"`
}

// ListAll は全コースを返す。取得失敗時は空を返す。
func (c *CourseCatalog) ListAll(ctx context.Context) []model.Course {
	courses, err := c.FetchCourses(ctx)
	if err != nil {
		c.client.logFallback(sourceCourses, err)
		return []model.Course{}
	}
	return courses
}

// FetchCourses はコース一覧を取得する。
// レスポンスは配列そのもの、または {"courses": [...]} のいずれも受け付ける。
func (c *CourseCatalog) FetchCourses(ctx context.Context) (_ []model.Course, err error) {
	start := time.Now()
	defer func() { c.client.observe(sourceCourses, start, err) }()

	resp, err := c.client.get(ctx, sourceCourses, "courses", nil, acceptJSON)
	if err != nil {
		return nil, err
	}

	elems, err := decodeList(resp.body, sourceCourses)
	if err != nil {
		return nil, decodeError(sourceCourses, err)
	}

	courses := make([]model.Course, 0, len(elems))
	for _, raw := range elems {
		var cj courseJSON
		if err := json.Unmarshal(raw, &cj); err != nil {
			c.client.logger.Warn("コースの要素を解釈できないためスキップします",
				slog.String("error", err.Error()),
			)
			continue
		}
		if cj.ID == "" {
			continue
		}
		courses = append(courses, model.Course{ID: string(cj.ID), Title: cj.Title})
	}

	return courses, nil
}
