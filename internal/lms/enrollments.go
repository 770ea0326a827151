package lms

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"time"

	"github.com/samber/lo"

	"github.com/hitoshi/coursefeed/internal/model"
)

const sourceEnrollments = "enrollments"

// EnrollmentResolver はユーザーの受講コースIDを解決する。
type EnrollmentResolver struct {
	client *Client
}

// NewEnrollmentResolver はEnrollmentResolverを生成する。
func NewEnrollmentResolver(client *Client) *EnrollmentResolver {
	return &EnrollmentResolver{client: client}
}

type enrollmentJSON struct {
	CourseID  flexID  `json:"course_id"`
	StudentID *flexID `json:"student_id"`
}

// Resolve はuserIDの受講コースIDを重複なし・出現順で返す。
// userIDが空の場合はリクエストせず空を返す。取得失敗時も空を返す。
func (r *EnrollmentResolver) Resolve(ctx context.Context, userID string) []string {
	if userID == "" {
		return []string{}
	}

	enrollments, err := r.FetchEnrollments(ctx, userID)
	if err != nil {
		r.client.logFallback(sourceEnrollments, err, slog.String("user_id", userID))
		return []string{}
	}

	ids := lo.Map(enrollments, func(e model.Enrollment, _ int) string { return e.CourseID })
	return lo.Uniq(ids)
}

// FetchEnrollments は受講登録一覧を取得する。
// student_idを持つ要素のうちuserIDと一致しないものは除外する。
func (r *EnrollmentResolver) FetchEnrollments(ctx context.Context, userID string) (_ []model.Enrollment, err error) {
	start := time.Now()
	defer func() { r.client.observe(sourceEnrollments, start, err) }()

	resp, err := r.client.get(ctx, sourceEnrollments, "enrollments", url.Values{"userId": {userID}}, acceptJSON)
	if err != nil {
		return nil, err
	}

	elems, err := decodeList(resp.body, sourceEnrollments)
	if err != nil {
		return nil, decodeError(sourceEnrollments, err)
	}

	enrollments := make([]model.Enrollment, 0, len(elems))
	for _, raw := range elems {
		var e enrollmentJSON
		if err := json.Unmarshal(raw, &e); err != nil {
			r.client.logger.Warn("受講登録の要素を解釈できないためスキップします",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if e.CourseID == "" {
			continue
		}
		if e.StudentID != nil && string(*e.StudentID) != userID {
			continue
		}
		enrollments = append(enrollments, model.Enrollment{UserID: userID, CourseID: string(e.CourseID)})
	}

	return enrollments, nil
}
