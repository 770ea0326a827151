package composer

import (
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/hitoshi/coursefeed/internal/model"
)

// FilterLive は受講中コースに属し、nowより後に期限が切れるお知らせのみを残す。
// 入力順は保持する。
func FilterLive(announcements []model.Announcement, enrolledCourseIDs []string, now time.Time) []model.Announcement {
	enrolled := lo.SliceToMap(enrolledCourseIDs, func(id string) (string, struct{}) {
		return model.NormalizeID(id), struct{}{}
	})

	return lo.Filter(announcements, func(a model.Announcement, _ int) bool {
		if _, ok := enrolled[model.NormalizeID(a.CourseID)]; !ok {
			return false
		}
		return a.IsLive(now)
	})
}

// SortByRecency はCreatedAtの降順に並べ替えたコピーを返す。
// 同時刻のお知らせは入力順を保つ。
func SortByRecency(announcements []model.Announcement) []model.Announcement {
	sorted := make([]model.Announcement, len(announcements))
	copy(sorted, announcements)

	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})
	return sorted
}

// Annotate はお知らせに既読フラグとコース情報を付与する。
// コースが見つからない場合、Courseはnilのままとする。
func Annotate(announcements []model.Announcement, readSet model.ReadSet, courses []model.Course) []model.FeedEntry {
	entries := lo.Map(announcements, func(a model.Announcement, _ int) model.FeedEntry {
		return model.FeedEntry{
			Announcement: a,
			IsRead:       readSet.Contains(a.ID),
		}
	})
	return AttachCourses(entries, courses)
}

// AttachCourses はエントリにコース情報を付与したコピーを返す。
// 既読フラグと並び順は変更しない。
func AttachCourses(entries []model.FeedEntry, courses []model.Course) []model.FeedEntry {
	byID := lo.KeyBy(courses, func(c model.Course) string {
		return model.NormalizeID(c.ID)
	})

	return lo.Map(entries, func(e model.FeedEntry, _ int) model.FeedEntry {
		e.Course = nil
		if course, ok := byID[model.NormalizeID(e.Announcement.CourseID)]; ok {
			e.Course = &course
		}
		return e
	})
}
