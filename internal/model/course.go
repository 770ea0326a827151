// Package model はドメインモデルを定義する。
package model

// Course はコースカタログの1件を表す。
// フィードでは表示用の補完（コース名）にのみ使用する。
type Course struct {
	ID    string
	Title string
}

// Enrollment はユーザーとコースの受講関係を表す。
type Enrollment struct {
	UserID   string
	CourseID string
}
