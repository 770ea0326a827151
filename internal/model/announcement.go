// Package model はドメインモデルを定義する。
package model

import (
	"sort"
	"time"
)

// Announcement はコース単位のお知らせを表す。
type Announcement struct {
	ID        string
	CourseID  string
	Title     string // プレーンテキスト
	Message   string // サニタイズ済みHTML
	Preview   string // 一覧表示用の抜粋
	CreatedAt time.Time
	ExpiresAt time.Time
}

// IsLive はnow時点でお知らせが有効期限内かを返す。
// ExpiresAtがnowより厳密に後の場合のみ有効とする。
func (a Announcement) IsLive(now time.Time) bool {
	return a.ExpiresAt.After(now)
}

// FeedEntry はフィードに表示する1件の派生データ。
// 保存されず、入力が変わるたびに再計算される。
type FeedEntry struct {
	Announcement Announcement
	Course       *Course // コースが見つからない場合はnil
	IsRead       bool
}

// ReadSet はユーザーが既読にしたお知らせIDの集合。
type ReadSet map[string]struct{}

// NewReadSet は指定IDを含むReadSetを生成する。
func NewReadSet(ids ...string) ReadSet {
	s := make(ReadSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Contains はidが既読集合に含まれるかを返す。
func (s ReadSet) Contains(id string) bool {
	_, ok := s[id]
	return ok
}

// Add はidを既読集合に追加する。追加された場合はtrueを返す。
func (s ReadSet) Add(id string) bool {
	if _, ok := s[id]; ok {
		return false
	}
	s[id] = struct{}{}
	return true
}

// IDs は既読IDを昇順で返す。
func (s ReadSet) IDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clone はReadSetのコピーを返す。
func (s ReadSet) Clone() ReadSet {
	c := make(ReadSet, len(s))
	for id := range s {
		c[id] = struct{}{}
	}
	return c
}
