// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, feed, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeFeedNotReady   = "FEED_NOT_READY"
	ErrCodeStaleSession   = "STALE_SESSION"
	ErrCodeInvalidRequest = "INVALID_REQUEST"
)

// NewFeedNotReadyError はフィード未準備エラーを生成する。
func NewFeedNotReadyError() *APIError {
	return &APIError{
		Code:     ErrCodeFeedNotReady,
		Message:  "フィードの読み込みが完了していません。",
		Category: "feed",
		Action:   "フィードの読み込み完了後に再度お試しください。",
	}
}

// NewStaleSessionError は別ユーザーへの切り替えで無効になったセッションのエラーを生成する。
func NewStaleSessionError() *APIError {
	return &APIError{
		Code:     ErrCodeStaleSession,
		Message:  "読み込み中にユーザーが切り替わりました。",
		Category: "feed",
		Action:   "現在のユーザーのフィードを再取得してください。",
	}
}

// NewInvalidRequestError はリクエスト不正エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	}
}

// ErrTransport はLMS APIへのフェッチ（通信・パース）失敗を表す。
var ErrTransport = errors.New("transport failure")

// TransportError はフェッチ失敗の詳細を保持する。
// errors.Is(err, ErrTransport) で判定できる。
type TransportError struct {
	Source string // enrollments, courses, announcements
	Reason string // network, status, too_large, decode, canceled
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s の取得に失敗しました: %v", e.Source, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// PersistenceError は永続ストア操作失敗の詳細を保持する。
type PersistenceError struct {
	Op  string // load, save
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("永続ストアの%sに失敗しました (key=%s): %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
