// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
)

// KVStore はユーザー単位の小さな値を保存するキー・バリューストアのインターフェース。
// 値はJSONエンコード済みのバイト列として扱う。
type KVStore interface {
	// Get は指定キーの値を取得する。見つからない場合はnil, nilを返す。
	Get(ctx context.Context, key string) ([]byte, error)

	// Put は指定キーに値を保存する。既存の値は上書きされる。
	Put(ctx context.Context, key string, value []byte) error
}
