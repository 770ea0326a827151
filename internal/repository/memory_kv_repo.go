package repository

import (
	"context"
	"sync"
)

// MemoryKVRepo はプロセス内マップを使用したKVStore実装。
// DATABASE_URL未設定時やテストで使用する。プロセス終了で内容は失われる。
type MemoryKVRepo struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewMemoryKVRepo はMemoryKVRepoを生成する。
func NewMemoryKVRepo() *MemoryKVRepo {
	return &MemoryKVRepo{values: make(map[string][]byte)}
}

// Get は指定キーの値のコピーを返す。見つからない場合はnil, nilを返す。
func (r *MemoryKVRepo) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.values[key]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Put は指定キーに値のコピーを保存する。
func (r *MemoryKVRepo) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	stored := make([]byte, len(value))
	copy(stored, value)

	r.mu.Lock()
	r.values[key] = stored
	r.mu.Unlock()
	return nil
}
