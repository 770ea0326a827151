package repository

import (
	"bytes"
	"context"
	"testing"
)

// PostgresKVRepoはKVStoreインターフェースを満たすことを検証
func TestPostgresKVRepo_ImplementsInterface(t *testing.T) {
	var _ KVStore = (*PostgresKVRepo)(nil)
}

// MemoryKVRepoはKVStoreインターフェースを満たすことを検証
func TestMemoryKVRepo_ImplementsInterface(t *testing.T) {
	var _ KVStore = (*MemoryKVRepo)(nil)
}

// NewPostgresKVRepoが正しく初期化されることを検証
func TestNewPostgresKVRepo_Initializes(t *testing.T) {
	repo := NewPostgresKVRepo(nil)
	if repo == nil {
		t.Fatal("expected non-nil repo")
	}
}

func TestMemoryKVRepo_Get_MissingKeyReturnsNil(t *testing.T) {
	repo := NewMemoryKVRepo()

	v, err := repo.Get(context.Background(), "readAnnouncements_u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != nil {
		t.Errorf("expected nil value, got %q", v)
	}
}

func TestMemoryKVRepo_PutThenGet(t *testing.T) {
	repo := NewMemoryKVRepo()
	ctx := context.Background()

	if err := repo.Put(ctx, "k", []byte(`["a1"]`)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	v, err := repo.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(v, []byte(`["a1"]`)) {
		t.Errorf("Get = %q, want %q", v, `["a1"]`)
	}
}

func TestMemoryKVRepo_Put_Overwrites(t *testing.T) {
	repo := NewMemoryKVRepo()
	ctx := context.Background()

	_ = repo.Put(ctx, "k", []byte("old"))
	_ = repo.Put(ctx, "k", []byte("new"))

	v, _ := repo.Get(ctx, "k")
	if string(v) != "new" {
		t.Errorf("Get = %q, want %q", v, "new")
	}
}

// 保存後に呼び出し側のスライスを書き換えても格納値に影響しないことを検証
func TestMemoryKVRepo_StoresCopy(t *testing.T) {
	repo := NewMemoryKVRepo()
	ctx := context.Background()

	buf := []byte("abc")
	_ = repo.Put(ctx, "k", buf)
	buf[0] = 'x'

	v, _ := repo.Get(ctx, "k")
	if string(v) != "abc" {
		t.Errorf("stored value mutated: got %q", v)
	}

	v[1] = 'y'
	again, _ := repo.Get(ctx, "k")
	if string(again) != "abc" {
		t.Errorf("returned slice aliases storage: got %q", again)
	}
}

func TestMemoryKVRepo_CanceledContext(t *testing.T) {
	repo := NewMemoryKVRepo()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := repo.Put(ctx, "k", []byte("v")); err == nil {
		t.Error("expected error from Put with canceled context")
	}
	if _, err := repo.Get(ctx, "k"); err == nil {
		t.Error("expected error from Get with canceled context")
	}
}
