package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresKVRepo はPostgreSQLのuser_kvテーブルを使用したKVStore実装。
type PostgresKVRepo struct {
	db *sql.DB
}

// NewPostgresKVRepo はPostgresKVRepoを生成する。
func NewPostgresKVRepo(db *sql.DB) *PostgresKVRepo {
	return &PostgresKVRepo{db: db}
}

// Get は指定キーの値を取得する。見つからない場合はnil, nilを返す。
func (r *PostgresKVRepo) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT value FROM user_kv WHERE key = $1`,
		key,
	).Scan(&value)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get value by key: %w", err)
	}

	return value, nil
}

// Put は指定キーに値をUPSERTする。
func (r *PostgresKVRepo) Put(ctx context.Context, key string, value []byte) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO user_kv (key, value, updated_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (key) DO UPDATE SET
		   value = EXCLUDED.value,
		   updated_at = NOW()`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("failed to put value: %w", err)
	}

	return nil
}
