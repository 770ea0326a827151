// Package readstate はユーザーごとの既読お知らせIDの永続化を提供する。
package readstate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hitoshi/coursefeed/internal/metrics"
	"github.com/hitoshi/coursefeed/internal/model"
	"github.com/hitoshi/coursefeed/internal/repository"
)

// keyPrefix は永続キーの接頭辞。キーは keyPrefix + userID となる。
const keyPrefix = "readAnnouncements_"

// Key はユーザーIDから永続キーを導出する。
func Key(userID string) string {
	return keyPrefix + userID
}

// Store は既読集合をKVStoreに保存する。
// Load/Saveはいずれも失敗を呼び出し元に返さない。
type Store struct {
	kv      repository.KVStore
	logger  *slog.Logger
	metrics metrics.MetricsCollector
}

// NewStore はStoreを生成する。metricsはnilでもよい。
func NewStore(kv repository.KVStore, logger *slog.Logger, m metrics.MetricsCollector) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{kv: kv, logger: logger, metrics: m}
}

// Load はユーザーの既読集合を読み込む。
// キーが存在しない場合、データが壊れている場合、ストアが失敗した場合はいずれも空集合を返す。
func (s *Store) Load(ctx context.Context, userID string) model.ReadSet {
	set, err := s.load(ctx, userID)
	if errors.Is(err, context.Canceled) {
		// 呼び出し元の中断（ユーザー切り替え等）はストアの失敗として扱わない
		s.logger.Debug("既読状態の読み込みが中断されました", slog.String("user_id", userID))
		return model.NewReadSet()
	}
	if err != nil {
		s.logger.Warn("既読状態の読み込みに失敗しました。空として扱います",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		s.recordFailure("load")
		return model.NewReadSet()
	}
	return set
}

// Save はユーザーの既読集合を保存する。失敗はログに記録するのみ。
func (s *Store) Save(ctx context.Context, userID string, set model.ReadSet) {
	if err := s.save(ctx, userID, set); err != nil {
		s.logger.Error("既読状態の保存に失敗しました",
			slog.String("user_id", userID),
			slog.Int("count", len(set)),
			slog.String("error", err.Error()),
		)
		s.recordFailure("save")
	}
}

func (s *Store) load(ctx context.Context, userID string) (model.ReadSet, error) {
	key := Key(userID)

	raw, err := s.kv.Get(ctx, key)
	if err != nil {
		return nil, &model.PersistenceError{Op: "load", Key: key, Err: err}
	}
	if raw == nil {
		return model.NewReadSet(), nil
	}

	ids, err := decodeIDs(raw)
	if err != nil {
		return nil, &model.PersistenceError{Op: "load", Key: key, Err: err}
	}
	return model.NewReadSet(ids...), nil
}

func (s *Store) save(ctx context.Context, userID string, set model.ReadSet) error {
	key := Key(userID)

	ids := set.IDs()
	raw, err := json.Marshal(ids)
	if err != nil {
		return &model.PersistenceError{Op: "save", Key: key, Err: err}
	}
	if err := s.kv.Put(ctx, key, raw); err != nil {
		return &model.PersistenceError{Op: "save", Key: key, Err: err}
	}
	return nil
}

func (s *Store) recordFailure(op string) {
	if s.metrics != nil {
		s.metrics.RecordPersistenceFailure(op)
	}
}

// decodeIDs はJSON配列を文字列IDのスライスにデコードする。
// 各要素はお知らせIDと同じ規則で正規化し、null要素と空IDは無視する。
func decodeIDs(raw []byte) ([]string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(trimmed, &elems); err != nil {
		return nil, fmt.Errorf("failed to decode read ids: %w", err)
	}

	ids := make([]string, 0, len(elems))
	for _, e := range elems {
		id, err := model.DecodeID(e)
		if err != nil {
			return nil, fmt.Errorf("unsupported read id element: %s", e)
		}
		if id == "" {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}
