package event

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hewenyu/meshkit/internal/core/errs"
	"github.com/hewenyu/meshkit/internal/core/model"
)

// SqliteStore 基于sqlite的持久化事件存储
type SqliteStore struct {
	db *sql.DB
}

// NewSqliteStore 创建sqlite事件存储
func NewSqliteStore(db *sql.DB) *SqliteStore {
	return &SqliteStore{db: db}
}

// AppendEvents 原子追加一批事件
// 整批在一个事务内写入，任何一条冲突都会回滚整批
func (s *SqliteStore) AppendEvents(ctx context.Context, aggregateID string, expectedVersion int64, events []*model.AggregateEvent) ([]*model.AggregateEvent, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: 事件批次不能为空", errs.ErrInvalidConfiguration)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("开启事务失败: %w", err)
	}
	defer tx.Rollback()

	var current int64
	if err := tx.QueryRowContext(ctx, queryCurrentVersion, aggregateID).Scan(&current); err != nil {
		return nil, fmt.Errorf("查询聚合版本失败: %w", err)
	}
	if current != expectedVersion {
		return nil, fmt.Errorf("%w: 期望版本%d，当前版本%d", errs.ErrVersionConflict, expectedVersion, current)
	}

	for i, e := range events {
		want := expectedVersion + int64(i) + 1
		if e.EventVersion != want {
			return nil, fmt.Errorf("%w: 第%d条事件版本%d，期望%d",
				errs.ErrVersionConflict, i, e.EventVersion, want)
		}
		_, err := tx.ExecContext(ctx, queryInsertEvent,
			e.ID, e.AggregateID, e.AggregateType, e.EventType, e.EventVersion,
			e.EventData, e.CorrelationID, e.CausationID, e.CreatedAt.UnixMilli())
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return nil, fmt.Errorf("%w: 版本%d已被并发写入占用", errs.ErrVersionConflict, e.EventVersion)
			}
			return nil, fmt.Errorf("写入事件失败: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("提交事务失败: %w", err)
	}

	// 回读拿到autoincrement分配的全局序号
	stored := make([]*model.AggregateEvent, 0, len(events))
	for _, e := range events {
		got, err := s.getByVersion(ctx, aggregateID, e.EventVersion)
		if err != nil {
			return nil, err
		}
		stored = append(stored, got)
	}
	return stored, nil
}

// ListEvents 按版本升序返回聚合的事件
func (s *SqliteStore) ListEvents(ctx context.Context, aggregateID string, fromVersion int64) ([]*model.AggregateEvent, error) {
	rows, err := s.db.QueryContext(ctx, queryListEvents, aggregateID, fromVersion)
	if err != nil {
		return nil, fmt.Errorf("查询事件失败: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// CurrentVersion 返回聚合的当前版本
func (s *SqliteStore) CurrentVersion(ctx context.Context, aggregateID string) (int64, error) {
	var version int64
	if err := s.db.QueryRowContext(ctx, queryCurrentVersion, aggregateID).Scan(&version); err != nil {
		return 0, fmt.Errorf("查询聚合版本失败: %w", err)
	}
	return version, nil
}

// ReadStream 按全局序号升序读取事件
func (s *SqliteStore) ReadStream(ctx context.Context, afterSequence int64, limit int) ([]*model.AggregateEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, queryReadStream, afterSequence, limit)
	if err != nil {
		return nil, fmt.Errorf("读取事件流失败: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// SaveSnapshot 保存聚合快照
func (s *SqliteStore) SaveSnapshot(ctx context.Context, snapshot *model.AggregateSnapshot) error {
	_, err := s.db.ExecContext(ctx, queryInsertSnapshot,
		snapshot.AggregateID, snapshot.SnapshotVersion, snapshot.SnapshotData,
		snapshot.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("写入快照失败: %w", err)
	}
	return nil
}

// LatestSnapshot 返回版本不超过maxVersion的最新快照
func (s *SqliteStore) LatestSnapshot(ctx context.Context, aggregateID string, maxVersion int64) (*model.AggregateSnapshot, error) {
	var (
		snap      model.AggregateSnapshot
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, queryLatestSnapshot, aggregateID, maxVersion, maxVersion).
		Scan(&snap.AggregateID, &snap.SnapshotVersion, &snap.SnapshotData, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("查询快照失败: %w", err)
	}
	snap.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &snap, nil
}

func (s *SqliteStore) getByVersion(ctx context.Context, aggregateID string, version int64) (*model.AggregateEvent, error) {
	e, err := scanEvent(s.db.QueryRowContext(ctx, queryGetBySequence, aggregateID, version))
	if err != nil {
		return nil, fmt.Errorf("回读事件失败: %w", err)
	}
	return e, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*model.AggregateEvent, error) {
	var (
		e         model.AggregateEvent
		createdAt int64
	)
	err := row.Scan(&e.GlobalSequence, &e.ID, &e.AggregateID, &e.AggregateType,
		&e.EventType, &e.EventVersion, &e.EventData,
		&e.CorrelationID, &e.CausationID, &createdAt)
	if err != nil {
		return nil, err
	}
	e.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &e, nil
}

func scanEvents(rows *sql.Rows) ([]*model.AggregateEvent, error) {
	events := make([]*model.AggregateEvent, 0)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("解析事件记录失败: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
