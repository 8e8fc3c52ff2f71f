package breaker

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hewenyu/meshkit/internal/core/model"
)

// 全部SQL集中在这里，便于审查
const (
	queryAppendTransition = `
INSERT INTO breaker_transitions
    (breaker_name, previous_state, new_state, trigger_event, failure_count, success_count, occurred_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`

	queryListTransitions = `
SELECT id, breaker_name, previous_state, new_state, trigger_event, failure_count, success_count, occurred_at
FROM (
    SELECT * FROM breaker_transitions WHERE breaker_name = ? ORDER BY id DESC LIMIT ?
) ORDER BY id ASC`
)

// SqliteHistoryStore 实现基于sqlite的熔断历史存储
type SqliteHistoryStore struct {
	db *sql.DB
}

// NewSqliteHistoryStore 创建一个新的基于sqlite的熔断历史存储
func NewSqliteHistoryStore(db *sql.DB) *SqliteHistoryStore {
	return &SqliteHistoryStore{db: db}
}

// Append 追加一条状态转换记录
func (s *SqliteHistoryStore) Append(ctx context.Context, transition *model.BreakerTransition) error {
	res, err := s.db.ExecContext(ctx, queryAppendTransition,
		transition.BreakerName,
		string(transition.PreviousState),
		string(transition.NewState),
		transition.TriggerEvent,
		transition.FailureCount,
		transition.SuccessCount,
		transition.OccurredAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("写入熔断历史失败: %w", err)
	}

	if id, err := res.LastInsertId(); err == nil {
		transition.ID = id
	}
	return nil
}

// List 按时间顺序返回某个熔断器最近的转换记录
func (s *SqliteHistoryStore) List(ctx context.Context, breakerName string, limit int) ([]*model.BreakerTransition, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, queryListTransitions, breakerName, limit)
	if err != nil {
		return nil, fmt.Errorf("查询熔断历史失败: %w", err)
	}
	defer rows.Close()

	var result []*model.BreakerTransition
	for rows.Next() {
		var t model.BreakerTransition
		var prev, next string
		var occurredAt int64
		if err := rows.Scan(&t.ID, &t.BreakerName, &prev, &next, &t.TriggerEvent,
			&t.FailureCount, &t.SuccessCount, &occurredAt); err != nil {
			return nil, fmt.Errorf("解析熔断历史失败: %w", err)
		}
		t.PreviousState = model.BreakerState(prev)
		t.NewState = model.BreakerState(next)
		t.OccurredAt = time.UnixMilli(occurredAt)
		result = append(result, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历熔断历史失败: %w", err)
	}
	return result, nil
}
