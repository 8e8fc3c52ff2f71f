package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hewenyu/meshkit/internal/core/errs"
	"github.com/hewenyu/meshkit/internal/core/model"
)

// SqliteStore 基于sqlite的持久化队列存储
type SqliteStore struct {
	db *sql.DB
}

// NewSqliteStore 创建sqlite队列存储，表结构由迁移负责
func NewSqliteStore(db *sql.DB) *SqliteStore {
	return &SqliteStore{db: db}
}

// CreateQueue 创建队列
func (s *SqliteStore) CreateQueue(ctx context.Context, queue *model.Queue) error {
	_, err := s.db.ExecContext(ctx, queryInsertQueue,
		queue.Name,
		boolToInt(queue.Durable),
		queue.MaxSize,
		queue.MessageTTL.Milliseconds(),
		queue.DeadLetterQueue,
		queue.MaxRetries,
		queue.RetryDelay.Milliseconds(),
		queue.CreatedAt.UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errs.ErrQueueExists
		}
		return fmt.Errorf("创建队列失败: %w", err)
	}
	return nil
}

// GetQueue 查询队列配置
func (s *SqliteStore) GetQueue(ctx context.Context, name string) (*model.Queue, error) {
	row := s.db.QueryRowContext(ctx, queryGetQueue, name)
	queue, err := scanQueue(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.ErrQueueNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询队列失败: %w", err)
	}
	return queue, nil
}

// ListQueues 返回所有队列
func (s *SqliteStore) ListQueues(ctx context.Context) ([]*model.Queue, error) {
	rows, err := s.db.QueryContext(ctx, queryListQueues)
	if err != nil {
		return nil, fmt.Errorf("查询队列列表失败: %w", err)
	}
	defer rows.Close()

	queues := make([]*model.Queue, 0)
	for rows.Next() {
		queue, err := scanQueue(rows)
		if err != nil {
			return nil, fmt.Errorf("解析队列记录失败: %w", err)
		}
		queues = append(queues, queue)
	}
	return queues, rows.Err()
}

// DeleteQueue 删除队列及其消息
func (s *SqliteStore) DeleteQueue(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, queryDeleteQueue, name)
	if err != nil {
		return fmt.Errorf("删除队列失败: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("删除队列失败: %w", err)
	}
	if affected == 0 {
		return errs.ErrQueueNotFound
	}
	if _, err := tx.ExecContext(ctx, queryDeleteQueueMessages, name); err != nil {
		return fmt.Errorf("删除队列消息失败: %w", err)
	}
	return tx.Commit()
}

// Enqueue 消息入队，容量检查和写入在同一事务内完成
func (s *SqliteStore) Enqueue(ctx context.Context, msg *model.QueueMessage, maxSize int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM queues WHERE name = ?`, msg.QueueName).Scan(&exists); err != nil {
		return fmt.Errorf("查询队列失败: %w", err)
	}
	if exists == 0 {
		return errs.ErrQueueNotFound
	}

	if maxSize > 0 {
		var active int
		if err := tx.QueryRowContext(ctx, queryCountActive, msg.QueueName).Scan(&active); err != nil {
			return fmt.Errorf("统计队列消息失败: %w", err)
		}
		if active >= maxSize {
			return errs.ErrQueueFull
		}
	}

	headers, err := marshalHeaders(msg.Headers)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, queryInsertMessage,
		msg.ID, msg.QueueName, msg.Payload, headers,
		msg.Priority, string(msg.Status), msg.RetryCount, msg.ScheduledFor.UnixMilli(),
		msg.ClaimedBy, msg.CorrelationID, msg.CausationID, msg.LastError,
		msg.EnqueuedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("写入消息失败: %w", err)
	}
	return tx.Commit()
}

// GetMessage 按ID查询消息
func (s *SqliteStore) GetMessage(ctx context.Context, id string) (*model.QueueMessage, error) {
	row := s.db.QueryRowContext(ctx, queryGetMessage, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询消息失败: %w", err)
	}
	return msg, nil
}

// Claim 原子认领一条可消费消息
// 先选候选再条件UPDATE，UPDATE未命中说明被其他worker抢先，重新选取
func (s *SqliteStore) Claim(ctx context.Context, queueName, workerID string, now time.Time) (*model.QueueMessage, error) {
	if _, err := s.GetQueue(ctx, queueName); err != nil {
		return nil, err
	}

	nowMs := now.UnixMilli()
	for {
		var id string
		err := s.db.QueryRowContext(ctx, querySelectClaimable, queueName, nowMs).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("查询可认领消息失败: %w", err)
		}

		result, err := s.db.ExecContext(ctx, queryClaimMessage, workerID, nowMs, id, nowMs)
		if err != nil {
			return nil, fmt.Errorf("认领消息失败: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("认领消息失败: %w", err)
		}
		if affected == 1 {
			return s.GetMessage(ctx, id)
		}
	}
}

// MarkCompleted 消息处理成功
func (s *SqliteStore) MarkCompleted(ctx context.Context, id, workerID string, now time.Time) error {
	return s.conditionalUpdate(ctx, id, queryMarkCompleted, now.UnixMilli(), id, workerID)
}

// MarkRetry 消息处理失败，调度下一次重试
func (s *SqliteStore) MarkRetry(ctx context.Context, id, workerID, lastError string, scheduledFor time.Time) error {
	return s.conditionalUpdate(ctx, id, queryMarkRetry, lastError, scheduledFor.UnixMilli(), id, workerID)
}

// MarkDeadLetter 消息进入死信终态
func (s *SqliteStore) MarkDeadLetter(ctx context.Context, id, lastError string, now time.Time) error {
	return s.conditionalUpdate(ctx, id, queryMarkDeadLetter, lastError, now.UnixMilli(), id)
}

// ListMessages 查询队列内消息
func (s *SqliteStore) ListMessages(ctx context.Context, queueName string, status model.MessageStatus, limit int) ([]*model.QueueMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, queryListMessages, queueName, string(status), string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("查询消息列表失败: %w", err)
	}
	defer rows.Close()

	messages := make([]*model.QueueMessage, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("解析消息记录失败: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// ExpirePending 批量过期超过TTL的pending消息
func (s *SqliteStore) ExpirePending(ctx context.Context, queueName string, cutoff, now time.Time) ([]*model.QueueMessage, error) {
	rows, err := s.db.QueryContext(ctx, querySelectExpired, queueName, cutoff.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("查询过期消息失败: %w", err)
	}
	candidates := make([]*model.QueueMessage, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("解析消息记录失败: %w", err)
		}
		candidates = append(candidates, msg)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	nowMs := now.UnixMilli()
	expired := make([]*model.QueueMessage, 0, len(candidates))
	for _, msg := range candidates {
		result, err := s.db.ExecContext(ctx, queryExpireMessage, nowMs, msg.ID)
		if err != nil {
			return nil, fmt.Errorf("过期消息失败: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("过期消息失败: %w", err)
		}
		if affected == 1 {
			completedAt := now
			msg.Status = model.MessageDeadLetter
			msg.LastError = "message ttl expired"
			msg.CompletedAt = &completedAt
			expired = append(expired, msg)
		}
	}
	return expired, nil
}

// CountActive 统计未完结消息数
func (s *SqliteStore) CountActive(ctx context.Context, queueName string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, queryCountActive, queueName).Scan(&count); err != nil {
		return 0, fmt.Errorf("统计队列消息失败: %w", err)
	}
	return count, nil
}

// conditionalUpdate 执行条件UPDATE，未命中时区分消息不存在和状态不符
func (s *SqliteStore) conditionalUpdate(ctx context.Context, id, query string, args ...interface{}) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("更新消息状态失败: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新消息状态失败: %w", err)
	}
	if affected == 1 {
		return nil
	}
	if _, err := s.GetMessage(ctx, id); err != nil {
		return err
	}
	return errs.ErrInvalidStateTransition
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanQueue(row rowScanner) (*model.Queue, error) {
	var (
		queue     model.Queue
		durable   int
		ttlMs     int64
		delayMs   int64
		createdAt int64
	)
	err := row.Scan(&queue.Name, &durable, &queue.MaxSize, &ttlMs,
		&queue.DeadLetterQueue, &queue.MaxRetries, &delayMs, &createdAt)
	if err != nil {
		return nil, err
	}
	queue.Durable = durable != 0
	queue.MessageTTL = time.Duration(ttlMs) * time.Millisecond
	queue.RetryDelay = time.Duration(delayMs) * time.Millisecond
	queue.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &queue, nil
}

func scanMessage(row rowScanner) (*model.QueueMessage, error) {
	var (
		msg          model.QueueMessage
		headers      string
		status       string
		scheduledFor int64
		claimedAt    sql.NullInt64
		enqueuedAt   int64
		completedAt  sql.NullInt64
	)
	err := row.Scan(&msg.ID, &msg.QueueName, &msg.Payload, &headers,
		&msg.Priority, &status, &msg.RetryCount, &scheduledFor,
		&msg.ClaimedBy, &claimedAt, &msg.CorrelationID, &msg.CausationID,
		&msg.LastError, &enqueuedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	msg.Status = model.MessageStatus(status)
	msg.ScheduledFor = time.UnixMilli(scheduledFor).UTC()
	msg.EnqueuedAt = time.UnixMilli(enqueuedAt).UTC()
	if claimedAt.Valid {
		t := time.UnixMilli(claimedAt.Int64).UTC()
		msg.ClaimedAt = &t
	}
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64).UTC()
		msg.CompletedAt = &t
	}
	if headers != "" && headers != "{}" {
		if err := json.Unmarshal([]byte(headers), &msg.Headers); err != nil {
			return nil, fmt.Errorf("解析消息头失败: %w", err)
		}
	}
	return &msg, nil
}

func marshalHeaders(headers map[string]string) (string, error) {
	if len(headers) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(headers)
	if err != nil {
		return "", fmt.Errorf("序列化消息头失败: %w", err)
	}
	return string(data), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueViolation 判断是否为唯一约束冲突
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
