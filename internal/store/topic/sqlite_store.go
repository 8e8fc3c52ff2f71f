package topic

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

// SqliteStore 基于sqlite的持久化主题存储
type SqliteStore struct {
	db *sql.DB
}

// NewSqliteStore 创建sqlite主题存储
func NewSqliteStore(db *sql.DB) *SqliteStore {
	return &SqliteStore{db: db}
}

// CreateTopic 创建主题
func (s *SqliteStore) CreateTopic(ctx context.Context, topic *model.Topic) error {
	durable := 0
	if topic.Durable {
		durable = 1
	}
	_, err := s.db.ExecContext(ctx, queryInsertTopic,
		topic.Name, topic.PartitionCount, topic.RetentionPeriod.Milliseconds(),
		durable, topic.CreatedAt.UnixMilli())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return errs.ErrTopicExists
		}
		return fmt.Errorf("创建主题失败: %w", err)
	}
	return nil
}

// GetTopic 查询主题
func (s *SqliteStore) GetTopic(ctx context.Context, name string) (*model.Topic, error) {
	topic, err := scanTopic(s.db.QueryRowContext(ctx, queryGetTopic, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.ErrTopicNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询主题失败: %w", err)
	}
	return topic, nil
}

// ListTopics 返回所有主题
func (s *SqliteStore) ListTopics(ctx context.Context) ([]*model.Topic, error) {
	rows, err := s.db.QueryContext(ctx, queryListTopics)
	if err != nil {
		return nil, fmt.Errorf("查询主题列表失败: %w", err)
	}
	defer rows.Close()

	topics := make([]*model.Topic, 0)
	for rows.Next() {
		topic, err := scanTopic(rows)
		if err != nil {
			return nil, fmt.Errorf("解析主题记录失败: %w", err)
		}
		topics = append(topics, topic)
	}
	return topics, rows.Err()
}

// DeleteTopic 删除主题及其日志和订阅
func (s *SqliteStore) DeleteTopic(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, queryDeleteTopic, name)
	if err != nil {
		return fmt.Errorf("删除主题失败: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("删除主题失败: %w", err)
	}
	if affected == 0 {
		return errs.ErrTopicNotFound
	}
	if _, err := tx.ExecContext(ctx, queryDeleteTopicMessages, name); err != nil {
		return fmt.Errorf("删除主题日志失败: %w", err)
	}
	if _, err := tx.ExecContext(ctx, queryDeleteTopicSubs, name); err != nil {
		return fmt.Errorf("删除主题订阅失败: %w", err)
	}
	return tx.Commit()
}

// Append 追加消息并分配offset，分配和写入在同一事务内完成
func (s *SqliteStore) Append(ctx context.Context, msg *model.PublishedMessage) (*model.PublishedMessage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("开启事务失败: %w", err)
	}
	defer tx.Rollback()

	var offset int64
	err = tx.QueryRowContext(ctx, querySelectNextOffset, msg.Topic).Scan(&offset)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.ErrTopicNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("分配offset失败: %w", err)
	}
	if _, err := tx.ExecContext(ctx, queryBumpNextOffset, msg.Topic); err != nil {
		return nil, fmt.Errorf("分配offset失败: %w", err)
	}

	headers, err := marshalHeaders(msg.Headers)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, queryInsertMessage,
		msg.Topic, offset, msg.Partition, msg.Payload, headers, msg.PublishedAt.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("写入主题日志失败: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("提交事务失败: %w", err)
	}

	stored := *msg
	stored.Offset = offset
	return &stored, nil
}

// Read 按offset升序读取消息
func (s *SqliteStore) Read(ctx context.Context, topicName string, fromOffset int64, limit int) ([]*model.PublishedMessage, error) {
	if _, err := s.GetTopic(ctx, topicName); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, queryReadMessages, topicName, fromOffset, limit)
	if err != nil {
		return nil, fmt.Errorf("读取主题日志失败: %w", err)
	}
	defer rows.Close()

	messages := make([]*model.PublishedMessage, 0)
	for rows.Next() {
		msg, err := scanPublished(rows)
		if err != nil {
			return nil, fmt.Errorf("解析日志记录失败: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// Bounds 返回日志边界
func (s *SqliteStore) Bounds(ctx context.Context, topicName string) (int64, int64, error) {
	var next int64
	err := s.db.QueryRowContext(ctx, querySelectNextOffset, topicName).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, errs.ErrTopicNotFound
	}
	if err != nil {
		return 0, 0, fmt.Errorf("查询主题边界失败: %w", err)
	}

	var earliest int64
	if err := s.db.QueryRowContext(ctx, queryEarliestOffset, topicName).Scan(&earliest); err != nil {
		return 0, 0, fmt.Errorf("查询主题边界失败: %w", err)
	}
	if earliest == 0 {
		earliest = next
	}
	return earliest, next, nil
}

// UpsertSubscription 创建或更新订阅
func (s *SqliteStore) UpsertSubscription(ctx context.Context, sub *model.TopicSubscription) error {
	if _, err := s.GetTopic(ctx, sub.Topic); err != nil {
		return err
	}
	filter, err := marshalHeaders(sub.Filter)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, queryUpsertSubscription,
		sub.Topic, sub.SubscriberID, sub.LastProcessedOffset, filter, sub.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("写入订阅失败: %w", err)
	}
	return nil
}

// GetSubscription 查询订阅
func (s *SqliteStore) GetSubscription(ctx context.Context, topicName, subscriberID string) (*model.TopicSubscription, error) {
	if _, err := s.GetTopic(ctx, topicName); err != nil {
		return nil, err
	}
	sub, err := scanSubscription(s.db.QueryRowContext(ctx, queryGetSubscription, topicName, subscriberID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询订阅失败: %w", err)
	}
	return sub, nil
}

// ListSubscriptions 返回主题的所有订阅
func (s *SqliteStore) ListSubscriptions(ctx context.Context, topicName string) ([]*model.TopicSubscription, error) {
	if _, err := s.GetTopic(ctx, topicName); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, queryListSubscriptions, topicName)
	if err != nil {
		return nil, fmt.Errorf("查询订阅列表失败: %w", err)
	}
	defer rows.Close()

	subs := make([]*model.TopicSubscription, 0)
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("解析订阅记录失败: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// DeleteSubscription 删除订阅
func (s *SqliteStore) DeleteSubscription(ctx context.Context, topicName, subscriberID string) error {
	if _, err := s.GetTopic(ctx, topicName); err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, queryDeleteSubscription, topicName, subscriberID)
	if err != nil {
		return fmt.Errorf("删除订阅失败: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("删除订阅失败: %w", err)
	}
	if affected == 0 {
		return errs.ErrSubscriptionNotFound
	}
	return nil
}

// CommitOffset 推进消费进度，只前进不后退
func (s *SqliteStore) CommitOffset(ctx context.Context, topicName, subscriberID string, offset int64) error {
	result, err := s.db.ExecContext(ctx, queryCommitOffset, offset, topicName, subscriberID, offset)
	if err != nil {
		return fmt.Errorf("提交offset失败: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("提交offset失败: %w", err)
	}
	if affected == 0 {
		// 区分订阅不存在和落后提交
		if _, err := s.GetSubscription(ctx, topicName, subscriberID); err != nil {
			return err
		}
	}
	return nil
}

// Prune 删除发布时间早于cutoff的消息
func (s *SqliteStore) Prune(ctx context.Context, topicName string, cutoff time.Time) (int, error) {
	if _, err := s.GetTopic(ctx, topicName); err != nil {
		return 0, err
	}
	result, err := s.db.ExecContext(ctx, queryPruneMessages, topicName, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("清理主题日志失败: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("清理主题日志失败: %w", err)
	}
	return int(affected), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTopic(row rowScanner) (*model.Topic, error) {
	var (
		topic       model.Topic
		retentionMs int64
		durable     int
		createdAt   int64
	)
	if err := row.Scan(&topic.Name, &topic.PartitionCount, &retentionMs, &durable, &createdAt); err != nil {
		return nil, err
	}
	topic.RetentionPeriod = time.Duration(retentionMs) * time.Millisecond
	topic.Durable = durable != 0
	topic.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &topic, nil
}

func scanPublished(row rowScanner) (*model.PublishedMessage, error) {
	var (
		msg         model.PublishedMessage
		headers     string
		publishedAt int64
	)
	if err := row.Scan(&msg.Topic, &msg.Offset, &msg.Partition, &msg.Payload, &headers, &publishedAt); err != nil {
		return nil, err
	}
	msg.PublishedAt = time.UnixMilli(publishedAt).UTC()
	if headers != "" && headers != "{}" {
		if err := json.Unmarshal([]byte(headers), &msg.Headers); err != nil {
			return nil, fmt.Errorf("解析消息头失败: %w", err)
		}
	}
	return &msg, nil
}

func scanSubscription(row rowScanner) (*model.TopicSubscription, error) {
	var (
		sub       model.TopicSubscription
		filter    string
		createdAt int64
	)
	if err := row.Scan(&sub.Topic, &sub.SubscriberID, &sub.LastProcessedOffset, &filter, &createdAt); err != nil {
		return nil, err
	}
	sub.CreatedAt = time.UnixMilli(createdAt).UTC()
	if filter != "" && filter != "{}" {
		if err := json.Unmarshal([]byte(filter), &sub.Filter); err != nil {
			return nil, fmt.Errorf("解析订阅筛选失败: %w", err)
		}
	}
	return &sub, nil
}

func marshalHeaders(headers map[string]string) (string, error) {
	if len(headers) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(headers)
	if err != nil {
		return "", fmt.Errorf("序列化失败: %w", err)
	}
	return string(data), nil
}
