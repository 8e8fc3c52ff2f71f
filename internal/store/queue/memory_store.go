package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hewenyu/meshkit/internal/core/errs"
	"github.com/hewenyu/meshkit/internal/core/model"
)

// MemoryStore 基于内存的队列存储，非持久化队列和测试使用
type MemoryStore struct {
	mu       sync.Mutex
	queues   map[string]*model.Queue
	messages map[string]*model.QueueMessage
}

// NewMemoryStore 创建内存队列存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		queues:   make(map[string]*model.Queue),
		messages: make(map[string]*model.QueueMessage),
	}
}

// CreateQueue 创建队列
func (s *MemoryStore) CreateQueue(ctx context.Context, queue *model.Queue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.queues[queue.Name]; ok {
		return errs.ErrQueueExists
	}
	cloned := *queue
	s.queues[queue.Name] = &cloned
	return nil
}

// GetQueue 查询队列配置
func (s *MemoryStore) GetQueue(ctx context.Context, name string) (*model.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue, ok := s.queues[name]
	if !ok {
		return nil, errs.ErrQueueNotFound
	}
	cloned := *queue
	return &cloned, nil
}

// ListQueues 返回所有队列
func (s *MemoryStore) ListQueues(ctx context.Context) ([]*model.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	queues := make([]*model.Queue, 0, len(s.queues))
	for _, queue := range s.queues {
		cloned := *queue
		queues = append(queues, &cloned)
	}
	sort.Slice(queues, func(i, j int) bool { return queues[i].Name < queues[j].Name })
	return queues, nil
}

// DeleteQueue 删除队列及其消息
func (s *MemoryStore) DeleteQueue(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.queues[name]; !ok {
		return errs.ErrQueueNotFound
	}
	delete(s.queues, name)
	for id, msg := range s.messages {
		if msg.QueueName == name {
			delete(s.messages, id)
		}
	}
	return nil
}

// Enqueue 消息入队，容量检查与写入在同一临界区内完成
func (s *MemoryStore) Enqueue(ctx context.Context, msg *model.QueueMessage, maxSize int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.queues[msg.QueueName]; !ok {
		return errs.ErrQueueNotFound
	}
	if maxSize > 0 && s.countActiveLocked(msg.QueueName) >= maxSize {
		return errs.ErrQueueFull
	}
	s.messages[msg.ID] = cloneMessage(msg)
	return nil
}

// GetMessage 按ID查询消息
func (s *MemoryStore) GetMessage(ctx context.Context, id string) (*model.QueueMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return nil, errs.ErrMessageNotFound
	}
	return cloneMessage(msg), nil
}

// Claim 原子认领一条可消费消息
func (s *MemoryStore) Claim(ctx context.Context, queueName, workerID string, now time.Time) (*model.QueueMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.queues[queueName]; !ok {
		return nil, errs.ErrQueueNotFound
	}

	var candidate *model.QueueMessage
	for _, msg := range s.messages {
		if msg.QueueName != queueName {
			continue
		}
		if msg.Status != model.MessagePending && msg.Status != model.MessageFailed {
			continue
		}
		if msg.ScheduledFor.After(now) {
			continue
		}
		if candidate == nil || higherClaimPriority(msg, candidate) {
			candidate = msg
		}
	}
	if candidate == nil {
		return nil, nil
	}

	claimedAt := now
	candidate.Status = model.MessageProcessing
	candidate.ClaimedBy = workerID
	candidate.ClaimedAt = &claimedAt
	return cloneMessage(candidate), nil
}

// MarkCompleted 消息处理成功
func (s *MemoryStore) MarkCompleted(ctx context.Context, id, workerID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return errs.ErrMessageNotFound
	}
	if msg.Status != model.MessageProcessing || msg.ClaimedBy != workerID {
		return errs.ErrInvalidStateTransition
	}
	completedAt := now
	msg.Status = model.MessageCompleted
	msg.CompletedAt = &completedAt
	return nil
}

// MarkRetry 消息处理失败，调度下一次重试
func (s *MemoryStore) MarkRetry(ctx context.Context, id, workerID, lastError string, scheduledFor time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return errs.ErrMessageNotFound
	}
	if msg.Status != model.MessageProcessing || msg.ClaimedBy != workerID {
		return errs.ErrInvalidStateTransition
	}
	msg.Status = model.MessageFailed
	msg.RetryCount++
	msg.LastError = lastError
	msg.ScheduledFor = scheduledFor
	msg.ClaimedBy = ""
	msg.ClaimedAt = nil
	return nil
}

// MarkDeadLetter 消息进入死信终态
func (s *MemoryStore) MarkDeadLetter(ctx context.Context, id, lastError string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return errs.ErrMessageNotFound
	}
	if msg.Status == model.MessageCompleted || msg.Status == model.MessageDeadLetter {
		return errs.ErrInvalidStateTransition
	}
	completedAt := now
	msg.Status = model.MessageDeadLetter
	msg.LastError = lastError
	msg.CompletedAt = &completedAt
	msg.ClaimedBy = ""
	msg.ClaimedAt = nil
	return nil
}

// ListMessages 查询队列内消息
func (s *MemoryStore) ListMessages(ctx context.Context, queueName string, status model.MessageStatus, limit int) ([]*model.QueueMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	messages := make([]*model.QueueMessage, 0)
	for _, msg := range s.messages {
		if msg.QueueName != queueName {
			continue
		}
		if status != "" && msg.Status != status {
			continue
		}
		messages = append(messages, cloneMessage(msg))
	}
	sort.Slice(messages, func(i, j int) bool {
		if !messages[i].EnqueuedAt.Equal(messages[j].EnqueuedAt) {
			return messages[i].EnqueuedAt.Before(messages[j].EnqueuedAt)
		}
		return messages[i].ID < messages[j].ID
	})
	if limit > 0 && len(messages) > limit {
		messages = messages[:limit]
	}
	return messages, nil
}

// ExpirePending 批量过期超过TTL的pending消息
func (s *MemoryStore) ExpirePending(ctx context.Context, queueName string, cutoff, now time.Time) ([]*model.QueueMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ttl := now.Sub(cutoff)
	expired := make([]*model.QueueMessage, 0)
	for _, msg := range s.messages {
		if msg.QueueName != queueName || !msg.Expired(ttl, now) {
			continue
		}
		completedAt := now
		msg.Status = model.MessageDeadLetter
		msg.LastError = "message ttl expired"
		msg.CompletedAt = &completedAt
		expired = append(expired, cloneMessage(msg))
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })
	return expired, nil
}

// CountActive 统计未完结消息数
func (s *MemoryStore) CountActive(ctx context.Context, queueName string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countActiveLocked(queueName), nil
}

func (s *MemoryStore) countActiveLocked(queueName string) int {
	count := 0
	for _, msg := range s.messages {
		if msg.QueueName != queueName {
			continue
		}
		switch msg.Status {
		case model.MessagePending, model.MessageProcessing, model.MessageFailed:
			count++
		}
	}
	return count
}

// higherClaimPriority 判断a是否比b更应该被优先认领
func higherClaimPriority(a, b *model.QueueMessage) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.ScheduledFor.Equal(b.ScheduledFor) {
		return a.ScheduledFor.Before(b.ScheduledFor)
	}
	return a.EnqueuedAt.Before(b.EnqueuedAt)
}

// cloneMessage 深拷贝消息，避免调用方修改内部状态
func cloneMessage(msg *model.QueueMessage) *model.QueueMessage {
	cloned := *msg
	if msg.Headers != nil {
		cloned.Headers = make(map[string]string, len(msg.Headers))
		for k, v := range msg.Headers {
			cloned.Headers[k] = v
		}
	}
	if msg.Payload != nil {
		cloned.Payload = append([]byte(nil), msg.Payload...)
	}
	if msg.ClaimedAt != nil {
		t := *msg.ClaimedAt
		cloned.ClaimedAt = &t
	}
	if msg.CompletedAt != nil {
		t := *msg.CompletedAt
		cloned.CompletedAt = &t
	}
	return &cloned
}
