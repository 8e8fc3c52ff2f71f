package model

import "time"

// MessageStatus 队列消息的生命周期状态
type MessageStatus string

const (
	// MessagePending 等待被消费
	MessagePending MessageStatus = "pending"
	// MessageProcessing 已被某个worker认领
	MessageProcessing MessageStatus = "processing"
	// MessageCompleted 处理成功
	MessageCompleted MessageStatus = "completed"
	// MessageFailed 处理失败，退避结束前停留在此状态
	// 对消费者而言等同于pending：scheduled_for一到就可以被重新认领
	MessageFailed MessageStatus = "failed"
	// MessageDeadLetter 重试耗尽或TTL过期，进入死信
	MessageDeadLetter MessageStatus = "dead_letter"
)

// Queue 点对点队列的配置
type Queue struct {
	Name            string        `json:"name"`
	Durable         bool          `json:"durable"`
	MaxSize         int           `json:"max_size"`
	MessageTTL      time.Duration `json:"message_ttl"`
	DeadLetterQueue string        `json:"dead_letter_queue,omitempty"`
	MaxRetries      int           `json:"max_retries"`
	RetryDelay      time.Duration `json:"retry_delay"`
	CreatedAt       time.Time     `json:"created_at"`
}

// QueueMessage 队列中的一条消息
type QueueMessage struct {
	ID            string            `json:"id"`
	QueueName     string            `json:"queue_name"`
	Payload       []byte            `json:"payload"`
	Headers       map[string]string `json:"headers,omitempty"`
	Priority      int               `json:"priority"`
	Status        MessageStatus     `json:"status"`
	RetryCount    int               `json:"retry_count"`
	ScheduledFor  time.Time         `json:"scheduled_for"`
	ClaimedBy     string            `json:"claimed_by,omitempty"`
	ClaimedAt     *time.Time        `json:"claimed_at,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	CausationID   string            `json:"causation_id,omitempty"`
	LastError     string            `json:"last_error,omitempty"`
	EnqueuedAt    time.Time         `json:"enqueued_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
}

// Expired 消息在被认领前是否已超过队列的TTL
func (m *QueueMessage) Expired(ttl time.Duration, now time.Time) bool {
	if ttl <= 0 {
		return false
	}
	return m.Status == MessagePending && now.Sub(m.EnqueuedAt) > ttl
}
