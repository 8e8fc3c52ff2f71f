package model

import "time"

// Topic 发布订阅主题的配置
type Topic struct {
	Name            string        `json:"name"`
	PartitionCount  int           `json:"partition_count"`
	RetentionPeriod time.Duration `json:"retention_period"`
	Durable         bool          `json:"durable"`
	CreatedAt       time.Time     `json:"created_at"`
}

// PublishedMessage 主题日志中的一条消息
// Offset 在主题内严格递增且连续
type PublishedMessage struct {
	Topic       string            `json:"topic"`
	Offset      int64             `json:"offset"`
	Partition   int               `json:"partition"`
	Payload     []byte            `json:"payload"`
	Headers     map[string]string `json:"headers,omitempty"`
	PublishedAt time.Time         `json:"published_at"`
}

// TopicSubscription 某个订阅者在主题上的消费进度
type TopicSubscription struct {
	Topic               string            `json:"topic"`
	SubscriberID        string            `json:"subscriber_id"`
	LastProcessedOffset int64             `json:"last_processed_offset"`
	Filter              map[string]string `json:"filter,omitempty"` // header键值匹配
	CreatedAt           time.Time         `json:"created_at"`
}

// FilterMatches 判断消息是否满足订阅的筛选条件
func (s *TopicSubscription) FilterMatches(msg *PublishedMessage) bool {
	if len(s.Filter) == 0 {
		return true
	}
	for k, v := range s.Filter {
		if msg.Headers[k] != v {
			return false
		}
	}
	return true
}
