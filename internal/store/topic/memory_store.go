package topic

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hewenyu/meshkit/internal/core/errs"
	"github.com/hewenyu/meshkit/internal/core/model"
)

// topicLog 单个主题的内存日志
type topicLog struct {
	topic      *model.Topic
	messages   []*model.PublishedMessage // 按offset升序
	nextOffset int64
}

// MemoryStore 基于内存的主题存储
type MemoryStore struct {
	mu   sync.Mutex
	logs map[string]*topicLog
	subs map[string]map[string]*model.TopicSubscription // topic -> subscriberID
}

// NewMemoryStore 创建内存主题存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		logs: make(map[string]*topicLog),
		subs: make(map[string]map[string]*model.TopicSubscription),
	}
}

// CreateTopic 创建主题
func (s *MemoryStore) CreateTopic(ctx context.Context, topic *model.Topic) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.logs[topic.Name]; ok {
		return errs.ErrTopicExists
	}
	cloned := *topic
	s.logs[topic.Name] = &topicLog{topic: &cloned, nextOffset: 1}
	s.subs[topic.Name] = make(map[string]*model.TopicSubscription)
	return nil
}

// GetTopic 查询主题
func (s *MemoryStore) GetTopic(ctx context.Context, name string) (*model.Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.logs[name]
	if !ok {
		return nil, errs.ErrTopicNotFound
	}
	cloned := *log.topic
	return &cloned, nil
}

// ListTopics 返回所有主题
func (s *MemoryStore) ListTopics(ctx context.Context) ([]*model.Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	topics := make([]*model.Topic, 0, len(s.logs))
	for _, log := range s.logs {
		cloned := *log.topic
		topics = append(topics, &cloned)
	}
	sort.Slice(topics, func(i, j int) bool { return topics[i].Name < topics[j].Name })
	return topics, nil
}

// DeleteTopic 删除主题及其日志和订阅
func (s *MemoryStore) DeleteTopic(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.logs[name]; !ok {
		return errs.ErrTopicNotFound
	}
	delete(s.logs, name)
	delete(s.subs, name)
	return nil
}

// Append 追加消息并分配offset
func (s *MemoryStore) Append(ctx context.Context, msg *model.PublishedMessage) (*model.PublishedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.logs[msg.Topic]
	if !ok {
		return nil, errs.ErrTopicNotFound
	}
	stored := clonePublished(msg)
	stored.Offset = log.nextOffset
	log.nextOffset++
	log.messages = append(log.messages, stored)
	return clonePublished(stored), nil
}

// Read 按offset升序读取消息
func (s *MemoryStore) Read(ctx context.Context, topicName string, fromOffset int64, limit int) ([]*model.PublishedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.logs[topicName]
	if !ok {
		return nil, errs.ErrTopicNotFound
	}
	result := make([]*model.PublishedMessage, 0)
	for _, msg := range log.messages {
		if msg.Offset < fromOffset {
			continue
		}
		result = append(result, clonePublished(msg))
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// Bounds 返回日志边界
func (s *MemoryStore) Bounds(ctx context.Context, topicName string) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.logs[topicName]
	if !ok {
		return 0, 0, errs.ErrTopicNotFound
	}
	if len(log.messages) == 0 {
		return log.nextOffset, log.nextOffset, nil
	}
	return log.messages[0].Offset, log.nextOffset, nil
}

// UpsertSubscription 创建或更新订阅
func (s *MemoryStore) UpsertSubscription(ctx context.Context, sub *model.TopicSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.logs[sub.Topic]; !ok {
		return errs.ErrTopicNotFound
	}
	s.subs[sub.Topic][sub.SubscriberID] = cloneSubscription(sub)
	return nil
}

// GetSubscription 查询订阅
func (s *MemoryStore) GetSubscription(ctx context.Context, topicName, subscriberID string) (*model.TopicSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.logs[topicName]; !ok {
		return nil, errs.ErrTopicNotFound
	}
	sub, ok := s.subs[topicName][subscriberID]
	if !ok {
		return nil, errs.ErrSubscriptionNotFound
	}
	return cloneSubscription(sub), nil
}

// ListSubscriptions 返回主题的所有订阅
func (s *MemoryStore) ListSubscriptions(ctx context.Context, topicName string) ([]*model.TopicSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.logs[topicName]; !ok {
		return nil, errs.ErrTopicNotFound
	}
	subs := make([]*model.TopicSubscription, 0, len(s.subs[topicName]))
	for _, sub := range s.subs[topicName] {
		subs = append(subs, cloneSubscription(sub))
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].SubscriberID < subs[j].SubscriberID })
	return subs, nil
}

// DeleteSubscription 删除订阅
func (s *MemoryStore) DeleteSubscription(ctx context.Context, topicName, subscriberID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.logs[topicName]; !ok {
		return errs.ErrTopicNotFound
	}
	if _, ok := s.subs[topicName][subscriberID]; !ok {
		return errs.ErrSubscriptionNotFound
	}
	delete(s.subs[topicName], subscriberID)
	return nil
}

// CommitOffset 推进消费进度，只前进不后退
func (s *MemoryStore) CommitOffset(ctx context.Context, topicName, subscriberID string, offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.logs[topicName]; !ok {
		return errs.ErrTopicNotFound
	}
	sub, ok := s.subs[topicName][subscriberID]
	if !ok {
		return errs.ErrSubscriptionNotFound
	}
	if offset > sub.LastProcessedOffset {
		sub.LastProcessedOffset = offset
	}
	return nil
}

// Prune 删除发布时间早于cutoff的消息
func (s *MemoryStore) Prune(ctx context.Context, topicName string, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.logs[topicName]
	if !ok {
		return 0, errs.ErrTopicNotFound
	}
	kept := log.messages[:0]
	removed := 0
	for _, msg := range log.messages {
		if msg.PublishedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, msg)
	}
	log.messages = kept
	return removed, nil
}

func clonePublished(msg *model.PublishedMessage) *model.PublishedMessage {
	cloned := *msg
	if msg.Payload != nil {
		cloned.Payload = append([]byte(nil), msg.Payload...)
	}
	if msg.Headers != nil {
		cloned.Headers = make(map[string]string, len(msg.Headers))
		for k, v := range msg.Headers {
			cloned.Headers[k] = v
		}
	}
	return &cloned
}

func cloneSubscription(sub *model.TopicSubscription) *model.TopicSubscription {
	cloned := *sub
	if sub.Filter != nil {
		cloned.Filter = make(map[string]string, len(sub.Filter))
		for k, v := range sub.Filter {
			cloned.Filter[k] = v
		}
	}
	return &cloned
}
