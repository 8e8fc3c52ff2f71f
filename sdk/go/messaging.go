package sdk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// QueueMessage 队列消息
type QueueMessage struct {
	ID            string            `json:"id"`
	QueueName     string            `json:"queue_name"`
	Payload       json.RawMessage   `json:"payload"`
	Headers       map[string]string `json:"headers,omitempty"`
	Priority      int               `json:"priority"`
	Status        string            `json:"status"`
	RetryCount    int               `json:"retry_count"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	CausationID   string            `json:"causation_id,omitempty"`
}

// EnqueueOptions 入队的可选参数
type EnqueueOptions struct {
	Headers       map[string]string `json:"headers,omitempty"`
	Priority      int               `json:"priority,omitempty"`
	Delay         string            `json:"delay,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	CausationID   string            `json:"causation_id,omitempty"`
}

// Enqueue 向队列投递一条消息
func (c *Client) Enqueue(ctx context.Context, queueName string, payload interface{}, opts *EnqueueOptions) (*QueueMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("序列化消息载荷失败: %w", err)
	}

	body := map[string]interface{}{"payload": json.RawMessage(raw)}
	if opts != nil {
		if len(opts.Headers) > 0 {
			body["headers"] = opts.Headers
		}
		if opts.Priority != 0 {
			body["priority"] = opts.Priority
		}
		if opts.Delay != "" {
			body["delay"] = opts.Delay
		}
		if opts.CorrelationID != "" {
			body["correlation_id"] = opts.CorrelationID
		}
		if opts.CausationID != "" {
			body["causation_id"] = opts.CausationID
		}
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/queues/"+url.PathEscape(queueName)+"/messages", body)
	if err != nil {
		return nil, fmt.Errorf("入队失败: %w", err)
	}

	var msg QueueMessage
	if err := json.Unmarshal(resp.Data, &msg); err != nil {
		return nil, fmt.Errorf("解析入队响应失败: %w", err)
	}
	return &msg, nil
}

// ClaimMessage 为worker认领下一条待处理消息，队列为空时返回nil
func (c *Client) ClaimMessage(ctx context.Context, queueName, workerID string) (*QueueMessage, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/queues/"+url.PathEscape(queueName)+"/claim",
		map[string]string{"worker_id": workerID})
	if err != nil {
		return nil, fmt.Errorf("认领消息失败: %w", err)
	}
	if len(resp.Data) == 0 || string(resp.Data) == "null" {
		return nil, nil
	}

	var msg QueueMessage
	if err := json.Unmarshal(resp.Data, &msg); err != nil {
		return nil, fmt.Errorf("解析认领响应失败: %w", err)
	}
	return &msg, nil
}

// AckMessage 确认消息处理成功
func (c *Client) AckMessage(ctx context.Context, messageID, workerID string) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/queues/messages/"+messageID+"/ack",
		map[string]string{"worker_id": workerID})
	if err != nil {
		return fmt.Errorf("确认消息失败: %w", err)
	}
	return nil
}

// NackMessage 报告消息处理失败
func (c *Client) NackMessage(ctx context.Context, messageID, workerID, reason string) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/queues/messages/"+messageID+"/nack",
		map[string]string{"worker_id": workerID, "reason": reason})
	if err != nil {
		return fmt.Errorf("拒绝消息失败: %w", err)
	}
	return nil
}

// PublishedMessage 主题日志中的一条消息
type PublishedMessage struct {
	Topic       string            `json:"topic"`
	Offset      int64             `json:"offset"`
	Partition   int               `json:"partition"`
	Payload     json.RawMessage   `json:"payload"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// PollResult 一次拉取的结果
type PollResult struct {
	Messages  []*PublishedMessage `json:"messages"`
	Watermark int64               `json:"watermark"`
}

// Publish 向主题发布一条消息
func (c *Client) Publish(ctx context.Context, topic, key string, payload interface{}, headers map[string]string) (*PublishedMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("序列化消息载荷失败: %w", err)
	}

	body := map[string]interface{}{"payload": json.RawMessage(raw)}
	if key != "" {
		body["key"] = key
	}
	if len(headers) > 0 {
		body["headers"] = headers
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/topics/"+url.PathEscape(topic)+"/messages", body)
	if err != nil {
		return nil, fmt.Errorf("发布消息失败: %w", err)
	}

	var msg PublishedMessage
	if err := json.Unmarshal(resp.Data, &msg); err != nil {
		return nil, fmt.Errorf("解析发布响应失败: %w", err)
	}
	return &msg, nil
}

// Subscribe 创建或重置一个订阅，from可取earliest、latest或offset
func (c *Client) Subscribe(ctx context.Context, topic, subscriberID, from string, startOffset int64, filter map[string]string) error {
	body := map[string]interface{}{"from": from}
	if startOffset > 0 {
		body["start_offset"] = startOffset
	}
	if len(filter) > 0 {
		body["filter"] = filter
	}

	_, err := c.doRequest(ctx, http.MethodPut,
		"/topics/"+url.PathEscape(topic)+"/subscriptions/"+url.PathEscape(subscriberID), body)
	if err != nil {
		return fmt.Errorf("订阅失败: %w", err)
	}
	return nil
}

// Poll 拉取一批消息，处理完成后用Commit提交返回的Watermark
func (c *Client) Poll(ctx context.Context, topic, subscriberID string, batch int) (*PollResult, error) {
	resp, err := c.doRequest(ctx, http.MethodPost,
		"/topics/"+url.PathEscape(topic)+"/subscriptions/"+url.PathEscape(subscriberID)+"/poll",
		map[string]int{"batch": batch})
	if err != nil {
		return nil, fmt.Errorf("拉取消息失败: %w", err)
	}

	var result PollResult
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return nil, fmt.Errorf("解析拉取响应失败: %w", err)
	}
	return &result, nil
}

// Commit 提交消费进度
func (c *Client) Commit(ctx context.Context, topic, subscriberID string, offset int64) error {
	_, err := c.doRequest(ctx, http.MethodPost,
		"/topics/"+url.PathEscape(topic)+"/subscriptions/"+url.PathEscape(subscriberID)+"/commit",
		map[string]int64{"offset": offset})
	if err != nil {
		return fmt.Errorf("提交进度失败: %w", err)
	}
	return nil
}

// Event 追加事件时的输入
type Event struct {
	EventType     string          `json:"event_type"`
	Data          json.RawMessage `json:"data"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	CausationID   string          `json:"causation_id,omitempty"`
}

// AppendEvents 以乐观并发方式向聚合追加一批事件
func (c *Client) AppendEvents(ctx context.Context, aggregateID, aggregateType string, expectedVersion int64, events []Event) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/aggregates/"+url.PathEscape(aggregateID)+"/events",
		map[string]interface{}{
			"aggregate_type":   aggregateType,
			"expected_version": expectedVersion,
			"events":           events,
		})
	if err != nil {
		return fmt.Errorf("追加事件失败: %w", err)
	}
	return nil
}
