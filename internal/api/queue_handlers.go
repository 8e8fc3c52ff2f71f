package api

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/hewenyu/meshkit/internal/core/model"
	"github.com/hewenyu/meshkit/internal/queue"
)

// createQueueRequest 创建队列请求，时间字段用duration字符串表示
type createQueueRequest struct {
	Name            string `json:"name"`
	Durable         bool   `json:"durable"`
	MaxSize         int    `json:"max_size,omitempty"`
	MessageTTL      string `json:"message_ttl,omitempty"`
	DeadLetterQueue string `json:"dead_letter_queue,omitempty"`
	MaxRetries      int    `json:"max_retries,omitempty"`
	RetryDelay      string `json:"retry_delay,omitempty"`
}

// createQueueHandler 创建队列
func (s *Server) createQueueHandler(c echo.Context) error {
	req := new(createQueueRequest)
	if err := c.Bind(req); err != nil {
		return badRequest(c, "无效的请求格式")
	}

	q := &model.Queue{
		Name:            req.Name,
		Durable:         req.Durable,
		MaxSize:         req.MaxSize,
		DeadLetterQueue: req.DeadLetterQueue,
		MaxRetries:      req.MaxRetries,
	}
	var err error
	if q.MessageTTL, err = parseDuration(req.MessageTTL); err != nil {
		return badRequest(c, err.Error())
	}
	if q.RetryDelay, err = parseDuration(req.RetryDelay); err != nil {
		return badRequest(c, err.Error())
	}

	created, err := s.queues.CreateQueue(c.Request().Context(), q)
	if err != nil {
		return fail(c, err)
	}
	s.logger.Info("创建队列", zap.String("queue", created.Name))
	return ok(c, created)
}

// getQueueHandler 查询队列配置
func (s *Server) getQueueHandler(c echo.Context) error {
	q, err := s.queues.GetQueue(c.Request().Context(), c.Param("name"))
	if err != nil {
		return fail(c, err)
	}
	return ok(c, q)
}

// listQueuesHandler 列出全部队列
func (s *Server) listQueuesHandler(c echo.Context) error {
	queues, err := s.queues.ListQueues(c.Request().Context())
	if err != nil {
		return fail(c, err)
	}
	return ok(c, map[string]interface{}{
		"queues": queues,
		"count":  len(queues),
	})
}

// deleteQueueHandler 删除队列及其全部消息
func (s *Server) deleteQueueHandler(c echo.Context) error {
	name := c.Param("name")
	if err := s.queues.DeleteQueue(c.Request().Context(), name); err != nil {
		return fail(c, err)
	}
	s.logger.Info("删除队列", zap.String("queue", name))
	return ok(c, nil)
}

// enqueueRequest 入队请求
type enqueueRequest struct {
	Payload       json.RawMessage   `json:"payload"`
	Headers       map[string]string `json:"headers,omitempty"`
	Priority      int               `json:"priority,omitempty"`
	Delay         string            `json:"delay,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	CausationID   string            `json:"causation_id,omitempty"`
}

// enqueueHandler 向队列投递一条消息
func (s *Server) enqueueHandler(c echo.Context) error {
	queueName := c.Param("name")
	req := new(enqueueRequest)
	if err := c.Bind(req); err != nil {
		return badRequest(c, "无效的请求格式")
	}
	if len(req.Payload) == 0 {
		return badRequest(c, "payload不能为空")
	}
	delay, err := parseDuration(req.Delay)
	if err != nil {
		return badRequest(c, err.Error())
	}

	msg, err := s.queues.Enqueue(c.Request().Context(), queueName, req.Payload, queue.EnqueueOptions{
		Headers:       req.Headers,
		Priority:      req.Priority,
		Delay:         delay,
		CorrelationID: req.CorrelationID,
		CausationID:   req.CausationID,
	})
	if err != nil {
		return fail(c, err)
	}
	if s.collector != nil {
		s.collector.RecordQueueOperation(queueName, "enqueue")
	}
	return ok(c, msg)
}

// workerRequest 携带worker标识的请求体
type workerRequest struct {
	WorkerID string `json:"worker_id"`
	Reason   string `json:"reason,omitempty"`
}

// claimMessageHandler 为worker认领下一条待处理消息
// 队列为空时返回成功且data为空
func (s *Server) claimMessageHandler(c echo.Context) error {
	queueName := c.Param("name")
	req := new(workerRequest)
	if err := c.Bind(req); err != nil {
		return badRequest(c, "无效的请求格式")
	}
	if req.WorkerID == "" {
		return badRequest(c, "worker_id不能为空")
	}

	msg, err := s.queues.Claim(c.Request().Context(), queueName, req.WorkerID)
	if err != nil {
		return fail(c, err)
	}
	if msg != nil && s.collector != nil {
		s.collector.RecordQueueOperation(queueName, "claim")
	}
	return ok(c, msg)
}

// ackMessageHandler 确认消息处理成功
func (s *Server) ackMessageHandler(c echo.Context) error {
	messageID := c.Param("messageId")
	req := new(workerRequest)
	if err := c.Bind(req); err != nil {
		return badRequest(c, "无效的请求格式")
	}
	if err := s.queues.Ack(c.Request().Context(), messageID, req.WorkerID); err != nil {
		return fail(c, err)
	}
	return ok(c, nil)
}

// nackMessageHandler 报告消息处理失败，触发重试或死信
func (s *Server) nackMessageHandler(c echo.Context) error {
	messageID := c.Param("messageId")
	req := new(workerRequest)
	if err := c.Bind(req); err != nil {
		return badRequest(c, "无效的请求格式")
	}
	if err := s.queues.Nack(c.Request().Context(), messageID, req.WorkerID, req.Reason); err != nil {
		return fail(c, err)
	}
	return ok(c, nil)
}

// listQueueMessagesHandler 按状态列出队列消息
func (s *Server) listQueueMessagesHandler(c echo.Context) error {
	queueName := c.Param("name")
	status := model.MessageStatus(c.QueryParam("status"))
	limit := 100
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return badRequest(c, "limit必须是正整数")
		}
		limit = n
	}

	messages, err := s.queues.ListMessages(c.Request().Context(), queueName, status, limit)
	if err != nil {
		return fail(c, err)
	}
	return ok(c, map[string]interface{}{
		"queue":    queueName,
		"messages": messages,
		"count":    len(messages),
	})
}

// queueStatsHandler 返回队列各状态的消息计数
func (s *Server) queueStatsHandler(c echo.Context) error {
	stats, err := s.queues.Stats(c.Request().Context(), c.Param("name"))
	if err != nil {
		return fail(c, err)
	}
	if s.collector != nil {
		s.collector.SetQueueDepth(c.Param("name"), stats.Pending)
	}
	return ok(c, stats)
}

// parseDuration 解析可选的duration字符串，空串返回0
func parseDuration(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("无效的时间格式 %q", raw)
	}
	return d, nil
}
