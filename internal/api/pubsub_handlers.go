package api

import (
	"encoding/json"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/hewenyu/meshkit/internal/core/model"
	"github.com/hewenyu/meshkit/internal/pubsub"
)

// createTopicRequest 创建主题请求
type createTopicRequest struct {
	Name            string `json:"name"`
	PartitionCount  int    `json:"partition_count,omitempty"`
	RetentionPeriod string `json:"retention_period,omitempty"`
	Durable         bool   `json:"durable"`
}

// createTopicHandler 创建主题
func (s *Server) createTopicHandler(c echo.Context) error {
	req := new(createTopicRequest)
	if err := c.Bind(req); err != nil {
		return badRequest(c, "无效的请求格式")
	}

	topic := &model.Topic{
		Name:           req.Name,
		PartitionCount: req.PartitionCount,
		Durable:        req.Durable,
	}
	var err error
	if topic.RetentionPeriod, err = parseDuration(req.RetentionPeriod); err != nil {
		return badRequest(c, err.Error())
	}

	created, err := s.broker.CreateTopic(c.Request().Context(), topic)
	if err != nil {
		return fail(c, err)
	}
	s.logger.Info("创建主题",
		zap.String("topic", created.Name),
		zap.Int("partitions", created.PartitionCount))
	return ok(c, created)
}

// getTopicHandler 查询主题配置
func (s *Server) getTopicHandler(c echo.Context) error {
	topic, err := s.broker.GetTopic(c.Request().Context(), c.Param("name"))
	if err != nil {
		return fail(c, err)
	}
	return ok(c, topic)
}

// listTopicsHandler 列出全部主题
func (s *Server) listTopicsHandler(c echo.Context) error {
	topics, err := s.broker.ListTopics(c.Request().Context())
	if err != nil {
		return fail(c, err)
	}
	return ok(c, map[string]interface{}{
		"topics": topics,
		"count":  len(topics),
	})
}

// deleteTopicHandler 删除主题及其日志和订阅
func (s *Server) deleteTopicHandler(c echo.Context) error {
	name := c.Param("name")
	if err := s.broker.DeleteTopic(c.Request().Context(), name); err != nil {
		return fail(c, err)
	}
	s.logger.Info("删除主题", zap.String("topic", name))
	return ok(c, nil)
}

// publishRequest 发布消息请求
type publishRequest struct {
	Key     string            `json:"key,omitempty"`
	Payload json.RawMessage   `json:"payload"`
	Headers map[string]string `json:"headers,omitempty"`
}

// publishHandler 向主题发布一条消息
func (s *Server) publishHandler(c echo.Context) error {
	topicName := c.Param("name")
	req := new(publishRequest)
	if err := c.Bind(req); err != nil {
		return badRequest(c, "无效的请求格式")
	}
	if len(req.Payload) == 0 {
		return badRequest(c, "payload不能为空")
	}

	msg, err := s.broker.Publish(c.Request().Context(), topicName, req.Key, req.Payload, req.Headers)
	if err != nil {
		return fail(c, err)
	}
	if s.collector != nil {
		s.collector.RecordPublish(topicName)
	}
	return ok(c, msg)
}

// subscribeRequest 创建或重置订阅的请求
type subscribeRequest struct {
	From        string            `json:"from,omitempty"` // earliest/latest/offset
	StartOffset int64             `json:"start_offset,omitempty"`
	Filter      map[string]string `json:"filter,omitempty"`
}

// subscribeHandler 创建或重置一个订阅
func (s *Server) subscribeHandler(c echo.Context) error {
	topicName := c.Param("name")
	subscriberID := c.Param("subscriberId")
	req := new(subscribeRequest)
	if err := c.Bind(req); err != nil {
		return badRequest(c, "无效的请求格式")
	}
	sub, err := s.broker.Subscribe(c.Request().Context(), topicName, subscriberID, pubsub.SubscribeOptions{
		From:        req.From,
		StartOffset: req.StartOffset,
		Filter:      req.Filter,
	})
	if err != nil {
		return fail(c, err)
	}
	return ok(c, sub)
}

// unsubscribeHandler 取消订阅
func (s *Server) unsubscribeHandler(c echo.Context) error {
	if err := s.broker.Unsubscribe(c.Request().Context(), c.Param("name"), c.Param("subscriberId")); err != nil {
		return fail(c, err)
	}
	return ok(c, nil)
}

// listSubscriptionsHandler 列出主题的全部订阅
func (s *Server) listSubscriptionsHandler(c echo.Context) error {
	subs, err := s.broker.ListSubscriptions(c.Request().Context(), c.Param("name"))
	if err != nil {
		return fail(c, err)
	}
	return ok(c, map[string]interface{}{
		"topic":         c.Param("name"),
		"subscriptions": subs,
		"count":         len(subs),
	})
}

// pollRequest 拉取消息的请求
type pollRequest struct {
	Batch int `json:"batch,omitempty"`
}

// pollHandler 为订阅者拉取一批消息
func (s *Server) pollHandler(c echo.Context) error {
	req := new(pollRequest)
	if err := c.Bind(req); err != nil {
		return badRequest(c, "无效的请求格式")
	}

	result, err := s.broker.Poll(c.Request().Context(), c.Param("name"), c.Param("subscriberId"), req.Batch)
	if err != nil {
		return fail(c, err)
	}
	return ok(c, result)
}

// commitRequest 提交消费进度的请求
type commitRequest struct {
	Offset int64 `json:"offset"`
}

// commitHandler 提交订阅者的消费进度
func (s *Server) commitHandler(c echo.Context) error {
	req := new(commitRequest)
	if err := c.Bind(req); err != nil {
		return badRequest(c, "无效的请求格式")
	}
	if req.Offset <= 0 {
		return badRequest(c, "offset必须是正整数")
	}

	if err := s.broker.Commit(c.Request().Context(), c.Param("name"), c.Param("subscriberId"), req.Offset); err != nil {
		return fail(c, err)
	}
	return ok(c, nil)
}
