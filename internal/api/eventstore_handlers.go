package api

import (
	"encoding/json"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/hewenyu/meshkit/internal/eventstore"
)

// appendEventsRequest 追加事件请求
type appendEventsRequest struct {
	AggregateType   string       `json:"aggregate_type"`
	ExpectedVersion int64        `json:"expected_version"`
	Events          []eventInput `json:"events"`
}

type eventInput struct {
	EventType     string          `json:"event_type"`
	Data          json.RawMessage `json:"data"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	CausationID   string          `json:"causation_id,omitempty"`
}

// appendEventsHandler 以乐观并发方式向聚合追加一批事件
func (s *Server) appendEventsHandler(c echo.Context) error {
	aggregateID := c.Param("aggregateId")
	req := new(appendEventsRequest)
	if err := c.Bind(req); err != nil {
		return badRequest(c, "无效的请求格式")
	}
	if len(req.Events) == 0 {
		return badRequest(c, "events不能为空")
	}

	inputs := make([]eventstore.EventInput, 0, len(req.Events))
	for _, in := range req.Events {
		inputs = append(inputs, eventstore.EventInput{
			EventType:     in.EventType,
			Data:          in.Data,
			CorrelationID: in.CorrelationID,
			CausationID:   in.CausationID,
		})
	}

	events, err := s.events.Append(c.Request().Context(), aggregateID, req.AggregateType, req.ExpectedVersion, inputs)
	if err != nil {
		return fail(c, err)
	}
	if s.collector != nil {
		s.collector.RecordEventAppend(req.AggregateType, len(events))
	}
	s.logger.Debug("追加事件",
		zap.String("aggregate", aggregateID),
		zap.Int("count", len(events)))
	return ok(c, map[string]interface{}{
		"aggregate_id": aggregateID,
		"events":       events,
		"count":        len(events),
	})
}

// loadAggregateHandler 加载聚合的当前状态（快照加后续事件）
func (s *Server) loadAggregateHandler(c echo.Context) error {
	state, err := s.events.LoadAggregate(c.Request().Context(), c.Param("aggregateId"))
	if err != nil {
		return fail(c, err)
	}
	return ok(c, state)
}

// saveSnapshotRequest 保存快照的请求
type saveSnapshotRequest struct {
	Version int64           `json:"version"`
	Data    json.RawMessage `json:"data"`
}

// saveSnapshotHandler 保存聚合在某个版本的快照
func (s *Server) saveSnapshotHandler(c echo.Context) error {
	aggregateID := c.Param("aggregateId")
	req := new(saveSnapshotRequest)
	if err := c.Bind(req); err != nil {
		return badRequest(c, "无效的请求格式")
	}

	if err := s.events.SaveSnapshot(c.Request().Context(), aggregateID, req.Version, req.Data); err != nil {
		return fail(c, err)
	}
	return ok(c, nil)
}

// readStreamHandler 按全局提交顺序读取事件流
func (s *Server) readStreamHandler(c echo.Context) error {
	var afterSequence int64
	if raw := c.QueryParam("after"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			return badRequest(c, "after必须是非负整数")
		}
		afterSequence = n
	}
	limit := 100
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return badRequest(c, "limit必须是正整数")
		}
		limit = n
	}

	events, err := s.events.ReadStream(c.Request().Context(), afterSequence, limit)
	if err != nil {
		return fail(c, err)
	}
	return ok(c, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}
