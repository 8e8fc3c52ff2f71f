package api

import (
	"fmt"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/hewenyu/meshkit/internal/breaker"
)

// breakerConfigRequest 熔断器配置请求，时间字段用duration字符串表示
type breakerConfigRequest struct {
	Timeout            string `json:"timeout,omitempty"`
	FailureThreshold   int    `json:"failure_threshold,omitempty"`
	SuccessThreshold   int    `json:"success_threshold,omitempty"`
	RecoveryTimeout    string `json:"recovery_timeout,omitempty"`
	MaxConcurrentCalls int    `json:"max_concurrent_calls,omitempty"`
	FallbackEnabled    bool   `json:"fallback_enabled"`
	StatsWindow        string `json:"stats_window,omitempty"`
}

// toConfig 把请求转换成熔断器配置，未填的时间字段沿用默认值
func (r *breakerConfigRequest) toConfig(defaults breaker.Config) (breaker.Config, error) {
	cfg := defaults
	if r.FailureThreshold > 0 {
		cfg.FailureThreshold = r.FailureThreshold
	}
	if r.SuccessThreshold > 0 {
		cfg.SuccessThreshold = r.SuccessThreshold
	}
	if r.MaxConcurrentCalls > 0 {
		cfg.MaxConcurrentCalls = r.MaxConcurrentCalls
	}
	cfg.FallbackEnabled = r.FallbackEnabled

	for _, item := range []struct {
		raw  string
		dest *time.Duration
	}{
		{r.Timeout, &cfg.Timeout},
		{r.RecoveryTimeout, &cfg.RecoveryTimeout},
		{r.StatsWindow, &cfg.StatsWindow},
	} {
		if item.raw == "" {
			continue
		}
		d, err := time.ParseDuration(item.raw)
		if err != nil {
			return cfg, fmt.Errorf("无效的时间格式 %q: %w", item.raw, err)
		}
		*item.dest = d
	}
	return cfg, nil
}

// listBreakersHandler 返回全部熔断器的状态快照
func (s *Server) listBreakersHandler(c echo.Context) error {
	snapshots := s.breakers.Snapshots()
	return ok(c, map[string]interface{}{
		"breakers": snapshots,
		"count":    len(snapshots),
	})
}

// configureBreakerHandler 更新某个熔断器的配置并重置其状态
func (s *Server) configureBreakerHandler(c echo.Context) error {
	name := c.Param("name")
	req := new(breakerConfigRequest)
	if err := c.Bind(req); err != nil {
		return badRequest(c, "无效的请求格式")
	}

	cfg, err := req.toConfig(s.breakers.Defaults())
	if err != nil {
		return badRequest(c, err.Error())
	}
	b, err := s.breakers.Configure(name, cfg)
	if err != nil {
		return fail(c, err)
	}
	s.logger.Info("更新熔断器配置", zap.String("breaker", name))
	return ok(c, b.Snapshot())
}

// breakerStatsHandler 返回熔断器当前统计窗口的指标
func (s *Server) breakerStatsHandler(c echo.Context) error {
	name := c.Param("name")
	b := s.breakers.Get(name)
	return ok(c, map[string]interface{}{
		"snapshot": b.Snapshot(),
		"stats":    b.Stats(),
	})
}

// breakerHistoryHandler 返回熔断器最近的状态转换历史
func (s *Server) breakerHistoryHandler(c echo.Context) error {
	name := c.Param("name")
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return badRequest(c, "limit必须是正整数")
		}
		limit = n
	}

	transitions, err := s.breakers.History(c.Request().Context(), name, limit)
	if err != nil {
		return fail(c, err)
	}
	return ok(c, map[string]interface{}{
		"breaker":     name,
		"transitions": transitions,
		"count":       len(transitions),
	})
}
