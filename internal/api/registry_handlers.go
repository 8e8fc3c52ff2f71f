package api

import (
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/hewenyu/meshkit/internal/balancer"
	"github.com/hewenyu/meshkit/internal/core/model"
)

// registerInstanceHandler 处理实例注册请求
func (s *Server) registerInstanceHandler(c echo.Context) error {
	req := new(model.InstanceRegistrationRequest)
	if err := c.Bind(req); err != nil {
		return badRequest(c, "无效的请求格式")
	}
	if req.Name == "" || req.Address == "" || req.Port <= 0 {
		return badRequest(c, "name、address、port为必填项")
	}

	resp, err := s.registry.Register(c.Request().Context(), req)
	if err != nil {
		s.logger.Error("注册服务实例失败",
			zap.String("service", req.Name),
			zap.Error(err))
		return fail(c, err)
	}
	return ok(c, resp)
}

// deregisterInstanceHandler 处理实例注销请求
func (s *Server) deregisterInstanceHandler(c echo.Context) error {
	instanceID := c.Param("instanceId")
	if instanceID == "" {
		return badRequest(c, "缺少实例ID")
	}
	if err := s.registry.Deregister(c.Request().Context(), instanceID); err != nil {
		return fail(c, err)
	}
	return ok(c, map[string]string{"instance_id": instanceID})
}

// reportHealthHandler 处理健康上报请求
func (s *Server) reportHealthHandler(c echo.Context) error {
	instanceID := c.Param("instanceId")
	req := new(model.HealthReportRequest)
	if err := c.Bind(req); err != nil {
		return badRequest(c, "无效的请求格式")
	}

	latency := time.Duration(req.LatencyMs) * time.Millisecond
	if err := s.registry.ReportHealth(c.Request().Context(), instanceID, req.Healthy, latency); err != nil {
		return fail(c, err)
	}
	return ok(c, nil)
}

// discoverHandler 按服务名发现健康实例，支持版本/协议/标签筛选
func (s *Server) discoverHandler(c echo.Context) error {
	serviceName := c.Param("serviceName")
	filter := &model.DiscoveryFilter{
		Version:  c.QueryParam("version"),
		Protocol: c.QueryParam("protocol"),
	}
	if tags := c.QueryParam("tags"); tags != "" {
		filter.Tags = strings.Split(tags, ",")
	}

	instances, err := s.registry.Discover(c.Request().Context(), serviceName, filter)
	if err != nil {
		return fail(c, err)
	}
	return ok(c, map[string]interface{}{
		"service_name": serviceName,
		"instances":    instances,
		"count":        len(instances),
	})
}

// getInstanceHandler 查询单个实例
func (s *Server) getInstanceHandler(c echo.Context) error {
	inst, err := s.registry.GetInstance(c.Request().Context(), c.Param("instanceId"))
	if err != nil {
		return fail(c, err)
	}
	return ok(c, inst)
}

// listInstancesHandler 列出全部已注册实例
func (s *Server) listInstancesHandler(c echo.Context) error {
	instances, err := s.registry.ListAll(c.Request().Context())
	if err != nil {
		return fail(c, err)
	}
	if s.collector != nil {
		healthy := make(map[string]int)
		unhealthy := make(map[string]int)
		for _, inst := range instances {
			if inst.IsHealthy {
				healthy[inst.Name]++
			} else {
				unhealthy[inst.Name]++
			}
		}
		for name := range healthy {
			s.collector.SetServiceInstances(name, healthy[name], unhealthy[name])
		}
		for name := range unhealthy {
			if _, seen := healthy[name]; !seen {
				s.collector.SetServiceInstances(name, 0, unhealthy[name])
			}
		}
	}
	return ok(c, map[string]interface{}{
		"instances": instances,
		"count":     len(instances),
	})
}

// selectInstanceRequest 负载均衡选择请求
type selectInstanceRequest struct {
	Algorithm string `json:"algorithm"`
	ClientKey string `json:"client_key,omitempty"`
}

// selectInstanceHandler 按指定算法为调用方挑选一个实例
func (s *Server) selectInstanceHandler(c echo.Context) error {
	serviceName := c.Param("serviceName")
	req := new(selectInstanceRequest)
	if err := c.Bind(req); err != nil {
		return badRequest(c, "无效的请求格式")
	}
	if req.Algorithm == "" {
		req.Algorithm = string(balancer.AlgorithmRoundRobin)
	}
	algo, err := balancer.ParseAlgorithm(req.Algorithm)
	if err != nil {
		return fail(c, err)
	}

	inst, err := s.balancer.Select(c.Request().Context(), serviceName, algo, req.ClientKey)
	if err != nil {
		return fail(c, err)
	}
	return ok(c, inst)
}

// releaseInstanceHandler 归还一次least_connections计数
func (s *Server) releaseInstanceHandler(c echo.Context) error {
	instanceID := c.Param("instanceId")
	if instanceID == "" {
		return badRequest(c, "缺少实例ID")
	}
	s.balancer.Release(instanceID)
	current, total := s.balancer.ConnectionStats(instanceID)
	return ok(c, map[string]interface{}{
		"instance_id":         instanceID,
		"current_connections": current,
		"total_connections":   total,
	})
}

// trafficSplitRequest 分流规则请求
type trafficSplitRequest struct {
	RuleName string         `json:"rule_name"`
	Weights  map[string]int `json:"weights"`
}

// applyTrafficSplitHandler 为服务应用按版本分流的规则
func (s *Server) applyTrafficSplitHandler(c echo.Context) error {
	serviceName := c.Param("serviceName")
	req := new(trafficSplitRequest)
	if err := c.Bind(req); err != nil {
		return badRequest(c, "无效的请求格式")
	}

	if err := s.balancer.ApplyTrafficSplit(serviceName, req.RuleName, req.Weights); err != nil {
		return fail(c, err)
	}
	s.logger.Info("应用分流规则",
		zap.String("service", serviceName),
		zap.String("rule", req.RuleName))
	return ok(c, nil)
}

// removeTrafficSplitHandler 移除服务的分流规则
func (s *Server) removeTrafficSplitHandler(c echo.Context) error {
	serviceName := c.Param("serviceName")
	s.balancer.RemoveTrafficSplit(serviceName)
	return ok(c, nil)
}
