package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/hewenyu/meshkit/internal/balancer"
	"github.com/hewenyu/meshkit/internal/breaker"
	"github.com/hewenyu/meshkit/internal/config"
	"github.com/hewenyu/meshkit/internal/core/errs"
	"github.com/hewenyu/meshkit/internal/core/model"
	"github.com/hewenyu/meshkit/internal/eventstore"
	"github.com/hewenyu/meshkit/internal/metrics"
	"github.com/hewenyu/meshkit/internal/pubsub"
	"github.com/hewenyu/meshkit/internal/queue"
	"github.com/hewenyu/meshkit/internal/registry"
)

// Server 对外暴露全部子系统的HTTP API
type Server struct {
	server *echo.Echo
	cfg    *config.Config
	logger config.Logger

	registry  registry.Service
	balancer  *balancer.Balancer
	breakers  *breaker.Manager
	queues    queue.Service
	broker    pubsub.Broker
	events    eventstore.Service
	collector *metrics.Collector
}

// NewServer 创建API服务
func NewServer(cfg *config.Config, logger config.Logger,
	reg registry.Service, lb *balancer.Balancer, breakers *breaker.Manager,
	queues queue.Service, broker pubsub.Broker, events eventstore.Service,
	collector *metrics.Collector) *Server {
	return &Server{
		cfg:       cfg,
		logger:    logger,
		registry:  reg,
		balancer:  lb,
		breakers:  breakers,
		queues:    queues,
		broker:    broker,
		events:    events,
		collector: collector,
	}
}

// Start 启动API服务（非阻塞）
func (s *Server) Start() error {
	s.logger.Info("启动API服务",
		zap.String("address", s.cfg.API.ListenAddress),
		zap.Int("port", s.cfg.API.Port))

	s.server = echo.New()
	s.server.HideBanner = true

	// 添加中间件
	s.server.Use(middleware.Recover())
	s.server.Use(middleware.Logger())
	s.server.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPut, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
	}))
	if s.collector != nil {
		s.server.Use(s.metricsMiddleware)
	}

	s.registerRoutes()

	// 启动服务（非阻塞）
	go func() {
		addr := fmt.Sprintf("%s:%d", s.cfg.API.ListenAddress, s.cfg.API.Port)
		if err := s.server.Start(addr); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API服务启动失败", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown 优雅关闭API服务
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("正在关闭API服务...")
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			s.logger.Error("关闭API服务出错", zap.Error(err))
			return err
		}
	}
	return nil
}

// registerRoutes 注册全部路由
func (s *Server) registerRoutes() {
	// 健康检查端点
	s.server.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":    "ok",
			"timestamp": time.Now().Format(time.RFC3339),
			"service":   "meshkit-api",
		})
	})
	if s.collector != nil {
		s.server.GET("/metrics", echo.WrapHandler(s.collector.Handler()))
	}

	// 服务注册与发现
	s.server.POST("/registry/instances", s.registerInstanceHandler)
	s.server.GET("/registry/instances", s.listInstancesHandler)
	s.server.GET("/registry/instances/:instanceId", s.getInstanceHandler)
	s.server.DELETE("/registry/instances/:instanceId", s.deregisterInstanceHandler)
	s.server.PUT("/registry/instances/:instanceId/health", s.reportHealthHandler)
	s.server.GET("/registry/services/:serviceName/instances", s.discoverHandler)

	// 负载均衡
	s.server.POST("/balancer/:serviceName/select", s.selectInstanceHandler)
	s.server.POST("/balancer/release/:instanceId", s.releaseInstanceHandler)
	s.server.PUT("/balancer/:serviceName/traffic-split", s.applyTrafficSplitHandler)
	s.server.DELETE("/balancer/:serviceName/traffic-split", s.removeTrafficSplitHandler)

	// 熔断器
	s.server.GET("/breakers", s.listBreakersHandler)
	s.server.PUT("/breakers/:name/config", s.configureBreakerHandler)
	s.server.GET("/breakers/:name/stats", s.breakerStatsHandler)
	s.server.GET("/breakers/:name/history", s.breakerHistoryHandler)

	// 消息队列
	s.server.POST("/queues", s.createQueueHandler)
	s.server.GET("/queues", s.listQueuesHandler)
	s.server.GET("/queues/:name", s.getQueueHandler)
	s.server.DELETE("/queues/:name", s.deleteQueueHandler)
	s.server.POST("/queues/:name/messages", s.enqueueHandler)
	s.server.GET("/queues/:name/messages", s.listQueueMessagesHandler)
	s.server.GET("/queues/:name/stats", s.queueStatsHandler)
	s.server.POST("/queues/:name/claim", s.claimMessageHandler)
	s.server.POST("/queues/messages/:messageId/ack", s.ackMessageHandler)
	s.server.POST("/queues/messages/:messageId/nack", s.nackMessageHandler)

	// 发布订阅
	s.server.POST("/topics", s.createTopicHandler)
	s.server.GET("/topics", s.listTopicsHandler)
	s.server.GET("/topics/:name", s.getTopicHandler)
	s.server.DELETE("/topics/:name", s.deleteTopicHandler)
	s.server.POST("/topics/:name/messages", s.publishHandler)
	s.server.GET("/topics/:name/subscriptions", s.listSubscriptionsHandler)
	s.server.PUT("/topics/:name/subscriptions/:subscriberId", s.subscribeHandler)
	s.server.DELETE("/topics/:name/subscriptions/:subscriberId", s.unsubscribeHandler)
	s.server.POST("/topics/:name/subscriptions/:subscriberId/poll", s.pollHandler)
	s.server.POST("/topics/:name/subscriptions/:subscriberId/commit", s.commitHandler)

	// 事件存储
	s.server.POST("/aggregates/:aggregateId/events", s.appendEventsHandler)
	s.server.GET("/aggregates/:aggregateId", s.loadAggregateHandler)
	s.server.POST("/aggregates/:aggregateId/snapshots", s.saveSnapshotHandler)
	s.server.GET("/events/stream", s.readStreamHandler)
}

// metricsMiddleware 记录HTTP请求指标
func (s *Server) metricsMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		s.collector.RecordHTTPRequest(
			c.Request().Method,
			c.Path(),
			strconv.Itoa(c.Response().Status),
			time.Since(start))
		return err
	}
}

// ok 返回成功响应
func ok(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, &model.ApiResponse{
		Code:    http.StatusOK,
		Message: "success",
		Data:    data,
	})
}

// fail 按错误类型返回对应状态码的失败响应
func fail(c echo.Context, err error) error {
	status := statusForError(err)
	return c.JSON(status, &model.ApiResponse{
		Code:    status,
		Message: err.Error(),
	})
}

// badRequest 返回参数错误响应
func badRequest(c echo.Context, message string) error {
	return c.JSON(http.StatusBadRequest, &model.ApiResponse{
		Code:    http.StatusBadRequest,
		Message: message,
	})
}

// statusForError 把哨兵错误映射到HTTP状态码
func statusForError(err error) int {
	switch {
	case errors.Is(err, errs.ErrInvalidConfiguration),
		errors.Is(err, errs.ErrInvalidStateTransition):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrInstanceNotFound),
		errors.Is(err, errs.ErrServiceNotFound),
		errors.Is(err, errs.ErrQueueNotFound),
		errors.Is(err, errs.ErrMessageNotFound),
		errors.Is(err, errs.ErrTopicNotFound),
		errors.Is(err, errs.ErrSubscriptionNotFound),
		errors.Is(err, errs.ErrAggregateNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrDuplicateInstance),
		errors.Is(err, errs.ErrQueueExists),
		errors.Is(err, errs.ErrTopicExists),
		errors.Is(err, errs.ErrVersionConflict),
		errors.Is(err, errs.ErrOffsetOutOfRange):
		return http.StatusConflict
	case errors.Is(err, errs.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, errs.ErrCircuitOpen),
		errors.Is(err, errs.ErrRejectedBulkheadFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, errs.ErrCallTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
