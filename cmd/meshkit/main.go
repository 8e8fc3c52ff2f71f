package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/hewenyu/meshkit/internal/api"
	"github.com/hewenyu/meshkit/internal/balancer"
	"github.com/hewenyu/meshkit/internal/breaker"
	"github.com/hewenyu/meshkit/internal/config"
	"github.com/hewenyu/meshkit/internal/dnsserver"
	"github.com/hewenyu/meshkit/internal/eventstore"
	"github.com/hewenyu/meshkit/internal/metrics"
	"github.com/hewenyu/meshkit/internal/pubsub"
	"github.com/hewenyu/meshkit/internal/queue"
	"github.com/hewenyu/meshkit/internal/registry"
	breakerStore "github.com/hewenyu/meshkit/internal/store/breaker"
	"github.com/hewenyu/meshkit/internal/store/etcd"
	eventStore "github.com/hewenyu/meshkit/internal/store/event"
	instanceStore "github.com/hewenyu/meshkit/internal/store/instance"
	queueStore "github.com/hewenyu/meshkit/internal/store/queue"
	"github.com/hewenyu/meshkit/internal/store/sqlite"
	topicStore "github.com/hewenyu/meshkit/internal/store/topic"
)

var configFile string

func init() {
	flag.StringVar(&configFile, "config", "", "配置文件路径")
}

func main() {
	flag.Parse()

	// 加载配置
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logger, err := config.NewLogger(cfg.Log.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}

	logger.Info("Meshkit Starting...",
		zap.String("version", "0.1.0"),
		zap.String("registry_storage", cfg.Storage.Registry),
		zap.String("engines_storage", cfg.Storage.Engines),
		zap.Int("api_port", cfg.API.Port),
		zap.Bool("dns_enabled", cfg.DNS.Enabled),
	)

	// 根context，收到关闭信号后取消，停掉全部后台任务
	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// 注册表存储
	var instStore instanceStore.Store
	switch cfg.Storage.Registry {
	case "etcd":
		etcdClient, err := etcd.NewClient(&etcd.Config{
			Endpoints:      cfg.Etcd.Endpoints,
			Username:       cfg.Etcd.Username,
			Password:       cfg.Etcd.Password,
			DialTimeout:    cfg.Etcd.DialTimeout,
			RequestTimeout: cfg.Etcd.RequestTimeout,
		})
		if err != nil {
			logger.Fatal("连接etcd失败", zap.Error(err))
		}
		defer etcdClient.Close()

		pingCtx, cancel := context.WithTimeout(rootCtx, 5*time.Second)
		if err := etcdClient.Ping(pingCtx); err != nil {
			cancel()
			logger.Fatal("etcd健康检查失败", zap.Error(err))
		}
		cancel()
		logger.Info("etcd连接成功并通过健康检查")
		instStore = instanceStore.NewEtcdStore(etcdClient)
	case "memory", "":
		instStore = instanceStore.NewMemoryStore()
	default:
		logger.Fatal("不支持的注册表存储", zap.String("storage", cfg.Storage.Registry))
	}

	// 引擎存储（队列/主题/事件/熔断历史）
	var (
		qStore  queueStore.Store
		tStore  topicStore.Store
		eStore  eventStore.Store
		bsStore breakerStore.HistoryStore
	)
	switch cfg.Storage.Engines {
	case "sqlite":
		db, err := sqlite.Open(cfg.Sqlite.Path)
		if err != nil {
			logger.Fatal("打开sqlite数据库失败", zap.Error(err))
		}
		defer db.Close()
		logger.Info("sqlite数据库就绪", zap.String("path", cfg.Sqlite.Path))

		qStore = queueStore.NewSqliteStore(db)
		tStore = topicStore.NewSqliteStore(db)
		eStore = eventStore.NewSqliteStore(db)
		bsStore = breakerStore.NewSqliteHistoryStore(db)
	case "memory", "":
		qStore = queueStore.NewMemoryStore()
		tStore = topicStore.NewMemoryStore()
		eStore = eventStore.NewMemoryStore()
		bsStore = breakerStore.NewMemoryHistoryStore()
	default:
		logger.Fatal("不支持的引擎存储", zap.String("storage", cfg.Storage.Engines))
	}

	// 指标收集器
	collector := metrics.NewCollector(prometheus.NewRegistry())

	// 注册表与负载均衡
	reg := registry.NewService(instStore, registry.Options{
		CacheTTL:              cfg.Registry.CacheTTL,
		CleanupInterval:       cfg.Registry.CleanupInterval,
		DefaultHealthInterval: cfg.Registry.DefaultHealthInterval,
		StaleThreshold:        cfg.Registry.StaleThreshold,
	}, logger)
	reg.StartCleanup(rootCtx)
	reg.StartWatch(rootCtx)

	lb := balancer.New(reg, logger)

	// 熔断器管理器
	breakers, err := breaker.NewManager(breaker.Config{
		Timeout:            cfg.Breaker.Timeout,
		FailureThreshold:   cfg.Breaker.FailureThreshold,
		SuccessThreshold:   cfg.Breaker.SuccessThreshold,
		RecoveryTimeout:    cfg.Breaker.RecoveryTimeout,
		MaxConcurrentCalls: cfg.Breaker.MaxConcurrentCalls,
		StatsWindow:        cfg.Breaker.StatsWindow,
	}, bsStore, logger, breaker.WithRecorder(collector))
	if err != nil {
		logger.Fatal("创建熔断器管理器失败", zap.Error(err))
	}

	// 消息队列
	queues := queue.NewService(qStore, logger, queue.Options{
		DefaultMaxSize:    cfg.Queue.MaxSize,
		DefaultMessageTTL: cfg.Queue.MessageTTL,
		DefaultMaxRetries: cfg.Queue.MaxRetries,
		DefaultRetryDelay: cfg.Queue.RetryDelay,
		SweepInterval:     cfg.Queue.SweepInterval,
	})
	queues.StartSweeper(rootCtx)

	// 发布订阅
	broker := pubsub.NewBroker(tStore, logger, pubsub.Options{
		DefaultPartitions: cfg.PubSub.DefaultPartitions,
		DefaultRetention:  cfg.PubSub.RetentionPeriod,
		SweepInterval:     cfg.PubSub.SweepInterval,
	})
	broker.StartSweeper(rootCtx)

	// 事件存储
	events := eventstore.NewService(eStore, logger, eventstore.Options{
		SubscribeBatch:    cfg.EventStore.SubscribeBatch,
		SnapshotFrequency: cfg.EventStore.SnapshotFrequency,
	})

	// API服务
	apiServer := api.NewServer(cfg, logger, reg, lb, breakers, queues, broker, events, collector)
	if err := apiServer.Start(); err != nil {
		logger.Fatal("启动API服务失败", zap.Error(err))
	}

	// DNS发现服务
	var dnsServer dnsserver.Server
	if cfg.DNS.Enabled {
		dnsServer = dnsserver.NewDNSServer(cfg, logger, reg)
		if err := dnsServer.Start(); err != nil {
			logger.Fatal("启动DNS服务失败", zap.Error(err))
		}
	}

	// 等待信号以优雅关闭
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("接收到关闭信号，正在优雅关闭...")
	rootCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if dnsServer != nil {
		if err := dnsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("关闭DNS服务出错", zap.Error(err))
		}
	}
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("关闭API服务出错", zap.Error(err))
	}

	logger.Info("Meshkit已退出")
}
