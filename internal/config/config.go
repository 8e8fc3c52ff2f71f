package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用程序配置结构
type Config struct {
	// etcd配置（注册表的持久化后端）
	Etcd struct {
		Endpoints      []string      `mapstructure:"endpoints"`
		Username       string        `mapstructure:"username"`
		Password       string        `mapstructure:"password"`
		DialTimeout    time.Duration `mapstructure:"dial_timeout"`
		RequestTimeout time.Duration `mapstructure:"request_timeout"`
	} `mapstructure:"etcd"`

	// sqlite配置（队列/主题/事件/熔断历史的持久化后端）
	Sqlite struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"sqlite"`

	// 各存储的后端选择："memory"、"etcd"（仅注册表）或"sqlite"
	Storage struct {
		Registry string `mapstructure:"registry"`
		Engines  string `mapstructure:"engines"`
	} `mapstructure:"storage"`

	// API服务配置
	API struct {
		ListenAddress string `mapstructure:"listen_address"`
		Port          int    `mapstructure:"port"`
	} `mapstructure:"api"`

	// DNS发现服务配置
	DNS struct {
		Enabled       bool   `mapstructure:"enabled"`
		ListenAddress string `mapstructure:"listen_address"`
		Port          int    `mapstructure:"port"`
		Protocol      string `mapstructure:"protocol"` // "udp", "tcp", 或 "both"
		Domain        string `mapstructure:"domain"`
		RecordTTL     uint32 `mapstructure:"record_ttl"`
	} `mapstructure:"dns"`

	// 注册表配置
	Registry struct {
		CacheTTL              time.Duration `mapstructure:"cache_ttl"`
		CleanupInterval       time.Duration `mapstructure:"cleanup_interval"`
		DefaultHealthInterval time.Duration `mapstructure:"default_health_interval"`
		StaleThreshold        time.Duration `mapstructure:"stale_threshold"`
	} `mapstructure:"registry"`

	// 熔断器默认配置
	Breaker struct {
		Timeout            time.Duration `mapstructure:"timeout"`
		FailureThreshold   int           `mapstructure:"failure_threshold"`
		SuccessThreshold   int           `mapstructure:"success_threshold"`
		RecoveryTimeout    time.Duration `mapstructure:"recovery_timeout"`
		MaxConcurrentCalls int           `mapstructure:"max_concurrent_calls"`
		StatsWindow        time.Duration `mapstructure:"stats_window"`
	} `mapstructure:"breaker"`

	// 队列默认配置
	Queue struct {
		MaxSize       int           `mapstructure:"max_size"`
		MessageTTL    time.Duration `mapstructure:"message_ttl"`
		MaxRetries    int           `mapstructure:"max_retries"`
		RetryDelay    time.Duration `mapstructure:"retry_delay"`
		SweepInterval time.Duration `mapstructure:"sweep_interval"`
	} `mapstructure:"queue"`

	// 发布订阅配置
	PubSub struct {
		DefaultPartitions int           `mapstructure:"default_partitions"`
		RetentionPeriod   time.Duration `mapstructure:"retention_period"`
		SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	} `mapstructure:"pubsub"`

	// 事件存储配置
	EventStore struct {
		SnapshotFrequency int `mapstructure:"snapshot_frequency"`
		SubscribeBatch    int `mapstructure:"subscribe_batch"`
	} `mapstructure:"eventstore"`

	// 日志配置
	Log struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
	} `mapstructure:"log"`
}

// LoadConfig 从文件和环境变量加载配置
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// 设置默认值
	setDefaults(v)

	// 如果指定了配置文件路径
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// 设置配置文件名和路径
		v.SetConfigName("config")         // 配置文件名（无扩展名）
		v.AddConfigPath(".")              // 当前目录
		v.AddConfigPath("./configs")      // configs目录
		v.AddConfigPath("$HOME/.meshkit") // 用户目录
		v.AddConfigPath("/etc/meshkit")   // 系统目录
	}

	// 配置文件格式
	v.SetConfigType("yaml")

	// 尝试从配置文件加载
	if err := v.ReadInConfig(); err != nil {
		// 如果找不到配置文件，仅记录警告；其他错误则返回
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件错误: %w", err)
		}
	}

	// 绑定环境变量
	v.SetEnvPrefix("MESHKIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 从环境变量覆盖
	bindEnvVariables(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置错误: %w", err)
	}

	return &config, nil
}

// setDefaults 设置配置默认值
func setDefaults(v *viper.Viper) {
	// etcd默认配置
	v.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd.username", "")
	v.SetDefault("etcd.password", "")
	v.SetDefault("etcd.dial_timeout", "5s")
	v.SetDefault("etcd.request_timeout", "10s")

	// sqlite默认配置
	v.SetDefault("sqlite.path", "meshkit.db")

	// 存储后端默认配置
	v.SetDefault("storage.registry", "memory")
	v.SetDefault("storage.engines", "memory")

	// API服务默认配置
	v.SetDefault("api.listen_address", "0.0.0.0")
	v.SetDefault("api.port", 8080)

	// DNS服务默认配置
	v.SetDefault("dns.enabled", true)
	v.SetDefault("dns.listen_address", "0.0.0.0")
	v.SetDefault("dns.port", 8053)
	v.SetDefault("dns.protocol", "both")
	v.SetDefault("dns.domain", "mesh.local.")
	v.SetDefault("dns.record_ttl", 30)

	// 注册表默认配置
	v.SetDefault("registry.cache_ttl", "10s")
	v.SetDefault("registry.cleanup_interval", "30s")
	v.SetDefault("registry.default_health_interval", "30s")
	v.SetDefault("registry.stale_threshold", "90s")

	// 熔断器默认配置
	v.SetDefault("breaker.timeout", "3s")
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.success_threshold", 2)
	v.SetDefault("breaker.recovery_timeout", "30s")
	v.SetDefault("breaker.max_concurrent_calls", 64)
	v.SetDefault("breaker.stats_window", "1m")

	// 队列默认配置
	v.SetDefault("queue.max_size", 10000)
	v.SetDefault("queue.message_ttl", "24h")
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("queue.retry_delay", "5s")
	v.SetDefault("queue.sweep_interval", "30s")

	// 发布订阅默认配置
	v.SetDefault("pubsub.default_partitions", 1)
	v.SetDefault("pubsub.retention_period", "168h")
	v.SetDefault("pubsub.sweep_interval", "1m")

	// 事件存储默认配置
	v.SetDefault("eventstore.snapshot_frequency", 100)
	v.SetDefault("eventstore.subscribe_batch", 100)

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", true)
}

// bindEnvVariables 绑定特定的环境变量
func bindEnvVariables(v *viper.Viper) {
	v.BindEnv("etcd.endpoints", "MESHKIT_ETCD_ENDPOINTS")
	v.BindEnv("sqlite.path", "MESHKIT_SQLITE_PATH")
	v.BindEnv("api.port", "MESHKIT_API_PORT")
	v.BindEnv("dns.port", "MESHKIT_DNS_PORT")
	v.BindEnv("storage.registry", "MESHKIT_STORAGE_REGISTRY")
	v.BindEnv("storage.engines", "MESHKIT_STORAGE_ENGINES")
}
