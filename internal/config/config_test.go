package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	// 从默认位置加载配置
	config, err := LoadConfig("")
	require.NoError(t, err, "无法加载默认配置")
	require.NotNil(t, config, "配置不应为nil")

	// 验证默认值
	assert.Equal(t, 8080, config.API.Port, "API端口应为8080")
	assert.Equal(t, 8053, config.DNS.Port, "DNS端口应为8053")
	assert.Equal(t, "both", config.DNS.Protocol, "DNS协议应为both")
	assert.Equal(t, "memory", config.Storage.Registry, "注册表默认后端应为memory")
	assert.Equal(t, 5, config.Breaker.FailureThreshold, "失败阈值默认应为5")
	assert.Equal(t, 30*time.Second, config.Breaker.RecoveryTimeout, "恢复超时默认应为30秒")
	assert.Equal(t, 3, config.Queue.MaxRetries, "队列最大重试次数默认应为3")
	assert.Equal(t, 10*time.Second, config.Registry.CacheTTL, "发现缓存TTL默认应为10秒")
}

func TestLoadConfigFromEnvVars(t *testing.T) {
	// 设置环境变量
	os.Setenv("MESHKIT_API_PORT", "9090")
	os.Setenv("MESHKIT_DNS_PORT", "5353")
	os.Setenv("MESHKIT_STORAGE_ENGINES", "sqlite")
	defer func() {
		os.Unsetenv("MESHKIT_API_PORT")
		os.Unsetenv("MESHKIT_DNS_PORT")
		os.Unsetenv("MESHKIT_STORAGE_ENGINES")
	}()

	// 加载配置
	config, err := LoadConfig("")
	require.NoError(t, err, "无法加载配置")
	require.NotNil(t, config, "配置不应为nil")

	// 验证环境变量覆盖
	assert.Equal(t, 9090, config.API.Port, "环境变量应正确覆盖API端口")
	assert.Equal(t, 5353, config.DNS.Port, "环境变量应正确覆盖DNS端口")
	assert.Equal(t, "sqlite", config.Storage.Engines, "环境变量应正确覆盖引擎存储后端")

	// 确认其他值不受影响
	assert.Equal(t, "memory", config.Storage.Registry, "注册表后端不应被环境变量影响")
}

func TestLoadConfigWithMissingFile(t *testing.T) {
	// 尝试从不存在的文件加载配置
	config, err := LoadConfig("non_existent_file.yaml")

	// 应该返回错误
	assert.Error(t, err, "从不存在的文件加载配置应该失败")

	// 不应该返回配置对象
	assert.Nil(t, config, "加载不存在的配置文件应该返回nil配置")
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(true)
	require.NoError(t, err, "创建开发模式日志应该成功")
	require.NotNil(t, logger, "日志实例不应为nil")

	logger, err = NewLogger(false)
	require.NoError(t, err, "创建生产模式日志应该成功")
	require.NotNil(t, logger, "日志实例不应为nil")
}
