package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置
//
// Loaded once at startup and rebuilt as a whole on reload; callers hold a
// frozen snapshot and never mutate fields.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Log     LogConfig     `mapstructure:"log"`
	Storage StorageConfig `mapstructure:"storage"`
	Grok    GrokConfig    `mapstructure:"grok"`
	Pool    PoolConfig    `mapstructure:"pool"`
	Retry   RetryConfig   `mapstructure:"retry"`
	Chat    ChatConfig    `mapstructure:"chat"`
	Image   ImageConfig   `mapstructure:"image"`
	Video   VideoConfig   `mapstructure:"video"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Batch   BatchConfig   `mapstructure:"batch"`
}

// ServerConfig HTTP服务配置
type ServerConfig struct {
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	Mode    string `mapstructure:"mode"`     // debug, production
	BaseURL string `mapstructure:"base_url"` // 对外基础URL, 用于改写媒体链接
}

// AuthConfig 鉴权配置
type AuthConfig struct {
	APIKey   string `mapstructure:"api_key"`   // 公共接口 Bearer key, 为空则不鉴权
	AdminKey string `mapstructure:"admin_key"` // 管理接口 Bearer key
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StorageConfig 持久化配置
type StorageConfig struct {
	Type string `mapstructure:"type"` // file, sqlite, postgres
	Path string `mapstructure:"path"` // file 模式下的数据目录
	DSN  string `mapstructure:"dsn"`  // sqlite/postgres DSN
}

// GrokConfig 上游配置
type GrokConfig struct {
	BaseURL        string `mapstructure:"base_url"`   // https://grok.com
	AssetsURL      string `mapstructure:"assets_url"` // https://assets.grok.com
	ProxyURL       string `mapstructure:"proxy_url"`  // 出站代理
	CFClearance    string `mapstructure:"cf_clearance"`
	XStatsigID     string `mapstructure:"x_statsig_id"`
	DynamicStatsig bool   `mapstructure:"dynamic_statsig"`
	Temporary      bool   `mapstructure:"temporary"`
	Timeout        time.Duration `mapstructure:"timeout"`
	FilteredTags   []string      `mapstructure:"filtered_tags"`
}

// PoolConfig Token池配置
type PoolConfig struct {
	FailThreshold             int           `mapstructure:"fail_threshold"`
	SaveDelay                 time.Duration `mapstructure:"save_delay"`
	ReloadInterval            time.Duration `mapstructure:"reload_interval"`
	RefreshIntervalHours      int           `mapstructure:"refresh_interval_hours"`
	SuperRefreshIntervalHours int           `mapstructure:"super_refresh_interval_hours"`
	UsageConcurrent           int           `mapstructure:"usage_concurrent"`
}

// RetryConfig 重试配置
type RetryConfig struct {
	MaxRetry      int           `mapstructure:"max_retry"`
	StatusCodes   []int         `mapstructure:"status_codes"`
	BackoffBase   time.Duration `mapstructure:"backoff_base"`
	BackoffFactor float64       `mapstructure:"backoff_factor"`
	BackoffMax    time.Duration `mapstructure:"backoff_max"`
	Budget        time.Duration `mapstructure:"budget"`
}

// ChatConfig 对话配置
type ChatConfig struct {
	StreamTimeout time.Duration `mapstructure:"stream_timeout"` // 流式空闲超时
	Thinking      bool          `mapstructure:"thinking"`       // 默认是否输出思考痕迹
}

// ImageConfig 图片生成配置
type ImageConfig struct {
	Transport      string        `mapstructure:"transport"` // ws, http
	StreamTimeout  time.Duration `mapstructure:"stream_timeout"`
	FinalTimeout   time.Duration `mapstructure:"final_timeout"`
	MediumMinBytes int           `mapstructure:"medium_min_bytes"`
	FinalMinBytes  int           `mapstructure:"final_min_bytes"`
}

// VideoConfig 视频生成配置
type VideoConfig struct {
	StreamTimeout time.Duration `mapstructure:"stream_timeout"`
}

// CacheConfig 媒体缓存配置
type CacheConfig struct {
	Dir       string `mapstructure:"dir"`
	MaxSizeMB int    `mapstructure:"max_size_mb"`
}

// BatchConfig 批量任务配置
type BatchConfig struct {
	NSFWConcurrent        int `mapstructure:"nsfw_concurrent"`
	AssetListConcurrent   int `mapstructure:"asset_list_concurrent"`
	AssetDeleteConcurrent int `mapstructure:"asset_delete_concurrent"`
}

// Load 加载配置
func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom 加载配置, path 非空时只读指定文件 (热重载用)
func LoadFrom(path string) (*Config, error) {
	v := viper.New()

	// 设置默认值
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		// 分层加载: 默认值 → 全局 ~/.grok2api/ → 项目本地 → 环境变量
		globalDir := filepath.Join(os.Getenv("HOME"), ".grok2api")
		v.AddConfigPath(globalDir)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read global config: %w", err)
			}
		}

		// 项目本地配置叠加
		for _, localDir := range []string{"./config", "."} {
			localPath := filepath.Join(localDir, "config.yaml")
			if _, err := os.Stat(localPath); err == nil {
				v2 := viper.New()
				v2.SetConfigFile(localPath)
				if err := v2.ReadInConfig(); err == nil {
					_ = v.MergeConfigMap(v2.AllSettings())
				}
				break
			}
		}
	}

	// 环境变量覆盖
	v.SetEnvPrefix("GROK2API")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults 设置默认配置
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8698)
	v.SetDefault("server.mode", "production")
	v.SetDefault("server.base_url", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("storage.type", "file")
	v.SetDefault("storage.path", "data")
	v.SetDefault("storage.dsn", "grok2api.db")

	v.SetDefault("grok.base_url", "https://grok.com")
	v.SetDefault("grok.assets_url", "https://assets.grok.com")
	v.SetDefault("grok.temporary", true)
	v.SetDefault("grok.timeout", "120s")
	v.SetDefault("grok.dynamic_statsig", false)
	v.SetDefault("grok.filtered_tags", []string{"xaiartifact", "xai:tool_usage_card", "grok:render"})

	v.SetDefault("pool.fail_threshold", 5)
	v.SetDefault("pool.save_delay", "500ms")
	v.SetDefault("pool.reload_interval", "30s")
	v.SetDefault("pool.refresh_interval_hours", 8)
	v.SetDefault("pool.super_refresh_interval_hours", 4)
	v.SetDefault("pool.usage_concurrent", 10)

	v.SetDefault("retry.max_retry", 3)
	v.SetDefault("retry.status_codes", []int{401, 403, 429})
	v.SetDefault("retry.backoff_base", "500ms")
	v.SetDefault("retry.backoff_factor", 2.0)
	v.SetDefault("retry.backoff_max", "30s")
	v.SetDefault("retry.budget", "90s")

	v.SetDefault("chat.stream_timeout", "120s")
	v.SetDefault("chat.thinking", true)

	v.SetDefault("image.transport", "ws")
	v.SetDefault("image.stream_timeout", "90s")
	v.SetDefault("image.final_timeout", "30s")
	v.SetDefault("image.medium_min_bytes", 10*1024)
	v.SetDefault("image.final_min_bytes", 100*1024)

	v.SetDefault("video.stream_timeout", "300s")

	v.SetDefault("cache.dir", "data/temp")
	v.SetDefault("cache.max_size_mb", 500)

	v.SetDefault("batch.nsfw_concurrent", 10)
	v.SetDefault("batch.asset_list_concurrent", 20)
	v.SetDefault("batch.asset_delete_concurrent", 20)
}
