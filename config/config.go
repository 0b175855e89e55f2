package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	JWT         JWTConfig         `mapstructure:"jwt"`
	CORS        CORSConfig        `mapstructure:"cors"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Entitlement EntitlementConfig `mapstructure:"entitlement"`
	Sync        SyncConfig        `mapstructure:"sync"`
	RevenueCat  RevenueCatConfig  `mapstructure:"revenuecat"`
	Stripe      StripeConfig      `mapstructure:"stripe"`
	OSS         OSSConfig         `mapstructure:"oss"`
	Expiry      ExpiryConfig      `mapstructure:"expiry"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

type DatabaseConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// JWTConfig 本地签发 token 用 Secret；配置了 JWKSURL 时改为校验外部身份服务签发的 token
type JWTConfig struct {
	Secret      string `mapstructure:"secret"`
	ExpireHours int    `mapstructure:"expire_hours"`
	JWKSURL     string `mapstructure:"jwks_url"`
	Issuer      string `mapstructure:"issuer"`
	Audience    string `mapstructure:"audience"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
}

type QueueConfig struct {
	WebhookQueue string `mapstructure:"webhook_queue"`
	MaxWorkers   int    `mapstructure:"max_workers"`
}

// EntitlementConfig 套餐目录与权益规则
type EntitlementConfig struct {
	OwnerUserID       int64           `mapstructure:"owner_user_id"`
	DefaultPeriodDays int             `mapstructure:"default_period_days"`
	Tiers             []string        `mapstructure:"tiers"` // 由低到高
	Products          []ProductConfig `mapstructure:"products"`
}

type ProductConfig struct {
	ProductID string `mapstructure:"product_id"`
	Tier      string `mapstructure:"tier"`
	PriceID   string `mapstructure:"price_id"`
}

// DefaultPeriod 未提供到期时间时使用的订阅周期
func (c EntitlementConfig) DefaultPeriod() time.Duration {
	days := c.DefaultPeriodDays
	if days <= 0 {
		days = 30
	}
	return time.Duration(days) * 24 * time.Hour
}

type SyncConfig struct {
	MaxAttempts int `mapstructure:"max_attempts"`
	BackoffMs   int `mapstructure:"backoff_ms"`
}

func (c SyncConfig) Attempts() int {
	if c.MaxAttempts <= 0 {
		return 3
	}
	return c.MaxAttempts
}

func (c SyncConfig) Backoff() time.Duration {
	if c.BackoffMs < 0 {
		return 0
	}
	return time.Duration(c.BackoffMs) * time.Millisecond
}

type RevenueCatConfig struct {
	BaseURL         string `mapstructure:"base_url"`
	APIKey          string `mapstructure:"api_key"`
	WebhookAuthHash string `mapstructure:"webhook_auth_hash"` // bcrypt(Authorization 头)
	CacheTTLSeconds int    `mapstructure:"cache_ttl_seconds"`
	TimeoutSeconds  int    `mapstructure:"timeout_seconds"`
}

func (c RevenueCatConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

func (c RevenueCatConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type StripeConfig struct {
	SecretKey     string `mapstructure:"secret_key"`
	WebhookSecret string `mapstructure:"webhook_secret"`
}

type OSSConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	AccessKeySecret string `mapstructure:"access_key_secret"`
	BucketName      string `mapstructure:"bucket_name"`
	ArchivePrefix   string `mapstructure:"archive_prefix"`
}

type ExpiryConfig struct {
	IntervalMinutes int `mapstructure:"interval_minutes"`
}

func (c ExpiryConfig) Interval() time.Duration {
	if c.IntervalMinutes <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(c.IntervalMinutes) * time.Minute
}

func Load(configPath string) (*Config, error) {
	// .env 只补充环境变量，不存在时忽略
	_ = godotenv.Load()

	// 优先尝试读取 config.local.yaml（包含真实密钥，不提交到git）
	dir := filepath.Dir(configPath)
	localConfigPath := filepath.Join(dir, "config.local.yaml")
	if _, err := os.Stat(localConfigPath); err == nil {
		configPath = localConfigPath
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.SetDefault("queue.webhook_queue", "revenuecat_webhooks")
	v.SetDefault("queue.max_workers", 2)
	v.SetDefault("entitlement.default_period_days", 30)
	v.SetDefault("sync.max_attempts", 3)
	v.SetDefault("sync.backoff_ms", 500)
	v.SetDefault("revenuecat.base_url", "https://api.revenuecat.com")
	v.SetDefault("revenuecat.cache_ttl_seconds", 60)
	v.SetDefault("oss.archive_prefix", "webhooks")
	v.SetDefault("expiry.interval_minutes", 15)

	// 环境变量覆盖
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
