// Package config 加载进程配置：默认值打底，可选YAML配置文件覆盖默认值，
// 环境变量拥有最终覆盖权
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// RedisConfig 队列broker连接配置
type RedisConfig struct {
	URL      string `env:"REDIS_URL" validate:"required" yaml:"url"`
	PoolSize int    `env:"REDIS_POOL_SIZE" default:"20" yaml:"pool_size"`
}

// PostgresConfig 持久化facade连接配置
type PostgresConfig struct {
	Host            string        `env:"PGHOST" validate:"required" yaml:"host"`
	Port            int           `env:"PGPORT" default:"5432" yaml:"port"`
	User            string        `env:"PGUSER" validate:"required" yaml:"user"`
	Password        string        `env:"PGPASSWORD" yaml:"password"`
	Database        string        `env:"PGDATABASE" validate:"required" yaml:"database"`
	Schema          string        `env:"PGSCHEMA" default:"docgather" yaml:"schema"`
	SSLMode         string        `env:"PGSSLMODE" default:"disable" yaml:"ssl_mode"`
	MaxOpenConns    int           `env:"PG_MAX_OPEN_CONNS" default:"20" yaml:"max_open_conns"`
	MaxIdleConns    int           `env:"PG_MAX_IDLE_CONNS" default:"5" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `env:"PG_CONN_MAX_LIFETIME" default:"1h" yaml:"conn_max_lifetime"`
}

// StorageConfig 对象存储facade配置
type StorageConfig struct {
	Endpoint        string `env:"SB_STORAGE_ENDPOINT" validate:"required" yaml:"endpoint"`
	AccessKeyID     string `env:"SB_STORAGE_ACCESS_KEY" validate:"required" yaml:"access_key_id"`
	SecretAccessKey string `env:"SB_STORAGE_SECRET_KEY" validate:"required" yaml:"secret_access_key"`
	UseSSL          bool   `env:"SB_STORAGE_SSL" default:"true" yaml:"use_ssl"`
	Bucket          string `env:"SB_STORAGE_BUCKET" default:"docgather" yaml:"bucket"`
	// MasterKeyVersion 当前vault主密钥版本；私有行未携带版本时使用
	MasterKeyVersion string `env:"SB_MASTER_KEY_VERSION" default:"v1" yaml:"master_key_version"`
	// MasterKey 对应MasterKeyVersion的32字节原始密钥，base64编码
	MasterKey string `env:"SB_SECRET_KEY" validate:"required" yaml:"master_key"`
}

// ProviderEndpointConfig 单个任务类型（ocr/text/vision）的provider配置
type ProviderEndpointConfig struct {
	Provider string `env:"PROVIDER" yaml:"provider"`
	Model    string `env:"MODEL" yaml:"model"`
	Endpoint string `env:"ENDPOINT" yaml:"endpoint"`
}

// LLMConfig LLM网关配置
type LLMConfig struct {
	CacheEnabled bool   `env:"LLM_CACHE_ENABLED" default:"true" yaml:"cache_enabled"`
	CacheDir     string `env:"LLM_CACHE_DIR" default:"/tmp/docgather-llm-cache" yaml:"cache_dir"`
	NumCtx       int    `env:"LLM_NUM_CTX" default:"8192" yaml:"num_ctx"`
	// ResultsDumpEnabled 打开后每个终态文档的聚合结果会转储到CacheDir下，仅用于开发调试
	ResultsDumpEnabled bool `env:"LLM_RESULTS_DUMP_ENABLED" yaml:"results_dump_enabled"`

	OCR    ProviderEndpointConfig `yaml:"ocr"`
	Text   ProviderEndpointConfig `yaml:"text"`
	Vision ProviderEndpointConfig `yaml:"vision"`

	MistralAPIKey          string `env:"MISTRAL_API_KEY" yaml:"mistral_api_key"`
	OVHAIAPIKey            string `env:"OVH_AI_API_KEY" yaml:"ovh_ai_api_key"`
	MistralMaxRPS          int    `env:"MISTRAL_MAX_RPS" default:"1" yaml:"mistral_max_rps"`
	MistralBatchOCREnabled bool   `env:"MISTRAL_BATCH_OCR_ENABLED" yaml:"mistral_batch_ocr_enabled"`

	FlyWorkerURL    string `env:"FLY_WORKER_URL" yaml:"fly_worker_url"`
	FlyWorkerAPIKey string `env:"FLY_WORKER_API_KEY" yaml:"fly_worker_api_key"`
}

// Config 进程根配置
type Config struct {
	Port                int    `env:"PORT" default:"8080" yaml:"port"`
	FlyMachineVersion   string `env:"FLY_MACHINE_VERSION" default:"dev" yaml:"fly_machine_version"`
	SupabaseURL         string `env:"SUPABASE_URL" yaml:"supabase_url"`
	FileCacheKeepOnDisk bool   `env:"FILE_CACHE_KEEP_ON_DISK" yaml:"file_cache_keep_on_disk"`

	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
	Storage  StorageConfig  `yaml:"storage"`
	LLM      LLMConfig      `yaml:"llm"`
}

// Load 加载配置。默认值先落到零值字段上，CONFIG_FILE指向的YAML文件（可选）
// 覆盖默认值，设置了的环境变量最终覆盖两者，最后整体校验。
func Load() (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("设置默认值失败: %w", err)
	}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("解析配置文件失败: %w", err)
		}
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("解析环境变量失败: %w", err)
	}

	// 子任务provider前缀展开：LLM_{OCR,TEXT,VISION}_{PROVIDER,MODEL,ENDPOINT}
	if err := env.Parse(&cfg.LLM.OCR, env.Options{Prefix: "LLM_OCR_"}); err != nil {
		return nil, fmt.Errorf("解析OCR provider配置失败: %w", err)
	}
	if err := env.Parse(&cfg.LLM.Text, env.Options{Prefix: "LLM_TEXT_"}); err != nil {
		return nil, fmt.Errorf("解析text provider配置失败: %w", err)
	}
	if err := env.Parse(&cfg.LLM.Vision, env.Options{Prefix: "LLM_VISION_"}); err != nil {
		return nil, fmt.Errorf("解析vision provider配置失败: %w", err)
	}

	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return nil, fmt.Errorf("配置校验失败: %w", err)
	}
	return cfg, nil
}
