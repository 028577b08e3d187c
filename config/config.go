// Package config 钥匙扣服务的配置：默认值 → YAML 文件 → 环境变量
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"img2keychain/color2label"
	"img2keychain/pipeline"
	"img2keychain/storage"
	"img2keychain/worker"
)

// Config 完整配置结构
type Config struct {
	Storage    StorageConfig      `yaml:"storage" env:"STORAGE"`
	Database   DatabaseConfig     `yaml:"database" env:"DATABASE"`
	Queue      QueueConfig        `yaml:"queue" env:"QUEUE"`
	Redis      RedisConfig        `yaml:"redis" env:"REDIS"`
	Worker     worker.Config      `yaml:"worker" env:"WORKER"`
	Pipeline   PipelineConfig     `yaml:"pipeline" env:"PIPELINE"`
	Classifier color2label.Config `yaml:"classifier" env:"-"`
	Log        LogConfig          `yaml:"log" env:"LOG"`
	Metrics    MetricsConfig      `yaml:"metrics" env:"METRICS"`
}

// StorageConfig 产物目录和可选的 S3 镜像
type StorageConfig struct {
	Root string           `yaml:"root" env:"ROOT"`
	S3   storage.S3Config `yaml:"s3" env:"S3"`
}

// DatabaseConfig SQLite 任务库
type DatabaseConfig struct {
	Path string `yaml:"path" env:"PATH"`
}

// QueueConfig 任务队列
type QueueConfig struct {
	// 后端: sqlite, redis
	Backend    string        `yaml:"backend" env:"BACKEND"`
	Name       string        `yaml:"name" env:"NAME"`
	Visibility time.Duration `yaml:"visibility" env:"VISIBILITY"`
}

// RedisConfig Redis 连接
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
}

// PipelineConfig 处理流程与外部工具
type PipelineConfig struct {
	MaxDimension   int     `yaml:"max_dimension" env:"MAX_DIMENSION"`
	PocketAreaFrac float64 `yaml:"pocket_area_frac" env:"POCKET_AREA_FRAC"`
	Parallelism    int     `yaml:"parallelism" env:"PARALLELISM"`
	// 外部进程超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	TempDir string        `yaml:"temp_dir" env:"TEMP_DIR"`
	// 矢量化: gotrace, potrace
	Vectorizer  string `yaml:"vectorizer" env:"VECTORIZER"`
	PotraceBin  string `yaml:"potrace_bin" env:"POTRACE_BIN"`
	OpenSCADBin string `yaml:"openscad_bin" env:"OPENSCAD_BIN"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format      string   `yaml:"format" env:"FORMAT"`
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
}

// MetricsConfig 健康检查与指标端口，空地址表示不监听
type MetricsConfig struct {
	Addr      string `yaml:"addr" env:"ADDR"`
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	p := pipeline.DefaultConfig()
	return &Config{
		Storage:  StorageConfig{Root: "data"},
		Database: DatabaseConfig{Path: "data/keychain.db"},
		Queue: QueueConfig{
			Backend:    "sqlite",
			Name:       "keychain-jobs",
			Visibility: 5 * time.Minute,
		},
		Redis:  RedisConfig{Addr: "localhost:6379"},
		Worker: worker.DefaultConfig(),
		Pipeline: PipelineConfig{
			MaxDimension:   p.MaxDimension,
			PocketAreaFrac: p.PocketAreaFrac,
			Parallelism:    p.Parallelism,
			Timeout:        30 * time.Second,
			Vectorizer:     "gotrace",
			PotraceBin:     "potrace",
			OpenSCADBin:    "openscad",
		},
		Classifier: color2label.DefaultConfig(),
		Log: LogConfig{
			Level:       "info",
			Format:      "json",
			OutputPaths: []string{"stdout"},
		},
		Metrics: MetricsConfig{Addr: ":9091", Namespace: "keychain"},
	}
}

// PipelineOptions 把 pipeline 配置段转换为 pipeline.Config
func (c *Config) PipelineOptions() pipeline.Config {
	p := pipeline.DefaultConfig()
	p.MaxDimension = c.Pipeline.MaxDimension
	p.PocketAreaFrac = c.Pipeline.PocketAreaFrac
	p.Parallelism = c.Pipeline.Parallelism
	p.Classifier = c.Classifier
	return p
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string
	if c.Storage.Root == "" {
		errs = append(errs, "storage.root is required")
	}
	if c.Storage.S3.Enabled && c.Storage.S3.Bucket == "" {
		errs = append(errs, "storage.s3.bucket is required when s3 is enabled")
	}
	switch c.Queue.Backend {
	case "sqlite":
		if c.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite queue")
		}
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, "redis.addr is required for the redis queue")
		}
	default:
		errs = append(errs, fmt.Sprintf("queue.backend %q must be sqlite or redis", c.Queue.Backend))
	}
	if c.Queue.Visibility <= 0 {
		errs = append(errs, "queue.visibility must be positive")
	}
	if c.Worker.Concurrency <= 0 {
		errs = append(errs, "worker.concurrency must be positive")
	}
	if c.Pipeline.MaxDimension < 64 {
		errs = append(errs, "pipeline.max_dimension must be at least 64")
	}
	if c.Pipeline.Parallelism <= 0 {
		errs = append(errs, "pipeline.parallelism must be positive")
	}
	if c.Pipeline.Timeout <= 0 {
		errs = append(errs, "pipeline.timeout must be positive")
	}
	switch c.Pipeline.Vectorizer {
	case "gotrace", "potrace":
	default:
		errs = append(errs, fmt.Sprintf("pipeline.vectorizer %q must be gotrace or potrace", c.Pipeline.Vectorizer))
	}
	if err := c.Classifier.Validate(); err != nil {
		errs = append(errs, err.Error())
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("log.level %q is invalid", c.Log.Level))
	}
	if len(errs) > 0 {
		return errors.New("config: " + strings.Join(errs, "; "))
	}
	return nil
}
