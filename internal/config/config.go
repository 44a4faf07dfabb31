package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
	Patch    PatchConfig    `mapstructure:"patch"`
	Signing  SigningConfig  `mapstructure:"signing"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Watcher  WatcherConfig  `mapstructure:"watcher"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Log      LogConfig      `mapstructure:"log"`
	DataDir  string         `mapstructure:"data_dir"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug, release
	// APIToken 为空时不启用认证
	APIToken string `mapstructure:"api_token"`
	// MaxUploadMB 上传 APK 大小上限
	MaxUploadMB int `mapstructure:"max_upload_mb"`
}

type DatabaseConfig struct {
	Type     string `mapstructure:"type"` // mysql, sqlite
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"`
	// Path sqlite 数据库文件
	Path string `mapstructure:"path"`
}

type RabbitMQConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	VHost    string `mapstructure:"vhost"`
	Queue    string `mapstructure:"queue"`
	Prefetch int    `mapstructure:"prefetch"`
	// DeadLetterQueue 失败消息转入的队列，为空时直接丢弃
	DeadLetterQueue string `mapstructure:"dead_letter_queue"`
}

// PatchConfig 补丁任务配置
type PatchConfig struct {
	WorkDir    string `mapstructure:"work_dir"`    // 任务临时目录
	OutputDir  string `mapstructure:"output_dir"`  // 输出目录
	CatalogDir string `mapstructure:"catalog_dir"` // 补丁描述文件目录
	Strict     bool   `mapstructure:"strict"`      // 校验原始字节
	RestoreCRC bool   `mapstructure:"restore_crc"` // 把所有条目的 CRC 写回原包的值
	KeepWork   bool   `mapstructure:"keep_work"`   // 保留临时目录（调试）
}

// SigningConfig 签名配置
type SigningConfig struct {
	Strategy      string `mapstructure:"strategy"` // auto, delegated, builtin
	KeystorePath  string `mapstructure:"keystore_path"`
	KeyAlias      string `mapstructure:"key_alias"`
	Password      string `mapstructure:"password"`
	ApksignerPath string `mapstructure:"apksigner_path"`
	JarsignerPath string `mapstructure:"jarsigner_path"`
	Timeout       int    `mapstructure:"timeout"` // seconds
	VerifyAfter   bool   `mapstructure:"verify_after"`
}

// ArchiveConfig 重建参数
type ArchiveConfig struct {
	Alignment        int `mapstructure:"alignment"`
	PageAlignment    int `mapstructure:"page_alignment"`
	CompressionLevel int `mapstructure:"compression_level"`
}

type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"` // Worker 数量
	QueueSize   int `mapstructure:"queue_size"`  // 任务队列大小
}

// WatcherConfig 收件目录监听
type WatcherConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	InboxDir string `mapstructure:"inbox_dir"`
	// Debounce 文件写入完成后等待的毫秒数
	Debounce int `mapstructure:"debounce"`
	// ScanExisting 启动时提交目录中已有的 APK
	ScanExisting bool `mapstructure:"scan_existing"`
}

type RetryConfig struct {
	MaxAttempts     int    `mapstructure:"max_attempts"`
	InitialInterval int    `mapstructure:"initial_interval"` // milliseconds
	MaxInterval     int    `mapstructure:"max_interval"`     // milliseconds
	Strategy        string `mapstructure:"strategy"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
	File   string `mapstructure:"file"`   // 为空时输出到 stdout
}

// SigningTimeout 签名超时
func (c SigningConfig) SigningTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./data")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.max_upload_mb", 512)

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.db_name", "apk_patcher")

	v.SetDefault("rabbitmq.host", "localhost")
	v.SetDefault("rabbitmq.port", 5672)
	v.SetDefault("rabbitmq.user", "guest")
	v.SetDefault("rabbitmq.password", "guest")
	v.SetDefault("rabbitmq.vhost", "/")
	v.SetDefault("rabbitmq.queue", "apk_patch_jobs")
	v.SetDefault("rabbitmq.prefetch", 1)
	v.SetDefault("rabbitmq.dead_letter_queue", "apk_patch_jobs.failed")

	v.SetDefault("patch.catalog_dir", "./patches")

	v.SetDefault("signing.strategy", "auto")
	v.SetDefault("signing.timeout", 120)

	v.SetDefault("archive.alignment", 4)
	v.SetDefault("archive.page_alignment", 4096)
	v.SetDefault("archive.compression_level", -1)

	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.queue_size", 100)

	v.SetDefault("watcher.debounce", 500)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_interval", 500)
	v.SetDefault("retry.max_interval", 5000)
	v.SetDefault("retry.strategy", "exponential")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

func bindEnv(v *viper.Viper) {
	// 环境变量覆盖（支持嵌套配置）
	v.AutomaticEnv()

	v.BindEnv("signing.password", "APKPATCH_KEYSTORE_PASSWORD")
	v.BindEnv("signing.keystore_path", "APKPATCH_KEYSTORE")
	v.BindEnv("patch.catalog_dir", "APKPATCH_CATALOG_DIR")
	v.BindEnv("server.api_token", "APKPATCH_API_TOKEN")

	// RabbitMQ
	v.BindEnv("rabbitmq.host", "RABBITMQ_HOST")
	v.BindEnv("rabbitmq.port", "RABBITMQ_PORT")
	v.BindEnv("rabbitmq.user", "RABBITMQ_USER")
	v.BindEnv("rabbitmq.password", "RABBITMQ_PASSWORD")

	// Database
	v.BindEnv("database.host", "DB_HOST")
	v.BindEnv("database.port", "DB_PORT")
	v.BindEnv("database.user", "DB_USER")
	v.BindEnv("database.password", "DB_PASSWORD")
	v.BindEnv("database.db_name", "DB_NAME")
}

// Default 不读配置文件时的默认配置（环境变量仍然生效）
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		// 默认值本身不会解析失败
		panic(err)
	}
	return cfg
}

// Load 读取 YAML 配置文件，path 为空时只使用默认值和环境变量
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	bindEnv(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	cfg.fillPaths()
	return &cfg, nil
}

// fillPaths 未配置的目录放到 data_dir 下
func (c *Config) fillPaths() {
	if c.Patch.WorkDir == "" {
		c.Patch.WorkDir = filepath.Join(c.DataDir, "work")
	}
	if c.Patch.OutputDir == "" {
		c.Patch.OutputDir = filepath.Join(c.DataDir, "output")
	}
	if c.Watcher.InboxDir == "" {
		c.Watcher.InboxDir = filepath.Join(c.DataDir, "inbox")
	}
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(c.DataDir, "apk_patcher.db")
	}
}

// SetDataDir 修改 data_dir，仍位于原默认位置的目录随之移动
func (c *Config) SetDataDir(dir string) {
	prev := Config{DataDir: c.DataDir}
	prev.fillPaths()

	c.DataDir = dir
	if c.Patch.WorkDir == prev.Patch.WorkDir {
		c.Patch.WorkDir = ""
	}
	if c.Patch.OutputDir == prev.Patch.OutputDir {
		c.Patch.OutputDir = ""
	}
	if c.Watcher.InboxDir == prev.Watcher.InboxDir {
		c.Watcher.InboxDir = ""
	}
	if c.Database.Path == prev.Database.Path {
		c.Database.Path = ""
	}
	c.fillPaths()
}
