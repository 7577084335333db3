package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"BSM-Orchestrator/internal/agent"
)

// Config 描述了 bsmd 在启动阶段需要加载的全部配置。
type Config struct {
	Server      ServerConfig      `yaml:"server" json:"server"`
	Auth        AuthConfig        `yaml:"auth" json:"auth"`
	Metrics     MetricsConfig     `yaml:"metrics" json:"metrics"`
	Logging     LoggingConfig     `yaml:"logging" json:"logging"`
	Tracing     TracingConfig     `yaml:"tracing" json:"tracing"`
	Registry    RegistryConfig    `yaml:"registry" json:"registry"`
	Guards      GuardsConfig      `yaml:"guards" json:"guards"`
	Approvals   ApprovalsConfig   `yaml:"approvals" json:"approvals"`
	Audit       AuditConfig       `yaml:"audit" json:"audit"`
	Credentials CredentialsConfig `yaml:"credentials" json:"credentials"`
	Alerting    AlertingConfig    `yaml:"alerting" json:"alerting"`
	Jobs        JobsConfig        `yaml:"jobs" json:"jobs"`
	Redis       RedisConfig       `yaml:"redis" json:"redis"`
	Runtime     RuntimeConfig     `yaml:"runtime" json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address         string   `yaml:"address" json:"address"`
	ReadTimeout     Duration `yaml:"read_timeout" json:"read_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// AuthConfig 控制 API 认证，mode 为 disabled 或 token。
type AuthConfig struct {
	Mode   string        `yaml:"mode" json:"mode"`
	Tokens []TokenConfig `yaml:"tokens" json:"tokens"`
}

// TokenConfig 描述一个调用方，令牌可直接填写，也可指定环境变量名。
type TokenConfig struct {
	Name        string   `yaml:"name" json:"name"`
	Token       string   `yaml:"token" json:"token"`
	TokenEnv    string   `yaml:"token_env" json:"token_env"`
	Permissions []string `yaml:"permissions" json:"permissions"`
}

// MetricsConfig 控制 Prometheus 指标监听，地址为空表示关闭。
type MetricsConfig struct {
	Address string `yaml:"address" json:"address"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level       string         `yaml:"level" json:"level"`
	Format      string         `yaml:"format" json:"format"`
	OutputPaths []string       `yaml:"output_paths" json:"output_paths"`
	Audit       AuditLogConfig `yaml:"audit" json:"audit"`
}

// AuditLogConfig 控制审计日志文件。
type AuditLogConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`
}

// TracingConfig 控制 OTLP 链路导出，endpoint 为空表示关闭。
type TracingConfig struct {
	Endpoint    string            `yaml:"endpoint" json:"endpoint"`
	ServiceName string            `yaml:"service_name" json:"service_name"`
	Environment string            `yaml:"environment" json:"environment"`
	Insecure    bool              `yaml:"insecure" json:"insecure"`
	Headers     map[string]string `yaml:"headers" json:"headers"`
}

// RegistryConfig 描述注册表文件。
type RegistryConfig struct {
	Path   string `yaml:"path" json:"path"`
	Strict bool   `yaml:"strict" json:"strict"`
	Watch  bool   `yaml:"watch" json:"watch"`
}

// GuardsConfig 控制模式与审批守卫。
type GuardsConfig struct {
	// ModeDefaults 按 safety.mode 给出默认允许模式，为空使用内置表。
	ModeDefaults             map[string][]string `yaml:"mode_defaults" json:"mode_defaults"`
	RequireLANOrigin         *bool               `yaml:"require_lan_origin" json:"require_lan_origin"`
	HighRiskRequiresApproval *bool               `yaml:"high_risk_requires_approval" json:"high_risk_requires_approval"`
	Policy                   PolicyConfig        `yaml:"policy" json:"policy"`
}

// PolicyConfig 指向可选的 rego 策略。
type PolicyConfig struct {
	Path string `yaml:"path" json:"path"`
}

// ApprovalsConfig 选择审批记录存储。
type ApprovalsConfig struct {
	Driver     string   `yaml:"driver" json:"driver"`
	Prefix     string   `yaml:"prefix" json:"prefix"`
	DefaultTTL Duration `yaml:"default_ttl" json:"default_ttl"`
}

// AuditConfig 选择审计落地方式。
type AuditConfig struct {
	Sinks          []string        `yaml:"sinks" json:"sinks"`
	MemoryCapacity int             `yaml:"memory_capacity" json:"memory_capacity"`
	File           AuditFileConfig `yaml:"file" json:"file"`
	MySQL          MySQLConfig     `yaml:"mysql" json:"mysql"`
	Stream         StreamConfig    `yaml:"stream" json:"stream"`
	QueueSize      int             `yaml:"queue_size" json:"queue_size"`
	EnqueueTimeout Duration        `yaml:"enqueue_timeout" json:"enqueue_timeout"`
}

// AuditFileConfig 对应 JSONL 文件 sink。
type AuditFileConfig struct {
	Path       string `yaml:"path" json:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`
}

// MySQLConfig 描述 MySQL 连接。
type MySQLConfig struct {
	DSN             string   `yaml:"dsn" json:"dsn"`
	MaxOpenConns    int      `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// StreamConfig 描述 Redis stream sink。
type StreamConfig struct {
	Name   string `yaml:"name" json:"name"`
	MaxLen int64  `yaml:"max_len" json:"max_len"`
}

// CredentialsConfig 对应凭证轮换管理器。
type CredentialsConfig struct {
	// Providers 为空时按内置环境变量读取。
	Providers         []ProviderConfig    `yaml:"providers" json:"providers"`
	Threshold         int                 `yaml:"threshold" json:"threshold"`
	Alternatives      map[string][]string `yaml:"alternatives" json:"alternatives"`
	StatusURL         string              `yaml:"status_url" json:"status_url"`
	ReconcileInterval Duration            `yaml:"reconcile_interval" json:"reconcile_interval"`
	FetchTimeout      Duration            `yaml:"fetch_timeout" json:"fetch_timeout"`
}

// ProviderConfig 描述单个提供方。密钥可直接填写，也可指定环境变量名。
type ProviderConfig struct {
	Name        string `yaml:"name" json:"name"`
	Primary     string `yaml:"primary" json:"primary"`
	PrimaryEnv  string `yaml:"primary_env" json:"primary_env"`
	Fallback    string `yaml:"fallback" json:"fallback"`
	FallbackEnv string `yaml:"fallback_env" json:"fallback_env"`
}

// AlertingConfig 控制告警渠道，日志渠道始终开启。
type AlertingConfig struct {
	SlackWebhook string   `yaml:"slack_webhook" json:"slack_webhook"`
	SlackChannel string   `yaml:"slack_channel" json:"slack_channel"`
	Timeout      Duration `yaml:"timeout" json:"timeout"`
}

// JobsConfig 控制异步作业。
type JobsConfig struct {
	Enabled    bool           `yaml:"enabled" json:"enabled"`
	Queue      string         `yaml:"queue" json:"queue"`
	Workers    int            `yaml:"workers" json:"workers"`
	MaxRetries int            `yaml:"max_retries" json:"max_retries"`
	QueueSize  int            `yaml:"queue_size" json:"queue_size"`
	RedisList  string         `yaml:"redis_list" json:"redis_list"`
	RabbitMQ   RabbitMQConfig `yaml:"rabbitmq" json:"rabbitmq"`
}

// RabbitMQConfig 描述 RabbitMQ 队列。
type RabbitMQConfig struct {
	URL      string `yaml:"url" json:"url"`
	Queue    string `yaml:"queue" json:"queue"`
	Prefetch int    `yaml:"prefetch" json:"prefetch"`
	Durable  bool   `yaml:"durable" json:"durable"`
}

// RedisConfig 是共享的 Redis 连接，地址为空表示不使用 Redis。
type RedisConfig struct {
	Address  string `yaml:"address" json:"address"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `yaml:"data_dir" json:"data_dir"`
}

// 支持的驱动
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverRabbitMQ = "rabbitmq"
	SinkFile       = "file"
	SinkMySQL      = "mysql"
	AuthDisabled   = "disabled"
	AuthToken      = "token"
)

// 环境变量
const (
	EnvConfig        = "BSM_CONFIG"
	EnvServerAddress = "BSM_SERVER_ADDRESS"
	EnvLogLevel      = "BSM_LOG_LEVEL"
	EnvAuditMySQLDSN = "BSM_AUDIT_MYSQL_DSN"
	EnvRedisAddress  = "BSM_REDIS_ADDRESS"
)

// Load 解析指定路径的配置文件，按扩展名选择 YAML 或 JSON。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(content, &cfg)
	default:
		err = yaml.Unmarshal(content, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyEnv(os.Getenv)
	cfg.applyDefaults(filepath.Dir(path))
	return &cfg, nil
}

// Resolve 依次使用 path、BSM_CONFIG，两者都为空时返回默认配置。
func Resolve(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	if path == "" {
		return Default(), nil
	}
	return Load(path)
}

// Default 返回以当前目录为基准的默认配置，同样应用环境变量。
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv(os.Getenv)
	cfg.applyDefaults(".")
	return cfg
}

func (c *Config) applyEnv(lookup func(string) string) {
	if v := lookup(EnvServerAddress); v != "" {
		c.Server.Address = v
	}
	if v := lookup(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
	if v := lookup(EnvAuditMySQLDSN); v != "" {
		c.Audit.MySQL.DSN = v
	}
	if v := lookup(EnvRedisAddress); v != "" {
		c.Redis.Address = v
	}
}

// applyDefaults 在用户未填写部分字段时设置默认值，相对路径以配置文件目录为基准。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = Duration(15 * time.Second)
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = AuthDisabled
	}
	c.Auth.Mode = strings.ToLower(strings.TrimSpace(c.Auth.Mode))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if len(c.Logging.OutputPaths) == 0 {
		c.Logging.OutputPaths = []string{"stdout"}
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "bsmd"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else {
		c.Runtime.DataDir = resolvePath(baseDir, c.Runtime.DataDir)
	}
	if c.Registry.Path == "" {
		c.Registry.Path = filepath.Join(baseDir, "agents", "registry.yaml")
	} else {
		c.Registry.Path = resolvePath(baseDir, c.Registry.Path)
	}
	if c.Guards.Policy.Path != "" {
		c.Guards.Policy.Path = resolvePath(baseDir, c.Guards.Policy.Path)
	}
	if c.Logging.Audit.Path != "" {
		c.Logging.Audit.Path = resolvePath(baseDir, c.Logging.Audit.Path)
	}
	if c.Guards.RequireLANOrigin == nil {
		c.Guards.RequireLANOrigin = boolPtr(true)
	}
	if c.Guards.HighRiskRequiresApproval == nil {
		c.Guards.HighRiskRequiresApproval = boolPtr(true)
	}

	if c.Approvals.Driver == "" {
		c.Approvals.Driver = DriverMemory
	}
	if c.Approvals.Prefix == "" {
		c.Approvals.Prefix = "bsm:approval"
	}
	if c.Approvals.DefaultTTL <= 0 {
		c.Approvals.DefaultTTL = Duration(24 * time.Hour)
	}

	if len(c.Audit.Sinks) == 0 {
		c.Audit.Sinks = []string{DriverMemory}
	}
	for i, s := range c.Audit.Sinks {
		c.Audit.Sinks[i] = strings.ToLower(strings.TrimSpace(s))
	}
	if c.Audit.MemoryCapacity <= 0 {
		c.Audit.MemoryCapacity = 10000
	}
	if c.Audit.File.Path == "" {
		c.Audit.File.Path = filepath.Join(c.Runtime.DataDir, "audit", "events.jsonl")
	} else {
		c.Audit.File.Path = resolvePath(baseDir, c.Audit.File.Path)
	}
	if c.Audit.Stream.Name == "" {
		c.Audit.Stream.Name = "bsm:audit"
	}
	if c.Audit.QueueSize <= 0 {
		c.Audit.QueueSize = 1024
	}
	if c.Audit.EnqueueTimeout <= 0 {
		c.Audit.EnqueueTimeout = Duration(100 * time.Millisecond)
	}

	if c.Credentials.Threshold <= 0 {
		c.Credentials.Threshold = 3
	}
	if c.Credentials.ReconcileInterval <= 0 {
		c.Credentials.ReconcileInterval = Duration(5 * time.Minute)
	}
	if c.Credentials.FetchTimeout <= 0 {
		c.Credentials.FetchTimeout = Duration(10 * time.Second)
	}

	if c.Jobs.Queue == "" {
		c.Jobs.Queue = DriverMemory
	}
	if c.Jobs.Workers <= 0 {
		c.Jobs.Workers = 4
	}
	if c.Jobs.MaxRetries <= 0 {
		c.Jobs.MaxRetries = 1
	}
	if c.Jobs.QueueSize <= 0 {
		c.Jobs.QueueSize = 1024
	}
	if c.Jobs.RedisList == "" {
		c.Jobs.RedisList = "bsm:jobs"
	}
}

// Validate 检查驱动选择与依赖的连接配置。
func (c *Config) Validate() error {
	var errs []error
	switch c.Auth.Mode {
	case AuthDisabled:
	case AuthToken:
		if len(c.Auth.Tokens) == 0 {
			errs = append(errs, errors.New("auth.mode=token 需要配置 auth.tokens"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的认证模式: %s", c.Auth.Mode))
	}
	switch c.Approvals.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.Redis.Address == "" {
			errs = append(errs, errors.New("approvals.driver=redis 需要配置 redis.address"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的审批存储驱动: %s", c.Approvals.Driver))
	}
	for _, sink := range c.Audit.Sinks {
		switch sink {
		case DriverMemory, SinkFile:
		case SinkMySQL:
			if c.Audit.MySQL.DSN == "" {
				errs = append(errs, errors.New("audit sink mysql 需要配置 audit.mysql.dsn"))
			}
		case DriverRedis:
			if c.Redis.Address == "" {
				errs = append(errs, errors.New("audit sink redis 需要配置 redis.address"))
			}
		default:
			errs = append(errs, fmt.Errorf("未知的审计 sink: %s", sink))
		}
	}
	switch c.Jobs.Queue {
	case DriverMemory:
	case DriverRedis:
		if c.Redis.Address == "" {
			errs = append(errs, errors.New("jobs.queue=redis 需要配置 redis.address"))
		}
	case DriverRabbitMQ:
		if c.Jobs.RabbitMQ.URL == "" {
			errs = append(errs, errors.New("jobs.queue=rabbitmq 需要配置 jobs.rabbitmq.url"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的作业队列驱动: %s", c.Jobs.Queue))
	}
	if c.Credentials.Threshold <= 0 {
		errs = append(errs, errors.New("credentials.threshold 必须为正数"))
	}
	if c.Jobs.Workers <= 0 || c.Jobs.MaxRetries <= 0 {
		errs = append(errs, errors.New("jobs.workers 与 jobs.max_retries 必须为正数"))
	}
	for name, modes := range c.Guards.ModeDefaults {
		if !agent.SafetyMode(name).Valid() || name == "" {
			errs = append(errs, fmt.Errorf("guards.mode_defaults 存在未知的安全分级: %s", name))
		}
		for _, m := range modes {
			if _, ok := agent.ParseMode(m); !ok {
				errs = append(errs, fmt.Errorf("guards.mode_defaults.%s 存在未知模式: %s", name, m))
			}
		}
	}
	return errors.Join(errs...)
}

// HasSink 判断是否启用了指定审计 sink。
func (c *Config) HasSink(name string) bool {
	for _, s := range c.Audit.Sinks {
		if s == name {
			return true
		}
	}
	return false
}

// UsesRedis 判断是否有组件依赖 redis 连接。
func (c *Config) UsesRedis() bool {
	return c.HasSink(DriverRedis) || c.Approvals.Driver == DriverRedis || c.Jobs.Queue == DriverRedis
}

// ResolvedProviders 返回已解析密钥的提供方配置，未配置时为 nil。
func (c CredentialsConfig) ResolvedProviders(lookup func(string) string) []ProviderConfig {
	if len(c.Providers) == 0 {
		return nil
	}
	if lookup == nil {
		lookup = os.Getenv
	}
	out := make([]ProviderConfig, 0, len(c.Providers))
	for _, p := range c.Providers {
		if p.Primary == "" && p.PrimaryEnv != "" {
			p.Primary = lookup(p.PrimaryEnv)
		}
		if p.Fallback == "" && p.FallbackEnv != "" {
			p.Fallback = lookup(p.FallbackEnv)
		}
		out = append(out, p)
	}
	return out
}

// ResolvedTokens 返回已解析令牌的调用方配置。
func (c AuthConfig) ResolvedTokens(lookup func(string) string) []TokenConfig {
	if lookup == nil {
		lookup = os.Getenv
	}
	out := make([]TokenConfig, 0, len(c.Tokens))
	for _, tc := range c.Tokens {
		if tc.Token == "" && tc.TokenEnv != "" {
			tc.Token = lookup(tc.TokenEnv)
		}
		out = append(out, tc)
	}
	return out
}

func resolvePath(baseDir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}

func boolPtr(v bool) *bool { return &v }
