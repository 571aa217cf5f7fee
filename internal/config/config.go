package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "STARK_CONFIG"

// DefaultPath 是未指定路径时读取的配置文件。
const DefaultPath = "configs/stark.yaml"

// Config 描述 starkd 在启动阶段需要加载的全部配置。
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Auth         AuthConfig         `yaml:"auth"`
	Logging      LoggingConfig      `yaml:"logging"`
	LLM          LLMConfig          `yaml:"llm"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Registry     RegistryConfig     `yaml:"registry"`
	Storage      StorageConfig      `yaml:"storage"`
	SessionStore SessionStoreConfig `yaml:"session_store"`
	MessageStore MessageStoreConfig `yaml:"message_store"`
	Queue        QueueConfig        `yaml:"queue"`
	Knowledge    KnowledgeConfig    `yaml:"knowledge"`
	Alerting     AlertingConfig     `yaml:"alerting"`
	Runtime      RuntimeConfig      `yaml:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address             string `yaml:"address"`
	ReadTimeoutSeconds  int    `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `yaml:"write_timeout_seconds"`
}

// AuthConfig 控制 API 认证，mode 为 disabled 或 token。
type AuthConfig struct {
	Mode   string        `yaml:"mode"`
	Tokens []TokenConfig `yaml:"tokens"`
}

// TokenConfig 描述一个静态访问令牌。
type TokenConfig struct {
	Name        string   `yaml:"name"`
	Token       string   `yaml:"token"`
	TokenEnv    string   `yaml:"token_env"`
	Permissions []string `yaml:"permissions"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level       string      `yaml:"level"`
	Format      string      `yaml:"format"`
	OutputPaths []string    `yaml:"output_paths"`
	AddSource   bool        `yaml:"add_source"`
	Audit       AuditConfig `yaml:"audit"`
}

// AuditConfig 控制审计日志滚动。
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// LLMConfig 选择大模型供应商。
type LLMConfig struct {
	Provider  string         `yaml:"provider"`
	OpenAI    ProviderConfig `yaml:"openai"`
	Anthropic ProviderConfig `yaml:"anthropic"`
	Ollama    ProviderConfig `yaml:"ollama"`
}

// ProviderConfig 是单个供应商的连接参数。
type ProviderConfig struct {
	APIKey         string  `yaml:"api_key"`
	APIKeyEnv      string  `yaml:"api_key_env"`
	BaseURL        string  `yaml:"base_url"`
	Model          string  `yaml:"model"`
	Temperature    float64 `yaml:"temperature"`
	MaxTokens      int     `yaml:"max_tokens"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
}

// ResolveAPIKey 优先使用显式配置的密钥，否则读取 api_key_env 指定的环境变量。
func (p ProviderConfig) ResolveAPIKey() string {
	if key := strings.TrimSpace(p.APIKey); key != "" {
		return key
	}
	if p.APIKeyEnv != "" {
		return strings.TrimSpace(os.Getenv(p.APIKeyEnv))
	}
	return ""
}

// Timeout 返回请求超时时间。
func (p ProviderConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// OrchestratorConfig 约束编排循环的规模。
type OrchestratorConfig struct {
	MaxTotalIterations   int `yaml:"max_total_iterations"`
	MaxModeIterations    int `yaml:"max_mode_iterations"`
	MaxCallsPerIteration int `yaml:"max_calls_per_iteration"`
	// ModelRetries 为 nil 时使用默认值 1，显式写 0 表示不重试。
	ModelRetries        *int `yaml:"model_retries"`
	ModelTimeoutSeconds int  `yaml:"model_timeout_seconds"`
}

// Retries 返回模型调用失败后的重试次数。
func (o OrchestratorConfig) Retries() int {
	if o.ModelRetries == nil {
		return 1
	}
	return *o.ModelRetries
}

// ModelTimeout 返回单次模型调用超时。
func (o OrchestratorConfig) ModelTimeout() time.Duration {
	return time.Duration(o.ModelTimeoutSeconds) * time.Second
}

// RegistryConfig 控制执行注册表的取消等待。
type RegistryConfig struct {
	PollIntervalMS int `yaml:"poll_interval_ms"`
	StopWaitMS     int `yaml:"stop_wait_ms"`
}

// PollInterval 返回取消确认的轮询间隔。
func (r RegistryConfig) PollInterval() time.Duration {
	return time.Duration(r.PollIntervalMS) * time.Millisecond
}

// StopWait 返回 stop_and_wait 的默认等待时长。
func (r RegistryConfig) StopWait() time.Duration {
	return time.Duration(r.StopWaitMS) * time.Millisecond
}

// StorageConfig 统一描述 MySQL、Redis 等后端的连接信息，由各存储驱动共享。
type StorageConfig struct {
	MySQL MySQLConfig `yaml:"mysql"`
	Redis RedisConfig `yaml:"redis"`
}

// MySQLConfig 描述 MySQL 连接池。
type MySQLConfig struct {
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `yaml:"conn_max_lifetime_seconds"`
}

// RedisConfig 描述 Redis 连接。
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SessionStoreConfig 选择会话检查点的存储驱动。
type SessionStoreConfig struct {
	Driver      string `yaml:"driver"`
	RedisPrefix string `yaml:"redis_prefix"`
	TTLSeconds  int    `yaml:"ttl_seconds"`
}

// TTL 返回 Redis 检查点的过期时间。
func (s SessionStoreConfig) TTL() time.Duration {
	return time.Duration(s.TTLSeconds) * time.Second
}

// MessageStoreConfig 选择频道消息的存储驱动。
type MessageStoreConfig struct {
	Driver      string `yaml:"driver"`
	MaxAttempts int    `yaml:"max_attempts"`
}

// QueueConfig 选择消息队列驱动。
type QueueConfig struct {
	Driver     string         `yaml:"driver"`
	Workers    int            `yaml:"workers"`
	Buffer     int            `yaml:"buffer"`
	RedisQueue string         `yaml:"redis_queue"`
	RabbitMQ   RabbitMQConfig `yaml:"rabbitmq"`
}

// RabbitMQConfig 描述 RabbitMQ 队列。
type RabbitMQConfig struct {
	URL      string `yaml:"url"`
	Queue    string `yaml:"queue"`
	Prefetch int    `yaml:"prefetch"`
	Durable  bool   `yaml:"durable"`
}

// KnowledgeConfig 指定静态知识库文件。
type KnowledgeConfig struct {
	Source     string `yaml:"source"`
	MaxResults int    `yaml:"max_results"`
}

// AlertingConfig 描述告警渠道。
type AlertingConfig struct {
	Log            bool            `yaml:"log"`
	Webhooks       []WebhookConfig `yaml:"webhooks"`
	TimeoutSeconds int             `yaml:"timeout_seconds"`
}

// WebhookConfig 是单个 webhook 告警渠道。Format 取值 webhook、slack、dingtalk。
type WebhookConfig struct {
	URL    string `yaml:"url"`
	Format string `yaml:"format"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `yaml:"data_dir"`
}

// ResolvePath 依次使用显式路径、STARK_CONFIG 与默认路径。
func ResolvePath(path string) string {
	if strings.TrimSpace(path) != "" {
		return path
	}
	if env := strings.TrimSpace(os.Getenv(EnvConfigPath)); env != "" {
		return env
	}
	return DefaultPath
}

// Load 解析 YAML（或 JSON）配置文件，填充默认值并校验。
func Load(path string) (*Config, error) {
	path = ResolvePath(path)
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return Parse(content, filepath.Dir(path))
}

// Parse 解析配置内容，相对路径以 baseDir 为基准。
func Parse(content []byte, baseDir string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeoutSeconds <= 0 {
		c.Server.ReadTimeoutSeconds = 15
	}
	if c.Server.WriteTimeoutSeconds <= 0 {
		c.Server.WriteTimeoutSeconds = 30
	}

	c.Auth.Mode = strings.ToLower(strings.TrimSpace(c.Auth.Mode))
	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled {
		if c.Logging.Audit.Path == "" {
			c.Logging.Audit.Path = "logs/audit.log"
		}
		c.Logging.Audit.Path = resolve(baseDir, c.Logging.Audit.Path)
	}

	c.LLM.Provider = strings.ToLower(strings.TrimSpace(c.LLM.Provider))
	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.OpenAI.APIKeyEnv == "" {
		c.LLM.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.LLM.Anthropic.APIKeyEnv == "" {
		c.LLM.Anthropic.APIKeyEnv = "ANTHROPIC_API_KEY"
	}

	if c.Orchestrator.MaxTotalIterations <= 0 {
		c.Orchestrator.MaxTotalIterations = 100
	}
	if c.Orchestrator.MaxModeIterations <= 0 {
		c.Orchestrator.MaxModeIterations = 30
	}
	if c.Orchestrator.MaxCallsPerIteration <= 0 {
		c.Orchestrator.MaxCallsPerIteration = 4
	}
	if c.Orchestrator.ModelRetries == nil || *c.Orchestrator.ModelRetries < 0 {
		retries := 1
		c.Orchestrator.ModelRetries = &retries
	}

	if c.Registry.PollIntervalMS <= 0 {
		c.Registry.PollIntervalMS = 50
	}
	if c.Registry.StopWaitMS <= 0 {
		c.Registry.StopWaitMS = 5000
	}

	c.SessionStore.Driver = normalizeDriver(c.SessionStore.Driver)
	if c.SessionStore.TTLSeconds <= 0 {
		c.SessionStore.TTLSeconds = 24 * 60 * 60
	}
	c.MessageStore.Driver = normalizeDriver(c.MessageStore.Driver)
	if c.MessageStore.MaxAttempts <= 0 {
		c.MessageStore.MaxAttempts = 2
	}
	c.Queue.Driver = normalizeDriver(c.Queue.Driver)
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.Buffer <= 0 {
		c.Queue.Buffer = 256
	}

	if c.Knowledge.MaxResults <= 0 {
		c.Knowledge.MaxResults = 3
	}
	if c.Knowledge.Source != "" {
		c.Knowledge.Source = resolve(baseDir, c.Knowledge.Source)
	}

	if c.Alerting.TimeoutSeconds <= 0 {
		c.Alerting.TimeoutSeconds = 5
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = "data"
	}
	c.Runtime.DataDir = resolve(baseDir, c.Runtime.DataDir)
}

// Validate 检查驱动取值以及驱动所依赖的连接配置。
func (c *Config) Validate() error {
	var errs []error
	switch c.LLM.Provider {
	case "openai", "anthropic", "ollama":
	default:
		errs = append(errs, fmt.Errorf("不支持的大模型供应商: %s", c.LLM.Provider))
	}
	switch c.Auth.Mode {
	case "disabled":
	case "token":
		if len(c.Auth.Tokens) == 0 {
			errs = append(errs, errors.New("auth.mode 为 token 时至少需要配置一个令牌"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的认证模式: %s", c.Auth.Mode))
	}
	check := func(section, driver string, allowed ...string) {
		for _, candidate := range allowed {
			if driver == candidate {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s 不支持的驱动: %s", section, driver))
	}
	check("session_store", c.SessionStore.Driver, "memory", "file", "redis", "mysql")
	check("message_store", c.MessageStore.Driver, "memory", "mysql")
	check("queue", c.Queue.Driver, "memory", "redis", "rabbitmq")

	if c.usesDriver("mysql") && strings.TrimSpace(c.Storage.MySQL.DSN) == "" {
		errs = append(errs, errors.New("使用 mysql 驱动时必须配置 storage.mysql.dsn"))
	}
	if c.usesDriver("redis") && strings.TrimSpace(c.Storage.Redis.Address) == "" {
		errs = append(errs, errors.New("使用 redis 驱动时必须配置 storage.redis.address"))
	}
	if c.Queue.Driver == "rabbitmq" && strings.TrimSpace(c.Queue.RabbitMQ.URL) == "" {
		errs = append(errs, errors.New("使用 rabbitmq 队列时必须配置 queue.rabbitmq.url"))
	}
	for idx, hook := range c.Alerting.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			errs = append(errs, fmt.Errorf("alerting.webhooks[%d] 缺少 url", idx))
		}
	}
	return errors.Join(errs...)
}

func (c *Config) usesDriver(driver string) bool {
	return c.SessionStore.Driver == driver || c.MessageStore.Driver == driver || c.Queue.Driver == driver
}

func normalizeDriver(driver string) string {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if driver == "" {
		return "memory"
	}
	return driver
}

func resolve(baseDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
