// =============================================================================
// 📦 callbridge 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("CALLBRIDGE").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 兼容环境变量 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"net/url"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 callbridge 的完整配置结构
type Config struct {
	// Server 服务器配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// ARI 信令连接配置
	ARI ARIConfig `yaml:"ari" env:"ARI"`

	// Call 通话流程配置
	Call CallConfig `yaml:"call" env:"CALL"`

	// Recording 录音配置
	Recording RecordingConfig `yaml:"recording" env:"RECORDING"`

	// Pipeline 音频流水线配置
	Pipeline PipelineConfig `yaml:"pipeline" env:"PIPELINE"`

	// Relay 事件中继（Redis）配置
	Relay RelayConfig `yaml:"relay" env:"RELAY"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 每个 IP 每秒请求数
	RateLimitRPS float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 突发容量
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
}

// ARIConfig Asterisk REST Interface 连接配置
type ARIConfig struct {
	// 基础地址，如 http://pbx:8088
	URL string `yaml:"url" env:"URL"`
	// 用户名
	Username string `yaml:"username" env:"USERNAME"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// Stasis 应用名
	Application string `yaml:"application" env:"APPLICATION"`
	// 首次重连延迟
	ReconnectInitialDelay time.Duration `yaml:"reconnect_initial_delay" env:"RECONNECT_INITIAL_DELAY"`
	// 最大重连延迟
	ReconnectMaxDelay time.Duration `yaml:"reconnect_max_delay" env:"RECONNECT_MAX_DELAY"`
	// 单个 REST 请求超时
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	// 额外信任的 CA 证书（PEM），用于自签证书的 PBX
	CAFile string `yaml:"ca_file" env:"CA_FILE"`
}

// CallConfig 通话流程配置
type CallConfig struct {
	// 按顺序播放的提示音，如 sound:hello-world
	Prompts []string `yaml:"prompts" env:"PROMPTS"`
	// 最大并发通话数
	MaxConcurrentCalls int `yaml:"max_concurrent_calls" env:"MAX_CONCURRENT_CALLS"`
	// 事件订阅缓冲
	EventBuffer int `yaml:"event_buffer" env:"EVENT_BUFFER"`
	// 接听超时
	AnswerTimeout time.Duration `yaml:"answer_timeout" env:"ANSWER_TIMEOUT"`
	// 单个提示音播放超时
	PlayTimeout time.Duration `yaml:"play_timeout" env:"PLAY_TIMEOUT"`
	// 挂机超时
	HangupTimeout time.Duration `yaml:"hangup_timeout" env:"HANGUP_TIMEOUT"`
}

// RecordingConfig 录音配置
type RecordingConfig struct {
	// 是否录音（开启 pipeline 时自动录音）
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 录音格式
	Format string `yaml:"format" env:"FORMAT"`
	// 录音目录。配置后路径确定性计算，不再探测
	Directory string `yaml:"directory" env:"DIRECTORY"`
	// 未配置目录时依次探测的目录
	ProbeDirs []string `yaml:"probe_dirs" env:"PROBE_DIRS"`
	// 等待 RecordingStarted 的时限
	AckTimeout time.Duration `yaml:"ack_timeout" env:"ACK_TIMEOUT"`
	// 最长录音时长（秒）
	MaxDurationSeconds int `yaml:"max_duration_seconds" env:"MAX_DURATION_SECONDS"`
	// 静音自动结束（秒）
	MaxSilenceSeconds int `yaml:"max_silence_seconds" env:"MAX_SILENCE_SECONDS"`
	// 等待来电方说话的时间窗口
	ListenWindow time.Duration `yaml:"listen_window" env:"LISTEN_WINDOW"`
	// 录音前是否播放提示音
	Beep bool `yaml:"beep" env:"BEEP"`
}

// PipelineConfig 音频流水线配置（OpenAI 兼容接口）
type PipelineConfig struct {
	// 是否启用转写/生成/合成
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// API Key
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// 基础 URL
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// 语音识别模型
	STTModel string `yaml:"stt_model" env:"STT_MODEL"`
	// 对话模型
	ChatModel string `yaml:"chat_model" env:"CHAT_MODEL"`
	// 语音合成模型
	TTSModel string `yaml:"tts_model" env:"TTS_MODEL"`
	// 合成音色
	Voice string `yaml:"voice" env:"VOICE"`
	// 合成音频格式
	OutputFormat string `yaml:"output_format" env:"OUTPUT_FORMAT"`
	// 识别语言（可选）
	Language string `yaml:"language" env:"LANGUAGE"`
	// 系统人设
	SystemPrompt string `yaml:"system_prompt" env:"SYSTEM_PROMPT"`
	// 温度参数
	Temperature float64 `yaml:"temperature" env:"TEMPERATURE"`
	// 最大 Token 数
	MaxTokens int `yaml:"max_tokens" env:"MAX_TOKENS"`
	// 合成音频输出目录
	AudioDir string `yaml:"audio_dir" env:"AUDIO_DIR"`
	// Asterisk 访问合成音频的 URL 前缀（可选）
	MediaBaseURL string `yaml:"media_base_url" env:"MEDIA_BASE_URL"`
	// 每通电话的对话轮数
	MaxTurns int `yaml:"max_turns" env:"MAX_TURNS"`
	// 单次流水线请求超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// RelayConfig 生命周期事件中继配置
type RelayConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 发布频道
	Channel string `yaml:"channel" env:"CHANNEL"`
	// 每通电话最新状态键的过期时间
	StateTTL time.Duration `yaml:"state_ttl" env:"STATE_TTL"`
	// 是否使用 TLS 连接
	TLS bool `yaml:"tls" env:"TLS"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
	// 不使用 TLS 连接 collector
	Insecure bool `yaml:"insecure" env:"INSECURE"`
}

// RecordingActive 录音阶段是否会执行
func (c *Config) RecordingActive() bool {
	return c.Recording.Enabled || c.Pipeline.Enabled
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	legacyEnv  bool
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "CALLBRIDGE",
		legacyEnv:  true,
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithLegacyEnv 是否读取 ISSABEL_* / OPENAI_API_KEY / PORT 兼容变量
func (l *Loader) WithLegacyEnv(enabled bool) *Loader {
	l.legacyEnv = enabled
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 兼容环境变量 → 环境变量
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 兼容旧部署的环境变量
	if l.legacyEnv {
		if err := applyLegacyEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to load legacy env: %w", err)
		}
	}

	// 4. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 5. 运行验证器
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// legacyEnvVars 旧版部署使用的变量名 → 配置字段
var legacyEnvVars = []struct {
	key   string
	apply func(*Config, string) error
}{
	{"ISSABEL_ARI_URL", func(c *Config, v string) error { c.ARI.URL = v; return nil }},
	{"ISSABEL_ARI_USERNAME", func(c *Config, v string) error { c.ARI.Username = v; return nil }},
	{"ISSABEL_ARI_PASSWORD", func(c *Config, v string) error { c.ARI.Password = v; return nil }},
	{"ISSABEL_STASIS_APP", func(c *Config, v string) error { c.ARI.Application = v; return nil }},
	{"OPENAI_API_KEY", func(c *Config, v string) error { c.Pipeline.APIKey = v; return nil }},
	{"PORT", func(c *Config, v string) error {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		c.Server.HTTPPort = port
		return nil
	}},
}

func applyLegacyEnv(cfg *Config) error {
	for _, lv := range legacyEnvVars {
		v := os.Getenv(lv.key)
		if v == "" {
			continue
		}
		if err := lv.apply(cfg, v); err != nil {
			return err
		}
	}
	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		// 获取 env tag
		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		// 如果是结构体，递归处理
		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		// 获取环境变量值
		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		// 设置字段值
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			out := make([]string, 0, len(parts))
			for _, p := range parts {
				if p = strings.TrimSpace(p); p != "" {
					out = append(out, p)
				}
			}
			field.Set(reflect.ValueOf(out))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	// 验证服务器配置
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, "invalid metrics port")
	}

	// 验证 ARI 配置
	if c.ARI.URL == "" {
		errs = append(errs, "ari.url is required")
	} else if u, err := url.Parse(c.ARI.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, "ari.url must be an http(s) URL")
	}
	if c.ARI.Application == "" {
		errs = append(errs, "ari.application is required")
	}
	if c.ARI.ReconnectInitialDelay <= 0 {
		errs = append(errs, "ari.reconnect_initial_delay must be positive")
	}
	if c.ARI.ReconnectMaxDelay < c.ARI.ReconnectInitialDelay {
		errs = append(errs, "ari.reconnect_max_delay must not be less than reconnect_initial_delay")
	}

	// 验证通话配置
	if c.Call.MaxConcurrentCalls <= 0 {
		errs = append(errs, "call.max_concurrent_calls must be positive")
	}
	for name, d := range map[string]time.Duration{
		"call.answer_timeout":   c.Call.AnswerTimeout,
		"call.play_timeout":     c.Call.PlayTimeout,
		"call.hangup_timeout":   c.Call.HangupTimeout,
		"recording.ack_timeout": c.Recording.AckTimeout,
	} {
		if d <= 0 {
			errs = append(errs, name+" must be positive")
		}
	}

	// 验证录音配置
	if c.RecordingActive() && c.Recording.Format == "" {
		errs = append(errs, "recording.format is required when recording is active")
	}

	// 验证流水线配置
	if c.Pipeline.Enabled {
		if c.Pipeline.APIKey == "" {
			errs = append(errs, "pipeline.api_key is required when pipeline is enabled")
		}
		if c.Pipeline.Temperature < 0 || c.Pipeline.Temperature > 2 {
			errs = append(errs, "temperature must be between 0 and 2")
		}
		if c.Pipeline.MaxTurns <= 0 {
			errs = append(errs, "pipeline.max_turns must be positive")
		}
		if c.Pipeline.Timeout <= 0 {
			errs = append(errs, "pipeline.timeout must be positive")
		}
	}

	if c.Relay.Enabled && c.Relay.Addr == "" {
		errs = append(errs, "relay.addr is required when relay is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
