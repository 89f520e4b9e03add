// =============================================================================
// 📦 callbridge 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultSystemPrompt 电话助理的默认人设
const DefaultSystemPrompt = "You are a friendly phone assistant answering calls on behalf of the company. " +
	"Keep every reply short, clear and easy to understand when spoken aloud. " +
	"If you cannot help with the request, politely say so and offer to have someone call back."

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		ARI:       DefaultARIConfig(),
		Call:      DefaultCallConfig(),
		Recording: DefaultRecordingConfig(),
		Pipeline:  DefaultPipelineConfig(),
		Relay:     DefaultRelayConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        3000,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    50,
		RateLimitBurst:  100,
	}
}

// DefaultARIConfig 返回默认 ARI 配置
func DefaultARIConfig() ARIConfig {
	return ARIConfig{
		URL:                   "http://localhost:8088",
		Username:              "asterisk",
		Password:              "",
		Application:           "callbridge",
		ReconnectInitialDelay: 5 * time.Second,
		ReconnectMaxDelay:     60 * time.Second,
		RequestTimeout:        10 * time.Second,
	}
}

// DefaultCallConfig 返回默认通话配置
func DefaultCallConfig() CallConfig {
	return CallConfig{
		Prompts:            []string{"sound:hello-world"},
		MaxConcurrentCalls: 100,
		EventBuffer:        256,
		AnswerTimeout:      10 * time.Second,
		PlayTimeout:        2 * time.Minute,
		HangupTimeout:      5 * time.Second,
	}
}

// DefaultRecordingConfig 返回默认录音配置
func DefaultRecordingConfig() RecordingConfig {
	return RecordingConfig{
		Enabled:   false,
		Format:    "wav",
		Directory: "",
		ProbeDirs: []string{
			"/var/spool/asterisk/recording",
			"/var/spool/asterisk/monitor",
		},
		AckTimeout:         10 * time.Second,
		MaxDurationSeconds: 300,
		MaxSilenceSeconds:  3,
		ListenWindow:       10 * time.Second,
		Beep:               false,
	}
}

// DefaultPipelineConfig 返回默认流水线配置
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Enabled:      false,
		BaseURL:      "https://api.openai.com",
		STTModel:     "whisper-1",
		ChatModel:    "gpt-4",
		TTSModel:     "tts-1",
		Voice:        "nova",
		OutputFormat: "wav",
		SystemPrompt: DefaultSystemPrompt,
		Temperature:  0.7,
		MaxTokens:    500,
		AudioDir:     "./audio",
		MaxTurns:     1,
		Timeout:      60 * time.Second,
	}
}

// DefaultRelayConfig 返回默认事件中继配置
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		Enabled:  false,
		Addr:     "localhost:6379",
		DB:       0,
		Channel:  "callbridge:events",
		StateTTL: time.Hour,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "callbridge",
		SampleRate:   0.1,
		Insecure:     true,
	}
}
