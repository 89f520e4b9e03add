package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/callbridge/config"
	"github.com/BaSui01/callbridge/internal/metrics"
	"github.com/BaSui01/callbridge/internal/tlsutil"
	"github.com/BaSui01/callbridge/types"
)

// CompletionOptions 单次补全参数。
// Temperature 为 nil 时使用配置值（0 是合法的确定性取值），MaxTokens 为 0 时使用配置值。
type CompletionOptions struct {
	Temperature *float64
	MaxTokens   int
}

// Temperature 返回指向 v 的指针，便于构造 CompletionOptions
func Temperature(v float64) *float64 {
	return &v
}

// Client OpenAI 兼容的音频流水线：Whisper 转写、对话补全、语音合成
type Client struct {
	cfg     config.PipelineConfig
	client  *http.Client
	logger  *zap.Logger
	metrics *metrics.Collector
	now     func() time.Time
	newID   func() string
}

// Option 选项
type Option func(*Client)

// WithHTTPClient 替换 HTTP 客户端
func WithHTTPClient(c *http.Client) Option {
	return func(p *Client) { p.client = c }
}

// WithMetrics 设置指标收集器
func WithMetrics(m *metrics.Collector) Option {
	return func(p *Client) { p.metrics = m }
}

// WithClock 替换时间源（测试用）
func WithClock(now func() time.Time) Option {
	return func(p *Client) { p.now = now }
}

// NewClient 创建流水线客户端
func NewClient(cfg config.PipelineConfig, logger *zap.Logger, opts ...Option) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.STTModel == "" {
		cfg.STTModel = "whisper-1"
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = "gpt-4"
	}
	if cfg.TTSModel == "" {
		cfg.TTSModel = "tts-1"
	}
	if cfg.Voice == "" {
		cfg.Voice = "nova"
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = "wav"
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 500
	}
	if cfg.AudioDir == "" {
		cfg.AudioDir = "./audio"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		cfg:    cfg,
		client: tlsutil.SecureHTTPClient(timeout, nil),
		logger: logger.With(zap.String("component", "pipeline")),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// =============================================================================
// 🎤 语音识别
// =============================================================================

type whisperResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language,omitempty"`
	Duration float64 `json:"duration,omitempty"`
}

// Transcribe 转写录音文件，language 为空时使用配置值（仍为空则自动识别）
func (c *Client) Transcribe(ctx context.Context, path, language string) (string, error) {
	start := c.now()
	text, err := c.transcribe(ctx, path, language)
	c.metrics.RecordPipelineRequest("transcribe", c.cfg.STTModel, metrics.StatusLabel(err), time.Since(start))
	return text, err
}

func (c *Client) transcribe(ctx context.Context, path, language string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", pipelineError("transcribe", fmt.Errorf("open recording: %w", err))
	}
	defer file.Close()

	// 构建多部分形式
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", pipelineError("transcribe", fmt.Errorf("create form file: %w", err))
	}
	if _, err := io.Copy(part, file); err != nil {
		return "", pipelineError("transcribe", fmt.Errorf("copy audio: %w", err))
	}

	_ = writer.WriteField("model", c.cfg.STTModel)
	if language == "" {
		language = c.cfg.Language
	}
	if language != "" {
		_ = writer.WriteField("language", language)
	}
	_ = writer.WriteField("response_format", "json")
	writer.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/v1/audio/transcriptions"), &buf)
	if err != nil {
		return "", pipelineError("transcribe", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	var out whisperResponse
	if err := c.doJSON(req, &out); err != nil {
		return "", pipelineError("transcribe", err)
	}

	c.logger.Debug("transcription completed",
		zap.String("file", filepath.Base(path)),
		zap.Int("chars", len(out.Text)))
	return strings.TrimSpace(out.Text), nil
}

// =============================================================================
// 💬 对话补全
// =============================================================================

type chatRequest struct {
	Model       string              `json:"model"`
	Messages    []types.ChatMessage `json:"messages"`
	Temperature float64             `json:"temperature"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int               `json:"index"`
		Message      types.ChatMessage `json:"message"`
		FinishReason string            `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Complete 根据对话历史生成回复
func (c *Client) Complete(ctx context.Context, messages []types.ChatMessage, opts CompletionOptions) (string, error) {
	start := c.now()
	text, err := c.complete(ctx, messages, opts)
	c.metrics.RecordPipelineRequest("complete", c.cfg.ChatModel, metrics.StatusLabel(err), time.Since(start))
	return text, err
}

func (c *Client) complete(ctx context.Context, messages []types.ChatMessage, opts CompletionOptions) (string, error) {
	if len(messages) == 0 {
		return "", pipelineError("complete", fmt.Errorf("no messages"))
	}
	body := chatRequest{
		Model:       c.cfg.ChatModel,
		Messages:    messages,
		Temperature: c.cfg.Temperature,
		MaxTokens:   opts.MaxTokens,
	}
	if opts.Temperature != nil {
		body.Temperature = *opts.Temperature
	}
	if body.MaxTokens == 0 {
		body.MaxTokens = c.cfg.MaxTokens
	}
	payload, _ := json.Marshal(body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/v1/chat/completions"), bytes.NewReader(payload))
	if err != nil {
		return "", pipelineError("complete", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var out chatResponse
	if err := c.doJSON(req, &out); err != nil {
		return "", pipelineError("complete", err)
	}
	if len(out.Choices) == 0 {
		return "", pipelineError("complete", fmt.Errorf("empty choices"))
	}

	c.logger.Debug("completion generated",
		zap.String("model", out.Model),
		zap.Int("total_tokens", out.Usage.TotalTokens))
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

// =============================================================================
// 🔊 语音合成
// =============================================================================

type speechRequest struct {
	Model          string `json:"model"`
	Input          string `json:"input"`
	Voice          string `json:"voice"`
	ResponseFormat string `json:"response_format,omitempty"`
}

// Synthesize 合成语音，写入 audio_dir/tts-<毫秒>-<uuid>.<格式>，返回绝对路径。
// 文件名对每次调用唯一，并发通话不会共享同一个音频文件。
func (c *Client) Synthesize(ctx context.Context, text, voice, format string) (string, error) {
	start := c.now()
	path, err := c.synthesize(ctx, text, voice, format)
	c.metrics.RecordPipelineRequest("synthesize", c.cfg.TTSModel, metrics.StatusLabel(err), time.Since(start))
	return path, err
}

func (c *Client) synthesize(ctx context.Context, text, voice, format string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", pipelineError("synthesize", fmt.Errorf("empty text"))
	}
	if voice == "" {
		voice = c.cfg.Voice
	}
	if format == "" {
		format = c.cfg.OutputFormat
	}

	payload, _ := json.Marshal(speechRequest{
		Model:          c.cfg.TTSModel,
		Input:          text,
		Voice:          voice,
		ResponseFormat: format,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/v1/audio/speech"), bytes.NewReader(payload))
	if err != nil {
		return "", pipelineError("synthesize", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.send(req)
	if err != nil {
		return "", pipelineError("synthesize", err)
	}
	defer resp.Body.Close()

	dir, err := filepath.Abs(c.cfg.AudioDir)
	if err != nil {
		return "", pipelineError("synthesize", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", pipelineError("synthesize", fmt.Errorf("create audio dir: %w", err))
	}

	name := "tts-" + strconv.FormatInt(c.now().UnixMilli(), 10) + "-" + c.newID() + "." + format
	path := filepath.Join(dir, name)
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", pipelineError("synthesize", fmt.Errorf("create file: %w", err))
	}
	if _, err := io.Copy(file, resp.Body); err != nil {
		file.Close()
		_ = os.Remove(path)
		return "", pipelineError("synthesize", fmt.Errorf("write audio: %w", err))
	}
	if err := file.Close(); err != nil {
		return "", pipelineError("synthesize", err)
	}
	return path, nil
}

// =============================================================================
// 🔧 HTTP
// =============================================================================

func (c *Client) endpoint(path string) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + path
}

// send 发送请求；>=400 的响应转换为带状态码的错误
func (c *Client) send(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, types.NewError(types.ErrPipeline, "upstream request failed").
			WithCause(err).
			WithHTTPStatus(http.StatusBadGateway).
			WithRetryable(true)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, mapError(resp.StatusCode, readErrMsg(resp.Body))
	}
	return resp, nil
}

func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.send(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type errorResp struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

func readErrMsg(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, 64<<10))
	var er errorResp
	if err := json.Unmarshal(data, &er); err == nil && er.Error.Message != "" {
		return er.Error.Message
	}
	return strings.TrimSpace(string(data))
}

func mapError(status int, msg string) *types.Error {
	retryable := status == http.StatusTooManyRequests || status >= 500
	return types.NewError(types.ErrPipeline, fmt.Sprintf("status=%d: %s", status, msg)).
		WithHTTPStatus(status).
		WithRetryable(retryable)
}

// pipelineError 统一包装为 PIPELINE_ERROR，保留上游状态码
func pipelineError(op string, err error) error {
	if te, ok := types.AsError(err); ok && te.Code == types.ErrPipeline {
		return types.NewError(types.ErrPipeline, op+" failed: "+te.Message).
			WithCause(err).
			WithHTTPStatus(te.HTTPStatus).
			WithRetryable(te.Retryable)
	}
	return types.NewError(types.ErrPipeline, op+" failed").WithCause(err)
}
