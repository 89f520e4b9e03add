package handlers

import (
	"context"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/callbridge/config"
	"github.com/BaSui01/callbridge/orchestrator"
	"github.com/BaSui01/callbridge/pipeline"
	"github.com/BaSui01/callbridge/types"
)

// =============================================================================
// 🎙️ 音频流水线 Handler
// =============================================================================

// PipelineHandler 直接调用音频流水线（转写、补全、合成），便于联调与排障
type PipelineHandler struct {
	pipe        orchestrator.Pipeline
	cfg         config.PipelineConfig
	allowedDirs []string
	logger      *zap.Logger
}

// PipelineHandlerOption 选项
type PipelineHandlerOption func(*PipelineHandler)

// WithAllowedAudioDirs 限定 transcribe / process-conversation 可读取的目录
func WithAllowedAudioDirs(dirs ...string) PipelineHandlerOption {
	return func(h *PipelineHandler) {
		for _, d := range dirs {
			if d == "" {
				continue
			}
			if abs, err := filepath.Abs(d); err == nil {
				h.allowedDirs = append(h.allowedDirs, abs)
			}
		}
	}
}

// NewPipelineHandler 创建流水线 Handler。pipe 为 nil 表示未启用流水线。
func NewPipelineHandler(pipe orchestrator.Pipeline, cfg config.PipelineConfig, logger *zap.Logger, opts ...PipelineHandlerOption) *PipelineHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	h := &PipelineHandler{
		pipe:   pipe,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "pipeline_handler")),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// PipelineStatusResponse GET /api/v1/pipeline
type PipelineStatusResponse struct {
	Status    string `json:"status"`
	Enabled   bool   `json:"enabled"`
	ChatModel string `json:"chat_model,omitempty"`
	STTModel  string `json:"stt_model,omitempty"`
	TTSModel  string `json:"tts_model,omitempty"`
}

// TranscribeRequest POST /api/v1/pipeline/transcribe
type TranscribeRequest struct {
	AudioFilePath string `json:"audio_file_path"`
	Language      string `json:"language,omitempty"`
}

// TranscribeResponse 转写结果
type TranscribeResponse struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

// SpeechRequest POST /api/v1/pipeline/text-to-speech
type SpeechRequest struct {
	Text         string `json:"text"`
	Voice        string `json:"voice,omitempty"`
	OutputFormat string `json:"output_format,omitempty"`
}

// SpeechResponse 合成结果
type SpeechResponse struct {
	AudioFilePath string `json:"audio_file_path"`
}

// ChatRequest POST /api/v1/pipeline/chat
type ChatRequest struct {
	Messages    []types.ChatMessage `json:"messages"`
	Temperature *float64            `json:"temperature,omitempty"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
}

// ChatResponse 补全结果
type ChatResponse struct {
	Content string `json:"content"`
	Role    string `json:"role"`
}

// ConversationRequest POST /api/v1/pipeline/process-conversation
type ConversationRequest struct {
	AudioFilePath string `json:"audio_file_path"`
}

// ConversationResponse 一轮 转写 → 补全 → 合成 的结果
type ConversationResponse struct {
	Transcription     string `json:"transcription"`
	Response          string `json:"response"`
	ResponseAudioPath string `json:"response_audio_path"`
}

// HandleStatus 流水线状态
func (h *PipelineHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := PipelineStatusResponse{Status: "disabled"}
	if h.pipe != nil {
		resp = PipelineStatusResponse{
			Status:    "active",
			Enabled:   true,
			ChatModel: h.cfg.ChatModel,
			STTModel:  h.cfg.STTModel,
			TTSModel:  h.cfg.TTSModel,
		}
	}
	WriteSuccess(w, resp)
}

// HandleTranscribe 转写服务器上的录音文件
func (h *PipelineHandler) HandleTranscribe(w http.ResponseWriter, r *http.Request) {
	var req TranscribeRequest
	if !h.decode(w, r, &req) {
		return
	}
	path, ok := h.audioPath(w, req.AudioFilePath)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.Timeout)
	defer cancel()
	text, err := h.pipe.Transcribe(ctx, path, req.Language)
	if err != nil {
		h.writePipelineError(w, err)
		return
	}
	lang := req.Language
	if lang == "" {
		lang = h.cfg.Language
	}
	WriteSuccess(w, TranscribeResponse{Text: text, Language: lang})
}

// HandleSpeech 文本合成语音
func (h *PipelineHandler) HandleSpeech(w http.ResponseWriter, r *http.Request) {
	var req SpeechRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "text is required"), h.logger)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.Timeout)
	defer cancel()
	path, err := h.pipe.Synthesize(ctx, req.Text, req.Voice, req.OutputFormat)
	if err != nil {
		h.writePipelineError(w, err)
		return
	}
	WriteSuccess(w, SpeechResponse{AudioFilePath: path})
}

// HandleChat 根据给定消息生成回复
func (h *PipelineHandler) HandleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.Messages) == 0 {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "messages are required"), h.logger)
		return
	}
	for _, m := range req.Messages {
		switch m.Role {
		case types.RoleSystem, types.RoleUser, types.RoleAssistant:
		default:
			WriteError(w, types.NewError(types.ErrInvalidRequest, "unknown message role: "+string(m.Role)), h.logger)
			return
		}
	}
	if t := req.Temperature; t != nil && (*t < 0 || *t > 2) {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "temperature must be between 0 and 2"), h.logger)
		return
	}
	if req.MaxTokens < 0 {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "max_tokens must not be negative"), h.logger)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.Timeout)
	defer cancel()
	content, err := h.pipe.Complete(ctx, req.Messages, pipeline.CompletionOptions{
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		h.writePipelineError(w, err)
		return
	}
	WriteSuccess(w, ChatResponse{Content: content, Role: string(types.RoleAssistant)})
}

// HandleConversation 对一个录音文件跑完整的一轮对话，返回合成音频路径
func (h *PipelineHandler) HandleConversation(w http.ResponseWriter, r *http.Request) {
	var req ConversationRequest
	if !h.decode(w, r, &req) {
		return
	}
	path, ok := h.audioPath(w, req.AudioFilePath)
	if !ok {
		return
	}

	// 三次上游调用共用 3 倍 timeout
	ctx, cancel := context.WithTimeout(r.Context(), 3*h.cfg.Timeout)
	defer cancel()

	text, err := h.pipe.Transcribe(ctx, path, "")
	if err != nil {
		h.writePipelineError(w, err)
		return
	}
	if strings.TrimSpace(text) == "" {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "no speech detected in recording"), h.logger)
		return
	}

	history := orchestrator.BuildHistory(h.cfg.SystemPrompt, types.CallSession{Transcriptions: []string{text}})
	reply, err := h.pipe.Complete(ctx, history, pipeline.CompletionOptions{})
	if err != nil {
		h.writePipelineError(w, err)
		return
	}

	audio, err := h.pipe.Synthesize(ctx, reply, "", "")
	if err != nil {
		h.writePipelineError(w, err)
		return
	}
	WriteSuccess(w, ConversationResponse{
		Transcription:     text,
		Response:          reply,
		ResponseAudioPath: audio,
	})
}

// decode 检查流水线是否可用并解析 JSON 请求体
func (h *PipelineHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if h.pipe == nil {
		WriteErrorMessage(w, http.StatusServiceUnavailable, types.ErrServiceUnavailable, "audio pipeline is not enabled", h.logger)
		return false
	}
	if !ValidateContentType(w, r, h.logger) {
		return false
	}
	return DecodeJSONBody(w, r, dst, h.logger) == nil
}

// audioPath 只允许读取配置目录内的文件
func (h *PipelineHandler) audioPath(w http.ResponseWriter, p string) (string, bool) {
	p = strings.TrimSpace(p)
	if p == "" {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "audio_file_path is required"), h.logger)
		return "", false
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "invalid audio_file_path").WithCause(err), h.logger)
		return "", false
	}
	for _, dir := range h.allowedDirs {
		rel, err := filepath.Rel(dir, abs)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return abs, true
		}
	}
	WriteError(w, types.NewError(types.ErrInvalidRequest, "audio_file_path is outside the allowed directories"), h.logger)
	return "", false
}

func (h *PipelineHandler) writePipelineError(w http.ResponseWriter, err error) {
	if apiErr, ok := types.AsError(err); ok {
		// 上游状态码不直接透出
		out := *apiErr
		out.HTTPStatus = 0
		WriteError(w, &out, h.logger)
		return
	}
	WriteError(w, types.NewError(types.ErrPipeline, "pipeline request failed").WithCause(err), h.logger)
}
