package ari

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/callbridge/config"
	"github.com/BaSui01/callbridge/internal/tlsutil"
)

// =============================================================================
// 🌐 ARI REST 客户端
// =============================================================================

// ReadyWaiter 在链路断开时阻塞指令发送
type ReadyWaiter interface {
	WaitReady(ctx context.Context) error
}

// Error ARI 返回的非 2xx 响应
type Error struct {
	StatusCode int    `json:"status_code"`
	Method     string `json:"method"`
	Path       string `json:"path"`
	Message    string `json:"message"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("ari %s %s: %d %s", e.Method, e.Path, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("ari %s %s: %d", e.Method, e.Path, e.StatusCode)
}

// IsNotFound 资源不存在（通道已挂断、录音已结束等）
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.StatusCode == http.StatusNotFound
}

// RecordParams 录音参数
type RecordParams struct {
	Name               string
	Format             string
	MaxDurationSeconds int
	MaxSilenceSeconds  int
	Beep               bool
	IfExists           string
}

// Client ARI REST 客户端，所有通话共享同一个实例
type Client struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	gate       ReadyWaiter
	logger     *zap.Logger
}

// ClientOption 客户端选项
type ClientOption func(*Client)

// WithHTTPClient 替换 HTTP 客户端
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTLSConfig 使用指定 TLS 配置（如信任 PBX 的自签 CA）
func WithTLSConfig(tlsCfg *tls.Config) ClientOption {
	return func(c *Client) {
		if tlsCfg != nil {
			c.httpClient.Transport = tlsutil.SecureTransport(tlsCfg)
		}
	}
}

// WithReadyGate 链路断开期间暂停指令，直到重连或 ctx 超时
func WithReadyGate(g ReadyWaiter) ClientOption {
	return func(c *Client) { c.gate = g }
}

// NewClient 创建 ARI REST 客户端
func NewClient(cfg config.ARIConfig, logger *zap.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/") + "/ari",
		username:   cfg.Username,
		password:   cfg.Password,
		httpClient: tlsutil.SecureHTTPClient(timeout, nil),
		logger:     logger.With(zap.String("component", "ari_client")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Answer 接听通道
func (c *Client) Answer(ctx context.Context, channelID string) error {
	return c.do(ctx, true, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/answer", nil, nil)
}

// Play 在通道上播放媒体。playbackID 由调用方生成，用于关联 PlaybackFinished。
func (c *Client) Play(ctx context.Context, channelID, playbackID, media string) (*Playback, error) {
	q := url.Values{}
	q.Set("media", media)
	var pb Playback
	path := "/channels/" + url.PathEscape(channelID) + "/play/" + url.PathEscape(playbackID)
	if err := c.do(ctx, true, http.MethodPost, path, q, &pb); err != nil {
		return nil, err
	}
	return &pb, nil
}

// Record 开始录音。成功只代表请求被接受，真正开始以 RecordingStarted 为准。
func (c *Client) Record(ctx context.Context, channelID string, p RecordParams) (*LiveRecording, error) {
	q := url.Values{}
	q.Set("name", p.Name)
	q.Set("format", p.Format)
	if p.MaxDurationSeconds > 0 {
		q.Set("maxDurationSeconds", strconv.Itoa(p.MaxDurationSeconds))
	}
	if p.MaxSilenceSeconds > 0 {
		q.Set("maxSilenceSeconds", strconv.Itoa(p.MaxSilenceSeconds))
	}
	q.Set("beep", strconv.FormatBool(p.Beep))
	ifExists := p.IfExists
	if ifExists == "" {
		ifExists = "overwrite"
	}
	q.Set("ifExists", ifExists)

	var rec LiveRecording
	if err := c.do(ctx, true, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/record", q, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// StopRecording 停止实时录音并保存
func (c *Client) StopRecording(ctx context.Context, name string) error {
	return c.do(ctx, true, http.MethodPost, "/recordings/live/"+url.PathEscape(name)+"/stop", nil, nil)
}

// Hangup 挂断通道
func (c *Client) Hangup(ctx context.Context, channelID, reason string) error {
	q := url.Values{}
	if reason != "" {
		q.Set("reason", reason)
	}
	return c.do(ctx, true, http.MethodDelete, "/channels/"+url.PathEscape(channelID), q, nil)
}

// Ping 查询 Asterisk 信息，不经过就绪闸门，用于状态检查
func (c *Client) Ping(ctx context.Context) (*AsteriskInfo, error) {
	var info AsteriskInfo
	if err := c.do(ctx, false, http.MethodGet, "/asterisk/info", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) do(ctx context.Context, gated bool, method, path string, query url.Values, out any) error {
	if gated && c.gate != nil {
		if err := c.gate.WaitReady(ctx); err != nil {
			return err
		}
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build ari request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ari %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("ari request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := &Error{StatusCode: resp.StatusCode, Method: method, Path: path}
		var msg struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &msg) == nil && msg.Message != "" {
			apiErr.Message = msg.Message
		} else {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode ari response: %w", err)
	}
	return nil
}
