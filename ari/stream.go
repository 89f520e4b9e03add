package ari

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"

	"github.com/BaSui01/callbridge/config"
	"github.com/BaSui01/callbridge/internal/tlsutil"
	"github.com/BaSui01/callbridge/types"
)

// Stream 一条已建立的事件流订阅
type Stream interface {
	// Read 阻塞读取下一帧，流断开时返回错误
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer 建立事件流订阅
type Dialer interface {
	Dial(ctx context.Context) (Stream, error)
}

// maxEventSize 单帧事件上限
const maxEventSize = 1 << 20

// WebsocketDialer 通过 /ari/events websocket 订阅 Stasis 应用
type WebsocketDialer struct {
	endpoint   string
	username   string
	password   string
	httpClient *http.Client
}

// NewWebsocketDialer 根据 ARI 配置构造事件流地址
func NewWebsocketDialer(cfg config.ARIConfig) (*WebsocketDialer, error) {
	endpoint, err := EventsURL(cfg.URL, cfg.Application)
	if err != nil {
		return nil, err
	}
	tlsCfg, err := tlsutil.ClientConfig(cfg.CAFile)
	if err != nil {
		return nil, err
	}
	return &WebsocketDialer{
		endpoint:   endpoint,
		username:   cfg.Username,
		password:   cfg.Password,
		httpClient: tlsutil.StreamingHTTPClient(tlsCfg),
	}, nil
}

// EventsURL http(s)://host[/prefix] → ws(s)://host[/prefix]/ari/events?app=...
func EventsURL(base, app string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("parse ari url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported ari url scheme %q", u.Scheme)
	}
	u.Path += "/ari/events"
	q := url.Values{}
	q.Set("app", app)
	q.Set("subscribeAll", "false")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial 建立 websocket 订阅，鉴权失败或网络错误都返回 CONNECTION_ERROR
func (d *WebsocketDialer) Dial(ctx context.Context) (Stream, error) {
	header := http.Header{}
	token := base64.StdEncoding.EncodeToString([]byte(d.username + ":" + d.password))
	header.Set("Authorization", "Basic "+token)

	conn, resp, err := websocket.Dial(ctx, d.endpoint, &websocket.DialOptions{
		HTTPClient: d.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		msg := "ari event stream dial failed"
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			msg = "ari authentication rejected"
		}
		return nil, types.NewError(types.ErrConnection, msg).WithCause(err).WithRetryable(true)
	}
	conn.SetReadLimit(maxEventSize)
	return &wsStream{conn: conn}, nil
}

type wsStream struct {
	conn *websocket.Conn
}

func (s *wsStream) Read(ctx context.Context) ([]byte, error) {
	_, data, err := s.conn.Read(ctx)
	return data, err
}

func (s *wsStream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "closing")
}
