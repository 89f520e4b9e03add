package ari

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// ARI 事件类型
const (
	EventStasisStart       = "StasisStart"
	EventStasisEnd         = "StasisEnd"
	EventPlaybackStarted   = "PlaybackStarted"
	EventPlaybackFinished  = "PlaybackFinished"
	EventRecordingStarted  = "RecordingStarted"
	EventRecordingFinished = "RecordingFinished"
	EventRecordingFailed   = "RecordingFailed"
)

// TimestampLayout ARI 事件时间格式
const TimestampLayout = "2006-01-02T15:04:05.000-0700"

// Event 事件流中的一条原始通知。
// 只解析 callbridge 需要的字段，其余保留在 Raw 中。
type Event struct {
	Type        string         `json:"type"`
	Application string         `json:"application"`
	Timestamp   string         `json:"timestamp"`
	Channel     *Channel       `json:"channel,omitempty"`
	Playback    *Playback      `json:"playback,omitempty"`
	Recording   *LiveRecording `json:"recording,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// Channel ARI 通道
type Channel struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	State     string   `json:"state"`
	Caller    CallerID `json:"caller"`
	Connected CallerID `json:"connected"`
}

// CallerID 主叫/被叫号码信息
type CallerID struct {
	Name   string `json:"name"`
	Number string `json:"number"`
}

// Playback 播放对象
type Playback struct {
	ID        string `json:"id"`
	MediaURI  string `json:"media_uri"`
	TargetURI string `json:"target_uri"`
	State     string `json:"state"`
}

// LiveRecording 实时录音对象。
// FilePath 只有部分 Asterisk 版本会下发，缺失时需要自行推导路径。
type LiveRecording struct {
	Name      string `json:"name"`
	Format    string `json:"format"`
	State     string `json:"state"`
	TargetURI string `json:"target_uri"`
	Cause     string `json:"cause,omitempty"`
	FilePath  string `json:"file_path,omitempty"`
}

// AsteriskInfo GET /asterisk/info 的响应（节选）
type AsteriskInfo struct {
	System struct {
		Version  string `json:"version"`
		EntityID string `json:"entity_id"`
	} `json:"system"`
	Status struct {
		StartupTime    string `json:"startup_time"`
		LastReloadTime string `json:"last_reload_time"`
	} `json:"status"`
}

// ErrMalformedEvent 无法解析的事件帧
var ErrMalformedEvent = errors.New("malformed ARI event")

// ParseEvent 解析一帧事件。缺少 type 字段视为格式错误。
func ParseEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, errors.Join(ErrMalformedEvent, err)
	}
	if ev.Type == "" {
		return Event{}, ErrMalformedEvent
	}
	ev.Raw = append(json.RawMessage(nil), data...)
	return ev, nil
}

// Time 解析事件时间，失败时返回 fallback
func (e Event) Time(fallback time.Time) time.Time {
	if e.Timestamp == "" {
		return fallback
	}
	if t, err := time.Parse(TimestampLayout, e.Timestamp); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339Nano, e.Timestamp); err == nil {
		return t
	}
	return fallback
}

// ChannelID 事件关联的通道 ID。
// 媒体事件没有 channel 字段，从 target_uri（channel:<id>）中提取。
func (e Event) ChannelID() string {
	if e.Channel != nil && e.Channel.ID != "" {
		return e.Channel.ID
	}
	var target string
	switch {
	case e.Playback != nil:
		target = e.Playback.TargetURI
	case e.Recording != nil:
		target = e.Recording.TargetURI
	}
	if id, ok := strings.CutPrefix(target, "channel:"); ok {
		return id
	}
	return ""
}
