package types

import "time"

// =============================================================================
// 📞 通话会话
// =============================================================================

// CallSession 一通电话的完整记录，由 session.Store 独占持有
type CallSession struct {
	CallID         string     `json:"call_id"`
	CallerName     string     `json:"caller_name"`
	CallerNumber   string     `json:"caller_number"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	Recordings     []string   `json:"recordings"`
	Transcriptions []string   `json:"transcriptions"`
	Responses      []string   `json:"responses"`
}

// Ended 会话是否已进入终态
func (s CallSession) Ended() bool {
	return s.EndedAt != nil
}

// Clone 返回深拷贝，切片互不共享
func (s CallSession) Clone() CallSession {
	out := s
	if s.EndedAt != nil {
		t := *s.EndedAt
		out.EndedAt = &t
	}
	out.Recordings = append([]string{}, s.Recordings...)
	out.Transcriptions = append([]string{}, s.Transcriptions...)
	out.Responses = append([]string{}, s.Responses...)
	return out
}

// =============================================================================
// 📣 生命周期事件
// =============================================================================

// EventKind 生命周期事件类型
type EventKind string

const (
	CallStarted EventKind = "call_started"
	CallEnded   EventKind = "call_ended"
)

// Caller 来电方信息快照
type Caller struct {
	Name   string `json:"name"`
	Number string `json:"number"`
}

// LifecycleEvent 是 callbus 对下游暴露的唯一事件类型。
// Caller 只在 CallStarted 上携带。
type LifecycleEvent struct {
	Kind      EventKind `json:"kind"`
	CallID    string    `json:"call_id"`
	Caller    *Caller   `json:"caller,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// =============================================================================
// 🎙️ 录音
// =============================================================================

// RecordingState 录音确认状态
type RecordingState string

const (
	RecordingPending RecordingState = "pending"
	RecordingStarted RecordingState = "started"
	RecordingFailed  RecordingState = "failed"
)

// RecordingHandle 由 StartRecording 返回。
// Resolved 为 false 时 Path 不可信，调用方不应读取文件。
type RecordingHandle struct {
	CallID   string         `json:"call_id"`
	Name     string         `json:"name"`
	Format   string         `json:"format"`
	State    RecordingState `json:"state"`
	Path     string         `json:"path,omitempty"`
	Resolved bool           `json:"resolved"`
}

// Ref 返回写入会话的录音引用：有路径用路径，否则用录音名
func (h *RecordingHandle) Ref() string {
	if h.Resolved && h.Path != "" {
		return h.Path
	}
	return h.Name
}

// =============================================================================
// 💬 对话消息
// =============================================================================

// ChatRole 对话角色
type ChatRole string

const (
	RoleSystem    ChatRole = "system"
	RoleUser      ChatRole = "user"
	RoleAssistant ChatRole = "assistant"
)

// ChatMessage 发送给文本生成服务的一条消息
type ChatMessage struct {
	Role    ChatRole `json:"role"`
	Content string   `json:"content"`
}
