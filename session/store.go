package session

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/callbridge/types"
)

// Store 内存会话注册表，按 callID 索引。
// 所有读操作返回快照副本，可变记录只存在于 Store 内部。
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*types.CallSession
	now      func() time.Time
	logger   *zap.Logger
}

// Option 配置 Store
type Option func(*Store)

// WithClock 替换时间源（测试用）
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger 设置日志
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStore 创建会话存储
func NewStore(opts ...Option) *Store {
	s := &Store{
		sessions: make(map[string]*types.CallSession),
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "session_store"))
	return s
}

// Create 创建会话。
// 同 ID 的活跃会话返回 ErrDuplicateSession；已结束的旧会话被整体替换，不做合并。
func (s *Store) Create(callID, callerName, callerNumber string) (types.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.sessions[callID]; ok {
		if !existing.Ended() {
			return types.CallSession{}, types.NewDuplicateSessionError(callID)
		}
		s.logger.Info("replacing ended session with reused call id",
			zap.String("call_id", callID),
			zap.Time("previous_started_at", existing.StartedAt))
	}

	sess := &types.CallSession{
		CallID:         callID,
		CallerName:     callerName,
		CallerNumber:   callerNumber,
		StartedAt:      s.now(),
		Recordings:     []string{},
		Transcriptions: []string{},
		Responses:      []string{},
	}
	s.sessions[callID] = sess
	return sess.Clone(), nil
}

// Get 获取会话快照
func (s *Store) Get(callID string) (types.CallSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[callID]
	if !ok {
		return types.CallSession{}, false
	}
	return sess.Clone(), true
}

// AppendRecording 追加录音引用
func (s *Store) AppendRecording(callID, ref string) error {
	return s.mutate(callID, func(sess *types.CallSession) {
		sess.Recordings = append(sess.Recordings, ref)
	})
}

// AppendTranscription 追加转写文本
func (s *Store) AppendTranscription(callID, text string) error {
	return s.mutate(callID, func(sess *types.CallSession) {
		sess.Transcriptions = append(sess.Transcriptions, text)
	})
}

// AppendResponse 追加回复文本
func (s *Store) AppendResponse(callID, text string) error {
	return s.mutate(callID, func(sess *types.CallSession) {
		sess.Responses = append(sess.Responses, text)
	})
}

func (s *Store) mutate(callID string, fn func(*types.CallSession)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[callID]
	if !ok {
		return types.NewSessionNotFoundError(callID)
	}
	if sess.Ended() {
		return types.NewSessionTerminatedError(callID)
	}
	fn(sess)
	return nil
}

// End 标记会话结束。重复调用为空操作；返回值表示本次调用是否真正完成了终态转换。
func (s *Store) End(callID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[callID]
	if !ok {
		return false, types.NewSessionNotFoundError(callID)
	}
	if sess.Ended() {
		return false, nil
	}
	t := s.now()
	sess.EndedAt = &t
	return true, nil
}

// ListActive 返回所有未结束的会话，按开始时间升序
func (s *Store) ListActive() []types.CallSession {
	out := s.collect(func(sess *types.CallSession) bool { return !sess.Ended() })
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// ListHistory 返回所有已结束的会话，按开始时间降序（最近的在前）
func (s *Store) ListHistory() []types.CallSession {
	out := s.collect(func(sess *types.CallSession) bool { return sess.Ended() })
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

func (s *Store) collect(keep func(*types.CallSession) bool) []types.CallSession {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.CallSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if keep(sess) {
			out = append(out, sess.Clone())
		}
	}
	return out
}

// Stats 会话统计
type Stats struct {
	Active int `json:"active"`
	Ended  int `json:"ended"`
}

// Stats 返回当前会话计数
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st Stats
	for _, sess := range s.sessions {
		if sess.Ended() {
			st.Ended++
		} else {
			st.Active++
		}
	}
	return st
}
