package orchestrator

// State 通话工作协程所处阶段
type State string

const (
	StateIdle            State = "idle"
	StateAnswering       State = "answering"
	StatePlaying         State = "playing"
	StateRecording       State = "recording"
	StateTranscribing    State = "transcribing"
	StateGenerating      State = "generating"
	StateSynthesizing    State = "synthesizing"
	StatePlayingResponse State = "playing_response"
	StateHangingUp       State = "hanging_up"
	StateEnded           State = "ended"
)

// Terminal 是否为终态
func (s State) Terminal() bool {
	return s == StateEnded
}

// 阶段结果标签
const (
	outcomeOK        = "ok"
	outcomeError     = "error"
	outcomeTimeout   = "timeout"
	outcomeCancelled = "cancelled"
)

// 通话结束原因标签
const (
	endCompleted    = "completed"
	endFailed       = "failed"
	endRemoteHangup = "remote_hangup"
	endRejected     = "rejected"
)
