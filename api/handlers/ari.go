package handlers

import (
	"net/http"
	"time"

	"github.com/BaSui01/callbridge/ari"
)

// LinkStatus 信令链路状态快照（由 ari.Link 实现）
type LinkStatus interface {
	Status() ari.Status
}

// ARIHandler 信令链路状态接口
type ARIHandler struct {
	link LinkStatus
	now  func() time.Time
}

// NewARIHandler 创建 ARIHandler
func NewARIHandler(link LinkStatus) *ARIHandler {
	return &ARIHandler{link: link, now: time.Now}
}

// ARIStatusResponse GET /api/v1/ari/status
type ARIStatusResponse struct {
	Status    string     `json:"status"` // "connected", "disconnected"
	Link      ari.Status `json:"link"`
	Timestamp time.Time  `json:"timestamp"`
}

// HandleStatus 返回链路状态；未连接时仍返回 200，由 /ready 负责探活
func (h *ARIHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	st := h.link.Status()
	resp := ARIStatusResponse{
		Status:    "disconnected",
		Link:      st,
		Timestamp: h.now().UTC(),
	}
	if st.Connected {
		resp.Status = "connected"
	}
	WriteJSON(w, http.StatusOK, resp)
}
