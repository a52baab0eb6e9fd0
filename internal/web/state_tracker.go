package web

import (
	"sync"
	"time"

	"robot-inspection-cell/internal/inspection"
)

// maxRecentResults 是界面保留的最近结果条数
const maxRecentResults = 50

// TaskState 定义了用于 UI 展示的传感器任务状态
type TaskState struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	SessionID string    `json:"session_id"`
	Position  int       `json:"position"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Updated   time.Time `json:"updated"`
}

// CellState 代表检测单元的实时状态快照
type CellState struct {
	LinkUp        bool                 `json:"link_up"`
	Robot         string               `json:"robot"`
	Position      int                  `json:"position"`
	SessionID     string               `json:"session_id"`
	SessionsTotal int                  `json:"sessions_total"`
	Tasks         map[string]TaskState `json:"tasks"`
	Results       []inspection.Entry   `json:"results"`
	Updated       time.Time            `json:"updated"`
}

// StateTracker 负责追踪检测单元的实时状态，并通知前端更新
type StateTracker struct {
	mu    sync.RWMutex
	state CellState
	hub   *Hub
}

// NewStateTracker 创建一个新的 StateTracker 实例
func NewStateTracker(hub *Hub) *StateTracker {
	return &StateTracker{
		state: CellState{Robot: "HOME", Tasks: make(map[string]TaskState), Results: []inspection.Entry{}},
		hub:   hub,
	}
}

// update 在锁内修改状态，然后广播最新快照
func (st *StateTracker) update(fn func(s *CellState)) {
	st.mu.Lock()
	fn(&st.state)
	st.state.Updated = time.Now()
	snapshot := st.copyLocked()
	st.mu.Unlock()
	if st.hub != nil {
		st.hub.BroadcastState(snapshot)
	}
}

// SetLink 更新 PLC 连接状态
func (st *StateTracker) SetLink(up bool) {
	st.mu.RLock()
	same := st.state.LinkUp == up
	st.mu.RUnlock()
	if same {
		return
	}
	st.update(func(s *CellState) { s.LinkUp = up })
}

// SetRobot 更新机器人状态与工位
func (st *StateTracker) SetRobot(state string, position int) {
	st.update(func(s *CellState) {
		s.Robot = state
		s.Position = position
	})
}

// OpenSession 开启新会话并清空上一会话的任务
func (st *StateTracker) OpenSession(id string) {
	st.update(func(s *CellState) {
		s.SessionID = id
		s.SessionsTotal++
		s.Tasks = make(map[string]TaskState)
		s.Results = []inspection.Entry{}
	})
}

// CloseSession 结束会话并展示该会话的全部结果
func (st *StateTracker) CloseSession(id string, results []inspection.Entry) {
	st.update(func(s *CellState) {
		if s.SessionID == id {
			s.SessionID = ""
		}
		s.Robot = "HOME"
		s.Position = 0
		s.Results = append([]inspection.Entry(nil), results...)
		if len(s.Results) > maxRecentResults {
			s.Results = s.Results[len(s.Results)-maxRecentResults:]
		}
	})
}

// SetTask 更新单个任务的状态
func (st *StateTracker) SetTask(t TaskState) {
	st.update(func(s *CellState) {
		t.Updated = time.Now()
		s.Tasks[t.ID] = t
	})
}

// AddResult 追加一条实时结果
func (st *StateTracker) AddResult(e inspection.Entry) {
	st.update(func(s *CellState) {
		s.Results = append(s.Results, e)
		if len(s.Results) > maxRecentResults {
			s.Results = s.Results[1:]
		}
	})
}

// GetStateSnapshot 返回当前状态的一个深拷贝副本
// 用于新客户端连接时获取一次全量数据
func (st *StateTracker) GetStateSnapshot() CellState {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.copyLocked()
}

func (st *StateTracker) copyLocked() CellState {
	cp := st.state
	cp.Tasks = make(map[string]TaskState, len(st.state.Tasks))
	for id, t := range st.state.Tasks {
		cp.Tasks[id] = t
	}
	cp.Results = append([]inspection.Entry(nil), st.state.Results...)
	return cp
}
