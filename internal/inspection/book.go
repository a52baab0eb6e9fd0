package inspection

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Kind 区分结果来源
type Kind string

const (
	KindWeld    Kind = "weld"    // 焊缝图像检测
	KindProfile Kind = "profile" // 轮廓特征校验
)

// Entry 是会话内的一条检测结果
type Entry struct {
	Kind     Kind      `json:"kind"`
	Position int       `json:"position"`
	OK       bool      `json:"ok"`
	Text     string    `json:"text"`
	Detail   any       `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

// maxClosedSessions 是结果簿记住的已结束会话数
const maxClosedSessions = 64

// Book 按会话累积检测结果，机器人回原点时一次性输出
// 会话输出后到达的结果不再累积，只记录日志
type Book struct {
	mu       sync.Mutex
	sessions map[string][]Entry
	closed   map[string]struct{}
	order    []string // 已结束会话，最早的在前
	logger   *slog.Logger
}

// NewBook 创建结果簿
func NewBook(logger *slog.Logger) *Book {
	return &Book{
		sessions: make(map[string][]Entry),
		closed:   make(map[string]struct{}),
		logger:   logger.With("component", "results"),
	}
}

// Add 追加一条结果，会话已输出时丢弃并返回 false
func (b *Book) Add(sessionID string, e Entry) bool {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b.mu.Lock()
	if _, done := b.closed[sessionID]; done {
		b.mu.Unlock()
		b.logger.Warn("会话已输出，迟到的检测结果不再汇总", "session_id", sessionID, "kind", e.Kind, "position", e.Position, "ok", e.OK, "text", e.Text)
		return false
	}
	b.sessions[sessionID] = append(b.sessions[sessionID], e)
	b.mu.Unlock()
	return true
}

// AddWeld 追加一条焊缝检测结果
func (b *Book) AddWeld(r Result) bool {
	return b.Add(r.SessionID, Entry{Kind: KindWeld, Position: r.Position, OK: r.Label == LabelOK, Text: r.Text, Detail: r, At: r.At})
}

// Snapshot 返回会话当前结果的副本，不清空
func (b *Book) Snapshot(sessionID string) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Entry(nil), b.sessions[sessionID]...)
}

// Flush 取出会话的全部结果并清空，按工位排序后逐条输出
func (b *Book) Flush(sessionID string) []Entry {
	b.mu.Lock()
	entries := b.sessions[sessionID]
	delete(b.sessions, sessionID)
	b.markClosedLocked(sessionID)
	b.mu.Unlock()

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Position != entries[j].Position {
			return entries[i].Position < entries[j].Position
		}
		return entries[i].Kind < entries[j].Kind
	})
	b.logger.Info("机器人回到原点，输出本次会话全部检测结果", "session_id", sessionID, "count", len(entries))
	for _, e := range entries {
		b.logger.Info("检测结果", "session_id", sessionID, "kind", e.Kind, "position", e.Position, "ok", e.OK, "text", e.Text)
	}
	return entries
}

func (b *Book) markClosedLocked(sessionID string) {
	if _, ok := b.closed[sessionID]; ok {
		return
	}
	b.closed[sessionID] = struct{}{}
	b.order = append(b.order, sessionID)
	if len(b.order) > maxClosedSessions {
		delete(b.closed, b.order[0])
		b.order = b.order[1:]
	}
}
