package persistence

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// SessionPrefix 是会话编号前缀
const SessionPrefix = "TVS"

// SessionCounter 是持久化的会话序号计数器
// 文件中保存下一个要分配的序号，是会话编号跨进程重启单调递增的唯一依据
type SessionCounter struct {
	path string
	mu   sync.Mutex // 互斥锁，保证读-改-写的原子性
}

// NewSessionCounter 创建计数器，文件不存在时在首次 Next 时以 1 初始化
func NewSessionCounter(path string) *SessionCounter {
	return &SessionCounter{path: path}
}

// Next 分配下一个会话编号，例如 TVS0001
func (c *SessionCounter) Next() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	counter, err := c.readLocked()
	if err != nil {
		return "", err
	}
	if err := c.writeLocked(counter + 1); err != nil {
		return "", err
	}
	return FormatSessionID(counter), nil
}

// Peek 返回下一个将被分配的序号，不修改文件
func (c *SessionCounter) Peek() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readLocked()
}

func (c *SessionCounter) readLocked() (int, error) {
	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read session counter: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return 1, nil
	}
	counter, err := strconv.Atoi(text)
	if err != nil {
		return 0, fmt.Errorf("parse session counter %q: %w", text, err)
	}
	if counter < 1 {
		counter = 1
	}
	return counter, nil
}

// writeLocked 先写临时文件再原子重命名，防止掉电时计数器文件损坏
func (c *SessionCounter) writeLocked(next int) error {
	if dir := filepath.Dir(c.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := c.path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("write session counter: %w", err)
	}
	if _, err := file.WriteString(strconv.Itoa(next)); err != nil {
		file.Close()
		return fmt.Errorf("write session counter: %w", err)
	}
	// 确保数据被刷新到磁盘
	if err := file.Sync(); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}

// FormatSessionID 将序号格式化为会话编号
func FormatSessionID(counter int) string {
	return fmt.Sprintf("%s%04d", SessionPrefix, counter)
}
