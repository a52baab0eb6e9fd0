package persistence

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"robot-inspection-cell/internal/types"
)

// ProfileRecord 是轮廓仪上报的一条轮廓
type ProfileRecord struct {
	Timestamp uint64
	X         []float64
	Z         []float64
}

// Profile 转换为检测引擎使用的轮廓
func (r ProfileRecord) Profile() types.Profile {
	p, _ := types.ProfileFromXZ(r.X, r.Z)
	return p
}

// ProfileLog 以文本格式追加写入轮廓记录
// 每条记录三行: "Timestamp: t, Length: n" / "X: ..." / "Z: ..."，记录之间空一行
type ProfileLog struct {
	file *os.File
	w    *bufio.Writer
	mu   sync.Mutex
	n    int
}

// CreateProfileLog 创建目录与日志文件
func CreateProfileLog(path string) (*ProfileLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &ProfileLog{file: file, w: bufio.NewWriter(file)}, nil
}

// Append 写入一条轮廓记录
func (l *ProfileLog) Append(r ProfileRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := fmt.Fprintf(l.w, "Timestamp: %d, Length: %d\n", r.Timestamp, len(r.X)); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(l.w, "X: %s\nZ: %s\n\n", joinFloats(r.X), joinFloats(r.Z)); err != nil {
		return err
	}
	l.n++
	return nil
}

// Count 返回已写入的记录数
func (l *ProfileLog) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.n
}

// Close 刷新缓冲并关闭文件
func (l *ProfileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.w.Flush(); err != nil {
		l.file.Close()
		return err
	}
	if err := l.file.Sync(); err != nil {
		l.file.Close()
		return err
	}
	return l.file.Close()
}

func joinFloats(values []float64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strings.Join(parts, ",")
}

// ReadProfileLog 从日志文件中恢复所有轮廓记录
// 损坏的记录会被忽略
func ReadProfileLog(path string) ([]ProfileRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var records []ProfileRecord
	var cur ProfileRecord
	var haveHeader bool
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "Timestamp:"):
			cur = ProfileRecord{}
			haveHeader = false
			head := strings.TrimPrefix(line, "Timestamp:")
			ts, _, _ := strings.Cut(head, ",")
			if v, err := strconv.ParseUint(strings.TrimSpace(ts), 10, 64); err == nil {
				cur.Timestamp = v
				haveHeader = true
			}
		case strings.HasPrefix(line, "X:"):
			cur.X = parseFloats(strings.TrimPrefix(line, "X:"))
		case strings.HasPrefix(line, "Z:"):
			cur.Z = parseFloats(strings.TrimPrefix(line, "Z:"))
			if haveHeader && len(cur.X) == len(cur.Z) {
				records = append(records, cur)
			}
			haveHeader = false
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func parseFloats(s string) []float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	values := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil
		}
		values = append(values, v)
	}
	return values
}
