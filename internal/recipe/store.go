package recipe

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"robot-inspection-cell/internal/faults"
)

// Store 是内存中的主配方表
// 读多写少：写入时整体替换一个条目，读取方拿到的配方永远不会被原地修改
// 事件名不区分大小写：配置文件的键会被 viper 转为小写，而工位映射与接口请求保留原样
type Store struct {
	mu      sync.RWMutex
	recipes map[string]*Recipe
	logger  *slog.Logger
	now     func() time.Time
}

// NewStore 创建空的配方表
func NewStore(logger *slog.Logger) *Store {
	return &Store{
		recipes: make(map[string]*Recipe),
		logger:  logger.With("component", "recipe"),
		now:     time.Now,
	}
}

// Put 存入或替换配方，返回存入的副本
func (s *Store) Put(r Recipe) (*Recipe, error) {
	if err := r.Normalize(); err != nil {
		return nil, err
	}
	stored := r.clone()
	stored.UpdatedAt = s.now()

	s.mu.Lock()
	_, replaced := s.recipes[key(stored.EventName)]
	s.recipes[key(stored.EventName)] = stored
	s.mu.Unlock()

	s.logger.Info("主配方已保存", "event", stored.EventName, "holes", len(stored.Holes), "nuts", len(stored.Nuts), "replaced", replaced)
	return stored, nil
}

// Get 按事件名读取配方
func (s *Store) Get(event string) (*Recipe, error) {
	s.mu.RLock()
	r, ok := s.recipes[key(event)]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("event %q: %w", event, faults.ErrRecipeNotFound)
	}
	return r, nil
}

// Events 返回已保存的事件名，按字母序
func (s *Store) Events() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := make([]string, 0, len(s.recipes))
	for _, r := range s.recipes {
		events = append(events, r.EventName)
	}
	sort.Strings(events)
	return events
}

func key(event string) string {
	return strings.ToLower(strings.TrimSpace(event))
}

// Seed 批量载入配置中的配方，单个配方无效时跳过并记录
func (s *Store) Seed(recipes map[string]Recipe) int {
	loaded := 0
	for event, r := range recipes {
		if r.EventName == "" {
			r.EventName = event
		}
		if _, err := s.Put(r); err != nil {
			s.logger.Warn("跳过无效的主配方", "event", event, "error", err)
			continue
		}
		loaded++
	}
	return loaded
}
