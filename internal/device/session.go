package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"robot-inspection-cell/internal/faults"
)

// Config 描述一个设备会话持有的设备
type Config struct {
	Primary     Camera   // 主相机
	Fallback    Camera   // 主相机失败时使用的备用相机，可为空
	Profiler    Profiler // 激光轮廓仪，可为空
	EventBuffer int      // 事件通道容量
}

// Session 显式持有所有设备句柄
// 由 Init 打开、Close 释放，通过引用传给需要设备的组件
type Session struct {
	mu            sync.Mutex
	primary       Camera
	fallback      Camera
	profiler      Profiler
	cameraReady   bool
	profilerReady bool

	events *Events
	logger *slog.Logger
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewSession 创建设备会话，不会打开设备
func NewSession(cfg Config, logger *slog.Logger) *Session {
	return &Session{
		primary:  cfg.Primary,
		fallback: cfg.Fallback,
		profiler: cfg.Profiler,
		events:   NewEvents(cfg.EventBuffer),
		logger:   logger.With("component", "device"),
	}
}

// Init 打开所有设备并启动事件消费 goroutine
// 单个设备初始化失败只记录日志，之后按需重试
func (s *Session) Init(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for _, cam := range []Camera{s.primary, s.fallback} {
		if src, ok := cam.(EventSource); ok {
			src.OnEvent(func(ev Event) { s.events.Publish(ev) })
		}
	}

	s.mu.Lock()
	var errs []error
	if s.primary != nil {
		if err := s.initCameraLocked(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.profiler != nil {
		if err := s.initProfilerLocked(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.drain(ctx)

	return errors.Join(errs...)
}

func (s *Session) initCameraLocked(ctx context.Context) error {
	if err := s.primary.Init(ctx); err != nil {
		s.cameraReady = false
		s.logger.Error("相机初始化失败", "camera", s.primary.Name(), "error", err)
		return fmt.Errorf("init camera %s: %w: %w", s.primary.Name(), faults.ErrDeviceNotReady, err)
	}
	s.cameraReady = true
	s.logger.Info("相机已就绪", "camera", s.primary.Name())
	return nil
}

func (s *Session) initProfilerLocked(ctx context.Context) error {
	if err := s.profiler.Connect(ctx); err != nil {
		s.profilerReady = false
		s.logger.Error("轮廓仪连接失败", "error", err)
		return fmt.Errorf("connect profiler: %w: %w", faults.ErrDeviceNotReady, err)
	}
	s.profilerReady = true
	s.logger.Info("轮廓仪已连接")
	return nil
}

// drain 是事件通道唯一的消费者
// 相机异常时标记为未就绪，下一次取图前重新初始化
func (s *Session) drain(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.events.C():
			s.logger.Warn("设备事件", "source", ev.Source, "kind", ev.Kind, "code", ev.Code)
			s.mu.Lock()
			if s.primary != nil && ev.Source == s.primary.Name() {
				s.cameraReady = false
			}
			s.mu.Unlock()
		}
	}
}

// Camera 返回可用的主相机，未就绪时尝试重新初始化一次
func (s *Session) Camera(ctx context.Context) (Camera, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.primary == nil {
		return nil, fmt.Errorf("no primary camera: %w", faults.ErrDeviceNotReady)
	}
	if !s.cameraReady {
		s.logger.Warn("相机未就绪，尝试重新初始化", "camera", s.primary.Name())
		if err := s.initCameraLocked(ctx); err != nil {
			return nil, err
		}
	}
	return s.primary, nil
}

// Fallback 返回备用相机，可能为空
func (s *Session) Fallback() Camera { return s.fallback }

// Profiler 返回已连接的轮廓仪，未连接时尝试重连一次
func (s *Session) Profiler(ctx context.Context) (Profiler, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.profiler == nil {
		return nil, fmt.Errorf("no profiler configured: %w", faults.ErrDeviceNotReady)
	}
	if !s.profilerReady {
		s.logger.Warn("轮廓仪未连接，尝试重连")
		if err := s.initProfilerLocked(ctx); err != nil {
			return nil, err
		}
	}
	return s.profiler, nil
}

// MarkProfilerLost 在调用方发现轮廓仪失效时调用
func (s *Session) MarkProfilerLost() {
	s.mu.Lock()
	s.profilerReady = false
	s.mu.Unlock()
}

// Events 返回事件通道
func (s *Session) Events() *Events { return s.events }

// Close 停止事件消费并释放所有设备
func (s *Session) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, cam := range []Camera{s.primary, s.fallback} {
		if cam != nil {
			if err := cam.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close camera %s: %w", cam.Name(), err))
			}
		}
	}
	if s.profiler != nil && s.profilerReady {
		s.logger.Info("断开轮廓仪")
		if err := s.profiler.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close profiler: %w", err))
		}
	}
	s.cameraReady, s.profilerReady = false, false
	return errors.Join(errs...)
}
