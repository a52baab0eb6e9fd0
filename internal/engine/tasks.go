package engine

import (
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"robot-inspection-cell/internal/config"
	"robot-inspection-cell/internal/device"
	"robot-inspection-cell/internal/event"
	"robot-inspection-cell/internal/faults"
	"robot-inspection-cell/internal/gap"
	"robot-inspection-cell/internal/inspection"
	"robot-inspection-cell/internal/metrics"
	"robot-inspection-cell/internal/persistence"
	"robot-inspection-cell/internal/plc"
	"robot-inspection-cell/internal/recipe"
	"robot-inspection-cell/internal/retry"
	"robot-inspection-cell/internal/types"
	"robot-inspection-cell/internal/validation"
)

const (
	profilerPollEvery  = 5 * time.Millisecond // 轮廓仪队列轮询间隔
	centerBudget       = 5 * time.Second      // 中心值采集的固定时长
	laserAttempts      = 2
	laserBackoff       = 200 * time.Millisecond
	timestampDirLayout = "20060102_150405"
)

// Tasks 实现各个传感器动作
type Tasks struct {
	cfg       *config.Config
	link      *plc.Link
	devices   *device.Session
	inspector inspection.Inspector // 为空时跳过焊缝检测
	book      *inspection.Book
	detector  *gap.Detector
	recipes   *recipe.Store
	strategy  validation.Strategy
	bus       *event.Bus
	logger    *slog.Logger

	pollEvery    time.Duration
	centerBudget time.Duration
	laserRetry   retry.Policy
	now          func() time.Time
}

// TaskDeps 汇总 Tasks 的依赖
type TaskDeps struct {
	Config    *config.Config
	Link      *plc.Link
	Devices   *device.Session
	Inspector inspection.Inspector
	Book      *inspection.Book
	Detector  *gap.Detector
	Recipes   *recipe.Store
	Strategy  validation.Strategy
	Bus       *event.Bus
}

// NewTasks 创建传感器任务集合
func NewTasks(deps TaskDeps, logger *slog.Logger) *Tasks {
	return &Tasks{
		cfg:          deps.Config,
		link:         deps.Link,
		devices:      deps.Devices,
		inspector:    deps.Inspector,
		book:         deps.Book,
		detector:     deps.Detector,
		recipes:      deps.Recipes,
		strategy:     deps.Strategy,
		bus:          deps.Bus,
		logger:       logger.With("component", "tasks"),
		pollEvery:    profilerPollEvery,
		centerBudget: centerBudget,
		laserRetry:   retry.Fixed(laserAttempts, laserBackoff),
		now:          time.Now,
	}
}

func (t *Tasks) path(parts ...string) string {
	return filepath.Join(append([]string{t.cfg.OutputRoot}, parts...)...)
}

func (t *Tasks) stamp() string { return t.now().Format(timestampDirLayout) }

// CaptureCamera 同步拍照并保存，返回会话目录中的图像路径
// use_camera 为 false 时复用 raw_images 中已有的图像
func (t *Tasks) CaptureCamera(ctx context.Context, outputDir string, position int) (string, error) {
	filename := filepath.Join(outputDir, fmt.Sprintf("scan_position_%d.jpg", position))
	rawPath := t.path("raw_images", fmt.Sprintf("pos_%d.jpg", position))
	logger := t.logger.With("position", position)

	if !t.cfg.UseCamera {
		img, err := readJPEG(rawPath)
		if err != nil {
			logger.Warn("未找到原始图像，跳过检测", "path", rawPath, "error", err)
			return "", fmt.Errorf("load raw image %s: %w: %w", rawPath, faults.ErrAcquisition, err)
		}
		if err := writeJPEG(filename, img); err != nil {
			return "", err
		}
		logger.Info("使用原始图像代替拍照", "path", rawPath)
		return filename, nil
	}

	frame, err := t.grabPrimary(ctx, position)
	if err != nil {
		logger.Warn("主相机采图失败，切换备用相机", "error", err)
		frame, err = t.grabFallback(ctx)
		if err != nil {
			logger.Error("备用相机采图失败，跳过保存", "error", err)
			return "", err
		}
	}

	if err := writeJPEG(filename, frame.Image); err != nil {
		return "", err
	}
	logger.Info("图像已保存", "path", filename, "source", frame.Source)
	if err := writeJPEG(rawPath, frame.Image); err != nil {
		logger.Warn("保存原始图像失败", "path", rawPath, "error", err)
	}
	return filename, nil
}

func (t *Tasks) grabPrimary(ctx context.Context, position int) (device.Frame, error) {
	cam, err := t.devices.Camera(ctx)
	if err != nil {
		return device.Frame{}, err
	}
	if exposure, ok := t.cfg.Exposure(position); ok {
		t.logger.Info("设置曝光", "position", position, "exposure", exposure)
		if err := cam.SetExposure(exposure); err != nil {
			t.logger.Warn("设置曝光失败", "position", position, "error", err)
		}
	}
	frame, err := cam.Grab(ctx)
	if err != nil {
		return device.Frame{}, fmt.Errorf("grab %s: %w: %w", cam.Name(), faults.ErrAcquisition, err)
	}
	return frame, nil
}

func (t *Tasks) grabFallback(ctx context.Context) (device.Frame, error) {
	fb := t.devices.Fallback()
	if fb == nil {
		return device.Frame{}, fmt.Errorf("no fallback camera: %w", faults.ErrAcquisition)
	}
	if err := fb.Init(ctx); err != nil {
		return device.Frame{}, fmt.Errorf("init %s: %w: %w", fb.Name(), faults.ErrDeviceNotReady, err)
	}
	frame, err := fb.Grab(ctx)
	if err != nil {
		return device.Frame{}, fmt.Errorf("grab %s: %w: %w", fb.Name(), faults.ErrAcquisition, err)
	}
	return frame, nil
}

// InspectWeld 调用焊缝检测并把结果记入会话
func (t *Tasks) InspectWeld(ctx context.Context, sessionID string, position int, imagePath string) error {
	if t.inspector == nil {
		t.logger.Info("未配置焊缝检测服务，跳过", "position", position)
		return nil
	}
	ref, ok := t.cfg.WeldReference(position)
	if !ok {
		t.logger.Warn("工位没有焊缝参考数据", "position", position)
		return fmt.Errorf("weld reference for position %d: %w", position, faults.ErrConfiguration)
	}

	res, err := t.inspector.Inspect(ctx, inspection.Request{
		SessionID: sessionID,
		Position:  position,
		ImagePath: imagePath,
		Reference: ref,
		UseGabor:  t.cfg.UseGaborFilter,
	})
	if err != nil {
		metrics.InspectionsTotal.WithLabelValues(inspection.LabelError).Inc()
		t.book.Add(sessionID, inspection.Entry{
			Kind:     inspection.KindWeld,
			Position: position,
			Text:     fmt.Sprintf("POS %d : %s (%v)", position, inspection.LabelError, err),
		})
		return err
	}
	metrics.InspectionsTotal.WithLabelValues(res.Label).Inc()
	t.book.AddWeld(res)
	t.bus.Publish(event.Event{Type: event.InspectionDone, SessionID: sessionID, Position: position, Detail: res})
	return nil
}

// CaptureLaserImage 读取激光原始图像，有限次重试
func (t *Tasks) CaptureLaserImage(ctx context.Context, position int) error {
	prof, err := t.devices.Profiler(ctx)
	if err != nil {
		return err
	}
	img, err := retry.DoWithResult(ctx, t.laserRetry, func(attempt int) (*image.Gray, error) {
		img, err := prof.GrabImage(ctx)
		if err != nil {
			t.logger.Warn("激光图像采集失败", "position", position, "attempt", attempt, "error", err)
		}
		return img, err
	})
	if err != nil {
		return fmt.Errorf("laser image position %d: %w: %w", position, faults.ErrAcquisition, err)
	}

	filename := t.path("laser_images", fmt.Sprintf("laser_pos%d_%s.png", position, t.stamp()))
	if err := writePNG(filename, img); err != nil {
		return err
	}
	t.logger.Info("激光图像已保存", "position", position, "path", filename)
	return nil
}

// CollectProfiles 连续采集轮廓，直到机器人回原点或离开当前工位
// 停止条件通过共享的 PLC 连接读取，与轮询循环遵守同一把锁
func (t *Tasks) CollectProfiles(ctx context.Context, sessionID string, position int) error {
	logPath := t.path("profiler_data", fmt.Sprintf("pos_%d_%s", position, t.stamp()), "profile_log.txt")
	longest, count, err := t.stream(ctx, position, logPath, func() (bool, error) {
		return t.leftPosition(position)
	})
	t.logger.Info("结束轮廓采集", "position", position, "profiles", count, "path", logPath)
	if err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("no profiles captured at position %d: %w", position, faults.ErrAcquisition)
	}
	t.validateProfile(sessionID, position, longest)
	return nil
}

// leftPosition 判断机器人是否已离开工位
// 与轮询循环相同，先读原点寄存器再读工位号
func (t *Tasks) leftPosition(position int) (bool, error) {
	home, err := t.link.ReadRegister(t.cfg.Registers.RobotHome)
	if err != nil {
		return true, err
	}
	if home == 1 {
		return true, nil
	}
	current, err := t.link.ReadRegister(t.cfg.Registers.PositionNo)
	if err != nil {
		return true, err
	}
	return int(current) != position, nil
}

// CaptureCenter 在固定时长内采集中心值轮廓
func (t *Tasks) CaptureCenter(ctx context.Context, position int) error {
	logPath := t.path("profiler_centers", fmt.Sprintf("pos_%d_%s", position, t.stamp()), "profile_center.txt")
	deadline := t.now().Add(t.centerBudget)
	t.logger.Info("采集中心值", "position", position, "budget", t.centerBudget)
	_, count, err := t.stream(ctx, position, logPath, func() (bool, error) {
		return !t.now().Before(deadline), nil
	})
	t.logger.Info("中心值采集结束", "position", position, "profiles", count)
	return err
}

// stream 启动测量队列并把轮廓写入日志，直到 stop 返回 true
// 返回点数最多的一条轮廓
func (t *Tasks) stream(ctx context.Context, position int, logPath string, stop func() (bool, error)) (persistence.ProfileRecord, int, error) {
	var longest persistence.ProfileRecord
	prof, err := t.devices.Profiler(ctx)
	if err != nil {
		return longest, 0, err
	}
	stream, err := prof.OpenStream()
	if err != nil {
		t.devices.MarkProfilerLost()
		return longest, 0, fmt.Errorf("open profiler stream: %w: %w", faults.ErrDeviceNotReady, err)
	}
	if err := stream.Start(); err != nil {
		return longest, 0, fmt.Errorf("start profiler stream: %w: %w", faults.ErrDeviceNotReady, err)
	}
	defer stream.Stop()
	if err := stream.ClearQueue(); err != nil {
		t.logger.Warn("清空测量队列失败", "error", err)
	}

	plog, err := persistence.CreateProfileLog(logPath)
	if err != nil {
		return longest, 0, fmt.Errorf("create profile log: %w", err)
	}
	defer plog.Close()

	t.logger.Info("开始轮廓采集", "position", position, "path", logPath)
	ticker := time.NewTicker(t.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return longest, plog.Count(), ctx.Err()
		case <-ticker.C:
		}

		done, err := stop()
		if err != nil {
			return longest, plog.Count(), fmt.Errorf("profiler stop condition: %w", err)
		}
		if done {
			return longest, plog.Count(), nil
		}

		pending, err := stream.Pending()
		if err != nil {
			return longest, plog.Count(), fmt.Errorf("profiler queue: %w: %w", faults.ErrAcquisition, err)
		}
		if pending == 0 {
			continue
		}
		scan, err := stream.Read()
		if err != nil {
			return longest, plog.Count(), fmt.Errorf("read profile: %w: %w", faults.ErrAcquisition, err)
		}
		rec := persistence.ProfileRecord{Timestamp: scan.Timestamp, X: scan.X, Z: scan.Z}
		if err := plog.Append(rec); err != nil {
			return longest, plog.Count(), fmt.Errorf("append profile log: %w", err)
		}
		if len(rec.X) > len(longest.X) {
			longest = rec
		}
	}
}

// validateProfile 检测轮廓特征并与工位配方比对，结果记入会话
// 检测与校验的内部错误降级为无效结果，不向上传播
func (t *Tasks) validateProfile(sessionID string, position int, rec persistence.ProfileRecord) {
	if t.detector == nil || t.recipes == nil || t.strategy == nil {
		return
	}
	eventName := t.cfg.ProfilerEvent(position)
	r, err := t.recipes.Get(eventName)
	if err != nil {
		t.logger.Info("工位没有主配方，跳过轮廓校验", "position", position, "event", eventName)
		return
	}

	features := t.detector.Features(rec.Profile())
	holes, nuts := validation.SplitByType(features)
	report := t.strategy.Compare(r, holes, nuts)

	entry := inspection.Entry{
		Kind:     inspection.KindProfile,
		Position: position,
		OK:       report.IsValid,
		Text:     fmt.Sprintf("POS %d : %s (%s, holes %d/%d, nuts %d/%d) %s", position, verdict(report.IsValid), eventName, report.TotalHoles, report.ExpectedHoles, report.TotalNuts, report.ExpectedNuts, report.Message),
		Detail:   report,
	}
	t.book.Add(sessionID, entry)
	t.bus.Publish(event.Event{Type: event.InspectionDone, SessionID: sessionID, Position: position, Detail: entry})
	t.logger.Info("轮廓校验完成", "position", position, "event", eventName, "valid", report.IsValid, "message", report.Message)
}

func verdict(ok bool) string {
	if ok {
		return inspection.LabelOK
	}
	return inspection.LabelNG
}

// FeaturesFromScan 是分析服务与任务共用的检测入口
func FeaturesFromScan(d *gap.Detector, scan device.Scan) []types.Feature {
	p, err := types.ProfileFromXZ(scan.X, scan.Z)
	if err != nil {
		return nil
	}
	return d.Features(p)
}

func writeJPEG(path string, img image.Image) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: 95}); err != nil {
		f.Close()
		return fmt.Errorf("encode jpeg %s: %w", path, err)
	}
	return f.Close()
}

func readJPEG(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return jpeg.Decode(f)
}

func writePNG(path string, img image.Image) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("encode png %s: %w", path, err)
	}
	return f.Close()
}
