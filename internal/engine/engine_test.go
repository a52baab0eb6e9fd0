package engine

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"robot-inspection-cell/internal/config"
	"robot-inspection-cell/internal/device"
	"robot-inspection-cell/internal/event"
	"robot-inspection-cell/internal/faults"
	"robot-inspection-cell/internal/fsm"
	"robot-inspection-cell/internal/gap"
	"robot-inspection-cell/internal/inspection"
	"robot-inspection-cell/internal/persistence"
	"robot-inspection-cell/internal/plc"
	"robot-inspection-cell/internal/recipe"
	"robot-inspection-cell/internal/retry"
	"robot-inspection-cell/internal/types"
	"robot-inspection-cell/internal/util"
	"robot-inspection-cell/internal/validation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	regHome   uint16 = 1
	regPos    uint16 = 2
	regLight  uint16 = 10
	regResume uint16 = 12
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeInspector 记录调用并返回固定得分
type fakeInspector struct {
	mu    sync.Mutex
	calls []inspection.Request
	score float64
	gate  chan struct{} // 非空时检测阻塞到 gate 关闭
}

func (f *fakeInspector) Inspect(ctx context.Context, req inspection.Request) (inspection.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	label := inspection.LabelFor(f.score)
	mode := inspection.ModeName(req.UseGabor)
	return inspection.Result{
		SessionID: req.SessionID,
		Position:  req.Position,
		Label:     label,
		Score:     f.score,
		Mode:      mode,
		Text:      inspection.Describe(req.Position, label, mode, f.score),
		ImagePath: req.ImagePath,
		At:        time.Now(),
	}, nil
}

func (f *fakeInspector) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type cell struct {
	cfg       *config.Config
	bank      *plc.RegisterBank
	link      *plc.Link
	camera    *device.SimCamera
	fallback  *device.SimCamera
	profiler  *device.SimProfiler
	devices   *device.Session
	inspector *fakeInspector
	recipes   *recipe.Store
	book      *inspection.Book
	bus       *event.Bus
	tasks     *Tasks
	orch      *Orchestrator
}

func newCell(t *testing.T, rules map[types.ActionTag]string) *cell {
	t.Helper()
	root := t.TempDir()
	cfg := &config.Config{
		Registers: types.Registers{RobotHome: regHome, PositionNo: regPos, LightTrigger: regLight, RobotResume: regResume},
		PositionWiseActions: map[string][]string{
			"1": {"Light", "Camera"},
			"2": {"Profiler"},
			"3": {"LaserImage", "Profiler_center"},
		},
		UseCamera:         true,
		PositionExposure:  map[string]float64{"1": 8000},
		WeldReferenceROIs: map[string]types.WeldReference{"1": {ReferenceImage: "ref_1.jpg", ROI: types.ROI{W: 10, H: 10}}},
		PollInterval:      time.Millisecond,
		FlushTimeout:      2 * time.Second,
		Gap:               gap.DefaultConfig(),
		OutputRoot:        root,
		CounterFile:       filepath.Join(root, "session_counter.txt"),
	}
	logger := testLogger()

	c := &cell{cfg: cfg, bank: plc.NewRegisterBank()}
	c.bank.Set(regHome, 1)
	c.link = plc.NewLink(c.bank.Factory(), logger)
	require.NoError(t, c.link.Connect())

	c.camera = device.NewSimCamera("primary", 32, 16)
	c.fallback = device.NewSimCamera("fallback", 32, 16)
	c.profiler = device.NewSimProfiler()
	c.devices = device.NewSession(device.Config{Primary: c.camera, Fallback: c.fallback, Profiler: c.profiler}, logger)
	require.NoError(t, c.devices.Init(context.Background()))
	t.Cleanup(func() { _ = c.devices.Close() })

	detector, err := gap.NewDetector(cfg.Gap, logger)
	require.NoError(t, err)
	strategy, err := validation.NewStrategy(validation.StrategyNearestCenter)
	require.NoError(t, err)

	c.inspector = &fakeInspector{score: 0.9}
	c.recipes = recipe.NewStore(logger)
	c.book = inspection.NewBook(logger)
	c.bus = event.NewBus()

	c.tasks = NewTasks(TaskDeps{
		Config:    cfg,
		Link:      c.link,
		Devices:   c.devices,
		Inspector: c.inspector,
		Book:      c.book,
		Detector:  detector,
		Recipes:   c.recipes,
		Strategy:  strategy,
		Bus:       c.bus,
	}, logger)
	c.tasks.pollEvery = time.Millisecond
	c.tasks.centerBudget = 30 * time.Millisecond
	c.tasks.laserRetry = retry.Fixed(2, time.Millisecond)

	ruleSet, err := NewRuleSet(rules, nil, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	dispatcher := NewDispatcher(ctx, c.bus, logger)
	t.Cleanup(dispatcher.Wait)

	c.orch, err = NewOrchestrator(Options{
		Config:     cfg,
		Link:       c.link,
		Machine:    fsm.NewMachine(logger),
		Counter:    persistence.NewSessionCounter(cfg.CounterFile),
		Dispatcher: dispatcher,
		Tasks:      c.tasks,
		Rules:      ruleSet,
		Book:       c.book,
		Bus:        c.bus,
	}, logger)
	require.NoError(t, err)
	return c
}

func (c *cell) moveTo(position uint16) {
	c.bank.Set(regHome, 0)
	c.bank.Set(regPos, position)
}

func (c *cell) goHome() {
	c.bank.Set(regHome, 1)
	c.bank.Set(regPos, 0)
}

func TestOrchestrator_DispatchesOncePerPosition(t *testing.T) {
	c := newCell(t, nil)
	ctx := context.Background()

	c.moveTo(1)
	require.NoError(t, c.orch.Cycle(ctx))
	require.NoError(t, c.orch.Cycle(ctx))

	assert.Equal(t, []uint16{1, 0}, c.bank.WritesTo(regResume), "resume pulse exactly once")
	assert.Equal(t, []uint16{1, 0}, c.bank.WritesTo(regLight))
	assert.Equal(t, "TVS0001", c.orch.Session())
	assert.Equal(t, 8000.0, c.camera.Exposure())

	assert.FileExists(t, filepath.Join(c.cfg.OutputRoot, "scans", "TVS0001", "scan_position_1.jpg"))
	assert.FileExists(t, filepath.Join(c.cfg.OutputRoot, "raw_images", "pos_1.jpg"))
	assert.Eventually(t, func() bool { return c.inspector.Calls() == 1 }, time.Second, 5*time.Millisecond)
}

func TestOrchestrator_SessionLifecycle(t *testing.T) {
	c := newCell(t, nil)
	ctx := context.Background()

	closed := make(chan event.Event, 4)
	c.bus.Subscribe(event.SessionClosed, func(e event.Event) { closed <- e })

	// 原点处不开启会话
	require.NoError(t, c.orch.Cycle(ctx))
	assert.Empty(t, c.orch.Session())

	c.moveTo(1)
	require.NoError(t, c.orch.Cycle(ctx))
	assert.Equal(t, "TVS0001", c.orch.Session())

	c.goHome()
	require.NoError(t, c.orch.Cycle(ctx))
	assert.Empty(t, c.orch.Session())

	select {
	case e := <-closed:
		assert.Equal(t, "TVS0001", e.SessionID)
		results, ok := e.Detail.([]inspection.Entry)
		require.True(t, ok)
		require.Len(t, results, 1)
		assert.Equal(t, inspection.KindWeld, results[0].Kind)
		assert.True(t, results[0].OK)
	case <-time.After(time.Second):
		t.Fatal("SessionClosed not published")
	}

	// 回原点后再次到达同一工位：新会话，重新派发
	c.moveTo(1)
	require.NoError(t, c.orch.Cycle(ctx))
	assert.Equal(t, "TVS0002", c.orch.Session())
	assert.Equal(t, []uint16{1, 0, 1, 0}, c.bank.WritesTo(regResume))
}

func TestOrchestrator_LateInspectionAfterFlushTimeout(t *testing.T) {
	c := newCell(t, nil)
	ctx := context.Background()
	c.cfg.FlushTimeout = 20 * time.Millisecond
	gate := make(chan struct{})
	c.inspector.gate = gate

	closed := make(chan event.Event, 1)
	done := make(chan event.Event, 1)
	c.bus.Subscribe(event.SessionClosed, func(e event.Event) { closed <- e })
	c.bus.Subscribe(event.InspectionDone, func(e event.Event) { done <- e })

	c.moveTo(1)
	require.NoError(t, c.orch.Cycle(ctx))
	c.goHome()
	require.NoError(t, c.orch.Cycle(ctx))

	select {
	case e := <-closed:
		results, ok := e.Detail.([]inspection.Entry)
		require.True(t, ok)
		assert.Empty(t, results, "slow inspection is not waited for past the flush timeout")
	case <-time.After(time.Second):
		t.Fatal("SessionClosed not published")
	}
	assert.Zero(t, c.orch.dispatcher.Sessions())

	// 迟到的结果仍然通知界面，但不再留在结果簿里
	close(gate)
	c.orch.dispatcher.Wait()
	select {
	case e := <-done:
		assert.Equal(t, "TVS0001", e.SessionID)
	case <-time.After(time.Second):
		t.Fatal("late InspectionDone not published")
	}
	assert.Empty(t, c.book.Snapshot("TVS0001"))
	assert.Empty(t, c.book.Flush("TVS0001"))
}

func TestOrchestrator_SkipsCycleWhenLinkDown(t *testing.T) {
	c := newCell(t, nil)
	skipped := make(chan event.Event, 1)
	c.bus.Subscribe(event.CycleSkipped, func(e event.Event) { skipped <- e })

	c.moveTo(1)
	c.bank.Drop()
	c.bank.SetFailOpen(true)

	err := c.orch.Cycle(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, faults.ErrLink)
	assert.Empty(t, c.bank.WritesTo(regResume))
	select {
	case <-skipped:
	case <-time.After(time.Second):
		t.Fatal("CycleSkipped not published")
	}

	// PLC 恢复后正常派发
	c.bank.SetFailOpen(false)
	require.NoError(t, c.orch.Cycle(context.Background()))
	assert.Equal(t, []uint16{1, 0}, c.bank.WritesTo(regResume))
}

func TestOrchestrator_SessionDirFailureStillResumes(t *testing.T) {
	c := newCell(t, nil)
	ctx := context.Background()
	// scans 是普通文件，会话目录无法创建
	require.NoError(t, os.WriteFile(filepath.Join(c.cfg.OutputRoot, "scans"), []byte("x"), 0o644))

	c.moveTo(1)
	err := c.orch.Cycle(ctx)
	require.Error(t, err, "camera image cannot be saved")
	assert.Equal(t, "TVS0001", c.orch.Session())
	assert.Equal(t, []uint16{1, 0}, c.bank.WritesTo(regResume))
	assert.Equal(t, []uint16{1, 0}, c.bank.WritesTo(regLight))

	require.NoError(t, c.orch.Cycle(ctx))
	assert.Len(t, c.bank.WritesTo(regResume), 2, "no second dispatch for the same position")

	c.moveTo(2)
	require.NoError(t, c.orch.Cycle(ctx))
	assert.Equal(t, []uint16{1, 0, 1, 0}, c.bank.WritesTo(regResume))
	assert.Equal(t, "TVS0001", c.orch.Session())

	// 回原点结束轮廓采集
	c.goHome()
	require.NoError(t, c.orch.Cycle(ctx))
	assert.Empty(t, c.orch.Session())
}

func TestOrchestrator_CameraFailureStillResumes(t *testing.T) {
	c := newCell(t, nil)
	c.camera.SetGrabError(device.ErrSimulated)
	c.fallback.SetInitError(device.ErrSimulated)

	c.moveTo(1)
	err := c.orch.Cycle(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, faults.ErrDeviceNotReady)
	assert.Equal(t, []uint16{1, 0}, c.bank.WritesTo(regResume))
	assert.Equal(t, []uint16{1, 0}, c.bank.WritesTo(regLight))
	assert.Zero(t, c.inspector.Calls())
}

func TestOrchestrator_FallbackCamera(t *testing.T) {
	c := newCell(t, nil)
	c.camera.SetGrabError(device.ErrSimulated)

	c.moveTo(1)
	require.NoError(t, c.orch.Cycle(context.Background()))
	inits, grabs := c.fallback.Counts()
	assert.Equal(t, 1, inits)
	assert.Equal(t, 1, grabs)
	assert.FileExists(t, filepath.Join(c.cfg.OutputRoot, "scans", "TVS0001", "scan_position_1.jpg"))
}

func TestOrchestrator_RuleSkipsCamera(t *testing.T) {
	c := newCell(t, map[types.ActionTag]string{types.ActionCamera: "use_camera && position != 1"})

	c.moveTo(1)
	require.NoError(t, c.orch.Cycle(context.Background()))
	_, grabs := c.camera.Counts()
	assert.Zero(t, grabs)
	assert.Equal(t, []uint16{1, 0}, c.bank.WritesTo(regResume))
}

func TestOrchestrator_UnconfiguredPositionOnlyResumes(t *testing.T) {
	c := newCell(t, nil)
	c.moveTo(9)
	require.NoError(t, c.orch.Cycle(context.Background()))
	assert.Equal(t, []uint16{1, 0}, c.bank.WritesTo(regResume))
	assert.Empty(t, c.bank.WritesTo(regLight))
}

func TestOrchestrator_ProfilerValidatedAtSessionClose(t *testing.T) {
	c := newCell(t, nil)
	detector, err := gap.NewDetector(gap.DefaultConfig(), testLogger())
	require.NoError(t, err)
	features := FeaturesFromScan(detector, c.profiler.Generator(1))
	require.Len(t, features, 2)
	_, err = c.recipes.Put(recipe.FromFeatures("position_2", features, recipe.DefaultTolerances(), recipe.GlobalThresholds{}))
	require.NoError(t, err)

	closed := make(chan event.Event, 1)
	c.bus.Subscribe(event.SessionClosed, func(e event.Event) { closed <- e })

	c.moveTo(2)
	require.NoError(t, c.orch.Cycle(context.Background()))
	assert.Equal(t, []uint16{1, 0}, c.bank.WritesTo(regResume), "resume does not wait for profiler")

	assert.Eventually(t, func() bool {
		_, _, streams := c.profiler.Stats()
		return streams == 1
	}, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	c.goHome()
	require.NoError(t, c.orch.Cycle(context.Background()))

	select {
	case e := <-closed:
		results := e.Detail.([]inspection.Entry)
		require.Len(t, results, 1)
		assert.Equal(t, inspection.KindProfile, results[0].Kind)
		assert.True(t, results[0].OK, results[0].Text)
	case <-time.After(time.Second):
		t.Fatal("SessionClosed not published")
	}

	logs, err := filepath.Glob(filepath.Join(c.cfg.OutputRoot, "profiler_data", "pos_2_*", "profile_log.txt"))
	require.NoError(t, err)
	require.Len(t, logs, 1)
	records, err := persistence.ReadProfileLog(logs[0])
	require.NoError(t, err)
	assert.NotEmpty(t, records)
}

func TestOrchestrator_RunStopsOnCancel(t *testing.T) {
	c := newCell(t, nil)
	c.moveTo(1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.orch.Run(ctx) }()

	assert.Eventually(t, func() bool { return len(c.bank.WritesTo(regResume)) == 2 }, time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
	assert.Equal(t, []uint16{1, 0}, c.bank.WritesTo(regResume))
}

func TestTasks_LaserImageRetries(t *testing.T) {
	c := newCell(t, nil)
	c.profiler.FailImages(1)
	require.NoError(t, c.tasks.CaptureLaserImage(context.Background(), 3))
	_, attempts, _ := c.profiler.Stats()
	assert.Equal(t, 2, attempts)

	files, err := filepath.Glob(filepath.Join(c.cfg.OutputRoot, "laser_images", "laser_pos3_*.png"))
	require.NoError(t, err)
	assert.Len(t, files, 1)

	c.profiler.FailImages(5)
	err = c.tasks.CaptureLaserImage(context.Background(), 3)
	assert.ErrorIs(t, err, faults.ErrAcquisition)
}

func TestTasks_CaptureCenterHonoursBudget(t *testing.T) {
	c := newCell(t, nil)
	start := time.Now()
	require.NoError(t, c.tasks.CaptureCenter(context.Background(), 3))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	files, err := filepath.Glob(filepath.Join(c.cfg.OutputRoot, "profiler_centers", "pos_3_*", "profile_center.txt"))
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestTasks_LeftPositionReadsHomeFirst(t *testing.T) {
	c := newCell(t, nil)

	c.moveTo(2)
	left, err := c.tasks.leftPosition(2)
	require.NoError(t, err)
	assert.False(t, left)
	assert.Equal(t, []uint16{regHome, regPos}, c.bank.Reads())

	c.moveTo(3)
	left, err = c.tasks.leftPosition(2)
	require.NoError(t, err)
	assert.True(t, left)

	c.goHome()
	before := len(c.bank.Reads())
	left, err = c.tasks.leftPosition(2)
	require.NoError(t, err)
	assert.True(t, left)
	assert.Equal(t, []uint16{regHome}, c.bank.Reads()[before:])
}

func TestTasks_ProfilerUnavailable(t *testing.T) {
	c := newCell(t, nil)
	c.devices.MarkProfilerLost()
	c.profiler.SetConnectError(device.ErrSimulated)
	err := c.tasks.CollectProfiles(context.Background(), "TVS0001", 2)
	assert.ErrorIs(t, err, faults.ErrDeviceNotReady)
}

func TestTasks_ReuseRawImageWithoutCamera(t *testing.T) {
	c := newCell(t, nil)
	dir := filepath.Join(c.cfg.OutputRoot, "scans", "TVS0001")

	c.cfg.UseCamera = false
	_, err := c.tasks.CaptureCamera(context.Background(), dir, 1)
	assert.ErrorIs(t, err, faults.ErrAcquisition)

	c.cfg.UseCamera = true
	_, err = c.tasks.CaptureCamera(context.Background(), dir, 1)
	require.NoError(t, err)

	c.cfg.UseCamera = false
	_, before := c.camera.Counts()
	path, err := c.tasks.CaptureCamera(context.Background(), dir, 1)
	require.NoError(t, err)
	assert.FileExists(t, path)
	_, after := c.camera.Counts()
	assert.Equal(t, before, after)
}

func TestTasks_InspectWeldWithoutReference(t *testing.T) {
	c := newCell(t, nil)
	err := c.tasks.InspectWeld(context.Background(), "TVS0001", 2, "img.jpg")
	assert.ErrorIs(t, err, faults.ErrConfiguration)
	assert.Zero(t, c.inspector.Calls())
}

func TestRuleSet(t *testing.T) {
	rs, err := NewRuleSet(
		map[types.ActionTag]string{types.ActionProfiler: "position in [2, 4]"},
		map[types.ActionTag]string{types.ActionCamera: "use_camera", types.ActionProfiler: "false"},
		testLogger(),
	)
	require.NoError(t, err)

	tags := []types.ActionTag{types.ActionLight, types.ActionCamera, types.ActionProfiler}
	allowed, skipped := rs.Filter(tags, RuleEnv{Position: 2, UseCamera: false})
	assert.Equal(t, []types.ActionTag{types.ActionLight, types.ActionProfiler}, allowed)
	assert.Equal(t, []types.ActionTag{types.ActionCamera}, skipped)

	assert.True(t, rs.Allow(types.ActionCamera, RuleEnv{UseCamera: true}))
	assert.False(t, rs.Allow(types.ActionProfiler, RuleEnv{Position: 3}))

	var nilSet *RuleSet
	assert.True(t, nilSet.Allow(types.ActionCamera, RuleEnv{}))

	_, err = NewRuleSet(map[types.ActionTag]string{types.ActionCamera: "position +"}, nil, testLogger())
	assert.Error(t, err)
	_, err = NewRuleSet(map[types.ActionTag]string{types.ActionCamera: "position"}, nil, testLogger())
	assert.Error(t, err, "non-boolean rule is rejected")
}

func TestDispatcher_IsolatesFailures(t *testing.T) {
	bus := event.NewBus()
	var mu sync.Mutex
	got := map[event.EventType]int{}
	for _, typ := range []event.EventType{event.TaskStarted, event.TaskFinished, event.TaskFailed} {
		typ := typ
		bus.Subscribe(typ, func(event.Event) {
			mu.Lock()
			got[typ]++
			mu.Unlock()
		})
	}

	d := NewDispatcher(context.Background(), bus, testLogger())
	d.Go("S1", 1, "ok", func(context.Context) error { return nil })
	d.Go("S1", 1, "fail", func(context.Context) error { return errors.New("boom") })
	d.Go("S1", 2, "panic", func(context.Context) error { panic("sensor crashed") })

	assert.True(t, d.WaitSession("S1", time.Second))
	d.Wait()
	bus.Drain()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, got[event.TaskStarted])
	assert.Equal(t, 1, got[event.TaskFinished])
	assert.Equal(t, 2, got[event.TaskFailed])
}

func TestDispatcher_WaitSessionTimeout(t *testing.T) {
	d := NewDispatcher(context.Background(), event.NewBus(), testLogger())
	release := make(chan struct{})
	d.Go("S2", 1, "slow", func(context.Context) error {
		<-release
		return nil
	})
	assert.False(t, d.WaitSession("S2", 10*time.Millisecond))
	assert.Zero(t, d.Sessions(), "timed out session is no longer tracked")
	close(release)
	d.Wait()
	assert.True(t, d.WaitSession("S2", time.Second))
	assert.True(t, d.WaitSession("unknown", time.Millisecond))
}

func TestDispatcher_InjectsSessionContext(t *testing.T) {
	d := NewDispatcher(context.Background(), event.NewBus(), testLogger())
	seen := make(chan string, 1)
	d.Go("S3", 1, "ctx", func(ctx context.Context) error {
		id, _ := util.SessionFromContext(ctx)
		seen <- id
		return nil
	})
	d.Wait()
	assert.Equal(t, "S3", <-seen)
}
