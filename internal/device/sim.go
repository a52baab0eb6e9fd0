package device

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"sync"
	"time"
)

// ErrSimulated 是模拟设备注入的故障
var ErrSimulated = errors.New("simulated device failure")

// SimCamera 是离线演示与测试用的模拟相机
// 输出带渐变的灰度图，亮度随曝光变化
type SimCamera struct {
	name          string
	width, height int

	mu       sync.Mutex
	exposure float64
	initErr  error
	grabErr  error
	inits    int
	grabs    int
	closed   bool
	sink     func(Event)
}

// NewSimCamera 创建模拟相机
func NewSimCamera(name string, width, height int) *SimCamera {
	return &SimCamera{name: name, width: width, height: height, exposure: 5000}
}

func (c *SimCamera) Name() string { return c.name }

func (c *SimCamera) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inits++
	if c.initErr != nil {
		return c.initErr
	}
	c.closed = false
	return ctx.Err()
}

func (c *SimCamera) SetExposure(exposure float64) error {
	if exposure <= 0 {
		return errors.New("exposure must be positive")
	}
	c.mu.Lock()
	c.exposure = exposure
	c.mu.Unlock()
	return nil
}

func (c *SimCamera) Grab(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	c.mu.Lock()
	c.grabs++
	err := c.grabErr
	exposure := c.exposure
	c.mu.Unlock()
	if err != nil {
		return Frame{}, err
	}

	img := image.NewGray(image.Rect(0, 0, c.width, c.height))
	gain := math.Min(1, exposure/10000)
	for y := 0; y < c.height; y++ {
		for x := 0; x < c.width; x++ {
			v := float64((x+y)%256) * gain
			img.SetGray(x, y, color.Gray{Y: uint8(v)})
		}
	}
	return Frame{Image: img, Source: c.name, Captured: time.Now()}, nil
}

func (c *SimCamera) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// OnEvent 注册异步事件回调
func (c *SimCamera) OnEvent(sink func(Event)) {
	c.mu.Lock()
	c.sink = sink
	c.mu.Unlock()
}

// RaiseException 模拟驱动在回调线程上报异常
func (c *SimCamera) RaiseException(code int) {
	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()
	if sink != nil {
		sink(Event{Source: c.name, Kind: EventException, Code: code, At: time.Now()})
	}
}

// SetInitError 设置 Init 返回的错误，nil 表示恢复
func (c *SimCamera) SetInitError(err error) {
	c.mu.Lock()
	c.initErr = err
	c.mu.Unlock()
}

// SetGrabError 设置 Grab 返回的错误，nil 表示恢复
func (c *SimCamera) SetGrabError(err error) {
	c.mu.Lock()
	c.grabErr = err
	c.mu.Unlock()
}

// Exposure 返回当前曝光
func (c *SimCamera) Exposure() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exposure
}

// Counts 返回 Init 与 Grab 的调用次数
func (c *SimCamera) Counts() (inits, grabs int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inits, c.grabs
}

// Dip 描述合成轮廓中的一个凹陷
type Dip struct {
	Start int
	Width int
	Depth float64
}

// SyntheticScan 生成基准高度 base、间距 dx 的平坦轮廓，并叠加凹陷
func SyntheticScan(n int, dx, base float64, dips ...Dip) Scan {
	s := Scan{X: make([]float64, n), Z: make([]float64, n)}
	for i := 0; i < n; i++ {
		s.X[i] = float64(i) * dx
		s.Z[i] = base
	}
	for _, d := range dips {
		for i := d.Start; i < d.Start+d.Width && i < n; i++ {
			if i >= 0 {
				s.Z[i] = base - d.Depth
			}
		}
	}
	return s
}

// SimProfiler 是模拟激光轮廓仪
// 流启动后每次 Read 都由 Generator 生成一条新轮廓
type SimProfiler struct {
	Generator func(seq uint64) Scan

	mu             sync.Mutex
	connected      bool
	connectErr     error
	imageFailures  int // 之后的 GrabImage 调用中前几次失败
	connects       int
	imageAttempts  int
	streamsStarted int
}

// NewSimProfiler 创建模拟轮廓仪，默认输出带一个孔和一个螺母的轮廓
func NewSimProfiler() *SimProfiler {
	return &SimProfiler{
		Generator: func(seq uint64) Scan {
			s := SyntheticScan(600, 0.2, 200, Dip{Start: 150, Width: 10, Depth: 60}, Dip{Start: 400, Width: 30, Depth: 80})
			s.Timestamp = seq
			return s
		},
	}
}

func (p *SimProfiler) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connects++
	if p.connectErr != nil {
		return p.connectErr
	}
	p.connected = true
	return ctx.Err()
}

func (p *SimProfiler) OpenStream() (Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil, errors.New("profiler not connected")
	}
	return &simStream{profiler: p}, nil
}

func (p *SimProfiler) GrabImage(ctx context.Context) (*image.Gray, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.imageAttempts++
	fail := p.imageFailures > 0
	if fail {
		p.imageFailures--
	}
	p.mu.Unlock()
	if fail {
		return nil, ErrSimulated
	}
	img := image.NewGray(image.Rect(0, 0, 64, 32))
	for x := 0; x < 64; x++ {
		img.SetGray(x, 16+int(4*math.Sin(float64(x)/6)), color.Gray{Y: 255})
	}
	return img, nil
}

func (p *SimProfiler) Close() error {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	return nil
}

// SetConnectError 设置 Connect 返回的错误
func (p *SimProfiler) SetConnectError(err error) {
	p.mu.Lock()
	p.connectErr = err
	p.mu.Unlock()
}

// FailImages 让接下来 n 次 GrabImage 失败
func (p *SimProfiler) FailImages(n int) {
	p.mu.Lock()
	p.imageFailures = n
	p.mu.Unlock()
}

// Stats 返回连接次数、图像尝试次数与启动过的流数量
func (p *SimProfiler) Stats() (connects, imageAttempts, streams int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connects, p.imageAttempts, p.streamsStarted
}

type simStream struct {
	profiler *SimProfiler
	mu       sync.Mutex
	started  bool
	seq      uint64
}

func (s *simStream) Start() error {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	s.profiler.mu.Lock()
	s.profiler.streamsStarted++
	s.profiler.mu.Unlock()
	return nil
}

func (s *simStream) ClearQueue() error { return nil }

func (s *simStream) Pending() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return 0, nil
	}
	return 1, nil
}

func (s *simStream) Read() (Scan, error) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return Scan{}, errors.New("stream not started")
	}
	s.seq++
	seq := s.seq
	s.mu.Unlock()
	return s.profiler.Generator(seq), nil
}

func (s *simStream) Stop() error {
	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
	return nil
}
