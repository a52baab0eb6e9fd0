package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"time"

	"robot-inspection-cell/internal/device"
	"robot-inspection-cell/internal/engine"
	"robot-inspection-cell/internal/faults"
	"robot-inspection-cell/internal/retry"
	"robot-inspection-cell/internal/types"
	"robot-inspection-cell/internal/util"

	"github.com/klauspost/compress/zlib"
	"golang.org/x/sync/errgroup"
)

// 传感器数据格式
const (
	FormatXZArray   = "xz_array"
	FormatImageJPEG = "image_jpeg"
)

// AcquireRequest 是采集请求
type AcquireRequest struct {
	PositionNo int `json:"position_no"`
}

// Source 描述参与采集的一个传感器
type Source struct {
	Type   string         `json:"type"`
	ID     string         `json:"id"`
	Config map[string]any `json:"config"`
}

// Metadata 是采集响应的元数据
type Metadata struct {
	PositionNo    int      `json:"position_no"`
	Timestamp     string   `json:"timestamp"`
	CorrelationID string   `json:"correlation_id"`
	SchemaVersion string   `json:"schema_version"`
	Sources       []Source `json:"sources"`
}

// SensorData 是一份传感器原始数据，value 为 base64 编码
type SensorData struct {
	Type            string            `json:"type"`
	RawData         map[string]string `json:"raw_data"`
	AcquisitionTime string            `json:"acquisition_time"`
}

// ObjectAttributes 是检测对象的几何属性，每个点为 [x, z]
type ObjectAttributes struct {
	StartPoint  []float64 `json:"start_point"`
	EndPoint    []float64 `json:"end_point"`
	CenterPoint []float64 `json:"center_point"`
}

// AnalyticsObject 是从轮廓中检测出的一个对象
type AnalyticsObject struct {
	Type       types.FeatureType `json:"type"`
	Attributes ObjectAttributes  `json:"attributes"`
	Confidence float64           `json:"confidence"`
	Metadata   map[string]any    `json:"metadata"`
}

// AcquireResponse 是采集响应
type AcquireResponse struct {
	Metadata  Metadata                     `json:"metadata"`
	Data      map[string][]SensorData      `json:"data"`
	Analytics map[string][]AnalyticsObject `json:"analytics"`
}

// profileCapture 是一次轮廓采集的结果
type profileCapture struct {
	scan  device.Scan
	image []byte
}

func (s *Server) handleAcquire(w http.ResponseWriter, r *http.Request) {
	var req AcquireRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.Acquire(r.Context(), req.PositionNo)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Acquire 校验工位后并发采集该工位的传感器数据，并对轮廓做特征检测
func (s *Server) Acquire(ctx context.Context, position int) (*AcquireResponse, error) {
	configured, ok := s.actions[position]
	if !ok {
		return nil, errorf(faults.ErrConfiguration, "invalid position number %d", position)
	}
	current, err := s.link.ReadRegister(s.cfg.Registers.PositionNo)
	if err != nil {
		return nil, err
	}
	if int(current) != position {
		return nil, errorf(faults.ErrPositionMismatch, "PLC position number mismatch: requested %d, PLC at %d", position, current)
	}

	corrID, _ := util.CorrelationIDFromContext(ctx)
	actions, _ := s.rules.Filter(configured, engine.RuleEnv{Position: position, UseCamera: s.cfg.UseCamera})
	logger := s.logger.With("position", position, "correlation_id", corrID)
	logger.Info("开始采集", "actions", actions)

	resp := &AcquireResponse{
		Metadata: Metadata{
			PositionNo:    position,
			Timestamp:     s.timestamp(),
			CorrelationID: corrID,
			SchemaVersion: SchemaVersion,
			Sources:       []Source{},
		},
		Data:      map[string][]SensorData{"sensors": {}},
		Analytics: map[string][]AnalyticsObject{"objects": {}},
	}

	light := engine.Has(actions, types.ActionLight)
	if light {
		if err := s.link.WriteRegister(s.cfg.Registers.LightTrigger, 1, s.cfg.LightHold); err != nil {
			return nil, err
		}
		defer func() {
			if err := s.link.WriteRegister(s.cfg.Registers.LightTrigger, 0, 0); err != nil {
				logger.Error("关闭光源失败", "error", err)
			}
		}()
	}

	var (
		profile   *profileCapture
		cameraJPG []byte
	)
	useProfiler := engine.Has(actions, types.ActionProfiler)
	useCamera := engine.Has(actions, types.ActionCamera)

	g, gctx := errgroup.WithContext(ctx)
	if useProfiler {
		resp.Metadata.Sources = append(resp.Metadata.Sources, Source{Type: "profiler", ID: "profiler_001", Config: map[string]any{"resolution": "high"}})
		g.Go(func() error {
			p, err := s.captureProfile(gctx)
			if err != nil {
				return fmt.Errorf("failed to acquire %s data: %w: %w", types.ActionProfiler, faults.ErrAcquisition, err)
			}
			profile = p
			return nil
		})
	}
	if useCamera {
		resp.Metadata.Sources = append(resp.Metadata.Sources, Source{Type: "camera", ID: "camera_001", Config: map[string]any{"resolution": "1080p"}})
		g.Go(func() error {
			img, err := s.captureCamera(gctx, position)
			if err != nil {
				return fmt.Errorf("failed to acquire %s data: %w: %w", types.ActionCamera, faults.ErrAcquisition, err)
			}
			cameraJPG = img
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	acquired := s.timestamp()
	sensors := resp.Data["sensors"]
	if profile != nil {
		xz, err := EncodeXZ(profile.scan.X, profile.scan.Z)
		if err != nil {
			return nil, fmt.Errorf("encode profile: %w: %w", faults.ErrProcessing, err)
		}
		sensors = append(sensors,
			SensorData{Type: "profiler", RawData: map[string]string{"format": FormatXZArray, "value": xz}, AcquisitionTime: acquired},
			SensorData{Type: "profiler", RawData: map[string]string{"format": FormatImageJPEG, "value": base64.StdEncoding.EncodeToString(profile.image)}, AcquisitionTime: acquired},
		)
		resp.Analytics["objects"] = s.analyze(profile.scan)
	}
	if cameraJPG != nil {
		sensors = append(sensors, SensorData{Type: "camera", RawData: map[string]string{"format": FormatImageJPEG, "value": base64.StdEncoding.EncodeToString(cameraJPG)}, AcquisitionTime: acquired})
	}
	resp.Data["sensors"] = sensors

	logger.Info("采集完成", "sensors", len(sensors), "objects", len(resp.Analytics["objects"]))
	return resp, nil
}

func (s *Server) timestamp() string {
	return s.now().UTC().Format("2006-01-02T15:04:05.000000Z")
}

// captureProfile 从测量队列读取一条轮廓，并读取一张激光图像
func (s *Server) captureProfile(ctx context.Context) (*profileCapture, error) {
	prof, err := s.devices.Profiler(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := prof.OpenStream()
	if err != nil {
		s.devices.MarkProfilerLost()
		return nil, err
	}
	if err := stream.Start(); err != nil {
		return nil, err
	}
	defer stream.Stop()

	deadline := time.Now().Add(s.scanTimeout)
	for {
		pending, err := stream.Pending()
		if err != nil {
			return nil, err
		}
		if pending > 0 {
			break
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("no profile within %s", s.scanTimeout)
		}
		if err := retry.SleepContext(ctx, 5*time.Millisecond); err != nil {
			return nil, err
		}
	}
	scan, err := stream.Read()
	if err != nil {
		return nil, err
	}

	img, err := prof.GrabImage(ctx)
	if err != nil {
		return nil, err
	}
	jpg, err := encodeJPEG(img)
	if err != nil {
		return nil, err
	}
	return &profileCapture{scan: scan, image: jpg}, nil
}

// captureCamera 按工位曝光拍照
func (s *Server) captureCamera(ctx context.Context, position int) ([]byte, error) {
	cam, err := s.devices.Camera(ctx)
	if err != nil {
		return nil, err
	}
	if exposure, ok := s.cfg.Exposure(position); ok {
		if err := cam.SetExposure(exposure); err != nil {
			s.logger.Warn("设置曝光失败", "position", position, "error", err)
		}
	}
	frame, err := cam.Grab(ctx)
	if err != nil {
		return nil, err
	}
	return encodeJPEG(frame.Image)
}

// analyze 检测轮廓特征并转换为响应对象
func (s *Server) analyze(scan device.Scan) []AnalyticsObject {
	objects := []AnalyticsObject{}
	if s.detector == nil {
		return objects
	}
	for _, f := range engine.FeaturesFromScan(s.detector, scan) {
		objects = append(objects, AnalyticsObject{
			Type: f.Type,
			Attributes: ObjectAttributes{
				StartPoint:  []float64{f.XMin, zAt(scan, f.XMin)},
				EndPoint:    []float64{f.XMax, zAt(scan, f.XMax)},
				CenterPoint: []float64{f.Center, zAt(scan, f.Center)},
			},
			Confidence: f.Confidence,
			Metadata:   map[string]any{"width": f.Width, "depth": f.Depth},
		})
	}
	return objects
}

// zAt 返回距 x 最近的采样点高度
func zAt(scan device.Scan, x float64) float64 {
	best, z := -1.0, 0.0
	for i, xi := range scan.X {
		d := xi - x
		if d < 0 {
			d = -d
		}
		if best < 0 || d < best {
			best, z = d, scan.Z[i]
		}
	}
	return z
}

// EncodeXZ 将轮廓编码为 [x0, z0, x1, z1, ...] 的 float32 小端数组，zlib 压缩后 base64
func EncodeXZ(xs, zs []float64) (string, error) {
	if len(xs) != len(zs) {
		return "", fmt.Errorf("x/z length mismatch: %d vs %d", len(xs), len(zs))
	}
	values := make([]float32, 0, 2*len(xs))
	for i := range xs {
		values = append(values, float32(xs[i]), float32(zs[i]))
	}
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if err := binary.Write(zw, binary.LittleEndian, values); err != nil {
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// DecodeXZ 是 EncodeXZ 的逆过程
func DecodeXZ(value string) (xs, zs []float32, err error) {
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, nil, err
	}
	zr, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, nil, err
	}
	defer zr.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(zr); err != nil {
		return nil, nil, err
	}
	data := buf.Bytes()
	if len(data)%8 != 0 {
		return nil, nil, fmt.Errorf("xz payload of %d bytes is not a whole number of points", len(data))
	}
	values := make([]float32, len(data)/4)
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, values); err != nil {
		return nil, nil, err
	}
	for i := 0; i < len(values); i += 2 {
		xs = append(xs, values[i])
		zs = append(zs, values[i+1])
	}
	return xs, zs, nil
}

func encodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
