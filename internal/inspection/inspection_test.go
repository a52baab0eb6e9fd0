package inspection

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"robot-inspection-cell/internal/faults"
	"robot-inspection-cell/internal/types"
	"robot-inspection-cell/internal/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeImage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scan_position_2.jpg")
	require.NoError(t, os.WriteFile(path, []byte("jpeg-bytes"), 0o644))
	return path
}

func TestRemoteInspector_Inspect(t *testing.T) {
	var got InspectRequest
	var header string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/inspect", r.URL.Path)
		header = r.Header.Get(util.CorrelationHeader)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(InspectResponse{Score: 0.812})
	}))
	defer srv.Close()

	ins := NewRemoteInspector(srv.URL, time.Second, testLogger())
	ctx := util.ContextWithCorrelationID(context.Background(), "corr-1")
	res, err := ins.Inspect(ctx, Request{
		SessionID: "TVS0001",
		Position:  2,
		ImagePath: writeImage(t),
		Reference: types.WeldReference{ReferenceImage: "ref/pos2.jpg", ROI: types.ROI{X: 1, Y: 2, W: 3, H: 4}},
		UseGabor:  true,
	})
	require.NoError(t, err)
	assert.Equal(t, LabelOK, res.Label)
	assert.Equal(t, "POS 2 : OK (SSIM-Gabor: 0.812)", res.Text)
	assert.Equal(t, "corr-1", header)
	assert.Equal(t, types.ROI{X: 1, Y: 2, W: 3, H: 4}, got.ROI)
	img, err := base64.StdEncoding.DecodeString(got.Image)
	require.NoError(t, err)
	assert.Equal(t, "jpeg-bytes", string(img))
}

func TestRemoteInspector_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(InspectResponse{Error: "reference image missing"})
	}))
	defer srv.Close()

	ins := NewRemoteInspector(srv.URL, time.Second, testLogger())
	_, err := ins.Inspect(context.Background(), Request{Position: 1, ImagePath: writeImage(t)})
	assert.ErrorIs(t, err, faults.ErrConfiguration, "no reference configured")

	ref := types.WeldReference{ReferenceImage: "ref.jpg"}
	_, err = ins.Inspect(context.Background(), Request{Position: 1, ImagePath: writeImage(t), Reference: ref})
	assert.ErrorContains(t, err, "reference image missing")

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer broken.Close()
	ins.Endpoint = broken.URL
	_, err = ins.Inspect(context.Background(), Request{Position: 1, ImagePath: writeImage(t), Reference: ref})
	assert.Error(t, err)

	_, err = ins.Inspect(context.Background(), Request{Position: 1, ImagePath: "/does/not/exist.jpg", Reference: ref})
	assert.Error(t, err)
}

func TestLabelFor(t *testing.T) {
	assert.Equal(t, LabelNG, LabelFor(PassScore))
	assert.Equal(t, LabelOK, LabelFor(0.7501))
	assert.Equal(t, "Raw", ModeName(false))
}

func TestBook_FlushSortsAndClears(t *testing.T) {
	b := NewBook(testLogger())
	b.AddWeld(Result{SessionID: "TVS0001", Position: 3, Label: LabelNG, Text: "POS 3 : NG"})
	b.Add("TVS0001", Entry{Kind: KindProfile, Position: 1, OK: true})
	b.AddWeld(Result{SessionID: "TVS0001", Position: 1, Label: LabelOK})
	b.AddWeld(Result{SessionID: "TVS0002", Position: 5, Label: LabelOK})

	assert.Len(t, b.Snapshot("TVS0001"), 3)

	entries := b.Flush("TVS0001")
	require.Len(t, entries, 3)
	assert.Equal(t, 1, entries[0].Position)
	assert.Equal(t, KindProfile, entries[0].Kind)
	assert.Equal(t, KindWeld, entries[1].Kind)
	assert.Equal(t, 3, entries[2].Position)
	assert.False(t, entries[2].OK)

	assert.Empty(t, b.Flush("TVS0001"))
	assert.Len(t, b.Snapshot("TVS0002"), 1)
}

func TestBook_DropsResultsForFlushedSession(t *testing.T) {
	b := NewBook(testLogger())
	require.True(t, b.Add("TVS0001", Entry{Kind: KindWeld, Position: 1, OK: true}))
	require.Len(t, b.Flush("TVS0001"), 1)

	assert.False(t, b.AddWeld(Result{SessionID: "TVS0001", Position: 2, Label: LabelOK}))
	assert.Empty(t, b.Snapshot("TVS0001"))
	assert.True(t, b.Add("TVS0002", Entry{Kind: KindWeld, Position: 1}))
}

func TestBook_ForgetsOldestClosedSessions(t *testing.T) {
	b := NewBook(testLogger())
	for i := 0; i <= maxClosedSessions; i++ {
		b.Flush(fmt.Sprintf("TVS%04d", i))
	}
	assert.Len(t, b.closed, maxClosedSessions)
	assert.Len(t, b.order, maxClosedSessions)
	assert.True(t, b.Add("TVS0000", Entry{Kind: KindWeld}), "oldest closed session has been forgotten")
	assert.False(t, b.Add(fmt.Sprintf("TVS%04d", maxClosedSessions), Entry{Kind: KindWeld}))
}
