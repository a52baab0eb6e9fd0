package recipe

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"

	"robot-inspection-cell/internal/faults"
	"robot-inspection-cell/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore() *Store {
	return NewStore(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})))
}

func sampleRecipe(event string) Recipe {
	return Recipe{
		EventName: event,
		Holes: []MasterFeature{
			{XMin: 10, XMax: 12, Width: 2, PositionTolerance: 0.5, WidthTolerance: 0.3, DepthTolerance: 5, ExpectedDepth: 40},
		},
		Global: GlobalThresholds{MinConfidence: 0.5},
	}
}

func TestStore_PutGet(t *testing.T) {
	s := newTestStore()
	stored, err := s.Put(sampleRecipe("position_1"))
	require.NoError(t, err)
	assert.Equal(t, 1, stored.ExpectedHoles, "expected count defaults to list length")
	assert.False(t, stored.UpdatedAt.IsZero())

	got, err := s.Get("position_1")
	require.NoError(t, err)
	assert.Same(t, stored, got)
	assert.Equal(t, []string{"position_1"}, s.Events())
}

func TestStore_GetMissing(t *testing.T) {
	_, err := newTestStore().Get("nope")
	assert.ErrorIs(t, err, faults.ErrRecipeNotFound)
}

func TestStore_PutRejectsInvalid(t *testing.T) {
	s := newTestStore()
	_, err := s.Put(Recipe{})
	assert.ErrorIs(t, err, faults.ErrConfiguration)

	r := sampleRecipe("bad")
	r.RawProfile = types.RawProfile{X: []float64{1, 2}, Z: []float64{1}}
	_, err = s.Put(r)
	assert.ErrorIs(t, err, faults.ErrConfiguration)
}

func TestStore_ReplaceSwapsWholeEntry(t *testing.T) {
	s := newTestStore()
	first, err := s.Put(sampleRecipe("ev"))
	require.NoError(t, err)

	r := sampleRecipe("ev")
	r.Holes = append(r.Holes, MasterFeature{XMin: 20, XMax: 22, Width: 2})
	_, err = s.Put(r)
	require.NoError(t, err)

	// 旧的读取者看到的配方保持不变
	assert.Len(t, first.Holes, 1)
	got, err := s.Get("ev")
	require.NoError(t, err)
	assert.Len(t, got.Holes, 2)

	// 存入后修改调用方的切片不影响存储
	r.Holes[0].XMin = 999
	assert.Equal(t, 10.0, got.Holes[0].XMin)
}

func TestStore_ConcurrentReadWrite(t *testing.T) {
	s := newTestStore()
	_, err := s.Put(sampleRecipe("ev"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			r := sampleRecipe("ev")
			for j := 0; j <= i; j++ {
				r.Holes = append(r.Holes, MasterFeature{XMin: float64(j)})
			}
			r.ExpectedHoles = len(r.Holes)
			_, _ = s.Put(r)
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				got, err := s.Get("ev")
				if assert.NoError(t, err) {
					assert.Equal(t, got.ExpectedHoles, len(got.Holes), "never observe a half-written recipe")
				}
			}
		}()
	}
	wg.Wait()
}

func TestStore_Seed(t *testing.T) {
	s := newTestStore()
	n := s.Seed(map[string]Recipe{
		"position_1": {Holes: []MasterFeature{{XMin: 1, XMax: 2}}},
		"position_2": {ExpectedNuts: -1},
	})
	assert.Equal(t, 1, n)
	r, err := s.Get("position_1")
	require.NoError(t, err)
	assert.Equal(t, "position_1", r.EventName)
	_, err = s.Get("position_2")
	assert.Error(t, err, fmt.Sprintf("invalid recipe %s must be skipped", "position_2"))
}

func TestStore_EventNamesIgnoreCase(t *testing.T) {
	s := newTestStore()
	require.Equal(t, 1, s.Seed(map[string]Recipe{"bracket_a": sampleRecipe("")}))

	got, err := s.Get("Bracket_A")
	require.NoError(t, err)
	assert.Equal(t, "bracket_a", got.EventName)

	// 接口以原始大小写写入时替换同一条目
	_, err = s.Put(sampleRecipe("Bracket_A"))
	require.NoError(t, err)
	assert.Equal(t, []string{"Bracket_A"}, s.Events())
	got, err = s.Get("BRACKET_A")
	require.NoError(t, err)
	assert.Equal(t, "Bracket_A", got.EventName)
}
