package fleet_test

import (
	"testing"

	"github.com/koopa0/system-design/14-battleship/internal/fleet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func place(t *testing.T, class fleet.Class, x, y int, axis fleet.Axis) *fleet.Vessel {
	t.Helper()
	v := fleet.NewVessel(class)
	require.NoError(t, v.Place(fleet.Point{X: x, Y: y}, axis))
	return v
}

// TestValidatePlacement_Bounds 對所有長度驗證邊界規則
func TestValidatePlacement_Bounds(t *testing.T) {
	const n = fleet.DefaultBoardSize

	for _, length := range []int{2, 3, 4, 5} {
		board := fleet.NewBoard(n)
		for x := 0; x <= n-length; x++ {
			for y := 0; y < n; y++ {
				assert.True(t, fleet.ValidatePlacement(board, fleet.Point{X: x, Y: y}, fleet.Horizontal, length),
					"length=%d origin=(%d,%d) H", length, x, y)
				assert.True(t, fleet.ValidatePlacement(board, fleet.Point{X: y, Y: x}, fleet.Vertical, length),
					"length=%d origin=(%d,%d) V", length, y, x)
			}
		}
		// 超出一格永遠無效
		assert.False(t, fleet.ValidatePlacement(board, fleet.Point{X: n - length + 1, Y: 0}, fleet.Horizontal, length))
		assert.False(t, fleet.ValidatePlacement(board, fleet.Point{X: 0, Y: n - length + 1}, fleet.Vertical, length))
	}
}

func TestValidatePlacement(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(b *fleet.Board)
		origin fleet.Point
		axis   fleet.Axis
		length int
		want   bool
	}{
		{
			name:   "negative x",
			origin: fleet.Point{X: -1, Y: 0},
			axis:   fleet.Horizontal,
			length: 2,
			want:   false,
		},
		{
			name:   "negative y",
			origin: fleet.Point{X: 0, Y: -1},
			axis:   fleet.Vertical,
			length: 2,
			want:   false,
		},
		{
			name:   "touching last column",
			origin: fleet.Point{X: 5, Y: 9},
			axis:   fleet.Horizontal,
			length: 5,
			want:   true,
		},
		{
			name:   "no axis",
			origin: fleet.Point{X: 0, Y: 0},
			axis:   fleet.AxisNone,
			length: 2,
			want:   false,
		},
		{
			name: "crosses settled vessel",
			setup: func(b *fleet.Board) {
				v := fleet.NewVessel(fleet.Carrier)
				_ = v.Place(fleet.Point{X: 0, Y: 3}, fleet.Horizontal)
				_ = b.Occupy(v)
			},
			origin: fleet.Point{X: 2, Y: 1},
			axis:   fleet.Vertical,
			length: 3,
			want:   false,
		},
		{
			name: "diagonal neighbour is fine",
			setup: func(b *fleet.Board) {
				v := fleet.NewVessel(fleet.Destroyer)
				_ = v.Place(fleet.Point{X: 0, Y: 0}, fleet.Horizontal)
				_ = b.Occupy(v)
			},
			origin: fleet.Point{X: 2, Y: 1},
			axis:   fleet.Horizontal,
			length: 3,
			want:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			board := fleet.NewBoard(fleet.DefaultBoardSize)
			if tt.setup != nil {
				tt.setup(board)
			}
			assert.Equal(t, tt.want, fleet.ValidatePlacement(board, tt.origin, tt.axis, tt.length))
		})
	}
}

func TestOverlappingCells(t *testing.T) {
	tests := []struct {
		name     string
		vessels  func(t *testing.T) []*fleet.Vessel
		expected []fleet.Point
	}{
		{
			name: "carrier and battleship on the same row",
			vessels: func(t *testing.T) []*fleet.Vessel {
				return []*fleet.Vessel{
					place(t, fleet.Carrier, 0, 0, fleet.Horizontal),
					place(t, fleet.Battleship, 2, 0, fleet.Horizontal),
				}
			},
			expected: []fleet.Point{{X: 2, Y: 0}, {X: 3, Y: 0}, {X: 4, Y: 0}},
		},
		{
			name: "perpendicular crossing",
			vessels: func(t *testing.T) []*fleet.Vessel {
				return []*fleet.Vessel{
					place(t, fleet.Carrier, 0, 2, fleet.Horizontal),
					place(t, fleet.Submarine, 3, 0, fleet.Vertical),
				}
			},
			expected: []fleet.Point{{X: 3, Y: 2}},
		},
		{
			name: "adjacent rows do not overlap",
			vessels: func(t *testing.T) []*fleet.Vessel {
				return []*fleet.Vessel{
					place(t, fleet.Carrier, 0, 0, fleet.Horizontal),
					place(t, fleet.Battleship, 0, 1, fleet.Horizontal),
				}
			},
			expected: []fleet.Point{},
		},
		{
			name: "floating vessel is exempt",
			vessels: func(t *testing.T) []*fleet.Vessel {
				b := place(t, fleet.Battleship, 2, 0, fleet.Horizontal)
				require.NoError(t, b.Lift())
				return []*fleet.Vessel{place(t, fleet.Carrier, 0, 0, fleet.Horizontal), b}
			},
			expected: []fleet.Point{},
		},
		{
			name: "unplaced vessel is exempt",
			vessels: func(t *testing.T) []*fleet.Vessel {
				return []*fleet.Vessel{place(t, fleet.Carrier, 0, 0, fleet.Horizontal), fleet.NewVessel(fleet.Destroyer)}
			},
			expected: []fleet.Point{},
		},
		{
			name: "union across pairs",
			vessels: func(t *testing.T) []*fleet.Vessel {
				return []*fleet.Vessel{
					place(t, fleet.Carrier, 0, 0, fleet.Horizontal),
					place(t, fleet.Destroyer, 4, 0, fleet.Vertical),
					place(t, fleet.Submarine, 0, 0, fleet.Vertical),
				}
			},
			expected: []fleet.Point{{X: 0, Y: 0}, {X: 4, Y: 0}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vessels := tt.vessels(t)
			got := fleet.OverlappingCells(vessels)
			assert.Equal(t, tt.expected, got.Sorted())

			// 反轉順序結果相同
			reversed := make([]*fleet.Vessel, len(vessels))
			for i, v := range vessels {
				reversed[len(vessels)-1-i] = v
			}
			assert.Equal(t, got.Sorted(), fleet.OverlappingCells(reversed).Sorted())
		})
	}
}

func TestAllPlaced(t *testing.T) {
	t.Run("canonical fleet unplaced", func(t *testing.T) {
		assert.False(t, fleet.AllPlaced(fleet.DefaultBoardSize, fleet.CanonicalFleet()))
	})

	t.Run("one vessel left unplaced", func(t *testing.T) {
		vessels := fleet.CanonicalFleet()
		for i, v := range vessels[:4] {
			require.NoError(t, v.Place(fleet.Point{X: 0, Y: i}, fleet.Horizontal))
		}
		assert.False(t, fleet.AllPlaced(fleet.DefaultBoardSize, vessels))
	})

	t.Run("edge overrun", func(t *testing.T) {
		vessels := []*fleet.Vessel{place(t, fleet.Carrier, 6, 0, fleet.Horizontal)}
		assert.False(t, fleet.AllPlaced(fleet.DefaultBoardSize, vessels))
	})

	t.Run("all rows from origin", func(t *testing.T) {
		vessels := fleet.CanonicalFleet()
		for i, v := range vessels {
			require.NoError(t, v.Place(fleet.Point{X: 0, Y: i}, fleet.Horizontal))
		}
		assert.True(t, fleet.AllPlaced(fleet.DefaultBoardSize, vessels))
		assert.Empty(t, fleet.OverlappingCells(vessels))
	})

	t.Run("floating vessel is not placed", func(t *testing.T) {
		vessels := []*fleet.Vessel{place(t, fleet.Destroyer, 0, 0, fleet.Horizontal)}
		require.NoError(t, vessels[0].Lift())
		assert.False(t, fleet.AllPlaced(fleet.DefaultBoardSize, vessels))
	})
}

func TestVessel_Footprint(t *testing.T) {
	h := place(t, fleet.Submarine, 2, 5, fleet.Horizontal)
	assert.Equal(t, []fleet.Point{{X: 2, Y: 5}, {X: 3, Y: 5}, {X: 4, Y: 5}}, h.Footprint())

	v := place(t, fleet.Destroyer, 7, 1, fleet.Vertical)
	assert.Equal(t, []fleet.Point{{X: 7, Y: 1}, {X: 7, Y: 2}}, v.Footprint())

	assert.Nil(t, fleet.NewVessel(fleet.Carrier).Footprint())
	assert.Equal(t, 5, fleet.Carrier.Length())
}

func TestVessel_DestroySegment(t *testing.T) {
	v := place(t, fleet.Destroyer, 3, 3, fleet.Vertical)

	err := v.DestroySegment(fleet.Point{X: 4, Y: 3})
	require.Error(t, err)
	assert.ErrorIs(t, err, fleet.ErrNotOnVessel)

	require.NoError(t, v.DestroySegment(fleet.Point{X: 3, Y: 3}))
	assert.False(t, v.AllSegmentsDestroyed())
	assert.Equal(t, []bool{true, false}, v.Destroyed())

	require.NoError(t, v.DestroySegment(fleet.Point{X: 3, Y: 4}))
	assert.True(t, v.AllSegmentsDestroyed())

	// 重複擊毀不影響結果
	require.NoError(t, v.DestroySegment(fleet.Point{X: 3, Y: 4}))
	assert.True(t, v.AllSegmentsDestroyed())
}

func TestVessel_LiftDrop(t *testing.T) {
	v := place(t, fleet.Battleship, 1, 1, fleet.Horizontal)

	require.NoError(t, v.Lift())
	assert.True(t, v.IsFloating())

	// 無效位置：彈回
	ok, err := v.Drop(fleet.Point{X: 8, Y: 8}, fleet.Horizontal, false)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, v.IsFloating())
	assert.Equal(t, fleet.Point{X: 1, Y: 1}, v.Origin())
	assert.Equal(t, fleet.Horizontal, v.Axis())

	require.NoError(t, v.Lift())
	ok, err = v.Drop(fleet.Point{X: 4, Y: 2}, fleet.Vertical, true)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, fleet.Point{X: 4, Y: 2}, v.Origin())
	assert.Equal(t, fleet.Vertical, v.Axis())
	assert.Equal(t, fleet.Point{X: 4, Y: 2}, v.Staging().LastOrigin)

	v.Lock()
	assert.Nil(t, v.Staging())
	assert.ErrorIs(t, v.Place(fleet.Point{X: 0, Y: 0}, fleet.Horizontal), fleet.ErrVesselLocked)
	assert.ErrorIs(t, v.Lift(), fleet.ErrVesselLocked)
}

func TestVessel_DropFromUnplaced(t *testing.T) {
	v := fleet.NewVessel(fleet.Carrier)
	require.NoError(t, v.Lift())

	ok, err := v.Drop(fleet.Point{X: 9, Y: 9}, fleet.Horizontal, false)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, v.IsPlaced())
	assert.Equal(t, fleet.Unplaced, v.Origin())
}

func TestBoard_OccupyAndFire(t *testing.T) {
	board := fleet.NewBoard(fleet.DefaultBoardSize)
	carrier := place(t, fleet.Carrier, 0, 0, fleet.Horizontal)
	require.NoError(t, board.Occupy(carrier))

	for _, p := range carrier.Footprint() {
		assert.Same(t, carrier, board.Occupant(p))
	}

	clash := place(t, fleet.Destroyer, 4, 0, fleet.Vertical)
	require.Error(t, board.Occupy(clash))
	// 失敗時不留下部分寫入
	assert.Nil(t, board.Occupant(fleet.Point{X: 4, Y: 1}))

	outside := place(t, fleet.Destroyer, 9, 0, fleet.Horizontal)
	require.Error(t, board.Occupy(outside))
	require.Error(t, board.Occupy(fleet.NewVessel(fleet.Submarine)))

	hit, err := board.MarkFired(fleet.Point{X: 2, Y: 0})
	require.NoError(t, err)
	assert.Same(t, carrier, hit)
	cell, ok := board.Cell(fleet.Point{X: 2, Y: 0})
	require.True(t, ok)
	assert.True(t, cell.Fired)

	miss, err := board.MarkFired(fleet.Point{X: 2, Y: 5})
	require.NoError(t, err)
	assert.Nil(t, miss)

	_, err = board.MarkFired(fleet.Point{X: 10, Y: 0})
	require.Error(t, err)
}

func TestBoard_CloneKeepsSharedOccupant(t *testing.T) {
	board := fleet.NewBoard(fleet.DefaultBoardSize)
	sub := place(t, fleet.Submarine, 1, 1, fleet.Vertical)
	require.NoError(t, board.Occupy(sub))

	cp := board.Clone()
	a := cp.Occupant(fleet.Point{X: 1, Y: 1})
	b := cp.Occupant(fleet.Point{X: 1, Y: 3})
	require.NotNil(t, a)
	assert.Same(t, a, b)
	assert.NotSame(t, sub, a)

	// 修改副本不影響原本
	require.NoError(t, a.DestroySegment(fleet.Point{X: 1, Y: 1}))
	assert.Equal(t, []bool{false, false, false}, sub.Destroyed())
}
