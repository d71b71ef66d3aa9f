// Package fleet 提供棋盤、船艦與擺放驗證。
//
// 這一層沒有鎖，也不碰網路；並發控制由 game.Session 負責。
package fleet

import (
	"errors"
	"fmt"
)

var (
	// ErrNotOnVessel 指定格子不在船身上（呼叫端錯誤）
	ErrNotOnVessel = errors.New("格子不在船身上")
	// ErrVesselLocked 擺放已確認，位置不可再變更
	ErrVesselLocked = errors.New("船艦位置已鎖定")
	// ErrInvalidAxis 擺放方向無效
	ErrInvalidAxis = errors.New("無效的擺放方向")
)

// Point 棋盤座標
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Unplaced 尚未放上棋盤的哨兵座標
var Unplaced = Point{X: -1, Y: -1}

func (p Point) String() string {
	return fmt.Sprintf("(%d,%d)", p.X, p.Y)
}

// Axis 擺放方向
type Axis int

const (
	AxisNone   Axis = iota // 未擺放
	Horizontal             // 水平：(x+i, y)
	Vertical               // 垂直：(x, y+i)
)

func (a Axis) String() string {
	switch a {
	case Horizontal:
		return "horizontal"
	case Vertical:
		return "vertical"
	default:
		return "none"
	}
}

// Class 船艦種類，長度由種類決定
type Class int

const (
	Carrier    Class = iota + 1 // 航空母艦，長度 5
	Battleship                  // 戰艦，長度 4
	Submarine                   // 潛艇，長度 3
	Destroyer                   // 驅逐艦，長度 2
)

// Length 船身長度
func (c Class) Length() int {
	switch c {
	case Carrier:
		return 5
	case Battleship:
		return 4
	case Submarine:
		return 3
	case Destroyer:
		return 2
	default:
		return 0
	}
}

func (c Class) String() string {
	switch c {
	case Carrier:
		return "carrier"
	case Battleship:
		return "battleship"
	case Submarine:
		return "submarine"
	case Destroyer:
		return "destroyer"
	default:
		return "unknown"
	}
}

// CanonicalFleet 標準艦隊：一艘航母、一艘戰艦、兩艘潛艇、一艘驅逐艦
func CanonicalFleet() []*Vessel {
	return []*Vessel{
		NewVessel(Carrier),
		NewVessel(Battleship),
		NewVessel(Submarine),
		NewVessel(Submarine),
		NewVessel(Destroyer),
	}
}

// Staging 擺放階段的暫存資料
//
// 拖曳時記錄上一次確定的位置，放下位置無效時彈回。
// 確認擺放後整個紀錄被丟棄。
type Staging struct {
	LastOrigin Point
	LastAxis   Axis
	Floating   bool // 正在拖曳，不參與重疊與邊界檢查
}

// Vessel 船艦
//
// 佔用格子（footprint）由 origin、axis、長度推導，不另外儲存，
// 因此每次重新擺放都會自動重算。
type Vessel struct {
	class     Class
	origin    Point
	axis      Axis
	destroyed []bool
	locked    bool
	staging   *Staging
}

// NewVessel 建立尚未擺放的船艦
func NewVessel(class Class) *Vessel {
	return &Vessel{
		class:     class,
		origin:    Unplaced,
		axis:      AxisNone,
		destroyed: make([]bool, class.Length()),
		staging:   &Staging{LastOrigin: Unplaced, LastAxis: AxisNone},
	}
}

func (v *Vessel) Class() Class  { return v.class }
func (v *Vessel) Length() int   { return v.class.Length() }
func (v *Vessel) Origin() Point { return v.origin }
func (v *Vessel) Axis() Axis    { return v.axis }
func (v *Vessel) Locked() bool  { return v.locked }

// IsPlaced 是否已放在某個位置（不論是否越界）
func (v *Vessel) IsPlaced() bool {
	return v.axis != AxisNone && v.origin != Unplaced
}

// IsFloating 是否正在拖曳中
func (v *Vessel) IsFloating() bool {
	return v.staging != nil && v.staging.Floating
}

// Staging 取得擺放暫存資料的副本；確認後回傳 nil
func (v *Vessel) Staging() *Staging {
	if v.staging == nil {
		return nil
	}
	s := *v.staging
	return &s
}

// Place 移動到新位置
func (v *Vessel) Place(origin Point, axis Axis) error {
	if v.locked {
		return ErrVesselLocked
	}
	if axis != Horizontal && axis != Vertical {
		return ErrInvalidAxis
	}
	v.origin = origin
	v.axis = axis
	if v.staging != nil {
		v.staging.LastOrigin = origin
		v.staging.LastAxis = axis
		v.staging.Floating = false
	}
	return nil
}

// Unplace 移出棋盤
func (v *Vessel) Unplace() error {
	if v.locked {
		return ErrVesselLocked
	}
	v.origin = Unplaced
	v.axis = AxisNone
	if v.staging != nil {
		v.staging.LastOrigin = Unplaced
		v.staging.LastAxis = AxisNone
		v.staging.Floating = false
	}
	return nil
}

// Lift 拿起船艦開始拖曳
func (v *Vessel) Lift() error {
	if v.locked || v.staging == nil {
		return ErrVesselLocked
	}
	v.staging.LastOrigin = v.origin
	v.staging.LastAxis = v.axis
	v.staging.Floating = true
	return nil
}

// Drop 放下船艦；accept 為 false 時彈回上一次的位置
func (v *Vessel) Drop(origin Point, axis Axis, accept bool) (bool, error) {
	if v.locked || v.staging == nil {
		return false, ErrVesselLocked
	}
	if accept && (axis == Horizontal || axis == Vertical) {
		v.origin = origin
		v.axis = axis
		v.staging.LastOrigin = origin
		v.staging.LastAxis = axis
		v.staging.Floating = false
		return true, nil
	}
	v.origin = v.staging.LastOrigin
	v.axis = v.staging.LastAxis
	v.staging.Floating = false
	return false, nil
}

// Lock 確認擺放，位置之後不可變更
func (v *Vessel) Lock() {
	v.locked = true
	v.staging = nil
}

// Footprint 佔用的格子；未擺放時回傳 nil
func (v *Vessel) Footprint() []Point {
	if !v.IsPlaced() {
		return nil
	}
	return footprint(v.origin, v.axis, v.Length())
}

// Covers 是否佔用指定格子
func (v *Vessel) Covers(p Point) bool {
	return v.segmentIndex(p) >= 0
}

// DestroySegment 擊毀指定格子上的船段
func (v *Vessel) DestroySegment(p Point) error {
	i := v.segmentIndex(p)
	if i < 0 {
		return fmt.Errorf("%w: %s 不在 %s 上", ErrNotOnVessel, p, v.class)
	}
	v.destroyed[i] = true
	return nil
}

// AllSegmentsDestroyed 所有船段是否都已被擊毀
func (v *Vessel) AllSegmentsDestroyed() bool {
	for _, d := range v.destroyed {
		if !d {
			return false
		}
	}
	return true
}

// Destroyed 各船段擊毀狀態的副本
func (v *Vessel) Destroyed() []bool {
	out := make([]bool, len(v.destroyed))
	copy(out, v.destroyed)
	return out
}

// Clone 深拷貝（給唯讀查詢使用）
func (v *Vessel) Clone() *Vessel {
	cp := &Vessel{
		class:     v.class,
		origin:    v.origin,
		axis:      v.axis,
		destroyed: v.Destroyed(),
		locked:    v.locked,
	}
	if v.staging != nil {
		s := *v.staging
		cp.staging = &s
	}
	return cp
}

func (v *Vessel) segmentIndex(p Point) int {
	if !v.IsPlaced() {
		return -1
	}
	switch v.axis {
	case Horizontal:
		if p.Y == v.origin.Y && p.X >= v.origin.X && p.X < v.origin.X+v.Length() {
			return p.X - v.origin.X
		}
	case Vertical:
		if p.X == v.origin.X && p.Y >= v.origin.Y && p.Y < v.origin.Y+v.Length() {
			return p.Y - v.origin.Y
		}
	}
	return -1
}

func footprint(origin Point, axis Axis, length int) []Point {
	cells := make([]Point, 0, length)
	for i := 0; i < length; i++ {
		switch axis {
		case Horizontal:
			cells = append(cells, Point{X: origin.X + i, Y: origin.Y})
		case Vertical:
			cells = append(cells, Point{X: origin.X, Y: origin.Y + i})
		}
	}
	return cells
}
