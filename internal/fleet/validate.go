package fleet

import "sort"

// CellSet 格子集合
type CellSet map[Point]struct{}

func (s CellSet) Has(p Point) bool {
	_, ok := s[p]
	return ok
}

// Sorted 依 (y, x) 排序，方便比較與輸出
func (s CellSet) Sorted() []Point {
	out := make([]Point, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Y != out[j].Y {
			return out[i].Y < out[j].Y
		}
		return out[i].X < out[j].X
	})
	return out
}

// ValidatePlacement 檢查候選位置
//
// 只和棋盤上已落定的船比較，不和其他拖曳中的船比較；
// 拖曳中的重疊交給 OverlappingCells。
func ValidatePlacement(b *Board, origin Point, axis Axis, length int) bool {
	if length <= 0 || origin.X < 0 || origin.Y < 0 {
		return false
	}
	switch axis {
	case Horizontal:
		if origin.X+length > b.Size() || origin.Y >= b.Size() {
			return false
		}
	case Vertical:
		if origin.Y+length > b.Size() || origin.X >= b.Size() {
			return false
		}
	default:
		return false
	}
	for _, p := range footprint(origin, axis, length) {
		if b.Occupant(p) != nil {
			return false
		}
	}
	return true
}

// OverlappingCells 計算所有船艦兩兩之間重疊的格子
//
// 拖曳中或未擺放的船不參與。兩艘船的佔用範圍都是矩形，
// 重疊部分是兩矩形的交集，交集中的每一格都會輸出，
// 因此結果與參數順序無關。
func OverlappingCells(vessels []*Vessel) CellSet {
	out := make(CellSet)
	for i := 0; i < len(vessels); i++ {
		a := vessels[i]
		if !a.IsPlaced() || a.IsFloating() {
			continue
		}
		for j := i + 1; j < len(vessels); j++ {
			b := vessels[j]
			if !b.IsPlaced() || b.IsFloating() {
				continue
			}
			intersect(a, b, out)
		}
	}
	return out
}

// AllPlaced 所有船艦是否都已落在棋盤內
func AllPlaced(size int, vessels []*Vessel) bool {
	for _, v := range vessels {
		if !v.IsPlaced() || v.IsFloating() {
			return false
		}
		lo, hi := v.rect()
		if lo.X < 0 || lo.Y < 0 || hi.X >= size || hi.Y >= size {
			return false
		}
	}
	return true
}

// rect 佔用範圍的左上與右下角（含）
func (v *Vessel) rect() (Point, Point) {
	hi := v.origin
	switch v.axis {
	case Horizontal:
		hi.X += v.Length() - 1
	case Vertical:
		hi.Y += v.Length() - 1
	}
	return v.origin, hi
}

func intersect(a, b *Vessel, out CellSet) {
	aLo, aHi := a.rect()
	bLo, bHi := b.rect()

	lo := Point{X: max(aLo.X, bLo.X), Y: max(aLo.Y, bLo.Y)}
	hi := Point{X: min(aHi.X, bHi.X), Y: min(aHi.Y, bHi.Y)}
	if lo.X > hi.X || lo.Y > hi.Y {
		return
	}
	for y := lo.Y; y <= hi.Y; y++ {
		for x := lo.X; x <= hi.X; x++ {
			out[Point{X: x, Y: y}] = struct{}{}
		}
	}
}
