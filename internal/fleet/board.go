package fleet

import "fmt"

// DefaultBoardSize 預設棋盤邊長
const DefaultBoardSize = 10

// Cell 棋盤格
type Cell struct {
	Occupant *Vessel // 同一艘船的所有格子指向同一個 Vessel
	Fired    bool
}

// Board 正方形棋盤
//
// 每一方各有兩張：自己的艦隊盤，以及追蹤對手的射擊盤
// （對手盤上的 Occupant 只有在擊中後才會知道）。
type Board struct {
	size  int
	cells [][]Cell // cells[y][x]
}

// NewBoard 建立空棋盤
func NewBoard(size int) *Board {
	if size <= 0 {
		size = DefaultBoardSize
	}
	cells := make([][]Cell, size)
	for y := range cells {
		cells[y] = make([]Cell, size)
	}
	return &Board{size: size, cells: cells}
}

func (b *Board) Size() int { return b.size }

// InBounds 座標是否在棋盤內
func (b *Board) InBounds(p Point) bool {
	return p.X >= 0 && p.Y >= 0 && p.X < b.size && p.Y < b.size
}

// Cell 取得格子內容
func (b *Board) Cell(p Point) (Cell, bool) {
	if !b.InBounds(p) {
		return Cell{}, false
	}
	return b.cells[p.Y][p.X], true
}

// Occupant 取得格子上的船艦
func (b *Board) Occupant(p Point) *Vessel {
	if !b.InBounds(p) {
		return nil
	}
	return b.cells[p.Y][p.X].Occupant
}

// Occupy 把船艦寫入它佔用的每一個格子
//
// 先檢查全部格子，任何一格越界或已被其他船佔用就整個拒絕，
// 不會留下寫到一半的狀態。
func (b *Board) Occupy(v *Vessel) error {
	cells := v.Footprint()
	if cells == nil {
		return fmt.Errorf("%s 尚未擺放", v.Class())
	}
	for _, p := range cells {
		if !b.InBounds(p) {
			return fmt.Errorf("%s 超出棋盤: %s", v.Class(), p)
		}
		if occ := b.cells[p.Y][p.X].Occupant; occ != nil && occ != v {
			return fmt.Errorf("%s 與 %s 重疊: %s", v.Class(), occ.Class(), p)
		}
	}
	for _, p := range cells {
		b.cells[p.Y][p.X].Occupant = v
	}
	return nil
}

// Reveal 在射擊盤上記錄對手船艦（擊中後才得知）
func (b *Board) Reveal(p Point, v *Vessel) error {
	if !b.InBounds(p) {
		return fmt.Errorf("座標超出棋盤: %s", p)
	}
	b.cells[p.Y][p.X].Occupant = v
	return nil
}

// MarkFired 標記格子已被射擊，回傳該格上的船艦（可能為 nil）
func (b *Board) MarkFired(p Point) (*Vessel, error) {
	if !b.InBounds(p) {
		return nil, fmt.Errorf("座標超出棋盤: %s", p)
	}
	b.cells[p.Y][p.X].Fired = true
	return b.cells[p.Y][p.X].Occupant, nil
}

// Clone 深拷貝，並保持「同一艘船共用同一個指標」的關係
func (b *Board) Clone() *Board {
	cp := NewBoard(b.size)
	clones := make(map[*Vessel]*Vessel)
	for y := range b.cells {
		for x, c := range b.cells[y] {
			cell := Cell{Fired: c.Fired}
			if c.Occupant != nil {
				v, ok := clones[c.Occupant]
				if !ok {
					v = c.Occupant.Clone()
					clones[c.Occupant] = v
				}
				cell.Occupant = v
			}
			cp.cells[y][x] = cell
		}
	}
	return cp
}
