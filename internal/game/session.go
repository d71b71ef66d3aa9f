// Package game 實作單一對局的階段狀態機。
package game

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/koopa0/system-design/14-battleship/internal/fleet"
	apperrors "github.com/koopa0/system-design/14-battleship/pkg/errors"
)

// 系統設計問題：
//   擺放階段的拖曳操作、確認擺放後的背景擲骰、UI 的狀態查詢同時發生，
//   如何讓「擺放 → 戰鬥」的轉換不被看到一半？
//
// 核心挑戰：
//   1. 狀態管理：placement → confirm_pending → battle
//   2. 並發控制：查詢與背景握手同時存取階段與棋盤
//   3. 不阻塞：確認擺放立即返回，網路往返在背景完成
//   4. 生命週期：Close 之後的操作一律拒絕
//
// 設計方案：
//   ✅ 有限狀態機（FSM）- 規範階段轉換
//   ✅ RWMutex - 會話獨佔棋盤與艦隊，查詢回傳副本
//   ✅ 事件通道 - 階段變更非同步通知
//   ✅ context 取消 - Close 中止進行中的握手

// Phase 對局階段
//
// 有限狀態機設計：
//
//	placement → confirm_pending → battle
//
// 狀態轉換規則：
//   - placement → confirm_pending：ConfirmPlacement 驗證通過
//   - confirm_pending → battle：擲骰送達對手
//   - 握手失敗時停留在 confirm_pending，可用 RetryHandshake 重試
type Phase string

const (
	PhasePlacement      Phase = "placement"       // 擺放中
	PhaseConfirmPending Phase = "confirm_pending" // 已確認，等待開局握手
	PhaseBattle         Phase = "battle"          // 戰鬥中
)

// 事件類型
const (
	EventPhaseChanged    = "phase_changed"
	EventDiceSent        = "dice_sent"
	EventOpponentDice    = "opponent_dice"
	EventHandshakeFailed = "handshake_failed"
	EventShotReceived    = "shot_received"
)

// Event 對局事件
type Event struct {
	Type string `json:"event"`
	Data any    `json:"data"`
}

// Peer 對手通道（*peer.Client 即符合）
type Peer interface {
	SendDiceRoll(ctx context.Context, value int) error
	OnDiceRoll(fn func(value int))
}

// Option 設定選項
type Option func(*Session)

// WithBoardSize 棋盤邊長
func WithBoardSize(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.size = n
		}
	}
}

// WithFleet 自訂艦隊（預設為標準艦隊）
func WithFleet(vessels []*fleet.Vessel) Option {
	return func(s *Session) { s.ownFleet = vessels }
}

// WithRoller 自訂擲骰函數
func WithRoller(roll func() int) Option {
	return func(s *Session) { s.roll = roll }
}

// WithHandshakeTimeout 開局握手逾時
func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.handshakeTimeout = d
		}
	}
}

// WithLogger 設定日誌
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// RollDie 均勻分布的 1 到 6
func RollDie() int {
	return rand.IntN(6) + 1
}

// Session 對局會話
//
// 系統設計考量：
//
//  1. 單一擁有者：
//     棋盤與艦隊只由 Session 修改，所有操作都經過 mu。
//     查詢回傳深拷貝，呈現層拿到的資料不會被背景握手改到。
//
//  2. 原子轉換：
//     ConfirmPlacement 在同一個寫鎖內完成驗證、寫入棋盤、切換階段，
//     IsInPlacementPhase 看不到中間狀態；切換後的重複確認一律拒絕。
//
//  3. 背景握手：
//     擲骰在背景 goroutine 送出，ConfirmPlacement 不等待網路。
//     呼叫端不能假設確認成功代表對手已收到任何東西。
type Session struct {
	opponent         string
	peer             Peer
	logger           *slog.Logger
	roll             func() int
	handshakeTimeout time.Duration
	size             int

	mu            sync.RWMutex
	phase         Phase
	closed        bool
	handshaking   bool
	ownFleet      []*fleet.Vessel
	opponentFleet []*fleet.Vessel
	ownBoard      *fleet.Board
	opponentBoard *fleet.Board
	localRoll     int
	opponentRoll  int
	events        chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Start 開始一場對局，回傳的會話在 Close 之前有效
func Start(opponent string, p Peer, opts ...Option) (*Session, error) {
	if opponent == "" {
		return nil, apperrors.ErrInvalidInput.WithDetails("opponent")
	}
	if p == nil {
		return nil, apperrors.ErrInvalidInput.WithDetails("peer")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		opponent:         opponent,
		peer:             p,
		logger:           slog.Default(),
		roll:             RollDie,
		handshakeTimeout: 30 * time.Second,
		size:             fleet.DefaultBoardSize,
		phase:            PhasePlacement,
		events:           make(chan Event, 100),
		ctx:              ctx,
		cancel:           cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.ownFleet == nil {
		s.ownFleet = fleet.CanonicalFleet()
	}
	s.ownBoard = fleet.NewBoard(s.size)
	s.opponentBoard = fleet.NewBoard(s.size)
	s.logger = s.logger.With("opponent", opponent)

	p.OnDiceRoll(s.onOpponentRoll)

	s.logger.Info("對局開始", "board_size", s.size, "vessels", len(s.ownFleet))
	return s, nil
}

// Opponent 對手位址
func (s *Session) Opponent() string {
	return s.opponent
}

// Phase 目前階段
func (s *Session) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// IsInPlacementPhase 是否仍在擺放階段
func (s *Session) IsInPlacementPhase() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.closed && s.phase == PhasePlacement
}

// Closed 會話是否已關閉
func (s *Session) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// MoveVessel 把第 i 艘船移到新位置（擺放階段）
func (s *Session) MoveVessel(i int, origin fleet.Point, axis fleet.Axis) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.placementVesselLocked(i)
	if err != nil {
		return err
	}
	if err := v.Place(origin, axis); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "無法移動船艦")
	}
	return nil
}

// UnplaceVessel 把第 i 艘船移出棋盤
func (s *Session) UnplaceVessel(i int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.placementVesselLocked(i)
	if err != nil {
		return err
	}
	return v.Unplace()
}

// LiftVessel 拿起第 i 艘船
func (s *Session) LiftVessel(i int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.placementVesselLocked(i)
	if err != nil {
		return err
	}
	return v.Lift()
}

// DropVessel 放下第 i 艘船；位置無效時彈回並回傳 false
func (s *Session) DropVessel(i int, origin fleet.Point, axis fleet.Axis) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.placementVesselLocked(i)
	if err != nil {
		return false, err
	}
	accept := fleet.ValidatePlacement(s.ownBoard, origin, axis, v.Length())
	return v.Drop(origin, axis, accept)
}

// CanPlace 候選位置是否有效
func (s *Session) CanPlace(i int, origin fleet.Point, axis fleet.Axis) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed || s.phase != PhasePlacement || i < 0 || i >= len(s.ownFleet) {
		return false
	}
	return fleet.ValidatePlacement(s.ownBoard, origin, axis, s.ownFleet[i].Length())
}

// AllPlaced 艦隊是否全部落在棋盤內
func (s *Session) AllPlaced() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fleet.AllPlaced(s.size, s.ownFleet)
}

// OverlappingCells 艦隊中重疊的格子
func (s *Session) OverlappingCells() fleet.CellSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fleet.OverlappingCells(s.ownFleet)
}

// ConfirmPlacement 確認擺放
//
// 系統設計重點：
//
// 1. 前置條件（兩者皆須成立）：
//   - 所有船都在棋盤內
//   - 沒有任何重疊
//     任一不成立就回傳 false，不改變狀態
//
// 2. 原子轉換（同一個寫鎖內）：
//   - 把每艘船寫進自己的棋盤
//   - 鎖定船艦位置
//   - 切換到 confirm_pending
//
// 3. 背景握手：
//   - 擲骰並送給對手，送達後切換到 battle
//   - 本函數在驗證通過後立即返回
func (s *Session) ConfirmPlacement() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.phase != PhasePlacement {
		return false
	}
	if !fleet.AllPlaced(s.size, s.ownFleet) {
		s.logger.Debug("確認擺放被拒：尚有船艦未擺放或越界")
		return false
	}
	if overlaps := fleet.OverlappingCells(s.ownFleet); len(overlaps) > 0 {
		s.logger.Debug("確認擺放被拒：船艦重疊", "cells", len(overlaps))
		return false
	}

	board := fleet.NewBoard(s.size)
	for _, v := range s.ownFleet {
		if err := board.Occupy(v); err != nil {
			s.logger.Error("寫入棋盤失敗", "error", err)
			return false
		}
	}
	for _, v := range s.ownFleet {
		v.Lock()
	}
	s.ownBoard = board
	s.setPhaseLocked(PhaseConfirmPending)

	s.localRoll = s.roll()
	s.startHandshakeLocked()

	s.logger.Info("擺放已確認", "dice", s.localRoll)
	return true
}

// RetryHandshake 握手失敗後重試
func (s *Session) RetryHandshake() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return apperrors.ErrSessionClosed
	}
	if s.phase != PhaseConfirmPending || s.handshaking {
		return apperrors.ErrInvalidState.WithDetails(string(s.phase))
	}
	s.startHandshakeLocked()
	return nil
}

// Rolls 本方與對手的擲骰結果（未知為 0）
func (s *Session) Rolls() (local, opponent int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.localRoll, s.opponentRoll
}

// OwnFleet 本方艦隊副本
func (s *Session) OwnFleet() []*fleet.Vessel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneFleet(s.ownFleet)
}

// OpponentFleet 已知的對手艦隊副本
func (s *Session) OpponentFleet() []*fleet.Vessel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneFleet(s.opponentFleet)
}

// OwnBoard 本方棋盤副本
func (s *Session) OwnBoard() *fleet.Board {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ownBoard.Clone()
}

// OpponentBoard 射擊盤副本
func (s *Session) OpponentBoard() *fleet.Board {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.opponentBoard.Clone()
}

// ShotResult 一次射擊的結果
type ShotResult struct {
	Hit            bool         `json:"hit"`
	Sunk           *fleet.Class `json:"sunk,omitempty"`
	FleetDestroyed bool         `json:"fleet_destroyed"`
}

// ReceiveShot 對手射擊本方棋盤（戰鬥階段）
func (s *Session) ReceiveShot(p fleet.Point) (ShotResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.battleLocked(); err != nil {
		return ShotResult{}, err
	}

	v, err := s.ownBoard.MarkFired(p)
	if err != nil {
		return ShotResult{}, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "無效的射擊座標")
	}

	var result ShotResult
	if v != nil {
		result.Hit = true
		if err := v.DestroySegment(p); err != nil {
			return ShotResult{}, apperrors.Wrap(err, apperrors.ErrCodeInternal, "船艦狀態不一致")
		}
		if v.AllSegmentsDestroyed() {
			class := v.Class()
			result.Sunk = &class
		}
		result.FleetDestroyed = true
		for _, other := range s.ownFleet {
			if !other.AllSegmentsDestroyed() {
				result.FleetDestroyed = false
				break
			}
		}
	}

	s.sendEvent(Event{Type: EventShotReceived, Data: map[string]any{
		"x": p.X, "y": p.Y, "hit": result.Hit,
	}})
	return result, nil
}

// RecordShot 記錄本方射擊的結果；擊沉時 sunk 帶入對手船艦的最終位置
func (s *Session) RecordShot(p fleet.Point, sunk *fleet.Vessel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.battleLocked(); err != nil {
		return err
	}
	if _, err := s.opponentBoard.MarkFired(p); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "無效的射擊座標")
	}
	if sunk != nil {
		s.opponentFleet = append(s.opponentFleet, sunk.Clone())
	}
	return nil
}

func (s *Session) battleLocked() error {
	if s.closed {
		return apperrors.ErrSessionClosed
	}
	if s.phase != PhaseBattle {
		return apperrors.ErrInvalidState.WithDetails(string(s.phase))
	}
	return nil
}

// Events 獲取事件通道（Close 後關閉）
func (s *Session) Events() <-chan Event {
	return s.events
}

// Close 結束會話，中止進行中的握手
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	close(s.events)

	s.logger.Info("對局已關閉")
}

// placementVesselLocked 檢查階段與索引（需持有鎖）
func (s *Session) placementVesselLocked(i int) (*fleet.Vessel, error) {
	if s.closed {
		return nil, apperrors.ErrSessionClosed
	}
	if s.phase != PhasePlacement {
		return nil, apperrors.ErrInvalidState.WithDetails(string(s.phase))
	}
	if i < 0 || i >= len(s.ownFleet) {
		return nil, apperrors.ErrInvalidInput.WithDetails("vessel index")
	}
	return s.ownFleet[i], nil
}

// startHandshakeLocked 在背景送出擲骰（需持有鎖）
func (s *Session) startHandshakeLocked() {
	s.handshaking = true
	value := s.localRoll

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(s.ctx, s.handshakeTimeout)
		defer cancel()

		err := s.peer.SendDiceRoll(ctx, value)

		s.mu.Lock()
		defer s.mu.Unlock()

		s.handshaking = false
		if s.closed {
			return
		}
		if err != nil {
			s.logger.Warn("開局握手失敗", "error", err)
			s.sendEvent(Event{
				Type: EventHandshakeFailed,
				Data: map[string]any{"reason": apperrors.UserMessage(err)},
			})
			return
		}

		s.sendEvent(Event{Type: EventDiceSent, Data: map[string]any{"value": value}})
		s.setPhaseLocked(PhaseBattle)
	}()
}

func (s *Session) onOpponentRoll(value int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.opponentRoll = value
	s.sendEvent(Event{Type: EventOpponentDice, Data: map[string]any{"value": value}})
}

func (s *Session) setPhaseLocked(phase Phase) {
	from := s.phase
	s.phase = phase
	s.sendEvent(Event{
		Type: EventPhaseChanged,
		Data: map[string]any{"from": from, "to": phase},
	})
}

// sendEvent 發送事件（需持有鎖）
//
// 非阻塞發送，通道滿時丟棄事件（優先保證操作成功）。
func (s *Session) sendEvent(event Event) {
	if s.closed {
		return
	}
	select {
	case s.events <- event:
	default:
		s.logger.Debug("事件通道已滿，丟棄事件", "event", event.Type)
	}
}

func cloneFleet(vessels []*fleet.Vessel) []*fleet.Vessel {
	out := make([]*fleet.Vessel, len(vessels))
	for i, v := range vessels {
		out[i] = v.Clone()
	}
	return out
}
