// Package errors 提供應用程式錯誤處理
package errors

import (
	"errors"
	"fmt"
)

// 定義錯誤碼
const (
	// ErrCodeAlreadyConnected 已經連線（重複 Connect）
	ErrCodeAlreadyConnected = "ALREADY_CONNECTED"
	// ErrCodeUnreachable 無法連線到訊息網路
	ErrCodeUnreachable = "UNREACHABLE"
	// ErrCodeNotConnected 尚未連線
	ErrCodeNotConnected = "NOT_CONNECTED"
	// ErrCodeSendFailed 發送失敗
	ErrCodeSendFailed = "SEND_FAILED"
	// ErrCodeInvalidInput 無效輸入
	ErrCodeInvalidInput = "INVALID_INPUT"
	// ErrCodeInvalidState 狀態不允許此操作
	ErrCodeInvalidState = "INVALID_STATE"
	// ErrCodeSessionClosed 會話已關閉
	ErrCodeSessionClosed = "SESSION_CLOSED"
	// ErrCodeInternal 內部錯誤
	ErrCodeInternal = "INTERNAL_ERROR"
)

// AppError 應用程式錯誤
//
// Message 是可以直接顯示給使用者的文字（例如「無法連線到伺服器」），
// 底層錯誤放在 Err，只用於日誌。
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 實現 errors.Is（以錯誤碼比對）
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 添加詳細資訊（回傳副本，不修改預定義錯誤）
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// 預定義錯誤
var (
	// ErrAlreadyConnected 重複連線
	ErrAlreadyConnected = New(ErrCodeAlreadyConnected, "已經連線到伺服器")

	// ErrUnreachable 伺服器無法連線
	ErrUnreachable = New(ErrCodeUnreachable, "無法連線到伺服器")

	// ErrNotConnected 尚未連線
	ErrNotConnected = New(ErrCodeNotConnected, "尚未連線到伺服器")

	// ErrSendFailed 訊息發送失敗
	ErrSendFailed = New(ErrCodeSendFailed, "訊息發送失敗")

	// ErrInvalidInput 無效輸入
	ErrInvalidInput = New(ErrCodeInvalidInput, "無效的輸入")

	// ErrInvalidState 狀態錯誤
	ErrInvalidState = New(ErrCodeInvalidState, "目前狀態不允許此操作")

	// ErrSessionClosed 會話已關閉
	ErrSessionClosed = New(ErrCodeSessionClosed, "會話已關閉")
)

// IsAlreadyConnected 檢查是否為重複連線錯誤
func IsAlreadyConnected(err error) bool {
	return hasCode(err, ErrCodeAlreadyConnected)
}

// IsUnreachable 檢查是否為無法連線錯誤
func IsUnreachable(err error) bool {
	return hasCode(err, ErrCodeUnreachable)
}

// IsNotConnected 檢查是否為尚未連線錯誤
func IsNotConnected(err error) bool {
	return hasCode(err, ErrCodeNotConnected)
}

// IsSessionClosed 檢查是否為會話已關閉錯誤
func IsSessionClosed(err error) bool {
	return hasCode(err, ErrCodeSessionClosed)
}

// GetCode 獲取錯誤碼
func GetCode(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// UserMessage 取得可顯示給使用者的錯誤訊息
func UserMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "發生未知錯誤"
}

func hasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}
