package main

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout 接收逾時 (沒有任何位元組)
	ErrTimeout = errors.New("接收逾時")
	// ErrDeviceNotFound 登錄表中沒有此位址
	ErrDeviceNotFound = errors.New("找不到設備")
	// ErrQuarantined 位址因恢復失敗被隔離，需操作員確認
	ErrQuarantined = errors.New("位址已隔離，等待操作員確認")
	// ErrSchedulerClosed 排程器已關閉
	ErrSchedulerClosed = errors.New("排程器已關閉")
	// ErrEngineNotRunning 引擎未啟動
	ErrEngineNotRunning = errors.New("引擎未運行")
)

// FrameErrorKind 訊框錯誤種類
type FrameErrorKind int

const (
	FrameTruncated FrameErrorKind = iota
	FrameCrcMismatch
	FrameUnexpectedFunction
	FrameExceptionResponse
	FrameOversize
	FrameInvalidAddress
	FrameUnexpectedAddress
)

func (k FrameErrorKind) String() string {
	switch k {
	case FrameTruncated:
		return "truncated"
	case FrameCrcMismatch:
		return "crc_mismatch"
	case FrameUnexpectedFunction:
		return "unexpected_function"
	case FrameExceptionResponse:
		return "exception_response"
	case FrameOversize:
		return "oversize"
	case FrameInvalidAddress:
		return "invalid_address"
	case FrameUnexpectedAddress:
		return "unexpected_address"
	default:
		return "unknown"
	}
}

// FrameError 訊框解析錯誤
type FrameError struct {
	Kind   FrameErrorKind
	Code   uint8 // 僅 ExceptionResponse 使用
	Detail string
}

func (e *FrameError) Error() string {
	if e.Kind == FrameExceptionResponse {
		return fmt.Sprintf("異常回應 0x%02X: %s", e.Code, exceptionText(e.Code))
	}
	if e.Detail != "" {
		return fmt.Sprintf("訊框錯誤 (%s): %s", e.Kind, e.Detail)
	}
	return fmt.Sprintf("訊框錯誤 (%s)", e.Kind)
}

// EncodingError 編碼錯誤
type EncodingError struct {
	Length int
	Max    int
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("payload 長度 %d 超過上限 %d", e.Length, e.Max)
}

// TransactionErrorKind 交易錯誤種類
type TransactionErrorKind int

const (
	TxNoResponse TransactionErrorKind = iota
	TxMalformed
	TxDeviceException
	TxTransport
	TxClosed
)

func (k TransactionErrorKind) String() string {
	switch k {
	case TxNoResponse:
		return "no_response"
	case TxMalformed:
		return "malformed"
	case TxDeviceException:
		return "device_exception"
	case TxTransport:
		return "transport"
	case TxClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TransactionError 匯流排層級交易錯誤
type TransactionError struct {
	Kind     TransactionErrorKind
	Address  uint8
	Function uint8
	Code     uint8 // DeviceException 的異常碼
	Attempts int
	Err      error
}

func (e *TransactionError) Error() string {
	switch e.Kind {
	case TxDeviceException:
		return fmt.Sprintf("設備 %d 拒絕功能 0x%02X: 異常 0x%02X (%s)",
			e.Address, e.Function, e.Code, exceptionText(e.Code))
	case TxClosed:
		return "排程器已關閉"
	default:
		if e.Err != nil {
			return fmt.Sprintf("設備 %d 功能 0x%02X %s (嘗試 %d 次): %v",
				e.Address, e.Function, e.Kind, e.Attempts, e.Err)
		}
		return fmt.Sprintf("設備 %d 功能 0x%02X %s (嘗試 %d 次)",
			e.Address, e.Function, e.Kind, e.Attempts)
	}
}

func (e *TransactionError) Unwrap() error {
	return e.Err
}

// ValidationError 呼叫端提供的值超出範圍，不會送上匯流排
type ValidationError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("欄位 %s 的值 %v 無效: %s", e.Field, e.Value, e.Reason)
}

// RecoveryError 恢復流程錯誤
type RecoveryError struct {
	SessionID string
	Address   uint8
	Step      RecoveryStep
	Fatal     bool
	Err       error
}

func (e *RecoveryError) Error() string {
	kind := "已中止，可重試"
	if e.Fatal {
		kind = "致命失敗，設備狀態可能不一致"
	}
	return fmt.Sprintf("恢復 %s (位址 %d, 步驟 %s) %s: %v", e.SessionID, e.Address, e.Step, kind, e.Err)
}

func (e *RecoveryError) Unwrap() error {
	return e.Err
}

// ScanError 掃描範圍錯誤
type ScanError struct {
	Address int
	Reason  string
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("無效的掃描位址 %d: %s", e.Address, e.Reason)
}

// CapabilityError 設備 profile 不支援此操作
type CapabilityError struct {
	Address   uint8
	Profile   string
	Operation string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("設備 %d (profile %s) 不支援 %s", e.Address, e.Profile, e.Operation)
}

// exceptionCode 取出設備異常碼
func exceptionCode(err error) (uint8, bool) {
	var txErr *TransactionError
	if errors.As(err, &txErr) && txErr.Kind == TxDeviceException {
		return txErr.Code, true
	}
	var frameErr *FrameError
	if errors.As(err, &frameErr) && frameErr.Kind == FrameExceptionResponse {
		return frameErr.Code, true
	}
	return 0, false
}

// isBusFailure 判斷是否為無回應或訊框損壞 (影響健康狀態)
func isBusFailure(err error) bool {
	var txErr *TransactionError
	if !errors.As(err, &txErr) {
		return false
	}
	return txErr.Kind == TxNoResponse || txErr.Kind == TxMalformed
}

// deviceResponded 判斷設備是否確實在線 (閘道異常視為不在線)
func deviceResponded(err error) bool {
	if err == nil {
		return true
	}
	code, ok := exceptionCode(err)
	if !ok {
		return false
	}
	return code != ExceptionCodeGatewayPathUnavailable && code != ExceptionCodeGatewayTargetNoResponse
}
