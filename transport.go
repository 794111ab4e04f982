package main

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	gserial "github.com/goburrow/serial"
	"go.uber.org/zap"
)

// Timing RTU 時序參數
type Timing struct {
	Char       time.Duration // 單一字元傳輸時間
	InterChar  time.Duration // t1.5，訊框內字元最大間隔
	InterFrame time.Duration // t3.5，訊框間最小靜默
}

// ComputeTiming 依鮑率與字元格式計算時序
//
// 超過 19200 鮑時使用固定的 750µs 與 1.75ms，並套用下限。
func ComputeTiming(baud int, parity string, stopBits int, minInterChar, minInterFrame time.Duration) Timing {
	if baud <= 0 {
		baud = RecoveryBaudRate
	}
	bits := 1 + 8 + stopBits
	if parity != "" && parity != "N" {
		bits++
	}

	char := time.Duration(bits) * time.Second / time.Duration(baud)
	t := Timing{Char: char}
	if baud > 19200 {
		t.InterChar = 750 * time.Microsecond
		t.InterFrame = 1750 * time.Microsecond
	} else {
		t.InterChar = char * 3 / 2
		t.InterFrame = char * 7 / 2
	}

	if t.InterChar < minInterChar {
		t.InterChar = minInterChar
	}
	if t.InterFrame < minInterFrame {
		t.InterFrame = minInterFrame
	}
	if t.InterFrame < t.InterChar {
		t.InterFrame = t.InterChar
	}
	return t
}

// AirTime 傳送 n 個位元組所需時間
func (t Timing) AirTime(n int) time.Duration {
	return t.Char * time.Duration(n)
}

// TransportStats 傳輸層統計
type TransportStats struct {
	BytesSent     atomic.Uint64
	BytesReceived atomic.Uint64
	BytesDrained  atomic.Uint64
}

// Transport 序列傳輸層
//
// 序列埠為私有欄位，只有 Scheduler 的工作 goroutine 會呼叫其方法。
type Transport struct {
	port   io.ReadWriteCloser
	timing Timing
	logger *zap.Logger

	lastActivity time.Time
	chunk        [RTUMaxADULength]byte

	stats TransportStats
}

// NewTransport 建立傳輸層
func NewTransport(port io.ReadWriteCloser, timing Timing, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{
		port:   port,
		timing: timing,
		logger: logger,
	}
}

// Timing 取得時序參數
func (t *Transport) Timing() Timing {
	return t.timing
}

// Stats 取得統計
func (t *Transport) Stats() *TransportStats {
	return &t.stats
}

// Send 送出一個訊框
//
// 送出前確保線路已靜默 t3.5，送出後記錄傳輸結束時間。
func (t *Transport) Send(frame []byte) error {
	if wait := time.Until(t.lastActivity.Add(t.timing.InterFrame)); wait > 0 {
		time.Sleep(wait)
	}

	n, err := t.port.Write(frame)
	t.stats.BytesSent.Add(uint64(n))
	if err != nil {
		return fmt.Errorf("寫入序列埠失敗: %w", err)
	}
	if n != len(frame) {
		return fmt.Errorf("寫入不完整: %d/%d", n, len(frame))
	}

	t.lastActivity = time.Now().Add(t.timing.AirTime(len(frame)))
	return nil
}

// Receive 接收一個訊框
//
// timeout 內沒有收到第一個位元組時回傳 ErrTimeout；之後以 t1.5 字元間隔或
// sizer 推算的長度判斷訊框結束。超過 RTU 最大長度，或在 timeout 加上最大訊框
// 傳輸時間後仍未結束時，回傳 FrameOversize 錯誤。
func (t *Transport) Receive(timeout time.Duration, sizer func([]byte) (int, bool)) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	frameDeadline := deadline.Add(t.timing.AirTime(RTUMaxADULength) + t.timing.InterFrame)
	buf := make([]byte, 0, RTUMaxADULength)
	var last time.Time

	for {
		n, err := t.port.Read(t.chunk[:])
		now := time.Now()
		if n > 0 {
			buf = append(buf, t.chunk[:n]...)
			t.stats.BytesReceived.Add(uint64(n))
			last = now
			t.lastActivity = now
			if sizer != nil {
				if size, ok := sizer(buf); ok && len(buf) >= size {
					return buf, nil
				}
			}
			if len(buf) > RTUMaxADULength {
				return nil, &FrameError{Kind: FrameOversize, Detail: fmt.Sprintf("已收到 %d 位元組", len(buf))}
			}
		} else if err != nil && !isNoData(err) {
			return buf, fmt.Errorf("讀取序列埠失敗: %w", err)
		}

		if len(buf) == 0 {
			if !now.Before(deadline) {
				return nil, ErrTimeout
			}
			continue
		}
		if n == 0 && now.Sub(last) >= t.timing.InterChar {
			return buf, nil
		}
		if !now.Before(frameDeadline) {
			return nil, &FrameError{Kind: FrameOversize, Detail: fmt.Sprintf("訊框未在期限內結束，已收到 %d 位元組", len(buf))}
		}
	}
}

// Drain 丟棄線路上殘留的位元組，直到靜默 t3.5 或超過 max
func (t *Transport) Drain(max time.Duration) int {
	deadline := time.Now().Add(max)
	quietSince := time.Now()
	drained := 0

	for time.Now().Before(deadline) {
		n, err := t.port.Read(t.chunk[:])
		now := time.Now()
		if n > 0 {
			drained += n
			quietSince = now
			t.lastActivity = now
			continue
		}
		if err != nil && !isNoData(err) {
			break
		}
		if now.Sub(quietSince) >= t.timing.InterFrame {
			break
		}
	}

	if drained > 0 {
		t.stats.BytesDrained.Add(uint64(drained))
		t.logger.Debug("重新同步，丟棄殘留位元組", zap.Int("bytes", drained))
	}
	return drained
}

// Close 關閉序列埠
func (t *Transport) Close() error {
	return t.port.Close()
}

// isNoData 判斷讀取是否僅為逾時無資料
func isNoData(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, gserial.ErrTimeout) || errors.Is(err, ErrTimeout) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
