package main

import (
	"encoding/hex"
	"fmt"

	"github.com/sigurn/crc16"
)

var crcTable = crc16.MakeTable(crc16.CRC16_MODBUS)

// Frame Modbus RTU 應用資料單元
type Frame struct {
	Address  uint8
	Function uint8
	Payload  []byte
	CRC      uint16
}

// IsException 是否為異常回應
func (f Frame) IsException() bool {
	return f.Function&ExceptionFlag != 0
}

// ExceptionCode 異常碼 (非異常回應時為 0)
func (f Frame) ExceptionCode() uint8 {
	if !f.IsException() || len(f.Payload) == 0 {
		return 0
	}
	return f.Payload[0]
}

// Bytes 序列化為線上位元組，CRC 低位元組在前
func (f Frame) Bytes() []byte {
	b := make([]byte, 0, len(f.Payload)+4)
	b = append(b, f.Address, f.Function)
	b = append(b, f.Payload...)
	return append(b, byte(f.CRC), byte(f.CRC>>8))
}

func (f Frame) String() string {
	return fmt.Sprintf("[%d fc=0x%02X %s]", f.Address, f.Function, hex.EncodeToString(f.Payload))
}

// Checksum 計算 CRC-16/Modbus
func Checksum(data []byte) uint16 {
	return crc16.Checksum(data, crcTable)
}

// Encode 建立請求訊框
func Encode(address, function uint8, payload []byte) (Frame, error) {
	if len(payload) > RTUMaxPayloadLength {
		return Frame{}, &EncodingError{Length: len(payload), Max: RTUMaxPayloadLength}
	}

	head := make([]byte, 0, len(payload)+2)
	head = append(head, address, function)
	head = append(head, payload...)

	return Frame{
		Address:  address,
		Function: function,
		Payload:  append([]byte(nil), payload...),
		CRC:      Checksum(head),
	}, nil
}

// parseADU 驗證長度與 CRC，不檢查位址
func parseADU(raw []byte) (Frame, error) {
	if len(raw) < RTUMinADULength {
		return Frame{}, &FrameError{Kind: FrameTruncated, Detail: fmt.Sprintf("長度 %d", len(raw))}
	}
	if len(raw) > RTUMaxADULength {
		return Frame{}, &FrameError{Kind: FrameOversize, Detail: fmt.Sprintf("長度 %d", len(raw))}
	}

	n := len(raw) - 2
	want := uint16(raw[n]) | uint16(raw[n+1])<<8
	if got := Checksum(raw[:n]); got != want {
		return Frame{}, &FrameError{
			Kind:   FrameCrcMismatch,
			Detail: fmt.Sprintf("計算 0x%04X, 收到 0x%04X", got, want),
		}
	}

	return Frame{
		Address:  raw[0],
		Function: raw[1],
		Payload:  append([]byte(nil), raw[2:n]...),
		CRC:      want,
	}, nil
}

// Decode 解析回應訊框
//
// 異常回應會同時回傳 Frame 與 ExceptionResponse 錯誤。
func Decode(raw []byte) (Frame, error) {
	f, err := parseADU(raw)
	if err != nil {
		return Frame{}, err
	}
	if f.Address == BroadcastAddress {
		return Frame{}, &FrameError{Kind: FrameInvalidAddress, Detail: "廣播位址不會有回應"}
	}
	if f.IsException() {
		if len(raw) != RTUExceptionLength {
			return Frame{}, &FrameError{Kind: FrameTruncated, Detail: "異常回應長度錯誤"}
		}
		return f, &FrameError{Kind: FrameExceptionResponse, Code: f.Payload[0]}
	}
	return f, nil
}

// CheckResponse 驗證回應與請求相符
func CheckResponse(req, resp Frame) error {
	if resp.Address != req.Address {
		return &FrameError{
			Kind:   FrameUnexpectedAddress,
			Detail: fmt.Sprintf("請求 %d, 回應 %d", req.Address, resp.Address),
		}
	}
	if resp.Function&^ExceptionFlag != req.Function {
		return &FrameError{
			Kind:   FrameUnexpectedFunction,
			Detail: fmt.Sprintf("請求 0x%02X, 回應 0x%02X", req.Function, resp.Function),
		}
	}
	return nil
}

// expectedResponseSize 由已收到的位元組推算完整回應長度
//
// 無法推算時回傳 false，由字元間隔判斷訊框結束。
func expectedResponseSize(buf []byte) (int, bool) {
	if len(buf) < 2 {
		return 0, false
	}
	fc := buf[1]
	if fc&ExceptionFlag != 0 {
		return RTUExceptionLength, true
	}

	switch fc {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs,
		FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters,
		FuncCodeReportServerID:
		if len(buf) < 3 {
			return 0, false
		}
		return 3 + int(buf[2]) + 2, true
	case FuncCodeWriteSingleCoil, FuncCodeWriteSingleRegister,
		FuncCodeWriteMultipleCoils, FuncCodeWriteMultipleRegisters:
		return 8, true
	default:
		return 0, false
	}
}
