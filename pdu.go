package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"
)

// requester 送出交易的介面，由 Scheduler 實作
type requester interface {
	Execute(ctx context.Context, tx Transaction) (Frame, error)
}

// unitClient 針對單一位址的請求建構與回應解析
type unitClient struct {
	bus       requester
	address   uint8
	timeout   time.Duration
	retries   int
	untracked bool
}

func newUnitClient(bus requester, address uint8) *unitClient {
	return &unitClient{bus: bus, address: address, retries: DefaultRetries}
}

// withPolicy 回傳使用指定逾時與重試次數的副本
func (c *unitClient) withPolicy(timeout time.Duration, retries int) *unitClient {
	cp := *c
	cp.timeout = timeout
	cp.retries = retries
	return &cp
}

// detached 回傳不影響健康狀態的副本
func (c *unitClient) detached() *unitClient {
	cp := *c
	cp.untracked = true
	return &cp
}

// call 編碼並執行交易
func (c *unitClient) call(ctx context.Context, function uint8, payload []byte, expect func(Frame) error) (Frame, error) {
	req, err := Encode(c.address, function, payload)
	if err != nil {
		return Frame{}, err
	}
	return c.bus.Execute(ctx, Transaction{
		Request:    req,
		Expect:     expect,
		Timeout:    c.timeout,
		MaxRetries: c.retries,
		Untracked:  c.untracked,
	})
}

// Raw 執行任意功能碼
func (c *unitClient) Raw(ctx context.Context, function uint8, payload []byte) (Frame, error) {
	return c.call(ctx, function, payload, nil)
}

// ReadHoldingRegisters FC 03
func (c *unitClient) ReadHoldingRegisters(ctx context.Context, start, quantity uint16) ([]uint16, error) {
	return c.readRegisters(ctx, FuncCodeReadHoldingRegisters, start, quantity)
}

// ReadInputRegisters FC 04
func (c *unitClient) ReadInputRegisters(ctx context.Context, start, quantity uint16) ([]uint16, error) {
	return c.readRegisters(ctx, FuncCodeReadInputRegisters, start, quantity)
}

func (c *unitClient) readRegisters(ctx context.Context, function uint8, start, quantity uint16) ([]uint16, error) {
	if quantity == 0 || quantity > MaxRegistersPerRead {
		return nil, &ValidationError{Field: "quantity", Value: quantity, Reason: fmt.Sprintf("必須介於 1 與 %d", MaxRegistersPerRead)}
	}
	want := int(quantity) * 2
	f, err := c.call(ctx, function, addrQty(start, quantity), func(f Frame) error {
		if len(f.Payload) != 1+want || int(f.Payload[0]) != want {
			return &FrameError{Kind: FrameTruncated, Detail: fmt.Sprintf("預期 %d 位元組暫存器資料", want)}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return BytesToRegisters(f.Payload[1:]), nil
}

// ReadCoils FC 01
func (c *unitClient) ReadCoils(ctx context.Context, start, quantity uint16) ([]bool, error) {
	return c.readBits(ctx, FuncCodeReadCoils, start, quantity)
}

// ReadDiscreteInputs FC 02
func (c *unitClient) ReadDiscreteInputs(ctx context.Context, start, quantity uint16) ([]bool, error) {
	return c.readBits(ctx, FuncCodeReadDiscreteInputs, start, quantity)
}

func (c *unitClient) readBits(ctx context.Context, function uint8, start, quantity uint16) ([]bool, error) {
	if quantity == 0 || quantity > MaxCoilsPerRead {
		return nil, &ValidationError{Field: "quantity", Value: quantity, Reason: fmt.Sprintf("必須介於 1 與 %d", MaxCoilsPerRead)}
	}
	want := (int(quantity) + 7) / 8
	f, err := c.call(ctx, function, addrQty(start, quantity), func(f Frame) error {
		if len(f.Payload) != 1+want || int(f.Payload[0]) != want {
			return &FrameError{Kind: FrameTruncated, Detail: fmt.Sprintf("預期 %d 位元組線圈資料", want)}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ByteToCoils(f.Payload[1:], int(quantity)), nil
}

// WriteSingleRegister FC 06，回應須為請求的回聲
func (c *unitClient) WriteSingleRegister(ctx context.Context, address, value uint16) error {
	payload := addrQty(address, value)
	_, err := c.call(ctx, FuncCodeWriteSingleRegister, payload, expectEcho(payload))
	return err
}

// WriteMultipleRegisters FC 16
func (c *unitClient) WriteMultipleRegisters(ctx context.Context, start uint16, values []uint16) error {
	if len(values) == 0 || len(values) > MaxRegistersPerWrite {
		return &ValidationError{Field: "values", Value: len(values), Reason: fmt.Sprintf("必須介於 1 與 %d 個暫存器", MaxRegistersPerWrite)}
	}
	head := addrQty(start, uint16(len(values)))
	payload := append(append(head, byte(len(values)*2)), RegistersToBytes(values)...)
	_, err := c.call(ctx, FuncCodeWriteMultipleRegisters, payload, expectEcho(head))
	return err
}

// WriteSingleCoil FC 05
func (c *unitClient) WriteSingleCoil(ctx context.Context, address uint16, on bool) error {
	var v uint16
	if on {
		v = 0xFF00
	}
	payload := addrQty(address, v)
	_, err := c.call(ctx, FuncCodeWriteSingleCoil, payload, expectEcho(payload))
	return err
}

// WriteMultipleCoils FC 15
func (c *unitClient) WriteMultipleCoils(ctx context.Context, start uint16, values []bool) error {
	if len(values) == 0 || len(values) > MaxCoilsPerWrite {
		return &ValidationError{Field: "values", Value: len(values), Reason: fmt.Sprintf("必須介於 1 與 %d 個線圈", MaxCoilsPerWrite)}
	}
	head := addrQty(start, uint16(len(values)))
	packed := CoilsToByte(values)
	payload := append(append(head, byte(len(packed))), packed...)
	_, err := c.call(ctx, FuncCodeWriteMultipleCoils, payload, expectEcho(head))
	return err
}

// ReportServerID FC 17，回傳 byte count 之後的內容
func (c *unitClient) ReportServerID(ctx context.Context) ([]byte, error) {
	f, err := c.call(ctx, FuncCodeReportServerID, nil, func(f Frame) error {
		if len(f.Payload) < 1 || int(f.Payload[0]) != len(f.Payload)-1 {
			return &FrameError{Kind: FrameTruncated, Detail: "server id 長度不符"}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return f.Payload[1:], nil
}

// ReadDeviceIdentification FC 43 / MEI 14
//
// 依 more-follows 逐段讀取，最多 8 段。
func (c *unitClient) ReadDeviceIdentification(ctx context.Context, readCode, objectID uint8) (map[uint8]string, error) {
	objects := make(map[uint8]string)
	next := objectID

	for segment := 0; segment < 8; segment++ {
		f, err := c.call(ctx, FuncCodeEncapsulatedInterface, []byte{MEITypeDeviceID, readCode, next}, expectDeviceID)
		if err != nil {
			return nil, err
		}
		more, nextID := parseDeviceID(f.Payload, objects)
		if !more || readCode == DeviceIDReadSpecific {
			return objects, nil
		}
		next = nextID
	}
	return objects, nil
}

// expectDeviceID 驗證 MEI 回應結構
func expectDeviceID(f Frame) error {
	p := f.Payload
	if len(p) < 6 || p[0] != MEITypeDeviceID {
		return &FrameError{Kind: FrameTruncated, Detail: "MEI 回應標頭不完整"}
	}
	count := int(p[5])
	i := 6
	for n := 0; n < count; n++ {
		if i+2 > len(p) || i+2+int(p[i+1]) > len(p) {
			return &FrameError{Kind: FrameTruncated, Detail: "MEI 物件長度不符"}
		}
		i += 2 + int(p[i+1])
	}
	return nil
}

// parseDeviceID 解析已驗證的 MEI 回應
func parseDeviceID(p []byte, into map[uint8]string) (more bool, next uint8) {
	more = p[3] == 0xFF
	next = p[4]
	i := 6
	for n := 0; n < int(p[5]); n++ {
		id, size := p[i], int(p[i+1])
		into[id] = string(p[i+2 : i+2+size])
		i += 2 + size
	}
	return more, next
}

func expectEcho(want []byte) func(Frame) error {
	return func(f Frame) error {
		if len(f.Payload) != len(want) {
			return &FrameError{Kind: FrameTruncated, Detail: "寫入回應長度不符"}
		}
		for i := range want {
			if f.Payload[i] != want[i] {
				return &FrameError{Kind: FrameUnexpectedFunction, Detail: "寫入回應與請求不一致"}
			}
		}
		return nil
	}
}

func addrQty(a, b uint16) []byte {
	p := make([]byte, 4, 4+MaxRegistersPerWrite*2+1)
	binary.BigEndian.PutUint16(p[0:], a)
	binary.BigEndian.PutUint16(p[2:], b)
	return p
}
