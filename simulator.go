package main

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
)

// 模擬繼電器的恢復設定暫存器位址 (恢復協議 v1 編碼)
const simRecoveryConfigAddress uint16 = 0x0100

// SimOption 模擬設備選項
type SimOption func(*SimulatedRelay)

// WithRecoverySupport 設備回報恢復識別字串
func WithRecoverySupport() SimOption {
	return func(r *SimulatedRelay) {
		r.recoverable = true
	}
}

// WithSelfTest 設定自我測試結果與所需輪詢次數，polls < 0 表示永不完成
func WithSelfTest(polls int, failCode uint16) SimOption {
	return func(r *SimulatedRelay) {
		r.selfTestPolls = polls
		r.selfTestFailCode = failCode
	}
}

// WithIdentity 設定廠商與產品代碼
func WithIdentity(vendor, productCode string) SimOption {
	return func(r *SimulatedRelay) {
		r.objects[ObjectVendorName] = vendor
		r.objects[ObjectProductCode] = productCode
	}
}

// SimStats 模擬設備統計
type SimStats struct {
	Requests   atomic.Uint64
	Exceptions atomic.Uint64
	Writes     atomic.Uint64
}

// SimulatedRelay 記憶體內的 ARex 繼電器
type SimulatedRelay struct {
	mu sync.Mutex

	address     uint8
	regs        *RegisterMap
	objects     map[uint8]string
	recoverable bool
	inRecovery  bool

	selfTestPolls    int
	selfTestFailCode uint16
	selfTestLeft     int

	stats SimStats
}

// NewSimulatedRelay 建立模擬繼電器
func NewSimulatedRelay(address uint8, opts ...SimOption) *SimulatedRelay {
	r := &SimulatedRelay{
		address: address,
		regs:    NewRegisterMap(RelayCount, 0, int(RegRelayDiagBase)+RelayCount*3, int(simRecoveryConfigAddress)+4),
		objects: map[uint8]string{
			ObjectVendorName:  "Arex",
			ObjectProductCode: "RELAY-3",
			ObjectRevision:    "1.4.0",
			ObjectProductName: "ARex Relay",
			ObjectModelName:   "NXES-R3",
			ObjectRelayCount:  strconv.Itoa(RelayCount),
		},
		selfTestPolls: 2,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.recoverable {
		r.objects[ObjectRecoveryString] = fmt.Sprintf("ReCoVeRy;1;0x%04X", simRecoveryConfigAddress)
	}

	r.regs.Define(relayRegisterDefs()...)
	for i := uint16(0); i < 4; i++ {
		r.regs.Define(RegisterDef{
			Name:     fmt.Sprintf("recovery_config_%d", i),
			Table:    RegisterTypeHoldingRegister,
			Address:  simRecoveryConfigAddress + i,
			Writable: true,
		})
	}
	r.factoryDefaults()
	return r
}

// newConfiguredRelay 依模擬配置建立設備
//
// 位址 247 表示設備已在恢復模式，原本的位址使用原廠預設。
func newConfiguredRelay(d SimDeviceConfig) *SimulatedRelay {
	var opts []SimOption
	if d.Recovery || d.Address == RecoveryAddress {
		opts = append(opts, WithRecoverySupport())
	}
	if d.Address == RecoveryAddress {
		dev := NewSimulatedRelay(MinDeviceAddress, opts...)
		dev.EnterRecovery()
		return dev
	}
	return NewSimulatedRelay(uint8(d.Address), opts...)
}

// factoryDefaults 原廠設定與初始量測值
func (r *SimulatedRelay) factoryDefaults() {
	set := func(table RegisterType, addr uint16, v float64) {
		_ = r.regs.SetValue(table, addr, v)
	}
	set(RegisterTypeHoldingRegister, RegDeviceAddress, float64(r.address))
	set(RegisterTypeHoldingRegister, RegBaudRate, 0)
	set(RegisterTypeHoldingRegister, RegParity, 0)
	set(RegisterTypeHoldingRegister, RegStopBits, 0)
	set(RegisterTypeHoldingRegister, RegInfeedTypeConfig, float64(InfeedDC))
	set(RegisterTypeHoldingRegister, RegInfeedLowThreshold, 20)
	set(RegisterTypeHoldingRegister, RegInfeedHighThreshold, 28)
	for i := uint16(0); i < RelayCount; i++ {
		set(RegisterTypeHoldingRegister, RegRelayConfigBase+i, float64(RelayChannelConfig{}.encode()))
	}

	set(RegisterTypeInputRegister, RegStatus, float64(StatusOperational))
	set(RegisterTypeInputRegister, RegInfeedType, float64(InfeedDC))
	set(RegisterTypeInputRegister, RegInfeedVoltage, 24)
	set(RegisterTypeInputRegister, RegInfeedLowest, 23.8)
	set(RegisterTypeInputRegister, RegInfeedHighest, 24.3)
	set(RegisterTypeInputRegister, RegRunningMinutes, 1440)

	r.syncRecoveryConfig()
}

// Address 目前回應的位址，恢復模式下為 247
func (r *SimulatedRelay) Address() uint8 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inRecovery {
		return RecoveryAddress
	}
	return r.address
}

// EnterRecovery 模擬操作員按住恢復按鈕上電
func (r *SimulatedRelay) EnterRecovery() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recoverable {
		r.inRecovery = true
		r.syncRecoveryConfig()
	}
}

// InRecovery 是否處於恢復模式
func (r *SimulatedRelay) InRecovery() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inRecovery
}

// Registers 暫存器影像
func (r *SimulatedRelay) Registers() *RegisterMap {
	return r.regs
}

// Stats 統計
func (r *SimulatedRelay) Stats() *SimStats {
	return &r.stats
}

// Reboot 模擬斷電重啟: epoch 加一，計數歸零
func (r *SimulatedRelay) Reboot() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rebootLocked()
}

func (r *SimulatedRelay) rebootLocked() {
	epoch, _ := r.regs.Value(RegisterTypeInputRegister, RegResetEpoch)
	_ = r.regs.SetValue(RegisterTypeInputRegister, RegResetEpoch, float64((int(epoch)+1)&0xFFFF))
	_ = r.regs.SetValue(RegisterTypeInputRegister, RegRunningMinutes, 0)
	for i := uint16(0); i < RelayCount; i++ {
		_ = r.regs.SetValue(RegisterTypeInputRegister, RegRelayDiagBase+i*3+1, 0)
	}
	if addr, err := r.regs.Value(RegisterTypeHoldingRegister, RegDeviceAddress); err == nil && addr >= MinDeviceAddress && addr <= MaxNormalAddress {
		r.address = uint8(addr)
	}
}

// Tick 模擬時間經過 (分鐘)
func (r *SimulatedRelay) Tick(minutes uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, _ := r.regs.Value(RegisterTypeInputRegister, RegRunningMinutes)
	_ = r.regs.SetValue(RegisterTypeInputRegister, RegRunningMinutes, v+float64(minutes))
}

// syncRecoveryConfig 由通訊暫存器產生恢復協議編碼
func (r *SimulatedRelay) syncRecoveryConfig() {
	comm, err := r.regs.ReadRegisters(RegisterTypeHoldingRegister, RegDeviceAddress, 4)
	if err != nil {
		return
	}
	baud := 9600
	if int(comm[1]) < len(relayBaudCodes) {
		baud = relayBaudCodes[comm[1]]
	}
	parity := "N"
	if int(comm[2]) < len(relayParityCodes) {
		parity = relayParityCodes[comm[2]]
	}
	words, err := encodeRecoveryConfig(CommSettings{Address: uint8(comm[0]), BaudRate: baud, Parity: parity, StopBits: int(comm[3]) + 1})
	if err != nil {
		return
	}
	_ = r.regs.WriteRegisters(RegisterTypeHoldingRegister, simRecoveryConfigAddress, words)
}

// applyRecoveryConfig 將恢復協議寫入的設定套用到通訊暫存器
func (r *SimulatedRelay) applyRecoveryConfig() {
	words, err := r.regs.ReadRegisters(RegisterTypeHoldingRegister, simRecoveryConfigAddress, 4)
	if err != nil {
		return
	}
	cs, err := decodeRecoveryConfig(words)
	if err != nil {
		return
	}
	baud, ok := relayBaudCode(cs.BaudRate)
	if !ok {
		baud = 0
	}
	parity, _ := relayParityCode(cs.Parity)
	_ = r.regs.WriteRegisters(RegisterTypeHoldingRegister, RegDeviceAddress,
		[]uint16{uint16(cs.Address), baud, parity, uint16(cs.StopBits - 1)})
}

// Handle 處理請求 PDU，回傳回應 PDU (功能碼 + 資料)
func (r *SimulatedRelay) Handle(function uint8, data []byte) []byte {
	r.stats.Requests.Add(1)

	r.mu.Lock()
	defer r.mu.Unlock()

	resp, code := r.dispatch(function, data)
	if code != 0 {
		r.stats.Exceptions.Add(1)
		return []byte{function | ExceptionFlag, code}
	}
	return append([]byte{function}, resp...)
}

func (r *SimulatedRelay) dispatch(function uint8, data []byte) ([]byte, uint8) {
	switch function {
	case FuncCodeReadCoils:
		return r.readBits(data)
	case FuncCodeReadHoldingRegisters:
		return r.readRegisters(RegisterTypeHoldingRegister, data)
	case FuncCodeReadInputRegisters:
		return r.readRegisters(RegisterTypeInputRegister, data)
	case FuncCodeWriteSingleCoil:
		return r.writeSingleCoil(data)
	case FuncCodeWriteSingleRegister:
		return r.writeSingleRegister(data)
	case FuncCodeWriteMultipleCoils:
		return r.writeMultipleCoils(data)
	case FuncCodeWriteMultipleRegisters:
		return r.writeMultipleRegisters(data)
	case FuncCodeReportServerID:
		return r.reportServerID(), 0
	case FuncCodeEncapsulatedInterface:
		return r.deviceIdentification(data)
	default:
		return nil, ExceptionCodeIllegalFunction
	}
}

func (r *SimulatedRelay) readRegisters(table RegisterType, data []byte) ([]byte, uint8) {
	if len(data) != 4 {
		return nil, ExceptionCodeIllegalDataValue
	}
	addr, qty := binary.BigEndian.Uint16(data), binary.BigEndian.Uint16(data[2:])
	if qty == 0 || qty > MaxRegistersPerRead {
		return nil, ExceptionCodeIllegalDataValue
	}
	if table == RegisterTypeInputRegister && addr <= RegSelfTestStatus && addr+qty > RegSelfTestStatus {
		r.advanceSelfTest()
	}
	words, err := r.regs.ReadRegisters(table, addr, qty)
	if err != nil {
		return nil, ExceptionCodeIllegalDataAddress
	}
	return append([]byte{byte(qty * 2)}, RegistersToBytes(words)...), 0
}

func (r *SimulatedRelay) readBits(data []byte) ([]byte, uint8) {
	if len(data) != 4 {
		return nil, ExceptionCodeIllegalDataValue
	}
	addr, qty := binary.BigEndian.Uint16(data), binary.BigEndian.Uint16(data[2:])
	if qty == 0 || qty > MaxCoilsPerRead {
		return nil, ExceptionCodeIllegalDataValue
	}
	bits, err := r.regs.ReadBits(RegisterTypeCoil, addr, qty)
	if err != nil {
		return nil, ExceptionCodeIllegalDataAddress
	}
	packed := CoilsToByte(bits)
	return append([]byte{byte(len(packed))}, packed...), 0
}

func (r *SimulatedRelay) writeSingleCoil(data []byte) ([]byte, uint8) {
	if len(data) != 4 {
		return nil, ExceptionCodeIllegalDataValue
	}
	addr, v := binary.BigEndian.Uint16(data), binary.BigEndian.Uint16(data[2:])
	if v != 0x0000 && v != 0xFF00 {
		return nil, ExceptionCodeIllegalDataValue
	}
	if code := r.setCoils(addr, []bool{v == 0xFF00}); code != 0 {
		return nil, code
	}
	return data, 0
}

func (r *SimulatedRelay) writeMultipleCoils(data []byte) ([]byte, uint8) {
	if len(data) < 5 {
		return nil, ExceptionCodeIllegalDataValue
	}
	addr, qty := binary.BigEndian.Uint16(data), binary.BigEndian.Uint16(data[2:])
	if qty == 0 || int(data[4]) != (int(qty)+7)/8 || len(data) != 5+int(data[4]) {
		return nil, ExceptionCodeIllegalDataValue
	}
	if code := r.setCoils(addr, ByteToCoils(data[5:], int(qty))); code != 0 {
		return nil, code
	}
	return data[:4], 0
}

// setCoils 寫入繼電器線圈，狀態改變時累加動作次數
func (r *SimulatedRelay) setCoils(addr uint16, values []bool) uint8 {
	if !r.regs.Writable(RegisterTypeCoil, addr, len(values)) {
		return ExceptionCodeIllegalDataAddress
	}
	prev, err := r.regs.ReadBits(RegisterTypeCoil, addr, uint16(len(values)))
	if err != nil {
		return ExceptionCodeIllegalDataAddress
	}
	for i, on := range values {
		ch := addr + uint16(i)
		cfg, _ := r.regs.ReadRegisters(RegisterTypeHoldingRegister, RegRelayConfigBase+ch, 1)
		if on && len(cfg) == 1 && decodeRelayChannel(cfg[0]).Disabled {
			return ExceptionCodeSlaveDeviceFailure
		}
		if prev[i] != on {
			reg := RegRelayDiagBase + ch*3 + 1
			n, _ := r.regs.Value(RegisterTypeInputRegister, reg)
			_ = r.regs.SetValue(RegisterTypeInputRegister, reg, n+1)
		}
	}
	if err := r.regs.WriteBits(RegisterTypeCoil, addr, values); err != nil {
		return ExceptionCodeIllegalDataAddress
	}
	r.stats.Writes.Add(1)
	return 0
}

func (r *SimulatedRelay) writeSingleRegister(data []byte) ([]byte, uint8) {
	if len(data) != 4 {
		return nil, ExceptionCodeIllegalDataValue
	}
	addr, v := binary.BigEndian.Uint16(data), binary.BigEndian.Uint16(data[2:])
	if code := r.setRegisters(addr, []uint16{v}); code != 0 {
		return nil, code
	}
	return data, 0
}

func (r *SimulatedRelay) writeMultipleRegisters(data []byte) ([]byte, uint8) {
	if len(data) < 5 {
		return nil, ExceptionCodeIllegalDataValue
	}
	addr, qty := binary.BigEndian.Uint16(data), binary.BigEndian.Uint16(data[2:])
	if qty == 0 || qty > MaxRegistersPerWrite || int(data[4]) != int(qty)*2 || len(data) != 5+int(data[4]) {
		return nil, ExceptionCodeIllegalDataValue
	}
	if code := r.setRegisters(addr, BytesToRegisters(data[5:])); code != 0 {
		return nil, code
	}
	return data[:4], 0
}

// setRegisters 寫入保持暫存器並執行控制暫存器動作
func (r *SimulatedRelay) setRegisters(addr uint16, values []uint16) uint8 {
	if !r.regs.Writable(RegisterTypeHoldingRegister, addr, len(values)) {
		return ExceptionCodeIllegalDataAddress
	}
	for i, v := range values {
		def, ok := r.regs.Definition(RegisterTypeHoldingRegister, addr+uint16(i))
		if !ok || def.Words() != 1 {
			continue
		}
		if value, err := def.Decode([]uint16{v}); err != nil || def.Validate(value) != nil {
			return ExceptionCodeIllegalDataValue
		}
	}
	if err := r.regs.WriteRegisters(RegisterTypeHoldingRegister, addr, values); err != nil {
		return ExceptionCodeIllegalDataAddress
	}
	r.stats.Writes.Add(1)

	for i, v := range values {
		if code := r.control(addr+uint16(i), v); code != 0 {
			return code
		}
	}
	return 0
}

// control 控制暫存器的副作用
func (r *SimulatedRelay) control(reg, v uint16) uint8 {
	setInput := func(addr uint16, value float64) {
		_ = r.regs.SetValue(RegisterTypeInputRegister, addr, value)
	}

	switch reg {
	case RegSetResetEStop:
		switch v & 0xFF00 {
		case EStopControlReset:
			setInput(RegStatus, float64(StatusOperational))
			setInput(RegEStopCause, 0)
		case EStopControlPulse, EStopControlLatch:
			setInput(RegStatus, float64(StatusEStop))
			setInput(RegEStopCause, float64(v&0xFF))
		case EStopControlTerminal:
			setInput(RegStatus, float64(StatusTerminal))
			setInput(RegEStopCause, float64(v&0xFF))
		default:
			return ExceptionCodeIllegalDataValue
		}
	case RegZeroMeasurements:
		if v != ControlUnlock {
			return ExceptionCodeIllegalDataValue
		}
		now, _ := r.regs.Value(RegisterTypeInputRegister, RegInfeedVoltage)
		setInput(RegInfeedLowest, now)
		setInput(RegInfeedHighest, now)
	case RegResetToFactoryDefaults:
		if v != FactoryResetKey {
			return ExceptionCodeIllegalDataValue
		}
		r.factoryDefaults()
	case RegExitRecoveryMode:
		if v != ControlUnlock {
			return ExceptionCodeIllegalDataValue
		}
		if r.inRecovery {
			r.inRecovery = false
			r.rebootLocked()
		}
	case RegDeviceReset:
		if v != ControlUnlock {
			return ExceptionCodeIllegalDataValue
		}
		r.rebootLocked()
	case RegRunSelfTest:
		if v != ControlUnlock {
			return ExceptionCodeIllegalDataValue
		}
		r.selfTestLeft = r.selfTestPolls
		setInput(RegSelfTestStatus, float64(SelfTestRunning))
		setInput(RegDiagnosticCode, 0)
	default:
		if reg >= simRecoveryConfigAddress && reg < simRecoveryConfigAddress+4 {
			if !r.inRecovery {
				return ExceptionCodeIllegalDataAddress
			}
			r.applyRecoveryConfig()
		}
	}
	return 0
}

// advanceSelfTest 每次讀取狀態推進自我測試
func (r *SimulatedRelay) advanceSelfTest() {
	status, _ := r.regs.Value(RegisterTypeInputRegister, RegSelfTestStatus)
	if uint16(status) != SelfTestRunning || r.selfTestLeft < 0 {
		return
	}
	if r.selfTestLeft > 0 {
		r.selfTestLeft--
		return
	}
	if r.selfTestFailCode != 0 {
		_ = r.regs.SetValue(RegisterTypeInputRegister, RegSelfTestStatus, float64(SelfTestFailed))
		_ = r.regs.SetValue(RegisterTypeInputRegister, RegDiagnosticCode, float64(r.selfTestFailCode))
		return
	}
	_ = r.regs.SetValue(RegisterTypeInputRegister, RegSelfTestStatus, float64(SelfTestPassed))
}

// reportServerID FC 17 回應: byte count, server id, run indicator, 名稱
func (r *SimulatedRelay) reportServerID() []byte {
	name := r.objects[ObjectProductName]
	body := append([]byte{r.address, 0xFF}, name...)
	return append([]byte{byte(len(body))}, body...)
}

// deviceIdentification FC 43 / MEI 14，所有物件放在單一回應
func (r *SimulatedRelay) deviceIdentification(data []byte) ([]byte, uint8) {
	if len(data) != 3 || data[0] != MEITypeDeviceID {
		return nil, ExceptionCodeIllegalDataValue
	}
	readCode, objectID := data[1], data[2]

	var ids []uint8
	switch readCode {
	case DeviceIDReadBasic:
		ids = r.objectIDs(objectID, ObjectRevision)
	case DeviceIDReadRegular:
		ids = r.objectIDs(objectID, 0x7F)
	case DeviceIDReadExtended:
		ids = r.objectIDs(objectID, 0xFF)
	case DeviceIDReadSpecific:
		if _, ok := r.objects[objectID]; !ok {
			return nil, ExceptionCodeIllegalDataAddress
		}
		ids = []uint8{objectID}
	default:
		return nil, ExceptionCodeIllegalDataValue
	}

	resp := []byte{MEITypeDeviceID, readCode, 0x83, 0x00, 0x00, byte(len(ids))}
	for _, id := range ids {
		v := r.objects[id]
		resp = append(resp, id, byte(len(v)))
		resp = append(resp, v...)
	}
	return resp, 0
}

func (r *SimulatedRelay) objectIDs(from, to uint8) []uint8 {
	var ids []uint8
	for id := int(from); id <= int(to); id++ {
		if _, ok := r.objects[uint8(id)]; ok {
			ids = append(ids, uint8(id))
		}
	}
	return ids
}
