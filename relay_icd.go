package main

import (
	"errors"
	"fmt"
	"time"
)

// ARex 繼電器 ICD

// RelayCount 繼電器通道數
const RelayCount = 3

// 輸入暫存器
const (
	RegStatus         uint16 = 0x0008
	RegRunningMinutes uint16 = 0x0009 // uint32
	RegInfeedType     uint16 = 0x000B
	RegInfeedVoltage  uint16 = 0x000C
	RegInfeedLowest   uint16 = 0x000D
	RegInfeedHighest  uint16 = 0x000E
	RegDeviceHealth   uint16 = 0x000F
	RegEStopCause     uint16 = 0x0010
	RegDiagnosticCode uint16 = 0x0011
	RegResetEpoch     uint16 = 0x0012
	RegSelfTestStatus uint16 = 0x0013
	RegRelayDiagBase  uint16 = 0x0018 // 每通道 3 個暫存器: diag, cycles (uint32)
)

// 保持暫存器
const (
	RegDeviceAddress uint16 = 0x0000
	RegBaudRate      uint16 = 0x0001
	RegParity        uint16 = 0x0002
	RegStopBits      uint16 = 0x0003

	RegInfeedTypeConfig    uint16 = 0x0008
	RegInfeedLowThreshold  uint16 = 0x0009
	RegInfeedHighThreshold uint16 = 0x000A

	RegEStopOnUnderVoltage     uint16 = 0x0010
	RegEStopOnOverVoltage      uint16 = 0x0011
	RegEStopOnIncorrectType    uint16 = 0x0012
	RegEStopOnCommLost         uint16 = 0x0013
	RegInfeedFaultRelayMask    uint16 = 0x0014
	RegCommLostRelayMask       uint16 = 0x0015
	RegRelayConfigBase         uint16 = 0x0018
	RegSetResetEStop           uint16 = 0x0064
	RegZeroMeasurements        uint16 = 0x0065
	RegLocate                  uint16 = 0x0066
	RegResetToFactoryDefaults  uint16 = 0x0067
	RegExitRecoveryMode        uint16 = 0x0068
	RegDeviceReset             uint16 = 0x0069
	RegRunSelfTest             uint16 = 0x006A
	RegRelayCoilBase           uint16 = 0x0000
	InfeedVoltsPerLSB                 = 0.1
	RelayTimingStep                   = time.Second
	maxRelayMinOn                     = 254 * RelayTimingStep
	maxRelayMinOff                    = 254 * RelayTimingStep
	relayChannelDisabled              = 0xFFFF
	maxInfeedThresholdVolts           = 300.0
	relayMaskAll                      = 1<<RelayCount - 1
)

// 控制值
const (
	ControlUnlock        uint16 = 0xAA55
	EStopControlReset    uint16 = 0x0000
	EStopControlPulse    uint16 = 0x1100
	EStopControlLatch    uint16 = 0x2200
	EStopControlTerminal uint16 = 0xFF00
	FactoryResetKey      uint16 = 0x178C
)

// DeviceStatus 設備狀態
type DeviceStatus uint16

const (
	StatusOperational DeviceStatus = iota
	StatusEStop
	StatusTerminal
)

func (s DeviceStatus) String() string {
	switch s {
	case StatusOperational:
		return "operational"
	case StatusEStop:
		return "estop"
	case StatusTerminal:
		return "terminal"
	default:
		return fmt.Sprintf("unknown(%d)", uint16(s))
	}
}

// InfeedType 電源輸入類型
type InfeedType uint16

const (
	InfeedBelowThreshold InfeedType = iota
	InfeedDC
	InfeedAC
)

func (t InfeedType) String() string {
	switch t {
	case InfeedBelowThreshold:
		return "below_threshold"
	case InfeedDC:
		return "dc"
	case InfeedAC:
		return "ac"
	default:
		return fmt.Sprintf("unknown(%d)", uint16(t))
	}
}

// RelayDiag 繼電器通道診斷
type RelayDiag uint16

const (
	RelayOK RelayDiag = iota
	RelayFaulty
	RelayDisabled
)

func (d RelayDiag) String() string {
	switch d {
	case RelayOK:
		return "ok"
	case RelayFaulty:
		return "faulty"
	case RelayDisabled:
		return "disabled"
	default:
		return fmt.Sprintf("unknown(%d)", uint16(d))
	}
}

// EStopMode 緊急停止控制
type EStopMode int

const (
	EStopReset EStopMode = iota
	EStopPulse
	EStopLatch
	EStopTerminal
)

// ParseEStopMode 解析緊急停止控制
func ParseEStopMode(s string) (EStopMode, error) {
	switch s {
	case "reset":
		return EStopReset, nil
	case "pulse":
		return EStopPulse, nil
	case "latch":
		return EStopLatch, nil
	case "terminal":
		return EStopTerminal, nil
	default:
		return 0, fmt.Errorf("未知的 estop 模式: %s", s)
	}
}

func (m EStopMode) String() string {
	switch m {
	case EStopReset:
		return "reset"
	case EStopPulse:
		return "pulse"
	case EStopLatch:
		return "latch"
	case EStopTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// control 控制字，低位元組為外部診斷碼 (reset 時忽略)
func (m EStopMode) control(cause uint8) uint16 {
	switch m {
	case EStopPulse:
		return EStopControlPulse | uint16(cause)
	case EStopLatch:
		return EStopControlLatch | uint16(cause)
	case EStopTerminal:
		return EStopControlTerminal | uint16(cause)
	default:
		return EStopControlReset
	}
}

// HealthFaults DEVICE_HEALTH 位元
type HealthFaults uint16

const (
	FaultRelay                HealthFaults = 1 << 0
	FaultInfeedPolarity       HealthFaults = 1 << 2
	FaultInfeedIncorrectType  HealthFaults = 1 << 3
	FaultInfeedBelowThreshold HealthFaults = 1 << 4
	FaultInfeedAboveThreshold HealthFaults = 1 << 5
	FaultCrashRecovered       HealthFaults = 1 << 8
	FaultEEPROMRecovered      HealthFaults = 1 << 9
	FaultPowerSupply          HealthFaults = 1 << 10
)

var healthFaultNames = []struct {
	bit  HealthFaults
	name string
}{
	{FaultRelay, "relay_fault"},
	{FaultInfeedPolarity, "infeed_polarity_inverted"},
	{FaultInfeedIncorrectType, "infeed_incorrect_type"},
	{FaultInfeedBelowThreshold, "infeed_below_threshold"},
	{FaultInfeedAboveThreshold, "infeed_above_threshold"},
	{FaultCrashRecovered, "recovered_from_crash"},
	{FaultEEPROMRecovered, "eeprom_recovered"},
	{FaultPowerSupply, "power_supply_fault"},
}

// Names 已設定的故障名稱
func (f HealthFaults) Names() []string {
	var names []string
	for _, h := range healthFaultNames {
		if f&h.bit != 0 {
			names = append(names, h.name)
		}
	}
	return names
}

// ARex 通訊設定代碼
var (
	relayBaudCodes   = []int{9600, 19200, 38400, 57600, 115200}
	relayParityCodes = []string{"N", "E", "O"}
)

func relayBaudCode(baud int) (uint16, bool) {
	for i, b := range relayBaudCodes {
		if b == baud {
			return uint16(i), true
		}
	}
	return 0, false
}

func relayParityCode(parity string) (uint16, bool) {
	for i, p := range relayParityCodes {
		if p == parity {
			return uint16(i), true
		}
	}
	return 0, false
}

// CommSettings 通訊設定
type CommSettings struct {
	Address  uint8  `json:"address"`
	BaudRate int    `json:"baud_rate"`
	Parity   string `json:"parity"`
	StopBits int    `json:"stop_bits"`
}

// InfeedConfig 電源輸入設定
type InfeedConfig struct {
	Type          InfeedType `json:"type"`
	LowThreshold  float64    `json:"low_threshold_v"`
	HighThreshold float64    `json:"high_threshold_v"`
}

// SafetyConfig 安全邏輯設定
type SafetyConfig struct {
	EStopOnUnderVoltage  bool  `json:"estop_on_under_voltage"`
	EStopOnOverVoltage   bool  `json:"estop_on_over_voltage"`
	EStopOnIncorrectType bool  `json:"estop_on_incorrect_type"`
	EStopOnCommLost      bool  `json:"estop_on_comm_lost"`
	InfeedFaultRelayMask uint8 `json:"infeed_fault_relay_mask"`
	CommLostRelayMask    uint8 `json:"comm_lost_relay_mask"`
}

// RelayChannelConfig 單一繼電器通道設定
//
// 編碼: 高位元組最短吸合秒數，低位元組最短釋放秒數，0xFFFF 表示停用。
type RelayChannelConfig struct {
	MinOn    time.Duration `json:"min_on"`
	MinOff   time.Duration `json:"min_off"`
	Disabled bool          `json:"disabled"`
}

func (c RelayChannelConfig) encode() uint16 {
	if c.Disabled {
		return relayChannelDisabled
	}
	return uint16(c.MinOn/RelayTimingStep)<<8 | uint16(c.MinOff/RelayTimingStep)
}

func decodeRelayChannel(v uint16) RelayChannelConfig {
	if v == relayChannelDisabled {
		return RelayChannelConfig{Disabled: true}
	}
	return RelayChannelConfig{
		MinOn:  time.Duration(v>>8) * RelayTimingStep,
		MinOff: time.Duration(v&0xFF) * RelayTimingStep,
	}
}

// RelayConfig 完整設定
type RelayConfig struct {
	Comm   CommSettings                   `json:"comm"`
	Infeed InfeedConfig                   `json:"infeed"`
	Safety SafetyConfig                   `json:"safety"`
	Relays [RelayCount]RelayChannelConfig `json:"relays"`
}

// Validate 檢查所有欄位範圍，回傳所有違規
func (c RelayConfig) Validate() error {
	var errs []error
	bad := func(field string, value any, reason string) {
		errs = append(errs, &ValidationError{Field: field, Value: value, Reason: reason})
	}

	if c.Comm.Address < MinDeviceAddress || c.Comm.Address > MaxNormalAddress {
		bad("comm.address", c.Comm.Address, fmt.Sprintf("必須介於 %d 與 %d", MinDeviceAddress, MaxNormalAddress))
	}
	if _, ok := relayBaudCode(c.Comm.BaudRate); !ok {
		bad("comm.baud_rate", c.Comm.BaudRate, fmt.Sprintf("必須為 %v 之一", relayBaudCodes))
	}
	if _, ok := relayParityCode(c.Comm.Parity); !ok {
		bad("comm.parity", c.Comm.Parity, "必須為 N、E 或 O")
	}
	if c.Comm.StopBits != 1 && c.Comm.StopBits != 2 {
		bad("comm.stop_bits", c.Comm.StopBits, "必須為 1 或 2")
	}

	if c.Infeed.Type > InfeedAC {
		bad("infeed.type", c.Infeed.Type, "必須為 below_threshold、dc 或 ac")
	}
	for _, th := range []struct {
		field string
		v     float64
	}{{"infeed.low_threshold_v", c.Infeed.LowThreshold}, {"infeed.high_threshold_v", c.Infeed.HighThreshold}} {
		if th.v < 0 || th.v > maxInfeedThresholdVolts {
			bad(th.field, th.v, fmt.Sprintf("必須介於 0 與 %g V", maxInfeedThresholdVolts))
		}
	}
	if c.Infeed.LowThreshold >= c.Infeed.HighThreshold {
		bad("infeed.low_threshold_v", c.Infeed.LowThreshold, "必須小於 high_threshold_v")
	}

	if c.Safety.InfeedFaultRelayMask > relayMaskAll {
		bad("safety.infeed_fault_relay_mask", c.Safety.InfeedFaultRelayMask, fmt.Sprintf("最大 0x%X", relayMaskAll))
	}
	if c.Safety.CommLostRelayMask > relayMaskAll {
		bad("safety.comm_lost_relay_mask", c.Safety.CommLostRelayMask, fmt.Sprintf("最大 0x%X", relayMaskAll))
	}

	for i, r := range c.Relays {
		prefix := fmt.Sprintf("relays[%d]", i)
		if r.MinOn < 0 || r.MinOn > maxRelayMinOn || r.MinOn%RelayTimingStep != 0 {
			bad(prefix+".min_on", r.MinOn, fmt.Sprintf("必須為 0 到 %v 之間的整秒", maxRelayMinOn))
		}
		if r.MinOff < 0 || r.MinOff > maxRelayMinOff || r.MinOff%RelayTimingStep != 0 {
			bad(prefix+".min_off", r.MinOff, fmt.Sprintf("必須為 0 到 %v 之間的整秒", maxRelayMinOff))
		}
	}

	return errors.Join(errs...)
}

// 寄存器群組
var (
	relayCommGroup = RegisterGroup{Name: "communication", Defs: []RegisterDef{
		{Name: "device_address", Table: RegisterTypeHoldingRegister, Address: RegDeviceAddress, Writable: true, Min: MinDeviceAddress, Max: MaxNormalAddress},
		{Name: "baud_rate", Table: RegisterTypeHoldingRegister, Address: RegBaudRate, Writable: true, Min: 0, Max: 4},
		{Name: "parity", Table: RegisterTypeHoldingRegister, Address: RegParity, Writable: true, Min: 0, Max: 2},
		{Name: "stop_bits", Table: RegisterTypeHoldingRegister, Address: RegStopBits, Writable: true, Min: 0, Max: 1},
	}}
	relayInfeedGroup = RegisterGroup{Name: "power_infeed", Defs: []RegisterDef{
		{Name: "infeed_type", Table: RegisterTypeHoldingRegister, Address: RegInfeedTypeConfig, Writable: true, Min: 0, Max: 2},
		{Name: "infeed_low_threshold", Table: RegisterTypeHoldingRegister, Address: RegInfeedLowThreshold, Scale: InfeedVoltsPerLSB, Unit: "V", Writable: true, Min: 0, Max: maxInfeedThresholdVolts},
		{Name: "infeed_high_threshold", Table: RegisterTypeHoldingRegister, Address: RegInfeedHighThreshold, Scale: InfeedVoltsPerLSB, Unit: "V", Writable: true, Min: 0, Max: maxInfeedThresholdVolts},
	}}
	relaySafetyGroup = RegisterGroup{Name: "safety_logic", Defs: []RegisterDef{
		{Name: "estop_on_under_voltage", Table: RegisterTypeHoldingRegister, Address: RegEStopOnUnderVoltage, Writable: true, Min: 0, Max: 1},
		{Name: "estop_on_over_voltage", Table: RegisterTypeHoldingRegister, Address: RegEStopOnOverVoltage, Writable: true, Min: 0, Max: 1},
		{Name: "estop_on_incorrect_type", Table: RegisterTypeHoldingRegister, Address: RegEStopOnIncorrectType, Writable: true, Min: 0, Max: 1},
		{Name: "estop_on_comm_lost", Table: RegisterTypeHoldingRegister, Address: RegEStopOnCommLost, Writable: true, Min: 0, Max: 1},
		{Name: "infeed_fault_relay_mask", Table: RegisterTypeHoldingRegister, Address: RegInfeedFaultRelayMask, Writable: true, Min: 0, Max: relayMaskAll},
		{Name: "comm_lost_relay_mask", Table: RegisterTypeHoldingRegister, Address: RegCommLostRelayMask, Writable: true, Min: 0, Max: relayMaskAll},
	}}
	relayChannelGroup = RegisterGroup{Name: "relay_config", Defs: []RegisterDef{
		{Name: "relay_1_config", Table: RegisterTypeHoldingRegister, Address: RegRelayConfigBase, Writable: true},
		{Name: "relay_2_config", Table: RegisterTypeHoldingRegister, Address: RegRelayConfigBase + 1, Writable: true},
		{Name: "relay_3_config", Table: RegisterTypeHoldingRegister, Address: RegRelayConfigBase + 2, Writable: true},
	}}
	relayControlGroup = RegisterGroup{Name: "device_control", Defs: []RegisterDef{
		{Name: "set_reset_estop", Table: RegisterTypeHoldingRegister, Address: RegSetResetEStop, Writable: true},
		{Name: "zero_measurements", Table: RegisterTypeHoldingRegister, Address: RegZeroMeasurements, Writable: true},
		{Name: "locate", Table: RegisterTypeHoldingRegister, Address: RegLocate, Writable: true, Min: 0, Max: 1},
		{Name: "reset_to_factory_defaults", Table: RegisterTypeHoldingRegister, Address: RegResetToFactoryDefaults, Writable: true},
		{Name: "exit_recovery_mode", Table: RegisterTypeHoldingRegister, Address: RegExitRecoveryMode, Writable: true},
		{Name: "device_reset", Table: RegisterTypeHoldingRegister, Address: RegDeviceReset, Writable: true},
		{Name: "run_self_test", Table: RegisterTypeHoldingRegister, Address: RegRunSelfTest, Writable: true},
	}}
	relayStatusGroup = RegisterGroup{Name: "status", Defs: []RegisterDef{
		{Name: "status", Table: RegisterTypeInputRegister, Address: RegStatus},
		{Name: "running_minutes", Table: RegisterTypeInputRegister, Address: RegRunningMinutes, DataType: DataTypeUint32, Unit: "min"},
		{Name: "infeed_type", Table: RegisterTypeInputRegister, Address: RegInfeedType},
		{Name: "infeed_voltage", Table: RegisterTypeInputRegister, Address: RegInfeedVoltage, DataType: DataTypeInt16, Scale: InfeedVoltsPerLSB, Unit: "V"},
		{Name: "infeed_lowest", Table: RegisterTypeInputRegister, Address: RegInfeedLowest, DataType: DataTypeInt16, Scale: InfeedVoltsPerLSB, Unit: "V"},
		{Name: "infeed_highest", Table: RegisterTypeInputRegister, Address: RegInfeedHighest, DataType: DataTypeInt16, Scale: InfeedVoltsPerLSB, Unit: "V"},
		{Name: "device_health", Table: RegisterTypeInputRegister, Address: RegDeviceHealth},
		{Name: "estop_cause", Table: RegisterTypeInputRegister, Address: RegEStopCause},
		{Name: "diagnostic_code", Table: RegisterTypeInputRegister, Address: RegDiagnosticCode},
		{Name: "reset_epoch", Table: RegisterTypeInputRegister, Address: RegResetEpoch},
		{Name: "self_test_status", Table: RegisterTypeInputRegister, Address: RegSelfTestStatus},
	}}
	relayCountersGroup = RegisterGroup{Name: "relay_counters", Defs: relayCounterDefs()}
	relayInfeedSample  = RegisterGroup{Name: "infeed_sample", Defs: relayStatusGroup.Defs[2:6]}
)

func relayCounterDefs() []RegisterDef {
	defs := make([]RegisterDef, 0, RelayCount*2)
	for i := 0; i < RelayCount; i++ {
		base := RegRelayDiagBase + uint16(i*3)
		defs = append(defs,
			RegisterDef{Name: fmt.Sprintf("relay_%d_diag", i+1), Table: RegisterTypeInputRegister, Address: base},
			RegisterDef{Name: fmt.Sprintf("relay_%d_cycles", i+1), Table: RegisterTypeInputRegister, Address: base + 1, DataType: DataTypeUint32},
		)
	}
	return defs
}

// relayRegisterDefs ICD 全部暫存器
func relayRegisterDefs() []RegisterDef {
	var defs []RegisterDef
	for _, g := range []RegisterGroup{
		relayCommGroup, relayInfeedGroup, relaySafetyGroup, relayChannelGroup,
		relayControlGroup, relayStatusGroup, relayCountersGroup,
	} {
		defs = append(defs, g.Defs...)
	}
	for i := 0; i < RelayCount; i++ {
		defs = append(defs, RegisterDef{
			Name:     fmt.Sprintf("relay_%d", i+1),
			Table:    RegisterTypeCoil,
			Address:  RegRelayCoilBase + uint16(i),
			Writable: true,
		})
	}
	return defs
}

// 自我測試狀態
const (
	SelfTestIdle uint16 = iota
	SelfTestRunning
	SelfTestPassed
	SelfTestFailed
)
