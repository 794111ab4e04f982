package main

// Modbus 協議常數
const (
	// Modbus 功能碼
	FuncCodeReadCoils              = 0x01
	FuncCodeReadDiscreteInputs     = 0x02
	FuncCodeReadHoldingRegisters   = 0x03
	FuncCodeReadInputRegisters     = 0x04
	FuncCodeWriteSingleCoil        = 0x05
	FuncCodeWriteSingleRegister    = 0x06
	FuncCodeWriteMultipleCoils     = 0x0F
	FuncCodeWriteMultipleRegisters = 0x10
	FuncCodeReportServerID         = 0x11
	FuncCodeEncapsulatedInterface  = 0x2B

	// 異常回應旗標
	ExceptionFlag = 0x80

	// Modbus 異常碼
	ExceptionCodeIllegalFunction         = 0x01
	ExceptionCodeIllegalDataAddress      = 0x02
	ExceptionCodeIllegalDataValue        = 0x03
	ExceptionCodeSlaveDeviceFailure      = 0x04
	ExceptionCodeAcknowledge             = 0x05
	ExceptionCodeSlaveDeviceBusy         = 0x06
	ExceptionCodeMemoryParityError       = 0x08
	ExceptionCodeGatewayPathUnavailable  = 0x0A
	ExceptionCodeGatewayTargetNoResponse = 0x0B

	// RTU ADU 限制
	RTUMaxADULength     = 256
	RTUMinADULength     = 4
	RTUExceptionLength  = 5
	RTUMaxPayloadLength = RTUMaxADULength - 4

	// 位址
	BroadcastAddress = 0
	MinDeviceAddress = 1
	MaxDeviceAddress = 247
	MaxNormalAddress = 246
	RecoveryAddress  = 247
	RecoveryBaudRate = 9600
	RecoveryParity   = "N"
	RecoveryStopBits = 1

	// 暫存器限制
	MaxCoilsPerRead      = 2000
	MaxRegistersPerRead  = 125
	MaxCoilsPerWrite     = 1968
	MaxRegistersPerWrite = 123

	// MEI (FC 0x2B) 讀取裝置識別
	MEITypeDeviceID      = 0x0E
	DeviceIDReadBasic    = 0x01
	DeviceIDReadRegular  = 0x02
	DeviceIDReadExtended = 0x03
	DeviceIDReadSpecific = 0x04

	// 標準物件
	ObjectVendorName          = 0x00
	ObjectProductCode         = 0x01
	ObjectRevision            = 0x02
	ObjectVendorURL           = 0x03
	ObjectProductName         = 0x04
	ObjectModelName           = 0x05
	ObjectUserApplicationName = 0x06

	// 廠商私有物件
	ObjectRecoveryString = 0x80
	ObjectRelayCount     = 0x81
)

// RegisterType 暫存器類型
type RegisterType int

const (
	RegisterTypeCoil RegisterType = iota
	RegisterTypeDiscreteInput
	RegisterTypeInputRegister
	RegisterTypeHoldingRegister
)

func (rt RegisterType) String() string {
	switch rt {
	case RegisterTypeCoil:
		return "coil"
	case RegisterTypeDiscreteInput:
		return "discrete"
	case RegisterTypeInputRegister:
		return "input"
	case RegisterTypeHoldingRegister:
		return "holding"
	default:
		return "unknown"
	}
}

// ParseRegisterType 解析暫存器類型
func ParseRegisterType(s string) (RegisterType, bool) {
	switch s {
	case "coil", "coils":
		return RegisterTypeCoil, true
	case "discrete", "discrete_input":
		return RegisterTypeDiscreteInput, true
	case "input", "input_register":
		return RegisterTypeInputRegister, true
	case "holding", "holding_register":
		return RegisterTypeHoldingRegister, true
	default:
		return 0, false
	}
}

// ReadFunction 回傳讀取此類暫存器的功能碼
func (rt RegisterType) ReadFunction() uint8 {
	switch rt {
	case RegisterTypeCoil:
		return FuncCodeReadCoils
	case RegisterTypeDiscreteInput:
		return FuncCodeReadDiscreteInputs
	case RegisterTypeInputRegister:
		return FuncCodeReadInputRegisters
	default:
		return FuncCodeReadHoldingRegisters
	}
}

// DataType 資料類型 (用於暫存器映射)
type DataType int

const (
	DataTypeUint16 DataType = iota
	DataTypeInt16
	DataTypeUint32
	DataTypeInt32
	DataTypeFloat32
)

func (dt DataType) String() string {
	switch dt {
	case DataTypeUint16:
		return "uint16"
	case DataTypeInt16:
		return "int16"
	case DataTypeUint32:
		return "uint32"
	case DataTypeInt32:
		return "int32"
	case DataTypeFloat32:
		return "float32"
	default:
		return "unknown"
	}
}

// ParseDataType 解析資料類型
func ParseDataType(s string) (DataType, bool) {
	switch s {
	case "uint16", "":
		return DataTypeUint16, true
	case "int16":
		return DataTypeInt16, true
	case "uint32":
		return DataTypeUint32, true
	case "int32":
		return DataTypeInt32, true
	case "float32":
		return DataTypeFloat32, true
	default:
		return 0, false
	}
}

// RegisterCount 返回該資料類型佔用的暫存器數量
func (dt DataType) RegisterCount() int {
	switch dt {
	case DataTypeUint32, DataTypeInt32, DataTypeFloat32:
		return 2
	default:
		return 1
	}
}

// exceptionText 異常碼說明
func exceptionText(code uint8) string {
	switch code {
	case ExceptionCodeIllegalFunction:
		return "非法功能碼"
	case ExceptionCodeIllegalDataAddress:
		return "非法資料位址"
	case ExceptionCodeIllegalDataValue:
		return "非法資料值"
	case ExceptionCodeSlaveDeviceFailure:
		return "從站設備故障"
	case ExceptionCodeAcknowledge:
		return "確認"
	case ExceptionCodeSlaveDeviceBusy:
		return "從站設備忙碌"
	case ExceptionCodeMemoryParityError:
		return "記憶體同位錯誤"
	case ExceptionCodeGatewayPathUnavailable:
		return "閘道路徑不可用"
	case ExceptionCodeGatewayTargetNoResponse:
		return "閘道目標無回應"
	default:
		return "未知錯誤"
	}
}
