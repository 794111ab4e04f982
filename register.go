package main

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"sync"
)

// RegisterDef 暫存器定義 (ICD 或 profile 宣告)
type RegisterDef struct {
	Name     string
	Table    RegisterType
	Address  uint16
	DataType DataType
	Scale    float64 // 工程值 = 原始值 * Scale + Offset
	Offset   float64
	Unit     string
	Writable bool
	Min      float64 // 工程值範圍，Min == Max 表示不檢查
	Max      float64
}

// IsBit 是否位於線圈或離散輸入表
func (d RegisterDef) IsBit() bool {
	return d.Table == RegisterTypeCoil || d.Table == RegisterTypeDiscreteInput
}

// Words 佔用的暫存器數量
func (d RegisterDef) Words() int {
	if d.IsBit() {
		return 1
	}
	return d.DataType.RegisterCount()
}

// checkType 位元資料表只允許 uint16
func (d RegisterDef) checkType() error {
	if d.IsBit() && d.DataType != DataTypeUint16 {
		return fmt.Errorf("暫存器 %s 位於 %s，資料類型必須是 uint16: %s", d.Name, d.Table, d.DataType)
	}
	return nil
}

// End 最後一個位址之後的位址
func (d RegisterDef) End() int {
	return int(d.Address) + d.Words()
}

func (d RegisterDef) scale() float64 {
	if d.Scale == 0 {
		return 1
	}
	return d.Scale
}

// Decode 將原始暫存器值轉換為工程值，32 位元高字在前
func (d RegisterDef) Decode(words []uint16) (float64, error) {
	if err := d.checkType(); err != nil {
		return 0, err
	}
	if len(words) < d.Words() {
		return 0, fmt.Errorf("暫存器 %s 資料不足: %d/%d", d.Name, len(words), d.Words())
	}

	var raw float64
	switch d.DataType {
	case DataTypeUint16:
		raw = float64(words[0])
	case DataTypeInt16:
		raw = float64(int16(words[0]))
	case DataTypeUint32:
		raw = float64(uint32(words[0])<<16 | uint32(words[1]))
	case DataTypeInt32:
		raw = float64(int32(uint32(words[0])<<16 | uint32(words[1])))
	case DataTypeFloat32:
		bits := uint32(words[0])<<16 | uint32(words[1])
		return float64(math.Float32frombits(bits)), nil // Float32 不縮放
	}
	return raw*d.scale() + d.Offset, nil
}

// Validate 檢查工程值是否在宣告範圍內
func (d RegisterDef) Validate(value float64) error {
	if d.Min != d.Max && (value < d.Min || value > d.Max) {
		return &ValidationError{
			Field:  d.Name,
			Value:  value,
			Reason: fmt.Sprintf("超出範圍 [%g, %g]", d.Min, d.Max),
		}
	}
	return nil
}

// Encode 將工程值轉換為原始暫存器值，先做範圍檢查
func (d RegisterDef) Encode(value float64) ([]uint16, error) {
	if err := d.checkType(); err != nil {
		return nil, err
	}
	if err := d.Validate(value); err != nil {
		return nil, err
	}

	if d.DataType == DataTypeFloat32 {
		bits := math.Float32bits(float32(value))
		return []uint16{uint16(bits >> 16), uint16(bits)}, nil
	}

	raw := math.Round((value - d.Offset) / d.scale())
	switch d.DataType {
	case DataTypeUint16:
		if raw < 0 || raw > math.MaxUint16 {
			return nil, &ValidationError{Field: d.Name, Value: value, Reason: "超出 uint16 範圍"}
		}
		return []uint16{uint16(raw)}, nil
	case DataTypeInt16:
		if raw < math.MinInt16 || raw > math.MaxInt16 {
			return nil, &ValidationError{Field: d.Name, Value: value, Reason: "超出 int16 範圍"}
		}
		return []uint16{uint16(int16(raw))}, nil
	case DataTypeUint32:
		if raw < 0 || raw > math.MaxUint32 {
			return nil, &ValidationError{Field: d.Name, Value: value, Reason: "超出 uint32 範圍"}
		}
		u32 := uint32(raw)
		return []uint16{uint16(u32 >> 16), uint16(u32)}, nil
	case DataTypeInt32:
		if raw < math.MinInt32 || raw > math.MaxInt32 {
			return nil, &ValidationError{Field: d.Name, Value: value, Reason: "超出 int32 範圍"}
		}
		i32 := int32(raw)
		return []uint16{uint16(uint32(i32) >> 16), uint16(i32)}, nil
	default:
		return nil, fmt.Errorf("未知資料類型: %v", d.DataType)
	}
}

// RegisterGroup 同一資料表中一起讀寫的暫存器
type RegisterGroup struct {
	Name string
	Defs []RegisterDef
}

// Span 讀取整組所需的起始位址與數量
func (g RegisterGroup) Span() (uint16, uint16) {
	if len(g.Defs) == 0 {
		return 0, 0
	}
	lo, hi := int(g.Defs[0].Address), g.Defs[0].End()
	for _, d := range g.Defs[1:] {
		if int(d.Address) < lo {
			lo = int(d.Address)
		}
		if d.End() > hi {
			hi = d.End()
		}
	}
	return uint16(lo), uint16(hi - lo)
}

// Contiguous 位址是否連續無空洞 (可用單一 FC 16 寫入)
func (g RegisterGroup) Contiguous() bool {
	defs := append([]RegisterDef(nil), g.Defs...)
	sort.Slice(defs, func(i, j int) bool { return defs[i].Address < defs[j].Address })
	for i := 1; i < len(defs); i++ {
		if int(defs[i].Address) != defs[i-1].End() {
			return false
		}
	}
	return true
}

// DecodeSpan 由 Span 讀回的資料解出各暫存器工程值
func (g RegisterGroup) DecodeSpan(words []uint16) (map[string]float64, error) {
	start, count := g.Span()
	if len(words) < int(count) {
		return nil, fmt.Errorf("群組 %s 資料不足: %d/%d", g.Name, len(words), count)
	}
	values := make(map[string]float64, len(g.Defs))
	for _, d := range g.Defs {
		off := int(d.Address - start)
		v, err := d.Decode(words[off : off+d.Words()])
		if err != nil {
			return nil, err
		}
		values[d.Name] = v
	}
	return values, nil
}

// EncodeSpan 將工程值編碼成連續暫存器資料，所有欄位都必須提供
func (g RegisterGroup) EncodeSpan(values map[string]float64) ([]uint16, error) {
	if !g.Contiguous() {
		return nil, fmt.Errorf("群組 %s 位址不連續，無法整組寫入", g.Name)
	}
	start, count := g.Span()
	words := make([]uint16, count)
	for _, d := range g.Defs {
		v, ok := values[d.Name]
		if !ok {
			return nil, &ValidationError{Field: d.Name, Value: nil, Reason: "缺少欄位"}
		}
		raw, err := d.Encode(v)
		if err != nil {
			return nil, err
		}
		copy(words[int(d.Address-start):], raw)
	}
	return words, nil
}

// RegisterMap 線程安全的暫存器映射表 (模擬設備的暫存器影像)
type RegisterMap struct {
	mu sync.RWMutex

	coils            []bool
	discreteInputs   []bool
	inputRegisters   []uint16
	holdingRegisters []uint16

	definitions map[RegisterType]map[uint16]RegisterDef
}

// NewRegisterMap 建立新的暫存器映射表
func NewRegisterMap(coilSize, discreteSize, inputSize, holdingSize int) *RegisterMap {
	return &RegisterMap{
		coils:            make([]bool, coilSize),
		discreteInputs:   make([]bool, discreteSize),
		inputRegisters:   make([]uint16, inputSize),
		holdingRegisters: make([]uint16, holdingSize),
		definitions:      make(map[RegisterType]map[uint16]RegisterDef),
	}
}

// Define 登記暫存器定義
func (rm *RegisterMap) Define(defs ...RegisterDef) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	for _, d := range defs {
		if rm.definitions[d.Table] == nil {
			rm.definitions[d.Table] = make(map[uint16]RegisterDef)
		}
		rm.definitions[d.Table][d.Address] = d
	}
}

// Definition 取得暫存器定義
func (rm *RegisterMap) Definition(table RegisterType, address uint16) (RegisterDef, bool) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	d, ok := rm.definitions[table][address]
	return d, ok
}

// Writable 寫入位址範圍是否都允許 (未定義位址視為不允許)
func (rm *RegisterMap) Writable(table RegisterType, address uint16, count int) bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	for a := int(address); a < int(address)+count; {
		d, ok := rm.definitions[table][uint16(a)]
		if !ok || !d.Writable {
			return false
		}
		a += d.Words()
	}
	return true
}

func (rm *RegisterMap) words(table RegisterType) []uint16 {
	if table == RegisterTypeInputRegister {
		return rm.inputRegisters
	}
	return rm.holdingRegisters
}

func (rm *RegisterMap) bits(table RegisterType) []bool {
	if table == RegisterTypeDiscreteInput {
		return rm.discreteInputs
	}
	return rm.coils
}

// ReadRegisters 讀取輸入或保持暫存器
func (rm *RegisterMap) ReadRegisters(table RegisterType, address, quantity uint16) ([]uint16, error) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	src := rm.words(table)
	end := int(address) + int(quantity)
	if end > len(src) {
		return nil, fmt.Errorf("%s 暫存器位址超出範圍: %d-%d", table, address, end-1)
	}

	result := make([]uint16, quantity)
	copy(result, src[address:end])
	return result, nil
}

// WriteRegisters 寫入輸入或保持暫存器
func (rm *RegisterMap) WriteRegisters(table RegisterType, address uint16, values []uint16) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	dst := rm.words(table)
	end := int(address) + len(values)
	if end > len(dst) {
		return fmt.Errorf("%s 暫存器位址超出範圍: %d-%d", table, address, end-1)
	}
	copy(dst[address:end], values)
	return nil
}

// ReadBits 讀取線圈或離散輸入
func (rm *RegisterMap) ReadBits(table RegisterType, address, quantity uint16) ([]bool, error) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	src := rm.bits(table)
	end := int(address) + int(quantity)
	if end > len(src) {
		return nil, fmt.Errorf("%s 位址超出範圍: %d-%d", table, address, end-1)
	}

	result := make([]bool, quantity)
	copy(result, src[address:end])
	return result, nil
}

// WriteBits 寫入線圈或離散輸入
func (rm *RegisterMap) WriteBits(table RegisterType, address uint16, values []bool) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	dst := rm.bits(table)
	end := int(address) + len(values)
	if end > len(dst) {
		return fmt.Errorf("%s 位址超出範圍: %d-%d", table, address, end-1)
	}
	copy(dst[address:end], values)
	return nil
}

// SetValue 以工程值寫入已定義的暫存器 (不檢查 Writable)
func (rm *RegisterMap) SetValue(table RegisterType, address uint16, value float64) error {
	d, ok := rm.Definition(table, address)
	if !ok {
		d = RegisterDef{Name: fmt.Sprintf("%s@%d", table, address), Table: table, Address: address}
	}
	raw, err := d.Encode(value)
	if err != nil {
		return err
	}
	return rm.WriteRegisters(table, address, raw)
}

// Value 以工程值讀取已定義的暫存器
func (rm *RegisterMap) Value(table RegisterType, address uint16) (float64, error) {
	d, ok := rm.Definition(table, address)
	if !ok {
		d = RegisterDef{Name: fmt.Sprintf("%s@%d", table, address), Table: table, Address: address}
	}
	words, err := rm.ReadRegisters(table, address, uint16(d.Words()))
	if err != nil {
		return 0, err
	}
	return d.Decode(words)
}

// RegistersToBytes 將暫存器值轉換為位元組陣列 (Big Endian)
func RegistersToBytes(registers []uint16) []byte {
	bytes := make([]byte, len(registers)*2)
	for i, reg := range registers {
		binary.BigEndian.PutUint16(bytes[i*2:], reg)
	}
	return bytes
}

// BytesToRegisters 將位元組陣列轉換為暫存器值 (Big Endian)
func BytesToRegisters(data []byte) []uint16 {
	registers := make([]uint16, len(data)/2)
	for i := range registers {
		registers[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return registers
}

// CoilsToByte 將線圈值轉換為位元組
func CoilsToByte(coils []bool) []byte {
	byteCount := (len(coils) + 7) / 8
	bytes := make([]byte, byteCount)
	for i, coil := range coils {
		if coil {
			bytes[i/8] |= 1 << (i % 8)
		}
	}
	return bytes
}

// ByteToCoils 將位元組轉換為線圈值
func ByteToCoils(data []byte, count int) []bool {
	coils := make([]bool, count)
	for i := 0; i < count && i/8 < len(data); i++ {
		coils[i] = (data[i/8] & (1 << (i % 8))) != 0
	}
	return coils
}
