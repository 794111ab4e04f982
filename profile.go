package main

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
)

// ProfileKind 設備類型 (封閉集合)
type ProfileKind int

const (
	ProfileGeneric ProfileKind = iota
	ProfileRecoverable
	ProfileArexRelay
)

func (k ProfileKind) String() string {
	switch k {
	case ProfileGeneric:
		return "generic"
	case ProfileRecoverable:
		return "recoverable"
	case ProfileArexRelay:
		return "arex_relay"
	default:
		return "unknown"
	}
}

// ParseProfileKind 解析設備類型
func ParseProfileKind(s string) (ProfileKind, error) {
	switch strings.ToLower(s) {
	case "generic", "":
		return ProfileGeneric, nil
	case "recoverable":
		return ProfileRecoverable, nil
	case "arex_relay", "arex-relay":
		return ProfileArexRelay, nil
	default:
		return 0, fmt.Errorf("未知的 profile 類型: %s", s)
	}
}

// SupportsRecovery 是否支援恢復模式
func (k ProfileKind) SupportsRecovery() bool {
	switch k {
	case ProfileGeneric:
		return false
	case ProfileRecoverable, ProfileArexRelay:
		return true
	default:
		return false
	}
}

// IsArexRelay 是否為 ARex 繼電器
func (k ProfileKind) IsArexRelay() bool {
	switch k {
	case ProfileArexRelay:
		return true
	case ProfileGeneric, ProfileRecoverable:
		return false
	default:
		return false
	}
}

// Signature 探測時讀到的設備識別資訊
type Signature struct {
	ServerID    uint8             `json:"server_id"`
	Running     bool              `json:"running"`
	Name        string            `json:"name,omitempty"`
	VendorName  string            `json:"vendor_name,omitempty"`
	ProductCode string            `json:"product_code,omitempty"`
	Revision    string            `json:"revision,omitempty"`
	ProductName string            `json:"product_name,omitempty"`
	ModelName   string            `json:"model_name,omitempty"`
	RelayCount  int               `json:"relay_count,omitempty"`
	Objects     map[uint8]string  `json:"-"`
	Recovery    *RecoveryIdentity `json:"recovery,omitempty"`
}

// RecoveryIdentity 恢復模式識別字串內容
type RecoveryIdentity struct {
	Version       int    `json:"version"`
	ConfigAddress uint16 `json:"config_address"`
}

var recoveryPattern = regexp.MustCompile(`(?i)^\s*recovery\s*;\s*(\d+)\s*;\s*0x([0-9a-f]{1,4})\s*$`)

// ParseRecoveryString 解析 "ReCoVeRy;<版本>;0x<設定位址>"
func ParseRecoveryString(s string) (RecoveryIdentity, bool) {
	m := recoveryPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return RecoveryIdentity{}, false
	}
	version, err := strconv.Atoi(m[1])
	if err != nil {
		return RecoveryIdentity{}, false
	}
	addr, err := strconv.ParseUint(m[2], 16, 16)
	if err != nil {
		return RecoveryIdentity{}, false
	}
	return RecoveryIdentity{Version: version, ConfigAddress: uint16(addr)}, true
}

// Equivalent 比較兩份識別資訊是否指向同一型號
func (s Signature) Equivalent(other Signature) bool {
	if s.VendorName != "" || other.VendorName != "" {
		return strings.EqualFold(s.VendorName, other.VendorName) &&
			strings.EqualFold(s.ProductCode, other.ProductCode)
	}
	return s.ServerID == other.ServerID && s.Name == other.Name
}

// MatchRule profile 比對規則，空欄位不參與比對
type MatchRule struct {
	ServerID    *uint8
	Name        *regexp.Regexp
	Vendor      *regexp.Regexp
	ProductCode *regexp.Regexp
	Model       *regexp.Regexp
}

// Empty 沒有任何條件
func (r MatchRule) Empty() bool {
	return r.ServerID == nil && r.Name == nil && r.Vendor == nil && r.ProductCode == nil && r.Model == nil
}

// Matches 所有已設定的條件都成立
func (r MatchRule) Matches(sig Signature) bool {
	if r.Empty() {
		return false
	}
	if r.ServerID != nil && *r.ServerID != sig.ServerID {
		return false
	}
	if r.Name != nil && !r.Name.MatchString(sig.Name) {
		return false
	}
	if r.Vendor != nil && !r.Vendor.MatchString(sig.VendorName) {
		return false
	}
	if r.ProductCode != nil && !r.ProductCode.MatchString(sig.ProductCode) {
		return false
	}
	if r.Model != nil && !r.Model.MatchString(sig.ModelName) && !r.Model.MatchString(sig.ProductName) {
		return false
	}
	return true
}

// RecoveryParams 恢復流程參數
type RecoveryParams struct {
	Address        uint8
	ConfigWords    int
	StepTimeout    time.Duration
	StepRetries    int
	SessionTimeout time.Duration
	ExitRegister   uint16
	ExitValue      uint16
}

// Profile 不可變的設備描述
type Profile struct {
	name      string
	kind      ProfileKind
	functions []uint8
	registers []RegisterDef
	match     MatchRule
	recovery  RecoveryParams
}

// Name profile 名稱
func (p *Profile) Name() string { return p.name }

// Kind 設備類型
func (p *Profile) Kind() ProfileKind { return p.kind }

// SupportsRecovery 是否支援恢復模式
func (p *Profile) SupportsRecovery() bool { return p.kind.SupportsRecovery() }

// IsArexRelay 是否為 ARex 繼電器
func (p *Profile) IsArexRelay() bool { return p.kind.IsArexRelay() }

// Recovery 恢復流程參數
func (p *Profile) Recovery() RecoveryParams { return p.recovery }

// Functions 支援的功能碼
func (p *Profile) Functions() []uint8 { return slices.Clone(p.functions) }

// SupportsFunction 是否宣告支援此功能碼，未宣告時全部允許
func (p *Profile) SupportsFunction(fc uint8) bool {
	if len(p.functions) == 0 {
		return true
	}
	_, ok := slices.BinarySearch(p.functions, fc)
	return ok
}

// Registers 暫存器表
func (p *Profile) Registers() []RegisterDef { return slices.Clone(p.registers) }

// Register 依名稱查詢暫存器
func (p *Profile) Register(name string) (RegisterDef, bool) {
	for _, d := range p.registers {
		if d.Name == name {
			return d, true
		}
	}
	return RegisterDef{}, false
}

// Matches 是否符合識別資訊
func (p *Profile) Matches(sig Signature) bool { return p.match.Matches(sig) }

// ProfileCatalog 已宣告的 profile 集合，依宣告順序比對
type ProfileCatalog struct {
	profiles    []*Profile
	generic     *Profile
	recoverable *Profile
}

// NewProfileCatalog 建立 profile 集合
func NewProfileCatalog(profiles ...*Profile) *ProfileCatalog {
	c := &ProfileCatalog{
		generic: &Profile{name: "generic", kind: ProfileGeneric},
		recoverable: &Profile{
			name:     "recoverable",
			kind:     ProfileRecoverable,
			recovery: defaultRecoveryParams(),
		},
	}
	for _, p := range profiles {
		switch {
		case p.name == "generic" && p.kind == ProfileGeneric:
			c.generic = p
		case p.name == "recoverable" && p.kind == ProfileRecoverable:
			c.recoverable = p
		default:
			c.profiles = append(c.profiles, p)
		}
	}
	return c
}

// DefaultCatalog 內建 profile
func DefaultCatalog() *ProfileCatalog {
	return NewProfileCatalog(ArexRelayProfile())
}

// Select 依識別資訊選擇 profile
//
// 沒有符合者時，帶恢復識別的設備視為 recoverable，其餘為 generic。
func (c *ProfileCatalog) Select(sig Signature) *Profile {
	for _, p := range c.profiles {
		if p.Matches(sig) {
			return p
		}
	}
	if sig.Recovery != nil {
		return c.recoverable
	}
	return c.generic
}

// Lookup 依名稱查詢
func (c *ProfileCatalog) Lookup(name string) (*Profile, bool) {
	switch name {
	case c.generic.name:
		return c.generic, true
	case c.recoverable.name:
		return c.recoverable, true
	}
	for _, p := range c.profiles {
		if p.name == name {
			return p, true
		}
	}
	return nil, false
}

// Names 所有 profile 名稱
func (c *ProfileCatalog) Names() []string {
	names := make([]string, 0, len(c.profiles)+2)
	for _, p := range c.profiles {
		names = append(names, p.name)
	}
	return append(names, c.recoverable.name, c.generic.name)
}

func defaultRecoveryParams() RecoveryParams {
	return RecoveryParams{
		Address:        RecoveryAddress,
		ConfigWords:    4,
		StepTimeout:    200 * time.Millisecond,
		StepRetries:    2,
		SessionTimeout: 30 * time.Second,
		ExitRegister:   RegExitRecoveryMode,
		ExitValue:      ControlUnlock,
	}
}

// ArexRelayProfile 內建 ARex 繼電器 profile
func ArexRelayProfile() *Profile {
	fcs := []uint8{
		FuncCodeReadCoils, FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters,
		FuncCodeWriteSingleCoil, FuncCodeWriteSingleRegister, FuncCodeWriteMultipleCoils,
		FuncCodeWriteMultipleRegisters, FuncCodeReportServerID, FuncCodeEncapsulatedInterface,
	}
	return &Profile{
		name:      "arex-relay",
		kind:      ProfileArexRelay,
		functions: fcs,
		registers: relayRegisterDefs(),
		match: MatchRule{
			Vendor:      regexp.MustCompile(`(?i)^arex`),
			ProductCode: regexp.MustCompile(`(?i)^(nxes|relay)`),
		},
		recovery: defaultRecoveryParams(),
	}
}
