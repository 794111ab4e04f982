package main

import (
	"fmt"
	"os"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ProfileFile profile 宣告檔
type ProfileFile struct {
	Profiles []ProfileDecl `yaml:"profiles"`
}

// ProfileDecl 單一 profile 宣告
type ProfileDecl struct {
	Name      string         `yaml:"name"`
	Kind      string         `yaml:"kind"`
	Match     MatchDecl      `yaml:"match"`
	Functions []int          `yaml:"functions"`
	Registers []RegisterDecl `yaml:"registers"`
	Recovery  *RecoveryDecl  `yaml:"recovery"`
}

// MatchDecl 比對規則宣告 (正規表示式，不分大小寫)
type MatchDecl struct {
	ServerID    *int   `yaml:"server_id"`
	Name        string `yaml:"name"`
	Vendor      string `yaml:"vendor"`
	ProductCode string `yaml:"product_code"`
	Model       string `yaml:"model"`
}

// RegisterDecl 暫存器宣告
type RegisterDecl struct {
	Name     string  `yaml:"name"`
	Table    string  `yaml:"table"`
	Address  int     `yaml:"address"`
	Type     string  `yaml:"type"`
	Scale    float64 `yaml:"scale"`
	Offset   float64 `yaml:"offset"`
	Unit     string  `yaml:"unit"`
	Writable bool    `yaml:"writable"`
	Min      float64 `yaml:"min"`
	Max      float64 `yaml:"max"`
}

// RecoveryDecl 恢復參數宣告
type RecoveryDecl struct {
	Address        int           `yaml:"address"`
	ConfigWords    int           `yaml:"config_words"`
	StepTimeout    time.Duration `yaml:"step_timeout"`
	StepRetries    *int          `yaml:"step_retries"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
	ExitRegister   *int          `yaml:"exit_register"`
	ExitValue      *int          `yaml:"exit_value"`
}

// LoadProfiles 讀取 profile 宣告檔
func LoadProfiles(path string) ([]*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("讀取 profile 檔失敗: %w", err)
	}
	return ParseProfiles(data)
}

// ParseProfiles 解析 YAML profile 宣告
func ParseProfiles(data []byte) ([]*Profile, error) {
	var file ProfileFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("解析 profile 檔失敗: %w", err)
	}

	seen := make(map[string]bool)
	profiles := make([]*Profile, 0, len(file.Profiles))
	for i, decl := range file.Profiles {
		p, err := decl.Build()
		if err != nil {
			return nil, fmt.Errorf("profile #%d (%s): %w", i, decl.Name, err)
		}
		if seen[p.name] {
			return nil, fmt.Errorf("profile 名稱重複: %s", p.name)
		}
		seen[p.name] = true
		profiles = append(profiles, p)
	}
	return profiles, nil
}

// Build 驗證宣告並建立不可變 profile
func (d ProfileDecl) Build() (*Profile, error) {
	if d.Name == "" {
		return nil, fmt.Errorf("缺少名稱")
	}
	kind, err := ParseProfileKind(d.Kind)
	if err != nil {
		return nil, err
	}

	p := &Profile{name: d.Name, kind: kind}

	if p.match, err = d.Match.build(); err != nil {
		return nil, err
	}

	for _, fc := range d.Functions {
		if fc < 1 || fc > 127 {
			return nil, fmt.Errorf("無效的功能碼: %d", fc)
		}
		p.functions = append(p.functions, uint8(fc))
	}
	slices.Sort(p.functions)
	p.functions = slices.Compact(p.functions)

	switch kind {
	case ProfileArexRelay:
		// 繼電器驅動依賴內建 ICD，宣告只能調整比對規則與恢復參數
		if len(d.Registers) > 0 {
			return nil, fmt.Errorf("arex_relay profile 使用內建暫存器表，不可自訂 registers")
		}
		base := ArexRelayProfile()
		p.registers = base.registers
		if len(p.functions) == 0 {
			p.functions = base.functions
		}
		if p.match.Empty() {
			p.match = base.match
		}
	case ProfileGeneric, ProfileRecoverable:
		if p.registers, err = buildRegisters(d.Registers); err != nil {
			return nil, err
		}
	}

	if kind.SupportsRecovery() {
		p.recovery = defaultRecoveryParams()
		if d.Recovery != nil {
			if err := d.Recovery.apply(&p.recovery); err != nil {
				return nil, err
			}
		}
	} else if d.Recovery != nil {
		return nil, fmt.Errorf("%s profile 不支援 recovery 設定", kind)
	}

	return p, nil
}

func (m MatchDecl) build() (MatchRule, error) {
	var rule MatchRule
	if m.ServerID != nil {
		if *m.ServerID < 0 || *m.ServerID > 255 {
			return rule, fmt.Errorf("無效的 server_id: %d", *m.ServerID)
		}
		id := uint8(*m.ServerID)
		rule.ServerID = &id
	}

	compile := func(field, expr string) (*regexp.Regexp, error) {
		if expr == "" {
			return nil, nil
		}
		re, err := regexp.Compile("(?i)" + expr)
		if err != nil {
			return nil, fmt.Errorf("match.%s 正規表示式錯誤: %w", field, err)
		}
		return re, nil
	}

	var err error
	if rule.Name, err = compile("name", m.Name); err != nil {
		return rule, err
	}
	if rule.Vendor, err = compile("vendor", m.Vendor); err != nil {
		return rule, err
	}
	if rule.ProductCode, err = compile("product_code", m.ProductCode); err != nil {
		return rule, err
	}
	if rule.Model, err = compile("model", m.Model); err != nil {
		return rule, err
	}
	return rule, nil
}

func buildRegisters(decls []RegisterDecl) ([]RegisterDef, error) {
	defs := make([]RegisterDef, 0, len(decls))
	names := make(map[string]bool)
	for _, r := range decls {
		if r.Name == "" {
			return nil, fmt.Errorf("暫存器缺少名稱 (位址 %d)", r.Address)
		}
		if names[r.Name] {
			return nil, fmt.Errorf("暫存器名稱重複: %s", r.Name)
		}
		names[r.Name] = true

		table, ok := ParseRegisterType(r.Table)
		if !ok {
			return nil, fmt.Errorf("暫存器 %s 的資料表無效: %q", r.Name, r.Table)
		}
		dt, ok := ParseDataType(r.Type)
		if !ok {
			return nil, fmt.Errorf("暫存器 %s 的資料類型無效: %q", r.Name, r.Type)
		}
		def := RegisterDef{
			Name:     r.Name,
			Table:    table,
			Address:  uint16(r.Address),
			DataType: dt,
			Scale:    r.Scale,
			Offset:   r.Offset,
			Unit:     r.Unit,
			Writable: r.Writable,
			Min:      r.Min,
			Max:      r.Max,
		}
		if err := def.checkType(); err != nil {
			return nil, err
		}
		if r.Address < 0 || def.End() > 0x10000 {
			return nil, fmt.Errorf("暫存器 %s 位址超出範圍: %d", r.Name, r.Address)
		}
		if r.Min > r.Max {
			return nil, fmt.Errorf("暫存器 %s 範圍無效: min %g > max %g", r.Name, r.Min, r.Max)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func (r RecoveryDecl) apply(p *RecoveryParams) error {
	if r.Address != 0 {
		if r.Address < MinDeviceAddress || r.Address > MaxDeviceAddress {
			return fmt.Errorf("無效的恢復位址: %d", r.Address)
		}
		p.Address = uint8(r.Address)
	}
	if r.ConfigWords != 0 {
		if r.ConfigWords < 4 || r.ConfigWords > MaxRegistersPerRead {
			return fmt.Errorf("無效的設定暫存器數量: %d", r.ConfigWords)
		}
		p.ConfigWords = r.ConfigWords
	}
	if r.StepTimeout > 0 {
		p.StepTimeout = r.StepTimeout
	}
	if r.StepRetries != nil {
		if *r.StepRetries < 0 {
			return fmt.Errorf("無效的重試次數: %d", *r.StepRetries)
		}
		p.StepRetries = *r.StepRetries
	}
	if r.SessionTimeout > 0 {
		p.SessionTimeout = r.SessionTimeout
	}
	if r.ExitRegister != nil {
		if *r.ExitRegister < 0 || *r.ExitRegister > 0xFFFF {
			return fmt.Errorf("無效的 exit_register: %d", *r.ExitRegister)
		}
		p.ExitRegister = uint16(*r.ExitRegister)
	}
	if r.ExitValue != nil {
		if *r.ExitValue < 0 || *r.ExitValue > 0xFFFF {
			return fmt.Errorf("無效的 exit_value: %d", *r.ExitValue)
		}
		p.ExitValue = uint16(*r.ExitValue)
	}
	return nil
}
