package main

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleProfiles = `
profiles:
  - name: acme-pump
    kind: generic
    match:
      vendor: "^acme"
      model: "pump"
    functions: [3, 4, 3, 6]
    registers:
      - name: flow
        table: input
        address: 10
        type: float32
        unit: l/min
      - name: setpoint
        table: holding
        address: 20
        scale: 0.1
        writable: true
        min: 0
        max: 100
  - name: acme-valve
    kind: recoverable
    match:
      product_code: "^valve"
    recovery:
      address: 240
      config_words: 6
      step_timeout: 300ms
      step_retries: 0
      exit_register: 0x200
      exit_value: 1
  - name: site-relay
    kind: arex_relay
    match:
      server_id: 9
`

func TestParseProfiles(t *testing.T) {
	profiles, err := ParseProfiles([]byte(sampleProfiles))
	require.NoError(t, err)
	require.Len(t, profiles, 3)

	pump := profiles[0]
	assert.Equal(t, "acme-pump", pump.Name())
	assert.Equal(t, ProfileGeneric, pump.Kind())
	assert.False(t, pump.SupportsRecovery())
	assert.Equal(t, []uint8{3, 4, 6}, pump.Functions(), "排序並去重")
	assert.True(t, pump.SupportsFunction(6))
	assert.False(t, pump.SupportsFunction(16))

	flow, ok := pump.Register("flow")
	require.True(t, ok)
	assert.Equal(t, RegisterTypeInputRegister, flow.Table)
	assert.Equal(t, DataTypeFloat32, flow.DataType)
	assert.Equal(t, uint16(10), flow.Address)
	_, ok = pump.Register("missing")
	assert.False(t, ok)

	valve := profiles[1]
	assert.True(t, valve.SupportsRecovery())
	assert.True(t, valve.SupportsFunction(16), "未宣告時全部允許")
	assert.Equal(t, RecoveryParams{
		Address:        240,
		ConfigWords:    6,
		StepTimeout:    300 * time.Millisecond,
		StepRetries:    0,
		SessionTimeout: 30 * time.Second,
		ExitRegister:   0x200,
		ExitValue:      1,
	}, valve.Recovery())

	relay := profiles[2]
	assert.True(t, relay.IsArexRelay())
	assert.Equal(t, ArexRelayProfile().Functions(), relay.Functions())
	assert.Len(t, relay.Registers(), len(relayRegisterDefs()))
	assert.True(t, relay.Matches(Signature{ServerID: 9}))
	assert.False(t, relay.Matches(Signature{ServerID: 8, VendorName: "Arex", ProductCode: "RELAY-3"}), "自訂比對取代內建規則")
	assert.Equal(t, defaultRecoveryParams(), relay.Recovery())
}

func TestParseProfiles_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad yaml", "profiles: [name"},
		{"missing name", "profiles:\n  - kind: generic\n"},
		{"unknown kind", "profiles:\n  - name: x\n    kind: pump\n"},
		{"duplicate name", "profiles:\n  - name: x\n  - name: x\n"},
		{"bad regexp", "profiles:\n  - name: x\n    match:\n      vendor: \"(\"\n"},
		{"bad server id", "profiles:\n  - name: x\n    match:\n      server_id: 300\n"},
		{"bad function", "profiles:\n  - name: x\n    functions: [200]\n"},
		{"bad table", "profiles:\n  - name: x\n    registers:\n      - name: r\n        table: drum\n"},
		{"bad type", "profiles:\n  - name: x\n    registers:\n      - name: r\n        table: holding\n        type: int64\n"},
		{"wide coil", "profiles:\n  - name: x\n    registers:\n      - {name: r, table: coil, type: uint32}\n"},
		{"duplicate register", "profiles:\n  - name: x\n    registers:\n      - {name: r, table: holding}\n      - {name: r, table: holding, address: 1}\n"},
		{"register past end", "profiles:\n  - name: x\n    registers:\n      - {name: r, table: holding, address: 65535, type: uint32}\n"},
		{"inverted range", "profiles:\n  - name: x\n    registers:\n      - {name: r, table: holding, min: 5, max: 1}\n"},
		{"relay registers", "profiles:\n  - name: x\n    kind: arex_relay\n    registers:\n      - {name: r, table: holding}\n"},
		{"generic recovery", "profiles:\n  - name: x\n    recovery:\n      step_retries: 1\n"},
		{"recovery address", "profiles:\n  - name: x\n    kind: recoverable\n    recovery:\n      address: 250\n"},
		{"config words", "profiles:\n  - name: x\n    kind: recoverable\n    recovery:\n      config_words: 2\n"},
		{"negative retries", "profiles:\n  - name: x\n    kind: recoverable\n    recovery:\n      step_retries: -1\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseProfiles([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadProfiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleProfiles), 0o644))

	profiles, err := LoadProfiles(path)
	require.NoError(t, err)
	assert.Len(t, profiles, 3)

	_, err = LoadProfiles(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestMatchRule(t *testing.T) {
	id := uint8(4)
	sig := Signature{ServerID: 4, Name: "Pump", VendorName: "Acme", ProductCode: "P-1", ProductName: "Acme Pump", ModelName: "X200"}

	tests := []struct {
		name string
		rule MatchRule
		want bool
	}{
		{"empty never matches", MatchRule{}, false},
		{"server id", MatchRule{ServerID: &id}, true},
		{"vendor and product", MatchRule{Vendor: regexp.MustCompile("(?i)^acme"), ProductCode: regexp.MustCompile("^P-")}, true},
		{"one condition fails", MatchRule{Vendor: regexp.MustCompile("^Acme"), ProductCode: regexp.MustCompile("^V-")}, false},
		{"model falls back to product name", MatchRule{Model: regexp.MustCompile("Pump$")}, true},
		{"model", MatchRule{Model: regexp.MustCompile("^X2")}, true},
		{"name", MatchRule{Name: regexp.MustCompile("^Valve")}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.rule.Matches(sig))
		})
	}
}

func TestProfileCatalog(t *testing.T) {
	custom, err := ParseProfiles([]byte(sampleProfiles))
	require.NoError(t, err)
	catalog := NewProfileCatalog(append([]*Profile{ArexRelayProfile()}, custom...)...)

	tests := []struct {
		name string
		sig  Signature
		want string
	}{
		{"relay", Signature{VendorName: "AREX", ProductCode: "NXES-R3"}, "arex-relay"},
		{"declared generic", Signature{VendorName: "Acme", ModelName: "pump 7"}, "acme-pump"},
		{"declared recoverable", Signature{ProductCode: "valve-2"}, "acme-valve"},
		{"recovery string", Signature{VendorName: "Other", Recovery: &RecoveryIdentity{Version: 1}}, "recoverable"},
		{"unknown", Signature{VendorName: "Other"}, "generic"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, catalog.Select(tt.sig).Name())
		})
	}

	assert.Equal(t, []string{"arex-relay", "acme-pump", "acme-valve", "site-relay", "recoverable", "generic"}, catalog.Names())

	p, ok := catalog.Lookup("recoverable")
	require.True(t, ok)
	assert.Equal(t, defaultRecoveryParams(), p.Recovery())
	_, ok = catalog.Lookup("nope")
	assert.False(t, ok)
}

func TestProfileCatalog_OverrideBuiltins(t *testing.T) {
	profiles, err := ParseProfiles([]byte("profiles:\n  - name: recoverable\n    kind: recoverable\n    recovery:\n      step_retries: 5\n"))
	require.NoError(t, err)

	catalog := NewProfileCatalog(profiles...)
	assert.Equal(t, []string{"recoverable", "generic"}, catalog.Names())
	p := catalog.Select(Signature{Recovery: &RecoveryIdentity{Version: 1}})
	assert.Equal(t, 5, p.Recovery().StepRetries)
}

func TestProfileKind(t *testing.T) {
	tests := []struct {
		in       string
		kind     ProfileKind
		recovery bool
	}{
		{"", ProfileGeneric, false},
		{"Recoverable", ProfileRecoverable, true},
		{"arex-relay", ProfileArexRelay, true},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			kind, err := ParseProfileKind(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, kind)
			assert.Equal(t, tt.recovery, kind.SupportsRecovery())
		})
	}
}

func TestSignature_Equivalent(t *testing.T) {
	a := Signature{VendorName: "Arex", ProductCode: "RELAY-3", ServerID: 1}
	assert.True(t, a.Equivalent(Signature{VendorName: "AREX", ProductCode: "relay-3", ServerID: 2}))
	assert.False(t, a.Equivalent(Signature{VendorName: "Arex", ProductCode: "RELAY-4"}))
	assert.True(t, Signature{ServerID: 3, Name: "x"}.Equivalent(Signature{ServerID: 3, Name: "x"}))
	assert.False(t, Signature{ServerID: 3}.Equivalent(Signature{ServerID: 4}))
}
