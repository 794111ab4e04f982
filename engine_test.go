package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// newTestEngineConfig 模擬匯流排上的 5、17 與一台在恢復模式的設備
func newTestEngineConfig(t *testing.T) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Serial.MinInterFrame = time.Millisecond
	cfg.Bus = BusConfig{Timeout: 30 * time.Millisecond, MaxRetries: 0, DrainMax: 5 * time.Millisecond}
	cfg.Scan.ProbeTimeout = 20 * time.Millisecond
	cfg.Registry.SweepInterval = 0
	cfg.Registry.KnownDevicesFile = filepath.Join(t.TempDir(), "known.json")
	cfg.Relay.DiagnosticInterval = time.Millisecond
	cfg.Simulation = SimulationConfig{
		Enabled: true,
		Seed:    1,
		Devices: []SimDeviceConfig{
			{Address: 5, Scenario: ScenarioNormal},
			{Address: 17, Scenario: ScenarioNormal},
			{Address: RecoveryAddress, Scenario: ScenarioNormal},
		},
	}
	return cfg
}

func startTestEngine(t *testing.T, cfg *Config) *Engine {
	t.Helper()
	e := NewEngine(cfg, WithEngineLogger(zaptest.NewLogger(t)))
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { e.Stop(context.Background()) })
	return e
}

func simDevice(t *testing.T, e *Engine, address uint8) *SimulatedRelay {
	t.Helper()
	for _, n := range e.SimBus().nodes {
		if n.device.Address() == address {
			return n.device
		}
	}
	t.Fatalf("模擬匯流排上沒有位址 %d", address)
	return nil
}

func scanAll(t *testing.T, e *Engine, r ScanRange) []Device {
	t.Helper()
	seq, err := e.Scan(context.Background(), r)
	require.NoError(t, err)
	found, err := collect(t, seq)
	require.NoError(t, err)
	return found
}

func TestEngine_Lifecycle(t *testing.T) {
	cfg := newTestEngineConfig(t)
	e := NewEngine(cfg, WithEngineLogger(zaptest.NewLogger(t)))
	ctx := context.Background()

	assert.Equal(t, EngineStateStopped, e.State())
	_, err := e.Scan(ctx, FullScanRange())
	assert.True(t, errors.Is(err, ErrEngineNotRunning))
	_, err = e.ReadStatus(ctx, 5)
	assert.True(t, errors.Is(err, ErrEngineNotRunning))
	_, ok := e.RelayState(5)
	assert.False(t, ok)

	require.NoError(t, e.Start(ctx))
	assert.Equal(t, EngineStateRunning, e.State())
	assert.Error(t, e.Start(ctx), "重複啟動")
	assert.NotNil(t, e.SimBus())
	assert.Equal(t, DefaultCatalog().Names(), e.Catalog().Names())

	require.NoError(t, e.Stop(ctx))
	require.NoError(t, e.Stop(ctx))
	assert.Equal(t, EngineStateStopped, e.State())
}

func TestEngine_ScanAndKnownDevices(t *testing.T) {
	cfg := newTestEngineConfig(t)
	e := startTestEngine(t, cfg)

	sub := e.Subscribe(16)
	defer e.Unsubscribe(sub)

	found := scanAll(t, e, NewScanRange(1, 20))
	require.Len(t, found, 2)
	assert.Equal(t, uint8(5), found[0].Address)
	assert.Equal(t, uint8(17), found[1].Address)
	for _, d := range found {
		assert.Equal(t, "arex-relay", d.ProfileName)
	}

	ev := <-sub.C
	assert.Equal(t, HealthDiscovered, ev.To)
	assert.Len(t, e.Transitions(0), 2)

	data, err := os.ReadFile(cfg.Registry.KnownDevicesFile)
	require.NoError(t, err)
	var known []KnownDevice
	require.NoError(t, json.Unmarshal(data, &known))
	require.Len(t, known, 2)
	assert.Equal(t, "arex-relay", known[1].Profile)

	stats := e.Stats()
	assert.Equal(t, uint64(1), stats.Scans)
	assert.False(t, stats.LastScan.IsZero())
	assert.Equal(t, 2, stats.Devices)
	assert.Equal(t, 2, stats.ByHealth[HealthDiscovered])
	assert.True(t, stats.Simulated)
	assert.NotZero(t, stats.Bus.Transactions)

	bus := e.SimBus()
	before := bus.Sends(17)
	found = scanAll(t, e, NewScanRange(17, 17))
	require.Len(t, found, 1)
	assert.Greater(t, bus.Sends(17), before)
}

func TestEngine_Discover(t *testing.T) {
	e := startTestEngine(t, newTestEngineConfig(t))
	ctx := context.Background()

	dev, err := e.Discover(ctx, 17)
	require.NoError(t, err)
	assert.Equal(t, "arex-relay", dev.ProfileName)

	got, err := e.GetDevice(17)
	require.NoError(t, err)
	assert.Equal(t, dev.Signature, got.Signature)
	assert.Len(t, e.ListDevices(), 1)

	_, err = e.Discover(ctx, 9)
	assert.True(t, errors.Is(err, ErrDeviceNotFound))

	_, err = e.Discover(ctx, 0)
	var scanErr *ScanError
	assert.True(t, errors.As(err, &scanErr))
}

func TestEngine_RelayOperations(t *testing.T) {
	e := startTestEngine(t, newTestEngineConfig(t))
	ctx := context.Background()
	_, err := e.Discover(ctx, 5)
	require.NoError(t, err)

	require.NoError(t, e.SetRelay(ctx, 5, 0, true))
	require.NoError(t, e.SetEStop(ctx, 5, EStopPulse, 3))
	require.NoError(t, e.Locate(ctx, 5, true))

	status, err := e.ReadStatus(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, StatusEStop, status.Status)
	assert.True(t, status.Relays[0])

	require.NoError(t, e.SetEStop(ctx, 5, EStopReset, 0))
	require.NoError(t, e.Reset(ctx, 5, ResetMeasurements))
	var verr *ValidationError
	assert.True(t, errors.As(e.Reset(ctx, 5, ResetKind("everything")), &verr))

	sample, err := e.SampleInfeedVoltage(ctx, 5)
	require.NoError(t, err)
	assert.InDelta(t, 24.0, sample.Voltage, 0.01)
	require.Len(t, e.InfeedHistory(5), 1)
	assert.Equal(t, sample, e.InfeedHistory(5)[0])
	assert.Nil(t, e.InfeedHistory(17))

	stats, err := e.ReadStatistics(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), stats.Relays[0].Cycles)

	require.NoError(t, e.SetRelays(ctx, 5, [RelayCount]bool{false, true, true}))
	all, err := e.ReadStatus(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, [RelayCount]bool{false, true, true}, all.Relays)

	diag, err := e.RunDiagnostic(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, DiagnosticPassed, diag.Verdict)

	cfg, err := e.ReadConfiguration(ctx, 5)
	require.NoError(t, err)
	cfg.Infeed.HighThreshold = 30
	require.NoError(t, e.WriteConfiguration(ctx, 5, cfg))

	st, ok := e.RelayState(5)
	require.True(t, ok)
	assert.InDelta(t, 30.0, st.Config.Infeed.HighThreshold, 0.01)
	assert.Len(t, st.Infeed, 1)

	require.NoError(t, e.Reset(ctx, 5, ResetDevice))
	epoch, err := simDevice(t, e, 5).Registers().Value(RegisterTypeInputRegister, RegResetEpoch)
	require.NoError(t, err)
	assert.Equal(t, 1.0, epoch)
}

func TestEngine_CapabilityErrors(t *testing.T) {
	e := startTestEngine(t, newTestEngineConfig(t))
	ctx := context.Background()

	_, err := e.ReadStatus(ctx, 99)
	assert.True(t, errors.Is(err, ErrDeviceNotFound))

	generic, _ := e.Catalog().Lookup("generic")
	e.Registry().Upsert(30, generic, Signature{}, Snapshot{})

	var capErr *CapabilityError
	_, err = e.ReadStatus(ctx, 30)
	require.True(t, errors.As(err, &capErr))
	assert.Equal(t, "generic", capErr.Profile)
	assert.True(t, errors.As(e.SetRelay(ctx, 30, 0, true), &capErr))
	assert.Zero(t, e.SimBus().Sends(30))
}

func TestEngine_ExecuteCustom(t *testing.T) {
	e := startTestEngine(t, newTestEngineConfig(t))
	ctx := context.Background()

	resp, err := e.ExecuteCustom(ctx, 5, FuncCodeReadHoldingRegisters, addrQty(RegDeviceAddress, 1))
	require.NoError(t, err)
	assert.Equal(t, []byte{2, 0, 5}, resp.Payload)

	_, err = e.ExecuteCustom(ctx, 5, 0x07, nil)
	code, ok := exceptionCode(err)
	require.True(t, ok)
	assert.Equal(t, uint8(ExceptionCodeIllegalFunction), code)

	tests := []struct {
		name     string
		address  uint8
		function uint8
	}{
		{"address above 247", 250, FuncCodeReadCoils},
		{"function zero", 5, 0},
		{"exception function", 5, 0x83},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.ExecuteCustom(ctx, tt.address, tt.function, nil)
			var verr *ValidationError
			assert.True(t, errors.As(err, &verr))
		})
	}
}

func TestEngine_PollOnceDrivesHealth(t *testing.T) {
	e := startTestEngine(t, newTestEngineConfig(t))
	ctx := context.Background()
	scanAll(t, e, NewScanRange(1, 20))

	n, err := e.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	for _, d := range e.ListDevices() {
		assert.Equal(t, HealthHealthy, d.Health)
	}

	require.NoError(t, e.SimBus().SetScenario(simDevice(t, e, 17), ScenarioSilent))
	for i := 0; i < 5; i++ {
		n, err = e.PollOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}

	d, err := e.GetDevice(17)
	require.NoError(t, err)
	assert.Equal(t, HealthSilent, d.Health)
	targets := e.Registry().PollTargets()
	require.Len(t, targets, 1)
	assert.Equal(t, uint8(5), targets[0].Address)
	assert.Equal(t, 1, e.Stats().ByHealth[HealthSilent])

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = e.PollOnce(canceled)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestEngine_StartRecovery(t *testing.T) {
	cfg := newTestEngineConfig(t)
	e := startTestEngine(t, cfg)
	ctx := context.Background()
	req := RecoveryRequest{Address: 40, BaudRate: RecoveryBaudRate, Parity: RecoveryParity, StopBits: RecoveryStopBits}

	_, err := e.StartRecovery(ctx, "nope", req)
	assert.Error(t, err)

	cfg.Serial.BaudRate = 19200
	_, err = e.StartRecovery(ctx, "", req)
	assert.Error(t, err, "線路設定不是恢復線路")
	cfg.Serial.BaudRate = RecoveryBaudRate

	outcome, err := e.StartRecovery(ctx, "", req)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), outcome.Previous.Address)
	assert.Equal(t, req, outcome.Applied)

	dev, err := e.GetDevice(40)
	require.NoError(t, err, "同一線路時重新探測新位址")
	assert.Equal(t, "arex-relay", dev.ProfileName)
	_, active := e.ActiveRecovery()
	assert.False(t, active)
	assert.Nil(t, e.Stats().Recovery)

	_, err = e.StartRecovery(ctx, "", req)
	var rerr *RecoveryError
	require.True(t, errors.As(err, &rerr), "247 上已沒有設備")
	assert.False(t, rerr.Fatal)
	assert.False(t, e.AcknowledgeRecoveryFailure(RecoveryAddress))
}

func TestEngine_RecoverDevice(t *testing.T) {
	cfg := newTestEngineConfig(t)
	cfg.Simulation.Devices = []SimDeviceConfig{
		{Address: 5, Scenario: ScenarioNormal, Recovery: true},
		{Address: 17, Scenario: ScenarioNormal},
	}
	e := startTestEngine(t, cfg)
	ctx := context.Background()
	req := RecoveryRequest{Address: 40, BaudRate: RecoveryBaudRate, Parity: RecoveryParity, StopBits: RecoveryStopBits}

	_, err := e.RecoverDevice(ctx, 99, req)
	assert.True(t, errors.Is(err, ErrDeviceNotFound))

	generic, _ := e.Catalog().Lookup("generic")
	e.Registry().Upsert(30, generic, Signature{}, Snapshot{})
	var capErr *CapabilityError
	_, err = e.RecoverDevice(ctx, 30, req)
	require.True(t, errors.As(err, &capErr))
	assert.Equal(t, "recovery", capErr.Operation)
	assert.Zero(t, e.SimBus().Sends(RecoveryAddress), "不支援恢復時不上線")

	for _, addr := range []uint8{5, 17} {
		_, err := e.Discover(ctx, addr)
		require.NoError(t, err)
	}
	dev := simDevice(t, e, 5)
	dev.EnterRecovery()

	t.Run("wrong device in recovery", func(t *testing.T) {
		_, err := e.RecoverDevice(ctx, 17, req)
		var rerr *RecoveryError
		require.True(t, errors.As(err, &rerr))
		assert.False(t, rerr.Fatal)
		_, quarantined := e.Registry().Quarantined(RecoveryAddress)
		assert.False(t, quarantined)
		assert.True(t, dev.InRecovery(), "寫入前中止")
	})

	t.Run("registered device", func(t *testing.T) {
		outcome, err := e.RecoverDevice(ctx, 5, req)
		require.NoError(t, err)
		assert.Equal(t, uint8(5), outcome.Previous.Address)

		_, err = e.GetDevice(5)
		assert.True(t, errors.Is(err, ErrDeviceNotFound))
		moved, err := e.GetDevice(40)
		require.NoError(t, err)
		assert.Equal(t, "arex-relay", moved.ProfileName)
	})
}
