package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var testRelayPolicy = RelayPolicy{DiagnosticPolls: 10, DiagnosticInterval: time.Millisecond, InfeedHistory: 3}

func newTestRelay(t *testing.T, dev *SimulatedRelay) (*SimBus, *Registry, *RelayDriver) {
	t.Helper()
	registry := newTestRegistry(t, RegistryPolicy{})
	bus, sched := newTestBus(t, []SchedulerOption{WithObserver(registry), WithGate(registry)})
	require.NoError(t, bus.Attach(dev, ScenarioNormal))
	registry.Upsert(dev.Address(), ArexRelayProfile(), Signature{}, Snapshot{})
	return bus, registry, NewRelayDriver(sched, registry, testRelayPolicy, zaptest.NewLogger(t))
}

func TestRelay_ReadConfigurationDefaults(t *testing.T) {
	_, _, driver := newTestRelay(t, NewSimulatedRelay(5))

	cfg, err := driver.ReadConfiguration(context.Background(), 5)
	require.NoError(t, err)

	assert.Equal(t, CommSettings{Address: 5, BaudRate: 9600, Parity: "N", StopBits: 1}, cfg.Comm)
	assert.Equal(t, InfeedDC, cfg.Infeed.Type)
	assert.InDelta(t, 20.0, cfg.Infeed.LowThreshold, 0.01)
	assert.InDelta(t, 28.0, cfg.Infeed.HighThreshold, 0.01)
	for _, r := range cfg.Relays {
		assert.Equal(t, RelayChannelConfig{}, r)
	}

	st, ok := driver.State(5)
	require.True(t, ok)
	assert.Equal(t, &cfg, st.Config)
}

func TestRelay_WriteConfiguration(t *testing.T) {
	dev := NewSimulatedRelay(5)
	bus, _, driver := newTestRelay(t, dev)
	ctx := context.Background()

	cfg, err := driver.ReadConfiguration(ctx, 5)
	require.NoError(t, err)

	cfg.Infeed = InfeedConfig{Type: InfeedAC, LowThreshold: 21.5, HighThreshold: 27.5}
	cfg.Safety = SafetyConfig{EStopOnCommLost: true, CommLostRelayMask: 0x5}
	cfg.Relays[0] = RelayChannelConfig{MinOn: 5 * time.Second, MinOff: 10 * time.Second}
	cfg.Relays[2] = RelayChannelConfig{Disabled: true}
	cfg.Comm.BaudRate = 19200

	require.NoError(t, driver.WriteConfiguration(ctx, 5, cfg))

	raw, err := dev.Registers().ReadRegisters(RegisterTypeHoldingRegister, RegRelayConfigBase, RelayCount)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x050A, 0x0000, 0xFFFF}, raw)

	writes := 0
	var lastStart uint16
	for _, f := range bus.Requests() {
		if f.Function == FuncCodeWriteMultipleRegisters {
			writes++
			lastStart = uint16(f.Payload[0])<<8 | uint16(f.Payload[1])
		}
	}
	assert.Equal(t, 4, writes)
	assert.Equal(t, RegDeviceAddress, lastStart, "通訊設定最後寫入")

	back, err := driver.ReadConfiguration(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, cfg.Comm, back.Comm)
	assert.Equal(t, cfg.Safety, back.Safety)
	assert.Equal(t, cfg.Relays, back.Relays)
	assert.Equal(t, InfeedAC, back.Infeed.Type)
	assert.InDelta(t, 21.5, back.Infeed.LowThreshold, 0.01)
	assert.InDelta(t, 27.5, back.Infeed.HighThreshold, 0.01)
}

func TestRelay_InvalidConfigurationSendsNothing(t *testing.T) {
	bus, _, driver := newTestRelay(t, NewSimulatedRelay(5))

	cfg := RelayConfig{
		Comm:   CommSettings{Address: 250, BaudRate: 1200, Parity: "N", StopBits: 1},
		Infeed: InfeedConfig{Type: InfeedDC, LowThreshold: 30, HighThreshold: 20},
	}
	cfg.Relays[1] = RelayChannelConfig{MinOn: 1500 * time.Millisecond}

	err := driver.WriteConfiguration(context.Background(), 5, cfg)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, err.Error(), "comm.address")
	assert.Contains(t, err.Error(), "comm.baud_rate")
	assert.Contains(t, err.Error(), "relays[1].min_on")
	assert.Empty(t, bus.Requests())
}

func TestRelay_RunDiagnostic(t *testing.T) {
	tests := []struct {
		name    string
		opts    []SimOption
		verdict DiagnosticVerdict
		code    uint16
		polls   int
	}{
		{"passes after polling", nil, DiagnosticPassed, 0, 3},
		{"fails with code", []SimOption{WithSelfTest(0, 0x42)}, DiagnosticFailed, 0x42, 1},
		{"never finishes", []SimOption{WithSelfTest(-1, 0)}, DiagnosticInconclusive, 0, testRelayPolicy.DiagnosticPolls},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, driver := newTestRelay(t, NewSimulatedRelay(5, tt.opts...))

			result, err := driver.RunDiagnostic(context.Background(), 5)
			require.NoError(t, err)
			assert.Equal(t, tt.verdict, result.Verdict)
			assert.Equal(t, tt.code, result.Code)
			assert.Equal(t, tt.polls, result.Polls)

			st, ok := driver.State(5)
			require.True(t, ok)
			require.NotNil(t, st.LastDiagnostic)
			assert.Equal(t, tt.verdict, st.LastDiagnostic.Verdict)
		})
	}
}

func TestRelay_RunDiagnosticCanceled(t *testing.T) {
	_, _, driver := newTestRelay(t, NewSimulatedRelay(5, WithSelfTest(-1, 0)))
	driver.policy.DiagnosticInterval = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := driver.RunDiagnostic(ctx, 5)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestRelay_Statistics(t *testing.T) {
	dev := NewSimulatedRelay(5)
	_, _, driver := newTestRelay(t, dev)
	ctx := context.Background()

	first, err := driver.ReadStatistics(ctx, 5)
	require.NoError(t, err)
	assert.False(t, first.Discontinuity)
	assert.Equal(t, uint32(1440), first.RunningMinutes)
	assert.Equal(t, uint64(1440), first.Totals.RunningMinutes)

	require.NoError(t, driver.SetRelay(ctx, 5, 0, true))
	require.NoError(t, driver.SetRelay(ctx, 5, 0, false))
	dev.Tick(10)

	second, err := driver.ReadStatistics(ctx, 5)
	require.NoError(t, err)
	assert.False(t, second.Discontinuity)
	assert.Equal(t, uint32(2), second.Relays[0].Cycles)
	assert.Equal(t, uint64(1450), second.Totals.RunningMinutes)
	assert.Equal(t, uint64(2), second.Totals.Cycles[0])

	dev.Reboot()
	dev.Tick(5)

	third, err := driver.ReadStatistics(ctx, 5)
	require.NoError(t, err)
	assert.True(t, third.Discontinuity)
	assert.Equal(t, uint16(1), third.Epoch)
	assert.Equal(t, uint32(5), third.RunningMinutes)
	assert.Equal(t, uint64(1455), third.Totals.RunningMinutes, "重置後累計值延續")
	assert.Equal(t, uint64(2), third.Totals.Cycles[0])
}

func TestAccumulate(t *testing.T) {
	prev := &RelayStatistics{RunningMinutes: 100, Epoch: 3}
	prev.Relays[1].Cycles = 50
	prev.Totals = RelayTotals{RunningMinutes: 1000}
	prev.Totals.Cycles[1] = 500

	tests := []struct {
		name        string
		cur         RelayStatistics
		wantReset   bool
		wantMinutes uint64
		wantCycles  uint64
	}{
		{"monotonic", RelayStatistics{RunningMinutes: 110, Epoch: 3, Relays: [RelayCount]RelayCounter{{}, {Cycles: 55}, {}}}, false, 1010, 505},
		{"epoch changed", RelayStatistics{RunningMinutes: 200, Epoch: 4, Relays: [RelayCount]RelayCounter{{}, {Cycles: 60}, {}}}, true, 1200, 560},
		{"counter went backwards", RelayStatistics{RunningMinutes: 120, Epoch: 3, Relays: [RelayCount]RelayCounter{{}, {Cycles: 2}, {}}}, true, 1120, 502},
		{"minutes went backwards", RelayStatistics{RunningMinutes: 7, Epoch: 3, Relays: [RelayCount]RelayCounter{{}, {Cycles: 50}, {}}}, true, 1007, 550},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reset, totals := accumulate(prev, tt.cur)
			assert.Equal(t, tt.wantReset, reset)
			assert.Equal(t, tt.wantMinutes, totals.RunningMinutes)
			assert.Equal(t, tt.wantCycles, totals.Cycles[1])
		})
	}

	reset, totals := accumulate(nil, RelayStatistics{RunningMinutes: 9})
	assert.False(t, reset)
	assert.Equal(t, uint64(9), totals.RunningMinutes)
}

func TestRelay_SampleInfeedVoltage(t *testing.T) {
	_, registry, driver := newTestRelay(t, NewSimulatedRelay(5))

	for i := 0; i < 5; i++ {
		sample, err := driver.SampleInfeedVoltage(context.Background(), 5)
		require.NoError(t, err)
		assert.InDelta(t, 24.0, sample.Voltage, 0.01)
		assert.Equal(t, InfeedDC, sample.Type)
	}
	assert.Len(t, driver.InfeedHistory(5), testRelayPolicy.InfeedHistory)

	d, err := registry.Get(5)
	require.NoError(t, err)
	assert.InDelta(t, 24.0, d.Snapshot.Values["infeed_voltage"], 0.01)
}

func TestRelay_StatusAndControl(t *testing.T) {
	dev := NewSimulatedRelay(5)
	bus, _, driver := newTestRelay(t, dev)
	ctx := context.Background()

	require.NoError(t, driver.SetEStop(ctx, 5, EStopLatch, 7))
	require.NoError(t, driver.SetRelays(ctx, 5, [RelayCount]bool{true, false, true}))

	st, err := driver.ReadStatus(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, StatusEStop, st.Status)
	assert.Equal(t, uint16(7), st.EStopCause)
	assert.Equal(t, [RelayCount]bool{true, false, true}, st.Relays)
	assert.Empty(t, st.Faults)
	assert.Equal(t, uint32(1440), st.RunningMinutes)

	require.NoError(t, driver.SetEStop(ctx, 5, EStopReset, 9))
	st, err = driver.ReadStatus(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, StatusOperational, st.Status)
	assert.Zero(t, st.EStopCause)

	require.NoError(t, driver.Locate(ctx, 5, true))
	locate, err := dev.Registers().Value(RegisterTypeHoldingRegister, RegLocate)
	require.NoError(t, err)
	assert.Equal(t, 1.0, locate)

	sent := len(bus.Requests())
	err = driver.SetRelay(ctx, 5, RelayCount, true)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, bus.Requests(), sent, "索引錯誤時不上線")

	cfg, err := driver.ReadConfiguration(ctx, 5)
	require.NoError(t, err)
	cfg.Relays[1].Disabled = true
	require.NoError(t, driver.WriteConfiguration(ctx, 5, cfg))
	err = driver.SetRelay(ctx, 5, 1, true)
	code, ok := exceptionCode(err)
	require.True(t, ok, "停用通道拒絕吸合")
	assert.Equal(t, uint8(ExceptionCodeSlaveDeviceFailure), code)
}

func TestRelay_Resets(t *testing.T) {
	dev := NewSimulatedRelay(5)
	_, _, driver := newTestRelay(t, dev)
	ctx := context.Background()

	cfg, err := driver.ReadConfiguration(ctx, 5)
	require.NoError(t, err)
	cfg.Infeed.LowThreshold = 10
	require.NoError(t, driver.WriteConfiguration(ctx, 5, cfg))

	require.NoError(t, driver.FactoryReset(ctx, 5))
	_, ok := driver.State(5)
	assert.False(t, ok, "原廠設定後清除快取")
	back, err := driver.ReadConfiguration(ctx, 5)
	require.NoError(t, err)
	assert.InDelta(t, 20.0, back.Infeed.LowThreshold, 0.01)

	require.NoError(t, driver.DeviceReset(ctx, 5))
	stats, err := driver.ReadStatistics(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), stats.Epoch)
	assert.Zero(t, stats.RunningMinutes)

	require.NoError(t, driver.ZeroMeasurements(ctx, 5))
	sample, err := driver.SampleInfeedVoltage(ctx, 5)
	require.NoError(t, err)
	assert.InDelta(t, sample.Voltage, sample.Lowest, 0.01)
	assert.InDelta(t, sample.Voltage, sample.Highest, 0.01)
}

func TestRelay_ReadDeviceInfo(t *testing.T) {
	_, _, driver := newTestRelay(t, NewSimulatedRelay(5, WithIdentity("Arex", "NXES-R3")))

	sig, err := driver.ReadDeviceInfo(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, "NXES-R3", sig.ProductCode)
	assert.Equal(t, "1.4.0", sig.Revision)
	assert.True(t, ArexRelayProfile().Matches(sig))
}
