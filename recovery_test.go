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

const fastRecoveryProfiles = `
profiles:
  - name: fast-recover
    kind: recoverable
    recovery:
      step_timeout: 20ms
      step_retries: 2
      session_timeout: 5s
`

func fastRecoveryProfile(t *testing.T) *Profile {
	t.Helper()
	profiles, err := ParseProfiles([]byte(fastRecoveryProfiles))
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	return profiles[0]
}

// failingBus 指定功能碼的交易一律無回應
type failingBus struct {
	requester
	function uint8
}

func (b failingBus) Execute(ctx context.Context, tx Transaction) (Frame, error) {
	if tx.Request.Function == b.function {
		return Frame{}, &TransactionError{Kind: TxNoResponse, Address: tx.Request.Address, Function: b.function, Attempts: 1, Err: ErrTimeout}
	}
	return b.requester.Execute(ctx, tx)
}

// blockingBus 交易阻塞直到 release 關閉
type blockingBus struct {
	entered chan struct{}
	release chan struct{}
}

func (b blockingBus) Execute(ctx context.Context, tx Transaction) (Frame, error) {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return Frame{}, &TransactionError{Kind: TxNoResponse, Address: tx.Request.Address, Function: tx.Request.Function, Err: ErrTimeout}
}

func newRecoveryFixture(t *testing.T, devices ...*SimulatedRelay) (*SimBus, *Registry, *Scheduler) {
	t.Helper()
	registry := newTestRegistry(t, RegistryPolicy{})
	bus, sched := newTestBus(t, []SchedulerOption{WithObserver(registry), WithGate(registry)})
	for _, d := range devices {
		require.NoError(t, bus.Attach(d, ScenarioNormal))
	}
	return bus, registry, sched
}

func countFunction(frames []Frame, fc uint8) int {
	n := 0
	for _, f := range frames {
		if f.Function == fc {
			n++
		}
	}
	return n
}

func TestRecoveryConfig_EncodeDecode(t *testing.T) {
	tests := []struct {
		name  string
		req   CommSettings
		words []uint16
	}{
		{"default line", CommSettings{Address: 33, BaudRate: 9600, Parity: "N", StopBits: 1}, []uint16{33, 5, 0, 1}},
		{"odd parity", CommSettings{Address: 1, BaudRate: 115200, Parity: "O", StopBits: 2}, []uint16{1, 9, 1, 2}},
		{"even parity", CommSettings{Address: 246, BaudRate: 300, Parity: "E", StopBits: 1}, []uint16{246, 0, 2, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			words, err := encodeRecoveryConfig(tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.words, words)

			back, err := decodeRecoveryConfig(words)
			require.NoError(t, err)
			assert.Equal(t, tt.req, back)
		})
	}

	_, err := encodeRecoveryConfig(CommSettings{Address: 247, BaudRate: 1234, Parity: "M", StopBits: 3})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, err.(interface{ Unwrap() []error }).Unwrap(), 4, "回報所有違規欄位")

	_, err = decodeRecoveryConfig([]uint16{1, 99, 0, 1})
	assert.Error(t, err)
	_, err = decodeRecoveryConfig([]uint16{1, 5})
	assert.Error(t, err)
}

func TestRecovery_Success(t *testing.T) {
	dev := NewSimulatedRelay(33, WithRecoverySupport())
	dev.EnterRecovery()
	require.Equal(t, uint8(RecoveryAddress), dev.Address())

	bus, registry, sched := newRecoveryFixture(t, dev)
	ctrl := NewRecoveryController(sched, registry, zaptest.NewLogger(t))

	req := RecoveryRequest{Address: 40, BaudRate: 19200, Parity: "E", StopBits: 1}
	outcome, err := ctrl.Run(context.Background(), fastRecoveryProfile(t), req)
	require.NoError(t, err)

	assert.NotEmpty(t, outcome.SessionID)
	assert.Equal(t, RecoveryIdentity{Version: 1, ConfigAddress: simRecoveryConfigAddress}, outcome.Identity)
	assert.Equal(t, CommSettings{Address: 33, BaudRate: 9600, Parity: "N", StopBits: 1}, outcome.Previous)
	assert.Equal(t, req, outcome.Applied)
	assert.Equal(t, "Arex", outcome.Signature.VendorName)

	assert.False(t, dev.InRecovery())
	assert.Equal(t, uint8(40), dev.Address())
	comm, err := dev.Registers().ReadRegisters(RegisterTypeHoldingRegister, RegDeviceAddress, 4)
	require.NoError(t, err)
	assert.Equal(t, []uint16{40, 1, 1, 0}, comm)

	requests := bus.Requests()
	assert.Equal(t, 1, countFunction(requests, FuncCodeWriteMultipleRegisters))
	last := requests[len(requests)-1]
	assert.Equal(t, uint8(FuncCodeWriteSingleRegister), last.Function, "最後一步退出恢復模式")
	assert.Equal(t, addrQty(RegExitRecoveryMode, ControlUnlock), last.Payload)

	_, active := ctrl.Active()
	assert.False(t, active)
	_, quarantined := registry.Quarantined(RecoveryAddress)
	assert.False(t, quarantined)
}

func TestRecovery_EnterFailureAborts(t *testing.T) {
	bus, registry, sched := newRecoveryFixture(t, NewSimulatedRelay(5))
	registry.Upsert(5, ArexRelayProfile(), Signature{}, Snapshot{})
	registry.ObserveOutcome(5, nil)
	before := registry.Transitions(0)

	ctrl := NewRecoveryController(sched, registry, zaptest.NewLogger(t))
	_, err := ctrl.Run(context.Background(), fastRecoveryProfile(t), RecoveryRequest{Address: 9, BaudRate: 9600, Parity: "N", StopBits: 1})

	var rerr *RecoveryError
	require.True(t, errors.As(err, &rerr))
	assert.False(t, rerr.Fatal)
	assert.Equal(t, RecoveryEnterRequested, rerr.Step)

	assert.Equal(t, 3, bus.Sends(RecoveryAddress), "step_retries 2 共三次")
	assert.Zero(t, countFunction(bus.Requests(), FuncCodeWriteMultipleRegisters), "未寫入任何設定")

	d, err := registry.Get(5)
	require.NoError(t, err)
	assert.Equal(t, HealthHealthy, d.Health)
	assert.Equal(t, before, registry.Transitions(0), "健康狀態不受影響")
	assert.NoError(t, registry.Allow(RecoveryAddress), "可重試，不隔離")
}

func TestRecovery_FatalQuarantines(t *testing.T) {
	tests := []struct {
		name     string
		function uint8
		step     RecoveryStep
	}{
		{"write fails", FuncCodeWriteMultipleRegisters, RecoveryReprogramming},
		{"exit fails", FuncCodeWriteSingleRegister, RecoveryVerifyRequested},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := NewSimulatedRelay(33, WithRecoverySupport())
			dev.EnterRecovery()
			_, registry, sched := newRecoveryFixture(t, dev)
			ctrl := NewRecoveryController(failingBus{requester: sched, function: tt.function}, registry, zaptest.NewLogger(t))

			profile := fastRecoveryProfile(t)
			req := RecoveryRequest{Address: 40, BaudRate: 9600, Parity: "N", StopBits: 1}
			_, err := ctrl.Run(context.Background(), profile, req)

			var rerr *RecoveryError
			require.True(t, errors.As(err, &rerr))
			assert.True(t, rerr.Fatal)
			assert.Equal(t, tt.step, rerr.Step)

			_, quarantined := registry.Quarantined(RecoveryAddress)
			assert.True(t, quarantined)
			_, err = ctrl.Run(context.Background(), profile, req)
			assert.True(t, errors.Is(err, ErrQuarantined), "確認前拒絕新的流程")

			assert.True(t, registry.Acknowledge(RecoveryAddress))
			assert.NoError(t, registry.Allow(RecoveryAddress))
		})
	}
}

func TestRecovery_Rejections(t *testing.T) {
	bus, registry, sched := newRecoveryFixture(t)
	ctrl := NewRecoveryController(sched, registry, nil)
	valid := RecoveryRequest{Address: 9, BaudRate: 9600, Parity: "N", StopBits: 1}

	t.Run("generic profile", func(t *testing.T) {
		generic, _ := DefaultCatalog().Lookup("generic")
		_, err := ctrl.Run(context.Background(), generic, valid)
		var capErr *CapabilityError
		assert.True(t, errors.As(err, &capErr))
	})

	t.Run("invalid request", func(t *testing.T) {
		_, err := ctrl.Run(context.Background(), fastRecoveryProfile(t), RecoveryRequest{Address: 0, BaudRate: 9600, Parity: "N", StopBits: 1})
		var verr *ValidationError
		assert.True(t, errors.As(err, &verr))
	})

	assert.Empty(t, bus.Requests(), "拒絕時不上線")
}

func TestRecovery_SingleSession(t *testing.T) {
	registry := newTestRegistry(t, RegistryPolicy{})
	bus := blockingBus{entered: make(chan struct{}, 1), release: make(chan struct{})}
	ctrl := NewRecoveryController(bus, registry, zaptest.NewLogger(t))
	profile := fastRecoveryProfile(t)
	req := RecoveryRequest{Address: 9, BaudRate: 9600, Parity: "N", StopBits: 1}

	done := make(chan error, 1)
	go func() {
		_, err := ctrl.Run(context.Background(), profile, req)
		done <- err
	}()

	select {
	case <-bus.entered:
	case <-time.After(time.Second):
		t.Fatal("恢復流程未開始")
	}

	session, active := ctrl.Active()
	require.True(t, active)
	assert.Equal(t, RecoveryEnterRequested, session.Step)
	assert.Equal(t, uint8(RecoveryAddress), session.Target)
	assert.Equal(t, req, session.Requested)

	_, err := ctrl.Run(context.Background(), profile, req)
	assert.True(t, errors.Is(err, ErrRecoveryInProgress))

	close(bus.release)
	var rerr *RecoveryError
	assert.True(t, errors.As(<-done, &rerr))
	_, active = ctrl.Active()
	assert.False(t, active)
}

func TestRecoveryStep_String(t *testing.T) {
	assert.Equal(t, "reprogramming", RecoveryReprogramming.String())
	assert.Equal(t, "unknown", RecoveryStep(99).String())
}
