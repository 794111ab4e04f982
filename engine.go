package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// EngineState 引擎狀態
type EngineState int32

const (
	EngineStateStopped EngineState = iota
	EngineStateStarting
	EngineStateRunning
	EngineStateStopping
)

func (s EngineState) String() string {
	switch s {
	case EngineStateStopped:
		return "stopped"
	case EngineStateStarting:
		return "starting"
	case EngineStateRunning:
		return "running"
	case EngineStateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// EngineStats 引擎統計資訊
type EngineStats struct {
	StartTime          time.Time           `json:"start_time"`
	State              string              `json:"state"`
	Bus                BusStats            `json:"bus"`
	Devices            int                 `json:"devices"`
	ByHealth           map[HealthState]int `json:"by_health"`
	DroppedTransitions uint64              `json:"dropped_transitions"`
	Recovery           *RecoverySession    `json:"recovery,omitempty"`
	Simulated          bool                `json:"simulated"`
	Scans              uint64              `json:"scans"`
	LastScan           time.Time           `json:"last_scan"`
	Quarantined        map[uint8]string    `json:"quarantined,omitempty"`
}

// KnownDevice 已知設備，僅作為掃描順序提示
type KnownDevice struct {
	Address  uint8     `json:"address"`
	Profile  string    `json:"profile"`
	LastSeen time.Time `json:"last_seen"`
}

// Engine 匯流排主站引擎
//
// 擁有單一序列匯流排上的傳輸、排程器、登錄表、掃描器、恢復控制器與繼電器驅動。
type Engine struct {
	config *Config
	state  atomic.Int32

	port    io.ReadWriteCloser
	simBus  *SimBus
	catalog *ProfileCatalog

	transport *Transport
	scheduler *Scheduler
	registry  *Registry
	scanner   *Scanner
	recovery  *RecoveryController
	relay     *RelayDriver

	sweepStop chan struct{}
	sweepDone chan struct{}

	startTime time.Time
	scans     atomic.Uint64
	lastScan  atomic.Int64

	logger *zap.Logger
}

// EngineOption 引擎選項
type EngineOption func(*Engine)

// WithPort 使用指定的序列埠 (測試或外部開啟)
func WithPort(port io.ReadWriteCloser) EngineOption {
	return func(e *Engine) {
		e.port = port
	}
}

// WithCatalog 使用指定的 profile 目錄
func WithCatalog(c *ProfileCatalog) EngineOption {
	return func(e *Engine) {
		e.catalog = c
	}
}

// WithEngineLogger 設定日誌
func WithEngineLogger(logger *zap.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// NewEngine 建立新的引擎
func NewEngine(config *Config, opts ...EngineOption) *Engine {
	e := &Engine{config: config}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	e.registry = NewRegistry(RegistryPolicy{
		DegradedAfter:    config.Registry.DegradedAfter,
		SilentAfter:      config.Registry.SilentAfter,
		SilenceThreshold: config.Registry.SilenceThreshold,
		HistorySize:      config.Registry.HistorySize,
	}, e.logger.Named("registry"))
	return e
}

// Start 啟動引擎
func (e *Engine) Start(ctx context.Context) error {
	if !e.state.CompareAndSwap(int32(EngineStateStopped), int32(EngineStateStarting)) {
		return fmt.Errorf("引擎已經在運行中")
	}
	e.startTime = time.Now()

	if err := e.start(ctx); err != nil {
		e.state.Store(int32(EngineStateStopped))
		return err
	}

	e.state.Store(int32(EngineStateRunning))
	e.logger.Info("引擎啟動完成",
		zap.String("device", e.config.Serial.Device),
		zap.Int("baud_rate", e.config.Serial.BaudRate),
		zap.Bool("simulated", e.simBus != nil),
		zap.Duration("startup_time", time.Since(e.startTime)),
	)
	return nil
}

func (e *Engine) start(ctx context.Context) error {
	if e.catalog == nil {
		catalog, err := e.loadCatalog()
		if err != nil {
			return err
		}
		e.catalog = catalog
	}

	timing := e.config.Serial.Timing()
	if e.port == nil {
		port, err := e.openPort(timing)
		if err != nil {
			return err
		}
		e.port = port
	}

	e.transport = NewTransport(e.port, timing, e.logger.Named("transport"))
	e.scheduler = NewScheduler(e.transport, SchedulerPolicy{
		Timeout:    e.config.Bus.Timeout,
		MaxRetries: e.config.Bus.MaxRetries,
		DrainMax:   e.config.Bus.DrainMax,
	},
		WithObserver(e.registry),
		WithGate(e.registry),
		WithSchedulerLogger(e.logger.Named("scheduler")),
	)
	e.scanner = NewScanner(e.scheduler, e.registry, e.catalog, ScanPolicy{
		ProbeTimeout: e.config.Scan.ProbeTimeout,
		ProbeRetries: e.config.Scan.ProbeRetries,
		ReadSnapshot: e.config.Scan.ReadSnapshot,
	}, e.logger.Named("scanner"))
	e.recovery = NewRecoveryController(e.scheduler, e.registry, e.logger.Named("recovery"))
	e.relay = NewRelayDriver(e.scheduler, e.registry, RelayPolicy{
		DiagnosticPolls:    e.config.Relay.DiagnosticPolls,
		DiagnosticInterval: e.config.Relay.DiagnosticInterval,
		InfeedHistory:      e.config.Relay.InfeedHistory,
	}, e.logger.Named("relay"))

	if e.config.Registry.SweepInterval > 0 {
		e.sweepStop = make(chan struct{})
		e.sweepDone = make(chan struct{})
		go e.sweepLoop(e.config.Registry.SweepInterval)
	}
	return nil
}

func (e *Engine) loadCatalog() (*ProfileCatalog, error) {
	if e.config.Profiles.File == "" {
		return DefaultCatalog(), nil
	}
	profiles, err := LoadProfiles(e.config.Profiles.File)
	if err != nil {
		return nil, err
	}
	e.logger.Info("已載入 profile 宣告",
		zap.String("file", e.config.Profiles.File),
		zap.Int("count", len(profiles)),
	)
	return NewProfileCatalog(append(profiles, ArexRelayProfile())...), nil
}

func (e *Engine) openPort(timing Timing) (io.ReadWriteCloser, error) {
	if e.config.Simulation.Enabled {
		bus, err := NewSimBusFromConfig(e.config.Simulation, e.logger.Named("simbus"))
		if err != nil {
			return nil, err
		}
		e.simBus = bus
		return bus, nil
	}
	return OpenPort(e.config.Serial, timing.InterChar)
}

// Stop 停止引擎
func (e *Engine) Stop(ctx context.Context) error {
	if !e.state.CompareAndSwap(int32(EngineStateRunning), int32(EngineStateStopping)) {
		return nil
	}
	e.logger.Info("正在停止引擎")

	if e.sweepStop != nil {
		close(e.sweepStop)
		select {
		case <-e.sweepDone:
		case <-ctx.Done():
			e.logger.Warn("停止健康巡檢超時")
		}
	}

	// 排程器關閉時一併關閉序列埠
	err := e.scheduler.Close()
	if err != nil {
		err = fmt.Errorf("關閉序列埠失敗: %w", err)
	}

	e.state.Store(int32(EngineStateStopped))
	e.logger.Info("引擎已停止", zap.Duration("uptime", time.Since(e.startTime)))
	return err
}

// State 取得引擎狀態
func (e *Engine) State() EngineState {
	return EngineState(e.state.Load())
}

// Registry 設備登錄表
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Catalog profile 目錄
func (e *Engine) Catalog() *ProfileCatalog {
	return e.catalog
}

// SimBus 模擬模式下的匯流排，否則為 nil
func (e *Engine) SimBus() *SimBus {
	return e.simBus
}

func (e *Engine) running() error {
	if e.State() != EngineStateRunning {
		return ErrEngineNotRunning
	}
	return nil
}

func (e *Engine) sweepLoop(interval time.Duration) {
	defer close(e.sweepDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.sweepStop:
			return
		case now := <-ticker.C:
			if n := e.registry.Sweep(now); n > 0 {
				e.logger.Debug("健康巡檢", zap.Int("silenced", n))
			}
		}
	}
}

// ListDevices 依位址排序列出設備
func (e *Engine) ListDevices() []Device {
	return e.registry.List()
}

// GetDevice 取得設備
func (e *Engine) GetDevice(address uint8) (Device, error) {
	return e.registry.Get(address)
}

// Scan 掃描範圍，已知設備與登錄表中的位址優先
//
// 迭代結束後已知設備清單會寫回 known_devices_file。
func (e *Engine) Scan(ctx context.Context, r ScanRange) (iter.Seq2[Device, error], error) {
	if err := e.running(); err != nil {
		return nil, err
	}

	hints := make([]int, 0)
	for _, k := range e.loadKnownDevices() {
		hints = append(hints, int(k.Address))
	}
	for _, addr := range e.registry.Addresses() {
		hints = append(hints, int(addr))
	}

	seq, err := e.scanner.Scan(ctx, r.WithHint(hints...))
	if err != nil {
		return nil, err
	}

	return func(yield func(Device, error) bool) {
		defer func() {
			e.scans.Add(1)
			e.lastScan.Store(time.Now().UnixNano())
			e.saveKnownDevices()
		}()
		for dev, err := range seq {
			if !yield(dev, err) {
				return
			}
		}
	}, nil
}

// Discover 探測單一位址並更新登錄表
func (e *Engine) Discover(ctx context.Context, address uint8) (Device, error) {
	if err := e.running(); err != nil {
		return Device{}, err
	}
	if address < MinDeviceAddress || address > MaxDeviceAddress {
		return Device{}, &ScanError{Address: int(address), Reason: "位址超出範圍 1-247"}
	}
	dev, ok, err := e.scanner.ScanAddress(ctx, address)
	if err != nil {
		return Device{}, err
	}
	if !ok {
		return Device{}, fmt.Errorf("位址 %d: %w", address, ErrDeviceNotFound)
	}
	return dev, nil
}

// ExecuteCustom 對任意功能碼送出原始請求，回傳回應訊框
func (e *Engine) ExecuteCustom(ctx context.Context, address, function uint8, payload []byte) (Frame, error) {
	if err := e.running(); err != nil {
		return Frame{}, err
	}
	if address > MaxDeviceAddress {
		return Frame{}, &ValidationError{Field: "address", Value: address, Reason: "超出範圍 0-247"}
	}
	if function == 0 || function&ExceptionFlag != 0 {
		return Frame{}, &ValidationError{Field: "function", Value: fmt.Sprintf("0x%02X", function), Reason: "不是有效的功能碼"}
	}
	if dev, err := e.registry.Get(address); err == nil && dev.Profile != nil && !dev.Profile.SupportsFunction(function) {
		e.logger.Warn("功能碼不在設備 profile 中",
			zap.Uint8("address", address),
			zap.String("profile", dev.ProfileName),
			zap.Uint8("function", function),
		)
	}
	return newUnitClient(e.scheduler, address).Raw(ctx, function, payload)
}

// PollOnce 對所有非 Silent 設備送出一次輪詢，回傳成功數
//
// 繼電器讀取狀態，其他設備使用 Report Server ID。結果經由排程器更新健康狀態。
func (e *Engine) PollOnce(ctx context.Context) (int, error) {
	if err := e.running(); err != nil {
		return 0, err
	}
	ok := 0
	for _, dev := range e.registry.PollTargets() {
		if err := ctx.Err(); err != nil {
			return ok, err
		}
		var err error
		if dev.Profile != nil && dev.Profile.IsArexRelay() {
			_, err = e.relay.ReadStatus(ctx, dev.Address)
		} else {
			_, err = newUnitClient(e.scheduler, dev.Address).ReportServerID(ctx)
		}
		if err != nil {
			e.logger.Debug("輪詢失敗", zap.Uint8("address", dev.Address), zap.Error(err))
			continue
		}
		ok++
	}
	return ok, nil
}

// relayFor 取得支援 ARex 繼電器操作的設備
func (e *Engine) relayFor(address uint8, operation string) (*RelayDriver, error) {
	if err := e.running(); err != nil {
		return nil, err
	}
	dev, err := e.registry.Get(address)
	if err != nil {
		return nil, err
	}
	if dev.Profile == nil || !dev.Profile.IsArexRelay() {
		return nil, &CapabilityError{Address: address, Profile: dev.ProfileName, Operation: operation}
	}
	return e.relay, nil
}

// RunDiagnostic 執行設備自我測試
func (e *Engine) RunDiagnostic(ctx context.Context, address uint8) (DiagnosticResult, error) {
	d, err := e.relayFor(address, "diagnostic")
	if err != nil {
		return DiagnosticResult{}, err
	}
	return d.RunDiagnostic(ctx, address)
}

// ReadStatistics 讀取繼電器統計
func (e *Engine) ReadStatistics(ctx context.Context, address uint8) (RelayStatistics, error) {
	d, err := e.relayFor(address, "statistics")
	if err != nil {
		return RelayStatistics{}, err
	}
	return d.ReadStatistics(ctx, address)
}

// SampleInfeedVoltage 取樣電源輸入電壓
func (e *Engine) SampleInfeedVoltage(ctx context.Context, address uint8) (InfeedSample, error) {
	d, err := e.relayFor(address, "infeed")
	if err != nil {
		return InfeedSample{}, err
	}
	return d.SampleInfeedVoltage(ctx, address)
}

// InfeedHistory 驅動保留的電源輸入取樣
func (e *Engine) InfeedHistory(address uint8) []InfeedSample {
	if e.relay == nil {
		return nil
	}
	return e.relay.InfeedHistory(address)
}

// ReadConfiguration 讀取繼電器完整設定
func (e *Engine) ReadConfiguration(ctx context.Context, address uint8) (RelayConfig, error) {
	d, err := e.relayFor(address, "read configuration")
	if err != nil {
		return RelayConfig{}, err
	}
	return d.ReadConfiguration(ctx, address)
}

// WriteConfiguration 寫入繼電器完整設定
func (e *Engine) WriteConfiguration(ctx context.Context, address uint8, cfg RelayConfig) error {
	d, err := e.relayFor(address, "write configuration")
	if err != nil {
		return err
	}
	if err := d.WriteConfiguration(ctx, address, cfg); err != nil {
		return err
	}
	if cfg.Comm.Address != address || !e.config.Serial.SameLine(cfg.Comm) {
		e.logger.Warn("通訊設定已變更，設備需重新啟動後以新設定探測",
			zap.Uint8("address", address),
			zap.Uint8("new_address", cfg.Comm.Address),
		)
	}
	return nil
}

// ReadStatus 讀取繼電器狀態
func (e *Engine) ReadStatus(ctx context.Context, address uint8) (RelayStatus, error) {
	d, err := e.relayFor(address, "status")
	if err != nil {
		return RelayStatus{}, err
	}
	return d.ReadStatus(ctx, address)
}

// SetRelay 切換單一繼電器
func (e *Engine) SetRelay(ctx context.Context, address uint8, index int, on bool) error {
	d, err := e.relayFor(address, "set relay")
	if err != nil {
		return err
	}
	return d.SetRelay(ctx, address, index, on)
}

// SetRelays 一次設定所有繼電器
func (e *Engine) SetRelays(ctx context.Context, address uint8, states [RelayCount]bool) error {
	d, err := e.relayFor(address, "set relay")
	if err != nil {
		return err
	}
	return d.SetRelays(ctx, address, states)
}

// SetEStop 設定緊急停止
func (e *Engine) SetEStop(ctx context.Context, address uint8, mode EStopMode, cause uint8) error {
	d, err := e.relayFor(address, "estop")
	if err != nil {
		return err
	}
	return d.SetEStop(ctx, address, mode, cause)
}

// Locate 開關定位指示燈
func (e *Engine) Locate(ctx context.Context, address uint8, on bool) error {
	d, err := e.relayFor(address, "locate")
	if err != nil {
		return err
	}
	return d.Locate(ctx, address, on)
}

// ResetKind 重置種類
type ResetKind string

const (
	ResetMeasurements ResetKind = "measurements"
	ResetFactory      ResetKind = "factory"
	ResetDevice       ResetKind = "device"
	ResetRecovery     ResetKind = "recovery"
)

// Reset 執行重置命令
func (e *Engine) Reset(ctx context.Context, address uint8, kind ResetKind) error {
	d, err := e.relayFor(address, "reset "+string(kind))
	if err != nil {
		return err
	}
	switch kind {
	case ResetMeasurements:
		return d.ZeroMeasurements(ctx, address)
	case ResetFactory:
		return d.FactoryReset(ctx, address)
	case ResetDevice:
		return d.DeviceReset(ctx, address)
	case ResetRecovery:
		return d.ExitRecoveryMode(ctx, address)
	default:
		return &ValidationError{Field: "reset", Value: kind, Reason: "未知的重置種類"}
	}
}

// RelayState 驅動保留的繼電器狀態
func (e *Engine) RelayState(address uint8) (RelayState, bool) {
	if e.relay == nil {
		return RelayState{}, false
	}
	return e.relay.State(address)
}

// StartRecovery 對恢復位址上的設備執行恢復流程
//
// 引擎的線路設定必須是恢復線路設定。完成後若新設定與目前線路相同，重新探測新位址。
func (e *Engine) StartRecovery(ctx context.Context, profileName string, req RecoveryRequest) (RecoveryOutcome, error) {
	if err := e.running(); err != nil {
		return RecoveryOutcome{}, err
	}
	if profileName == "" {
		profileName = e.config.Recovery.Profile
	}
	profile, ok := e.catalog.Lookup(profileName)
	if !ok {
		return RecoveryOutcome{}, fmt.Errorf("未知的 profile: %s", profileName)
	}
	return e.runRecovery(ctx, profile, BroadcastAddress, req)
}

// runRecovery 檢查線路後執行恢復，expect 為 0 時不比對原位址
func (e *Engine) runRecovery(ctx context.Context, profile *Profile, expect uint8, req RecoveryRequest) (RecoveryOutcome, error) {
	line := CommSettings{
		BaudRate: e.config.Recovery.BaudRate,
		Parity:   e.config.Recovery.Parity,
		StopBits: e.config.Recovery.StopBits,
	}
	if !e.config.Serial.SameLine(line) {
		return RecoveryOutcome{}, fmt.Errorf("恢復流程需要線路設定 %d %s %d，目前為 %d %s %d",
			line.BaudRate, line.Parity, line.StopBits,
			e.config.Serial.BaudRate, e.config.Serial.Parity, e.config.Serial.StopBits)
	}

	outcome, err := e.recovery.RunDevice(ctx, profile, expect, req)
	if err != nil {
		return outcome, err
	}

	e.registry.Remove(outcome.Previous.Address)
	if !e.config.Serial.SameLine(outcome.Applied) {
		e.logger.Info("新的線路設定與目前不同，略過重新探測",
			zap.Uint8("address", outcome.Applied.Address),
			zap.Int("baud_rate", outcome.Applied.BaudRate),
		)
		return outcome, nil
	}
	if _, err := e.Discover(ctx, outcome.Applied.Address); err != nil {
		e.logger.Warn("恢復後重新探測失敗",
			zap.Uint8("address", outcome.Applied.Address),
			zap.Error(err),
		)
	}
	return outcome, nil
}

// RecoverDevice 對已登錄的設備執行恢復流程
//
// profile 取自登錄項目，不支援恢復時回傳 CapabilityError。操作員須先讓該設備進入恢復模式；
// 恢復位址上回報的原位址不是 address 時在寫入前中止。
func (e *Engine) RecoverDevice(ctx context.Context, address uint8, req RecoveryRequest) (RecoveryOutcome, error) {
	if err := e.running(); err != nil {
		return RecoveryOutcome{}, err
	}
	dev, err := e.registry.Get(address)
	if err != nil {
		return RecoveryOutcome{}, err
	}
	if dev.Profile == nil || !dev.Profile.SupportsRecovery() {
		return RecoveryOutcome{}, &CapabilityError{Address: address, Profile: dev.ProfileName, Operation: "recovery"}
	}
	return e.runRecovery(ctx, dev.Profile, address, req)
}

// ActiveRecovery 目前的恢復流程
func (e *Engine) ActiveRecovery() (RecoverySession, bool) {
	if e.recovery == nil {
		return RecoverySession{}, false
	}
	return e.recovery.Active()
}

// AcknowledgeRecoveryFailure 操作員確認致命恢復失敗，解除隔離
func (e *Engine) AcknowledgeRecoveryFailure(address uint8) bool {
	ok := e.registry.Acknowledge(address)
	if ok {
		e.logger.Info("操作員已確認恢復失敗", zap.Uint8("address", address))
	}
	return ok
}

// Subscribe 訂閱健康狀態轉換
func (e *Engine) Subscribe(buffer int) *Subscription {
	return e.registry.Subscribe(buffer)
}

// Unsubscribe 取消訂閱
func (e *Engine) Unsubscribe(s *Subscription) {
	e.registry.Unsubscribe(s)
}

// Transitions 取得序號之後的健康狀態轉換
func (e *Engine) Transitions(afterSeq uint64) []HealthTransition {
	return e.registry.Transitions(afterSeq)
}

// Stats 取得統計資訊
func (e *Engine) Stats() EngineStats {
	stats := EngineStats{
		StartTime:          e.startTime,
		State:              e.State().String(),
		ByHealth:           make(map[HealthState]int),
		DroppedTransitions: e.registry.DroppedTransitions(),
		Simulated:          e.simBus != nil,
		Scans:              e.scans.Load(),
		Quarantined:        make(map[uint8]string),
	}
	if ns := e.lastScan.Load(); ns > 0 {
		stats.LastScan = time.Unix(0, ns)
	}
	if e.scheduler != nil {
		stats.Bus = e.scheduler.Stats()
	}
	for _, d := range e.registry.List() {
		stats.Devices++
		stats.ByHealth[d.Health]++
	}
	for addr := MinDeviceAddress; addr <= MaxDeviceAddress; addr++ {
		if reason, ok := e.registry.Quarantined(uint8(addr)); ok {
			stats.Quarantined[uint8(addr)] = reason
		}
	}
	if s, ok := e.ActiveRecovery(); ok {
		stats.Recovery = &s
	}
	return stats
}

func (e *Engine) loadKnownDevices() []KnownDevice {
	path := e.config.Registry.KnownDevicesFile
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			e.logger.Warn("讀取已知設備清單失敗", zap.String("file", path), zap.Error(err))
		}
		return nil
	}
	var known []KnownDevice
	if err := json.Unmarshal(data, &known); err != nil {
		e.logger.Warn("解析已知設備清單失敗", zap.String("file", path), zap.Error(err))
		return nil
	}
	return known
}

func (e *Engine) saveKnownDevices() {
	path := e.config.Registry.KnownDevicesFile
	if path == "" {
		return
	}
	devices := e.registry.List()
	known := make([]KnownDevice, 0, len(devices))
	for _, d := range devices {
		if d.Health == HealthSilent {
			continue
		}
		known = append(known, KnownDevice{Address: d.Address, Profile: d.ProfileName, LastSeen: d.LastSeen})
	}
	data, err := json.MarshalIndent(known, "", "  ")
	if err != nil {
		e.logger.Warn("序列化已知設備清單失敗", zap.Error(err))
		return
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		e.logger.Warn("寫入已知設備清單失敗", zap.String("file", path), zap.Error(err))
	}
}
