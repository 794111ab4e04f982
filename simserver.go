package main

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goburrow/serial"
	"github.com/tbrandon/mbserver"
	"go.uber.org/zap"
)

// SimServerState 模擬伺服器狀態
type SimServerState int32

const (
	SimServerStopped SimServerState = iota
	SimServerStarting
	SimServerRunning
	SimServerStopping
)

func (s SimServerState) String() string {
	switch s {
	case SimServerStopped:
		return "stopped"
	case SimServerStarting:
		return "starting"
	case SimServerRunning:
		return "running"
	case SimServerStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// SimServerStats 模擬伺服器統計
type SimServerStats struct {
	StartTime       time.Time
	RequestCount    atomic.Uint64
	DroppedCount    atomic.Uint64
	ForeignCount    atomic.Uint64
	LastRequestTime atomic.Int64
}

// SimServer 在真實序列埠 (或 TCP) 上以 mbserver 提供模擬繼電器
//
// mbserver 不依位址過濾請求，不屬於本機的位址以 0x0B 回應。
// 線路層故障無法經由 mbserver 產生，遺失以 0x0B 表示，截斷與雜訊作用在 PDU 上。
type SimServer struct {
	mu    sync.Mutex
	state atomic.Int32

	nodes  map[*SimulatedRelay]FaultScenario
	params FaultParams
	rng    *rand.Rand

	server *mbserver.Server
	stats  SimServerStats
	logger *zap.Logger
}

// SimServerOption 模擬伺服器選項
type SimServerOption func(*SimServer)

// WithServerLogger 設定日誌
func WithServerLogger(logger *zap.Logger) SimServerOption {
	return func(s *SimServer) {
		s.logger = logger
	}
}

// WithFaultParams 設定故障參數與亂數種子
func WithFaultParams(params FaultParams, seed int64) SimServerOption {
	return func(s *SimServer) {
		s.params = params
		s.rng = rand.New(rand.NewSource(seed))
	}
}

// NewSimServer 建立模擬伺服器
func NewSimServer(opts ...SimServerOption) *SimServer {
	s := &SimServer{
		nodes: make(map[*SimulatedRelay]FaultScenario),
		rng:   rand.New(rand.NewSource(1)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// NewSimServerFromConfig 依模擬配置建立伺服器與設備
func NewSimServerFromConfig(cfg SimulationConfig, logger *zap.Logger) (*SimServer, error) {
	s := NewSimServer(
		WithServerLogger(logger),
		WithFaultParams(FaultParams{
			JitterMin:      cfg.JitterMin,
			JitterMax:      cfg.JitterMax,
			PacketLossRate: cfg.PacketLossRate,
		}, cfg.Seed),
	)
	for _, d := range cfg.Devices {
		if err := s.Attach(newConfiguredRelay(d), d.Scenario); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Attach 掛上模擬設備
func (s *SimServer) Attach(dev *SimulatedRelay, scenario string) error {
	sc, ok := LookupScenario(scenario)
	if !ok {
		return fmt.Errorf("未知的模擬場景: %s", scenario)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[dev] = sc
	return nil
}

// Devices 取得所有模擬設備
func (s *SimServer) Devices() []*SimulatedRelay {
	s.mu.Lock()
	defer s.mu.Unlock()
	devs := make([]*SimulatedRelay, 0, len(s.nodes))
	for d := range s.nodes {
		devs = append(devs, d)
	}
	return devs
}

// ServeSerial 在序列埠上提供服務
func (s *SimServer) ServeSerial(cfg SerialConfig) error {
	return s.start(cfg.Device, func(srv *mbserver.Server) error {
		return srv.ListenRTU(&serial.Config{
			Address:  cfg.Device,
			BaudRate: cfg.BaudRate,
			DataBits: cfg.DataBits,
			StopBits: cfg.StopBits,
			Parity:   cfg.Parity,
			Timeout:  10 * time.Second,
			RS485: serial.RS485Config{
				Enabled:            cfg.RS485,
				DelayRtsBeforeSend: cfg.RTSDelay,
				DelayRtsAfterSend:  cfg.RTSDelay,
				RtsHighDuringSend:  cfg.RS485,
			},
		})
	})
}

// ServeTCP 在 TCP 上提供服務 (Modbus TCP 的 unit id 視為位址)
func (s *SimServer) ServeTCP(addr string) error {
	return s.start(addr, func(srv *mbserver.Server) error {
		return srv.ListenTCP(addr)
	})
}

func (s *SimServer) start(where string, listen func(*mbserver.Server) error) error {
	if !s.state.CompareAndSwap(int32(SimServerStopped), int32(SimServerStarting)) {
		return fmt.Errorf("模擬伺服器已經在運行中")
	}

	srv := mbserver.NewServer()
	for _, fc := range []uint8{
		FuncCodeReadCoils, FuncCodeReadDiscreteInputs,
		FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters,
		FuncCodeWriteSingleCoil, FuncCodeWriteSingleRegister,
		FuncCodeWriteMultipleCoils, FuncCodeWriteMultipleRegisters,
		FuncCodeReportServerID, FuncCodeEncapsulatedInterface,
	} {
		srv.RegisterFunctionHandler(fc, s.handle)
	}

	if err := listen(srv); err != nil {
		s.state.Store(int32(SimServerStopped))
		return fmt.Errorf("監聽 %s 失敗: %w", where, err)
	}

	s.server = srv
	s.stats.StartTime = time.Now()
	s.state.Store(int32(SimServerRunning))

	s.logger.Info("模擬伺服器已啟動",
		zap.String("listen", where),
		zap.Int("devices", len(s.Devices())),
	)
	return nil
}

// Stop 停止模擬伺服器
func (s *SimServer) Stop() {
	if !s.state.CompareAndSwap(int32(SimServerRunning), int32(SimServerStopping)) {
		return
	}
	if s.server != nil {
		s.server.Close()
	}
	s.state.Store(int32(SimServerStopped))

	s.logger.Info("模擬伺服器已停止",
		zap.Duration("uptime", time.Since(s.stats.StartTime)),
		zap.Uint64("requests", s.stats.RequestCount.Load()),
		zap.Uint64("dropped", s.stats.DroppedCount.Load()),
	)
}

// State 取得當前狀態
func (s *SimServer) State() SimServerState {
	return SimServerState(s.state.Load())
}

// Stats 取得統計
func (s *SimServer) Stats() *SimServerStats {
	return &s.stats
}

var gatewayNoResponse = mbserver.GatewayTargetDeviceFailedtoRespond

// handle mbserver 的功能碼處理器
func (s *SimServer) handle(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	s.stats.RequestCount.Add(1)
	s.stats.LastRequestTime.Store(time.Now().UnixNano())

	var address uint8
	switch f := frame.(type) {
	case *mbserver.RTUFrame:
		address = f.Address
	case *mbserver.TCPFrame:
		address = f.Device
	}

	dev, scenario := s.lookup(address)
	if dev == nil {
		s.stats.ForeignCount.Add(1)
		return []byte{}, &gatewayNoResponse
	}

	pdu := dev.Handle(frame.GetFunction(), frame.GetData())

	s.mu.Lock()
	out, delay := scenario.Apply(pdu, s.rng, s.params)
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if len(out) < 2 {
		s.stats.DroppedCount.Add(1)
		s.logger.Debug("模擬遺失回應", zap.Uint8("address", address))
		return []byte{}, &gatewayNoResponse
	}
	if out[0]&ExceptionFlag != 0 {
		code := mbserver.Exception(out[1])
		return []byte{}, &code
	}
	return out[1:], &mbserver.Success
}

func (s *SimServer) lookup(address uint8) (*SimulatedRelay, FaultScenario) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for dev, sc := range s.nodes {
		if dev.Address() == address {
			return dev, sc
		}
	}
	return nil, nil
}
