package main

import (
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

type simNode struct {
	device   *SimulatedRelay
	scenario FaultScenario
}

// SimBus 記憶體內的 RTU 匯流排，實作 io.ReadWriteCloser
//
// 寫入的請求依位址交給模擬設備處理，回應經過故障場景後可被讀取。
type SimBus struct {
	mu sync.Mutex

	nodes    []*simNode
	params   FaultParams
	rng      *rand.Rand
	logger   *zap.Logger
	readWait time.Duration

	pending []byte
	readyAt time.Time
	notify  chan struct{}
	closed  bool

	dropNext map[uint8]int
	sends    map[uint8]int
	writes   [][]byte
}

// SimBusOption 模擬匯流排選項
type SimBusOption func(*SimBus)

// WithSimLogger 設定日誌
func WithSimLogger(logger *zap.Logger) SimBusOption {
	return func(b *SimBus) {
		b.logger = logger
	}
}

// WithReadWait 單次 Read 的最長等待
func WithReadWait(d time.Duration) SimBusOption {
	return func(b *SimBus) {
		b.readWait = d
	}
}

// NewSimBus 建立模擬匯流排，seed 固定時故障序列可重現
func NewSimBus(params FaultParams, seed int64, opts ...SimBusOption) *SimBus {
	b := &SimBus{
		params:   params,
		rng:      rand.New(rand.NewSource(seed)),
		readWait: time.Millisecond,
		notify:   make(chan struct{}, 1),
		dropNext: make(map[uint8]int),
		sends:    make(map[uint8]int),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	return b
}

// NewSimBusFromConfig 依配置建立模擬匯流排與設備
func NewSimBusFromConfig(cfg SimulationConfig, logger *zap.Logger) (*SimBus, error) {
	bus := NewSimBus(FaultParams{
		JitterMin:      cfg.JitterMin,
		JitterMax:      cfg.JitterMax,
		PacketLossRate: cfg.PacketLossRate,
	}, cfg.Seed, WithSimLogger(logger))

	for _, d := range cfg.Devices {
		if err := bus.Attach(newConfiguredRelay(d), d.Scenario); err != nil {
			return nil, err
		}
	}
	return bus, nil
}

// Attach 掛上模擬設備
func (b *SimBus) Attach(dev *SimulatedRelay, scenario string) error {
	s, ok := LookupScenario(scenario)
	if !ok {
		return fmt.Errorf("未知的模擬場景: %s", scenario)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nodes = append(b.nodes, &simNode{device: dev, scenario: s})
	return nil
}

// SetScenario 變更設備的故障場景
func (b *SimBus) SetScenario(dev *SimulatedRelay, scenario string) error {
	s, ok := LookupScenario(scenario)
	if !ok {
		return fmt.Errorf("未知的模擬場景: %s", scenario)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, n := range b.nodes {
		if n.device == dev {
			n.scenario = s
			return nil
		}
	}
	return fmt.Errorf("設備不在匯流排上")
}

// DropNext 位址的下 n 個請求不回應
func (b *SimBus) DropNext(address uint8, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropNext[address] += n
}

// Sends 位址收到的請求數 (包含 CRC 正確但無人回應者)
func (b *SimBus) Sends(address uint8) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sends[address]
}

// Requests 匯流排上所有請求訊框
func (b *SimBus) Requests() []Frame {
	b.mu.Lock()
	defer b.mu.Unlock()

	frames := make([]Frame, 0, len(b.writes))
	for _, raw := range b.writes {
		if f, err := parseADU(raw); err == nil {
			frames = append(frames, f)
		}
	}
	return frames
}

// Write 主站送出請求
func (b *SimBus) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, io.ErrClosedPipe
	}
	b.writes = append(b.writes, append([]byte(nil), p...))
	// 主站發送時線路上殘留的位元組視為碰撞丟失
	b.pending = nil

	req, err := parseADU(p)
	if err != nil {
		b.logger.Debug("模擬匯流排忽略損壞的請求", zap.Error(err))
		return len(p), nil
	}
	b.sends[req.Address]++

	if b.dropNext[req.Address] > 0 {
		b.dropNext[req.Address]--
		return len(p), nil
	}

	for _, n := range b.nodes {
		if req.Address != BroadcastAddress && n.device.Address() != req.Address {
			continue
		}
		pdu := n.device.Handle(req.Function, req.Payload)
		if req.Address == BroadcastAddress {
			continue
		}
		resp, err := Encode(req.Address, pdu[0], pdu[1:])
		if err != nil {
			return len(p), nil
		}
		out, delay := n.scenario.Apply(resp.Bytes(), b.rng, b.params)
		if out == nil {
			return len(p), nil
		}
		b.pending = out
		b.readyAt = time.Now().Add(delay)
		select {
		case b.notify <- struct{}{}:
		default:
		}
		return len(p), nil
	}
	return len(p), nil
}

// Read 讀取回應，readWait 內沒有資料時回傳 ErrTimeout
func (b *SimBus) Read(p []byte) (int, error) {
	deadline := time.Now().Add(b.readWait)
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return 0, io.ErrClosedPipe
		}
		now := time.Now()
		if len(b.pending) > 0 && !now.Before(b.readyAt) {
			n := copy(p, b.pending)
			b.pending = b.pending[n:]
			b.mu.Unlock()
			return n, nil
		}
		if !now.Before(deadline) {
			b.mu.Unlock()
			return 0, ErrTimeout
		}
		wait := deadline.Sub(now)
		if len(b.pending) > 0 && b.readyAt.Sub(now) < wait {
			wait = b.readyAt.Sub(now)
		}
		b.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-b.notify:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// Close 關閉匯流排
func (b *SimBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
