package main

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// HealthState 設備健康狀態
type HealthState int32

const (
	HealthDiscovered HealthState = iota
	HealthHealthy
	HealthDegraded
	HealthSilent
)

func (h HealthState) String() string {
	switch h {
	case HealthDiscovered:
		return "discovered"
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthSilent:
		return "silent"
	default:
		return "unknown"
	}
}

// MarshalText 以名稱序列化
func (h HealthState) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText 由名稱解析
func (h *HealthState) UnmarshalText(b []byte) error {
	for s := HealthDiscovered; s <= HealthSilent; s++ {
		if s.String() == string(b) {
			*h = s
			return nil
		}
	}
	return fmt.Errorf("未知的健康狀態: %s", b)
}

// Snapshot 快取的暫存器值
type Snapshot struct {
	Taken  time.Time          `json:"taken"`
	Values map[string]float64 `json:"values"`
}

// Device 設備 (不可變值，由 Registry 整體替換)
type Device struct {
	Address             uint8       `json:"address"`
	Profile             *Profile    `json:"-"`
	ProfileName         string      `json:"profile"`
	Kind                ProfileKind `json:"-"`
	Signature           Signature   `json:"signature"`
	Health              HealthState `json:"health"`
	FirstSeen           time.Time   `json:"first_seen"`
	LastSeen            time.Time   `json:"last_seen"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	Snapshot            Snapshot    `json:"snapshot"`
}

// HealthTransition 健康狀態變化事件
type HealthTransition struct {
	Seq     uint64      `json:"seq"`
	Address uint8       `json:"address"`
	From    HealthState `json:"from"`
	To      HealthState `json:"to"`
	At      time.Time   `json:"at"`
	Reason  string      `json:"reason"`
}

// RegistryPolicy 健康狀態門檻
type RegistryPolicy struct {
	DegradedAfter    int
	SilentAfter      int
	SilenceThreshold time.Duration
	HistorySize      int
}

// Subscription 健康狀態訂閱
type Subscription struct {
	ID string
	C  <-chan HealthTransition

	ch      chan HealthTransition
	dropped atomic.Uint64
}

// Dropped 因緩衝已滿而遺失的事件數
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Registry 設備登錄表
type Registry struct {
	mu      sync.RWMutex
	devices map[uint8]*Device
	policy  RegistryPolicy
	now     func() time.Time
	logger  *zap.Logger

	seq     uint64
	history []HealthTransition
	subs    map[string]*Subscription

	quarantine map[uint8]string
}

// NewRegistry 建立登錄表
func NewRegistry(policy RegistryPolicy, logger *zap.Logger) *Registry {
	if policy.DegradedAfter <= 0 {
		policy.DegradedAfter = 2
	}
	if policy.SilentAfter <= policy.DegradedAfter {
		policy.SilentAfter = 5
	}
	if policy.HistorySize <= 0 {
		policy.HistorySize = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		devices:    make(map[uint8]*Device),
		policy:     policy,
		now:        time.Now,
		logger:     logger,
		subs:       make(map[string]*Subscription),
		quarantine: make(map[uint8]string),
	}
}

// Upsert 新增或以新 profile 整體替換設備
//
// 重新發現時保留 FirstSeen，健康狀態回到 Discovered 直到下一筆成功交易。
func (r *Registry) Upsert(address uint8, profile *Profile, sig Signature, snapshot Snapshot) Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	next := &Device{
		Address:     address,
		Profile:     profile,
		ProfileName: profile.Name(),
		Kind:        profile.Kind(),
		Signature:   sig,
		Health:      HealthDiscovered,
		FirstSeen:   now,
		LastSeen:    now,
		Snapshot:    snapshot,
	}

	prev, existed := r.devices[address]
	if existed {
		next.FirstSeen = prev.FirstSeen
		if prev.Profile == profile && prev.Health != HealthSilent {
			next.Health = prev.Health
		}
	}
	r.devices[address] = next

	if !existed {
		r.logger.Info("發現設備", zap.Uint8("address", address), zap.String("profile", profile.Name()))
		r.emitLocked(address, HealthDiscovered, HealthDiscovered, "discovered", now)
	} else if prev.Health != next.Health {
		r.emitLocked(address, prev.Health, next.Health, "rediscovered", now)
	}
	return *next
}

// Get 取得設備副本
func (r *Registry) Get(address uint8) (Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[address]
	if !ok {
		return Device{}, fmt.Errorf("位址 %d: %w", address, ErrDeviceNotFound)
	}
	return *d, nil
}

// List 依位址排序的設備列表
func (r *Registry) List() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		list = append(list, *d)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Address < list[j].Address })
	return list
}

// Addresses 已知位址 (作為掃描順序提示)
func (r *Registry) Addresses() []uint8 {
	list := r.List()
	addrs := make([]uint8, len(list))
	for i, d := range list {
		addrs[i] = d.Address
	}
	return addrs
}

// PollTargets 可例行輪詢的設備 (排除 Silent)
func (r *Registry) PollTargets() []Device {
	var targets []Device
	for _, d := range r.List() {
		if d.Health != HealthSilent {
			targets = append(targets, d)
		}
	}
	return targets
}

// Remove 移除設備
func (r *Registry) Remove(address uint8) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.devices[address]
	delete(r.devices, address)
	return ok
}

// MarkSilent 直接標記為 Silent
func (r *Registry) MarkSilent(address uint8) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[address]
	if !ok {
		return fmt.Errorf("位址 %d: %w", address, ErrDeviceNotFound)
	}
	r.setHealthLocked(d, HealthSilent, "marked_silent")
	return nil
}

// UpdateSnapshot 合併新的暫存器值
func (r *Registry) UpdateSnapshot(address uint8, values map[string]float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[address]
	if !ok {
		return
	}
	next := *d
	merged := make(map[string]float64, len(d.Snapshot.Values)+len(values))
	for k, v := range d.Snapshot.Values {
		merged[k] = v
	}
	for k, v := range values {
		merged[k] = v
	}
	next.Snapshot = Snapshot{Taken: r.now(), Values: merged}
	r.devices[address] = &next
}

// ObserveOutcome 依交易結果更新健康狀態
func (r *Registry) ObserveOutcome(address uint8, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[address]
	if !ok {
		return
	}

	if err == nil || deviceResponded(err) {
		next := *d
		next.LastSeen = r.now()
		next.ConsecutiveFailures = 0
		r.devices[address] = &next
		switch d.Health {
		case HealthSilent:
			// 沉默後重新出現，需要重新探測
			r.setHealthLocked(&next, HealthDiscovered, "reappeared")
		case HealthDiscovered, HealthDegraded:
			r.setHealthLocked(&next, HealthHealthy, "transaction_ok")
		case HealthHealthy:
		}
		return
	}

	if !isBusFailure(err) {
		return
	}

	next := *d
	next.ConsecutiveFailures++
	r.devices[address] = &next

	switch d.Health {
	case HealthHealthy:
		if next.ConsecutiveFailures >= r.policy.DegradedAfter {
			r.setHealthLocked(&next, HealthDegraded, "consecutive_failures")
		}
	case HealthDegraded:
		if next.ConsecutiveFailures >= r.policy.SilentAfter {
			r.setHealthLocked(&next, HealthSilent, "consecutive_failures")
		}
	case HealthDiscovered, HealthSilent:
	}
}

// Sweep 超過沉默門檻的設備轉為 Silent，回傳轉換數
func (r *Registry) Sweep(now time.Time) int {
	if r.policy.SilenceThreshold <= 0 {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, d := range r.devices {
		if d.Health != HealthSilent && now.Sub(d.LastSeen) > r.policy.SilenceThreshold {
			r.setHealthLocked(d, HealthSilent, "silence_timeout")
			n++
		}
	}
	return n
}

// setHealthLocked 更新健康狀態並發出事件，需持有鎖
func (r *Registry) setHealthLocked(d *Device, to HealthState, reason string) {
	if d.Health == to {
		return
	}
	from := d.Health
	next := *d
	next.Health = to
	r.devices[d.Address] = &next

	r.logger.Info("設備健康狀態變化",
		zap.Uint8("address", d.Address),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.String("reason", reason),
	)
	r.emitLocked(d.Address, from, to, reason, r.now())
}

func (r *Registry) emitLocked(address uint8, from, to HealthState, reason string, at time.Time) {
	r.seq++
	ev := HealthTransition{Seq: r.seq, Address: address, From: from, To: to, At: at, Reason: reason}

	r.history = append(r.history, ev)
	if len(r.history) > r.policy.HistorySize {
		r.history = r.history[len(r.history)-r.policy.HistorySize:]
	}

	for _, s := range r.subs {
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
		}
	}
}

// Subscribe 訂閱健康狀態變化，通道滿時丟棄並計數
func (r *Registry) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan HealthTransition, buffer)
	s := &Subscription{ID: uuid.NewString(), C: ch, ch: ch}

	r.mu.Lock()
	r.subs[s.ID] = s
	r.mu.Unlock()
	return s
}

// Unsubscribe 取消訂閱並關閉通道
func (r *Registry) Unsubscribe(s *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subs[s.ID]; ok {
		delete(r.subs, s.ID)
		close(s.ch)
	}
}

// DroppedTransitions 所有訂閱者遺失的事件總數
func (r *Registry) DroppedTransitions() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var n uint64
	for _, s := range r.subs {
		n += s.dropped.Load()
	}
	return n
}

// Transitions 輪詢 afterSeq 之後的事件
func (r *Registry) Transitions(afterSeq uint64) []HealthTransition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i := sort.Search(len(r.history), func(i int) bool { return r.history[i].Seq > afterSeq })
	return append([]HealthTransition(nil), r.history[i:]...)
}

// Quarantine 隔離位址，直到操作員確認
func (r *Registry) Quarantine(address uint8, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.quarantine[address] = reason
	r.logger.Warn("位址已隔離", zap.Uint8("address", address), zap.String("reason", reason))
}

// Acknowledge 操作員確認，解除隔離
func (r *Registry) Acknowledge(address uint8) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.quarantine[address]
	delete(r.quarantine, address)
	return ok
}

// Quarantined 查詢隔離原因
func (r *Registry) Quarantined(address uint8) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reason, ok := r.quarantine[address]
	return reason, ok
}

// Allow 實作 AddressGate
func (r *Registry) Allow(address uint8) error {
	if reason, ok := r.Quarantined(address); ok {
		return fmt.Errorf("位址 %d (%s): %w", address, reason, ErrQuarantined)
	}
	return nil
}
