package main

import (
	"math/rand"
	"sort"
	"sync"
	"time"
)

// 模擬匯流排故障場景
const (
	ScenarioNormal     = "normal"
	ScenarioSilent     = "silent"
	ScenarioGarbled    = "garbled"
	ScenarioJitter     = "jitter"
	ScenarioPacketLoss = "packet_loss"
	ScenarioTruncated  = "truncated"
)

// FaultParams 場景參數
type FaultParams struct {
	JitterMin      time.Duration
	JitterMax      time.Duration
	PacketLossRate float64
}

// FaultScenario 對模擬設備的回應套用故障
//
// Apply 回傳 nil 表示不回應；delay 為回應前的額外延遲。
type FaultScenario interface {
	Name() string
	Apply(resp []byte, rng *rand.Rand, params FaultParams) (out []byte, delay time.Duration)
}

// 場景註冊表
var (
	scenarioRegistry   = make(map[string]FaultScenario)
	scenarioRegistryMu sync.RWMutex
)

func init() {
	RegisterScenario(normalScenario{})
	RegisterScenario(silentScenario{})
	RegisterScenario(garbledScenario{})
	RegisterScenario(jitterScenario{})
	RegisterScenario(packetLossScenario{})
	RegisterScenario(truncatedScenario{})
}

// RegisterScenario 註冊場景
func RegisterScenario(s FaultScenario) {
	scenarioRegistryMu.Lock()
	defer scenarioRegistryMu.Unlock()
	scenarioRegistry[s.Name()] = s
}

// LookupScenario 取得場景，空字串為 normal
func LookupScenario(name string) (FaultScenario, bool) {
	if name == "" {
		name = ScenarioNormal
	}
	scenarioRegistryMu.RLock()
	defer scenarioRegistryMu.RUnlock()
	s, ok := scenarioRegistry[name]
	return s, ok
}

// ListScenarios 列出所有場景名稱
func ListScenarios() []string {
	scenarioRegistryMu.RLock()
	defer scenarioRegistryMu.RUnlock()

	names := make([]string, 0, len(scenarioRegistry))
	for name := range scenarioRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// normalScenario 正常回應
type normalScenario struct{}

func (normalScenario) Name() string { return ScenarioNormal }

func (normalScenario) Apply(resp []byte, _ *rand.Rand, _ FaultParams) ([]byte, time.Duration) {
	return resp, 0
}

// silentScenario 設備離線
type silentScenario struct{}

func (silentScenario) Name() string { return ScenarioSilent }

func (silentScenario) Apply([]byte, *rand.Rand, FaultParams) ([]byte, time.Duration) {
	return nil, 0
}

// garbledScenario 線路雜訊，翻轉一個位元造成 CRC 錯誤
type garbledScenario struct{}

func (garbledScenario) Name() string { return ScenarioGarbled }

func (garbledScenario) Apply(resp []byte, rng *rand.Rand, _ FaultParams) ([]byte, time.Duration) {
	out := append([]byte(nil), resp...)
	if len(out) > 0 {
		i := rng.Intn(len(out))
		out[i] ^= 1 << uint(rng.Intn(8))
	}
	return out, 0
}

// jitterScenario 回應延遲抖動
type jitterScenario struct{}

func (jitterScenario) Name() string { return ScenarioJitter }

func (jitterScenario) Apply(resp []byte, rng *rand.Rand, p FaultParams) ([]byte, time.Duration) {
	if p.JitterMax <= p.JitterMin {
		return resp, p.JitterMin
	}
	return resp, p.JitterMin + time.Duration(rng.Int63n(int64(p.JitterMax-p.JitterMin)))
}

// packetLossScenario 隨機遺失回應
type packetLossScenario struct{}

func (packetLossScenario) Name() string { return ScenarioPacketLoss }

func (packetLossScenario) Apply(resp []byte, rng *rand.Rand, p FaultParams) ([]byte, time.Duration) {
	if p.PacketLossRate > 0 && rng.Float64() < p.PacketLossRate {
		return nil, 0
	}
	return resp, 0
}

// truncatedScenario 回應被截斷
type truncatedScenario struct{}

func (truncatedScenario) Name() string { return ScenarioTruncated }

func (truncatedScenario) Apply(resp []byte, _ *rand.Rand, _ FaultParams) ([]byte, time.Duration) {
	if len(resp) <= 3 {
		return resp[:1], 0
	}
	return resp[:len(resp)-3], 0
}
