package main

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ScanRange 掃描位址範圍，提示位址優先
type ScanRange struct {
	From  int
	To    int
	Hints []int
}

// NewScanRange 建立掃描範圍
func NewScanRange(from, to int) ScanRange {
	return ScanRange{From: from, To: to}
}

// FullScanRange 1 到 246 (247 保留給恢復模式)
func FullScanRange() ScanRange {
	return NewScanRange(MinDeviceAddress, MaxNormalAddress)
}

// WithHint 加入優先掃描的位址
func (r ScanRange) WithHint(addrs ...int) ScanRange {
	r.Hints = append(slices.Clone(r.Hints), addrs...)
	return r
}

// Validate 檢查範圍
func (r ScanRange) Validate() error {
	for _, a := range []int{r.From, r.To} {
		if a < MinDeviceAddress || a > MaxDeviceAddress {
			return &ScanError{Address: a, Reason: fmt.Sprintf("必須介於 %d 與 %d", MinDeviceAddress, MaxDeviceAddress)}
		}
	}
	if r.From > r.To {
		return &ScanError{Address: r.From, Reason: fmt.Sprintf("起始位址大於結束位址 %d", r.To)}
	}
	return nil
}

// Addresses 掃描順序: 範圍內的提示位址 (去重) 後接其餘位址遞增
func (r ScanRange) Addresses() []uint8 {
	seen := make(map[int]bool, r.To-r.From+1)
	order := make([]uint8, 0, r.To-r.From+1)
	for _, h := range r.Hints {
		if h >= r.From && h <= r.To && !seen[h] {
			seen[h] = true
			order = append(order, uint8(h))
		}
	}
	for a := r.From; a <= r.To; a++ {
		if !seen[a] {
			order = append(order, uint8(a))
		}
	}
	return order
}

// ParseScanRange 解析 "1-246" 或 "17"
func ParseScanRange(s string) (ScanRange, error) {
	from, to, found := strings.Cut(strings.TrimSpace(s), "-")
	lo, err := strconv.Atoi(strings.TrimSpace(from))
	if err != nil {
		return ScanRange{}, fmt.Errorf("無效的掃描範圍 %q: %w", s, err)
	}
	hi := lo
	if found {
		if hi, err = strconv.Atoi(strings.TrimSpace(to)); err != nil {
			return ScanRange{}, fmt.Errorf("無效的掃描範圍 %q: %w", s, err)
		}
	}
	r := NewScanRange(lo, hi)
	return r, r.Validate()
}

// ScanPolicy 探測參數
type ScanPolicy struct {
	ProbeTimeout time.Duration
	ProbeRetries int
	ReadSnapshot bool
}

// Scanner 匯流排掃描器
type Scanner struct {
	bus      requester
	registry *Registry
	catalog  *ProfileCatalog
	policy   ScanPolicy
	logger   *zap.Logger
}

// NewScanner 建立掃描器
func NewScanner(bus requester, registry *Registry, catalog *ProfileCatalog, policy ScanPolicy, logger *zap.Logger) *Scanner {
	if policy.ProbeTimeout <= 0 {
		policy.ProbeTimeout = 100 * time.Millisecond
	}
	if policy.ProbeRetries < 0 {
		policy.ProbeRetries = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{bus: bus, registry: registry, catalog: catalog, policy: policy, logger: logger}
}

// Scan 依序探測範圍內的位址
//
// 回傳的序列是惰性的，可重複迭代，每次迭代重新探測。取消只在位址之間生效。
func (s *Scanner) Scan(ctx context.Context, r ScanRange) (iter.Seq2[Device, error], error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	addrs := r.Addresses()

	return func(yield func(Device, error) bool) {
		start := time.Now()
		found := 0
		defer func() {
			s.logger.Info("掃描結束",
				zap.Int("from", r.From),
				zap.Int("to", r.To),
				zap.Int("found", found),
				zap.Duration("elapsed", time.Since(start)),
			)
		}()

		for _, addr := range addrs {
			if err := ctx.Err(); err != nil {
				yield(Device{}, err)
				return
			}

			dev, ok, err := s.ScanAddress(ctx, addr)
			if err != nil {
				// 傳輸層損壞或排程器關閉，後續位址無法探測
				yield(Device{}, err)
				return
			}
			if !ok {
				continue
			}
			found++
			if !yield(dev, nil) {
				return
			}
		}
	}, nil
}

// ScanAddress 探測單一位址，設備不在線時回傳 false
func (s *Scanner) ScanAddress(ctx context.Context, addr uint8) (Device, bool, error) {
	log := s.logger.With(zap.Uint8("address", addr))
	client := newUnitClient(s.bus, addr).withPolicy(s.policy.ProbeTimeout, s.policy.ProbeRetries)

	var sig Signature
	payload, err := client.ReportServerID(ctx)
	switch {
	case err == nil:
		sig = signatureFromServerID(payload)
	case errors.Is(err, ErrQuarantined):
		log.Debug("略過隔離位址")
		return Device{}, false, nil
	case isBusFailure(err):
		return Device{}, false, nil
	default:
		if _, ok := exceptionCode(err); !ok {
			return Device{}, false, err
		}
		if !deviceResponded(err) {
			return Device{}, false, nil
		}
		// 不支援 FC 17 的設備仍然在線
		log.Debug("設備拒絕 Report Server ID", zap.Error(err))
	}

	if err := s.readIdentification(ctx, client, &sig); err != nil {
		if _, isException := exceptionCode(err); !isException && !isBusFailure(err) {
			return Device{}, false, err
		}
		log.Debug("讀取設備識別失敗，使用 server id", zap.Error(err))
	}

	profile := s.catalog.Select(sig)
	var snapshot Snapshot
	if s.policy.ReadSnapshot {
		snapshot = s.readSnapshot(ctx, client, profile)
	}

	dev := s.registry.Upsert(addr, profile, sig, snapshot)
	log.Info("設備已識別",
		zap.String("profile", profile.Name()),
		zap.String("vendor", sig.VendorName),
		zap.String("product", sig.ProductCode),
		zap.Bool("recovery", sig.Recovery != nil),
	)
	return dev, true, nil
}

// readIdentification 以 MEI extended 讀取所有識別物件
func (s *Scanner) readIdentification(ctx context.Context, client *unitClient, sig *Signature) error {
	objects, err := client.ReadDeviceIdentification(ctx, DeviceIDReadExtended, ObjectVendorName)
	if err != nil {
		return err
	}
	applyObjects(sig, objects)
	return nil
}

// readSnapshot 讀取 profile 宣告的暫存器，失敗的暫存器略過
func (s *Scanner) readSnapshot(ctx context.Context, client *unitClient, profile *Profile) Snapshot {
	values := make(map[string]float64)
	for _, def := range profile.Registers() {
		if def.Table != RegisterTypeHoldingRegister && def.Table != RegisterTypeInputRegister {
			continue
		}
		if !profile.SupportsFunction(def.Table.ReadFunction()) {
			continue
		}
		var words []uint16
		var err error
		if def.Table == RegisterTypeHoldingRegister {
			words, err = client.ReadHoldingRegisters(ctx, def.Address, uint16(def.Words()))
		} else {
			words, err = client.ReadInputRegisters(ctx, def.Address, uint16(def.Words()))
		}
		if err != nil {
			continue
		}
		if v, err := def.Decode(words); err == nil {
			values[def.Name] = v
		}
	}
	return Snapshot{Taken: time.Now(), Values: values}
}

// signatureFromServerID 解析 FC 17 內容: server id, run indicator, 名稱
func signatureFromServerID(p []byte) Signature {
	var sig Signature
	if len(p) > 0 {
		sig.ServerID = p[0]
	}
	if len(p) > 1 {
		sig.Running = p[1] == 0xFF
	}
	if len(p) > 2 {
		sig.Name = printable(p[2:])
	}
	return sig
}

func applyObjects(sig *Signature, objects map[uint8]string) {
	sig.Objects = objects
	sig.VendorName = strings.TrimSpace(objects[ObjectVendorName])
	sig.ProductCode = strings.TrimSpace(objects[ObjectProductCode])
	sig.Revision = strings.TrimSpace(objects[ObjectRevision])
	sig.ProductName = strings.TrimSpace(objects[ObjectProductName])
	sig.ModelName = strings.TrimSpace(objects[ObjectModelName])

	if raw, ok := objects[ObjectRecoveryString]; ok {
		if id, ok := ParseRecoveryString(raw); ok {
			sig.Recovery = &id
		}
	}
	if raw, ok := objects[ObjectRelayCount]; ok {
		sig.RelayCount = parseRelayCount(raw)
	}
}

// parseRelayCount 物件 0x81 可能是 ASCII 數字或單一位元組
func parseRelayCount(raw string) int {
	if n, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil {
		return n
	}
	if len(raw) == 1 {
		return int(raw[0])
	}
	return 0
}

func printable(b []byte) string {
	out := make([]byte, 0, len(b))
	for _, c := range b {
		if c >= 0x20 && c < 0x7F {
			out = append(out, c)
		}
	}
	return strings.TrimSpace(string(out))
}
