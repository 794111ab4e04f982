package main

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrRecoveryInProgress 同時只允許一個恢復流程
var ErrRecoveryInProgress = errors.New("已有恢復流程進行中")

// RecoveryStep 恢復流程步驟
type RecoveryStep int

const (
	RecoveryIdle RecoveryStep = iota
	RecoveryEnterRequested
	RecoveryAcknowledged
	RecoveryReprogramming
	RecoveryVerifyRequested
	RecoveryCompleted
	RecoveryAborted
)

func (s RecoveryStep) String() string {
	switch s {
	case RecoveryIdle:
		return "idle"
	case RecoveryEnterRequested:
		return "enter_recovery_requested"
	case RecoveryAcknowledged:
		return "recovery_acknowledged"
	case RecoveryReprogramming:
		return "reprogramming"
	case RecoveryVerifyRequested:
		return "verify_requested"
	case RecoveryCompleted:
		return "completed"
	case RecoveryAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// 恢復協議 v1 的通訊設定代碼
var (
	recoveryBaudCodes   = []int{300, 600, 1200, 2400, 4800, 9600, 19200, 38400, 57600, 115200}
	recoveryParityCodes = []string{"N", "O", "E"}
)

// RecoveryRequest 要寫入設備的新通訊設定
type RecoveryRequest = CommSettings

// encodeRecoveryConfig 將通訊設定編碼成 4 個設定暫存器
func encodeRecoveryConfig(req RecoveryRequest) ([]uint16, error) {
	var errs []error
	if req.Address < MinDeviceAddress || req.Address > MaxNormalAddress {
		errs = append(errs, &ValidationError{Field: "address", Value: req.Address, Reason: fmt.Sprintf("必須介於 %d 與 %d", MinDeviceAddress, MaxNormalAddress)})
	}
	baud := slices.Index(recoveryBaudCodes, req.BaudRate)
	if baud < 0 {
		errs = append(errs, &ValidationError{Field: "baud_rate", Value: req.BaudRate, Reason: fmt.Sprintf("必須為 %v 之一", recoveryBaudCodes)})
	}
	parity := slices.Index(recoveryParityCodes, req.Parity)
	if parity < 0 {
		errs = append(errs, &ValidationError{Field: "parity", Value: req.Parity, Reason: "必須為 N、O 或 E"})
	}
	if req.StopBits != 1 && req.StopBits != 2 {
		errs = append(errs, &ValidationError{Field: "stop_bits", Value: req.StopBits, Reason: "必須為 1 或 2"})
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return []uint16{uint16(req.Address), uint16(baud), uint16(parity), uint16(req.StopBits)}, nil
}

// decodeRecoveryConfig 解析設定暫存器
func decodeRecoveryConfig(words []uint16) (CommSettings, error) {
	if len(words) < 4 {
		return CommSettings{}, fmt.Errorf("設定暫存器不足: %d", len(words))
	}
	if words[0] > MaxDeviceAddress {
		return CommSettings{}, fmt.Errorf("無效的設備位址: %d", words[0])
	}
	if int(words[1]) >= len(recoveryBaudCodes) {
		return CommSettings{}, fmt.Errorf("無效的鮑率代碼: %d", words[1])
	}
	if int(words[2]) >= len(recoveryParityCodes) {
		return CommSettings{}, fmt.Errorf("無效的同位代碼: %d", words[2])
	}
	if words[3] != 1 && words[3] != 2 {
		return CommSettings{}, fmt.Errorf("無效的停止位元: %d", words[3])
	}
	return CommSettings{
		Address:  uint8(words[0]),
		BaudRate: recoveryBaudCodes[words[1]],
		Parity:   recoveryParityCodes[words[2]],
		StopBits: int(words[3]),
	}, nil
}

// RecoverySession 執行中的恢復流程
type RecoverySession struct {
	ID        string          `json:"id"`
	Target    uint8           `json:"target"`
	Profile   string          `json:"profile"`
	Step      RecoveryStep    `json:"step"`
	Started   time.Time       `json:"started"`
	Deadline  time.Time       `json:"deadline"`
	Requested RecoveryRequest `json:"requested"`
}

// RecoveryOutcome 完成的恢復結果
type RecoveryOutcome struct {
	SessionID string           `json:"session_id"`
	Identity  RecoveryIdentity `json:"identity"`
	Signature Signature        `json:"signature"`
	Previous  CommSettings     `json:"previous"`
	Applied   CommSettings     `json:"applied"`
	Elapsed   time.Duration    `json:"elapsed"`
}

// RecoveryController 恢復模式控制器
type RecoveryController struct {
	bus      requester
	registry *Registry
	logger   *zap.Logger

	mu     sync.Mutex
	active *RecoverySession
}

// NewRecoveryController 建立恢復控制器
func NewRecoveryController(bus requester, registry *Registry, logger *zap.Logger) *RecoveryController {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecoveryController{bus: bus, registry: registry, logger: logger}
}

// Active 目前的恢復流程
func (c *RecoveryController) Active() (RecoverySession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active == nil {
		return RecoverySession{}, false
	}
	return *c.active, true
}

func (c *RecoveryController) setStep(step RecoveryStep) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil {
		c.active.Step = step
	}
}

// Run 執行完整恢復流程
//
// 進入或確認階段失敗時中止 (可重試)；寫入後失敗為致命錯誤，目標位址被隔離直到操作員確認。
func (c *RecoveryController) Run(ctx context.Context, profile *Profile, req RecoveryRequest) (RecoveryOutcome, error) {
	return c.run(ctx, profile, BroadcastAddress, req)
}

// RunDevice 與 Run 相同，但恢復模式中的設備原位址必須是 address，否則在寫入前中止
func (c *RecoveryController) RunDevice(ctx context.Context, profile *Profile, address uint8, req RecoveryRequest) (RecoveryOutcome, error) {
	return c.run(ctx, profile, address, req)
}

func (c *RecoveryController) run(ctx context.Context, profile *Profile, expect uint8, req RecoveryRequest) (RecoveryOutcome, error) {
	if !profile.SupportsRecovery() {
		return RecoveryOutcome{}, &CapabilityError{Address: RecoveryAddress, Profile: profile.Name(), Operation: "recovery"}
	}
	want, err := encodeRecoveryConfig(req)
	if err != nil {
		return RecoveryOutcome{}, err
	}
	params := profile.Recovery()

	if err := c.registry.Allow(params.Address); err != nil {
		return RecoveryOutcome{}, err
	}

	now := time.Now()
	session := &RecoverySession{
		ID:        uuid.NewString(),
		Target:    params.Address,
		Profile:   profile.Name(),
		Step:      RecoveryIdle,
		Started:   now,
		Deadline:  now.Add(params.SessionTimeout),
		Requested: req,
	}

	c.mu.Lock()
	if c.active != nil {
		c.mu.Unlock()
		return RecoveryOutcome{}, ErrRecoveryInProgress
	}
	c.active = session
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.active = nil
		c.mu.Unlock()
	}()

	ctx, cancel := context.WithDeadline(ctx, session.Deadline)
	defer cancel()

	log := c.logger.With(zap.String("session", session.ID), zap.Uint8("target", session.Target))
	log.Info("開始恢復流程",
		zap.String("profile", profile.Name()),
		zap.Uint8("new_address", req.Address),
		zap.Int("baud_rate", req.BaudRate),
		zap.String("parity", req.Parity),
		zap.Int("stop_bits", req.StopBits),
	)

	client := newUnitClient(c.bus, params.Address).
		withPolicy(params.StepTimeout, params.StepRetries).
		detached()

	step := RecoveryIdle
	fail := func(fatal bool, err error) (RecoveryOutcome, error) {
		rerr := &RecoveryError{SessionID: session.ID, Address: session.Target, Step: step, Fatal: fatal, Err: err}
		if fatal {
			c.registry.Quarantine(session.Target, fmt.Sprintf("恢復流程 %s 於 %s 失敗", session.ID, step))
			log.Error("恢復流程致命失敗", zap.Stringer("step", step), zap.Error(err))
		} else {
			log.Warn("恢復流程中止", zap.Stringer("step", step), zap.Error(err))
		}
		c.setStep(RecoveryAborted)
		return RecoveryOutcome{}, rerr
	}
	advance := func(next RecoveryStep) {
		step = next
		c.setStep(next)
		log.Debug("恢復步驟", zap.Stringer("step", next))
	}

	advance(RecoveryEnterRequested)
	payload, err := client.ReportServerID(ctx)
	if err != nil {
		return fail(false, fmt.Errorf("設備未進入恢復模式: %w", err))
	}
	sig := signatureFromServerID(payload)

	advance(RecoveryAcknowledged)
	objects, err := client.ReadDeviceIdentification(ctx, DeviceIDReadExtended, ObjectVendorName)
	if err != nil {
		return fail(false, fmt.Errorf("讀取恢復識別失敗: %w", err))
	}
	applyObjects(&sig, objects)
	if sig.Recovery == nil {
		return fail(false, fmt.Errorf("設備未回報有效的恢復識別字串"))
	}
	identity := *sig.Recovery
	if identity.Version < 1 {
		return fail(false, fmt.Errorf("不支援的恢復協議版本: %d", identity.Version))
	}

	words, err := client.ReadHoldingRegisters(ctx, identity.ConfigAddress, uint16(params.ConfigWords))
	if err != nil {
		return fail(false, fmt.Errorf("讀取通訊設定失敗: %w", err))
	}
	previous, err := decodeRecoveryConfig(words)
	if err != nil {
		return fail(false, err)
	}
	log.Info("目前通訊設定",
		zap.Uint8("address", previous.Address),
		zap.Int("baud_rate", previous.BaudRate),
		zap.String("parity", previous.Parity),
		zap.Int("stop_bits", previous.StopBits),
	)
	if expect != BroadcastAddress && previous.Address != expect {
		return fail(false, fmt.Errorf("恢復模式中的設備原位址為 %d，不是 %d", previous.Address, expect))
	}

	advance(RecoveryReprogramming)
	if err := client.WriteMultipleRegisters(ctx, identity.ConfigAddress, want); err != nil {
		return fail(true, fmt.Errorf("寫入通訊設定失敗: %w", err))
	}

	advance(RecoveryVerifyRequested)
	readback, err := client.ReadHoldingRegisters(ctx, identity.ConfigAddress, uint16(params.ConfigWords))
	if err != nil {
		return fail(true, fmt.Errorf("讀回通訊設定失敗: %w", err))
	}
	if !slices.Equal(readback[:len(want)], want) {
		return fail(true, fmt.Errorf("讀回設定不一致: 寫入 %v 讀回 %v", want, readback[:len(want)]))
	}

	payload, err = client.ReportServerID(ctx)
	if err != nil {
		return fail(true, fmt.Errorf("重新讀取識別失敗: %w", err))
	}
	verify := signatureFromServerID(payload)
	objects, err = client.ReadDeviceIdentification(ctx, DeviceIDReadExtended, ObjectVendorName)
	if err != nil {
		return fail(true, fmt.Errorf("重新讀取識別失敗: %w", err))
	}
	applyObjects(&verify, objects)
	if !verify.Equivalent(sig) || verify.Recovery == nil || *verify.Recovery != identity {
		return fail(true, fmt.Errorf("設備識別在恢復期間改變"))
	}

	if err := client.WriteSingleRegister(ctx, params.ExitRegister, params.ExitValue); err != nil {
		return fail(true, fmt.Errorf("退出恢復模式失敗: %w", err))
	}

	advance(RecoveryCompleted)
	outcome := RecoveryOutcome{
		SessionID: session.ID,
		Identity:  identity,
		Signature: sig,
		Previous:  previous,
		Applied:   req,
		Elapsed:   time.Since(session.Started),
	}
	log.Info("恢復流程完成", zap.Duration("elapsed", outcome.Elapsed))
	return outcome, nil
}
