package main

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// TxState 單一交易狀態
type TxState int

const (
	TxStateIdle TxState = iota
	TxStateSent
	TxStateAwaitingResponse
	TxStateResolved
	TxStateRetrying
	TxStateFailed
)

func (s TxState) String() string {
	switch s {
	case TxStateIdle:
		return "idle"
	case TxStateSent:
		return "sent"
	case TxStateAwaitingResponse:
		return "awaiting_response"
	case TxStateResolved:
		return "resolved"
	case TxStateRetrying:
		return "retrying"
	case TxStateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// DefaultRetries 使用排程器預設重試次數
const DefaultRetries = -1

// Transaction 一次請求/回應交易
type Transaction struct {
	Request Frame
	// Expect 驗證回應內容，回傳錯誤時視為訊框損壞並重試
	Expect func(Frame) error
	// Timeout 為 0 時使用預設值
	Timeout time.Duration
	// MaxRetries 為 DefaultRetries 時使用預設值
	MaxRetries int
	// Untracked 不回報結果給健康狀態觀察者
	Untracked bool
}

// OutcomeObserver 接收每筆交易結果
type OutcomeObserver interface {
	ObserveOutcome(address uint8, err error)
}

// AddressGate 決定位址是否允許送出交易
type AddressGate interface {
	Allow(address uint8) error
}

// SchedulerPolicy 排程器預設策略
type SchedulerPolicy struct {
	Timeout    time.Duration
	MaxRetries int
	DrainMax   time.Duration
}

// SchedulerStats 匯流排統計
type SchedulerStats struct {
	Transactions atomic.Uint64
	Sends        atomic.Uint64
	Retries      atomic.Uint64
	Timeouts     atomic.Uint64
	FrameErrors  atomic.Uint64
	Exceptions   atomic.Uint64
	Failures     atomic.Uint64
	Broadcasts   atomic.Uint64
}

// BusStats 統計快照
type BusStats struct {
	Transactions  uint64 `json:"transactions"`
	Sends         uint64 `json:"sends"`
	Retries       uint64 `json:"retries"`
	Timeouts      uint64 `json:"timeouts"`
	FrameErrors   uint64 `json:"frame_errors"`
	Exceptions    uint64 `json:"exceptions"`
	Failures      uint64 `json:"failures"`
	Broadcasts    uint64 `json:"broadcasts"`
	QueueDepth    int    `json:"queue_depth"`
	BytesSent     uint64 `json:"bytes_sent"`
	BytesReceived uint64 `json:"bytes_received"`
	BytesDrained  uint64 `json:"bytes_drained"`
}

type txResult struct {
	frame Frame
	err   error
}

type txJob struct {
	ctx    context.Context
	tx     Transaction
	result chan txResult
}

// Scheduler 交易排程器
//
// 單一工作 goroutine 依提交順序 (FIFO) 執行交易，是 Transport 唯一的使用者。
type Scheduler struct {
	transport *Transport
	policy    SchedulerPolicy
	observer  OutcomeObserver
	gate      AddressGate
	logger    *zap.Logger

	mu     sync.Mutex
	queue  []*txJob
	closed bool

	signal chan struct{}
	stop   chan struct{}
	done   chan struct{}

	stats SchedulerStats
}

// SchedulerOption 排程器選項
type SchedulerOption func(*Scheduler)

// WithObserver 設定結果觀察者
func WithObserver(o OutcomeObserver) SchedulerOption {
	return func(s *Scheduler) {
		s.observer = o
	}
}

// WithGate 設定位址閘門
func WithGate(g AddressGate) SchedulerOption {
	return func(s *Scheduler) {
		s.gate = g
	}
}

// WithSchedulerLogger 設定日誌
func WithSchedulerLogger(logger *zap.Logger) SchedulerOption {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// NewScheduler 建立排程器並啟動工作 goroutine
func NewScheduler(transport *Transport, policy SchedulerPolicy, opts ...SchedulerOption) *Scheduler {
	if policy.Timeout <= 0 {
		policy.Timeout = time.Second
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 3
	}
	if policy.DrainMax <= 0 {
		policy.DrainMax = policy.Timeout
	}

	s := &Scheduler{
		transport: transport,
		policy:    policy,
		signal:    make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}

	go s.run()
	return s
}

// Execute 提交交易並等待結果
//
// ctx 在開始前與重試之間生效，不會中斷正在傳送的訊框。
func (s *Scheduler) Execute(ctx context.Context, tx Transaction) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	if err := s.admit(tx); err != nil {
		return Frame{}, err
	}

	job := &txJob{ctx: ctx, tx: tx, result: make(chan txResult, 1)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Frame{}, &TransactionError{Kind: TxClosed, Address: tx.Request.Address, Function: tx.Request.Function, Err: ErrSchedulerClosed}
	}
	s.queue = append(s.queue, job)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}

	select {
	case r := <-job.result:
		return r.frame, r.err
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// QueueDepth 等待中的交易數
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Stats 取得統計快照
func (s *Scheduler) Stats() BusStats {
	ts := s.transport.Stats()
	return BusStats{
		Transactions:  s.stats.Transactions.Load(),
		Sends:         s.stats.Sends.Load(),
		Retries:       s.stats.Retries.Load(),
		Timeouts:      s.stats.Timeouts.Load(),
		FrameErrors:   s.stats.FrameErrors.Load(),
		Exceptions:    s.stats.Exceptions.Load(),
		Failures:      s.stats.Failures.Load(),
		Broadcasts:    s.stats.Broadcasts.Load(),
		QueueDepth:    s.QueueDepth(),
		BytesSent:     ts.BytesSent.Load(),
		BytesReceived: ts.BytesReceived.Load(),
		BytesDrained:  ts.BytesDrained.Load(),
	}
}

// Close 停止工作 goroutine 並關閉傳輸層
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stop)
	<-s.done

	s.mu.Lock()
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()
	for _, job := range pending {
		job.result <- txResult{err: &TransactionError{
			Kind:     TxClosed,
			Address:  job.tx.Request.Address,
			Function: job.tx.Request.Function,
			Err:      ErrSchedulerClosed,
		}}
	}

	return s.transport.Close()
}

// run 工作迴圈
func (s *Scheduler) run() {
	defer close(s.done)

	for {
		job, ok := s.next()
		if !ok {
			return
		}

		if err := job.ctx.Err(); err != nil {
			job.result <- txResult{err: err}
			continue
		}
		// 排隊期間位址可能已被隔離
		if err := s.admit(job.tx); err != nil {
			job.result <- txResult{err: err}
			continue
		}

		frame, err := s.perform(job.ctx, job.tx)
		s.report(job.tx, err)
		job.result <- txResult{frame: frame, err: err}
	}
}

// admit 檢查位址閘門，廣播不受限
func (s *Scheduler) admit(tx Transaction) error {
	if s.gate == nil || tx.Request.Address == BroadcastAddress {
		return nil
	}
	return s.gate.Allow(tx.Request.Address)
}

// next 取出下一筆交易，停止時回傳 false
func (s *Scheduler) next() (*txJob, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			job := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return job, true
		}
		s.mu.Unlock()

		select {
		case <-s.signal:
		case <-s.stop:
			return nil, false
		}
	}
}

// report 回報結果給觀察者，取消或關閉不計入健康狀態
func (s *Scheduler) report(tx Transaction, err error) {
	if tx.Untracked || s.observer == nil || tx.Request.Address == BroadcastAddress {
		return
	}
	if err != nil {
		var txErr *TransactionError
		if !errors.As(err, &txErr) || txErr.Kind == TxTransport || txErr.Kind == TxClosed {
			return
		}
	}
	s.observer.ObserveOutcome(tx.Request.Address, err)
}

// perform 執行交易，含重試
func (s *Scheduler) perform(ctx context.Context, tx Transaction) (Frame, error) {
	req := tx.Request
	timeout := tx.Timeout
	if timeout <= 0 {
		timeout = s.policy.Timeout
	}
	retries := tx.MaxRetries
	if retries < 0 {
		retries = s.policy.MaxRetries
	}

	s.stats.Transactions.Add(1)
	raw := req.Bytes()
	log := s.logger.With(zap.Uint8("address", req.Address), zap.Uint8("function", req.Function))

	lastKind := TxNoResponse
	var lastErr error
	attempts := 0

	for attempts < retries+1 {
		if attempts > 0 {
			if err := ctx.Err(); err != nil {
				return Frame{}, err
			}
			s.stats.Retries.Add(1)
			log.Debug("交易重試", zap.Stringer("state", TxStateRetrying), zap.Int("attempt", attempts+1), zap.Error(lastErr))
		}
		attempts++

		s.stats.Sends.Add(1)
		if err := s.transport.Send(raw); err != nil {
			s.stats.Failures.Add(1)
			log.Warn("送出訊框失敗", zap.Error(err))
			return Frame{}, &TransactionError{Kind: TxTransport, Address: req.Address, Function: req.Function, Attempts: attempts, Err: err}
		}
		log.Debug("訊框已送出", zap.Stringer("state", TxStateSent), zap.Binary("adu", raw))

		if req.Address == BroadcastAddress {
			s.stats.Broadcasts.Add(1)
			return Frame{}, nil
		}

		resp, err := s.transport.Receive(timeout, expectedResponseSize)
		if errors.Is(err, ErrTimeout) {
			s.stats.Timeouts.Add(1)
			lastKind, lastErr = TxNoResponse, err
			continue
		}
		var rxErr *FrameError
		if errors.As(err, &rxErr) {
			s.stats.FrameErrors.Add(1)
			log.Warn("接收訊框異常，重新同步", zap.Error(err))
			s.transport.Drain(s.policy.DrainMax)
			lastKind, lastErr = TxMalformed, err
			continue
		}
		if err != nil {
			s.stats.Failures.Add(1)
			log.Warn("接收訊框失敗", zap.Error(err))
			return Frame{}, &TransactionError{Kind: TxTransport, Address: req.Address, Function: req.Function, Attempts: attempts, Err: err}
		}
		log.Debug("收到回應", zap.Stringer("state", TxStateAwaitingResponse), zap.Binary("adu", resp))

		frame, err := Decode(resp)
		var frameErr *FrameError
		if errors.As(err, &frameErr) && frameErr.Kind == FrameExceptionResponse {
			if mismatch := CheckResponse(req, frame); mismatch != nil {
				err = mismatch
			} else {
				s.stats.Exceptions.Add(1)
				return frame, &TransactionError{
					Kind:     TxDeviceException,
					Address:  req.Address,
					Function: req.Function,
					Code:     frameErr.Code,
					Attempts: attempts,
					Err:      frameErr,
				}
			}
		}
		if err == nil {
			err = CheckResponse(req, frame)
		}
		if err == nil && tx.Expect != nil {
			err = tx.Expect(frame)
		}
		if err != nil {
			s.stats.FrameErrors.Add(1)
			s.transport.Drain(s.policy.DrainMax)
			lastKind, lastErr = TxMalformed, err
			continue
		}

		log.Debug("交易完成", zap.Stringer("state", TxStateResolved), zap.Int("attempts", attempts))
		return frame, nil
	}

	s.stats.Failures.Add(1)
	log.Debug("交易失敗", zap.Stringer("state", TxStateFailed), zap.Stringer("kind", lastKind), zap.Int("attempts", attempts))
	return Frame{}, &TransactionError{
		Kind:     lastKind,
		Address:  req.Address,
		Function: req.Function,
		Attempts: attempts,
		Err:      lastErr,
	}
}
