package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// chunkPort 依序吐出預先排好的位元組片段
type chunkPort struct {
	mu      sync.Mutex
	chunks  [][]byte
	written [][]byte
	closed  bool
}

func (p *chunkPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if len(p.chunks) == 0 {
		p.mu.Unlock()
		time.Sleep(100 * time.Microsecond)
		return 0, ErrTimeout
	}
	n := copy(b, p.chunks[0])
	p.chunks = p.chunks[1:]
	p.mu.Unlock()
	return n, nil
}

func (p *chunkPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.written = append(p.written, append([]byte(nil), b...))
	return len(b), nil
}

func (p *chunkPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

var testTiming = Timing{Char: 10 * time.Microsecond, InterChar: time.Millisecond, InterFrame: 2 * time.Millisecond}

func TestTransport_SendReceive(t *testing.T) {
	bus := NewSimBus(FaultParams{}, 1)
	require.NoError(t, bus.Attach(NewSimulatedRelay(5), ScenarioNormal))
	tr := NewTransport(bus, testTiming, zaptest.NewLogger(t))

	req, err := Encode(5, FuncCodeReadInputRegisters, addrQty(RegStatus, 1))
	require.NoError(t, err)
	require.NoError(t, tr.Send(req.Bytes()))

	raw, err := tr.Receive(100*time.Millisecond, expectedResponseSize)
	require.NoError(t, err)
	resp, err := Decode(raw)
	require.NoError(t, err)
	assert.NoError(t, CheckResponse(req, resp))

	stats := tr.Stats()
	assert.Equal(t, uint64(len(req.Bytes())), stats.BytesSent.Load())
	assert.Equal(t, uint64(len(raw)), stats.BytesReceived.Load())
}

func TestTransport_ReceiveTimeout(t *testing.T) {
	tr := NewTransport(NewSimBus(FaultParams{}, 1), testTiming, nil)

	start := time.Now()
	_, err := tr.Receive(20*time.Millisecond, expectedResponseSize)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestTransport_ReceiveSplitFrame(t *testing.T) {
	f, err := Encode(7, FuncCodeReadHoldingRegisters, []byte{0x04, 0x00, 0x01, 0x00, 0x02})
	require.NoError(t, err)
	raw := f.Bytes()

	t.Run("sizer completes frame", func(t *testing.T) {
		port := &chunkPort{chunks: [][]byte{raw[:3], raw[3:]}}
		tr := NewTransport(port, testTiming, nil)

		got, err := tr.Receive(50*time.Millisecond, expectedResponseSize)
		require.NoError(t, err)
		assert.Equal(t, raw, got)
	})

	t.Run("inter-char silence ends frame", func(t *testing.T) {
		port := &chunkPort{chunks: [][]byte{raw[:2], raw[2:]}}
		tr := NewTransport(port, testTiming, nil)

		got, err := tr.Receive(50*time.Millisecond, nil)
		require.NoError(t, err)
		assert.Equal(t, raw, got)
	})
}

// babblePort 持續送出位元組，永遠不靜默
type babblePort struct {
	every time.Duration
}

func (p babblePort) Read(b []byte) (int, error) {
	if p.every > 0 {
		time.Sleep(p.every)
	}
	b[0] = 0x00
	return 1, nil
}

func (p babblePort) Write(b []byte) (int, error) { return len(b), nil }
func (p babblePort) Close() error                { return nil }

func TestTransport_ReceiveBabblingLine(t *testing.T) {
	tests := []struct {
		name   string
		port   babblePort
		timing Timing
	}{
		{"exceeds max length", babblePort{}, testTiming},
		{"frame never ends", babblePort{every: time.Millisecond}, Timing{Char: 10 * time.Microsecond, InterChar: 50 * time.Millisecond, InterFrame: 50 * time.Millisecond}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTransport(tt.port, tt.timing, nil)

			done := make(chan error, 1)
			go func() {
				_, err := tr.Receive(50*time.Millisecond, expectedResponseSize)
				done <- err
			}()

			select {
			case err := <-done:
				var frameErr *FrameError
				require.True(t, errors.As(err, &frameErr))
				assert.Equal(t, FrameOversize, frameErr.Kind)
			case <-time.After(2 * time.Second):
				t.Fatal("Receive 在持續送出位元組的線路上沒有結束")
			}
		})
	}
}

func TestScheduler_BabblingLineResyncs(t *testing.T) {
	s := NewScheduler(NewTransport(babblePort{}, testTiming, nil), testPolicy)
	t.Cleanup(func() { s.Close() })

	tx := statusRequest(t, 5)
	tx.MaxRetries = 1

	done := make(chan error, 1)
	go func() {
		_, err := s.Execute(context.Background(), tx)
		done <- err
	}()

	select {
	case err := <-done:
		var txErr *TransactionError
		require.True(t, errors.As(err, &txErr))
		assert.Equal(t, TxMalformed, txErr.Kind)
		assert.Equal(t, 2, txErr.Attempts)
		assert.Equal(t, uint64(2), s.Stats().FrameErrors)
		assert.NotZero(t, s.Stats().BytesDrained)
	case <-time.After(2 * time.Second):
		t.Fatal("排程器工作 goroutine 被卡住")
	}
}

func TestTransport_InterFrameGap(t *testing.T) {
	port := &chunkPort{}
	tr := NewTransport(port, testTiming, nil)

	frame := []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x0A, 0xC5, 0xCD}
	require.NoError(t, tr.Send(frame))
	start := time.Now()
	require.NoError(t, tr.Send(frame))

	assert.GreaterOrEqual(t, time.Since(start), testTiming.InterFrame)
	assert.Len(t, port.written, 2)
}

func TestTransport_Drain(t *testing.T) {
	port := &chunkPort{chunks: [][]byte{{0xAA, 0xBB}, {0xCC}}}
	tr := NewTransport(port, testTiming, zaptest.NewLogger(t))

	n := tr.Drain(100 * time.Millisecond)
	assert.Equal(t, 3, n)
	assert.Equal(t, uint64(3), tr.Stats().BytesDrained.Load())

	assert.Zero(t, tr.Drain(10*time.Millisecond))
}

func TestTransport_Close(t *testing.T) {
	port := &chunkPort{}
	tr := NewTransport(port, testTiming, nil)
	require.NoError(t, tr.Close())
	assert.True(t, port.closed)
}

func TestComputeTiming_Defaults(t *testing.T) {
	timing := ComputeTiming(0, "N", 1, 0, 0)
	assert.Equal(t, ComputeTiming(RecoveryBaudRate, "N", 1, 0, 0), timing)
	assert.GreaterOrEqual(t, timing.InterFrame, timing.InterChar)
	assert.Equal(t, 10*timing.Char, timing.AirTime(10))
}
