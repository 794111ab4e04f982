package main

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupScenario(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		wantOK bool
		want   string
	}{
		{"normal", ScenarioNormal, true, ScenarioNormal},
		{"empty defaults to normal", "", true, ScenarioNormal},
		{"silent", ScenarioSilent, true, ScenarioSilent},
		{"garbled", ScenarioGarbled, true, ScenarioGarbled},
		{"jitter", ScenarioJitter, true, ScenarioJitter},
		{"packet loss", ScenarioPacketLoss, true, ScenarioPacketLoss},
		{"truncated", ScenarioTruncated, true, ScenarioTruncated},
		{"unknown", "meteor", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, ok := LookupScenario(tt.input)
			assert.Equal(t, tt.wantOK, ok)
			if ok {
				assert.Equal(t, tt.want, s.Name())
			}
		})
	}
}

func TestListScenarios(t *testing.T) {
	names := ListScenarios()
	assert.Contains(t, names, ScenarioNormal)
	assert.Contains(t, names, ScenarioTruncated)
	assert.IsIncreasing(t, names)
}

func testResponse(t *testing.T) []byte {
	t.Helper()
	f, err := Encode(5, FuncCodeReadHoldingRegisters, []byte{0x02, 0x00, 0x2A})
	require.NoError(t, err)
	return f.Bytes()
}

func TestScenario_Apply(t *testing.T) {
	params := FaultParams{JitterMin: 2 * time.Millisecond, JitterMax: 10 * time.Millisecond}

	t.Run("normal passes through", func(t *testing.T) {
		s, _ := LookupScenario(ScenarioNormal)
		resp := testResponse(t)
		out, delay := s.Apply(resp, rand.New(rand.NewSource(1)), params)
		assert.Equal(t, resp, out)
		assert.Zero(t, delay)
	})

	t.Run("silent drops", func(t *testing.T) {
		s, _ := LookupScenario(ScenarioSilent)
		out, _ := s.Apply(testResponse(t), rand.New(rand.NewSource(1)), params)
		assert.Nil(t, out)
	})

	t.Run("garbled breaks crc", func(t *testing.T) {
		s, _ := LookupScenario(ScenarioGarbled)
		resp := testResponse(t)
		for seed := int64(0); seed < 20; seed++ {
			out, _ := s.Apply(resp, rand.New(rand.NewSource(seed)), params)
			require.Len(t, out, len(resp))
			assert.NotEqual(t, resp, out)
			_, err := parseADU(out)
			assert.Error(t, err, "單一位元翻轉必定被 CRC 偵測")
		}
		assert.Equal(t, testResponse(t), resp, "不修改原始回應")
	})

	t.Run("jitter delays within range", func(t *testing.T) {
		s, _ := LookupScenario(ScenarioJitter)
		rng := rand.New(rand.NewSource(7))
		for i := 0; i < 50; i++ {
			out, delay := s.Apply(testResponse(t), rng, params)
			assert.NotNil(t, out)
			assert.GreaterOrEqual(t, delay, params.JitterMin)
			assert.Less(t, delay, params.JitterMax)
		}
	})

	t.Run("packet loss honours rate", func(t *testing.T) {
		s, _ := LookupScenario(ScenarioPacketLoss)
		rng := rand.New(rand.NewSource(3))

		out, _ := s.Apply(testResponse(t), rng, FaultParams{PacketLossRate: 1})
		assert.Nil(t, out)
		out, _ = s.Apply(testResponse(t), rng, FaultParams{PacketLossRate: 0})
		assert.NotNil(t, out)

		lost := 0
		for i := 0; i < 1000; i++ {
			if out, _ := s.Apply(testResponse(t), rng, FaultParams{PacketLossRate: 0.3}); out == nil {
				lost++
			}
		}
		assert.InDelta(t, 300, lost, 60)
	})

	t.Run("truncated shortens", func(t *testing.T) {
		s, _ := LookupScenario(ScenarioTruncated)
		resp := testResponse(t)
		out, _ := s.Apply(resp, rand.New(rand.NewSource(1)), params)
		assert.Len(t, out, len(resp)-3)
		_, err := Decode(out)
		assert.Error(t, err)
	})
}
