//go:build integration

package main

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/goburrow/modbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestSimServerIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	cfg := DefaultConfig().Simulation
	cfg.Devices = []SimDeviceConfig{
		{Address: 5, Scenario: ScenarioNormal},
		{Address: 6, Scenario: ScenarioSilent},
	}
	server, err := NewSimServerFromConfig(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	// 使用非特權埠
	const listen = "127.0.0.1:15502"
	require.NoError(t, server.ServeTCP(listen))
	defer server.Stop()
	assert.Equal(t, SimServerRunning, server.State())
	assert.Error(t, server.ServeTCP(listen), "重複啟動")

	time.Sleep(100 * time.Millisecond)

	handler := modbus.NewTCPClientHandler(listen)
	handler.Timeout = 2 * time.Second
	handler.SlaveId = 5
	require.NoError(t, handler.Connect())
	defer handler.Close()
	client := modbus.NewClient(handler)

	t.Run("ReadHoldingRegisters", func(t *testing.T) {
		results, err := client.ReadHoldingRegisters(RegDeviceAddress, 4)
		require.NoError(t, err)
		require.Len(t, results, 8)
		assert.Equal(t, uint16(5), binary.BigEndian.Uint16(results))
	})

	t.Run("ReadInputRegisters", func(t *testing.T) {
		results, err := client.ReadInputRegisters(RegInfeedVoltage, 1)
		require.NoError(t, err)
		voltage := float64(binary.BigEndian.Uint16(results)) * InfeedVoltsPerLSB
		assert.InDelta(t, 24.0, voltage, 0.01)
	})

	t.Run("WriteSingleRegister", func(t *testing.T) {
		_, err := client.WriteSingleRegister(RegInfeedLowThreshold, 215)
		require.NoError(t, err)

		results, err := client.ReadHoldingRegisters(RegInfeedLowThreshold, 1)
		require.NoError(t, err)
		assert.Equal(t, uint16(215), binary.BigEndian.Uint16(results))
	})

	t.Run("Coils", func(t *testing.T) {
		_, err := client.WriteSingleCoil(RegRelayCoilBase+1, 0xFF00)
		require.NoError(t, err)

		results, err := client.ReadCoils(RegRelayCoilBase, RelayCount)
		require.NoError(t, err)
		assert.Equal(t, []byte{0x02}, results)
	})

	t.Run("DeviceException", func(t *testing.T) {
		_, err := client.WriteSingleRegister(RegBaudRate, 9)
		var mbErr *modbus.ModbusError
		require.ErrorAs(t, err, &mbErr)
		assert.Equal(t, byte(ExceptionCodeIllegalDataValue), mbErr.ExceptionCode)
	})

	t.Run("SilentDeviceAnswersGateway", func(t *testing.T) {
		handler.SlaveId = 6
		defer func() { handler.SlaveId = 5 }()

		_, err := client.ReadHoldingRegisters(RegDeviceAddress, 1)
		var mbErr *modbus.ModbusError
		require.ErrorAs(t, err, &mbErr)
		assert.Equal(t, byte(ExceptionCodeGatewayTargetNoResponse), mbErr.ExceptionCode)
	})

	assert.GreaterOrEqual(t, server.Stats().RequestCount.Load(), uint64(7))
	assert.Equal(t, uint64(1), server.Stats().DroppedCount.Load())
}
