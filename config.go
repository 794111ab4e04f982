package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 全域配置
type Config struct {
	Serial     SerialConfig     `json:"serial" mapstructure:"serial"`
	Bus        BusConfig        `json:"bus" mapstructure:"bus"`
	Scan       ScanConfig       `json:"scan" mapstructure:"scan"`
	Registry   RegistryConfig   `json:"registry" mapstructure:"registry"`
	Recovery   RecoveryConfig   `json:"recovery" mapstructure:"recovery"`
	Relay      RelayConfigBlock `json:"relay" mapstructure:"relay"`
	Profiles   ProfilesConfig   `json:"profiles" mapstructure:"profiles"`
	Simulation SimulationConfig `json:"simulation" mapstructure:"simulation"`
	Logging    LoggingConfig    `json:"logging" mapstructure:"logging"`
	Metrics    MetricsConfig    `json:"metrics" mapstructure:"metrics"`
}

// SerialConfig 序列埠配置
type SerialConfig struct {
	Device        string        `json:"device" mapstructure:"device"`
	Driver        string        `json:"driver" mapstructure:"driver"`
	BaudRate      int           `json:"baud_rate" mapstructure:"baud_rate"`
	DataBits      int           `json:"data_bits" mapstructure:"data_bits"`
	StopBits      int           `json:"stop_bits" mapstructure:"stop_bits"`
	Parity        string        `json:"parity" mapstructure:"parity"`
	RS485         bool          `json:"rs485" mapstructure:"rs485"`
	RTSDelay      time.Duration `json:"rts_delay" mapstructure:"rts_delay"`
	MinInterChar  time.Duration `json:"min_inter_char" mapstructure:"min_inter_char"`
	MinInterFrame time.Duration `json:"min_inter_frame" mapstructure:"min_inter_frame"`
}

// Timing 依序列埠設定計算 RTU 時序
func (s SerialConfig) Timing() Timing {
	return ComputeTiming(s.BaudRate, s.Parity, s.StopBits, s.MinInterChar, s.MinInterFrame)
}

// SameLine 兩組通訊設定的線路參數是否相同
func (s SerialConfig) SameLine(c CommSettings) bool {
	return s.BaudRate == c.BaudRate && s.Parity == c.Parity && s.StopBits == c.StopBits
}

// BusConfig 交易排程配置
type BusConfig struct {
	Timeout    time.Duration `json:"timeout" mapstructure:"timeout"`
	MaxRetries int           `json:"max_retries" mapstructure:"max_retries"`
	DrainMax   time.Duration `json:"drain_max" mapstructure:"drain_max"`
}

// ScanConfig 掃描配置
type ScanConfig struct {
	From         int           `json:"from" mapstructure:"from"`
	To           int           `json:"to" mapstructure:"to"`
	ProbeTimeout time.Duration `json:"probe_timeout" mapstructure:"probe_timeout"`
	ProbeRetries int           `json:"probe_retries" mapstructure:"probe_retries"`
	ReadSnapshot bool          `json:"read_snapshot" mapstructure:"read_snapshot"`
}

// RegistryConfig 設備登錄與健康狀態配置
type RegistryConfig struct {
	DegradedAfter    int           `json:"degraded_after" mapstructure:"degraded_after"`
	SilentAfter      int           `json:"silent_after" mapstructure:"silent_after"`
	SilenceThreshold time.Duration `json:"silence_threshold" mapstructure:"silence_threshold"`
	SweepInterval    time.Duration `json:"sweep_interval" mapstructure:"sweep_interval"`
	HistorySize      int           `json:"history_size" mapstructure:"history_size"`
	KnownDevicesFile string        `json:"known_devices_file" mapstructure:"known_devices_file"`
}

// RecoveryConfig 恢復模式線路設定
type RecoveryConfig struct {
	Profile  string `json:"profile" mapstructure:"profile"`
	BaudRate int    `json:"baud_rate" mapstructure:"baud_rate"`
	Parity   string `json:"parity" mapstructure:"parity"`
	StopBits int    `json:"stop_bits" mapstructure:"stop_bits"`
}

// RelayConfigBlock 繼電器驅動配置
type RelayConfigBlock struct {
	DiagnosticPolls    int           `json:"diagnostic_polls" mapstructure:"diagnostic_polls"`
	DiagnosticInterval time.Duration `json:"diagnostic_interval" mapstructure:"diagnostic_interval"`
	InfeedHistory      int           `json:"infeed_history" mapstructure:"infeed_history"`
}

// ProfilesConfig profile 宣告檔
type ProfilesConfig struct {
	File string `json:"file" mapstructure:"file"`
}

// SimulationConfig 模擬匯流排配置
type SimulationConfig struct {
	Enabled        bool              `json:"enabled" mapstructure:"enabled"`
	Devices        []SimDeviceConfig `json:"devices" mapstructure:"devices"`
	JitterMin      time.Duration     `json:"jitter_min" mapstructure:"jitter_min"`
	JitterMax      time.Duration     `json:"jitter_max" mapstructure:"jitter_max"`
	PacketLossRate float64           `json:"packet_loss_rate" mapstructure:"packet_loss_rate"`
	Seed           int64             `json:"seed" mapstructure:"seed"`
}

// SimDeviceConfig 模擬設備
type SimDeviceConfig struct {
	Address  int    `json:"address" mapstructure:"address"`
	Scenario string `json:"scenario" mapstructure:"scenario"`
	Recovery bool   `json:"recovery" mapstructure:"recovery"`
}

// LoggingConfig 日誌配置
type LoggingConfig struct {
	Level      string `json:"level" mapstructure:"level"`
	Format     string `json:"format" mapstructure:"format"`
	OutputPath string `json:"output_path" mapstructure:"output_path"`
}

// MetricsConfig 指標配置
type MetricsConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Endpoint string `json:"endpoint" mapstructure:"endpoint"`
	Port     int    `json:"port" mapstructure:"port"`
}

// DefaultConfig 返回預設配置
func DefaultConfig() *Config {
	return &Config{
		Serial: SerialConfig{
			Device:        "/dev/ttyUSB0",
			Driver:        DriverGoburrow,
			BaudRate:      RecoveryBaudRate,
			DataBits:      8,
			StopBits:      1,
			Parity:        "N",
			MinInterChar:  time.Millisecond,
			MinInterFrame: 2 * time.Millisecond,
		},
		Bus: BusConfig{
			Timeout:    time.Second,
			MaxRetries: 3,
			DrainMax:   500 * time.Millisecond,
		},
		Scan: ScanConfig{
			From:         MinDeviceAddress,
			To:           MaxNormalAddress,
			ProbeTimeout: 100 * time.Millisecond,
			ProbeRetries: 0,
		},
		Registry: RegistryConfig{
			DegradedAfter:    2,
			SilentAfter:      5,
			SilenceThreshold: 60 * time.Second,
			SweepInterval:    5 * time.Second,
			HistorySize:      256,
		},
		Recovery: RecoveryConfig{
			Profile:  "recoverable",
			BaudRate: RecoveryBaudRate,
			Parity:   RecoveryParity,
			StopBits: RecoveryStopBits,
		},
		Relay: RelayConfigBlock{
			DiagnosticPolls:    10,
			DiagnosticInterval: 500 * time.Millisecond,
			InfeedHistory:      64,
		},
		Simulation: SimulationConfig{
			Devices: []SimDeviceConfig{
				{Address: 5, Scenario: ScenarioNormal},
				{Address: 17, Scenario: ScenarioNormal},
			},
			JitterMin:      time.Millisecond,
			JitterMax:      20 * time.Millisecond,
			PacketLossRate: 0.05,
			Seed:           1,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			OutputPath: "stderr",
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
			Port:     9090,
		},
	}
}

// LoadConfig 載入配置檔
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("json")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/rtu-guardian/")
		v.AddConfigPath("$HOME/.rtu-guardian/")
	}

	// 環境變數覆蓋，例如 RTUGUARD_SERIAL_DEVICE
	v.SetEnvPrefix("RTUGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range []string{
		"serial.device", "serial.driver", "serial.baud_rate", "serial.parity", "serial.stop_bits",
		"bus.timeout", "bus.max_retries", "logging.level", "metrics.enabled", "metrics.port",
		"profiles.file", "registry.known_devices_file", "simulation.enabled",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("綁定環境變數失敗: %w", err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("讀取配置檔失敗: %w", err)
		}
		// 配置檔不存在，使用預設值
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置失敗: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置驗證失敗: %w", err)
	}

	return cfg, nil
}

// Validate 驗證配置
func (c *Config) Validate() error {
	if err := c.Serial.Validate(c.Simulation.Enabled); err != nil {
		return err
	}

	if c.Bus.Timeout <= 0 {
		return fmt.Errorf("無效的交易逾時: %v", c.Bus.Timeout)
	}
	if c.Bus.MaxRetries < 0 || c.Bus.MaxRetries > 10 {
		return fmt.Errorf("無效的重試次數: %d (0-10)", c.Bus.MaxRetries)
	}

	if err := NewScanRange(c.Scan.From, c.Scan.To).Validate(); err != nil {
		return fmt.Errorf("掃描範圍: %w", err)
	}
	if c.Scan.ProbeTimeout <= 0 {
		return fmt.Errorf("無效的探測逾時: %v", c.Scan.ProbeTimeout)
	}

	if c.Registry.DegradedAfter < 1 || c.Registry.SilentAfter <= c.Registry.DegradedAfter {
		return fmt.Errorf("無效的健康門檻: degraded_after %d, silent_after %d",
			c.Registry.DegradedAfter, c.Registry.SilentAfter)
	}
	if c.Registry.SilenceThreshold < 0 {
		return fmt.Errorf("無效的沉默門檻: %v", c.Registry.SilenceThreshold)
	}

	if c.Recovery.BaudRate <= 0 {
		return fmt.Errorf("無效的恢復鮑率: %d", c.Recovery.BaudRate)
	}
	if !validParity(c.Recovery.Parity) {
		return fmt.Errorf("無效的恢復同位: %s", c.Recovery.Parity)
	}

	if c.Relay.DiagnosticPolls < 1 {
		return fmt.Errorf("自我測試輪詢次數必須大於 0")
	}

	for _, d := range c.Simulation.Devices {
		if d.Address < MinDeviceAddress || d.Address > MaxDeviceAddress {
			return fmt.Errorf("無效的模擬設備位址: %d", d.Address)
		}
		if _, ok := LookupScenario(d.Scenario); !ok {
			return fmt.Errorf("未知的模擬場景: %s", d.Scenario)
		}
	}
	if c.Simulation.PacketLossRate < 0 || c.Simulation.PacketLossRate > 1 {
		return fmt.Errorf("無效的封包遺失率: %g", c.Simulation.PacketLossRate)
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("無效的埠號: %d", c.Metrics.Port)
	}

	return nil
}

// Validate 驗證序列埠設定，模擬模式不需要實體裝置
func (s *SerialConfig) Validate(simulated bool) error {
	if s.Device == "" && !simulated {
		return fmt.Errorf("未指定序列埠裝置")
	}
	if s.Driver != "" && s.Driver != DriverGoburrow && s.Driver != DriverTarm {
		return fmt.Errorf("不支援的序列埠驅動: %s", s.Driver)
	}
	if s.BaudRate <= 0 {
		return fmt.Errorf("無效的鮑率: %d", s.BaudRate)
	}
	if s.DataBits != 7 && s.DataBits != 8 {
		return fmt.Errorf("無效的資料位元: %d", s.DataBits)
	}
	if s.StopBits != 1 && s.StopBits != 2 {
		return fmt.Errorf("無效的停止位元: %d", s.StopBits)
	}
	if !validParity(s.Parity) {
		return fmt.Errorf("無效的同位: %s", s.Parity)
	}
	return nil
}

func validParity(p string) bool {
	return p == "N" || p == "E" || p == "O"
}

// SaveConfig 儲存配置到檔案
func (c *Config) SaveConfig(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化配置失敗: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("寫入配置檔失敗: %w", err)
	}

	return nil
}
