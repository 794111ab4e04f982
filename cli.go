package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cfgFile   string
	simulate  bool
	device    string
	baudRate  int
	jsonOut   bool
	logger    *zap.Logger
	appConfig *Config
)

// rootCmd 根命令
var rootCmd = &cobra.Command{
	Use:   "rtu-guardian",
	Short: "Modbus RTU 匯流排主站",
	Long: `單一 RS-485 匯流排上的 Modbus RTU 主站。
掃描並追蹤設備健康狀態，驅動 ARex 繼電器並執行恢復模式流程。`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var loadErr error
		if cmd.Name() != "version" && cmd.Name() != "help" && cmd.Name() != "generate" {
			appConfig, loadErr = LoadConfig(cfgFile)
		}
		if appConfig == nil {
			// 配置載入失敗時使用預設值
			appConfig = DefaultConfig()
		}
		applyFlagOverrides(cmd)

		var err error
		logger, err = initLogger(appConfig.Logging)
		if err != nil {
			return fmt.Errorf("初始化日誌失敗: %w", err)
		}
		if loadErr != nil {
			if cmd.Name() == "validate" {
				return loadErr
			}
			logger.Warn("載入配置檔失敗，使用預設配置", zap.Error(loadErr))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func applyFlagOverrides(cmd *cobra.Command) {
	if simulate {
		appConfig.Simulation.Enabled = true
	}
	if cmd.Flags().Changed("device") {
		appConfig.Serial.Device = device
	}
	if cmd.Flags().Changed("baud") {
		appConfig.Serial.BaudRate = baudRate
	}
}

// withEngine 啟動引擎執行 fn，收到中斷信號時取消 ctx
func withEngine(fn func(ctx context.Context, engine *Engine) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine := NewEngine(appConfig, WithEngineLogger(logger))
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("啟動引擎失敗: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := engine.Stop(shutdownCtx); err != nil {
			logger.Error("關閉引擎失敗", zap.Error(err))
		}
	}()

	return fn(ctx, engine)
}

// withRelay 探測位址後執行繼電器操作
func withRelay(cmd *cobra.Command, fn func(ctx context.Context, engine *Engine, addr uint8) error) error {
	addr, err := addressFlag(cmd)
	if err != nil {
		return err
	}
	return withEngine(func(ctx context.Context, engine *Engine) error {
		if _, err := engine.Discover(ctx, addr); err != nil {
			return err
		}
		return fn(ctx, engine, addr)
	})
}

func addressFlag(cmd *cobra.Command) (uint8, error) {
	addr, _ := cmd.Flags().GetInt("address")
	if addr < MinDeviceAddress || addr > MaxDeviceAddress {
		return 0, fmt.Errorf("無效的設備位址: %d (1-247)", addr)
	}
	return uint8(addr), nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printInfeedSummary 輸出取樣歷史的最低、最高與平均電壓
func printInfeedSummary(history []InfeedSample) error {
	if len(history) == 0 {
		return nil
	}
	lo, hi, sum := history[0].Voltage, history[0].Voltage, 0.0
	for _, s := range history {
		lo = min(lo, s.Voltage)
		hi = max(hi, s.Voltage)
		sum += s.Voltage
	}
	avg := sum / float64(len(history))
	if jsonOut {
		return printJSON(map[string]any{"samples": len(history), "min": lo, "max": hi, "avg": avg})
	}
	fmt.Printf("%d 筆取樣: 最低 %.1f V, 最高 %.1f V, 平均 %.2f V\n", len(history), lo, hi, avg)
	return nil
}

func printDevices(devices []Device) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ADDR\tPROFILE\tHEALTH\tVENDOR\tPRODUCT\tREVISION\tLAST SEEN")
	for _, d := range devices {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			d.Address, d.ProfileName, d.Health,
			d.Signature.VendorName, d.Signature.ProductCode, d.Signature.Revision,
			d.LastSeen.Format(time.RFC3339))
	}
	w.Flush()
}

// scanCmd 掃描命令
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "掃描匯流排",
	Long:  "依序探測位址範圍，識別設備並選擇 profile。已知設備優先探測。",
	RunE: func(cmd *cobra.Command, args []string) error {
		r := NewScanRange(appConfig.Scan.From, appConfig.Scan.To)
		if raw, _ := cmd.Flags().GetString("range"); raw != "" {
			parsed, err := ParseScanRange(raw)
			if err != nil {
				return err
			}
			r = parsed
		}
		hints, _ := cmd.Flags().GetIntSlice("hint")
		r = r.WithHint(hints...)

		return withEngine(func(ctx context.Context, engine *Engine) error {
			seq, err := engine.Scan(ctx, r)
			if err != nil {
				return err
			}
			var found []Device
			for dev, err := range seq {
				if err != nil {
					return fmt.Errorf("掃描中斷: %w", err)
				}
				if !jsonOut {
					fmt.Printf("發現設備 %d: %s (%s %s)\n",
						dev.Address, dev.ProfileName, dev.Signature.VendorName, dev.Signature.ProductCode)
				}
				found = append(found, dev)
			}
			if jsonOut {
				return printJSON(found)
			}
			fmt.Printf("掃描完成，共 %d 台設備\n", len(found))
			return nil
		})
	},
}

// devicesCmd 列出已知設備
var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "列出已知設備",
	Long:  "重新探測已知設備清單中的位址並列出結果。",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, engine *Engine) error {
			for _, k := range engine.loadKnownDevices() {
				if _, err := engine.Discover(ctx, k.Address); err != nil && !errors.Is(err, ErrDeviceNotFound) {
					return err
				}
			}
			devices := engine.ListDevices()
			if jsonOut {
				return printJSON(devices)
			}
			if len(devices) == 0 {
				fmt.Println("沒有已知設備，請先執行 scan")
				return nil
			}
			printDevices(devices)
			return nil
		})
	},
}

// execCmd 自訂請求
var execCmd = &cobra.Command{
	Use:     "exec",
	Short:   "送出自訂功能碼請求",
	Long:    "對任意位址送出原始 PDU，適用於 profile 未建模的設備。",
	Example: `  rtu-guardian exec --address 5 --function 0x03 --payload 00000002`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetInt("address")
		if addr < BroadcastAddress || addr > MaxDeviceAddress {
			return fmt.Errorf("無效的設備位址: %d (0-247)", addr)
		}
		rawFC, _ := cmd.Flags().GetString("function")
		fc, err := strconv.ParseUint(rawFC, 0, 8)
		if err != nil {
			return fmt.Errorf("無效的功能碼: %s", rawFC)
		}
		rawPayload, _ := cmd.Flags().GetString("payload")
		payload, err := hex.DecodeString(strings.ReplaceAll(rawPayload, " ", ""))
		if err != nil {
			return fmt.Errorf("無效的 payload: %w", err)
		}

		return withEngine(func(ctx context.Context, engine *Engine) error {
			resp, err := engine.ExecuteCustom(ctx, uint8(addr), uint8(fc), payload)
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(map[string]any{
					"address":  resp.Address,
					"function": resp.Function,
					"payload":  hex.EncodeToString(resp.Payload),
				})
			}
			fmt.Printf("回應: 位址 %d 功能碼 0x%02X payload %s\n",
				resp.Address, resp.Function, hex.EncodeToString(resp.Payload))
			return nil
		})
	},
}

// relayCmd 繼電器命令組
var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "ARex 繼電器操作",
}

var relayStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "讀取繼電器狀態",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRelay(cmd, func(ctx context.Context, engine *Engine, addr uint8) error {
			status, err := engine.ReadStatus(ctx, addr)
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(status)
			}
			fmt.Printf("狀態: %s\n", status.Status)
			fmt.Printf("  故障: %v\n", status.Faults)
			fmt.Printf("  EStop 原因: 0x%04X\n", status.EStopCause)
			fmt.Printf("  運轉時間: %d 分鐘 (epoch %d)\n", status.RunningMinutes, status.Epoch)
			fmt.Printf("  電源: %s %.1f V\n", status.Infeed.Type, status.Infeed.Voltage)
			fmt.Printf("  繼電器: %v\n", status.Relays)
			return nil
		})
	},
}

var relayConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "讀取或寫入繼電器設定",
	Long:  "未指定 --set 時讀取設定；--set 指定 JSON 檔時先在本地驗證再寫入，通訊設定最後寫入。",
	RunE: func(cmd *cobra.Command, args []string) error {
		setFile, _ := cmd.Flags().GetString("set")
		var want *RelayConfig
		if setFile != "" {
			data, err := os.ReadFile(setFile)
			if err != nil {
				return fmt.Errorf("讀取設定檔失敗: %w", err)
			}
			var cfg RelayConfig
			if err := json.Unmarshal(data, &cfg); err != nil {
				return fmt.Errorf("解析設定檔失敗: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			want = &cfg
		}

		return withRelay(cmd, func(ctx context.Context, engine *Engine, addr uint8) error {
			if want != nil {
				if err := engine.WriteConfiguration(ctx, addr, *want); err != nil {
					return err
				}
				fmt.Println("設定已寫入")
				return nil
			}
			cfg, err := engine.ReadConfiguration(ctx, addr)
			if err != nil {
				return err
			}
			return printJSON(cfg)
		})
	},
}

var relayStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "讀取繼電器統計",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRelay(cmd, func(ctx context.Context, engine *Engine, addr uint8) error {
			stats, err := engine.ReadStatistics(ctx, addr)
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(stats)
			}
			fmt.Printf("運轉時間: %d 分鐘 (epoch %d)\n", stats.RunningMinutes, stats.Epoch)
			for i, r := range stats.Relays {
				fmt.Printf("  繼電器 %d: 動作 %d 次, 診斷 %s\n", i+1, r.Cycles, r.Diag)
			}
			if stats.Discontinuity {
				fmt.Println("  注意: 計數器已重置，累計值延續")
			}
			return nil
		})
	},
}

var relayInfeedCmd = &cobra.Command{
	Use:   "infeed",
	Short: "取樣電源輸入電壓",
	RunE: func(cmd *cobra.Command, args []string) error {
		samples, _ := cmd.Flags().GetInt("samples")
		interval, _ := cmd.Flags().GetDuration("interval")
		return withRelay(cmd, func(ctx context.Context, engine *Engine, addr uint8) error {
			for i := 0; i < samples; i++ {
				if i > 0 {
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-time.After(interval):
					}
				}
				s, err := engine.SampleInfeedVoltage(ctx, addr)
				if err != nil {
					return err
				}
				if jsonOut {
					if err := printJSON(s); err != nil {
						return err
					}
					continue
				}
				fmt.Printf("%s %s %.1f V (最低 %.1f, 最高 %.1f)\n",
					s.At.Format(time.TimeOnly), s.Type, s.Voltage, s.Lowest, s.Highest)
			}
			if history, _ := cmd.Flags().GetBool("history"); history {
				return printInfeedSummary(engine.InfeedHistory(addr))
			}
			return nil
		})
	},
}

var relayDiagCmd = &cobra.Command{
	Use:   "diag",
	Short: "執行自我測試",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRelay(cmd, func(ctx context.Context, engine *Engine, addr uint8) error {
			res, err := engine.RunDiagnostic(ctx, addr)
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(res)
			}
			fmt.Printf("自我測試結果: %s (代碼 0x%04X, 輪詢 %d 次)\n", res.Verdict, res.Code, res.Polls)
			return nil
		})
	},
}

var relayEStopCmd = &cobra.Command{
	Use:   "estop",
	Short: "設定緊急停止",
	RunE: func(cmd *cobra.Command, args []string) error {
		rawMode, _ := cmd.Flags().GetString("mode")
		mode, err := ParseEStopMode(rawMode)
		if err != nil {
			return err
		}
		cause, _ := cmd.Flags().GetUint8("cause")
		return withRelay(cmd, func(ctx context.Context, engine *Engine, addr uint8) error {
			if err := engine.SetEStop(ctx, addr, mode, cause); err != nil {
				return err
			}
			fmt.Printf("EStop 已設定為 %s\n", mode)
			return nil
		})
	},
}

var relayLocateCmd = &cobra.Command{
	Use:   "locate",
	Short: "開關定位指示燈",
	RunE: func(cmd *cobra.Command, args []string) error {
		off, _ := cmd.Flags().GetBool("off")
		return withRelay(cmd, func(ctx context.Context, engine *Engine, addr uint8) error {
			return engine.Locate(ctx, addr, !off)
		})
	},
}

var relaySetCmd = &cobra.Command{
	Use:   "set",
	Short: "切換繼電器通道",
	RunE: func(cmd *cobra.Command, args []string) error {
		off, _ := cmd.Flags().GetBool("off")
		if all, _ := cmd.Flags().GetBool("all"); all {
			var states [RelayCount]bool
			for i := range states {
				states[i] = !off
			}
			return withRelay(cmd, func(ctx context.Context, engine *Engine, addr uint8) error {
				return engine.SetRelays(ctx, addr, states)
			})
		}
		channel, _ := cmd.Flags().GetInt("channel")
		if channel < 1 || channel > RelayCount {
			return fmt.Errorf("無效的通道: %d (1-%d)", channel, RelayCount)
		}
		return withRelay(cmd, func(ctx context.Context, engine *Engine, addr uint8) error {
			return engine.SetRelay(ctx, addr, channel-1, !off)
		})
	},
}

var relayResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "重置命令",
	Long:  "kind: measurements (清除量測), factory (回復出廠), device (重新啟動), recovery (退出恢復模式)",
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("kind")
		return withRelay(cmd, func(ctx context.Context, engine *Engine, addr uint8) error {
			if err := engine.Reset(ctx, addr, ResetKind(kind)); err != nil {
				return err
			}
			fmt.Printf("已送出 %s 重置\n", kind)
			return nil
		})
	},
}

// recoverCmd 恢復模式
var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "對恢復模式中的設備重新設定通訊參數",
	Long: `以恢復線路設定連線位址 247，讀取恢復識別與目前設定，
寫入新的位址/鮑率/同位/停止位元並驗證後退出恢復模式。
設備必須由操作員保持在恢復模式。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		newAddr, _ := cmd.Flags().GetInt("new-address")
		if newAddr < MinDeviceAddress || newAddr > MaxNormalAddress {
			return fmt.Errorf("無效的新位址: %d (1-246)", newAddr)
		}
		baud, _ := cmd.Flags().GetInt("new-baud")
		parity, _ := cmd.Flags().GetString("new-parity")
		stop, _ := cmd.Flags().GetInt("new-stop-bits")
		profile, _ := cmd.Flags().GetString("profile")

		// 恢復流程固定使用恢復線路設定
		appConfig.Serial.BaudRate = appConfig.Recovery.BaudRate
		appConfig.Serial.Parity = appConfig.Recovery.Parity
		appConfig.Serial.StopBits = appConfig.Recovery.StopBits

		req := RecoveryRequest{Address: uint8(newAddr), BaudRate: baud, Parity: strings.ToUpper(parity), StopBits: stop}
		return withEngine(func(ctx context.Context, engine *Engine) error {
			outcome, err := engine.StartRecovery(ctx, profile, req)
			if err != nil {
				var rerr *RecoveryError
				if errors.As(err, &rerr) && rerr.Fatal {
					fmt.Fprintf(os.Stderr, "致命失敗: 位址 %d 已隔離，設備狀態可能不一致，請人工確認\n", rerr.Address)
				}
				return err
			}
			if jsonOut {
				return printJSON(outcome)
			}
			fmt.Printf("恢復完成 (session %s)\n", outcome.SessionID)
			fmt.Printf("  原設定: 位址 %d, %d %s %d\n",
				outcome.Previous.Address, outcome.Previous.BaudRate, outcome.Previous.Parity, outcome.Previous.StopBits)
			fmt.Printf("  新設定: 位址 %d, %d %s %d\n",
				outcome.Applied.Address, outcome.Applied.BaudRate, outcome.Applied.Parity, outcome.Applied.StopBits)
			return nil
		})
	},
}

// monitorCmd 持續監控
var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "持續輪詢並顯示健康狀態轉換",
	RunE: func(cmd *cobra.Command, args []string) error {
		interval, _ := cmd.Flags().GetDuration("interval")
		if port, _ := cmd.Flags().GetInt("metrics-port"); port > 0 {
			appConfig.Metrics.Enabled = true
			appConfig.Metrics.Port = port
		}

		return withEngine(func(ctx context.Context, engine *Engine) error {
			if appConfig.Metrics.Enabled {
				metrics := NewMetricsCollector(engine, logger.Named("metrics"))
				if err := metrics.Start(appConfig.Metrics.Endpoint, appConfig.Metrics.Port); err != nil {
					logger.Warn("啟動指標伺服器失敗", zap.Error(err))
				} else {
					defer metrics.Stop(context.Background())
				}
			}

			sub := engine.Subscribe(64)
			defer engine.Unsubscribe(sub)
			go func() {
				for t := range sub.C {
					fmt.Printf("%s 設備 %d: %s -> %s (%s)\n",
						t.At.Format(time.TimeOnly), t.Address, t.From, t.To, t.Reason)
				}
			}()

			seq, err := engine.Scan(ctx, NewScanRange(appConfig.Scan.From, appConfig.Scan.To))
			if err != nil {
				return err
			}
			for _, err := range seq {
				if err != nil {
					return err
				}
			}
			printDevices(engine.ListDevices())

			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					logger.Info("收到關閉信號")
					return nil
				case <-ticker.C:
					if _, err := engine.PollOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
						return err
					}
				}
			}
		})
	},
}

// portsCmd 列出序列埠
var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "列出系統序列埠",
	RunE: func(cmd *cobra.Command, args []string) error {
		ports, err := ListPorts()
		if err != nil {
			return err
		}
		if len(ports) == 0 {
			fmt.Println("沒有找到序列埠")
			return nil
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return nil
	},
}

// simulateCmd 模擬設備
var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "在序列埠上模擬 ARex 繼電器",
	Long:  "以 simulation.devices 的設定在序列埠 (或 --tcp 位址) 上提供模擬繼電器，供其他主站測試。",
	RunE: func(cmd *cobra.Command, args []string) error {
		server, err := NewSimServerFromConfig(appConfig.Simulation, logger.Named("simulate"))
		if err != nil {
			return err
		}

		if tcp, _ := cmd.Flags().GetString("tcp"); tcp != "" {
			err = server.ServeTCP(tcp)
		} else {
			err = server.ServeSerial(appConfig.Serial)
		}
		if err != nil {
			return err
		}
		defer server.Stop()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		// 運轉時間以分鐘累計
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				logger.Info("收到關閉信號")
				return nil
			case <-ticker.C:
				for _, dev := range server.Devices() {
					dev.Tick(1)
				}
			}
		}
	},
}

// configCmd 配置命令組
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "配置管理命令",
	Long:  "管理配置檔。",
}

// configValidateCmd 驗證配置
var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "驗證配置檔",
	Long:  "驗證指定的配置檔是否有效。",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := appConfig
		fmt.Println("配置驗證通過")
		fmt.Printf("  Serial: %s (%s) %d %d%s%d\n",
			cfg.Serial.Device, cfg.Serial.Driver, cfg.Serial.BaudRate,
			cfg.Serial.DataBits, cfg.Serial.Parity, cfg.Serial.StopBits)
		fmt.Printf("  Scan: %d-%d\n", cfg.Scan.From, cfg.Scan.To)
		fmt.Printf("  Profiles: %s\n", cfg.Profiles.File)
		fmt.Printf("  Simulation: %v (%d 台設備)\n", cfg.Simulation.Enabled, len(cfg.Simulation.Devices))

		if cfg.Profiles.File != "" {
			profiles, err := LoadProfiles(cfg.Profiles.File)
			if err != nil {
				return err
			}
			fmt.Printf("  已載入 %d 個 profile\n", len(profiles))
		}
		if !cfg.Simulation.Enabled {
			if ports, err := ListPorts(); err == nil && !contains(ports, cfg.Serial.Device) {
				logger.Warn("序列埠不在系統清單中", zap.String("device", cfg.Serial.Device), zap.Strings("ports", ports))
			}
		}
		return nil
	},
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// configGenerateCmd 生成配置
var configGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "生成範例配置",
	Long:  "生成範例配置檔。",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		if output == "" {
			output = "config.json"
		}

		cfg := DefaultConfig()
		cfg.Registry.KnownDevicesFile = "known_devices.json"

		if err := cfg.SaveConfig(output); err != nil {
			return fmt.Errorf("生成配置失敗: %w", err)
		}

		fmt.Printf("範例配置已生成: %s\n", output)
		return nil
	},
}

// versionCmd 版本命令
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "顯示版本資訊",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("rtu-guardian version %s\n", Version)
		fmt.Printf("  Build: %s\n", BuildTime)
		fmt.Printf("  Commit: %s\n", GitCommit)
	},
}

func init() {
	// 全域 flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "配置檔路徑")
	rootCmd.PersistentFlags().BoolVar(&simulate, "simulate", false, "使用記憶體內模擬匯流排")
	rootCmd.PersistentFlags().StringVarP(&device, "device", "d", "", "序列埠裝置")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 0, "鮑率")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "以 JSON 輸出")

	scanCmd.Flags().StringP("range", "r", "", "位址範圍，例如 1-32")
	scanCmd.Flags().IntSlice("hint", nil, "優先探測的位址")

	execCmd.Flags().IntP("address", "a", 1, "設備位址 (0 為廣播)")
	execCmd.Flags().StringP("function", "f", "0x03", "功能碼")
	execCmd.Flags().StringP("payload", "p", "", "PDU payload (hex)")

	for _, c := range []*cobra.Command{
		relayStatusCmd, relayConfigCmd, relayStatsCmd, relayInfeedCmd,
		relayDiagCmd, relayEStopCmd, relayLocateCmd, relaySetCmd, relayResetCmd,
	} {
		c.Flags().IntP("address", "a", 1, "設備位址")
	}
	relayConfigCmd.Flags().String("set", "", "寫入的設定檔 (JSON)")
	relayInfeedCmd.Flags().IntP("samples", "n", 1, "取樣次數")
	relayInfeedCmd.Flags().Duration("interval", time.Second, "取樣間隔")
	relayInfeedCmd.Flags().Bool("history", false, "最後輸出保留取樣的摘要")
	relayEStopCmd.Flags().String("mode", "latch", "reset | pulse | latch | terminal")
	relayEStopCmd.Flags().Uint8("cause", 0, "原因碼")
	relayLocateCmd.Flags().Bool("off", false, "關閉定位指示燈")
	relaySetCmd.Flags().Int("channel", 1, "繼電器通道 (1 起算)")
	relaySetCmd.Flags().Bool("off", false, "釋放繼電器")
	relaySetCmd.Flags().Bool("all", false, "同時設定所有通道")
	relayResetCmd.Flags().String("kind", string(ResetMeasurements), "measurements | factory | device | recovery")

	recoverCmd.Flags().String("profile", "", "恢復 profile (預設 recovery.profile)")
	recoverCmd.Flags().Int("new-address", 1, "新位址")
	recoverCmd.Flags().Int("new-baud", RecoveryBaudRate, "新鮑率")
	recoverCmd.Flags().String("new-parity", RecoveryParity, "新同位 (N/E/O)")
	recoverCmd.Flags().Int("new-stop-bits", RecoveryStopBits, "新停止位元")

	monitorCmd.Flags().Duration("interval", 5*time.Second, "輪詢間隔")
	monitorCmd.Flags().Int("metrics-port", 0, "指標伺服器埠號 (覆蓋配置)")

	simulateCmd.Flags().String("tcp", "", "改以 Modbus TCP 監聽此位址")

	// config 命令 flags
	configGenerateCmd.Flags().StringP("output", "o", "config.json", "輸出檔案路徑")

	// 組裝命令樹
	relayCmd.AddCommand(
		relayStatusCmd, relayConfigCmd, relayStatsCmd, relayInfeedCmd,
		relayDiagCmd, relayEStopCmd, relayLocateCmd, relaySetCmd, relayResetCmd,
	)
	configCmd.AddCommand(configValidateCmd, configGenerateCmd)

	rootCmd.AddCommand(
		scanCmd,
		devicesCmd,
		execCmd,
		relayCmd,
		recoverCmd,
		monitorCmd,
		portsCmd,
		simulateCmd,
		configCmd,
		versionCmd,
	)
}

func initLogger(cfg LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zcfg.Level = level
	}
	if cfg.Format == "console" {
		zcfg.Encoding = "console"
		zcfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	out := cfg.OutputPath
	if out == "" {
		out = "stderr"
	}
	zcfg.OutputPaths = []string{out}
	zcfg.ErrorOutputPaths = []string{"stderr"}
	return zcfg.Build()
}

// Execute 執行 CLI
func Execute() error {
	return rootCmd.Execute()
}
