package main

import (
	"fmt"
	"io"
	"sort"
	"time"

	gserial "github.com/goburrow/serial"
	tserial "github.com/tarm/serial"
	bugst "go.bug.st/serial"
)

// 序列埠驅動
const (
	DriverGoburrow = "goburrow"
	DriverTarm     = "tarm"
)

// OpenPort 依配置開啟序列埠
//
// readTimeout 為單次 Read 的最長等待，應接近 t1.5 以便判斷訊框結束。
func OpenPort(cfg SerialConfig, readTimeout time.Duration) (io.ReadWriteCloser, error) {
	switch cfg.Driver {
	case DriverGoburrow, "":
		port, err := gserial.Open(&gserial.Config{
			Address:  cfg.Device,
			BaudRate: cfg.BaudRate,
			DataBits: cfg.DataBits,
			StopBits: cfg.StopBits,
			Parity:   cfg.Parity,
			Timeout:  readTimeout,
			RS485: gserial.RS485Config{
				Enabled:            cfg.RS485,
				DelayRtsBeforeSend: cfg.RTSDelay,
				DelayRtsAfterSend:  cfg.RTSDelay,
				RtsHighDuringSend:  cfg.RS485,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("開啟序列埠 %s 失敗: %w", cfg.Device, err)
		}
		return port, nil

	case DriverTarm:
		parity := tserial.ParityNone
		switch cfg.Parity {
		case "E":
			parity = tserial.ParityEven
		case "O":
			parity = tserial.ParityOdd
		}
		stop := tserial.Stop1
		if cfg.StopBits == 2 {
			stop = tserial.Stop2
		}
		port, err := tserial.OpenPort(&tserial.Config{
			Name:        cfg.Device,
			Baud:        cfg.BaudRate,
			Size:        byte(cfg.DataBits),
			Parity:      parity,
			StopBits:    stop,
			ReadTimeout: readTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("開啟序列埠 %s 失敗: %w", cfg.Device, err)
		}
		return port, nil

	default:
		return nil, fmt.Errorf("不支援的序列埠驅動: %s", cfg.Driver)
	}
}

// ListPorts 列出系統上的序列埠
func ListPorts() ([]string, error) {
	ports, err := bugst.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("列出序列埠失敗: %w", err)
	}
	sort.Strings(ports)
	return ports, nil
}
