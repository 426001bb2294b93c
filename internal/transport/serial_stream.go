// internal/transport/serial_stream.go
package transport

import (
	"fmt"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"mfdeploy/internal/model"
)

// openSerial opens the port at 8N1 without flow control. With a read
// timeout set, serial.Port already satisfies the Handle polling contract.
func openSerial(params *model.SerialParams, opts Options, logger *zap.Logger) (Handle, error) {
	logger.Info("Opening serial port",
		zap.String("port", params.PortName),
		zap.Int("baud_rate", params.BaudRate),
	)

	mode := &serial.Mode{
		BaudRate: params.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(params.PortName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port: %w", err)
	}

	if err := port.SetReadTimeout(opts.SerialReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}

	if err := port.ResetInputBuffer(); err != nil {
		logger.Debug("Failed to flush serial input", zap.Error(err))
	}

	logger.Info("Serial port opened successfully")
	return port, nil
}
