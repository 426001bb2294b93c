// internal/transport/usb_stream.go
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/gousb"
	"go.uber.org/zap"

	"mfdeploy/internal/model"
)

// usbWriteTimeout bounds one bulk OUT transfer
const usbWriteTimeout = 5 * time.Second

// usbHandle owns the gousb objects of one opened device. Transfers hold
// the read lock; Close takes the write lock so no transfer is still
// submitted when the device is released.
type usbHandle struct {
	mu     sync.RWMutex
	closed bool

	gctx   *gousb.Context
	device *gousb.Device
	config *gousb.Config
	intf   *gousb.Interface
	in     *gousb.InEndpoint
	out    *gousb.OutEndpoint
	poll   time.Duration
}

func (h *usbHandle) Read(p []byte) (int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return 0, ErrStreamClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.poll)
	defer cancel()

	n, err := h.in.ReadContext(ctx, p)
	if err != nil && (ctx.Err() != nil ||
		errors.Is(err, gousb.TransferCancelled) ||
		errors.Is(err, gousb.TransferTimedOut)) {
		return n, nil
	}
	return n, err
}

func (h *usbHandle) Write(p []byte) (int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return 0, ErrStreamClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), usbWriteTimeout)
	defer cancel()
	return h.out.WriteContext(ctx, p)
}

func (h *usbHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true

	if h.intf != nil {
		h.intf.Close()
		h.intf = nil
	}

	var errs []error
	if h.config != nil {
		errs = append(errs, h.config.Close())
		h.config = nil
	}
	if h.device != nil {
		errs = append(errs, h.device.Close())
		h.device = nil
	}
	if h.gctx != nil {
		errs = append(errs, h.gctx.Close())
		h.gctx = nil
	}
	return errors.Join(errs...)
}

// DescribeUSBDevice reads the identity strings of an opened device
func DescribeUSBDevice(dev *gousb.Device) model.USBParams {
	params := model.USBParams{
		Bus:       dev.Desc.Bus,
		Address:   dev.Desc.Address,
		VendorID:  uint16(dev.Desc.Vendor),
		ProductID: uint16(dev.Desc.Product),
	}
	params.Manufacturer, _ = dev.Manufacturer()
	params.Product, _ = dev.Product()
	params.SerialNumber, _ = dev.SerialNumber()
	params.DeviceHash = model.USBDeviceHash(params)
	return params
}

// openUSB opens the device named by port. When the first attempt fails the
// bus is enumerated again without the vendor/product filter and the device
// is matched by unique id, which covers devices that re-enumerated after a
// reboot.
func openUSB(port model.PortDefinition, opts Options, logger *zap.Logger) (Handle, error) {
	h, err := tryOpenUSB(port, true, opts, logger)
	if err == nil {
		return h, nil
	}

	logger.Debug("USB open failed, re-enumerating", zap.Error(err))

	h, retryErr := tryOpenUSB(port, false, opts, logger)
	if retryErr != nil {
		return nil, fmt.Errorf("failed to open USB device %s: %w", port.UniqueID, errors.Join(err, retryErr))
	}
	return h, nil
}

func tryOpenUSB(port model.PortDefinition, filterByID bool, opts Options, logger *zap.Logger) (Handle, error) {
	gctx := gousb.NewContext()

	dev, err := findUSBDevice(gctx, port, filterByID)
	if err != nil {
		gctx.Close()
		return nil, err
	}

	h := &usbHandle{gctx: gctx, device: dev, poll: opts.USBReadTimeout}

	if err := dev.SetAutoDetach(true); err != nil {
		logger.Debug("Failed to enable kernel driver auto-detach", zap.Error(err))
	}

	cfg, err := dev.Config(opts.USBConfig)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("failed to get config %d: %w", opts.USBConfig, err)
	}
	h.config = cfg

	intf, err := cfg.Interface(opts.USBInterface, 0)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("failed to claim interface %d: %w", opts.USBInterface, err)
	}
	h.intf = intf

	if err := h.findEndpoints(); err != nil {
		h.Close()
		return nil, err
	}

	logger.Info("USB device opened successfully",
		zap.Int("bus", dev.Desc.Bus),
		zap.Int("address", dev.Desc.Address),
	)
	return h, nil
}

// findUSBDevice opens every candidate device and keeps the one whose
// identity matches port.
func findUSBDevice(gctx *gousb.Context, port model.PortDefinition, filterByID bool) (*gousb.Device, error) {
	devices, err := gctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if filterByID && port.USB != nil {
			return uint16(desc.Vendor) == port.USB.VendorID && uint16(desc.Product) == port.USB.ProductID
		}
		return true
	})
	if len(devices) == 0 {
		if err != nil {
			return nil, fmt.Errorf("failed to enumerate USB devices: %w", err)
		}
		return nil, fmt.Errorf("USB device %s not found", port.UniqueID)
	}

	var match *gousb.Device
	for _, dev := range devices {
		if match == nil && usbMatches(DescribeUSBDevice(dev), port) {
			match = dev
			continue
		}
		dev.Close()
	}

	if match == nil {
		return nil, fmt.Errorf("USB device %s not found", port.UniqueID)
	}
	return match, nil
}

func usbMatches(identity model.USBParams, port model.PortDefinition) bool {
	if port.UniqueID != "" && identity.DeviceHash == port.UniqueID {
		return true
	}
	return model.NewUSBPort(identity).DisplayName == port.DisplayName
}

// findEndpoints discovers the bulk IN and OUT endpoints
func (h *usbHandle) findEndpoints() error {
	var inNum, outNum int
	for _, ep := range h.intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if ep.Direction == gousb.EndpointDirectionIn && inNum == 0 {
			inNum = ep.Number
		}
		if ep.Direction == gousb.EndpointDirectionOut && outNum == 0 {
			outNum = ep.Number
		}
	}

	if inNum == 0 || outNum == 0 {
		return fmt.Errorf("bulk endpoints not found")
	}

	in, err := h.intf.InEndpoint(inNum)
	if err != nil {
		return fmt.Errorf("failed to open IN endpoint: %w", err)
	}
	out, err := h.intf.OutEndpoint(outNum)
	if err != nil {
		return fmt.Errorf("failed to open OUT endpoint: %w", err)
	}

	h.in = in
	h.out = out
	return nil
}
