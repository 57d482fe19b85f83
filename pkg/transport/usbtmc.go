package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/gousb"
)

const (
	// Largest reply requested per REQUEST_DEV_DEP_MSG_IN.
	DefaultMaxTransfer = 1024
)

// USBTMC is a Link to a USB Test & Measurement Class instrument.
type USBTMC struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface

	epOut *gousb.OutEndpoint
	epIn  *gousb.InEndpoint

	protocol *USBTMCProtocol

	packetSize int
	timeout    time.Duration

	vid uint16
	pid uint16

	mu sync.Mutex
}

// OpenUSBTMC opens the first instrument matching vid:pid and claims its
// USBTMC interface.
func OpenUSBTMC(vid, pid uint16) (*USBTMC, error) {
	ctx := gousb.NewContext()

	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("USB error: %w", err)
	}
	if dev == nil {
		ctx.Close()
		return nil, fmt.Errorf("device not found (VID:0x%04X PID:0x%04X)", vid, pid)
	}

	// Not supported on every platform; ignore.
	_ = dev.SetAutoDetach(true)

	t := &USBTMC{
		ctx:        ctx,
		dev:        dev,
		protocol:   NewUSBTMCProtocol(),
		packetSize: 64,
		timeout:    DefaultTimeout,
		vid:        vid,
		pid:        pid,
	}

	if err := t.claimInterface(); err != nil {
		t.Close()
		return nil, err
	}

	return t, nil
}

// claimInterface finds and claims the application-class USBTMC interface.
func (t *USBTMC) claimInterface() error {
	cfgNum, err := t.dev.ActiveConfigNum()
	if err != nil || cfgNum == 0 {
		cfgNum = 1
	}
	cfg, err := t.dev.Config(cfgNum)
	if err != nil {
		return fmt.Errorf("failed to get config: %w", err)
	}
	t.cfg = cfg

	intfNum := -1
	for _, intf := range cfg.Desc.Interfaces {
		if len(intf.AltSettings) == 0 {
			continue
		}
		alt := intf.AltSettings[0]
		if alt.Class == ClassApplication && alt.SubClass == SubclassUSBTMC {
			intfNum = intf.Number
			break
		}
	}
	if intfNum == -1 {
		return fmt.Errorf("no USBTMC interface on %04X:%04X", t.vid, t.pid)
	}

	intf, err := cfg.Interface(intfNum, 0)
	if err != nil {
		return fmt.Errorf("failed to claim interface %d: %w", intfNum, err)
	}
	t.intf = intf

	return t.findEndpoints()
}

// findEndpoints discovers the bulk IN and OUT endpoints.
func (t *USBTMC) findEndpoints() error {
	var outAddr, inAddr int
	for _, ep := range t.intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		switch ep.Direction {
		case gousb.EndpointDirectionOut:
			if outAddr == 0 {
				outAddr = ep.Number
			}
		case gousb.EndpointDirectionIn:
			if inAddr == 0 {
				inAddr = ep.Number
				t.packetSize = ep.MaxPacketSize
			}
		}
	}

	if outAddr == 0 {
		return fmt.Errorf("bulk OUT endpoint not found")
	}
	if inAddr == 0 {
		return fmt.Errorf("bulk IN endpoint not found")
	}

	epOut, err := t.intf.OutEndpoint(outAddr)
	if err != nil {
		return fmt.Errorf("failed to open OUT endpoint: %w", err)
	}
	t.epOut = epOut

	epIn, err := t.intf.InEndpoint(inAddr)
	if err != nil {
		return fmt.Errorf("failed to open IN endpoint: %w", err)
	}
	t.epIn = epIn

	return nil
}

// SetTimeout sets the per-transfer timeout.
func (t *USBTMC) SetTimeout(timeout time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeout = timeout
}

// WriteLine sends cmd terminated by a newline as one DEV_DEP_MSG_OUT message.
func (t *USBTMC) WriteLine(cmd string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.write(cmd)
}

// Query writes cmd and collects the reply until the device flags EOM.
func (t *USBTMC) Query(cmd string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.write(cmd); err != nil {
		return "", err
	}

	var reply strings.Builder
	for {
		chunk, eom, err := t.readChunk()
		if err != nil {
			return "", err
		}
		reply.Write(chunk)
		if eom {
			break
		}
	}
	return trimReply(reply.String()), nil
}

func (t *USBTMC) write(cmd string) error {
	if t.epOut == nil {
		return ErrClosed
	}

	msg := t.protocol.EncodeDevDepMsgOut(t.protocol.NextTag(), []byte(cmd+"\n"))

	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	if _, err := t.epOut.WriteContext(ctx, msg); err != nil {
		return t.wrapErr("USB write failed", err)
	}
	return nil
}

func (t *USBTMC) readChunk() ([]byte, bool, error) {
	if t.epIn == nil {
		return nil, false, ErrClosed
	}

	tag := t.protocol.NextTag()
	req := t.protocol.EncodeRequestDevDepMsgIn(tag, DefaultMaxTransfer, '\n')

	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	if _, err := t.epOut.WriteContext(ctx, req); err != nil {
		return nil, false, t.wrapErr("USB request failed", err)
	}

	// Round the buffer up to whole packets so the device never overflows it.
	size := HeaderSize + DefaultMaxTransfer + 3
	if t.packetSize > 0 {
		size = (size + t.packetSize - 1) / t.packetSize * t.packetSize
	}
	buf := make([]byte, size)
	n, err := t.epIn.ReadContext(ctx, buf)
	if err != nil {
		return nil, false, t.wrapErr("USB read failed", err)
	}

	return t.protocol.DecodeDevDepMsgIn(tag, buf[:n])
}

func (t *USBTMC) wrapErr(msg string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, gousb.ErrorTimeout) {
		return fmt.Errorf("%s: %w", msg, ErrTimeout)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Close releases USB resources.
func (t *USBTMC) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.epIn = nil
	t.epOut = nil
	if t.intf != nil {
		t.intf.Close()
		t.intf = nil
	}
	if t.cfg != nil {
		t.cfg.Close()
		t.cfg = nil
	}
	if t.dev != nil {
		t.dev.Close()
		t.dev = nil
	}
	if t.ctx != nil {
		t.ctx.Close()
		t.ctx = nil
	}
	return nil
}

// DeviceInfo represents a discovered USBTMC instrument.
type DeviceInfo struct {
	VID          uint16
	PID          uint16
	SerialNumber string
	Description  string
}

// EnumerateUSBTMC lists every attached device exposing a USBTMC interface.
func EnumerateUSBTMC() ([]DeviceInfo, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()

	devs, err := ctx.OpenDevices(IsUSBTMC)
	for _, dev := range devs {
		defer dev.Close()
	}
	if err != nil && len(devs) == 0 {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}

	devices := make([]DeviceInfo, 0, len(devs))
	for _, dev := range devs {
		serial, _ := dev.SerialNumber()
		manufacturer, _ := dev.Manufacturer()
		product, _ := dev.Product()

		devices = append(devices, DeviceInfo{
			VID:          uint16(dev.Desc.Vendor),
			PID:          uint16(dev.Desc.Product),
			SerialNumber: serial,
			Description:  strings.TrimSpace(manufacturer + " " + product),
		})
	}

	return devices, nil
}

// IsUSBTMC reports whether a device descriptor advertises a USBTMC interface.
func IsUSBTMC(desc *gousb.DeviceDesc) bool {
	for _, cfg := range desc.Configs {
		for _, intf := range cfg.Interfaces {
			for _, alt := range intf.AltSettings {
				if alt.Class == ClassApplication && alt.SubClass == SubclassUSBTMC {
					return true
				}
			}
		}
	}
	return false
}
