package instrument

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/gousb"
	"go.bug.st/serial"

	"github.com/OpenTraceLab/OpenTraceSweep/pkg/transport"
)

// Kind categorizes instrument connections.
type Kind string

const (
	KindUSBTMC Kind = "usbtmc"
	KindSerial Kind = "serial"
	KindSim    Kind = "simulator"
)

// Connection describes a detected instrument or candidate port.
type Connection struct {
	Kind        Kind
	Description string
	VendorID    uint16
	ProductID   uint16
	Serial      string
	Path        string
}

// Label returns a user-friendly description.
func (c Connection) Label() string {
	if c.Description != "" {
		return c.Description
	}
	if c.Path != "" {
		return fmt.Sprintf("%s %s", c.Kind, c.Path)
	}
	return fmt.Sprintf("%s (%04X:%04X)", string(c.Kind), c.VendorID, c.ProductID)
}

type knownUSBInstrument struct {
	VendorID    uint16
	ProductID   uint16
	Description string
}

var knownUSBInstruments = []knownUSBInstrument{
	{VendorID: VendorIDKeithley, ProductID: ProductID2470, Description: "Keithley 2470 SourceMeter"},
	{VendorID: 0x0957, ProductID: 0x0909, Description: "Keysight E4980A LCR meter"},
}

// DiscoverInstruments enumerates USBTMC instruments and serial ports. It
// always returns at least the simulator entry so a sweep can run without
// hardware connected.
func DiscoverInstruments(ctx context.Context) ([]Connection, error) {
	var results []Connection

	usb := gousb.NewContext()
	defer usb.Close()

	_, err := usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		if info, ok := classifyUSBDevice(desc); ok {
			results = append(results, info)
		}
		return false
	})
	if err != nil && !errors.Is(err, gousb.ErrorAccess) {
		return results, err
	}

	ports, err := serial.GetPortsList()
	if err == nil {
		for _, p := range ports {
			results = append(results, Connection{Kind: KindSerial, Path: p})
		}
	}

	results = append(results, Connection{
		Kind:        KindSim,
		Description: "Simulator (no hardware)",
	})

	return results, nil
}

func classifyUSBDevice(desc *gousb.DeviceDesc) (Connection, bool) {
	for _, known := range knownUSBInstruments {
		if uint16(desc.Vendor) == known.VendorID && uint16(desc.Product) == known.ProductID {
			return Connection{
				Kind:        KindUSBTMC,
				Description: known.Description,
				VendorID:    known.VendorID,
				ProductID:   known.ProductID,
			}, true
		}
	}
	if transport.IsUSBTMC(desc) {
		return Connection{
			Kind:      KindUSBTMC,
			VendorID:  uint16(desc.Vendor),
			ProductID: uint16(desc.Product),
		}, true
	}
	return Connection{}, false
}
