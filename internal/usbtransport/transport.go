// Package usbtransport implements device discovery, endpoint-pair
// acquisition, control/bulk transfers and re-enumeration waiting, over
// github.com/google/gousb.
package usbtransport

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/gousb"

	"amlboot/internal/amlerr"
	"amlboot/internal/ioiface"
)

// Amlogic USB boot-mode vendor/product IDs.
const (
	VendorID        = 0x1b8e
	ADNLProductID   = 0xc004
	LegacyProductID = 0xc003

	// Interface 0, alternate 0 is the only configuration this driver ever
	// claims; exactly one bulk-OUT and one bulk-IN endpoint live there.
	interfaceNum = 0
	alternateNum = 0
	configNum    = 1
)

// Handle is a device handle: one opened gousb device with its config and
// interface claimed, one bulk-OUT/bulk-IN endpoint pair cached, plus the
// (bus, port, address) coordinates needed to re-acquire the device after it
// re-enumerates across a stage transition.
type Handle struct {
	ctx    *gousb.Context
	ownCtx bool

	vendorID  gousb.ID
	productID gousb.ID

	dev    *gousb.Device
	cfg    *gousb.Config
	intf   *gousb.Interface
	epOut  *gousb.OutEndpoint
	epIn   *gousb.InEndpoint

	bus     int
	port    int
	address int
}

// Open opens the first device matching vendorID/productID and claims
// interface 0, alternate 0. It owns the gousb.Context it creates and closes
// it on Close.
func Open(vendorID, productID int) (*Handle, error) {
	ctx := gousb.NewContext()
	h, err := OpenWithContext(ctx, vendorID, productID)
	if err != nil {
		ctx.Close()
		return nil, err
	}
	h.ownCtx = true
	return h, nil
}

// OpenWithContext opens a device using a caller-owned gousb.Context (useful
// when a single process needs to probe both the ADNL and legacy VID/PID
// without tearing down libusb in between).
func OpenWithContext(ctx *gousb.Context, vendorID, productID int) (*Handle, error) {
	vid := gousb.ID(vendorID)
	pid := gousb.ID(productID)

	dev, err := ctx.OpenDeviceWithVIDPID(vid, pid)
	if err != nil {
		return nil, amlerr.New(amlerr.Transport, "open", "USB enumeration failed", err.Error())
	}
	if dev == nil {
		return nil, amlerr.New(amlerr.Transport, "open",
			fmt.Sprintf("device not found (VID:0x%04x PID:0x%04x)", vendorID, productID))
	}

	h := &Handle{ctx: ctx, vendorID: vid, productID: pid, dev: dev}
	if err := h.claim(); err != nil {
		dev.Close()
		return nil, err
	}

	h.bus = dev.Desc.Bus
	h.port = dev.Desc.Port
	h.address = dev.Desc.Address

	log.Printf("[ANDL] opened device VID:0x%04x PID:0x%04x bus:%d port:%d addr:%d",
		vendorID, productID, h.bus, h.port, h.address)

	return h, nil
}

func (h *Handle) claim() error {
	cfg, err := h.dev.Config(configNum)
	if err != nil {
		return amlerr.New(amlerr.Transport, "claim", "failed to set USB config", err.Error())
	}

	intf, err := cfg.Interface(interfaceNum, alternateNum)
	if err != nil {
		cfg.Close()
		return amlerr.New(amlerr.Transport, "claim", "failed to claim USB interface", err.Error())
	}

	epOut, epIn, err := findBulkPair(intf)
	if err != nil {
		intf.Close()
		cfg.Close()
		return err
	}

	h.cfg = cfg
	h.intf = intf
	h.epOut = epOut
	h.epIn = epIn
	return nil
}

// findBulkPair walks the claimed interface's endpoint descriptors looking
// for exactly one bulk-OUT and one bulk-IN endpoint (the device-handle
// invariant).
func findBulkPair(intf *gousb.Interface) (*gousb.OutEndpoint, *gousb.InEndpoint, error) {
	var outAddr, inAddr int
	for _, ep := range intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if ep.Direction == gousb.EndpointDirectionOut {
			outAddr = ep.Number
		} else {
			inAddr = ep.Number
		}
	}
	if outAddr == 0 || inAddr == 0 {
		return nil, nil, amlerr.New(amlerr.Transport, "claim", "bulk endpoint pair not found on interface 0 altsetting 0")
	}

	epOut, err := intf.OutEndpoint(outAddr)
	if err != nil {
		return nil, nil, amlerr.New(amlerr.Transport, "claim", "failed to open OUT endpoint", err.Error())
	}
	epIn, err := intf.InEndpoint(inAddr)
	if err != nil {
		return nil, nil, amlerr.New(amlerr.Transport, "claim", "failed to open IN endpoint", err.Error())
	}
	return epOut, epIn, nil
}

// Location implements ioiface.Transport.
func (h *Handle) Location() (bus, port, address int) {
	return h.bus, h.port, h.address
}

// ControlOut implements ioiface.Transport.
func (h *Handle) ControlOut(bRequest uint8, wValue, wIndex uint16, data []byte) error {
	_, err := h.dev.Control(0x40, bRequest, wValue, wIndex, data)
	if err != nil {
		return amlerr.New(amlerr.Transport, "control_out", "control transfer failed", err.Error())
	}
	return nil
}

// ControlIn implements ioiface.Transport.
func (h *Handle) ControlIn(bRequest uint8, wValue, wIndex uint16, length int) ([]byte, error) {
	buf := make([]byte, length)
	n, err := h.dev.Control(0xc0, bRequest, wValue, wIndex, buf)
	if err != nil {
		return nil, amlerr.New(amlerr.Transport, "control_in", "control transfer failed", err.Error())
	}
	return buf[:n], nil
}

// BulkWrite implements ioiface.Transport.
func (h *Handle) BulkWrite(data []byte, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	n, err := h.epOut.WriteContext(ctx, data)
	if err != nil {
		return n, amlerr.New(amlerr.Transport, "bulk_write", "USB write failed", err.Error())
	}
	return n, nil
}

// BulkRead implements ioiface.Transport.
func (h *Handle) BulkRead(length int, timeout time.Duration) ([]byte, error) {
	buf := make([]byte, length)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	n, err := h.epIn.ReadContext(ctx, buf)
	if err != nil {
		return nil, amlerr.New(amlerr.Transport, "bulk_read", "USB read failed", err.Error())
	}
	return buf[:n], nil
}

// Reacquire implements ioiface.Transport. It polls the bus at 1Hz for a
// device with this handle's VID/PID whose USB address differs from
// lastAddress, preferring a (bus, port) match when a previous port is
// known. It is uncancellable by
// design; only a USB-layer failure returns an error.
func (h *Handle) Reacquire(lastAddress int) error {
	h.closeClaim()

	knownPort := h.port != 0
	knownBus := h.bus != 0

	for {
		devs, err := h.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
			return desc.Vendor == h.vendorID && desc.Product == h.productID
		})
		if err != nil {
			return amlerr.New(amlerr.Transport, "reacquire", "USB enumeration failed", err.Error())
		}

		var portMatch, any *gousb.Device
		for _, d := range devs {
			if d.Desc.Address == lastAddress {
				d.Close()
				continue
			}
			if knownBus && knownPort && d.Desc.Bus == h.bus && d.Desc.Port == h.port {
				portMatch = d
				continue
			}
			if any == nil {
				any = d
			} else {
				d.Close()
			}
		}

		chosen := portMatch
		if chosen == nil {
			chosen = any
		}
		if chosen != nil {
			if portMatch != nil && any != nil && any != portMatch {
				any.Close()
			}
			h.dev = chosen
			if err := h.claim(); err != nil {
				return err
			}
			h.bus = chosen.Desc.Bus
			h.port = chosen.Desc.Port
			h.address = chosen.Desc.Address
			log.Printf("[ANDL] device reacquired at bus:%d port:%d addr:%d", h.bus, h.port, h.address)
			return nil
		}

		log.Printf("[ANDL] waiting for device to re-enumerate...")
		time.Sleep(1 * time.Second)
	}
}

func (h *Handle) closeClaim() {
	if h.intf != nil {
		h.intf.Close()
		h.intf = nil
	}
	if h.cfg != nil {
		h.cfg.Close()
		h.cfg = nil
	}
	h.epOut = nil
	h.epIn = nil
}

// Close releases the interface, config, device and (if owned) context.
func (h *Handle) Close() error {
	h.closeClaim()
	if h.dev != nil {
		h.dev.Close()
		h.dev = nil
	}
	if h.ownCtx && h.ctx != nil {
		h.ctx.Close()
		h.ctx = nil
	}
	return nil
}

var _ ioiface.Transport = (*Handle)(nil)
