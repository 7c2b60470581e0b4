package pci_test

import (
	"errors"
	"testing"

	"github.com/partitionhv/core/pci"
)

func TestBridgeGetDeviceHeader(t *testing.T) {
	t.Parallel()

	br := pci.NewBridge()
	expected := uint16(0x0d57)
	actual := br.GetDeviceHeader().DeviceID

	if actual != expected {
		t.Fatalf("expected: %v, actual: %v", expected, actual)
	}
}

func TestBridgeIOHandlersRejectDirectAccess(t *testing.T) {
	t.Parallel()

	expected := pci.ErrIONotPermit
	br := pci.NewBridge()

	if actual := br.IOInHandler(0x0, []byte{}); !errors.Is(expected, actual) {
		t.Fatalf("expected: %v, actual: %v", expected, actual)
	}

	if actual := br.IOOutHandler(0x0, []byte{}); !errors.Is(expected, actual) {
		t.Fatalf("expected: %v, actual: %v", expected, actual)
	}
}

func TestBridgeGetIORange(t *testing.T) {
	t.Parallel()

	expected := uint64(0x10)
	s, e := pci.NewBridge().GetIORange()
	actual := e - s

	if actual != expected {
		t.Fatalf("expected: %v, actual: %v", expected, actual)
	}
}

// fakePassthrough stands in for a config.PCIPassthrough-backed device
// at a non-zero device number, with an identity distinct from the
// bridge's so slot routing is actually observable.
type fakePassthrough struct{}

func (fakePassthrough) GetDeviceHeader() pci.DeviceHeader {
	return pci.DeviceHeader{VendorID: 0x1af4, DeviceID: 0x1000}
}

func (fakePassthrough) IOInHandler(port uint64, bytes []byte) error { return nil }

func (fakePassthrough) IOOutHandler(port uint64, bytes []byte) error { return nil }

func (fakePassthrough) GetIORange() (start, end uint64) { return 0, 0 }

// TestBridgeOccupiesDeviceSlotZero exercises the slot convention
// bridge.go documents: a PCI bus constructed with the bridge first and
// a pass-through device second resolves device number 0 to the
// bridge's identity and device number 1 to the pass-through device's,
// matching the virt_bdf layout vtd.Index and address.bdf share.
func TestBridgeOccupiesDeviceSlotZero(t *testing.T) {
	t.Parallel()

	p := pci.New(pci.NewBridge(), fakePassthrough{})

	// device number 0, function 0, bus 0 -> address bits [11:15]=0
	addr := uint32(0x80000000) // enable bit set, device/func/bus all zero
	_ = p.PciConfAddrOut(0xCF8, pci.NumToBytes(addr))

	vals := make([]byte, 4)
	if err := p.PciConfDataIn(0xCFC, vals); err != nil {
		t.Fatalf("unexpected error reading bridge slot: %v", err)
	}

	if gotVendor := uint16(pci.BytesToNum(vals[0:2])); gotVendor != 0x8086 {
		t.Fatalf("device slot 0 should resolve to the host bridge, got vendor %#x", gotVendor)
	}

	// device number 1: bits [11:15] = 1 -> 1<<11 = 0x800
	addr = uint32(0x80000000 | 1<<11)
	_ = p.PciConfAddrOut(0xCF8, pci.NumToBytes(addr))

	if err := p.PciConfDataIn(0xCFC, vals); err != nil {
		t.Fatalf("unexpected error reading passthrough slot: %v", err)
	}

	if gotVendor := uint16(pci.BytesToNum(vals[0:2])); gotVendor != 0x1af4 {
		t.Fatalf("device slot 1 should resolve to the pass-through device, got vendor %#x", gotVendor)
	}
}
