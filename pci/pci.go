package pci

// Configuration Space Access Mechanism #1
//
// refs
// https://wiki.osdev.org/PCI
// http://www2.comp.ufscar.br/~helio/boot-int/pci.html
type address uint32

func (a address) getRegisterOffset() uint32 {
	return uint32(a) & 0xff
}

func (a address) getFunctionNumber() uint32 {
	return (uint32(a) >> 8) & 0x7
}

func (a address) getDeviceNumber() uint32 {
	return (uint32(a) >> 11) & 0x1f
}

func (a address) getBusNumber() uint32 {
	return (uint32(a) >> 16) & 0xff
}

func (a address) isEnable() bool {
	return ((uint32(a) >> 31) | 0x1) == 0x1
}

// bdf packs bus/device/function into the 16-bit virt_bdf/phys_bdf form
// config.PCIPassthrough and vtd.Index share, so a guest's config-space
// accesses land on the same slot its MSI-X remap entries are indexed
// by.
func (a address) bdf() uint16 {
	return uint16(a.getBusNumber()<<8 | a.getDeviceNumber()<<3 | a.getFunctionNumber())
}

// DeviceHeader is the subset of a PCI type-0/type-1 configuration
// header this hypervisor models, read back from a CFC port access.
type DeviceHeader struct {
	DeviceID      uint16
	VendorID      uint16
	HeaderType    uint8
	SubsystemID   uint16
	Command       uint16
	BAR           [6]uint32
	InterruptPin  uint8
	InterruptLine uint8
}

// Bytes serializes the header into its little-endian config-space
// layout starting at offset 0.
func (h DeviceHeader) Bytes() ([]byte, error) {
	b := make([]byte, 0x40)

	copy(b[0x00:], NumToBytes(h.VendorID))
	copy(b[0x02:], NumToBytes(h.DeviceID))
	copy(b[0x04:], NumToBytes(h.Command))
	b[0x0e] = h.HeaderType
	copy(b[0x2c:], NumToBytes(h.SubsystemID))

	for i, bar := range h.BAR {
		copy(b[0x10+4*i:], NumToBytes(bar))
	}

	b[0x3c] = h.InterruptLine
	b[0x3d] = h.InterruptPin

	return b, nil
}

// Device is a PCI function this hypervisor exposes to the guest
// across a BDF slot: a pass-through physical device fronted by a
// vdev_ops handler, or the internal host bridge.
type Device interface {
	GetDeviceHeader() DeviceHeader
	IOInHandler(port uint64, bytes []byte) error
	IOOutHandler(port uint64, bytes []byte) error
	GetIORange() (start, end uint64)
}

// PCI is the config-space access mechanism: the latched 0xCF8 address
// register plus every device attached at this VM's BDF slots
// (config.PCIPassthrough entries, with the host bridge conventionally
// at device number 0).
type PCI struct {
	addr    address
	devices []Device
	barHold uint32
}

// New constructs a PCI access mechanism serving devices at successive
// device-number slots, generalizing the single-bridge wiring this
// package started from to however many pass-through devices a VM's
// config names.
func New(devices ...Device) *PCI {
	return &PCI{devices: devices}
}

func (p *PCI) deviceAt(a address) (Device, bool) {
	i := int(a.getDeviceNumber())
	if i < 0 || i >= len(p.devices) {
		return nil, false
	}

	return p.devices[i], true
}

func (p *PCI) PciConfDataIn(port uint64, values []byte) error {
	dev, ok := p.deviceAt(p.addr)
	if !ok {
		return nil
	}

	off := p.addr.getRegisterOffset()

	if off >= 0x10 && off < 0x28 && off%4 == 0 {
		barIdx := (off - 0x10) / 4
		hdr := dev.GetDeviceHeader()

		if p.barHold != 0 && barIdx < uint32(len(hdr.BAR)) {
			copy(values, NumToBytes(p.barHold))
			p.barHold = 0

			return nil
		}
	}

	hdr, err := dev.GetDeviceHeader().Bytes()
	if err != nil {
		return err
	}

	for i := range values {
		if int(off)+i < len(hdr) {
			values[i] = hdr[int(off)+i]
		}
	}

	return nil
}

// PciConfDataOut implements a CFC-port write. A write of all-1s to a
// BAR register latches the region's size mask so the following
// PciConfDataIn returns it, matching a guest's standard BAR-sizing
// probe; any other write is ignored, since this hypervisor's
// pass-through BARs are fixed at vbar_base from config.
func (p *PCI) PciConfDataOut(port uint64, values []byte) error {
	dev, ok := p.deviceAt(p.addr)
	if !ok {
		return nil
	}

	off := p.addr.getRegisterOffset()
	if off < 0x10 || off >= 0x28 || off%4 != 0 {
		return nil
	}

	if BytesToNum(values) == 0xffffffff {
		start, end := dev.GetIORange()
		p.barHold = SizeToBits(end - start)
	}

	return nil
}

func (p *PCI) PciConfAddrIn(port uint64, values []byte) error {
	if len(values) != 4 {
		return nil
	}

	values[3] = uint8((p.addr >> 24) & 0xff)
	values[2] = uint8((p.addr >> 16) & 0xff)
	values[1] = uint8((p.addr >> 8) & 0xff)
	values[0] = uint8((p.addr >> 0) & 0xff)

	return nil
}

func (p *PCI) PciConfAddrOut(port uint64, values []byte) error {
	if len(values) != 4 {
		return nil
	}

	x := uint32(0)
	x |= uint32(values[3]) << 24
	x |= uint32(values[2]) << 16
	x |= uint32(values[1]) << 8
	x |= uint32(values[0]) << 0

	p.addr = address(x)

	return nil
}

// SizeToBits converts a BAR region's byte size into the all-1s, shift
// down to trailing zeros mask a guest's BAR-sizing probe (write
// 0xFFFFFFFF, read back the mask) expects.
func SizeToBits(size uint64) uint32 {
	if size == 0 {
		return 0
	}

	return ^(uint32(size) - 1)
}

// BytesToNum decodes a little-endian byte slice into a uint64.
func BytesToNum(b []byte) uint64 {
	var x uint64

	for i := len(b) - 1; i >= 0; i-- {
		x = x<<8 | uint64(b[i])
	}

	return x
}

// NumToBytes encodes v (uint8/uint16/uint32/uint64) into its
// little-endian byte representation; any other type yields an empty
// slice.
func NumToBytes(v interface{}) []byte {
	switch x := v.(type) {
	case uint8:
		return []byte{x}
	case uint16:
		return []byte{byte(x), byte(x >> 8)}
	case uint32:
		return []byte{byte(x), byte(x >> 8), byte(x >> 16), byte(x >> 24)}
	case uint64:
		return []byte{
			byte(x), byte(x >> 8), byte(x >> 16), byte(x >> 24),
			byte(x >> 32), byte(x >> 40), byte(x >> 48), byte(x >> 56),
		}
	default:
		return []byte{}
	}
}
