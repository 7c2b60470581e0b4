package pci

import "errors"

// ErrIONotPermit is returned by the host bridge's IO handlers: the
// bridge occupies device-number slot 0 of every VM's config-space
// (the slot a guest's BDF walk hits first) but forwards no BAR-backed
// IO port range of its own, so any direct port access through it is
// rejected rather than silently accepted.
var ErrIONotPermit = errors.New("IO is not permitted for PCI bridge")

// bridge is the synthetic host bridge every VM exposes at device
// number 0, ahead of its pass-through devices (config.PCIPassthrough
// entries start at device number 1). It reports a fixed Intel
// host-bridge identity since nothing about a guest's view of "what
// bridge sits at 00:00.0" needs to vary per VM or per pass-through
// assignment; only the devices behind it carry per-VM virt_bdf state.
type bridge struct{}

func (br bridge) GetDeviceHeader() DeviceHeader {
	return DeviceHeader{
		DeviceID:      0x0d57,
		VendorID:      0x8086,
		HeaderType:    1,
		SubsystemID:   0,
		InterruptLine: 0,
		InterruptPin:  0,
		BAR:           [6]uint32{},
		Command:       0,
	}
}

func (br bridge) IOInHandler(port uint64, bytes []byte) error {
	return ErrIONotPermit
}

func (br bridge) IOOutHandler(port uint64, bytes []byte) error {
	return ErrIONotPermit
}

func (br bridge) GetIORange() (start, end uint64) {
	return 0, 0x10
}

// NewBridge constructs the device-0 host bridge. Every PCI bus this
// hypervisor builds (pci.New) takes the bridge as its first device so
// device number 0 always resolves, matching how vtd.Index and
// address.bdf pack bus/device/function with device number 0 reserved
// for the bridge by convention rather than by any enforced check.
func NewBridge() Device {
	return &bridge{}
}
