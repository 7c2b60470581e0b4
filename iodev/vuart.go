// Package iodev wires the small set of emulated I/O-port devices this
// hypervisor exposes to a guest (vUART IRQ routing, the ACPI
// shutdown/reboot port) into the vLAPIC/VM lifecycle, generalizing the
// teacher's machine-specific wiring to the per-VM vUART list
// config.VMConfig.VUARTs names.
package iodev

import (
	"fmt"

	"github.com/partitionhv/core/vlapic"
)

// VUARTRouter implements serial.IRQInjector by delivering a fixed
// local vector to the vUART's owning vCPU through the target
// controller's raw-IPI leaf (no vlapic.ICRWrite checks or vapic-id
// translation), since this hypervisor passes the vLAPIC through in
// x2APIC mode rather than modeling a legacy vIOAPIC.
type VUARTRouter struct {
	Target vlapic.TargetController
	APICID uint32
	Vector uint8
}

// InjectSerialIRQ raises Vector on the vCPU owning APICID via a
// FIXED-delivery IPI addressed to APICID.
func (r *VUARTRouter) InjectSerialIRQ() error {
	if r.Target == nil {
		return fmt.Errorf("iodev: vuart router has no target controller")
	}

	icrLow := uint32(r.Vector) | uint32(vlapic.DeliveryFixed)<<8

	return r.Target.RawIPI(r.APICID, icrLow)
}
