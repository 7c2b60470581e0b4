// Package vlapic implements the virtual local APIC in x2APIC
// pass-through mode: identity (APIC-ID/LDR) construction, destination
// resolution, ICR write handling with INIT/STARTUP emulation, and the
// TSC-deadline MSR (spec.md 3.4, 4.D).
package vlapic

import (
	"errors"
	"fmt"
)

// MSR numbers consumed/produced by this package (spec.md 6).
const (
	MSRAPICBase     = 0x1B
	MSRTSCDeadline  = 0x6E0
	MSRExtXAPICID   = 0x802
	MSRExtAPICLDR   = 0x80D
	MSRExtAPICICR   = 0x830
	DefaultAPICBase = 0xFEE0_0000
)

// IA32_APIC_BASE bits.
const (
	ABEnabled = 1 << 11
	ABX2APIC  = 1 << 10
	ABBSP     = 1 << 8
)

// ICR delivery modes (spec.md 4.D).
type DeliveryMode uint8

const (
	DeliveryFixed    DeliveryMode = 0
	DeliveryLowest   DeliveryMode = 1
	DeliverySMI      DeliveryMode = 2
	DeliveryNMI      DeliveryMode = 4
	DeliveryINIT     DeliveryMode = 5
	DeliveryStartup  DeliveryMode = 6
	DeliveryExtINT   DeliveryMode = 7
)

var (
	// ErrReservedICR is returned when an ICR write sets a reserved bit.
	ErrReservedICR = errors.New("vlapic: ICR write sets reserved bits")
	// ErrNotPhysical is returned for an ICR write that is not physical,
	// no-shorthand, which is the only form the x2APIC pass-through
	// fast path accepts (spec.md 4.D).
	ErrNotPhysical = errors.New("vlapic: ICR write must be physical, no-shorthand")
	// ErrUnknownOffset is returned for an x2APIC MSR offset this
	// hypervisor does not emulate (everything else passes through).
	ErrUnknownOffset = errors.New("vlapic: unhandled x2APIC MSR offset")
)

// icrReservedMask covers the bits spec.md 4.D requires a write to
// reject: bits 63:56 (reserved above vapic_id) and bits 17:16
// (reserved between the trigger-mode bit and the destination-shorthand
// field). Destination mode (bit 11) and shorthand (bits 19:18) are
// checked separately by ICRWrite and rejected with ErrNotPhysical.
const icrReservedMask = 0xFF00_0000_0003_0000

// Registers is the subset of the x2APIC register image this
// hypervisor actually emulates (spec.md 3.4): id, ldr, icr, ppr and
// the LVTs are tracked; everything else is opaque to the guest by
// virtue of x2APIC pass-through.
type Registers struct {
	ID    uint32
	LDR   uint32
	ICRLo uint32
	ICRHi uint32
	PPR   uint32
}

// VLAPIC is one vCPU's virtual local APIC.
type VLAPIC struct {
	VCPUID    int
	Regs      Registers
	apicBase  uint64
	tscOffset int64 // VMCS.TSC_OFFSET_FULL for this vCPU, cached for the deadline MSR math
}

// New constructs a vLAPIC bound to vcpuID, not yet reset.
func New(vcpuID int) *VLAPIC {
	return &VLAPIC{VCPUID: vcpuID}
}

// BuildID implements spec.md 4.D: vlapic_build_id(vcpu) = vcpu_id.
func BuildID(vcpuID int) uint32 { return uint32(vcpuID) }

// BuildX2APICID sets lapic.id = vcpu_id and lapic.ldr per spec.md 3.4:
// ldr = (cluster<<16) | (1<<logical), cluster = vcpu_id>>4, logical =
// vcpu_id & 0xF.
func (v *VLAPIC) BuildX2APICID() {
	id := BuildID(v.VCPUID)
	cluster := id >> 4
	logical := id & 0xF
	v.Regs.ID = id
	v.Regs.LDR = (cluster << 16) | (1 << logical)
}

// Reset implements spec.md 4.D Identity/Reset: sets msr_apicbase,
// ORs in BSP for vcpu 0, zeros the register page, then rebuilds the
// x2APIC id/LDR.
func (v *VLAPIC) Reset() {
	v.Regs = Registers{}
	v.apicBase = DefaultAPICBase | ABEnabled | ABX2APIC

	if v.VCPUID == 0 {
		v.apicBase |= ABBSP
	}

	v.BuildX2APICID()
}

// APICBaseRead returns the cached msr_apicbase.
func (v *VLAPIC) APICBaseRead() uint64 { return v.apicBase }

// ModeSwitchHook is invoked when an APIC_BASE write flips xAPIC ->
// x2APIC, so the caller (vcpu/vmx) can run the apicv-mode VMCS switch
// and VM-wide vLAPIC-state accounting from spec.md 4.C/4.I.
type ModeSwitchHook func(v *VLAPIC)

// APICBaseWrite implements spec.md 4.D: writes that change the mode
// bits from {XAPIC} to {XAPIC|X2APIC} rebuild the x2APIC id/LDR and
// invoke the mode-switch hook.
func (v *VLAPIC) APICBaseWrite(val uint64, onX2APICEnable ModeSwitchHook) {
	wasX2APIC := v.apicBase&ABX2APIC != 0
	v.apicBase = val

	if !wasX2APIC && val&ABX2APIC != 0 {
		v.BuildX2APICID()

		if onX2APICEnable != nil {
			onX2APICEnable(v)
		}
	}
}

// SetTSCOffset records this vCPU's VMCS TSC_OFFSET_FULL field for the
// deadline-MSR math below.
func (v *VLAPIC) SetTSCOffset(offset int64) { v.tscOffset = offset }

// PhysicalDeadlineProgrammer is the opaque leaf that arms/disarms the
// physical TSC-deadline timer (component J).
type PhysicalDeadlineProgrammer interface {
	ArmDeadline(hostTSCDeadline uint64)
	Disarm()
	CurrentDeadline() uint64 // 0 if disarmed
}

// TSCDeadlineRead implements spec.md 4.D: returns 0 if the physical
// deadline is disarmed, else the virtual deadline.
func (v *VLAPIC) TSCDeadlineRead(p PhysicalDeadlineProgrammer) uint64 {
	phys := p.CurrentDeadline()
	if phys == 0 {
		return 0
	}

	return uint64(int64(phys) + v.tscOffset)
}

// TSCDeadlineWrite implements spec.md 4.D: a nonzero value programs
// the physical deadline as val - tscOffset, bumped to 1 if that
// underflows to 0 or below (to avoid falsely disarming); zero disarms.
func (v *VLAPIC) TSCDeadlineWrite(val uint64, p PhysicalDeadlineProgrammer) {
	if val == 0 {
		p.Disarm()

		return
	}

	d := int64(val) - v.tscOffset
	if d <= 0 {
		d = 1
	}

	p.ArmDeadline(uint64(d))
}

// DestResolver exposes the subset of VM-wide vCPU state destination
// resolution needs: each live vCPU's vlapic identity and priority.
type DestResolver interface {
	ActiveVCPUs() []int
	LDR(vcpuID int) uint32 // (cluster<<16)|(1<<logical)
	PhysID(vcpuID int) uint32
	PPR(vcpuID int) uint32
}

// CalcDest implements spec.md 4.D calc_dest: computes the bitmap
// (as a set of vcpu ids) of destinations for an interrupt.
func CalcDest(r DestResolver, broadcast bool, dest uint32, phys, lowprio bool) map[int]bool {
	out := map[int]bool{}

	if broadcast {
		for _, id := range r.ActiveVCPUs() {
			out[id] = true
		}

		return out
	}

	if phys {
		for _, id := range r.ActiveVCPUs() {
			if r.PhysID(id) == dest {
				out[id] = true

				return out
			}
		}

		return out
	}

	destCluster := dest >> 16
	destLogical := dest & 0xFFFF

	best := -1
	bestPPR := uint32(0xFFFFFFFF)

	for _, id := range r.ActiveVCPUs() {
		ldr := r.LDR(id)
		cluster := ldr >> 16
		logical := ldr & 0xFFFF

		if cluster != destCluster || logical&destLogical == 0 {
			continue
		}

		if !lowprio {
			out[id] = true

			continue
		}

		if best == -1 || r.PPR(id) < bestPPR {
			best = id
			bestPPR = r.PPR(id)
		}
	}

	if lowprio && best != -1 {
		out[best] = true
	}

	return out
}

// TargetController is the subset of vCPU control the ICR write path
// needs to dispatch INIT/STARTUP/other delivery modes (spec.md 4.D).
// It is implemented by vcpu.VCPU; defining it here keeps vlapic free
// of an import cycle on vcpu.
type TargetController interface {
	VCPUIDFromAPICID(physAPICID uint32) (int, bool)
	RequestInitSipi(target int, delivery DeliveryMode, icrLow uint32) error
	PhysAPICIDOf(target int) uint32
	RawIPI(physAPICID uint32, icrLow uint32) error
}

// ICRWrite implements spec.md 4.D "ICR write": rejects reserved bits,
// requires physical/no-shorthand addressing, translates vapic_id to a
// vcpu id, and dispatches by delivery mode.
func ICRWrite(val uint64, ctl TargetController) error {
	if val&icrReservedMask != 0 {
		return ErrReservedICR
	}

	destMode := (val >> 11) & 0x1
	shorthand := (val >> 18) & 0x3

	if destMode != 0 || shorthand != 0 {
		return ErrNotPhysical
	}

	vapicID := uint32(val >> 32)
	icrLow := uint32(val)
	deliveryMode := DeliveryMode((icrLow >> 8) & 0x7)

	target, ok := ctl.VCPUIDFromAPICID(vapicID)
	if !ok {
		return fmt.Errorf("vlapic: unknown target apic id %#x", vapicID)
	}

	switch deliveryMode {
	case DeliveryINIT, DeliveryStartup:
		return ctl.RequestInitSipi(target, deliveryMode, icrLow)
	default:
		phys := ctl.PhysAPICIDOf(target)

		return ctl.RawIPI(phys, icrLow)
	}
}

// X2APICMSRRead implements spec.md 4.D's small read set when LAPIC is
// passed through.
func (v *VLAPIC) X2APICMSRRead(offset uint32) (uint64, error) {
	switch offset {
	case MSRExtXAPICID:
		return uint64(v.Regs.ID), nil
	case MSRExtAPICLDR:
		return uint64(v.Regs.LDR), nil
	case MSRExtAPICICR:
		return uint64(v.Regs.ICRHi)<<32 | uint64(v.Regs.ICRLo), nil
	default:
		return 0, fmt.Errorf("%w: %#x", ErrUnknownOffset, offset)
	}
}
