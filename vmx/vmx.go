// Package vmx builds and maintains a vCPU's VMCS: the host-state,
// guest-state, and control field groups, the VMPTRLD/VMCLEAR loading
// discipline, capability probing against IA32_VMX_* MSRs, and the
// apicv-mode switch into x2APIC pass-through (spec.md 4.C, component
// C).
package vmx

import "fmt"

// Regs mirrors the guest general-purpose register file a VMCS's
// guest-state group and the saved context exchange (shape borrowed
// from the teacher's KVM register structs, since VMX and KVM expose
// the same architectural register set).
type Regs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

// Segment is one guest or host segment descriptor's unpacked form
// (selector, base, limit, access rights), as the VMCS's per-segment
// guest-state fields require it.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Typ      uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
}

// Descriptor is a GDTR/IDTR-shaped {base, limit} pair.
type Descriptor struct {
	Base  uint64
	Limit uint16
}

// Sregs is the full special-register group sampled for guest state
// and (at init) for host state.
type Sregs struct {
	CS, DS, ES, FS, GS, SS, TR, LDT Segment
	GDT, IDT                        Descriptor
	CR0, CR2, CR3, CR4, CR8         uint64
	EFER                            uint64
}

// Capabilities is the result of probing IA32_VMX_BASIC and the four
// allowed-0/allowed-1 MSR pairs, mirroring spec.md 12's
// vmx.ProbeCapabilities supplement (grounded on the teacher's
// capability-list-before-trusting-a-bit CPUID pattern).
type Capabilities struct {
	VMCSRevisionID     uint32
	RegionSize         uint32
	TrueMSRsSupported  bool
	PinBasedAllowed1   uint32
	ProcBasedAllowed1  uint32
	ProcBased2Allowed1 uint32
	VMExitAllowed1     uint32
	VMEntryAllowed1    uint32
	EPTVPIDCapBitmap   uint64
}

// ProbeCapabilities decodes the raw MSR values a caller samples from
// IA32_VMX_BASIC (0x480), IA32_VMX_PINBASED_CTLS/TRUE_PINBASED_CTLS,
// IA32_VMX_PROCBASED_CTLS/TRUE_*, IA32_VMX_PROCBASED_CTLS2,
// IA32_VMX_EXIT_CTLS/TRUE_*, IA32_VMX_ENTRY_CTLS/TRUE_*, and
// IA32_VMX_EPT_VPID_CAP, into the fixed control-field policy this
// hypervisor requires (spec.md 4.C). It never negotiates a weaker
// policy: every bit spec.md 4.C fixes must be present in the
// allowed-1 mask, or the VM cannot be launched at all.
func ProbeCapabilities(basic uint64, pinbased, procbased, procbased2, exitctls, entryctls uint64, eptVPIDCap uint64) Capabilities {
	trueMSRs := basic&(1<<55) != 0

	return Capabilities{
		VMCSRevisionID:     uint32(basic),
		RegionSize:         uint32((basic >> 32) & 0x1FFF),
		TrueMSRsSupported:  trueMSRs,
		PinBasedAllowed1:   uint32(pinbased >> 32),
		ProcBasedAllowed1:  uint32(procbased >> 32),
		ProcBased2Allowed1: uint32(procbased2 >> 32),
		VMExitAllowed1:     uint32(exitctls >> 32),
		VMEntryAllowed1:    uint32(entryctls >> 32),
		EPTVPIDCapBitmap:   eptVPIDCap,
	}
}

// RequireFixed checks that every bit in want is settable (present in
// the allowed-1 mask), per spec.md 4.C's fixed control policy; this
// hypervisor never falls back to a weaker configuration.
func RequireFixed(allowed1, want uint32) error {
	if allowed1&want != want {
		return fmt.Errorf("vmx: required control bits %#x not available (allowed1=%#x)", want, allowed1)
	}

	return nil
}

// Pin-based VM-execution control bits this hypervisor fixes
// (spec.md 4.C).
const (
	PinExtIntExiting = 1 << 0
)

// Primary processor-based VM-execution control bits.
const (
	ProcUseIOBitmaps  = 1 << 25
	ProcUseMSRBitmap  = 1 << 28
	ProcUseTPRShadow  = 1 << 21
	ProcUseTSCOffset  = 1 << 3
	ProcSecondaryCtls = 1 << 31
	ProcRDPMCExiting  = 1 << 11
	ProcMWAITExiting  = 1 << 10
	ProcMovDRExiting  = 1 << 23
	ProcMonitorExit   = 1 << 5
	ProcCR3LoadExit   = 1 << 15
	ProcCR3StoreExit  = 1 << 16
	ProcINVLPGExit    = 1 << 9
	ProcCR8LoadExit   = 1 << 19
	ProcCR8StoreExit  = 1 << 20
)

// Secondary processor-based VM-execution control bits.
const (
	Proc2EnableEPT          = 1 << 1
	Proc2EnableVPID         = 1 << 5
	Proc2EnableRDTSCP       = 1 << 3
	Proc2UnrestrictedGuest  = 1 << 7
	Proc2WBINVDExiting      = 1 << 6
	Proc2EnableXSAVES       = 1 << 20
	Proc2VirtualizeAPICMode = 1 << 4 // left off: LAPIC is passed through
)

// VM-entry/exit control bits.
const (
	EntryLoadEFER     = 1 << 15
	EntryLoadPAT      = 1 << 14
	EntryIA32e        = 1 << 9
	EntryLoadDebugCtl = 1 << 2

	ExitHostAddrSpaceSize = 1 << 9
	ExitAckIRQOnExit      = 1 << 15
	ExitSavePAT           = 1 << 18
	ExitLoadPAT           = 1 << 19
	ExitSaveEFER          = 1 << 20
	ExitLoadEFER          = 1 << 21
	ExitSaveDebugCtl      = 1 << 2
)

// Exception-bitmap bit for #DB (spec.md 4.C).
const ExceptionBitmapDB = 1 << 1

// ControlFields is the assembled control-field group, written once at
// init (spec.md 4.C).
type ControlFields struct {
	PinBased     uint32
	ProcBased    uint32
	ProcBased2   uint32
	VMEntryCtls  uint32
	VMExitCtls   uint32
	ExceptionBmp uint32
	EPTPointer   uint64
	TSCOffset    uint64
	IOBitmapAHPA uint64
	IOBitmapBHPA uint64
	MSRBitmapHPA uint64
}

// EPTPointerValue packs an EPTP per spec.md 4.C: HPA of the PML4,
// walk-length-4 (value 3 in bits 5:3... actually bits 5:3 encode
// length-1, so 4 levels => 3), memory type WB (value 6 in bits 2:0).
func EPTPointerValue(pml4HPA uint64) uint64 {
	const (
		eptMemTypeWB = 6
		eptWalkLen4  = 3 << 3
	)

	return pml4HPA | eptWalkLen4 | eptMemTypeWB
}

// BuildControlFields assembles the fixed control-field policy from
// spec.md 4.C. guestIs64Bit selects IA-32e mode in VM-entry controls;
// ackIRQOnExit should be true until the apicv-mode switch to x2APIC
// pass-through clears it.
func BuildControlFields(caps Capabilities, pml4HPA uint64, tscOffset uint64, guestIs64Bit, ackIRQOnExit bool) (ControlFields, error) {
	pin := uint32(PinExtIntExiting)
	if err := RequireFixed(caps.PinBasedAllowed1, pin); err != nil {
		return ControlFields{}, err
	}

	proc := uint32(ProcUseIOBitmaps | ProcUseMSRBitmap | ProcUseTPRShadow | ProcUseTSCOffset |
		ProcSecondaryCtls | ProcRDPMCExiting | ProcMWAITExiting | ProcMovDRExiting | ProcMonitorExit)
	if err := RequireFixed(caps.ProcBasedAllowed1, proc); err != nil {
		return ControlFields{}, err
	}

	proc2 := uint32(Proc2EnableEPT | Proc2EnableVPID | Proc2EnableRDTSCP | Proc2UnrestrictedGuest | Proc2WBINVDExiting)
	if err := RequireFixed(caps.ProcBased2Allowed1, proc2); err != nil {
		return ControlFields{}, err
	}

	entry := uint32(EntryLoadEFER | EntryLoadPAT)
	if guestIs64Bit {
		entry |= EntryIA32e
	}

	if err := RequireFixed(caps.VMEntryAllowed1, entry); err != nil {
		return ControlFields{}, err
	}

	exit := uint32(ExitHostAddrSpaceSize | ExitSavePAT | ExitLoadPAT | ExitSaveEFER | ExitLoadEFER)
	if ackIRQOnExit {
		exit |= ExitAckIRQOnExit
	}

	if err := RequireFixed(caps.VMExitAllowed1, exit); err != nil {
		return ControlFields{}, err
	}

	return ControlFields{
		PinBased:     pin,
		ProcBased:    proc,
		ProcBased2:   proc2,
		VMEntryCtls:  entry,
		VMExitCtls:   exit,
		ExceptionBmp: ExceptionBitmapDB,
		EPTPointer:   EPTPointerValue(pml4HPA),
		TSCOffset:    tscOffset,
	}, nil
}

// HostState is sampled once from the physical registers at init
// (spec.md 4.C "Host state").
type HostState struct {
	CSSel, SSSel, DSSel, ESSel, FSSel, GSSel, TRSel uint16
	GDTBase, IDTBase                                uint64
	GDTLimit, IDTLimit                              uint16
	CR0, CR3, CR4                                   uint64
	FSBase, GSBase                                  uint64
	PAT, EFER                                       uint64
	RIP                                             uint64 // vm-exit stub address
}

// canonicalizeBit47 implements spec.md 4.C's GDTR/IDTR canonicalization:
// sign-extends bit 47 through bits 63:48, since a non-canonical
// descriptor-table base would fault VMLAUNCH.
func canonicalizeBit47(base uint64) uint64 {
	if base&(1<<47) != 0 {
		return base | 0xFFFF_0000_0000_0000
	}

	return base &^ 0xFFFF_0000_0000_0000
}

// NewHostState builds the host-state group from a raw register
// snapshot, canonicalizing GDTR/IDTR bases.
func NewHostState(raw HostState, exitStubRIP uint64) HostState {
	raw.GDTBase = canonicalizeBit47(raw.GDTBase)
	raw.IDTBase = canonicalizeBit47(raw.IDTBase)
	raw.RIP = exitStubRIP

	return raw
}

// GuestState is the guest-state field group, derived from the vCPU's
// saved context (spec.md 4.C "Guest state").
type GuestState struct {
	Regs           Regs
	Sregs          Sregs
	MiscEnableMSR  uint64
	DR7            uint64
	PAT            uint64
	NeverPoweredUp bool
}

// IA32_MISC_ENABLE bits spec.md 4.C requires this hypervisor to tweak
// when deriving guest state from the sampled physical MSR.
const (
	miscEnableMonitorEna      = 1 << 18
	miscEnablePMA             = 1 << 7
	miscEnableBTSUnavailable  = 1 << 11
	miscEnablePEBSUnavailable = 1 << 12

	dr7InitValue  = 0x400
	patPowerOnVal = 0x0007040600070406
)

// DeriveMiscEnable applies spec.md 4.C's IA32_MISC_ENABLE tweak: clear
// {MONITOR_ENA, PMA}, force {BTS_UNAVAILABLE, PEBS_UNAVAILABLE}.
func DeriveMiscEnable(physMiscEnable uint64) uint64 {
	v := physMiscEnable &^ (miscEnableMonitorEna | miscEnablePMA)
	v |= miscEnableBTSUnavailable | miscEnablePEBSUnavailable

	return v
}

// NewGuestState builds the guest-state group. If the vCPU has never
// been powered up, PAT is set to its power-on value rather than a
// sampled one.
func NewGuestState(regs Regs, sregs Sregs, physMiscEnable uint64, neverPoweredUp bool, sampledPAT uint64) GuestState {
	pat := sampledPAT
	if neverPoweredUp {
		pat = patPowerOnVal
	}

	return GuestState{
		Regs:           regs,
		Sregs:          sregs,
		MiscEnableMSR:  DeriveMiscEnable(physMiscEnable),
		DR7:            dr7InitValue,
		PAT:            pat,
		NeverPoweredUp: neverPoweredUp,
	}
}

// VMCS is one vCPU's 4 KiB-aligned control structure, plus the
// bookkeeping the loading discipline needs.
type VMCS struct {
	RevisionID uint32
	Control    ControlFields
	Host       HostState
	Guest      GuestState
	cleared    bool
}

// New allocates a VMCS stamped with the probed revision ID
// (spec.md 4.C "VMCS revision ID is copied from IA32_VMX_BASIC[31:0]
// into the first 4 bytes").
func New(caps Capabilities) *VMCS {
	return &VMCS{RevisionID: caps.VMCSRevisionID}
}

// Loader is the leaf that performs the real VMCLEAR/VMPTRLD/VMWRITE
// instructions against a given VMCS's host-physical address.
type Loader interface {
	VMClear(hpa uint64) error
	VMPtrLd(hpa uint64) error
	VMWriteAll(v *VMCS) error
}

// PCPULoadState tracks, per pCPU, which VMCS (by host-physical
// address) is currently loaded, implementing spec.md 4.C's "currently
// loaded VMCS" pointer and switch_vmcs's load-iff-differs discipline.
type PCPULoadState struct {
	loaded uint64
	valid  bool
}

// SwitchVMCS implements spec.md 4.C switch_vmcs: VMPTRLDs vcpuHPA iff
// it differs from the currently loaded VMCS on this pCPU.
func (s *PCPULoadState) SwitchVMCS(vcpuHPA uint64, loader Loader) error {
	if s.valid && s.loaded == vcpuHPA {
		return nil
	}

	if err := loader.VMPtrLd(vcpuHPA); err != nil {
		return fmt.Errorf("vmx: vmptrld: %w", err)
	}

	s.loaded = vcpuHPA
	s.valid = true

	return nil
}

// InitVMCS implements spec.md 4.C init_vmcs: VMCLEAR, then VMPTRLD,
// then write every field.
func InitVMCS(v *VMCS, hpa uint64, pcpu *PCPULoadState, loader Loader) error {
	if err := loader.VMClear(hpa); err != nil {
		return fmt.Errorf("vmx: vmclear: %w", err)
	}

	v.cleared = true
	pcpu.valid = false // force the subsequent SwitchVMCS to VMPTRLD again

	if err := pcpu.SwitchVMCS(hpa, loader); err != nil {
		return err
	}

	if err := loader.VMWriteAll(v); err != nil {
		return fmt.Errorf("vmx: vmwrite: %w", err)
	}

	return nil
}

// ApicvModeSwitch implements spec.md 4.C's transition to x2APIC
// pass-through: clears pin-based external-IRQ-exit, clears
// exit-ack-IRQ, clears primary TPR-shadow, clears secondary
// virtualize-APIC-mode. It returns nothing; the TPR-threshold value
// (0) and notify-mode the caller must also apply to the scheduler
// thread are the constants TPRThresholdAfterApicvSwitch and
// NotifyModeInitIPI below.
func ApicvModeSwitch(c *ControlFields) {
	c.PinBased &^= PinExtIntExiting
	c.VMExitCtls &^= ExitAckIRQOnExit
	c.ProcBased &^= ProcUseTPRShadow
	c.ProcBased2 &^= Proc2VirtualizeAPICMode
}

// TPRThresholdAfterApicvSwitch is the fixed VMCS TPR-threshold value
// spec.md 4.C sets when switching to x2APIC pass-through.
const TPRThresholdAfterApicvSwitch = 0

// NotifyModeInitIPI is the scheduler thread notify_mode
// ApicvModeSwitch's caller must also set, per spec.md 4.C.
const NotifyModeInitIPI = "init-ipi"
