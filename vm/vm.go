// Package vm implements the VM lifecycle wrapper: it composes a
// paging pool, an IRTE-backed MSI remapper, and a set of vCPUs into
// one guest partition, and drives create/prepare/pause/shutdown
// (spec.md 4.I, component I).
package vm

import (
	"fmt"
	"sync"

	"github.com/partitionhv/core/ept"
	"github.com/partitionhv/core/jio"
	"github.com/partitionhv/core/msiremap"
	"github.com/partitionhv/core/sched"
	"github.com/partitionhv/core/vcpu"
	"github.com/partitionhv/core/vlapic"
	"github.com/partitionhv/core/vtd"
)

// State is the VM's lifecycle state (spec.md 3.2).
type State int

const (
	PoweredOff State = iota
	Created
	Started
	Paused
	PoweringOff
)

func (s State) String() string {
	switch s {
	case PoweredOff:
		return "POWERED_OFF"
	case Created:
		return "CREATED"
	case Started:
		return "STARTED"
	case Paused:
		return "PAUSED"
	case PoweringOff:
		return "POWERING_OFF"
	default:
		return "UNKNOWN"
	}
}

// VLAPICMode is the VM-wide vLAPIC-mode accounting field (spec.md 3.2,
// 4.I).
type VLAPICMode int

const (
	ModeXAPIC VLAPICMode = iota
	ModeX2APIC
	ModeTransition
	ModeDisabled
)

// E820Type is a guest memory-map entry's type, for the RAM-vs-other
// distinction spec.md 4.I's EPT setup needs; the E820 builder itself
// is an external collaborator (non-goal), so this package only
// consumes its output.
type E820Type int

const (
	E820RAM E820Type = iota
	E820Reserved
)

// E820Entry is one guest memory-map entry.
type E820Entry struct {
	Base uint64
	Size uint64
	Type E820Type
}

// Config is the static per-VM configuration consumed by CreateVM
// (spec.md 4.I step 1-4), itself produced by the config package's
// vm_configs table.
type Config struct {
	VMID        int
	PCPUBitmap  []int // pCPUs this VM may schedule vCPUs on
	MemoryMap   []E820Entry
	LargePages  bool
	MCEMitigate bool
}

// ErrTooManyVCPUs is returned when a config would exceed the fixed
// per-VM vCPU array (spec.md 3.2 "created_vcpus <= MAX_VCPUS_PER_VM").
var ErrTooManyVCPUs = fmt.Errorf("vm: vcpu count exceeds MAX_VCPUS_PER_VM")

// MaxVCPUsPerVM bounds the fixed vCPU array (spec.md 3.2).
const MaxVCPUsPerVM = 16

// VM is one guest partition (spec.md 3.2).
type VM struct {
	ID    int
	mu    sync.Mutex
	state State
	mode  VLAPICMode

	EPT      *ept.Pool
	Remapper *msiremap.Remapper
	VCPUs    []*vcpu.VCPU
	E820     []E820Entry
	IOBus    *IOBus

	ioBitmapA []byte
	ioBitmapB []byte
	msrBitmap []byte
}

// IOBus is the guest-facing I/O-port dispatch table this VM's emulated
// devices (vUART, PCI config space, the ACPI shutdown port) register
// against, generalizing the teacher's fixed ioportHandlers array and
// registerIOPortHandler/RunOnce EXITIO dispatch to a per-VM table a
// VMXEntryExit implementation can drive once wired at that boundary.
type IOBus struct {
	handlers [0x10000][2]func(port uint64, bytes []byte) error
}

// IODirection distinguishes a guest IN from a guest OUT, mirroring
// kvm.EXITIOIN/EXITIOOUT's role as the ioportHandlers second index.
type IODirection int

const (
	DirIn IODirection = iota
	DirOut
)

// NewIOBus constructs an empty port-dispatch table.
func NewIOBus() *IOBus {
	return &IOBus{}
}

// RegisterIOPortHandler attaches inHandler/outHandler to every port in
// [start, end), the same half-open range convention the teacher's
// registerIOPortHandler uses for a device's BAR-sized window.
func (b *IOBus) RegisterIOPortHandler(start, end uint64, inHandler, outHandler func(port uint64, bytes []byte) error) {
	for i := start; i < end; i++ {
		b.handlers[i][DirIn] = inHandler
		b.handlers[i][DirOut] = outHandler
	}
}

// ErrNoIOHandler is returned by Dispatch when no device claimed port.
var ErrNoIOHandler = fmt.Errorf("vm: no io port handler registered")

// Dispatch implements the EXITIO arm of spec.md 4.H's exit-handler
// switch: routes a trapped port access to whatever device registered
// it, once a VMXEntryExit leaf decodes a real exit into (dir, port,
// bytes).
func (b *IOBus) Dispatch(dir IODirection, port uint64, bytes []byte) error {
	f := b.handlers[port][dir]
	if f == nil {
		return fmt.Errorf("%w: port %#x", ErrNoIOHandler, port)
	}

	return f(port, bytes)
}

// CreateVM implements spec.md 4.I create_vm: zeroes the slot, builds
// the EPT pool, establishes RAM and sub-1MiB-reserved mappings from
// the guest E820, initializes the I/O bitmap to all-trap, and sets
// state = CREATED on success.
func CreateVM(cfg Config, remapTable *vtd.Table, flush jio.CLFlush) (*VM, error) {
	if len(cfg.PCPUBitmap) == 0 || len(cfg.PCPUBitmap) > MaxVCPUsPerVM {
		return nil, ErrTooManyVCPUs
	}

	v := &VM{
		ID:        cfg.VMID,
		state:     PoweredOff,
		mode:      ModeXAPIC,
		EPT:       ept.NewPool(&ept.EPTMemOps{LargePage: cfg.LargePages, MCEMitigate: cfg.MCEMitigate}, eptCapacityFor(cfg.MemoryMap), flush),
		Remapper:  msiremap.NewRemapper(remapTable),
		E820:      cfg.MemoryMap,
		IOBus:     NewIOBus(),
		ioBitmapA: allFF(4096),
		ioBitmapB: allFF(4096),
		msrBitmap: make([]byte, 4096),
	}

	for _, ent := range cfg.MemoryMap {
		prot := ept.Entry(ept.EPTRWX | ept.EPTWB)
		if ent.Type != E820RAM && ent.Base < 1<<20 {
			prot = ept.EPTRWX | ept.EPTUncached
		} else if ent.Type != E820RAM {
			continue
		}

		if err := v.EPT.Map(ent.Base, ent.Base, ent.Size, prot); err != nil {
			return nil, fmt.Errorf("vm: establishing e820 mapping %#x+%#x: %w", ent.Base, ent.Size, err)
		}
	}

	v.state = Created

	return v, nil
}

// eptCapacityFor sums the sizes of all of a VM's E820 entries, whatever
// their type, giving the paging pool's
// frame arena enough headroom to map the whole guest address space.
func eptCapacityFor(entries []E820Entry) uint64 {
	var total uint64
	for _, e := range entries {
		total += e.Size
	}

	return total
}

func allFF(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = 0xFF
	}

	return b
}

// State returns the VM's current lifecycle state.
func (v *VM) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.state
}

// Lock and Unlock implement vcpu.VMBackref's vm_lock (spec.md 5).
func (v *VM) Lock()   { v.mu.Lock() }
func (v *VM) Unlock() { v.mu.Unlock() }

// AddVCPU attaches vc to this VM's fixed vCPU array, refusing more
// than MaxVCPUsPerVM. It does not check BSP uniqueness; the BSP flag
// comes from vlapic.Reset, which sets it only for vCPU 0.
func (v *VM) AddVCPU(vc *vcpu.VCPU) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if len(v.VCPUs) >= MaxVCPUsPerVM {
		return ErrTooManyVCPUs
	}

	v.VCPUs = append(v.VCPUs, vc)

	return nil
}

// PrepareVM implements spec.md 4.I prepare_vm: creates vCPUs (done by
// the caller via AddVCPU, since construction needs per-pCPU scheduler
// handles this package does not own), then schedules the BSP.
func (v *VM) PrepareVM(pcpus map[int]*sched.PCPU) error {
	v.mu.Lock()
	bsp := v.VCPUs
	v.mu.Unlock()

	if len(bsp) == 0 {
		return fmt.Errorf("vm: prepare_vm called with no vcpus")
	}

	pcpu, ok := pcpus[bsp[0].PCPUID]
	if !ok {
		return fmt.Errorf("vm: no scheduler block for bsp pcpu %d", bsp[0].PCPUID)
	}

	bsp[0].Reset()
	go pcpu.RunThread(bsp[0].Thread)
	bsp[0].Launch(pcpu)

	v.mu.Lock()
	v.state = Started
	v.mu.Unlock()

	return nil
}

// drainToZombie implements the common core of pause_vm/shutdown_vm:
// pausing every vCPU to ZOMBIE (spec.md 4.I).
func (v *VM) drainToZombie(pcpus map[int]*sched.PCPU) {
	v.mu.Lock()
	vcpus := append([]*vcpu.VCPU(nil), v.VCPUs...)
	v.mu.Unlock()

	for _, vc := range vcpus {
		if pcpu, ok := pcpus[vc.PCPUID]; ok {
			_ = vc.Pause(vcpu.Zombie, pcpu)
		}
	}
}

// PauseVM implements spec.md 4.I pause_vm: drains vCPUs to ZOMBIE.
func (v *VM) PauseVM(pcpus map[int]*sched.PCPU) {
	v.drainToZombie(pcpus)

	v.mu.Lock()
	v.state = Paused
	v.mu.Unlock()
}

// ShutdownVM implements spec.md 4.I shutdown_vm: drains vCPUs to
// ZOMBIE, offlines each vCPU (dropping its VMCS and thread) and sets
// POWERED_OFF. It does not release the EPT pool or any IRTE entries
// installed through Remapper.
func (v *VM) ShutdownVM(pcpus map[int]*sched.PCPU) {
	v.mu.Lock()
	v.state = PoweringOff
	v.mu.Unlock()

	v.drainToZombie(pcpus)

	for _, vc := range v.VCPUs {
		vc.Offline()
	}

	v.mu.Lock()
	v.state = PoweredOff
	v.mu.Unlock()
}

// RequestShutdown marks this VM PoweringOff so the owning supervisor
// loop (cmd/hypervisor) can drain it with ShutdownVM, implementing the
// callback iodev.ACPIShutDownDevice's S5-sleep write triggers.
func (v *VM) RequestShutdown() {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state == Started || v.state == Paused {
		v.state = PoweringOff
	}
}

// RequestReboot is the callback iodev.ACPIShutDownDevice's reboot
// write triggers; this hypervisor has no guest-visible reset path
// narrower than a full shutdown, so it is handled identically.
func (v *VM) RequestReboot() {
	v.RequestShutdown()
}

// AccountVLAPICMode implements spec.md 4.I's vLAPIC-mode accounting:
// scanning every vCPU under vm_lock, if any is x2APIC and any other
// xAPIC the mode is TRANSITION; all x2APIC -> X2APIC; all xAPIC ->
// XAPIC; all disabled -> DISABLED.
func (v *VM) AccountVLAPICMode() {
	v.mu.Lock()
	defer v.mu.Unlock()

	sawX2APIC, sawXAPIC, sawDisabled := false, false, false

	for _, vc := range v.VCPUs {
		base := vc.VLAPIC.APICBaseRead()

		switch {
		case base&vlapic.ABEnabled == 0:
			sawDisabled = true
		case base&vlapic.ABX2APIC != 0:
			sawX2APIC = true
		default:
			sawXAPIC = true
		}
	}

	switch {
	case sawX2APIC && sawXAPIC:
		v.mode = ModeTransition
	case sawDisabled && !sawX2APIC && !sawXAPIC:
		v.mode = ModeDisabled
	case sawX2APIC:
		v.mode = ModeX2APIC
	case sawXAPIC:
		v.mode = ModeXAPIC
	}
}

// Mode returns the VM-wide vLAPIC-mode accounting field.
func (v *VM) Mode() VLAPICMode {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.mode
}

// ErrRemapRefused is returned by VectorSelector when the VM's vLAPIC mode is
// TRANSITION or DISABLED, per spec.md 4.I: MSI remapping "refuses the
// remap (returns a non-fatal failure)" in those modes.
var ErrRemapRefused = fmt.Errorf("vm: msi remap refused, vlapic mode is transitioning or disabled")

// VectorSelector picks the guest or host vector to program into the
// IRTE, per spec.md 4.I: X2APIC mode programs the guest vector,
// XAPIC mode the host vector (since LAPIC pass-through only applies
// in x2APIC mode).
func (v *VM) VectorSelector(guestVector, hostVector uint8) (uint8, error) {
	switch v.Mode() {
	case ModeX2APIC:
		return guestVector, nil
	case ModeXAPIC:
		return hostVector, nil
	default:
		return 0, ErrRemapRefused
	}
}

// vcpuByAPICID resolves a physical APIC id to this VM's owning vCPU,
// implementing the lookup vlapic.TargetController needs; a VM-wide
// registry keyed by vlapic id (== vcpu id under x2APIC pass-through,
// spec.md 3.4) is sufficient since ids are dense per VM.
func (v *VM) vcpuByAPICID(id uint32) (*vcpu.VCPU, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, vc := range v.VCPUs {
		if vc.VLAPIC.Regs.ID == id {
			return vc, true
		}
	}

	return nil, false
}

// TargetController adapts this VM into vlapic.TargetController,
// dispatching ICR writes into the named vCPU's INIT/SIPI handling or
// a raw-IPI leaf.
type TargetController struct {
	VM         *VM
	PCPUs      map[int]*sched.PCPU
	RawIPILeaf func(physAPICID uint32, icrLow uint32) error
}

func (t *TargetController) VCPUIDFromAPICID(id uint32) (int, bool) {
	vc, ok := t.VM.vcpuByAPICID(id)
	if !ok {
		return 0, false
	}

	return vc.VCPUID, true
}

func (t *TargetController) PhysAPICIDOf(vcpuID int) uint32 {
	t.VM.mu.Lock()
	defer t.VM.mu.Unlock()

	for _, vc := range t.VM.VCPUs {
		if vc.VCPUID == vcpuID {
			return vc.VLAPIC.Regs.ID // vcpu_id under x2APIC pass-through
		}
	}

	return 0
}

func (t *TargetController) RequestInitSipi(target int, delivery vlapic.DeliveryMode, icrLow uint32) error {
	t.VM.mu.Lock()
	var vc *vcpu.VCPU

	for _, cand := range t.VM.VCPUs {
		if cand.VCPUID == target {
			vc = cand

			break
		}
	}

	t.VM.mu.Unlock()

	if vc == nil {
		return fmt.Errorf("vm: no vcpu %d", target)
	}

	pcpu, ok := t.PCPUs[vc.PCPUID]
	if !ok {
		return fmt.Errorf("vm: no scheduler block for pcpu %d", vc.PCPUID)
	}

	if delivery == vlapic.DeliveryINIT {
		vc.ProcessInitSipi(pcpu)
	} else {
		vector := uint8((icrLow >> 0) & 0xFF)
		vc.ProcessStartupSipi(vector, pcpu)
	}

	return nil
}

func (t *TargetController) RawIPI(physAPICID uint32, icrLow uint32) error {
	if t.RawIPILeaf == nil {
		return nil
	}

	return t.RawIPILeaf(physAPICID, icrLow)
}

