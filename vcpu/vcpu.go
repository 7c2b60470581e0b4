// Package vcpu implements vCPU lifecycle: creation, reset,
// pause/launch/offline, VMCS ownership, and pending-request routing
// into the vLAPIC/intr/vmx packages (spec.md 4.H, component H).
package vcpu

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/partitionhv/core/intr"
	"github.com/partitionhv/core/sched"
	"github.com/partitionhv/core/vlapic"
	"github.com/partitionhv/core/vmx"
)

// State is a vCPU's lifecycle state (spec.md 3.3):
// OFFLINE -> INIT -> RUNNING <-> PAUSED -> ZOMBIE.
type State int

const (
	Offline State = iota
	Init
	Running
	Paused
	Zombie
)

func (s State) String() string {
	switch s {
	case Offline:
		return "OFFLINE"
	case Init:
		return "INIT"
	case Running:
		return "RUNNING"
	case Paused:
		return "PAUSED"
	case Zombie:
		return "ZOMBIE"
	default:
		return "UNKNOWN"
	}
}

// Context is the vCPU's saved architectural register state, reloaded
// wholesale on reset (spec.md 4.H "reset").
type Context struct {
	Regs  vmx.Regs
	Sregs vmx.Sregs
}

// InitialArchState is the fixed INIT-state register image reset()
// reloads (spec.md 4.H), borrowed from the real-mode reset vector
// convention: RIP=0xFFF0, CS selector 0xF000 base 0xFFFF0000.
var InitialArchState = Context{
	Regs: vmx.Regs{RIP: 0xFFF0, RFLAGS: 0x2},
	Sregs: vmx.Sregs{
		CS: vmx.Segment{Selector: 0xF000, Base: 0xFFFF0000, Limit: 0xFFFF, Present: 1, S: 1, Typ: 0xB},
		CR0: 0x6000_0010,
	},
}

// VCPU is one virtual CPU (spec.md 3.3).
type VCPU struct {
	VCPUID       int
	PCPUID       int
	vm           VMBackref
	mu           sync.Mutex
	state        State
	ctx          Context
	nrSipi       int
	startupEntry uint64

	VLAPIC *vlapic.VLAPIC
	Intr   *intr.State
	VMCS   *vmx.VMCS
	Thread *sched.Thread

	caps vmx.Capabilities
}

// VMBackref is the non-owning back-reference a vCPU holds to its VM
// (spec.md 3.3), kept as an interface to avoid an import cycle with
// package vm.
type VMBackref interface {
	Lock()
	Unlock()
	AccountVLAPICMode()
}

// Create implements spec.md 4.H create(vm, pcpu_id): allocates the
// VMCS, zeroes the extended context, constructs the vLAPIC (sets vm,
// vcpu, vlapic_init->vlapic_reset), and attaches a scheduler thread
// pinned to pcpuID.
func Create(vcpuID, pcpuID int, vmRef VMBackref, caps vmx.Capabilities, pcpu *sched.PCPU) *VCPU {
	v := &VCPU{
		VCPUID: vcpuID,
		PCPUID: pcpuID,
		vm:     vmRef,
		state:  Offline,
		VLAPIC: vlapic.New(vcpuID),
		Intr:   &intr.State{},
		VMCS:   vmx.New(caps),
		caps:   caps,
	}

	v.VLAPIC.Reset()

	v.Thread = sched.NewThread(pcpuID, sched.Hooks{}, func(self *sched.Thread) {
		v.runLoop(pcpu)
	})
	v.Intr.Kick = func() { pcpu.WakeThread(v.Thread) }
	pcpu.AssignThread(v.Thread)

	return v
}

// Reset implements spec.md 4.H reset(vcpu): reloads INIT architectural
// state; nr_sipi stays 0 until process_init_sipi sets it.
func (v *VCPU) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.ctx = InitialArchState
	v.nrSipi = 0
	v.state = Init
}

// State returns the vCPU's current lifecycle state.
func (v *VCPU) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.state
}

// Pause implements spec.md 4.H pause(vcpu, new_state): requests
// reschedule on the vCPU's pCPU and transitions it through the
// scheduler into newState, which must be Paused or Zombie.
func (v *VCPU) Pause(newState State, pcpu *sched.PCPU) error {
	if newState != Paused && newState != Zombie {
		return fmt.Errorf("vcpu: pause target state must be PAUSED or ZOMBIE, got %v", newState)
	}

	pcpu.SleepThread(v.Thread)

	v.mu.Lock()
	v.state = newState
	v.mu.Unlock()

	return nil
}

// Launch implements spec.md 4.H launch(vcpu): sets RUNNING and wakes
// the thread. The thread body is runLoop below, which only yields to
// the scheduler; it does not install the VMCS or call VMXEntryExit.
func (v *VCPU) Launch(pcpu *sched.PCPU) {
	v.mu.Lock()
	v.state = Running
	v.mu.Unlock()

	pcpu.WakeThread(v.Thread)
}

// Offline implements spec.md 4.H offline(vcpu): marks OFFLINE, frees
// the VMCS, clears the scheduler thread.
func (v *VCPU) Offline() {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.state = Offline
	v.VMCS = nil
	v.Thread = nil
}

// VMXEntryExit is the leaf that performs the real VMRESUME/VMLAUNCH
// instruction and returns the vm-exit reason, the mechanism
// spec.md 4.H's non-root loop drives.
type VMXEntryExit interface {
	Enter(v *VCPU) (exitReason uint32, err error)
}

// runLoop is the vCPU thread body: each iteration yields to the
// scheduler and nothing else. It performs no VMRESUME/VMLAUNCH, no
// vm-exit handling and no pending-request processing.
func (v *VCPU) runLoop(pcpu *sched.PCPU) {
	for {
		pcpu.Yield(v.Thread)
	}
}

// vlapic.TargetController is implemented by vm.TargetController, not
// by this package: its RequestInitSipi calls ProcessInitSipi and
// ProcessStartupSipi below, so an ICR write dispatched by
// vlapic.ICRWrite reaches the vcpu package without an import cycle.

// ProcessInitSipi implements spec.md 4.D's vlapic_process_init_sipi
// for this vCPU as the INIT branch's target: pauses into ZOMBIE,
// resets, sets nr_sipi = 1. Caller holds vm_lock.
func (v *VCPU) ProcessInitSipi(pcpu *sched.PCPU) {
	_ = v.Pause(Zombie, pcpu)
	v.Reset()

	v.mu.Lock()
	v.nrSipi = 1
	v.mu.Unlock()
}

// ProcessStartupSipi implements spec.md 4.D's STARTUP branch: iff
// state==INIT && nr_sipi!=0, decrements nr_sipi, sets the startup
// entry, requests INIT_VMCS, and launches. Caller holds vm_lock.
func (v *VCPU) ProcessStartupSipi(vector uint8, pcpu *sched.PCPU) {
	v.mu.Lock()

	if v.state != Init || v.nrSipi == 0 {
		v.mu.Unlock()

		return
	}

	v.nrSipi--
	v.startupEntry = uint64(vector) << 12
	v.mu.Unlock()

	v.Intr.SetRequest(intr.ReqInitVMCS)
	v.Launch(pcpu)
}

// StartupEntry returns the startup entry point programmed by the most
// recent STARTUP IPI, for diagnostics and for init_vmcs's guest RIP.
func (v *VCPU) StartupEntry() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.startupEntry
}

// NrSipi returns the current SIPI counter, for tests and scenario
// assertions (spec.md 8 concrete scenario 1).
func (v *VCPU) NrSipi() int {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.nrSipi
}

// showone renders every field of the struct pointed to by in as
// "Name type = value", one per line. Reuses the teacher's
// reflection-based register dumper idiom (machine.go's show/showone),
// generalized to this vCPU's Context shape instead of KVM's Regs/Sregs.
func showone(indent string, in interface{}) string {
	var ret string

	s := reflect.ValueOf(in).Elem()
	typeOfT := s.Type()

	for i := 0; i < s.NumField(); i++ {
		f := s.Field(i)
		if f.Kind() == reflect.String {
			ret += fmt.Sprintf(indent+"%s %s = %s\n", typeOfT.Field(i).Name, f.Type(), f.Interface())
		} else {
			ret += fmt.Sprintf(indent+"%s %s = %#x\n", typeOfT.Field(i).Name, f.Type(), f.Interface())
		}
	}

	return ret
}

func show(indent string, l ...interface{}) string {
	var ret string
	for _, i := range l {
		ret += showone(indent, i)
	}

	return ret
}

// DumpRegs renders the vCPU's saved GPRs, segment registers, and
// control registers as a table, for the debug shell's vcpu inspection
// command.
func (v *VCPU) DumpRegs() string {
	v.mu.Lock()
	defer v.mu.Unlock()

	return show("", &v.ctx.Regs, &v.ctx.Sregs)
}
