// Command hvshell is the interactive debug shell named in spec.md 6:
// an external collaborator that inspects a running hypervisor's state
// but owns none of the core's logic. It never mutates VMCS, EPT, or
// IRTE state directly; every command reads through the same
// inspection surface the core exposes for tests (vcpu.DumpRegs,
// vtd.Table.DumpTable, vm.VM.State).
//
// Exit codes are not surfaced, per spec.md 6: the shell is interactive
// and loops on stdin until EOF.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/arch/x86/x86asm"

	"github.com/partitionhv/core/vm"
	"github.com/partitionhv/core/vtd"
)

// Shell binds the debug shell's command set to a running
// hypervisor's live VMs and shared IRTE table, mirroring the
// teacher's pattern of a thin command dispatcher over the real
// machine object rather than its own parallel state.
type Shell struct {
	VMs        []*vm.VM
	RemapTable *vtd.Table
	Known      map[int]vtd.Owner
	Mem        MemReader

	out io.Writer
}

// MemReader is the guest-physical-memory access leaf dumpmem reads
// through: a real backend (the mmap'd guest RAM region a launcher
// maps in) is an external collaborator, not this shell's concern — the
// shell only consumes whatever is wired here.
type MemReader interface {
	ReadPhys(addr uint64, buf []byte) error
}

// NewShell builds a shell over the given live VMs. mem may be nil, in
// which case dumpmem reports that no guest-memory backend is attached
// rather than fabricating one.
func NewShell(vms []*vm.VM, remapTable *vtd.Table, known map[int]vtd.Owner, mem MemReader, out io.Writer) *Shell {
	return &Shell{VMs: vms, RemapTable: remapTable, Known: known, Mem: mem, out: out}
}

// Run reads commands from in until EOF, per spec.md 6's command list:
// help, version, vm_list, vcpu_list, vcpu_dumpreg <vm> <vcpu>, ptdev,
// dumpmem <hpa> <len>, and the others named there that belong to
// non-goal collaborators this stub does not own (vm_console, loglevel,
// cpuid, rdmsr, wrmsr, start_test, stop_test, reboot, inject_mc are
// accepted and acknowledged, not implemented, since they front UART,
// CPUID, MSR and boot-trampoline leaves outside this core).
//
// dumpmem disassembles rather than hex-dumps: the debug shell is meant
// to answer "what is the guest about to execute here", so it decodes
// x86 instructions from the requested range instead of leaving that to
// the operator's eyes.
func (s *Shell) Run(in io.Reader) {
	scanner := bufio.NewScanner(in)

	fmt.Fprint(s.out, "> ")

	for scanner.Scan() {
		s.dispatch(strings.Fields(scanner.Text()))
		fmt.Fprint(s.out, "> ")
	}
}

func (s *Shell) dispatch(args []string) {
	if len(args) == 0 {
		return
	}

	switch args[0] {
	case "help":
		s.help()
	case "version":
		fmt.Fprintln(s.out, "partitionhv debug shell")
	case "vm_list":
		s.vmList()
	case "vcpu_list":
		s.vcpuList()
	case "vcpu_dumpreg":
		s.vcpuDumpreg(args[1:])
	case "ptdev":
		s.ptdev()
	case "dumpmem":
		s.dumpmem(args[1:])
	case "vm_console", "loglevel", "cpuid", "rdmsr", "wrmsr", "start_test", "stop_test", "reboot", "inject_mc":
		fmt.Fprintf(s.out, "%s: acknowledged (external collaborator, not implemented here)\n", args[0])
	default:
		fmt.Fprintf(s.out, "unknown command %q; try help\n", args[0])
	}
}

func (s *Shell) help() {
	fmt.Fprintln(s.out, "help, version, vm_list, vcpu_list, vcpu_dumpreg <vm> <vcpu>, "+
		"dumpmem <hpa> <len>, vm_console <vm>, ptdev, loglevel [n], cpuid <leaf> [sub], "+
		"rdmsr <idx>, wrmsr <idx> <val>, start_test <bootargs...>, stop_test, reboot, inject_mc")
}

func (s *Shell) vmList() {
	for i, v := range s.VMs {
		fmt.Fprintf(s.out, "vm %d: state=%s vcpus=%d\n", i, v.State(), len(v.VCPUs))
	}
}

func (s *Shell) vcpuList() {
	for i, v := range s.VMs {
		for j, vc := range v.VCPUs {
			fmt.Fprintf(s.out, "vm %d vcpu %d: state=%s\n", i, j, vc.State())
		}
	}
}

func (s *Shell) vcpuDumpreg(args []string) {
	if len(args) != 2 {
		fmt.Fprintln(s.out, "usage: vcpu_dumpreg <vm> <vcpu>")

		return
	}

	v, vc, err := s.lookupVCPU(args[0], args[1])
	if err != nil {
		fmt.Fprintln(s.out, err)

		return
	}

	_ = v
	fmt.Fprint(s.out, vc.DumpRegs())
}

func (s *Shell) lookupVCPU(vmArg, vcpuArg string) (*vm.VM, vcpuDumper, error) {
	vmID, err := strconv.Atoi(vmArg)
	if err != nil || vmID < 0 || vmID >= len(s.VMs) {
		return nil, nil, fmt.Errorf("no such vm %q", vmArg)
	}

	v := s.VMs[vmID]

	vcpuID, err := strconv.Atoi(vcpuArg)
	if err != nil || vcpuID < 0 || vcpuID >= len(v.VCPUs) {
		return nil, nil, fmt.Errorf("no such vcpu %q on vm %d", vcpuArg, vmID)
	}

	return v, v.VCPUs[vcpuID], nil
}

// vcpuDumper is the narrow read-only surface this shell needs from a
// vCPU, matching the teacher's preference for small local interfaces
// at a command-dispatch boundary over importing the whole vcpu.VCPU
// type's mutating surface.
type vcpuDumper interface {
	DumpRegs() string
}

// dumpmem implements "dumpmem <hpa> <len>": reads len bytes of guest
// physical memory starting at hpa through s.Mem and disassembles them
// as 64-bit x86 code, one instruction per line, stopping early on the
// first undecodable byte (a data region, not code).
func (s *Shell) dumpmem(args []string) {
	if len(args) != 2 {
		fmt.Fprintln(s.out, "usage: dumpmem <hpa> <len>")

		return
	}

	hpa, err := strconv.ParseUint(args[0], 0, 64)
	if err != nil {
		fmt.Fprintf(s.out, "bad hpa %q: %v\n", args[0], err)

		return
	}

	length, err := strconv.Atoi(args[1])
	if err != nil || length <= 0 {
		fmt.Fprintf(s.out, "bad len %q\n", args[1])

		return
	}

	if s.Mem == nil {
		fmt.Fprintln(s.out, "dumpmem: no guest-memory backend attached")

		return
	}

	buf := make([]byte, length)
	if err := s.Mem.ReadPhys(hpa, buf); err != nil {
		fmt.Fprintf(s.out, "dumpmem: %v\n", err)

		return
	}

	for off := 0; off < len(buf); {
		inst, err := x86asm.Decode(buf[off:], 64)
		if err != nil {
			fmt.Fprintf(s.out, "%#016x: (undecodable: %v)\n", hpa+uint64(off), err)

			break
		}

		fmt.Fprintf(s.out, "%#016x: %s\n", hpa+uint64(off), x86asm.GNUSyntax(inst, hpa+uint64(off), nil))

		off += inst.Len
	}
}

func (s *Shell) ptdev() {
	for _, e := range s.RemapTable.DumpTable(s.Known) {
		fmt.Fprintf(s.out, "irte[%#x]: vm=%d virt_bdf=%#x vector=%#x dest=%#x\n",
			e.Index, e.Owner.VMID, e.Owner.VirtBDF, e.Entry.Vector, e.Entry.Dest)
	}
}

func main() {
	sh := NewShell(nil, vtd.NewTable(nil), map[int]vtd.Owner{}, nil, os.Stdout)
	sh.Run(os.Stdin)
}
