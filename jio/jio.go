// Package jio wraps the leaf hardware-I/O primitives the core mediates
// but never interprets: PCI configuration-space port access, LAPIC
// register access, VT-d DRHD MMIO, and raw port I/O. Every other
// component in this module treats these as opaque services, the same
// way the teacher's kvm package treats KVM_* ioctls as an opaque
// boundary between Go code and the hardware underneath it.
package jio

import (
	"encoding/binary"
	"errors"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrClosed is returned by operations on a Port after Close.
var ErrClosed = errors.New("jio: handle closed")

// PCIConfigPort performs 32-bit config-address/config-data I/O.
// Accesses are serialized by a single spinlock-equivalent mutex, as
// spec.md ~5 requires for the 0xCF8/0xCFC pair shared across pCPUs.
type PCIConfigPort struct {
	mu   sync.Mutex
	addr uint32
}

// SetAddress latches a new config-space address (a write to 0xCF8).
func (p *PCIConfigPort) SetAddress(v uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addr = v
}

// Address returns the latched config-space address (a read of 0xCF8).
func (p *PCIConfigPort) Address() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.addr
}

// MMIOWindow models a single DRHD (or LAPIC xAPIC) MMIO register
// window: a fixed-size byte slice with little-endian 32-bit register
// access, exactly the shape the VT-d GCMD/GSTS/RTADDR/IQT/IQA/IRTA
// registers need (spec.md ~6).
type MMIOWindow struct {
	mu   sync.RWMutex
	regs []byte
}

// NewMMIOWindow allocates a zeroed register window of the given size.
func NewMMIOWindow(size int) *MMIOWindow {
	return &MMIOWindow{regs: make([]byte, size)}
}

func (w *MMIOWindow) Read32(offset int) uint32 {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return binary.LittleEndian.Uint32(w.regs[offset : offset+4])
}

func (w *MMIOWindow) Write32(offset int, v uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	binary.LittleEndian.PutUint32(w.regs[offset:offset+4], v)
}

func (w *MMIOWindow) Read64(offset int) uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return binary.LittleEndian.Uint64(w.regs[offset : offset+8])
}

func (w *MMIOWindow) Write64(offset int, v uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	binary.LittleEndian.PutUint64(w.regs[offset:offset+8], v)
}

// VT-d DRHD register offsets (spec.md ~6).
const (
	RegGCMD   = 0x18
	RegGSTS   = 0x1C
	RegRTADDR = 0x20
	RegIQT    = 0x88
	RegIQA    = 0x90
	RegIRTA   = 0xB8
)

// GCMD/GSTS bit positions (spec.md ~6).
const (
	GCMDTE    = 1 << 31
	GCMDSRTP  = 1 << 30
	GCMDIRE   = 1 << 25
	GCMDQIE   = 1 << 26
	GCMDSIRTP = 1 << 24
)

// DRHD models one VT-d remapping hardware unit's register window,
// including the GCMD-write-triggers-GSTS-bit convention real VT-d
// hardware implements: a command bit set in GCMD is mirrored into the
// corresponding GSTS status bit once the "hardware" applies it. Since
// this is leaf hardware-I/O, the mirroring is synchronous here; a real
// backend (raw MMIO) would poll GSTS until the bit appears.
type DRHD struct {
	win *MMIOWindow
}

func NewDRHD() *DRHD {
	return &DRHD{win: NewMMIOWindow(0x100)}
}

func (d *DRHD) SetRootTableAddress(hpa uint64) {
	d.win.Write64(RegRTADDR, hpa)
	d.win.Write32(RegGCMD, d.win.Read32(RegGCMD)|GCMDSRTP)
	d.win.Write32(RegGSTS, d.win.Read32(RegGSTS)|GCMDSRTP)
}

func (d *DRHD) SetInterruptRemapTableAddress(hpa uint64, size uint8) {
	d.win.Write64(RegIRTA, hpa|uint64(size&0xF))
	d.win.Write32(RegGCMD, d.win.Read32(RegGCMD)|GCMDSIRTP)
	d.win.Write32(RegGSTS, d.win.Read32(RegGSTS)|GCMDSIRTP)
}

func (d *DRHD) EnableInterruptRemapping() {
	d.win.Write32(RegGCMD, d.win.Read32(RegGCMD)|GCMDIRE)
	d.win.Write32(RegGSTS, d.win.Read32(RegGSTS)|GCMDIRE)
}

func (d *DRHD) EnableTranslation() {
	d.win.Write32(RegGCMD, d.win.Read32(RegGCMD)|GCMDTE)
	d.win.Write32(RegGSTS, d.win.Read32(RegGSTS)|GCMDTE)
}

func (d *DRHD) Status() uint32 {
	return d.win.Read32(RegGSTS)
}

// PinCurrentThread pins the calling goroutine's OS thread to pcpu,
// mirroring the teacher's runtime.LockOSThread() discipline in
// machine.go's RunInfiniteLoop combined with a real affinity mask —
// the scheduler (sched package) needs both: one thread per pCPU, and
// that thread genuinely bound to the physical core it represents.
func PinCurrentThread(pcpu int) error {
	var set unix.CPUSet

	set.Zero()
	set.Set(pcpu)

	return unix.SchedSetaffinity(0, &set)
}

// CLFlush represents a cache-line flush of the given host-virtual
// address range. EPT and IRTE writes must call this because page-walk
// hardware (EPT) and interrupt-remapping hardware (VT-d) are not
// guaranteed coherent with the CPU cache (spec.md ~4.A, ~4.B). On real
// hardware this would be the CLFLUSH/CLFLUSHOPT instruction; here it
// is the named leaf hook every write-path must call so the invariant
// in spec.md ~8 ("clflush_pagewalk was called after the write") is
// observable by tests via a fake.
type CLFlush func(addr uintptr, length int)

// NoopCLFlush is used by tests that only need the call to have
// happened, not any actual cache effect.
func NoopCLFlush(uintptr, int) {}
