// Package vtd implements the VT-d interrupt-remapping table: a single
// 256-entry array of 128-bit IRTE records shared by every VM, indexed
// deterministically by (vm_id, virt_bdf) so no hash table is needed
// (spec.md 3.6, 4.B).
package vtd

import (
	"errors"
	"fmt"

	"github.com/partitionhv/core/jio"
)

// TableSize is the fixed IRTE table size (spec.md 3.6).
const TableSize = 256

// ErrReservedBDF is returned when the low 6 bits of virt_bdf are all
// set, which spec.md 8 "Boundary" reserves by construction.
var ErrReservedBDF = errors.New("vtd: virt_bdf low 6 bits reserved (0x3F)")

// DeliveryMode mirrors the 3-bit delivery-mode field of an IRTE.
type DeliveryMode uint8

const (
	DeliveryFixed  DeliveryMode = 0
	DeliveryLowest DeliveryMode = 1
	DeliverySMI    DeliveryMode = 2
	DeliveryNMI    DeliveryMode = 4
	DeliveryINIT   DeliveryMode = 5
	DeliveryExtINT DeliveryMode = 7
)

// DestMode mirrors the 1-bit destination-mode field.
type DestMode uint8

const (
	DestPhysical DestMode = 0
	DestLogical  DestMode = 1
)

// Entry is the 128-bit interrupt-remapping table entry (spec.md 6).
// It is modeled as a struct of unpacked fields rather than two packed
// 64-bit words so tests can construct and compare entries
// field-by-field; Pack produces the two-word form.
type Entry struct {
	Present      bool
	FPD          bool
	DestMode     DestMode
	RH           bool
	TriggerMode  uint8
	DeliveryMode DeliveryMode
	SWBits       uint8
	Mode         uint8
	Vector       uint8
	Dest         uint32
	SID          uint16
	SQ           uint8
	SVT          uint8
}

// Pack encodes Entry into its 128-bit little-endian wire layout
// (spec.md 6), as two little-endian uint64 words.
func (e Entry) Pack() (lo, hi uint64) {
	if e.Present {
		lo |= 1 << 0
	}

	if e.FPD {
		lo |= 1 << 1
	}

	lo |= uint64(e.DestMode&1) << 2

	if e.RH {
		lo |= 1 << 3
	}

	lo |= uint64(e.TriggerMode&1) << 4
	lo |= uint64(e.DeliveryMode&0x7) << 5
	lo |= uint64(e.SWBits&0xF) << 8
	lo |= uint64(e.Mode&1) << 15
	lo |= uint64(e.Vector) << 16
	hi = uint64(e.Dest)
	hi |= uint64(e.SID) << 32
	hi |= uint64(e.SQ&0x3) << 48
	hi |= uint64(e.SVT&0x3) << 50

	return lo, hi
}

// Table is the shared 256-entry IRTE array.
type Table struct {
	entries [TableSize]Entry
	mmio    *jio.MMIOWindow
	flush   jio.CLFlush
}

// NewTable allocates an empty IRTE table with its own MMIO window
// that mirrors the packed entries (TableSize * 16 bytes); it is not
// tied to any DRHD unit.
func NewTable(flush jio.CLFlush) *Table {
	if flush == nil {
		flush = jio.NoopCLFlush
	}

	return &Table{mmio: jio.NewMMIOWindow(TableSize * 16), flush: flush}
}

// Index computes the deterministic slot for (vmID, virtBDF), per
// spec.md 3.6: index = ((virt_bdf & 0x3F) | (vm_id << 6)) & 0xFF.
func Index(vmID int, virtBDF uint16) (int, error) {
	if virtBDF&0x3F == 0x3F {
		return 0, fmt.Errorf("%w: virt_bdf=%#x", ErrReservedBDF, virtBDF)
	}

	return int((uint32(virtBDF)&0x3F | uint32(vmID)<<6) & 0xFF), nil
}

// AssignIRTE writes the 128-bit entry at index and flushes the cache
// line, per spec.md 4.B ("dmar_assign_irte"). Flushing is mandatory:
// interrupt-remapping hardware is not page-walk coherent with the CPU
// cache.
func (t *Table) AssignIRTE(index int, e Entry) error {
	if index < 0 || index >= TableSize {
		return fmt.Errorf("vtd: index %d out of range", index)
	}

	t.entries[index] = e
	lo, hi := e.Pack()
	t.mmio.Write64(index*16, lo)
	t.mmio.Write64(index*16+8, hi)
	t.flush(0, 16)

	return nil
}

// FreeIRTE zeroes the entry at index and flushes, per spec.md 4.B
// ("dmar_free_irte").
func (t *Table) FreeIRTE(index int) error {
	if index < 0 || index >= TableSize {
		return fmt.Errorf("vtd: index %d out of range", index)
	}

	t.entries[index] = Entry{}
	t.mmio.Write64(index*16, 0)
	t.mmio.Write64(index*16+8, 0)
	t.flush(0, 16)

	return nil
}

// Get returns the entry at index, for tests and for the debug shell's
// ptdev inspection command.
func (t *Table) Get(index int) (Entry, error) {
	if index < 0 || index >= TableSize {
		return Entry{}, fmt.Errorf("vtd: index %d out of range", index)
	}

	return t.entries[index], nil
}

// Owner names which (vm, virt_bdf) pair an IRTE index was assigned to.
// The table itself only stores the packed entry, not who produced it,
// so callers that need provenance (the debug shell's "ptdev" command,
// spec.md 6) keep their own index->Owner registry and pass it to
// DumpTable; msiremap.Remapper maintains exactly this registry.
type Owner struct {
	VMID    int
	VirtBDF uint16
}

// InUseEntry names one installed mapping, for DumpTable.
type InUseEntry struct {
	Index int
	Owner Owner
	Entry Entry
}

// DumpTable returns every installed mapping named in known whose slot
// is still marked present.
func (t *Table) DumpTable(known map[int]Owner) []InUseEntry {
	out := make([]InUseEntry, 0, len(known))

	for idx, who := range known {
		e, err := t.Get(idx)
		if err != nil || !e.Present {
			continue
		}

		out = append(out, InUseEntry{Index: idx, Owner: who, Entry: e})
	}

	return out
}
