// Package msiremap translates a guest's requested MSI/MSI-X
// configuration into a physical MSI programmed through the VT-d
// interrupt-remapping table, and reverses the mapping on teardown
// (spec.md 4.F, component F).
package msiremap

import (
	"fmt"

	"github.com/partitionhv/core/vtd"
)

// DestMode mirrors the guest MSI address's addressing mode field.
type DestMode uint8

const (
	DestPhysical DestMode = 0
	DestLogical  DestMode = 1
)

// GuestMSIAddr is the guest-programmed MSI address register.
type GuestMSIAddr struct {
	DestField uint32
	DestMode  DestMode
}

// GuestMSIData is the guest-programmed MSI data register.
type GuestMSIData struct {
	Vector       uint8
	DeliveryMode vtd.DeliveryMode
}

// MSIInfo bundles the guest's requested MSI config and receives the
// rewritten physical MSI address/data, per spec.md 4.F.
type MSIInfo struct {
	VMSIAddr GuestMSIAddr
	VMSIData GuestMSIData

	PMSIAddr PhysMSIAddr
	PMSIData uint32
}

// PhysMSIAddr is the remappable-format physical MSI address
// (spec.md 4.F step 5): a fixed constant field, a remapping-table
// index, and the remappable-format marker bit.
type PhysMSIAddr struct {
	IntrFormat bool // remappable format, always true after remap
	Index      int
	Constant   uint32 // always 0xFEE
}

const remapConstant = 0xFEE

// DestResolver is the subset of VM-wide vCPU/pCPU mapping MSI
// remapping needs: translating a destination-field value into the set
// of pCPUs it addresses, and each pCPU's LAPIC LDR for the dest-mask
// computation in step 3.
type DestResolver interface {
	// ResolvePCPUs returns the physical CPUs targeted by destField
	// under destMode, per spec.md 4.F step 1.
	ResolvePCPUs(destField uint32, destMode DestMode) []int
	// LapicLDR returns per_cpu(lapic_ldr, pcpu).
	LapicLDR(pcpu int) uint32
}

// chooseDeliveryMode implements spec.md 4.F step 2: force FIXED or
// LOPRI, anything else becomes LOPRI.
func chooseDeliveryMode(requested vtd.DeliveryMode) vtd.DeliveryMode {
	if requested == vtd.DeliveryFixed {
		return vtd.DeliveryFixed
	}

	return vtd.DeliveryLowest
}

// Remapper owns the shared IRTE table and the index->owner registry
// needed for the debug shell's "ptdev" dump (spec.md 6), since the
// table itself (vtd.Table) does not track provenance.
type Remapper struct {
	table *vtd.Table
	owned map[int]vtd.Owner
}

// NewRemapper binds a Remapper to the VT-d table it programs.
func NewRemapper(table *vtd.Table) *Remapper {
	return &Remapper{table: table, owned: map[int]vtd.Owner{}}
}

// MSIXRemap implements spec.md 4.F's msix_remap: builds a physical MSI
// for (vmID, virtBDF, entryNr) from the guest's requested info and
// programs the shared IRTE table.
func (r *Remapper) MSIXRemap(vmID int, virtBDF uint16, entryNr int, resolver DestResolver, info *MSIInfo) error {
	pcpus := resolver.ResolvePCPUs(info.VMSIAddr.DestField, info.VMSIAddr.DestMode)

	deliveryMode := chooseDeliveryMode(info.VMSIData.DeliveryMode)

	var destMask uint32
	for _, pcpu := range pcpus {
		destMask |= resolver.LapicLDR(pcpu)
	}

	index, err := vtd.Index(vmID, virtBDF)
	if err != nil {
		return fmt.Errorf("msiremap: %w", err)
	}

	entry := vtd.Entry{
		Present:      true,
		Vector:       info.VMSIData.Vector,
		DeliveryMode: deliveryMode,
		DestMode:     vtd.DestLogical,
		RH:           true,
		Dest:         destMask,
	}

	if err := r.table.AssignIRTE(index, entry); err != nil {
		return fmt.Errorf("msiremap: %w", err)
	}

	r.owned[index] = vtd.Owner{VMID: vmID, VirtBDF: virtBDF}

	info.PMSIAddr = PhysMSIAddr{IntrFormat: true, Index: index, Constant: remapConstant}
	info.PMSIData = 0

	return nil
}

// RemoveMSIXRemapping implements spec.md 4.F's remove_msix_remapping:
// for each entry in [0, count) it frees the IRTE index derived from
// the (vm_id, virt_bdf) formula. The entry number does not feed that
// formula, so every iteration frees the same single index.
func (r *Remapper) RemoveMSIXRemapping(vmID int, virtBDF uint16, count int) error {
	for entryNr := 0; entryNr < count; entryNr++ {
		index, err := vtd.Index(vmID, virtBDF)
		if err != nil {
			return fmt.Errorf("msiremap: %w", err)
		}

		if err := r.table.FreeIRTE(index); err != nil {
			return fmt.Errorf("msiremap: %w", err)
		}

		delete(r.owned, index)
	}

	return nil
}

// DumpTable returns every live MSI-remapping mapping this Remapper
// installed, for the debug shell's "ptdev" command.
func (r *Remapper) DumpTable() []vtd.InUseEntry {
	return r.table.DumpTable(r.owned)
}
