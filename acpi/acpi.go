// Package acpi synthesizes the small set of static ACPI tables this
// hypervisor hands a guest describing its partition: a MADT
// enumerating the guest's x2APIC vCPUs (spec.md 4.D's x2APIC
// pass-through model means every entry is a Local x2APIC Structure,
// never the legacy 8-bit Local APIC form), adapted from the teacher's
// general-purpose ACPI table builder.
package acpi

import (
	"bytes"
	"encoding/binary"
)

// Signature is a 4-byte ACPI table signature.
type Signature string

// ToBytes returns the signature's 4-byte wire form.
func (s Signature) ToBytes() [4]byte {
	var ret [4]byte

	copy(ret[:], s)

	return ret
}

const (
	SigAPIC Signature = "APIC"
	SigFACP Signature = "FACP"
	SigMCFG Signature = "MCFG"
)

// Header is the common ACPI system description table header.
type Header struct {
	Signature  [4]byte
	Length     uint32
	Rev        uint8
	Checksum   uint8
	OEMId      [6]byte
	OEMTableID [8]byte
	OEMRev     uint32
	CreatorID  [4]byte
	CreatorRev uint32
}

func fit(dst []byte, s string) {
	copy(dst, s)
}

func newHeader(sig Signature, length uint32, rev uint8) Header {
	var h Header

	h.Signature = sig.ToBytes()
	h.Length = length
	h.Rev = rev
	fit(h.OEMId[:], "PHV")
	fit(h.OEMTableID[:], "PARTHV")
	fit(h.CreatorID[:], "PHVG")
	h.CreatorRev = 1

	return h
}

// MADTEntryType values this builder emits; this hypervisor never
// synthesizes legacy 8-bit Local APIC or I/O APIC entries since every
// vCPU runs with its vLAPIC passed through in x2APIC mode.
const TypeLocalX2APIC uint8 = 9

// LocalX2APIC is an ACPI 5.0+ "Processor Local x2APIC Structure"
// MADT entry.
type LocalX2APIC struct {
	Type        uint8
	Length      uint8
	_reserved   uint16
	X2APICID    uint32
	Flags       uint32
	ACPIProcUID uint32
}

const localX2APICEnabled uint32 = 1

// NewLocalX2APIC builds an enabled MADT entry for vcpuID running at
// the given x2APIC id, matching vlapic.BuildX2APICID's identity.
func NewLocalX2APIC(vcpuID int, x2apicID uint32) LocalX2APIC {
	return LocalX2APIC{
		Type:        TypeLocalX2APIC,
		Length:      16,
		X2APICID:    x2apicID,
		Flags:       localX2APICEnabled,
		ACPIProcUID: uint32(vcpuID),
	}
}

// ToBytes serializes the entry in MADT wire order.
func (l LocalX2APIC) ToBytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, l); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// MADT is the Multiple APIC Description Table this hypervisor builds
// per VM: one Local x2APIC entry per vCPU, in vCPU-id order.
type MADT struct {
	Header
	LocalAPICAddr uint32
	Flags         uint32
	entries       []LocalX2APIC
}

// NewMADT starts an empty MADT; AddVCPU appends entries before
// ToBytes finalizes the header length.
func NewMADT() *MADT {
	return &MADT{LocalAPICAddr: 0xFEE00000, Flags: 1}
}

// AddVCPU appends a Local x2APIC entry for vcpuID at x2apicID.
func (m *MADT) AddVCPU(vcpuID int, x2apicID uint32) {
	m.entries = append(m.entries, NewLocalX2APIC(vcpuID, x2apicID))
}

// ToBytes serializes the full table, computing Length over the header
// plus every entry.
func (m *MADT) ToBytes() ([]byte, error) {
	var body bytes.Buffer

	for _, e := range m.entries {
		b, err := e.ToBytes()
		if err != nil {
			return nil, err
		}

		if _, err := body.Write(b); err != nil {
			return nil, err
		}
	}

	const headerLen = 44 // Header (36) + LocalAPICAddr (4) + Flags (4)

	m.Header = newHeader(SigAPIC, headerLen+uint32(body.Len()), 3)

	var out bytes.Buffer
	if err := binary.Write(&out, binary.LittleEndian, m.Header); err != nil {
		return nil, err
	}

	if err := binary.Write(&out, binary.LittleEndian, m.LocalAPICAddr); err != nil {
		return nil, err
	}

	if err := binary.Write(&out, binary.LittleEndian, m.Flags); err != nil {
		return nil, err
	}

	if _, err := out.Write(body.Bytes()); err != nil {
		return nil, err
	}

	return out.Bytes(), nil
}
