package acpi

import "testing"

func TestSignatureToBytes(t *testing.T) {
	t.Parallel()

	got := SigAPIC.ToBytes()
	want := [4]byte{'A', 'P', 'I', 'C'}

	if got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestMADTEncodesOneEntryPerVCPU(t *testing.T) {
	t.Parallel()

	m := NewMADT()
	m.AddVCPU(0, 0)
	m.AddVCPU(1, 1)

	b, err := m.ToBytes()
	if err != nil {
		t.Fatal(err)
	}

	const headerLen = 44
	const entryLen = 16

	if len(b) != headerLen+2*entryLen {
		t.Errorf("len = %d, want %d", len(b), headerLen+2*entryLen)
	}

	if string(b[0:4]) != "APIC" {
		t.Errorf("signature = %q, want APIC", b[0:4])
	}
}

func TestNewLocalX2APICIsEnabled(t *testing.T) {
	t.Parallel()

	e := NewLocalX2APIC(3, 3)

	if e.Flags&localX2APICEnabled == 0 {
		t.Error("expected enabled flag set")
	}

	if e.ACPIProcUID != 3 {
		t.Errorf("acpi proc uid = %d, want 3", e.ACPIProcUID)
	}
}
