package vtd

import "testing"

func TestIndexFormula(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		vmID    int
		virtBDF uint16
		want    int
	}{
		{"vm0 bdf0", 0, 0x0000, 0x00},
		{"vm2 bdf0x100", 2, 0x0100, 0x80},
		{"vm1 bdf0x10", 1, 0x0010, 0x50},
		{"wraps at 0xFF", 4, 0x0001, 0x01},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			got, err := Index(c.vmID, c.virtBDF)
			if err != nil {
				t.Fatal(err)
			}

			if got != c.want {
				t.Errorf("Index(%d, %#x) = %#x, want %#x", c.vmID, c.virtBDF, got, c.want)
			}
		})
	}
}

func TestIndexRejectsReservedBDF(t *testing.T) {
	t.Parallel()

	if _, err := Index(0, 0x3F); err == nil {
		t.Error("expected ErrReservedBDF for virt_bdf low 6 bits all set")
	}
}

func TestAssignFreeRoundTrip(t *testing.T) {
	t.Parallel()

	var flushed int

	table := NewTable(func(uintptr, int) { flushed++ })

	e := Entry{
		Present:      true,
		DeliveryMode: DeliveryFixed,
		DestMode:     DestLogical,
		Vector:       0x40,
		Dest:         0x4,
	}

	if err := table.AssignIRTE(0x80, e); err != nil {
		t.Fatal(err)
	}

	got, err := table.Get(0x80)
	if err != nil {
		t.Fatal(err)
	}

	if got != e {
		t.Errorf("Get(0x80) = %+v, want %+v", got, e)
	}

	if err := table.FreeIRTE(0x80); err != nil {
		t.Fatal(err)
	}

	got, err = table.Get(0x80)
	if err != nil {
		t.Fatal(err)
	}

	if got.Present {
		t.Error("expected entry to be cleared after FreeIRTE")
	}

	if flushed != 2 {
		t.Errorf("flushed = %d, want 2 (assign + free)", flushed)
	}
}

func TestAssignFreeOutOfRange(t *testing.T) {
	t.Parallel()

	table := NewTable(nil)

	if err := table.AssignIRTE(-1, Entry{}); err == nil {
		t.Error("expected error for negative index")
	}

	if err := table.AssignIRTE(TableSize, Entry{}); err == nil {
		t.Error("expected error for out-of-range index")
	}

	if err := table.FreeIRTE(TableSize); err == nil {
		t.Error("expected error for out-of-range index")
	}
}

func TestPackFieldLayout(t *testing.T) {
	t.Parallel()

	e := Entry{
		Present:      true,
		DeliveryMode: DeliveryLowest,
		DestMode:     DestLogical,
		Vector:       0x40,
		Dest:         0xABCD,
	}

	lo, hi := e.Pack()

	if lo&1 == 0 {
		t.Error("present bit not set in lo word")
	}

	if v := (lo >> 16) & 0xFF; v != 0x40 {
		t.Errorf("vector field = %#x, want 0x40", v)
	}

	if v := (lo >> 5) & 0x7; DeliveryMode(v) != DeliveryLowest {
		t.Errorf("delivery mode field = %v, want %v", DeliveryMode(v), DeliveryLowest)
	}

	if hi != 0xABCD {
		t.Errorf("hi word = %#x, want dest field 0xABCD", hi)
	}
}

func TestDumpTableReportsOnlyPresentKnownEntries(t *testing.T) {
	t.Parallel()

	table := NewTable(nil)

	if err := table.AssignIRTE(1, Entry{Present: true, Vector: 1}); err != nil {
		t.Fatal(err)
	}

	if err := table.AssignIRTE(2, Entry{Present: true, Vector: 2}); err != nil {
		t.Fatal(err)
	}

	if err := table.FreeIRTE(2); err != nil {
		t.Fatal(err)
	}

	known := map[int]Owner{
		1: {VMID: 0, VirtBDF: 0x01},
		2: {VMID: 0, VirtBDF: 0x02},
	}

	dump := table.DumpTable(known)
	if len(dump) != 1 {
		t.Fatalf("len(dump) = %d, want 1", len(dump))
	}

	if dump[0].Index != 1 || dump[0].Owner.VirtBDF != 0x01 {
		t.Errorf("dump[0] = %+v", dump[0])
	}
}
