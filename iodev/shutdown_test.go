package iodev

import "testing"

type fakeVM struct {
	shutdowns int
	reboots   int
}

func (f *fakeVM) RequestShutdown() { f.shutdowns++ }
func (f *fakeVM) RequestReboot()   { f.reboots++ }

func TestACPIShutDownDeviceSignalsShutdown(t *testing.T) {
	t.Parallel()

	vm := &fakeVM{}
	d := NewACPIShutDownDevice(vm)

	if err := d.Write(ACPIShutDownDevPort, []byte{(s5SleepVal << sleepValBit) | (1 << sleepStatusEnBit)}); err != nil {
		t.Fatal(err)
	}

	if vm.shutdowns != 1 {
		t.Errorf("shutdowns = %d, want 1", vm.shutdowns)
	}
}

func TestACPIShutDownDeviceSignalsReboot(t *testing.T) {
	t.Parallel()

	vm := &fakeVM{}
	d := NewACPIShutDownDevice(vm)

	if err := d.Write(ACPIShutDownDevPort, []byte{1}); err != nil {
		t.Fatal(err)
	}

	if vm.reboots != 1 {
		t.Errorf("reboots = %d, want 1", vm.reboots)
	}
}

func TestACPIShutDownDeviceReadIsZero(t *testing.T) {
	t.Parallel()

	d := NewACPIShutDownDevice(&fakeVM{})
	buf := []byte{0xFF}

	if err := d.Read(ACPIShutDownDevPort, buf); err != nil {
		t.Fatal(err)
	}

	if buf[0] != 0 {
		t.Errorf("read = %#x, want 0", buf[0])
	}
}

func TestACPIShutDownDeviceIgnoresOtherWrites(t *testing.T) {
	t.Parallel()

	vm := &fakeVM{}
	d := NewACPIShutDownDevice(vm)

	if err := d.Write(ACPIShutDownDevPort, []byte{0x02}); err != nil {
		t.Fatal(err)
	}

	if vm.shutdowns != 0 || vm.reboots != 0 {
		t.Errorf("unexpected signal: shutdowns=%d reboots=%d", vm.shutdowns, vm.reboots)
	}
}
