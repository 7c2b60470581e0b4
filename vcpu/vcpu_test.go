package vcpu

import (
	"testing"

	"github.com/partitionhv/core/sched"
	"github.com/partitionhv/core/vmx"
)

type fakeVM struct{ accounted int }

func (f *fakeVM) Lock()              {}
func (f *fakeVM) Unlock()            {}
func (f *fakeVM) AccountVLAPICMode() { f.accounted++ }

func TestCreateResetsVLAPICIdentity(t *testing.T) {
	t.Parallel()

	pcpu := sched.NewPCPU(0)
	v := Create(3, 0, &fakeVM{}, vmx.Capabilities{}, pcpu)

	if v.VLAPIC.Regs.ID != 3 {
		t.Errorf("vlapic id = %d, want 3", v.VLAPIC.Regs.ID)
	}

	if v.State() != Offline {
		t.Errorf("state = %v, want Offline", v.State())
	}
}

func TestResetReloadsInitState(t *testing.T) {
	t.Parallel()

	pcpu := sched.NewPCPU(0)
	v := Create(0, 0, &fakeVM{}, vmx.Capabilities{}, pcpu)

	v.Reset()

	if v.State() != Init {
		t.Errorf("state = %v, want Init", v.State())
	}

	if v.NrSipi() != 0 {
		t.Errorf("nr_sipi = %d, want 0", v.NrSipi())
	}

	if v.ctx.Regs.RIP != 0xFFF0 {
		t.Errorf("rip = %#x, want 0xFFF0", v.ctx.Regs.RIP)
	}
}

func TestProcessInitThenStartupSipi(t *testing.T) {
	t.Parallel()

	pcpu := sched.NewPCPU(0)
	v := Create(1, 1, &fakeVM{}, vmx.Capabilities{}, pcpu)

	v.ProcessInitSipi(pcpu)

	if v.State() != Init {
		t.Fatalf("state after INIT = %v, want Init", v.State())
	}

	if v.NrSipi() != 1 {
		t.Fatalf("nr_sipi after INIT = %d, want 1", v.NrSipi())
	}

	v.ProcessStartupSipi(0x08, pcpu)

	if v.NrSipi() != 0 {
		t.Errorf("nr_sipi after STARTUP = %d, want 0", v.NrSipi())
	}

	if v.StartupEntry() != 0x08000 {
		t.Errorf("startup entry = %#x, want 0x08000", v.StartupEntry())
	}

	if v.State() != Running {
		t.Errorf("state after STARTUP = %v, want Running", v.State())
	}
}

func TestProcessStartupSipiIgnoredWithoutPriorInit(t *testing.T) {
	t.Parallel()

	pcpu := sched.NewPCPU(0)
	v := Create(2, 0, &fakeVM{}, vmx.Capabilities{}, pcpu)

	v.ProcessStartupSipi(0x08, pcpu)

	if v.State() != Offline {
		t.Errorf("state = %v, want unchanged Offline", v.State())
	}
}

func TestPauseRejectsInvalidTarget(t *testing.T) {
	t.Parallel()

	pcpu := sched.NewPCPU(0)
	v := Create(0, 0, &fakeVM{}, vmx.Capabilities{}, pcpu)

	if err := v.Pause(Running, pcpu); err == nil {
		t.Error("expected error pausing to a non-paused/zombie state")
	}
}

func TestOfflineClearsVMCSAndThread(t *testing.T) {
	t.Parallel()

	pcpu := sched.NewPCPU(0)
	v := Create(0, 0, &fakeVM{}, vmx.Capabilities{}, pcpu)

	v.Offline()

	if v.State() != Offline || v.VMCS != nil || v.Thread != nil {
		t.Errorf("offline left state=%v vmcs=%v thread=%v", v.State(), v.VMCS, v.Thread)
	}
}

func TestDumpRegsFormats(t *testing.T) {
	t.Parallel()

	pcpu := sched.NewPCPU(0)
	v := Create(0, 0, &fakeVM{}, vmx.Capabilities{}, pcpu)
	v.Reset()

	out := v.DumpRegs()
	if out == "" {
		t.Error("expected non-empty dump")
	}
}
