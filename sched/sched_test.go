package sched

import (
	"testing"
	"time"
)

func TestWakeThreadOnlyFromBlocked(t *testing.T) {
	t.Parallel()

	p := NewPCPU(0)
	woke := false
	th := NewThread(0, Hooks{Wake: func() { woke = true }}, func(*Thread) {})
	p.AssignThread(th)

	p.WakeThread(th)

	if th.Status() != Runnable {
		t.Errorf("status = %v, want Runnable", th.Status())
	}

	if !woke {
		t.Error("expected Wake hook to fire")
	}

	if !p.NeedReschedule() {
		t.Error("expected reschedule requested")
	}

	woke = false
	p.WakeThread(th) // already Runnable, no-op

	if woke {
		t.Error("Wake hook should not fire twice")
	}
}

func TestSleepThreadRequestsRescheduleOnlyWhenRunning(t *testing.T) {
	t.Parallel()

	p := NewPCPU(0)
	th := NewThread(0, Hooks{}, func(*Thread) {})
	p.AssignThread(th)
	th.status = Blocked

	p.SleepThread(th)
	if p.NeedReschedule() {
		t.Error("sleeping an already-blocked thread should not request reschedule")
	}

	th.status = Running
	p.SleepThread(th)

	if !p.NeedReschedule() {
		t.Error("sleeping a running thread should request reschedule")
	}

	if th.Status() != Blocked {
		t.Errorf("status = %v, want Blocked", th.Status())
	}
}

func TestScheduleNeverEntersWithPrevEqualsNext(t *testing.T) {
	t.Parallel()

	p := NewPCPU(0)
	switchOuts := 0
	switchIns := 0

	th := NewThread(0, Hooks{
		SwitchOut: func() { switchOuts++ },
		SwitchIn:  func() { switchIns++ },
	}, func(*Thread) {})
	p.AssignThread(th)
	th.status = Runnable

	p.Schedule()
	if switchIns != 1 || switchOuts != 0 {
		t.Fatalf("first schedule: in=%d out=%d, want 1/0", switchIns, switchOuts)
	}

	// Thread is now RUNNING and still the only candidate: picking it
	// again must be a no-op (prev == next), hooks must not re-fire.
	p.Schedule()

	if switchIns != 1 || switchOuts != 0 {
		t.Errorf("second schedule should be a no-op: in=%d out=%d", switchIns, switchOuts)
	}
}

func TestScheduleFallsBackToIdleWhenNotRunnable(t *testing.T) {
	t.Parallel()

	p := NewPCPU(0)
	th := NewThread(0, Hooks{}, func(*Thread) {})
	p.AssignThread(th)
	th.status = Blocked

	p.Schedule()

	if p.Current() != p.idle {
		t.Error("expected idle thread to be picked when primary is blocked")
	}

	if p.idle.Status() != Running {
		t.Errorf("idle status = %v, want Running", p.idle.Status())
	}
}

func TestKickThreadRemoteWhenRunningElsewhere(t *testing.T) {
	t.Parallel()

	p0 := NewPCPU(0)
	th := NewThread(1, Hooks{}, func(*Thread) {})
	th.status = Running

	kicked := -1
	kicker := fakeKickerFunc(func(pcpu int) { kicked = pcpu })

	p0.KickThread(th, kicker)

	if kicked != 1 {
		t.Errorf("kicked pcpu = %d, want 1", kicked)
	}
}

func TestKickThreadRunnableRequestsReschedule(t *testing.T) {
	t.Parallel()

	p := NewPCPU(0)
	th := NewThread(0, Hooks{}, func(*Thread) {})
	th.status = Runnable

	p.KickThread(th, nil)

	if !p.NeedReschedule() {
		t.Error("expected reschedule requested for runnable kick")
	}
}

type fakeKickerFunc func(pcpu int)

func (f fakeKickerFunc) SendSingleInit(pcpu int) { f(pcpu) }

func TestWaitPCPUsOfflineSucceeds(t *testing.T) {
	t.Parallel()

	offline := map[int]bool{0: false, 1: false}

	go func() {
		time.Sleep(5 * time.Millisecond)
		offline[0] = true
		offline[1] = true
	}()

	err := WaitPCPUsOffline([]int{0, 1}, func(pcpu int) bool { return offline[pcpu] }, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestWaitPCPUsOfflineTimesOut(t *testing.T) {
	t.Parallel()

	err := WaitPCPUsOffline([]int{0}, func(int) bool { return false }, 10*time.Millisecond)
	if err != ErrTimedOut {
		t.Errorf("err = %v, want ErrTimedOut", err)
	}
}

func TestRunThreadBootstraps(t *testing.T) {
	t.Parallel()

	p := NewPCPU(0)
	entered := make(chan struct{})

	th := NewThread(0, Hooks{}, func(self *Thread) {
		close(entered)
	})

	go p.RunThread(th)

	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("thread entry never ran")
	}

	if th.Status() != Running {
		t.Errorf("status = %v, want Running", th.Status())
	}
}
