// Command hypervisor is the supervisor loop: it parses the static
// vm_configs table and boot flags, builds one sched.PCPU per entry in
// the union of every VM's pcpu_affinity, creates and prepares each
// configured VM, and blocks until every VM reports POWERED_OFF,
// mirroring the teacher's thin main.go that defers everything to its
// subcommand Run() methods.
package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/partitionhv/core/acpi"
	"github.com/partitionhv/core/config"
	"github.com/partitionhv/core/iodev"
	"github.com/partitionhv/core/jio"
	"github.com/partitionhv/core/pci"
	"github.com/partitionhv/core/sched"
	"github.com/partitionhv/core/serial"
	"github.com/partitionhv/core/vcpu"
	"github.com/partitionhv/core/vlapic"
	"github.com/partitionhv/core/vm"
	"github.com/partitionhv/core/vmx"
	"github.com/partitionhv/core/vtd"
)

func main() {
	if err := run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(args []string) error {
	boot, err := config.ParseBootArgs(args[1:])
	if err != nil {
		return fmt.Errorf("parsing boot args: %w", err)
	}

	table, err := config.Load(boot.ConfigPath)
	if err != nil {
		return fmt.Errorf("loading %s: %w", boot.ConfigPath, err)
	}

	pcpus := buildPCPUs(table)
	remapTable := vtd.NewTable(nil)

	vms := make([]*vm.VM, 0, len(table.VMs))

	for i, vmCfg := range table.VMs {
		v, err := buildVM(i, vmCfg, pcpus, remapTable)
		if err != nil {
			return fmt.Errorf("vm %q: %w", vmCfg.Name, err)
		}

		vms = append(vms, v)
	}

	for _, v := range vms {
		if err := v.PrepareVM(pcpus); err != nil {
			return fmt.Errorf("preparing vm %d: %w", v.ID, err)
		}
	}

	waitForPoweredOff(vms)

	return nil
}

func buildPCPUs(table *config.Table) map[int]*sched.PCPU {
	ids := map[int]bool{}

	for _, vmCfg := range table.VMs {
		for _, group := range vmCfg.PCPUAffinity {
			for _, id := range group {
				ids[id] = true
			}
		}
	}

	pcpus := make(map[int]*sched.PCPU, len(ids))
	for id := range ids {
		pcpus[id] = sched.NewPCPU(id)
	}

	return pcpus
}

func buildVM(id int, vmCfg config.VMConfig, pcpus map[int]*sched.PCPU, remapTable *vtd.Table) (*vm.VM, error) {
	memEntries := []vm.E820Entry{
		{Base: vmCfg.Memory.StartHPA, Size: vmCfg.Memory.Size, Type: vm.E820RAM},
	}

	pcpuSet := map[int]bool{}
	for _, group := range vmCfg.PCPUAffinity {
		for _, id := range group {
			pcpuSet[id] = true
		}
	}

	bitmap := make([]int, 0, len(pcpuSet))
	for id := range pcpuSet {
		bitmap = append(bitmap, id)
	}

	v, err := vm.CreateVM(vm.Config{
		VMID:       id,
		MemoryMap:  memEntries,
		PCPUBitmap: bitmap,
	}, remapTable, jio.NoopCLFlush)
	if err != nil {
		return nil, err
	}

	madt := acpi.NewMADT()

	for i := 0; i < vmCfg.VCPUCount; i++ {
		pcpuID := vmCfg.PCPUAffinity[i][0]

		pcpu, ok := pcpus[pcpuID]
		if !ok {
			return nil, fmt.Errorf("no scheduler block for pcpu %d", pcpuID)
		}

		caps := vmx.ProbeCapabilities(0, 0, 0, 0, 0, 0, 0)
		vc := vcpu.Create(i, pcpuID, v, caps, pcpu)

		if err := v.AddVCPU(vc); err != nil {
			return nil, err
		}

		madt.AddVCPU(i, vlapic.BuildID(i))
	}

	// The synthesized MADT is handed to the guest-image loader (a named
	// external collaborator, spec.md 1); this hypervisor only builds it.
	madtBytes, err := madt.ToBytes()
	if err != nil {
		return nil, fmt.Errorf("building madt for vm %q: %w", vmCfg.Name, err)
	}

	log.Printf("vm %q: madt built, %d bytes, %d vcpus", vmCfg.Name, len(madtBytes), vmCfg.VCPUCount)

	attachDevices(v, vmCfg, pcpus)

	return v, nil
}

// attachDevices wires this VM's emulated guest-facing I/O-port devices
// (vUARTs, PCI configuration space, the ACPI shutdown port) onto its
// IOBus, generalizing the teacher's Machine.initIOPortHandlers to the
// per-VM device list a config.VMConfig names.
func attachDevices(v *vm.VM, vmCfg config.VMConfig, pcpus map[int]*sched.PCPU) {
	ctl := &vm.TargetController{VM: v, PCPUs: pcpus}

	if len(v.VCPUs) > 0 {
		bsp := v.VCPUs[0]

		for _, uc := range vmCfg.VUARTs {
			router := &iodev.VUARTRouter{Target: ctl, APICID: bsp.VLAPIC.Regs.ID, Vector: uc.IRQ}

			dev, err := serial.New(uint64(uc.IOPort), router)
			if err != nil {
				log.Printf("vm %q: skipping vuart at port %#x: %v", vmCfg.Name, uc.IOPort, err)

				continue
			}

			v.IOBus.RegisterIOPortHandler(uint64(uc.IOPort), uint64(uc.IOPort)+8, dev.In, dev.Out)
		}
	}

	bus := pci.New(pci.NewBridge())
	v.IOBus.RegisterIOPortHandler(0xcf8, 0xcf9, bus.PciConfAddrIn, bus.PciConfAddrOut)
	v.IOBus.RegisterIOPortHandler(0xcfc, 0xd00, bus.PciConfDataIn, bus.PciConfDataOut)

	shutdown := iodev.NewACPIShutDownDevice(v)
	v.IOBus.RegisterIOPortHandler(shutdown.IOPort(), shutdown.IOPort()+shutdown.Size(), shutdown.Read, shutdown.Write)
}

func waitForPoweredOff(vms []*vm.VM) {
	for {
		allOff := true

		for _, v := range vms {
			if v.State() != vm.PoweredOff {
				allOff = false
			}
		}

		if allOff {
			return
		}

		time.Sleep(250 * time.Millisecond)
	}
}
