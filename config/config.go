// Package config loads the static per-VM configuration table
// (spec.md 3.2, 4.I "Static configuration") from a YAML file and
// parses the small set of per-boot CLI flags this hypervisor accepts.
// Guest image loaders, the E820 builder, and the interactive debug
// shell remain external collaborators; this package only produces the
// vm_configs table and flags they (and the vm package) consume.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// MaxVM bounds the static VM table (spec.md 3.2 CONFIG_MAX_VM_NUM).
const MaxVM = 8

// KernelType names the guest OS image format (spec.md 4.I "OS
// config").
type KernelType string

const (
	KernelBzImage KernelType = "BZIMAGE"
	KernelZephyr  KernelType = "ZEPHYR"
)

// GuestFlags are the per-VM boolean guest flags (spec.md 4.I).
type GuestFlags struct {
	SecureWorldEnabled bool `yaml:"secure_world_enabled"`
	LAPICPassthrough   bool `yaml:"lapic_passthrough"`
	RT                 bool `yaml:"rt"`
}

// MemRegion is a VM's memory window (spec.md 4.I "memory {start_hpa,
// size}").
type MemRegion struct {
	StartHPA uint64 `yaml:"start_hpa"`
	Size     uint64 `yaml:"size"`
}

// PCIPassthrough is one passed-through PCI device entry (spec.md 4.I
// "PCI pass-through list").
type PCIPassthrough struct {
	VirtBDF  uint16 `yaml:"virt_bdf"`
	PhysBDF  uint16 `yaml:"phys_bdf"`
	VBARBase uint64 `yaml:"vbar_base"`
	VDevOps  string `yaml:"vdev_ops"`
}

// VUARTConfig is one of up to two per-VM vUART configurations
// (spec.md 4.I).
type VUARTConfig struct {
	IOPort uint16 `yaml:"io_port"`
	IRQ    uint8  `yaml:"irq"`
}

// OSConfig describes the guest image to load (spec.md 4.I "OS
// config").
type OSConfig struct {
	Kernel    KernelType `yaml:"kernel"`
	LoadAddr  uint64     `yaml:"load_addr"`
	EntryAddr uint64     `yaml:"entry_addr"`
	Bootargs  string     `yaml:"bootargs"`
}

// VMConfig is one vm_configs[] entry (spec.md 4.I).
type VMConfig struct {
	Name         string           `yaml:"name"`
	VCPUCount    int              `yaml:"vcpu_count"`
	PCPUAffinity [][]int          `yaml:"pcpu_affinity"` // per-vCPU pCPU bitmap, as index lists
	Flags        GuestFlags       `yaml:"flags"`
	Memory       MemRegion        `yaml:"memory"`
	PCIDevices   []PCIPassthrough `yaml:"pci_passthrough"`
	OS           OSConfig         `yaml:"os"`
	VUARTs       []VUARTConfig    `yaml:"vuarts"`
}

// ErrTooManyVMs is returned when a YAML file names more VMs than
// CONFIG_MAX_VM_NUM allows.
var ErrTooManyVMs = errors.New("config: vm_configs exceeds CONFIG_MAX_VM_NUM")

// ErrTooManyVUARTs is returned when a VM entry names more than the two
// vUART configurations spec.md 4.I allows.
var ErrTooManyVUARTs = errors.New("config: a vm may configure at most 2 vuarts")

// Table is the static vm_configs[CONFIG_MAX_VM_NUM] array.
type Table struct {
	VMs []VMConfig `yaml:"vms"`
}

// Load reads and validates a Table from a YAML file, mirroring the
// teacher's preference for a dedicated parsing entry point
// (flag.ParseArgs) generalized here to file-based static config
// instead of a single boot invocation's flags.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if len(t.VMs) > MaxVM {
		return nil, fmt.Errorf("%w: got %d", ErrTooManyVMs, len(t.VMs))
	}

	for i, vm := range t.VMs {
		if len(vm.VUARTs) > 2 {
			return nil, fmt.Errorf("%w: vm %q has %d", ErrTooManyVUARTs, vm.Name, len(vm.VUARTs))
		}

		if len(vm.PCPUAffinity) != vm.VCPUCount {
			return nil, fmt.Errorf("config: vm %q (index %d): pcpu_affinity has %d entries, want %d (vcpu_count)",
				vm.Name, i, len(vm.PCPUAffinity), vm.VCPUCount)
		}
	}

	return &t, nil
}

// BootArgs are the per-boot CLI flags this hypervisor accepts,
// parsed the way the teacher's flag package parses its boot
// subcommand, reduced to the knobs that make sense for a
// pre-launched, statically-configured partitioning hypervisor:
// the static config file path and a trace-count debug knob.
type BootArgs struct {
	ConfigPath string
	TraceCount int
}

// ParseBootArgs parses the hypervisor's command line.
func ParseBootArgs(args []string) (*BootArgs, error) {
	fs := flag.NewFlagSet("hypervisor", flag.ContinueOnError)
	c := &BootArgs{}

	fs.StringVar(&c.ConfigPath, "c", "/etc/partitionhv/vm_configs.yaml", "static vm configuration file")

	tc := fs.String("T", "0",
		"how many instructions to skip between trace prints -- 0 means tracing disabled")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	var err error
	if c.TraceCount, err = ParseSize(*tc, ""); err != nil {
		return nil, err
	}

	return c, nil
}

// ParseSize parses a size string as number[gGmMkK], the multiplier
// optional and defaulting to unit when absent — kept in the teacher's
// exact idiom (flag.ParseSize) since vBAR bases and memory regions in
// a VM config's free-form overrides use the same convention.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q: can't parse as num[gGmMkK]: %w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	}

	return -1, fmt.Errorf("can not parse %q as num[gGmMkK]: %w", s, strconv.ErrSyntax)
}
