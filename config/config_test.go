package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "vm_configs.yaml")

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	return path
}

func TestLoadValidConfig(t *testing.T) {
	t.Parallel()

	path := writeTemp(t, `
vms:
  - name: safety-vm
    vcpu_count: 2
    pcpu_affinity: [[0], [1]]
    flags:
      lapic_passthrough: true
    memory:
      start_hpa: 0x100000000
      size: 0x10000000
    os:
      kernel: ZEPHYR
      load_addr: 0x1000
      entry_addr: 0x1000
`)

	table, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if len(table.VMs) != 1 {
		t.Fatalf("got %d vms, want 1", len(table.VMs))
	}

	if table.VMs[0].OS.Kernel != KernelZephyr {
		t.Errorf("kernel = %v, want ZEPHYR", table.VMs[0].OS.Kernel)
	}
}

func TestLoadRejectsMismatchedAffinityCount(t *testing.T) {
	t.Parallel()

	path := writeTemp(t, `
vms:
  - name: bad
    vcpu_count: 2
    pcpu_affinity: [[0]]
`)

	if _, err := Load(path); err == nil {
		t.Error("expected error for mismatched pcpu_affinity length")
	}
}

func TestLoadRejectsTooManyVUARTs(t *testing.T) {
	t.Parallel()

	path := writeTemp(t, `
vms:
  - name: bad
    vcpu_count: 1
    pcpu_affinity: [[0]]
    vuarts:
      - io_port: 0x3f8
      - io_port: 0x2f8
      - io_port: 0x3e8
`)

	if _, err := Load(path); err == nil {
		t.Error("expected error for too many vuarts")
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load("/nonexistent/path.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestParseSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		unit string
		want int
	}{
		{"1G", "", 1 << 30},
		{"512m", "", 512 << 20},
		{"4k", "", 4 << 10},
		{"7", "g", 7 << 30},
		{"0", "", 0},
	}

	for _, tc := range tests {
		got, err := ParseSize(tc.in, tc.unit)
		if err != nil {
			t.Errorf("ParseSize(%q, %q): %v", tc.in, tc.unit, err)

			continue
		}

		if got != tc.want {
			t.Errorf("ParseSize(%q, %q) = %d, want %d", tc.in, tc.unit, got, tc.want)
		}
	}
}

func TestParseSizeRejectsEmpty(t *testing.T) {
	t.Parallel()

	if _, err := ParseSize("gG", ""); err == nil {
		t.Error("expected error for a size string with no digits")
	}
}

func TestParseBootArgsDefaults(t *testing.T) {
	t.Parallel()

	args, err := ParseBootArgs(nil)
	if err != nil {
		t.Fatal(err)
	}

	if args.ConfigPath == "" {
		t.Error("expected a default config path")
	}
}
