package riscv

import (
	"context"
	"errors"
	"testing"
)

func TestMachineHaltAndIsHalted(t *testing.T) {
	m := NewMachine(4096, 1)
	if m.IsHalted() {
		t.Fatal("new machine should not be halted")
	}
	m.Halt()
	if !m.IsHalted() {
		t.Fatal("expected IsHalted true after Halt")
	}
}

func TestMachineReadAtWriteAtRoundTrip(t *testing.T) {
	m := NewMachine(4096, 1)
	want := []byte{1, 2, 3, 4, 5}
	if _, err := m.WriteAt(want, int64(RAMBase+0x100)); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	got := make([]byte, len(want))
	if _, err := m.ReadAt(got, int64(RAMBase+0x100)); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestMachineRunBatchHaltsOnStoreToZero(t *testing.T) {
	m := NewMachine(4096, 1)
	m.SetStopOnZero(true)

	// li a0, 0 ; sw a0, 0(a0)
	m.LoadBytes(RAMBase, []byte{0x13, 0x05, 0x00, 0x00}) // addi a0, zero, 0
	m.LoadBytes(RAMBase+4, []byte{0x23, 0x20, 0xa5, 0x00}) // sw a0, 0(a0)
	m.Reset(RAMBase)

	err := m.RunBatch(10)
	if !errors.Is(err, ErrHalt) {
		t.Fatalf("RunBatch: got %v, want ErrHalt", err)
	}
	if !m.IsHalted() {
		t.Fatal("expected machine halted after store to address 0")
	}
}

func TestMachineAttachDiskMapsVirtIOBlk(t *testing.T) {
	m := NewMachine(4096, 1)
	disk := make([]byte, 4096)
	blk := m.AttachDisk(disk)
	if blk == nil {
		t.Fatal("AttachDisk returned nil")
	}
	if m.Disk != blk {
		t.Fatal("expected m.Disk to be the attached device")
	}

	magic, err := m.Bus.Read32(VirtIOBlkBase + virtioRegMagic)
	if err != nil {
		t.Fatalf("read magic through bus: %v", err)
	}
	if magic != virtioMagicValue {
		t.Fatalf("magic via bus: got 0x%x, want 0x%x", magic, virtioMagicValue)
	}
}

func TestMachineStepTicksCLINTOncePerRetiredInstruction(t *testing.T) {
	m := NewMachine(4096, 1)
	m.LoadBytes(RAMBase, []byte{0x13, 0x00, 0x00, 0x00}) // nop
	m.Reset(RAMBase)

	before := m.CLINT.mtime
	if err := m.Step(); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if m.CLINT.mtime != before+1 {
		t.Fatalf("mtime: got %d, want %d", m.CLINT.mtime, before+1)
	}
}

// TestMachineFetchStraddlingPageBoundaryFaultsOnSecondHalfword builds a
// one-page Sv39 mapping whose last two bytes hold the low halfword of a
// non-compressed instruction, with the following page left unmapped. The
// high halfword's VA must be translated independently of the low
// halfword's, so this must raise InsnPageFault with stval pointing at the
// second halfword's VA rather than reading whatever physical bytes follow.
func TestMachineFetchStraddlingPageBoundaryFaultsOnSecondHalfword(t *testing.T) {
	m := NewMachine(1<<20, 1)

	root := RAMBase + 0x1000
	vaddrPage := uint64(0x1000_0000)
	paddrPage := RAMBase + 0x10000
	setupSv39Identity(t, m.Bus, root, vaddrPage, paddrPage, PteV|PteX|PteA)

	// addi x0, x0, 0 (0x00000013): a non-compressed instruction (low
	// halfword's bits[1:0] == 0b11), split across the page boundary.
	pcLo := vaddrPage + PageSize - 2
	paddrLo := paddrPage + PageSize - 2
	if err := m.Bus.Write16(paddrLo, 0x0013); err != nil {
		t.Fatalf("write low halfword: %v", err)
	}

	m.Reset(pcLo)
	h := m.Harts[0]
	h.Priv = PrivSupervisor
	h.Satp = (SatpModeSv39 << 60) | (root >> PageShift)
	m.MMUs[0].FlushTLB()

	if err := m.Step(); err != nil {
		t.Fatalf("Step: %v", err)
	}

	// Medeleg is 0 by default, so the fault traps to M-mode.
	if h.Mcause != CauseInsnPageFault {
		t.Errorf("Mcause: got %d, want CauseInsnPageFault", h.Mcause)
	}
	wantTval := pcLo + 2
	if h.Mtval != wantTval {
		t.Errorf("Mtval: got 0x%x, want 0x%x (the second halfword's VA)", h.Mtval, wantTval)
	}
}

func TestMachineRunRespectsContextCancellation(t *testing.T) {
	m := NewMachine(4096, 1)
	// An infinite loop: jal x0, 0
	m.LoadBytes(RAMBase, []byte{0x6f, 0x00, 0x00, 0x00})
	m.Reset(RAMBase)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := m.Run(ctx, 1)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run: got %v, want context.Canceled", err)
	}
}
