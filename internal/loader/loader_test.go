package loader

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/tinyrange/cc/internal/riscv"
)

const (
	elfMachineRISCV = 243
	elfClass64      = 2
	elfDataLSB      = 1
	elfTypeExec     = 2
	elfPTLoad       = 1
)

// buildMinimalELF64RISCV constructs a single-PT_LOAD ELF64 RISC-V executable
// by hand, since debug/elf can only read ELF files, not write them.
func buildMinimalELF64RISCV(entry, paddr uint64, memsz uint64, data []byte) []byte {
	const ehsize = 64
	const phentsize = 56

	var buf bytes.Buffer

	// e_ident
	buf.WriteString("\x7fELF")
	buf.WriteByte(elfClass64)
	buf.WriteByte(elfDataLSB)
	buf.WriteByte(1) // EI_VERSION
	buf.Write(make([]byte, 9))

	le := binary.LittleEndian
	put16 := func(v uint16) { var b [2]byte; le.PutUint16(b[:], v); buf.Write(b[:]) }
	put32 := func(v uint32) { var b [4]byte; le.PutUint32(b[:], v); buf.Write(b[:]) }
	put64 := func(v uint64) { var b [8]byte; le.PutUint64(b[:], v); buf.Write(b[:]) }

	put16(elfTypeExec)       // e_type
	put16(elfMachineRISCV)   // e_machine
	put32(1)                 // e_version
	put64(entry)             // e_entry
	put64(ehsize)            // e_phoff
	put64(0)                 // e_shoff
	put32(0)                 // e_flags
	put16(ehsize)            // e_ehsize
	put16(phentsize)         // e_phentsize
	put16(1)                 // e_phnum
	put16(0)                 // e_shentsize
	put16(0)                 // e_shnum
	put16(0)                 // e_shstrndx

	dataOff := uint64(ehsize + phentsize)

	put32(elfPTLoad)        // p_type
	put32(7)                // p_flags (RWX)
	put64(dataOff)          // p_offset
	put64(paddr)            // p_vaddr
	put64(paddr)            // p_paddr
	put64(uint64(len(data))) // p_filesz
	put64(memsz)            // p_memsz
	put64(0x1000)           // p_align

	buf.Write(data)

	return buf.Bytes()
}

func TestLoadKernelRawFallback(t *testing.T) {
	m := riscv.NewMachine(1<<20, 1)
	data := []byte{0x13, 0x00, 0x00, 0x00}

	img, err := LoadKernel(m, data, riscv.RAMBase)
	if err != nil {
		t.Fatalf("LoadKernel: %v", err)
	}
	if img.Entry != riscv.RAMBase {
		t.Fatalf("Entry: got 0x%x, want RAMBase", img.Entry)
	}

	got, err := m.Bus.Read32(riscv.RAMBase)
	if err != nil {
		t.Fatalf("Read32: %v", err)
	}
	if got != 0x00000013 {
		t.Fatalf("loaded word: got 0x%x, want 0x13", got)
	}
}

func TestLoadKernelELF(t *testing.T) {
	m := riscv.NewMachine(1<<20, 1)
	code := []byte{0x13, 0x05, 0x00, 0x00} // addi a0, zero, 0
	paddr := riscv.RAMBase + 0x1000
	entry := paddr

	elfBytes := buildMinimalELF64RISCV(entry, paddr, uint64(len(code)), code)

	img, err := LoadKernel(m, elfBytes, 0)
	if err != nil {
		t.Fatalf("LoadKernel: %v", err)
	}
	if img.Entry != entry {
		t.Fatalf("Entry: got 0x%x, want 0x%x", img.Entry, entry)
	}

	got, err := m.Bus.Read32(paddr)
	if err != nil {
		t.Fatalf("Read32: %v", err)
	}
	if got != 0x00000013 {
		t.Fatalf("loaded segment word: got 0x%x, want 0x13", got)
	}
}

func TestLoadKernelELFZerosBSS(t *testing.T) {
	m := riscv.NewMachine(1<<20, 1)
	code := []byte{0xef, 0xbe, 0xad, 0xde}
	paddr := riscv.RAMBase + 0x2000
	memsz := uint64(len(code)) + 16 // extra bss beyond file contents

	elfBytes := buildMinimalELF64RISCV(paddr, paddr, memsz, code)

	if _, err := LoadKernel(m, elfBytes, 0); err != nil {
		t.Fatalf("LoadKernel: %v", err)
	}

	b, err := m.Bus.Read8(paddr + uint64(len(code)))
	if err != nil {
		t.Fatalf("Read8 in bss region: %v", err)
	}
	if b != 0 {
		t.Fatalf("bss byte: got %d, want 0", b)
	}
}

func TestLoadKernelELFRejectsWrongMachine(t *testing.T) {
	m := riscv.NewMachine(1<<20, 1)
	code := []byte{0, 0, 0, 0}
	elfBytes := buildMinimalELF64RISCV(0x1000, riscv.RAMBase, uint64(len(code)), code)
	elfBytes[18] = 0x3e // EM_X86_64, overwriting e_machine low byte

	if _, err := LoadKernel(m, elfBytes, 0); err == nil {
		t.Fatal("expected error loading ELF with wrong machine type")
	}
}

func TestLoadKernelELFRejectsZeroEntry(t *testing.T) {
	m := riscv.NewMachine(1<<20, 1)
	code := []byte{0, 0, 0, 0}
	elfBytes := buildMinimalELF64RISCV(0, riscv.RAMBase, uint64(len(code)), code)

	if _, err := LoadKernel(m, elfBytes, 0); err == nil {
		t.Fatal("expected error loading ELF with zero entry point")
	}
}
