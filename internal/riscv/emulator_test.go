package riscv

import (
	"context"
	"testing"
	"time"
)

func TestBasicExecution(t *testing.T) {
	m := NewMachine(1024*1024, 1)

	// Simple program that writes "Hi\n" to UART and halts
	// lui a0, 0x10000    # UART base
	// li a1, 'H'
	// sb a1, 0(a0)
	// li a1, 'i'
	// sb a1, 0(a0)
	// li a1, '\n'
	// sb a1, 0(a0)
	// # Write to address 0 to halt
	// li a0, 0
	// sw zero, 0(a0)
	code := []uint32{
		0x10000537, // lui a0, 0x10000
		0x04800593, // li a1, 'H' (addi a1, zero, 0x48)
		0x00b50023, // sb a1, 0(a0)
		0x06900593, // li a1, 'i' (addi a1, zero, 0x69)
		0x00b50023, // sb a1, 0(a0)
		0x00a00593, // li a1, '\n' (addi a1, zero, 0x0a)
		0x00b50023, // sb a1, 0(a0)
		0x00000513, // li a0, 0
		0x00052023, // sw zero, 0(a0)
	}

	for i, insn := range code {
		m.Bus.Write32(RAMBase+uint64(i*4), insn)
	}
	m.Reset(RAMBase)
	m.SetStopOnZero(true)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := m.Run(ctx, 100); err != ErrHalt {
		t.Fatalf("expected ErrHalt, got %v", err)
	}

	if got := string(m.UartDrain()); got != "Hi\n" {
		t.Fatalf("expected output %q, got %q", "Hi\n", got)
	}
}

func TestALUOperations(t *testing.T) {
	m := NewMachine(1024*1024, 1)

	// li a0, 10
	// li a1, 3
	// add a2, a0, a1    # a2 = 13
	// sub a3, a0, a1    # a3 = 7
	// and a4, a0, a1    # a4 = 2
	// or a5, a0, a1     # a5 = 11
	// xor a6, a0, a1    # a6 = 9
	// li t0, 0
	// sw zero, 0(t0)
	code := []uint32{
		0x00a00513, // li a0, 10
		0x00300593, // li a1, 3
		0x00b50633, // add a2, a0, a1
		0x40b506b3, // sub a3, a0, a1
		0x00b57733, // and a4, a0, a1
		0x00b567b3, // or a5, a0, a1
		0x00b54833, // xor a6, a0, a1
		0x00000293, // li t0, 0
		0x0002a023, // sw zero, 0(t0)
	}

	for i, insn := range code {
		m.Bus.Write32(RAMBase+uint64(i*4), insn)
	}
	m.Reset(RAMBase)
	m.SetStopOnZero(true)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := m.Run(ctx, 100); err != ErrHalt {
		t.Fatalf("expected ErrHalt, got %v", err)
	}

	h := m.Harts[0]
	if h.X[12] != 13 {
		t.Errorf("a2 (add): expected 13, got %d", h.X[12])
	}
	if h.X[13] != 7 {
		t.Errorf("a3 (sub): expected 7, got %d", h.X[13])
	}
	if h.X[14] != 2 {
		t.Errorf("a4 (and): expected 2, got %d", h.X[14])
	}
	if h.X[15] != 11 {
		t.Errorf("a5 (or): expected 11, got %d", h.X[15])
	}
	if h.X[16] != 9 {
		t.Errorf("a6 (xor): expected 9, got %d", h.X[16])
	}
}

func TestBranches(t *testing.T) {
	m := NewMachine(1024*1024, 1)

	// li a0, 5
	// li a1, 5
	// li a2, 0       # result
	// beq a0, a1, equal
	// li a2, 1       # should be skipped
	// equal:
	// addi a2, a2, 10 # a2 = 10
	// li t0, 0
	// sw zero, 0(t0)
	code := []uint32{
		0x00500513, // li a0, 5
		0x00500593, // li a1, 5
		0x00000613, // li a2, 0
		0x00b50463, // beq a0, a1, +8 (skip next insn)
		0x00100613, // li a2, 1 (skipped)
		0x00a60613, // addi a2, a2, 10
		0x00000293, // li t0, 0
		0x0002a023, // sw zero, 0(t0)
	}

	for i, insn := range code {
		m.Bus.Write32(RAMBase+uint64(i*4), insn)
	}
	m.Reset(RAMBase)
	m.SetStopOnZero(true)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := m.Run(ctx, 100); err != ErrHalt {
		t.Fatalf("expected ErrHalt, got %v", err)
	}

	if got := m.Harts[0].X[12]; got != 10 {
		t.Errorf("a2: expected 10, got %d", got)
	}
}

func TestMultiplyDivide(t *testing.T) {
	m := NewMachine(1024*1024, 1)

	code := []uint32{
		0x00700513, // li a0, 7
		0x00300593, // li a1, 3
		0x02b50633, // mul a2, a0, a1 (7*3=21)
		0x02b546b3, // div a3, a0, a1 (7/3=2)
		0x02b56733, // rem a4, a0, a1 (7%3=1)
		0x00000293, // li t0, 0
		0x0002a023, // sw zero, 0(t0)
	}

	for i, insn := range code {
		m.Bus.Write32(RAMBase+uint64(i*4), insn)
	}
	m.Reset(RAMBase)
	m.SetStopOnZero(true)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := m.Run(ctx, 100); err != ErrHalt {
		t.Fatalf("expected ErrHalt, got %v", err)
	}

	h := m.Harts[0]
	if h.X[12] != 21 {
		t.Errorf("a2 (mul): expected 21, got %d", h.X[12])
	}
	if h.X[13] != 2 {
		t.Errorf("a3 (div): expected 2, got %d", h.X[13])
	}
	if h.X[14] != 1 {
		t.Errorf("a4 (rem): expected 1, got %d", h.X[14])
	}
}

func TestCompressedInstructions(t *testing.T) {
	m := NewMachine(1024*1024, 1)

	// c.li a0, 5       (0x4515)
	// c.addi a0, 3     (0x050d) - a0 += 3
	// c.mv a1, a0      (0x85aa)
	// # Halt using a full-width instruction
	// li t0, 0
	// sw zero, 0(t0)
	m.Bus.Write16(RAMBase+0, 0x4515)      // c.li a0, 5
	m.Bus.Write16(RAMBase+2, 0x050d)      // c.addi a0, 3
	m.Bus.Write16(RAMBase+4, 0x85aa)      // c.mv a1, a0
	m.Bus.Write32(RAMBase+6, 0x00000293)  // li t0, 0
	m.Bus.Write32(RAMBase+10, 0x0002a023) // sw zero, 0(t0)

	m.Reset(RAMBase)
	m.SetStopOnZero(true)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := m.Run(ctx, 100); err != ErrHalt {
		t.Fatalf("expected ErrHalt, got %v", err)
	}

	h := m.Harts[0]
	if h.X[10] != 8 {
		t.Errorf("a0: expected 8, got %d", h.X[10])
	}
	if h.X[11] != 8 {
		t.Errorf("a1: expected 8, got %d", h.X[11])
	}
}

func TestSMPStepRoundRobin(t *testing.T) {
	m := NewMachine(1024*1024, 2)

	// Each hart runs the same tiny program: li a0, <hart id marker>; halt.
	// Hart ids come from mhartid (CSR 0xf14), read via csrr a0, mhartid.
	code := []uint32{
		0xf1402573, // csrr a0, mhartid
		0x00000613, // li a2, 0
		0x00062023, // sw zero, 0(a2)
	}
	for i, insn := range code {
		m.Bus.Write32(RAMBase+uint64(i*4), insn)
	}
	m.Reset(RAMBase)
	m.SetStopOnZero(true)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := m.Run(ctx, 100); err != ErrHalt {
		t.Fatalf("expected ErrHalt, got %v", err)
	}

	for i, h := range m.Harts {
		if h.X[10] != uint64(i) {
			t.Errorf("hart %d: a0 = %d, want %d", i, h.X[10], i)
		}
	}
}
