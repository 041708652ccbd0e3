package riscv

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/cc/internal/netstack"
)

// ErrHalt is returned when the machine is halted
var ErrHalt = errors.New("machine halted")

// PLIC interrupt source numbers wired up by NewMachine.
const (
	IRQUART      = 10
	IRQVirtIOBlk = 1
	IRQVirtIONet = 3
)

// Machine represents a complete RV64IMAC system: some number of harts
// sharing one Bus, CLINT and PLIC, plus a UART and (optionally) VirtIO
// devices attached separately via AddDevice.
type Machine struct {
	Harts []*Hart
	MMUs  []*MMU
	Bus   *Bus
	CLINT *CLINT
	PLIC  *PLIC
	UART  *UART

	// Disk and Net are nil until AttachDisk/AttachNet is called; neither is
	// required to step the machine.
	Disk *VirtIOBlk
	Net  *VirtIONet

	// halted is set by a write to address 0 when stopOnZero is enabled, or
	// by an explicit call to Halt.
	halted atomic.Bool

	// Stop on write to address 0 (the hand-assembled test programs' halt
	// convention; see emulator_test.go).
	stopOnZero bool

	mu sync.Mutex
}

// NewMachine creates an nHarts-way SMP machine with ramSize bytes of RAM,
// a CLINT, a PLIC with 2*nHarts contexts, and a UART wired to PLIC source
// IRQUART. All harts boot in M-mode at RAMBase.
func NewMachine(ramSize uint64, nHarts int) *Machine {
	if nHarts < 1 {
		nHarts = 1
	}

	bus := NewBus(ramSize)

	harts := make([]*Hart, nHarts)
	mmus := make([]*MMU, nHarts)
	for i := 0; i < nHarts; i++ {
		harts[i] = NewHart(uint64(i), RAMBase)
		mmus[i] = NewMMU(harts[i], bus)
	}
	bus.SetHarts(harts)

	clint := NewCLINT(harts)
	plic := NewPLIC(harts)
	uart := NewUART()
	uart.OnInterrupt = func(pending bool) {
		plic.SetPending(IRQUART, pending)
	}

	bus.AddDevice(CLINTBase, clint)
	bus.AddDevice(PLICBase, plic)
	bus.AddDevice(UARTBase, uart)

	return &Machine{
		Harts: harts,
		MMUs:  mmus,
		Bus:   bus,
		CLINT: clint,
		PLIC:  plic,
		UART:  uart,
	}
}

// Reset resets every hart to boot state at entry and flushes all TLBs.
func (m *Machine) Reset(entry uint64) {
	for i, h := range m.Harts {
		h.Reset(entry)
		m.MMUs[i].FlushTLB()
	}
	m.halted.Store(false)
}

// SetPC sets hart 0's program counter (single-hart test convenience).
func (m *Machine) SetPC(pc uint64) { m.Harts[0].PC = pc }

// GetPC gets hart 0's program counter.
func (m *Machine) GetPC() uint64 { return m.Harts[0].PC }

// SetStopOnZero enables halting when writing to address 0
func (m *Machine) SetStopOnZero(enable bool) {
	m.stopOnZero = enable
}

// LoadBytes loads data into memory at the given physical address
func (m *Machine) LoadBytes(addr uint64, data []byte) error {
	return m.Bus.LoadBytes(addr, data)
}

// MemoryBase returns the base address of RAM
func (m *Machine) MemoryBase() uint64 {
	return m.Bus.RAMBase
}

// MemorySize returns the size of RAM
func (m *Machine) MemorySize() uint64 {
	return m.Bus.RAM.Size()
}

// UartInput pushes bytes for the guest to read from the UART (host -> guest).
func (m *Machine) UartInput(data []byte) {
	m.UART.EnqueueInput(data)
}

// UartDrain returns and clears everything the guest has transmitted on the
// UART so far (guest -> host), non-blocking.
func (m *Machine) UartDrain() []byte {
	return m.UART.Drain()
}

// AttachDisk maps a legacy virtio-blk device over disk at VirtIOBlkBase,
// raising PLIC source IRQVirtIOBlk. disk is modified in place by guest
// writes.
func (m *Machine) AttachDisk(disk []byte) *VirtIOBlk {
	blk := NewVirtIOBlk(m.Bus, disk, IRQVirtIOBlk, func(pending bool) {
		m.PLIC.SetPending(IRQVirtIOBlk, pending)
	})
	m.Disk = blk
	m.Bus.AddDevice(VirtIOBlkBase, blk)
	return blk
}

// AttachNet maps a legacy virtio-net device over stack at VirtIONetBase,
// raising PLIC source IRQVirtIONet.
func (m *Machine) AttachNet(stack *netstack.NetStack, mac [6]byte) (*VirtIONet, error) {
	net, err := NewVirtIONet(m.Bus, stack, mac, IRQVirtIONet, func(pending bool) {
		m.PLIC.SetPending(IRQVirtIONet, pending)
	})
	if err != nil {
		return nil, err
	}
	m.Net = net
	m.Bus.AddDevice(VirtIONetBase, net)
	return net, nil
}

// Step advances every hart by exactly one instruction slot, round-robin in
// ascending hart_id order (spec §5), ticking the shared CLINT mtime once
// per instruction actually retired (TICK_PER_INSN=1, summed across harts).
func (m *Machine) Step() error {
	for i, h := range m.Harts {
		retired, err := m.stepHart(i, h)
		if err != nil {
			return err
		}
		if retired {
			m.CLINT.Tick()
		}
	}
	return nil
}

// stepHart executes one instruction slot on a single hart. The returned
// bool reports whether an instruction actually retired (false if the hart
// was waiting in WFI or a trap was delivered instead of retiring).
func (m *Machine) stepHart(idx int, h *Hart) (bool, error) {
	mmu := m.MMUs[idx]

	if !h.WFI {
		if pending, cause := h.CheckInterrupt(); pending {
			h.HandleTrap(cause, 0)
			return false, nil
		}
	} else {
		if pending, _ := h.CheckInterrupt(); pending {
			h.WFI = false
		} else {
			return false, nil // Still waiting
		}
	}

	pc := h.PC
	paddr, err := mmu.TranslateFetch(pc)
	if err != nil {
		if exc, ok := err.(ExceptionError); ok {
			h.HandleTrap(exc.Cause, pc)
			return false, nil
		}
		return false, err
	}

	lo, err := m.Bus.Read16(paddr)
	if err != nil {
		h.HandleTrap(CauseInsnAccessFault, pc)
		return false, nil
	}

	var insn uint32
	isCompressed := (lo & 0x3) != 0x3
	if isCompressed {
		insn = uint32(lo)
	} else {
		// A non-compressed instruction may straddle a page boundary: the
		// upper halfword's VA (pc+2) must be translated independently of
		// the low halfword's, since they can map to non-contiguous PPNs.
		pcHi := pc + 2
		paddrHi, err := mmu.TranslateFetch(pcHi)
		if err != nil {
			if exc, ok := err.(ExceptionError); ok {
				h.HandleTrap(exc.Cause, pcHi)
				return false, nil
			}
			return false, err
		}
		hi, err := m.Bus.Read16(paddrHi)
		if err != nil {
			h.HandleTrap(CauseInsnAccessFault, pcHi)
			return false, nil
		}
		insn = uint32(lo) | (uint32(hi) << 16)
	}

	if isCompressed {
		expanded, err := h.ExpandCompressed(uint16(insn))
		if err != nil {
			if exc, ok := err.(ExceptionError); ok {
				h.HandleTrap(exc.Cause, pc)
				return false, nil
			}
			return false, err
		}
		insn = expanded
	}

	oldPC := h.PC

	err = m.executeWithMMU(idx, h, insn)
	if err != nil {
		if sf, ok := err.(sfenceVMA); ok {
			if sf.all {
				mmu.FlushTLB()
			} else {
				mmu.FlushTLBEntry(sf.vaddr, sf.asid)
			}
			h.PC = oldPC + 4
			h.Cycle++
			h.Instret++
			return true, nil
		}
		if exc, ok := err.(ExceptionError); ok {
			h.PC = oldPC
			h.HandleTrap(exc.Cause, exc.Tval)
			return false, nil
		}
		return false, err
	}

	if h.PC == oldPC {
		if isCompressed {
			h.PC += 2
		} else {
			h.PC += 4
		}
	}

	h.Cycle++
	h.Instret++

	return true, nil
}

// executeWithMMU dispatches an instruction, translating memory-accessing
// opcodes through the hart's own MMU before touching the bus.
func (m *Machine) executeWithMMU(idx int, h *Hart, insn uint32) error {
	op := opcode(insn)

	switch op {
	case OpLoad:
		return m.execLoadMMU(idx, h, insn)
	case OpStore:
		return m.execStoreMMU(idx, h, insn)
	case OpAMO:
		return m.execAMOMMU(idx, h, insn)
	default:
		return h.Execute(insn, m.Bus)
	}
}

// execLoadMMU executes load with MMU translation
func (m *Machine) execLoadMMU(idx int, h *Hart, insn uint32) error {
	vaddr := uint64(int64(h.ReadReg(rs1(insn))) + immI(insn))
	if f3 := funct3(insn); f3 != 0b111 && vaddr&(1<<(f3&3)-1) != 0 {
		return Exception(CauseLoadAddrMisaligned, vaddr)
	}
	paddr, err := m.MMUs[idx].TranslateRead(vaddr)
	if err != nil {
		if exc, ok := err.(ExceptionError); ok {
			exc.Tval = vaddr
			return exc
		}
		return err
	}

	f3 := funct3(insn)
	var val uint64

	switch f3 {
	case 0b000: // LB
		v, e := m.Bus.Read8(paddr)
		if e != nil {
			return Exception(CauseLoadAccessFault, vaddr)
		}
		val = uint64(int8(v))
	case 0b001: // LH
		v, e := m.Bus.Read16(paddr)
		if e != nil {
			return Exception(CauseLoadAccessFault, vaddr)
		}
		val = uint64(int16(v))
	case 0b010: // LW
		v, e := m.Bus.Read32(paddr)
		if e != nil {
			return Exception(CauseLoadAccessFault, vaddr)
		}
		val = uint64(int32(v))
	case 0b011: // LD
		v, e := m.Bus.Read64(paddr)
		if e != nil {
			return Exception(CauseLoadAccessFault, vaddr)
		}
		val = v
	case 0b100: // LBU
		v, e := m.Bus.Read8(paddr)
		if e != nil {
			return Exception(CauseLoadAccessFault, vaddr)
		}
		val = uint64(v)
	case 0b101: // LHU
		v, e := m.Bus.Read16(paddr)
		if e != nil {
			return Exception(CauseLoadAccessFault, vaddr)
		}
		val = uint64(v)
	case 0b110: // LWU
		v, e := m.Bus.Read32(paddr)
		if e != nil {
			return Exception(CauseLoadAccessFault, vaddr)
		}
		val = uint64(v)
	default:
		return Exception(CauseIllegalInsn, uint64(insn))
	}

	h.WriteReg(rd(insn), val)
	return nil
}

// execStoreMMU executes store with MMU translation
func (m *Machine) execStoreMMU(idx int, h *Hart, insn uint32) error {
	vaddr := uint64(int64(h.ReadReg(rs1(insn))) + immS(insn))
	if f3 := funct3(insn); f3 < 4 && vaddr&(1<<f3-1) != 0 {
		return Exception(CauseStoreAddrMisaligned, vaddr)
	}
	paddr, err := m.MMUs[idx].TranslateWrite(vaddr)
	if err != nil {
		if exc, ok := err.(ExceptionError); ok {
			exc.Tval = vaddr
			return exc
		}
		return err
	}

	if m.stopOnZero && paddr == 0 {
		m.halted.Store(true)
		return ErrHalt
	}

	val := h.ReadReg(rs2(insn))
	f3 := funct3(insn)

	var writeErr error
	switch f3 {
	case 0b000: // SB
		writeErr = m.Bus.Write8(paddr, uint8(val))
	case 0b001: // SH
		writeErr = m.Bus.Write16(paddr, uint16(val))
	case 0b010: // SW
		writeErr = m.Bus.Write32(paddr, uint32(val))
	case 0b011: // SD
		writeErr = m.Bus.Write64(paddr, val)
	default:
		return Exception(CauseIllegalInsn, uint64(insn))
	}

	if writeErr != nil {
		return Exception(CauseStoreAccessFault, vaddr)
	}

	return nil
}

// execAMOMMU executes atomic operations with MMU translation
func (m *Machine) execAMOMMU(idx int, h *Hart, insn uint32) error {
	vaddr := h.ReadReg(rs1(insn))
	paddr, err := m.MMUs[idx].TranslateWrite(vaddr)
	if err != nil {
		if exc, ok := err.(ExceptionError); ok {
			exc.Tval = vaddr
			return exc
		}
		return err
	}

	if m.stopOnZero && paddr == 0 {
		m.halted.Store(true)
		return ErrHalt
	}

	return h.execAMO(insn, &translatedBus{bus: m.Bus, paddr: paddr})
}

// translatedBus wraps Bus so a single pre-translated physical address is
// used regardless of the address an instruction handler passes in.
type translatedBus struct {
	bus   *Bus
	paddr uint64
}

func (t *translatedBus) Read(addr uint64, size int) (uint64, error) {
	return t.bus.Read(t.paddr, size)
}

func (t *translatedBus) Write(addr uint64, size int, value uint64) error {
	return t.bus.Write(t.paddr, size, value)
}

func (t *translatedBus) Read8(addr uint64) (uint8, error)   { return t.bus.Read8(t.paddr) }
func (t *translatedBus) Read16(addr uint64) (uint16, error) { return t.bus.Read16(t.paddr) }
func (t *translatedBus) Read32(addr uint64) (uint32, error) { return t.bus.Read32(t.paddr) }
func (t *translatedBus) Read64(addr uint64) (uint64, error) { return t.bus.Read64(t.paddr) }
func (t *translatedBus) Write8(addr uint64, value uint8) error {
	return t.bus.Write8(t.paddr, value)
}
func (t *translatedBus) Write16(addr uint64, value uint16) error {
	return t.bus.Write16(t.paddr, value)
}
func (t *translatedBus) Write32(addr uint64, value uint32) error {
	return t.bus.Write32(t.paddr, value)
}
func (t *translatedBus) Write64(addr uint64, value uint64) error {
	return t.bus.Write64(t.paddr, value)
}

// Run runs the machine round-robin across harts until halted or ctx is
// cancelled, yielding to check ctx roughly every yieldAfter steps.
func (m *Machine) Run(ctx context.Context, yieldAfter int64) error {
	if yieldAfter <= 0 {
		yieldAfter = 100000
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		for i := int64(0); i < yieldAfter; i++ {
			if err := m.Step(); err != nil {
				if errors.Is(err, ErrHalt) {
					return ErrHalt
				}
				return fmt.Errorf("step error at PC=0x%x: %w", m.Harts[0].PC, err)
			}
			if m.halted.Load() {
				return ErrHalt
			}
		}
	}
}

// RunBatch steps the machine exactly n times, stopping early on ErrHalt.
func (m *Machine) RunBatch(n int64) error {
	for i := int64(0); i < n; i++ {
		if err := m.Step(); err != nil {
			return err
		}
		if m.halted.Load() {
			return ErrHalt
		}
	}
	return nil
}

// RunParallel runs each hart on its own goroutine until ctx is cancelled or
// any hart halts the machine, per spec §5's second scheduling mode. Unlike
// Step's deterministic round-robin, instruction interleaving across harts
// is scheduler-dependent; CLINT.Tick and PLIC updates are still safe to
// call concurrently since both devices hold their own mutex.
func (m *Machine) RunParallel(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make([]error, len(m.Harts))

	for i := range m.Harts {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			h := m.Harts[idx]
			for {
				if ctx.Err() != nil {
					errs[idx] = ctx.Err()
					return
				}
				if m.halted.Load() {
					return
				}
				retired, err := m.stepHart(idx, h)
				if err != nil {
					if !errors.Is(err, ErrHalt) {
						errs[idx] = err
					}
					return
				}
				if retired {
					m.CLINT.Tick()
				}
			}
		}(i)
	}

	wg.Wait()

	if m.halted.Load() {
		return ErrHalt
	}
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return ctx.Err()
}

// Halt stops the machine
func (m *Machine) Halt() {
	m.halted.Store(true)
}

// IsHalted returns true if the machine is halted
func (m *Machine) IsHalted() bool {
	return m.halted.Load()
}

// AddDevice adds a device to the bus
func (m *Machine) AddDevice(base uint64, dev Device) {
	m.Bus.AddDevice(base, dev)
}

// ReadAt reads from guest physical memory
func (m *Machine) ReadAt(p []byte, off int64) (int, error) {
	addr := uint64(off)
	for i := range p {
		val, err := m.Bus.Read8(addr + uint64(i))
		if err != nil {
			return i, err
		}
		p[i] = val
	}
	return len(p), nil
}

// WriteAt writes to guest physical memory
func (m *Machine) WriteAt(p []byte, off int64) (int, error) {
	addr := uint64(off)
	for i, b := range p {
		if err := m.Bus.Write8(addr+uint64(i), b); err != nil {
			return i, err
		}
	}
	return len(p), nil
}
