package riscv

import "sync"

// CLINT register layout (per the SiFive/QEMU "clint" device): msip is one
// 32-bit word per hart at CLINTMsip+4*hart, mtimecmp is one 64-bit word per
// hart at CLINTMtimecmp+8*hart, and mtime is a single shared counter.
const (
	CLINTMsip     = 0x0000
	CLINTMtimecmp = 0x4000
	CLINTMtime    = 0xbff8
)

// CLINT implements the Core Local Interruptor for every hart on the bus.
// Unlike real hardware, mtime is not wall-clock: this engine commits to a
// deterministic TICK_PER_INSN=1 policy (spec §4.4, §9, DESIGN.md) where
// Machine advances mtime by exactly one tick per instruction retired,
// summed across harts, so a run is reproducible independent of host speed.
type CLINT struct {
	harts []*Hart
	mu    sync.Mutex

	msip     []uint32
	mtimecmp []uint64

	mtime uint64
}

// NewCLINT creates a CLINT serving harts. mtimecmp starts at the maximum
// value on every hart so no spurious timer interrupt fires before the
// guest has programmed a compare value.
func NewCLINT(harts []*Hart) *CLINT {
	c := &CLINT{
		harts:    harts,
		msip:     make([]uint32, len(harts)),
		mtimecmp: make([]uint64, len(harts)),
	}
	for i := range c.mtimecmp {
		c.mtimecmp[i] = ^uint64(0)
	}
	return c
}

// Size implements Device
func (c *CLINT) Size() uint64 {
	return CLINTSize
}

func (c *CLINT) hartIndex(offset uint64, base uint64, stride uint64) (int, bool) {
	if offset < base {
		return 0, false
	}
	idx := (offset - base) / stride
	if int(idx) >= len(c.harts) {
		return 0, false
	}
	return int(idx), true
}

// Read implements Device
func (c *CLINT) Read(offset uint64, size int) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case offset >= CLINTMsip && offset < CLINTMsip+4*uint64(len(c.harts)):
		idx, ok := c.hartIndex(offset, CLINTMsip, 4)
		if !ok {
			return 0, nil
		}
		return uint64(c.msip[idx]), nil

	case offset >= CLINTMtimecmp && offset < CLINTMtimecmp+8*uint64(len(c.harts)):
		idx, ok := c.hartIndex(offset, CLINTMtimecmp, 8)
		if !ok {
			return 0, nil
		}
		return c.mtimecmp[idx], nil

	case offset >= CLINTMtime && offset < CLINTMtime+8:
		return c.mtime, nil
	}

	return 0, nil
}

// Write implements Device
func (c *CLINT) Write(offset uint64, size int, value uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case offset >= CLINTMsip && offset < CLINTMsip+4*uint64(len(c.harts)):
		idx, ok := c.hartIndex(offset, CLINTMsip, 4)
		if !ok {
			return nil
		}
		if value&1 != 0 {
			c.msip[idx] = 1
			c.harts[idx].Mip |= MipMSIP
		} else {
			c.msip[idx] = 0
			c.harts[idx].Mip &^= MipMSIP
		}

	case offset >= CLINTMtimecmp && offset < CLINTMtimecmp+8*uint64(len(c.harts)):
		idx, ok := c.hartIndex(offset, CLINTMtimecmp, 8)
		if !ok {
			return nil
		}
		if size == 4 {
			if (offset-CLINTMtimecmp)%8 == 0 {
				c.mtimecmp[idx] = (c.mtimecmp[idx] &^ 0xffffffff) | (value & 0xffffffff)
			} else {
				c.mtimecmp[idx] = (c.mtimecmp[idx] &^ 0xffffffff00000000) | ((value & 0xffffffff) << 32)
			}
		} else {
			c.mtimecmp[idx] = value
		}
		if c.mtimecmp[idx] > c.mtime {
			c.harts[idx].Mip &^= MipMTIP
		}
	}

	return nil
}

// Tick advances mtime by one and re-evaluates each hart's timer interrupt.
// Machine calls this once per instruction retired (summed across harts, not
// once per hart per instruction), giving deterministic timer behavior.
func (c *CLINT) Tick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mtime++
	for i, h := range c.harts {
		if c.mtime >= c.mtimecmp[i] {
			h.Mip |= MipMTIP
		}
	}
}

var _ Device = (*CLINT)(nil)
