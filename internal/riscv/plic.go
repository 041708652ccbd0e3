package riscv

import (
	"sync"
)

// PLIC register offsets
const (
	PLICPriorityBase  = 0x000000 // Priority registers
	PLICPendingBase   = 0x001000 // Pending bits
	PLICEnableBase    = 0x002000 // Enable bits per context
	PLICThresholdBase = 0x200000 // Threshold and claim per context
)

const PLICContextStride = 0x1000
const PLICEnableStride = 0x80

// PLICMaxSources is fixed at 32 (spec §4.5, §9, DESIGN.md): this engine
// targets a handful of platform devices (UART, VirtIO block, VirtIO net),
// not the 1024-source QEMU "virt" layout, so the bitmaps fit in one word.
const PLICMaxSources = 32

// PLIC implements the Platform Level Interrupt Controller for an SMP
// machine. Each hart gets two contexts: 2*hart_id for M-mode and
// 2*hart_id+1 for S-mode, matching the convention xv6 and OpenSBI expect.
type PLIC struct {
	harts []*Hart
	mu    sync.Mutex

	priority [PLICMaxSources]uint32
	pending  uint32

	enable    []uint32 // one word per context
	threshold []uint32
	claimed   []uint32
}

// NewPLIC creates a PLIC with 2 contexts per hart.
func NewPLIC(harts []*Hart) *PLIC {
	n := 2 * len(harts)
	return &PLIC{
		harts:     harts,
		enable:    make([]uint32, n),
		threshold: make([]uint32, n),
		claimed:   make([]uint32, n),
	}
}

// Size implements Device
func (p *PLIC) Size() uint64 {
	return PLICSize
}

func (p *PLIC) numContexts() int { return 2 * len(p.harts) }

// Read implements Device
func (p *PLIC) Read(offset uint64, size int) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case offset < PLICPendingBase:
		source := offset / 4
		if source < PLICMaxSources {
			return uint64(p.priority[source]), nil
		}

	case offset >= PLICPendingBase && offset < PLICEnableBase:
		if offset == PLICPendingBase {
			return uint64(p.pending), nil
		}

	case offset >= PLICEnableBase && offset < PLICThresholdBase:
		relOffset := offset - PLICEnableBase
		context := relOffset / PLICEnableStride
		word := (relOffset % PLICEnableStride) / 4
		if int(context) < p.numContexts() && word == 0 {
			return uint64(p.enable[context]), nil
		}

	case offset >= PLICThresholdBase:
		relOffset := offset - PLICThresholdBase
		context := relOffset / PLICContextStride
		regOffset := relOffset % PLICContextStride

		if int(context) < p.numContexts() {
			switch regOffset {
			case 0:
				return uint64(p.threshold[context]), nil
			case 4:
				return uint64(p.claim(int(context))), nil
			}
		}
	}

	return 0, nil
}

// Write implements Device
func (p *PLIC) Write(offset uint64, size int, value uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case offset < PLICPendingBase:
		source := offset / 4
		if source < PLICMaxSources && source > 0 { // Source 0 is reserved
			p.priority[source] = uint32(value) & 7 // 3 bits
		}

	case offset >= PLICEnableBase && offset < PLICThresholdBase:
		relOffset := offset - PLICEnableBase
		context := relOffset / PLICEnableStride
		word := (relOffset % PLICEnableStride) / 4
		if int(context) < p.numContexts() && word == 0 {
			p.enable[context] = uint32(value)
		}

	case offset >= PLICThresholdBase:
		relOffset := offset - PLICThresholdBase
		context := relOffset / PLICContextStride
		regOffset := relOffset % PLICContextStride

		if int(context) < p.numContexts() {
			switch regOffset {
			case 0: // Threshold
				p.threshold[context] = uint32(value) & 7
			case 4: // Complete
				p.complete(int(context), uint32(value))
			}
		}
	}

	p.updateInterrupts()
	return nil
}

// SetPending sets an interrupt as pending
func (p *PLIC) SetPending(source uint32, pending bool) {
	if source == 0 || source >= PLICMaxSources {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if pending {
		p.pending |= 1 << source
	} else {
		p.pending &^= 1 << source
	}

	p.updateInterrupts()
}

// claim claims the highest priority pending interrupt for a context
func (p *PLIC) claim(context int) uint32 {
	if context >= p.numContexts() {
		return 0
	}

	var bestSource uint32
	var bestPriority uint32

	for source := uint32(1); source < PLICMaxSources; source++ {
		bit := uint32(1) << source
		if p.pending&bit == 0 {
			continue
		}
		if p.enable[context]&bit == 0 {
			continue
		}
		priority := p.priority[source]
		if priority <= p.threshold[context] {
			continue
		}
		if priority > bestPriority {
			bestPriority = priority
			bestSource = source
		}
	}

	if bestSource != 0 {
		p.pending &^= 1 << bestSource
		p.claimed[context] = bestSource
	}

	p.updateInterrupts()
	return bestSource
}

// complete signals completion of interrupt handling
func (p *PLIC) complete(context int, source uint32) {
	if context >= p.numContexts() || source == 0 || source >= PLICMaxSources {
		return
	}

	if p.claimed[context] == source {
		p.claimed[context] = 0
	}

	p.updateInterrupts()
}

// updateInterrupts refreshes MEIP/SEIP on every hart from its two contexts.
func (p *PLIC) updateInterrupts() {
	for i, h := range p.harts {
		if p.hasPendingInterrupt(2 * i) {
			h.Mip |= MipMEIP
		} else {
			h.Mip &^= MipMEIP
		}
		if p.hasPendingInterrupt(2*i + 1) {
			h.Mip |= MipSEIP
		} else {
			h.Mip &^= MipSEIP
		}
	}
}

// hasPendingInterrupt checks if there's a pending interrupt above threshold
func (p *PLIC) hasPendingInterrupt(context int) bool {
	if context >= p.numContexts() {
		return false
	}

	for source := uint32(1); source < PLICMaxSources; source++ {
		bit := uint32(1) << source
		if p.pending&bit == 0 {
			continue
		}
		if p.enable[context]&bit == 0 {
			continue
		}
		if p.priority[source] > p.threshold[context] {
			return true
		}
	}

	return false
}

var _ Device = (*PLIC)(nil)
