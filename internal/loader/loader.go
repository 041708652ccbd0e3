// Package loader loads a guest kernel image into guest physical memory,
// either as a raw flat binary or as an ELF64 RISC-V executable.
package loader

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"math"

	"github.com/tinyrange/cc/internal/riscv"
)

// Image describes a loaded kernel: the address where the hart should start
// fetching.
type Image struct {
	Entry uint64
}

// LoadKernel loads data into m's Bus, auto-detecting ELF64 RISC-V images by
// their magic number and falling back to a raw flat-binary load at loadAddr
// otherwise. For an ELF image, PT_LOAD segments are copied to their own
// physical addresses (Paddr) rather than loadAddr.
func LoadKernel(m *riscv.Machine, data []byte, loadAddr uint64) (*Image, error) {
	if bytes.HasPrefix(data, []byte(elf.ELFMAG)) {
		return loadELF(m, data)
	}
	return loadRaw(m, data, loadAddr)
}

func loadRaw(m *riscv.Machine, data []byte, loadAddr uint64) (*Image, error) {
	if err := m.LoadBytes(loadAddr, data); err != nil {
		return nil, fmt.Errorf("load raw image: %w", err)
	}
	return &Image{Entry: loadAddr}, nil
}

// loadELF loads every PT_LOAD segment of a RISC-V ELF64 executable to its
// physical address, following the teacher's x86 boot loader's segment-copy
// loop (internal/linux/boot/amd64/elf.go) but targeting Sv39/Sv48 guest
// physical addresses directly instead of a Linux boot_params handoff: xv6
// and similar bare-metal RISC-V kernels link for and expect to run at their
// ELF physical addresses, with no x86-style real-mode setup header.
func loadELF(m *riscv.Machine, data []byte) (*Image, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open elf kernel: %w", err)
	}
	defer f.Close()

	if f.Machine != elf.EM_RISCV {
		return nil, fmt.Errorf("unsupported ELF machine %d (want RISC-V)", f.Machine)
	}
	if f.Class != elf.ELFCLASS64 {
		return nil, errors.New("only ELF64 RISC-V kernels are supported")
	}
	if len(f.Progs) == 0 {
		return nil, errors.New("ELF kernel has no program headers")
	}

	loaded := 0
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}
		if prog.Filesz > prog.Memsz {
			return nil, fmt.Errorf("ELF segment file size %#x exceeds mem size %#x", prog.Filesz, prog.Memsz)
		}
		if prog.Filesz > uint64(math.MaxInt) || prog.Memsz > uint64(math.MaxInt) {
			return nil, fmt.Errorf("ELF segment size exceeds host limits")
		}

		buf := make([]byte, prog.Memsz)
		if prog.Filesz > 0 {
			seg := make([]byte, prog.Filesz)
			if _, err := prog.ReadAt(seg, 0); err != nil {
				return nil, fmt.Errorf("read ELF segment @%#x: %w", prog.Off, err)
			}
			copy(buf, seg)
		}
		// buf[len(seg):] stays zero, covering .bss within this segment.

		if err := m.LoadBytes(prog.Paddr, buf); err != nil {
			return nil, fmt.Errorf("load ELF segment @%#x: %w", prog.Paddr, err)
		}
		loaded++
	}

	if loaded == 0 {
		return nil, errors.New("ELF kernel has no loadable segments")
	}
	if f.Entry == 0 {
		return nil, errors.New("ELF kernel entry point is zero")
	}

	return &Image{Entry: f.Entry}, nil
}
