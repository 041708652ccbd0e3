package riscv

// CheckInterrupt checks if there's a pending interrupt that should be taken
func (h *Hart) CheckInterrupt() (bool, uint64) {
	// Get pending and enabled interrupts
	pending := h.Mip & h.Mie

	if pending == 0 {
		return false, 0
	}

	// Check if interrupts are globally enabled
	if h.Priv == PrivMachine {
		if (h.Mstatus & MstatusMIE) == 0 {
			return false, 0
		}
	} else if h.Priv == PrivSupervisor {
		if (h.Mstatus & MstatusSIE) == 0 {
			// Still check for M-mode interrupts
			mInt := pending &^ h.Mideleg
			if mInt == 0 {
				return false, 0
			}
			pending = mInt
		}
	}
	// U-mode always has interrupts enabled

	// Find highest priority interrupt.
	// Machine interrupts have higher priority than supervisor;
	// external > software > timer.

	// Machine external interrupt
	if pending&MipMEIP != 0 && (h.Priv < PrivMachine || (h.Mstatus&MstatusMIE != 0)) {
		return true, CauseMExternalInt
	}
	// Machine software interrupt
	if pending&MipMSIP != 0 && (h.Priv < PrivMachine || (h.Mstatus&MstatusMIE != 0)) {
		return true, CauseMSoftwareInt
	}
	// Machine timer interrupt
	if pending&MipMTIP != 0 && (h.Priv < PrivMachine || (h.Mstatus&MstatusMIE != 0)) {
		return true, CauseMTimerInt
	}
	// Supervisor external interrupt
	if pending&MipSEIP != 0 {
		if h.Priv < PrivSupervisor || (h.Priv == PrivSupervisor && (h.Mstatus&MstatusSIE != 0)) {
			return true, CauseSExternalInt
		}
	}
	// Supervisor software interrupt
	if pending&MipSSIP != 0 {
		if h.Priv < PrivSupervisor || (h.Priv == PrivSupervisor && (h.Mstatus&MstatusSIE != 0)) {
			return true, CauseSSoftwareInt
		}
	}
	// Supervisor timer interrupt
	if pending&MipSTIP != 0 {
		if h.Priv < PrivSupervisor || (h.Priv == PrivSupervisor && (h.Mstatus&MstatusSIE != 0)) {
			return true, CauseSTimerInt
		}
	}

	return false, 0
}

// HandleTrap handles a trap (exception or interrupt), delegating to S-mode
// per medeleg/mideleg when the hart's current privilege allows it.
func (h *Hart) HandleTrap(cause uint64, tval uint64) {
	// A taken trap clears the local LR reservation.
	h.ReservationValid = false

	isInterrupt := (cause >> 63) != 0
	exceptionCode := cause & 0x7fffffffffffffff

	delegateToS := false
	if h.Priv <= PrivSupervisor {
		if isInterrupt {
			if (h.Mideleg & (1 << exceptionCode)) != 0 {
				delegateToS = true
			}
		} else {
			if (h.Medeleg & (1 << exceptionCode)) != 0 {
				delegateToS = true
			}
		}
	}

	if delegateToS {
		h.Sepc = h.PC
		h.Scause = cause
		h.Stval = tval

		if h.Mstatus&MstatusSIE != 0 {
			h.Mstatus |= MstatusSPIE
		} else {
			h.Mstatus &^= MstatusSPIE
		}
		h.Mstatus &^= MstatusSIE

		if h.Priv == PrivSupervisor {
			h.Mstatus |= MstatusSPP
		} else {
			h.Mstatus &^= MstatusSPP
		}

		h.Priv = PrivSupervisor

		if (h.Stvec&1) == 1 && isInterrupt {
			h.PC = (h.Stvec &^ 1) + 4*exceptionCode
		} else {
			h.PC = h.Stvec &^ 3
		}
	} else {
		h.Mepc = h.PC
		h.Mcause = cause
		h.Mtval = tval

		if h.Mstatus&MstatusMIE != 0 {
			h.Mstatus |= MstatusMPIE
		} else {
			h.Mstatus &^= MstatusMPIE
		}
		h.Mstatus &^= MstatusMIE

		h.Mstatus &^= MstatusMPP
		h.Mstatus |= uint64(h.Priv) << MstatusMPPShift

		h.Priv = PrivMachine

		if (h.Mtvec&1) == 1 && isInterrupt {
			h.PC = (h.Mtvec &^ 1) + 4*exceptionCode
		} else {
			h.PC = h.Mtvec &^ 3
		}
	}
}
