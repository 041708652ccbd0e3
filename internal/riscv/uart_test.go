package riscv

import "testing"

func TestUARTTransmitQueueDrain(t *testing.T) {
	u := NewUART()

	for _, b := range []byte("hi") {
		if err := u.Write(UARTRegTHR, 1, uint64(b)); err != nil {
			t.Fatalf("Write THR: %v", err)
		}
	}

	got := u.Drain()
	if string(got) != "hi" {
		t.Fatalf("Drain: got %q, want %q", got, "hi")
	}
	if out := u.Drain(); out != nil {
		t.Fatalf("second Drain: got %q, want nil", out)
	}
}

func TestUARTReceiveQueueLSRDataReady(t *testing.T) {
	u := NewUART()

	lsr, err := u.Read(UARTRegLSR, 1)
	if err != nil {
		t.Fatalf("Read LSR: %v", err)
	}
	if lsr&UARTLSRDataReady != 0 {
		t.Fatal("expected no data ready before EnqueueInput")
	}

	u.EnqueueInput([]byte("X"))

	lsr, err = u.Read(UARTRegLSR, 1)
	if err != nil {
		t.Fatalf("Read LSR: %v", err)
	}
	if lsr&UARTLSRDataReady == 0 {
		t.Fatal("expected data ready after EnqueueInput")
	}

	rbr, err := u.Read(UARTRegRBR, 1)
	if err != nil {
		t.Fatalf("Read RBR: %v", err)
	}
	if rbr != 'X' {
		t.Fatalf("RBR: got %q, want %q", rbr, 'X')
	}

	lsr, _ = u.Read(UARTRegLSR, 1)
	if lsr&UARTLSRDataReady != 0 {
		t.Fatal("expected data ready cleared after RBR consumed")
	}
}

func TestUARTInterruptOnReceiveWhenEnabled(t *testing.T) {
	u := NewUART()

	var pending []bool
	u.OnInterrupt = func(p bool) { pending = append(pending, p) }

	// Enable receive-data-available interrupts.
	if err := u.Write(UARTRegIER, 1, 0x01); err != nil {
		t.Fatalf("Write IER: %v", err)
	}

	u.EnqueueInput([]byte("Z"))
	if !u.InterruptPending {
		t.Fatal("expected InterruptPending after enqueueing input with RX interrupt enabled")
	}

	iir, err := u.Read(UARTRegIIR, 1)
	if err != nil {
		t.Fatalf("Read IIR: %v", err)
	}
	if iir != 0x04 {
		t.Fatalf("IIR: got 0x%x, want 0x04 (receive data available)", iir)
	}

	if _, err := u.Read(UARTRegRBR, 1); err != nil {
		t.Fatalf("Read RBR: %v", err)
	}
	if u.InterruptPending {
		t.Fatal("expected interrupt cleared once RX queue drained")
	}
}

func TestUARTDLABGatesDivisorLatch(t *testing.T) {
	u := NewUART()

	// Set DLAB.
	if err := u.Write(UARTRegLCR, 1, 0x80); err != nil {
		t.Fatalf("Write LCR: %v", err)
	}
	if err := u.Write(UARTRegRBR, 1, 0x01); err != nil { // DLL
		t.Fatalf("Write DLL: %v", err)
	}
	if err := u.Write(UARTRegIER, 1, 0x00); err != nil { // DLH
		t.Fatalf("Write DLH: %v", err)
	}

	dll, err := u.Read(UARTRegRBR, 1)
	if err != nil {
		t.Fatalf("Read DLL: %v", err)
	}
	if dll != 0x01 {
		t.Fatalf("DLL: got %d, want 1", dll)
	}

	// Clear DLAB: THR/IER resume their normal meaning.
	if err := u.Write(UARTRegLCR, 1, 0x00); err != nil {
		t.Fatalf("Write LCR clear DLAB: %v", err)
	}
	if err := u.Write(UARTRegTHR, 1, 'Q'); err != nil {
		t.Fatalf("Write THR: %v", err)
	}
	if out := u.Drain(); string(out) != "Q" {
		t.Fatalf("Drain after DLAB clear: got %q, want %q", out, "Q")
	}
}
