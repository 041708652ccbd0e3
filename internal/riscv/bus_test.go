package riscv

import "testing"

func TestBusRAMReadWrite(t *testing.T) {
	bus := NewBus(4096)

	if err := bus.Write32(RAMBase+8, 0xdeadbeef); err != nil {
		t.Fatalf("Write32: %v", err)
	}
	got, err := bus.Read32(RAMBase + 8)
	if err != nil {
		t.Fatalf("Read32: %v", err)
	}
	if got != 0xdeadbeef {
		t.Fatalf("Read32: got 0x%x, want 0xdeadbeef", got)
	}
}

func TestBusFetchCompressedVsFull(t *testing.T) {
	bus := NewBus(4096)

	// A compressed instruction has bits[1:0] != 0b11.
	bus.Write16(RAMBase, 0x4515) // c.li a0, 5
	insn, err := bus.Fetch(RAMBase)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if insn != 0x4515 {
		t.Fatalf("Fetch compressed: got 0x%x, want 0x4515", insn)
	}

	// A full-width instruction has bits[1:0] == 0b11.
	bus.Write32(RAMBase+4, 0x00a00513) // li a0, 10
	insn, err = bus.Fetch(RAMBase + 4)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if insn != 0x00a00513 {
		t.Fatalf("Fetch full: got 0x%x, want 0x00a00513", insn)
	}
}

func TestBusUnmappedAddress(t *testing.T) {
	bus := NewBus(4096)
	if _, err := bus.Read8(0x2000_0000); err == nil {
		t.Fatal("expected error reading unmapped address")
	}
}

func TestBusDeviceMapping(t *testing.T) {
	bus := NewBus(4096)
	uart := NewUART()
	bus.AddDevice(UARTBase, uart)

	if err := bus.Write8(UARTBase+UARTRegTHR, 'A'); err != nil {
		t.Fatalf("Write8 to UART: %v", err)
	}
	if out := uart.Drain(); string(out) != "A" {
		t.Fatalf("uart tx queue: got %q, want %q", out, "A")
	}
}

func TestBusReservationInvalidationOnOverlappingStore(t *testing.T) {
	bus := NewBus(4096)
	h := NewHart(0, RAMBase)
	bus.SetHarts([]*Hart{h})

	h.Reservation = RAMBase + 16
	h.ReservationValid = true

	if err := bus.Write64(RAMBase+16, 0); err != nil {
		t.Fatalf("Write64: %v", err)
	}
	if h.ReservationValid {
		t.Fatal("expected reservation to be invalidated by overlapping store")
	}
}

func TestBusLoadBytesRAMFastPath(t *testing.T) {
	bus := NewBus(4096)
	data := []byte{1, 2, 3, 4}
	if err := bus.LoadBytes(RAMBase+32, data); err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}
	for i, want := range data {
		got, err := bus.Read8(RAMBase + 32 + uint64(i))
		if err != nil {
			t.Fatalf("Read8: %v", err)
		}
		if got != want {
			t.Errorf("byte %d: got %d, want %d", i, got, want)
		}
	}
}
