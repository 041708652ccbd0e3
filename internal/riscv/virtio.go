package riscv

import "fmt"

// VirtIO MMIO register offsets (legacy interface, virtio spec 1.0 §4.2.4).
// xv6's virtio_disk.c drives exactly this register set — QueuePFN/QueueAlign,
// no QueueReady/QueueDesc*/QueueDevice* — so this implementation targets the
// legacy layout rather than the newer (v2) split-descriptor MMIO registers.
const (
	virtioRegMagic          = 0x000
	virtioRegVersion        = 0x004
	virtioRegDeviceID       = 0x008
	virtioRegVendorID       = 0x00c
	virtioRegHostFeatures   = 0x010
	virtioRegHostFeaturesSel = 0x014
	virtioRegGuestFeatures  = 0x020
	virtioRegGuestFeaturesSel = 0x024
	virtioRegGuestPageSize  = 0x028
	virtioRegQueueSel       = 0x030
	virtioRegQueueNumMax    = 0x034
	virtioRegQueueNum       = 0x038
	virtioRegQueueAlign     = 0x03c
	virtioRegQueuePFN       = 0x040
	virtioRegQueueNotify    = 0x044
	virtioRegInterruptStatus = 0x060
	virtioRegInterruptACK   = 0x064
	virtioRegStatus         = 0x070
	virtioConfigOffset      = 0x100

	virtioMagicValue   = 0x74726976
	virtioVersionLegacy = 1
	virtioQueueNumMax  = 8

	vringDescFNext  = 1
	vringDescFWrite = 2
)

// virtioBackend is implemented by a concrete device (block, net) to answer
// queue notifications and report identity/feature bits.
type virtioBackend interface {
	deviceID() uint32
	hostFeatures() uint32
	config() []byte
	// handleQueue is called once per newly-available descriptor chain on
	// queueIdx, starting at descIdx. It must read the request out of the
	// chain with readDescChain and write any response with writeDescChain.
	// written is the used-ring length field; consume is false when the
	// backend has taken ownership of descIdx itself (e.g. a posted,
	// not-yet-filled receive buffer) and the transport must not publish it
	// on the used ring yet.
	handleQueue(v *VirtIOMMIO, queueIdx uint32, descIdx uint16) (written uint32, consume bool, err error)
}

type virtqueueState struct {
	num          uint32
	align        uint32
	pfn          uint32
	lastAvailIdx uint16
}

func (q *virtqueueState) descTableAddr(pageSize uint32) uint64 {
	return uint64(q.pfn) * uint64(pageSize)
}

func (q *virtqueueState) availAddr(pageSize uint32) uint64 {
	return q.descTableAddr(pageSize) + 16*uint64(q.num)
}

func (q *virtqueueState) usedAddr(pageSize uint32) uint64 {
	avail := q.availAddr(pageSize) + 4 + 2*uint64(q.num) + 2
	align := uint64(q.align)
	if align == 0 {
		align = 4096
	}
	return (avail + align - 1) &^ (align - 1)
}

// VirtIOMMIO is a legacy virtio-mmio transport shared by the block and net
// device models; it owns the register file and descriptor-ring walking, and
// dispatches newly-available requests to a virtioBackend.
type VirtIOMMIO struct {
	bus     *Bus
	backend virtioBackend
	irq     uint32
	onIRQ   func(pending bool)

	guestPageSize uint32
	featuresSel   uint32
	queueSel      uint32
	queues        []virtqueueState
	status        uint32
	intStatus     uint32
}

// NewVirtIOMMIO creates a transport for backend with numQueues virtqueues,
// bound to bus for descriptor ring access, raising irqSource on the PLIC
// (via setIRQ) when a request completes.
func NewVirtIOMMIO(bus *Bus, backend virtioBackend, numQueues int, irqSource uint32, setIRQ func(pending bool)) *VirtIOMMIO {
	queues := make([]virtqueueState, numQueues)
	for i := range queues {
		queues[i].align = 4096
	}
	return &VirtIOMMIO{
		bus:           bus,
		backend:       backend,
		irq:           irqSource,
		onIRQ:         setIRQ,
		guestPageSize: 4096,
		queues:        queues,
	}
}

func (v *VirtIOMMIO) Size() uint64 { return VirtIOBlkSize }

func (v *VirtIOMMIO) Read(offset uint64, size int) (uint64, error) {
	if offset >= virtioConfigOffset {
		cfg := v.backend.config()
		off := offset - virtioConfigOffset
		if off+uint64(size) > uint64(len(cfg)) {
			return 0, nil
		}
		var val uint64
		for i := 0; i < size; i++ {
			val |= uint64(cfg[off+uint64(i)]) << (8 * i)
		}
		return val, nil
	}

	switch offset {
	case virtioRegMagic:
		return virtioMagicValue, nil
	case virtioRegVersion:
		return virtioVersionLegacy, nil
	case virtioRegDeviceID:
		return uint64(v.backend.deviceID()), nil
	case virtioRegVendorID:
		return 0xffff, nil
	case virtioRegHostFeatures:
		if v.featuresSel == 0 {
			return uint64(v.backend.hostFeatures()), nil
		}
		return 0, nil
	case virtioRegQueueNumMax:
		return virtioQueueNumMax, nil
	case virtioRegQueuePFN:
		return uint64(v.queues[v.queueSel].pfn), nil
	case virtioRegInterruptStatus:
		return uint64(v.intStatus), nil
	case virtioRegStatus:
		return uint64(v.status), nil
	default:
		return 0, nil
	}
}

func (v *VirtIOMMIO) Write(offset uint64, size int, value uint64) error {
	switch offset {
	case virtioRegHostFeaturesSel:
		v.featuresSel = uint32(value)
	case virtioRegGuestFeatures, virtioRegGuestFeaturesSel:
		// Feature negotiation acknowledged; nothing to store.
	case virtioRegGuestPageSize:
		v.guestPageSize = uint32(value)
	case virtioRegQueueSel:
		if int(value) < len(v.queues) {
			v.queueSel = uint32(value)
		}
	case virtioRegQueueNum:
		v.queues[v.queueSel].num = uint32(value)
	case virtioRegQueueAlign:
		v.queues[v.queueSel].align = uint32(value)
	case virtioRegQueuePFN:
		v.queues[v.queueSel].pfn = uint32(value)
	case virtioRegQueueNotify:
		if int(value) < len(v.queues) {
			if err := v.processQueue(uint32(value)); err != nil {
				return err
			}
		}
	case virtioRegInterruptACK:
		v.intStatus &^= uint32(value)
		if v.intStatus == 0 && v.onIRQ != nil {
			v.onIRQ(false)
		}
	case virtioRegStatus:
		v.status = uint32(value)
		if v.status == 0 {
			v.reset()
		}
	}
	return nil
}

func (v *VirtIOMMIO) reset() {
	for i := range v.queues {
		v.queues[i] = virtqueueState{align: 4096}
	}
	v.intStatus = 0
	if v.onIRQ != nil {
		v.onIRQ(false)
	}
}

// processQueue walks every newly-available descriptor chain on queueIdx
// since the last notification and hands each to the backend.
func (v *VirtIOMMIO) processQueue(queueIdx uint32) error {
	q := &v.queues[queueIdx]
	if q.num == 0 {
		return nil
	}

	availIdx, err := v.bus.Read16(q.availAddr(v.guestPageSize) + 2)
	if err != nil {
		return fmt.Errorf("virtio: read avail idx: %w", err)
	}

	for q.lastAvailIdx != availIdx {
		ringSlot := q.availAddr(v.guestPageSize) + 4 + uint64(q.lastAvailIdx%uint16(q.num))*2
		descIdx, err := v.bus.Read16(ringSlot)
		if err != nil {
			return fmt.Errorf("virtio: read avail ring: %w", err)
		}

		written, consume, err := v.backend.handleQueue(v, queueIdx, descIdx)
		if err != nil {
			return fmt.Errorf("virtio: handle queue %d desc %d: %w", queueIdx, descIdx, err)
		}

		if consume {
			if err := v.consumeDesc(queueIdx, descIdx, written); err != nil {
				return err
			}
		}

		q.lastAvailIdx++
	}

	return nil
}

// consumeDesc publishes descIdx on the used ring and raises the IRQ line.
func (v *VirtIOMMIO) consumeDesc(queueIdx uint32, descIdx uint16, writtenLen uint32) error {
	q := &v.queues[queueIdx]
	used := q.usedAddr(v.guestPageSize)

	usedIdx, err := v.bus.Read16(used + 2)
	if err != nil {
		return err
	}
	slot := used + 4 + uint64(usedIdx%uint16(q.num))*8
	if err := v.bus.Write32(slot, uint32(descIdx)); err != nil {
		return err
	}
	if err := v.bus.Write32(slot+4, writtenLen); err != nil {
		return err
	}
	if err := v.bus.Write16(used+2, usedIdx+1); err != nil {
		return err
	}

	v.intStatus |= 1
	if v.onIRQ != nil {
		v.onIRQ(true)
	}
	return nil
}

type virtqDesc struct {
	addr  uint64
	len   uint32
	flags uint16
	next  uint16
}

func (v *VirtIOMMIO) readDesc(queueIdx uint32, descIdx uint16) (virtqDesc, error) {
	q := &v.queues[queueIdx]
	base := q.descTableAddr(v.guestPageSize) + uint64(descIdx)*16

	addr, err := v.bus.Read64(base)
	if err != nil {
		return virtqDesc{}, err
	}
	length, err := v.bus.Read32(base + 8)
	if err != nil {
		return virtqDesc{}, err
	}
	flags, err := v.bus.Read16(base + 12)
	if err != nil {
		return virtqDesc{}, err
	}
	next, err := v.bus.Read16(base + 14)
	if err != nil {
		return virtqDesc{}, err
	}

	return virtqDesc{addr: addr, len: length, flags: flags, next: next}, nil
}

// readDescChain copies every read-only (device-readable) descriptor in the
// chain starting at descIdx into a single contiguous buffer.
func (v *VirtIOMMIO) readDescChain(queueIdx uint32, descIdx uint16) ([]byte, uint16, error) {
	var out []byte
	for {
		d, err := v.readDesc(queueIdx, descIdx)
		if err != nil {
			return nil, 0, err
		}
		if d.flags&vringDescFWrite != 0 {
			return out, descIdx, nil
		}
		buf := make([]byte, d.len)
		for i := range buf {
			b, err := v.bus.Read8(d.addr + uint64(i))
			if err != nil {
				return nil, 0, err
			}
			buf[i] = b
		}
		out = append(out, buf...)
		if d.flags&vringDescFNext == 0 {
			return out, descIdx, nil
		}
		descIdx = d.next
	}
}

// writeDescChain copies buf into the device-writable descriptors of the
// chain starting at writeDescIdx (the first write=1 descriptor), returning
// the total number of bytes actually written.
func (v *VirtIOMMIO) writeDescChain(queueIdx uint32, writeDescIdx uint16, buf []byte) (uint32, error) {
	var total uint32
	descIdx := writeDescIdx
	for len(buf) > 0 {
		d, err := v.readDesc(queueIdx, descIdx)
		if err != nil {
			return total, err
		}
		if d.flags&vringDescFWrite == 0 {
			return total, fmt.Errorf("virtio: expected writable descriptor")
		}
		n := uint32(len(buf))
		if n > d.len {
			n = d.len
		}
		for i := uint32(0); i < n; i++ {
			if err := v.bus.Write8(d.addr+uint64(i), buf[i]); err != nil {
				return total, err
			}
		}
		total += n
		buf = buf[n:]
		if len(buf) == 0 {
			break
		}
		if d.flags&vringDescFNext == 0 {
			return total, fmt.Errorf("virtio: descriptor chain too short")
		}
		descIdx = d.next
	}
	return total, nil
}

var _ Device = (*VirtIOMMIO)(nil)
