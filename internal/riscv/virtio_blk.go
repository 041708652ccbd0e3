package riscv

import (
	"encoding/binary"
	"fmt"
)

const virtioSectorSize = 512

// VIRTIO_BLK request types (virtio spec §5.2.6).
const (
	virtioBlkTIn  = 0
	virtioBlkTOut = 1
)

// VirtIOBlk is a legacy virtio-mmio block device backed by an in-memory
// disk image. xv6's virtio_disk.c only ever issues single-descriptor-per-
// direction IN/OUT requests against it, so more exotic request types
// (flush, discard, write-zeroes) are not implemented.
type VirtIOBlk struct {
	mmio  *VirtIOMMIO
	disk  []byte
}

// NewVirtIOBlk wires a block device over disk image contents onto bus,
// raising irqSource through setIRQ when a request completes.
func NewVirtIOBlk(bus *Bus, disk []byte, irqSource uint32, setIRQ func(pending bool)) *VirtIOBlk {
	blk := &VirtIOBlk{disk: disk}
	blk.mmio = NewVirtIOMMIO(bus, blk, 1, irqSource, setIRQ)
	return blk
}

func (blk *VirtIOBlk) Read(offset uint64, size int) (uint64, error)  { return blk.mmio.Read(offset, size) }
func (blk *VirtIOBlk) Write(offset uint64, size int, value uint64) error {
	return blk.mmio.Write(offset, size, value)
}
func (blk *VirtIOBlk) Size() uint64 { return blk.mmio.Size() }

func (blk *VirtIOBlk) deviceID() uint32     { return 2 } // VIRTIO_ID_BLOCK
func (blk *VirtIOBlk) hostFeatures() uint32 { return 0 }

func (blk *VirtIOBlk) config() []byte {
	var cfg [8]byte
	binary.LittleEndian.PutUint64(cfg[:], uint64(len(blk.disk))/virtioSectorSize)
	return cfg[:]
}

func (blk *VirtIOBlk) handleQueue(v *VirtIOMMIO, queueIdx uint32, descIdx uint16) (uint32, bool, error) {
	read, writeDescIdx, err := v.readDescChain(queueIdx, descIdx)
	if err != nil {
		return 0, false, fmt.Errorf("read request: %w", err)
	}
	if len(read) < 16 {
		return 0, false, fmt.Errorf("short block request header: %d bytes", len(read))
	}

	reqType := binary.LittleEndian.Uint32(read[0:4])
	sector := binary.LittleEndian.Uint64(read[8:16])

	switch reqType {
	case virtioBlkTIn:
		// Device-writable region is [data][1-byte status]; length is implied
		// by the descriptor chain, so infer it by probing the write side.
		dataLen, err := blk.writableLen(v, queueIdx, writeDescIdx)
		if err != nil {
			return 0, false, err
		}
		if dataLen < 1 {
			return 0, false, fmt.Errorf("block IN request has no writable space")
		}
		payload := dataLen - 1

		buf := make([]byte, dataLen)
		buf[dataLen-1] = 0 // VIRTIO_BLK_S_OK
		if err := blk.readSectors(buf[:payload], sector); err != nil {
			buf[dataLen-1] = 1 // VIRTIO_BLK_S_IOERR
		}

		written, err := v.writeDescChain(queueIdx, writeDescIdx, buf)
		return written, true, err

	case virtioBlkTOut:
		data := read[16:]
		status := []byte{0} // VIRTIO_BLK_S_OK
		if err := blk.writeSectors(data, sector); err != nil {
			status[0] = 1 // VIRTIO_BLK_S_IOERR
		}
		written, err := v.writeDescChain(queueIdx, writeDescIdx, status)
		return written, true, err

	default:
		status := []byte{2} // VIRTIO_BLK_S_UNSUPP
		written, err := v.writeDescChain(queueIdx, writeDescIdx, status)
		return written, true, err
	}
}

// writableLen sums the length of every device-writable descriptor in the
// chain starting at descIdx, without copying any data.
func (blk *VirtIOBlk) writableLen(v *VirtIOMMIO, queueIdx uint32, descIdx uint16) (uint32, error) {
	var total uint32
	for {
		d, err := v.readDesc(queueIdx, descIdx)
		if err != nil {
			return 0, err
		}
		total += d.len
		if d.flags&vringDescFNext == 0 {
			return total, nil
		}
		descIdx = d.next
	}
}

func (blk *VirtIOBlk) readSectors(buf []byte, sector uint64) error {
	off := sector * virtioSectorSize
	if off+uint64(len(buf)) > uint64(len(blk.disk)) {
		return fmt.Errorf("block read out of range: sector=%d len=%d", sector, len(buf))
	}
	copy(buf, blk.disk[off:])
	return nil
}

func (blk *VirtIOBlk) writeSectors(buf []byte, sector uint64) error {
	off := sector * virtioSectorSize
	if off+uint64(len(buf)) > uint64(len(blk.disk)) {
		return fmt.Errorf("block write out of range: sector=%d len=%d", sector, len(buf))
	}
	copy(blk.disk[off:], buf)
	return nil
}

var _ Device = (*VirtIOBlk)(nil)
var _ virtioBackend = (*VirtIOBlk)(nil)
