package riscv

import (
	"fmt"

	"github.com/tinyrange/cc/internal/netstack"
)

// virtio-net queue indices (virtio spec §5.1.2): 0 is receive (host to
// guest), 1 is transmit (guest to host).
const (
	virtioNetQueueRX = 0
	virtioNetQueueTX = 1

	// virtioNetHdrLen is sizeof(struct virtio_net_hdr) without the
	// num_buffers field: this device does not negotiate
	// VIRTIO_NET_F_MRG_RXBUF, so every frame is prefixed with exactly this
	// many bytes (flags, gso_type, hdr_len, gso_size, csum_start,
	// csum_offset), all zero since no offload is implemented.
	virtioNetHdrLen = 10

	virtioNetFMAC = 1 << 5
)

// VirtIONet is a legacy virtio-mmio network device backed by the
// userspace network stack in internal/netstack: guest frames handed to the
// transmit queue are delivered into the stack, and frames the stack wants
// to deliver to the guest are written into pre-posted receive buffers.
type VirtIONet struct {
	mmio *VirtIOMMIO
	mac  [6]byte

	iface *netstack.NetworkInterface

	// rxFree holds descriptor indices the guest has posted on the receive
	// queue that are not yet filled with an incoming frame.
	rxFree []uint16
}

// NewVirtIONet wires a net device over stack onto bus, raising irqSource
// through setIRQ when a frame is delivered or a transmit completes. mac is
// the guest-visible hardware address reported in the virtio config space.
func NewVirtIONet(bus *Bus, stack *netstack.NetStack, mac [6]byte, irqSource uint32, setIRQ func(pending bool)) (*VirtIONet, error) {
	if err := stack.SetGuestMAC(mac[:]); err != nil {
		return nil, fmt.Errorf("virtio-net: set guest mac: %w", err)
	}
	iface, err := stack.AttachNetworkInterface()
	if err != nil {
		return nil, fmt.Errorf("virtio-net: attach interface: %w", err)
	}

	net := &VirtIONet{mac: mac, iface: iface}
	net.mmio = NewVirtIOMMIO(bus, net, 2, irqSource, setIRQ)
	iface.AttachVirtioBackend(net.deliverToGuest)
	return net, nil
}

func (n *VirtIONet) Read(offset uint64, size int) (uint64, error)  { return n.mmio.Read(offset, size) }
func (n *VirtIONet) Write(offset uint64, size int, value uint64) error {
	return n.mmio.Write(offset, size, value)
}
func (n *VirtIONet) Size() uint64 { return n.mmio.Size() }

func (n *VirtIONet) deviceID() uint32     { return 1 } // VIRTIO_ID_NET
func (n *VirtIONet) hostFeatures() uint32 { return virtioNetFMAC }

func (n *VirtIONet) config() []byte {
	return n.mac[:]
}

// handleQueue is invoked by VirtIOMMIO.processQueue for both queues. The
// receive queue only ever posts empty buffers (recorded in rxFree, not
// consumed here); the transmit queue carries frames to hand to the stack.
func (n *VirtIONet) handleQueue(v *VirtIOMMIO, queueIdx uint32, descIdx uint16) (uint32, bool, error) {
	switch queueIdx {
	case virtioNetQueueRX:
		n.rxFree = append(n.rxFree, descIdx)
		return 0, false, nil

	case virtioNetQueueTX:
		frame, _, err := v.readDescChain(queueIdx, descIdx)
		if err != nil {
			return 0, false, fmt.Errorf("read tx frame: %w", err)
		}
		if len(frame) < virtioNetHdrLen {
			return 0, true, fmt.Errorf("short tx frame: %d bytes", len(frame))
		}
		if err := n.iface.DeliverGuestPacket(frame[virtioNetHdrLen:], nil); err != nil {
			return 0, true, fmt.Errorf("deliver guest packet: %w", err)
		}
		return 0, true, nil

	default:
		return 0, true, fmt.Errorf("virtio-net: unexpected queue %d", queueIdx)
	}
}

// deliverToGuest is called by the netstack whenever a frame addressed to
// the guest's MAC is ready; it is handed to the next free receive buffer
// the guest has posted, or dropped if none is available.
func (n *VirtIONet) deliverToGuest(frame []byte) error {
	if len(n.rxFree) == 0 {
		return nil // no receive buffer posted; drop, matching a real NIC under backpressure
	}

	descIdx := n.rxFree[0]
	n.rxFree = n.rxFree[1:]

	buf := make([]byte, virtioNetHdrLen+len(frame))
	copy(buf[virtioNetHdrLen:], frame)

	written, err := n.mmio.writeDescChain(virtioNetQueueRX, descIdx, buf)
	if err != nil {
		return fmt.Errorf("write rx frame: %w", err)
	}
	return n.mmio.consumeDesc(virtioNetQueueRX, descIdx, written)
}

var _ Device = (*VirtIONet)(nil)
var _ virtioBackend = (*VirtIONet)(nil)
