package bluetooth

import (
	"sync"
	"sync/atomic"
)

const (
	// MaxConnections is the number of simultaneous connections the host can
	// service. This device only ever serves one central.
	MaxConnections = 1

	// MaxAdvertisingSets is the number of concurrent advertising sets. The
	// same data is advertised each window so a single set is enough.
	MaxAdvertisingSets = 1

	// MaxL2CAPChannels is the number of L2CAP channels across all
	// connections. Each connection needs two: LE signaling and ATT.
	MaxL2CAPChannels = 2

	// L2CAPMTU is the largest L2CAP payload the host will reassemble, and
	// so the largest ATT MTU it will agree to.
	L2CAPMTU = 251

	// PacketPoolSize is the number of packet buffers shared by the transport
	// reader and the attribute server.
	PacketPoolSize = 8
)

// Compile time capacity checks: these constants overflow if a capacity
// constant is set below its minimum.
const (
	_ uint = MaxConnections - 1
	_ uint = MaxAdvertisingSets - 1
	_ uint = MaxL2CAPChannels - 2*MaxConnections
	_ uint = PacketPoolSize - 2
)

const (
	hciACLHeaderLen = 4
	hciEvtHeaderLen = 2
	l2capHeaderLen  = 4

	maxPacketSize = hciACLHeaderLen + l2capHeaderLen + L2CAPMTU
)

// packet is a pooled buffer holding one HCI packet without its H4 indicator,
// or one reassembled ATT PDU.
type packet struct {
	kind byte
	n    int
	buf  [maxPacketSize]byte
}

func (p *packet) bytes() []byte { return p.buf[:p.n] }

// l2capChannel is a fixed L2CAP channel of a connection together with its
// reassembly buffer.
type l2capChannel struct {
	used   bool
	handle uint16
	cid    uint16

	expected int
	n        int
	buf      [l2capHeaderLen + L2CAPMTU]byte
}

func (c *l2capChannel) reset() {
	c.expected = 0
	c.n = 0
}

// resources is the fixed storage backing the host: connection slots,
// advertising sets, L2CAP channels and packet buffers. Its shape never
// changes after the pool is claimed.
type resources struct {
	mu          sync.Mutex
	connections [MaxConnections]*Connection
	advSets     [MaxAdvertisingSets]bool
	channels    [MaxL2CAPChannels]l2capChannel

	packets [PacketPoolSize]packet
	free    chan *packet
}

func (r *resources) reset() {
	r.free = make(chan *packet, PacketPoolSize)
	for i := range r.packets {
		r.free <- &r.packets[i]
	}
}

// resourceCell hands out its resources exactly once.
type resourceCell struct {
	claimed atomic.Bool
	res     resources
}

func (c *resourceCell) claim() *resources {
	if !c.claimed.CompareAndSwap(false, true) {
		panic("bluetooth: resource pool already claimed")
	}
	c.res.reset()
	return &c.res
}

// hostResources is the process wide pool used by NewHost.
var hostResources resourceCell

func (r *resources) acquirePacket() (*packet, error) {
	select {
	case p := <-r.free:
		p.n = 0
		p.kind = 0
		return p, nil
	default:
		return nil, ErrResourcesExhausted
	}
}

func (r *resources) releasePacket(p *packet) {
	if p == nil {
		return
	}
	r.free <- p
}

func (r *resources) acquireAdvertisingSet() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.advSets {
		if !r.advSets[i] {
			r.advSets[i] = true
			return i, nil
		}
	}
	return -1, ErrResourcesExhausted
}

func (r *resources) releaseAdvertisingSet(i int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if i >= 0 && i < len(r.advSets) {
		r.advSets[i] = false
	}
}

// advertising reports whether an advertising set is held.
func (r *resources) advertising() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, held := range r.advSets {
		if held {
			return true
		}
	}
	return false
}

// addConnection stores c in a free connection slot and claims its signaling
// and ATT channels. Either all of them are claimed or none.
func (r *resources) addConnection(c *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot := -1
	for i := range r.connections {
		if r.connections[i] == nil {
			slot = i
			break
		}
	}
	if slot < 0 {
		return ErrResourcesExhausted
	}

	var chans [2]*l2capChannel
	found := 0
	for i := range r.channels {
		if !r.channels[i].used {
			chans[found] = &r.channels[i]
			found++
			if found == len(chans) {
				break
			}
		}
	}
	if found < len(chans) {
		return ErrResourcesExhausted
	}

	for i, cid := range [2]uint16{signalingCID, attCID} {
		chans[i].used = true
		chans[i].handle = c.handle
		chans[i].cid = cid
		chans[i].reset()
	}
	r.connections[slot] = c

	return nil
}

func (r *resources) removeConnection(handle uint16) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	var c *Connection
	for i := range r.connections {
		if r.connections[i] != nil && r.connections[i].handle == handle {
			c = r.connections[i]
			r.connections[i] = nil
		}
	}
	for i := range r.channels {
		if r.channels[i].used && r.channels[i].handle == handle {
			r.channels[i] = l2capChannel{}
		}
	}

	return c
}

func (r *resources) findConnection(handle uint16) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.connections {
		if c != nil && c.handle == handle {
			return c
		}
	}
	return nil
}

func (r *resources) findChannel(handle, cid uint16) *l2capChannel {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.channels {
		ch := &r.channels[i]
		if ch.used && ch.handle == handle && ch.cid == cid {
			return ch
		}
	}
	return nil
}

func (r *resources) liveConnections() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, c := range r.connections {
		if c != nil {
			n++
		}
	}
	return n
}
