package bluetooth

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// attPDUKind marks a pool packet holding a reassembled ATT PDU.
const attPDUKind = 0xff

// attQueueDepth is the number of ATT PDUs buffered per connection. It is kept
// below the packet pool size so the transport reader always finds a buffer.
const attQueueDepth = 3

const (
	_ uint = PacketPoolSize - attQueueDepth - 4
)

// ConnectionParams are the link parameters in controller units.
type ConnectionParams struct {
	// Interval in 1.25ms units.
	Interval uint16
	Latency  uint16
	// Supervision timeout in 10ms units.
	Timeout uint16
}

// IntervalDuration returns the connection interval as a time.Duration.
func (p ConnectionParams) IntervalDuration() time.Duration {
	return time.Duration(p.Interval) * 1250 * time.Microsecond
}

// TimeoutDuration returns the supervision timeout as a time.Duration.
func (p ConnectionParams) TimeoutDuration() time.Duration {
	return time.Duration(p.Timeout) * 10 * time.Millisecond
}

// DisconnectReason is the HCI reason code of a terminated link.
type DisconnectReason uint8

const (
	DisconnectReasonConnectionTimeout       DisconnectReason = 0x08
	DisconnectReasonRemoteUserTerminated    DisconnectReason = 0x13
	DisconnectReasonRemoteLowResources      DisconnectReason = 0x14
	DisconnectReasonRemotePowerOff          DisconnectReason = 0x15
	DisconnectReasonLocalHostTerminated     DisconnectReason = 0x16
	DisconnectReasonUnacceptableParameters  DisconnectReason = 0x3b
	DisconnectReasonFailedToBeEstablished   DisconnectReason = 0x3e
	DisconnectReasonLimitedResourcesRefused DisconnectReason = hciRejectedLimitedResources
)

func (r DisconnectReason) String() string {
	switch r {
	case DisconnectReasonConnectionTimeout:
		return "connection timeout"
	case DisconnectReasonRemoteUserTerminated:
		return "remote user terminated connection"
	case DisconnectReasonRemoteLowResources:
		return "remote device terminated connection due to low resources"
	case DisconnectReasonRemotePowerOff:
		return "remote device terminated connection due to power off"
	case DisconnectReasonLocalHostTerminated:
		return "connection terminated by local host"
	case DisconnectReasonUnacceptableParameters:
		return "unacceptable connection parameters"
	case DisconnectReasonFailedToBeEstablished:
		return "connection failed to be established"
	case DisconnectReasonLimitedResourcesRefused:
		return "rejected due to limited resources"
	default:
		return fmt.Sprintf("reason 0x%02x", uint8(r))
	}
}

type connEvent struct {
	att    *packet
	params *ConnectionParams
}

// Connection is a live link to a central. It is created by the runner when
// the controller reports a new connection and handed out by
// Advertiser.Accept.
type Connection struct {
	stack  *stack
	id     uuid.UUID
	handle uint16
	peer   Address
	params ConnectionParams

	events chan connEvent
	done   chan struct{}
	reason DisconnectReason

	// ACL packets written and not yet completed by the controller.
	pending atomic.Int32

	// runner only
	rx *l2capChannel

	bound atomic.Bool
}

func newConnection(s *stack, handle uint16, peer Address, params ConnectionParams) *Connection {
	return &Connection{
		stack:  s,
		id:     s.newSessionID(),
		handle: handle,
		peer:   peer,
		params: params,
		events: make(chan connEvent, attQueueDepth),
		done:   make(chan struct{}),
	}
}

// ID identifies this connection in logs. It is unique per link.
func (c *Connection) ID() uuid.UUID { return c.id }

// Handle returns the controller's connection handle.
func (c *Connection) Handle() uint16 { return c.handle }

// Peer returns the address of the connected central.
func (c *Connection) Peer() Address { return c.peer }

// Params returns the parameters the link was established with.
func (c *Connection) Params() ConnectionParams { return c.params }

// Done is closed once the link is gone.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Disconnect asks the controller to terminate the link. The disconnection
// itself is reported through the connection's event stream.
func (c *Connection) Disconnect(ctx context.Context) error {
	select {
	case <-c.done:
		return ErrNotConnected
	default:
	}
	return c.stack.hci.disconnect(ctx, c.handle)
}

// closeWith is called by the runner once the controller reported the link as
// disconnected.
func (c *Connection) closeWith(reason DisconnectReason) {
	c.reason = reason
	close(c.done)
	c.drain()
}

func (c *Connection) drain() {
	for {
		select {
		case ev := <-c.events:
			c.stack.res.releasePacket(ev.att)
		default:
			return
		}
	}
}

func (c *Connection) pushParams(params ConnectionParams) bool {
	select {
	case c.events <- connEvent{params: &params}:
		return true
	default:
		return false
	}
}

// WithAttributeServer binds the connection to server so that its ATT
// requests can be answered. A connection can be bound only once.
func (c *Connection) WithAttributeServer(server *AttributeServer) (*GattConnection, error) {
	if !c.bound.CompareAndSwap(false, true) {
		return nil, configError("bind attribute server", ErrAlreadyBound)
	}

	slot, err := server.bind(c)
	if err != nil {
		c.bound.Store(false)
		return nil, configError("bind attribute server", err)
	}

	return &GattConnection{conn: c, server: server, slot: slot, mtu: defaultMTU}, nil
}

// GattConnectionEvent is one of DisconnectedEvent, ConnectionParamsUpdatedEvent
// or *GattEvent.
type GattConnectionEvent interface {
	gattConnectionEvent()
}

// DisconnectedEvent reports the end of the link. It is the last event of a
// connection.
type DisconnectedEvent struct {
	Reason DisconnectReason
}

// ConnectionParamsUpdatedEvent reports new link parameters.
type ConnectionParamsUpdatedEvent struct {
	Params ConnectionParams
}

func (DisconnectedEvent) gattConnectionEvent()            {}
func (ConnectionParamsUpdatedEvent) gattConnectionEvent() {}
func (*GattEvent) gattConnectionEvent()                   {}

// GattConnection is a connection bound to an attribute server.
type GattConnection struct {
	conn   *Connection
	server *AttributeServer
	slot   int

	// negotiated ATT MTU, used by the consumer only
	mtu uint16

	unbind sync.Once
}

// Connection returns the underlying link.
func (g *GattConnection) Connection() *Connection { return g.conn }

// MTU returns the ATT MTU negotiated on this connection.
func (g *GattConnection) MTU() uint16 { return g.mtu }

// Next waits for the next event on the connection. Once the link is gone it
// returns a DisconnectedEvent, on this and every later call.
func (g *GattConnection) Next(ctx context.Context) (GattConnectionEvent, error) {
	select {
	case <-g.conn.done:
		return g.disconnected(), nil
	default:
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-g.conn.done:
		return g.disconnected(), nil
	case ev := <-g.conn.events:
		if ev.att != nil {
			return &GattEvent{conn: g, pdu: ev.att}, nil
		}
		return ConnectionParamsUpdatedEvent{Params: *ev.params}, nil
	}
}

func (g *GattConnection) disconnected() DisconnectedEvent {
	g.unbind.Do(func() {
		g.server.unbind(g.slot)
		g.conn.drain()
	})
	return DisconnectedEvent{Reason: g.conn.reason}
}

// GattEvent is an ATT PDU received from the central.
type GattEvent struct {
	conn *GattConnection
	pdu  *packet
}

// Opcode returns the ATT opcode of the PDU.
func (e *GattEvent) Opcode() uint8 {
	if e.pdu == nil {
		return 0
	}
	return e.pdu.buf[0]
}

// Accept processes the PDU against the attribute server and returns the reply
// to send. A request that fails still yields the ATT error response in the
// reply, together with an error describing the failure. Commands that need
// no answer yield an empty reply.
func (e *GattEvent) Accept() (*Reply, error) {
	if e.pdu == nil {
		return &Reply{}, errors.New("bluetooth: gatt event already accepted")
	}
	defer func() {
		e.conn.conn.stack.res.releasePacket(e.pdu)
		e.pdu = nil
	}()

	resp, err := e.conn.server.handleRequest(&e.conn.mtu, e.pdu.bytes())
	return &Reply{conn: e.conn.conn, pdu: resp}, err
}

// Reply is an ATT PDU ready to be sent to the central.
type Reply struct {
	conn *Connection
	pdu  []byte
}

// Empty reports whether there is nothing to send.
func (r *Reply) Empty() bool { return len(r.pdu) == 0 }

// Bytes returns the raw ATT PDU.
func (r *Reply) Bytes() []byte { return r.pdu }

// Send writes the reply to the link. It blocks until the controller has
// buffer space for it.
func (r *Reply) Send(ctx context.Context) error {
	if r.Empty() {
		return nil
	}
	return r.conn.stack.hci.sendL2CAP(ctx, r.conn, attCID, r.pdu)
}
