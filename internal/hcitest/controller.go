// Package hcitest provides an in-memory HCI controller speaking H4 framing,
// for exercising the host without radio hardware.
package hcitest

import (
	"encoding/binary"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Opcodes of the commands the host sends.
const (
	OpDisconnect                 uint16 = 0x0406
	OpSetEventMask               uint16 = 0x0c01
	OpReset                      uint16 = 0x0c03
	OpReadBufferSize             uint16 = 0x1005
	OpReadBDAddr                 uint16 = 0x1009
	OpLESetEventMask             uint16 = 0x2001
	OpLEReadBufferSize           uint16 = 0x2002
	OpLESetRandomAddress         uint16 = 0x2005
	OpLESetAdvertisingParameters uint16 = 0x2006
	OpLESetAdvertisingData       uint16 = 0x2008
	OpLESetScanResponseData      uint16 = 0x2009
	OpLESetAdvertiseEnable       uint16 = 0x200a
	OpLEParamRequestReply        uint16 = 0x2020
)

const (
	h4Command = 0x01
	h4ACL     = 0x02
	h4Event   = 0x04

	evtDisconnComplete = 0x05
	evtCmdComplete     = 0x0e
	evtCmdStatus       = 0x0f
	evtHardwareError   = 0x10
	evtNumCompPkts     = 0x13
	evtLEMeta          = 0x3e

	// ReasonLocalHostTerminated is reported when the host asked for the
	// disconnection.
	ReasonLocalHostTerminated = 0x16
	// ReasonRemoteUserTerminated is the usual reason a central hangs up with.
	ReasonRemoteUserTerminated = 0x13
)

// Command is an HCI command received from the host.
type Command struct {
	Opcode uint16
	Params []byte
}

// Frame is an L2CAP frame received from the host, reassembled from its ACL
// fragments.
type Frame struct {
	Handle    uint16
	CID       uint16
	Payload   []byte
	Fragments int
}

// Controller is the controller side of an H4 link. The host reads from and
// writes to it like a serial port.
type Controller struct {
	// ACLBufferLen and ACLBufferCount are reported by LE Read Buffer Size.
	ACLBufferLen   uint16
	ACLBufferCount uint8
	// SharedBuffers makes LE Read Buffer Size report no LE buffers, so the
	// host has to fall back to Read Buffer Size.
	SharedBuffers bool
	// HoldCredits stops the controller from completing ACL packets.
	HoldCredits bool
	// Address is returned by Read BD_ADDR, little endian.
	Address [6]byte

	r *io.PipeReader
	w *io.PipeWriter

	mu       sync.Mutex
	cond     *sync.Cond
	queue    [][]byte
	closed   bool
	closeErr error
	status   map[uint16]uint8
	silent   map[uint16]bool
	history  []Command
	rx       map[uint16]*Frame

	commands chan Command
	frames   chan Frame
}

// New returns a controller with 27 byte, 4 packet ACL buffers.
func New() *Controller {
	r, w := io.Pipe()
	c := &Controller{
		ACLBufferLen:   27,
		ACLBufferCount: 4,
		r:              r,
		w:              w,
		status:         make(map[uint16]uint8),
		silent:         make(map[uint16]bool),
		rx:             make(map[uint16]*Frame),
		commands:       make(chan Command, 256),
		frames:         make(chan Frame, 64),
	}
	c.cond = sync.NewCond(&c.mu)

	go c.writeLoop()

	return c
}

func (c *Controller) writeLoop() {
	for {
		c.mu.Lock()
		for len(c.queue) == 0 && !c.closed {
			c.cond.Wait()
		}
		if len(c.queue) == 0 {
			err := c.closeErr
			c.mu.Unlock()
			c.w.CloseWithError(err)
			return
		}
		pkt := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		if _, err := c.w.Write(pkt); err != nil {
			return
		}
	}
}

func (c *Controller) enqueue(pkt []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.queue = append(c.queue, pkt)
	c.cond.Signal()
}

// Read delivers controller to host packets.
func (c *Controller) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// Write accepts exactly one H4 packet per call from the host.
func (c *Controller) Write(p []byte) (int, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return 0, io.ErrClosedPipe
	}
	if len(p) == 0 {
		return 0, nil
	}

	switch p[0] {
	case h4Command:
		if len(p) < 4 || len(p) != 4+int(p[3]) {
			return 0, errors.Errorf("hcitest: malformed command %x", p)
		}
		c.handleCommand(Command{
			Opcode: binary.LittleEndian.Uint16(p[1:]),
			Params: append([]byte{}, p[4:]...),
		})

	case h4ACL:
		if len(p) < 5 || len(p) != 5+int(binary.LittleEndian.Uint16(p[3:])) {
			return 0, errors.Errorf("hcitest: malformed acl packet %x", p)
		}
		hdr := binary.LittleEndian.Uint16(p[1:])
		c.handleACL(hdr&0x0fff, hdr>>12&0x03, p[5:])

	default:
		return 0, errors.Errorf("hcitest: unknown packet indicator 0x%02x", p[0])
	}

	return len(p), nil
}

// Close ends the link. The host sees io.EOF.
func (c *Controller) Close() error {
	return c.CloseWithError(io.EOF)
}

// CloseWithError ends the link after the queued packets. The host's next
// read fails with err.
func (c *Controller) CloseWithError(err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		c.closeErr = err
		c.cond.Broadcast()
	}
	return nil
}

// FailCommand makes every later command with opcode complete with status.
func (c *Controller) FailCommand(opcode uint16, status uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status[opcode] = status
}

// IgnoreCommand makes the controller never answer opcode.
func (c *Controller) IgnoreCommand(opcode uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.silent[opcode] = true
}

// Commands returns every command received so far.
func (c *Controller) Commands() []Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Command{}, c.history...)
}

// WaitCommand discards received commands until one with opcode arrives.
func (c *Controller) WaitCommand(opcode uint16, timeout time.Duration) (Command, bool) {
	deadline := time.After(timeout)
	for {
		select {
		case cmd := <-c.commands:
			if cmd.Opcode == opcode {
				return cmd, true
			}
		case <-deadline:
			return Command{}, false
		}
	}
}

// WaitAdvertising waits for the host to enable advertising.
func (c *Controller) WaitAdvertising(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case cmd := <-c.commands:
			if cmd.Opcode == OpLESetAdvertiseEnable && len(cmd.Params) == 1 && cmd.Params[0] == 1 {
				return true
			}
		case <-deadline:
			return false
		}
	}
}

// ReadFrame returns the next L2CAP frame sent by the host.
func (c *Controller) ReadFrame(timeout time.Duration) (Frame, bool) {
	select {
	case f := <-c.frames:
		return f, true
	case <-time.After(timeout):
		return Frame{}, false
	}
}

func (c *Controller) handleCommand(cmd Command) {
	c.mu.Lock()
	c.history = append(c.history, cmd)
	status, failed := c.status[cmd.Opcode]
	silent := c.silent[cmd.Opcode]
	c.mu.Unlock()

	select {
	case c.commands <- cmd:
	default:
	}

	if silent {
		return
	}
	if failed {
		c.commandComplete(cmd.Opcode, status, nil)
		return
	}

	switch cmd.Opcode {
	case OpDisconnect:
		c.SendEvent(evtCmdStatus, []byte{0x00, 0x01, byte(cmd.Opcode), byte(cmd.Opcode >> 8)})
		if len(cmd.Params) == 3 {
			c.Disconnect(binary.LittleEndian.Uint16(cmd.Params), ReasonLocalHostTerminated)
		}

	case OpLEReadBufferSize:
		ret := make([]byte, 3)
		if !c.SharedBuffers {
			binary.LittleEndian.PutUint16(ret, c.ACLBufferLen)
			ret[2] = c.ACLBufferCount
		}
		c.commandComplete(cmd.Opcode, 0, ret)

	case OpReadBufferSize:
		ret := make([]byte, 7)
		binary.LittleEndian.PutUint16(ret[0:], c.ACLBufferLen)
		ret[2] = 64
		binary.LittleEndian.PutUint16(ret[3:], uint16(c.ACLBufferCount))
		binary.LittleEndian.PutUint16(ret[5:], 1)
		c.commandComplete(cmd.Opcode, 0, ret)

	case OpReadBDAddr:
		c.commandComplete(cmd.Opcode, 0, c.Address[:])

	case OpLEParamRequestReply:
		var ret []byte
		if len(cmd.Params) >= 2 {
			ret = cmd.Params[:2]
		}
		c.commandComplete(cmd.Opcode, 0, ret)

	default:
		c.commandComplete(cmd.Opcode, 0, nil)
	}
}

func (c *Controller) commandComplete(opcode uint16, status uint8, ret []byte) {
	params := []byte{0x01, byte(opcode), byte(opcode >> 8), status}
	c.SendEvent(evtCmdComplete, append(params, ret...))
}

func (c *Controller) handleACL(handle, boundary uint16, data []byte) {
	c.mu.Lock()
	f := c.rx[handle]
	switch boundary {
	case 0x00, 0x02:
		f = nil
		if len(data) >= 4 {
			f = &Frame{Handle: handle, CID: binary.LittleEndian.Uint16(data[2:])}
			want := int(binary.LittleEndian.Uint16(data[0:]))
			f.Payload = make([]byte, 0, want)
			data = data[4:]
		}
	}
	var done *Frame
	if f != nil {
		f.Payload = append(f.Payload, data...)
		f.Fragments++
		if len(f.Payload) == cap(f.Payload) {
			done = f
			f = nil
		}
	}
	c.rx[handle] = f
	hold := c.HoldCredits
	c.mu.Unlock()

	if done != nil {
		select {
		case c.frames <- *done:
		default:
		}
	}
	if !hold {
		c.CompletePackets(handle, 1)
	}
}

// CompletePackets reports count ACL packets on handle as sent.
func (c *Controller) CompletePackets(handle uint16, count uint16) {
	var b [5]byte
	b[0] = 1
	binary.LittleEndian.PutUint16(b[1:], handle)
	binary.LittleEndian.PutUint16(b[3:], count)
	c.SendEvent(evtNumCompPkts, b[:])
}

// SendEvent queues an HCI event for the host.
func (c *Controller) SendEvent(code byte, params []byte) {
	pkt := make([]byte, 0, 3+len(params))
	pkt = append(pkt, h4Event, code, byte(len(params)))
	c.enqueue(append(pkt, params...))
}

// Connect reports a new link from a central at peer, a public address in
// little endian order. The link uses a 30ms interval and 4s supervision
// timeout.
func (c *Controller) Connect(handle uint16, peer [6]byte) {
	var b [19]byte
	b[0] = 0x01
	b[1] = 0x00
	binary.LittleEndian.PutUint16(b[2:], handle)
	b[4] = 0x01
	b[5] = 0x00
	copy(b[6:], peer[:])
	binary.LittleEndian.PutUint16(b[12:], 24)
	binary.LittleEndian.PutUint16(b[14:], 0)
	binary.LittleEndian.PutUint16(b[16:], 400)
	b[18] = 0x00
	c.SendEvent(evtLEMeta, b[:])
}

// ConnectEnhanced reports a new link with the LE Enhanced Connection Complete
// subevent, as controllers with privacy support do. Both resolvable private
// address fields are filled with 0xee.
func (c *Controller) ConnectEnhanced(handle uint16, peerType uint8, peer [6]byte, interval, latency, timeout uint16) {
	var b [31]byte
	b[0] = 0x0a
	binary.LittleEndian.PutUint16(b[2:], handle)
	b[4] = 0x01
	b[5] = peerType
	copy(b[6:], peer[:])
	for i := 12; i < 24; i++ {
		b[i] = 0xee
	}
	binary.LittleEndian.PutUint16(b[24:], interval)
	binary.LittleEndian.PutUint16(b[26:], latency)
	binary.LittleEndian.PutUint16(b[28:], timeout)
	c.SendEvent(evtLEMeta, b[:])
}

// ConnectFailed reports a connection attempt that ended with status.
func (c *Controller) ConnectFailed(status uint8) {
	var b [19]byte
	b[0] = 0x01
	b[1] = status
	c.SendEvent(evtLEMeta, b[:])
}

// Disconnect reports the link as gone.
func (c *Controller) Disconnect(handle uint16, reason uint8) {
	var b [4]byte
	binary.LittleEndian.PutUint16(b[1:], handle)
	b[3] = reason
	c.SendEvent(evtDisconnComplete, b[:])
}

// UpdateConnection reports new link parameters.
func (c *Controller) UpdateConnection(handle, interval, latency, timeout uint16) {
	var b [10]byte
	b[0] = 0x03
	binary.LittleEndian.PutUint16(b[2:], handle)
	binary.LittleEndian.PutUint16(b[4:], interval)
	binary.LittleEndian.PutUint16(b[6:], latency)
	binary.LittleEndian.PutUint16(b[8:], timeout)
	c.SendEvent(evtLEMeta, b[:])
}

// RequestConnectionParams reports a remote connection parameter request.
func (c *Controller) RequestConnectionParams(handle, minInterval, maxInterval, latency, timeout uint16) {
	var b [11]byte
	b[0] = 0x06
	binary.LittleEndian.PutUint16(b[1:], handle)
	binary.LittleEndian.PutUint16(b[3:], minInterval)
	binary.LittleEndian.PutUint16(b[5:], maxInterval)
	binary.LittleEndian.PutUint16(b[7:], latency)
	binary.LittleEndian.PutUint16(b[9:], timeout)
	c.SendEvent(evtLEMeta, b[:])
}

// HardwareError reports a controller hardware failure.
func (c *Controller) HardwareError(code uint8) {
	c.SendEvent(evtHardwareError, []byte{code})
}

// SendACL queues a raw ACL packet.
func (c *Controller) SendACL(handle, boundary uint16, data []byte) {
	pkt := make([]byte, 5, 5+len(data))
	pkt[0] = h4ACL
	binary.LittleEndian.PutUint16(pkt[1:], handle|boundary<<12)
	binary.LittleEndian.PutUint16(pkt[3:], uint16(len(data)))
	c.enqueue(append(pkt, data...))
}

// SendL2CAP queues payload as an L2CAP frame on cid, split into ACL
// fragments of at most fragLen bytes. A fragLen of 0 sends one fragment.
func (c *Controller) SendL2CAP(handle, cid uint16, payload []byte, fragLen int) {
	frame := make([]byte, 4, 4+len(payload))
	binary.LittleEndian.PutUint16(frame[0:], uint16(len(payload)))
	binary.LittleEndian.PutUint16(frame[2:], cid)
	frame = append(frame, payload...)

	if fragLen <= 0 {
		fragLen = len(frame)
	}
	boundary := uint16(0x02)
	for off := 0; off < len(frame); off += fragLen {
		end := min(off+fragLen, len(frame))
		c.SendACL(handle, boundary, frame[off:end])
		boundary = 0x01
	}
}

// SendATT queues an ATT PDU on the fixed ATT channel.
func (c *Controller) SendATT(handle uint16, pdu []byte) {
	c.SendL2CAP(handle, 0x0004, pdu, 0)
}
