package bluetooth

import (
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"
)

const (
	signalingCommandReject     = 0x01
	commandRejectNotUnderstood = 0x0000
)

type l2capCommandRejectPkt struct {
	identifier uint8
	reason     uint16
}

func (l *l2capCommandRejectPkt) Read(p []byte) (int, error) {
	p[0] = signalingCommandReject
	p[1] = l.identifier
	binary.LittleEndian.PutUint16(p[2:], 2)
	binary.LittleEndian.PutUint16(p[4:], l.reason)

	return 6, nil
}

// handleACL reassembles L2CAP frames from ACL fragments and routes complete
// frames by channel. Malformed frames are dropped and logged; the link keeps
// going.
func (s *stack) handleACL(buf []byte) error {
	if len(buf) < hciACLHeaderLen {
		return hostError("acl", ErrHCIInvalidPacket)
	}
	hdr := binary.LittleEndian.Uint16(buf[0:])
	handle := hdr & 0x0fff
	boundary := hdr >> 12 & 0x03
	data := buf[hciACLHeaderLen:]

	log := s.log.WithField("handle", handle)

	c := s.res.findConnection(handle)
	if c == nil {
		log.Debug("acl data for unknown connection")
		return nil
	}

	var ch *l2capChannel
	switch boundary {
	case hciACLPacketBoundaryFirst, hciACLPacketBoundaryFlushed:
		c.rx = nil
		if len(data) < l2capHeaderLen {
			log.WithField("data", fmt.Sprintf("%x", data)).Warn("dropping l2cap frame with short header")
			return nil
		}
		length := int(binary.LittleEndian.Uint16(data[0:]))
		cid := binary.LittleEndian.Uint16(data[2:])
		if length > L2CAPMTU {
			log.WithFields(logrus.Fields{"cid": cid, "length": length}).Warn("dropping l2cap frame larger than MTU")
			return nil
		}
		ch = s.res.findChannel(handle, cid)
		if ch == nil {
			log.WithField("cid", cid).Debug("dropping l2cap frame for unsupported channel")
			return nil
		}
		ch.reset()
		ch.expected = l2capHeaderLen + length

	case hciACLPacketBoundaryContinue:
		ch = c.rx
		if ch == nil {
			log.Warn("dropping l2cap continuation without start")
			return nil
		}

	default:
		log.WithField("boundary", boundary).Warn("dropping acl data with invalid boundary flag")
		return nil
	}

	if ch.n+len(data) > ch.expected {
		log.WithFields(logrus.Fields{"cid": ch.cid, "expected": ch.expected, "got": ch.n + len(data)}).
			Warn("dropping l2cap frame longer than its header")
		ch.reset()
		c.rx = nil
		return nil
	}
	ch.n += copy(ch.buf[ch.n:], data)

	if ch.n < ch.expected {
		c.rx = ch
		return nil
	}
	c.rx = nil

	payload := ch.buf[l2capHeaderLen:ch.n]
	switch ch.cid {
	case attCID:
		return s.deliverATT(c, payload)
	case signalingCID:
		s.handleSignaling(c, payload)
	}

	return nil
}

// handleSignaling answers LE signaling requests. Requests this peripheral
// does not implement get a Command Reject.
func (s *stack) handleSignaling(c *Connection, buf []byte) {
	log := s.log.WithField("handle", c.handle)

	if len(buf) < 4 {
		log.WithField("data", fmt.Sprintf("%x", buf)).Warn("dropping short signaling packet")
		return
	}
	code := buf[0]
	identifier := buf[1]
	length := int(binary.LittleEndian.Uint16(buf[2:]))
	if length != len(buf)-4 {
		log.WithFields(logrus.Fields{"code": code, "length": length}).Warn("dropping signaling packet with bad length")
		return
	}

	switch code {
	case signalingCommandReject:
		log.WithField("identifier", identifier).Debug("l2cap command rejected by peer")

	default:
		// A central never sends an update request to a peripheral, and this
		// peripheral sends no requests that a response could answer.
		resp := l2capCommandRejectPkt{identifier: identifier, reason: commandRejectNotUnderstood}
		var b [6]byte
		resp.Read(b[:])

		sent, err := s.hci.trySendL2CAP(c, signalingCID, b[:])
		switch {
		case err != nil:
			log.WithError(err).Warn("failed to reject signaling request")
		case !sent:
			log.WithField("code", code).Warn("no buffer to reject signaling request")
		default:
			log.WithField("code", code).Debug("rejected signaling request")
		}
	}
}

// deliverATT copies a complete ATT PDU into a pool packet and queues it on
// the connection. When the queue is full the PDU is dropped.
func (s *stack) deliverATT(c *Connection, pdu []byte) error {
	if len(pdu) == 0 {
		s.log.WithField("handle", c.handle).Warn("dropping empty att pdu")
		return nil
	}

	p, err := s.res.acquirePacket()
	if err != nil {
		return hostError("att", err)
	}
	p.kind = attPDUKind
	p.n = copy(p.buf[:], pdu)

	select {
	case c.events <- connEvent{att: p}:
	default:
		s.res.releasePacket(p)
		s.log.WithFields(logrus.Fields{"handle": c.handle, "opcode": pdu[0]}).Warn("att queue full, dropping pdu")
	}

	return nil
}
