package bluetooth

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/afterglow-leds/bluetooth/internal/groutine"
)

// Runner drives the controller: it reads every packet, completes commands,
// tracks connections and feeds ATT requests to their connections. It must
// run for as long as the host is in use.
type Runner struct {
	stack *stack
}

// Run processes controller traffic until ctx is done or the stack hits an
// unrecoverable error, which is returned. Run never waits on the application
// half of the host.
func (r *Runner) Run(ctx context.Context) error {
	s := r.stack

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	packets := make(chan *packet)
	readErr := make(chan error, 1)
	groutine.Go(ctx, "hci-reader", func(ctx context.Context) {
		s.readLoop(ctx, packets, readErr)
	})

	s.log.Debug("runner started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case p := <-packets:
			if err := s.dispatch(p); err != nil {
				return err
			}
		}
	}
}

func (s *stack) readLoop(ctx context.Context, out chan<- *packet, errc chan<- error) {
	s.log.WithField("goroutine", groutine.Name(ctx)).Debug("reading controller")

	for {
		p, err := s.res.acquirePacket()
		if err != nil {
			errc <- hostError("read", err)
			return
		}
		if err := s.hci.readPacket(p); err != nil {
			s.res.releasePacket(p)
			errc <- err
			return
		}

		select {
		case out <- p:
		case <-ctx.Done():
			s.res.releasePacket(p)
			return
		}
	}
}

func (s *stack) dispatch(p *packet) error {
	defer s.res.releasePacket(p)

	switch p.kind {
	case hciEventPkt:
		return s.handleEvent(p.bytes())
	case hciACLDataPkt:
		return s.handleACL(p.bytes())
	}
	return nil
}

func (s *stack) handleEvent(buf []byte) error {
	evt := buf[0]
	params := buf[hciEvtHeaderLen:]

	s.log.WithFields(logrus.Fields{
		"event":  fmt.Sprintf("0x%02x", evt),
		"params": fmt.Sprintf("%x", params),
	}).Debug("hci event")

	switch evt {
	case evtCmdComplete:
		if len(params) < 3 {
			return hostError("command complete", ErrHCIInvalidPacket)
		}
		opcode := binary.LittleEndian.Uint16(params[1:])
		var status uint8
		var ret []byte
		if len(params) > 3 {
			status = params[3]
			ret = params[4:]
		}
		s.hci.commandDone(opcode, status, ret)

	case evtCmdStatus:
		if len(params) < 4 {
			return hostError("command status", ErrHCIInvalidPacket)
		}
		s.hci.commandDone(binary.LittleEndian.Uint16(params[2:]), params[0], nil)

	case evtNumCompPkts:
		if len(params) < 1 || len(params) < 1+int(params[0])*4 {
			return hostError("number of completed packets", ErrHCIInvalidPacket)
		}
		for i := 0; i < int(params[0]); i++ {
			handle := binary.LittleEndian.Uint16(params[1+i*4:]) & 0x0fff
			count := int32(binary.LittleEndian.Uint16(params[3+i*4:]))
			c := s.res.findConnection(handle)
			if c == nil {
				continue
			}
			n := min(count, c.pending.Load())
			c.pending.Add(-n)
			s.hci.returnCredits(int(n))
		}

	case evtDisconnComplete:
		if len(params) < 4 {
			return hostError("disconnection complete", ErrHCIInvalidPacket)
		}
		return s.handleDisconnect(params[0], binary.LittleEndian.Uint16(params[1:])&0x0fff, DisconnectReason(params[3]))

	case evtHardwareError:
		var code uint8
		if len(params) > 0 {
			code = params[0]
		}
		return controllerError("event", errors.Wrapf(ErrHCIHardware, "code 0x%02x", code))

	case evtDataBufferOverflow:
		return controllerError("event", errors.Wrap(ErrHCIInvalidPacket, "controller data buffer overflow"))

	case evtLEMetaEvent:
		if len(params) < 1 {
			return hostError("le meta event", ErrHCIInvalidPacket)
		}
		return s.handleLEMeta(params)

	default:
		s.log.WithField("event", fmt.Sprintf("0x%02x", evt)).Debug("ignoring hci event")
	}

	return nil
}

func (s *stack) handleLEMeta(params []byte) error {
	switch params[0] {
	case leMetaEventConnComplete:
		if len(params) < 19 {
			return hostError("connection complete", ErrHCIInvalidPacket)
		}
		s.handleConnComplete(params[1], binary.LittleEndian.Uint16(params[2:])&0x0fff,
			AddressType(params[5]), params[6:12], params[12:18])

	case leMetaEventEnhancedConnectionComplete:
		if len(params) < 31 {
			return hostError("connection complete", ErrHCIInvalidPacket)
		}
		s.handleConnComplete(params[1], binary.LittleEndian.Uint16(params[2:])&0x0fff,
			AddressType(params[5]), params[6:12], params[24:30])

	case leMetaEventConnectionUpdateComplete:
		if len(params) < 10 {
			return hostError("connection update complete", ErrHCIInvalidPacket)
		}
		status := params[1]
		handle := binary.LittleEndian.Uint16(params[2:]) & 0x0fff
		log := s.log.WithField("handle", handle)
		if status != 0 {
			log.WithField("status", status).Warn("connection update failed")
			return nil
		}
		c := s.res.findConnection(handle)
		if c == nil {
			return nil
		}
		updated := ConnectionParams{
			Interval: binary.LittleEndian.Uint16(params[4:]),
			Latency:  binary.LittleEndian.Uint16(params[6:]),
			Timeout:  binary.LittleEndian.Uint16(params[8:]),
		}
		if !c.pushParams(updated) {
			log.Debug("connection event queue full, dropping parameter update")
		}

	case leMetaEventRemoteConnParamReq:
		if len(params) < 11 {
			return hostError("remote connection parameter request", ErrHCIInvalidPacket)
		}
		// Accept whatever the central asks for. The reply is sent without
		// waiting: its completion is read by this very loop.
		var b [14]byte
		copy(b[0:10], params[1:11])
		binary.LittleEndian.PutUint16(b[10:], 0x000f)
		binary.LittleEndian.PutUint16(b[12:], 0x0fff)
		return s.hci.writeCommand(ogfLECtrl<<ogfCommandPos|ocfLEParamRequestReply, b[:])

	default:
		s.log.WithField("subevent", fmt.Sprintf("0x%02x", params[0])).Debug("ignoring le meta event")
	}

	return nil
}

func (s *stack) handleConnComplete(status uint8, handle uint16, peerType AddressType, peer []byte, link []byte) {
	if status != 0 {
		err := controllerError("connect", errors.Errorf("connection failed with status 0x%02x (%s)", status, statusName(status)))
		// A failure only belongs to an open advertising window. Buffering it
		// otherwise would fail the next window's Accept.
		if !s.res.advertising() {
			s.log.WithError(err).Warn("connection failed outside an advertising window")
			return
		}
		select {
		case s.incoming <- acceptResult{err: err}:
		default:
			s.log.WithError(err).Warn("connection failed")
		}
		return
	}

	var addr Address
	copy(addr.MAC[:], peer)
	addr.Type = peerType

	c := newConnection(s, handle, addr, ConnectionParams{
		Interval: binary.LittleEndian.Uint16(link[0:]),
		Latency:  binary.LittleEndian.Uint16(link[2:]),
		Timeout:  binary.LittleEndian.Uint16(link[4:]),
	})
	log := s.log.WithFields(logrus.Fields{"handle": handle, "peer": addr.String(), "session": c.id.String()})

	if err := s.res.addConnection(c); err != nil {
		log.WithError(err).Warn("refusing connection")
		s.refuse(handle)
		return
	}

	select {
	case s.incoming <- acceptResult{conn: c}:
		log.Info("connected")
	default:
		s.res.removeConnection(handle)
		log.Warn("refusing connection, previous connection not accepted yet")
		s.refuse(handle)
	}
}

// refuse drops a link the host has no room for.
func (s *stack) refuse(handle uint16) {
	params := disconnectParams(handle, hciRejectedLimitedResources)
	if err := s.hci.writeCommand(ogfLinkCtl<<ogfCommandPos|ocfDisconnect, params); err != nil {
		s.log.WithError(err).WithField("handle", handle).Warn("failed to refuse connection")
	}
}

func (s *stack) handleDisconnect(status uint8, handle uint16, reason DisconnectReason) error {
	log := s.log.WithField("handle", handle)
	if status != 0 {
		log.WithField("status", status).Warn("disconnection failed")
		return nil
	}

	c := s.res.removeConnection(handle)
	if c == nil {
		log.WithField("reason", reason.String()).Debug("disconnection of untracked link")
		return nil
	}

	s.hci.returnCredits(int(c.pending.Swap(0)))
	c.closeWith(reason)

	log.WithFields(logrus.Fields{"session": c.id.String(), "reason": reason.String()}).Info("disconnected")

	return nil
}
