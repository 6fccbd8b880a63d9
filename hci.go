package bluetooth

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	ogfCommandPos = 10

	ogfLinkCtl   = 0x01
	ogfHostCtl   = 0x03
	ogfInfoParam = 0x04
	ogfLECtrl    = 0x08

	// ogfLinkCtl
	ocfDisconnect = 0x0006

	// ogfHostCtl
	ocfSetEventMask = 0x0001
	ocfReset        = 0x0003

	// ogfInfoParam
	ocfReadBufferSize = 0x0005

	// ogfLECtrl
	ocfLESetEventMask             = 0x0001
	ocfLEReadBufferSize           = 0x0002
	ocfLESetRandomAddress         = 0x0005
	ocfLESetAdvertisingParameters = 0x0006
	ocfLESetAdvertisingData       = 0x0008
	ocfLESetScanResponseData      = 0x0009
	ocfLESetAdvertiseEnable       = 0x000a
	ocfLEParamRequestReply        = 0x0020

	leMetaEventConnComplete               = 0x01
	leMetaEventConnectionUpdateComplete   = 0x03
	leMetaEventRemoteConnParamReq         = 0x06
	leMetaEventEnhancedConnectionComplete = 0x0a

	hciCommandPkt = 0x01
	hciACLDataPkt = 0x02
	hciEventPkt   = 0x04

	evtDisconnComplete    = 0x05
	evtCmdComplete        = 0x0e
	evtCmdStatus          = 0x0f
	evtHardwareError      = 0x10
	evtNumCompPkts        = 0x13
	evtDataBufferOverflow = 0x1a
	evtLEMetaEvent        = 0x3e

	hciOEUserEndedConnection     = 0x13
	hciRejectedLimitedResources  = 0x0d
	hciEventMaskDefault          = 0x3fffffffffffffff
	hciLEEventMaskDefault        = 0x00000000000003ff
	hciACLPacketBoundaryFirst    = 0x00
	hciACLPacketBoundaryContinue = 0x01
	hciACLPacketBoundaryFlushed  = 0x02
)

const (
	attCID       = 0x0004
	signalingCID = 0x0005

	defaultCommandTimeout = 3 * time.Second

	// minimum LE ACL data length every controller must accept
	minACLDataLen = 27
)

// Controller is the host side of an HCI transport. Packets in both directions
// carry the one byte H4 packet indicator, as on a UART or a Linux HCI user
// channel socket.
type Controller interface {
	io.Reader
	io.Writer
}

type cmdResult struct {
	opcode uint16
	status uint8
	params []byte
}

type hci struct {
	transport Controller
	reader    *bufio.Reader
	log       logrus.FieldLogger
	timeout   time.Duration

	writeMu sync.Mutex
	wbuf    [1 + hciACLHeaderLen + maxPacketSize]byte

	cmdMu         sync.Mutex
	pendingOpcode atomic.Uint32
	cmdResults    chan cmdResult

	aclMaxLen atomic.Int32
	credits   chan struct{}
}

// maxCredits bounds the ACL buffer count taken from the controller.
const maxCredits = 255

func newHCI(transport Controller, log logrus.FieldLogger, timeout time.Duration) *hci {
	return &hci{
		transport:  transport,
		reader:     bufio.NewReaderSize(transport, 2*maxPacketSize),
		log:        log,
		timeout:    timeout,
		cmdResults: make(chan cmdResult, 1),
		credits:    make(chan struct{}, maxCredits),
	}
}

// readPacket reads one H4 framed packet into p.
func (h *hci) readPacket(p *packet) error {
	kind, err := h.reader.ReadByte()
	if err != nil {
		return controllerError("read", err)
	}

	switch kind {
	case hciEventPkt:
		if _, err := io.ReadFull(h.reader, p.buf[:hciEvtHeaderLen]); err != nil {
			return controllerError("read event", err)
		}
		plen := int(p.buf[1])
		if _, err := io.ReadFull(h.reader, p.buf[hciEvtHeaderLen:hciEvtHeaderLen+plen]); err != nil {
			return controllerError("read event", err)
		}
		p.n = hciEvtHeaderLen + plen

	case hciACLDataPkt:
		if _, err := io.ReadFull(h.reader, p.buf[:hciACLHeaderLen]); err != nil {
			return controllerError("read acl", err)
		}
		dlen := int(binary.LittleEndian.Uint16(p.buf[2:]))
		if hciACLHeaderLen+dlen > len(p.buf) {
			return hostError("read acl", errors.Wrapf(ErrHCIInvalidPacket, "acl data length %d exceeds buffer", dlen))
		}
		if _, err := io.ReadFull(h.reader, p.buf[hciACLHeaderLen:hciACLHeaderLen+dlen]); err != nil {
			return controllerError("read acl", err)
		}
		p.n = hciACLHeaderLen + dlen

	default:
		return controllerError("read", errors.Wrapf(ErrHCIUnknown, "packet indicator 0x%02x", kind))
	}

	p.kind = kind
	return nil
}

func (h *hci) write(buf []byte) error {
	if _, err := h.transport.Write(buf); err != nil {
		return controllerError("write", err)
	}
	return nil
}

// writeCommand sends a command without waiting for its completion. It is used
// by the runner, which cannot wait for events it is itself responsible for
// reading.
func (h *hci) writeCommand(opcode uint16, params []byte) error {
	if len(params) > 0xff {
		return hostError("write command", errors.Wrapf(ErrHCIInvalidPacket, "%d parameter bytes", len(params)))
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	h.wbuf[0] = hciCommandPkt
	binary.LittleEndian.PutUint16(h.wbuf[1:], opcode)
	h.wbuf[3] = byte(len(params))
	copy(h.wbuf[4:], params)

	h.log.WithFields(logrus.Fields{
		"opcode": fmt.Sprintf("0x%04x", opcode),
		"params": fmt.Sprintf("%x", params),
	}).Debug("hci send command")

	return h.write(h.wbuf[:4+len(params)])
}

// sendCommand sends a command and waits for the matching Command Complete or
// Command Status event, which the runner delivers. Only one command is
// outstanding at a time.
func (h *hci) sendCommand(ctx context.Context, opcode uint16, params []byte) ([]byte, error) {
	h.cmdMu.Lock()
	defer h.cmdMu.Unlock()

	select {
	case <-h.cmdResults:
	default:
	}

	h.pendingOpcode.Store(uint32(opcode))
	defer h.pendingOpcode.Store(0)

	if err := h.writeCommand(opcode, params); err != nil {
		return nil, err
	}

	timer := time.NewTimer(h.timeout)
	defer timer.Stop()

	select {
	case res := <-h.cmdResults:
		if res.status != 0 {
			return nil, controllerError(fmt.Sprintf("command 0x%04x", opcode),
				&StatusError{Opcode: opcode, Status: res.status})
		}
		return res.params, nil
	case <-timer.C:
		return nil, controllerError(fmt.Sprintf("command 0x%04x", opcode), ErrHCITimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// commandDone is called by the runner for Command Complete and Command Status
// events.
func (h *hci) commandDone(opcode uint16, status uint8, params []byte) {
	if opcode == 0 || uint32(opcode) != h.pendingOpcode.Load() {
		h.log.WithField("opcode", fmt.Sprintf("0x%04x", opcode)).Debug("hci completion without waiter")
		return
	}

	select {
	case h.cmdResults <- cmdResult{opcode: opcode, status: status, params: append([]byte{}, params...)}:
	default:
	}
}

func (h *hci) reset(ctx context.Context) error {
	_, err := h.sendCommand(ctx, ogfHostCtl<<ogfCommandPos|ocfReset, nil)
	return err
}

func (h *hci) setEventMask(ctx context.Context, eventMask uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], eventMask)
	_, err := h.sendCommand(ctx, ogfHostCtl<<ogfCommandPos|ocfSetEventMask, b[:])
	return err
}

func (h *hci) setLeEventMask(ctx context.Context, eventMask uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], eventMask)
	_, err := h.sendCommand(ctx, ogfLECtrl<<ogfCommandPos|ocfLESetEventMask, b[:])
	return err
}

// readBufferSize configures ACL flow control from the controller's LE
// buffers, falling back to the shared ACL buffers when it has none.
func (h *hci) readBufferSize(ctx context.Context) error {
	resp, err := h.sendCommand(ctx, ogfLECtrl<<ogfCommandPos|ocfLEReadBufferSize, nil)
	if err != nil {
		return err
	}
	if len(resp) < 3 {
		return hostError("read buffer size", ErrHCIInvalidPacket)
	}
	pktLen := int(binary.LittleEndian.Uint16(resp[0:]))
	maxPkt := int(resp[2])

	if pktLen == 0 || maxPkt == 0 {
		resp, err = h.sendCommand(ctx, ogfInfoParam<<ogfCommandPos|ocfReadBufferSize, nil)
		if err != nil {
			return err
		}
		if len(resp) < 7 {
			return hostError("read buffer size", ErrHCIInvalidPacket)
		}
		pktLen = int(binary.LittleEndian.Uint16(resp[0:]))
		maxPkt = int(binary.LittleEndian.Uint16(resp[3:]))
	}

	// pkt len must be at least 27 bytes
	if pktLen < minACLDataLen {
		pktLen = minACLDataLen
	}
	if pktLen > maxPacketSize-hciACLHeaderLen {
		pktLen = maxPacketSize - hciACLHeaderLen
	}
	maxPkt = max(1, min(maxPkt, maxCredits))

	h.aclMaxLen.Store(int32(pktLen))
	for len(h.credits) > 0 {
		<-h.credits
	}
	for i := 0; i < maxPkt; i++ {
		h.credits <- struct{}{}
	}

	h.log.WithFields(logrus.Fields{"acl_len": pktLen, "acl_packets": maxPkt}).Debug("hci buffer size")

	return nil
}

func (h *hci) leSetRandomAddress(ctx context.Context, mac MAC) error {
	_, err := h.sendCommand(ctx, ogfLECtrl<<ogfCommandPos|ocfLESetRandomAddress, mac[:])
	return err
}

func (h *hci) leSetAdvertiseEnable(ctx context.Context, enabled bool) error {
	var data [1]byte
	if enabled {
		data[0] = 1
	}

	_, err := h.sendCommand(ctx, ogfLECtrl<<ogfCommandPos|ocfLESetAdvertiseEnable, data[:])
	return err
}

func (h *hci) leSetAdvertisingParameters(ctx context.Context, minInterval, maxInterval uint16,
	advType, ownBdaddrType uint8,
	directBdaddrType uint8, directBdaddr [6]byte,
	chanMap, filter uint8) error {

	var b [15]byte
	binary.LittleEndian.PutUint16(b[0:], minInterval)
	binary.LittleEndian.PutUint16(b[2:], maxInterval)
	b[4] = advType
	b[5] = ownBdaddrType
	b[6] = directBdaddrType
	copy(b[7:], directBdaddr[:])
	b[13] = chanMap
	b[14] = filter

	_, err := h.sendCommand(ctx, ogfLECtrl<<ogfCommandPos|ocfLESetAdvertisingParameters, b[:])
	return err
}

func (h *hci) leSetAdvertisingData(ctx context.Context, data []byte) error {
	var b [32]byte
	b[0] = byte(len(data))
	copy(b[1:], data)

	_, err := h.sendCommand(ctx, ogfLECtrl<<ogfCommandPos|ocfLESetAdvertisingData, b[:])
	return err
}

func (h *hci) leSetScanResponseData(ctx context.Context, data []byte) error {
	var b [32]byte
	b[0] = byte(len(data))
	copy(b[1:], data)

	_, err := h.sendCommand(ctx, ogfLECtrl<<ogfCommandPos|ocfLESetScanResponseData, b[:])
	return err
}

func disconnectParams(handle uint16, reason uint8) []byte {
	var b [3]byte
	binary.LittleEndian.PutUint16(b[0:], handle)
	b[2] = reason
	return b[:]
}

func (h *hci) disconnect(ctx context.Context, handle uint16) error {
	_, err := h.sendCommand(ctx, ogfLinkCtl<<ogfCommandPos|ocfDisconnect, disconnectParams(handle, hciOEUserEndedConnection))
	return err
}

// returnCredits gives n ACL buffer credits back after the controller reported
// completed packets or a connection went away.
func (h *hci) returnCredits(n int) {
	for i := 0; i < n; i++ {
		select {
		case h.credits <- struct{}{}:
		default:
			return
		}
	}
}

// sendL2CAP frames payload as a basic L2CAP PDU on cid and writes it in as
// many ACL fragments as the controller buffers require. It blocks until a
// buffer credit is available for every fragment.
func (h *hci) sendL2CAP(ctx context.Context, c *Connection, cid uint16, payload []byte) error {
	if len(payload) > L2CAPMTU {
		return hostError("send l2cap", errors.Wrapf(ErrHCIInvalidPacket, "%d byte payload exceeds MTU", len(payload)))
	}

	var frame [l2capHeaderLen + L2CAPMTU]byte
	binary.LittleEndian.PutUint16(frame[0:], uint16(len(payload)))
	binary.LittleEndian.PutUint16(frame[2:], cid)
	copy(frame[l2capHeaderLen:], payload)
	total := l2capHeaderLen + len(payload)

	maxLen := int(h.aclMaxLen.Load())
	if maxLen <= 0 {
		return hostError("send l2cap", errors.New("bluetooth: controller not initialized"))
	}
	boundary := uint16(hciACLPacketBoundaryFirst)
	for off := 0; off < total; {
		n := min(total-off, maxLen)

		select {
		case <-h.credits:
		case <-c.done:
			return ErrNotConnected
		case <-ctx.Done():
			return ctx.Err()
		}

		if err := h.writeACL(c, boundary, frame[off:off+n]); err != nil {
			return err
		}

		off += n
		boundary = hciACLPacketBoundaryContinue
	}

	return nil
}

// trySendL2CAP sends a single fragment PDU only if a buffer credit is free
// right now. The runner uses it to answer signaling requests.
func (h *hci) trySendL2CAP(c *Connection, cid uint16, payload []byte) (bool, error) {
	if l2capHeaderLen+len(payload) > int(h.aclMaxLen.Load()) {
		return false, nil
	}

	select {
	case <-h.credits:
	default:
		return false, nil
	}

	var frame [l2capHeaderLen + L2CAPMTU]byte
	binary.LittleEndian.PutUint16(frame[0:], uint16(len(payload)))
	binary.LittleEndian.PutUint16(frame[2:], cid)
	copy(frame[l2capHeaderLen:], payload)

	return true, h.writeACL(c, hciACLPacketBoundaryFirst, frame[:l2capHeaderLen+len(payload)])
}

func (h *hci) writeACL(c *Connection, boundary uint16, data []byte) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	h.wbuf[0] = hciACLDataPkt
	binary.LittleEndian.PutUint16(h.wbuf[1:], c.handle|boundary<<12)
	binary.LittleEndian.PutUint16(h.wbuf[3:], uint16(len(data)))
	copy(h.wbuf[5:], data)

	h.log.WithFields(logrus.Fields{
		"handle": c.handle,
		"data":   fmt.Sprintf("%x", data),
	}).Debug("hci send acl data")

	if err := h.write(h.wbuf[:5+len(data)]); err != nil {
		return err
	}

	c.pending.Add(1)

	return nil
}
