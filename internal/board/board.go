// Package board brings up the controller transport and the device identity
// the Bluetooth host needs: an HCI link, a MAC address and a random source.
package board

import (
	"crypto/rand"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/afterglow-leds/bluetooth"
)

const (
	opReadBDAddr   = 0x1009
	evtCmdComplete = 0x0e

	// packets read while waiting for the Read BD_ADDR completion
	maxStrayPackets = 16
)

// Board is an opened controller.
type Board struct {
	// Controller is the H4 framed HCI transport.
	Controller io.ReadWriteCloser
	// MAC is the address the host derives its random static address from.
	MAC bluetooth.MAC
	// Random seeds the host.
	Random io.Reader
}

// Close releases the controller.
func (b *Board) Close() error {
	return b.Controller.Close()
}

func newBoard(ctrl io.ReadWriteCloser, mac string) (*Board, error) {
	b := &Board{Controller: ctrl, Random: rand.Reader}

	if mac != "" {
		parsed, err := bluetooth.ParseMAC(mac)
		if err != nil {
			return nil, errors.Wrapf(err, "mac %q", mac)
		}
		b.MAC = parsed
		return b, nil
	}

	addr, err := ReadBDAddr(ctrl)
	if err != nil {
		return nil, err
	}
	b.MAC = addr
	return b, nil
}

// ReadBDAddr asks the controller for its public address. rw must deliver one
// H4 packet per Read, as an HCI socket does.
func ReadBDAddr(rw io.ReadWriter) (bluetooth.MAC, error) {
	var mac bluetooth.MAC

	cmd := []byte{0x01, byte(opReadBDAddr & 0xff), byte(opReadBDAddr >> 8), 0x00}
	if _, err := rw.Write(cmd); err != nil {
		return mac, errors.Wrap(err, "write read bd_addr")
	}

	buf := make([]byte, 1024)
	for i := 0; i < maxStrayPackets; i++ {
		n, err := rw.Read(buf)
		if err != nil {
			return mac, errors.Wrap(err, "read bd_addr")
		}
		pkt := buf[:n]

		// 04 0e len ncmd opcode(2) status addr(6)
		if len(pkt) < 7 || pkt[0] != 0x04 || pkt[1] != evtCmdComplete ||
			binary.LittleEndian.Uint16(pkt[4:]) != opReadBDAddr {
			continue
		}
		if status := pkt[6]; status != 0 {
			return mac, &bluetooth.StatusError{Opcode: opReadBDAddr, Status: status}
		}
		if len(pkt) < 13 {
			return mac, errors.Wrap(bluetooth.ErrHCIInvalidPacket, "read bd_addr")
		}
		copy(mac[:], pkt[7:13])
		return mac, nil
	}

	return mac, errors.New("board: no read bd_addr completion from controller")
}
