//go:build linux

package board

import (
	"github.com/go-ble/ble/linux/hci/socket"
	"github.com/pkg/errors"
)

// Open takes hciN over with a user channel socket. The device must be down
// and the process needs CAP_NET_ADMIN. An empty mac uses the controller's
// own address.
func Open(index int, mac string) (*Board, error) {
	skt, err := socket.NewSocket(index)
	if err != nil {
		return nil, errors.Wrapf(err, "open hci%d", index)
	}

	b, err := newBoard(skt, mac)
	if err != nil {
		skt.Close()
		return nil, err
	}
	return b, nil
}
