//go:build !linux

package board

import "github.com/pkg/errors"

// Open is only supported on Linux, which exposes raw HCI user channels.
func Open(index int, mac string) (*Board, error) {
	return nil, errors.Errorf("board: hci%d: raw HCI access is not supported on this platform", index)
}
