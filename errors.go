package bluetooth

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrHCITimeout       = errors.New("bluetooth: HCI timeout")
	ErrHCIUnknown       = errors.New("bluetooth: HCI unknown packet type")
	ErrHCIInvalidPacket = errors.New("bluetooth: HCI invalid packet")
	ErrHCIHardware      = errors.New("bluetooth: HCI hardware error")

	ErrResourcesExhausted     = errors.New("bluetooth: resource pool exhausted")
	ErrAttributeTableFull     = errors.New("bluetooth: attribute table full")
	ErrAttributeTableFrozen   = errors.New("bluetooth: attribute table already frozen")
	ErrAttributeServerFull    = errors.New("bluetooth: attribute server has no free connection slot")
	ErrAlreadyBound           = errors.New("bluetooth: connection already bound to an attribute server")
	ErrAdvertisingDataTooLong = errors.New("bluetooth: advertising data too long")
	ErrNotConnected           = errors.New("bluetooth: not connected")
)

// Origin tells which side of the host/controller split an error came from.
type Origin uint8

const (
	// OriginController covers transport I/O failures and errors reported by
	// the controller hardware.
	OriginController Origin = iota
	// OriginHost covers protocol violations detected by the host.
	OriginHost
	// OriginConfig covers static misconfiguration: capacities, payload sizes.
	OriginConfig
)

func (o Origin) String() string {
	switch o {
	case OriginController:
		return "controller"
	case OriginHost:
		return "host"
	case OriginConfig:
		return "configuration"
	default:
		return fmt.Sprintf("origin(%d)", uint8(o))
	}
}

// Error is returned by every stack operation that cannot be recovered from.
type Error struct {
	Origin Origin
	Op     string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("bluetooth: %s error in %s: %v", e.Origin, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func controllerError(op string, err error) error {
	return &Error{Origin: OriginController, Op: op, Err: err}
}

func hostError(op string, err error) error {
	return &Error{Origin: OriginHost, Op: op, Err: err}
}

func configError(op string, err error) error {
	return &Error{Origin: OriginConfig, Op: op, Err: err}
}

// OriginOf returns the origin recorded in err. Errors that did not come from
// this package are attributed to the host.
func OriginOf(err error) Origin {
	var e *Error
	if errors.As(err, &e) {
		return e.Origin
	}
	return OriginHost
}

// StatusError is a non-zero HCI status code returned by the controller.
type StatusError struct {
	Opcode uint16
	Status uint8
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("bluetooth: HCI command 0x%04x failed with status 0x%02x (%s)",
		e.Opcode, e.Status, statusName(e.Status))
}

func statusName(status uint8) string {
	switch status {
	case 0x01:
		return "unknown HCI command"
	case 0x02:
		return "unknown connection identifier"
	case 0x03:
		return "hardware failure"
	case 0x07:
		return "memory capacity exceeded"
	case 0x0c:
		return "command disallowed"
	case 0x0d:
		return "rejected: limited resources"
	case 0x11:
		return "unsupported feature or parameter value"
	case 0x12:
		return "invalid HCI command parameters"
	case 0x3e:
		return "connection failed to be established"
	default:
		return "unspecified"
	}
}
