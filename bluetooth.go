// Package bluetooth is a small Bluetooth Low Energy host for peripherals that
// talk to their controller over a raw HCI transport.
//
// A Host is split into a Peripheral, used by the application to advertise and
// accept connections, and a Runner, which must run concurrently and owns all
// reads from the controller. Connections are bound to an AttributeServer that
// answers ATT requests from a static attribute table.
//
// Errors that cannot be recovered from are returned as *Error, carrying their
// Origin. Malformed traffic from a peer is logged and dropped instead.
package bluetooth // import "github.com/afterglow-leds/bluetooth"
