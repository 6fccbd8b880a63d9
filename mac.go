package bluetooth

import "errors"

// MAC represents a MAC address, in little endian format.
type MAC [6]byte

var errInvalidMAC = errors.New("bluetooth: failed to parse MAC address")

// ParseMAC parses the given MAC address, which must be in 11:22:33:AA:BB:CC
// format. If it cannot be parsed, an error is returned.
func ParseMAC(s string) (mac MAC, err error) {
	macIndex := 11
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == ':' {
			continue
		}
		var nibble byte
		switch {
		case c >= '0' && c <= '9':
			nibble = c - '0'
		case c >= 'A' && c <= 'F':
			nibble = c - 'A' + 0xA
		case c >= 'a' && c <= 'f':
			nibble = c - 'a' + 0xA
		default:
			err = errInvalidMAC
			return
		}
		if macIndex < 0 {
			err = errInvalidMAC
			return
		}
		if macIndex%2 == 0 {
			mac[macIndex/2] |= nibble
		} else {
			mac[macIndex/2] |= nibble << 4
		}
		macIndex--
	}
	if macIndex != -1 {
		err = errInvalidMAC
	}
	return
}

// String returns a human-readable version of this MAC address, such as
// 11:22:33:AA:BB:CC.
func (mac MAC) String() string {
	const hexDigits = "0123456789ABCDEF"

	var s [17]byte
	pos := 0
	for i := 5; i >= 0; i-- {
		if i != 5 {
			s[pos] = ':'
			pos++
		}
		s[pos] = hexDigits[mac[i]>>4]
		s[pos+1] = hexDigits[mac[i]&0x0f]
		pos += 2
	}

	return string(s[:])
}

// AddressType is the LE address type as carried in HCI commands and events.
type AddressType uint8

const (
	AddressTypePublic AddressType = 0x00
	AddressTypeRandom AddressType = 0x01
)

// Address is a device address together with its LE address type.
type Address struct {
	MAC
	Type AddressType
}

// RandomStaticAddress wraps mac as a random static device address. The two
// most significant bits of a static address must be set.
func RandomStaticAddress(mac MAC) Address {
	mac[5] |= 0xc0
	return Address{MAC: mac, Type: AddressTypeRandom}
}

func (a Address) String() string {
	if a.Type == AddressTypeRandom {
		return a.MAC.String() + " (random)"
	}
	return a.MAC.String() + " (public)"
}
