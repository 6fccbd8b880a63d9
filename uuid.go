package bluetooth

// This file lists the assigned numbers used by the attribute server. UUIDs
// are go-ble UUIDs, which store their bytes in little endian (wire) order.

import "github.com/go-ble/ble"

var (
	ServiceUUIDGenericAccess     = ble.UUID16(0x1800)
	ServiceUUIDGenericAttribute  = ble.UUID16(0x1801)
	ServiceUUIDDeviceInformation = ble.UUID16(0x180a)

	CharacteristicUUIDDeviceName             = ble.UUID16(0x2a00)
	CharacteristicUUIDAppearance             = ble.UUID16(0x2a01)
	CharacteristicUUIDModelNumberString      = ble.UUID16(0x2a24)
	CharacteristicUUIDSerialNumberString     = ble.UUID16(0x2a25)
	CharacteristicUUIDFirmwareRevisionString = ble.UUID16(0x2a26)
	CharacteristicUUIDHardwareRevisionString = ble.UUID16(0x2a27)
	CharacteristicUUIDManufacturerNameString = ble.UUID16(0x2a29)
)

var (
	gattPrimaryServiceUUID   = ble.UUID16(0x2800)
	gattSecondaryServiceUUID = ble.UUID16(0x2801)
	gattCharacteristicUUID   = ble.UUID16(0x2803)
)

// parseUUID decodes a 16-bit or 128-bit UUID as found in ATT PDUs.
func parseUUID(b []byte) (ble.UUID, bool) {
	switch len(b) {
	case 2, 16:
		return ble.UUID(append([]byte{}, b...)), true
	default:
		return nil, false
	}
}
