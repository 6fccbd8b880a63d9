package bluetooth

import (
	"encoding/binary"
	"sync"

	"github.com/go-ble/ble"
	"github.com/pkg/errors"
)

// CharacteristicProperty is the properties bitfield of a characteristic
// declaration.
type CharacteristicProperty uint8

const (
	CharacteristicBroadcastProperty            CharacteristicProperty = 0x01
	CharacteristicReadProperty                 CharacteristicProperty = 0x02
	CharacteristicWriteWithoutResponseProperty CharacteristicProperty = 0x04
	CharacteristicWriteProperty                CharacteristicProperty = 0x08
	CharacteristicNotifyProperty               CharacteristicProperty = 0x10
	CharacteristicIndicateProperty             CharacteristicProperty = 0x20
)

// Appearance is the external appearance value exposed in the GAP service.
type Appearance uint16

const (
	AppearanceUnknown         Appearance = 0x0000
	AppearanceGenericLight    Appearance = 0x07c0
	AppearanceLightController Appearance = 0x07d5
)

// GapConfig configures the mandatory GAP service.
type GapConfig struct {
	Name       string
	Appearance Appearance
}

// maxAttributeValueLen is the longest attribute value ATT can carry.
const maxAttributeValueLen = 512

// GapAttributeCount is the number of attributes the GAP and GATT services
// occupy at the start of every table.
const GapAttributeCount = 6

type attribute struct {
	handle   uint16
	typ      ble.UUID
	value    []byte
	readable bool

	// last handle of the group, set on service declarations
	endHandle uint16
}

// AttributeTable collects services before they are frozen into an
// AttributeServer. Handles are assigned in insertion order starting at
// 0x0001. The first error is recorded and returned by Err; later additions
// are ignored.
type AttributeTable struct {
	capacity int
	attrs    []attribute
	err      error
	frozen   bool
}

// NewAttributeTable returns a table with room for capacity attributes,
// starting with the GAP service (device name and appearance) and the GATT
// service.
func NewAttributeTable(capacity int, gap GapConfig) *AttributeTable {
	t := &AttributeTable{
		capacity: capacity,
		attrs:    make([]attribute, 0, capacity),
	}

	var appearance [2]byte
	binary.LittleEndian.PutUint16(appearance[:], uint16(gap.Appearance))

	svc := t.AddService(ServiceUUIDGenericAccess)
	svc.AddCharacteristicRO(CharacteristicUUIDDeviceName, []byte(gap.Name))
	svc.AddCharacteristicRO(CharacteristicUUIDAppearance, appearance[:])
	svc.Build()

	t.AddService(ServiceUUIDGenericAttribute).Build()

	return t
}

// Err returns the first error hit while building the table.
func (t *AttributeTable) Err() error { return t.err }

// Len returns the number of attributes in the table.
func (t *AttributeTable) Len() int { return len(t.attrs) }

func (t *AttributeTable) fail(err error) {
	if t.err == nil {
		t.err = err
	}
}

func (t *AttributeTable) add(typ ble.UUID, value []byte, readable bool) uint16 {
	switch {
	case t.err != nil:
		return 0
	case t.frozen:
		t.fail(ErrAttributeTableFrozen)
		return 0
	case len(t.attrs) >= t.capacity || len(t.attrs) >= 0xffff:
		t.fail(errors.Wrapf(ErrAttributeTableFull, "capacity %d", t.capacity))
		return 0
	case len(value) > maxAttributeValueLen:
		t.fail(errors.Errorf("bluetooth: attribute value of %d bytes too long", len(value)))
		return 0
	}

	handle := uint16(len(t.attrs) + 1)
	t.attrs = append(t.attrs, attribute{
		handle:   handle,
		typ:      typ,
		value:    append([]byte{}, value...),
		readable: readable,
	})
	return handle
}

// ServiceBuilder adds characteristics to one primary service.
type ServiceBuilder struct {
	table  *AttributeTable
	handle uint16
}

// AddService adds a primary service declaration.
func (t *AttributeTable) AddService(uuid ble.UUID) *ServiceBuilder {
	return &ServiceBuilder{
		table:  t,
		handle: t.add(gattPrimaryServiceUUID, uuid, true),
	}
}

// Characteristic records the handles of a characteristic in the table.
type Characteristic struct {
	UUID              ble.UUID
	DeclarationHandle uint16
	ValueHandle       uint16
}

// AddCharacteristicRO adds a read-only characteristic with a static value.
func (s *ServiceBuilder) AddCharacteristicRO(uuid ble.UUID, value []byte) Characteristic {
	t := s.table
	if s.handle == 0 {
		t.fail(errors.New("bluetooth: characteristic added to a service that was not created"))
		return Characteristic{UUID: uuid}
	}

	valueHandle := uint16(len(t.attrs) + 2)
	decl := make([]byte, 0, 3+len(uuid))
	decl = append(decl, byte(CharacteristicReadProperty))
	decl = binary.LittleEndian.AppendUint16(decl, valueHandle)
	decl = append(decl, uuid...)

	declHandle := t.add(gattCharacteristicUUID, decl, true)
	if declHandle == 0 {
		return Characteristic{UUID: uuid}
	}
	if t.add(uuid, value, true) == 0 {
		return Characteristic{UUID: uuid, DeclarationHandle: declHandle}
	}

	return Characteristic{UUID: uuid, DeclarationHandle: declHandle, ValueHandle: valueHandle}
}

// Build closes the service group and returns its declaration handle.
func (s *ServiceBuilder) Build() uint16 {
	t := s.table
	if s.handle == 0 || t.err != nil {
		return s.handle
	}
	t.attrs[s.handle-1].endHandle = uint16(len(t.attrs))
	return s.handle
}

// AttributeInfo describes one entry of a frozen attribute table.
type AttributeInfo struct {
	Handle uint16
	Type   ble.UUID
	Value  []byte
}

// AttributeServer answers ATT requests from a frozen attribute table. It
// serves up to MaxConnections connections at once.
type AttributeServer struct {
	attrs []attribute

	mu       sync.Mutex
	sessions [MaxConnections]*Connection
}

// NewAttributeServer freezes t and returns a server for it. It fails when t
// recorded a build error.
func NewAttributeServer(t *AttributeTable) (*AttributeServer, error) {
	if t.err != nil {
		return nil, configError("attribute table", t.err)
	}
	if t.frozen {
		return nil, configError("attribute table", ErrAttributeTableFrozen)
	}
	t.frozen = true

	return &AttributeServer{attrs: t.attrs}, nil
}

// Len returns the number of attributes served.
func (s *AttributeServer) Len() int { return len(s.attrs) }

// Attributes returns a copy of the served table in handle order.
func (s *AttributeServer) Attributes() []AttributeInfo {
	infos := make([]AttributeInfo, len(s.attrs))
	for i, a := range s.attrs {
		infos[i] = AttributeInfo{
			Handle: a.handle,
			Type:   append(ble.UUID{}, a.typ...),
			Value:  append([]byte{}, a.value...),
		}
	}
	return infos
}

// ServiceEnd returns the last handle of the service declared at handle, or 0
// if handle is not a service declaration.
func (s *AttributeServer) ServiceEnd(handle uint16) uint16 {
	a := s.attribute(handle)
	if a == nil {
		return 0
	}
	return a.endHandle
}

func (s *AttributeServer) attribute(handle uint16) *attribute {
	if handle == 0 || int(handle) > len(s.attrs) {
		return nil
	}
	return &s.attrs[handle-1]
}

func (s *AttributeServer) bind(c *Connection) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.sessions {
		if s.sessions[i] == nil {
			s.sessions[i] = c
			return i, nil
		}
	}
	return -1, ErrAttributeServerFull
}

func (s *AttributeServer) unbind(slot int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if slot >= 0 && slot < len(s.sessions) {
		s.sessions[slot] = nil
	}
}

// Sessions returns the number of connections currently bound.
func (s *AttributeServer) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, c := range s.sessions {
		if c != nil {
			n++
		}
	}
	return n
}
