package bluetooth

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/go-ble/ble"
)

const (
	attOpError               = 0x01
	attOpMTUReq              = 0x02
	attOpMTUResponse         = 0x03
	attOpFindInfoReq         = 0x04
	attOpFindInfoResponse    = 0x05
	attOpFindByTypeReq       = 0x06
	attOpFindByTypeResponse  = 0x07
	attOpReadByTypeReq       = 0x08
	attOpReadByTypeResponse  = 0x09
	attOpReadReq             = 0x0a
	attOpReadResponse        = 0x0b
	attOpReadBlobReq         = 0x0c
	attOpReadBlobResponse    = 0x0d
	attOpReadMultiReq        = 0x0e
	attOpReadMultiResponse   = 0x0f
	attOpReadByGroupReq      = 0x10
	attOpReadByGroupResponse = 0x11
	attOpWriteReq            = 0x12
	attOpWriteCmd            = 0x52
	attOpPrepWriteReq        = 0x16
	attOpExecWriteReq        = 0x18
	attOpHandleCNF           = 0x1e
	attOpSignedWriteCmd      = 0xd2

	// set in the opcode of PDUs that never get a response
	attOpCommandFlag = 0x40

	attErrorInvalidHandle        = 0x01
	attErrorReadNotPermitted     = 0x02
	attErrorWriteNotPermitted    = 0x03
	attErrorInvalidPDU           = 0x04
	attErrorRequestNotSupported  = 0x06
	attErrorInvalidOffset        = 0x07
	attErrorAttrNotFound         = 0x0a
	attErrorUnsupportedGroupType = 0x10

	// defaultMTU is the ATT MTU of every LE link before an exchange.
	defaultMTU = 23
)

// RequestError is an ATT request the server refused. The matching error
// response has already been built into the reply.
type RequestError struct {
	Opcode uint8
	Handle uint16
	Code   uint8
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("bluetooth: ATT request 0x%02x on handle 0x%04x failed: %s",
		e.Opcode, e.Handle, attErrorName(e.Code))
}

func attErrorName(code uint8) string {
	switch code {
	case attErrorInvalidHandle:
		return "invalid handle"
	case attErrorReadNotPermitted:
		return "read not permitted"
	case attErrorWriteNotPermitted:
		return "write not permitted"
	case attErrorInvalidPDU:
		return "invalid PDU"
	case attErrorRequestNotSupported:
		return "request not supported"
	case attErrorInvalidOffset:
		return "invalid offset"
	case attErrorAttrNotFound:
		return "attribute not found"
	case attErrorUnsupportedGroupType:
		return "unsupported group type"
	default:
		return fmt.Sprintf("error 0x%02x", code)
	}
}

func errorResponse(opcode uint8, handle uint16, code uint8) ([]byte, error) {
	var b [5]byte
	b[0] = attOpError
	b[1] = opcode
	binary.LittleEndian.PutUint16(b[2:], handle)
	b[4] = code

	return b[:], &RequestError{Opcode: opcode, Handle: handle, Code: code}
}

// handleRequest answers one ATT PDU. The returned PDU is empty for commands
// and confirmations, otherwise it is the response or an error response, in
// which case the error describes why the request failed.
func (s *AttributeServer) handleRequest(mtu *uint16, req []byte) ([]byte, error) {
	if len(req) == 0 {
		return nil, &RequestError{Code: attErrorInvalidPDU}
	}
	if *mtu < defaultMTU {
		*mtu = defaultMTU
	}

	op := req[0]
	switch op {
	case attOpMTUReq:
		return s.handleMTUReq(mtu, req)
	case attOpFindInfoReq:
		return s.handleFindInfoReq(*mtu, req)
	case attOpFindByTypeReq:
		return s.handleFindByTypeReq(*mtu, req)
	case attOpReadByTypeReq:
		return s.handleReadByTypeReq(*mtu, req)
	case attOpReadByGroupReq:
		return s.handleReadByGroupReq(*mtu, req)
	case attOpReadReq:
		return s.handleReadReq(*mtu, req)
	case attOpReadBlobReq:
		return s.handleReadBlobReq(*mtu, req)
	case attOpReadMultiReq:
		return s.handleReadMultiReq(*mtu, req)
	case attOpWriteReq, attOpPrepWriteReq:
		return s.handleWriteReq(req)
	case attOpExecWriteReq:
		return errorResponse(op, 0, attErrorRequestNotSupported)
	case attOpWriteCmd, attOpSignedWriteCmd:
		var handle uint16
		if len(req) >= 3 {
			handle = binary.LittleEndian.Uint16(req[1:])
		}
		return nil, &RequestError{Opcode: op, Handle: handle, Code: attErrorWriteNotPermitted}
	case attOpHandleCNF:
		return nil, nil
	}

	if op&attOpCommandFlag != 0 {
		return nil, &RequestError{Opcode: op, Code: attErrorRequestNotSupported}
	}
	return errorResponse(op, 0, attErrorRequestNotSupported)
}

func (s *AttributeServer) handleMTUReq(mtu *uint16, req []byte) ([]byte, error) {
	if len(req) != 3 {
		return errorResponse(req[0], 0, attErrorInvalidPDU)
	}

	client := binary.LittleEndian.Uint16(req[1:])
	if client < defaultMTU {
		client = defaultMTU
	}
	*mtu = min(client, uint16(L2CAPMTU))

	var b [3]byte
	b[0] = attOpMTUResponse
	binary.LittleEndian.PutUint16(b[1:], L2CAPMTU)

	return b[:], nil
}

// handleRange parses the handle range of a request, req[1:5].
func handleRange(req []byte) (start, end uint16, ok bool) {
	start = binary.LittleEndian.Uint16(req[1:])
	end = binary.LittleEndian.Uint16(req[3:])
	return start, end, start != 0 && start <= end
}

// inRange returns the attributes with handles in [start, end].
func (s *AttributeServer) inRange(start, end uint16) []attribute {
	if int(start) > len(s.attrs) {
		return nil
	}
	last := min(int(end), len(s.attrs))
	return s.attrs[start-1 : last]
}

func (s *AttributeServer) handleFindInfoReq(mtu uint16, req []byte) ([]byte, error) {
	if len(req) != 5 {
		return errorResponse(req[0], 0, attErrorInvalidPDU)
	}
	start, end, ok := handleRange(req)
	if !ok {
		return errorResponse(req[0], start, attErrorInvalidHandle)
	}

	resp := make([]byte, 2, mtu)
	resp[0] = attOpFindInfoResponse

	format := byte(0)
	for _, a := range s.inRange(start, end) {
		f := byte(1)
		if len(a.typ) == 16 {
			f = 2
		}
		if format == 0 {
			format = f
		} else if f != format {
			break
		}
		if len(resp)+2+len(a.typ) > int(mtu) {
			break
		}
		resp = binary.LittleEndian.AppendUint16(resp, a.handle)
		resp = append(resp, a.typ...)
	}

	if format == 0 {
		return errorResponse(req[0], start, attErrorAttrNotFound)
	}
	resp[1] = format

	return resp, nil
}

func (s *AttributeServer) handleFindByTypeReq(mtu uint16, req []byte) ([]byte, error) {
	if len(req) < 7 {
		return errorResponse(req[0], 0, attErrorInvalidPDU)
	}
	start, end, ok := handleRange(req)
	if !ok {
		return errorResponse(req[0], start, attErrorInvalidHandle)
	}
	typ := ble.UUID(req[5:7])
	value := req[7:]

	resp := make([]byte, 1, mtu)
	resp[0] = attOpFindByTypeResponse

	for _, a := range s.inRange(start, end) {
		if !bytes.Equal(a.typ, typ) || !bytes.Equal(a.value, value) {
			continue
		}
		if len(resp)+4 > int(mtu) {
			break
		}
		groupEnd := a.handle
		if a.endHandle != 0 {
			groupEnd = a.endHandle
		}
		resp = binary.LittleEndian.AppendUint16(resp, a.handle)
		resp = binary.LittleEndian.AppendUint16(resp, groupEnd)
	}

	if len(resp) == 1 {
		return errorResponse(req[0], start, attErrorAttrNotFound)
	}

	return resp, nil
}

func (s *AttributeServer) handleReadByTypeReq(mtu uint16, req []byte) ([]byte, error) {
	if len(req) != 7 && len(req) != 21 {
		return errorResponse(req[0], 0, attErrorInvalidPDU)
	}
	start, end, ok := handleRange(req)
	if !ok {
		return errorResponse(req[0], start, attErrorInvalidHandle)
	}
	typ, _ := parseUUID(req[5:])

	resp := make([]byte, 2, mtu)
	resp[0] = attOpReadByTypeResponse

	entryLen := 0
	for _, a := range s.inRange(start, end) {
		if !bytes.Equal(a.typ, typ) {
			continue
		}
		if !a.readable {
			if entryLen == 0 {
				return errorResponse(req[0], a.handle, attErrorReadNotPermitted)
			}
			break
		}

		value := a.value
		if maxLen := min(int(mtu)-4, 253); len(value) > maxLen {
			value = value[:maxLen]
		}
		l := 2 + len(value)
		if entryLen == 0 {
			entryLen = l
		} else if l != entryLen {
			break
		}
		if len(resp)+l > int(mtu) {
			break
		}
		resp = binary.LittleEndian.AppendUint16(resp, a.handle)
		resp = append(resp, value...)
	}

	if entryLen == 0 {
		return errorResponse(req[0], start, attErrorAttrNotFound)
	}
	resp[1] = byte(entryLen)

	return resp, nil
}

func (s *AttributeServer) handleReadByGroupReq(mtu uint16, req []byte) ([]byte, error) {
	if len(req) != 7 && len(req) != 21 {
		return errorResponse(req[0], 0, attErrorInvalidPDU)
	}
	start, end, ok := handleRange(req)
	if !ok {
		return errorResponse(req[0], start, attErrorInvalidHandle)
	}
	typ, _ := parseUUID(req[5:])
	if !bytes.Equal(typ, gattPrimaryServiceUUID) && !bytes.Equal(typ, gattSecondaryServiceUUID) {
		return errorResponse(req[0], start, attErrorUnsupportedGroupType)
	}

	resp := make([]byte, 2, mtu)
	resp[0] = attOpReadByGroupResponse

	entryLen := 0
	for _, a := range s.inRange(start, end) {
		if !bytes.Equal(a.typ, typ) {
			continue
		}
		l := 4 + len(a.value)
		if entryLen == 0 {
			entryLen = l
		} else if l != entryLen {
			break
		}
		if len(resp)+l > int(mtu) {
			break
		}
		resp = binary.LittleEndian.AppendUint16(resp, a.handle)
		resp = binary.LittleEndian.AppendUint16(resp, a.endHandle)
		resp = append(resp, a.value...)
	}

	if entryLen == 0 {
		return errorResponse(req[0], start, attErrorAttrNotFound)
	}
	resp[1] = byte(entryLen)

	return resp, nil
}

func (s *AttributeServer) readable(op uint8, handle uint16) (*attribute, []byte, error) {
	a := s.attribute(handle)
	if a == nil {
		resp, err := errorResponse(op, handle, attErrorInvalidHandle)
		return nil, resp, err
	}
	if !a.readable {
		resp, err := errorResponse(op, handle, attErrorReadNotPermitted)
		return nil, resp, err
	}
	return a, nil, nil
}

func readResponse(op uint8, mtu uint16, value []byte) []byte {
	if len(value) > int(mtu)-1 {
		value = value[:mtu-1]
	}
	resp := make([]byte, 1, 1+len(value))
	resp[0] = op
	return append(resp, value...)
}

func (s *AttributeServer) handleReadReq(mtu uint16, req []byte) ([]byte, error) {
	if len(req) != 3 {
		return errorResponse(req[0], 0, attErrorInvalidPDU)
	}
	a, resp, err := s.readable(req[0], binary.LittleEndian.Uint16(req[1:]))
	if a == nil {
		return resp, err
	}

	return readResponse(attOpReadResponse, mtu, a.value), nil
}

func (s *AttributeServer) handleReadBlobReq(mtu uint16, req []byte) ([]byte, error) {
	if len(req) != 5 {
		return errorResponse(req[0], 0, attErrorInvalidPDU)
	}
	handle := binary.LittleEndian.Uint16(req[1:])
	offset := int(binary.LittleEndian.Uint16(req[3:]))

	a, resp, err := s.readable(req[0], handle)
	if a == nil {
		return resp, err
	}
	if offset > len(a.value) {
		return errorResponse(req[0], handle, attErrorInvalidOffset)
	}

	return readResponse(attOpReadBlobResponse, mtu, a.value[offset:]), nil
}

func (s *AttributeServer) handleReadMultiReq(mtu uint16, req []byte) ([]byte, error) {
	if len(req) < 5 || (len(req)-1)%2 != 0 {
		return errorResponse(req[0], 0, attErrorInvalidPDU)
	}

	var values []byte
	for i := 1; i < len(req); i += 2 {
		a, resp, err := s.readable(req[0], binary.LittleEndian.Uint16(req[i:]))
		if a == nil {
			return resp, err
		}
		values = append(values, a.value...)
	}

	return readResponse(attOpReadMultiResponse, mtu, values), nil
}

func (s *AttributeServer) handleWriteReq(req []byte) ([]byte, error) {
	if len(req) < 3 || (req[0] == attOpPrepWriteReq && len(req) < 5) {
		return errorResponse(req[0], 0, attErrorInvalidPDU)
	}
	handle := binary.LittleEndian.Uint16(req[1:])
	if s.attribute(handle) == nil {
		return errorResponse(req[0], handle, attErrorInvalidHandle)
	}

	return errorResponse(req[0], handle, attErrorWriteNotPermitted)
}
