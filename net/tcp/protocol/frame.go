package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	m "github.com/chrishulbert/MegaComet/message"
)

var (
	ErrClientIDLen = errors.New("client id length out of range")
	ErrPayloadLen  = errors.New("payload too long")
	ErrNulByte     = errors.New("wire v1 fields cannot contain NUL bytes")
	ErrWireVersion = errors.New("unsupported wire version")
	ErrRouteBody   = errors.New("route body too long")
)

// IsRouteRejected reports whether err means the route can never be encoded,
// so resending it cannot succeed.
func IsRouteRejected(err error) bool {
	return errors.Is(err, ErrClientIDLen) ||
		errors.Is(err, ErrPayloadLen) ||
		errors.Is(err, ErrNulByte) ||
		errors.Is(err, ErrRouteBody)
}

func AppendHello(dst []byte, workerIndex uint8) []byte {
	return append(dst, TagHello, workerIndex)
}

func validateRoute(route *m.Route) error {
	if len(route.ClientID) == 0 || len(route.ClientID) > MaxClientIDLen {
		return fmt.Errorf("%w: %d", ErrClientIDLen, len(route.ClientID))
	}
	if len(route.Payload) > MaxPayloadLen {
		return fmt.Errorf("%w: %d", ErrPayloadLen, len(route.Payload))
	}
	return nil
}

// AppendRouteV1 appends 0x02, id, 0x00, payload, 0x00.
func AppendRouteV1(dst []byte, route *m.Route) ([]byte, error) {
	err := validateRoute(route)
	if err != nil {
		return dst, err
	}
	if bytes.IndexByte(route.ClientID, 0) >= 0 || bytes.IndexByte(route.Payload, 0) >= 0 {
		return dst, ErrNulByte
	}

	dst = append(dst, TagRoute)
	dst = append(dst, route.ClientID...)
	dst = append(dst, 0x00)
	dst = append(dst, route.Payload...)
	dst = append(dst, 0x00)
	return dst, nil
}

// AppendRouteV2 appends 0x03, body length as uint32 little endian, msgpack body.
func AppendRouteV2(dst []byte, route *m.Route) ([]byte, error) {
	err := validateRoute(route)
	if err != nil {
		return dst, err
	}

	buffer := bytes.NewBuffer(dst)

	// write header of five bytes
	// 0 - tag
	// 1,2,3,4 - body length of type uint32, little endian byte order
	start := buffer.Len()
	buffer.WriteByte(TagRouteV2)

	// placeholder for body length
	buffer.Write([]byte{0x00, 0x00, 0x00, 0x00})

	// write body
	err = msgpack.NewEncoder(buffer).Encode(route)
	if err != nil {
		return dst, err
	}

	buf := buffer.Bytes()
	// do not access buffer beyond this point

	bodyLen := uint32(len(buf) - start - 5)
	if bodyLen > MaxRouteBody {
		return dst, fmt.Errorf("%w: %d bytes exceeds %d", ErrRouteBody, bodyLen, MaxRouteBody)
	}
	binary.LittleEndian.PutUint32(buf[start+1:start+5], bodyLen)

	return buf, nil
}

func AppendRoute(dst []byte, version WireVersion, route *m.Route) ([]byte, error) {
	switch version {
	case WireVersion1:
		return AppendRouteV1(dst, route)
	case WireVersion2:
		return AppendRouteV2(dst, route)
	default:
		return dst, fmt.Errorf("%w: %d", ErrWireVersion, version)
	}
}
