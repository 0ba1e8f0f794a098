package protocol

import (
	"fmt"
	"log"
	"net"
	"sync/atomic"
	"time"

	m "github.com/chrishulbert/MegaComet/message"
)

const (
	tcpWriteDeadline time.Duration = time.Second * 3
)

const (
	MaxClientIDLen int    = 128
	MaxPayloadLen  int    = 1024
	MaxRouteBody   uint32 = 4096 // msgpack body of a v2 route frame

	readBufferLen int = 2048 // enough for a full legacy route frame
)

const (
	TagHello   byte = 0x01
	TagRoute   byte = 0x02 // NUL delimited fields
	TagRouteV2 byte = 0x03 // uint32 little endian length + msgpack body
)

type WireVersion uint8

const (
	WireVersionInvalid WireVersion = 0
	WireVersion1       WireVersion = 1
	WireVersion2       WireVersion = 2
)

func (v WireVersion) String() string {
	switch v {
	case WireVersionInvalid:
		return "Invalid Wire Version"
	case WireVersion1:
		return "Wire v1"
	case WireVersion2:
		return "Wire v2"
	default:
		return "Unknown Wire Version"
	}
}

type ConnVolatileData struct {
	Role        m.Role
	WorkerIndex uint8
	Descriptor  string
}

type ConnState struct {
	ConnID uint32
	Conn   net.Conn
	// callers can set pointers but must not modify pointed data, to allow concurrent immutable read
	Data  atomic.Pointer[ConnVolatileData]
	Ready atomic.Bool
}

// invoked on arbiter goroutine
func writeWireData(logPrefix string, connState *ConnState, buf []byte, logDebug bool) error {
	descriptor := connState.Data.Load().Descriptor

	connState.Conn.SetWriteDeadline(time.Now().UTC().Add(tcpWriteDeadline))
	n, err := connState.Conn.Write(buf)
	if err != nil {
		err = fmt.Errorf("%s: %s: failed to write %d bytes, err=%w", logPrefix, descriptor, len(buf), err)
		log.Printf("%s", err.Error())
		return err
	}
	if logDebug {
		log.Printf("%s: %s: wrote %d bytes, tag %X", logPrefix, descriptor, n, buf[0])
	}

	return nil
}
