package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	m "github.com/chrishulbert/MegaComet/message"
)

var (
	// the in-progress frame was dropped, the decoder is idle again
	ErrOverrun   = errors.New("frame field overrun")
	ErrMalformed = errors.New("malformed frame")
)

type decodeState uint8

const (
	decodeIdle decodeState = iota
	decodeHelloIndex
	decodeRouteClientID
	decodeRoutePayload
	decodeRouteV2Len
	decodeRouteV2Body
	decodeRouteV2Skip
)

type Frame struct {
	Tag         byte
	WorkerIndex uint8   // TagHello
	Route       m.Route // TagRoute, TagRouteV2; slices alias Raw

	// exact bytes of the frame as received, owned by the receiver
	Raw []byte
}

// Decoder is a resumable byte-stream parser for manager frames. It never
// buffers more than one frame and recovers from malformed input by dropping
// the frame in progress and returning to idle.
type Decoder struct {
	state decodeState
	raw   []byte
	idLen int

	lenBuf  [4]byte
	lenN    int
	bodyLen uint32
	skip    uint32
}

func (d *Decoder) Reset() {
	d.state = decodeIdle
	d.raw = nil
	d.idLen = 0
	d.lenN = 0
	d.bodyLen = 0
	d.skip = 0
}

func (d *Decoder) drop(err error, handle func(*Frame, error)) {
	d.Reset()
	handle(nil, err)
}

// Feed consumes every byte of b. handle is invoked once per completed frame
// with err == nil, or with a nil frame and ErrOverrun/ErrMalformed for every
// dropped one. Frames may span any number of Feed calls.
func (d *Decoder) Feed(b []byte, handle func(*Frame, error)) {
	for i := 0; i < len(b); i++ {
		c := b[i]

		switch d.state {
		case decodeIdle:
			switch c {
			case TagHello:
				d.raw = append(make([]byte, 0, 2), c)
				d.state = decodeHelloIndex
			case TagRoute:
				d.raw = append(make([]byte, 0, 64), c)
				d.idLen = 0
				d.state = decodeRouteClientID
			case TagRouteV2:
				d.lenN = 0
				d.state = decodeRouteV2Len
			default:
				// not the start of a frame, ignore
			}

		case decodeHelloIndex:
			d.raw = append(d.raw, c)
			f := &Frame{
				Tag:         TagHello,
				WorkerIndex: c,
				Raw:         d.raw,
			}
			d.Reset()
			handle(f, nil)

		case decodeRouteClientID:
			if c == 0x00 {
				// an empty id is rejected once the payload terminator arrives, keeping the stream aligned
				d.raw = append(d.raw, c)
				d.state = decodeRoutePayload
				continue
			}
			if d.idLen >= MaxClientIDLen {
				d.drop(fmt.Errorf("%w: client id exceeds %d bytes", ErrOverrun, MaxClientIDLen), handle)
				continue
			}
			d.raw = append(d.raw, c)
			d.idLen++

		case decodeRoutePayload:
			if c == 0x00 {
				d.raw = append(d.raw, c)
				raw := d.raw
				idLen := d.idLen
				d.Reset()
				if idLen == 0 {
					handle(nil, fmt.Errorf("%w: empty client id", ErrMalformed))
					continue
				}
				handle(
					&Frame{
						Tag: TagRoute,
						Route: m.Route{
							ClientID: raw[1 : 1+idLen],
							Payload:  raw[2+idLen : len(raw)-1],
						},
						Raw: raw,
					},
					nil,
				)
				continue
			}
			if len(d.raw)-2-d.idLen >= MaxPayloadLen {
				d.drop(fmt.Errorf("%w: payload exceeds %d bytes", ErrOverrun, MaxPayloadLen), handle)
				continue
			}
			d.raw = append(d.raw, c)

		case decodeRouteV2Len:
			d.lenBuf[d.lenN] = c
			d.lenN++
			if d.lenN < 4 {
				continue
			}
			d.bodyLen = binary.LittleEndian.Uint32(d.lenBuf[:])
			if d.bodyLen > MaxRouteBody {
				skip := d.bodyLen
				d.drop(fmt.Errorf("%w: route body of %d bytes exceeds %d", ErrOverrun, skip, MaxRouteBody), handle)
				// length is trustworthy, skip the body to stay aligned
				d.state = decodeRouteV2Skip
				d.skip = skip
				continue
			}
			if d.bodyLen == 0 {
				d.drop(fmt.Errorf("%w: empty route body", ErrMalformed), handle)
				continue
			}
			d.raw = make([]byte, 0, 5+int(d.bodyLen))
			d.raw = append(d.raw, TagRouteV2)
			d.raw = append(d.raw, d.lenBuf[:]...)
			d.state = decodeRouteV2Body

		case decodeRouteV2Body:
			want := 5 + int(d.bodyLen) - len(d.raw)
			avail := len(b) - i
			if avail < want {
				d.raw = append(d.raw, b[i:]...)
				return
			}
			d.raw = append(d.raw, b[i:i+want]...)
			i += want - 1

			raw := d.raw
			d.Reset()

			f := &Frame{
				Tag: TagRouteV2,
				Raw: raw,
			}
			err := msgpack.Unmarshal(raw[5:], &f.Route)
			if err != nil {
				handle(nil, fmt.Errorf("%w: %s", ErrMalformed, err.Error()))
				continue
			}
			if len(f.Route.ClientID) == 0 {
				handle(nil, fmt.Errorf("%w: empty client id", ErrMalformed))
				continue
			}
			if len(f.Route.ClientID) > MaxClientIDLen {
				handle(nil, fmt.Errorf("%w: client id exceeds %d bytes", ErrOverrun, MaxClientIDLen))
				continue
			}
			if len(f.Route.Payload) > MaxPayloadLen {
				handle(nil, fmt.Errorf("%w: payload exceeds %d bytes", ErrOverrun, MaxPayloadLen))
				continue
			}
			handle(f, nil)

		case decodeRouteV2Skip:
			avail := uint32(len(b) - i)
			if avail < d.skip {
				d.skip -= avail
				return
			}
			i += int(d.skip) - 1
			d.Reset()
		}
	}
}
