package comet

import (
	"fmt"
	"net"
	"sync"
	"time"
)

const (
	readBufferLen int           = 512
	writeDeadline time.Duration = time.Second * 3
)

// Conn is one long-poll client socket and its parse progress. Conns are
// recycled through a pool; a Conn is exclusively owned by the worker between
// Acquire and Release.
type Conn struct {
	ID     uint32
	Conn   net.Conn
	Parser Parser

	Descriptor   string
	AcceptedAt   time.Time
	IdentifiedAt time.Time

	buf [readBufferLen]byte
}

var connPool = sync.Pool{
	New: func() any {
		return &Conn{}
	},
}

func Acquire(id uint32, conn net.Conn, descriptor string, maxRequestBytes int) *Conn {
	c := connPool.Get().(*Conn)
	c.ID = id
	c.Conn = conn
	c.Parser.Reset(maxRequestBytes)
	c.Descriptor = descriptor
	c.AcceptedAt = time.Now().UTC()
	c.IdentifiedAt = time.Time{}
	return c
}

// Release returns c to the pool, c must not be referenced afterwards.
func Release(c *Conn) {
	c.Conn = nil
	c.Descriptor = ""
	connPool.Put(c)
}

// ReadBuffer is scratch space for the socket reader goroutine.
func (c *Conn) ReadBuffer() []byte {
	return c.buf[:]
}

func (c *Conn) ClientID() string {
	return c.Parser.ClientID()
}

func (c *Conn) String() string {
	return c.Descriptor
}

// Respond writes the response carrying payload and closes the socket.
func (c *Conn) Respond(payload []byte) error {
	defer c.Conn.Close()

	c.Conn.SetWriteDeadline(time.Now().UTC().Add(writeDeadline))
	n, err := WriteResponse(c.Conn, payload)
	if err != nil {
		return fmt.Errorf("%s: failed to write response after %d bytes, err=%w", c.Descriptor, n, err)
	}
	return nil
}

// Abort closes the socket without writing anything.
func (c *Conn) Abort() {
	c.Conn.Close()
}
