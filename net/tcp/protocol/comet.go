package protocol

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Meander-Cloud/go-transport/tcp"

	"github.com/chrishulbert/MegaComet/arbiter"
	"github.com/chrishulbert/MegaComet/comet"
)

// CometHandler receives long-poll connection events, always on the arbiter goroutine.
type CometHandler interface {
	ClientIdentified(*CometServer, *comet.Conn)
	// the socket is already closed; the Conn is released right after this returns
	ConnectionExit(*CometServer, *comet.Conn)
}

type CometServerOptions struct {
	*tcp.Options
	Arbiter *arbiter.Arbiter
	CometHandler

	// zero disables
	HeaderTimeout time.Duration
	WaitTimeout   time.Duration

	MaxRequestBytes int
	SelfID          string
}

// CometServer accepts long-poll clients for one worker. Each socket's
// goroutine only parses the request head; everything past that happens on
// the arbiter goroutine.
type CometServer struct {
	options    *CometServerOptions
	inShutdown atomic.Bool

	// if increment overflow will wrap to zero
	connIDGen atomic.Uint32

	mutex   sync.Mutex
	connMap map[uint32]net.Conn
}

func NewCometServer(options *CometServerOptions) (*CometServer, error) {
	if options.Arbiter == nil {
		err := fmt.Errorf("%s: nil Arbiter", options.LogPrefix)
		log.Printf("%s", err.Error())
		return nil, err
	}

	if options.CometHandler == nil {
		err := fmt.Errorf("%s: nil CometHandler", options.LogPrefix)
		log.Printf("%s", err.Error())
		return nil, err
	}

	if options.SelfID == "" {
		err := fmt.Errorf("%s: invalid SelfID", options.LogPrefix)
		log.Printf("%s", err.Error())
		return nil, err
	}

	p := &CometServer{
		options:    options,
		inShutdown: atomic.Bool{},

		connIDGen: atomic.Uint32{},

		mutex:   sync.Mutex{},
		connMap: make(map[uint32]net.Conn),
	}

	return p, nil
}

func (p *CometServer) Options() *CometServerOptions {
	return p.options
}

func (p *CometServer) Close() {
	log.Printf("%s: protocol closing", p.options.LogPrefix)
	p.inShutdown.Store(true)

	func() {
		p.mutex.Lock()
		defer p.mutex.Unlock()

		for _, conn := range p.connMap {
			conn.Close()
		}
	}()

	log.Printf("%s: protocol closed", p.options.LogPrefix)
}

func (p *CometServer) ReadLoop(conn net.Conn) {
	connID := p.getNextConnID()
	descriptor := fmt.Sprintf(
		"[%d]%s<-<%s>",
		connID,
		p.options.SelfID,
		conn.RemoteAddr().String(),
	)

	registered := func() bool {
		p.mutex.Lock()
		defer p.mutex.Unlock()

		if p.inShutdown.Load() {
			return false
		}
		p.connMap[connID] = conn
		return true
	}()
	if !registered {
		conn.Close()
		return
	}

	c := comet.Acquire(connID, conn, descriptor, p.options.MaxRequestBytes)

	if p.options.LogDebug {
		log.Printf("%s: %s: new connection", p.options.LogPrefix, descriptor)
	}

	defer func() {
		func() {
			p.mutex.Lock()
			defer p.mutex.Unlock()

			delete(p.connMap, connID)
		}()

		conn.Close()

		// the arbiter may still hold c as a waiter, so it is released there
		err := p.options.Arbiter.DispatchWait(
			func() {
				// invoked on arbiter goroutine
				p.options.ConnectionExit(p, c)
				comet.Release(c)
			},
		)
		if err != nil {
			log.Printf("%s: %s: failed to dispatch connection exit, connection left to collector", p.options.LogPrefix, descriptor)
		}

		if p.options.LogDebug {
			log.Printf("%s: %s: connection closed", p.options.LogPrefix, descriptor)
		}
	}()

	if p.options.HeaderTimeout > 0 {
		conn.SetReadDeadline(time.Now().UTC().Add(p.options.HeaderTimeout))
	}

	identified := false
	buf := c.ReadBuffer()
	for {
		n, err := conn.Read(buf)
		if n > 0 && !identified {
			_, perr := c.Parser.Feed(buf[:n])
			if perr != nil {
				if p.options.LogDebug {
					log.Printf("%s: %s: dropping connection, err=%s", p.options.LogPrefix, descriptor, perr.Error())
				}
				return
			}

			if c.Parser.Done() {
				identified = true
				c.IdentifiedAt = time.Now().UTC()

				if p.options.WaitTimeout > 0 {
					conn.SetReadDeadline(c.IdentifiedAt.Add(p.options.WaitTimeout))
				} else {
					conn.SetReadDeadline(time.Time{})
				}

				// the parser is not touched by this goroutine from here on
				err := p.options.Arbiter.DispatchWait(
					func() {
						// invoked on arbiter goroutine
						p.options.ClientIdentified(p, c)
					},
				)
				if err != nil {
					return
				}
			}
		}
		if err != nil {
			if p.options.LogDebug && !errors.Is(err, net.ErrClosed) {
				log.Printf("%s: %s: read ended, identified=%t, err=%s", p.options.LogPrefix, descriptor, identified, err.Error())
			}
			return
		}
	}
}

// invoked on ReadLoop goroutine
func (p *CometServer) getNextConnID() uint32 {
	return p.connIDGen.Add(1)
}

// invoked on any goroutine
func (p *CometServer) ConnCount() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return len(p.connMap)
}
