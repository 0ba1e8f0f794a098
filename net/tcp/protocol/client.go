package protocol

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"github.com/Meander-Cloud/go-transport/tcp"

	"github.com/chrishulbert/MegaComet/arbiter"
	m "github.com/chrishulbert/MegaComet/message"
)

// ClientHandler receives worker link events, always on the arbiter goroutine.
type ClientHandler interface {
	LinkReady(*Client, *ConnState)
	RouteReceived(*Client, *ConnState, *Frame)
	LinkExit(*Client, *ConnState, bool)
}

type ClientOptions struct {
	*tcp.Options
	Arbiter *arbiter.Arbiter
	ClientHandler

	WorkerIndex uint8
	SelfID      string
}

// Client is a worker's link to the manager. The hello frame is sent on every
// connect, so a reconnecting transport re-registers the worker.
type Client struct {
	options           *ClientOptions
	defaultDescriptor string
	inShutdown        atomic.Bool

	// if increment overflow will wrap to zero
	connIDGen atomic.Uint32

	mutex     sync.Mutex
	connState *ConnState // current active tcp connection, if any
}

func NewClient(options *ClientOptions) (*Client, error) {
	if options.Arbiter == nil {
		err := fmt.Errorf("%s: nil Arbiter", options.LogPrefix)
		log.Printf("%s", err.Error())
		return nil, err
	}

	if options.ClientHandler == nil {
		err := fmt.Errorf("%s: nil ClientHandler", options.LogPrefix)
		log.Printf("%s", err.Error())
		return nil, err
	}

	if options.SelfID == "" {
		err := fmt.Errorf("%s: invalid SelfID", options.LogPrefix)
		log.Printf("%s", err.Error())
		return nil, err
	}

	p := &Client{
		options: options,
		defaultDescriptor: fmt.Sprintf(
			"%s-><%s>",
			options.SelfID,
			options.Address,
		),
		inShutdown: atomic.Bool{},

		connIDGen: atomic.Uint32{},

		mutex:     sync.Mutex{},
		connState: nil,
	}

	return p, nil
}

func (p *Client) Options() *ClientOptions {
	return p.options
}

func (p *Client) Close() {
	log.Printf("%s: %s: protocol closing", p.options.LogPrefix, p.defaultDescriptor)
	p.inShutdown.Store(true)

	func() {
		p.mutex.Lock()
		defer p.mutex.Unlock()

		if p.connState == nil {
			log.Printf("%s: %s: no active connection", p.options.LogPrefix, p.defaultDescriptor)
			return
		}

		p.connState.Ready.Store(false)
		p.connState.Conn.Close()
	}()

	log.Printf("%s: %s: protocol closed", p.options.LogPrefix, p.defaultDescriptor)
}

func (p *Client) ReadLoop(conn net.Conn) {
	connState := &ConnState{
		ConnID: p.getNextConnID(),
		Conn:   conn,
		Data:   atomic.Pointer[ConnVolatileData]{},
		Ready:  atomic.Bool{},
	}
	cvd := &ConnVolatileData{
		Role:        m.RoleWorker,
		WorkerIndex: p.options.WorkerIndex,

		Descriptor: fmt.Sprintf(
			"[%d]%s->manager<%s>",
			connState.ConnID,
			p.options.SelfID,
			conn.RemoteAddr().String(),
		),
	}
	connState.Data.Store(cvd)

	network := conn.RemoteAddr().Network()

	log.Printf("%s: %s: new %s connection", p.options.LogPrefix, cvd.Descriptor, network)

	defer func() {
		log.Printf("%s: %s: closing %s connection", p.options.LogPrefix, cvd.Descriptor, network)
		connState.Ready.Store(false)

		selfInShutdown := p.inShutdown.Load()

		func() {
			p.mutex.Lock()
			defer p.mutex.Unlock()

			if p.connState == nil {
				log.Printf("%s: %s: no connection cached, state corrupt", p.options.LogPrefix, cvd.Descriptor)
				return
			}

			if connState.ConnID != p.connState.ConnID {
				log.Printf("%s: %s: connID mismatch stack<%d>:cached<%d>, state corrupt", p.options.LogPrefix, cvd.Descriptor, connState.ConnID, p.connState.ConnID)
				return
			}

			p.connState = nil
		}()

		conn.Close()

		p.options.Arbiter.DispatchWait(
			func() {
				// invoked on arbiter goroutine
				p.options.LinkExit(p, connState, selfInShutdown)
			},
		)

		log.Printf("%s: %s: %s connection closed, selfInShutdown=%t", p.options.LogPrefix, cvd.Descriptor, network, selfInShutdown)
	}()

	func() {
		p.mutex.Lock()
		defer p.mutex.Unlock()

		if p.connState != nil {
			log.Printf("%s: %s: overriding stale connection %s", p.options.LogPrefix, cvd.Descriptor, p.connState.Data.Load().Descriptor)
		}
		p.connState = connState
	}()

	// announce worker index
	err := p.options.Arbiter.DispatchWait(
		func() {
			// invoked on arbiter goroutine
			err := writeWireData(
				p.options.LogPrefix,
				connState,
				AppendHello(nil, p.options.WorkerIndex),
				p.options.LogDebug,
			)
			if err != nil {
				conn.Close()
				return
			}

			connState.Ready.Store(true)
			log.Printf("%s: %s: connection now ready", p.options.LogPrefix, cvd.Descriptor)

			p.options.LinkReady(p, connState)
		},
	)
	if err != nil {
		return
	}

	var dispatchErr error
	handleFrame := func(f *Frame, err error) {
		if dispatchErr != nil {
			return
		}

		if err != nil {
			log.Printf("%s: %s: dropped frame, err=%s", p.options.LogPrefix, cvd.Descriptor, err.Error())
			return
		}

		switch f.Tag {
		case TagRoute, TagRouteV2:
			dispatchErr = p.options.Arbiter.DispatchWait(
				func() {
					// invoked on arbiter goroutine
					p.options.RouteReceived(p, connState, f)
				},
			)
		default:
			log.Printf("%s: %s: ignoring frame tag=%X from manager", p.options.LogPrefix, cvd.Descriptor, f.Tag)
		}
	}

	var decoder Decoder
	buf := make([]byte, readBufferLen)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			decoder.Feed(buf[:n], handleFrame)
			if dispatchErr != nil {
				log.Printf("%s: %s: failed to dispatch, err=%s", p.options.LogPrefix, cvd.Descriptor, dispatchErr.Error())
				return
			}
		}
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Printf("%s: %s: read ended, err=%s", p.options.LogPrefix, cvd.Descriptor, err.Error())
			}
			return
		}
	}
}

// invoked on ReadLoop goroutine
func (p *Client) getNextConnID() uint32 {
	return p.connIDGen.Add(1)
}

// invoked on any goroutine
func (p *Client) CheckConnection() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.connState == nil {
		return false
	}

	return p.connState.Ready.Load()
}
