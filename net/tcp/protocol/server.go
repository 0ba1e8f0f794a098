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

// ServerHandler receives manager side events, always on the arbiter goroutine.
type ServerHandler interface {
	WorkerHello(*Server, *ConnState, *m.Hello)
	RouteReceived(*Server, *ConnState, *Frame)
	ConnectionExit(*Server, *ConnState)
}

type ServerOptions struct {
	*tcp.Options
	Arbiter *arbiter.Arbiter
	ServerHandler

	// connections beyond this count are closed at accept
	MaxConns int
	SelfID   string
}

// Server is the manager's protocol: it accepts workers and publishers on one
// port and tells them apart by the first frame they send.
type Server struct {
	options    *ServerOptions
	inShutdown atomic.Bool

	// if increment overflow will wrap to zero
	connIDGen atomic.Uint32

	// frames discarded by decoders of all connections
	droppedFrames atomic.Uint64

	mutex   sync.Mutex
	connMap map[uint32]*ConnState // connID -> tcp connection state
}

func NewServer(options *ServerOptions) (*Server, error) {
	if options.Arbiter == nil {
		err := fmt.Errorf("%s: nil Arbiter", options.LogPrefix)
		log.Printf("%s", err.Error())
		return nil, err
	}

	if options.ServerHandler == nil {
		err := fmt.Errorf("%s: nil ServerHandler", options.LogPrefix)
		log.Printf("%s", err.Error())
		return nil, err
	}

	if options.MaxConns <= 0 {
		err := fmt.Errorf("%s: invalid MaxConns=%d", options.LogPrefix, options.MaxConns)
		log.Printf("%s", err.Error())
		return nil, err
	}

	if options.SelfID == "" {
		err := fmt.Errorf("%s: invalid SelfID", options.LogPrefix)
		log.Printf("%s", err.Error())
		return nil, err
	}

	p := &Server{
		options:    options,
		inShutdown: atomic.Bool{},

		connIDGen:     atomic.Uint32{},
		droppedFrames: atomic.Uint64{},

		mutex:   sync.Mutex{},
		connMap: make(map[uint32]*ConnState),
	}

	return p, nil
}

func (p *Server) Options() *ServerOptions {
	return p.options
}

func (p *Server) Close() {
	log.Printf("%s: protocol closing", p.options.LogPrefix)
	p.inShutdown.Store(true)

	func() {
		p.mutex.Lock()
		defer p.mutex.Unlock()

		for _, connState := range p.connMap {
			connState.Ready.Store(false)
			connState.Conn.Close()
		}
	}()

	log.Printf("%s: protocol closed", p.options.LogPrefix)
}

// invoked on ReadLoop goroutine
func (p *Server) register(connState *ConnState) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.inShutdown.Load() {
		return false
	}
	if len(p.connMap) >= p.options.MaxConns {
		return false
	}
	p.connMap[connState.ConnID] = connState
	return true
}

func (p *Server) ReadLoop(conn net.Conn) {
	connState := &ConnState{
		ConnID: p.getNextConnID(),
		Conn:   conn,
		Data:   atomic.Pointer[ConnVolatileData]{},
		Ready:  atomic.Bool{},
	}
	cvd := &ConnVolatileData{
		// learned from the first frame
		Role:        m.RoleUnidentified,
		WorkerIndex: 0,

		Descriptor: fmt.Sprintf(
			"[%d]%s<-<%s>",
			connState.ConnID,
			p.options.SelfID,
			conn.RemoteAddr().String(),
		),
	}
	connState.Data.Store(cvd)

	network := conn.RemoteAddr().Network()

	if !p.register(connState) {
		log.Printf("%s: %s: at capacity of %d connections or shutting down, rejecting %s connection", p.options.LogPrefix, cvd.Descriptor, p.options.MaxConns, network)
		conn.Close()
		return
	}
	connState.Ready.Store(true)

	log.Printf("%s: %s: new %s connection", p.options.LogPrefix, cvd.Descriptor, network)

	defer func() {
		log.Printf("%s: %s: closing %s connection", p.options.LogPrefix, cvd.Descriptor, network)
		connState.Ready.Store(false)

		p.options.Arbiter.DispatchWait(
			func() {
				// invoked on arbiter goroutine
				p.options.ConnectionExit(p, connState)
			},
		)

		func() {
			p.mutex.Lock()
			defer p.mutex.Unlock()

			_, found := p.connMap[connState.ConnID]
			if !found {
				log.Printf("%s: %s: connID=%d not found in connection map", p.options.LogPrefix, cvd.Descriptor, connState.ConnID)
				return
			}
			delete(p.connMap, connState.ConnID)
		}()

		conn.Close()
		log.Printf("%s: %s: %s connection closed, selfInShutdown=%t", p.options.LogPrefix, cvd.Descriptor, network, p.inShutdown.Load())
	}()

	var dispatchErr error
	handleFrame := func(f *Frame, err error) {
		if dispatchErr != nil {
			return
		}

		if err != nil {
			// frame dropped, stream stays open
			p.droppedFrames.Add(1)
			log.Printf("%s: %s: dropped frame, err=%s", p.options.LogPrefix, cvd.Descriptor, err.Error())
			return
		}

		switch f.Tag {
		case TagHello:
			if cvd.Role == m.RolePublisher {
				log.Printf("%s: %s: ignoring hello from publisher connection", p.options.LogPrefix, cvd.Descriptor)
				return
			}

			// update volatile data
			cvd = &ConnVolatileData{
				Role:        m.RoleWorker,
				WorkerIndex: f.WorkerIndex,
				Descriptor: fmt.Sprintf(
					"[%d]%s<-worker-%d<%s>",
					connState.ConnID,
					p.options.SelfID,
					f.WorkerIndex,
					conn.RemoteAddr().String(),
				),
			}
			connState.Data.Store(cvd) // atomic

			hello := &m.Hello{WorkerIndex: f.WorkerIndex}
			dispatchErr = p.options.Arbiter.DispatchWait(
				func() {
					// invoked on arbiter goroutine
					p.options.WorkerHello(p, connState, hello)
				},
			)

		case TagRoute, TagRouteV2:
			if cvd.Role == m.RoleUnidentified {
				cvd = &ConnVolatileData{
					Role:        m.RolePublisher,
					WorkerIndex: 0,
					Descriptor: fmt.Sprintf(
						"[%d]%s<-publisher<%s>",
						connState.ConnID,
						p.options.SelfID,
						conn.RemoteAddr().String(),
					),
				}
				connState.Data.Store(cvd) // atomic
			}

			if p.options.LogDebug {
				log.Printf("%s: %s: route frame tag=%X, clientID=%q, %d payload bytes", p.options.LogPrefix, cvd.Descriptor, f.Tag, f.Route.ClientID, len(f.Route.Payload))
			}

			dispatchErr = p.options.Arbiter.DispatchWait(
				func() {
					// invoked on arbiter goroutine
					p.options.RouteReceived(p, connState, f)
				},
			)
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
func (p *Server) getNextConnID() uint32 {
	return p.connIDGen.Add(1)
}

// invoked on any goroutine
func (p *Server) ConnCount() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return len(p.connMap)
}

// invoked on any goroutine
func (p *Server) DroppedFrames() uint64 {
	return p.droppedFrames.Load()
}

// caller must be on arbiter goroutine
func (p *Server) WriteSync(connState *ConnState, buf []byte) error {
	return writeWireData(
		p.options.LogPrefix,
		connState,
		buf,
		p.options.LogDebug,
	)
}
