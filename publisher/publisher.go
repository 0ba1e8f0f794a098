// Package publisher submits route frames to the manager over one persistent
// connection, redialing behind a circuit breaker when the manager is away.
package publisher

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	m "github.com/chrishulbert/MegaComet/message"
	tp "github.com/chrishulbert/MegaComet/net/tcp/protocol"
)

const (
	DialTimeout  time.Duration = time.Second * 3
	WriteTimeout time.Duration = time.Second * 3

	// consecutive failed sends before the breaker opens
	TripAfter uint32 = 3
	// how long an open breaker rejects sends before probing again
	OpenTimeout time.Duration = time.Second * 5
)

type DialFunc func(ctx context.Context, network string, address string) (net.Conn, error)

type Options struct {
	Address     string
	WireVersion tp.WireVersion

	// zero selects the package default
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	TripAfter    uint32
	OpenTimeout  time.Duration

	// nil uses net.Dialer
	Dial DialFunc

	LogPrefix string
	LogDebug  bool
}

type Publisher struct {
	options *Options
	breaker *gobreaker.CircuitBreaker

	mutex sync.Mutex
	conn  net.Conn
	buf   []byte
}

func New(options *Options) (*Publisher, error) {
	if options.Address == "" && options.Dial == nil {
		err := fmt.Errorf("%s: invalid Address", options.LogPrefix)
		log.Printf("%s", err.Error())
		return nil, err
	}

	if options.WireVersion != tp.WireVersion1 && options.WireVersion != tp.WireVersion2 {
		err := fmt.Errorf("%s: %w: %d", options.LogPrefix, tp.ErrWireVersion, options.WireVersion)
		log.Printf("%s", err.Error())
		return nil, err
	}

	if options.DialTimeout == 0 {
		options.DialTimeout = DialTimeout
	}
	if options.WriteTimeout == 0 {
		options.WriteTimeout = WriteTimeout
	}
	if options.TripAfter == 0 {
		options.TripAfter = TripAfter
	}
	if options.OpenTimeout == 0 {
		options.OpenTimeout = OpenTimeout
	}
	if options.Dial == nil {
		dialer := &net.Dialer{Timeout: options.DialTimeout}
		options.Dial = dialer.DialContext
	}

	p := &Publisher{
		options: options,
		conn:    nil,
		buf:     make([]byte, 0, 256),
	}

	tripAfter := options.TripAfter
	p.breaker = gobreaker.NewCircuitBreaker(
		gobreaker.Settings{
			Name:        fmt.Sprintf("%s->%s", options.LogPrefix, options.Address),
			MaxRequests: 1,
			Timeout:     options.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= tripAfter
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				log.Printf("%s: breaker %s, %s -> %s", options.LogPrefix, name, from, to)
			},
		},
	)

	return p, nil
}

// Publish sends payload for clientID and returns the route id assigned to it.
// Delivery is not confirmed: a nil error only means the manager accepted the bytes.
func (p *Publisher) Publish(ctx context.Context, clientID string, payload []byte) (string, error) {
	route := &m.Route{
		ID:       uuid.NewString(),
		ClientID: []byte(clientID),
		Payload:  payload,
		Txtime:   time.Now().UTC().UnixMilli(),
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	var err error
	p.buf, err = tp.AppendRoute(p.buf[:0], p.options.WireVersion, route)
	if err != nil {
		err = fmt.Errorf("%s: route id=%s rejected, err=%w", p.options.LogPrefix, route.ID, err)
		log.Printf("%s", err.Error())
		return "", err
	}

	_, err = p.breaker.Execute(
		func() (interface{}, error) {
			return nil, p.send(ctx, p.buf)
		},
	)
	if err != nil {
		return "", err
	}

	if p.options.LogDebug {
		log.Printf("%s: route id=%s for %q sent, %d bytes", p.options.LogPrefix, route.ID, clientID, len(p.buf))
	}

	return route.ID, nil
}

// caller must hold mutex
func (p *Publisher) send(ctx context.Context, buf []byte) error {
	if p.conn == nil {
		dialCtx, cancel := context.WithTimeout(ctx, p.options.DialTimeout)
		conn, err := p.options.Dial(dialCtx, "tcp", p.options.Address)
		cancel()
		if err != nil {
			err = fmt.Errorf("%s: failed to dial %s, err=%w", p.options.LogPrefix, p.options.Address, err)
			log.Printf("%s", err.Error())
			return err
		}
		p.conn = conn
		log.Printf("%s: connected to %s", p.options.LogPrefix, conn.RemoteAddr().String())
	}

	deadline := time.Now().UTC().Add(p.options.WriteTimeout)
	ctxDeadline, ok := ctx.Deadline()
	if ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	p.conn.SetWriteDeadline(deadline)

	_, err := p.conn.Write(buf)
	if err != nil {
		err = fmt.Errorf("%s: failed to write %d bytes, err=%w", p.options.LogPrefix, len(buf), err)
		log.Printf("%s", err.Error())

		// a partial frame may be on the wire, start over on a fresh connection
		p.conn.Close()
		p.conn = nil
		return err
	}

	return nil
}

func (p *Publisher) State() gobreaker.State {
	return p.breaker.State()
}

func (p *Publisher) Close() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}
