// Package worker holds the long-poll connections for one shard of client ids
// and delivers the messages the manager relays for them.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/chrishulbert/MegaComet/arbiter"
	"github.com/chrishulbert/MegaComet/config"
	g "github.com/chrishulbert/MegaComet/group"
	"github.com/chrishulbert/MegaComet/net/tcp"
	tp "github.com/chrishulbert/MegaComet/net/tcp/protocol"
	"github.com/chrishulbert/MegaComet/shard"
	"github.com/chrishulbert/MegaComet/stats"
)

var ErrManagerLost = errors.New("lost link to manager")

const (
	shutdownCallTimeout time.Duration = time.Second * 3
)

type Counters struct {
	Identified     uint64 `json:"identified"`
	RoutesReceived uint64 `json:"routes_received"`
	Misrouted      uint64 `json:"misrouted"`
	LinkUps        uint64 `json:"link_ups"`
	LinkDowns      uint64 `json:"link_downs"`
}

// State is owned by the arbiter goroutine.
type State struct {
	Engine  *Engine
	Sharder *shard.Sharder

	LinkUp          bool
	ExpiryScheduled bool

	Counters Counters
}

type Worker struct {
	c         *config.Config
	index     uint8
	logPrefix string
	a         *arbiter.Arbiter
	state     *State
	matrix    *tcp.Matrix
	comet     *tp.CometServer
	registry  *prometheus.Registry
	stats     *stats.Server

	// receives once when the process should exit
	fatalch chan error
}

// New builds a Worker without transports; NewWorker also listens and dials.
func New(c *config.Config, index uint8) (*Worker, error) {
	if int(index) >= int(c.WorkerCount) {
		err := fmt.Errorf("%s: invalid worker index=%d, WorkerCount=%d", c.LogPrefix, index, c.WorkerCount)
		log.Printf("%s", err.Error())
		return nil, err
	}

	logPrefix := fmt.Sprintf("%s-Worker-%d", c.LogPrefix, index)

	sharder, err := shard.NewSharder(shard.Version(c.HashVersion), int(c.WorkerCount))
	if err != nil {
		log.Printf("%s: %s", logPrefix, err.Error())
		return nil, err
	}

	var maxPendingClients uint32
	if c.MaxPendingClients == 0 {
		maxPendingClients = config.MaxPendingClients
	} else {
		maxPendingClients = c.MaxPendingClients
	}

	var maxQueueLength uint16
	if c.MaxQueueLength == 0 {
		maxQueueLength = config.MaxQueueLength
	} else {
		maxQueueLength = c.MaxQueueLength
	}

	engine, err := NewEngine(
		&EngineOptions{
			MaxPendingClients: int(maxPendingClients),
			MaxQueueLength:    int(maxQueueLength),
			MessageTTL:        c.Duration(c.MessageTTL, 0),
			LogPrefix:         logPrefix,
			LogDebug:          c.LogDebug,
		},
	)
	if err != nil {
		return nil, err
	}

	w := &Worker{
		c:         c,
		index:     index,
		logPrefix: logPrefix,
		a:         arbiter.NewArbiter(c, fmt.Sprintf("%s-Arbiter", logPrefix)),
		state: &State{
			Engine:  engine,
			Sharder: sharder,
		},
		matrix:   nil,
		comet:    nil,
		registry: prometheus.NewRegistry(),
		stats:    nil,
		fatalch:  make(chan error, 1),
	}
	w.registry.MustRegister(newCollector(w))

	w.a.Dispatch(
		func() {
			// invoked on arbiter goroutine
			w.scheduleExpiry()
		},
	)

	return w, nil
}

func NewWorker(c *config.Config, index uint8) (*Worker, error) {
	err := c.Validate()
	if err != nil {
		return nil, err
	}

	w, err := New(c, index)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err != nil {
			w.Shutdown() // wait
		}
	}()

	h := w.Handler()

	w.matrix, err = tcp.NewWorkerMatrix(
		c,
		w.a,
		index,
		h,
		h,
	)
	if err != nil {
		return nil, err
	}
	w.comet = w.matrix.Comet()

	address := c.StatsListenAddress(int(index))
	if address != "" {
		w.stats, err = stats.Start(
			&stats.Options{
				Address:  address,
				Gatherer: w.registry,
				Snapshot: func(ctx context.Context) (any, error) {
					return w.Snapshot(ctx)
				},
				LogPrefix: fmt.Sprintf("%s-Stats", w.logPrefix),
				LogDebug:  c.LogDebug,
			},
		)
		if err != nil {
			return nil, err
		}
	}

	log.Printf("%s: serving comet clients on %s", w.logPrefix, c.CometListenAddress(index))

	return w, nil
}

// Fatal delivers ErrManagerLost when the manager link drops and the worker
// is configured to exit on manager loss.
func (w *Worker) Fatal() <-chan error {
	return w.fatalch
}

func (w *Worker) Shutdown() {
	if w.stats != nil {
		w.stats.Shutdown() // wait
	}

	if w.matrix != nil {
		w.matrix.Shutdown() // wait
	}

	if w.a != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownCallTimeout)
		w.a.Call(
			ctx,
			func() {
				// invoked on arbiter goroutine
				if w.state.ExpiryScheduled {
					w.a.ReleaseTimer(g.GroupQueueExpiry)
					w.state.ExpiryScheduled = false
				}
				w.state.Engine.Close()
			},
		)
		cancel()

		w.a.Shutdown() // wait
	}
}

type Snapshot struct {
	WorkerIndex int            `json:"worker_index"`
	HashVersion string         `json:"hash_version"`
	LinkUp      bool           `json:"link_up"`
	Connections int            `json:"connections"`
	Engine      EngineSnapshot `json:"engine"`
	Counters    Counters       `json:"counters"`
}

// Snapshot is taken on the arbiter goroutine.
func (w *Worker) Snapshot(ctx context.Context) (*Snapshot, error) {
	s := &Snapshot{
		WorkerIndex: int(w.index),
	}
	err := w.a.Call(
		ctx,
		func() {
			// invoked on arbiter goroutine
			s.HashVersion = w.state.Sharder.Version().String()
			s.LinkUp = w.state.LinkUp
			s.Engine = w.state.Engine.Snapshot()
			s.Counters = w.state.Counters
		},
	)
	if err != nil {
		return nil, err
	}

	if w.comet != nil {
		s.Connections = w.comet.ConnCount()
	}

	return s, nil
}

func (w *Worker) Arbiter() *arbiter.Arbiter {
	return w.a
}

func (w *Worker) Handler() *Handler {
	return &Handler{
		w: w,
	}
}

func (w *Worker) Registry() *prometheus.Registry {
	return w.registry
}
