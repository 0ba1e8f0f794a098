// Package manager relays route frames from publishers to the worker owning
// each client id. All routing state lives on the arbiter goroutine.
package manager

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/chrishulbert/MegaComet/arbiter"
	"github.com/chrishulbert/MegaComet/config"
	"github.com/chrishulbert/MegaComet/net/tcp"
	tp "github.com/chrishulbert/MegaComet/net/tcp/protocol"
	"github.com/chrishulbert/MegaComet/stats"
)

type Manager struct {
	c        *config.Config
	a        *arbiter.Arbiter
	state    *State
	matrix   *tcp.Matrix
	server   *tp.Server
	registry *prometheus.Registry
	stats    *stats.Server
}

// New builds a Manager without transports; NewManager also listens.
func New(c *config.Config) (*Manager, error) {
	state, err := NewState(c)
	if err != nil {
		return nil, err
	}

	mg := &Manager{
		c:        c,
		a:        arbiter.NewArbiter(c, fmt.Sprintf("%s-Manager-Arbiter", c.LogPrefix)),
		state:    state,
		matrix:   nil,
		server:   nil,
		registry: prometheus.NewRegistry(),
		stats:    nil,
	}
	mg.registry.MustRegister(newCollector(mg))

	return mg, nil
}

func NewManager(c *config.Config) (*Manager, error) {
	err := c.Validate()
	if err != nil {
		return nil, err
	}

	mg, err := New(c)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err != nil {
			mg.Shutdown() // wait
		}
	}()

	mg.matrix, err = tcp.NewManagerMatrix(
		c,
		mg.a,
		mg.Handler(),
	)
	if err != nil {
		return nil, err
	}
	mg.server = mg.matrix.Server()

	address := c.StatsListenAddress(-1)
	if address != "" {
		mg.stats, err = stats.Start(
			&stats.Options{
				Address:  address,
				Gatherer: mg.registry,
				Snapshot: func(ctx context.Context) (any, error) {
					return mg.Snapshot(ctx)
				},
				LogPrefix: fmt.Sprintf("%s-Manager-Stats", c.LogPrefix),
				LogDebug:  c.LogDebug,
			},
		)
		if err != nil {
			return nil, err
		}
	}

	return mg, nil
}

func (mg *Manager) Shutdown() {
	if mg.stats != nil {
		mg.stats.Shutdown() // wait
	}

	if mg.matrix != nil {
		mg.matrix.Shutdown() // wait
	}

	if mg.a != nil {
		mg.a.Shutdown() // wait
	}
}

type LinkSnapshot struct {
	WorkerIndex int    `json:"worker_index"`
	Descriptor  string `json:"descriptor"`
}

type Snapshot struct {
	WorkerCount   int            `json:"worker_count"`
	HashVersion   string         `json:"hash_version"`
	Connections   int            `json:"connections"`
	DroppedFrames uint64         `json:"dropped_frames"`
	Links         []LinkSnapshot `json:"links"`
	Counters      Counters       `json:"counters"`
}

// Snapshot is taken on the arbiter goroutine.
func (mg *Manager) Snapshot(ctx context.Context) (*Snapshot, error) {
	s := &Snapshot{}
	err := mg.a.Call(
		ctx,
		func() {
			// invoked on arbiter goroutine
			s.WorkerCount = mg.state.Sharder.WorkerCount()
			s.HashVersion = mg.state.Sharder.Version().String()
			s.Links = make([]LinkSnapshot, 0, len(mg.state.LinkList))
			for index, link := range mg.state.LinkList {
				if link == nil {
					continue
				}
				s.Links = append(s.Links, LinkSnapshot{
					WorkerIndex: index,
					Descriptor:  link.Data.Load().Descriptor,
				})
			}
			s.Counters = mg.state.Counters
		},
	)
	if err != nil {
		return nil, err
	}

	if mg.server != nil {
		s.Connections = mg.server.ConnCount()
		s.DroppedFrames = mg.server.DroppedFrames()
	}

	return s, nil
}

func (mg *Manager) Arbiter() *arbiter.Arbiter {
	return mg.a
}

func (mg *Manager) Handler() *Handler {
	return &Handler{
		mg: mg,
	}
}

func (mg *Manager) Registry() *prometheus.Registry {
	return mg.registry
}
