package manager

import (
	"log"

	"github.com/chrishulbert/MegaComet/config"
	tp "github.com/chrishulbert/MegaComet/net/tcp/protocol"
	"github.com/chrishulbert/MegaComet/shard"
)

type Counters struct {
	Hellos        uint64 `json:"hellos"`
	IgnoredHellos uint64 `json:"ignored_hellos"`
	Forwarded     uint64 `json:"forwarded"`
	NoLink        uint64 `json:"no_link"`
	WriteFailed   uint64 `json:"write_failed"`
}

// State is owned by the arbiter goroutine.
type State struct {
	Sharder *shard.Sharder

	// worker index -> live link, nil when the worker is not connected
	LinkList []*tp.ConnState

	Counters Counters
}

func NewState(c *config.Config) (*State, error) {
	sharder, err := shard.NewSharder(shard.Version(c.HashVersion), int(c.WorkerCount))
	if err != nil {
		log.Printf("%s: %s", c.LogPrefix, err.Error())
		return nil, err
	}

	log.Printf(
		"%s: workerCount=%d, hash=%s",
		c.LogPrefix,
		sharder.WorkerCount(),
		sharder.Version(),
	)

	s := &State{
		Sharder:  sharder,
		LinkList: make([]*tp.ConnState, sharder.WorkerCount()),
		Counters: Counters{},
	}

	return s, nil
}

func (s *State) LinkCount() int {
	count := 0
	for _, link := range s.LinkList {
		if link != nil {
			count++
		}
	}
	return count
}
