// Package shard maps client ids onto worker indexes.
//
// The mapping is a contract shared by the manager, which routes with it, and
// by any tool that needs to predict where a client id lives. Both sides must
// agree on the hash Version and the worker count.
package shard

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

type Version uint8

const (
	VersionInvalid Version = 0
	// X31 string hash, as routed by legacy deployments
	VersionX31 Version = 1
	// xxHash64
	VersionXXH64 Version = 2
)

func (v Version) String() string {
	switch v {
	case VersionInvalid:
		return "Invalid Version"
	case VersionX31:
		return "X31"
	case VersionXXH64:
		return "XXH64"
	default:
		return "Unknown Version"
	}
}

// X31 returns h = h*31 + c over the id, seeded with its first byte.
func X31(clientID []byte) uint32 {
	if len(clientID) == 0 {
		return 0
	}
	// bytes are widened as signed chars, so ids with bytes >= 0x80 route
	// the same as legacy deployments
	h := uint32(int8(clientID[0]))
	for _, c := range clientID[1:] {
		h = (h << 5) - h + uint32(int8(c))
	}
	return h
}

func Hash(v Version, clientID []byte) uint64 {
	switch v {
	case VersionXXH64:
		return xxhash.Sum64(clientID)
	default:
		return uint64(X31(clientID))
	}
}

type Sharder struct {
	version     Version
	workerCount int
}

func NewSharder(version Version, workerCount int) (*Sharder, error) {
	if version != VersionX31 && version != VersionXXH64 {
		return nil, fmt.Errorf("unsupported shard version=%d", version)
	}
	if workerCount <= 0 {
		return nil, fmt.Errorf("invalid workerCount=%d", workerCount)
	}
	return &Sharder{
		version:     version,
		workerCount: workerCount,
	}, nil
}

func (s *Sharder) Version() Version {
	return s.version
}

func (s *Sharder) WorkerCount() int {
	return s.workerCount
}

// WorkerFor returns the worker index in [0, WorkerCount) owning clientID.
func (s *Sharder) WorkerFor(clientID []byte) int {
	return int(Hash(s.version, clientID) % uint64(s.workerCount))
}

// WorkerFor uses VersionX31, the default contract.
func WorkerFor(clientID string, workerCount int) int {
	if workerCount <= 0 {
		return 0
	}
	return int(uint64(X31([]byte(clientID))) % uint64(workerCount))
}
