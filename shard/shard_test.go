package shard

import (
	"fmt"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestX31KnownValues(t *testing.T) {
	tests := []struct {
		id   string
		hash uint32
	}{
		{"", 0},
		{"a", 97},
		{"Sue", 83491},
		{"abc123", 2870530704},
		{"0000001", 1070509617},
		{"hello-world", 2166285015},
		{"café", 94414350},
		{"über", 4236704150},
		{"\xff", 4294967295},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			assert.Equal(t, tt.hash, X31([]byte(tt.id)))
		})
	}
}

func TestWorkerForDeterministic(t *testing.T) {
	s, err := NewSharder(VersionX31, 8)
	require.NoError(t, err)

	for i := 0; i < 1000; i++ {
		id := []byte(fmt.Sprintf("client-%d", i))
		first := s.WorkerFor(id)
		require.GreaterOrEqual(t, first, 0)
		require.Less(t, first, 8)

		// a second instance agrees, as a second process would
		other, err := NewSharder(VersionX31, 8)
		require.NoError(t, err)
		for j := 0; j < 3; j++ {
			assert.Equal(t, first, s.WorkerFor(id))
			assert.Equal(t, first, other.WorkerFor(id))
		}
		assert.Equal(t, first, WorkerFor(string(id), 8))
	}
}

func TestWorkerForMatchesLegacyRouting(t *testing.T) {
	assert.Equal(t, 0, WorkerFor("abc123", 8))
	assert.Equal(t, 3, WorkerFor("Sue", 8))
	assert.Equal(t, 7, WorkerFor("hello-world", 8))

	// non-ASCII bytes are sign extended
	assert.Equal(t, 0, WorkerFor("café", 3))
	assert.Equal(t, 0, WorkerFor("über", 5))
}

func TestWorkerForDistribution(t *testing.T) {
	for _, v := range []Version{VersionX31, VersionXXH64} {
		t.Run(v.String(), func(t *testing.T) {
			s, err := NewSharder(v, 8)
			require.NoError(t, err)

			counts := make([]int, 8)
			const n = 80000
			for i := 0; i < n; i++ {
				counts[s.WorkerFor([]byte(fmt.Sprintf("%07d", i*7919)))]++
			}
			for worker, count := range counts {
				// every worker within 25% of the fair share
				assert.InDelta(t, n/8, count, n/8/4, "worker %d", worker)
			}
		})
	}
}

func TestXXH64Version(t *testing.T) {
	s, err := NewSharder(VersionXXH64, 5)
	require.NoError(t, err)

	id := []byte("abc123")
	assert.Equal(t, int(xxhash.Sum64(id)%5), s.WorkerFor(id))
	assert.Equal(t, xxhash.Sum64(id), Hash(VersionXXH64, id))
}

func TestNewSharderRejectsInvalid(t *testing.T) {
	_, err := NewSharder(VersionInvalid, 8)
	assert.Error(t, err)

	_, err = NewSharder(VersionX31, 0)
	assert.Error(t, err)
}
