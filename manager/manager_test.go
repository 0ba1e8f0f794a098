package manager_test

import (
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/Meander-Cloud/go-transport/tcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrishulbert/MegaComet/config"
	"github.com/chrishulbert/MegaComet/manager"
	m "github.com/chrishulbert/MegaComet/message"
	tp "github.com/chrishulbert/MegaComet/net/tcp/protocol"
	"github.com/chrishulbert/MegaComet/worker"
)

const (
	waitFor = time.Second * 3
	tick    = time.Millisecond * 5
)

func testConfig() *config.Config {
	c := config.Default()
	c.WorkerCount = 2
	c.LogPrefix = "test"
	return c
}

type cluster struct {
	t       *testing.T
	c       *config.Config
	mg      *manager.Manager
	server  *tp.Server
	workers []*worker.Worker
	comets  []*tp.CometServer
}

// newCluster wires a manager and its workers over in-memory pipes.
func newCluster(t *testing.T, c *config.Config, maxConns int, workerIndexes ...uint8) *cluster {
	t.Helper()

	mg, err := manager.New(c)
	require.NoError(t, err)

	server, err := tp.NewServer(
		&tp.ServerOptions{
			Options:       &tcp.Options{LogPrefix: "test-manager"},
			Arbiter:       mg.Arbiter(),
			ServerHandler: mg.Handler(),
			MaxConns:      maxConns,
			SelfID:        "manager",
		},
	)
	require.NoError(t, err)

	cl := &cluster{
		t:      t,
		c:      c,
		mg:     mg,
		server: server,
	}

	for _, index := range workerIndexes {
		w, err := worker.New(c, index)
		require.NoError(t, err)

		comet, err := tp.NewCometServer(
			&tp.CometServerOptions{
				Options:      &tcp.Options{LogPrefix: "test-comet"},
				Arbiter:      w.Arbiter(),
				CometHandler: w.Handler(),
				SelfID:       "worker",
			},
		)
		require.NoError(t, err)

		link, err := tp.NewClient(
			&tp.ClientOptions{
				Options:       &tcp.Options{Address: "pipe", LogPrefix: "test-link"},
				Arbiter:       w.Arbiter(),
				ClientHandler: w.Handler(),
				WorkerIndex:   index,
				SelfID:        "worker",
			},
		)
		require.NoError(t, err)

		managerEnd, workerEnd := net.Pipe()
		go server.ReadLoop(managerEnd)
		go link.ReadLoop(workerEnd)

		cl.workers = append(cl.workers, w)
		cl.comets = append(cl.comets, comet)
	}

	require.Eventually(t, func() bool {
		s, err := mg.Snapshot(context.Background())
		return err == nil && len(s.Links) == len(workerIndexes)
	}, waitFor, tick)

	t.Cleanup(func() {
		server.Close()
		for i, w := range cl.workers {
			cl.comets[i].Close()
			w.Shutdown()
		}
		mg.Shutdown()
	})

	return cl
}

// publisher opens a connection to the manager.
func (cl *cluster) publisher() net.Conn {
	managerEnd, publisherEnd := net.Pipe()
	go cl.server.ReadLoop(managerEnd)
	cl.t.Cleanup(func() { publisherEnd.Close() })
	return publisherEnd
}

// poll opens a long-poll request to the worker at position i and returns a
// channel yielding everything the worker sends before closing.
func (cl *cluster) poll(i int, request string) <-chan string {
	serverEnd, clientEnd := net.Pipe()
	go cl.comets[i].ReadLoop(serverEnd)

	resultch := make(chan string, 1)
	go func() {
		defer clientEnd.Close()
		_, err := clientEnd.Write([]byte(request))
		if err != nil {
			resultch <- ""
			return
		}
		b, _ := io.ReadAll(clientEnd)
		resultch <- string(b)
	}()
	return resultch
}

func (cl *cluster) waitForWaiters(i int, n int) {
	require.Eventually(cl.t, func() bool {
		s, err := cl.workers[i].Snapshot(context.Background())
		return err == nil && s.Engine.Waiting == n
	}, waitFor, tick)
}

func receive(t *testing.T, resultch <-chan string) string {
	t.Helper()
	select {
	case r := <-resultch:
		return r
	case <-time.After(waitFor):
		t.Fatal("no response")
		return ""
	}
}

func route(t *testing.T, version tp.WireVersion, clientID string, payload string) []byte {
	t.Helper()
	b, err := tp.AppendRoute(nil, version, &m.Route{
		ClientID: []byte(clientID),
		Payload:  []byte(payload),
	})
	require.NoError(t, err)
	return b
}

func TestEndToEndWaitingClient(t *testing.T) {
	cl := newCluster(t, testConfig(), 8, 0, 1)

	// abc123 hashes to worker 0 of 2
	resultch := cl.poll(0, "GET /abc123.js HTTP/1.1\r\nHost: x\r\n\r\n")
	cl.waitForWaiters(0, 1)

	pub := cl.publisher()
	_, err := pub.Write(route(t, tp.WireVersion1, "abc123", "hello"))
	require.NoError(t, err)

	assert.Equal(t, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\nConnection: close\r\n\r\nhello", receive(t, resultch))
	cl.waitForWaiters(0, 0)

	s, err := cl.mg.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), s.Counters.Forwarded)
}

func TestEndToEndQueuedBeforeConnect(t *testing.T) {
	cl := newCluster(t, testConfig(), 8, 0, 1)

	pub := cl.publisher()
	_, err := pub.Write(route(t, tp.WireVersion2, "abc123", "first"))
	require.NoError(t, err)
	_, err = pub.Write(route(t, tp.WireVersion2, "abc123", "second\x00binary"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, err := cl.workers[0].Snapshot(context.Background())
		return err == nil && s.Engine.PendingMessages == 2
	}, waitFor, tick)

	r := receive(t, cl.poll(0, "GET /abc123.js HTTP/1.1\r\n\r\n"))
	assert.True(t, strings.HasSuffix(r, "\r\n\r\nfirst"), r)

	r = receive(t, cl.poll(0, "GET /abc123.js?n=2 HTTP/1.1\r\n\r\n"))
	assert.Equal(t, "HTTP/1.1 200 OK\r\nContent-Length: 13\r\nConnection: close\r\n\r\nsecond\x00binary", r)
}

func TestEndToEndOverrunRecovery(t *testing.T) {
	cl := newCluster(t, testConfig(), 8, 0, 1)

	resultch := cl.poll(0, "GET /abc123.js HTTP/1.1\r\n\r\n")
	cl.waitForWaiters(0, 1)

	pub := cl.publisher()
	oversized := append([]byte{tp.TagRoute}, []byte(strings.Repeat("x", 200))...)
	oversized = append(oversized, 0x00, 'p', 0x00)
	_, err := pub.Write(oversized)
	require.NoError(t, err)
	_, err = pub.Write(route(t, tp.WireVersion1, "abc123", "after"))
	require.NoError(t, err)

	assert.True(t, strings.HasSuffix(receive(t, resultch), "\r\n\r\nafter"))
	assert.Positive(t, cl.server.DroppedFrames())
}

func TestEndToEndMalformedRequest(t *testing.T) {
	cl := newCluster(t, testConfig(), 8, 0)

	assert.Equal(t, "", receive(t, cl.poll(0, "GET /foo.png HTTP/1.1\r\n\r\n")))
	cl.waitForWaiters(0, 0)
}

func TestRouteWithoutLinkDropped(t *testing.T) {
	// only worker 0 links, Sue hashes to worker 1
	cl := newCluster(t, testConfig(), 8, 0)

	pub := cl.publisher()
	_, err := pub.Write(route(t, tp.WireVersion2, "Sue", "nobody home"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, err := cl.mg.Snapshot(context.Background())
		return err == nil && s.Counters.NoLink == 1
	}, waitFor, tick)
}

func TestWorkerReRegistrationClosesOldLink(t *testing.T) {
	cl := newCluster(t, testConfig(), 8)

	oldManagerEnd, oldWorkerEnd := net.Pipe()
	go cl.server.ReadLoop(oldManagerEnd)
	_, err := oldWorkerEnd.Write(tp.AppendHello(nil, 1))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, err := cl.mg.Snapshot(context.Background())
		return err == nil && len(s.Links) == 1
	}, waitFor, tick)

	newManagerEnd, newWorkerEnd := net.Pipe()
	defer newWorkerEnd.Close()
	go cl.server.ReadLoop(newManagerEnd)
	_, err = newWorkerEnd.Write(tp.AppendHello(nil, 1))
	require.NoError(t, err)

	// the manager closes the replaced link
	oldWorkerEnd.SetReadDeadline(time.Now().Add(waitFor))
	_, err = oldWorkerEnd.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	s, err := cl.mg.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, s.Links, 1)
	assert.Equal(t, 1, s.Links[0].WorkerIndex)
	assert.Equal(t, uint64(2), s.Counters.Hellos)
}

func TestHelloOutOfRangeIgnored(t *testing.T) {
	cl := newCluster(t, testConfig(), 8)

	managerEnd, workerEnd := net.Pipe()
	defer workerEnd.Close()
	go cl.server.ReadLoop(managerEnd)
	_, err := workerEnd.Write(tp.AppendHello(nil, 7))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, err := cl.mg.Snapshot(context.Background())
		return err == nil && s.Counters.IgnoredHellos == 1 && len(s.Links) == 0
	}, waitFor, tick)
}

func TestManagerCapacity(t *testing.T) {
	cl := newCluster(t, testConfig(), 1)

	first := cl.publisher()
	require.Eventually(t, func() bool { return cl.server.ConnCount() == 1 }, waitFor, tick)

	second := cl.publisher()
	second.SetReadDeadline(time.Now().Add(waitFor))
	_, err := second.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	assert.Equal(t, 1, cl.server.ConnCount())
	first.Close()
	require.Eventually(t, func() bool { return cl.server.ConnCount() == 0 }, waitFor, tick)
}

func TestWorkerHelloMovesIndex(t *testing.T) {
	cl := newCluster(t, testConfig(), 8)

	managerEnd, workerEnd := net.Pipe()
	go cl.server.ReadLoop(managerEnd)
	_, err := workerEnd.Write(tp.AppendHello(nil, 0))
	require.NoError(t, err)
	_, err = workerEnd.Write(tp.AppendHello(nil, 1))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, err := cl.mg.Snapshot(context.Background())
		return err == nil && s.Counters.Hellos == 2
	}, waitFor, tick)

	// only the latest index holds the connection
	s, err := cl.mg.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, s.Links, 1)
	assert.Equal(t, 1, s.Links[0].WorkerIndex)

	workerEnd.Close()
	require.Eventually(t, func() bool {
		s, err := cl.mg.Snapshot(context.Background())
		return err == nil && len(s.Links) == 0
	}, waitFor, tick)
}
