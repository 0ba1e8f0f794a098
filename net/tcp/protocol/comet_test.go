package protocol

import (
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Meander-Cloud/go-transport/tcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrishulbert/MegaComet/arbiter"
	"github.com/chrishulbert/MegaComet/comet"
	"github.com/chrishulbert/MegaComet/config"
)

type cometEvents struct {
	mutex      sync.Mutex
	identified []string
	exits      int
	respond    []byte
}

func (h *cometEvents) ClientIdentified(_ *CometServer, c *comet.Conn) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.identified = append(h.identified, c.ClientID())
	if h.respond != nil {
		c.Respond(h.respond)
	}
}

func (h *cometEvents) ConnectionExit(_ *CometServer, c *comet.Conn) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.exits++
}

func (h *cometEvents) counts() ([]string, int) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return append([]string(nil), h.identified...), h.exits
}

func newTestArbiter(t *testing.T, eventChannelLength uint16) *arbiter.Arbiter {
	t.Helper()
	c := config.Default()
	c.EventChannelLength = eventChannelLength
	a := arbiter.NewArbiter(c, "test-Arbiter")
	t.Cleanup(a.Shutdown)
	return a
}

func newTestCometServer(t *testing.T, h CometHandler, headerTimeout time.Duration, waitTimeout time.Duration) *CometServer {
	t.Helper()
	return newTestCometServerOn(t, newTestArbiter(t, 64), h, headerTimeout, waitTimeout)
}

func newTestCometServerOn(t *testing.T, a *arbiter.Arbiter, h CometHandler, headerTimeout time.Duration, waitTimeout time.Duration) *CometServer {
	t.Helper()

	p, err := NewCometServer(&CometServerOptions{
		Options:         &tcp.Options{LogPrefix: "test-comet"},
		Arbiter:         a,
		CometHandler:    h,
		HeaderTimeout:   headerTimeout,
		WaitTimeout:     waitTimeout,
		MaxRequestBytes: 256,
		SelfID:          "worker-0",
	})
	require.NoError(t, err)
	return p
}

// dial runs ReadLoop on one end of a pipe and returns the other.
func dial(p *CometServer) (net.Conn, <-chan struct{}) {
	serverEnd, clientEnd := net.Pipe()
	donech := make(chan struct{})
	go func() {
		defer close(donech)
		p.ReadLoop(serverEnd)
	}()
	return clientEnd, donech
}

func waitDone(t *testing.T, donech <-chan struct{}) {
	t.Helper()
	select {
	case <-donech:
	case <-time.After(time.Second * 3):
		t.Fatal("read loop did not exit")
	}
}

func TestCometIdentifiesAcrossReads(t *testing.T) {
	h := &cometEvents{respond: []byte("hi")}
	p := newTestCometServer(t, h, 0, 0)

	clientEnd, donech := dial(p)
	defer clientEnd.Close()

	for _, chunk := range []string{"GET /ab", "c123.j", "s?x=1 HTTP/1.1\r\nHost:", " x\r\n", "\r\n"} {
		_, err := clientEnd.Write([]byte(chunk))
		require.NoError(t, err)
	}

	b, err := io.ReadAll(clientEnd)
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\nConnection: close\r\n\r\nhi", string(b))

	waitDone(t, donech)
	require.Eventually(t, func() bool {
		ids, exits := h.counts()
		return len(ids) == 1 && ids[0] == "abc123" && exits == 1
	}, time.Second*3, time.Millisecond*5)
	assert.Equal(t, 0, p.ConnCount())
}

func TestCometProtocolErrorClosesSilently(t *testing.T) {
	h := &cometEvents{}
	p := newTestCometServer(t, h, 0, 0)

	clientEnd, donech := dial(p)
	defer clientEnd.Close()

	_, err := clientEnd.Write([]byte("GET /abc.png HTTP/1.1\r\n"))
	require.NoError(t, err)

	b, _ := io.ReadAll(clientEnd)
	assert.Empty(t, b)
	waitDone(t, donech)

	require.Eventually(t, func() bool {
		ids, exits := h.counts()
		return len(ids) == 0 && exits == 1
	}, time.Second*3, time.Millisecond*5)
}

func TestCometHeaderTimeout(t *testing.T) {
	h := &cometEvents{}
	p := newTestCometServer(t, h, time.Millisecond*30, 0)

	clientEnd, donech := dial(p)
	defer clientEnd.Close()

	_, err := clientEnd.Write([]byte("GET /abc.js HTTP/1.1\r\n"))
	require.NoError(t, err)

	waitDone(t, donech)
	ids, _ := h.counts()
	assert.Empty(t, ids)
}

func TestCometWaitTimeout(t *testing.T) {
	h := &cometEvents{}
	p := newTestCometServer(t, h, 0, time.Millisecond*30)

	clientEnd, donech := dial(p)
	defer clientEnd.Close()

	_, err := clientEnd.Write([]byte("GET /abc.js HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)

	// identified, then closed without a response once the wait expires
	b, _ := io.ReadAll(clientEnd)
	assert.Empty(t, b)
	waitDone(t, donech)

	require.Eventually(t, func() bool {
		ids, exits := h.counts()
		return len(ids) == 1 && exits == 1
	}, time.Second*3, time.Millisecond*5)
}

func TestCometRefusedAfterClose(t *testing.T) {
	h := &cometEvents{}
	p := newTestCometServer(t, h, 0, 0)
	p.Close()

	clientEnd, donech := dial(p)
	defer clientEnd.Close()
	waitDone(t, donech)

	_, err := clientEnd.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	_, exits := h.counts()
	assert.Equal(t, 0, exits)
}

func TestCometOversizedIDThenValidRequest(t *testing.T) {
	h := &cometEvents{respond: []byte("ok")}
	p := newTestCometServer(t, h, 0, 0)

	first, donech := dial(p)
	defer first.Close()
	_, err := first.Write([]byte("GET /" + strings.Repeat("a", 200) + ".js HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)
	b, _ := io.ReadAll(first)
	assert.Empty(t, b)
	waitDone(t, donech)

	// wait for the Conn to go back to the pool
	require.Eventually(t, func() bool {
		_, exits := h.counts()
		return exits == 1
	}, time.Second*3, time.Millisecond*5)

	second, donech := dial(p)
	defer second.Close()
	_, err = second.Write([]byte("GET /abc123.js HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)
	b, err = io.ReadAll(second)
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\nConnection: close\r\n\r\nok", string(b))
	waitDone(t, donech)

	ids, _ := h.counts()
	assert.Equal(t, []string{"abc123"}, ids)
}

func TestCometExitSurvivesFullEventChannel(t *testing.T) {
	h := &cometEvents{}
	a := newTestArbiter(t, 2)
	p := newTestCometServerOn(t, a, h, 0, 0)

	clientEnd, donech := dial(p)
	_, err := clientEnd.Write([]byte("GET /abc.js HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		ids, _ := h.counts()
		return len(ids) == 1
	}, time.Second*3, time.Millisecond*5)

	// stall the arbiter and fill its event channel
	releasech := make(chan struct{})
	var releaseOnce sync.Once
	release := func() { releaseOnce.Do(func() { close(releasech) }) }
	defer release()

	startedch := make(chan struct{})
	require.NoError(t, a.Dispatch(func() {
		close(startedch)
		<-releasech
	}))
	<-startedch

	full := false
	for i := 0; i < 64; i++ {
		if a.Dispatch(func() {}) != nil {
			full = true
			break
		}
	}
	require.True(t, full)

	clientEnd.Close()
	select {
	case <-donech:
		t.Fatal("read loop exited while the exit event could not be queued")
	case <-time.After(time.Millisecond * 50):
	}

	release()
	waitDone(t, donech)
	require.Eventually(t, func() bool {
		_, exits := h.counts()
		return exits == 1
	}, time.Second*3, time.Millisecond*5)
	assert.Equal(t, 0, p.ConnCount())
}

func TestNewCometServerInvalid(t *testing.T) {
	_, err := NewCometServer(&CometServerOptions{Options: &tcp.Options{LogPrefix: "test"}})
	assert.Error(t, err)
}
