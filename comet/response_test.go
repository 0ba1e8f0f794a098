package comet

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendResponse(t *testing.T) {
	got := AppendResponse(nil, []byte("hello"))
	assert.Equal(t, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\nConnection: close\r\n\r\nhello", string(got))

	got = AppendResponse(nil, nil)
	assert.Equal(t, "HTTP/1.1 200 OK\r\nContent-Length: 0\r\nConnection: close\r\n\r\n", string(got))
}

func TestWriteResponseBinaryPayload(t *testing.T) {
	payload := []byte{0x00, 0x01, 0xFF, 0x00}

	var buf bytes.Buffer
	n, err := WriteResponse(&buf, payload)
	require.NoError(t, err)
	assert.Equal(t, buf.Len(), n)
	assert.True(t, bytes.HasSuffix(buf.Bytes(), payload))
	assert.Contains(t, buf.String(), "Content-Length: 4\r\n")
}

func TestConnRespondClosesSocket(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	c := Acquire(1, server, "[1]test", 0)
	defer Release(c)

	readch := make(chan []byte, 1)
	go func() {
		b, _ := io.ReadAll(client)
		readch <- b
	}()

	require.NoError(t, c.Respond([]byte("hi")))

	select {
	case b := <-readch:
		assert.Equal(t, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\nConnection: close\r\n\r\nhi", string(b))
	case <-time.After(time.Second):
		t.Fatal("response not received")
	}
}

func TestConnAbortWritesNothing(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	c := Acquire(2, server, "[2]test", 0)
	defer Release(c)

	readch := make(chan []byte, 1)
	go func() {
		b, _ := io.ReadAll(client)
		readch <- b
	}()

	c.Abort()

	select {
	case b := <-readch:
		assert.Empty(t, b)
	case <-time.After(time.Second):
		t.Fatal("close not observed")
	}
}

func TestAcquireResetsParser(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := Acquire(3, server, "[3]test", 0)
	_, err := c.Parser.Feed([]byte("GET /abc.js HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)
	require.True(t, c.Parser.Done())
	Release(c)

	c = Acquire(4, server, "[4]test", 0)
	defer Release(c)
	assert.Equal(t, StateAwaitSlash, c.Parser.State())
	assert.Equal(t, "", c.ClientID())
	assert.Equal(t, uint32(4), c.ID)
}
