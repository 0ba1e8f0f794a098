package tcp

import (
	"fmt"
	"time"

	"github.com/Meander-Cloud/go-transport/tcp"

	"github.com/chrishulbert/MegaComet/arbiter"
	"github.com/chrishulbert/MegaComet/config"
	tp "github.com/chrishulbert/MegaComet/net/tcp/protocol"
)

type ServerStruct struct {
	protocol  *tp.Server
	tcpServer *tcp.TcpServer
}

type CometStruct struct {
	protocol  *tp.CometServer
	tcpServer *tcp.TcpServer
}

type ClientStruct struct {
	protocol  *tp.Client
	tcpClient *tcp.TcpClient
}

// Matrix owns the transports of one process: the manager listener, or a
// worker's comet listener plus its link to the manager.
type Matrix struct {
	server *ServerStruct
	comet  *CometStruct
	client *ClientStruct
}

func transportOptions(c *config.Config, address string, logPrefix string) *tcp.Options {
	var tcpKeepAliveCount uint16
	if c.TcpKeepAliveCount == 0 {
		tcpKeepAliveCount = config.TcpKeepAliveCount
	} else {
		tcpKeepAliveCount = c.TcpKeepAliveCount
	}

	var tcpReconnectLogEvery uint32
	if c.TcpReconnectLogEvery == 0 {
		tcpReconnectLogEvery = config.TcpReconnectLogEvery
	} else {
		tcpReconnectLogEvery = c.TcpReconnectLogEvery
	}

	return &tcp.Options{
		Address:           address,
		KeepAliveInterval: c.Duration(c.TcpKeepAliveInterval, config.TcpKeepAliveInterval),
		KeepAliveCount:    tcpKeepAliveCount,
		DialTimeout:       c.Duration(c.TcpDialTimeout, config.TcpDialTimeout),
		ReconnectInterval: c.Duration(c.TcpReconnectInterval, config.TcpReconnectInterval),
		ReconnectLogEvery: tcpReconnectLogEvery,
		Protocol:          nil,
		LogPrefix:         logPrefix,
		LogDebug:          c.LogDebug,
	}
}

func NewManagerMatrix(
	c *config.Config,
	a *arbiter.Arbiter,
	sh tp.ServerHandler,
) (*Matrix, error) {
	var maxConns uint16
	if c.MaxManagerConns == 0 {
		maxConns = config.MaxManagerConns
	} else {
		maxConns = c.MaxManagerConns
	}

	m := &Matrix{
		server: &ServerStruct{
			protocol:  nil,
			tcpServer: nil,
		},
	}

	var err error
	defer func() {
		if err != nil {
			m.Shutdown() // wait
		}
	}()

	m.server.protocol, err = tp.NewServer(
		&tp.ServerOptions{
			Options:       transportOptions(c, c.ManagerListenAddress(), fmt.Sprintf("%s-Manager", c.LogPrefix)),
			Arbiter:       a,
			ServerHandler: sh,
			MaxConns:      int(maxConns),
			SelfID:        "manager",
		},
	)
	if err != nil {
		return nil, err
	}
	m.server.protocol.Options().Protocol = m.server.protocol

	m.server.tcpServer, err = tcp.NewTcpServer(m.server.protocol.Options().Options)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func NewWorkerMatrix(
	c *config.Config,
	a *arbiter.Arbiter,
	index uint8,
	coh tp.CometHandler,
	clh tp.ClientHandler,
) (*Matrix, error) {
	var maxRequestBytes uint32
	if c.MaxRequestBytes == 0 {
		maxRequestBytes = config.MaxRequestBytes
	} else {
		maxRequestBytes = c.MaxRequestBytes
	}

	selfID := fmt.Sprintf("worker-%d", index)

	m := &Matrix{
		comet: &CometStruct{
			protocol:  nil,
			tcpServer: nil,
		},
		client: &ClientStruct{
			protocol:  nil,
			tcpClient: nil,
		},
	}

	var err error
	defer func() {
		if err != nil {
			m.Shutdown() // wait
		}
	}()

	m.comet.protocol, err = tp.NewCometServer(
		&tp.CometServerOptions{
			Options:         transportOptions(c, c.CometListenAddress(index), fmt.Sprintf("%s-Comet-%d", c.LogPrefix, index)),
			Arbiter:         a,
			CometHandler:    coh,
			HeaderTimeout:   c.Duration(c.HeaderTimeout, 0),
			WaitTimeout:     c.Duration(c.WaitTimeout, 0),
			MaxRequestBytes: int(maxRequestBytes),
			SelfID:          selfID,
		},
	)
	if err != nil {
		return nil, err
	}
	m.comet.protocol.Options().Protocol = m.comet.protocol

	m.comet.tcpServer, err = tcp.NewTcpServer(m.comet.protocol.Options().Options)
	if err != nil {
		return nil, err
	}

	m.client.protocol, err = tp.NewClient(
		&tp.ClientOptions{
			Options:       transportOptions(c, c.ManagerDialAddress(), fmt.Sprintf("%s-Link-%d", c.LogPrefix, index)),
			Arbiter:       a,
			ClientHandler: clh,
			WorkerIndex:   index,
			SelfID:        selfID,
		},
	)
	if err != nil {
		return nil, err
	}
	m.client.protocol.Options().Protocol = m.client.protocol

	m.client.tcpClient, err = tcp.NewTcpClient(m.client.protocol.Options().Options)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Shutdown stops accepting and dialing, then closes every connection.
func (m *Matrix) Shutdown() {
	if m.client != nil &&
		m.client.tcpClient != nil {
		m.client.tcpClient.Shutdown() // wait
	}

	if m.comet != nil &&
		m.comet.tcpServer != nil {
		m.comet.tcpServer.Shutdown() // wait
	}

	if m.server != nil &&
		m.server.tcpServer != nil {
		m.server.tcpServer.Shutdown() // wait
	}

	<-time.After(time.Second)
}

func (m *Matrix) Server() *tp.Server {
	if m.server == nil {
		return nil
	}
	return m.server.protocol
}

func (m *Matrix) Comet() *tp.CometServer {
	if m.comet == nil {
		return nil
	}
	return m.comet.protocol
}

func (m *Matrix) Client() *tp.Client {
	if m.client == nil {
		return nil
	}
	return m.client.protocol
}
