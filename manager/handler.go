package manager

import (
	m "github.com/chrishulbert/MegaComet/message"
	tp "github.com/chrishulbert/MegaComet/net/tcp/protocol"
)

type Handler struct {
	mg *Manager
}

func (h *Handler) WorkerHello(p *tp.Server, connState *tp.ConnState, hello *m.Hello) {
	h.mg.workerHello(p, connState, hello)
}

func (h *Handler) RouteReceived(p *tp.Server, connState *tp.ConnState, f *tp.Frame) {
	h.mg.routeReceived(p, connState, f)
}

func (h *Handler) ConnectionExit(p *tp.Server, connState *tp.ConnState) {
	h.mg.connectionExit(p, connState)
}
