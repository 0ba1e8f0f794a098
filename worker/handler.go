package worker

import (
	"github.com/chrishulbert/MegaComet/comet"
	tp "github.com/chrishulbert/MegaComet/net/tcp/protocol"
)

type Handler struct {
	w *Worker
}

func (h *Handler) ClientIdentified(p *tp.CometServer, c *comet.Conn) {
	h.w.clientIdentified(p, c)
}

func (h *Handler) ConnectionExit(p *tp.CometServer, c *comet.Conn) {
	h.w.connectionExit(p, c)
}

func (h *Handler) LinkReady(p *tp.Client, connState *tp.ConnState) {
	h.w.linkReady(p, connState)
}

func (h *Handler) RouteReceived(p *tp.Client, connState *tp.ConnState, f *tp.Frame) {
	h.w.routeReceived(p, connState, f)
}

func (h *Handler) LinkExit(p *tp.Client, connState *tp.ConnState, inShutdown bool) {
	h.w.linkExit(p, connState, inShutdown)
}
