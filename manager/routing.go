package manager

import (
	"log"

	m "github.com/chrishulbert/MegaComet/message"
	tp "github.com/chrishulbert/MegaComet/net/tcp/protocol"
)

// invoked on arbiter goroutine
func (mg *Manager) workerHello(_ *tp.Server, connState *tp.ConnState, hello *m.Hello) {
	cvd := connState.Data.Load()
	index := int(hello.WorkerIndex)

	if index >= len(mg.state.LinkList) {
		mg.state.Counters.IgnoredHellos++
		log.Printf(
			"%s: %s: worker index %d outside of [0, %d), ignoring",
			mg.c.LogPrefix,
			cvd.Descriptor,
			index,
			len(mg.state.LinkList),
		)
		return
	}

	// a worker connection moving to another index leaves its old slot
	mg.unlink(connState, index)

	cached := mg.state.LinkList[index]
	if cached != nil && cached != connState {
		log.Printf(
			"%s: %s: overriding existing link %s, closing it",
			mg.c.LogPrefix,
			cvd.Descriptor,
			cached.Data.Load().Descriptor,
		)
		cached.Ready.Store(false)
		cached.Conn.Close()
	}
	mg.state.LinkList[index] = connState
	mg.state.Counters.Hellos++

	log.Printf(
		"%s: %s: worker %d linked, %d/%d workers connected",
		mg.c.LogPrefix,
		cvd.Descriptor,
		index,
		mg.state.LinkCount(),
		len(mg.state.LinkList),
	)
}

// invoked on arbiter goroutine
func (mg *Manager) routeReceived(p *tp.Server, connState *tp.ConnState, f *tp.Frame) {
	index := mg.state.Sharder.WorkerFor(f.Route.ClientID)

	link := mg.state.LinkList[index]
	if link == nil || !link.Ready.Load() {
		mg.state.Counters.NoLink++
		log.Printf(
			"%s: %s: no link to worker %d, dropping route for %q",
			mg.c.LogPrefix,
			connState.Data.Load().Descriptor,
			index,
			f.Route.ClientID,
		)
		return
	}

	// forwarded verbatim, the worker decodes the same frame
	err := p.WriteSync(link, f.Raw)
	if err != nil {
		mg.state.Counters.WriteFailed++

		// a broken link is torn down, the worker's reconnect re-registers it
		link.Ready.Store(false)
		link.Conn.Close()
		return
	}
	mg.state.Counters.Forwarded++

	if mg.c.LogDebug {
		log.Printf(
			"%s: %s: route id=%s for %q forwarded to worker %d",
			mg.c.LogPrefix,
			connState.Data.Load().Descriptor,
			f.Route.ID,
			f.Route.ClientID,
			index,
		)
	}
}

// invoked on arbiter goroutine
func (mg *Manager) connectionExit(_ *tp.Server, connState *tp.ConnState) {
	cvd := connState.Data.Load()
	if cvd.Role != m.RoleWorker {
		return
	}

	if mg.unlink(connState, -1) == 0 {
		log.Printf(
			"%s: %s: link already replaced",
			mg.c.LogPrefix,
			cvd.Descriptor,
		)
		return
	}

	log.Printf(
		"%s: %s: worker %d unlinked, %d/%d workers connected",
		mg.c.LogPrefix,
		cvd.Descriptor,
		cvd.WorkerIndex,
		mg.state.LinkCount(),
		len(mg.state.LinkList),
	)
}

// unlink clears every slot holding connState except keep, returning the count.
// The connection's volatile data may already name a newer index, so slots are
// matched by pointer.
func (mg *Manager) unlink(connState *tp.ConnState, keep int) int {
	cleared := 0
	for index, link := range mg.state.LinkList {
		if link != connState || index == keep {
			continue
		}
		mg.state.LinkList[index] = nil
		cleared++
	}
	return cleared
}
