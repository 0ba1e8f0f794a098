package worker

import (
	"log"
	"time"

	"github.com/chrishulbert/MegaComet/comet"
	"github.com/chrishulbert/MegaComet/config"
	g "github.com/chrishulbert/MegaComet/group"
	tp "github.com/chrishulbert/MegaComet/net/tcp/protocol"
)

// invoked on arbiter goroutine
func (w *Worker) clientIdentified(_ *tp.CometServer, c *comet.Conn) {
	w.state.Counters.Identified++

	outcome := w.state.Engine.ClientIdentified(c, time.Now().UTC())

	if w.c.LogDebug {
		log.Printf(
			"%s: %s: client %q identified after %dus, %s",
			w.logPrefix,
			c.Descriptor,
			c.ClientID(),
			c.IdentifiedAt.Sub(c.AcceptedAt).Microseconds(),
			outcome,
		)
	}
}

// invoked on arbiter goroutine
func (w *Worker) connectionExit(_ *tp.CometServer, c *comet.Conn) {
	if c.IdentifiedAt.IsZero() {
		return
	}
	w.state.Engine.ConnectionClosed(c)
}

// invoked on arbiter goroutine
func (w *Worker) linkReady(_ *tp.Client, connState *tp.ConnState) {
	w.state.LinkUp = true
	w.state.Counters.LinkUps++

	log.Printf(
		"%s: %s: registered with manager",
		w.logPrefix,
		connState.Data.Load().Descriptor,
	)
}

// invoked on arbiter goroutine
func (w *Worker) routeReceived(_ *tp.Client, connState *tp.ConnState, f *tp.Frame) {
	w.state.Counters.RoutesReceived++

	index := w.state.Sharder.WorkerFor(f.Route.ClientID)
	if index != int(w.index) {
		// manager and worker disagree on sharding, deliver anyway
		w.state.Counters.Misrouted++
		log.Printf(
			"%s: %s: client %q belongs to worker %d",
			w.logPrefix,
			connState.Data.Load().Descriptor,
			f.Route.ClientID,
			index,
		)
	}

	outcome := w.state.Engine.MessageArrived(string(f.Route.ClientID), f.Route.Payload, time.Now().UTC())

	if w.c.LogDebug {
		log.Printf(
			"%s: %s: route id=%s for %q, %d bytes, %s",
			w.logPrefix,
			connState.Data.Load().Descriptor,
			f.Route.ID,
			f.Route.ClientID,
			len(f.Route.Payload),
			outcome,
		)
	}
}

// invoked on arbiter goroutine
func (w *Worker) linkExit(_ *tp.Client, connState *tp.ConnState, inShutdown bool) {
	wasUp := w.state.LinkUp
	w.state.LinkUp = false
	w.state.Counters.LinkDowns++

	log.Printf(
		"%s: %s: manager link down, wasUp=%t, inShutdown=%t",
		w.logPrefix,
		connState.Data.Load().Descriptor,
		wasUp,
		inShutdown,
	)

	if inShutdown || !w.c.ExitOnManagerLoss {
		return
	}

	select {
	case w.fatalch <- ErrManagerLost:
	default:
	}
}

// invoked on arbiter goroutine
func (w *Worker) scheduleExpiry() {
	ttl := w.c.Duration(w.c.MessageTTL, 0)
	if ttl <= 0 || w.state.ExpiryScheduled {
		return
	}

	w.state.ExpiryScheduled = true
	w.a.ScheduleTimer(
		g.GroupQueueExpiry,
		w.c.Duration(w.c.ExpiryInterval, config.ExpiryInterval),
		func() {
			// invoked on arbiter goroutine
			w.state.ExpiryScheduled = false

			expired := w.state.Engine.Expire(time.Now().UTC())
			if expired > 0 {
				log.Printf("%s: expired %d pending message(s) older than %v", w.logPrefix, expired, ttl)
			}

			w.scheduleExpiry()
		},
	)
}
