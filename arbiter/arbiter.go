package arbiter

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Meander-Cloud/go-schedule/scheduler"

	"github.com/chrishulbert/MegaComet/config"
	g "github.com/chrishulbert/MegaComet/group"
)

// Arbiter owns the single goroutine on which all routing and queue state is
// mutated. Socket goroutines hand work over with Dispatch.
type Arbiter struct {
	logPrefix string
	logDebug  bool
	s         *scheduler.Scheduler[g.Group]
	eventpl   sync.Pool
	eventch   chan *event

	shutdownOnce sync.Once
	shutdownch   chan struct{}
}

func NewArbiter(c *config.Config, logPrefix string) *Arbiter {
	var eventChannelLength uint16
	if c.EventChannelLength == 0 {
		eventChannelLength = config.EventChannelLength
	} else {
		eventChannelLength = c.EventChannelLength
	}

	a := &Arbiter{
		logPrefix: logPrefix,
		logDebug:  c.LogDebug,
		s: scheduler.NewScheduler[g.Group](
			&scheduler.Options{
				LogPrefix: logPrefix,
				LogDebug:  c.LogDebug,
			},
		),
		eventpl: sync.Pool{
			New: func() any {
				return newEvent()
			},
		},
		eventch:    make(chan *event, eventChannelLength),
		shutdownch: make(chan struct{}),
	}

	// add eventch
	a.s.ProcessAsync(
		&scheduler.ScheduleAsyncEvent[g.Group]{
			AsyncVariant: scheduler.NewAsyncVariant(
				false,
				nil,
				a.eventch,
				func(_ *scheduler.Scheduler[g.Group], _ *scheduler.AsyncVariant[g.Group], recv interface{}) {
					a.handle(recv)
				},
				func(_ *scheduler.Scheduler[g.Group], v *scheduler.AsyncVariant[g.Group]) {
					log.Printf("%s: eventch released, select count: %d", logPrefix, v.SelectCount)
				},
			),
		},
	)

	// ownership of internal state is transferred to scheduler goroutine
	a.s.RunAsync()

	return a
}

func (a *Arbiter) Shutdown() {
	a.shutdownOnce.Do(
		func() {
			// unblock DispatchWait callers
			close(a.shutdownch)
			a.s.Shutdown() // wait
		},
	)
}

func (a *Arbiter) getEvent() *event {
	evtAny := a.eventpl.Get()
	evt, ok := evtAny.(*event)
	if !ok {
		err := fmt.Errorf("%s: failed to cast event, evtAny=%#v", a.logPrefix, evtAny)
		log.Printf("%s", err.Error())
		panic(err)
	}
	return evt
}

func (a *Arbiter) returnEvent(evt *event) {
	// recycle event
	evt.reset()
	a.eventpl.Put(evt)
}

// scheduler goroutine
func (a *Arbiter) handle(recv interface{}) {
	evt, ok := recv.(*event)
	if !ok {
		log.Printf("%s: failed to cast event, recv=%#v", a.logPrefix, recv)
		return
	}
	defer a.returnEvent(evt)

	t1 := time.Now().UTC()

	func() {
		defer func() {
			rec := recover()
			if rec != nil {
				log.Printf(
					"%s: functor recovered from panic: %+v",
					a.logPrefix,
					rec,
				)
			}
		}()
		evt.f()
	}()

	if a.logDebug {
		t2 := time.Now().UTC()

		// log event lifecycle
		log.Printf(
			"%s: event goQueueWait=%dus, evtFuncElapsed=%dus",
			a.logPrefix,
			t1.Sub(evt.t0).Microseconds(),
			t2.Sub(t1).Microseconds(),
		)
	}
}

// any goroutine
func (a *Arbiter) Dispatch(f func()) error {
	evt := a.getEvent()
	evt.f = f
	evt.t0 = time.Now().UTC()

	select {
	case a.eventch <- evt:
	default:
		err := fmt.Errorf("%s: failed to push to eventch", a.logPrefix)
		log.Printf("%s", err.Error())

		a.returnEvent(evt)
		return err
	}

	return nil
}

// DispatchWait is Dispatch that waits for room in eventch instead of failing,
// for events that must not be lost such as connection exits. It only fails
// once Shutdown has begun. Must not be invoked from the arbiter goroutine.
func (a *Arbiter) DispatchWait(f func()) error {
	evt := a.getEvent()
	evt.f = f
	evt.t0 = time.Now().UTC()

	select {
	case a.eventch <- evt:
		return nil
	default:
	}

	if a.logDebug {
		log.Printf("%s: eventch full, waiting", a.logPrefix)
	}

	select {
	case a.eventch <- evt:
		return nil
	case <-a.shutdownch:
		err := fmt.Errorf("%s: arbiter shut down, event dropped", a.logPrefix)
		log.Printf("%s", err.Error())

		a.returnEvent(evt)
		return err
	}
}

// Call runs f on the arbiter goroutine and waits for it to finish, or for ctx
// to be done. Must not be invoked from the arbiter goroutine itself.
func (a *Arbiter) Call(ctx context.Context, f func()) error {
	donech := make(chan struct{})
	err := a.Dispatch(
		func() {
			// invoked on arbiter goroutine
			defer close(donech)
			f()
		},
	)
	if err != nil {
		return err
	}

	select {
	case <-donech:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// caller must be on arbiter goroutine
func (a *Arbiter) ScheduleTimer(group g.Group, wait time.Duration, f func()) {
	a.s.ProcessSync(
		&scheduler.ScheduleAsyncEvent[g.Group]{
			AsyncVariant: scheduler.TimerAsync(
				true,
				[]g.Group{group},
				wait,
				f,
				nil,
			),
		},
	)

	if a.logDebug {
		log.Printf("%s: scheduled<%v>: %s", a.logPrefix, wait, group)
	}
}

// caller must be on arbiter goroutine
func (a *Arbiter) ReleaseTimer(group g.Group) {
	a.s.ProcessSync(
		&scheduler.ReleaseGroupEvent[g.Group]{
			Group: group,
		},
	)

	if a.logDebug {
		log.Printf("%s: released: %s", a.logPrefix, group)
	}
}
