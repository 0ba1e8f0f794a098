package worker

import (
	"fmt"
	"log"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Waiter is a long-poll connection whose client id is known.
type Waiter interface {
	ClientID() string
	// Respond writes the response carrying payload and closes the connection.
	Respond(payload []byte) error
	// Abort closes the connection without a response.
	Abort()
}

type Outcome uint8

const (
	OutcomeInvalid   Outcome = 0
	OutcomeDelivered Outcome = 1
	OutcomeWaiting   Outcome = 2
	OutcomeQueued    Outcome = 3
	OutcomeFailed    Outcome = 4
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInvalid:
		return "Invalid Outcome"
	case OutcomeDelivered:
		return "Delivered"
	case OutcomeWaiting:
		return "Waiting"
	case OutcomeQueued:
		return "Queued"
	case OutcomeFailed:
		return "Failed"
	default:
		return "Unknown Outcome"
	}
}

type pendingMessage struct {
	payload    []byte
	enqueuedAt time.Time
}

// pendingQueue is never empty while stored in Engine.pending
type pendingQueue struct {
	items []pendingMessage
}

func (q *pendingQueue) popFront() pendingMessage {
	msg := q.items[0]
	q.items[0] = pendingMessage{}
	q.items = q.items[1:]
	return msg
}

type EngineOptions struct {
	MaxPendingClients int
	MaxQueueLength    int
	MessageTTL        time.Duration // zero disables expiry

	LogPrefix string
	LogDebug  bool
}

type EngineSnapshot struct {
	Waiting         int `json:"waiting"`
	PendingClients  int `json:"pending_clients"`
	PendingMessages int `json:"pending_messages"`

	Delivered      uint64 `json:"delivered"`
	Queued         uint64 `json:"queued"`
	Dropped        uint64 `json:"dropped"`
	Expired        uint64 `json:"expired"`
	WaitersEvicted uint64 `json:"waiters_evicted"`
	WriteFailures  uint64 `json:"write_failures"`
}

// Engine pairs waiting connections with pending messages for one worker.
// Whichever of the two arrives second triggers delivery.
//
// Engine is not safe for concurrent use; it is owned by the arbiter goroutine.
type Engine struct {
	options *EngineOptions

	waiting map[string]Waiter
	pending *lru.Cache[string, *pendingQueue]

	pendingMessages int
	counters        EngineSnapshot
}

func NewEngine(options *EngineOptions) (*Engine, error) {
	if options.MaxPendingClients <= 0 {
		err := fmt.Errorf("%s: invalid MaxPendingClients=%d", options.LogPrefix, options.MaxPendingClients)
		log.Printf("%s", err.Error())
		return nil, err
	}

	if options.MaxQueueLength <= 0 {
		err := fmt.Errorf("%s: invalid MaxQueueLength=%d", options.LogPrefix, options.MaxQueueLength)
		log.Printf("%s", err.Error())
		return nil, err
	}

	e := &Engine{
		options: options,
		waiting: make(map[string]Waiter),
	}

	var err error
	e.pending, err = lru.NewWithEvict[string, *pendingQueue](
		options.MaxPendingClients,
		func(clientID string, q *pendingQueue) {
			// also invoked for explicit removal, which only happens once a queue is empty
			if len(q.items) == 0 {
				return
			}
			log.Printf("%s: evicted pending queue for %q, dropped %d message(s)", options.LogPrefix, clientID, len(q.items))
			e.counters.Dropped += uint64(len(q.items))
			e.pendingMessages -= len(q.items)
		},
	)
	if err != nil {
		log.Printf("%s: failed to create pending cache, err=%s", options.LogPrefix, err.Error())
		return nil, err
	}

	return e, nil
}

// ClientIdentified hands the oldest pending message for w's client id to w,
// or parks w as the waiter for that id. A previous waiter for the same id is
// closed without a response.
func (e *Engine) ClientIdentified(w Waiter, now time.Time) Outcome {
	clientID := w.ClientID()

	msg, found := e.pop(clientID, now)
	if found {
		err := w.Respond(msg.payload)
		if err != nil {
			log.Printf("%s: %s", e.options.LogPrefix, err.Error())
			e.counters.WriteFailures++

			// the message stays first in line for the next connection
			e.pushFront(clientID, msg)
			return OutcomeFailed
		}

		e.counters.Delivered++
		return OutcomeDelivered
	}

	previous, found := e.waiting[clientID]
	if found && previous != w {
		if e.options.LogDebug {
			log.Printf("%s: replacing waiter for %q", e.options.LogPrefix, clientID)
		}
		previous.Abort()
		e.counters.WaitersEvicted++
	}
	e.waiting[clientID] = w

	return OutcomeWaiting
}

// MessageArrived delivers payload to the waiter for clientID, if any,
// otherwise appends it to the client's pending queue.
func (e *Engine) MessageArrived(clientID string, payload []byte, now time.Time) Outcome {
	w, found := e.waiting[clientID]
	if found {
		delete(e.waiting, clientID)

		err := w.Respond(payload)
		if err == nil {
			e.counters.Delivered++
			return OutcomeDelivered
		}

		log.Printf("%s: %s", e.options.LogPrefix, err.Error())
		e.counters.WriteFailures++
	}

	e.push(clientID, pendingMessage{payload: payload, enqueuedAt: now})
	e.counters.Queued++
	return OutcomeQueued
}

// ConnectionClosed forgets w if it is still the waiter for its client id.
func (e *Engine) ConnectionClosed(w Waiter) {
	clientID := w.ClientID()

	current, found := e.waiting[clientID]
	if found && current == w {
		delete(e.waiting, clientID)
	}
}

// IsWaiting reports whether w is the registered waiter for its client id.
func (e *Engine) IsWaiting(w Waiter) bool {
	current, found := e.waiting[w.ClientID()]
	return found && current == w
}

// Expire drops pending messages older than MessageTTL and returns how many.
func (e *Engine) Expire(now time.Time) int {
	if e.options.MessageTTL <= 0 {
		return 0
	}

	expired := 0
	for _, clientID := range e.pending.Keys() {
		q, found := e.pending.Peek(clientID)
		if !found {
			continue
		}
		expired += e.trimExpired(q, now)
		if len(q.items) == 0 {
			e.pending.Remove(clientID)
		}
	}

	return expired
}

func (e *Engine) Pending(clientID string) [][]byte {
	q, found := e.pending.Peek(clientID)
	if !found {
		return nil
	}
	out := make([][]byte, 0, len(q.items))
	for _, msg := range q.items {
		out = append(out, msg.payload)
	}
	return out
}

func (e *Engine) Snapshot() EngineSnapshot {
	s := e.counters
	s.Waiting = len(e.waiting)
	s.PendingClients = e.pending.Len()
	s.PendingMessages = e.pendingMessages
	return s
}

// Close aborts every waiter and drops every pending message.
func (e *Engine) Close() {
	for clientID, w := range e.waiting {
		w.Abort()
		delete(e.waiting, clientID)
	}
	for _, clientID := range e.pending.Keys() {
		e.pending.Remove(clientID)
	}
}

func (e *Engine) trimExpired(q *pendingQueue, now time.Time) int {
	if e.options.MessageTTL <= 0 {
		return 0
	}

	expired := 0
	for len(q.items) > 0 && now.Sub(q.items[0].enqueuedAt) > e.options.MessageTTL {
		q.popFront()
		expired++
	}
	e.pendingMessages -= expired
	e.counters.Expired += uint64(expired)
	return expired
}

func (e *Engine) pop(clientID string, now time.Time) (pendingMessage, bool) {
	q, found := e.pending.Get(clientID)
	if !found {
		return pendingMessage{}, false
	}

	e.trimExpired(q, now)
	if len(q.items) == 0 {
		e.pending.Remove(clientID)
		return pendingMessage{}, false
	}

	msg := q.popFront()
	e.pendingMessages--
	if len(q.items) == 0 {
		e.pending.Remove(clientID)
	}
	return msg, true
}

func (e *Engine) queueFor(clientID string) *pendingQueue {
	q, found := e.pending.Get(clientID)
	if !found {
		q = &pendingQueue{}
		e.pending.Add(clientID, q)
	}
	return q
}

func (e *Engine) push(clientID string, msg pendingMessage) {
	q := e.queueFor(clientID)
	if len(q.items) >= e.options.MaxQueueLength {
		q.popFront()
		e.pendingMessages--
		e.counters.Dropped++
	}
	q.items = append(q.items, msg)
	e.pendingMessages++
}

func (e *Engine) pushFront(clientID string, msg pendingMessage) {
	q := e.queueFor(clientID)
	if len(q.items) >= e.options.MaxQueueLength {
		// the requeued message is the oldest, it loses
		e.counters.Dropped++
		return
	}
	q.items = append([]pendingMessage{msg}, q.items...)
	e.pendingMessages++
}
