package event

import "ptdecode/perr"

// queueCapacity is the number of slots per binding; 8 is enough for any
// legal trace, with one slot permanently unused to disambiguate
// full/empty.
const queueCapacity = 8

// Queue is a fixed-size ring buffer of pending events for a single
// binding. head == tail means empty; advancing tail to equal head is
// rejected as full, leaving one slot always unused.
type Queue struct {
	slots      [queueCapacity]Event
	head, tail int
}

// NewQueue returns an empty pending-event queue.
func NewQueue() *Queue { return &Queue{} }

func (q *Queue) next(i int) int { return (i + 1) % queueCapacity }

// Enqueue appends ev. It fails with perr.ErrInternal without disturbing
// the existing contents if the queue is full: a legal trace never holds
// this many unresolved events at once, so overflow is an internal
// invariant violation rather than caller error.
func (q *Queue) Enqueue(ev Event) error {
	n := q.next(q.tail)
	if n == q.head {
		return perr.New(perr.ErrInternal)
	}
	q.slots[q.tail] = ev
	q.tail = n
	return nil
}

// Dequeue removes and returns the oldest pending event, ok=false if
// empty.
func (q *Queue) Dequeue() (Event, bool) {
	if q.head == q.tail {
		return Event{}, false
	}
	ev := q.slots[q.head]
	q.head = q.next(q.head)
	return ev, true
}

// DiscardAll empties the queue, used when a trace overflow drops
// pending non-status events.
func (q *Queue) DiscardAll() {
	q.head, q.tail = 0, 0
}

// FindByKind reports whether an event of the given kind is anywhere in
// the queue, oldest-first.
func (q *Queue) FindByKind(k Kind) (Event, bool) {
	for i := q.head; i != q.tail; i = q.next(i) {
		if q.slots[i].Kind == k {
			return q.slots[i], true
		}
	}
	return Event{}, false
}

// AnyPending reports whether the queue holds at least one event.
func (q *Queue) AnyPending() bool { return q.head != q.tail }

// DrainInto moves every pending event out of q, oldest first, applying
// fill to each (to supply the ip/cr3 that was missing at enqueue time)
// before appending it to dst. The query decoder uses this when a
// binding packet arrives: skeletons move out of the per-binding queue
// and into the ready queue as materialized events.
func (q *Queue) DrainInto(dst *Queue, fill func(*Event)) error {
	for {
		ev, ok := q.Dequeue()
		if !ok {
			return nil
		}
		fill(&ev)
		if err := dst.Enqueue(ev); err != nil {
			return err
		}
	}
}

// Len returns the number of pending events.
func (q *Queue) Len() int {
	if q.tail >= q.head {
		return q.tail - q.head
	}
	return queueCapacity - q.head + q.tail
}
