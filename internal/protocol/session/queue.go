package session

import (
	"sort"

	"github.com/danmuck/edgemsgr/internal/protocol/frame"
)

// Entry is one outgoing message with its completion callback.
type Entry struct {
	Message *frame.Message
	// Done is called exactly once: nil when the peer acknowledged the message
	// (or, on lossy sessions, when it was written), an error when it was
	// discarded.
	Done func(error)

	prepared bool
}

// Complete fires Done at most once.
func (e *Entry) Complete(err error) {
	if e.Done == nil {
		return
	}
	done := e.Done
	e.Done = nil
	done(err)
}

func (e *Entry) seq() uint64 {
	return e.Message.Header.Seq
}

// OutgoingQueue orders entries by descending priority, FIFO within one
// priority.
type OutgoingQueue struct {
	lanes      map[uint16][]*Entry
	priorities []uint16
	n          int
}

func (q *OutgoingQueue) lane(priority uint16) []*Entry {
	if q.lanes == nil {
		q.lanes = make(map[uint16][]*Entry)
	}
	l, ok := q.lanes[priority]
	if !ok {
		q.priorities = append(q.priorities, priority)
		sort.Slice(q.priorities, func(i, j int) bool { return q.priorities[i] > q.priorities[j] })
	}
	return l
}

// Push appends e to the tail of its priority lane.
func (q *OutgoingQueue) Push(e *Entry) {
	p := e.Message.Header.Priority
	l := q.lane(p)
	q.lanes[p] = append(l, e)
	q.n++
}

// PushFront inserts entries, in order, ahead of everything in the lane.
func (q *OutgoingQueue) PushFront(priority uint16, entries []*Entry) {
	if len(entries) == 0 {
		return
	}
	l := q.lane(priority)
	merged := make([]*Entry, 0, len(entries)+len(l))
	merged = append(merged, entries...)
	merged = append(merged, l...)
	q.lanes[priority] = merged
	q.n += len(entries)
}

// Pop removes the head of the highest non-empty lane.
func (q *OutgoingQueue) Pop() (*Entry, bool) {
	for len(q.priorities) > 0 {
		p := q.priorities[0]
		l := q.lanes[p]
		if len(l) == 0 {
			q.dropLane(p)
			continue
		}
		e := l[0]
		l[0] = nil
		q.lanes[p] = l[1:]
		q.n--
		if len(q.lanes[p]) == 0 {
			q.dropLane(p)
		}
		return e, true
	}
	return nil, false
}

// Front returns the lane head without removing it.
func (q *OutgoingQueue) Front(priority uint16) (*Entry, bool) {
	l := q.lanes[priority]
	if len(l) == 0 {
		return nil, false
	}
	return l[0], true
}

// PopFront removes the head of one lane.
func (q *OutgoingQueue) PopFront(priority uint16) (*Entry, bool) {
	l := q.lanes[priority]
	if len(l) == 0 {
		return nil, false
	}
	e := l[0]
	l[0] = nil
	q.lanes[priority] = l[1:]
	q.n--
	if len(q.lanes[priority]) == 0 {
		q.dropLane(priority)
	}
	return e, true
}

// Lane returns a copy of one priority lane.
func (q *OutgoingQueue) Lane(priority uint16) []*Entry {
	return append([]*Entry(nil), q.lanes[priority]...)
}

// HasLane reports whether the priority lane exists and is non-empty.
func (q *OutgoingQueue) HasLane(priority uint16) bool {
	return len(q.lanes[priority]) > 0
}

func (q *OutgoingQueue) Len() int {
	return q.n
}

// Drain empties the queue, highest priority first.
func (q *OutgoingQueue) Drain() []*Entry {
	out := make([]*Entry, 0, q.n)
	for _, p := range q.priorities {
		out = append(out, q.lanes[p]...)
	}
	q.lanes = nil
	q.priorities = nil
	q.n = 0
	return out
}

func (q *OutgoingQueue) dropLane(priority uint16) {
	delete(q.lanes, priority)
	for i, p := range q.priorities {
		if p == priority {
			q.priorities = append(q.priorities[:i], q.priorities[i+1:]...)
			return
		}
	}
}
