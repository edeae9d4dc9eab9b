package channel

// Queue holds outbound messages in three priority buckets, each in insertion
// order. It is not safe for concurrent use; the Channel guards it.
type Queue struct {
	buckets [3][]*Message
	max     int
}

// NewQueue creates a queue holding at most max messages
func NewQueue(max int) *Queue {
	if max < 1 {
		max = 1
	}
	return &Queue{max: max}
}

// Len returns the number of queued messages
func (q *Queue) Len() int {
	return len(q.buckets[PriorityLow]) + len(q.buckets[PriorityNormal]) + len(q.buckets[PriorityHigh])
}

// Cap returns the configured capacity
func (q *Queue) Cap() int {
	return q.max
}

// Push appends msg. When full, the oldest low entry is evicted, then the
// oldest normal entry. When only high entries remain, msg is rejected.
func (q *Queue) Push(msg *Message) (evicted *Message, ok bool) {
	return q.insert(msg, false)
}

// PushFront puts msg back at the head of its bucket, for retrying after a
// failed delivery. Overflow is handled like Push.
func (q *Queue) PushFront(msg *Message) (evicted *Message, ok bool) {
	return q.insert(msg, true)
}

func (q *Queue) insert(msg *Message, front bool) (*Message, bool) {
	p := msg.Priority
	if !p.valid() {
		p = PriorityNormal
		msg.Priority = p
	}

	var evicted *Message
	if q.Len() >= q.max {
		evicted = q.evictOldest()
		if evicted == nil {
			return nil, false
		}
	}

	if front {
		q.buckets[p] = append([]*Message{msg}, q.buckets[p]...)
	} else {
		q.buckets[p] = append(q.buckets[p], msg)
	}
	return evicted, true
}

func (q *Queue) evictOldest() *Message {
	for _, p := range []Priority{PriorityLow, PriorityNormal} {
		if len(q.buckets[p]) > 0 {
			msg := q.buckets[p][0]
			q.buckets[p][0] = nil
			q.buckets[p] = q.buckets[p][1:]
			return msg
		}
	}
	return nil
}

// Pop removes the next message: highest priority first, oldest first within a bucket
func (q *Queue) Pop() *Message {
	for _, p := range []Priority{PriorityHigh, PriorityNormal, PriorityLow} {
		if len(q.buckets[p]) > 0 {
			msg := q.buckets[p][0]
			q.buckets[p][0] = nil
			q.buckets[p] = q.buckets[p][1:]
			return msg
		}
	}
	return nil
}

// PopN removes up to n messages in delivery order
func (q *Queue) PopN(n int) []*Message {
	var out []*Message
	for len(out) < n {
		msg := q.Pop()
		if msg == nil {
			break
		}
		out = append(out, msg)
	}
	return out
}

// Trim evicts non-high entries (low first) until at most n remain and
// returns how many were removed. High entries are never trimmed.
func (q *Queue) Trim(n int) int {
	removed := 0
	for q.Len() > n {
		if q.evictOldest() == nil {
			break
		}
		removed++
	}
	return removed
}

// CountByPriority reports the size of each bucket
func (q *Queue) CountByPriority() map[Priority]int {
	return map[Priority]int{
		PriorityLow:    len(q.buckets[PriorityLow]),
		PriorityNormal: len(q.buckets[PriorityNormal]),
		PriorityHigh:   len(q.buckets[PriorityHigh]),
	}
}
