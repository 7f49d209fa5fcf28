package scheduler

import "sort"

// jobQueue holds queued job IDs for one target in claim order:
// (-priority, submitted_seq, id), the stable ordering of §4.6. The queue
// stores only IDs; the job records stay in the scheduler's jobs map.
type jobQueue struct {
	entries []queueEntry
}

type queueEntry struct {
	id       string
	priority int
	seq      uint64
}

func (q *jobQueue) less(a, b queueEntry) bool {
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	if a.seq != b.seq {
		return a.seq < b.seq
	}
	return a.id < b.id
}

// push inserts in order.
func (q *jobQueue) push(e queueEntry) {
	i := sort.Search(len(q.entries), func(i int) bool { return q.less(e, q.entries[i]) })
	q.entries = append(q.entries, queueEntry{})
	copy(q.entries[i+1:], q.entries[i:])
	q.entries[i] = e
}

// remove deletes the entry for id, reporting whether it was present.
func (q *jobQueue) remove(id string) bool {
	for i, e := range q.entries {
		if e.id == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true
		}
	}
	return false
}

// ids returns the queued IDs in claim order.
func (q *jobQueue) ids() []string {
	out := make([]string, len(q.entries))
	for i, e := range q.entries {
		out[i] = e.id
	}
	return out
}

func (q *jobQueue) len() int { return len(q.entries) }
