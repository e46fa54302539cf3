package watcher

// PathEvent is one debounced, filtered and rewritten change, tagged with the
// trigger that produced it.
type PathEvent struct {
	Trigger string
	Path    string
	Kind    Kind
}

// Queue is an unbounded multi-producer single-consumer channel of path
// events. Producers never block on a slow store writer; the buffer lives in
// the pump goroutine.
type Queue struct {
	in  chan PathEvent
	out chan PathEvent
}

// NewQueue starts the pump goroutine. Close the queue with Close; Out is
// closed once the buffer drains.
func NewQueue() *Queue {
	q := &Queue{
		in:  make(chan PathEvent),
		out: make(chan PathEvent),
	}
	go q.pump()
	return q
}

func (q *Queue) pump() {
	var buf []PathEvent
	in := q.in
	for in != nil || len(buf) > 0 {
		var out chan PathEvent
		var next PathEvent
		if len(buf) > 0 {
			out = q.out
			next = buf[0]
		}
		select {
		case ev, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			buf = append(buf, ev)
		case out <- next:
			buf = buf[1:]
		}
	}
	close(q.out)
}

// Push enqueues one event. Must not be called after Close.
func (q *Queue) Push(ev PathEvent) {
	q.in <- ev
}

// Out returns the consumer side.
func (q *Queue) Out() <-chan PathEvent {
	return q.out
}

// Close stops accepting events. Buffered events still reach the consumer.
func (q *Queue) Close() {
	close(q.in)
}
