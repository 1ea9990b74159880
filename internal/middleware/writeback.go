package middleware

// defaultMaxWriters bounds concurrently in-flight write-back tasks. An
// earlier revision shipped with 50.
const defaultMaxWriters = 16

// writebackPool runs cache writes off the request path with a hard capacity.
// Admission is non-blocking: a saturated pool rejects immediately rather than
// queueing, so cache-write pressure never degrades foreground latency. Tasks
// are detached; process shutdown may abandon them mid-write, which is
// acceptable since a lost cache entry costs nothing but a future miss.
type writebackPool struct {
	slots chan struct{}
}

func newWritebackPool(capacity int) *writebackPool {
	if capacity <= 0 {
		capacity = defaultMaxWriters
	}
	return &writebackPool{slots: make(chan struct{}, capacity)}
}

// trySubmit starts the task on its own goroutine if a slot is free and
// reports whether it was admitted.
func (p *writebackPool) trySubmit(task func()) bool {
	select {
	case p.slots <- struct{}{}:
	default:
		return false
	}
	go func() {
		defer func() {
			// A panicking write task must not take the process down.
			recover()
			<-p.slots
		}()
		task()
	}()
	return true
}
