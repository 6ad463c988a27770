package transport

import "sync"

// Inbox hands messages to a callback on a single goroutine in the order they
// were pushed. Push never blocks, so a driver's network reader is not held
// up by slow handlers.
type Inbox struct {
	deliver func(Message)

	mu     sync.Mutex
	queue  []Message
	closed bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

// NewInbox starts the delivery goroutine.
func NewInbox(deliver func(Message)) *Inbox {
	in := &Inbox{
		deliver: deliver,
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go in.run()
	return in
}

// Push queues m. It reports false once the inbox is closed.
func (in *Inbox) Push(m Message) bool {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return false
	}
	in.queue = append(in.queue, m)
	in.mu.Unlock()

	select {
	case in.wake <- struct{}{}:
	default:
	}
	return true
}

// Len returns the number of undelivered messages.
func (in *Inbox) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.queue)
}

// Close discards undelivered messages and stops the goroutine. It does not
// wait, so it is safe to call from inside the deliver callback.
func (in *Inbox) Close() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return
	}
	in.closed = true
	in.queue = nil
	close(in.quit)
}

// Done is closed when the delivery goroutine has exited.
func (in *Inbox) Done() <-chan struct{} {
	return in.done
}

func (in *Inbox) run() {
	defer close(in.done)
	for {
		select {
		case <-in.quit:
			return
		case <-in.wake:
		}

		for {
			in.mu.Lock()
			if in.closed || len(in.queue) == 0 {
				in.mu.Unlock()
				break
			}
			m := in.queue[0]
			in.queue[0] = Message{}
			in.queue = in.queue[1:]
			in.mu.Unlock()

			in.deliver(m)
		}
	}
}
