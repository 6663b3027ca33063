// Package relay smooths bursty model output into a steady character feed for
// the extension UI.
package relay

import (
	"context"
	"sync"
	"time"
)

// DefaultInterval is the per-character emission period when none is given.
const DefaultInterval = 25 * time.Millisecond

// Dripper buffers appended text and emits it one rune per tick through a
// single goroutine, so upstream burst boundaries never show through to the
// consumer. Append and Finish may be called from any goroutine; emit is only
// ever called from the dripper's own goroutine.
type Dripper struct {
	interval time.Duration
	emit     func(string) error

	mu       sync.Mutex
	buf      []rune
	finished bool
	err      error

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewDripper starts the emission goroutine. interval zero or negative means
// DefaultInterval. emit receives exactly one rune per call, in append order.
func NewDripper(interval time.Duration, emit func(string) error) *Dripper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	d := &Dripper{
		interval: interval,
		emit:     emit,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go d.run()
	return d
}

// Append queues text for emission. Appends after Finish or Close are dropped.
func (d *Dripper) Append(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.finished {
		return
	}
	d.buf = append(d.buf, []rune(text)...)
}

// Finish marks the input complete and blocks until the buffer has drained or
// ctx is cancelled. Cancellation abandons whatever is still buffered. The
// returned error is the first emit failure, if any.
func (d *Dripper) Finish(ctx context.Context) error {
	d.mu.Lock()
	d.finished = true
	d.mu.Unlock()

	select {
	case <-d.done:
	case <-ctx.Done():
		d.Close()
		return ctx.Err()
	}
	return d.Err()
}

// Close stops emission immediately, discarding buffered runes. Safe to call
// more than once and after Finish.
func (d *Dripper) Close() {
	d.mu.Lock()
	d.finished = true
	d.mu.Unlock()
	d.stopOnce.Do(func() { close(d.stop) })
	<-d.done
}

// Err returns the first error emit returned, or nil.
func (d *Dripper) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

func (d *Dripper) run() {
	defer close(d.done)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.mu.Lock()
			if len(d.buf) == 0 {
				finished := d.finished
				d.mu.Unlock()
				if finished {
					return
				}
				continue
			}
			next := string(d.buf[0])
			d.buf = d.buf[1:]
			d.mu.Unlock()

			if err := d.emit(next); err != nil {
				d.mu.Lock()
				d.err = err
				d.mu.Unlock()
				return
			}
		}
	}
}
