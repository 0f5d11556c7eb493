// Package batch provides the buffering stages placed ahead of sink writers.
//
// Every stage runs as one goroutine reading from an input channel and
// writing to an output channel. A stage closes its output when it returns,
// so stages chain without extra coordination. A blocking send on a full
// output channel is the backpressure signal.
package batch

import (
	"context"
	"time"
)

// Objects groups items into batches of at most maxSize. A partial batch is
// flushed once maxDelay has elapsed since its first item was buffered.
type Objects[T any] struct {
	maxSize  int
	maxDelay time.Duration
	buf      []T
}

// NewObjects creates an object batching stage. maxDelay <= 0 disables the
// time based flush.
func NewObjects[T any](maxSize int, maxDelay time.Duration) *Objects[T] {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Objects[T]{
		maxSize:  maxSize,
		maxDelay: maxDelay,
	}
}

// Run consumes in until it is closed, then flushes the remaining items and
// closes out. Each element received from in may hold one or many items.
func (o *Objects[T]) Run(ctx context.Context, in <-chan []T, out chan<- []T) error {
	defer close(out)

	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}
	startTimer := func() {
		if o.maxDelay > 0 && timer == nil && len(o.buf) > 0 {
			timer = time.NewTimer(o.maxDelay)
			timerC = timer.C
		}
	}
	defer stopTimer()

	emit := func(batch []T) error {
		select {
		case out <- batch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for {
		select {
		case items, ok := <-in:
			if !ok {
				stopTimer()
				if len(o.buf) == 0 {
					return nil
				}
				rest := o.buf
				o.buf = nil
				return emit(rest)
			}

			o.buf = append(o.buf, items...)
			if len(o.buf) < o.maxSize {
				startTimer()
				continue
			}

			stopTimer()
			for len(o.buf) >= o.maxSize {
				chunk := make([]T, o.maxSize)
				copy(chunk, o.buf)
				o.buf = o.buf[o.maxSize:]
				if err := emit(chunk); err != nil {
					return err
				}
			}
			if len(o.buf) == 0 {
				o.buf = nil
			}
			startTimer()

		case <-timerC:
			timer = nil
			timerC = nil
			if len(o.buf) > 0 {
				chunk := o.buf
				o.buf = nil
				if err := emit(chunk); err != nil {
					return err
				}
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
