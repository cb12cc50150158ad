package logstream

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// Subscription delivers committed records from a starting position until
// its context is cancelled or reading fails. C is closed on exit; Err then
// reports the cause, nil for cancellation.
type Subscription struct {
	C <-chan LoggedRecord

	mu   sync.Mutex
	err  error
	done chan struct{}
}

func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed once the subscription has stopped.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (ls *LogStream) Subscribe(ctx context.Context, fromPosition int64) (*Subscription, error) {
	r := ls.NewReader()
	if err := r.SeekPosition(fromPosition); err != nil {
		return nil, err
	}
	out := make(chan LoggedRecord, 64)
	s := &Subscription{C: out, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		defer close(out)
		err := pump(ctx, r, out)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			ls.logger.Warn("subscription stopped", zap.Int64("from", fromPosition), zap.Error(err))
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
		}
	}()
	return s, nil
}

func pump(ctx context.Context, r *Reader, out chan<- LoggedRecord) error {
	for {
		rec, err := r.Next()
		if errors.Is(err, ErrEndOfLog) {
			if err := r.Wait(ctx); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		select {
		case out <- rec:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
