package pgstore

import (
	"context"
	"errors"
	"sync"

	"github.com/reqdesk/reqsync"
)

var errSlowSubscriber = errors.New("subscriber fell behind")

// subscription implements reqsync.Subscription. Deliveries run on its own
// goroutine, one at a time.
type subscription struct {
	done    chan struct{}
	cancel  context.CancelFunc
	ch      chan reqsync.Message
	release func()
	once    sync.Once

	mu  sync.Mutex
	err error
}

func (s *subscription) Done() <-chan struct{} { return s.done }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() error {
	s.finish(nil)
	return nil
}

func (s *subscription) finish(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		s.cancel()
		if s.release != nil {
			s.release()
		}
		close(s.done)
	})
}

func (s *subscription) push(m reqsync.Message) {
	select {
	case <-s.done:
	case s.ch <- m:
	default:
		s.finish(errSlowSubscriber)
	}
}

func (s *subscription) run(ctx context.Context, onInsert func(reqsync.Message)) {
	for {
		select {
		case <-ctx.Done():
			s.finish(ctx.Err())
			return
		case m := <-s.ch:
			onInsert(m)
		}
	}
}
