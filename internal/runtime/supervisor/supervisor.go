// Package supervisor manages the long-lived goroutines of the process:
// the two control loops and the Telegram poller. A goroutine that dies
// with an error or a panic cancels the shared context, so the process
// exits instead of running in a degraded half-alive state.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger

	wg       sync.WaitGroup
	errOnce  sync.Once
	firstErr atomic.Value // stores error
}

func New(parent context.Context, log zerolog.Logger) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	return &Supervisor{ctx: ctx, cancel: cancel, log: log}
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Err returns the first error any supervised goroutine died with, or
// nil.
func (s *Supervisor) Err() error {
	v := s.firstErr.Load()
	if v == nil {
		return nil
	}
	err, _ := v.(error)
	return err
}

// Go starts fn under the supervisor. fn is expected to block until its
// context is cancelled; returning any other error, or panicking, is
// fatal to the whole supervisor.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error().
					Str("name", name).
					Interface("panic", r).
					Str("stack", string(debug.Stack())).
					Msg("goroutine panicked")
				s.fail(fmt.Errorf("panic in %s: %v", name, r))
			}
		}()

		s.log.Debug().Str("name", name).Msg("goroutine started")
		err := fn(s.ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.fail(fmt.Errorf("%s: %w", name, err))
			return
		}
		s.log.Debug().Str("name", name).Msg("goroutine stopped")
	}()
}

func (s *Supervisor) fail(err error) {
	s.errOnce.Do(func() { s.firstErr.Store(err) })
	s.cancel()
}

// Stop cancels the supervisor context and waits for every goroutine to
// exit.
func (s *Supervisor) Stop() {
	s.cancel()
	s.wg.Wait()
}

// Wait blocks until every supervised goroutine has exited and returns
// the first fatal error, if any.
func (s *Supervisor) Wait() error {
	s.wg.Wait()
	return s.Err()
}
