// Package expiry deletes messages after a delay unless they are exempt when
// the delay elapses.
package expiry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tgguard/tgguard/pkg/chat"
	"github.com/tgguard/tgguard/pkg/logger"
	"github.com/tgguard/tgguard/pkg/metrics"
	"github.com/tgguard/tgguard/pkg/throttle"
)

const DefaultDelay = 30 * time.Second

type State int

const (
	Scheduled State = iota
	Fired
	Skipped
	// Dropped tasks were still pending when the scheduler shut down.
	Dropped
)

func (s State) String() string {
	switch s {
	case Scheduled:
		return "scheduled"
	case Fired:
		return "fired"
	case Skipped:
		return "skipped"
	case Dropped:
		return "dropped"
	}
	return "unknown"
}

// Predicate reports whether a message must be kept.
type Predicate func(chat.MessageRef) bool

// PinnedOrAlert exempts pinned messages and text carrying the alert prefix.
func PinnedOrAlert(prefix string) Predicate {
	return func(m chat.MessageRef) bool {
		return m.Pinned || chat.IsAlert(m.Text, prefix)
	}
}

type Deleter interface {
	DeleteOne(ctx context.Context, conv chat.Conversation, id int64) error
}

type Task struct {
	ConversationID int64
	MessageID      int64
	FireAt         time.Time
	Exempt         Predicate

	mu    sync.Mutex
	state State
	done  chan struct{}
}

func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Done is closed once the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

func (t *Task) finish(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
	close(t.done)
	metrics.ExpiryOutcomes.WithLabelValues(s.String()).Inc()
}

type Options struct {
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
	// Gate is the shared throttle hold. When nil the Deleter's gate is used
	// if it exposes one.
	Gate *throttle.Gate
}

type gated interface {
	Gate() *throttle.Gate
}

type Scheduler struct {
	del    Deleter
	lookup chat.MessageLookup
	gate   *throttle.Gate
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	counts map[State]int
}

// New builds a scheduler. lookup may be nil, in which case exemption is
// evaluated against the message as it was submitted.
func New(del Deleter, lookup chat.MessageLookup, opts Options) *Scheduler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = throttle.Sleep
	}
	if opts.Gate == nil {
		if g, ok := del.(gated); ok {
			opts.Gate = g.Gate()
		} else {
			opts.Gate = throttle.NewGate()
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		del:    del,
		lookup: lookup,
		gate:   opts.Gate,
		now:    opts.Now,
		sleep:  opts.Sleep,
		ctx:    ctx,
		cancel: cancel,
		counts: make(map[State]int),
	}
}

// Schedule submits msg for deletion after delay. Each submission is an
// independent task; duplicates are not merged.
func (s *Scheduler) Schedule(conv chat.Conversation, msg chat.MessageRef, delay time.Duration, exempt Predicate) *Task {
	t := &Task{
		ConversationID: conv.ID,
		MessageID:      msg.ID,
		FireAt:         s.now().Add(delay),
		Exempt:         exempt,
		state:          Scheduled,
		done:           make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.counts[Dropped]++
		s.mu.Unlock()
		t.finish(Dropped)
		return t
	}
	s.counts[Scheduled]++
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(conv, msg, t, delay)
	return t
}

func (s *Scheduler) run(conv chat.Conversation, msg chat.MessageRef, t *Task, delay time.Duration) {
	defer s.wg.Done()

	if err := s.sleep(s.ctx, delay); err != nil {
		s.record(t, Dropped)
		return
	}

	current := msg
	if s.lookup != nil {
		m, err := s.lookupMessage(conv, msg.ID)
		switch {
		case s.ctx.Err() != nil:
			s.record(t, Dropped)
			return
		case errors.Is(err, chat.ErrNotFound):
			s.record(t, Fired)
			return
		case err != nil:
			logger.WarnCF("expiry", "Cannot re-check message, keeping it", map[string]interface{}{
				"conversation": conv.ID,
				"message":      msg.ID,
				"error":        err.Error(),
			})
			s.record(t, Skipped)
			return
		}
		current = m
	}

	if t.Exempt != nil && t.Exempt(current) {
		s.record(t, Skipped)
		return
	}

	if err := s.del.DeleteOne(s.ctx, conv, msg.ID); err != nil {
		if s.ctx.Err() != nil {
			s.record(t, Dropped)
			return
		}
		logger.WarnCF("expiry", "Expiry delete failed", map[string]interface{}{
			"conversation": conv.ID,
			"message":      msg.ID,
			"error":        err.Error(),
		})
	}
	s.record(t, Fired)
}

// lookupMessage re-reads a message, holding on the shared gate whenever the
// service asks to back off.
func (s *Scheduler) lookupMessage(conv chat.Conversation, id int64) (chat.MessageRef, error) {
	for {
		if err := s.gate.Wait(s.ctx); err != nil {
			return chat.MessageRef{}, err
		}
		m, err := s.lookup.LookupMessage(s.ctx, conv, id)
		d, throttled := chat.RetryAfter(err)
		if !throttled {
			return m, err
		}
		wait := s.gate.OnThrottled("lookup", d)
		metrics.Throttles.Inc()
		logger.WarnCF("expiry", "Throttled while re-checking message", map[string]interface{}{
			"conversation": conv.ID,
			"message":      id,
			"wait":         wait.String(),
		})
	}
}

func (s *Scheduler) record(t *Task, st State) {
	s.mu.Lock()
	s.counts[Scheduled]--
	s.counts[st]++
	s.mu.Unlock()
	t.finish(st)
}

// Pending returns the number of tasks that have not reached a terminal state.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[Scheduled]
}

func (s *Scheduler) Counts() map[State]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[State]int, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out
}

// Drain waits for every pending task to reach a terminal state, or for ctx.
func (s *Scheduler) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown ends every pending task without firing it and waits for them.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}
