// Package supervisor owns the live channel lifecycle: connect, heartbeat
// watchdog, and reconnect with jittered exponential backoff. It forwards
// channel events onto the bus and signals the synchronization engine when a
// reconciliation pull is required. Reconciliation itself never runs here.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/matheus3301/bluedesk/internal/bus"
	"github.com/matheus3301/bluedesk/internal/remote"
	"go.uber.org/zap"
)

// Options tunes the supervisor.
type Options struct {
	// Heartbeat is the maximum silence tolerated on the live channel
	// before it is proactively torn down.
	Heartbeat time.Duration
	// BackoffMin and BackoffMax bound the reconnect interval.
	BackoffMin time.Duration
	BackoffMax time.Duration
}

// Supervisor drives the live channel state machine.
type Supervisor struct {
	dialer  remote.Dialer
	bus     *bus.Bus
	machine *Machine
	logger  *zap.Logger
	opts    Options

	mu      sync.Mutex
	online  bool
	wake    chan struct{}
	current remote.Channel
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a supervisor in the offline, disconnected state.
func New(dialer remote.Dialer, b *bus.Bus, machine *Machine, logger *zap.Logger, opts Options) *Supervisor {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 45 * time.Second
	}
	if opts.BackoffMin <= 0 {
		opts.BackoffMin = time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 2 * time.Minute
	}
	return &Supervisor{
		dialer:  dialer,
		bus:     b,
		machine: machine,
		logger:  logger,
		opts:    opts,
		online:  true,
		wake:    make(chan struct{}, 1),
	}
}

// Start launches the supervision loop.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx)
}

// Stop tears the supervisor down and waits for the loop to exit.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.closeCurrent()
	if s.done != nil {
		<-s.done
	}
}

// Pause sets the desired state to offline and closes the channel. Used when
// the network is known to be unavailable.
func (s *Supervisor) Pause() {
	s.mu.Lock()
	s.online = false
	s.mu.Unlock()
	s.closeCurrent()
}

// Resume sets the desired state back to online.
func (s *Supervisor) Resume() {
	s.mu.Lock()
	s.online = true
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Supervisor) isOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

func (s *Supervisor) setCurrent(ch remote.Channel) {
	s.mu.Lock()
	s.current = ch
	s.mu.Unlock()
}

func (s *Supervisor) closeCurrent() {
	s.mu.Lock()
	ch := s.current
	s.current = nil
	s.mu.Unlock()
	if ch != nil {
		_ = ch.Close()
	}
}

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.opts.BackoffMin
	bo.MaxInterval = s.opts.BackoffMax
	bo.MaxElapsedTime = 0
	bo.Reset()

	for ctx.Err() == nil {
		if !s.isOnline() {
			select {
			case <-s.wake:
			case <-ctx.Done():
				return
			}
			continue
		}

		_ = s.machine.Transition(Connecting)
		ch, err := s.dialer.Dial(ctx)
		if err != nil {
			_ = s.machine.Transition(Disconnected)
			if ctx.Err() != nil {
				return
			}
			wait := bo.NextBackOff()
			s.logger.Warn("live channel connect failed",
				zap.Error(err), zap.Duration("retry_in", wait))
			if !sleep(ctx, wait) {
				return
			}
			continue
		}

		_ = s.machine.Transition(Connected)
		bo.Reset()
		s.setCurrent(ch)
		s.logger.Info("live channel connected")
		// Events may have been missed while disconnected; one
		// reconciliation pull per connection covers the gap.
		s.bus.Emit("sync.reconcile_required", nil)

		s.consume(ctx, ch)
		s.setCurrent(nil)
		_ = s.machine.Transition(Disconnected)

		if ctx.Err() != nil || !s.isOnline() {
			continue
		}
		wait := bo.NextBackOff()
		s.logger.Warn("live channel lost", zap.Duration("retry_in", wait))
		if !sleep(ctx, wait) {
			return
		}
	}
}

// consume pumps channel events onto the bus until the channel dies, the
// heartbeat watchdog fires, or the context is cancelled.
func (s *Supervisor) consume(ctx context.Context, ch remote.Channel) {
	watchdog := time.NewTimer(s.opts.Heartbeat)
	defer watchdog.Stop()

	for {
		select {
		case evt, ok := <-ch.Events():
			if !ok {
				return
			}
			resetTimer(watchdog, s.opts.Heartbeat)

			switch evt.Kind {
			case remote.EventHeartbeat:
				// Liveness only.
			case remote.EventDisconnected:
				if evt.Err != nil {
					s.logger.Warn("live channel error", zap.Error(evt.Err))
				}
				return
			default:
				s.bus.Publish(bus.Event{Kind: "remote.event", Timestamp: time.Now(), Payload: evt})
			}

		case <-watchdog.C:
			s.logger.Warn("heartbeat missed, closing live channel",
				zap.Duration("interval", s.opts.Heartbeat))
			_ = ch.Close()
			drain(ch)
			return

		case <-ctx.Done():
			_ = ch.Close()
			drain(ch)
			return
		}
	}
}

func drain(ch remote.Channel) {
	for range ch.Events() {
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
