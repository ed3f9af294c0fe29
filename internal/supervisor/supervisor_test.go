package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/bluedesk/internal/bus"
	"github.com/matheus3301/bluedesk/internal/remote"
	"github.com/matheus3301/bluedesk/internal/store"
	"go.uber.org/zap"
)

type fakeChannel struct {
	events chan remote.Event
	once   sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{events: make(chan remote.Event, 16)}
}

func (f *fakeChannel) Events() <-chan remote.Event { return f.events }

func (f *fakeChannel) Close() error {
	f.once.Do(func() { close(f.events) })
	return nil
}

// fakeDialer hands out scripted channels, or errors, in order.
type fakeDialer struct {
	mu       sync.Mutex
	channels []*fakeChannel
	errs     []error
	dials    int
}

func (d *fakeDialer) Dial(_ context.Context) (remote.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.dials
	d.dials++
	if i < len(d.errs) && d.errs[i] != nil {
		return nil, d.errs[i]
	}
	if i < len(d.channels) {
		return d.channels[i], nil
	}
	// Out of script: block the loop on an idle channel.
	return newFakeChannel(), nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func testSupervisor(d remote.Dialer, b *bus.Bus, opts Options) *Supervisor {
	if opts.Heartbeat == 0 {
		opts.Heartbeat = time.Minute
	}
	if opts.BackoffMin == 0 {
		opts.BackoffMin = 5 * time.Millisecond
	}
	if opts.BackoffMax == 0 {
		opts.BackoffMax = 20 * time.Millisecond
	}
	return New(d, b, NewMachine(b), zap.NewNop(), opts)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestConnectSignalsReconcile(t *testing.T) {
	b := bus.New()
	reconciles, unsub := b.Subscribe("sync.reconcile_required", 16)
	defer unsub()

	ch := newFakeChannel()
	d := &fakeDialer{channels: []*fakeChannel{ch}}
	s := testSupervisor(d, b, Options{})

	s.Start(context.Background())
	defer s.Stop()

	select {
	case <-reconciles:
	case <-time.After(2 * time.Second):
		t.Fatal("no reconcile_required after connect")
	}
	if s.machine.Current() != Connected {
		t.Errorf("state = %s, want CONNECTED", s.machine.Current())
	}
}

func TestEventsForwardedToBus(t *testing.T) {
	b := bus.New()
	events, unsub := b.Subscribe("remote.event", 16)
	defer unsub()

	ch := newFakeChannel()
	d := &fakeDialer{channels: []*fakeChannel{ch}}
	s := testSupervisor(d, b, Options{})
	s.Start(context.Background())
	defer s.Stop()

	ch.events <- remote.Event{
		Kind:     remote.EventNewMessage,
		ChatGUID: "c1",
		Message:  &store.Message{ChatGUID: "c1", GUID: "m1", Seq: 1},
	}

	select {
	case evt := <-events:
		re, ok := evt.Payload.(remote.Event)
		if !ok || re.ChatGUID != "c1" {
			t.Errorf("payload = %#v", evt.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not forwarded")
	}
}

func TestReconcileOncePerDisconnectEpisode(t *testing.T) {
	b := bus.New()
	reconciles, unsub := b.Subscribe("sync.reconcile_required", 16)
	defer unsub()

	ch1 := newFakeChannel()
	ch2 := newFakeChannel()
	d := &fakeDialer{channels: []*fakeChannel{ch1, ch2}}
	s := testSupervisor(d, b, Options{})
	s.Start(context.Background())
	defer s.Stop()

	// First connect.
	select {
	case <-reconciles:
	case <-time.After(2 * time.Second):
		t.Fatal("no reconcile after first connect")
	}

	// Drop the channel with several pending error events; the episode must
	// still yield exactly one reconcile signal, on the reconnect.
	ch1.events <- remote.Event{Kind: remote.EventDisconnected, Err: errors.New("gone")}

	select {
	case <-reconciles:
	case <-time.After(2 * time.Second):
		t.Fatal("no reconcile after reconnect")
	}

	// No further signals without another disconnect.
	select {
	case <-reconciles:
		t.Error("extra reconcile_required within one episode")
	case <-time.After(100 * time.Millisecond):
	}
	_ = ch2
}

func TestDialFailureRetriesWithBackoff(t *testing.T) {
	b := bus.New()
	ch := newFakeChannel()
	d := &fakeDialer{
		errs:     []error{errors.New("refused"), errors.New("refused"), nil},
		channels: []*fakeChannel{nil, nil, ch},
	}
	s := testSupervisor(d, b, Options{})
	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, func() bool { return s.machine.Current() == Connected },
		"never connected after dial failures")
	if d.dialCount() < 3 {
		t.Errorf("dials = %d, want >= 3", d.dialCount())
	}
}

func TestHeartbeatTimeoutForcesReconnect(t *testing.T) {
	b := bus.New()
	ch1 := newFakeChannel()
	ch2 := newFakeChannel()
	d := &fakeDialer{channels: []*fakeChannel{ch1, ch2}}
	s := testSupervisor(d, b, Options{Heartbeat: 30 * time.Millisecond})
	s.Start(context.Background())
	defer s.Stop()

	// ch1 stays silent; the watchdog must tear it down and redial.
	waitFor(t, func() bool { return d.dialCount() >= 2 },
		"no redial after missed heartbeat")
}

func TestHeartbeatEventsKeepChannelAlive(t *testing.T) {
	b := bus.New()
	ch := newFakeChannel()
	d := &fakeDialer{channels: []*fakeChannel{ch}}
	s := testSupervisor(d, b, Options{Heartbeat: 60 * time.Millisecond})
	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, func() bool { return s.machine.Current() == Connected }, "never connected")

	// Feed heartbeats for several watchdog intervals.
	for i := 0; i < 6; i++ {
		ch.events <- remote.Event{Kind: remote.EventHeartbeat}
		time.Sleep(30 * time.Millisecond)
	}
	if got := d.dialCount(); got != 1 {
		t.Errorf("dials = %d, want 1 (heartbeats keep channel alive)", got)
	}
}

func TestPauseStopsRedial(t *testing.T) {
	b := bus.New()
	ch1 := newFakeChannel()
	d := &fakeDialer{channels: []*fakeChannel{ch1}}
	s := testSupervisor(d, b, Options{})
	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, func() bool { return s.machine.Current() == Connected }, "never connected")

	s.Pause()
	waitFor(t, func() bool { return s.machine.Current() == Disconnected },
		"pause did not disconnect")
	dials := d.dialCount()
	time.Sleep(100 * time.Millisecond)
	if d.dialCount() != dials {
		t.Error("supervisor redialed while paused")
	}

	s.Resume()
	waitFor(t, func() bool { return d.dialCount() > dials }, "resume did not redial")
}

func TestMachineRejectsInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Connected); err == nil {
		t.Error("DISCONNECTED -> CONNECTED should be invalid")
	}
	if err := m.Transition(Connecting); err != nil {
		t.Errorf("DISCONNECTED -> CONNECTING error = %v", err)
	}
	if err := m.Transition(Connected); err != nil {
		t.Errorf("CONNECTING -> CONNECTED error = %v", err)
	}
}
