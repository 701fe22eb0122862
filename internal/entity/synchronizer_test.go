package entity

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type recorder struct {
	mu           sync.Mutex
	discovery    []string
	removed      []string
	states       []string
	availability []string
}

func (r *recorder) PublishDiscovery(sw Switch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.discovery = append(r.discovery, sw.ID)
}

func (r *recorder) RemoveDiscovery(sw Switch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, sw.ID)
}

func (r *recorder) PublishState(sw Switch, on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := sw.ID + "=off"
	if on {
		state = sw.ID + "=on"
	}
	r.states = append(r.states, state)
}

func (r *recorder) PublishAvailability(hub string, slave uint8, online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	status := "offline"
	if online {
		status = "online"
	}
	r.availability = append(r.availability, status)
}

func (r *recorder) stateCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states)
}

func newTestSync() (*Synchronizer, *recorder) {
	rec := &recorder{}
	return NewSynchronizer(rec, zerolog.Nop()), rec
}

func TestRegisterSlaveCreates32Entities(t *testing.T) {
	s, rec := newTestSync()
	if err := s.RegisterSlave("symi_modbus", 10); err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(rec.discovery) != 32 {
		t.Fatalf("expected 32 discovery publishes, got %d", len(rec.discovery))
	}
	if rec.discovery[0] != "0Aswitch00" || rec.discovery[31] != "0Aswitch31" {
		t.Fatalf("unexpected discovery ids %v", rec.discovery)
	}
	if err := s.RegisterSlave("symi_modbus", 10); err == nil {
		t.Fatal("expected error on duplicate registration")
	}
}

func TestUpdateIsIdempotent(t *testing.T) {
	s, rec := newTestSync()
	if err := s.RegisterSlave("symi_modbus", 10); err != nil {
		t.Fatalf("register: %v", err)
	}
	now := time.Now()

	s.Update(10, 0, true, now)
	s.Update(10, 0, true, now.Add(time.Second))
	if rec.stateCount() != 1 {
		t.Fatalf("expected one state publish, got %d", rec.stateCount())
	}

	s.Update(10, 0, false, now.Add(2*time.Second))
	if rec.stateCount() != 2 {
		t.Fatalf("expected second state publish on change, got %d", rec.stateCount())
	}
}

func TestFirstUpdatePublishesInitialState(t *testing.T) {
	s, rec := newTestSync()
	if err := s.RegisterSlave("symi_modbus", 10); err != nil {
		t.Fatalf("register: %v", err)
	}
	// A first read of "off" is still news: entities start without a value.
	s.Update(10, 3, false, time.Now())
	if rec.stateCount() != 1 {
		t.Fatalf("expected initial state publish, got %d", rec.stateCount())
	}
}

func TestAvailabilityPublishedOncePerTransition(t *testing.T) {
	s, rec := newTestSync()
	if err := s.RegisterSlave("symi_modbus", 10); err != nil {
		t.Fatalf("register: %v", err)
	}
	now := time.Now()

	s.UpdateSlave(10, make([]bool, 32), now)
	s.UpdateSlave(10, make([]bool, 32), now.Add(time.Second))
	s.MarkSlaveUnavailable(10)
	s.MarkSlaveUnavailable(10)
	s.UpdateSlave(10, make([]bool, 32), now.Add(2*time.Second))

	want := []string{"online", "offline", "online"}
	if len(rec.availability) != len(want) {
		t.Fatalf("expected %v, got %v", want, rec.availability)
	}
	for i := range want {
		if rec.availability[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, rec.availability)
		}
	}
}

func TestUnavailableSlaveDoesNotTouchOthers(t *testing.T) {
	s, _ := newTestSync()
	if err := s.RegisterSlave("symi_modbus", 10); err != nil {
		t.Fatalf("register slave 10: %v", err)
	}
	if err := s.RegisterSlave("symi_modbus", 11); err != nil {
		t.Fatalf("register slave 11: %v", err)
	}
	now := time.Now()
	values := make([]bool, 32)
	values[4] = true
	s.UpdateSlave(10, values, now)
	s.UpdateSlave(11, values, now)

	s.MarkSlaveUnavailable(11)

	for _, state := range s.Snapshot() {
		switch state.Slave {
		case 10:
			if !state.Available {
				t.Fatalf("slave 10 entity %s must stay available", state.ID)
			}
			if state.Coil == 4 && !state.On {
				t.Fatalf("slave 10 coil 4 lost its cached value")
			}
		case 11:
			if state.Available {
				t.Fatalf("slave 11 entity %s must be unavailable", state.ID)
			}
		}
	}
}

func TestUnregisterSlaveRemovesAllEntities(t *testing.T) {
	s, rec := newTestSync()
	if err := s.RegisterSlave("symi_modbus", 10); err != nil {
		t.Fatalf("register: %v", err)
	}
	s.UnregisterSlave(10)

	if len(rec.removed) != 32 {
		t.Fatalf("expected 32 discovery removals, got %d", len(rec.removed))
	}
	if s.Registered(10) {
		t.Fatal("slave should be gone")
	}

	// Subsequent updates are discarded without raising.
	s.Update(10, 0, true, time.Now())
	if rec.stateCount() != 0 {
		t.Fatalf("expected no state publish after unregister, got %d", rec.stateCount())
	}
}

func TestLookupResolvesEntityID(t *testing.T) {
	s, _ := newTestSync()
	if err := s.RegisterSlave("symi_modbus", 10); err != nil {
		t.Fatalf("register: %v", err)
	}
	sw, ok := s.Lookup("0Aswitch07")
	if !ok {
		t.Fatal("expected lookup hit")
	}
	if sw.Slave != 10 || sw.Coil != 7 || sw.Hub != "symi_modbus" {
		t.Fatalf("unexpected switch %+v", sw)
	}
	if _, ok := s.Lookup("FFswitch00"); ok {
		t.Fatal("expected lookup miss")
	}
}

// stallingPublisher blocks the first state publish until released, exposing
// ordering between concurrent updates of the same coil.
type stallingPublisher struct {
	recorder
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (p *stallingPublisher) PublishState(sw Switch, on bool) {
	p.once.Do(func() {
		close(p.entered)
		<-p.release
	})
	p.recorder.PublishState(sw, on)
}

func TestConcurrentUpdatesPublishInOrder(t *testing.T) {
	pub := &stallingPublisher{entered: make(chan struct{}), release: make(chan struct{})}
	s := NewSynchronizer(pub, zerolog.Nop())
	if err := s.RegisterSlave("symi_modbus", 10); err != nil {
		t.Fatalf("register: %v", err)
	}
	now := time.Now()

	first := make(chan struct{})
	go func() {
		s.Update(10, 0, true, now)
		close(first)
	}()
	<-pub.entered

	// A poll result for the same coil arrives while the first publish is
	// still in flight. It must wait, not overtake.
	second := make(chan struct{})
	go func() {
		s.Update(10, 0, false, now.Add(time.Millisecond))
		close(second)
	}()
	select {
	case <-second:
		t.Fatal("second update published before the first finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(pub.release)
	<-first
	<-second

	pub.mu.Lock()
	states := append([]string(nil), pub.states...)
	pub.mu.Unlock()
	want := []string{"0Aswitch00=on", "0Aswitch00=off"}
	if len(states) != len(want) || states[0] != want[0] || states[1] != want[1] {
		t.Fatalf("expected publishes %v, got %v", want, states)
	}
	for _, state := range s.Snapshot() {
		if state.ID == "0Aswitch00" && state.On {
			t.Fatal("cached value disagrees with last published value")
		}
	}
}

func TestSlaveHubReportsOwner(t *testing.T) {
	s, _ := newTestSync()
	if err := s.RegisterSlave("hub_a", 10); err != nil {
		t.Fatalf("register: %v", err)
	}
	owner, ok := s.SlaveHub(10)
	if !ok || owner != "hub_a" {
		t.Fatalf("expected owner hub_a, got %q (ok=%v)", owner, ok)
	}
	if _, ok := s.SlaveHub(11); ok {
		t.Fatal("expected miss for unregistered slave")
	}
}

func TestSnapshotOrdered(t *testing.T) {
	s, _ := newTestSync()
	if err := s.RegisterSlave("hub_b", 11); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.RegisterSlave("hub_a", 10); err != nil {
		t.Fatalf("register: %v", err)
	}
	states := s.Snapshot()
	if len(states) != 64 {
		t.Fatalf("expected 64 states, got %d", len(states))
	}
	for i := 1; i < len(states); i++ {
		if states[i-1].ID >= states[i].ID {
			t.Fatalf("snapshot not ordered at %d: %s >= %s", i, states[i-1].ID, states[i].ID)
		}
	}
}
