package entity

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/symi-home/symi-modbus/internal/config"
)

// Switch identifies one coil-backed switch entity.
type Switch struct {
	ID    string
	Hub   string
	Slave uint8
	Coil  uint8
}

// State is the externally visible state of one switch.
type State struct {
	Switch
	On        bool      `json:"on"`
	Available bool      `json:"available"`
	LastRead  time.Time `json:"last_read"`
}

// Publisher receives entity lifecycle and state events. The MQTT
// implementation announces switches via Home Assistant discovery; tests use
// a recorder.
type Publisher interface {
	PublishDiscovery(sw Switch)
	RemoveDiscovery(sw Switch)
	PublishState(sw Switch, on bool)
	PublishAvailability(hub string, slave uint8, online bool)
}

type switchState struct {
	sw        Switch
	on        bool
	known     bool
	lastRead  time.Time
	available bool
}

type slaveEntry struct {
	// pubMu serializes diff-and-publish per slave so concurrent updates to
	// the same coil cannot publish in inverted order. It is acquired before
	// the synchronizer mutex.
	pubMu    sync.Mutex
	hub      string
	removed  bool
	online   bool
	switches [config.CoilsPerSlave]*switchState
}

// Synchronizer reconciles polled coil values into switch entities. All 32
// switches of a slave are created eagerly at registration and removed
// together at unregistration.
type Synchronizer struct {
	mu        sync.RWMutex
	slaves    map[uint8]*slaveEntry
	publisher Publisher
	logger    zerolog.Logger
}

// NewSynchronizer builds a synchronizer publishing through the given publisher.
func NewSynchronizer(publisher Publisher, logger zerolog.Logger) *Synchronizer {
	return &Synchronizer{
		slaves:    make(map[uint8]*slaveEntry),
		publisher: publisher,
		logger:    logger.With().Str("component", "entities").Logger(),
	}
}

// RegisterSlave creates the 32 switch entities for a slave and announces
// them. Entities start unavailable until the first successful poll.
func (s *Synchronizer) RegisterSlave(hubName string, slave uint8) error {
	s.mu.Lock()
	if _, exists := s.slaves[slave]; exists {
		s.mu.Unlock()
		return fmt.Errorf("slave %d already registered", slave)
	}
	entry := &slaveEntry{hub: hubName}
	for coil := 0; coil < config.CoilsPerSlave; coil++ {
		entry.switches[coil] = &switchState{
			sw: Switch{
				ID:    SwitchID(slave, uint8(coil)),
				Hub:   hubName,
				Slave: slave,
				Coil:  uint8(coil),
			},
		}
	}
	// Hold pubMu while the entry becomes visible so updates racing with
	// registration wait until discovery is out.
	entry.pubMu.Lock()
	s.slaves[slave] = entry
	s.mu.Unlock()

	for _, st := range entry.switches {
		s.publisher.PublishDiscovery(st.sw)
	}
	entry.pubMu.Unlock()
	s.logger.Info().Str("hub", hubName).Uint8("slave", slave).Int("switches", config.CoilsPerSlave).Msg("slave registered")
	return nil
}

// UnregisterSlave removes all 32 entities of a slave. Later updates for the
// slave are dropped with a warning.
func (s *Synchronizer) UnregisterSlave(slave uint8) {
	s.mu.RLock()
	entry, exists := s.slaves[slave]
	s.mu.RUnlock()
	if !exists {
		s.logger.Warn().Uint8("slave", slave).Msg("unregister for unknown slave")
		return
	}

	entry.pubMu.Lock()
	s.mu.Lock()
	if entry.removed {
		s.mu.Unlock()
		entry.pubMu.Unlock()
		return
	}
	entry.removed = true
	delete(s.slaves, slave)
	s.mu.Unlock()

	for _, st := range entry.switches {
		s.publisher.RemoveDiscovery(st.sw)
	}
	entry.pubMu.Unlock()
	s.logger.Info().Uint8("slave", slave).Msg("slave unregistered")
}

// Update applies one coil value. Setting the same value twice produces no
// duplicate notification. Updates for unregistered slaves are discarded.
func (s *Synchronizer) Update(slave uint8, coil uint8, value bool, now time.Time) {
	s.mu.RLock()
	entry, exists := s.slaves[slave]
	s.mu.RUnlock()
	if !exists {
		s.logger.Warn().Uint8("slave", slave).Uint8("coil", coil).Msg("update for unknown slave discarded")
		return
	}
	if int(coil) >= len(entry.switches) {
		s.logger.Warn().Uint8("slave", slave).Uint8("coil", coil).Msg("coil address out of range")
		return
	}

	entry.pubMu.Lock()
	defer entry.pubMu.Unlock()

	s.mu.Lock()
	if entry.removed {
		s.mu.Unlock()
		return
	}
	st := entry.switches[coil]
	wentOnline := !entry.online
	entry.online = true
	changed := !st.known || st.on != value
	st.on = value
	st.known = true
	st.available = true
	st.lastRead = now
	sw := st.sw
	hub := entry.hub
	s.mu.Unlock()

	if wentOnline {
		s.publisher.PublishAvailability(hub, slave, true)
	}
	if changed {
		s.publisher.PublishState(sw, value)
	}
}

// UpdateSlave applies a full poll result for one slave.
func (s *Synchronizer) UpdateSlave(slave uint8, values []bool, now time.Time) {
	for coil, value := range values {
		if coil >= config.CoilsPerSlave {
			break
		}
		s.Update(slave, uint8(coil), value, now)
	}
}

// MarkSlaveUnavailable flags all of a slave's entities unavailable for the
// current tick. The offline notification is published once per outage.
func (s *Synchronizer) MarkSlaveUnavailable(slave uint8) {
	s.mu.RLock()
	entry, exists := s.slaves[slave]
	s.mu.RUnlock()
	if !exists {
		return
	}

	entry.pubMu.Lock()
	defer entry.pubMu.Unlock()

	s.mu.Lock()
	if entry.removed {
		s.mu.Unlock()
		return
	}
	wasOnline := entry.online
	entry.online = false
	for _, st := range entry.switches {
		st.available = false
	}
	hub := entry.hub
	s.mu.Unlock()

	if wasOnline {
		s.publisher.PublishAvailability(hub, slave, false)
	}
}

// Lookup resolves an entity id back to its switch.
func (s *Synchronizer) Lookup(entityID string) (Switch, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, entry := range s.slaves {
		for _, st := range entry.switches {
			if st.sw.ID == entityID {
				return st.sw, true
			}
		}
	}
	return Switch{}, false
}

// SlaveHub reports which hub a slave's entities were registered under.
func (s *Synchronizer) SlaveHub(slave uint8) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, exists := s.slaves[slave]
	if !exists {
		return "", false
	}
	return entry.hub, true
}

// Registered reports whether a slave currently has entities.
func (s *Synchronizer) Registered(slave uint8) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.slaves[slave]
	return exists
}

// Snapshot returns the current state of every switch, ordered by entity id.
func (s *Synchronizer) Snapshot() []State {
	s.mu.RLock()
	states := make([]State, 0, len(s.slaves)*config.CoilsPerSlave)
	for _, entry := range s.slaves {
		for _, st := range entry.switches {
			states = append(states, State{
				Switch:    st.sw,
				On:        st.on,
				Available: st.available,
				LastRead:  st.lastRead,
			})
		}
	}
	s.mu.RUnlock()
	sort.Slice(states, func(i, j int) bool { return states[i].ID < states[j].ID })
	return states
}
