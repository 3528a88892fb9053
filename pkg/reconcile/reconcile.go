// Package reconcile keeps a client's rendezvous-provider lobby consistent
// with the session the coordinator considers authoritative. The provider is a
// separate trust domain the coordinator cannot mutate, so each client repairs
// drift from its own side: the host recreates or re-announces, everyone else
// follows the announced id.
package reconcile

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/GRhin/stronghold-lobby/pkg/model"
	"github.com/GRhin/stronghold-lobby/pkg/rendezvous"
)

type State string

const (
	StateIdle      State = "idle"
	StateCreating  State = "creating"
	StateLinked    State = "linked"
	StateDesynced  State = "desynced"
	StateReforming State = "reforming"
)

// Writer pushes the host's rendezvous id to the coordinator
// (session:setRendezvousId).
type Writer interface {
	SetRendezvousID(id string) error
}

// Config wires a Machine. PollInterval and PendingTTL default to 2s and 5s.
// Fallback, when set, fires once a pending write goes unacknowledged past
// PendingTTL; callers use it to degrade to a direct connection.
type Config struct {
	Provider     rendezvous.Provider
	Writer       Writer
	Self         rendezvous.Member
	ConnID       string
	PollInterval time.Duration
	PendingTTL   time.Duration
	Fallback     func()
}

// Machine is the per-client reconciliation state machine. It is the sole
// writer of its lobby mirror; OnSessionUpdate and the poll tick serialize on
// one mutex.
type Machine struct {
	provider rendezvous.Provider
	writer   Writer
	self     rendezvous.Member
	connID   string

	pollEvery  time.Duration
	pendingTTL time.Duration
	fallback   func()

	mu        sync.Mutex
	state     State
	mirror    *rendezvous.Lobby
	sess      model.Session
	haveSess  bool
	isHost    bool
	pendingID string
	pendingAt time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

func New(cfg Config) *Machine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = 5 * time.Second
	}
	return &Machine{
		provider:   cfg.Provider,
		writer:     cfg.Writer,
		self:       cfg.Self,
		connID:     cfg.ConnID,
		pollEvery:  cfg.PollInterval,
		pendingTTL: cfg.PendingTTL,
		fallback:   cfg.Fallback,
		state:      StateIdle,
	}
}

// Start runs the polling loop until ctx is done or Stop is called.
func (m *Machine) Start(ctx context.Context) {
	m.stop = make(chan struct{})
	go func() {
		ticker := time.NewTicker(m.pollEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				m.Poll(ctx)
			}
		}
	}()
}

func (m *Machine) Stop() {
	if m.stop == nil {
		return
	}
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Mirror returns a copy of the local rendezvous lobby mirror.
func (m *Machine) Mirror() (rendezvous.Lobby, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mirror == nil {
		return rendezvous.Lobby{}, false
	}
	out := *m.mirror
	out.Members = append([]rendezvous.Member(nil), m.mirror.Members...)
	return out, true
}

// OnSessionUpdate feeds an authoritative session push into the machine.
func (m *Machine) OnSessionUpdate(sess model.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sess = sess
	m.haveSess = true
	m.isHost = sess.HostConnID == m.connID
	m.evaluate(context.Background())
}

// OnLeave tears the link down: leaves the provider lobby and returns to Idle.
func (m *Machine) OnLeave(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mirror != nil {
		if err := m.provider.Leave(ctx, m.mirror.ID, m.self.ID); err != nil {
			log.Printf("rendezvous leave failed lobby=%s: %v", m.mirror.ID, err)
		}
	}
	m.mirror = nil
	m.haveSess = false
	m.pendingID = ""
	m.state = StateIdle
}

// Poll refreshes the member mirror and re-evaluates. Called by the ticker;
// exported so tests can drive time themselves.
func (m *Machine) Poll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.haveSess {
		return
	}
	if m.mirror != nil {
		members, err := m.provider.Members(ctx, m.mirror.ID)
		switch {
		case err == nil:
			m.mirror.Members = members
		case errors.Is(err, rendezvous.ErrNotFound):
			m.mirror.Members = nil
		default:
			// Transient; keep the stale mirror and retry next tick.
			log.Printf("rendezvous member poll failed lobby=%s: %v", m.mirror.ID, err)
		}
	}
	m.evaluate(ctx)
}

func (m *Machine) evaluate(ctx context.Context) {
	if !m.haveSess {
		m.state = StateIdle
		return
	}
	if m.pendingID != "" && time.Since(m.pendingAt) > m.pendingTTL {
		// The write was never acknowledged; stop waiting and degrade.
		log.Printf("pending rendezvous id %s expired; falling back", m.pendingID)
		m.pendingID = ""
		m.state = StateDesynced
		if m.fallback != nil {
			go m.fallback()
		}
	}
	if m.isHost {
		m.evaluateHost(ctx)
	} else {
		m.evaluateGuest(ctx)
	}
}

// evaluateHost: the host is the single source of truth for the session's
// rendezvous id. Dead or desynced lobbies are recreated; a mismatch without a
// pending marker means someone else's stale value won, so announce ours.
func (m *Machine) evaluateHost(ctx context.Context) {
	announced := m.sess.RendezvousID
	if m.pendingID != "" {
		if announced == m.pendingID {
			m.pendingID = ""
		} else {
			// Our own write is still in flight; acting now would fight it.
			return
		}
	}
	dead := m.mirror == nil || len(m.mirror.Members) == 0
	desync := m.mirror != nil && len(m.sess.Roster) > 1 && len(m.mirror.Members) == 1
	if dead || desync {
		m.reform(ctx)
		return
	}
	if announced != m.mirror.ID {
		if err := m.writer.SetRendezvousID(m.mirror.ID); err != nil {
			log.Printf("rendezvous id announce failed: %v", err)
			m.state = StateDesynced
			return
		}
		m.pendingID = m.mirror.ID
		m.pendingAt = time.Now()
		return
	}
	m.state = StateLinked
}

// reform recreates the rendezvous lobby and announces the new id, holding a
// pending marker until the coordinator echoes it back.
func (m *Machine) reform(ctx context.Context) {
	if m.mirror == nil && m.sess.RendezvousID == "" {
		m.state = StateCreating
	} else {
		m.state = StateReforming
	}
	lobby, err := m.provider.Create(ctx, m.self, m.sess.Name, m.sess.Mode, m.sess.MaxPlayers)
	if err != nil {
		log.Printf("rendezvous create failed: %v", err)
		m.state = StateDesynced
		return
	}
	if m.mirror != nil && m.mirror.ID != lobby.ID {
		_ = m.provider.Leave(ctx, m.mirror.ID, m.self.ID)
	}
	m.mirror = &lobby
	m.pendingID = lobby.ID
	m.pendingAt = time.Now()
	if err := m.writer.SetRendezvousID(lobby.ID); err != nil {
		// Keep the pending marker; the TTL expiry path handles a dead write.
		log.Printf("rendezvous id announce failed: %v", err)
	}
	log.Printf("rendezvous lobby recreated id=%s", lobby.ID)
}

// evaluateGuest: follow whatever id the coordinator announces, unless it is
// one we are already transitioning toward.
func (m *Machine) evaluateGuest(ctx context.Context) {
	target := m.sess.RendezvousID
	if target == "" {
		if m.mirror == nil {
			m.state = StateDesynced
		}
		return
	}
	if m.mirror != nil && m.mirror.ID == target {
		if m.pendingID == target {
			m.pendingID = ""
		}
		m.state = StateLinked
		return
	}
	if target == m.pendingID {
		return
	}
	m.pendingID = target
	m.pendingAt = time.Now()
	lobby, err := m.provider.Join(ctx, target, m.self)
	if err != nil {
		log.Printf("rendezvous join failed lobby=%s: %v", target, err)
		m.pendingID = ""
		m.state = StateDesynced
		return
	}
	if m.mirror != nil && m.mirror.ID != lobby.ID {
		_ = m.provider.Leave(ctx, m.mirror.ID, m.self.ID)
	}
	m.mirror = &lobby
	m.pendingID = ""
	m.state = StateLinked
}
