package realtime

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/ricochet1k/concordia/internal/domain"
	"github.com/ricochet1k/concordia/internal/session"
	realtimeTypes "github.com/ricochet1k/concordia/pkg/realtime"
)

// Participant is one connected party member as seen by the hub.
type Participant interface {
	// Queue hands msg to the participant without blocking. It returns false
	// if the participant cannot take it.
	Queue(msg realtimeTypes.ServerEnvelope) bool
	Close()
}

// Hub fans events out to every participant. Publishes are serialized so
// every participant sees the same sequence. A participant that cannot keep
// up is dropped; nobody else waits on it.
type Hub struct {
	mainUser string
	logger   *slog.Logger

	mu       sync.RWMutex
	members  map[string]Participant
	announce session.Broadcaster

	publishMu sync.Mutex
}

func NewHub(mainUser string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		mainUser: mainUser,
		logger:   logger.With("component", "hub"),
		members:  make(map[string]Participant),
	}
	h.announce = session.BroadcastFunc(h.Broadcast)
	return h
}

// SetAnnouncer routes join and leave notices through b instead of straight
// to the participants. b is expected to deliver back to the hub.
func (h *Hub) SetAnnouncer(b session.Broadcaster) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.announce = b
}

// Join adds p under a unique name derived from requested and announces it.
// It returns the name actually used.
func (h *Hub) Join(requested string, p Participant) string {
	base := strings.TrimSpace(requested)
	if base == "" {
		base = "user"
	}

	h.mu.Lock()
	name := base
	for i := 2; ; i++ {
		if _, taken := h.members[name]; !taken {
			break
		}
		name = fmt.Sprintf("%s-%d", base, i)
	}
	h.members[name] = p
	h.mu.Unlock()

	if name != base {
		p.Queue(SystemEnvelope(fmt.Sprintf("name '%s' already in use; joined as '%s'", base, name)))
	}
	h.logger.Info("participant joined", "name", name)
	h.notify(domain.NewSystemEvent(name + " joined"))
	return name
}

// Leave removes name if it still belongs to p, closes p and announces the
// departure.
func (h *Hub) Leave(name string, p Participant) {
	if !h.remove(name, p) {
		return
	}
	p.Close()
	h.logger.Info("participant left", "name", name)
	h.notify(domain.NewSystemEvent(name + " left"))
}

func (h *Hub) remove(name string, p Participant) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	cur, ok := h.members[name]
	if !ok || cur != p {
		return false
	}
	delete(h.members, name)
	return true
}

// Broadcast delivers ev to every participant.
func (h *Hub) Broadcast(ev domain.Event) {
	h.Publish(EnvelopeFromEvent(ev))
}

type member struct {
	name string
	p    Participant
}

// Publish delivers msg to every participant. Those whose queue is full or
// closed are removed at once and their departure is announced afterwards.
func (h *Hub) Publish(msg realtimeTypes.ServerEnvelope) {
	h.publishMu.Lock()
	h.mu.RLock()
	members := make([]member, 0, len(h.members))
	for name, p := range h.members {
		members = append(members, member{name, p})
	}
	h.mu.RUnlock()

	var dropped []member
	for _, m := range members {
		if !m.p.Queue(msg) && h.remove(m.name, m.p) {
			dropped = append(dropped, m)
		}
	}
	h.publishMu.Unlock()

	if len(dropped) == 0 {
		return
	}
	for _, m := range dropped {
		h.logger.Warn("dropping participant that cannot keep up", "name", m.name)
		m.p.Close()
	}
	// Announcing may route back into Publish through the announcer.
	go func() {
		for _, m := range dropped {
			h.notify(domain.NewSystemEvent(m.name + " left"))
		}
	}()
}

// Send delivers msg to one participant.
func (h *Hub) Send(name string, msg realtimeTypes.ServerEnvelope) bool {
	h.mu.RLock()
	p, ok := h.members[name]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	if p.Queue(msg) {
		return true
	}
	h.Leave(name, p)
	return false
}

// Participants returns the sorted names of everyone connected.
func (h *Hub) Participants() []string {
	h.mu.RLock()
	names := make([]string, 0, len(h.members))
	for name := range h.members {
		names = append(names, name)
	}
	h.mu.RUnlock()
	sort.Strings(names)
	return names
}

func (h *Hub) MainUser() string {
	return h.mainUser
}

// CloseAll disconnects every participant without announcements.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	members := h.members
	h.members = make(map[string]Participant)
	h.mu.Unlock()
	for _, p := range members {
		p.Close()
	}
}

// notify announces a membership change followed by the new roster.
func (h *Hub) notify(ev domain.Event) {
	h.mu.RLock()
	announce := h.announce
	h.mu.RUnlock()
	announce.Broadcast(ev)
	announce.Broadcast(domain.NewParticipantsEvent(h.mainUser, h.Participants()))
}
