package relay

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/babelroom/relay/internal/core"
	"github.com/babelroom/relay/internal/domain"
)

// Entry pairs a connection with its session and transport endpoint.
type Entry struct {
	Conn    core.ConnID
	Session domain.Session
	Signal  core.SignalConnection
}

// MemberDTO is a read-only view for APIs (no transport fields).
type MemberDTO struct {
	ClientID string `json:"clientId"`
	Language string `json:"language"`
}

type RoomInfo struct {
	ID          domain.RoomID `json:"id"`
	MemberCount int           `json:"memberCount"`
}

// Registry maps live connections to their sessions. A relay instance owns
// exactly one Registry and injects it wherever membership is needed; all
// access is safe under concurrent connection goroutines. An entry appears on
// join (a second join replaces it whole) and disappears on disconnect.
type Registry struct {
	mu      sync.RWMutex
	entries map[core.ConnID]Entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[core.ConnID]Entry)}
}

// Upsert unconditionally replaces any session held for the connection.
func (r *Registry) Upsert(id core.ConnID, sess domain.Session, sig core.SignalConnection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = Entry{Conn: id, Session: sess, Signal: sig}
	log.Info().Str("module", "relay.registry").Str("conn", string(id)).
		Str("client", sess.ClientID).Str("room", string(sess.RoomID)).Str("lang", sess.Language).
		Msg("session upserted")
}

// Remove is a no-op when the connection never joined.
func (r *Registry) Remove(id core.ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return
	}
	delete(r.entries, id)
	log.Info().Str("module", "relay.registry").Str("conn", string(id)).Msg("session removed")
}

func (r *Registry) Get(id core.ConnID) (domain.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e.Session, ok
}

// Snapshot returns a consistent point-in-time copy of all entries.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

// MembersOf returns every entry whose session sits in the given room.
// Linear in the number of connected sessions; iteration order is map order
// and callers must not depend on it. This scan is the extension point for an
// incremental room index should scale ever require one.
func (r *Registry) MembersOf(room domain.RoomID) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.Session.RoomID == room {
			out = append(out, e)
		}
	}
	return out
}

// MembersSnapshot exposes a room's membership without transport handles.
func (r *Registry) MembersSnapshot(room domain.RoomID) []MemberDTO {
	members := r.MembersOf(room)
	out := make([]MemberDTO, 0, len(members))
	for _, e := range members {
		out = append(out, MemberDTO{ClientID: e.Session.ClientID, Language: e.Session.Language})
	}
	return out
}

// Rooms lists the rooms currently implied by the registry with their sizes.
func (r *Registry) Rooms() []RoomInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[domain.RoomID]int)
	for _, e := range r.entries {
		counts[e.Session.RoomID]++
	}
	out := make([]RoomInfo, 0, len(counts))
	for id, n := range counts {
		out = append(out, RoomInfo{ID: id, MemberCount: n})
	}
	return out
}
