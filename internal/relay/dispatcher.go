package relay

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/babelroom/relay/internal/core"
	"github.com/babelroom/relay/internal/domain"
	"github.com/babelroom/relay/internal/protocol"
	"github.com/babelroom/relay/internal/translate"
)

// Dispatcher applies inbound frames: a join mutates the registry, an
// utterance fans out to its room, anything else is answered with an error
// frame to the sender only. It keeps no per-connection state; a connection
// has no joined/not-joined machine and may speak before joining.
type Dispatcher struct {
	registry *Registry
	gateway  translate.Gateway

	mu    sync.Mutex
	gates map[domain.RoomID]*roomGate
}

func NewDispatcher(reg *Registry, gw translate.Gateway) *Dispatcher {
	return &Dispatcher{
		registry: reg,
		gateway:  gw,
		gates:    make(map[domain.RoomID]*roomGate),
	}
}

// roomGate serializes fan-outs for one room. refs counts holders plus
// waiters, maintained under Dispatcher.mu.
type roomGate struct {
	mu   sync.Mutex
	refs int
}

// HandleFrame processes one frame received on conn. Never fails the
// connection: every failure mode ends in an error frame, a recovered
// utterance, or a log line.
func (d *Dispatcher) HandleFrame(ctx context.Context, conn core.ConnID, sig core.SignalConnection, data core.Frame) {
	var sess *domain.Session
	if s, ok := d.registry.Get(conn); ok {
		sess = &s
	}

	msg, err := protocol.DecodeFrame(data, sess)
	if err != nil {
		log.Warn().Str("module", "relay.dispatcher").Str("conn", string(conn)).Err(err).Msg("rejected frame")
		d.sendJSON(conn, sig, protocol.ErrorMessage{Type: protocol.TypeError, Message: "Unknown type"})
		return
	}

	switch m := msg.(type) {
	case *protocol.Join:
		d.handleJoin(conn, sig, m)
	case *protocol.Utterance:
		d.handleUtterance(ctx, conn, sig, m)
	}
}

// OnDisconnect drops the connection's session. Silent to everyone else:
// remaining room members get no notification.
func (d *Dispatcher) OnDisconnect(conn core.ConnID) {
	d.registry.Remove(conn)
}

func (d *Dispatcher) handleJoin(conn core.ConnID, sig core.SignalConnection, m *protocol.Join) {
	if m.ClientID == "" || m.RoomID == "" || m.Language == "" {
		d.sendJSON(conn, sig, protocol.ErrorMessage{
			Type:    protocol.TypeError,
			Message: "join requires clientId, roomId and language",
		})
		return
	}

	d.registry.Upsert(conn, domain.Session{
		ClientID: m.ClientID,
		RoomID:   domain.RoomID(m.RoomID),
		Language: m.Language,
	}, sig)

	// Ack goes to the joining connection only; the room is not notified.
	d.sendJSON(conn, sig, protocol.Joined{Type: protocol.TypeJoined, ClientID: m.ClientID, RoomID: m.RoomID})
}

func (d *Dispatcher) handleUtterance(ctx context.Context, conn core.ConnID, sig core.SignalConnection, m *protocol.Utterance) {
	if m.RoomID == "" || m.Language == "" || m.Text == "" {
		d.sendJSON(conn, sig, protocol.ErrorMessage{
			Type:    protocol.TypeError,
			Message: "utterance requires roomId, language and text",
		})
		return
	}

	u := m.Domain()

	// One fan-out at a time per room: utterance N is fully issued before
	// N+1 starts, so no recipient observes the room out of order. Unrelated
	// rooms do not contend on this.
	gate := d.acquireGate(u.RoomID)
	defer d.releaseGate(u.RoomID, gate)

	targets := d.registry.MembersOf(u.RoomID)
	if len(targets) == 0 {
		// At-most-effort: no buffering, no error back to the sender.
		log.Debug().Str("module", "relay.dispatcher").Str("room", string(u.RoomID)).
			Str("utterance", u.UtteranceID).Msg("no members, dropping utterance")
		return
	}

	sent := 0
	for _, t := range targets {
		text := u.Text
		if t.Session.Language != u.Language {
			text = d.gateway.Translate(ctx, u.Text, u.Language, t.Session.Language)
		}

		out := protocol.TranscriptionFrame(domain.Transcription{
			UtteranceID:      u.UtteranceID,
			SpeakerID:        u.SpeakerID,
			RoomID:           u.RoomID,
			OriginalLanguage: u.Language,
			TargetLanguage:   t.Session.Language,
			Text:             text,
		})

		// The sender gets its own transcription too when it is a room
		// member; that echo doubles as a delivery confirmation.
		if err := d.send(t.Signal, out); err != nil {
			log.Warn().Str("module", "relay.dispatcher").Str("conn", string(t.Conn)).
				Str("utterance", u.UtteranceID).Err(err).Msg("delivery failed, skipping recipient")
			continue
		}
		sent++
	}

	log.Debug().Str("module", "relay.dispatcher").Str("room", string(u.RoomID)).
		Str("utterance", u.UtteranceID).Int("sent_to", sent).Int("targets", len(targets)).
		Msg("fan-out done")
}

// acquireGate blocks until the caller may fan out to the room. A waiter
// bumps refs before blocking, so its gate is never deleted out from under
// it; releaseGate drops the map entry once the last holder or waiter is
// gone, keeping the map bounded by rooms with a fan-out in flight.
func (d *Dispatcher) acquireGate(room domain.RoomID) *roomGate {
	d.mu.Lock()
	g, ok := d.gates[room]
	if !ok {
		g = &roomGate{}
		d.gates[room] = g
	}
	g.refs++
	d.mu.Unlock()

	g.mu.Lock()
	return g
}

func (d *Dispatcher) releaseGate(room domain.RoomID, g *roomGate) {
	g.mu.Unlock()
	d.mu.Lock()
	g.refs--
	if g.refs == 0 {
		delete(d.gates, room)
	}
	d.mu.Unlock()
}

func (d *Dispatcher) send(sig core.SignalConnection, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return sig.TrySend(b)
}

func (d *Dispatcher) sendJSON(conn core.ConnID, sig core.SignalConnection, v any) {
	if err := d.send(sig, v); err != nil {
		log.Warn().Str("module", "relay.dispatcher").Str("conn", string(conn)).Err(err).Msg("send failed")
	}
}
