package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/babelroom/relay/internal/core"
	"github.com/babelroom/relay/internal/domain"
	"github.com/babelroom/relay/internal/protocol"
	"github.com/babelroom/relay/internal/translate"
)

// fakeConn records everything sent to it.
type fakeConn struct {
	mu     sync.Mutex
	frames []core.Frame
	fail   bool
}

func (f *fakeConn) TrySend(fr core.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("connection closed")
	}
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeConn) Close() {}

func (f *fakeConn) sent() []core.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]core.Frame, len(f.frames))
	copy(out, f.frames)
	return out
}

func (f *fakeConn) lastTranscription(t *testing.T) protocol.Transcription {
	t.Helper()
	frames := f.sent()
	require.NotEmpty(t, frames)
	var tr protocol.Transcription
	require.NoError(t, json.Unmarshal(frames[len(frames)-1], &tr))
	require.Equal(t, protocol.TypeTranscription, tr.Type)
	return tr
}

// fakeGateway marks translated text so tests can tell it apart.
type fakeGateway struct {
	mu    sync.Mutex
	calls int
}

func (g *fakeGateway) Translate(_ context.Context, text, _, to string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	return "[" + to + "] " + text
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func join(d *Dispatcher, conn core.ConnID, sig core.SignalConnection, client, room, lang string) {
	frame := []byte(`{"type":"join","clientId":"` + client + `","roomId":"` + room + `","language":"` + lang + `"}`)
	d.HandleFrame(context.Background(), conn, sig, frame)
}

func utter(d *Dispatcher, conn core.ConnID, sig core.SignalConnection, speaker, room, lang, text string) {
	utterAs(d, conn, sig, "u-1", speaker, room, lang, text)
}

func utterAs(d *Dispatcher, conn core.ConnID, sig core.SignalConnection, id, speaker, room, lang, text string) {
	u := protocol.Utterance{
		Type: protocol.TypeUtterance, UtteranceID: id,
		SpeakerID: speaker, RoomID: room, Language: lang, Text: text,
	}
	b, _ := json.Marshal(u)
	d.HandleFrame(context.Background(), conn, sig, b)
}

// blockingGateway parks every Translate call until released, so tests can
// hold an utterance mid fan-out.
type blockingGateway struct {
	started chan string
	release chan struct{}
}

func newBlockingGateway() *blockingGateway {
	return &blockingGateway{started: make(chan string), release: make(chan struct{})}
}

func (g *blockingGateway) Translate(_ context.Context, text, _, to string) string {
	g.started <- text
	<-g.release
	return "[" + to + "] " + text
}

func TestDispatcher_JoinAcksSenderOnly(t *testing.T) {
	reg := NewRegistry()
	d := NewDispatcher(reg, &fakeGateway{})
	a, b := &fakeConn{}, &fakeConn{}

	join(d, "ca", a, "alice", "r1", "pt-BR")
	join(d, "cb", b, "bob", "r1", "en-US")

	// Each connection got exactly its own ack, no join broadcast.
	require.Len(t, a.sent(), 1)
	require.Len(t, b.sent(), 1)

	var ack protocol.Joined
	require.NoError(t, json.Unmarshal(a.sent()[0], &ack))
	require.Equal(t, protocol.TypeJoined, ack.Type)
	require.Equal(t, "alice", ack.ClientID)
	require.Equal(t, "r1", ack.RoomID)
}

func TestDispatcher_JoinMissingFieldsRejected(t *testing.T) {
	reg := NewRegistry()
	d := NewDispatcher(reg, &fakeGateway{})
	a := &fakeConn{}

	d.HandleFrame(context.Background(), "ca", a, []byte(`{"type":"join","clientId":"alice"}`))

	require.Len(t, a.sent(), 1)
	var em protocol.ErrorMessage
	require.NoError(t, json.Unmarshal(a.sent()[0], &em))
	require.Equal(t, protocol.TypeError, em.Type)
	require.Empty(t, reg.Snapshot())
}

func TestDispatcher_UtteranceTranslatesPerRecipient(t *testing.T) {
	reg := NewRegistry()
	gw := &fakeGateway{}
	d := NewDispatcher(reg, gw)
	a, b := &fakeConn{}, &fakeConn{}

	join(d, "ca", a, "alice", "r1", "pt-BR")
	join(d, "cb", b, "bob", "r1", "en-US")

	utter(d, "ca", a, "alice", "r1", "pt-BR", "Olá")

	// Bob gets the translation.
	trB := b.lastTranscription(t)
	require.Equal(t, "[en-US] Olá", trB.Text)
	require.Equal(t, "pt-BR", trB.OriginalLanguage)
	require.Equal(t, "en-US", trB.TargetLanguage)
	require.Equal(t, "alice", trB.SpeakerID)
	require.Equal(t, "u-1", trB.UtteranceID)

	// Alice, same language, gets the original back as an echo and the
	// gateway is only hit once (for bob).
	trA := a.lastTranscription(t)
	require.Equal(t, "Olá", trA.Text)
	require.Equal(t, "pt-BR", trA.TargetLanguage)
	require.Equal(t, 1, gw.callCount())
}

func TestDispatcher_EmptyRoomDropsSilently(t *testing.T) {
	reg := NewRegistry()
	gw := &fakeGateway{}
	d := NewDispatcher(reg, gw)
	c := &fakeConn{}

	utter(d, "cc", c, "carol", "ghost", "en-US", "anyone?")

	require.Empty(t, c.sent())
	require.Zero(t, gw.callCount())
}

func TestDispatcher_IdentityFallbackWhenUnconfigured(t *testing.T) {
	reg := NewRegistry()
	d := NewDispatcher(reg, translate.New(translate.Config{}))
	a, b := &fakeConn{}, &fakeConn{}

	join(d, "ca", a, "alice", "r1", "pt-BR")
	join(d, "cb", b, "bob", "r1", "en-US")

	utter(d, "ca", a, "alice", "r1", "pt-BR", "Olá")

	trB := b.lastTranscription(t)
	require.Equal(t, "Olá", trB.Text)
	require.Equal(t, "en-US", trB.TargetLanguage)
}

func TestDispatcher_SameLanguageNeverCallsGateway(t *testing.T) {
	reg := NewRegistry()
	gw := &fakeGateway{}
	d := NewDispatcher(reg, gw)
	a, b := &fakeConn{}, &fakeConn{}

	join(d, "ca", a, "alice", "r1", "en-US")
	join(d, "cb", b, "bob", "r1", "en-US")

	utter(d, "ca", a, "alice", "r1", "en-US", "hello")

	require.Zero(t, gw.callCount())
	require.Equal(t, "hello", a.lastTranscription(t).Text)
	require.Equal(t, "hello", b.lastTranscription(t).Text)
}

func TestDispatcher_DeliveryFailureDoesNotAbortFanOut(t *testing.T) {
	reg := NewRegistry()
	d := NewDispatcher(reg, &fakeGateway{})
	a, b, c := &fakeConn{}, &fakeConn{fail: true}, &fakeConn{}

	join(d, "ca", a, "alice", "r1", "en-US")
	join(d, "cc", c, "carol", "r1", "en-US")
	reg.Upsert("cb", domain.Session{ClientID: "bob", RoomID: "r1", Language: "en-US"}, b)

	utter(d, "ca", a, "alice", "r1", "en-US", "hello")

	require.Equal(t, "hello", a.lastTranscription(t).Text)
	require.Equal(t, "hello", c.lastTranscription(t).Text)
	require.Empty(t, b.sent())
}

func TestDispatcher_UnknownTypeSingleErrorFrame(t *testing.T) {
	reg := NewRegistry()
	d := NewDispatcher(reg, &fakeGateway{})
	a := &fakeConn{}

	join(d, "ca", a, "alice", "r1", "en-US")
	before := len(reg.Snapshot())

	d.HandleFrame(context.Background(), "ca", a, []byte(`{"type":"leave"}`))

	frames := a.sent()
	require.Len(t, frames, 2) // joined ack + exactly one error
	var em protocol.ErrorMessage
	require.NoError(t, json.Unmarshal(frames[1], &em))
	require.Equal(t, protocol.TypeError, em.Type)
	require.Equal(t, "Unknown type", em.Message)
	require.Len(t, reg.Snapshot(), before)
}

func TestDispatcher_RawTextFansOutToSendersRoom(t *testing.T) {
	reg := NewRegistry()
	gw := &fakeGateway{}
	d := NewDispatcher(reg, gw)
	a, b := &fakeConn{}, &fakeConn{}

	join(d, "ca", a, "alice", "r1", "pt-BR")
	join(d, "cb", b, "bob", "r1", "en-US")

	// Not JSON: recovered as an utterance using alice's session.
	d.HandleFrame(context.Background(), "ca", a, []byte("Olá"))

	trB := b.lastTranscription(t)
	require.Equal(t, "[en-US] Olá", trB.Text)
	require.Equal(t, "alice", trB.SpeakerID)
	require.Equal(t, "r1", trB.RoomID)
}

func TestDispatcher_UtteranceBeforeJoin(t *testing.T) {
	reg := NewRegistry()
	d := NewDispatcher(reg, &fakeGateway{})
	a, b := &fakeConn{}, &fakeConn{}

	join(d, "cb", b, "bob", "r1", "en-US")

	// Never joined, but the message is self-describing.
	utter(d, "ca", a, "alice", "r1", "en-US", "hi")

	require.Equal(t, "hi", b.lastTranscription(t).Text)
	// Sender is not a member, so no echo.
	require.Empty(t, a.sent())
}

func TestDispatcher_DisconnectRemovesMembershipSilently(t *testing.T) {
	reg := NewRegistry()
	d := NewDispatcher(reg, &fakeGateway{})
	a, b := &fakeConn{}, &fakeConn{}

	join(d, "ca", a, "alice", "r1", "en-US")
	join(d, "cb", b, "bob", "r1", "en-US")

	d.OnDisconnect("cb")

	// Bob got only his join ack; nobody was told he left.
	require.Len(t, b.sent(), 1)
	require.Len(t, a.sent(), 1)

	utter(d, "ca", a, "alice", "r1", "en-US", "still here?")
	require.Len(t, b.sent(), 1)
	require.Equal(t, "still here?", a.lastTranscription(t).Text)
}

func TestDispatcher_SameRoomFanOutsNeverInterleave(t *testing.T) {
	reg := NewRegistry()
	gw := newBlockingGateway()
	d := NewDispatcher(reg, gw)

	bob := &fakeConn{}
	reg.Upsert("cb", domain.Session{ClientID: "bob", RoomID: "r1", Language: "en-US"}, bob)

	sender := &fakeConn{}
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		utterAs(d, "c1", sender, "u-1", "alice", "r1", "pt-BR", "first")
	}()

	// u-1 holds the room gate once its gateway call is in flight.
	require.Equal(t, "first", <-gw.started)

	go func() {
		defer wg.Done()
		utterAs(d, "c2", sender, "u-2", "alice", "r1", "pt-BR", "second")
	}()

	// u-2 must queue behind u-1: nothing delivered, no second gateway call.
	select {
	case text := <-gw.started:
		t.Fatalf("second fan-out started while first still in flight: %q", text)
	case <-time.After(50 * time.Millisecond):
	}
	require.Empty(t, bob.sent())

	gw.release <- struct{}{}

	// By the time u-2's gateway call begins, u-1's fan-out is fully issued.
	require.Equal(t, "second", <-gw.started)
	require.Len(t, bob.sent(), 1)

	gw.release <- struct{}{}
	wg.Wait()

	frames := bob.sent()
	require.Len(t, frames, 2)
	var tr1, tr2 protocol.Transcription
	require.NoError(t, json.Unmarshal(frames[0], &tr1))
	require.NoError(t, json.Unmarshal(frames[1], &tr2))
	require.Equal(t, "u-1", tr1.UtteranceID)
	require.Equal(t, "u-2", tr2.UtteranceID)
}

func TestDispatcher_DistinctRoomsDoNotSerialize(t *testing.T) {
	reg := NewRegistry()
	gw := newBlockingGateway()
	d := NewDispatcher(reg, gw)

	bob, carol := &fakeConn{}, &fakeConn{}
	reg.Upsert("cb", domain.Session{ClientID: "bob", RoomID: "r1", Language: "en-US"}, bob)
	reg.Upsert("cc", domain.Session{ClientID: "carol", RoomID: "r2", Language: "pt-BR"}, carol)

	sender := &fakeConn{}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		utterAs(d, "c1", sender, "u-1", "alice", "r1", "pt-BR", "slow room")
	}()
	require.Equal(t, "slow room", <-gw.started)

	// r1 is parked in the gateway; r2 still completes a whole fan-out
	// (same language, so no gateway involvement).
	utterAs(d, "c2", sender, "u-2", "dave", "r2", "pt-BR", "oi")
	require.Equal(t, "oi", carol.lastTranscription(t).Text)
	require.Empty(t, bob.sent())

	gw.release <- struct{}{}
	wg.Wait()
	require.Equal(t, "[en-US] slow room", bob.lastTranscription(t).Text)
}

func TestDispatcher_RoomGateDroppedWhenIdle(t *testing.T) {
	reg := NewRegistry()
	d := NewDispatcher(reg, &fakeGateway{})
	a, b := &fakeConn{}, &fakeConn{}

	join(d, "ca", a, "alice", "r1", "en-US")
	join(d, "cb", b, "bob", "r2", "en-US")
	utter(d, "ca", a, "alice", "r1", "en-US", "hello")
	utter(d, "cb", b, "bob", "r2", "en-US", "hi")
	utter(d, "cc", &fakeConn{}, "carol", "ghost", "en-US", "anyone?")

	// No fan-out in flight, so no gate survives.
	d.mu.Lock()
	n := len(d.gates)
	d.mu.Unlock()
	require.Zero(t, n)
}

func TestDispatcher_RejoinMovesRooms(t *testing.T) {
	reg := NewRegistry()
	d := NewDispatcher(reg, &fakeGateway{})
	a, b := &fakeConn{}, &fakeConn{}

	join(d, "ca", a, "alice", "r1", "en-US")
	join(d, "cb", b, "bob", "r1", "en-US")
	join(d, "cb", b, "bob", "r2", "fr-FR")

	utter(d, "ca", a, "alice", "r1", "en-US", "hello r1")

	// Bob moved to r2: join acks only, no transcription.
	require.Len(t, b.sent(), 2)
	require.Equal(t, "hello r1", a.lastTranscription(t).Text)
}
