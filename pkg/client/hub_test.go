package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"wonder-craft/tickets/ticket-presence-server/pkg/broadcast"
	"wonder-craft/tickets/ticket-presence-server/pkg/config"
	"wonder-craft/tickets/ticket-presence-server/pkg/identity"
	"wonder-craft/tickets/ticket-presence-server/pkg/infra"
	"wonder-craft/tickets/ticket-presence-server/pkg/msg"
	"wonder-craft/tickets/ticket-presence-server/pkg/presence"
	"wonder-craft/tickets/ticket-presence-server/pkg/room"
	"wonder-craft/tickets/ticket-presence-server/pkg/session"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

type fakeTransport struct {
	closed atomic.Int32
}

func (t *fakeTransport) Close() {
	t.closed.Add(1)
}

type fakeProvider struct {
	identities map[string]*identity.Identity
}

func (p *fakeProvider) Resolve(token string) (*identity.Identity, error) {
	id, ok := p.identities[token]
	if !ok {
		return nil, identity.ErrInvalidToken
	}
	return id, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() *config.Config {
	return &config.Config{
		Presence: config.PresenceConfig{
			HeartbeatTimeout: 45 * time.Second,
			SweepInterval:    5 * time.Second,
			PingInterval:     20 * time.Second,
			WriteWait:        10 * time.Second,
			SendBuffer:       64,
			MaxMessageSize:   8192,
		},
	}
}

var (
	viewerA = &identity.Identity{ViewerID: "A", AvatarRef: "a.png"}
	viewerB = &identity.Identity{ViewerID: "B", AvatarRef: "b.png"}
)

type hubFixture struct {
	hub        *Hub
	dispatcher *broadcast.Dispatcher
	registry   *presence.Registry
	clock      *fakeClock
}

func newHubFixture(t *testing.T, cfg *config.Config, logger *zap.Logger) *hubFixture {
	if logger == nil {
		logger = zaptest.NewLogger(t)
	}
	loggerFactory := infra.NewLoggerFactory(logger)
	directory := session.ProvideDirectory()
	registry := presence.ProvideRegistry(loggerFactory)
	multiplexer := room.ProvideMultiplexer(loggerFactory)
	dispatcher := broadcast.ProvideDispatcher(registry, multiplexer, directory, loggerFactory)
	provider := &fakeProvider{identities: map[string]*identity.Identity{
		"token-a": viewerA,
		"token-b": viewerB,
	}}

	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	hub := ProvideHub(cfg, directory, multiplexer, registry, dispatcher, provider, loggerFactory)
	hub.now = clock.Now

	return &hubFixture{hub: hub, dispatcher: dispatcher, registry: registry, clock: clock}
}

func drain(conn *session.Connection) []*msg.WsMessage {
	var messages []*msg.WsMessage
	for {
		select {
		case m := <-conn.Send():
			messages = append(messages, m)
		default:
			return messages
		}
	}
}

// viewerLists returns the viewer lists of every viewer update in messages.
func viewerLists(t *testing.T, messages []*msg.WsMessage) [][]string {
	t.Helper()
	var lists [][]string
	for _, m := range messages {
		if m.EventCode != msg.UpdateTicketViewersCode {
			continue
		}
		event := &msg.UpdateTicketViewersServerEvent{}
		if err := json.Unmarshal(m.EventData, event); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		lists = append(lists, event.Viewers)
	}
	return lists
}

func lastViewers(t *testing.T, conn *session.Connection) []string {
	t.Helper()
	lists := viewerLists(t, drain(conn))
	if len(lists) == 0 {
		t.Fatalf("%v received no viewer update", conn.ID())
	}
	return lists[len(lists)-1]
}

func equal(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestViewerListScenario(t *testing.T) {
	f := newHubFixture(t, testConfig(), nil)
	a := f.hub.Accept(&fakeTransport{}, viewerA)
	b := f.hub.Accept(&fakeTransport{}, viewerB)

	if err := f.hub.OpenTicket(a, "T1", "A", ""); err != nil {
		t.Fatalf("A opens T1: %v", err)
	}
	if got := lastViewers(t, a); !equal(got, []string{"A"}) {
		t.Errorf("after A opens: got %v, want [A]", got)
	}

	if err := f.hub.OpenTicket(b, "T1", "B", ""); err != nil {
		t.Fatalf("B opens T1: %v", err)
	}
	if got := lastViewers(t, a); !equal(got, []string{"A", "B"}) {
		t.Errorf("A after B opens: got %v, want [A B]", got)
	}
	if got := lastViewers(t, b); !equal(got, []string{"A", "B"}) {
		t.Errorf("B after B opens: got %v, want [A B]", got)
	}

	// A goes silent, B keeps sending heartbeats.
	f.clock.Advance(30 * time.Second)
	f.hub.HandleEvent(b, &msg.HeartbeatEvent{})
	f.clock.Advance(20 * time.Second)
	f.hub.sweep(f.clock.Now())

	if a.State() != session.Disconnected {
		t.Errorf("A state: got %v, want disconnected", a.State())
	}
	if got := lastViewers(t, b); !equal(got, []string{"B"}) {
		t.Errorf("after A times out: got %v, want [B]", got)
	}

	if err := f.hub.CloseTicket(b, "T1", "B"); err != nil {
		t.Fatalf("B closes T1: %v", err)
	}
	if got := lastViewers(t, b); len(got) != 0 {
		t.Errorf("after B closes: got %v, want []", got)
	}
	if stats := f.hub.Stats(); stats.Channels != 0 || stats.Tickets != 0 {
		t.Errorf("after B closes: got stats %+v, want no channels and no tickets", stats)
	}
}

func TestTicketListReachesConnectionsWithoutChannels(t *testing.T) {
	f := newHubFixture(t, testConfig(), nil)
	conns := []*session.Connection{
		f.hub.Accept(&fakeTransport{}, nil),
		f.hub.Accept(&fakeTransport{}, nil),
		f.hub.Accept(&fakeTransport{}, nil),
	}

	f.dispatcher.BroadcastTicketList([]msg.TicketSummary{{TicketId: "T-new", Status: "open"}})

	for _, conn := range conns {
		messages := drain(conn)
		if len(messages) != 1 || messages[0].EventCode != msg.TicketsUpdatedCode {
			t.Errorf("%v: got %v messages, want one ticket list", conn.ID(), len(messages))
		}
		if lists := viewerLists(t, messages); len(lists) != 0 {
			t.Errorf("%v: got viewer updates %v", conn.ID(), lists)
		}
	}
}

func TestDisconnectRebroadcastsOncePerTicket(t *testing.T) {
	f := newHubFixture(t, testConfig(), nil)
	leaving := f.hub.Accept(&fakeTransport{}, viewerA)

	tickets := []string{"T1", "T2", "T3"}
	watchers := make([]*session.Connection, len(tickets))
	for i, ticketId := range tickets {
		watchers[i] = f.hub.Accept(&fakeTransport{}, &identity.Identity{ViewerID: fmt.Sprintf("W%v", i)})
		f.hub.OpenTicket(watchers[i], ticketId, "", "")
		f.hub.OpenTicket(leaving, ticketId, "", "")
		drain(watchers[i])
	}

	f.hub.Disconnect(leaving.ID(), ReasonTransport)

	for i, watcher := range watchers {
		lists := viewerLists(t, drain(watcher))
		if len(lists) != 1 {
			t.Errorf("%v: got %v viewer updates, want 1", tickets[i], len(lists))
			continue
		}
		if want := []string{fmt.Sprintf("W%v", i)}; !equal(lists[0], want) {
			t.Errorf("%v: got %v, want %v", tickets[i], lists[0], want)
		}
	}
}

func TestSameViewerTwoConnections(t *testing.T) {
	f := newHubFixture(t, testConfig(), nil)
	tab1 := f.hub.Accept(&fakeTransport{}, viewerA)
	tab2 := f.hub.Accept(&fakeTransport{}, viewerA)
	watcher := f.hub.Accept(&fakeTransport{}, viewerB)

	f.hub.OpenTicket(watcher, "T1", "", "")
	f.hub.OpenTicket(tab1, "T1", "", "")
	f.hub.OpenTicket(tab2, "T1", "", "")
	if got := lastViewers(t, watcher); !equal(got, []string{"B", "A"}) {
		t.Errorf("both tabs open: got %v, want [B A]", got)
	}

	f.hub.Disconnect(tab1.ID(), ReasonTransport)
	if got := lastViewers(t, watcher); !equal(got, []string{"B", "A"}) {
		t.Errorf("one tab left: got %v, want [B A]", got)
	}

	f.hub.Disconnect(tab2.ID(), ReasonTransport)
	if got := lastViewers(t, watcher); !equal(got, []string{"B"}) {
		t.Errorf("both tabs left: got %v, want [B]", got)
	}
}

func TestReopenDoesNotDuplicateViewer(t *testing.T) {
	f := newHubFixture(t, testConfig(), nil)
	a := f.hub.Accept(&fakeTransport{}, viewerA)

	f.hub.OpenTicket(a, "T1", "", "")
	f.hub.OpenTicket(a, "T1", "", "")
	f.hub.CloseTicket(a, "T1", "")
	f.hub.OpenTicket(a, "T1", "", "")
	f.hub.OpenTicket(a, "T1", "", "")

	if got := lastViewers(t, a); !equal(got, []string{"A"}) {
		t.Errorf("got %v, want [A]", got)
	}
}

func TestCloseTicketNotOpenIsNoop(t *testing.T) {
	f := newHubFixture(t, testConfig(), nil)
	a := f.hub.Accept(&fakeTransport{}, viewerA)

	if err := f.hub.CloseTicket(a, "T1", ""); err != nil {
		t.Errorf("CloseTicket: %v", err)
	}
	if got := drain(a); len(got) != 0 {
		t.Errorf("got %v messages, want none", len(got))
	}
}

func TestConcurrentDisconnectRunsCleanupOnce(t *testing.T) {
	f := newHubFixture(t, testConfig(), nil)
	transport := &fakeTransport{}
	leaving := f.hub.Accept(transport, viewerA)
	watcher := f.hub.Accept(&fakeTransport{}, viewerB)
	f.hub.OpenTicket(watcher, "T1", "", "")
	f.hub.OpenTicket(leaving, "T1", "", "")
	drain(watcher)

	f.clock.Advance(time.Hour)
	watcher.Touch(f.clock.Now())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			switch i % 3 {
			case 0:
				f.hub.Disconnect(leaving.ID(), ReasonTransport)
			case 1:
				f.hub.Disconnect(leaving.ID(), ReasonUndeliverable)
			default:
				f.hub.sweep(f.clock.Now())
			}
		}(i)
	}
	wg.Wait()

	if lists := viewerLists(t, drain(watcher)); len(lists) != 1 || !equal(lists[0], []string{"B"}) {
		t.Errorf("watcher: got viewer updates %v, want exactly [[B]]", lists)
	}
	if got := transport.closed.Load(); got != 1 {
		t.Errorf("transport closed %v times, want 1", got)
	}
	if watcher.State() != session.Active {
		t.Errorf("watcher state: got %v, want active", watcher.State())
	}
}

func TestPanicInOneTicketCleanupDoesNotStopOthers(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	f := newHubFixture(t, testConfig(), zap.New(core))

	leaving := f.hub.Accept(&fakeTransport{}, viewerA)
	watcher := f.hub.Accept(&fakeTransport{}, viewerB)
	for _, ticketId := range []string{"T1", "T2", "T3"} {
		f.hub.OpenTicket(watcher, ticketId, "", "")
		f.hub.OpenTicket(leaving, ticketId, "", "")
	}
	drain(watcher)

	broadcastViewers := f.hub.broadcastViewers
	f.hub.broadcastViewers = func(ticketId string) {
		if ticketId == "T2" {
			panic("boom")
		}
		broadcastViewers(ticketId)
	}

	f.hub.Disconnect(leaving.ID(), ReasonTransport)

	if got := len(viewerLists(t, drain(watcher))); got != 2 {
		t.Errorf("watcher: got %v viewer updates, want 2 (T1 and T3)", got)
	}
	for _, ticketId := range []string{"T1", "T2", "T3"} {
		viewers := f.registry.ViewersOf(ticketId)
		if len(viewers) != 1 || viewers[0].ViewerID != "B" {
			t.Errorf("%v: got viewers %+v, want only B", ticketId, viewers)
		}
	}
	if got := logs.FilterMessageSnippet("disconnect cleanup failed").Len(); got != 1 {
		t.Errorf("got %v cleanup error logs, want 1", got)
	}
}

func TestRequireIdentity(t *testing.T) {
	cfg := testConfig()
	cfg.Presence.RequireIdentity = true
	f := newHubFixture(t, cfg, nil)
	conn := f.hub.Accept(&fakeTransport{}, nil)

	if err := f.hub.HandleEvent(conn, &msg.TicketOpenedEvent{TicketId: "T1", ViewerId: "A"}); !errors.Is(err, ErrUnidentified) {
		t.Errorf("open before authenticate: got %v, want ErrUnidentified", err)
	}
	if got := f.registry.ViewersOf("T1"); len(got) != 0 {
		t.Errorf("viewers: got %+v, want none", got)
	}

	if err := f.hub.HandleEvent(conn, &msg.AuthenticateEvent{Token: "bad"}); !errors.Is(err, identity.ErrInvalidToken) {
		t.Errorf("authenticate with bad token: got %v, want ErrInvalidToken", err)
	}
	if err := f.hub.HandleEvent(conn, &msg.AuthenticateEvent{Token: "token-a"}); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if err := f.hub.HandleEvent(conn, &msg.TicketOpenedEvent{TicketId: "T1"}); err != nil {
		t.Fatalf("open after authenticate: %v", err)
	}
	if got := lastViewers(t, conn); !equal(got, []string{"A"}) {
		t.Errorf("got %v, want [A]", got)
	}
}

func TestViewerMismatchIsRejected(t *testing.T) {
	f := newHubFixture(t, testConfig(), nil)
	conn := f.hub.Accept(&fakeTransport{}, viewerA)

	if err := f.hub.OpenTicket(conn, "T1", "B", ""); !errors.Is(err, ErrViewerMismatch) {
		t.Errorf("OpenTicket: got %v, want ErrViewerMismatch", err)
	}
	if err := f.hub.HandleEvent(conn, &msg.AuthenticateEvent{Token: "token-b"}); !errors.Is(err, session.ErrIdentityConflict) {
		t.Errorf("authenticate as another viewer: got %v, want ErrIdentityConflict", err)
	}
	if got := f.registry.ViewersOf("T1"); len(got) != 0 {
		t.Errorf("viewers: got %+v, want none", got)
	}
}

func TestAnonymousViewerMovesToResolvedIdentity(t *testing.T) {
	f := newHubFixture(t, testConfig(), nil)
	conn := f.hub.Accept(&fakeTransport{}, nil)
	watcher := f.hub.Accept(&fakeTransport{}, viewerB)
	f.hub.OpenTicket(watcher, "T1", "", "")

	if err := f.hub.OpenTicket(conn, "T1", "", "anon.png"); err != nil {
		t.Fatalf("anonymous open: %v", err)
	}
	anonymousId := identity.AnonymousPrefix + string(conn.ID())
	if got := lastViewers(t, watcher); !equal(got, []string{"B", anonymousId}) {
		t.Errorf("anonymous open: got %v, want [B %v]", got, anonymousId)
	}

	if err := f.hub.HandleEvent(conn, &msg.AuthenticateEvent{Token: "token-a"}); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if got := lastViewers(t, watcher); !equal(got, []string{"B", "A"}) {
		t.Errorf("after authenticate: got %v, want [B A]", got)
	}

	f.hub.Disconnect(conn.ID(), ReasonTransport)
	if got := lastViewers(t, watcher); !equal(got, []string{"B"}) {
		t.Errorf("after disconnect: got %v, want [B]", got)
	}
}

func TestClaimedViewerTakesResolvedProfile(t *testing.T) {
	f := newHubFixture(t, testConfig(), nil)
	conn := f.hub.Accept(&fakeTransport{}, nil)
	watcher := f.hub.Accept(&fakeTransport{}, viewerB)
	f.hub.OpenTicket(watcher, "T1", "", "")

	if err := f.hub.OpenTicket(conn, "T1", "A", ""); err != nil {
		t.Fatalf("claimed open: %v", err)
	}
	drain(watcher)
	if got := f.registry.ViewersOf("T1")[1].AvatarRef; got != "" {
		t.Fatalf("claimed avatar: got %q, want empty", got)
	}

	if err := f.hub.HandleEvent(conn, &msg.AuthenticateEvent{Token: "token-a"}); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	viewers := f.registry.ViewersOf("T1")
	if len(viewers) != 2 || viewers[1].ViewerID != "A" {
		t.Fatalf("after authenticate: got %+v, want [B A]", viewers)
	}
	if got := viewers[1].AvatarRef; got != "a.png" {
		t.Errorf("avatar after authenticate: got %q, want a.png", got)
	}
	if got := lastViewers(t, watcher); !equal(got, []string{"B", "A"}) {
		t.Errorf("rebroadcast after authenticate: got %v, want [B A]", got)
	}

	// A second authenticate with the same profile changes nothing.
	if err := f.hub.HandleEvent(conn, &msg.AuthenticateEvent{Token: "token-a"}); err != nil {
		t.Fatalf("authenticate again: %v", err)
	}
	if lists := viewerLists(t, drain(watcher)); len(lists) != 0 {
		t.Errorf("authenticate again: got viewer updates %v, want none", lists)
	}
}

func TestClaimDoesNotOverwriteResolvedProfile(t *testing.T) {
	f := newHubFixture(t, testConfig(), nil)
	verified := f.hub.Accept(&fakeTransport{}, viewerA)
	claimed := f.hub.Accept(&fakeTransport{}, nil)

	f.hub.OpenTicket(verified, "T1", "", "")
	if err := f.hub.OpenTicket(claimed, "T1", "A", "fake.png"); err != nil {
		t.Fatalf("claimed open: %v", err)
	}

	viewers := f.registry.ViewersOf("T1")
	if len(viewers) != 1 {
		t.Fatalf("viewers: got %+v, want one entry for A", viewers)
	}
	if got := viewers[0].AvatarRef; got != "a.png" {
		t.Errorf("avatar: got %q, want a.png", got)
	}
}

func TestHeartbeatIsAcknowledged(t *testing.T) {
	f := newHubFixture(t, testConfig(), nil)
	conn := f.hub.Accept(&fakeTransport{}, nil)

	f.clock.Advance(time.Minute)
	if err := f.hub.HandleEvent(conn, &msg.HeartbeatEvent{}); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	messages := drain(conn)
	if len(messages) != 1 || messages[0].EventCode != msg.HeartbeatAckCode {
		t.Fatalf("got %v messages, want one heartbeat ack", len(messages))
	}
	event := &msg.HeartbeatAckServerEvent{}
	json.Unmarshal(messages[0].EventData, event)
	if want := f.clock.Now().UnixMilli(); event.ServerTime != want {
		t.Errorf("ServerTime: got %v, want %v", event.ServerTime, want)
	}
	if !conn.LastSeen().Equal(f.clock.Now()) {
		t.Errorf("LastSeen: got %v, want %v", conn.LastSeen(), f.clock.Now())
	}
}

func TestUndeliverableConnectionIsDisconnected(t *testing.T) {
	cfg := testConfig()
	cfg.Presence.SendBuffer = 1
	f := newHubFixture(t, cfg, nil)
	slow := f.hub.Accept(&fakeTransport{}, viewerA)

	f.dispatcher.BroadcastTicketList(nil)
	f.dispatcher.BroadcastTicketList(nil)

	f.hub.Disconnect(<-f.dispatcher.Undeliverable(), ReasonUndeliverable)
	if slow.State() != session.Disconnected {
		t.Errorf("state: got %v, want disconnected", slow.State())
	}
	if f.hub.Stats().Connections != 0 {
		t.Errorf("connections: got %v, want 0", f.hub.Stats().Connections)
	}
}

// Random opens, closes and disconnects on one ticket from many goroutines.
// Afterwards the viewers must be exactly the identities of the live
// connections still viewing the ticket.
func TestConcurrentTransitionsNoDrift(t *testing.T) {
	f := newHubFixture(t, testConfig(), nil)
	identities := []*identity.Identity{viewerA, viewerB, {ViewerID: "C"}}

	conns := make([]*session.Connection, 24)
	for i := range conns {
		conns[i] = f.hub.Accept(&fakeTransport{}, identities[i%len(identities)])
	}

	var wg sync.WaitGroup
	for i, conn := range conns {
		wg.Add(1)
		go func(seed int64, conn *session.Connection) {
			defer wg.Done()
			random := rand.New(rand.NewSource(seed))
			for step := 0; step < 200; step++ {
				switch random.Intn(10) {
				case 0:
					f.hub.Disconnect(conn.ID(), ReasonTransport)
					return
				case 1, 2, 3, 4:
					f.hub.CloseTicket(conn, "T1", "")
				default:
					f.hub.OpenTicket(conn, "T1", "", "")
				}
			}
		}(int64(i), conn)
	}
	wg.Wait()

	want := make(map[string]bool)
	for _, conn := range conns {
		if conn.State() != session.Disconnected && len(conn.Tickets()) == 1 {
			want[conn.Identity().ViewerID] = true
		}
	}

	got := f.registry.ViewersOf("T1")
	if len(got) != len(want) {
		t.Fatalf("got viewers %+v, want %v", got, want)
	}
	for _, viewer := range got {
		if !want[viewer.ViewerID] {
			t.Errorf("unexpected viewer %v", viewer.ViewerID)
		}
	}
}
