package callclient

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"callrelay-backend/internal/domain"
	"callrelay-backend/internal/repository/memory"
	"callrelay-backend/internal/service/call"
	apperrors "callrelay-backend/pkg/errors"
	"callrelay-backend/pkg/signaling"
)

// switchboard delivers relay events to the inbox of every device of a user
type switchboard struct {
	mu      sync.Mutex
	inboxes map[uuid.UUID][]chan *signaling.Event
}

func (s *switchboard) NotifyUser(_ context.Context, userID uuid.UUID, ev *signaling.Event) error {
	s.mu.Lock()
	inboxes := append([]chan *signaling.Event(nil), s.inboxes[userID]...)
	s.mu.Unlock()
	for _, inbox := range inboxes {
		inbox <- ev
	}
	return nil
}

func (s *switchboard) IsOnline(_ context.Context, userID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inboxes[userID]
	return ok, nil
}

type conversations map[uuid.UUID]*domain.ConversationInfo

func (c conversations) LookupConversation(_ context.Context, conversationID uuid.UUID) (*domain.ConversationInfo, error) {
	info, ok := c[conversationID]
	if !ok {
		return nil, apperrors.NotFoundError("Conversation")
	}
	return info, nil
}

type directory map[uuid.UUID]string

func (d directory) DisplayNameOf(_ context.Context, userID uuid.UUID) (string, error) {
	return d[userID], nil
}

// summaryLog captures conversation log entries
type summaryLog struct {
	mu    sync.Mutex
	texts []string
}

func (l *summaryLog) AppendSystemSummary(_ context.Context, conversationID uuid.UUID, text string, _ map[string]string) (*domain.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.texts = append(l.texts, text)
	return &domain.Message{MessageID: uuid.New(), ConversationID: conversationID, Content: text, MessageType: domain.MessageTypeSystem}, nil
}

func (l *summaryLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.texts...)
}

// endpoint is one user's Machine wired to the in-process relay
type endpoint struct {
	id         uuid.UUID
	machine    *Machine
	media      *fakeMediaSource
	transports *fakeFactory
	relay      *call.Relay

	mu      sync.Mutex
	seq     int
	sent    []signaling.Kind
	reasons map[signaling.Kind][]signaling.Reason
	notices []Notice
	states  []State
}

func (e *endpoint) Send(ctx context.Context, kind signaling.Kind, payload any) (*signaling.Ack, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.seq++
	id := strconv.Itoa(e.seq)
	e.sent = append(e.sent, kind)
	if p, ok := payload.(signaling.TerminalPayload); ok {
		if e.reasons == nil {
			e.reasons = make(map[signaling.Kind][]signaling.Reason)
		}
		e.reasons[kind] = append(e.reasons[kind], p.Reason)
	}
	e.mu.Unlock()

	return e.relay.Dispatch(ctx, e.id, &signaling.Request{ID: id, Type: kind, Payload: raw}), nil
}

func (e *endpoint) sentCount(kind signaling.Kind) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, k := range e.sent {
		if k == kind {
			n++
		}
	}
	return n
}

// sentReasons lists the reasons of every terminal signal of kind sent so far
func (e *endpoint) sentReasons(kind signaling.Kind) []signaling.Reason {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]signaling.Reason(nil), e.reasons[kind]...)
}

func (e *endpoint) sentTotal() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sent)
}

func (e *endpoint) seenNotices() []Notice {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Notice(nil), e.notices...)
}

func (e *endpoint) seenStates() []State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]State(nil), e.states...)
}

func (e *endpoint) state() State {
	return e.machine.Snapshot().State
}

func (e *endpoint) transport() *fakeTransport {
	return e.transports.last()
}

type callFixture struct {
	t        *testing.T
	ctx      context.Context
	clock    *clock.Mock
	registry *memory.SessionRegistry
	log      *summaryLog
	board    *switchboard
	convs    conversations
	relay    *call.Relay

	alice, bob, carol *endpoint
	// direct joins alice and bob, second joins bob and carol
	direct, second uuid.UUID
}

func newCallFixture(t *testing.T) *callFixture {
	t.Helper()

	f := &callFixture{
		t:        t,
		ctx:      context.Background(),
		clock:    clock.NewMock(),
		registry: memory.NewSessionRegistry(),
		log:      &summaryLog{},
		board:    &switchboard{inboxes: make(map[uuid.UUID][]chan *signaling.Event)},
		direct:   uuid.New(),
		second:   uuid.New(),
	}
	f.clock.Set(time.Date(2026, 10, 16, 9, 5, 0, 0, time.UTC))

	aliceID, bobID, carolID := uuid.New(), uuid.New(), uuid.New()
	f.convs = conversations{
		f.direct: {ConversationID: f.direct, Participants: []uuid.UUID{aliceID, bobID}},
		f.second: {ConversationID: f.second, Participants: []uuid.UUID{bobID, carolID}},
	}
	names := directory{aliceID: "Alice", bobID: "Bob", carolID: "Carol"}

	f.relay = call.NewRelay(call.Deps{
		Conversations: f.convs,
		Registry:      f.registry,
		Logs:          call.NewLogWriter(f.log, nil, nil, names, time.UTC),
		Notifier:      f.board,
		Directory:     names,
	}, call.Config{
		SidechatCap:    10,
		StaleAfter:     45 * time.Second,
		ReaperInterval: 10 * time.Second,
		Clock:          f.clock,
	})

	f.alice = f.join(aliceID)
	f.bob = f.join(bobID)
	f.carol = f.join(carolID)
	return f
}

// join adds a device for user id. Calling it again with the same id adds a
// second device that receives the same events.
func (f *callFixture) join(id uuid.UUID) *endpoint {
	return f.joinWithClock(id, f.clock)
}

// joinWithClock adds a device whose timers run on clk instead of the
// shared clock
func (f *callFixture) joinWithClock(id uuid.UUID, clk clock.Clock) *endpoint {
	e := &endpoint{
		id:         id,
		media:      &fakeMediaSource{},
		transports: &fakeFactory{},
		relay:      f.relay,
	}

	machine, err := NewMachine(Config{
		Relay:      e,
		Media:      e.media,
		Transports: e.transports,
		Clock:      clk,
		OnNotice: func(n Notice) {
			e.mu.Lock()
			e.notices = append(e.notices, n)
			e.mu.Unlock()
		},
		OnChange: func(s LocalCallState) {
			e.mu.Lock()
			if len(e.states) == 0 || e.states[len(e.states)-1] != s.State {
				e.states = append(e.states, s.State)
			}
			e.mu.Unlock()
		},
	})
	require.NoError(f.t, err)
	e.machine = machine

	inbox := make(chan *signaling.Event, 256)
	done := make(chan struct{})
	f.board.mu.Lock()
	f.board.inboxes[id] = append(f.board.inboxes[id], inbox)
	f.board.mu.Unlock()

	go func() {
		for {
			select {
			case ev := <-inbox:
				machine.HandleEvent(context.Background(), ev)
			case <-done:
				return
			}
		}
	}()
	f.t.Cleanup(func() { close(done) })
	return e
}

// addConversation creates a direct conversation between two endpoints. It
// must be called before either of them starts a call.
func (f *callFixture) addConversation(a, b *endpoint) uuid.UUID {
	id := uuid.New()
	f.convs[id] = &domain.ConversationInfo{ConversationID: id, Participants: []uuid.UUID{a.id, b.id}}
	return id
}

func (f *callFixture) waitFor(cond func() bool, msg string) {
	f.t.Helper()
	require.Eventually(f.t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

func (f *callFixture) waitState(e *endpoint, s State) {
	f.t.Helper()
	f.waitFor(func() bool { return e.state() == s }, "waiting for "+string(s))
}

// connect runs a full call setup from caller to callee and waits until both
// sides are connected
func (f *callFixture) connect(caller, callee *endpoint, conversationID uuid.UUID, mode signaling.Mode) {
	f.t.Helper()
	require.NoError(f.t, caller.machine.Initiate(f.ctx, conversationID.String(), callee.id.String(), mode))
	f.waitState(callee, StateIncomingRinging)
	require.NoError(f.t, callee.machine.Accept(f.ctx))
	f.waitState(caller, StateConnected)
	f.waitState(callee, StateConnected)
}

func (f *callFixture) summaries() []string {
	return f.log.all()
}
