package signaling

import (
	"fmt"
	"math/rand"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/HuyHT130204/VIBE-SocialWeb/internal/calls"
	"github.com/HuyHT130204/VIBE-SocialWeb/internal/presence"
	"github.com/pion/webrtc/v4"
)

type recordingTransport struct {
	mu         sync.Mutex
	sent       map[presence.ConnID][]Outbound
	broadcasts []Outbound
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{sent: make(map[presence.ConnID][]Outbound)}
}

func (t *recordingTransport) Send(conn presence.ConnID, message Outbound) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent[conn] = append(t.sent[conn], message)
	return true
}

func (t *recordingTransport) Broadcast(message Outbound) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.broadcasts = append(t.broadcasts, message)
}

func (t *recordingTransport) events(conn presence.ConnID, name string) []Outbound {
	t.mu.Lock()
	defer t.mu.Unlock()
	var matched []Outbound
	for _, message := range t.sent[conn] {
		if message.Event == name {
			matched = append(matched, message)
		}
	}
	return matched
}

func (t *recordingTransport) count(conn presence.ConnID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent[conn])
}

func (t *recordingTransport) lastPresence() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.broadcasts) == 0 {
		return nil
	}
	return t.broadcasts[len(t.broadcasts)-1].Data.(PresenceListPayload).UserIDs
}

type endedCall struct {
	record   calls.Record
	duration int64
}

type stubRecorder struct {
	started []calls.Record
	ended   []endedCall
	seen    [][3]string
}

func (s *stubRecorder) RecordCallStarted(record calls.Record) {
	s.started = append(s.started, record)
}

func (s *stubRecorder) RecordCallEnded(record calls.Record, durationSeconds int64) {
	s.ended = append(s.ended, endedCall{record: record, duration: durationSeconds})
}

func (s *stubRecorder) MarkConversationSeen(conversationID, viewerID, notifyUserID string) {
	s.seen = append(s.seen, [3]string{conversationID, viewerID, notifyUserID})
}

type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time {
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

type routerFixture struct {
	router    *Router
	presence  *presence.Registry
	calls     *calls.Store
	transport *recordingTransport
	recorder  *stubRecorder
	clock     *manualClock
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	fixture := &routerFixture{
		presence:  presence.NewRegistry(),
		calls:     calls.NewStore(),
		transport: newRecordingTransport(),
		recorder:  &stubRecorder{},
		clock:     &manualClock{now: time.Unix(1700000000, 0)},
	}
	router, err := NewRouter(RouterConfig{
		Presence:  fixture.presence,
		Calls:     fixture.calls,
		Transport: fixture.transport,
		Recorder:  fixture.recorder,
		Seen:      fixture.recorder,
		Clock:     fixture.clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to construct router: %v", err)
	}
	fixture.router = router
	return fixture
}

func (f *routerFixture) connect(userID string, conn presence.ConnID) Sender {
	sender := Sender{Conn: conn, UserID: userID}
	f.router.Handle(Connect{Sender: sender})
	return sender
}

func offer() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testSDP}
}

func answerSDP() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: testSDP}
}

func TestNewRouterRequiresDependencies(t *testing.T) {
	if _, err := NewRouter(RouterConfig{Calls: calls.NewStore(), Transport: newRecordingTransport()}); err == nil {
		t.Fatalf("expected missing presence error")
	}
	if _, err := NewRouter(RouterConfig{Presence: presence.NewRegistry(), Transport: newRecordingTransport()}); err == nil {
		t.Fatalf("expected missing call store error")
	}
	if _, err := NewRouter(RouterConfig{Presence: presence.NewRegistry(), Calls: calls.NewStore()}); err == nil {
		t.Fatalf("expected missing transport error")
	}
}

func TestPresenceTracksConnectedUsers(t *testing.T) {
	f := newRouterFixture(t)
	f.connect("bob", "c-bob")
	f.connect("alice", "c-alice")

	if got := f.transport.lastPresence(); !reflect.DeepEqual(got, []string{"alice", "bob"}) {
		t.Fatalf("unexpected presence list %v", got)
	}

	f.router.Handle(Disconnect{Sender: Sender{Conn: "c-bob", UserID: "bob"}})
	if got := f.transport.lastPresence(); !reflect.DeepEqual(got, []string{"alice"}) {
		t.Fatalf("unexpected presence after disconnect %v", got)
	}
	if len(f.transport.broadcasts) != 3 {
		t.Fatalf("expected one broadcast per change, got %d", len(f.transport.broadcasts))
	}
}

func TestReconnectSupersedesAndStaleDisconnectIsIgnored(t *testing.T) {
	f := newRouterFixture(t)
	f.connect("alice", "c-1")
	f.connect("alice", "c-2")

	f.router.Handle(Disconnect{Sender: Sender{Conn: "c-1", UserID: "alice"}})
	if conn, ok := f.presence.Lookup("alice"); !ok || conn != "c-2" {
		t.Fatalf("expected alice to stay online on c-2, got %q %v", conn, ok)
	}
	if len(f.transport.broadcasts) != 2 {
		t.Fatalf("stale disconnect must not broadcast, got %d broadcasts", len(f.transport.broadcasts))
	}
}

func TestPresenceFollowsRandomConnectSequences(t *testing.T) {
	users := []string{"alice", "bob", "carol", "dave"}
	for seed := int64(1); seed <= 20; seed++ {
		f := newRouterFixture(t)
		random := rand.New(rand.NewSource(seed))
		live := map[string]presence.ConnID{}
		var opened []Sender

		for step := 0; step < 60; step++ {
			if len(opened) == 0 || random.Intn(2) == 0 {
				userID := users[random.Intn(len(users))]
				conn := presence.ConnID(fmt.Sprintf("c-%d", step))
				opened = append(opened, f.connect(userID, conn))
				live[userID] = conn
			} else {
				index := random.Intn(len(opened))
				sender := opened[index]
				opened = append(opened[:index], opened[index+1:]...)
				f.router.Handle(Disconnect{Sender: sender})
				if live[sender.UserID] == sender.Conn {
					delete(live, sender.UserID)
				}
			}

			want := make([]string, 0, len(live))
			for userID := range live {
				want = append(want, userID)
			}
			sort.Strings(want)
			if got := f.transport.lastPresence(); !reflect.DeepEqual(got, want) {
				t.Fatalf("seed %d step %d: broadcast presence %v, live %v", seed, step, got, want)
			}
			if got := f.presence.Online(); !reflect.DeepEqual(got, want) {
				t.Fatalf("seed %d step %d: registry %v, live %v", seed, step, got, want)
			}
		}
	}
}

func TestInitiateRingsOnlineCallee(t *testing.T) {
	f := newRouterFixture(t)
	alice := f.connect("alice", "c-alice")
	f.connect("bob", "c-bob")

	f.router.Handle(Initiate{Sender: alice, TargetUserID: "bob", ConversationID: "conv-1", Offer: offer(), DisplayName: "Alice", IsVideo: true})

	incoming := f.transport.events("c-bob", OutboundIncomingCall)
	if len(incoming) != 1 {
		t.Fatalf("expected exactly one incomingCall, got %d", len(incoming))
	}
	payload := incoming[0].Data.(IncomingCallPayload)
	if payload.CallerID != "alice" || payload.ConversationID != "conv-1" || !payload.IsVideo || payload.Offer.SDP != testSDP {
		t.Fatalf("unexpected incomingCall payload %#v", payload)
	}
	record, ok := f.calls.Get("conv-1")
	if !ok || record.Phase != calls.PhaseRinging || record.CallerID != "alice" || record.CalleeID != "bob" {
		t.Fatalf("expected ringing record, got %#v %v", record, ok)
	}
	if len(f.recorder.started) != 1 {
		t.Fatalf("expected call start to be recorded once, got %d", len(f.recorder.started))
	}
}

func TestInitiateToOfflineCalleeIsDropped(t *testing.T) {
	f := newRouterFixture(t)
	alice := f.connect("alice", "c-alice")

	f.router.Handle(Initiate{Sender: alice, TargetUserID: "bob", ConversationID: "conv-1", Offer: offer()})

	if f.calls.Len() != 0 {
		t.Fatalf("no record should exist for an offline callee")
	}
	if f.transport.count("c-alice") != 0 {
		t.Fatalf("caller should receive nothing, got %d messages", f.transport.count("c-alice"))
	}
	if len(f.recorder.started) != 0 {
		t.Fatalf("nothing should be recorded")
	}
}

func TestSecondInitiateGetsBusy(t *testing.T) {
	f := newRouterFixture(t)
	alice := f.connect("alice", "c-alice")
	bob := f.connect("bob", "c-bob")

	f.router.Handle(Initiate{Sender: alice, TargetUserID: "bob", ConversationID: "conv-1", Offer: offer()})
	f.router.Handle(Initiate{Sender: bob, TargetUserID: "alice", ConversationID: "conv-1", Offer: offer()})

	if busy := f.transport.events("c-bob", OutboundBusy); len(busy) != 1 {
		t.Fatalf("expected busy for the second initiator, got %d", len(busy))
	}
	if incoming := f.transport.events("c-alice", OutboundIncomingCall); len(incoming) != 0 {
		t.Fatalf("the original caller must not be rung")
	}
	record, _ := f.calls.Get("conv-1")
	if record.CallerID != "alice" || record.Phase != calls.PhaseRinging {
		t.Fatalf("existing record must be untouched, got %#v", record)
	}
}

func TestAnswerConnectsCallOnce(t *testing.T) {
	f := newRouterFixture(t)
	alice := f.connect("alice", "c-alice")
	bob := f.connect("bob", "c-bob")
	f.router.Handle(Initiate{Sender: alice, TargetUserID: "bob", ConversationID: "conv-1", Offer: offer()})

	f.clock.Advance(3 * time.Second)
	f.router.Handle(Answer{Sender: bob, TargetUserID: "alice", ConversationID: "conv-1", Answer: answerSDP()})
	f.router.Handle(Answer{Sender: bob, TargetUserID: "alice", ConversationID: "conv-1", Answer: answerSDP()})

	answered := f.transport.events("c-alice", OutboundAnswered)
	if len(answered) != 1 {
		t.Fatalf("expected one answered, got %d", len(answered))
	}
	if payload := answered[0].Data.(AnsweredPayload); payload.From != "bob" || payload.Answer.Type != webrtc.SDPTypeAnswer {
		t.Fatalf("unexpected answered payload %#v", payload)
	}
	if connected := f.transport.events("c-bob", OutboundCallConnected); len(connected) != 1 {
		t.Fatalf("expected one callConnected, got %d", len(connected))
	}
	record, _ := f.calls.Get("conv-1")
	if record.Phase != calls.PhaseOngoing || !record.AnsweredAt.Equal(f.clock.now) {
		t.Fatalf("expected ongoing record answered now, got %#v", record)
	}
}

func TestCallerCannotAnswerOwnCall(t *testing.T) {
	f := newRouterFixture(t)
	alice := f.connect("alice", "c-alice")
	f.connect("bob", "c-bob")
	f.router.Handle(Initiate{Sender: alice, TargetUserID: "bob", ConversationID: "conv-1", Offer: offer()})

	f.router.Handle(Answer{Sender: alice, TargetUserID: "bob", ConversationID: "conv-1", Answer: answerSDP()})

	record, _ := f.calls.Get("conv-1")
	if record.Phase != calls.PhaseRinging {
		t.Fatalf("call must keep ringing, got %s", record.Phase)
	}
}

func TestRejectWhileRinging(t *testing.T) {
	f := newRouterFixture(t)
	alice := f.connect("alice", "c-alice")
	bob := f.connect("bob", "c-bob")
	f.router.Handle(Initiate{Sender: alice, TargetUserID: "bob", ConversationID: "conv-1", Offer: offer()})

	f.router.Handle(Reject{Sender: bob, TargetUserID: "alice", ConversationID: "conv-1"})

	if rejected := f.transport.events("c-alice", OutboundRejected); len(rejected) != 1 {
		t.Fatalf("expected rejected for caller, got %d", len(rejected))
	}
	if f.calls.Len() != 0 {
		t.Fatalf("record should be removed after reject")
	}
	if len(f.recorder.ended) != 0 {
		t.Fatalf("reject should not record a call message, got %#v", f.recorder.ended)
	}
}

func TestRejectIgnoredOnceOngoing(t *testing.T) {
	f := newRouterFixture(t)
	alice := f.connect("alice", "c-alice")
	bob := f.connect("bob", "c-bob")
	f.router.Handle(Initiate{Sender: alice, TargetUserID: "bob", ConversationID: "conv-1", Offer: offer()})
	f.router.Handle(Answer{Sender: bob, TargetUserID: "alice", ConversationID: "conv-1", Answer: answerSDP()})

	f.router.Handle(Reject{Sender: bob, TargetUserID: "alice", ConversationID: "conv-1"})

	if _, ok := f.calls.Get("conv-1"); !ok {
		t.Fatalf("ongoing call must survive a late reject")
	}
	if rejected := f.transport.events("c-alice", OutboundRejected); len(rejected) != 0 {
		t.Fatalf("late reject must not notify the caller")
	}
}

func TestEndNotifiesPeerOnce(t *testing.T) {
	f := newRouterFixture(t)
	alice := f.connect("alice", "c-alice")
	bob := f.connect("bob", "c-bob")
	f.router.Handle(Initiate{Sender: alice, TargetUserID: "bob", ConversationID: "conv-1", Offer: offer(), IsVideo: true})
	f.router.Handle(Answer{Sender: bob, TargetUserID: "alice", ConversationID: "conv-1", Answer: answerSDP()})

	f.router.Handle(End{Sender: alice, TargetUserID: "bob", ConversationID: "conv-1", DurationSeconds: 42})
	f.router.Handle(End{Sender: alice, TargetUserID: "bob", ConversationID: "conv-1", DurationSeconds: 42})

	ended := f.transport.events("c-bob", OutboundEnded)
	if len(ended) != 1 {
		t.Fatalf("expected exactly one ended, got %d", len(ended))
	}
	if payload := ended[0].Data.(EndedPayload); payload.DurationSeconds != 42 || payload.Reason != "" {
		t.Fatalf("unexpected ended payload %#v", payload)
	}
	if sent := f.transport.events("c-alice", OutboundEnded); len(sent) != 0 {
		t.Fatalf("the ending party should not be notified")
	}
	if f.calls.Len() != 0 {
		t.Fatalf("record should be removed")
	}
	if len(f.recorder.ended) != 1 || f.recorder.ended[0].duration != 42 {
		t.Fatalf("expected one ended record with 42s, got %#v", f.recorder.ended)
	}
}

func TestEndWhileRingingCancelsWithZeroDuration(t *testing.T) {
	f := newRouterFixture(t)
	alice := f.connect("alice", "c-alice")
	f.connect("bob", "c-bob")
	f.router.Handle(Initiate{Sender: alice, TargetUserID: "bob", ConversationID: "conv-1", Offer: offer()})

	f.router.Handle(End{Sender: alice, TargetUserID: "bob", DurationSeconds: 9})

	ended := f.transport.events("c-bob", OutboundEnded)
	if len(ended) != 1 || ended[0].Data.(EndedPayload).DurationSeconds != 0 {
		t.Fatalf("expected a zero-duration ended for the callee, got %#v", ended)
	}
	if len(f.recorder.ended) != 1 || f.recorder.ended[0].record.Answered() {
		t.Fatalf("expected an unanswered ended record, got %#v", f.recorder.ended)
	}
}

func TestEndWithUnrelatedConversationIsIgnored(t *testing.T) {
	f := newRouterFixture(t)
	alice := f.connect("alice", "c-alice")
	f.connect("bob", "c-bob")
	carol := f.connect("carol", "c-carol")
	f.router.Handle(Initiate{Sender: alice, TargetUserID: "bob", ConversationID: "conv-1", Offer: offer()})

	f.router.Handle(End{Sender: carol, TargetUserID: "bob", ConversationID: "conv-1"})

	if _, ok := f.calls.Get("conv-1"); !ok {
		t.Fatalf("a third party must not end someone else's call")
	}
}

func TestICECandidateRequiresCall(t *testing.T) {
	f := newRouterFixture(t)
	alice := f.connect("alice", "c-alice")
	f.connect("bob", "c-bob")
	candidate := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 192.0.2.1 54400 typ host"}

	f.router.Handle(ICECandidate{Sender: alice, TargetUserID: "bob", Candidate: candidate})
	if got := f.transport.events("c-bob", OutboundICECandidate); len(got) != 0 {
		t.Fatalf("candidates without a call must be dropped")
	}

	f.router.Handle(Initiate{Sender: alice, TargetUserID: "bob", ConversationID: "conv-1", Offer: offer()})
	f.router.Handle(ICECandidate{Sender: alice, TargetUserID: "bob", Candidate: candidate})
	got := f.transport.events("c-bob", OutboundICECandidate)
	if len(got) != 1 {
		t.Fatalf("expected candidate to be relayed, got %d", len(got))
	}
	if payload := got[0].Data.(ICECandidatePayload); payload.From != "alice" || payload.Candidate.Candidate != candidate.Candidate {
		t.Fatalf("unexpected candidate payload %#v", payload)
	}
}

func TestMediaStateRelayedOnlyWhileOngoing(t *testing.T) {
	f := newRouterFixture(t)
	alice := f.connect("alice", "c-alice")
	bob := f.connect("bob", "c-bob")
	muted := true
	f.router.Handle(Initiate{Sender: alice, TargetUserID: "bob", ConversationID: "conv-1", Offer: offer()})

	f.router.Handle(MediaStateChanged{Sender: alice, TargetUserID: "bob", Muted: &muted})
	if got := f.transport.events("c-bob", OutboundPeerMediaStateChanged); len(got) != 0 {
		t.Fatalf("media state must not be relayed while ringing")
	}

	f.router.Handle(Answer{Sender: bob, TargetUserID: "alice", ConversationID: "conv-1", Answer: answerSDP()})
	f.router.Handle(MediaStateChanged{Sender: alice, TargetUserID: "bob", Muted: &muted})
	got := f.transport.events("c-bob", OutboundPeerMediaStateChanged)
	if len(got) != 1 || got[0].Data.(PeerMediaStatePayload).From != "alice" {
		t.Fatalf("expected media state relay, got %#v", got)
	}
}

func TestDisconnectEndsCallsForPeer(t *testing.T) {
	f := newRouterFixture(t)
	alice := f.connect("alice", "c-alice")
	bob := f.connect("bob", "c-bob")
	f.router.Handle(Initiate{Sender: alice, TargetUserID: "bob", ConversationID: "conv-1", Offer: offer(), IsVideo: true})
	f.router.Handle(Answer{Sender: bob, TargetUserID: "alice", ConversationID: "conv-1", Answer: answerSDP()})

	f.clock.Advance(42 * time.Second)
	f.router.Handle(Disconnect{Sender: alice})
	f.router.Handle(Disconnect{Sender: alice})

	ended := f.transport.events("c-bob", OutboundEnded)
	if len(ended) != 1 {
		t.Fatalf("expected exactly one ended, got %d", len(ended))
	}
	payload := ended[0].Data.(EndedPayload)
	if payload.Reason != EndReasonPeerDisconnected || payload.DurationSeconds != 42 {
		t.Fatalf("unexpected ended payload %#v", payload)
	}
	if f.calls.Len() != 0 {
		t.Fatalf("record should be removed")
	}
	if len(f.recorder.ended) != 1 || f.recorder.ended[0].duration != 42 {
		t.Fatalf("expected one ended record of 42s, got %#v", f.recorder.ended)
	}
	if got := f.transport.lastPresence(); !reflect.DeepEqual(got, []string{"bob"}) {
		t.Fatalf("unexpected presence %v", got)
	}
}

func TestDisconnectOfCalleeWhileRinging(t *testing.T) {
	f := newRouterFixture(t)
	alice := f.connect("alice", "c-alice")
	bob := f.connect("bob", "c-bob")
	f.router.Handle(Initiate{Sender: alice, TargetUserID: "bob", ConversationID: "conv-1", Offer: offer()})

	f.router.Handle(Disconnect{Sender: bob})

	ended := f.transport.events("c-alice", OutboundEnded)
	if len(ended) != 1 || ended[0].Data.(EndedPayload).DurationSeconds != 0 {
		t.Fatalf("expected caller to be told the call ended, got %#v", ended)
	}
	if f.calls.Len() != 0 {
		t.Fatalf("record should be removed")
	}
}

func TestDisconnectEndsEveryCallOfUser(t *testing.T) {
	f := newRouterFixture(t)
	alice := f.connect("alice", "c-alice")
	f.connect("bob", "c-bob")
	carol := f.connect("carol", "c-carol")
	f.router.Handle(Initiate{Sender: alice, TargetUserID: "bob", ConversationID: "conv-ab", Offer: offer()})
	f.router.Handle(Initiate{Sender: carol, TargetUserID: "alice", ConversationID: "conv-ca", Offer: offer()})

	f.router.Handle(Disconnect{Sender: alice})

	if f.calls.Len() != 0 {
		t.Fatalf("expected all of alice's calls to end, %d left", f.calls.Len())
	}
	if len(f.transport.events("c-bob", OutboundEnded)) != 1 || len(f.transport.events("c-carol", OutboundEnded)) != 1 {
		t.Fatalf("expected both peers to be notified")
	}
}

func TestSupersededConnectionKeepsCall(t *testing.T) {
	f := newRouterFixture(t)
	alice := f.connect("alice", "c-alice-1")
	f.connect("bob", "c-bob")
	f.router.Handle(Initiate{Sender: alice, TargetUserID: "bob", ConversationID: "conv-1", Offer: offer()})
	f.connect("alice", "c-alice-2")

	f.router.Handle(Disconnect{Sender: alice})

	if _, ok := f.calls.Get("conv-1"); !ok {
		t.Fatalf("closing a superseded connection must not end the call")
	}
}

func TestMarkSeenAndRecordedMessagesRoute(t *testing.T) {
	f := newRouterFixture(t)
	bob := f.connect("bob", "c-bob")
	f.connect("alice", "c-alice")

	f.router.Handle(MarkMessagesSeen{Sender: bob, ConversationID: "conv-1", NotifyUserID: "alice"})
	if len(f.recorder.seen) != 1 || f.recorder.seen[0] != [3]string{"conv-1", "bob", "alice"} {
		t.Fatalf("unexpected seen requests %#v", f.recorder.seen)
	}

	f.router.Handle(MessagesSeen{ConversationID: "conv-1", NotifyUserID: "alice"})
	if got := f.transport.events("c-alice", OutboundMessagesSeen); len(got) != 1 {
		t.Fatalf("expected messagesSeen for alice, got %d", len(got))
	}

	f.router.Handle(MessageRecorded{Recipients: []string{"alice", "bob", "dave"}})
	if len(f.transport.events("c-alice", OutboundNewChatMessage)) != 1 || len(f.transport.events("c-bob", OutboundNewChatMessage)) != 1 {
		t.Fatalf("expected message fan-out to online recipients")
	}
}

func TestThirdPartyInitiateOnRingingConversationGetsBusy(t *testing.T) {
	f := newRouterFixture(t)
	alice := f.connect("alice", "c-alice")
	f.connect("bob", "c-bob")
	carol := f.connect("carol", "c-carol")

	f.router.Handle(Initiate{Sender: alice, TargetUserID: "bob", ConversationID: "conv-1", Offer: offer()})
	f.router.Handle(Initiate{Sender: carol, TargetUserID: "bob", ConversationID: "conv-1", Offer: offer()})

	if busy := f.transport.events("c-carol", OutboundBusy); len(busy) != 1 {
		t.Fatalf("expected busy for carol, got %d", len(busy))
	}
	if incoming := f.transport.events("c-bob", OutboundIncomingCall); len(incoming) != 1 {
		t.Fatalf("bob should be rung exactly once, got %d", len(incoming))
	}
	record, _ := f.calls.Get("conv-1")
	if record.CallerID != "alice" {
		t.Fatalf("alice's call must be unaffected, got %#v", record)
	}
}

type stubResolver struct {
	pending []Initiate
}

func (s *stubResolver) ResolveCall(initiate Initiate) {
	s.pending = append(s.pending, initiate)
}

func newResolvingFixture(t *testing.T) (*routerFixture, *stubResolver) {
	t.Helper()
	f := newRouterFixture(t)
	resolver := &stubResolver{}
	router, err := NewRouter(RouterConfig{
		Presence:  f.presence,
		Calls:     f.calls,
		Transport: f.transport,
		Recorder:  f.recorder,
		Resolver:  resolver,
		Seen:      f.recorder,
		Clock:     f.clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to construct router: %v", err)
	}
	f.router = router
	return f, resolver
}

func TestInitiateWaitsForConversationResolution(t *testing.T) {
	f, resolver := newResolvingFixture(t)
	alice := f.connect("alice", "c-alice")
	f.connect("bob", "c-bob")

	f.router.Handle(Initiate{Sender: alice, TargetUserID: "bob", Offer: offer(), IsVideo: true})
	if f.calls.Len() != 0 || len(f.transport.events("c-bob", OutboundIncomingCall)) != 0 {
		t.Fatalf("nothing may happen before the conversation is resolved")
	}
	if len(resolver.pending) != 1 {
		t.Fatalf("expected the initiate to be handed to the resolver, got %d", len(resolver.pending))
	}

	resolved := resolver.pending[0]
	resolved.ConversationID = "conv-1"
	f.router.Handle(CallResolved{Initiate: resolved})

	record, ok := f.calls.Get("conv-1")
	if !ok || record.CallerID != "alice" || record.CalleeID != "bob" {
		t.Fatalf("expected a ringing record for conv-1, got %#v %v", record, ok)
	}
	incoming := f.transport.events("c-bob", OutboundIncomingCall)
	if len(incoming) != 1 || incoming[0].Data.(IncomingCallPayload).ConversationID != "conv-1" {
		t.Fatalf("unexpected incomingCall %#v", incoming)
	}
	if len(f.recorder.started) != 1 {
		t.Fatalf("expected call start to be recorded")
	}
}

func TestResolvedCallFromDepartedCallerIsDropped(t *testing.T) {
	f, _ := newResolvingFixture(t)
	alice := f.connect("alice", "c-alice")
	f.connect("bob", "c-bob")
	f.router.Handle(Disconnect{Sender: alice})

	f.router.Handle(CallResolved{Initiate: Initiate{Sender: alice, TargetUserID: "bob", ConversationID: "conv-1", Offer: offer()}})

	if f.calls.Len() != 0 || len(f.transport.events("c-bob", OutboundIncomingCall)) != 0 {
		t.Fatalf("a departed caller must not leave a ringing call behind")
	}
}

func TestUnresolvedCallReportsErrorToCaller(t *testing.T) {
	f, _ := newResolvingFixture(t)
	alice := f.connect("alice", "c-alice")
	f.connect("bob", "c-bob")

	f.router.Handle(CallUnresolved{Sender: alice, ConversationID: "conv-cd", Code: CodeConversationMismatch, Message: "conversation does not belong to both users"})

	errs := f.transport.events("c-alice", OutboundError)
	if len(errs) != 1 || errs[0].Data.(ErrorPayload).Code != CodeConversationMismatch {
		t.Fatalf("expected a mismatch error for alice, got %#v", errs)
	}
	if f.calls.Len() != 0 || f.transport.count("c-bob") != 0 {
		t.Fatalf("bob must not hear about the refused call")
	}
}
