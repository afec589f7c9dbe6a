// ABOUTME: Tests for the Message Router
// ABOUTME: Covers fan-out targeting, claim races, AI fallback, and typing signals

package router

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillworks/livechat/internal/event"
	"github.com/quillworks/livechat/internal/responder"
	"github.com/quillworks/livechat/internal/store"
)

type fakeSink struct {
	id   string
	sent []event.Event
}

func (f *fakeSink) ID() string { return f.id }

func (f *fakeSink) Send(ev event.Event) bool {
	f.sent = append(f.sent, ev)
	return true
}

func (f *fakeSink) messages() []event.Event {
	var out []event.Event
	for _, ev := range f.sent {
		if ev.Type == event.TypeMessage {
			out = append(out, ev)
		}
	}
	return out
}

// fakeVisitors stands in for the session registry's connection map
type fakeVisitors struct {
	conns map[string][]event.Sink
}

func (f *fakeVisitors) ConnectionsFor(sessionID string) []event.Sink {
	return f.conns[sessionID]
}

// fakePresence stands in for the presence tracker
type fakePresence struct {
	available []string
	conns     map[string][]event.Sink
}

func (f *fakePresence) ListAvailableAgents() []string { return f.available }

func (f *fakePresence) ConnectionsFor(agentID string) []event.Sink { return f.conns[agentID] }

func (f *fakePresence) BroadcastAvailable(ev event.Event) {
	for _, agentID := range f.available {
		for _, sink := range f.conns[agentID] {
			sink.Send(ev)
		}
	}
}

// fakeResponder implements responder.Responder with a scripted reply
type fakeResponder struct {
	reply      string
	err        error
	delay      time.Duration
	calls      int
	transcript []*store.ChatMessage
}

func (f *fakeResponder) Respond(ctx context.Context, transcript []*store.ChatMessage) (string, error) {
	f.calls++
	f.transcript = transcript
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func createTestStore(t *testing.T) *store.SQLiteStore {
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRouteVisitorMessage_AIFallbackWhenNoAgents(t *testing.T) {
	st := createTestStore(t)
	ctx := context.Background()

	sess, err := st.CreateSession(ctx, "Ada")
	require.NoError(t, err)

	visitorTab := &fakeSink{id: "v1"}
	visitors := &fakeVisitors{conns: map[string][]event.Sink{sess.ID: {visitorTab}}}
	agents := &fakePresence{conns: map[string][]event.Sink{}}
	ai := &fakeResponder{reply: "Hi there"}

	r := New(st, visitors, agents, ai, Options{}, nil)
	require.NoError(t, r.RouteVisitorMessage(ctx, sess.ID, "Hello"))

	// AI was invoked with the transcript including the visitor turn
	assert.Equal(t, 1, ai.calls)
	require.NotEmpty(t, ai.transcript)
	assert.Equal(t, "Hello", ai.transcript[len(ai.transcript)-1].Content)

	// Reply persisted as an ai message
	messages, err := st.ListMessages(ctx, sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, store.SenderVisitor, messages[0].SenderType)
	assert.Equal(t, store.SenderAI, messages[1].SenderType)
	assert.Equal(t, "Hi there", messages[1].Content)

	// Visitor connection received both the echo and the ai reply
	got := visitorTab.messages()
	require.Len(t, got, 2)
	assert.Equal(t, store.SenderAI, got[1].SenderType)
	assert.Equal(t, "Hi there", got[1].Content)
}

func TestRouteVisitorMessage_TargetedWhenAssigned(t *testing.T) {
	st := createTestStore(t)
	ctx := context.Background()

	sess, err := st.CreateSession(ctx, "Ada")
	require.NoError(t, err)
	require.NoError(t, st.ClaimSession(ctx, sess.ID, "agent-a"))

	assigned := &fakeSink{id: "a1"}
	other := &fakeSink{id: "b1"}
	visitors := &fakeVisitors{conns: map[string][]event.Sink{}}
	agents := &fakePresence{
		available: []string{"agent-a", "agent-b"},
		conns: map[string][]event.Sink{
			"agent-a": {assigned},
			"agent-b": {other},
		},
	}
	ai := &fakeResponder{reply: "should not fire"}

	r := New(st, visitors, agents, ai, Options{}, nil)
	require.NoError(t, r.RouteVisitorMessage(ctx, sess.ID, "hi"))

	// Delivered to the assigned agent only, never broadcast
	require.Len(t, assigned.messages(), 1)
	assert.Empty(t, other.sent)

	// Assigned session never wakes the AI
	assert.Equal(t, 0, ai.calls)
}

func TestRouteVisitorMessage_BroadcastWhenUnassigned(t *testing.T) {
	st := createTestStore(t)
	ctx := context.Background()

	sess, err := st.CreateSession(ctx, "Ada")
	require.NoError(t, err)

	agentConn := &fakeSink{id: "a1"}
	visitors := &fakeVisitors{conns: map[string][]event.Sink{}}
	agents := &fakePresence{
		available: []string{"agent-a"},
		conns:     map[string][]event.Sink{"agent-a": {agentConn}},
	}
	ai := &fakeResponder{reply: "nope"}

	// Long grace period: agents are available, AI stays quiet
	r := New(st, visitors, agents, ai, Options{ClaimGracePeriod: time.Hour}, nil)
	require.NoError(t, r.RouteVisitorMessage(ctx, sess.ID, "anyone there?"))

	// Agent pool saw the message and the new-message notification
	require.Len(t, agentConn.messages(), 1)
	var sawNotification bool
	for _, ev := range agentConn.sent {
		if ev.Type == event.TypeAgentNewMsg {
			sawNotification = true
			assert.Equal(t, sess.ID, ev.SessionID)
			assert.Equal(t, "Ada", ev.VisitorName)
		}
	}
	assert.True(t, sawNotification, "agent:new_message not broadcast")

	assert.Equal(t, 0, ai.calls)
}

func TestRouteVisitorMessage_AIAfterGracePeriod(t *testing.T) {
	st := createTestStore(t)
	ctx := context.Background()

	sess, err := st.CreateSession(ctx, "Ada")
	require.NoError(t, err)

	visitorTab := &fakeSink{id: "v1"}
	visitors := &fakeVisitors{conns: map[string][]event.Sink{sess.ID: {visitorTab}}}
	agents := &fakePresence{
		available: []string{"agent-a"},
		conns:     map[string][]event.Sink{"agent-a": {&fakeSink{id: "a1"}}},
	}
	ai := &fakeResponder{reply: "Let me help while you wait"}

	// Session was created in the past relative to a nanosecond grace period,
	// so the AI answers even though an agent is connected.
	r := New(st, visitors, agents, ai, Options{ClaimGracePeriod: time.Nanosecond}, nil)
	time.Sleep(time.Millisecond)
	require.NoError(t, r.RouteVisitorMessage(ctx, sess.ID, "hello?"))

	assert.Equal(t, 1, ai.calls)
	messages, err := st.ListMessages(ctx, sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, store.SenderAI, messages[1].SenderType)
}

func TestRouteVisitorMessage_ResponderTimeoutTolerated(t *testing.T) {
	st := createTestStore(t)
	ctx := context.Background()

	sess, err := st.CreateSession(ctx, "Ada")
	require.NoError(t, err)

	visitors := &fakeVisitors{conns: map[string][]event.Sink{}}
	agents := &fakePresence{conns: map[string][]event.Sink{}}
	ai := &fakeResponder{reply: "too slow", delay: time.Second}

	r := New(st, visitors, agents, ai, Options{ResponderTimeout: 10 * time.Millisecond}, nil)

	// Timeout is not an error; the visitor simply waits for a human
	require.NoError(t, r.RouteVisitorMessage(ctx, sess.ID, "hello"))

	messages, err := st.ListMessages(ctx, sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, store.SenderVisitor, messages[0].SenderType)
}

func TestRouteVisitorMessage_ResponderDeclines(t *testing.T) {
	st := createTestStore(t)
	ctx := context.Background()

	sess, err := st.CreateSession(ctx, "Ada")
	require.NoError(t, err)

	visitors := &fakeVisitors{conns: map[string][]event.Sink{}}
	agents := &fakePresence{conns: map[string][]event.Sink{}}
	ai := &fakeResponder{err: responder.ErrNoReply}

	r := New(st, visitors, agents, ai, Options{}, nil)
	require.NoError(t, r.RouteVisitorMessage(ctx, sess.ID, "hello"))

	messages, err := st.ListMessages(ctx, sess.ID, 0)
	require.NoError(t, err)
	assert.Len(t, messages, 1)
}

func TestRouteVisitorMessage_NoResponderConfigured(t *testing.T) {
	st := createTestStore(t)
	ctx := context.Background()

	sess, err := st.CreateSession(ctx, "Ada")
	require.NoError(t, err)

	visitors := &fakeVisitors{conns: map[string][]event.Sink{}}
	agents := &fakePresence{conns: map[string][]event.Sink{}}

	r := New(st, visitors, agents, nil, Options{}, nil)
	require.NoError(t, r.RouteVisitorMessage(ctx, sess.ID, "hello"))

	messages, err := st.ListMessages(ctx, sess.ID, 0)
	require.NoError(t, err)
	assert.Len(t, messages, 1)
}

func TestRouteVisitorMessage_SubmissionOrderPreserved(t *testing.T) {
	st := createTestStore(t)
	ctx := context.Background()

	sess, err := st.CreateSession(ctx, "Ada")
	require.NoError(t, err)

	visitors := &fakeVisitors{conns: map[string][]event.Sink{}}
	agents := &fakePresence{conns: map[string][]event.Sink{}}

	r := New(st, visitors, agents, nil, Options{}, nil)

	const n = 10
	for i := 0; i < n; i++ {
		require.NoError(t, r.RouteVisitorMessage(ctx, sess.ID, fmt.Sprintf("msg %d", i)))
	}

	messages, err := st.ListMessages(ctx, sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, messages, n)
	for i, msg := range messages {
		assert.Equal(t, fmt.Sprintf("msg %d", i), msg.Content)
	}
}

func TestRouteVisitorMessage_Errors(t *testing.T) {
	st := createTestStore(t)
	ctx := context.Background()

	visitors := &fakeVisitors{conns: map[string][]event.Sink{}}
	agents := &fakePresence{conns: map[string][]event.Sink{}}
	r := New(st, visitors, agents, nil, Options{}, nil)

	err := r.RouteVisitorMessage(ctx, "missing", "hello")
	require.ErrorIs(t, err, store.ErrSessionNotFound)

	sess, err := st.CreateSession(ctx, "Ada")
	require.NoError(t, err)
	require.NoError(t, st.CloseSession(ctx, sess.ID))

	err = r.RouteVisitorMessage(ctx, sess.ID, "hello")
	require.ErrorIs(t, err, store.ErrSessionClosed)
}

func TestRouteAgentMessage_ClaimsOnFirstMessage(t *testing.T) {
	st := createTestStore(t)
	ctx := context.Background()

	sess, err := st.CreateSession(ctx, "Ada")
	require.NoError(t, err)

	visitorTab := &fakeSink{id: "v1"}
	visitors := &fakeVisitors{conns: map[string][]event.Sink{sess.ID: {visitorTab}}}
	agents := &fakePresence{conns: map[string][]event.Sink{}}

	r := New(st, visitors, agents, nil, Options{}, nil)
	require.NoError(t, r.RouteAgentMessage(ctx, "agent-a", sess.ID, "hi, how can I help?"))

	got, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusAssigned, got.Status)
	require.NotNil(t, got.AssignedAgentID)
	assert.Equal(t, "agent-a", *got.AssignedAgentID)

	// Delivered to the visitor
	require.Len(t, visitorTab.messages(), 1)
	assert.Equal(t, store.SenderAgent, visitorTab.messages()[0].SenderType)
	assert.Equal(t, "agent-a", visitorTab.messages()[0].SenderID)
}

func TestRouteAgentMessage_NoReclaimByOtherAgent(t *testing.T) {
	st := createTestStore(t)
	ctx := context.Background()

	sess, err := st.CreateSession(ctx, "Ada")
	require.NoError(t, err)
	require.NoError(t, st.ClaimSession(ctx, sess.ID, "agent-a"))

	visitorTab := &fakeSink{id: "v1"}
	visitors := &fakeVisitors{conns: map[string][]event.Sink{sess.ID: {visitorTab}}}
	agents := &fakePresence{conns: map[string][]event.Sink{}}

	r := New(st, visitors, agents, nil, Options{}, nil)

	// Agent B writes into A's session: delivered, not re-claimed
	require.NoError(t, r.RouteAgentMessage(ctx, "agent-b", sess.ID, "hey"))

	got, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "agent-a", *got.AssignedAgentID)

	messages, err := st.ListMessages(ctx, sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, store.SenderAgent, messages[0].SenderType)
	assert.Equal(t, "agent-b", messages[0].SenderID)

	require.Len(t, visitorTab.messages(), 1)
}

func TestRouteAgentMessage_ConcurrentClaimSingleWinner(t *testing.T) {
	st := createTestStore(t)
	ctx := context.Background()

	sess, err := st.CreateSession(ctx, "Ada")
	require.NoError(t, err)

	visitors := &fakeVisitors{conns: map[string][]event.Sink{}}
	agents := &fakePresence{conns: map[string][]event.Sink{}}
	r := New(st, visitors, agents, nil, Options{}, nil)

	done := make(chan error, 2)
	go func() { done <- r.RouteAgentMessage(ctx, "agent-a", sess.ID, "from a") }()
	go func() { done <- r.RouteAgentMessage(ctx, "agent-b", sess.ID, "from b") }()
	require.NoError(t, <-done)
	require.NoError(t, <-done)

	got, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, got.AssignedAgentID)
	assert.Contains(t, []string{"agent-a", "agent-b"}, *got.AssignedAgentID)

	// Both messages landed regardless of who won
	messages, err := st.ListMessages(ctx, sess.ID, 0)
	require.NoError(t, err)
	assert.Len(t, messages, 2)
}

func TestSignalTyping_NeverPersisted(t *testing.T) {
	st := createTestStore(t)
	ctx := context.Background()

	sess, err := st.CreateSession(ctx, "Ada")
	require.NoError(t, err)
	require.NoError(t, st.ClaimSession(ctx, sess.ID, "agent-a"))

	visitorTab := &fakeSink{id: "v1"}
	agentConn := &fakeSink{id: "a1"}
	visitors := &fakeVisitors{conns: map[string][]event.Sink{sess.ID: {visitorTab}}}
	agents := &fakePresence{
		available: []string{"agent-a"},
		conns:     map[string][]event.Sink{"agent-a": {agentConn}},
	}
	ai := &fakeResponder{reply: "nope"}

	r := New(st, visitors, agents, ai, Options{}, nil)

	for i := 0; i < 5; i++ {
		r.SignalTyping(ctx, sess.ID, event.RoleVisitor, "", true)
		r.SignalTyping(ctx, sess.ID, event.RoleAgent, "agent-a", i%2 == 0)
	}

	// Signals reached both sides
	require.NotEmpty(t, agentConn.sent)
	assert.Equal(t, event.TypeTyping, agentConn.sent[0].Type)
	require.NotEmpty(t, visitorTab.sent)
	assert.Equal(t, event.TypeTyping, visitorTab.sent[0].Type)

	// Nothing persisted, AI never woken
	messages, err := st.ListMessages(ctx, sess.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, messages)
	assert.Equal(t, 0, ai.calls)
}

func TestSignalTyping_UnknownSessionSilentlyDropped(t *testing.T) {
	st := createTestStore(t)
	visitors := &fakeVisitors{conns: map[string][]event.Sink{}}
	agents := &fakePresence{conns: map[string][]event.Sink{}}
	r := New(st, visitors, agents, nil, Options{}, nil)

	// Must not panic or return anything
	r.SignalTyping(context.Background(), "missing", event.RoleVisitor, "", true)
}

func TestCloseSession_NotifiesBothSides(t *testing.T) {
	st := createTestStore(t)
	ctx := context.Background()

	sess, err := st.CreateSession(ctx, "Ada")
	require.NoError(t, err)
	require.NoError(t, st.ClaimSession(ctx, sess.ID, "agent-a"))

	visitorTab := &fakeSink{id: "v1"}
	agentConn := &fakeSink{id: "a1"}
	visitors := &fakeVisitors{conns: map[string][]event.Sink{sess.ID: {visitorTab}}}
	agents := &fakePresence{conns: map[string][]event.Sink{"agent-a": {agentConn}}}

	r := New(st, visitors, agents, nil, Options{}, nil)
	require.NoError(t, r.CloseSession(ctx, sess.ID))

	require.Len(t, visitorTab.sent, 1)
	assert.Equal(t, event.TypeSessionClosed, visitorTab.sent[0].Type)
	require.Len(t, agentConn.sent, 1)
	assert.Equal(t, event.TypeSessionClosed, agentConn.sent[0].Type)

	// Messages after close are rejected
	err = r.RouteVisitorMessage(ctx, sess.ID, "anyone?")
	require.ErrorIs(t, err, store.ErrSessionClosed)
}

func TestMultiTabFanOut(t *testing.T) {
	st := createTestStore(t)
	ctx := context.Background()

	sess, err := st.CreateSession(ctx, "Ada")
	require.NoError(t, err)

	tab1 := &fakeSink{id: "v1"}
	tab2 := &fakeSink{id: "v2"}
	visitors := &fakeVisitors{conns: map[string][]event.Sink{sess.ID: {tab1, tab2}}}
	agents := &fakePresence{conns: map[string][]event.Sink{}}

	r := New(st, visitors, agents, nil, Options{}, nil)
	require.NoError(t, r.RouteAgentMessage(ctx, "agent-a", sess.ID, "hello"))

	assert.Len(t, tab1.messages(), 1)
	assert.Len(t, tab2.messages(), 1)
}
