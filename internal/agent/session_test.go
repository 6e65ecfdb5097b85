package agent

import (
	"context"
	"errors"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/m2tx/voice_agent/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type script func(ctx context.Context, yield func(StreamEvent, error) bool)

// scriptedProvider plays one script per StreamTurn call. Calls beyond the
// scripts answer "ok" and stop.
type scriptedProvider struct {
	mu      sync.Mutex
	scripts []script
	seen    [][]model.ConversationEntry
}

func (p *scriptedProvider) StreamTurn(ctx context.Context, entries []model.ConversationEntry, _ []ActionDescriptor) iter.Seq2[StreamEvent, error] {
	p.mu.Lock()
	idx := len(p.seen)
	p.seen = append(p.seen, entries)
	var sc script
	if idx < len(p.scripts) {
		sc = p.scripts[idx]
	}
	p.mu.Unlock()

	return func(yield func(StreamEvent, error) bool) {
		if sc == nil {
			yield(StreamEvent{Content: "ok", Finish: FinishStopped}, nil)
			return
		}
		sc(ctx, yield)
	}
}

func (p *scriptedProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.seen)
}

func play(events ...StreamEvent) script {
	return func(_ context.Context, yield func(StreamEvent, error) bool) {
		for _, ev := range events {
			if !yield(ev, nil) {
				return
			}
		}
	}
}

func fail(err error) script {
	return func(_ context.Context, yield func(StreamEvent, error) bool) {
		yield(StreamEvent{}, err)
	}
}

func newTestSession(t *testing.T, p Provider, reg *Registry, window time.Duration) *Session {
	t.Helper()

	s, err := NewSession(SessionConfig{
		ID:             "CA-test",
		Caller:         "+15550100",
		Provider:       p,
		Registry:       reg,
		Logger:         zaptest.NewLogger(t),
		CoalesceWindow: window,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// collectTurn reads events until turn ends. The TurnEndEvent itself is not
// returned.
func collectTurn(t *testing.T, s *Session, turn int) []Event {
	t.Helper()

	var got []Event
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			require.True(t, ok, "events closed")
			if end, isEnd := ev.(TurnEndEvent); isEnd && end.Turn == turn {
				return got
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("turn %d did not finish, got %v", turn, got)
		}
	}
}

func speechOf(events []Event) []SpeechEvent {
	var out []SpeechEvent
	for _, ev := range events {
		if sp, ok := ev.(SpeechEvent); ok {
			out = append(out, sp)
		}
	}
	return out
}

func finalCount(events []Event) int {
	n := 0
	for _, sp := range speechOf(events) {
		if sp.Final {
			n++
		}
	}
	return n
}

// fakeClock is a settable SessionConfig.Now.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
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

func userEntries(history []model.ConversationEntry) []string {
	var out []string
	for _, e := range history {
		if e.Role == model.RoleUser {
			out = append(out, e.Content)
		}
	}
	return out
}

func waitIdle(t *testing.T, s *Session) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == StateIdle }, 3*time.Second, 5*time.Millisecond)
}

func TestSession_StopTurn(t *testing.T) {
	p := &scriptedProvider{scripts: []script{
		play(
			StreamEvent{Content: "Hello there. How"},
			StreamEvent{Content: " are you?"},
			StreamEvent{Finish: FinishStopped},
		),
	}}
	s := newTestSession(t, p, nil, 0)

	require.NoError(t, s.SubmitUserUtterance(context.Background(), "hi"))
	events := collectTurn(t, s, 1)

	assert.Equal(t, []SpeechEvent{
		{Text: "Hello there.", Turn: 1},
		{Text: "How are you?", Final: true, Turn: 1},
	}, speechOf(events))

	waitIdle(t, s)
	history := s.History()
	require.Len(t, history, 2)
	assert.Equal(t, model.ConversationEntry{Role: model.RoleUser, Content: "hi", Sequence: 0}, history[0])
	assert.Equal(t, model.ConversationEntry{Role: model.RoleAssistant, Content: "Hello there. How are you?", Sequence: 1}, history[1])
}

func TestSession_CoalescesFragments(t *testing.T) {
	p := &scriptedProvider{}
	s := newTestSession(t, p, nil, 80*time.Millisecond)

	require.NoError(t, s.SubmitUserUtterance(context.Background(), "My"))
	require.NoError(t, s.SubmitUserUtterance(context.Background(), "name is Sam"))

	collectTurn(t, s, 1)
	waitIdle(t, s)

	assert.Equal(t, 1, p.calls())
	history := s.History()
	require.NotEmpty(t, history)
	assert.Equal(t, "My name is Sam", history[0].Content)
	assert.Equal(t, model.RoleUser, history[0].Role)
}

func TestSession_UtteranceAfterWindowStartsNewTurn(t *testing.T) {
	clock := newFakeClock()
	p := &scriptedProvider{}
	s, err := NewSession(SessionConfig{
		ID:             "CA-window",
		Provider:       p,
		Logger:         zaptest.NewLogger(t),
		CoalesceWindow: time.Hour,
		Now:            clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	require.NoError(t, s.SubmitUserUtterance(ctx, "first"))
	clock.Advance(30 * time.Minute)
	require.NoError(t, s.SubmitUserUtterance(ctx, "still first"))
	assert.Equal(t, 0, p.calls())

	clock.Advance(time.Hour)
	require.NoError(t, s.SubmitUserUtterance(ctx, "second"))
	collectTurn(t, s, 1)
	waitIdle(t, s)

	clock.Advance(time.Hour)
	require.NoError(t, s.SubmitUserUtterance(ctx, "third"))
	collectTurn(t, s, 2)
	waitIdle(t, s)

	assert.Equal(t, 2, p.calls())
	assert.Equal(t, []string{"first still first", "second"}, userEntries(s.History()))

	s.mu.Lock()
	require.NotNil(t, s.pending)
	assert.Equal(t, "third", s.pending.text)
	s.mu.Unlock()
}

func TestSession_FlushDuringTurnWaitsForIdle(t *testing.T) {
	release := make(chan struct{})
	p := &scriptedProvider{scripts: []script{
		func(ctx context.Context, yield func(StreamEvent, error) bool) {
			if !yield(StreamEvent{Content: "Working on it. "}, nil) {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-release:
			}
			yield(StreamEvent{Content: "Done.", Finish: FinishStopped}, nil)
		},
	}}
	s := newTestSession(t, p, nil, 20*time.Millisecond)

	require.NoError(t, s.SubmitUserUtterance(context.Background(), "first"))

	select {
	case ev := <-s.Events():
		assert.Equal(t, SpeechEvent{Text: "Working on it.", Turn: 1}, ev)
	case <-time.After(3 * time.Second):
		t.Fatal("turn 1 did not start")
	}

	require.NoError(t, s.SubmitUserUtterance(context.Background(), "second"))
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.ready) == 1 && s.pending == nil
	}, 3*time.Second, 5*time.Millisecond)

	assert.Equal(t, StateStreaming, s.State())
	assert.Equal(t, 1, p.calls())

	close(release)
	events := collectTurn(t, s, 1)
	assert.Equal(t, []SpeechEvent{{Text: "Done.", Final: true, Turn: 1}}, speechOf(events))
	collectTurn(t, s, 2)
	waitIdle(t, s)

	assert.Equal(t, 2, p.calls())
	assert.Equal(t, []string{"first", "second"}, userEntries(s.History()))

	// turn 2 sees the completed reply of turn 1
	p.mu.Lock()
	second := p.seen[1]
	p.mu.Unlock()
	require.Len(t, second, 3)
	assert.Equal(t, model.ConversationEntry{Role: model.RoleAssistant, Content: "Working on it. Done.", Sequence: 1}, second[1])
}

func TestSession_TrailingWhitespaceHasNoEmptyFinal(t *testing.T) {
	p := &scriptedProvider{scripts: []script{
		play(
			StreamEvent{Content: "Done. "},
			StreamEvent{Finish: FinishStopped},
		),
	}}
	s := newTestSession(t, p, nil, 0)

	require.NoError(t, s.SubmitUserUtterance(context.Background(), "thanks"))
	events := collectTurn(t, s, 1)
	waitIdle(t, s)

	assert.Equal(t, []SpeechEvent{{Text: "Done.", Turn: 1}}, speechOf(events))
	history := s.History()
	require.Len(t, history, 2)
	assert.Equal(t, "Done.", history[1].Content)
}

func TestSession_InterruptStopsEmission(t *testing.T) {
	release := make(chan struct{})
	p := &scriptedProvider{scripts: []script{
		func(ctx context.Context, yield func(StreamEvent, error) bool) {
			if !yield(StreamEvent{Content: "Let me think. "}, nil) {
				return
			}
			select {
			case <-ctx.Done():
			case <-release:
			}
			if !yield(StreamEvent{Content: "The answer is 42. "}, nil) {
				return
			}
			yield(StreamEvent{Finish: FinishStopped}, nil)
		},
	}}
	s := newTestSession(t, p, nil, 0)

	require.NoError(t, s.SubmitUserUtterance(context.Background(), "question"))

	select {
	case ev := <-s.Events():
		assert.Equal(t, SpeechEvent{Text: "Let me think.", Turn: 1}, ev)
	case <-time.After(3 * time.Second):
		t.Fatal("no speech before interrupt")
	}

	s.Interrupt()
	s.Interrupt()
	close(release)

	require.NoError(t, s.SubmitUserUtterance(context.Background(), "never mind"))
	events := collectTurn(t, s, 2)
	for _, sp := range speechOf(events) {
		assert.Equal(t, 2, sp.Turn, "speech leaked from interrupted turn: %q", sp.Text)
	}

	waitIdle(t, s)
	history := s.History()
	require.Len(t, history, 4)
	assert.Equal(t, model.ConversationEntry{Role: model.RoleAssistant, Content: "Let me think. [interrupted]", Sequence: 1}, history[1])
	assert.Equal(t, "never mind", history[2].Content)
}

func TestSession_InterruptWhileIdleIsNoop(t *testing.T) {
	s := newTestSession(t, &scriptedProvider{}, nil, 0)

	s.Interrupt()
	assert.Equal(t, StateIdle, s.State())

	require.NoError(t, s.SubmitUserUtterance(context.Background(), "hi"))
	events := collectTurn(t, s, 1)
	assert.Equal(t, []SpeechEvent{{Text: "ok", Final: true, Turn: 1}}, speechOf(events))
}

func TestSession_ToolTurnWithFollowUp(t *testing.T) {
	handled := 0
	reg := NewRegistry()
	require.NoError(t, reg.AddFunctionCall(&FunctionDeclaration{
		Name:   "findNearestShelter",
		Say:    "Let me check nearby shelters.",
		Family: "facility_search",
		FunctionCall: func(_ context.Context, inv *Invocation) (any, error) {
			handled++
			assert.Equal(t, "+15550100", inv.Caller)
			assert.Equal(t, "94105", inv.Args["zip"])
			return "Hope House, 2 miles", nil
		},
	}))

	p := &scriptedProvider{scripts: []script{
		play(
			StreamEvent{Tool: &ToolFragment{Index: 0, ID: "call_1", Name: "findNearestShelter", Arguments: `{"zip":`}},
			StreamEvent{Tool: &ToolFragment{Index: 0, Arguments: `"94105"}`}},
			StreamEvent{Finish: FinishToolCalls},
		),
		play(
			StreamEvent{Content: "The nearest shelter is Hope House."},
			StreamEvent{Finish: FinishStopped},
		),
	}}
	s := newTestSession(t, p, reg, 0)

	require.NoError(t, s.SubmitUserUtterance(context.Background(), "I need a shelter near 94105"))
	events := collectTurn(t, s, 1)
	waitIdle(t, s)

	require.Len(t, events, 3)
	assert.Equal(t, SpeechEvent{Text: "Let me check nearby shelters.", Turn: 1}, events[0])
	action, ok := events[1].(ActionEvent)
	require.True(t, ok)
	assert.Equal(t, "findNearestShelter", action.Name)
	assert.Equal(t, "Hope House, 2 miles", action.Result)
	assert.Equal(t, SpeechEvent{Text: "The nearest shelter is Hope House.", Final: true, Turn: 1}, events[2])

	assert.Equal(t, 1, handled)
	assert.Equal(t, 2, p.calls())

	history := s.History()
	require.Len(t, history, 3)
	assert.Equal(t, model.RoleFunction, history[1].Role)
	assert.Equal(t, "findNearestShelter", history[1].Name)
	assert.Equal(t, "Hope House, 2 miles", history[1].Content)
	assert.Equal(t, model.RoleAssistant, history[2].Role)

	// the follow-up round sees the function entry
	p.mu.Lock()
	followUpContext := p.seen[1]
	p.mu.Unlock()
	require.Len(t, followUpContext, 2)
	assert.Equal(t, model.RoleFunction, followUpContext[1].Role)
}

func TestSession_DuplicateCallsInOneBatch(t *testing.T) {
	handled := 0
	reg := NewRegistry()
	require.NoError(t, reg.AddFunctionCall(&FunctionDeclaration{
		Name:   "findHotelRoom",
		Family: "facility_search",
		FunctionCall: func(context.Context, *Invocation) (any, error) {
			handled++
			return "Inn on Main", nil
		},
	}))

	p := &scriptedProvider{scripts: []script{
		play(
			StreamEvent{Content: "One moment.\n"},
			StreamEvent{Tool: &ToolFragment{Index: 0, Name: "findHotelRoom", Arguments: `{}`}},
			StreamEvent{Tool: &ToolFragment{Index: 1, Name: "findHotelRoom", Arguments: `{}`}},
			StreamEvent{Finish: FinishToolCalls},
		),
	}}
	s := newTestSession(t, p, reg, 0)

	require.NoError(t, s.SubmitUserUtterance(context.Background(), "hotel please"))
	events := collectTurn(t, s, 1)
	waitIdle(t, s)

	assert.Equal(t, 1, handled)
	assert.Equal(t, 2, p.calls())
	assert.Equal(t, []SpeechEvent{
		{Text: "One moment.", Turn: 1},
		{Text: "ok", Final: true, Turn: 1},
	}, speechOf(events))

	functionEntries := 0
	for _, e := range s.History() {
		if e.Role == model.RoleFunction {
			functionEntries++
		}
	}
	assert.Equal(t, 1, functionEntries)
}

func TestSession_TerminalActionEndsTurn(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.AddFunctionCall(&FunctionDeclaration{
		Name:     "changeLanguage",
		Terminal: true,
		FunctionCall: func(context.Context, *Invocation) (any, error) {
			return "Okay, switching to Spanish.", nil
		},
	}))

	p := &scriptedProvider{scripts: []script{
		play(
			StreamEvent{Tool: &ToolFragment{Index: 0, Name: "changeLanguage", Arguments: `{"language":"es-ES"}`}, Finish: FinishToolCalls},
		),
	}}
	s := newTestSession(t, p, reg, 0)

	require.NoError(t, s.SubmitUserUtterance(context.Background(), "español"))
	events := collectTurn(t, s, 1)
	waitIdle(t, s)

	require.Len(t, events, 2)
	_, isAction := events[0].(ActionEvent)
	assert.True(t, isAction)
	assert.Equal(t, SpeechEvent{Text: "Okay, switching to Spanish.", Final: true, Turn: 1}, events[1])
	assert.Equal(t, 1, p.calls())
}

func TestSession_MixedBatchHasOneFinal(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.AddFunctionCall(&FunctionDeclaration{
		Name:     "changeLanguage",
		Terminal: true,
		FunctionCall: func(context.Context, *Invocation) (any, error) {
			return "Okay, switching to Spanish.", nil
		},
	}))
	require.NoError(t, reg.AddFunctionCall(&FunctionDeclaration{
		Name:         "getWeather",
		FunctionCall: func(context.Context, *Invocation) (any, error) { return "sunny, 24C", nil },
	}))

	p := &scriptedProvider{scripts: []script{
		play(
			StreamEvent{Tool: &ToolFragment{Index: 0, Name: "changeLanguage", Arguments: `{"language":"es-ES"}`}},
			StreamEvent{Tool: &ToolFragment{Index: 1, Name: "getWeather", Arguments: `{"city":"Madrid"}`}},
			StreamEvent{Finish: FinishToolCalls},
		),
		play(
			StreamEvent{Content: "Hace sol en Madrid."},
			StreamEvent{Finish: FinishStopped},
		),
	}}
	s := newTestSession(t, p, reg, 0)

	require.NoError(t, s.SubmitUserUtterance(context.Background(), "en español, qué tiempo hace en Madrid"))
	events := collectTurn(t, s, 1)
	waitIdle(t, s)

	assert.Equal(t, 2, p.calls())
	assert.Equal(t, 1, finalCount(events))
	assert.Equal(t, []SpeechEvent{
		{Text: "Okay, switching to Spanish.", Turn: 1},
		{Text: "Hace sol en Madrid.", Final: true, Turn: 1},
	}, speechOf(events))

	var names []string
	for _, ev := range events {
		if a, ok := ev.(ActionEvent); ok {
			names = append(names, a.Name)
		}
	}
	assert.Equal(t, []string{"changeLanguage", "getWeather"}, names)
}

func TestSession_UnknownOnlyBatchEndsTurn(t *testing.T) {
	p := &scriptedProvider{scripts: []script{
		play(
			StreamEvent{Tool: &ToolFragment{Index: 0, Name: "bookFlight", Arguments: `{}`}},
			StreamEvent{Finish: FinishToolCalls},
		),
	}}
	s := newTestSession(t, p, nil, 0)

	require.NoError(t, s.SubmitUserUtterance(context.Background(), "book me a flight"))
	events := collectTurn(t, s, 1)
	waitIdle(t, s)

	assert.Empty(t, speechOf(events))
	assert.Equal(t, 1, p.calls())

	require.NoError(t, s.SubmitUserUtterance(context.Background(), "hello?"))
	events = collectTurn(t, s, 2)
	assert.Equal(t, []SpeechEvent{{Text: "ok", Final: true, Turn: 2}}, speechOf(events))
}

func TestSession_ProviderFailureApologises(t *testing.T) {
	p := &scriptedProvider{scripts: []script{
		fail(errors.New("connection reset")),
		play(StreamEvent{Content: "partial"}),
	}}
	s := newTestSession(t, p, nil, 0)

	require.NoError(t, s.SubmitUserUtterance(context.Background(), "hi"))
	events := collectTurn(t, s, 1)
	assert.Equal(t, []SpeechEvent{{Text: DefaultApology, Final: true, Turn: 1}}, speechOf(events))
	waitIdle(t, s)

	require.NoError(t, s.SubmitUserUtterance(context.Background(), "hello?"))
	events = collectTurn(t, s, 2)
	assert.Equal(t, SpeechEvent{Text: DefaultApology, Final: true, Turn: 2}, speechOf(events)[len(speechOf(events))-1])
	waitIdle(t, s)

	history := s.History()
	require.Len(t, history, 4)
	assert.Equal(t, DefaultApology, history[1].Content)
	assert.Equal(t, DefaultApology, history[3].Content)
}

func TestSession_ToolRoundsAreBounded(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.AddFunctionCall(&FunctionDeclaration{
		Name:         "getWeather",
		FunctionCall: func(context.Context, *Invocation) (any, error) { return "sunny", nil },
	}))

	loop := play(
		StreamEvent{Tool: &ToolFragment{Index: 0, Name: "getWeather"}},
		StreamEvent{Finish: FinishToolCalls},
	)
	p := &scriptedProvider{scripts: []script{loop, loop, loop, loop}}

	s, err := NewSession(SessionConfig{
		ID:            "CA-rounds",
		Provider:      p,
		Registry:      reg,
		MaxToolRounds: 2,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.SubmitUserUtterance(context.Background(), "weather?"))
	events := collectTurn(t, s, 1)

	assert.Equal(t, 2, p.calls())
	speech := speechOf(events)
	assert.Equal(t, DefaultApology, speech[len(speech)-1].Text)
}

func TestSession_SetContextFactAndInstruction(t *testing.T) {
	s := newTestSession(t, &scriptedProvider{}, nil, 0)

	require.NoError(t, s.AddInstruction("You are a helpful assistant."))
	require.NoError(t, s.SetContextFact("user phone number", "+15550100"))

	history := s.History()
	require.Len(t, history, 2)
	assert.Equal(t, model.RoleSystem, history[0].Role)
	assert.Equal(t, "user phone number: +15550100", history[1].Content)
	assert.Equal(t, model.RoleUser, history[1].Role)

	s.SetCaller("+15550199")
	assert.Equal(t, "+15550199", s.Caller())
}

func TestSession_Close(t *testing.T) {
	s, err := NewSession(SessionConfig{ID: "CA-close", Provider: &scriptedProvider{}})
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, open := <-s.Events()
	assert.False(t, open)
	assert.ErrorIs(t, s.SubmitUserUtterance(context.Background(), "hi"), ErrSessionClosed)
	assert.ErrorIs(t, s.SetContextFact("k", "v"), ErrSessionClosed)

	_, err = NewSession(SessionConfig{})
	assert.Error(t, err)
}
