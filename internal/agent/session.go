package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/m2tx/voice_agent/internal/model"
)

const (
	DefaultCoalesceWindow = 500 * time.Millisecond
	DefaultMaxToolRounds  = 4
	DefaultEventBuffer    = 64
	DefaultApology        = "Sorry, I ran into a problem. Could you say that again?"

	interruptedMarker = "[interrupted]"
)

// State is the phase of the turn a session is working on.
type State int32

const (
	StateIdle State = iota
	StateAwaitingModel
	StateStreaming
	StateEmittingTool
	StateEmittingFinal
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingModel:
		return "awaiting_model"
	case StateStreaming:
		return "streaming"
	case StateEmittingTool:
		return "emitting_tool"
	case StateEmittingFinal:
		return "emitting_final"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

type SessionConfig struct {
	ID       string
	Caller   string
	Provider Provider
	Registry *Registry
	Recorder ActionRecorder
	Logger   *zap.Logger

	// CoalesceWindow is how long the session waits for more input before a
	// buffered utterance becomes a turn. Zero starts a turn per utterance.
	CoalesceWindow time.Duration
	// MaxToolRounds bounds the model rounds a single turn may take.
	MaxToolRounds int
	EventBuffer   int

	Apology              string
	HandlerFailureResult string

	Now func() time.Time
}

type pendingInput struct {
	text       string
	receivedAt time.Time
	lastAt     time.Time
}

// Session runs the conversation of one call. Turns execute one at a time on
// a dedicated worker goroutine; every method is safe for concurrent use.
type Session struct {
	cfg        SessionConfig
	logger     *zap.Logger
	store      *ContextStore
	dispatcher *Dispatcher

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      State
	idle       chan struct{} // closed while state is StateIdle
	caller     string
	turn       int
	turnDone   <-chan struct{}
	turnCancel context.CancelFunc
	pending    *pendingInput
	pendingGen uint64
	timer      *time.Timer
	ready      []string
	closed     bool

	interrupted atomic.Bool
	emitMu      sync.Mutex

	events chan Event
	wake   chan struct{}
	done   chan struct{}
}

func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Provider == nil {
		return nil, errors.New("agent: session provider cannot be nil")
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = DefaultMaxToolRounds
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultEventBuffer
	}
	if cfg.Apology == "" {
		cfg.Apology = DefaultApology
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("session", cfg.ID))

	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)

	s := &Session{
		cfg:    cfg,
		logger: logger,
		store:  NewContextStore(),
		ctx:    ctx,
		cancel: cancel,
		idle:   idle,
		caller: cfg.Caller,
		events: make(chan Event, cfg.EventBuffer),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	s.dispatcher = NewDispatcher(DispatcherConfig{
		SessionID:     cfg.ID,
		Caller:        s.Caller,
		Registry:      cfg.Registry,
		Store:         s.store,
		Gate:          NewCooldownGate(),
		Output:        sessionOutput{s},
		Recorder:      cfg.Recorder,
		Logger:        logger,
		Now:           cfg.Now,
		FailureResult: cfg.HandlerFailureResult,
	})

	go s.run()

	return s, nil
}

func (s *Session) ID() string {
	return s.cfg.ID
}

// Events delivers speech and action events. It is closed by Close.
func (s *Session) Events() <-chan Event {
	return s.events
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// History returns a snapshot of the conversation context.
func (s *Session) History() []model.ConversationEntry {
	return s.store.Snapshot()
}

func (s *Session) Caller() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.caller
}

func (s *Session) SetCaller(caller string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.caller = caller
}

// SetContextFact records a fact about the call, such as the caller's
// number, as a user line "key: value".
func (s *Session) SetContextFact(key, value string) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	_, err := s.store.Append(model.ConversationEntry{
		Role:    model.RoleUser,
		Content: key + ": " + value,
	})
	return err
}

// AddInstruction appends a system line to the context.
func (s *Session) AddInstruction(text string) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	_, err := s.store.Append(model.ConversationEntry{
		Role:    model.RoleSystem,
		Content: text,
	})
	return err
}

// SubmitUserUtterance buffers text for the next turn. Utterances arriving
// within the coalescing window of each other are joined into one turn. If
// the current turn was interrupted, it returns only once the session is
// idle again.
func (s *Session) SubmitUserUtterance(ctx context.Context, text string) error {
	if err := s.awaitInterrupted(ctx); err != nil {
		return err
	}

	text = strings.TrimSpace(text)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if text == "" {
		return nil
	}

	window := s.cfg.CoalesceWindow
	now := s.cfg.Now()

	if s.pending != nil && now.Sub(s.pending.lastAt) >= window {
		s.flushPendingLocked()
	}
	if s.pending == nil {
		s.pending = &pendingInput{text: text, receivedAt: now, lastAt: now}
	} else {
		s.pending.text += " " + text
		s.pending.lastAt = now
	}

	if window <= 0 {
		s.flushPendingLocked()
		return nil
	}

	if s.timer != nil {
		s.timer.Stop()
	}
	s.pendingGen++
	gen := s.pendingGen
	s.timer = time.AfterFunc(window, func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		if s.closed || gen != s.pendingGen {
			return
		}
		s.flushPendingLocked()
	})

	return nil
}

// Interrupt stops the turn in flight. No speech for that turn is emitted
// after Interrupt returns. It is a no-op while the session is idle.
func (s *Session) Interrupt() {
	s.mu.Lock()
	if s.closed || s.state == StateIdle {
		s.mu.Unlock()
		return
	}
	s.interrupted.Store(true)
	cancel := s.turnCancel
	turn := s.turn
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	// wait out any emission that started before the flag was set
	s.emitMu.Lock()
	s.emitMu.Unlock()

	s.logger.Debug("turn interrupted", zap.Int("turn", turn))
}

// Close stops the session, dropping any buffered input, and closes Events.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.pendingGen++
	s.pending = nil
	cancel := s.turnCancel
	s.mu.Unlock()

	s.interrupted.Store(true)
	if cancel != nil {
		cancel()
	}
	s.cancel()
	<-s.done
	close(s.events)

	return nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}

func (s *Session) awaitInterrupted(ctx context.Context) error {
	s.mu.Lock()
	idle := s.idle
	waiting := s.interrupted.Load() && s.state != StateIdle
	s.mu.Unlock()

	if !waiting {
		return nil
	}

	select {
	case <-idle:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) flushPendingLocked() {
	if s.pending == nil {
		return
	}
	s.ready = append(s.ready, s.pending.text)
	s.logger.Debug("utterance buffered for turn",
		zap.String("text", s.pending.text),
		zap.Duration("held", s.cfg.Now().Sub(s.pending.receivedAt)))

	s.pending = nil
	s.pendingGen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.setStateLocked(st)
}

func (s *Session) setStateLocked(st State) {
	switch {
	case st == StateIdle && s.state != StateIdle:
		close(s.idle)
	case st != StateIdle && s.state == StateIdle:
		s.idle = make(chan struct{})
	}
	s.state = st
}

func (s *Session) run() {
	defer close(s.done)

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		}

		for {
			ctx, turn, text, ok := s.nextTurn()
			if !ok {
				break
			}
			s.executeTurn(ctx, turn, text)
			sessionOutput{s}.endTurn(turn)
			s.finishTurn()
		}
	}
}

// nextTurn pops the next ready utterance and opens a turn for it.
func (s *Session) nextTurn() (context.Context, int, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || len(s.ready) == 0 {
		return nil, 0, "", false
	}
	text := s.ready[0]
	s.ready = s.ready[1:]

	s.turn++
	ctx, cancel := context.WithCancel(s.ctx)
	s.turnCancel = cancel
	s.turnDone = ctx.Done()
	s.interrupted.Store(false)
	s.setStateLocked(StateAwaitingModel)

	return ctx, s.turn, text, true
}

func (s *Session) finishTurn() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.turnCancel != nil {
		s.turnCancel()
		s.turnCancel = nil
	}
	s.setStateLocked(StateIdle)
}

func (s *Session) executeTurn(ctx context.Context, turn int, text string) {
	logger := s.logger.With(zap.Int("turn", turn))
	logger.Info("turn started", zap.String("utterance", text))

	if _, err := s.store.Append(model.ConversationEntry{Role: model.RoleUser, Content: text}); err != nil {
		logger.Error("append user entry", zap.Error(err))
		return
	}

	s.runModel(ctx, turn, 0)
}

// runModel streams one model round. Tool calls that need the model to see
// their results start another round of the same turn.
func (s *Session) runModel(ctx context.Context, turn, round int) {
	out := sessionOutput{s}
	logger := s.logger.With(zap.Int("turn", turn), zap.Int("round", round))

	var (
		seg       Segmenter
		acc       = NewAccumulator()
		full      strings.Builder
		spoken    []string
		finish    = FinishNone
		streamErr error
	)

	stream := s.cfg.Provider.StreamTurn(ctx, s.store.Snapshot(), s.cfg.Registry.Descriptors())
	for ev, err := range stream {
		if s.interrupted.Load() {
			break
		}
		if err != nil {
			streamErr = err
			break
		}
		if ev.Content != "" || ev.Tool != nil {
			s.setState(StateStreaming)
		}
		if ev.Content != "" {
			full.WriteString(ev.Content)
			for _, unit := range seg.Push(ev.Content) {
				if out.Speak(turn, unit, false) {
					spoken = append(spoken, unit)
				}
			}
		}
		if ev.Tool != nil {
			acc.Add(*ev.Tool)
		}
		if ev.Finish != FinishNone {
			finish = ev.Finish
			break
		}
	}

	if s.interrupted.Load() {
		s.recordInterrupted(spoken)
		return
	}
	if streamErr != nil {
		s.failTurn(turn, fmt.Errorf("%w: %w", ErrProviderStream, streamErr))
		return
	}

	switch finish {
	case FinishStopped:
		s.setState(StateEmittingFinal)
		if unit, ok := seg.Flush(); ok {
			out.Speak(turn, unit, true)
		}
		s.appendAssistant(strings.TrimSpace(full.String()))
		logger.Info("turn completed")

	case FinishToolCalls:
		s.setState(StateEmittingTool)
		if unit, ok := seg.Flush(); ok && out.Speak(turn, unit, false) {
			spoken = append(spoken, unit)
		}
		if text := strings.TrimSpace(full.String()); text != "" {
			s.appendAssistant(text)
		}

		calls := acc.Finalize()
		if len(calls) == 0 {
			s.failTurn(turn, fmt.Errorf("%w: tool calls finish without calls", ErrProviderStream))
			return
		}

		followUp, closing := s.dispatchCalls(turn, calls)
		if s.interrupted.Load() {
			s.recordInterrupted(nil)
			return
		}
		// terminal speech closes the turn only when no follow-up round runs
		for i, text := range closing {
			out.Speak(turn, text, !followUp && i == len(closing)-1)
		}
		if !followUp {
			return
		}
		if round+1 >= s.cfg.MaxToolRounds {
			s.failTurn(turn, fmt.Errorf("agent: turn exceeded %d tool rounds", s.cfg.MaxToolRounds))
			return
		}
		s.setState(StateAwaitingModel)
		s.runModel(ctx, turn, round+1)

	default:
		s.failTurn(turn, ErrIncompleteStream)
	}
}

// dispatchCalls runs calls in order and reports whether the model must be
// asked again, along with the speech of terminal actions. Handlers run on
// the session context so an interrupt does not abandon an external call
// half way.
func (s *Session) dispatchCalls(turn int, calls []FinalizedCall) (followUp bool, closing []string) {
	for _, call := range calls {
		if s.interrupted.Load() {
			break
		}
		res, err := s.dispatcher.Dispatch(s.ctx, turn, call)
		if err != nil {
			s.logger.Debug("dispatch",
				zap.Int("turn", turn),
				zap.String("action", call.Name),
				zap.Stringer("outcome", res.Outcome),
				zap.Error(err))
		}
		if res.Outcome.NeedsFollowUp() {
			followUp = true
		}
		if res.Speech != "" {
			closing = append(closing, res.Speech)
		}
	}
	return followUp, closing
}

func (s *Session) failTurn(turn int, err error) {
	s.logger.Error("turn failed", zap.Int("turn", turn), zap.Error(err))

	s.setState(StateEmittingFinal)
	sessionOutput{s}.Speak(turn, s.cfg.Apology, true)
	s.appendAssistant(s.cfg.Apology)
}

func (s *Session) recordInterrupted(spoken []string) {
	content := interruptedMarker
	if len(spoken) > 0 {
		content = strings.Join(spoken, " ") + " " + interruptedMarker
	}
	s.appendAssistant(content)
}

func (s *Session) appendAssistant(content string) {
	_, err := s.store.Append(model.ConversationEntry{Role: model.RoleAssistant, Content: content})
	if err != nil {
		s.logger.Error("append assistant entry", zap.Error(err))
	}
}

// sessionOutput delivers dispatcher and segmenter output to Events.
type sessionOutput struct {
	s *Session
}

func (o sessionOutput) Speak(turn int, text string, final bool) bool {
	s := o.s
	text = NormalizeSpeech(text)
	if text == "" {
		return false
	}

	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	if s.interrupted.Load() {
		return false
	}

	s.mu.Lock()
	turnDone := s.turnDone
	s.mu.Unlock()

	select {
	case s.events <- SpeechEvent{Text: text, Final: final, Turn: turn}:
		return true
	case <-turnDone:
		return false
	case <-s.ctx.Done():
		return false
	}
}

// endTurn reports the end of a turn that was not interrupted.
func (o sessionOutput) endTurn(turn int) {
	s := o.s
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	if s.interrupted.Load() {
		return
	}
	select {
	case s.events <- TurnEndEvent{Turn: turn}:
	case <-s.ctx.Done():
	}
}

func (o sessionOutput) Action(ev ActionEvent) {
	select {
	case o.s.events <- ev:
	case <-o.s.ctx.Done():
	}
}
